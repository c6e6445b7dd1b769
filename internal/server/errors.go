package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/codecollab/internal/assistant"
	"github.com/MarcoPoloResearchLab/codecollab/internal/collab"
	"github.com/MarcoPoloResearchLab/codecollab/internal/execution"
	"github.com/MarcoPoloResearchLab/codecollab/internal/history"
	"github.com/gin-gonic/gin"
)

const (
	errorKindUnauthorized = "unauthorized"
	errorKindInternal     = "internal"
)

// errorPayload is the body of every failed response.
type errorPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type classifiedError struct {
	status int
	kind   string
	code   string
}

func classifyError(err error) classifiedError {
	var serviceErr *collab.ServiceError
	if errors.As(err, &serviceErr) {
		return classifiedError{status: statusForKind(serviceErr.Kind()), kind: string(serviceErr.Kind()), code: serviceErr.Code()}
	}

	switch {
	case errors.Is(err, execution.ErrRejected):
		return classifiedError{http.StatusBadRequest, string(collab.KindInvalidArgument), "execution.source_rejected"}
	case errors.Is(err, execution.ErrUnsupportedLanguage):
		return classifiedError{http.StatusBadRequest, string(collab.KindInvalidArgument), "execution.unsupported_language"}
	case errors.Is(err, execution.ErrEmptySource):
		return classifiedError{http.StatusBadRequest, string(collab.KindInvalidArgument), "execution.empty_source"}
	case errors.Is(err, execution.ErrTimeout):
		return classifiedError{http.StatusGatewayTimeout, string(collab.KindTimeout), "execution.timeout"}
	case errors.Is(err, execution.ErrUnavailable):
		return classifiedError{http.StatusServiceUnavailable, string(collab.KindServiceUnavailable), "execution.unavailable"}
	case errors.Is(err, assistant.ErrInvalidRequest):
		return classifiedError{http.StatusBadRequest, string(collab.KindInvalidArgument), "assistant.invalid_request"}
	case errors.Is(err, assistant.ErrTimeout):
		return classifiedError{http.StatusGatewayTimeout, string(collab.KindTimeout), "assistant.timeout"}
	case errors.Is(err, assistant.ErrUnavailable):
		return classifiedError{http.StatusServiceUnavailable, string(collab.KindServiceUnavailable), "assistant.unavailable"}
	case errors.Is(err, history.ErrArchiveNotFound):
		return classifiedError{http.StatusNotFound, string(collab.KindNotFound), "history.archive_not_found"}
	case errors.Is(err, history.ErrInvalidArchiveRequest):
		return classifiedError{http.StatusBadRequest, string(collab.KindInvalidArgument), "history.invalid_request"}
	}
	return classifiedError{http.StatusInternalServerError, errorKindInternal, "server.internal_error"}
}

func statusForKind(kind collab.ErrorKind) int {
	switch kind {
	case collab.KindNotFound:
		return http.StatusNotFound
	case collab.KindForbidden:
		return http.StatusForbidden
	case collab.KindInvalidArgument:
		return http.StatusBadRequest
	case collab.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case collab.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func newErrorPayload(err error) (int, errorPayload) {
	classified := classifyError(err)
	message := err.Error()
	if classified.status == http.StatusInternalServerError {
		message = "internal server error"
	}
	return classified.status, errorPayload{
		Error:   classified.kind,
		Code:    classified.code,
		Message: message,
	}
}

func invalidRequest(code, message string) errorPayload {
	return errorPayload{Error: string(collab.KindInvalidArgument), Code: code, Message: message}
}

func forbidden(code, message string) errorPayload {
	return errorPayload{Error: string(collab.KindForbidden), Code: code, Message: message}
}

func respondError(c *gin.Context, err error) {
	status, payload := newErrorPayload(err)
	c.AbortWithStatusJSON(status, payload)
}
