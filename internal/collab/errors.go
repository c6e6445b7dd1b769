package collab

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for transport mapping.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindForbidden          ErrorKind = "forbidden"
	KindInvalidArgument    ErrorKind = "invalid_argument"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindTimeout            ErrorKind = "timeout"
)

var (
	ErrNotFound           = errors.New("collab: not found")
	ErrForbidden          = errors.New("collab: forbidden")
	ErrInvalidArgument    = errors.New("collab: invalid argument")
	ErrServiceUnavailable = errors.New("collab: service unavailable")
	ErrTimeout            = errors.New("collab: timeout")
)

// ServiceError carries an operation-scoped code alongside the failure kind.
type ServiceError struct {
	kind ErrorKind
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Is lets errors.Is match a ServiceError against the sentinel of its kind.
func (e *ServiceError) Is(target error) bool {
	switch e.kind {
	case KindNotFound:
		return target == ErrNotFound
	case KindForbidden:
		return target == ErrForbidden
	case KindInvalidArgument:
		return target == ErrInvalidArgument
	case KindServiceUnavailable:
		return target == ErrServiceUnavailable
	case KindTimeout:
		return target == ErrTimeout
	}
	return false
}

func (e *ServiceError) Code() string {
	return e.code
}

func (e *ServiceError) Kind() ErrorKind {
	return e.kind
}

func newServiceError(kind ErrorKind, operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{kind: kind, code: code, err: cause}
}

// storeError classifies a session store failure. A deadline that expired
// while waiting on the store is a timeout, anything else is unavailability.
func storeError(operation, reason string, cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		return newServiceError(KindTimeout, operation, reason, cause)
	}
	return newServiceError(KindServiceUnavailable, operation, reason, cause)
}

// KindOf extracts the ErrorKind of a ServiceError anywhere in the chain.
func KindOf(err error) (ErrorKind, bool) {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.kind, true
	}
	return "", false
}
