package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/codecollab/internal/collab"
	"github.com/gin-gonic/gin"
)

type createSessionRequest struct {
	Language    string  `json:"language"`
	InitialCode *string `json:"initialCode"`
}

type sessionIDRequest struct {
	SessionID string `json:"sessionId"`
}

type updateCodeRequest struct {
	SessionID     string         `json:"sessionId"`
	ParticipantID string         `json:"participantId"`
	Code          *string        `json:"code"`
	Cursor        *collab.Cursor `json:"cursor"`
}

type participantRequest struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
}

type sendMessageRequest struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	Content       string `json:"content"`
}

type setPermissionRequest struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	Permission    string `json:"permission"`
}

type sessionResponse struct {
	Success       bool            `json:"success"`
	Session       *collab.Session `json:"session"`
	ParticipantID string          `json:"participantId,omitempty"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request createSessionRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Language) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, invalidRequest("collab.create_session.invalid_request", "language is required"))
		return
	}
	view, err := h.sessions.CreateSession(c.Request.Context(), callerFrom(c), collab.CreateSessionRequest{
		Language:    request.Language,
		InitialCode: request.InitialCode,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"sessionId":     view.Session.ID,
		"participantId": view.ParticipantID,
		"session":       view.Session,
	})
}

func (h *httpHandler) handleJoinSession(c *gin.Context) {
	var request sessionIDRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SessionID) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, invalidRequest("collab.join_session.invalid_request", "sessionId is required"))
		return
	}
	view, err := h.sessions.JoinSession(c.Request.Context(), request.SessionID, callerFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Success: true, Session: view.Session, ParticipantID: view.ParticipantID})
}

func (h *httpHandler) handleUpdateCode(c *gin.Context) {
	var request updateCodeRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Code == nil || strings.TrimSpace(request.SessionID) == "" || strings.TrimSpace(request.ParticipantID) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, invalidRequest("collab.update_code.invalid_request", "sessionId, participantId and code are required"))
		return
	}
	session, err := h.sessions.UpdateCode(c.Request.Context(), callerFrom(c), collab.UpdateCodeRequest{
		SessionID:     request.SessionID,
		ParticipantID: request.ParticipantID,
		Code:          *request.Code,
		Cursor:        request.Cursor,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Success: true, Session: session})
}

func (h *httpHandler) handleLeaveSession(c *gin.Context) {
	var request participantRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SessionID) == "" || strings.TrimSpace(request.ParticipantID) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, invalidRequest("collab.leave_session.invalid_request", "sessionId and participantId are required"))
		return
	}
	if err := h.sessions.LeaveSession(c.Request.Context(), callerFrom(c), request.SessionID, request.ParticipantID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	view, err := h.sessions.GetSession(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Success: true, Session: view.Session, ParticipantID: view.ParticipantID})
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	messages, err := h.sessions.ListMessages(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "messages": messages})
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	var request sendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SessionID) == "" || strings.TrimSpace(request.ParticipantID) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, invalidRequest("collab.send_message.invalid_request", "sessionId and participantId are required"))
		return
	}
	message, err := h.sessions.SendMessage(c.Request.Context(), callerFrom(c), request.SessionID, request.ParticipantID, request.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message})
}

func (h *httpHandler) handleSetPermission(c *gin.Context) {
	var request setPermissionRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SessionID) == "" || strings.TrimSpace(request.ParticipantID) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, invalidRequest("collab.set_permission.invalid_request", "sessionId and participantId are required"))
		return
	}
	permission, err := collab.ParsePermission(request.Permission)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, invalidRequest("collab.set_permission.invalid_permission", err.Error()))
		return
	}
	session, err := h.sessions.SetPermission(c.Request.Context(), callerFrom(c), request.SessionID, request.ParticipantID, permission)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Success: true, Session: session})
}

func (h *httpHandler) handleListHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "archives": []interface{}{}})
		return
	}
	archives, err := h.history.ListArchives(c.Request.Context(), callerFrom(c).UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "archives": archives})
}

func (h *httpHandler) handleLoadHistory(c *gin.Context) {
	if h.history == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, errorPayload{Error: string(collab.KindNotFound), Code: "history.archive_not_found", Message: "archive not found"})
		return
	}
	archive, err := h.history.LoadArchive(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if archive.HostID != callerFrom(c).UserID {
		c.AbortWithStatusJSON(http.StatusForbidden, forbidden("history.load_archive.not_host", "only the session host may read its archive"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "archive": archive})
}
