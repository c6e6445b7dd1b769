package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/codecollab/internal/assistant"
	"github.com/MarcoPoloResearchLab/codecollab/internal/collab"
	"github.com/MarcoPoloResearchLab/codecollab/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type executeRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

type executeResponse struct {
	Success       bool   `json:"success"`
	Output        string `json:"output,omitempty"`
	Error         string `json:"error,omitempty"`
	ExitCode      int    `json:"exitCode"`
	ExecutionTime int64  `json:"executionTime"`
}

type generateQuestionRequest struct {
	Topic      string `json:"topic"`
	Difficulty string `json:"difficulty"`
}

type analyzeCodeRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

func (h *httpHandler) handleExecute(c *gin.Context) {
	var request executeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, invalidRequest("execution.invalid_request", "language and code are required"))
		return
	}
	language, err := collab.ParseLanguage(request.Language)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, invalidRequest("execution.unsupported_language", err.Error()))
		return
	}

	result, err := h.executor.Execute(c.Request.Context(), language, request.Code)
	if err != nil {
		h.logger.Info("code execution failed", zap.String("language", string(language)), zap.Error(err))
		respondError(c, err)
		return
	}
	response := executeResponse{
		Success:       result.Success,
		Output:        result.Stdout,
		ExitCode:      result.ExitCode,
		ExecutionTime: result.WallClockMillis,
	}
	if !result.Success {
		response.Error = result.Stderr
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGenerateQuestion(c *gin.Context) {
	var request generateQuestionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, invalidRequest("assistant.invalid_request", "topic and difficulty are required"))
		return
	}
	difficulty, err := assistant.ParseDifficulty(request.Difficulty)
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := h.assistant.GenerateQuestion(c.Request.Context(), request.Topic, difficulty)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "question": result.Question, "fallback": result.Fallback})
}

func (h *httpHandler) handleAnalyzeCode(c *gin.Context) {
	var request analyzeCodeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, invalidRequest("assistant.invalid_request", "language and code are required"))
		return
	}
	result, err := h.assistant.AnalyzeCode(c.Request.Context(), collab.Language(strings.ToLower(strings.TrimSpace(request.Language))), request.Code)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "analysis": result.Analysis, "fallback": result.Fallback})
}

func (h *httpHandler) handleCurrentUser(c *gin.Context) {
	if profile, ok := profileFrom(c); ok {
		c.JSON(http.StatusOK, gin.H{"success": true, "user": profileResponse(profile)})
		return
	}
	caller := callerFrom(c)
	c.JSON(http.StatusOK, gin.H{"success": true, "user": gin.H{"userId": caller.UserID, "displayName": caller.Name}})
}

func (h *httpHandler) handleListStudents(c *gin.Context) {
	profile, ok := profileFrom(c)
	if !ok || h.profiles == nil || profile.Role != users.RoleProfessor {
		c.AbortWithStatusJSON(http.StatusForbidden, forbidden("users.list_students.not_professor", "only professors may list students"))
		return
	}
	students, err := h.profiles.ListStudents(c.Request.Context(), profile.UserID)
	if err != nil {
		h.logger.Error("list students failed", zap.Error(err), zap.String("professor_id", profile.UserID))
		respondError(c, err)
		return
	}
	payload := make([]gin.H, 0, len(students))
	for _, student := range students {
		payload = append(payload, profileResponse(student))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "students": payload})
}

func profileResponse(profile users.Profile) gin.H {
	return gin.H{
		"userId":      profile.UserID,
		"email":       profile.Email,
		"displayName": profile.ParticipantName(),
		"role":        profile.Role,
		"professorId": profile.ProfessorID,
	}
}
