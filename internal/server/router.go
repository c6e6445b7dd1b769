package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/internal/assistant"
	"github.com/MarcoPoloResearchLab/codecollab/internal/auth"
	"github.com/MarcoPoloResearchLab/codecollab/internal/collab"
	"github.com/MarcoPoloResearchLab/codecollab/internal/execution"
	"github.com/MarcoPoloResearchLab/codecollab/internal/history"
	"github.com/MarcoPoloResearchLab/codecollab/internal/metrics"
	"github.com/MarcoPoloResearchLab/codecollab/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	callerContextKey  = "codecollab_caller"
	profileContextKey = "codecollab_profile"
)

var (
	errMissingValidator     = errors.New("session validator dependency required")
	errMissingSessions      = errors.New("collaboration service dependency required")
	errMissingRelay         = errors.New("relay dependency required")
	errMissingExecutor      = errors.New("code executor dependency required")
	errMissingAssistant     = errors.New("assistant dependency required")
	errInvalidAuthorization = errors.New("session token missing or invalid")
)

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileDirectory resolves callers to stored profiles.
type ProfileDirectory interface {
	ResolveProfile(ctx context.Context, claims auth.SessionClaims) (users.Profile, error)
	ListStudents(ctx context.Context, professorID string) ([]users.Profile, error)
}

// RelaySubscriber attaches websocket connections to session rooms.
type RelaySubscriber interface {
	Subscribe(ctx context.Context, sessionID, participantID string) (<-chan collab.Envelope, func())
	HasParticipant(sessionID, participantID string) bool
}

// HistoryReader serves archived sessions.
type HistoryReader interface {
	ListArchives(ctx context.Context, hostID string) ([]history.Archive, error)
	LoadArchive(ctx context.Context, sessionID string) (history.Archive, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Validator      SessionValidator
	Profiles       ProfileDirectory
	Sessions       *collab.Service
	Relay          RelaySubscriber
	Executor       execution.Executor
	Assistant      *assistant.Service
	History        HistoryReader
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	AllowedOrigins []string
}

// NewHTTPHandler builds the gin engine serving the REST and websocket API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Relay == nil {
		return nil, errMissingRelay
	}
	if deps.Executor == nil {
		return nil, errMissingExecutor
	}
	if deps.Assistant == nil {
		return nil, errMissingAssistant
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(metricsMiddleware(deps.Metrics))

	handler := &httpHandler{
		validator: deps.Validator,
		profiles:  deps.Profiles,
		sessions:  deps.Sessions,
		relay:     deps.Relay,
		executor:  deps.Executor,
		assistant: deps.Assistant,
		history:   deps.History,
		logger:    logger,
		origins:   deps.AllowedOrigins,
	}
	handler.upgrader = newUpgrader(deps.AllowedOrigins)

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/collab/create-session", handler.handleCreateSession)
	protected.POST("/collab/join-session", handler.handleJoinSession)
	protected.POST("/collab/update-code", handler.handleUpdateCode)
	protected.POST("/collab/leave-session", handler.handleLeaveSession)
	protected.GET("/collab/session/:id", handler.handleGetSession)
	protected.GET("/collab/session/:id/messages", handler.handleListMessages)
	protected.POST("/collab/send-message", handler.handleSendMessage)
	protected.POST("/collab/set-permission", handler.handleSetPermission)
	protected.GET("/collab/history", handler.handleListHistory)
	protected.GET("/collab/history/:id", handler.handleLoadHistory)
	protected.GET("/collab/ws", handler.handleWebSocket)

	protected.POST("/code/execute", handler.handleExecute)
	protected.POST("/ai/generate-question", handler.handleGenerateQuestion)
	protected.POST("/ai/analyze-code", handler.handleAnalyzeCode)

	protected.GET("/users/me", handler.handleCurrentUser)
	protected.GET("/users/students", handler.handleListStudents)

	return router, nil
}

type httpHandler struct {
	validator SessionValidator
	profiles  ProfileDirectory
	sessions  *collab.Service
	relay     RelaySubscriber
	executor  execution.Executor
	assistant *assistant.Service
	history   HistoryReader
	logger    *zap.Logger
	origins   []string
	upgrader  wsUpgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func metricsMiddleware(registry *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if registry == nil {
			c.Next()
			return
		}
		started := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		registry.HTTPRequestObserved(c.Request.Method, path, c.Writer.Status(), time.Since(started))
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{
			Error:   errorKindUnauthorized,
			Code:    "auth.invalid_session",
			Message: errInvalidAuthorization.Error(),
		})
		return
	}

	caller := collab.Caller{UserID: strings.TrimSpace(claims.UserID), Name: strings.TrimSpace(claims.UserDisplayName)}
	if h.profiles != nil {
		profile, profileErr := h.profiles.ResolveProfile(c.Request.Context(), claims)
		if profileErr != nil {
			h.logger.Error("profile resolution failed", zap.Error(profileErr), zap.String("user_id", claims.UserID))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorPayload{
				Error:   string(collab.KindServiceUnavailable),
				Code:    "users.profile_unavailable",
				Message: "user profile could not be loaded",
			})
			return
		}
		caller = collab.Caller{UserID: profile.UserID, Name: profile.ParticipantName()}
		c.Set(profileContextKey, profile)
	}
	c.Set(callerContextKey, caller)
	c.Next()
}

func callerFrom(c *gin.Context) collab.Caller {
	value, ok := c.Get(callerContextKey)
	if !ok {
		return collab.Caller{}
	}
	caller, _ := value.(collab.Caller)
	return caller
}

func profileFrom(c *gin.Context) (users.Profile, bool) {
	value, ok := c.Get(profileContextKey)
	if !ok {
		return users.Profile{}, false
	}
	profile, ok := value.(users.Profile)
	return profile, ok
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}
