package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/internal/assistant"
	"github.com/MarcoPoloResearchLab/codecollab/internal/auth"
	"github.com/MarcoPoloResearchLab/codecollab/internal/collab"
	"github.com/MarcoPoloResearchLab/codecollab/internal/execution"
	"github.com/MarcoPoloResearchLab/codecollab/internal/history"
	"github.com/MarcoPoloResearchLab/codecollab/internal/metrics"
	"github.com/MarcoPoloResearchLab/codecollab/internal/relay"
	"github.com/MarcoPoloResearchLab/codecollab/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "server-test-secret"
	testCookieName    = "codecollab_session"
)

type stubProfiles struct {
	mu       sync.Mutex
	students map[string][]users.Profile
}

func (s *stubProfiles) ResolveProfile(_ context.Context, claims auth.SessionClaims) (users.Profile, error) {
	role := users.RoleStudent
	for _, value := range claims.UserRoles {
		if value == string(users.RoleProfessor) {
			role = users.RoleProfessor
		}
	}
	return users.Profile{
		UserID:      claims.UserID,
		Email:       claims.UserEmail,
		DisplayName: claims.UserDisplayName,
		Role:        role,
		ProfessorID: claims.ProfessorID,
	}, nil
}

func (s *stubProfiles) ListStudents(_ context.Context, professorID string) ([]users.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.students[professorID], nil
}

type stubExecutor struct {
	result execution.Result
	err    error
}

func (s stubExecutor) Execute(context.Context, collab.Language, string) (execution.Result, error) {
	return s.result, s.err
}

type stubHistory struct {
	archives map[string]history.Archive
}

func (s stubHistory) ListArchives(_ context.Context, hostID string) ([]history.Archive, error) {
	var out []history.Archive
	for _, archive := range s.archives {
		if archive.HostID == hostID {
			out = append(out, archive)
		}
	}
	return out, nil
}

func (s stubHistory) LoadArchive(_ context.Context, sessionID string) (history.Archive, error) {
	archive, ok := s.archives[sessionID]
	if !ok {
		return history.Archive{}, history.ErrArchiveNotFound
	}
	return archive, nil
}

type testServer struct {
	t        *testing.T
	handler  http.Handler
	server   *httptest.Server
	issuer   *auth.TokenIssuer
	sessions *collab.Service
	hub      *relay.Hub
	metrics  *metrics.Metrics
}

type testServerOptions struct {
	executor  execution.Executor
	generator assistant.ContentGenerator
	history   HistoryReader
	profiles  *stubProfiles
	logger    *zap.Logger
}

func newTestServer(t *testing.T, options testServerOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        auth.DefaultSessionIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        auth.DefaultSessionIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	registry := metrics.New()
	hub := relay.NewHub(relay.HubConfig{Metrics: registry})
	sessions, err := collab.NewService(collab.ServiceConfig{
		Repository: collab.NewMemoryRepository(),
		Publisher:  hub,
		IDProvider: collab.NewUUIDProvider(),
		Metrics:    registry,
	})
	if err != nil {
		t.Fatalf("failed to construct collab service: %v", err)
	}

	executor := options.executor
	if executor == nil {
		executor = stubExecutor{result: execution.Result{Success: true, Stdout: "ok\n", WallClockMillis: 12}}
	}
	profiles := options.profiles
	if profiles == nil {
		profiles = &stubProfiles{}
	}
	logger := options.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler, err := NewHTTPHandler(Dependencies{
		Validator: validator,
		Profiles:  profiles,
		Sessions:  sessions,
		Relay:     hub,
		Executor:  executor,
		Assistant: assistant.NewService(assistant.ServiceConfig{Generator: options.generator, Metrics: registry}),
		History:   options.history,
		Metrics:   registry,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testServer{
		t:        t,
		handler:  handler,
		server:   server,
		issuer:   issuer,
		sessions: sessions,
		hub:      hub,
		metrics:  registry,
	}
}

func (s *testServer) token(userID, name string, roles ...string) string {
	s.t.Helper()
	token, _, err := s.issuer.IssueSessionToken(context.Background(), auth.Identity{
		UserID:      userID,
		Email:       userID + "@example.edu",
		DisplayName: name,
		Roles:       roles,
	})
	if err != nil {
		s.t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) do(method, path, token string, body interface{}) (int, map[string]interface{}) {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)

	var payload map[string]interface{}
	if recorder.Body.Len() > 0 && strings.HasPrefix(recorder.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
			s.t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder.Code, payload
}

func (s *testServer) dial(token string) *websocket.Conn {
	s.t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/collab/ws?access_token=" + token
	conn, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		s.t.Fatalf("failed to dial websocket (status %d): %v", status, err)
	}
	s.t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]interface{}) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

// readUntil returns the first frame whose type matches, failing on timeout.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var frame map[string]interface{}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("did not receive %s frame: %v", frameType, err)
		}
		if frame["type"] == frameType {
			return frame
		}
	}
}

// expectNoFrame asserts no frame of the type arrives within the window.
func expectNoFrame(t *testing.T, conn *websocket.Conn, frameType string, window time.Duration) {
	t.Helper()
	deadline := time.Now().Add(window)
	for {
		conn.SetReadDeadline(deadline)
		var frame map[string]interface{}
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame["type"] == frameType {
			t.Fatalf("unexpected %s frame: %v", frameType, frame)
		}
	}
}

func payloadOf(t *testing.T, frame map[string]interface{}) map[string]interface{} {
	t.Helper()
	payload, ok := frame["payload"].(map[string]interface{})
	if !ok {
		t.Fatalf("frame has no payload: %v", frame)
	}
	return payload
}
