package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/internal/assistant/mocks"
	"github.com/MarcoPoloResearchLab/codecollab/internal/auth"
	"github.com/MarcoPoloResearchLab/codecollab/internal/collab"
	"github.com/MarcoPoloResearchLab/codecollab/internal/execution"
	"github.com/MarcoPoloResearchLab/codecollab/internal/history"
	"github.com/MarcoPoloResearchLab/codecollab/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := newTestServer(t, testServerOptions{})

	status, payload := server.do(http.MethodPost, "/collab/create-session", "", map[string]string{"language": "python"})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	if payload["success"] != false || payload["error"] != errorKindUnauthorized {
		t.Fatalf("unexpected payload: %v", payload)
	}

	status, _ = server.do(http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK {
		t.Fatalf("expected health check to be public, got %d", status)
	}
}

func TestCreateJoinAndUpdateCodeFlow(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	hostToken := server.token("host-1", "Host")
	guestToken := server.token("guest-1", "Guest")

	status, created := server.do(http.MethodPost, "/collab/create-session", hostToken, map[string]string{"language": "python"})
	if status != http.StatusOK || created["success"] != true {
		t.Fatalf("create failed: %d %v", status, created)
	}
	sessionID, _ := created["sessionId"].(string)
	hostParticipantID, _ := created["participantId"].(string)
	if sessionID == "" || hostParticipantID == "" {
		t.Fatalf("expected identifiers in create response: %v", created)
	}
	session := created["session"].(map[string]interface{})
	if session["code"] != collab.DefaultTemplate(collab.LanguagePython) {
		t.Fatalf("expected python template, got %q", session["code"])
	}

	status, joined := server.do(http.MethodPost, "/collab/join-session", guestToken, map[string]string{"sessionId": sessionID})
	if status != http.StatusOK {
		t.Fatalf("join failed: %d %v", status, joined)
	}
	guestParticipantID := joined["participantId"].(string)
	participants := joined["session"].(map[string]interface{})["participants"].([]interface{})
	if len(participants) != 2 {
		t.Fatalf("expected two participants, got %d", len(participants))
	}

	status, updated := server.do(http.MethodPost, "/collab/update-code", guestToken, map[string]interface{}{
		"sessionId":     sessionID,
		"participantId": guestParticipantID,
		"code":          "print('hi')",
		"cursor":        map[string]int{"line": 1, "column": 4},
	})
	if status != http.StatusOK {
		t.Fatalf("update failed: %d %v", status, updated)
	}
	if updated["session"].(map[string]interface{})["code"] != "print('hi')" {
		t.Fatalf("unexpected code after update: %v", updated)
	}

	status, fetched := server.do(http.MethodGet, "/collab/session/"+sessionID, hostToken, nil)
	if status != http.StatusOK || fetched["participantId"] != hostParticipantID {
		t.Fatalf("get failed: %d %v", status, fetched)
	}
}

func TestCollabErrorsMapToStatusCodes(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	hostToken := server.token("host-1", "Host")
	guestToken := server.token("guest-1", "Guest")
	strangerToken := server.token("stranger", "Stranger")

	status, payload := server.do(http.MethodPost, "/collab/create-session", hostToken, map[string]string{"language": "ruby"})
	if status != http.StatusBadRequest || payload["error"] != string(collab.KindInvalidArgument) || payload["code"] != "collab.create_session.invalid_language" {
		t.Fatalf("expected invalid language, got %d %v", status, payload)
	}

	status, payload = server.do(http.MethodPost, "/collab/join-session", guestToken, map[string]string{"sessionId": "missing"})
	if status != http.StatusNotFound || payload["error"] != string(collab.KindNotFound) {
		t.Fatalf("expected not found, got %d %v", status, payload)
	}

	_, created := server.do(http.MethodPost, "/collab/create-session", hostToken, map[string]string{"language": "javascript"})
	sessionID := created["sessionId"].(string)
	hostParticipantID := created["participantId"].(string)

	status, payload = server.do(http.MethodGet, "/collab/session/"+sessionID, strangerToken, nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected forbidden for non-participant, got %d %v", status, payload)
	}

	status, payload = server.do(http.MethodPost, "/collab/update-code", guestToken, map[string]interface{}{
		"sessionId":     sessionID,
		"participantId": hostParticipantID,
		"code":          "hijack",
	})
	if status != http.StatusForbidden || payload["code"] != "collab.update_code.participant_not_owned" {
		t.Fatalf("expected ownership violation, got %d %v", status, payload)
	}

	status, _ = server.do(http.MethodPost, "/collab/update-code", hostToken, map[string]interface{}{"sessionId": sessionID})
	if status != http.StatusBadRequest {
		t.Fatalf("expected bad request for missing fields, got %d", status)
	}
}

func TestSetPermissionMakesParticipantReadOnly(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	hostToken := server.token("host-1", "Host")
	guestToken := server.token("guest-1", "Guest")

	_, created := server.do(http.MethodPost, "/collab/create-session", hostToken, map[string]string{"language": "python"})
	sessionID := created["sessionId"].(string)
	_, joined := server.do(http.MethodPost, "/collab/join-session", guestToken, map[string]string{"sessionId": sessionID})
	guestParticipantID := joined["participantId"].(string)

	status, payload := server.do(http.MethodPost, "/collab/set-permission", guestToken, map[string]string{
		"sessionId": sessionID, "participantId": guestParticipantID, "permission": "read",
	})
	if status != http.StatusForbidden {
		t.Fatalf("expected non-host to be forbidden, got %d %v", status, payload)
	}

	status, payload = server.do(http.MethodPost, "/collab/set-permission", hostToken, map[string]string{
		"sessionId": sessionID, "participantId": guestParticipantID, "permission": "read",
	})
	if status != http.StatusOK {
		t.Fatalf("set permission failed: %d %v", status, payload)
	}

	status, payload = server.do(http.MethodPost, "/collab/update-code", guestToken, map[string]interface{}{
		"sessionId": sessionID, "participantId": guestParticipantID, "code": "x = 1",
	})
	if status != http.StatusForbidden || payload["code"] != "collab.update_code.read_only" {
		t.Fatalf("expected read-only rejection, got %d %v", status, payload)
	}

	status, _ = server.do(http.MethodPost, "/collab/set-permission", hostToken, map[string]string{
		"sessionId": sessionID, "participantId": guestParticipantID, "permission": "admin",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("expected invalid permission, got %d", status)
	}
}

func TestChatMessagesAndLeave(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	hostToken := server.token("host-1", "Host")

	_, created := server.do(http.MethodPost, "/collab/create-session", hostToken, map[string]string{"language": "python"})
	sessionID := created["sessionId"].(string)
	participantID := created["participantId"].(string)

	for _, content := range []string{"first", "second"} {
		status, payload := server.do(http.MethodPost, "/collab/send-message", hostToken, map[string]string{
			"sessionId": sessionID, "participantId": participantID, "content": content,
		})
		if status != http.StatusOK || payload["message"].(map[string]interface{})["content"] != content {
			t.Fatalf("send failed: %d %v", status, payload)
		}
	}
	status, payload := server.do(http.MethodPost, "/collab/send-message", hostToken, map[string]string{
		"sessionId": sessionID, "participantId": participantID, "content": "   ",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("expected blank message to be rejected, got %d %v", status, payload)
	}

	status, payload = server.do(http.MethodGet, "/collab/session/"+sessionID+"/messages", hostToken, nil)
	if status != http.StatusOK {
		t.Fatalf("list failed: %d %v", status, payload)
	}
	messages := payload["messages"].([]interface{})
	if len(messages) != 2 || messages[0].(map[string]interface{})["content"] != "first" {
		t.Fatalf("unexpected messages: %v", messages)
	}

	status, _ = server.do(http.MethodPost, "/collab/leave-session", hostToken, map[string]string{
		"sessionId": sessionID, "participantId": participantID,
	})
	if status != http.StatusOK {
		t.Fatalf("leave failed: %d", status)
	}
	_, fetched := server.do(http.MethodGet, "/collab/session/"+sessionID, hostToken, nil)
	host := fetched["session"].(map[string]interface{})["participants"].([]interface{})[0].(map[string]interface{})
	if host["isActive"] != false {
		t.Fatalf("expected participant to be inactive after leave: %v", host)
	}
}

func TestExecuteEndpoint(t *testing.T) {
	testCases := []struct {
		name       string
		executor   stubExecutor
		language   string
		wantStatus int
		check      func(t *testing.T, payload map[string]interface{})
	}{
		{
			name:       "success",
			executor:   stubExecutor{result: execution.Result{Success: true, Stdout: "4\n", WallClockMillis: 30}},
			language:   "python",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, payload map[string]interface{}) {
				if payload["success"] != true || payload["output"] != "4\n" || payload["executionTime"] != float64(30) {
					t.Fatalf("unexpected payload %v", payload)
				}
			},
		},
		{
			name:       "program failure",
			executor:   stubExecutor{result: execution.Result{Success: false, Stderr: "SyntaxError", ExitCode: 1}},
			language:   "javascript",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, payload map[string]interface{}) {
				if payload["success"] != false || payload["error"] != "SyntaxError" {
					t.Fatalf("unexpected payload %v", payload)
				}
			},
		},
		{
			name:       "rejected",
			executor:   stubExecutor{err: execution.ErrRejected},
			language:   "python",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "timeout",
			executor:   stubExecutor{err: execution.ErrTimeout},
			language:   "python",
			wantStatus: http.StatusGatewayTimeout,
			check: func(t *testing.T, payload map[string]interface{}) {
				if payload["error"] != string(collab.KindTimeout) {
					t.Fatalf("unexpected payload %v", payload)
				}
			},
		},
		{
			name:       "unsupported language",
			executor:   stubExecutor{},
			language:   "ruby",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := newTestServer(t, testServerOptions{executor: testCase.executor})
			status, payload := server.do(http.MethodPost, "/code/execute", server.token("u-1", "User"), map[string]string{
				"language": testCase.language, "code": "print(2+2)",
			})
			if status != testCase.wantStatus {
				t.Fatalf("expected %d, got %d %v", testCase.wantStatus, status, payload)
			}
			if testCase.check != nil {
				testCase.check(t, payload)
			}
		})
	}
}

func TestAssistantEndpoints(t *testing.T) {
	controller := gomock.NewController(t)
	generator := mocks.NewMockContentGenerator(controller)
	server := newTestServer(t, testServerOptions{generator: generator})
	token := server.token("u-1", "User")

	generator.EXPECT().GenerateJSON(gomock.Any(), gomock.Any()).Return("not json", nil)
	status, payload := server.do(http.MethodPost, "/ai/generate-question", token, map[string]string{"topic": "arrays", "difficulty": "easy"})
	if status != http.StatusOK || payload["fallback"] != true || payload["question"] == nil {
		t.Fatalf("expected fallback question, got %d %v", status, payload)
	}

	generator.EXPECT().GenerateJSON(gomock.Any(), gomock.Any()).Return("", errors.New("dial tcp: refused"))
	status, payload = server.do(http.MethodPost, "/ai/analyze-code", token, map[string]string{"language": "python", "code": "print(1)"})
	if status != http.StatusServiceUnavailable || payload["error"] != string(collab.KindServiceUnavailable) {
		t.Fatalf("expected service unavailable, got %d %v", status, payload)
	}

	status, _ = server.do(http.MethodPost, "/ai/generate-question", token, map[string]string{"topic": "arrays", "difficulty": "legendary"})
	if status != http.StatusBadRequest {
		t.Fatalf("expected bad request for difficulty, got %d", status)
	}
}

func TestHistoryEndpointsRestrictToHost(t *testing.T) {
	archive := history.Archive{SessionID: "s-1", HostID: "host-1", Language: "python", ArchivedAt: time.Now()}
	server := newTestServer(t, testServerOptions{history: stubHistory{archives: map[string]history.Archive{"s-1": archive}}})

	status, payload := server.do(http.MethodGet, "/collab/history", server.token("host-1", "Host"), nil)
	if status != http.StatusOK || len(payload["archives"].([]interface{})) != 1 {
		t.Fatalf("unexpected listing: %d %v", status, payload)
	}
	status, _ = server.do(http.MethodGet, "/collab/history/s-1", server.token("other", "Other"), nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", status)
	}
	status, _ = server.do(http.MethodGet, "/collab/history/missing", server.token("host-1", "Host"), nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", status)
	}
}

func TestUserEndpoints(t *testing.T) {
	profiles := &stubProfiles{students: map[string][]users.Profile{
		"prof-1": {{UserID: "s-1", DisplayName: "Student One", Role: users.RoleStudent, ProfessorID: "prof-1"}},
	}}
	server := newTestServer(t, testServerOptions{profiles: profiles})

	status, payload := server.do(http.MethodGet, "/users/me", server.token("s-1", "Student One"), nil)
	if status != http.StatusOK || payload["user"].(map[string]interface{})["role"] != string(users.RoleStudent) {
		t.Fatalf("unexpected profile: %d %v", status, payload)
	}
	status, _ = server.do(http.MethodGet, "/users/students", server.token("s-1", "Student One"), nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected students listing to be professor only, got %d", status)
	}
	status, payload = server.do(http.MethodGet, "/users/students", server.token("prof-1", "Professor", "professor"), nil)
	if status != http.StatusOK || len(payload["students"].([]interface{})) != 1 {
		t.Fatalf("unexpected students: %d %v", status, payload)
	}
}

func TestMetricsEndpointExposesCollectors(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	server.do(http.MethodPost, "/collab/create-session", server.token("host-1", "Host"), map[string]string{"language": "python"})

	request := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected metrics to be served, got %d", recorder.Code)
	}
	body := recorder.Body.String()
	for _, name := range []string{"codecollab_sessions_created_total", "codecollab_http_request_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %s in metrics output", name)
		}
	}
}

func TestCORSPreflightAllowsConfiguredOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(corsMiddleware([]string{"https://app.example.edu"}))
	router.OPTIONS("/collab/create-session", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/collab/create-session", http.NoBody)
	request.Header.Set("Origin", "https://app.example.edu")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://app.example.edu" {
		t.Fatalf("unexpected allow origin %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}

type failingValidator struct {
	err error
}

func (v failingValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return auth.SessionClaims{}, v.err
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/collab/session/x", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		validator: failingValidator{err: auth.ErrExpiredSessionToken},
		logger:    zap.New(core),
	}
	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.InfoLevel || entries[0].Message != "token validation failed" {
		t.Fatalf("expected one info entry, got %v", entries)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/collab/session/x", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		validator: failingValidator{err: errors.New("signature mismatch")},
		logger:    zap.New(core),
	}
	handler.authorizeRequest(ctx)

	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", entries)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingValidator) {
		t.Fatalf("expected missing validator error, got %v", err)
	}
}
