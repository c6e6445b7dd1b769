package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/internal/collab"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBufferSize = 256
	leaveTimeout   = 5 * time.Second
)

// Client actions.
const (
	actionJoinSession       = "join-session"
	actionCodeChange        = "code-change"
	actionCursorUpdate      = "cursor-update"
	actionTyping            = "typing"
	actionSendMessage       = "send-message"
	actionVoiceStateChange  = "voice-state-change"
	actionVoiceOffer        = "voice-offer"
	actionVoiceAnswer       = "voice-answer"
	actionVoiceICECandidate = "voice-ice-candidate"
	actionLeaveSession      = "leave-session"
)

// Server frames beyond the relay event catalogue.
const (
	frameJoined        = "joined"
	frameLeft          = "left"
	frameError         = "error"
	frameSessionClosed = "session-closed"
)

var errNotJoined = errors.New("join a session before sending this action")

type wsUpgrader = websocket.Upgrader

func newUpgrader(allowedOrigins []string) wsUpgrader {
	allowAll := len(allowedOrigins) == 0 || containsWildcard(allowedOrigins)
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowAll || origin == "" {
				return true
			}
			_, ok := allowed[strings.TrimRight(origin, "/")]
			return ok
		},
	}
}

// clientFrame is the union of all client action fields; Type selects which apply.
type clientFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Code      *string         `json:"code"`
	Cursor    *collab.Cursor  `json:"cursor"`
	IsTyping  bool            `json:"isTyping"`
	Content   string          `json:"content"`
	Connected bool            `json:"connected"`
	Muted     bool            `json:"muted"`
	Deafened  bool            `json:"deafened"`
	TargetID  string          `json:"targetId"`
	Payload   json.RawMessage `json:"payload"`
}

type joinedFrame struct {
	Type          string          `json:"type"`
	SessionID     string          `json:"sessionId"`
	ParticipantID string          `json:"participantId"`
	Session       *collab.Session `json:"session"`
}

type sessionFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Action  string `json:"action,omitempty"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsClient is one websocket connection. It is attached to at most one session
// room at a time.
type wsClient struct {
	handler *httpHandler
	conn    *websocket.Conn
	caller  collab.Caller
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu            sync.Mutex
	sessionID     string
	participantID string
	unsubscribe   func()
	generation    int
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	caller := callerFrom(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &wsClient{
		handler: h,
		conn:    conn,
		caller:  caller,
		logger:  h.logger.With(zap.String("user_id", caller.UserID)),
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
	}

	go client.writePump()
	client.readPump()
}

func (cl *wsClient) readPump() {
	defer cl.close()

	cl.conn.SetReadLimit(maxMessageSize)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				cl.logger.Info("websocket read failed", zap.Error(err))
			}
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			cl.sendFrame(errorFrame{Type: frameError, Error: string(collab.KindInvalidArgument), Code: "ws.invalid_frame", Message: "frame is not valid JSON"})
			continue
		}
		cl.dispatch(frame)
	}
}

func (cl *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case message := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			writer, err := cl.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			writer.Write(message)
			if err := writer.Close(); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cl.done:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			cl.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (cl *wsClient) close() {
	cl.once.Do(func() {
		cl.detach(true)
		cl.cancel()
		close(cl.done)
	})
}

func (cl *wsClient) dispatch(frame clientFrame) {
	var err error
	switch frame.Type {
	case actionJoinSession:
		err = cl.join(frame.SessionID)
	case actionLeaveSession:
		err = cl.leave()
	case actionCodeChange:
		err = cl.withSession(func(sessionID, participantID string) error {
			if frame.Code == nil {
				return errMissingCode
			}
			_, updateErr := cl.handler.sessions.UpdateCode(cl.ctx, cl.caller, collab.UpdateCodeRequest{
				SessionID:     sessionID,
				ParticipantID: participantID,
				Code:          *frame.Code,
				Cursor:        frame.Cursor,
			})
			return updateErr
		})
	case actionCursorUpdate:
		err = cl.withSession(func(sessionID, participantID string) error {
			if frame.Cursor == nil {
				return errMissingCursor
			}
			return cl.handler.sessions.UpdateCursor(cl.ctx, cl.caller, sessionID, participantID, *frame.Cursor)
		})
	case actionTyping:
		err = cl.withSession(func(sessionID, participantID string) error {
			return cl.handler.sessions.SetTyping(cl.ctx, cl.caller, sessionID, participantID, frame.IsTyping)
		})
	case actionSendMessage:
		err = cl.withSession(func(sessionID, participantID string) error {
			_, sendErr := cl.handler.sessions.SendMessage(cl.ctx, cl.caller, sessionID, participantID, frame.Content)
			return sendErr
		})
	case actionVoiceStateChange:
		err = cl.withSession(func(sessionID, participantID string) error {
			_, voiceErr := cl.handler.sessions.UpdateVoiceState(cl.ctx, cl.caller, sessionID, participantID, collab.VoiceStateUpdate{
				Connected: frame.Connected,
				Muted:     frame.Muted,
				Deafened:  frame.Deafened,
			})
			return voiceErr
		})
	case actionVoiceOffer, actionVoiceAnswer, actionVoiceICECandidate:
		err = cl.withSession(func(sessionID, participantID string) error {
			return cl.handler.sessions.RelaySignal(cl.ctx, cl.caller, collab.SignalRequest{
				SessionID:     sessionID,
				ParticipantID: participantID,
				TargetID:      frame.TargetID,
				Kind:          collab.EventKind(frame.Type),
				Payload:       frame.Payload,
			})
		})
	default:
		cl.sendFrame(errorFrame{Type: frameError, Action: frame.Type, Error: string(collab.KindInvalidArgument), Code: "ws.unknown_action", Message: "unknown action"})
		return
	}
	if err != nil {
		cl.sendError(frame.Type, err)
	}
}

var (
	errMissingCode   = errors.New("code is required")
	errMissingCursor = errors.New("cursor is required")
)

func (cl *wsClient) withSession(action func(sessionID, participantID string) error) error {
	cl.mu.Lock()
	sessionID, participantID := cl.sessionID, cl.participantID
	cl.mu.Unlock()
	if sessionID == "" {
		return errNotJoined
	}
	return action(sessionID, participantID)
}

func (cl *wsClient) join(sessionID string) error {
	cl.mu.Lock()
	current := cl.sessionID
	cl.mu.Unlock()
	cl.detach(current != strings.TrimSpace(sessionID))

	var (
		stream      <-chan collab.Envelope
		unsubscribe func()
	)
	// The room subscription exists before participant_joined is published so
	// the joiner sees its own arrival.
	view, err := cl.handler.sessions.JoinAndAttach(cl.ctx, sessionID, cl.caller, func(joined collab.SessionView) {
		stream, unsubscribe = cl.handler.relay.Subscribe(cl.ctx, joined.Session.ID, joined.ParticipantID)
	})
	if err != nil {
		return err
	}

	cl.mu.Lock()
	cl.generation++
	generation := cl.generation
	cl.sessionID = view.Session.ID
	cl.participantID = view.ParticipantID
	cl.unsubscribe = unsubscribe
	cl.mu.Unlock()

	cl.sendFrame(joinedFrame{Type: frameJoined, SessionID: view.Session.ID, ParticipantID: view.ParticipantID, Session: view.Session})
	go cl.forward(view.Session.ID, generation, stream)
	return nil
}

func (cl *wsClient) leave() error {
	cl.mu.Lock()
	sessionID, participantID := cl.sessionID, cl.participantID
	cl.mu.Unlock()
	if sessionID == "" {
		return errNotJoined
	}
	cl.detach(false)
	if err := cl.handler.sessions.LeaveSession(cl.ctx, cl.caller, sessionID, participantID); err != nil {
		return err
	}
	cl.sendFrame(sessionFrame{Type: frameLeft, SessionID: sessionID})
	return nil
}

// detach drops the current room subscription. With leave set, the participant
// is marked inactive unless another connection still carries it.
func (cl *wsClient) detach(leave bool) {
	cl.mu.Lock()
	sessionID, participantID, unsubscribe := cl.sessionID, cl.participantID, cl.unsubscribe
	cl.sessionID, cl.participantID, cl.unsubscribe = "", "", nil
	cl.generation++
	cl.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if !leave || sessionID == "" || cl.handler.relay.HasParticipant(sessionID, participantID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := cl.handler.sessions.LeaveSession(ctx, cl.caller, sessionID, participantID); err != nil && !errors.Is(err, collab.ErrNotFound) {
		cl.logger.Warn("leave on disconnect failed",
			zap.String("session_id", sessionID),
			zap.String("participant_id", participantID),
			zap.Error(err))
	}
}

// forward copies room envelopes to the socket. A stream that ends while it is
// still the current subscription means the room was closed by the sweep.
func (cl *wsClient) forward(sessionID string, generation int, stream <-chan collab.Envelope) {
	for envelope := range stream {
		data, err := collab.EncodeEnvelope(envelope)
		if err != nil {
			cl.logger.Error("relay envelope encode failed", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		cl.enqueue(data)
	}

	cl.mu.Lock()
	current := cl.generation == generation
	if current {
		cl.sessionID, cl.participantID, cl.unsubscribe = "", "", nil
		cl.generation++
	}
	cl.mu.Unlock()
	if current {
		cl.sendFrame(sessionFrame{Type: frameSessionClosed, SessionID: sessionID})
	}
}

func (cl *wsClient) sendError(action string, err error) {
	if errors.Is(err, errNotJoined) || errors.Is(err, errMissingCode) || errors.Is(err, errMissingCursor) {
		cl.sendFrame(errorFrame{Type: frameError, Action: action, Error: string(collab.KindInvalidArgument), Code: "ws.invalid_action", Message: err.Error()})
		return
	}
	_, payload := newErrorPayload(err)
	cl.sendFrame(errorFrame{Type: frameError, Action: action, Error: payload.Error, Code: payload.Code, Message: payload.Message})
}

func (cl *wsClient) sendFrame(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		cl.logger.Error("websocket frame encode failed", zap.Error(err))
		return
	}
	cl.enqueue(data)
}

func (cl *wsClient) enqueue(data []byte) {
	select {
	case cl.send <- data:
	case <-cl.done:
	default:
		cl.logger.Warn("websocket send buffer full, dropping frame")
	}
}
