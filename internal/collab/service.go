package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/codecollab/internal/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultIdleTTL is how long a session may go without activity before the sweep removes it.
	DefaultIdleTTL = time.Hour
	// DefaultMaxMessageLength bounds chat message content in characters.
	DefaultMaxMessageLength = 2000
)

var (
	errMissingRepository  = errors.New("session repository is required")
	errMissingIDProvider  = errors.New("id provider is required")
	errMissingUserID      = errors.New("caller user id is required")
	errParticipantUnknown = errors.New("participant does not belong to session")
	errParticipantOwner   = errors.New("participant belongs to another user")
	errReadOnly           = errors.New("participant holds read permission")
	errNotHost            = errors.New("only the session host may change permissions")
	errEmptyMessage       = errors.New("message content is empty")
	errMessageTooLong     = errors.New("message content exceeds the length limit")
	errTargetUnknown      = errors.New("target participant does not belong to session")
	errNotSignal          = errors.New("event kind is not a voice signal")
	errSelfSignal         = errors.New("signal target must differ from sender")
	noOpLogger            = zap.NewNop()
)

const (
	opServiceNew       = "collab.service.new"
	opCreateSession    = "collab.create_session"
	opJoinSession      = "collab.join_session"
	opUpdateCode       = "collab.update_code"
	opUpdateCursor     = "collab.update_cursor"
	opLeaveSession     = "collab.leave_session"
	opGetSession       = "collab.get_session"
	opSetPermission    = "collab.set_permission"
	opSendMessage      = "collab.send_message"
	opListMessages     = "collab.list_messages"
	opSetTyping        = "collab.set_typing"
	opUpdateVoiceState = "collab.update_voice_state"
	opRelaySignal      = "collab.relay_signal"
	opReapIdle         = "collab.reap_idle_sessions"
)

// Archiver receives a final snapshot of each session before the sweep deletes it.
type Archiver interface {
	ArchiveSession(ctx context.Context, session *Session) error
}

// ServiceConfig wires the dependencies of a Service. Repository and IDProvider
// are required. Zero values elsewhere select the defaults.
type ServiceConfig struct {
	Repository SessionRepository
	Publisher  Publisher
	Merge      DocumentMerge
	Colors     *ColorAssigner
	IDProvider IDProvider
	Archiver   Archiver
	Clock      func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Metrics

	// DefaultPermission is granted to participants joining an existing session.
	DefaultPermission Permission
	MaxMessageLength  int
	IdleTTL           time.Duration
	// ReapExemptActive keeps idle sessions that still have an active participant.
	ReapExemptActive bool
}

// Service owns every mutation of collaboration sessions. Mutations on one
// session are serialized by a local lock and committed through
// SessionRepository.Update, and their relay events are published before the
// lock is released, so room members observe server-receipt order.
type Service struct {
	repository        SessionRepository
	publisher         Publisher
	merge             DocumentMerge
	colors            *ColorAssigner
	idProvider        IDProvider
	archiver          Archiver
	clock             func() time.Time
	logger            *zap.Logger
	metrics           *metrics.Metrics
	locks             *sessionLocks
	defaultPermission Permission
	maxMessageLength  int
	idleTTL           time.Duration
	reapExemptActive  bool
}

// NewService validates cfg and fills in defaults.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, newServiceError(KindInvalidArgument, opServiceNew, "missing_repository", errMissingRepository)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(KindInvalidArgument, opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	merge := cfg.Merge
	if merge == nil {
		merge = LastWriteWins{}
	}
	colors := cfg.Colors
	if colors == nil {
		var err error
		colors, err = NewColorAssigner(DefaultPalette, ColorPolicyRoundRobin)
		if err != nil {
			return nil, newServiceError(KindInvalidArgument, opServiceNew, "invalid_palette", err)
		}
	}
	permission := cfg.DefaultPermission
	if permission == "" {
		permission = PermissionWrite
	}
	if _, err := ParsePermission(string(permission)); err != nil {
		return nil, newServiceError(KindInvalidArgument, opServiceNew, "invalid_default_permission", err)
	}
	maxMessageLength := cfg.MaxMessageLength
	if maxMessageLength <= 0 {
		maxMessageLength = DefaultMaxMessageLength
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}

	return &Service{
		repository:        cfg.Repository,
		publisher:         cfg.Publisher,
		merge:             merge,
		colors:            colors,
		idProvider:        cfg.IDProvider,
		archiver:          cfg.Archiver,
		clock:             clock,
		logger:            logger,
		metrics:           cfg.Metrics,
		locks:             newSessionLocks(),
		defaultPermission: permission,
		maxMessageLength:  maxMessageLength,
		idleTTL:           idleTTL,
		reapExemptActive:  cfg.ReapExemptActive,
	}, nil
}

// CreateSessionRequest carries the inputs of CreateSession.
type CreateSessionRequest struct {
	Language string
	// InitialCode replaces the language template when non-nil.
	InitialCode *string
}

// SessionView pairs a session snapshot with the caller's participant id.
type SessionView struct {
	Session       *Session
	ParticipantID string
}

// CreateSession opens a session hosted by the caller, who becomes its first
// participant with write permission.
func (s *Service) CreateSession(ctx context.Context, caller Caller, request CreateSessionRequest) (SessionView, error) {
	userID, err := s.requireCaller(opCreateSession, caller)
	if err != nil {
		return SessionView{}, err
	}
	language, err := ParseLanguage(request.Language)
	if err != nil {
		return SessionView{}, newServiceError(KindInvalidArgument, opCreateSession, "invalid_language", err)
	}

	sessionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateSession, "id_generation_failed", err)
		return SessionView{}, newServiceError(KindServiceUnavailable, opCreateSession, "id_generation_failed", err)
	}
	participantID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateSession, "id_generation_failed", err)
		return SessionView{}, newServiceError(KindServiceUnavailable, opCreateSession, "id_generation_failed", err)
	}

	code := DefaultTemplate(language)
	if request.InitialCode != nil {
		code = *request.InitialCode
	}

	now := s.clock().UTC()
	session := &Session{
		ID:           sessionID,
		HostID:       userID,
		Language:     language,
		Code:         code,
		Participants: make([]Participant, 0, 1),
		Messages:     make([]ChatMessage, 0),
		VoiceStates:  make(map[string]VoiceState),
		CreatedAt:    now,
		LastActivity: now,
	}
	session.Participants = append(session.Participants, Participant{
		ID:         participantID,
		UserID:     userID,
		Name:       displayName(caller),
		Color:      s.colors.Assign(session.Participants),
		IsActive:   true,
		Permission: PermissionWrite,
		JoinedAt:   now,
	})

	if err := s.save(ctx, opCreateSession, session); err != nil {
		return SessionView{}, err
	}
	s.metrics.SessionCreated()
	s.logger.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("host_id", userID),
		zap.String("language", string(language)))
	return SessionView{Session: session.Clone(), ParticipantID: participantID}, nil
}

// JoinSession adds the caller to the session or reactivates the caller's
// existing participant record.
func (s *Service) JoinSession(ctx context.Context, sessionID string, caller Caller) (SessionView, error) {
	return s.JoinAndAttach(ctx, sessionID, caller, nil)
}

// JoinAndAttach behaves like JoinSession and calls attach with the joined view
// after the roster is stored but before participant_joined is published. A
// transport subscribes to the room inside attach so the joiner receives its
// own join event and nothing published after it is missed.
func (s *Service) JoinAndAttach(ctx context.Context, sessionID string, caller Caller, attach func(SessionView)) (SessionView, error) {
	userID, err := s.requireCaller(opJoinSession, caller)
	if err != nil {
		return SessionView{}, err
	}
	id, err := s.requireIdentifier(opJoinSession, "session_id", sessionID)
	if err != nil {
		return SessionView{}, err
	}

	unlock := s.locks.lock(id)
	defer unlock()

	var (
		index   int
		freshID string
	)
	session, err := s.update(ctx, opJoinSession, id, func(session *Session) error {
		now := s.clock().UTC()
		index = session.participantIndexByUser(userID)
		if index >= 0 {
			participant := &session.Participants[index]
			participant.IsActive = true
			participant.JoinedAt = now
			if name := strings.TrimSpace(caller.Name); name != "" {
				participant.Name = name
			}
		} else {
			// Kept across retries so a repeated attempt reuses the same id.
			if freshID == "" {
				generated, err := s.idProvider.NewID()
				if err != nil {
					s.logError(opJoinSession, "id_generation_failed", err, zap.String("session_id", id))
					return newServiceError(KindServiceUnavailable, opJoinSession, "id_generation_failed", err)
				}
				freshID = generated
			}
			session.Participants = append(session.Participants, Participant{
				ID:         freshID,
				UserID:     userID,
				Name:       displayName(caller),
				Color:      s.colors.Assign(session.Participants),
				IsActive:   true,
				Permission: s.defaultPermission,
				JoinedAt:   now,
			})
			index = len(session.Participants) - 1
		}
		session.LastActivity = now
		return nil
	})
	if err != nil {
		return SessionView{}, err
	}

	participant := session.Participants[index]
	if attach != nil {
		attach(SessionView{Session: session.Clone(), ParticipantID: participant.ID})
	}
	s.publish(Envelope{
		SessionID: id,
		SenderID:  participant.ID,
		Event: ParticipantJoinedEvent{
			Participant:  participant,
			Participants: session.Clone().Participants,
		},
	})
	return SessionView{Session: session.Clone(), ParticipantID: participant.ID}, nil
}

// UpdateCodeRequest carries the inputs of UpdateCode.
type UpdateCodeRequest struct {
	SessionID     string
	ParticipantID string
	Code          string
	Cursor        *Cursor
}

// UpdateCode replaces the shared document with the participant's write.
func (s *Service) UpdateCode(ctx context.Context, caller Caller, request UpdateCodeRequest) (*Session, error) {
	userID, err := s.requireCaller(opUpdateCode, caller)
	if err != nil {
		return nil, err
	}
	id, err := s.requireIdentifier(opUpdateCode, "session_id", request.SessionID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(id)
	defer unlock()

	var (
		index int
		now   time.Time
	)
	session, err := s.update(ctx, opUpdateCode, id, func(session *Session) error {
		var err error
		index, err = s.ownedParticipant(opUpdateCode, session, request.ParticipantID, userID)
		if err != nil {
			return err
		}
		participant := &session.Participants[index]
		if participant.Permission != PermissionWrite {
			return newServiceError(KindForbidden, opUpdateCode, "read_only", errReadOnly)
		}
		now = s.clock().UTC()
		session.Code = s.merge.Merge(session.Code, request.Code)
		if request.Cursor != nil {
			cursor := *request.Cursor
			participant.Cursor = &cursor
		}
		session.LastActivity = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	participant := session.Participants[index]

	event := CodeUpdateEvent{
		Code:            session.Code,
		ParticipantID:   participant.ID,
		ParticipantName: participant.Name,
		UpdatedAt:       now,
	}
	if participant.Cursor != nil {
		cursor := *participant.Cursor
		event.Cursor = &cursor
	}
	s.publish(Envelope{SessionID: id, SenderID: participant.ID, Event: event})
	return session.Clone(), nil
}

// UpdateCursor records an advisory caret position and relays it to the room.
func (s *Service) UpdateCursor(ctx context.Context, caller Caller, sessionID, participantID string, cursor Cursor) error {
	userID, err := s.requireCaller(opUpdateCursor, caller)
	if err != nil {
		return err
	}
	id, err := s.requireIdentifier(opUpdateCursor, "session_id", sessionID)
	if err != nil {
		return err
	}
	if cursor.Line < 0 || cursor.Column < 0 {
		return newServiceError(KindInvalidArgument, opUpdateCursor, "invalid_cursor",
			fmt.Errorf("cursor %d:%d is negative", cursor.Line, cursor.Column))
	}

	unlock := s.locks.lock(id)
	defer unlock()

	var index int
	session, err := s.update(ctx, opUpdateCursor, id, func(session *Session) error {
		var err error
		index, err = s.ownedParticipant(opUpdateCursor, session, participantID, userID)
		if err != nil {
			return err
		}
		session.Participants[index].Cursor = &Cursor{Line: cursor.Line, Column: cursor.Column}
		return nil
	})
	if err != nil {
		return err
	}
	participant := session.Participants[index]
	s.publish(Envelope{
		SessionID: id,
		SenderID:  participant.ID,
		Event: CursorUpdateEvent{
			ParticipantID:   participant.ID,
			ParticipantName: participant.Name,
			Cursor:          cursor,
		},
	})
	return nil
}

// LeaveSession deactivates the participant. The record stays in the roster.
func (s *Service) LeaveSession(ctx context.Context, caller Caller, sessionID, participantID string) error {
	userID, err := s.requireCaller(opLeaveSession, caller)
	if err != nil {
		return err
	}
	id, err := s.requireIdentifier(opLeaveSession, "session_id", sessionID)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(id)
	defer unlock()

	var index int
	session, err := s.update(ctx, opLeaveSession, id, func(session *Session) error {
		var err error
		index, err = s.ownedParticipant(opLeaveSession, session, participantID, userID)
		if err != nil {
			return err
		}
		participant := &session.Participants[index]
		participant.IsActive = false
		if state, ok := session.VoiceStates[participant.ID]; ok {
			state.Connected = false
			state.UpdatedAt = s.clock().UTC()
			session.VoiceStates[participant.ID] = state
		}
		session.LastActivity = s.clock().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	participant := session.Participants[index]
	s.publish(Envelope{
		SessionID: id,
		SenderID:  participant.ID,
		Event: ParticipantLeftEvent{
			ParticipantID: participant.ID,
			Participants:  session.Clone().Participants,
		},
	})
	return nil
}

// GetSession returns the session when the caller holds a participant record in it.
func (s *Service) GetSession(ctx context.Context, caller Caller, sessionID string) (SessionView, error) {
	userID, err := s.requireCaller(opGetSession, caller)
	if err != nil {
		return SessionView{}, err
	}
	id, err := s.requireIdentifier(opGetSession, "session_id", sessionID)
	if err != nil {
		return SessionView{}, err
	}
	session, err := s.load(ctx, opGetSession, id)
	if err != nil {
		return SessionView{}, err
	}
	participant, ok := session.ParticipantForUser(userID)
	if !ok {
		return SessionView{}, newServiceError(KindForbidden, opGetSession, "not_a_participant", errParticipantUnknown)
	}
	return SessionView{Session: session, ParticipantID: participant.ID}, nil
}

// SetPermission lets the host grant or revoke write access for a participant.
func (s *Service) SetPermission(ctx context.Context, caller Caller, sessionID, targetParticipantID string, permission Permission) (*Session, error) {
	userID, err := s.requireCaller(opSetPermission, caller)
	if err != nil {
		return nil, err
	}
	id, err := s.requireIdentifier(opSetPermission, "session_id", sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := ParsePermission(string(permission)); err != nil {
		return nil, newServiceError(KindInvalidArgument, opSetPermission, "invalid_permission", err)
	}

	unlock := s.locks.lock(id)
	defer unlock()

	var index int
	session, err := s.update(ctx, opSetPermission, id, func(session *Session) error {
		if session.HostID != userID {
			return newServiceError(KindForbidden, opSetPermission, "not_host", errNotHost)
		}
		index = session.participantIndex(strings.TrimSpace(targetParticipantID))
		if index < 0 {
			return newServiceError(KindNotFound, opSetPermission, "participant_not_found", errTargetUnknown)
		}
		session.Participants[index].Permission = permission
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(Envelope{
		SessionID: id,
		Event: PermissionChangedEvent{
			ParticipantID: session.Participants[index].ID,
			Permission:    permission,
			Participants:  session.Clone().Participants,
		},
	})
	return session.Clone(), nil
}

// SendMessage appends a chat message in server-receipt order and echoes it to
// the whole room, sender included.
func (s *Service) SendMessage(ctx context.Context, caller Caller, sessionID, participantID, content string) (ChatMessage, error) {
	userID, err := s.requireCaller(opSendMessage, caller)
	if err != nil {
		return ChatMessage{}, err
	}
	id, err := s.requireIdentifier(opSendMessage, "session_id", sessionID)
	if err != nil {
		return ChatMessage{}, err
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ChatMessage{}, newServiceError(KindInvalidArgument, opSendMessage, "empty_content", errEmptyMessage)
	}
	if utf8.RuneCountInString(trimmed) > s.maxMessageLength {
		return ChatMessage{}, newServiceError(KindInvalidArgument, opSendMessage, "content_too_long", errMessageTooLong)
	}

	unlock := s.locks.lock(id)
	defer unlock()

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSendMessage, "id_generation_failed", err, zap.String("session_id", id))
		return ChatMessage{}, newServiceError(KindServiceUnavailable, opSendMessage, "id_generation_failed", err)
	}

	var message ChatMessage
	_, err = s.update(ctx, opSendMessage, id, func(session *Session) error {
		index, err := s.ownedParticipant(opSendMessage, session, participantID, userID)
		if err != nil {
			return err
		}
		now := s.clock().UTC()
		participant := session.Participants[index]
		message = ChatMessage{
			ID:              messageID,
			SessionID:       id,
			ParticipantID:   participant.ID,
			ParticipantName: participant.Name,
			Content:         trimmed,
			Timestamp:       now,
		}
		session.Messages = append(session.Messages, message)
		session.LastActivity = now
		return nil
	})
	if err != nil {
		return ChatMessage{}, err
	}
	s.publish(Envelope{SessionID: id, SenderID: message.ParticipantID, Event: NewMessageEvent{Message: message}})
	return message, nil
}

// ListMessages returns the chat log for a participant of the session.
func (s *Service) ListMessages(ctx context.Context, caller Caller, sessionID string) ([]ChatMessage, error) {
	view, err := s.GetSession(ctx, caller, sessionID)
	if err != nil {
		return nil, relabel(err, opListMessages)
	}
	return view.Session.Messages, nil
}

// SetTyping relays a typing indicator. Nothing is stored.
func (s *Service) SetTyping(ctx context.Context, caller Caller, sessionID, participantID string, isTyping bool) error {
	userID, err := s.requireCaller(opSetTyping, caller)
	if err != nil {
		return err
	}
	id, err := s.requireIdentifier(opSetTyping, "session_id", sessionID)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(id)
	defer unlock()

	session, err := s.load(ctx, opSetTyping, id)
	if err != nil {
		return err
	}
	index, err := s.ownedParticipant(opSetTyping, session, participantID, userID)
	if err != nil {
		return err
	}
	participant := session.Participants[index]
	s.publish(Envelope{
		SessionID: id,
		SenderID:  participant.ID,
		Event: TypingEvent{
			ParticipantID:   participant.ID,
			ParticipantName: participant.Name,
			IsTyping:        isTyping,
		},
	})
	return nil
}

// VoiceStateUpdate carries the self-reported voice controls of a participant.
type VoiceStateUpdate struct {
	Connected bool
	Muted     bool
	Deafened  bool
}

// UpdateVoiceState mirrors the participant's voice controls and relays them to the room.
func (s *Service) UpdateVoiceState(ctx context.Context, caller Caller, sessionID, participantID string, update VoiceStateUpdate) (VoiceState, error) {
	userID, err := s.requireCaller(opUpdateVoiceState, caller)
	if err != nil {
		return VoiceState{}, err
	}
	id, err := s.requireIdentifier(opUpdateVoiceState, "session_id", sessionID)
	if err != nil {
		return VoiceState{}, err
	}

	unlock := s.locks.lock(id)
	defer unlock()

	var state VoiceState
	_, err = s.update(ctx, opUpdateVoiceState, id, func(session *Session) error {
		index, err := s.ownedParticipant(opUpdateVoiceState, session, participantID, userID)
		if err != nil {
			return err
		}
		state = VoiceState{
			ParticipantID: session.Participants[index].ID,
			Connected:     update.Connected,
			Muted:         update.Muted,
			Deafened:      update.Deafened,
			UpdatedAt:     s.clock().UTC(),
		}
		if session.VoiceStates == nil {
			session.VoiceStates = make(map[string]VoiceState)
		}
		session.VoiceStates[state.ParticipantID] = state
		return nil
	})
	if err != nil {
		return VoiceState{}, err
	}
	s.publish(Envelope{SessionID: id, SenderID: state.ParticipantID, Event: VoiceStateChangeEvent{State: state}})
	return state, nil
}

// SignalRequest carries one WebRTC negotiation message between two participants.
type SignalRequest struct {
	SessionID     string
	ParticipantID string
	TargetID      string
	Kind          EventKind
	Payload       json.RawMessage
}

// RelaySignal forwards an opaque negotiation payload to exactly one peer.
func (s *Service) RelaySignal(ctx context.Context, caller Caller, request SignalRequest) error {
	userID, err := s.requireCaller(opRelaySignal, caller)
	if err != nil {
		return err
	}
	id, err := s.requireIdentifier(opRelaySignal, "session_id", request.SessionID)
	if err != nil {
		return err
	}
	targetID, err := s.requireIdentifier(opRelaySignal, "target_participant_id", request.TargetID)
	if err != nil {
		return err
	}
	if AudienceFor(request.Kind) != AudienceTarget {
		return newServiceError(KindInvalidArgument, opRelaySignal, "invalid_kind",
			fmt.Errorf("%w: %q", errNotSignal, request.Kind))
	}

	unlock := s.locks.lock(id)
	defer unlock()

	session, err := s.load(ctx, opRelaySignal, id)
	if err != nil {
		return err
	}
	index, err := s.ownedParticipant(opRelaySignal, session, request.ParticipantID, userID)
	if err != nil {
		return err
	}
	sender := session.Participants[index]
	if targetID == sender.ID {
		return newServiceError(KindInvalidArgument, opRelaySignal, "self_target", errSelfSignal)
	}
	if session.participantIndex(targetID) < 0 {
		return newServiceError(KindNotFound, opRelaySignal, "target_not_found", errTargetUnknown)
	}

	signal := Signal{
		FromParticipantID: sender.ID,
		ToParticipantID:   targetID,
		Payload:           append(json.RawMessage(nil), request.Payload...),
	}
	var event Event
	switch request.Kind {
	case EventVoiceOffer:
		event = VoiceOfferEvent{Signal: signal}
	case EventVoiceAnswer:
		event = VoiceAnswerEvent{Signal: signal}
	case EventVoiceICECandidate:
		event = VoiceICECandidateEvent{Signal: signal}
	}
	s.publish(Envelope{SessionID: id, SenderID: sender.ID, TargetID: targetID, Event: event})
	return nil
}

// ReapResult lists the sessions removed by a sweep.
type ReapResult struct {
	Reaped  []string
	Skipped []string
}

// ReapIdleSessions archives and removes every session idle longer than the
// configured TTL and closes its relay room.
func (s *Service) ReapIdleSessions(ctx context.Context) (ReapResult, error) {
	cutoff := s.clock().UTC().Add(-s.idleTTL)
	candidates, err := s.repository.ListIdle(ctx, cutoff)
	if err != nil {
		s.logError(opReapIdle, "list_idle_failed", err)
		return ReapResult{}, newServiceError(KindServiceUnavailable, opReapIdle, "list_idle_failed", err)
	}

	result := ReapResult{Reaped: make([]string, 0, len(candidates))}
	for _, sessionID := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		reaped, err := s.reapOne(ctx, sessionID, cutoff)
		if err != nil {
			return result, err
		}
		if reaped {
			result.Reaped = append(result.Reaped, sessionID)
		} else {
			result.Skipped = append(result.Skipped, sessionID)
		}
	}
	s.metrics.SessionsRemoved(len(result.Reaped))
	if len(result.Reaped) > 0 {
		s.logger.Info("idle sessions reaped", zap.Int("count", len(result.Reaped)), zap.Time("cutoff", cutoff))
	}
	return result, nil
}

func (s *Service) reapOne(ctx context.Context, sessionID string, cutoff time.Time) (bool, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	session, err := s.repository.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		s.logError(opReapIdle, "session_load_failed", err, zap.String("session_id", sessionID))
		return false, newServiceError(KindServiceUnavailable, opReapIdle, "session_load_failed", err)
	}
	if !session.LastActivity.Before(cutoff) {
		return false, nil
	}
	if s.reapExemptActive && session.ActiveParticipantCount() > 0 {
		return false, nil
	}

	if s.archiver != nil {
		if err := s.archiver.ArchiveSession(ctx, session); err != nil {
			s.logError(opReapIdle, "archive_failed", err, zap.String("session_id", sessionID))
		}
	}
	if err := s.repository.Delete(ctx, sessionID); err != nil {
		s.logError(opReapIdle, "session_delete_failed", err, zap.String("session_id", sessionID))
		return false, newServiceError(KindServiceUnavailable, opReapIdle, "session_delete_failed", err)
	}
	if closer, ok := s.publisher.(RoomCloser); ok {
		closer.CloseRoom(sessionID)
	}
	return true, nil
}

// CountSessions reports how many sessions the store currently holds.
func (s *Service) CountSessions(ctx context.Context) (int, error) {
	return s.repository.Count(ctx)
}

func (s *Service) requireCaller(operation string, caller Caller) (string, error) {
	userID := strings.TrimSpace(caller.UserID)
	if userID == "" {
		return "", newServiceError(KindInvalidArgument, operation, "missing_user_id", errMissingUserID)
	}
	return userID, nil
}

func (s *Service) requireIdentifier(operation, field, raw string) (string, error) {
	value, err := normalizeIdentifier(field, raw)
	if err != nil {
		return "", newServiceError(KindInvalidArgument, operation, "invalid_"+field, err)
	}
	return value, nil
}

func (s *Service) ownedParticipant(operation string, session *Session, participantID, userID string) (int, error) {
	index := session.participantIndex(strings.TrimSpace(participantID))
	if index < 0 {
		return -1, newServiceError(KindForbidden, operation, "unknown_participant", errParticipantUnknown)
	}
	if session.Participants[index].UserID != userID {
		return -1, newServiceError(KindForbidden, operation, "participant_not_owned", errParticipantOwner)
	}
	return index, nil
}

func (s *Service) load(ctx context.Context, operation, sessionID string) (*Session, error) {
	session, err := s.repository.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, newServiceError(KindNotFound, operation, "session_not_found", err)
	}
	if err != nil {
		s.logError(operation, "session_load_failed", err, zap.String("session_id", sessionID))
		return nil, storeError(operation, "session_load_failed", err)
	}
	return session, nil
}

func (s *Service) save(ctx context.Context, operation string, session *Session) error {
	if err := s.repository.Save(ctx, session); err != nil {
		s.logError(operation, "session_save_failed", err, zap.String("session_id", session.ID))
		return storeError(operation, "session_save_failed", err)
	}
	return nil
}

// update routes a read-modify-write through the repository so concurrent
// writers on other instances cannot overwrite each other. ServiceErrors raised
// by mutate pass through untouched.
func (s *Service) update(ctx context.Context, operation, sessionID string, mutate func(*Session) error) (*Session, error) {
	session, err := s.repository.Update(ctx, sessionID, mutate)
	if err == nil {
		return session, nil
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return nil, err
	}
	if errors.Is(err, ErrSessionNotFound) {
		return nil, newServiceError(KindNotFound, operation, "session_not_found", err)
	}
	s.logError(operation, "session_update_failed", err, zap.String("session_id", sessionID))
	return nil, storeError(operation, "session_update_failed", err)
}

func (s *Service) publish(envelope Envelope) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(envelope)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("collab service error", allFields...)
}

func relabel(err error, operation string) error {
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		return err
	}
	reason := serviceErr.code
	if dot := strings.LastIndex(reason, "."); dot >= 0 {
		reason = reason[dot+1:]
	}
	return newServiceError(serviceErr.kind, operation, reason, serviceErr.err)
}

func displayName(caller Caller) string {
	if name := strings.TrimSpace(caller.Name); name != "" {
		return name
	}
	return strings.TrimSpace(caller.UserID)
}
