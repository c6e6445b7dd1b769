package collab

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Language enumerates the editor languages a session can be created with.
type Language string

const (
	// LanguagePython selects the Python template and interpreter.
	LanguagePython Language = "python"
	// LanguageJavaScript selects the JavaScript template and interpreter.
	LanguageJavaScript Language = "javascript"
)

// Permission controls whether a participant may change the shared document.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidLanguage indicates a language outside the supported set.
	ErrInvalidLanguage = errors.New("collab: invalid language")
	// ErrInvalidPermission indicates a permission outside the supported set.
	ErrInvalidPermission = errors.New("collab: invalid permission")
	// ErrInvalidIdentifier indicates an empty or oversized identifier.
	ErrInvalidIdentifier = errors.New("collab: invalid identifier")
)

// ParseLanguage validates raw input and returns a Language.
func ParseLanguage(rawInput string) (Language, error) {
	switch Language(strings.ToLower(strings.TrimSpace(rawInput))) {
	case LanguagePython:
		return LanguagePython, nil
	case LanguageJavaScript:
		return LanguageJavaScript, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLanguage, rawInput)
	}
}

// ParsePermission validates raw input and returns a Permission.
func ParsePermission(rawInput string) (Permission, error) {
	switch Permission(strings.ToLower(strings.TrimSpace(rawInput))) {
	case PermissionRead:
		return PermissionRead, nil
	case PermissionWrite:
		return PermissionWrite, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPermission, rawInput)
	}
}

func normalizeIdentifier(field, rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: %s empty", ErrInvalidIdentifier, field)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidIdentifier, field, maxIdentifierLength)
	}
	return trimmed, nil
}

// Caller identifies the authenticated user behind a request.
type Caller struct {
	UserID string
	Name   string
}

// Cursor is a zero-based caret position inside the shared document.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Participant is one user's membership in a session.
type Participant struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Name       string     `json:"name"`
	Color      string     `json:"color"`
	IsActive   bool       `json:"isActive"`
	Permission Permission `json:"permission"`
	Cursor     *Cursor    `json:"cursor,omitempty"`
	JoinedAt   time.Time  `json:"joinedAt"`
}

// ChatMessage is a single entry in a session's chat log.
type ChatMessage struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	ParticipantID   string    `json:"participantId"`
	ParticipantName string    `json:"participantName"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
}

// VoiceState mirrors a participant's self-reported voice controls.
type VoiceState struct {
	ParticipantID string    `json:"participantId"`
	Connected     bool      `json:"connected"`
	Muted         bool      `json:"muted"`
	Deafened      bool      `json:"deafened"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Session is the authoritative state of one collaborative editing room.
type Session struct {
	ID           string                `json:"id"`
	HostID       string                `json:"hostId"`
	Language     Language              `json:"language"`
	Code         string                `json:"code"`
	Participants []Participant         `json:"participants"`
	Messages     []ChatMessage         `json:"messages"`
	VoiceStates  map[string]VoiceState `json:"voiceStates"`
	CreatedAt    time.Time             `json:"createdAt"`
	LastActivity time.Time             `json:"lastActivity"`
}

// Clone returns a deep copy so callers never share mutable state with storage.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Participants = make([]Participant, len(s.Participants))
	for index, participant := range s.Participants {
		if participant.Cursor != nil {
			cursor := *participant.Cursor
			participant.Cursor = &cursor
		}
		clone.Participants[index] = participant
	}
	clone.Messages = make([]ChatMessage, len(s.Messages))
	copy(clone.Messages, s.Messages)
	clone.VoiceStates = make(map[string]VoiceState, len(s.VoiceStates))
	for key, state := range s.VoiceStates {
		clone.VoiceStates[key] = state
	}
	return &clone
}

// Participant returns the participant with the given id.
func (s *Session) Participant(participantID string) (Participant, bool) {
	index := s.participantIndex(participantID)
	if index < 0 {
		return Participant{}, false
	}
	return s.Participants[index], true
}

// ParticipantForUser returns the participant record owned by the given user.
func (s *Session) ParticipantForUser(userID string) (Participant, bool) {
	index := s.participantIndexByUser(userID)
	if index < 0 {
		return Participant{}, false
	}
	return s.Participants[index], true
}

// ActiveParticipantCount reports how many participants are currently active.
func (s *Session) ActiveParticipantCount() int {
	count := 0
	for _, participant := range s.Participants {
		if participant.IsActive {
			count++
		}
	}
	return count
}

func (s *Session) participantIndex(participantID string) int {
	for index := range s.Participants {
		if s.Participants[index].ID == participantID {
			return index
		}
	}
	return -1
}

func (s *Session) participantIndexByUser(userID string) int {
	for index := range s.Participants {
		if s.Participants[index].UserID == userID {
			return index
		}
	}
	return -1
}
