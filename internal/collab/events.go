package collab

import (
	"encoding/json"
	"time"
)

// EventKind names a relay event on the wire.
type EventKind string

const (
	EventCodeUpdate        EventKind = "code-update"
	EventParticipantJoined EventKind = "participant-joined"
	EventParticipantLeft   EventKind = "participant-left"
	EventCursorUpdate      EventKind = "cursor-update"
	EventNewMessage        EventKind = "new-message"
	EventUserTyping        EventKind = "user-typing"
	EventVoiceOffer        EventKind = "voice-offer"
	EventVoiceAnswer       EventKind = "voice-answer"
	EventVoiceICECandidate EventKind = "voice-ice-candidate"
	EventVoiceStateChange  EventKind = "voice-state-change"
	EventPermissionChanged EventKind = "permission-changed"
)

// Audience describes which room members receive an event.
type Audience int

const (
	// AudienceNone marks kinds the relay must not deliver.
	AudienceNone Audience = iota
	// AudienceRoom delivers to every member, sender included.
	AudienceRoom
	// AudienceOthers delivers to every member except the sender.
	AudienceOthers
	// AudienceTarget delivers only to the addressed participant.
	AudienceTarget
)

// AudienceFor maps each event kind to its delivery scope.
func AudienceFor(kind EventKind) Audience {
	switch kind {
	case EventCodeUpdate, EventCursorUpdate, EventUserTyping:
		return AudienceOthers
	case EventParticipantJoined, EventParticipantLeft, EventNewMessage, EventVoiceStateChange, EventPermissionChanged:
		return AudienceRoom
	case EventVoiceOffer, EventVoiceAnswer, EventVoiceICECandidate:
		return AudienceTarget
	default:
		return AudienceNone
	}
}

// Event is implemented by every relay payload type.
type Event interface {
	Kind() EventKind
}

// CodeUpdateEvent carries the full document after a write.
type CodeUpdateEvent struct {
	Code            string    `json:"code"`
	Cursor          *Cursor   `json:"cursor,omitempty"`
	ParticipantID   string    `json:"participantId"`
	ParticipantName string    `json:"participantName"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (CodeUpdateEvent) Kind() EventKind { return EventCodeUpdate }

// ParticipantJoinedEvent announces a join together with the updated roster.
type ParticipantJoinedEvent struct {
	Participant  Participant   `json:"participant"`
	Participants []Participant `json:"participants"`
}

func (ParticipantJoinedEvent) Kind() EventKind { return EventParticipantJoined }

// ParticipantLeftEvent announces a departure. The leaver stays in Participants as inactive.
type ParticipantLeftEvent struct {
	ParticipantID string        `json:"participantId"`
	Participants  []Participant `json:"participants"`
}

func (ParticipantLeftEvent) Kind() EventKind { return EventParticipantLeft }

// CursorUpdateEvent is an advisory caret move.
type CursorUpdateEvent struct {
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName"`
	Cursor          Cursor `json:"cursor"`
}

func (CursorUpdateEvent) Kind() EventKind { return EventCursorUpdate }

// NewMessageEvent echoes a stored chat message.
type NewMessageEvent struct {
	Message ChatMessage `json:"message"`
}

func (NewMessageEvent) Kind() EventKind { return EventNewMessage }

// TypingEvent is ephemeral and never stored on the session.
type TypingEvent struct {
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName"`
	IsTyping        bool   `json:"isTyping"`
}

func (TypingEvent) Kind() EventKind { return EventUserTyping }

// Signal carries an opaque WebRTC negotiation blob between two participants.
type Signal struct {
	FromParticipantID string          `json:"fromParticipantId"`
	ToParticipantID   string          `json:"toParticipantId"`
	Payload           json.RawMessage `json:"payload"`
}

// VoiceOfferEvent, VoiceAnswerEvent and VoiceICECandidateEvent are relayed to the target only.
type VoiceOfferEvent struct{ Signal }

func (VoiceOfferEvent) Kind() EventKind { return EventVoiceOffer }

type VoiceAnswerEvent struct{ Signal }

func (VoiceAnswerEvent) Kind() EventKind { return EventVoiceAnswer }

type VoiceICECandidateEvent struct{ Signal }

func (VoiceICECandidateEvent) Kind() EventKind { return EventVoiceICECandidate }

// VoiceStateChangeEvent mirrors a participant's voice controls.
type VoiceStateChangeEvent struct {
	State VoiceState `json:"state"`
}

func (VoiceStateChangeEvent) Kind() EventKind { return EventVoiceStateChange }

// PermissionChangedEvent reports a host grant or revoke.
type PermissionChangedEvent struct {
	ParticipantID string        `json:"participantId"`
	Permission    Permission    `json:"permission"`
	Participants  []Participant `json:"participants"`
}

func (PermissionChangedEvent) Kind() EventKind { return EventPermissionChanged }

// Envelope addresses an event to a session room.
type Envelope struct {
	SessionID string
	// SenderID is the originating participant, excluded for AudienceOthers.
	SenderID string
	// TargetID is the sole recipient for AudienceTarget.
	TargetID string
	Event    Event
}

// Publisher fans envelopes out to room members.
type Publisher interface {
	Publish(envelope Envelope)
}

// RoomCloser is implemented by publishers that can drop a room's subscribers.
type RoomCloser interface {
	CloseRoom(sessionID string)
}
