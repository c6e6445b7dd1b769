package collab

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownEventKind indicates an envelope whose type is not in the catalogue.
	ErrUnknownEventKind = errors.New("collab: unknown event kind")
	errMissingEvent     = errors.New("collab: envelope has no event")
)

type wireEnvelope struct {
	Type      EventKind       `json:"type"`
	SessionID string          `json:"sessionId"`
	SenderID  string          `json:"senderId,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// EncodeEnvelope renders an envelope as the JSON frame sent to sockets and peers.
func EncodeEnvelope(envelope Envelope) ([]byte, error) {
	if envelope.Event == nil {
		return nil, errMissingEvent
	}
	payload, err := json.Marshal(envelope.Event)
	if err != nil {
		return nil, fmt.Errorf("collab: encode %s payload: %w", envelope.Event.Kind(), err)
	}
	return json.Marshal(wireEnvelope{
		Type:      envelope.Event.Kind(),
		SessionID: envelope.SessionID,
		SenderID:  envelope.SenderID,
		TargetID:  envelope.TargetID,
		Payload:   payload,
	})
}

// DecodeEnvelope parses a frame produced by EncodeEnvelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("collab: decode envelope: %w", err)
	}
	event, err := decodeEvent(wire.Type, wire.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		SessionID: wire.SessionID,
		SenderID:  wire.SenderID,
		TargetID:  wire.TargetID,
		Event:     event,
	}, nil
}

func decodeEvent(kind EventKind, payload json.RawMessage) (Event, error) {
	switch kind {
	case EventCodeUpdate:
		return decodePayload[CodeUpdateEvent](kind, payload)
	case EventParticipantJoined:
		return decodePayload[ParticipantJoinedEvent](kind, payload)
	case EventParticipantLeft:
		return decodePayload[ParticipantLeftEvent](kind, payload)
	case EventCursorUpdate:
		return decodePayload[CursorUpdateEvent](kind, payload)
	case EventNewMessage:
		return decodePayload[NewMessageEvent](kind, payload)
	case EventUserTyping:
		return decodePayload[TypingEvent](kind, payload)
	case EventVoiceOffer:
		return decodePayload[VoiceOfferEvent](kind, payload)
	case EventVoiceAnswer:
		return decodePayload[VoiceAnswerEvent](kind, payload)
	case EventVoiceICECandidate:
		return decodePayload[VoiceICECandidateEvent](kind, payload)
	case EventVoiceStateChange:
		return decodePayload[VoiceStateChangeEvent](kind, payload)
	case EventPermissionChanged:
		return decodePayload[PermissionChangedEvent](kind, payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, kind)
	}
}

func decodePayload[T Event](kind EventKind, payload json.RawMessage) (Event, error) {
	var event T
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("collab: decode %s payload: %w", kind, err)
		}
	}
	return event, nil
}
