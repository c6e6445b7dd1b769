package relay

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/codecollab/internal/collab"
	"github.com/MarcoPoloResearchLab/codecollab/internal/metrics"
	"go.uber.org/zap"
)

// DefaultBufferSize is the per-subscriber queue depth.
const DefaultBufferSize = 64

type HubConfig struct {
	BufferSize int
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Hub fans envelopes out to the subscribers of a session room. Delivery is
// best effort: a subscriber whose buffer is full misses the envelope.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]map[int64]*subscriber
	nextID     int64
	bufferSize int
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

type subscriber struct {
	id            int64
	participantID string
	stream        chan collab.Envelope
	closed        bool
}

func NewHub(cfg HubConfig) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:      make(map[string]map[int64]*subscriber),
		bufferSize: bufferSize,
		logger:     logger,
		metrics:    cfg.Metrics,
	}
}

// Subscribe registers a participant's connection in a room. The stream is
// closed when cleanup runs, ctx ends, or the room is closed.
func (h *Hub) Subscribe(ctx context.Context, sessionID, participantID string) (<-chan collab.Envelope, func()) {
	if sessionID == "" || participantID == "" {
		ch := make(chan collab.Envelope)
		close(ch)
		return ch, func() {}
	}

	h.mu.Lock()
	h.nextID++
	entry := &subscriber{
		id:            h.nextID,
		participantID: participantID,
		stream:        make(chan collab.Envelope, h.bufferSize),
	}
	if _, ok := h.rooms[sessionID]; !ok {
		h.rooms[sessionID] = make(map[int64]*subscriber)
	}
	h.rooms[sessionID][entry.id] = entry
	h.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			close(done)
			h.unsubscribe(sessionID, entry.id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return entry.stream, cleanup
}

// Publish delivers the envelope according to the audience of its event kind.
func (h *Hub) Publish(envelope collab.Envelope) {
	if envelope.SessionID == "" || envelope.Event == nil {
		return
	}
	kind := envelope.Event.Kind()
	audience := collab.AudienceFor(kind)
	if audience == collab.AudienceNone {
		h.logger.Warn("relay dropped undeliverable event", zap.String("kind", string(kind)))
		return
	}

	// Sends are non-blocking, so holding the read lock keeps close and send from racing.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, entry := range h.rooms[envelope.SessionID] {
		switch audience {
		case collab.AudienceOthers:
			if entry.participantID == envelope.SenderID {
				continue
			}
		case collab.AudienceTarget:
			if entry.participantID != envelope.TargetID {
				continue
			}
		}
		select {
		case entry.stream <- envelope:
			h.metrics.RelayDelivered(string(kind))
		default:
			h.metrics.RelayDropped(string(kind))
			h.logger.Debug("relay buffer full",
				zap.String("session_id", envelope.SessionID),
				zap.String("participant_id", entry.participantID),
				zap.String("kind", string(kind)))
		}
	}
}

// CloseRoom drops every subscriber of the session and closes their streams.
func (h *Hub) CloseRoom(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, entry := range h.rooms[sessionID] {
		h.closeSubscriber(entry)
	}
	delete(h.rooms, sessionID)
}

// HasParticipant reports whether the participant still has a subscription in the room.
func (h *Hub) HasParticipant(sessionID, participantID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, entry := range h.rooms[sessionID] {
		if entry.participantID == participantID {
			return true
		}
	}
	return false
}

// RoomSize returns the number of subscriptions in a room.
func (h *Hub) RoomSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

func (h *Hub) unsubscribe(sessionID string, subscriberID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[sessionID]
	if room == nil {
		return
	}
	if entry, ok := room[subscriberID]; ok {
		h.closeSubscriber(entry)
		delete(room, subscriberID)
	}
	if len(room) == 0 {
		delete(h.rooms, sessionID)
	}
}

func (h *Hub) closeSubscriber(entry *subscriber) {
	if entry.closed {
		return
	}
	entry.closed = true
	close(entry.stream)
}
