package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/internal/collab"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the Redis pub/sub channel shared by all instances.
const DefaultChannel = "collab:relay"

const publishTimeout = 2 * time.Second

type RedisBridgeConfig struct {
	Client     *redis.Client
	Hub        *Hub
	Channel    string
	InstanceID string
	Logger     *zap.Logger
}

// RedisBridge delivers envelopes to the local hub and mirrors them to other
// instances over Redis pub/sub so rooms span processes.
type RedisBridge struct {
	client     *redis.Client
	hub        *Hub
	channel    string
	instanceID string
	logger     *zap.Logger
}

type bridgeMessage struct {
	Origin    string          `json:"origin"`
	Envelope  json.RawMessage `json:"envelope,omitempty"`
	CloseRoom string          `json:"closeRoom,omitempty"`
}

func NewRedisBridge(cfg RedisBridgeConfig) (*RedisBridge, error) {
	if cfg.Client == nil {
		return nil, errors.New("relay: redis client cannot be nil")
	}
	if cfg.Hub == nil {
		return nil, errors.New("relay: hub cannot be nil")
	}
	if cfg.InstanceID == "" {
		return nil, errors.New("relay: instance id cannot be empty")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:     cfg.Client,
		hub:        cfg.Hub,
		channel:    channel,
		instanceID: cfg.InstanceID,
		logger:     logger,
	}, nil
}

// Publish delivers locally first, then forwards to peers.
func (b *RedisBridge) Publish(envelope collab.Envelope) {
	b.hub.Publish(envelope)

	encoded, err := collab.EncodeEnvelope(envelope)
	if err != nil {
		b.logger.Error("relay bridge encode failed", zap.Error(err))
		return
	}
	b.forward(envelope.SessionID, bridgeMessage{Origin: b.instanceID, Envelope: encoded})
}

// CloseRoom closes the room here and on every peer.
func (b *RedisBridge) CloseRoom(sessionID string) {
	b.hub.CloseRoom(sessionID)
	b.forward(sessionID, bridgeMessage{Origin: b.instanceID, CloseRoom: sessionID})
}

func (b *RedisBridge) forward(sessionID string, message bridgeMessage) {
	payload, err := json.Marshal(message)
	if err != nil {
		b.logger.Error("relay bridge marshal failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Warn("relay bridge publish failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// Run consumes envelopes published by other instances until ctx ends.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("relay: subscribe %s: %w", b.channel, err)
	}
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			b.deliver([]byte(message.Payload))
		}
	}
}

func (b *RedisBridge) deliver(payload []byte) {
	var incoming bridgeMessage
	if err := json.Unmarshal(payload, &incoming); err != nil {
		b.logger.Warn("relay bridge received malformed message", zap.Error(err))
		return
	}
	if incoming.Origin == b.instanceID {
		return
	}
	if incoming.CloseRoom != "" {
		b.hub.CloseRoom(incoming.CloseRoom)
		return
	}
	envelope, err := collab.DecodeEnvelope(incoming.Envelope)
	if err != nil {
		b.logger.Warn("relay bridge received undecodable envelope", zap.Error(err))
		return
	}
	b.hub.Publish(envelope)
}
