package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "collab:session:"
	// activityIndexKey is a sorted set of session ids scored by last activity in unix milliseconds.
	activityIndexKey = "collab:sessions:activity"
	// maxUpdateAttempts bounds optimistic retries when another writer touches the key mid-update.
	maxUpdateAttempts = 16
)

// ErrUpdateContention is returned when an optimistic update keeps losing to concurrent writers.
var ErrUpdateContention = errors.New("collab: session update contention")

// RedisRepositoryConfig holds configuration for the Redis session repository.
type RedisRepositoryConfig struct {
	Client *redis.Client
}

// RedisRepository shares sessions between instances through Redis.
type RedisRepository struct {
	client *redis.Client
}

// NewRedisRepository validates the client connection and builds the repository.
func NewRedisRepository(cfg *RedisRepositoryConfig) (*RedisRepository, error) {
	if cfg == nil {
		return nil, errors.New("collab: redis repository config cannot be nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("collab: redis client cannot be nil")
	}
	if err := cfg.Client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("collab: connect to redis: %w", err)
	}
	return &RedisRepository{client: cfg.Client}, nil
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// Get loads and decodes the session document.
func (r *RedisRepository) Get(ctx context.Context, sessionID string) (*Session, error) {
	return readSession(ctx, r.client, sessionID)
}

// sessionReader is satisfied by both *redis.Client and a watching *redis.Tx.
type sessionReader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readSession(ctx context.Context, reader sessionReader, sessionID string) (*Session, error) {
	raw, err := reader.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("collab: get session: %w", err)
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("collab: unmarshal session: %w", err)
	}
	if session.VoiceStates == nil {
		session.VoiceStates = make(map[string]VoiceState)
	}
	return &session, nil
}

// Save writes the document and its activity score in one transaction.
func (r *RedisRepository) Save(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.New("collab: session and session id are required")
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("collab: marshal session: %w", err)
	}

	pipe := r.client.TxPipeline()
	queueSessionWrite(ctx, pipe, session, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("collab: save session: %w", err)
	}
	return nil
}

// Update watches the session key, applies mutate and commits with MULTI/EXEC.
// A write by another instance between the read and the commit aborts the
// transaction and the whole read-modify-write is retried on fresh state.
func (r *RedisRepository) Update(ctx context.Context, sessionID string, mutate func(*Session) error) (*Session, error) {
	key := sessionKey(sessionID)
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var updated *Session
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			session, err := readSession(ctx, tx, sessionID)
			if err != nil {
				return err
			}
			if err := mutate(session); err != nil {
				return err
			}
			payload, err := json.Marshal(session)
			if err != nil {
				return fmt.Errorf("collab: marshal session: %w", err)
			}
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				queueSessionWrite(ctx, pipe, session, payload)
				return nil
			}); err != nil {
				return err
			}
			updated = session
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUpdateContention, sessionID)
}

func queueSessionWrite(ctx context.Context, pipe redis.Pipeliner, session *Session, payload []byte) {
	pipe.Set(ctx, sessionKey(session.ID), payload, 0)
	pipe.ZAdd(ctx, activityIndexKey, redis.Z{
		Score:  float64(session.LastActivity.UnixMilli()),
		Member: session.ID,
	})
}

// Delete removes the document and its activity index entry.
func (r *RedisRepository) Delete(ctx context.Context, sessionID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKey(sessionID))
	pipe.ZRem(ctx, activityIndexKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("collab: delete session: %w", err)
	}
	return nil
}

// ListIdle reads ids scored strictly below cutoff from the activity index.
func (r *RedisRepository) ListIdle(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, activityIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("collab: list idle sessions: %w", err)
	}
	return ids, nil
}

// Count reads the cardinality of the activity index.
func (r *RedisRepository) Count(ctx context.Context) (int, error) {
	count, err := r.client.ZCard(ctx, activityIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("collab: count sessions: %w", err)
	}
	return int(count), nil
}
