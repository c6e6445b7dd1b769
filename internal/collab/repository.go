package collab

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrSessionNotFound is returned by repositories when no session has the id.
var ErrSessionNotFound = errors.New("collab: session not found")

// SessionRepository stores sessions. Implementations hand out copies; callers
// must Save a mutated session for the change to become visible.
type SessionRepository interface {
	Get(ctx context.Context, sessionID string) (*Session, error)
	Save(ctx context.Context, session *Session) error
	// Update applies mutate to the stored session atomically with respect to
	// every other writer of the same store. mutate may run more than once and
	// an error from it aborts the write and is returned unchanged.
	Update(ctx context.Context, sessionID string, mutate func(*Session) error) (*Session, error)
	Delete(ctx context.Context, sessionID string) error
	// ListIdle returns ids of sessions whose last activity is before cutoff.
	ListIdle(ctx context.Context, cutoff time.Time) ([]string, error)
	Count(ctx context.Context) (int, error)
}

// MemoryRepository keeps sessions in a process-local map.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryRepository constructs an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*Session)}
}

// Get returns a copy of the stored session.
func (r *MemoryRepository) Get(_ context.Context, sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Clone(), nil
}

// Save stores a copy of session, replacing any previous version.
func (r *MemoryRepository) Save(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.New("collab: session and session id are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session.Clone()
	return nil
}

// Update runs mutate on a copy under the write lock and stores the result.
func (r *MemoryRepository) Update(_ context.Context, sessionID string, mutate func(*Session) error) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	session := stored.Clone()
	if err := mutate(session); err != nil {
		return nil, err
	}
	r.sessions[sessionID] = session.Clone()
	return session, nil
}

// Delete is a no-op for unknown ids.
func (r *MemoryRepository) Delete(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	return nil
}

// ListIdle returns the idle session ids in lexical order.
func (r *MemoryRepository) ListIdle(_ context.Context, cutoff time.Time) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idle := make([]string, 0)
	for id, session := range r.sessions {
		if session.LastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	sort.Strings(idle)
	return idle, nil
}

// Count reports the number of stored sessions.
func (r *MemoryRepository) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), nil
}
