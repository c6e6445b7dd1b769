package collab

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type sequentialIDProvider struct {
	mu      sync.Mutex
	counter int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter++
	return fmt.Sprintf("id-%03d", p.counter), nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	envelopes []Envelope
	closed    []string
}

func (p *recordingPublisher) Publish(envelope Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, envelope)
}

func (p *recordingPublisher) CloseRoom(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, sessionID)
}

func (p *recordingPublisher) ofKind(kind EventKind) []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	matches := make([]Envelope, 0)
	for _, envelope := range p.envelopes {
		if envelope.Event.Kind() == kind {
			matches = append(matches, envelope)
		}
	}
	return matches
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

type serviceFixture struct {
	service    *Service
	repository *MemoryRepository
	publisher  *recordingPublisher
	clock      *manualClock
}

func newServiceFixture(t *testing.T, mutate func(*ServiceConfig)) serviceFixture {
	t.Helper()
	fixture := serviceFixture{
		repository: NewMemoryRepository(),
		publisher:  &recordingPublisher{},
		clock:      &manualClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}
	cfg := ServiceConfig{
		Repository: fixture.repository,
		Publisher:  fixture.publisher,
		IDProvider: &sequentialIDProvider{},
		Clock:      fixture.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	fixture.service = service
	return fixture
}

func mustCreateSession(t *testing.T, service *Service, caller Caller, language string) SessionView {
	t.Helper()
	view, err := service.CreateSession(t.Context(), caller, CreateSessionRequest{Language: language})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return view
}

func mustJoinSession(t *testing.T, service *Service, sessionID string, caller Caller) SessionView {
	t.Helper()
	view, err := service.JoinSession(t.Context(), sessionID, caller)
	if err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	return view
}

func requireKind(t *testing.T, err error, expected ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", expected)
	}
	kind, ok := KindOf(err)
	if !ok {
		t.Fatalf("expected service error, got %T: %v", err, err)
	}
	if kind != expected {
		t.Fatalf("expected %s error, got %s (%v)", expected, kind, err)
	}
}
