package collab

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestServiceErrorMatchesKindSentinel(t *testing.T) {
	cases := []struct {
		kind     ErrorKind
		sentinel error
	}{
		{KindNotFound, ErrNotFound},
		{KindForbidden, ErrForbidden},
		{KindInvalidArgument, ErrInvalidArgument},
		{KindServiceUnavailable, ErrServiceUnavailable},
		{KindTimeout, ErrTimeout},
	}
	sentinels := []error{ErrNotFound, ErrForbidden, ErrInvalidArgument, ErrServiceUnavailable, ErrTimeout}
	for _, tc := range cases {
		err := fmt.Errorf("wrapped: %w", newServiceError(tc.kind, "op", "reason", nil))
		for _, sentinel := range sentinels {
			if got, want := errors.Is(err, sentinel), sentinel == tc.sentinel; got != want {
				t.Fatalf("%s: errors.Is(%v) = %v, want %v", tc.kind, sentinel, got, want)
			}
		}
	}
}

type failingUpdateRepository struct {
	*MemoryRepository
	err error
}

func (r *failingUpdateRepository) Update(context.Context, string, func(*Session) error) (*Session, error) {
	return nil, r.err
}

func TestStoreFailuresAreClassified(t *testing.T) {
	failing := &failingUpdateRepository{MemoryRepository: NewMemoryRepository()}
	fixture := newServiceFixture(t, func(cfg *ServiceConfig) { cfg.Repository = failing })
	created := mustCreateSession(t, fixture.service, alice, "python")

	failing.err = fmt.Errorf("redis: %w", context.DeadlineExceeded)
	_, err := fixture.service.SendMessage(t.Context(), alice, created.Session.ID, created.ParticipantID, "hi")
	requireKind(t, err, KindTimeout)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout sentinel to match, got %v", err)
	}

	failing.err = errors.New("connection refused")
	_, err = fixture.service.SendMessage(t.Context(), alice, created.Session.ID, created.ParticipantID, "hi")
	requireKind(t, err, KindServiceUnavailable)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "collab.send_message.session_update_failed" {
		t.Fatalf("unexpected error code: %v", err)
	}
	if len(fixture.publisher.ofKind(EventNewMessage)) != 0 {
		t.Fatalf("expected nothing published after a failed write")
	}
}
