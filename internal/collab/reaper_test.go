package collab

import (
	"context"
	"testing"
	"time"
)

func TestNewReaperValidatesSchedule(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	if _, err := NewReaper(ReaperConfig{Service: fixture.service, Schedule: "not a schedule"}); err == nil {
		t.Fatalf("expected invalid schedule to be rejected")
	}
	if _, err := NewReaper(ReaperConfig{Schedule: DefaultSweepSchedule}); err == nil {
		t.Fatalf("expected missing service to be rejected")
	}
	for _, expression := range []string{"", "@every 30s", "*/5 * * * *", "@hourly"} {
		if _, err := NewReaper(ReaperConfig{Service: fixture.service, Schedule: expression}); err != nil {
			t.Fatalf("expected %q to parse: %v", expression, err)
		}
	}
}

func TestReaperSweepRemovesIdleSessions(t *testing.T) {
	fixture := newServiceFixture(t, func(cfg *ServiceConfig) {
		cfg.IdleTTL = 30 * time.Minute
	})
	created := mustCreateSession(t, fixture.service, alice, "python")
	reaper, err := NewReaper(ReaperConfig{Service: fixture.service})
	if err != nil {
		t.Fatalf("unexpected reaper error: %v", err)
	}

	result, err := reaper.Sweep(t.Context())
	if err != nil || len(result.Reaped) != 0 {
		t.Fatalf("expected nothing reaped yet, got %v (%v)", result.Reaped, err)
	}

	fixture.clock.Advance(31 * time.Minute)
	result, err = reaper.Sweep(t.Context())
	if err != nil {
		t.Fatalf("unexpected sweep error: %v", err)
	}
	if len(result.Reaped) != 1 || result.Reaped[0] != created.Session.ID {
		t.Fatalf("expected %s to be reaped, got %v", created.Session.ID, result.Reaped)
	}
}

func TestReaperStartStopIsIdempotent(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	reaper, err := NewReaper(ReaperConfig{Service: fixture.service, Schedule: "@every 1h"})
	if err != nil {
		t.Fatalf("unexpected reaper error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	reaper.Start(ctx)
	reaper.Start(ctx)
	cancel()
	reaper.Stop()
	reaper.Stop()
}
