package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/internal/collab"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T, now time.Time) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&SessionArchive{}, &ArchivedMessage{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func sampleSession(id, hostID string, created time.Time) *collab.Session {
	return &collab.Session{
		ID:       id,
		HostID:   hostID,
		Language: collab.LanguagePython,
		Code:     "print('done')\n",
		Participants: []collab.Participant{
			{ID: "p-1", UserID: hostID, Name: "Host", Color: "#FF6B6B", IsActive: true, Permission: collab.PermissionWrite, JoinedAt: created},
			{ID: "p-2", UserID: "guest", Name: "Guest", Color: "#4ECDC4", Permission: collab.PermissionRead, JoinedAt: created},
		},
		Messages: []collab.ChatMessage{
			{ID: "m-1", SessionID: id, ParticipantID: "p-1", ParticipantName: "Host", Content: "first", Timestamp: created.Add(time.Minute)},
			{ID: "m-2", SessionID: id, ParticipantID: "p-2", ParticipantName: "Guest", Content: "second", Timestamp: created.Add(2 * time.Minute)},
		},
		VoiceStates:  map[string]collab.VoiceState{},
		CreatedAt:    created,
		LastActivity: created.Add(2 * time.Minute),
	}
}

func TestArchiveSessionRoundTrip(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, now)
	ctx := context.Background()

	if err := store.ArchiveSession(ctx, sampleSession("s-1", "host-1", now.Add(-2*time.Hour))); err != nil {
		t.Fatalf("archive failed: %v", err)
	}

	archive, err := store.LoadArchive(ctx, "s-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if archive.HostID != "host-1" || archive.Language != "python" || archive.FinalCode != "print('done')\n" {
		t.Fatalf("unexpected archive: %#v", archive)
	}
	if len(archive.Participants) != 2 || archive.Participants[1].Permission != collab.PermissionRead {
		t.Fatalf("unexpected participants: %#v", archive.Participants)
	}
	if len(archive.Messages) != 2 || archive.Messages[0].Content != "first" || archive.Messages[1].Content != "second" {
		t.Fatalf("expected messages in original order, got %#v", archive.Messages)
	}
	if !archive.ArchivedAt.Equal(now) {
		t.Fatalf("unexpected archived at %v", archive.ArchivedAt)
	}
}

func TestArchiveSessionIsIdempotent(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, now)
	ctx := context.Background()
	session := sampleSession("s-1", "host-1", now.Add(-2*time.Hour))

	if err := store.ArchiveSession(ctx, session); err != nil {
		t.Fatalf("first archive failed: %v", err)
	}
	session.Code = "changed"
	if err := store.ArchiveSession(ctx, session); err != nil {
		t.Fatalf("second archive failed: %v", err)
	}

	archive, err := store.LoadArchive(ctx, "s-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if archive.FinalCode != "print('done')\n" || len(archive.Messages) != 2 {
		t.Fatalf("expected the first archive to be kept, got %#v", archive)
	}
}

func TestListArchivesFiltersByHost(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, now)
	ctx := context.Background()

	for _, session := range []*collab.Session{
		sampleSession("s-1", "host-1", now.Add(-3*time.Hour)),
		sampleSession("s-2", "host-2", now.Add(-3*time.Hour)),
		sampleSession("s-3", "host-1", now.Add(-3*time.Hour)),
	} {
		if err := store.ArchiveSession(ctx, session); err != nil {
			t.Fatalf("archive failed: %v", err)
		}
	}

	archives, err := store.ListArchives(ctx, "host-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(archives) != 2 {
		t.Fatalf("expected two archives, got %d", len(archives))
	}
	for _, archive := range archives {
		if archive.HostID != "host-1" || archive.Messages != nil {
			t.Fatalf("unexpected archive in listing: %#v", archive)
		}
	}
}

func TestArchiveStoreRejectsInvalidInput(t *testing.T) {
	store := newTestStore(t, time.Now())
	ctx := context.Background()

	if err := store.ArchiveSession(ctx, nil); !errors.Is(err, ErrInvalidArchiveRequest) {
		t.Fatalf("expected invalid request for nil session, got %v", err)
	}
	if _, err := store.ListArchives(ctx, " "); !errors.Is(err, ErrInvalidArchiveRequest) {
		t.Fatalf("expected invalid request for blank host, got %v", err)
	}
	if _, err := store.LoadArchive(ctx, "missing"); !errors.Is(err, ErrArchiveNotFound) {
		t.Fatalf("expected archive not found, got %v", err)
	}
}
