package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opArchiveSession          = "history.archive_session"
	opListArchives            = "history.list_archives"
	opLoadArchive             = "history.load_archive"
	fieldSessionID            = "session_id"
	fieldHostID               = "host_id"
	querySessionID            = fieldSessionID + " = ?"
	queryHostID               = fieldHostID + " = ?"
	orderArchivedAtDesc       = "archived_at DESC, session_id ASC"
	orderSequenceAsc          = "sequence ASC"
	reasonMissingSession      = "missing_session"
	reasonEncodeParticipants  = "encode_participants_failed"
	reasonArchiveInsertFailed = "archive_insert_failed"
	reasonMessageInsertFailed = "message_insert_failed"
	reasonQueryFailed         = "query_failed"
	reasonDecodeParticipants  = "decode_participants_failed"
	reasonInvalidIdentifier   = "invalid_identifier"
)

var (
	// ErrArchiveNotFound indicates no archive exists for the session id.
	ErrArchiveNotFound = errors.New("history: archive not found")
	// ErrInvalidArchiveRequest indicates a missing session or identifier.
	ErrInvalidArchiveRequest = errors.New("history: invalid request")
)

// StoreConfig describes the dependencies of the archive store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists reaped sessions and their chat logs.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// Archive is the read model returned to hosts.
type Archive struct {
	SessionID    string               `json:"sessionId"`
	HostID       string               `json:"hostId"`
	Language     string               `json:"language"`
	FinalCode    string               `json:"finalCode"`
	Participants []collab.Participant `json:"participants"`
	MessageCount int                  `json:"messageCount"`
	Messages     []collab.ChatMessage `json:"messages,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
	LastActivity time.Time            `json:"lastActivity"`
	ArchivedAt   time.Time            `json:"archivedAt"`
}

// NewStore constructs the archive store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("history: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// ArchiveSession records the session and its messages. Archiving the same
// session twice keeps the first record.
func (s *Store) ArchiveSession(ctx context.Context, session *collab.Session) error {
	if session == nil || strings.TrimSpace(session.ID) == "" {
		s.logError(opArchiveSession, reasonMissingSession, ErrInvalidArchiveRequest)
		return fmt.Errorf("%s.%s: %w", opArchiveSession, reasonMissingSession, ErrInvalidArchiveRequest)
	}

	participants, err := json.Marshal(session.Participants)
	if err != nil {
		s.logError(opArchiveSession, reasonEncodeParticipants, err, zap.String(fieldSessionID, session.ID))
		return fmt.Errorf("%s.%s: %w", opArchiveSession, reasonEncodeParticipants, err)
	}

	record := SessionArchive{
		SessionID:        session.ID,
		HostID:           session.HostID,
		Language:         string(session.Language),
		FinalCode:        session.Code,
		ParticipantCount: len(session.Participants),
		ParticipantsJSON: string(participants),
		MessageCount:     len(session.Messages),
		CreatedAt:        session.CreatedAt.UTC(),
		LastActivity:     session.LastActivity.UTC(),
		ArchivedAt:       s.clock().UTC(),
	}

	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
			s.logError(opArchiveSession, reasonArchiveInsertFailed, err, zap.String(fieldSessionID, session.ID))
			return fmt.Errorf("%s.%s: %w", opArchiveSession, reasonArchiveInsertFailed, err)
		}
		if len(session.Messages) == 0 {
			return nil
		}
		messages := make([]ArchivedMessage, 0, len(session.Messages))
		for index, message := range session.Messages {
			messages = append(messages, ArchivedMessage{
				MessageID:       message.ID,
				SessionID:       session.ID,
				Sequence:        index,
				ParticipantID:   message.ParticipantID,
				ParticipantName: message.ParticipantName,
				Content:         message.Content,
				SentAt:          message.Timestamp.UTC(),
			})
		}
		if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&messages).Error; err != nil {
			s.logError(opArchiveSession, reasonMessageInsertFailed, err, zap.String(fieldSessionID, session.ID))
			return fmt.Errorf("%s.%s: %w", opArchiveSession, reasonMessageInsertFailed, err)
		}
		return nil
	})
}

// ListArchives returns the archives of sessions hosted by hostID, newest first.
// Messages are not loaded.
func (s *Store) ListArchives(ctx context.Context, hostID string) ([]Archive, error) {
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		return nil, fmt.Errorf("%s.%s: %w", opListArchives, reasonInvalidIdentifier, ErrInvalidArchiveRequest)
	}
	var records []SessionArchive
	if err := s.db.WithContext(ctx).Where(queryHostID, hostID).Order(orderArchivedAtDesc).Find(&records).Error; err != nil {
		s.logError(opListArchives, reasonQueryFailed, err, zap.String(fieldHostID, hostID))
		return nil, fmt.Errorf("%s.%s: %w", opListArchives, reasonQueryFailed, err)
	}
	archives := make([]Archive, 0, len(records))
	for _, record := range records {
		archive, err := toArchive(record)
		if err != nil {
			s.logError(opListArchives, reasonDecodeParticipants, err, zap.String(fieldSessionID, record.SessionID))
			return nil, fmt.Errorf("%s.%s: %w", opListArchives, reasonDecodeParticipants, err)
		}
		archives = append(archives, archive)
	}
	return archives, nil
}

// LoadArchive returns one archive with its chat log in original order.
func (s *Store) LoadArchive(ctx context.Context, sessionID string) (Archive, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Archive{}, fmt.Errorf("%s.%s: %w", opLoadArchive, reasonInvalidIdentifier, ErrInvalidArchiveRequest)
	}
	var record SessionArchive
	err := s.db.WithContext(ctx).Where(querySessionID, sessionID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Archive{}, ErrArchiveNotFound
	}
	if err != nil {
		s.logError(opLoadArchive, reasonQueryFailed, err, zap.String(fieldSessionID, sessionID))
		return Archive{}, fmt.Errorf("%s.%s: %w", opLoadArchive, reasonQueryFailed, err)
	}
	archive, err := toArchive(record)
	if err != nil {
		return Archive{}, fmt.Errorf("%s.%s: %w", opLoadArchive, reasonDecodeParticipants, err)
	}

	var messages []ArchivedMessage
	if err := s.db.WithContext(ctx).Where(querySessionID, sessionID).Order(orderSequenceAsc).Find(&messages).Error; err != nil {
		s.logError(opLoadArchive, reasonQueryFailed, err, zap.String(fieldSessionID, sessionID))
		return Archive{}, fmt.Errorf("%s.%s: %w", opLoadArchive, reasonQueryFailed, err)
	}
	archive.Messages = make([]collab.ChatMessage, 0, len(messages))
	for _, message := range messages {
		archive.Messages = append(archive.Messages, collab.ChatMessage{
			ID:              message.MessageID,
			SessionID:       message.SessionID,
			ParticipantID:   message.ParticipantID,
			ParticipantName: message.ParticipantName,
			Content:         message.Content,
			Timestamp:       message.SentAt,
		})
	}
	return archive, nil
}

func toArchive(record SessionArchive) (Archive, error) {
	var participants []collab.Participant
	if err := json.Unmarshal([]byte(record.ParticipantsJSON), &participants); err != nil {
		return Archive{}, err
	}
	return Archive{
		SessionID:    record.SessionID,
		HostID:       record.HostID,
		Language:     record.Language,
		FinalCode:    record.FinalCode,
		Participants: participants,
		MessageCount: record.MessageCount,
		CreatedAt:    record.CreatedAt,
		LastActivity: record.LastActivity,
		ArchivedAt:   record.ArchivedAt,
	}, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("history store error", allFields...)
}
