package history

import "time"

// SessionArchive stores the final state of a reaped collaboration session.
type SessionArchive struct {
	SessionID        string    `gorm:"column:session_id;primaryKey;size:190;not null"`
	HostID           string    `gorm:"column:host_id;size:190;not null;index:idx_session_archives_host"`
	Language         string    `gorm:"column:language;size:32;not null"`
	FinalCode        string    `gorm:"column:final_code;type:text;not null"`
	ParticipantCount int       `gorm:"column:participant_count;not null;default:0"`
	ParticipantsJSON string    `gorm:"column:participants_json;type:text;not null"`
	MessageCount     int       `gorm:"column:message_count;not null;default:0"`
	CreatedAt        time.Time `gorm:"column:created_at;not null"`
	LastActivity     time.Time `gorm:"column:last_activity;not null"`
	ArchivedAt       time.Time `gorm:"column:archived_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SessionArchive) TableName() string {
	return "session_archives"
}

// ArchivedMessage stores one chat message of an archived session.
type ArchivedMessage struct {
	MessageID       string    `gorm:"column:message_id;primaryKey;size:190;not null"`
	SessionID       string    `gorm:"column:session_id;size:190;not null;index:idx_session_archive_messages_session,priority:1"`
	Sequence        int       `gorm:"column:sequence;not null;index:idx_session_archive_messages_session,priority:2"`
	ParticipantID   string    `gorm:"column:participant_id;size:190;not null"`
	ParticipantName string    `gorm:"column:participant_name;size:320"`
	Content         string    `gorm:"column:content;type:text;not null"`
	SentAt          time.Time `gorm:"column:sent_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ArchivedMessage) TableName() string {
	return "session_archive_messages"
}
