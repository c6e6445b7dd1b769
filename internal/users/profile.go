package users

import (
	"strings"
	"time"
)

// Role distinguishes students from the professors who supervise them.
type Role string

const (
	RoleStudent   Role = "student"
	RoleProfessor Role = "professor"
)

// Profile is the directory record behind a participant's display name.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Provider    string    `gorm:"column:provider;size:32;not null;default:'default'"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	Role        Role      `gorm:"column:role;size:32;not null;default:'student'"`
	ProfessorID string    `gorm:"column:professor_id;size:190;index"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// ParticipantName is the label shown in session rosters and chat.
func (p Profile) ParticipantName() string {
	if name := normalize(p.DisplayName); name != "" {
		return name
	}
	if email := normalize(p.Email); email != "" {
		if at := strings.Index(email, "@"); at > 0 {
			return email[:at]
		}
		return email
	}
	return p.UserID
}

func roleFromClaims(roles []string) Role {
	for _, role := range roles {
		if Role(strings.ToLower(normalize(role))) == RoleProfessor {
			return RoleProfessor
		}
	}
	return RoleStudent
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
