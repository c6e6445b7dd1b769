package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrProfileNotFound indicates no profile exists for the user id.
	ErrProfileNotFound = errors.New("users: profile not found")
)

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service upserts user profiles from session claims.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ResolveProfile returns the profile for the claims, creating it on first
// sight and refreshing changed attributes afterwards.
func (s *Service) ResolveProfile(ctx context.Context, claims auth.SessionClaims) (Profile, error) {
	provider, userID := deriveProviderSubject(claims)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}

	incoming := Profile{
		UserID:      userID,
		Provider:    provider,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		Role:        roleFromClaims(claims.UserRoles),
		ProfessorID: normalize(claims.ProfessorID),
	}

	if cached, ok := s.cache.Load(userID); ok {
		if profile, ok := cached.(Profile); ok && sameAttributes(profile, incoming) {
			return profile, nil
		}
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		profile = incoming
		profile.LastSeenAt = s.now().UTC()
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&profile).Error; err != nil {
			return Profile{}, err
		}
	case err != nil:
		return Profile{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if incoming.Email != "" && incoming.Email != profile.Email {
			updates["user_email"] = incoming.Email
			profile.Email = incoming.Email
		}
		if incoming.DisplayName != "" && incoming.DisplayName != profile.DisplayName {
			updates["user_display_name"] = incoming.DisplayName
			profile.DisplayName = incoming.DisplayName
		}
		if incoming.Role != profile.Role {
			updates["role"] = incoming.Role
			profile.Role = incoming.Role
		}
		if incoming.ProfessorID != "" && incoming.ProfessorID != profile.ProfessorID {
			updates["professor_id"] = incoming.ProfessorID
			profile.ProfessorID = incoming.ProfessorID
		}
		if err := s.db.WithContext(ctx).Model(&Profile{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return Profile{}, err
		}
	}

	s.cache.Store(userID, profile)
	return profile, nil
}

// GetProfile loads a stored profile.
func (s *Service) GetProfile(ctx context.Context, userID string) (Profile, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// ListStudents returns the students assigned to a professor ordered by name.
func (s *Service) ListStudents(ctx context.Context, professorID string) ([]Profile, error) {
	professorID = normalize(professorID)
	if professorID == "" {
		return nil, ErrInvalidIdentity
	}
	var students []Profile
	err := s.db.WithContext(ctx).
		Where("professor_id = ? AND role = ?", professorID, RoleStudent).
		Order("user_display_name ASC, user_id ASC").
		Find(&students).Error
	if err != nil {
		return nil, err
	}
	return students, nil
}

func sameAttributes(stored, incoming Profile) bool {
	if incoming.Email != "" && incoming.Email != stored.Email {
		return false
	}
	if incoming.DisplayName != "" && incoming.DisplayName != stored.DisplayName {
		return false
	}
	if incoming.ProfessorID != "" && incoming.ProfessorID != stored.ProfessorID {
		return false
	}
	return incoming.Role == stored.Role
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
