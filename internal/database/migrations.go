package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillProfileRoles    = "2026-09-01_backfill_profile_roles"
	migrationStripProfileProviderIDs = "2026-09-15_strip_profile_provider_ids"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillProfileRoles, apply: backfillProfileRoles},
		{name: migrationStripProfileProviderIDs, apply: stripProfileProviderIDs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows created before roles were tracked have an empty role.
func backfillProfileRoles(db *gorm.DB) error {
	return db.Model(&users.Profile{}).
		Where("role IS NULL OR role = ''").
		Update("role", users.RoleStudent).Error
}

// Early profiles were keyed by "google:<sub>"; the directory now keys by subject.
func stripProfileProviderIDs(db *gorm.DB) error {
	const prefix = "google:"
	start := len(prefix) + 1
	statement := fmt.Sprintf("UPDATE user_profiles SET provider = 'google', user_id = substr(user_id, %d) WHERE user_id LIKE '%s%%' AND substr(user_id, %d) NOT IN (SELECT user_id FROM user_profiles);", start, prefix, start)
	return db.Exec(statement).Error
}
