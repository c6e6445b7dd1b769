package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/codecollab/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsProfiles(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&users.Profile{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := users.Profile{UserID: "google:abc", Email: "a@example.edu", Role: users.RoleStudent}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert legacy profile: %v", err)
	}
	if err := database.Exec("UPDATE user_profiles SET role = '' WHERE user_id = ?", legacy.UserID).Error; err != nil {
		testContext.Fatalf("failed to blank legacy role: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored users.Profile
	if err := database.Where("user_id = ?", "abc").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload profile: %v", err)
	}
	if stored.Role != users.RoleStudent {
		testContext.Fatalf("expected role to be backfilled, got %q", stored.Role)
	}
	if stored.Provider != "google" {
		testContext.Fatalf("expected provider to be recorded, got %q", stored.Provider)
	}

	for _, name := range []string{migrationBackfillProfileRoles, migrationStripProfileProviderIDs} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s to be created: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set")
		}
	}

	// a second run is a no-op.
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "app.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	for _, table := range []string{"user_profiles", "session_archives", "session_archive_messages", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
