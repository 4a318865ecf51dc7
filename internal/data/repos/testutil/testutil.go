// Package testutil provides the shared fixtures for repo and service tests:
// an in-memory sqlite handle with the full schema and a quiet test logger.
package testutil

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/downdeck-backend/internal/data/db"
	"github.com/yungbote/downdeck-backend/internal/platform/logger"
)

// DB opens a fresh in-memory sqlite database with the schema migrated.
// Each call returns an isolated database, so tests never share state.
func DB(t *testing.T) *gorm.DB {
	t.Helper()
	handle, err := gorm.Open(sqlite.Open("file::memory:?cache=private"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrateAll(handle); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return handle
}

// Logger returns a development-mode logger for test output.
func Logger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}
