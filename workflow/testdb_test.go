package workflow

import (
	"testing"

	"github.com/taleforge/stories_backend/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens a private in-memory SQLite database. TranslateError maps
// the driver's uniqueness violations to gorm.ErrDuplicatedKey, the same
// signal the MySQL path produces.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	// A single connection keeps the in-memory database alive and shared.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.Story{},
		&models.MintLedgerEntry{},
		&models.OutboxEvent{},
		&models.MintIntent{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
