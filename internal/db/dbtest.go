package db

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"realtime-chat/internal/config"
)

// OpenTest returns a migrated sqlite database living in t.TempDir.
func OpenTest(t testing.TB) *sqlx.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "chat.db")
	database, err := Connect(config.DB{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}
