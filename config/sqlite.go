package config

import (
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewSQLite opens the embedded single-file backend, used for local runs and
// tests. An empty path falls back to SQLITE_PATH, then to a default under
// session_data/.
func NewSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		path = os.Getenv("SQLITE_PATH")
	}
	if path == "" {
		path = filepath.Join("session_data", "state_storage.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	// Busy timeout covers the window where another process holds the write
	// lock; within one process the store's own locking serializes writers.
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
