package config

import (
	"context"
	"errors"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/kbswarm/agentstate/internal/utils"
)

// NewPostgres opens the networked backend. The caller owns the returned
// handle and passes it to collaborators explicitly; connection acquisition
// is retried with backoff, transactions are not.
func NewPostgres() (*gorm.DB, error) {
	uri := os.Getenv("POSTGRES_URI")
	if uri == "" {
		return nil, errors.New("POSTGRES_URI environment variable is not set")
	}

	var db *gorm.DB
	err := utils.Retry(context.Background(), 5, 500*time.Millisecond, func() error {
		var openErr error
		db, openErr = gorm.Open(postgres.Open(uri), &gorm.Config{})
		return openErr
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// Connection pooling settings
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	return db, nil
}
