// Package storage opens the SQLite database shared by the rate limiter and
// the cost ledger.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/unillm/migrations"
	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	memoryDSN = ":memory:"

	busyMaxRetries     = 5
	busyInitialBackoff = 10 * time.Millisecond
	busyMaxBackoff     = 250 * time.Millisecond
)

// Open opens (creating if needed) the database at path and applies
// migrations. An empty path opens a private in-memory database.
func Open(path string, logger zerolog.Logger) (*sql.DB, error) {
	dsn := path
	if dsn == "" {
		dsn = memoryDSN
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dsn == memoryDSN {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := migrations.RunMigrations(db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// StatementBuilder returns a Squirrel StatementBuilder configured for SQLite.
// SQLite uses '?' as placeholders, which is Squirrel's default.
func StatementBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder
}

// IsBusy reports whether err is a transient SQLite lock error.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// RetryBusy runs op, retrying with exponential backoff while the database
// reports SQLITE_BUSY or SQLITE_LOCKED. Other errors are returned at once.
func RetryBusy(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = busyInitialBackoff
	eb.MaxInterval = busyMaxBackoff
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, busyMaxRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !IsBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
