package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/unillm/storage"
)

// Store keeps fixed-window counters.
type Store interface {
	// Increment atomically bumps the counter for key and returns the new
	// count and the window's expiry. An absent or expired window restarts
	// at 1 and expires at now+window.
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error)

	// Get returns the live count for key, zero when absent or expired.
	Get(ctx context.Context, key string, now time.Time) (int, time.Time, error)

	// Delete forgets the window for key.
	Delete(ctx context.Context, key string) error

	// Purge removes windows that expired at or before now.
	Purge(ctx context.Context, now time.Time) (int64, error)
}

type memoryWindow struct {
	count     int
	expiresAt time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]memoryWindow
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]memoryWindow)}
}

func (s *MemoryStore) Increment(_ context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = memoryWindow{expiresAt: now.Add(window)}
	}
	w.count++
	s.windows[key] = w
	return w.count, w.expiresAt, nil
}

func (s *MemoryStore) Get(_ context.Context, key string, now time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		return 0, time.Time{}, nil
	}
	return w.count, w.expiresAt, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for key, w := range s.windows {
		if !now.Before(w.expiresAt) {
			delete(s.windows, key)
			purged++
		}
	}
	return purged, nil
}

// SQLiteStore keeps windows in the rate_limit_windows table so that several
// processes sharing a database file share their limits.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a store on a migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Increment runs a single UPSERT ... RETURNING statement.
func (s *SQLiteStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	nowMs := now.UnixMilli()
	query := storage.StatementBuilder().
		Insert("rate_limit_windows").
		Columns("key", "count", "expires_at").
		Values(key, 1, now.Add(window).UnixMilli()).
		Suffix(`ON CONFLICT(key) DO UPDATE SET
			count = CASE WHEN rate_limit_windows.expires_at <= ? THEN 1 ELSE rate_limit_windows.count + 1 END,
			expires_at = CASE WHEN rate_limit_windows.expires_at <= ? THEN excluded.expires_at ELSE rate_limit_windows.expires_at END
			RETURNING count, expires_at`, nowMs, nowMs)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("build query: %w", err)
	}

	var count int
	var expiresMs int64
	err = storage.RetryBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, queryStr, args...).Scan(&count, &expiresMs)
	})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to increment rate window: %w", err)
	}
	return count, time.UnixMilli(expiresMs), nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string, now time.Time) (int, time.Time, error) {
	queryStr, args, err := storage.StatementBuilder().
		Select("count", "expires_at").
		From("rate_limit_windows").
		Where(sq.Eq{"key": key}).
		Where(sq.Gt{"expires_at": now.UnixMilli()}).
		ToSql()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("build query: %w", err)
	}

	var count int
	var expiresMs int64
	err = s.db.QueryRowContext(ctx, queryStr, args...).Scan(&count, &expiresMs)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to read rate window: %w", err)
	}
	return count, time.UnixMilli(expiresMs), nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	queryStr, args, err := storage.StatementBuilder().
		Delete("rate_limit_windows").
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return storage.RetryBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, queryStr, args...)
		return err
	})
}

func (s *SQLiteStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	queryStr, args, err := storage.StatementBuilder().
		Delete("rate_limit_windows").
		Where(sq.LtOrEq{"expires_at": now.UnixMilli()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	var purged int64
	err = storage.RetryBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, queryStr, args...)
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}
