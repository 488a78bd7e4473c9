package costs

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/unillm/storage"
)

// Entry kinds.
const (
	KindChat      = "chat"
	KindEmbedding = "embedding"
)

// Entry is one recorded call.
type Entry struct {
	Provider         string
	Model            string
	Kind             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	CreatedAt        time.Time
}

// Totals aggregates ledger entries.
type Totals struct {
	Requests         int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
}

func (t *Totals) add(e Entry) {
	t.Requests++
	t.PromptTokens += e.PromptTokens
	t.CompletionTokens += e.CompletionTokens
	t.TotalTokens += e.TotalTokens
	t.Cost += e.Cost
}

// Ledger stores recorded entries.
type Ledger interface {
	Append(ctx context.Context, e Entry) error
	// Totals sums entries for provider (all providers when empty) created
	// at or after since.
	Totals(ctx context.Context, provider string, since time.Time) (Totals, error)
	// Entries lists entries for provider (all when empty), oldest first.
	Entries(ctx context.Context, provider string) ([]Entry, error)
	// Purge deletes entries created before cutoff.
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// MemoryLedger keeps entries in process memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []Entry
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) Append(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *MemoryLedger) Totals(_ context.Context, provider string, since time.Time) (Totals, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var t Totals
	for _, e := range l.entries {
		if provider != "" && e.Provider != provider {
			continue
		}
		if e.CreatedAt.Before(since) {
			continue
		}
		t.add(e)
	}
	return t, nil
}

func (l *MemoryLedger) Entries(_ context.Context, provider string) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if provider == "" || e.Provider == provider {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *MemoryLedger) Purge(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0]
	var purged int64
	for _, e := range l.entries {
		if e.CreatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
	return purged, nil
}

// SQLiteLedger stores entries in the cost_ledger table.
type SQLiteLedger struct {
	db *sql.DB
}

var _ Ledger = (*SQLiteLedger)(nil)

// NewSQLiteLedger creates a ledger on a migrated database.
func NewSQLiteLedger(db *sql.DB) *SQLiteLedger {
	return &SQLiteLedger{db: db}
}

func (l *SQLiteLedger) Append(ctx context.Context, e Entry) error {
	queryStr, args, err := storage.StatementBuilder().
		Insert("cost_ledger").
		Columns("provider", "model", "kind", "prompt_tokens", "completion_tokens", "total_tokens", "cost", "created_at").
		Values(e.Provider, e.Model, e.Kind, e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.Cost, e.CreatedAt.UnixMilli()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return storage.RetryBusy(ctx, func() error {
		_, err := l.db.ExecContext(ctx, queryStr, args...)
		return err
	})
}

func (l *SQLiteLedger) Totals(ctx context.Context, provider string, since time.Time) (Totals, error) {
	query := storage.StatementBuilder().
		Select(
			"COUNT(*)",
			"COALESCE(SUM(prompt_tokens), 0)",
			"COALESCE(SUM(completion_tokens), 0)",
			"COALESCE(SUM(total_tokens), 0)",
			"COALESCE(SUM(cost), 0)",
		).
		From("cost_ledger").
		Where(sq.GtOrEq{"created_at": since.UnixMilli()})
	if provider != "" {
		query = query.Where(sq.Eq{"provider": provider})
	}

	queryStr, args, err := query.ToSql()
	if err != nil {
		return Totals{}, fmt.Errorf("build query: %w", err)
	}

	var t Totals
	err = l.db.QueryRowContext(ctx, queryStr, args...).
		Scan(&t.Requests, &t.PromptTokens, &t.CompletionTokens, &t.TotalTokens, &t.Cost)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to sum cost ledger: %w", err)
	}
	return t, nil
}

func (l *SQLiteLedger) Entries(ctx context.Context, provider string) ([]Entry, error) {
	query := storage.StatementBuilder().
		Select("provider", "model", "kind", "prompt_tokens", "completion_tokens", "total_tokens", "cost", "created_at").
		From("cost_ledger").
		OrderBy("created_at ASC", "id ASC")
	if provider != "" {
		query = query.Where(sq.Eq{"provider": provider})
	}

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost ledger: %w", err)
	}
	defer rows.Close() //nolint:errcheck // No remedy for rows close errors

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			createdMs int64
		)
		if err := rows.Scan(&e.Provider, &e.Model, &e.Kind, &e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.Cost, &createdMs); err != nil {
			return nil, fmt.Errorf("failed to scan cost ledger row: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Purge(ctx context.Context, before time.Time) (int64, error) {
	queryStr, args, err := storage.StatementBuilder().
		Delete("cost_ledger").
		Where(sq.Lt{"created_at": before.UnixMilli()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	var purged int64
	err = storage.RetryBusy(ctx, func() error {
		res, err := l.db.ExecContext(ctx, queryStr, args...)
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}
