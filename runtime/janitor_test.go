package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/unillm/config"
	"github.com/aschepis/backscratcher/unillm/costs"
	"github.com/aschepis/backscratcher/unillm/ratelimit"
	"github.com/rs/zerolog"
)

func TestParseSchedule(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		spec    string
		want    time.Time
		wantErr bool
	}{
		{spec: "@every 5m", want: base.Add(5 * time.Minute)},
		{spec: "*/15 * * * *", want: base.Add(15 * time.Minute)},
		{spec: "30 * * * * *", want: base.Add(30 * time.Second)},
		{spec: "2h", want: base.Add(2 * time.Hour)},
		{spec: "100ms", wantErr: true},
		{spec: "", wantErr: true},
		{spec: "not a schedule", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			sched, err := ParseSchedule(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.spec)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule failed: %v", err)
			}
			if got := sched.Next(base); !got.Equal(tt.want) {
				t.Errorf("Expected next %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNewJanitorRejectsBadConfig(t *testing.T) {
	if _, err := NewJanitor(config.MaintenanceConfig{Schedule: "bogus"}, nil, nil, zerolog.Nop()); err == nil {
		t.Error("Expected error for invalid schedule")
	}
	if _, err := NewJanitor(config.MaintenanceConfig{Schedule: "@every 1m", LedgerRetentionDays: -1}, nil, nil, zerolog.Nop()); err == nil {
		t.Error("Expected error for negative retention")
	}
}

func TestRunOncePurgesWindowsAndLedger(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ctx := context.Background()

	store := ratelimit.NewMemoryStore()
	limiter := ratelimit.New(config.RateLimitConfig{Enabled: true, DefaultLimit: 5, DefaultWindow: 60}, store, zerolog.Nop())
	if err := limiter.Check(ctx, "openai"); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	ledger := costs.NewMemoryLedger()
	old := now.Add(-40 * 24 * time.Hour)
	_ = ledger.Append(ctx, costs.Entry{Provider: "openai", Model: "gpt-4o", Kind: costs.KindChat, CreatedAt: old})
	_ = ledger.Append(ctx, costs.Entry{Provider: "openai", Model: "gpt-4o", Kind: costs.KindChat, CreatedAt: now})
	tracker := costs.New(config.CostConfig{Enabled: true}, ledger, zerolog.Nop())

	j, err := NewJanitor(config.MaintenanceConfig{Schedule: "@every 1m", LedgerRetentionDays: 30}, limiter, tracker, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewJanitor failed: %v", err)
	}
	j.now = func() time.Time { return now }
	j.RunOnce(ctx)

	entries, _ := ledger.Entries(ctx, "")
	if len(entries) != 1 || !entries[0].CreatedAt.Equal(now) {
		t.Errorf("Expected only the recent entry to remain, got %+v", entries)
	}

	// The window opened just now is still live.
	if remaining, _ := limiter.Remaining(ctx, "openai"); remaining != 4 {
		t.Errorf("Expected live window to survive purge, got remaining %d", remaining)
	}
}

func TestRunOnceKeepsLedgerWithoutRetention(t *testing.T) {
	ctx := context.Background()
	ledger := costs.NewMemoryLedger()
	_ = ledger.Append(ctx, costs.Entry{Provider: "openai", CreatedAt: time.Unix(0, 0)})
	tracker := costs.New(config.CostConfig{Enabled: true}, ledger, zerolog.Nop())

	j, err := NewJanitor(config.MaintenanceConfig{Schedule: "@every 1m"}, nil, tracker, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewJanitor failed: %v", err)
	}
	j.RunOnce(ctx)

	if entries, _ := ledger.Entries(ctx, ""); len(entries) != 1 {
		t.Errorf("Expected ledger to be kept, got %d entries", len(entries))
	}
}

type countingPurger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *countingPurger) PurgeExpired(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return 1, p.err
}

func (p *countingPurger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fixedDelay time.Duration

func (d fixedDelay) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

func TestStartRunsOnScheduleUntilCancelled(t *testing.T) {
	purger := &countingPurger{err: errors.New("boom")}
	j, err := NewJanitor(config.MaintenanceConfig{Schedule: "@every 1m"}, purger, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewJanitor failed: %v", err)
	}
	j.schedule = fixedDelay(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for purger.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected janitor to stop after cancel")
	}
	if purger.count() < 3 {
		t.Errorf("Expected at least 3 passes, got %d", purger.count())
	}
}
