package costs

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/unillm/config"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/storage"
	"github.com/rs/zerolog"
)

func testPricing() map[string]map[string]config.Price {
	return map[string]map[string]config.Price{
		"openai": {
			"gpt-4o":                 {Prompt: 0.0025, Completion: 0.01},
			"text-embedding-3-small": {Prompt: 0.00002},
			"gpt-odd":                {Prompt: 0.0012345},
			"default":                {Prompt: 0.01, Completion: 0.03},
		},
		"gemini": {
			"text-embedding-004": {Prompt: 0.0001, Embedding: 0.00005},
		},
	}
}

func ledgers(t *testing.T) map[string]Ledger {
	t.Helper()
	db, err := storage.Open("", zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return map[string]Ledger{
		"memory": NewMemoryLedger(),
		"sqlite": NewSQLiteLedger(db),
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCalculate(t *testing.T) {
	tracker := New(config.CostConfig{Enabled: true, Pricing: testPricing()}, nil, zerolog.Nop())

	tests := []struct {
		name     string
		provider string
		model    string
		usage    llm.Usage
		want     float64
	}{
		{"exact model", "openai", "gpt-4o", llm.NewUsage(1000, 500, 0), 0.0075},
		{"default fallback", "openai", "unknown", llm.NewUsage(1000, 1000, 0), 0.04},
		{"unknown provider", "claude", "claude-x", llm.NewUsage(1000, 1000, 0), 0},
		{"rounded to 6 decimals", "openai", "gpt-odd", llm.NewUsage(1, 0, 0), 0.000001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tracker.Calculate(tt.provider, tt.model, tt.usage); !almostEqual(got, tt.want) {
				t.Errorf("Expected cost %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCalculateEmbedding(t *testing.T) {
	tracker := New(config.CostConfig{Enabled: true, Pricing: testPricing()}, nil, zerolog.Nop())

	if got := tracker.CalculateEmbedding("gemini", "text-embedding-004", 2000); !almostEqual(got, 0.0001) {
		t.Errorf("Expected embedding price to be used, got %v", got)
	}
	if got := tracker.CalculateEmbedding("openai", "text-embedding-3-small", 1000); !almostEqual(got, 0.00002) {
		t.Errorf("Expected prompt price fallback, got %v", got)
	}
}

func TestRecordAndTotals(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			tracker := New(config.CostConfig{Enabled: true, Pricing: testPricing()}, ledger, zerolog.Nop())
			start := time.Unix(1_700_000_000, 0)
			tracker.now = func() time.Time { return start }
			ctx := context.Background()

			tracker.Record(ctx, "openai", llm.NewUsage(1000, 500, 0), "gpt-4o")
			tracker.Record(ctx, "openai", llm.NewUsage(1000, 1000, 0), "gpt-x")
			tracker.RecordEmbedding(ctx, "gemini", llm.NewUsage(2000, 0, 0), "text-embedding-004")

			totals, err := tracker.Totals(ctx, "openai", time.Time{})
			if err != nil {
				t.Fatalf("Totals failed: %v", err)
			}
			if totals.Requests != 2 || totals.PromptTokens != 2000 || totals.CompletionTokens != 1500 || totals.TotalTokens != 3500 {
				t.Errorf("Unexpected openai totals: %+v", totals)
			}
			if !almostEqual(totals.Cost, 0.0475) {
				t.Errorf("Expected openai cost 0.0475, got %v", totals.Cost)
			}

			all, err := tracker.TotalCost(ctx, "")
			if err != nil {
				t.Fatalf("TotalCost failed: %v", err)
			}
			if !almostEqual(all, 0.0476) {
				t.Errorf("Expected overall cost 0.0476, got %v", all)
			}

			entries, err := tracker.Usage(ctx, "gemini")
			if err != nil {
				t.Fatalf("Usage failed: %v", err)
			}
			if len(entries) != 1 || entries[0].Kind != KindEmbedding || !entries[0].CreatedAt.Equal(start) {
				t.Errorf("Unexpected gemini entries: %+v", entries)
			}

			later, err := tracker.Totals(ctx, "", start.Add(time.Second))
			if err != nil {
				t.Fatalf("Totals failed: %v", err)
			}
			if later.Requests != 0 {
				t.Errorf("Expected no entries after start, got %+v", later)
			}
		})
	}
}

func TestDisabledTrackerRecordsNothing(t *testing.T) {
	ledger := NewMemoryLedger()
	tracker := New(config.CostConfig{Enabled: false, Pricing: testPricing()}, ledger, zerolog.Nop())

	tracker.Record(context.Background(), "openai", llm.NewUsage(10, 10, 0), "gpt-4o")
	tracker.RecordEmbedding(context.Background(), "openai", llm.NewUsage(10, 0, 0), "text-embedding-3-small")

	if len(ledger.entries) != 0 {
		t.Errorf("Expected no entries, got %d", len(ledger.entries))
	}
}

func TestPurgeBefore(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			tracker := New(config.CostConfig{Enabled: true, Pricing: testPricing()}, ledger, zerolog.Nop())
			base := time.Unix(1_700_000_000, 0)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				at := base.Add(time.Duration(i) * time.Hour)
				tracker.now = func() time.Time { return at }
				tracker.Record(ctx, "openai", llm.NewUsage(100, 100, 0), "gpt-4o")
			}

			purged, err := tracker.PurgeBefore(ctx, base.Add(90*time.Minute))
			if err != nil {
				t.Fatalf("PurgeBefore failed: %v", err)
			}
			if purged != 2 {
				t.Errorf("Expected 2 purged entries, got %d", purged)
			}
			totals, _ := tracker.Totals(ctx, "", time.Time{})
			if totals.Requests != 1 {
				t.Errorf("Expected 1 remaining entry, got %d", totals.Requests)
			}
		})
	}
}
