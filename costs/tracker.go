// Package costs prices token usage per provider and model and keeps a
// ledger of recorded calls.
package costs

import (
	"context"
	"math"
	"time"

	"github.com/aschepis/backscratcher/unillm/config"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/metrics"
	"github.com/rs/zerolog"
)

const defaultPriceKey = "default"

// Tracker computes call costs from the configured price table and appends
// them to a ledger. A disabled tracker records nothing.
type Tracker struct {
	cfg    config.CostConfig
	ledger Ledger
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a tracker. A nil ledger keeps entries in memory.
func New(cfg config.CostConfig, ledger Ledger, logger zerolog.Logger) *Tracker {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return &Tracker{
		cfg:    cfg,
		ledger: ledger,
		logger: logger.With().Str("component", "costs").Logger(),
		now:    time.Now,
	}
}

// Enabled reports whether calls are recorded.
func (t *Tracker) Enabled() bool {
	return t.cfg.Enabled
}

// Pricing returns the price for model, falling back to the provider's
// "default" entry and then to zero.
func (t *Tracker) Pricing(provider, model string) config.Price {
	prices := t.cfg.Pricing[provider]
	if p, ok := prices[model]; ok {
		return p
	}
	if p, ok := prices[defaultPriceKey]; ok {
		return p
	}
	return config.Price{}
}

// Calculate prices a chat call: (prompt/1000)*p + (completion/1000)*c,
// rounded to 6 decimals.
func (t *Tracker) Calculate(provider, model string, usage llm.Usage) float64 {
	price := t.Pricing(provider, model)
	promptCost := float64(usage.PromptTokens) / 1000 * price.Prompt
	completionCost := float64(usage.CompletionTokens) / 1000 * price.Completion
	return round6(promptCost + completionCost)
}

// CalculateEmbedding prices an embedding call using the embedding price,
// or the prompt price when none is set.
func (t *Tracker) CalculateEmbedding(provider, model string, tokens int) float64 {
	price := t.Pricing(provider, model)
	rate := price.Embedding
	if rate == 0 {
		rate = price.Prompt
	}
	return round6(float64(tokens) / 1000 * rate)
}

// Record prices and stores a chat call. Failures are logged, never returned.
func (t *Tracker) Record(ctx context.Context, provider string, usage llm.Usage, model string) {
	if !t.cfg.Enabled {
		return
	}
	t.append(ctx, Entry{
		Provider:         provider,
		Model:            model,
		Kind:             KindChat,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		Cost:             t.Calculate(provider, model, usage),
	})
}

// RecordEmbedding prices and stores an embedding call.
func (t *Tracker) RecordEmbedding(ctx context.Context, provider string, usage llm.Usage, model string) {
	if !t.cfg.Enabled {
		return
	}
	t.append(ctx, Entry{
		Provider:     provider,
		Model:        model,
		Kind:         KindEmbedding,
		PromptTokens: usage.PromptTokens,
		TotalTokens:  usage.TotalTokens,
		Cost:         t.CalculateEmbedding(provider, model, usage.TotalTokens),
	})
}

func (t *Tracker) append(ctx context.Context, e Entry) {
	e.CreatedAt = t.now()
	metrics.ObserveUsage(e.Provider, e.Model, e.PromptTokens, e.CompletionTokens, e.Cost)
	if err := t.ledger.Append(ctx, e); err != nil {
		t.logger.Warn().Err(err).Str("provider", e.Provider).Str("model", e.Model).Msg("Failed to record cost")
		return
	}
	t.logger.Debug().
		Str("provider", e.Provider).
		Str("model", e.Model).
		Str("kind", e.Kind).
		Int("totalTokens", e.TotalTokens).
		Float64("cost", e.Cost).
		Msg("Recorded cost")
}

// Totals sums recorded calls for provider (all when empty) since the given time.
func (t *Tracker) Totals(ctx context.Context, provider string, since time.Time) (Totals, error) {
	return t.ledger.Totals(ctx, provider, since)
}

// TotalCost returns the summed cost for provider (all when empty).
func (t *Tracker) TotalCost(ctx context.Context, provider string) (float64, error) {
	totals, err := t.ledger.Totals(ctx, provider, time.Time{})
	if err != nil {
		return 0, err
	}
	return round6(totals.Cost), nil
}

// Usage lists recorded entries for provider (all when empty).
func (t *Tracker) Usage(ctx context.Context, provider string) ([]Entry, error) {
	return t.ledger.Entries(ctx, provider)
}

// PurgeBefore drops ledger entries older than cutoff.
func (t *Tracker) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return t.ledger.Purge(ctx, cutoff)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
