// Package manager resolves provider adapters by name and runs every call
// through the rate limiter and the cost recorder.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/aschepis/backscratcher/unillm/config"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/llm/anthropic"
	"github.com/aschepis/backscratcher/unillm/llm/gemini"
	"github.com/aschepis/backscratcher/unillm/llm/openai"
	"github.com/aschepis/backscratcher/unillm/metrics"
	"github.com/aschepis/backscratcher/unillm/prompts"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// ErrProviderNotConfigured is matched by errors.Is for unknown provider names.
var ErrProviderNotConfigured = errors.New("provider is not configured")

// ProviderNotConfiguredError names the provider that could not be resolved.
type ProviderNotConfiguredError struct {
	Name string
}

func (e *ProviderNotConfiguredError) Error() string {
	return fmt.Sprintf("provider %q is not configured", e.Name)
}

// Is reports whether target is ErrProviderNotConfigured.
func (e *ProviderNotConfiguredError) Is(target error) bool {
	return target == ErrProviderNotConfigured
}

// Factory builds an adapter from the full configuration.
type Factory func(cfg *config.Config, httpClient *http.Client, logger zerolog.Logger) (llm.Provider, error)

// RateLimiter gates calls per provider.
type RateLimiter interface {
	Check(ctx context.Context, provider string) error
}

// CostRecorder receives the usage of every successful call.
type CostRecorder interface {
	Record(ctx context.Context, provider string, usage llm.Usage, model string)
}

// EmbeddingCostRecorder is implemented by recorders that price embedding
// calls separately. Recorders without it get embedding usage through Record.
type EmbeddingCostRecorder interface {
	RecordEmbedding(ctx context.Context, provider string, usage llm.Usage, model string)
}

// entry holds one lazily built adapter. The result, including a failure,
// is fixed after the first build.
type entry struct {
	once     sync.Once
	factory  Factory
	provider llm.Provider
	err      error
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg        *config.Config
	httpClient *http.Client
	limiter    RateLimiter
	recorder   CostRecorder
	prompts    *prompts.Manager
	logger     zerolog.Logger

	mu        sync.Mutex
	factories map[string]Factory
	entries   map[string]*entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRateLimiter sets the limiter consulted before every call.
func WithRateLimiter(limiter RateLimiter) Option {
	return func(m *Manager) {
		m.limiter = limiter
	}
}

// WithCostRecorder sets the recorder notified after every successful call.
func WithCostRecorder(recorder CostRecorder) Option {
	return func(m *Manager) {
		m.recorder = recorder
	}
}

// WithFactory registers a custom adapter factory under name.
func WithFactory(name string, factory Factory) Option {
	return func(m *Manager) {
		m.factories[name] = factory
	}
}

// WithPrompts sets the template manager used by the *WithTemplate calls.
func WithPrompts(p *prompts.Manager) Option {
	return func(m *Manager) {
		m.prompts = p
	}
}

// WithHTTPClient shares one http.Client across the built-in adapters.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = client
	}
}

// New creates a manager. A nil cfg uses config.Defaults.
func New(cfg *config.Config, opts ...Option) *Manager {
	if cfg == nil {
		defaults := config.Defaults()
		cfg = &defaults
	}
	m := &Manager{
		cfg:       cfg,
		logger:    zerolog.Nop(),
		factories: make(map[string]Factory),
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "manager").Logger()
	if m.prompts == nil {
		m.prompts = prompts.NewManager(cfg.Prompts, m.logger)
	}
	return m
}

// Default returns the configured default provider name.
func (m *Manager) Default() string {
	return m.cfg.Default
}

// Prompts returns the template manager.
func (m *Manager) Prompts() *prompts.Manager {
	return m.prompts
}

// Extend registers factory under name, replacing any cached adapter.
func (m *Manager) Extend(name string, factory Factory) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[name] = factory
	delete(m.entries, name)
	return m
}

// Providers returns the names of the built-in and registered providers.
func (m *Manager) Providers() []string {
	m.mu.Lock()
	names := lo.Keys(m.factories)
	m.mu.Unlock()
	names = lo.Uniq(append(names, llm.BuiltinProviders()...))
	slices.Sort(names)
	return names
}

// Provider returns the adapter for name, building it on first use. An
// empty name selects the default provider.
func (m *Manager) Provider(name string) (llm.Provider, error) {
	if name == "" {
		name = m.cfg.Default
	}

	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		factory, found := m.factories[name]
		if !found {
			factory, found = m.builtin(name)
		}
		if !found {
			m.mu.Unlock()
			return nil, &ProviderNotConfiguredError{Name: name}
		}
		e = &entry{factory: factory}
		m.entries[name] = e
	}
	m.mu.Unlock()

	e.once.Do(func() {
		m.logger.Debug().Str("provider", name).Msg("Building provider")
		e.provider, e.err = e.factory(m.cfg, m.httpClient, m.logger)
		if e.err != nil {
			m.logger.Error().Err(e.err).Str("provider", name).Msg("Failed to build provider")
			e.err = fmt.Errorf("failed to create provider %q: %w", name, e.err)
		}
	})
	return e.provider, e.err
}

func (m *Manager) builtin(name string) (Factory, bool) {
	switch name {
	case llm.ProviderOpenAI:
		return func(cfg *config.Config, hc *http.Client, logger zerolog.Logger) (llm.Provider, error) {
			return openai.NewClient(cfg.Providers.OpenAI, hc, logger)
		}, true
	case llm.ProviderClaude:
		return func(cfg *config.Config, hc *http.Client, logger zerolog.Logger) (llm.Provider, error) {
			return anthropic.NewClient(cfg.Providers.Claude, hc, logger)
		}, true
	case llm.ProviderGemini:
		return func(cfg *config.Config, hc *http.Client, logger zerolog.Logger) (llm.Provider, error) {
			return gemini.NewClient(cfg.Providers.Gemini, hc, logger)
		}, true
	default:
		return nil, false
	}
}

// prepare resolves the adapter and consults the limiter.
func (m *Manager) prepare(ctx context.Context, name string) (llm.Provider, string, error) {
	if name == "" {
		name = m.cfg.Default
	}
	p, err := m.Provider(name)
	if err != nil {
		return nil, name, err
	}
	if m.limiter != nil {
		if err := m.limiter.Check(ctx, name); err != nil {
			return nil, name, err
		}
	}
	return p, name, nil
}

func (m *Manager) record(ctx context.Context, provider string, usage llm.Usage, model string) {
	if m.recorder != nil {
		m.recorder.Record(ctx, provider, usage, model)
	}
}

// Chat sends a conversation to the named provider.
func (m *Manager) Chat(ctx context.Context, provider string, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	start := time.Now()
	p, name, err := m.prepare(ctx, provider)
	if err != nil {
		metrics.ObserveCall(name, "chat", err, time.Since(start))
		return nil, err
	}

	resp, err := p.Chat(ctx, messages, opts)
	metrics.ObserveCall(name, "chat", err, time.Since(start))
	if err != nil {
		return nil, err
	}
	m.record(ctx, name, resp.Usage, lo.CoalesceOrEmpty(resp.Model, opts.Model))
	return resp, nil
}

// Complete sends a single prompt to the named provider.
func (m *Manager) Complete(ctx context.Context, provider, prompt string, opts llm.Options) (*llm.Response, error) {
	start := time.Now()
	p, name, err := m.prepare(ctx, provider)
	if err != nil {
		metrics.ObserveCall(name, "complete", err, time.Since(start))
		return nil, err
	}

	resp, err := p.Complete(ctx, prompt, opts)
	metrics.ObserveCall(name, "complete", err, time.Since(start))
	if err != nil {
		return nil, err
	}
	m.record(ctx, name, resp.Usage, lo.CoalesceOrEmpty(resp.Model, opts.Model))
	return resp, nil
}

// ChatStream opens a stream against the named provider. Usage is recorded
// once the stream is drained with Next, closed or collected.
func (m *Manager) ChatStream(ctx context.Context, provider string, messages []llm.Message, opts llm.Options) (llm.Stream, error) {
	start := time.Now()
	p, name, err := m.prepare(ctx, provider)
	if err != nil {
		metrics.ObserveCall(name, "stream", err, time.Since(start))
		return nil, err
	}

	stream, err := p.ChatStream(ctx, messages, opts)
	metrics.ObserveCall(name, "stream", err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return &recordingStream{
		Stream: stream,
		record: func(resp *llm.Response) {
			m.record(ctx, name, resp.Usage, lo.CoalesceOrEmpty(resp.Model, opts.Model))
		},
	}, nil
}

// Embed returns embeddings from the named provider.
func (m *Manager) Embed(ctx context.Context, provider string, input []string, opts llm.EmbedOptions) (*llm.EmbeddingResponse, error) {
	start := time.Now()
	p, name, err := m.prepare(ctx, provider)
	if err != nil {
		metrics.ObserveCall(name, "embed", err, time.Since(start))
		return nil, err
	}

	resp, err := p.Embed(ctx, input, opts)
	metrics.ObserveCall(name, "embed", err, time.Since(start))
	if err != nil {
		return nil, err
	}

	model := lo.CoalesceOrEmpty(resp.Model, opts.Model)
	if r, ok := m.recorder.(EmbeddingCostRecorder); ok {
		r.RecordEmbedding(ctx, name, resp.Usage, model)
	} else {
		m.record(ctx, name, resp.Usage, model)
	}
	return resp, nil
}

// ChatWithTemplate renders a named template into messages and sends them.
func (m *Manager) ChatWithTemplate(ctx context.Context, provider, template string, vars map[string]any, opts llm.Options) (*llm.Response, error) {
	messages, err := m.prompts.ToMessages(template, vars)
	if err != nil {
		return nil, err
	}
	return m.Chat(ctx, provider, messages, opts)
}

// CompleteWithTemplate renders a named template and completes it. The
// template's system part fills opts.System when that is unset.
func (m *Manager) CompleteWithTemplate(ctx context.Context, provider, template string, vars map[string]any, opts llm.Options) (*llm.Response, error) {
	t, err := m.prompts.Get(template)
	if err != nil {
		return nil, err
	}
	prompt, err := t.Render(vars)
	if err != nil {
		return nil, err
	}
	if system, ok := t.RenderSystem(vars); ok && opts.System == "" {
		opts.System = system
	}
	return m.Complete(ctx, provider, prompt, opts)
}

// ListModels queries the provider's live model list when it has one and
// falls back to its static catalog.
func (m *Manager) ListModels(ctx context.Context, provider string) ([]string, error) {
	p, err := m.Provider(provider)
	if err != nil {
		return nil, err
	}
	if lister, ok := p.(llm.ModelLister); ok {
		return lister.ListModels(ctx)
	}
	return p.Models(), nil
}

// recordingStream records usage once, when the stream is exhausted, closed
// or collected, whichever comes first.
type recordingStream struct {
	llm.Stream
	once   sync.Once
	resp   *llm.Response
	err    error
	record func(*llm.Response)
}

func (s *recordingStream) Next() bool {
	if s.Stream.Next() {
		return true
	}
	s.finish()
	return false
}

func (s *recordingStream) Close() error {
	err := s.Stream.Close()
	s.finish()
	return err
}

func (s *recordingStream) Collect() (*llm.Response, error) {
	s.finish()
	return s.resp, s.err
}

func (s *recordingStream) finish() {
	s.once.Do(func() {
		s.resp, s.err = s.Stream.Collect()
		if s.err == nil && s.resp != nil {
			s.record(s.resp)
		}
	})
}
