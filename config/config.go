package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

const (
	defaultProvider = "openai"
	defaultTimeout  = 30
	defaultMaxToken = 4096
)

// ErrAPIKeyRequired is returned when a vendor that needs a key has none.
var ErrAPIKeyRequired = errors.New("api key is required")

// Config represents the full unillm configuration.
type Config struct {
	Default     string            `yaml:"default,omitempty"` // Provider used when none is named
	Providers   ProvidersConfig   `yaml:"providers,omitempty"`
	RateLimit   RateLimitConfig   `yaml:"rate_limiting,omitempty"`
	Costs       CostConfig        `yaml:"cost_tracking,omitempty"`
	Prompts     PromptsConfig     `yaml:"prompts,omitempty"`
	Storage     StorageConfig     `yaml:"storage,omitempty"`
	Maintenance MaintenanceConfig `yaml:"maintenance,omitempty"`
}

// ProvidersConfig groups the per-vendor settings.
type ProvidersConfig struct {
	OpenAI OpenAIConfig `yaml:"openai,omitempty"`
	Claude ClaudeConfig `yaml:"claude,omitempty"`
	Gemini GeminiConfig `yaml:"gemini,omitempty"`
	Ollama OllamaConfig `yaml:"ollama,omitempty"`
}

// RateLimitConfig configures the fixed-window limiter.
type RateLimitConfig struct {
	Enabled       bool                   `yaml:"enabled,omitempty"`
	KeyPrefix     string                 `yaml:"cache_prefix,omitempty"`   // Key prefix for stored windows
	DefaultLimit  int                    `yaml:"default_limit,omitempty"`  // Requests per window
	DefaultWindow int                    `yaml:"default_window,omitempty"` // Window length in seconds
	Store         string                 `yaml:"store,omitempty"`          // "memory" or "sqlite"
	Providers     map[string]LimitConfig `yaml:"providers,omitempty"`
}

// LimitConfig overrides the limit for one provider.
type LimitConfig struct {
	Limit  int `yaml:"limit,omitempty"`
	Window int `yaml:"window,omitempty"` // Seconds
}

// LimitFor returns the effective limit and window for a provider.
func (c RateLimitConfig) LimitFor(provider string) (int, time.Duration) {
	limit, window := c.DefaultLimit, c.DefaultWindow
	if p, ok := c.Providers[provider]; ok {
		if p.Limit > 0 {
			limit = p.Limit
		}
		if p.Window > 0 {
			window = p.Window
		}
	}
	return limit, time.Duration(window) * time.Second
}

// CostConfig configures cost tracking. Prices are per 1000 tokens.
type CostConfig struct {
	Enabled bool                        `yaml:"enabled,omitempty"`
	Pricing map[string]map[string]Price `yaml:"pricing,omitempty"` // provider -> model -> price
}

// Price holds per-1000-token prices for one model.
type Price struct {
	Prompt     float64 `yaml:"prompt"`
	Completion float64 `yaml:"completion"`
	Embedding  float64 `yaml:"embedding,omitempty"` // Falls back to Prompt when zero
}

// PromptsConfig configures prompt template discovery.
type PromptsConfig struct {
	Path      string                    `yaml:"path,omitempty"`  // Default template directory
	Paths     map[string]string         `yaml:"paths,omitempty"` // Namespaced directories
	Templates map[string]TemplateConfig `yaml:"templates,omitempty"`
}

// TemplateConfig defines an inline prompt template.
type TemplateConfig struct {
	Template string            `yaml:"template,omitempty"`
	System   string            `yaml:"system,omitempty"`
	Defaults map[string]string `yaml:"defaults,omitempty"`
}

// StorageConfig configures the SQLite database used by the rate limiter
// and the cost ledger.
type StorageConfig struct {
	Path string `yaml:"path,omitempty"` // SQLite file path; empty keeps everything in memory
}

// MaintenanceConfig configures the background janitor.
type MaintenanceConfig struct {
	Schedule            string `yaml:"schedule,omitempty"`              // Cron spec, e.g. "@every 5m"
	LedgerRetentionDays int    `yaml:"ledger_retention_days,omitempty"` // 0 keeps the ledger forever
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Default: defaultProvider,
		Providers: ProvidersConfig{
			OpenAI: OpenAIConfig{
				BaseURL:        "https://api.openai.com/v1",
				Model:          "gpt-4o",
				EmbeddingModel: "text-embedding-3-small",
				Timeout:        defaultTimeout,
				MaxTokens:      defaultMaxToken,
			},
			Claude: ClaudeConfig{
				BaseURL:    "https://api.anthropic.com",
				Model:      "claude-sonnet-4-20250514",
				APIVersion: "2023-06-01",
				Timeout:    defaultTimeout,
				MaxTokens:  defaultMaxToken,
			},
			Gemini: GeminiConfig{
				BaseURL:        "https://generativelanguage.googleapis.com/v1beta",
				Model:          "gemini-1.5-pro",
				EmbeddingModel: "text-embedding-004",
				Timeout:        defaultTimeout,
				MaxTokens:      defaultMaxToken,
			},
			Ollama: OllamaConfig{
				Host:    "http://localhost:11434",
				Model:   "llama3.2:3b",
				Timeout: 60,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:       false,
			KeyPrefix:     "ai_rate_limit",
			DefaultLimit:  60,
			DefaultWindow: 60,
			Store:         "memory",
			Providers:     map[string]LimitConfig{},
		},
		Costs: CostConfig{
			Enabled: false,
			Pricing: DefaultPricing(),
		},
		Prompts: PromptsConfig{
			Paths:     map[string]string{},
			Templates: map[string]TemplateConfig{},
		},
		Maintenance: MaintenanceConfig{
			Schedule:            "@every 5m",
			LedgerRetentionDays: 90,
		},
	}
}

// DefaultPricing returns the built-in price table, per 1000 tokens.
func DefaultPricing() map[string]map[string]Price {
	return map[string]map[string]Price{
		"openai": {
			"gpt-4o":                 {Prompt: 0.0025, Completion: 0.01},
			"gpt-4o-mini":            {Prompt: 0.00015, Completion: 0.0006},
			"gpt-4-turbo":            {Prompt: 0.01, Completion: 0.03},
			"gpt-3.5-turbo":          {Prompt: 0.0005, Completion: 0.0015},
			"text-embedding-3-small": {Prompt: 0.00002},
			"text-embedding-3-large": {Prompt: 0.00013},
			"default":                {Prompt: 0.01, Completion: 0.03},
		},
		"claude": {
			"claude-sonnet-4-20250514":   {Prompt: 0.003, Completion: 0.015},
			"claude-3-5-sonnet-20241022": {Prompt: 0.003, Completion: 0.015},
			"claude-3-opus-20240229":     {Prompt: 0.015, Completion: 0.075},
			"claude-3-haiku-20240307":    {Prompt: 0.00025, Completion: 0.00125},
			"default":                    {Prompt: 0.003, Completion: 0.015},
		},
		"gemini": {
			"gemini-1.5-pro":     {Prompt: 0.00125, Completion: 0.005},
			"gemini-1.5-flash":   {Prompt: 0.000075, Completion: 0.0003},
			"text-embedding-004": {Prompt: 0.000025},
			"default":            {Prompt: 0.00125, Completion: 0.005},
		},
	}
}

// GetConfigPath returns the default config file path.
// Can be overridden via UNILLM_CONFIG_PATH environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv("UNILLM_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.unillm/config.yaml"
	}
	return filepath.Join(homeDir, ".unillm", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Load builds the configuration: defaults, then the YAML file at path (when
// it exists), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	expandedPath := expandPath(path)
	if path != "" {
		if _, err := os.Stat(expandedPath); err == nil {
			configYAML, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
			if err != nil {
				return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
			}
			if err := Merge(&cfg, configYAML); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnv()
	cfg.Storage.Path = expandPath(cfg.Storage.Path)
	cfg.Prompts.Path = expandPath(cfg.Prompts.Path)
	for ns, p := range cfg.Prompts.Paths {
		cfg.Prompts.Paths[ns] = expandPath(p)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Merge parses configYAML and merges it on top of cfg.
func Merge(cfg *Config, configYAML []byte) error {
	var fileConfig Config
	if err := yaml.Unmarshal(configYAML, &fileConfig); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := mergo.Merge(cfg, fileConfig, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

// Save writes the configuration to path as YAML.
func Save(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	// Ensure directory exists
	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the settings that are not tied to a single adapter.
// Vendor settings are validated when the adapter is constructed.
func (c *Config) Validate() error {
	if c.Default == "" {
		return errors.New("default provider must not be empty")
	}
	if c.RateLimit.DefaultLimit < 0 || c.RateLimit.DefaultWindow < 0 {
		return errors.New("rate limit and window must not be negative")
	}
	for name, l := range c.RateLimit.Providers {
		if l.Limit < 0 || l.Window < 0 {
			return fmt.Errorf("rate limit for provider %q must not be negative", name)
		}
	}
	switch c.RateLimit.Store {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("unknown rate limit store %q", c.RateLimit.Store)
	}
	for provider, models := range c.Costs.Pricing {
		for model, p := range models {
			if p.Prompt < 0 || p.Completion < 0 || p.Embedding < 0 {
				return fmt.Errorf("price for %s/%s must not be negative", provider, model)
			}
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AI_PROVIDER"); v != "" {
		c.Default = v
	}
	if v, ok := envBool("AI_RATE_LIMITING_ENABLED"); ok {
		c.RateLimit.Enabled = v
	}
	if v, ok := envBool("AI_COST_TRACKING_ENABLED"); ok {
		c.Costs.Enabled = v
	}
	c.Providers.OpenAI.applyEnv()
	c.Providers.Claude.applyEnv()
	c.Providers.Gemini.applyEnv()
	c.Providers.Ollama.applyEnv()
}

// validateCommon checks the fields every HTTP vendor shares.
func validateCommon(vendor, baseURL string, timeout, maxTokens int) error {
	if baseURL == "" {
		return fmt.Errorf("%s: base url is required", vendor)
	}
	if timeout < 0 {
		return fmt.Errorf("%s: timeout must not be negative", vendor)
	}
	if maxTokens < 0 {
		return fmt.Errorf("%s: max tokens must not be negative", vendor)
	}
	return nil
}

func timeoutDuration(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = defaultTimeout
	}
	return time.Duration(seconds) * time.Second
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
