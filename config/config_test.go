package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AI_PROVIDER", "AI_RATE_LIMITING_ENABLED", "AI_COST_TRACKING_ENABLED",
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL", "OPENAI_ORG_ID", "OPENAI_TIMEOUT", "OPENAI_MAX_TOKENS", "OPENAI_EMBEDDING_MODEL",
		"ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL", "ANTHROPIC_MODEL", "ANTHROPIC_API_VERSION", "ANTHROPIC_TIMEOUT", "ANTHROPIC_MAX_TOKENS",
		"GEMINI_API_KEY", "GEMINI_BASE_URL", "GEMINI_MODEL", "GEMINI_EMBEDDING_MODEL", "GEMINI_TIMEOUT", "GEMINI_MAX_TOKENS",
		"OLLAMA_HOST", "OLLAMA_MODEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Default != "openai" {
		t.Errorf("Expected default provider openai, got %q", cfg.Default)
	}
	if cfg.Providers.Claude.APIVersion != "2023-06-01" {
		t.Errorf("Expected default api version, got %q", cfg.Providers.Claude.APIVersion)
	}
	if cfg.RateLimit.DefaultLimit != 60 || cfg.RateLimit.DefaultWindow != 60 {
		t.Errorf("Unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.RateLimit.KeyPrefix != "ai_rate_limit" {
		t.Errorf("Expected key prefix ai_rate_limit, got %q", cfg.RateLimit.KeyPrefix)
	}
	if p := cfg.Costs.Pricing["openai"]["gpt-4o"]; p.Prompt != 0.0025 || p.Completion != 0.01 {
		t.Errorf("Unexpected default gpt-4o price: %+v", p)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
default: claude
providers:
  claude:
    api_key: file-key
    model: claude-3-haiku-20240307
rate_limiting:
  enabled: true
  providers:
    claude:
      limit: 5
cost_tracking:
  pricing:
    claude:
      custom-model:
        prompt: 1
        completion: 2
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Default != "claude" {
		t.Errorf("Expected default claude, got %q", cfg.Default)
	}
	if cfg.Providers.Claude.APIKey != "file-key" {
		t.Errorf("Expected file api key, got %q", cfg.Providers.Claude.APIKey)
	}
	if cfg.Providers.Claude.Model != "claude-3-haiku-20240307" {
		t.Errorf("Expected file model, got %q", cfg.Providers.Claude.Model)
	}
	if cfg.Providers.Claude.BaseURL != "https://api.anthropic.com" {
		t.Errorf("Expected default base url to survive merge, got %q", cfg.Providers.Claude.BaseURL)
	}
	if !cfg.RateLimit.Enabled {
		t.Error("Expected rate limiting to be enabled")
	}
	limit, window := cfg.RateLimit.LimitFor("claude")
	if limit != 5 || window != time.Minute {
		t.Errorf("Expected 5 per minute for claude, got %d per %v", limit, window)
	}
	limit, _ = cfg.RateLimit.LimitFor("openai")
	if limit != 60 {
		t.Errorf("Expected default limit for openai, got %d", limit)
	}
	if p := cfg.Costs.Pricing["claude"]["custom-model"]; p.Prompt != 1 || p.Completion != 2 {
		t.Errorf("Expected custom price, got %+v", p)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AI_PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "env-key")
	t.Setenv("OPENAI_MODEL", "gpt-4o-mini")
	t.Setenv("OPENAI_TIMEOUT", "5")
	t.Setenv("AI_COST_TRACKING_ENABLED", "true")
	t.Setenv("OLLAMA_HOST", "http://ollama:11434")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Default != "gemini" {
		t.Errorf("Expected default gemini, got %q", cfg.Default)
	}
	if cfg.Providers.Gemini.APIKey != "env-key" {
		t.Errorf("Expected env api key, got %q", cfg.Providers.Gemini.APIKey)
	}
	if cfg.Providers.OpenAI.Model != "gpt-4o-mini" {
		t.Errorf("Expected env model, got %q", cfg.Providers.OpenAI.Model)
	}
	if cfg.Providers.OpenAI.TimeoutDuration() != 5*time.Second {
		t.Errorf("Expected 5s timeout, got %v", cfg.Providers.OpenAI.TimeoutDuration())
	}
	if !cfg.Costs.Enabled {
		t.Error("Expected cost tracking to be enabled")
	}
	if cfg.Providers.Ollama.Host != "http://ollama:11434" {
		t.Errorf("Expected env ollama host, got %q", cfg.Providers.Ollama.Host)
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("default: [unterminated"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}

	bad := Defaults()
	bad.RateLimit.Store = "redis"
	if err := bad.Validate(); err == nil {
		t.Error("Expected unknown store to fail validation")
	}

	bad = Defaults()
	bad.Costs.Pricing["openai"]["broken"] = Price{Prompt: -1}
	if err := bad.Validate(); err == nil {
		t.Error("Expected negative price to fail validation")
	}
}

func TestVendorValidate(t *testing.T) {
	defaults := Defaults()

	if err := defaults.Providers.OpenAI.Validate(); !errors.Is(err, ErrAPIKeyRequired) {
		t.Errorf("Expected ErrAPIKeyRequired for openai, got %v", err)
	}
	if err := defaults.Providers.Claude.Validate(); !errors.Is(err, ErrAPIKeyRequired) {
		t.Errorf("Expected ErrAPIKeyRequired for claude, got %v", err)
	}
	if err := defaults.Providers.Gemini.Validate(); !errors.Is(err, ErrAPIKeyRequired) {
		t.Errorf("Expected ErrAPIKeyRequired for gemini, got %v", err)
	}
	if err := defaults.Providers.Ollama.Validate(); err != nil {
		t.Errorf("Expected ollama defaults to validate without key, got %v", err)
	}

	openai := defaults.Providers.OpenAI
	openai.APIKey = "k"
	openai.Timeout = -1
	if err := openai.Validate(); err == nil {
		t.Error("Expected negative timeout to fail validation")
	}

	claude := defaults.Providers.Claude
	claude.APIKey = "k"
	claude.APIVersion = ""
	if err := claude.Validate(); err == nil {
		t.Error("Expected missing api version to fail validation")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Defaults()
	cfg.Default = "claude"
	cfg.Providers.Claude.APIKey = "saved"
	if err := Save(&cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Default != "claude" || loaded.Providers.Claude.APIKey != "saved" {
		t.Errorf("Unexpected loaded config: default=%q key=%q", loaded.Default, loaded.Providers.Claude.APIKey)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/x/y.db"); got != filepath.Join(home, "x", "y.db") {
		t.Errorf("Unexpected expansion %q", got)
	}
	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("Expected absolute path unchanged, got %q", got)
	}
}
