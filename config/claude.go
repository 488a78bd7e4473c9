package config

import (
	"fmt"
	"os"
	"time"
)

// ClaudeConfig represents configuration for the Claude (Anthropic) provider.
type ClaudeConfig struct {
	APIKey     string `yaml:"api_key,omitempty"`     // Anthropic API key
	BaseURL    string `yaml:"base_url,omitempty"`    // Default: https://api.anthropic.com
	Model      string `yaml:"model,omitempty"`       // Default model name
	APIVersion string `yaml:"api_version,omitempty"` // anthropic-version header
	MaxTokens  int    `yaml:"max_tokens,omitempty"`  // Sent when the caller sets none; the API requires it
	Timeout    int    `yaml:"timeout,omitempty"`     // Request timeout in seconds
}

// Validate checks the settings needed to build a Claude adapter.
func (c ClaudeConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("claude: %w", ErrAPIKeyRequired)
	}
	if c.APIVersion == "" {
		return fmt.Errorf("claude: api version is required")
	}
	return validateCommon("claude", c.BaseURL, c.Timeout, c.MaxTokens)
}

// TimeoutDuration returns the request timeout.
func (c ClaudeConfig) TimeoutDuration() time.Duration {
	return timeoutDuration(c.Timeout)
}

func (c *ClaudeConfig) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("ANTHROPIC_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("ANTHROPIC_API_VERSION"); v != "" {
		c.APIVersion = v
	}
	if v, ok := envInt("ANTHROPIC_TIMEOUT"); ok {
		c.Timeout = v
	}
	if v, ok := envInt("ANTHROPIC_MAX_TOKENS"); ok {
		c.MaxTokens = v
	}
}
