package config

import (
	"fmt"
	"os"
	"time"
)

// GeminiConfig represents configuration for the Gemini provider.
type GeminiConfig struct {
	APIKey         string `yaml:"api_key,omitempty"`         // Google AI API key, sent as ?key=
	BaseURL        string `yaml:"base_url,omitempty"`        // Default: https://generativelanguage.googleapis.com/v1beta
	Model          string `yaml:"model,omitempty"`           // Default chat model
	EmbeddingModel string `yaml:"embedding_model,omitempty"` // Default embedding model
	MaxTokens      int    `yaml:"max_tokens,omitempty"`      // Default maxOutputTokens
	Timeout        int    `yaml:"timeout,omitempty"`         // Request timeout in seconds
}

// Validate checks the settings needed to build a Gemini adapter.
func (c GeminiConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("gemini: %w", ErrAPIKeyRequired)
	}
	return validateCommon("gemini", c.BaseURL, c.Timeout, c.MaxTokens)
}

// TimeoutDuration returns the request timeout.
func (c GeminiConfig) TimeoutDuration() time.Duration {
	return timeoutDuration(c.Timeout)
}

func (c *GeminiConfig) applyEnv() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("GEMINI_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("GEMINI_EMBEDDING_MODEL"); v != "" {
		c.EmbeddingModel = v
	}
	if v, ok := envInt("GEMINI_TIMEOUT"); ok {
		c.Timeout = v
	}
	if v, ok := envInt("GEMINI_MAX_TOKENS"); ok {
		c.MaxTokens = v
	}
}
