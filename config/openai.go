package config

import (
	"fmt"
	"os"
	"time"
)

// OpenAIConfig represents configuration for the OpenAI provider.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key,omitempty"`         // OpenAI API key
	BaseURL        string `yaml:"base_url,omitempty"`        // Custom base URL (default: official API)
	Organization   string `yaml:"organization,omitempty"`    // Organization ID
	Model          string `yaml:"model,omitempty"`           // Default chat model
	EmbeddingModel string `yaml:"embedding_model,omitempty"` // Default embedding model
	MaxTokens      int    `yaml:"max_tokens,omitempty"`      // Default completion budget
	Timeout        int    `yaml:"timeout,omitempty"`         // Request timeout in seconds
}

// Validate checks the settings needed to build an OpenAI adapter.
func (c OpenAIConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("openai: %w", ErrAPIKeyRequired)
	}
	return validateCommon("openai", c.BaseURL, c.Timeout, c.MaxTokens)
}

// TimeoutDuration returns the request timeout.
func (c OpenAIConfig) TimeoutDuration() time.Duration {
	return timeoutDuration(c.Timeout)
}

func (c *OpenAIConfig) applyEnv() {
	if envAPIKey := getOpenAIAPIKeyFromEnv(); envAPIKey != "" {
		c.APIKey = envAPIKey
	}
	if envBaseURL := getOpenAIBaseURLFromEnv(); envBaseURL != "" {
		c.BaseURL = envBaseURL
	}
	if envModel := getOpenAIModelFromEnv(); envModel != "" {
		c.Model = envModel
	}
	if envOrg := getOpenAIOrgFromEnv(); envOrg != "" {
		c.Organization = envOrg
	}
	if v := os.Getenv("OPENAI_EMBEDDING_MODEL"); v != "" {
		c.EmbeddingModel = v
	}
	if v, ok := envInt("OPENAI_TIMEOUT"); ok {
		c.Timeout = v
	}
	if v, ok := envInt("OPENAI_MAX_TOKENS"); ok {
		c.MaxTokens = v
	}
}

// getOpenAIAPIKeyFromEnv gets the OpenAI API key from environment variable.
func getOpenAIAPIKeyFromEnv() string {
	return os.Getenv("OPENAI_API_KEY")
}

// getOpenAIBaseURLFromEnv gets the OpenAI base URL from environment variable.
func getOpenAIBaseURLFromEnv() string {
	return os.Getenv("OPENAI_BASE_URL")
}

// getOpenAIModelFromEnv gets the OpenAI model from environment variable.
func getOpenAIModelFromEnv() string {
	return os.Getenv("OPENAI_MODEL")
}

// getOpenAIOrgFromEnv gets the OpenAI organization ID from environment variable.
func getOpenAIOrgFromEnv() string {
	return os.Getenv("OPENAI_ORG_ID")
}
