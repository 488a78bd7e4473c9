package config

import (
	"fmt"
	"net/url"
	"os"
	"time"
)

// OllamaConfig represents configuration for the Ollama provider.
type OllamaConfig struct {
	Host           string `yaml:"host,omitempty"`            // Ollama host (default: "http://localhost:11434")
	Model          string `yaml:"model,omitempty"`           // Default model name
	EmbeddingModel string `yaml:"embedding_model,omitempty"` // Defaults to Model
	Timeout        int    `yaml:"timeout,omitempty"`         // Request timeout in seconds
}

// Validate checks the settings needed to build an Ollama adapter.
// Ollama needs no API key.
func (c OllamaConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("ollama: host is required")
	}
	if _, err := url.Parse(c.Host); err != nil {
		return fmt.Errorf("ollama: invalid host: %w", err)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("ollama: timeout must not be negative")
	}
	return nil
}

// TimeoutDuration returns the request timeout.
func (c OllamaConfig) TimeoutDuration() time.Duration {
	return timeoutDuration(c.Timeout)
}

func (c *OllamaConfig) applyEnv() {
	if envHost := getOllamaHostFromEnv(); envHost != "" {
		c.Host = envHost
	}
	if envModel := getOllamaModelFromEnv(); envModel != "" {
		c.Model = envModel
	}
}

// getOllamaHostFromEnv gets the Ollama host from environment variable.
func getOllamaHostFromEnv() string {
	return os.Getenv("OLLAMA_HOST")
}

// getOllamaModelFromEnv gets the Ollama model from environment variable.
func getOllamaModelFromEnv() string {
	return os.Getenv("OLLAMA_MODEL")
}
