package anthropic

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/aschepis/backscratcher/unillm/config"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/llm/transport"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultMaxTokens = 4096
)

var models = []string{
	"claude-sonnet-4-20250514",
	"claude-opus-4-20250514",
	"claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022",
	"claude-3-opus-20240229",
	"claude-3-sonnet-20240229",
	"claude-3-haiku-20240307",
}

// Client implements llm.Provider for Anthropic's Messages API.
type Client struct {
	cfg     config.ClaudeConfig
	baseURL string
	http    *transport.Client
	logger  zerolog.Logger
}

var _ llm.Provider = (*Client)(nil)

// NewClient creates a new Claude client. A nil httpClient gets one with the
// configured timeout.
func NewClient(cfg config.ClaudeConfig, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = transport.NewHTTPClient(cfg.TimeoutDuration())
	}

	headers := map[string]string{
		"x-api-key":         cfg.APIKey,
		"anthropic-version": cfg.APIVersion,
	}

	logger = logger.With().Str("component", "claude").Logger()
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(lo.Ternary(cfg.BaseURL != "", cfg.BaseURL, defaultBaseURL), "/"),
		http:    transport.New(llm.ProviderClaude, httpClient, headers, mapError, logger),
		logger:  logger,
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return llm.ProviderClaude
}

// Models returns the static model catalog.
func (c *Client) Models() []string {
	return slices.Clone(models)
}

// SupportsStreaming reports that ChatStream is available.
func (c *Client) SupportsStreaming() bool {
	return true
}

// Chat sends a Messages API request and waits for the full response.
func (c *Client) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	params := c.buildParams(messages, opts)

	c.logger.Debug().
		Str("model", string(params.Model)).
		Int("messages", len(params.Messages)).
		Int("tools", len(params.Tools)).
		Msg("Sending messages request")

	resp, err := c.http.PostJSON(ctx, c.baseURL+"/v1/messages", params, opts.Extra)
	if err != nil {
		return nil, err
	}

	var message anthropic.Message
	raw, err := c.http.DecodeJSON(resp, &message)
	if err != nil {
		return nil, err
	}
	c.logCacheStats(message.Usage)

	out := FromMessage(message)
	out.Raw = raw
	return out, nil
}

// ChatStream sends a streaming Messages API request.
func (c *Client) ChatStream(ctx context.Context, messages []llm.Message, opts llm.Options) (llm.Stream, error) {
	params := c.buildParams(messages, opts)

	extra := make(map[string]any, len(opts.Extra)+1)
	maps.Copy(extra, opts.Extra)
	extra["stream"] = true

	c.logger.Debug().
		Str("model", string(params.Model)).
		Int("messages", len(params.Messages)).
		Msg("Opening messages stream")

	resp, err := c.http.PostJSON(ctx, c.baseURL+"/v1/messages", params, extra)
	if err != nil {
		return nil, err
	}
	return llm.NewStreamingResponse(resp.Body, newStreamDecoder(string(params.Model), c.logger), c.logger), nil
}

// Complete sends prompt as a single user message.
func (c *Client) Complete(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	return c.Chat(ctx, llm.CompleteMessages(prompt, opts), opts)
}

// Embed is not offered by Anthropic. It fails without touching the network.
func (c *Client) Embed(_ context.Context, _ []string, _ llm.EmbedOptions) (*llm.EmbeddingResponse, error) {
	return nil, &llm.UnsupportedOperationError{Provider: llm.ProviderClaude, Operation: "embeddings"}
}

// logCacheStats logs prompt cache information for tracking efficacy.
func (c *Client) logCacheStats(usage anthropic.Usage) {
	if usage.CacheCreationInputTokens == 0 && usage.CacheReadInputTokens == 0 {
		return
	}
	cacheEfficiency := float64(0)
	if usage.InputTokens > 0 {
		cacheEfficiency = float64(usage.CacheReadInputTokens) / float64(usage.InputTokens) * 100
	}
	c.logger.Debug().
		Int64("input_tokens", usage.InputTokens).
		Int64("cache_creation_tokens", usage.CacheCreationInputTokens).
		Int64("cache_read_tokens", usage.CacheReadInputTokens).
		Float64("cache_efficiency", cacheEfficiency).
		Msg("Prompt cache stats")
}
