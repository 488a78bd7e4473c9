// Package ollama adapts a local Ollama server to llm.Provider using the
// official Go API client.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aschepis/backscratcher/unillm/config"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/llm/transport"
	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// ErrModelRequired is returned when neither the call nor the config names a model.
var ErrModelRequired = errors.New("ollama: model is required")

// models is a starter catalog; ListModels reports what the server actually has.
var models = []string{
	"llama3.2:3b",
	"llama3.1:8b",
	"qwen2.5:7b",
	"mistral:7b",
	"nomic-embed-text",
}

// Client implements llm.Provider for an Ollama server.
type Client struct {
	cfg    config.OllamaConfig
	host   string
	client *api.Client
	logger zerolog.Logger
}

var (
	_ llm.Provider    = (*Client)(nil)
	_ llm.ModelLister = (*Client)(nil)
)

// NewClient creates a new Ollama client. A nil httpClient gets one with the
// configured timeout.
func NewClient(cfg config.OllamaConfig, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	baseURL, err := parseHost(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid host: %w", err)
	}
	if httpClient == nil {
		httpClient = transport.NewHTTPClient(cfg.TimeoutDuration())
	}

	return &Client{
		cfg:    cfg,
		host:   baseURL.String(),
		client: api.NewClient(baseURL, httpClient),
		logger: logger.With().Str("component", "ollama").Logger(),
	}, nil
}

// parseHost parses a host string into a URL, defaulting the scheme to http.
func parseHost(host string) (*url.URL, error) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return url.Parse(strings.TrimRight(host, "/"))
}

// Name returns the provider name.
func (c *Client) Name() string {
	return llm.ProviderOllama
}

// Models returns the static model catalog.
func (c *Client) Models() []string {
	return append([]string(nil), models...)
}

// SupportsStreaming reports that ChatStream is available.
func (c *Client) SupportsStreaming() bool {
	return true
}

// Chat sends a non-streaming chat request.
func (c *Client) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	req, err := c.buildRequest(messages, opts)
	if err != nil {
		return nil, err
	}
	if req.Model == "" {
		return nil, ErrModelRequired
	}
	req.Stream = lo.ToPtr(false)

	c.logger.Debug().Str("model", req.Model).Int("messages", len(req.Messages)).Msg("Sending chat request")

	var (
		final   api.ChatResponse
		content strings.Builder
		calls   []api.ToolCall
	)
	err = c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		calls = append(calls, resp.Message.ToolCalls...)
		if resp.Done {
			final = resp
		}
		return nil
	})
	if err != nil {
		return nil, c.mapError("chat", err)
	}

	out := fromChatResponse(final, content.String(), calls)
	if out.Model == "" {
		out.Model = req.Model
	}
	return out, nil
}

// ChatStream starts a streaming chat request. The API client pushes chunks
// to a callback; they are re-framed as data lines so the shared stream
// machinery handles them like any other vendor.
func (c *Client) ChatStream(ctx context.Context, messages []llm.Message, opts llm.Options) (llm.Stream, error) {
	req, err := c.buildRequest(messages, opts)
	if err != nil {
		return nil, err
	}
	if req.Model == "" {
		return nil, ErrModelRequired
	}
	req.Stream = lo.ToPtr(true)

	c.logger.Debug().Str("model", req.Model).Int("messages", len(req.Messages)).Msg("Starting chat stream")

	body := newChunkPipe(ctx)
	go func() {
		err := c.client.Chat(body.ctx, req, body.write)
		if err != nil && body.ctx.Err() == nil {
			err = c.mapError("chat", err)
		}
		body.finish(err)
	}()
	return llm.NewStreamingResponse(body, newStreamDecoder(req.Model), c.logger), nil
}

// Complete wraps prompt in a user message and delegates to Chat.
func (c *Client) Complete(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	return c.Chat(ctx, llm.CompleteMessages(prompt, opts), opts)
}

// Embed calls the embed endpoint with every input in one request.
func (c *Client) Embed(ctx context.Context, input []string, opts llm.EmbedOptions) (*llm.EmbeddingResponse, error) {
	if len(input) == 0 {
		return nil, errors.New("embedding input must not be empty")
	}
	model := lo.CoalesceOrEmpty(opts.Model, c.cfg.EmbeddingModel, c.cfg.Model)
	if model == "" {
		return nil, ErrModelRequired
	}

	req := &api.EmbedRequest{
		Model: model,
		Input: input,
	}
	if len(opts.Extra) > 0 {
		req.Options = opts.Extra
	}

	resp, err := c.client.Embed(ctx, req)
	if err != nil {
		return nil, c.mapError("embed", err)
	}

	return &llm.EmbeddingResponse{
		Embeddings: lo.Map(resp.Embeddings, func(vec []float32, _ int) []float64 {
			return lo.Map(vec, func(v float32, _ int) float64 { return float64(v) })
		}),
		Model: lo.CoalesceOrEmpty(resp.Model, model),
		Usage: llm.NewUsage(resp.PromptEvalCount, 0, 0),
	}, nil
}

// ListModels returns the models installed on the server.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	resp, err := c.client.List(ctx)
	if err != nil {
		return nil, c.mapError("list", err)
	}
	return lo.Map(resp.Models, func(m api.ListModelResponse, _ int) string {
		return m.Name
	}), nil
}
