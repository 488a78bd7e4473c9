// Package gemini adapts Google's Generative Language API to llm.Provider.
// Requests are authenticated with the API key in the query string, so URLs
// never appear unredacted in errors or logs.
package gemini

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/aschepis/backscratcher/unillm/config"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/llm/transport"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	defaultBaseURL        = "https://generativelanguage.googleapis.com/v1beta"
	defaultEmbeddingModel = "text-embedding-004"
)

var chatModels = []string{
	"gemini-2.0-flash-exp",
	"gemini-1.5-pro",
	"gemini-1.5-pro-latest",
	"gemini-1.5-flash",
	"gemini-1.5-flash-latest",
	"gemini-1.0-pro",
}

var embeddingModels = []string{
	"text-embedding-004",
	"embedding-001",
}

// ErrEmptyInput is returned by Embed when there is nothing to embed.
var ErrEmptyInput = errors.New("embedding input must not be empty")

// Client implements llm.Provider for Gemini.
type Client struct {
	cfg     config.GeminiConfig
	baseURL string
	http    *transport.Client
	logger  zerolog.Logger
}

var (
	_ llm.Provider             = (*Client)(nil)
	_ llm.ModelLister          = (*Client)(nil)
	_ llm.EmbeddingModelLister = (*Client)(nil)
)

// NewClient creates a new Gemini client. A nil httpClient gets one with the
// configured timeout.
func NewClient(cfg config.GeminiConfig, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = transport.NewHTTPClient(cfg.TimeoutDuration())
	}

	logger = logger.With().Str("component", "gemini").Logger()
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(lo.Ternary(cfg.BaseURL != "", cfg.BaseURL, defaultBaseURL), "/"),
		http:    transport.New(llm.ProviderGemini, httpClient, nil, mapError, logger),
		logger:  logger,
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return llm.ProviderGemini
}

// Models returns the static chat model catalog.
func (c *Client) Models() []string {
	return slices.Clone(chatModels)
}

// EmbeddingModels returns the static embedding model catalog.
func (c *Client) EmbeddingModels() []string {
	return slices.Clone(embeddingModels)
}

// SupportsStreaming reports that ChatStream is available.
func (c *Client) SupportsStreaming() bool {
	return true
}

// Chat calls generateContent and waits for the full response.
func (c *Client) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	model := c.model(opts)
	req := c.buildRequest(messages, opts)

	c.logger.Debug().
		Str("model", model).
		Int("contents", len(req.Contents)).
		Msg("Sending generateContent request")

	resp, err := c.http.PostJSON(ctx, c.endpoint(model, "generateContent", nil), req, opts.Extra)
	if err != nil {
		return nil, err
	}

	var generated generateResponse
	raw, err := c.http.DecodeJSON(resp, &generated)
	if err != nil {
		return nil, err
	}

	out := fromGenerateResponse(generated, model)
	out.Raw = raw
	return out, nil
}

// ChatStream calls streamGenerateContent with server-sent events.
func (c *Client) ChatStream(ctx context.Context, messages []llm.Message, opts llm.Options) (llm.Stream, error) {
	model := c.model(opts)
	req := c.buildRequest(messages, opts)

	c.logger.Debug().
		Str("model", model).
		Int("contents", len(req.Contents)).
		Msg("Opening streamGenerateContent stream")

	resp, err := c.http.PostJSON(ctx, c.endpoint(model, "streamGenerateContent", url.Values{"alt": {"sse"}}), req, opts.Extra)
	if err != nil {
		return nil, err
	}
	return llm.NewStreamingResponse(resp.Body, newStreamDecoder(model), c.logger), nil
}

// Complete sends prompt as a single user message.
func (c *Client) Complete(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	return c.Chat(ctx, llm.CompleteMessages(prompt, opts), opts)
}

// Embed uses embedContent for a single input and batchEmbedContents
// otherwise. Gemini reports no token usage for embeddings.
func (c *Client) Embed(ctx context.Context, input []string, opts llm.EmbedOptions) (*llm.EmbeddingResponse, error) {
	if len(input) == 0 {
		return nil, ErrEmptyInput
	}

	model := strings.TrimPrefix(lo.CoalesceOrEmpty(opts.Model, c.cfg.EmbeddingModel, defaultEmbeddingModel), "models/")
	requests := lo.Map(input, func(text string, _ int) embedRequest {
		return embedRequest{
			Model:                "models/" + model,
			Content:              content{Parts: []part{{Text: text}}},
			TaskType:             opts.TaskType,
			Title:                opts.Title,
			OutputDimensionality: opts.Dimensions,
		}
	})

	var vectors [][]float64
	if len(requests) == 1 {
		resp, err := c.http.PostJSON(ctx, c.endpoint(model, "embedContent", nil), requests[0], opts.Extra)
		if err != nil {
			return nil, err
		}
		var single embedResponse
		if _, err := c.http.DecodeJSON(resp, &single); err != nil {
			return nil, err
		}
		vectors = [][]float64{single.Embedding.Values}
	} else {
		resp, err := c.http.PostJSON(ctx, c.endpoint(model, "batchEmbedContents", nil), batchEmbedRequest{Requests: requests}, opts.Extra)
		if err != nil {
			return nil, err
		}
		var batch batchEmbedResponse
		if _, err := c.http.DecodeJSON(resp, &batch); err != nil {
			return nil, err
		}
		vectors = lo.Map(batch.Embeddings, func(e embedding, _ int) []float64 { return e.Values })
	}

	return &llm.EmbeddingResponse{
		Embeddings: vectors,
		Model:      model,
	}, nil
}

// ListModels queries the live model list. Names are returned without the
// "models/" prefix.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	resp, err := c.http.Get(ctx, c.baseURL+"/models?"+url.Values{"key": {c.cfg.APIKey}}.Encode())
	if err != nil {
		return nil, err
	}

	var list modelList
	if _, err := c.http.DecodeJSON(resp, &list); err != nil {
		return nil, err
	}
	return lo.Map(list.Models, func(m modelInfo, _ int) string {
		return strings.TrimPrefix(m.Name, "models/")
	}), nil
}

func (c *Client) model(opts llm.Options) string {
	return strings.TrimPrefix(lo.CoalesceOrEmpty(opts.Model, c.cfg.Model), "models/")
}

// endpoint builds <base>/models/<model>:<method>?key=...
func (c *Client) endpoint(model, method string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("key", c.cfg.APIKey)
	return c.baseURL + "/models/" + url.PathEscape(model) + ":" + method + "?" + query.Encode()
}
