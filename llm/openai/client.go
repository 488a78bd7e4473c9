package openai

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/aschepis/backscratcher/unillm/config"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/llm/transport"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultEmbeddingModel = "text-embedding-3-small"
	adaEmbeddingModel     = "text-embedding-ada-002"
	jsonInstruction       = "Respond with valid JSON."
)

// ErrEmptyInput is returned by Embed when there is nothing to embed.
var ErrEmptyInput = errors.New("embedding input must not be empty")

// Client implements llm.Provider for the OpenAI chat completions API.
type Client struct {
	cfg     config.OpenAIConfig
	baseURL string
	http    *transport.Client
	logger  zerolog.Logger
}

var (
	_ llm.Provider             = (*Client)(nil)
	_ llm.ModelLister          = (*Client)(nil)
	_ llm.EmbeddingModelLister = (*Client)(nil)
)

// NewClient creates a new OpenAI client. A nil httpClient gets one with the
// configured timeout.
func NewClient(cfg config.OpenAIConfig, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = transport.NewHTTPClient(cfg.TimeoutDuration())
	}

	headers := map[string]string{
		"Authorization": "Bearer " + cfg.APIKey,
	}
	if cfg.Organization != "" {
		headers["OpenAI-Organization"] = cfg.Organization
	}

	logger = logger.With().Str("component", "openai").Logger()
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(lo.Ternary(cfg.BaseURL != "", cfg.BaseURL, defaultBaseURL), "/"),
		http:    transport.New(llm.ProviderOpenAI, httpClient, headers, mapError, logger),
		logger:  logger,
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return llm.ProviderOpenAI
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

// Chat sends a chat completion request and waits for the full response.
func (c *Client) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	req, extra, err := c.buildRequest(messages, opts)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("model", req.Model).
		Int("messages", len(req.Messages)).
		Int("tools", len(req.Tools)).
		Msg("Sending chat request")

	resp, err := c.http.PostJSON(ctx, c.baseURL+"/chat/completions", req, extra)
	if err != nil {
		return nil, err
	}

	var completion openai.ChatCompletionResponse
	raw, err := c.http.DecodeJSON(resp, &completion)
	if err != nil {
		return nil, err
	}

	out := FromOpenAIResponse(completion)
	out.Raw = raw

	c.logger.Debug().
		Str("model", out.Model).
		Str("finish_reason", string(out.FinishReason)).
		Int("tool_calls", len(out.ToolCalls)).
		Int("total_tokens", out.Usage.TotalTokens).
		Msg("Chat request completed")
	return out, nil
}

// ChatWithJSONMode is Chat with response_format set to json_object. The API
// rejects that format unless some message mentions JSON, so a system
// instruction is prepended when none does.
func (c *Client) ChatWithJSONMode(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	opts.ResponseFormat = llm.ResponseFormatJSON
	hasJSON := mentionsJSON(opts.System) || lo.SomeBy(messages, func(m llm.Message) bool {
		return mentionsJSON(m.Text())
	})
	switch {
	case hasJSON:
	case opts.System != "":
		// opts.System replaces the first system message.
		opts.System += "\n\n" + jsonInstruction
	default:
		messages = append([]llm.Message{llm.NewSystemMessage(jsonInstruction)}, messages...)
	}
	return c.Chat(ctx, messages, opts)
}

func mentionsJSON(s string) bool {
	return strings.Contains(strings.ToLower(s), "json")
}

// ChatStream sends a streaming chat completion request. Usage is requested
// in the final chunk.
func (c *Client) ChatStream(ctx context.Context, messages []llm.Message, opts llm.Options) (llm.Stream, error) {
	req, extra, err := c.buildRequest(messages, opts)
	if err != nil {
		return nil, err
	}
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	c.logger.Debug().
		Str("model", req.Model).
		Int("messages", len(req.Messages)).
		Msg("Opening chat stream")

	resp, err := c.http.PostJSON(ctx, c.baseURL+"/chat/completions", req, extra)
	if err != nil {
		return nil, err
	}
	return llm.NewStreamingResponse(resp.Body, newStreamDecoder(req.Model), c.logger), nil
}

// Complete sends prompt as a single user message.
func (c *Client) Complete(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	return c.Chat(ctx, llm.CompleteMessages(prompt, opts), opts)
}

// Embed returns one vector per input, ordered like the input.
func (c *Client) Embed(ctx context.Context, input []string, opts llm.EmbedOptions) (*llm.EmbeddingResponse, error) {
	if len(input) == 0 {
		return nil, ErrEmptyInput
	}

	model := lo.CoalesceOrEmpty(opts.Model, c.cfg.EmbeddingModel, defaultEmbeddingModel)
	req := openai.EmbeddingRequest{
		Input: input,
		Model: openai.EmbeddingModel(model),
	}
	// ada-002 rejects the dimensions parameter.
	if opts.Dimensions > 0 && model != adaEmbeddingModel {
		req.Dimensions = opts.Dimensions
	}

	resp, err := c.http.PostJSON(ctx, c.baseURL+"/embeddings", req, opts.Extra)
	if err != nil {
		return nil, err
	}

	var embeddings openai.EmbeddingResponse
	if _, err := c.http.DecodeJSON(resp, &embeddings); err != nil {
		return nil, err
	}

	data := slices.Clone(embeddings.Data)
	slices.SortFunc(data, func(a, b openai.Embedding) int { return a.Index - b.Index })

	return &llm.EmbeddingResponse{
		Embeddings: lo.Map(data, func(e openai.Embedding, _ int) []float64 {
			return lo.Map(e.Embedding, func(v float32, _ int) float64 { return float64(v) })
		}),
		Model: lo.Ternary(embeddings.Model != "", string(embeddings.Model), model),
		Usage: llm.NewUsage(embeddings.Usage.PromptTokens, 0, embeddings.Usage.TotalTokens),
	}, nil
}

// ListModels queries the live model list.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	resp, err := c.http.Get(ctx, c.baseURL+"/models")
	if err != nil {
		return nil, err
	}

	var list openai.ModelsList
	if _, err := c.http.DecodeJSON(resp, &list); err != nil {
		return nil, err
	}
	return lo.Map(list.Models, func(m openai.Model, _ int) string { return m.ID }), nil
}

// isReasoningModel reports whether model belongs to the o1/o3 families,
// which take max_completion_tokens instead of max_tokens.
func isReasoningModel(model string) bool {
	for _, family := range []string{"o1", "o3"} {
		if model == family || strings.HasPrefix(model, family+"-") {
			return true
		}
	}
	return false
}
