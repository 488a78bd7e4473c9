package llm

import (
	"context"
)

// Provider is the capability set every vendor adapter implements.
type Provider interface {
	// Name returns the provider name the adapter is registered under.
	Name() string

	// Chat sends a conversation and waits for the complete response.
	Chat(ctx context.Context, messages []Message, opts Options) (*Response, error)

	// ChatStream sends a conversation and returns a stream of text deltas.
	// The caller owns the stream and must Close it.
	ChatStream(ctx context.Context, messages []Message, opts Options) (Stream, error)

	// Complete wraps prompt in a user message (plus opts.System, when set)
	// and delegates to Chat.
	Complete(ctx context.Context, prompt string, opts Options) (*Response, error)

	// Embed returns one vector per input.
	Embed(ctx context.Context, input []string, opts EmbedOptions) (*EmbeddingResponse, error)

	// Models returns the static catalog of chat models.
	Models() []string

	// SupportsStreaming reports whether ChatStream is available.
	SupportsStreaming() bool
}

// Stream is a single-consumer, pull-based sequence of text deltas.
// Next must be called before the first Delta.
type Stream interface {
	Next() bool
	Delta() string
	Err() error
	Close() error
	// Collect drains the rest of the stream and folds it into a Response.
	Collect() (*Response, error)
}

// ModelLister is implemented by providers that can query their live model list.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// EmbeddingModelLister is implemented by providers with an embedding catalog.
type EmbeddingModelLister interface {
	EmbeddingModels() []string
}

// Decoder turns the data payloads of a vendor event stream into text deltas
// while accumulating everything else (tool calls, usage, finish reason).
type Decoder interface {
	// Decode handles one data payload and returns the text delta it carries,
	// or "" when it carries none. A returned error drops the payload.
	Decode(payload []byte) (string, error)

	// Result builds a Response from the accumulated side state. Content is
	// filled in by the caller.
	Result() *Response
}

// CompleteMessages builds the message list Complete sends to Chat.
func CompleteMessages(prompt string, opts Options) []Message {
	msgs := make([]Message, 0, 2)
	if opts.System != "" {
		msgs = append(msgs, NewSystemMessage(opts.System))
	}
	return append(msgs, NewUserMessage(prompt))
}
