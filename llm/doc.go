// Package llm provides a provider-neutral abstraction layer for Large Language Model (LLM) APIs.
//
// This package defines the unified request/response model shared by every vendor
// adapter (OpenAI, Claude, Gemini, Ollama) so callers never deal with a vendor's
// wire format directly.
//
// # Core Concepts
//
//  1. Messages: The Message type represents a conversation message with a role
//     (system, user, assistant, tool) and an ordered list of content blocks
//     (text, image, tool use, tool result).
//
//  2. Tools: ToolDefinition describes a caller-supplied function, ToolCall is a
//     model-requested invocation with JSON-encoded arguments, and ToolResult carries
//     the caller's answer back to the model.
//
//  3. Provider Interface: The Provider interface exposes Chat, ChatStream, Complete
//     and Embed. Implementations translate Options and Messages into vendor payloads
//     and parse vendor responses into Response values.
//
//  4. Streaming: StreamingResponse turns a vendor's line-delimited event stream into
//     a pull-based sequence of text deltas. A vendor-specific Decoder accumulates tool
//     calls, usage and finish reason on the side, and Collect folds everything into a
//     single Response.
//
//  5. Errors: APIError carries the unified error kind, the HTTP status and the raw
//     vendor error body. TransportError, ResponseParseError, UnsupportedOperationError
//     and RateLimitExceededError cover the remaining failure modes.
//
// Usage Example
//
//	provider, err := openai.New(cfg.Providers.OpenAI, logger)
//	if err != nil {
//	    return err
//	}
//
//	resp, err := provider.Chat(ctx, []llm.Message{
//	    llm.NewSystemMessage("You are terse."),
//	    llm.NewUserMessage("Hello!"),
//	}, llm.Options{Model: "gpt-4o-mini"})
//
//	stream, err := provider.ChatStream(ctx, messages, llm.Options{})
//	defer stream.Close()
//	for stream.Next() {
//	    fmt.Print(stream.Delta())
//	}
//	final, err := stream.Collect()
//
// # Extension Points
//
// To add a new LLM provider:
//  1. Implement the Provider interface
//  2. Implement a Decoder for the vendor's streaming payloads
//  3. Map vendor error bodies to APIError kinds
//  4. Register a Factory under a provider name with the manager
package llm
