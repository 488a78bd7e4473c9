package llm

import (
	"encoding/json"
	"strings"
)

// MessageRole represents the role of a message in a conversation.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message represents a single message in a conversation.
// Content blocks are kept in order; adapters translate them one by one.
type Message struct {
	Role    MessageRole
	Content []ContentBlock
}

// ContentBlock represents a single content block within a message.
// It can be text, an image, a tool use, or a tool result.
type ContentBlock struct {
	Type       ContentBlockType
	Text       string      // For text blocks
	Image      *ImageBlock // For image blocks
	ToolUse    *ToolCall   // For tool use blocks
	ToolResult *ToolResult // For tool result blocks
}

// ContentBlockType represents the type of content block.
type ContentBlockType string

const (
	ContentBlockTypeText       ContentBlockType = "text"
	ContentBlockTypeImage      ContentBlockType = "image"
	ContentBlockTypeToolUse    ContentBlockType = "tool_use"
	ContentBlockTypeToolResult ContentBlockType = "tool_result"
)

// ImageBlock references an image either by remote URL or by data URI.
type ImageBlock struct {
	URL string
}

// ToolDefinition describes a function the model may call.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema for the arguments
}

// ToolCall represents a tool invocation requested by the assistant.
// Arguments is always valid JSON text.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// DecodeArguments unmarshals the call arguments into v.
func (c ToolCall) DecodeArguments(v any) error {
	args := c.Arguments
	if args == "" {
		args = "{}"
	}
	return json.Unmarshal([]byte(args), v)
}

// ToolResult represents the caller's answer to a ToolCall.
type ToolResult struct {
	ToolCallID string
	Name       string // Function name, required by vendors that key results by name
	Content    string
	IsError    bool
}

// Tool choice values understood by every adapter. Any other value names a
// specific tool.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoiceAny      = "any"
)

// Response format hints.
const (
	ResponseFormatText = "text"
	ResponseFormatJSON = "json_object"
)

// Options carries the generation parameters for a single call.
type Options struct {
	Model          string
	System         string // Overrides any system message in the conversation
	MaxTokens      int
	Temperature    *float64
	TopP           *float64
	TopK           *int
	Stop           []string
	Tools          []ToolDefinition
	ToolChoice     string
	ResponseFormat string
	// Extra fields are merged verbatim into the top level of the vendor payload.
	Extra map[string]any
}

// EmbedOptions carries the parameters for an embedding call.
type EmbedOptions struct {
	Model      string
	Dimensions int
	TaskType   string // Gemini only
	Title      string // Gemini only
	Extra      map[string]any
}

// Response represents a complete, vendor-agnostic model response.
type Response struct {
	Content      string
	Role         MessageRole
	Model        string
	Usage        Usage
	FinishReason FinishReason
	ToolCalls    []ToolCall
	Raw          json.RawMessage // Undecoded vendor payload, for debugging
}

// HasToolCalls reports whether the response carries any tool calls.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// IsToolCall reports whether the model stopped to call tools.
func (r *Response) IsToolCall() bool {
	return r.FinishReason == FinishReasonToolCalls || r.HasToolCalls()
}

// Message converts the response into an assistant message suitable for
// appending to the conversation history.
func (r *Response) Message() Message {
	return NewToolCallMessage(r.Content, r.ToolCalls...)
}

// Usage represents token usage information from an LLM response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// NewUsage builds a Usage, deriving the total when the vendor omitted it.
func NewUsage(prompt, completion, total int) Usage {
	if total == 0 {
		total = prompt + completion
	}
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
	}
}

// EmbeddingResponse holds one vector per input, in input order.
type EmbeddingResponse struct {
	Embeddings [][]float64
	Model      string
	Usage      Usage
}

// First returns the first embedding, or nil when there is none.
func (r *EmbeddingResponse) First() []float64 {
	if len(r.Embeddings) == 0 {
		return nil
	}
	return r.Embeddings[0]
}

// Len returns the number of embeddings.
func (r *EmbeddingResponse) Len() int {
	return len(r.Embeddings)
}

// NewTextMessage creates a message with a single text block.
func NewTextMessage(role MessageRole, text string) Message {
	return Message{
		Role: role,
		Content: []ContentBlock{
			{
				Type: ContentBlockTypeText,
				Text: text,
			},
		},
	}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(text string) Message {
	return NewTextMessage(RoleSystem, text)
}

// NewUserMessage creates a user message.
func NewUserMessage(text string) Message {
	return NewTextMessage(RoleUser, text)
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(text string) Message {
	return NewTextMessage(RoleAssistant, text)
}

// NewImageMessage creates a user message with optional text followed by images.
func NewImageMessage(text string, urls ...string) Message {
	content := make([]ContentBlock, 0, len(urls)+1)
	if text != "" {
		content = append(content, ContentBlock{Type: ContentBlockTypeText, Text: text})
	}
	for _, u := range urls {
		content = append(content, ContentBlock{
			Type:  ContentBlockTypeImage,
			Image: &ImageBlock{URL: u},
		})
	}
	return Message{
		Role:    RoleUser,
		Content: content,
	}
}

// NewToolCallMessage creates an assistant message carrying tool calls.
func NewToolCallMessage(text string, calls ...ToolCall) Message {
	content := make([]ContentBlock, 0, len(calls)+1)
	if text != "" {
		content = append(content, ContentBlock{Type: ContentBlockTypeText, Text: text})
	}
	for i := range calls {
		call := calls[i]
		content = append(content, ContentBlock{
			Type:    ContentBlockTypeToolUse,
			ToolUse: &call,
		})
	}
	return Message{
		Role:    RoleAssistant,
		Content: content,
	}
}

// NewToolResultMessage creates a tool message answering the call with the given id.
func NewToolResultMessage(callID, name, content string) Message {
	return Message{
		Role: RoleTool,
		Content: []ContentBlock{
			{
				Type: ContentBlockTypeToolResult,
				ToolResult: &ToolResult{
					ToolCallID: callID,
					Name:       name,
					Content:    content,
				},
			},
		},
	}
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var b strings.Builder
	for _, block := range m.Content {
		if block.Type == ContentBlockTypeText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool use blocks of the message in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, block := range m.Content {
		if block.Type == ContentBlockTypeToolUse && block.ToolUse != nil {
			calls = append(calls, *block.ToolUse)
		}
	}
	return calls
}

// ToolResults returns the tool result blocks of the message in order.
func (m Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, block := range m.Content {
		if block.Type == ContentBlockTypeToolResult && block.ToolResult != nil {
			results = append(results, *block.ToolResult)
		}
	}
	return results
}

// SystemPrompt returns the text of the first system message, if any.
func SystemPrompt(msgs []Message) (string, bool) {
	for _, m := range msgs {
		if m.Role == RoleSystem {
			return m.Text(), true
		}
	}
	return "", false
}

// ResolveSystem returns the effective system prompt for a call: the explicit
// override when set, otherwise the first system message.
func ResolveSystem(msgs []Message, opts Options) string {
	if opts.System != "" {
		return opts.System
	}
	system, _ := SystemPrompt(msgs)
	return system
}

// ParseDataURI splits a data URI of the form data:<mime>;base64,<payload>.
// ok is false for anything that is not a base64 data URI.
func ParseDataURI(uri string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(uri, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, found = strings.CutSuffix(meta, ";base64")
	if !found {
		return "", "", false
	}
	return mediaType, payload, true
}

// ToJSON marshals a message to JSON for debugging/logging purposes.
func (m Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
