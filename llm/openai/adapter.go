package openai

import (
	"fmt"
	"maps"
	"strings"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/samber/lo"
	openai "github.com/sashabaranov/go-openai"
)

// buildRequest translates a conversation into a chat completion request.
// The returned map holds fields merged verbatim into the payload.
func (c *Client) buildRequest(messages []llm.Message, opts llm.Options) (openai.ChatCompletionRequest, map[string]any, error) {
	model := lo.CoalesceOrEmpty(opts.Model, c.cfg.Model)
	if model == "" {
		return openai.ChatCompletionRequest{}, nil, fmt.Errorf("openai: model is required")
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: ToOpenAIMessages(messages, opts.System),
		Stop:     opts.Stop,
	}

	maxTokens := lo.Ternary(opts.MaxTokens > 0, opts.MaxTokens, c.cfg.MaxTokens)
	if maxTokens > 0 {
		if isReasoningModel(model) {
			req.MaxCompletionTokens = maxTokens
		} else {
			req.MaxTokens = maxTokens
		}
	}

	extra := make(map[string]any, len(opts.Extra)+2)
	// The DTO drops zero-valued sampling fields, so explicit zeros travel as extras.
	if opts.Temperature != nil {
		if *opts.Temperature == 0 {
			extra["temperature"] = 0
		} else {
			req.Temperature = float32(*opts.Temperature)
		}
	}
	if opts.TopP != nil {
		if *opts.TopP == 0 {
			extra["top_p"] = 0
		} else {
			req.TopP = float32(*opts.TopP)
		}
	}

	if len(opts.Tools) > 0 {
		req.Tools = ToOpenAITools(opts.Tools)
	}
	if choice := toOpenAIToolChoice(opts.ToolChoice); choice != nil {
		req.ToolChoice = choice
	}
	if opts.ResponseFormat != "" {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatType(opts.ResponseFormat),
		}
	}

	maps.Copy(extra, opts.Extra)
	return req, extra, nil
}

// ToOpenAIMessages converts llm.Messages to OpenAI chat message format.
// A non-empty system replaces the first system message, or is prepended
// when the conversation has none.
func ToOpenAIMessages(msgs []llm.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	replaced := false
	for _, msg := range msgs {
		if msg.Role == llm.RoleSystem && system != "" && !replaced {
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
			replaced = true
			continue
		}
		result = append(result, ToOpenAIMessage(msg)...)
	}
	if system != "" && !replaced {
		result = append([]openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: system}}, result...)
	}
	return result
}

// ToOpenAIMessage converts a single llm.Message to OpenAI format. Tool
// results become separate tool-role messages placed ahead of any remaining
// content, since OpenAI expects them right after the assistant turn.
func ToOpenAIMessage(msg llm.Message) []openai.ChatCompletionMessage {
	var (
		texts     []string
		parts     []openai.ChatMessagePart
		hasImage  bool
		toolCalls []openai.ToolCall
		results   []openai.ChatCompletionMessage
	)

	for _, block := range msg.Content {
		switch block.Type {
		case llm.ContentBlockTypeText:
			texts = append(texts, block.Text)
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: block.Text})
		case llm.ContentBlockTypeImage:
			if block.Image != nil {
				hasImage = true
				parts = append(parts, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: block.Image.URL},
				})
			}
		case llm.ContentBlockTypeToolUse:
			if block.ToolUse != nil {
				toolCalls = append(toolCalls, toOpenAIToolCall(*block.ToolUse))
			}
		case llm.ContentBlockTypeToolResult:
			if block.ToolResult != nil {
				results = append(results, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    block.ToolResult.Content,
					ToolCallID: block.ToolResult.ToolCallID,
				})
			}
		}
	}

	hasContent := len(parts) > 0 || len(toolCalls) > 0
	if len(results) > 0 && !hasContent {
		return results
	}

	openaiMsg := openai.ChatCompletionMessage{
		Role:      toOpenAIRole(msg.Role),
		ToolCalls: toolCalls,
	}
	if hasImage {
		openaiMsg.MultiContent = parts
	} else {
		openaiMsg.Content = strings.Join(texts, "\n")
	}
	return append(results, openaiMsg)
}

func toOpenAIRole(role llm.MessageRole) string {
	switch role {
	case llm.RoleSystem:
		return openai.ChatMessageRoleSystem
	case llm.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case llm.RoleTool:
		return openai.ChatMessageRoleTool
	default:
		return openai.ChatMessageRoleUser
	}
}

func toOpenAIToolCall(call llm.ToolCall) openai.ToolCall {
	return openai.ToolCall{
		ID:   call.ID,
		Type: openai.ToolTypeFunction,
		Function: openai.FunctionCall{
			Name:      call.Name,
			Arguments: lo.Ternary(call.Arguments != "", call.Arguments, "{}"),
		},
	}
}

// ToOpenAITools converts tool definitions to OpenAI function tools.
func ToOpenAITools(defs []llm.ToolDefinition) []openai.Tool {
	return lo.Map(defs, func(def llm.ToolDefinition, _ int) openai.Tool {
		return ToOpenAITool(def)
	})
}

// ToOpenAITool converts a single tool definition. A missing schema becomes
// an empty object schema.
func ToOpenAITool(def llm.ToolDefinition) openai.Tool {
	parameters := def.Parameters
	if parameters == nil {
		parameters = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  parameters,
		},
	}
}

// toOpenAIToolChoice maps the unified tool choice. Any value outside the
// keyword set names a function.
func toOpenAIToolChoice(choice string) any {
	switch choice {
	case "":
		return nil
	case llm.ToolChoiceAuto, llm.ToolChoiceNone, llm.ToolChoiceRequired:
		return choice
	case llm.ToolChoiceAny:
		return llm.ToolChoiceRequired
	default:
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: choice},
		}
	}
}

// FromOpenAIResponse converts a chat completion into a unified response.
// Only the first choice is considered.
func FromOpenAIResponse(resp openai.ChatCompletionResponse) *llm.Response {
	out := &llm.Response{
		Role:  llm.RoleAssistant,
		Model: resp.Model,
		Usage: llm.NewUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens),
	}
	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.FinishReason = llm.MapFinishReason(string(choice.FinishReason))
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, FromOpenAIToolCall(tc))
	}
	// Legacy function calling carries a single call without an id.
	if len(out.ToolCalls) == 0 && choice.Message.FunctionCall != nil {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			Name:      choice.Message.FunctionCall.Name,
			Arguments: lo.Ternary(choice.Message.FunctionCall.Arguments != "", choice.Message.FunctionCall.Arguments, "{}"),
		})
	}
	return out
}

// FromOpenAIToolCall converts an OpenAI tool call to llm.ToolCall.
func FromOpenAIToolCall(tc openai.ToolCall) llm.ToolCall {
	return llm.ToolCall{
		ID:        tc.ID,
		Name:      tc.Function.Name,
		Arguments: lo.Ternary(tc.Function.Arguments != "", tc.Function.Arguments, "{}"),
	}
}
