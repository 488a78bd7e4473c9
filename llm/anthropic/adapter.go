package anthropic

import (
	"encoding/json"
	"maps"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/samber/lo"
)

// cacheThreshold is the system prompt size (in characters, roughly 1000
// tokens) from which the prompt is marked for caching. Anthropic ignores
// cache_control below 1024 tokens.
const cacheThreshold = 4000

// buildParams translates a conversation into Messages API parameters.
func (c *Client) buildParams(messages []llm.Message, opts llm.Options) anthropic.MessageNewParams {
	model := lo.CoalesceOrEmpty(opts.Model, c.cfg.Model)
	maxTokens := lo.Ternary(opts.MaxTokens > 0, opts.MaxTokens, lo.Ternary(c.cfg.MaxTokens > 0, c.cfg.MaxTokens, defaultMaxTokens))

	params := anthropic.MessageNewParams{
		Model:         anthropic.Model(model),
		MaxTokens:     int64(maxTokens),
		Messages:      ToMessageParams(messages),
		System:        buildSystemBlocks(llm.ResolveSystem(messages, opts)),
		StopSequences: opts.Stop,
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	if opts.TopP != nil {
		params.TopP = anthropic.Float(*opts.TopP)
	}
	if opts.TopK != nil {
		params.TopK = anthropic.Int(int64(*opts.TopK))
	}
	if len(opts.Tools) > 0 {
		params.Tools = ToToolUnionParams(opts.Tools)
	}
	if choice, ok := toToolChoice(opts.ToolChoice); ok {
		params.ToolChoice = choice
	}
	return params
}

// buildSystemBlocks creates the top-level system block. Placing
// cache_control on the system block caches the tools and system prefix, so
// long prompts are marked ephemeral.
func buildSystemBlocks(systemPrompt string) []anthropic.TextBlockParam {
	if systemPrompt == "" {
		return nil
	}
	block := anthropic.TextBlockParam{Text: systemPrompt}
	if len(systemPrompt) >= cacheThreshold {
		block.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
	return []anthropic.TextBlockParam{block}
}

// ToMessageParams converts llm.Messages to Anthropic MessageParams. System
// messages are dropped (they travel in the top-level system field) and tool
// results become user turns; consecutive results share one user turn.
func ToMessageParams(msgs []llm.Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(msgs))
	lastWasResults := false
	for _, msg := range msgs {
		if msg.Role == llm.RoleSystem {
			continue
		}

		param := ToMessageParam(msg)
		onlyResults := isToolResultTurn(msg)
		if onlyResults && lastWasResults {
			prev := &result[len(result)-1]
			prev.Content = append(prev.Content, param.Content...)
			continue
		}
		result = append(result, param)
		lastWasResults = onlyResults
	}
	return result
}

func isToolResultTurn(msg llm.Message) bool {
	if len(msg.Content) == 0 {
		return false
	}
	return lo.EveryBy(msg.Content, func(block llm.ContentBlock) bool {
		return block.Type == llm.ContentBlockTypeToolResult
	})
}

// ToMessageParam converts an llm.Message to an Anthropic MessageParam.
func ToMessageParam(msg llm.Message) anthropic.MessageParam {
	contentBlocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
	for _, block := range msg.Content {
		switch block.Type {
		case llm.ContentBlockTypeText:
			contentBlocks = append(contentBlocks, anthropic.NewTextBlock(block.Text))
		case llm.ContentBlockTypeImage:
			if block.Image != nil {
				contentBlocks = append(contentBlocks, toImageBlock(block.Image.URL))
			}
		case llm.ContentBlockTypeToolUse:
			if block.ToolUse != nil {
				contentBlocks = append(contentBlocks, anthropic.NewToolUseBlock(
					block.ToolUse.ID,
					toolInput(block.ToolUse.Arguments),
					block.ToolUse.Name,
				))
			}
		case llm.ContentBlockTypeToolResult:
			if block.ToolResult != nil {
				contentBlocks = append(contentBlocks, anthropic.NewToolResultBlock(
					block.ToolResult.ToolCallID,
					block.ToolResult.Content,
					block.ToolResult.IsError,
				))
			}
		}
	}

	if msg.Role == llm.RoleAssistant {
		return anthropic.NewAssistantMessage(contentBlocks...)
	}
	return anthropic.NewUserMessage(contentBlocks...)
}

func toImageBlock(url string) anthropic.ContentBlockParamUnion {
	if mediaType, data, ok := llm.ParseDataURI(url); ok {
		return anthropic.NewImageBlockBase64(mediaType, data)
	}
	return anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: url})
}

// toolInput turns the JSON argument text back into a raw object. Invalid
// or empty arguments become an empty object.
func toolInput(arguments string) json.RawMessage {
	if strings.TrimSpace(arguments) == "" || !json.Valid([]byte(arguments)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(arguments)
}

// ToToolUnionParam converts a tool definition. A missing schema becomes an
// empty object schema.
func ToToolUnionParam(def llm.ToolDefinition) anthropic.ToolUnionParam {
	schema := anthropic.ToolInputSchemaParam{
		Type:       "object",
		Properties: map[string]any{},
	}
	if def.Parameters != nil {
		extra := maps.Clone(def.Parameters)
		if props, ok := extra["properties"]; ok && props != nil {
			schema.Properties = props
		}
		schema.Required = requiredFields(extra["required"])
		delete(extra, "type")
		delete(extra, "properties")
		delete(extra, "required")
		if len(extra) > 0 {
			schema.ExtraFields = extra
		}
	}

	toolParam := anthropic.ToolParam{
		Name:        def.Name,
		InputSchema: schema,
	}
	if def.Description != "" {
		toolParam.Description = anthropic.String(def.Description)
	}
	return anthropic.ToolUnionParam{OfTool: &toolParam}
}

// ToToolUnionParams converts a slice of tool definitions.
func ToToolUnionParams(defs []llm.ToolDefinition) []anthropic.ToolUnionParam {
	return lo.Map(defs, func(def llm.ToolDefinition, _ int) anthropic.ToolUnionParam {
		return ToToolUnionParam(def)
	})
}

func requiredFields(v any) []string {
	switch fields := v.(type) {
	case []string:
		return fields
	case []any:
		return lo.FilterMap(fields, func(f any, _ int) (string, bool) {
			s, ok := f.(string)
			return s, ok
		})
	default:
		return nil
	}
}

// toToolChoice maps the unified tool choice; required and any both force
// some tool, anything else names one.
func toToolChoice(choice string) (anthropic.ToolChoiceUnionParam, bool) {
	switch choice {
	case "":
		return anthropic.ToolChoiceUnionParam{}, false
	case llm.ToolChoiceAuto:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}, true
	case llm.ToolChoiceNone:
		return anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}, true
	case llm.ToolChoiceRequired, llm.ToolChoiceAny:
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}, true
	default:
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: choice}}, true
	}
}

// FromMessage converts an Anthropic message into a unified response. Text
// segments are concatenated in order.
func FromMessage(message anthropic.Message) *llm.Response {
	var content strings.Builder
	var toolCalls []llm.ToolCall
	for _, blockUnion := range message.Content {
		switch block := blockUnion.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(block.Text)
		case anthropic.ToolUseBlock:
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: encodeInput(block.Input),
			})
		}
	}

	return &llm.Response{
		Content:      content.String(),
		Role:         llm.RoleAssistant,
		Model:        string(message.Model),
		Usage:        llm.NewUsage(int(message.Usage.InputTokens), int(message.Usage.OutputTokens), 0),
		FinishReason: llm.MapFinishReason(string(message.StopReason)),
		ToolCalls:    toolCalls,
	}
}

// encodeInput re-encodes a tool_use input as JSON text. A missing input
// becomes an empty object.
func encodeInput(input any) string {
	if input == nil {
		return "{}"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	text := strings.TrimSpace(string(data))
	if text == "" || text == "null" {
		return "{}"
	}
	return text
}
