package gemini

import (
	"encoding/json"
	"strings"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const remoteImageMimeType = "image/jpeg"

func (c *Client) buildRequest(messages []llm.Message, opts llm.Options) generateRequest {
	req := generateRequest{
		Contents: toContents(messages),
	}
	if system := llm.ResolveSystem(messages, opts); system != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}

	genCfg := generationConfig{
		MaxOutputTokens: lo.Ternary(opts.MaxTokens > 0, opts.MaxTokens, c.cfg.MaxTokens),
		Temperature:     opts.Temperature,
		TopP:            opts.TopP,
		TopK:            opts.TopK,
		StopSequences:   opts.Stop,
	}
	if opts.ResponseFormat == llm.ResponseFormatJSON {
		genCfg.ResponseMimeType = "application/json"
	}
	if !genCfg.isZero() {
		req.GenerationConfig = &genCfg
	}

	if len(opts.Tools) > 0 {
		req.Tools = []tool{{FunctionDeclarations: lo.Map(opts.Tools, func(def llm.ToolDefinition, _ int) functionDeclaration {
			return toFunctionDeclaration(def)
		})}}
	}
	req.ToolConfig = toToolConfig(opts.ToolChoice)
	return req
}

// toContents converts the conversation. System messages are dropped, the
// assistant becomes "model" and tool results become "function" turns.
func toContents(msgs []llm.Message) []content {
	// Tool results may omit the function name; recover it from the call.
	callNames := make(map[string]string)
	result := make([]content, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role == llm.RoleSystem {
			continue
		}

		var parts, responses []part
		for _, block := range msg.Content {
			switch block.Type {
			case llm.ContentBlockTypeText:
				parts = append(parts, part{Text: block.Text})
			case llm.ContentBlockTypeImage:
				if block.Image != nil {
					parts = append(parts, toImagePart(block.Image.URL))
				}
			case llm.ContentBlockTypeToolUse:
				if call := block.ToolUse; call != nil {
					callNames[call.ID] = call.Name
					parts = append(parts, part{FunctionCall: &functionCall{
						Name: call.Name,
						Args: toArgs(call.Arguments),
					}})
				}
			case llm.ContentBlockTypeToolResult:
				if res := block.ToolResult; res != nil {
					responses = append(responses, part{FunctionResponse: &functionResponse{
						Name:     lo.CoalesceOrEmpty(res.Name, callNames[res.ToolCallID], res.ToolCallID, "function"),
						Response: map[string]any{"result": res.Content},
					}})
				}
			}
		}

		if len(responses) > 0 {
			result = append(result, content{Role: "function", Parts: responses})
		}
		if len(parts) > 0 || len(responses) == 0 {
			result = append(result, content{Role: toGeminiRole(msg.Role), Parts: lo.Ternary(parts != nil, parts, []part{{Text: ""}})})
		}
	}
	return result
}

func toGeminiRole(role llm.MessageRole) string {
	switch role {
	case llm.RoleAssistant:
		return "model"
	case llm.RoleTool:
		return "function"
	default:
		return "user"
	}
}

func toImagePart(url string) part {
	if mediaType, data, ok := llm.ParseDataURI(url); ok {
		return part{InlineData: &blob{MimeType: lo.CoalesceOrEmpty(mediaType, remoteImageMimeType), Data: data}}
	}
	return part{FileData: &fileData{MimeType: remoteImageMimeType, FileURI: url}}
}

func toArgs(arguments string) json.RawMessage {
	if strings.TrimSpace(arguments) == "" || !json.Valid([]byte(arguments)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(arguments)
}

func toFunctionDeclaration(def llm.ToolDefinition) functionDeclaration {
	params := def.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return functionDeclaration{
		Name:        def.Name,
		Description: def.Description,
		Parameters:  params,
	}
}

// toToolConfig maps the unified tool choice onto a function calling mode.
// A function name forces that function.
func toToolConfig(choice string) *toolConfig {
	var cfg functionCallingConfig
	switch choice {
	case "":
		return nil
	case llm.ToolChoiceAuto:
		cfg.Mode = "AUTO"
	case llm.ToolChoiceNone:
		cfg.Mode = "NONE"
	case llm.ToolChoiceAny, llm.ToolChoiceRequired:
		cfg.Mode = "ANY"
	default:
		cfg.Mode = "ANY"
		cfg.AllowedFunctionNames = []string{choice}
	}
	return &toolConfig{FunctionCallingConfig: cfg}
}

// fromGenerateResponse reads the first candidate. Text parts are joined in
// order and every functionCall part becomes a tool call with a fresh id.
func fromGenerateResponse(resp generateResponse, model string) *llm.Response {
	out := &llm.Response{
		Role:  llm.RoleAssistant,
		Model: lo.CoalesceOrEmpty(resp.ModelVersion, model),
		Usage: toUsage(resp.UsageMetadata),
	}
	if len(resp.Candidates) == 0 {
		return out
	}

	cand := resp.Candidates[0]
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		text.WriteString(p.Text)
		if p.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, toToolCall(p.FunctionCall))
		}
	}
	out.Content = text.String()
	out.FinishReason = llm.MapFinishReason(cand.FinishReason)
	return out
}

func toToolCall(call *functionCall) llm.ToolCall {
	args := strings.TrimSpace(string(call.Args))
	if args == "" || args == "null" {
		args = "{}"
	}
	return llm.ToolCall{
		ID:        "call_" + uuid.NewString(),
		Name:      call.Name,
		Arguments: args,
	}
}

func toUsage(meta *usageMetadata) llm.Usage {
	if meta == nil {
		return llm.Usage{}
	}
	return llm.NewUsage(meta.PromptTokenCount, meta.CandidatesTokenCount, meta.TotalTokenCount)
}
