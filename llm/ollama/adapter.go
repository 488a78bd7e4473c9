package ollama

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
	"github.com/samber/lo"
)

func (c *Client) buildRequest(messages []llm.Message, opts llm.Options) (*api.ChatRequest, error) {
	msgs, err := ToOllamaMessages(messages, opts)
	if err != nil {
		return nil, err
	}
	tools, err := ToOllamaTools(opts.Tools)
	if err != nil {
		return nil, err
	}

	options := make(map[string]any)
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if opts.Temperature != nil {
		options["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		options["top_p"] = *opts.TopP
	}
	if opts.TopK != nil {
		options["top_k"] = *opts.TopK
	}
	if len(opts.Stop) > 0 {
		options["stop"] = opts.Stop
	}
	for k, v := range opts.Extra {
		options[k] = v
	}

	req := &api.ChatRequest{
		Model:    lo.CoalesceOrEmpty(opts.Model, c.cfg.Model),
		Messages: msgs,
		Tools:    tools,
		Options:  options,
	}
	if opts.ResponseFormat == llm.ResponseFormatJSON {
		req.Format = json.RawMessage(`"json"`)
	}
	return req, nil
}

// ToOllamaMessages converts the conversation. The system override replaces
// the first system message, or is prepended when there is none. Arguments of
// earlier tool calls are coerced to the types declared in opts.Tools.
func ToOllamaMessages(msgs []llm.Message, opts llm.Options) ([]api.Message, error) {
	schemas := lo.SliceToMap(opts.Tools, func(def llm.ToolDefinition) (string, map[string]any) {
		return def.Name, def.Parameters
	})

	result := make([]api.Message, 0, len(msgs)+1)
	replaced := opts.System == ""
	for _, msg := range msgs {
		if msg.Role == llm.RoleSystem && !replaced {
			result = append(result, api.Message{Role: string(llm.RoleSystem), Content: opts.System})
			replaced = true
			continue
		}
		converted, err := ToOllamaMessage(msg, schemas)
		if err != nil {
			return nil, fmt.Errorf("failed to convert message: %w", err)
		}
		result = append(result, converted...)
	}
	if !replaced {
		result = append([]api.Message{{Role: string(llm.RoleSystem), Content: opts.System}}, result...)
	}
	return result, nil
}

// ToOllamaMessage converts a single message. Tool results become separate
// "tool" messages placed before whatever else the message carries.
func ToOllamaMessage(msg llm.Message, schemas map[string]map[string]any) ([]api.Message, error) {
	var (
		texts     []string
		images    []api.ImageData
		toolCalls []api.ToolCall
		results   []api.Message
	)

	for _, block := range msg.Content {
		switch block.Type {
		case llm.ContentBlockTypeText:
			texts = append(texts, block.Text)
		case llm.ContentBlockTypeImage:
			if block.Image == nil {
				continue
			}
			img, err := toImageData(block.Image.URL)
			if err != nil {
				return nil, err
			}
			images = append(images, img)
		case llm.ContentBlockTypeToolUse:
			if call := block.ToolUse; call != nil {
				args, err := toolArguments(call.Name, call.Arguments, schemas[call.Name])
				if err != nil {
					return nil, err
				}
				toolCalls = append(toolCalls, api.ToolCall{
					Function: api.ToolCallFunction{
						Name:      call.Name,
						Arguments: args,
					},
				})
			}
		case llm.ContentBlockTypeToolResult:
			if res := block.ToolResult; res != nil {
				results = append(results, api.Message{
					Role:     string(llm.RoleTool),
					Content:  res.Content,
					ToolName: res.Name,
				})
			}
		}
	}

	if len(results) > 0 && len(texts) == 0 && len(images) == 0 && len(toolCalls) == 0 {
		return results, nil
	}
	return append(results, api.Message{
		Role:      string(msg.Role),
		Content:   strings.Join(texts, "\n"),
		Images:    images,
		ToolCalls: toolCalls,
	}), nil
}

// toImageData decodes a base64 data URI. Ollama only accepts inline images.
func toImageData(url string) (api.ImageData, error) {
	_, data, ok := llm.ParseDataURI(url)
	if !ok {
		return nil, fmt.Errorf("ollama: only base64 data URI images are supported")
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("ollama: invalid image data: %w", err)
	}
	return api.ImageData(raw), nil
}

// toolArguments decodes the JSON arguments of a tool call and, when a schema
// is known, checks required parameters and converts values to their declared
// types.
func toolArguments(toolName, arguments string, schema map[string]any) (api.ToolCallFunctionArguments, error) {
	args := make(map[string]any)
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return nil, fmt.Errorf("tool '%s': arguments are not a JSON object: %w", toolName, err)
		}
	}
	if schema == nil {
		return api.ToolCallFunctionArguments(args), nil
	}

	for _, reqParam := range schemaRequired(schema) {
		val, exists := args[reqParam]
		if !exists {
			return nil, fmt.Errorf("missing required parameter '%s' for tool '%s' (provided: %v)", reqParam, toolName, lo.Keys(args))
		}
		if isEmptyValue(val) {
			return nil, fmt.Errorf("required parameter '%s' for tool '%s' cannot be empty", reqParam, toolName)
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	result := make(api.ToolCallFunctionArguments, len(args))
	for k, v := range args {
		propSchema, exists := properties[k]
		if !exists {
			result[k] = v
			continue
		}
		converted, err := convertValueToType(v, getPropertyType(propSchema), k)
		if err != nil {
			return nil, fmt.Errorf("failed to convert parameter '%s' for tool '%s': %w", k, toolName, err)
		}
		result[k] = converted
	}
	return result, nil
}

func schemaRequired(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		return lo.FilterMap(req, func(v any, _ int) (string, bool) {
			s, ok := v.(string)
			return s, ok
		})
	default:
		return nil
	}
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}

// getPropertyType extracts the type from a property schema definition.
func getPropertyType(propSchema any) string {
	if propMap, ok := propSchema.(map[string]any); ok {
		if propType, ok := propMap["type"].(string); ok {
			return propType
		}
	}
	return "string"
}

func convertValueToType(v any, targetType, paramName string) (any, error) {
	switch targetType {
	case "integer":
		return convertToInteger(v, paramName)
	case "number":
		return convertToNumber(v, paramName)
	case "boolean":
		return convertToBoolean(v, paramName)
	case "string":
		if v == nil {
			return "", nil
		}
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil
	default:
		return v, nil
	}
}

func convertToInteger(v any, paramName string) (any, error) {
	switch val := v.(type) {
	case int:
		return val, nil
	case float64:
		return int(val), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("parameter '%s': cannot convert '%s' to integer", paramName, val)
		}
		return i, nil
	default:
		return nil, fmt.Errorf("parameter '%s': cannot convert %T to integer", paramName, v)
	}
}

func convertToNumber(v any, paramName string) (any, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case int:
		return float64(val), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("parameter '%s': cannot convert '%s' to number", paramName, val)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("parameter '%s': cannot convert %T to number", paramName, v)
	}
}

func convertToBoolean(v any, paramName string) (any, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case float64:
		return val != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
		return nil, fmt.Errorf("parameter '%s': cannot convert '%s' to boolean", paramName, val)
	default:
		return nil, fmt.Errorf("parameter '%s': cannot convert %T to boolean", paramName, v)
	}
}

// ToOllamaTools converts tool definitions to Ollama function tools.
func ToOllamaTools(defs []llm.ToolDefinition) (api.Tools, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	result := make(api.Tools, 0, len(defs))
	for _, def := range defs {
		tool, err := ToOllamaTool(def)
		if err != nil {
			return nil, fmt.Errorf("failed to convert tool %s: %w", def.Name, err)
		}
		result = append(result, tool)
	}
	return result, nil
}

// ToOllamaTool converts a single tool definition. The JSON schema is
// re-decoded into Ollama's parameter struct so nested property types survive.
func ToOllamaTool(def llm.ToolDefinition) (api.Tool, error) {
	schema := def.Parameters
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return api.Tool{}, err
	}
	var params api.ToolFunctionParameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return api.Tool{}, err
	}
	if params.Type == "" {
		params.Type = "object"
	}

	return api.Tool{
		Type: "function",
		Function: api.ToolFunction{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  params,
		},
	}, nil
}

// FromOllamaToolCall converts a tool call from a response. Ollama assigns no
// call ids, so one is generated.
func FromOllamaToolCall(call api.ToolCall) llm.ToolCall {
	args := "{}"
	if len(call.Function.Arguments) > 0 {
		if b, err := json.Marshal(call.Function.Arguments); err == nil {
			args = string(b)
		}
	}
	return llm.ToolCall{
		ID:        "call_" + uuid.NewString(),
		Name:      call.Function.Name,
		Arguments: args,
	}
}

// fromChatResponse builds a Response from the final (done) chat message.
// content overrides the message text when the reply was accumulated.
func fromChatResponse(resp api.ChatResponse, content string, calls []api.ToolCall) *llm.Response {
	out := &llm.Response{
		Content: content,
		Role:    llm.RoleAssistant,
		Model:   resp.Model,
		Usage:   llm.NewUsage(resp.PromptEvalCount, resp.EvalCount, 0),
		ToolCalls: lo.Map(calls, func(call api.ToolCall, _ int) llm.ToolCall {
			return FromOllamaToolCall(call)
		}),
		FinishReason: llm.MapFinishReason(resp.DoneReason),
	}
	if len(out.ToolCalls) == 0 {
		out.ToolCalls = nil
	} else {
		out.FinishReason = llm.FinishReasonToolCalls
	}
	return out
}
