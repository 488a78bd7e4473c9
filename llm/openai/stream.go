package openai

import (
	"encoding/json"
	"strings"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/samber/lo"
	openai "github.com/sashabaranov/go-openai"
)

// streamDecoder decodes chat.completion.chunk payloads. Tool call fragments
// arrive keyed by index and are reassembled in first-seen order.
type streamDecoder struct {
	model        string
	finishReason string
	usage        *openai.Usage

	order []int
	calls map[int]*toolCallBuilder
}

type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

var _ llm.Decoder = (*streamDecoder)(nil)

func newStreamDecoder(model string) *streamDecoder {
	return &streamDecoder{
		model: model,
		calls: make(map[int]*toolCallBuilder),
	}
}

// Decode handles a single chunk.
func (d *streamDecoder) Decode(payload []byte) (string, error) {
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", err
	}

	if chunk.Model != "" {
		d.model = chunk.Model
	}
	if chunk.Usage != nil {
		d.usage = chunk.Usage
	}

	var delta strings.Builder
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		if choice.FinishReason != "" {
			d.finishReason = string(choice.FinishReason)
		}
		for _, tc := range choice.Delta.ToolCalls {
			d.addToolCall(tc)
		}
		delta.WriteString(choice.Delta.Content)
	}
	return delta.String(), nil
}

func (d *streamDecoder) addToolCall(tc openai.ToolCall) {
	index := len(d.order)
	if tc.Index != nil {
		index = *tc.Index
	}

	builder, ok := d.calls[index]
	if !ok {
		builder = &toolCallBuilder{}
		d.calls[index] = builder
		d.order = append(d.order, index)
	}
	if tc.ID != "" {
		builder.id = tc.ID
	}
	if tc.Function.Name != "" {
		builder.name = tc.Function.Name
	}
	builder.args.WriteString(tc.Function.Arguments)
}

// Result returns everything but the text content.
func (d *streamDecoder) Result() *llm.Response {
	resp := &llm.Response{
		Model:        d.model,
		FinishReason: llm.MapFinishReason(d.finishReason),
	}
	if d.usage != nil {
		resp.Usage = llm.NewUsage(d.usage.PromptTokens, d.usage.CompletionTokens, d.usage.TotalTokens)
	}
	for _, index := range d.order {
		builder := d.calls[index]
		args := builder.args.String()
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ID:        builder.id,
			Name:      builder.name,
			Arguments: lo.Ternary(args != "", args, "{}"),
		})
	}
	return resp
}
