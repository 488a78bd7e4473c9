package gemini

import (
	"encoding/json"
	"strings"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/samber/lo"
)

// streamDecoder handles streamGenerateContent chunks. Each chunk has the
// shape of a full response; function calls arrive whole.
type streamDecoder struct {
	model        string
	finishReason string
	usage        *usageMetadata
	toolCalls    []llm.ToolCall
}

var _ llm.Decoder = (*streamDecoder)(nil)

func newStreamDecoder(model string) *streamDecoder {
	return &streamDecoder{model: model}
}

// Decode handles a single chunk.
func (d *streamDecoder) Decode(payload []byte) (string, error) {
	var chunk generateResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", err
	}

	if chunk.ModelVersion != "" {
		d.model = chunk.ModelVersion
	}
	if chunk.UsageMetadata != nil {
		d.usage = chunk.UsageMetadata
	}
	if len(chunk.Candidates) == 0 {
		return "", nil
	}

	cand := chunk.Candidates[0]
	if cand.FinishReason != "" {
		d.finishReason = cand.FinishReason
	}
	var delta strings.Builder
	for _, p := range cand.Content.Parts {
		delta.WriteString(p.Text)
		if p.FunctionCall != nil {
			d.toolCalls = append(d.toolCalls, toToolCall(p.FunctionCall))
		}
	}
	return delta.String(), nil
}

// Result returns everything but the text content.
func (d *streamDecoder) Result() *llm.Response {
	return &llm.Response{
		Model:        d.model,
		Usage:        toUsage(d.usage),
		FinishReason: llm.MapFinishReason(d.finishReason),
		ToolCalls:    lo.Ternary(len(d.toolCalls) > 0, d.toolCalls, nil),
	}
}
