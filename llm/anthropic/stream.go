package anthropic

import (
	"encoding/json"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/rs/zerolog"
)

// streamDecoder folds Messages API stream events into deltas plus side
// state. input_json_delta fragments belong to the most recently started
// tool_use block.
type streamDecoder struct {
	logger zerolog.Logger

	model        string
	stopReason   string
	inputTokens  int64
	outputTokens int64
	calls        []*toolCallBuilder
}

type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

var _ llm.Decoder = (*streamDecoder)(nil)

func newStreamDecoder(model string, logger zerolog.Logger) *streamDecoder {
	return &streamDecoder{model: model, logger: logger}
}

// Decode handles one event payload.
func (d *streamDecoder) Decode(payload []byte) (string, error) {
	var event anthropic.MessageStreamEventUnion
	if err := json.Unmarshal(payload, &event); err != nil {
		return "", err
	}

	switch evt := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		d.inputTokens = evt.Message.Usage.InputTokens
		if evt.Message.Model != "" {
			d.model = string(evt.Message.Model)
		}
	case anthropic.ContentBlockStartEvent:
		if block, ok := evt.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
			d.calls = append(d.calls, &toolCallBuilder{id: block.ID, name: block.Name})
		}
	case anthropic.ContentBlockDeltaEvent:
		switch delta := evt.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return delta.Text, nil
		case anthropic.InputJSONDelta:
			if len(d.calls) > 0 {
				d.calls[len(d.calls)-1].args.WriteString(delta.PartialJSON)
			}
		}
	case anthropic.MessageDeltaEvent:
		if evt.Delta.StopReason != "" {
			d.stopReason = string(evt.Delta.StopReason)
		}
		d.outputTokens = evt.Usage.OutputTokens
		if evt.Usage.InputTokens > 0 {
			d.inputTokens = evt.Usage.InputTokens
		}
	}
	return "", nil
}

// Result returns everything but the text content.
func (d *streamDecoder) Result() *llm.Response {
	resp := &llm.Response{
		Model:        d.model,
		Usage:        llm.NewUsage(int(d.inputTokens), int(d.outputTokens), 0),
		FinishReason: llm.MapFinishReason(d.stopReason),
	}
	for _, call := range d.calls {
		args := strings.TrimSpace(call.args.String())
		switch {
		case args == "":
			args = "{}"
		case !json.Valid([]byte(args)):
			d.logger.Warn().
				Str("tool", call.name).
				Str("tool_call_id", call.id).
				Msg("Discarding malformed streamed tool arguments")
			args = "{}"
		}
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ID:        call.id,
			Name:      call.name,
			Arguments: args,
		})
	}
	return resp
}
