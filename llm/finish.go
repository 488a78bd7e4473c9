package llm

// FinishReason is the vendor-agnostic reason generation stopped.
// The empty value means the vendor did not report one.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonToolCalls     FinishReason = "tool_calls"
	FinishReasonContentFilter FinishReason = "content_filter"
)

// finishReasons maps every vendor code we know about. OpenAI, Claude and
// Gemini codes do not collide, so a single table serves all adapters for both
// the streaming and the non-streaming path.
var finishReasons = map[string]FinishReason{
	// OpenAI
	"stop":           FinishReasonStop,
	"length":         FinishReasonLength,
	"tool_calls":     FinishReasonToolCalls,
	"function_call":  FinishReasonToolCalls,
	"content_filter": FinishReasonContentFilter,

	// Claude
	"end_turn":      FinishReasonStop,
	"stop_sequence": FinishReasonStop,
	"max_tokens":    FinishReasonLength,
	"tool_use":      FinishReasonToolCalls,

	// Gemini
	"STOP":          FinishReasonStop,
	"MAX_TOKENS":    FinishReasonLength,
	"TOOL_CALL":     FinishReasonToolCalls,
	"FUNCTION_CALL": FinishReasonToolCalls,
	"SAFETY":        FinishReasonContentFilter,
	"RECITATION":    FinishReasonContentFilter,
}

// MapFinishReason converts a vendor finish code into a FinishReason.
// Unknown codes pass through unchanged.
func MapFinishReason(code string) FinishReason {
	if code == "" {
		return ""
	}
	if reason, ok := finishReasons[code]; ok {
		return reason
	}
	return FinishReason(code)
}

// IsKnown reports whether r belongs to the closed unified set.
func (r FinishReason) IsKnown() bool {
	switch r {
	case FinishReasonStop, FinishReasonLength, FinishReasonToolCalls, FinishReasonContentFilter:
		return true
	default:
		return false
	}
}
