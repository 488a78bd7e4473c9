package llm

import (
	"testing"
)

func TestMapFinishReason(t *testing.T) {
	tests := []struct {
		code string
		want FinishReason
	}{
		{"stop", FinishReasonStop},
		{"end_turn", FinishReasonStop},
		{"stop_sequence", FinishReasonStop},
		{"STOP", FinishReasonStop},
		{"length", FinishReasonLength},
		{"max_tokens", FinishReasonLength},
		{"MAX_TOKENS", FinishReasonLength},
		{"tool_calls", FinishReasonToolCalls},
		{"tool_use", FinishReasonToolCalls},
		{"function_call", FinishReasonToolCalls},
		{"TOOL_CALL", FinishReasonToolCalls},
		{"FUNCTION_CALL", FinishReasonToolCalls},
		{"content_filter", FinishReasonContentFilter},
		{"SAFETY", FinishReasonContentFilter},
		{"RECITATION", FinishReasonContentFilter},
		{"", ""},
		{"OTHER", FinishReason("OTHER")},
		{"pause_turn", FinishReason("pause_turn")},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := MapFinishReason(tt.code); got != tt.want {
				t.Errorf("MapFinishReason(%q) = %q, want %q", tt.code, got, tt.want)
			}
		})
	}
}

func TestMapFinishReasonIsTotal(t *testing.T) {
	for code, reason := range finishReasons {
		if !reason.IsKnown() {
			t.Errorf("Code %q maps to %q outside the unified set", code, reason)
		}
		if MapFinishReason(code) != MapFinishReason(code) {
			t.Errorf("Mapping for %q is not stable", code)
		}
	}
	if FinishReason("OTHER").IsKnown() {
		t.Error("Expected unknown code not to be in the unified set")
	}
}
