package gemini

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/llm/transport"
)

var statusKinds = map[string]llm.ErrorKind{
	"UNAUTHENTICATED":     llm.ErrorKindAuthentication,
	"PERMISSION_DENIED":   llm.ErrorKindAuthentication,
	"RESOURCE_EXHAUSTED":  llm.ErrorKindRateLimit,
	"INVALID_ARGUMENT":    llm.ErrorKindInvalidRequest,
	"FAILED_PRECONDITION": llm.ErrorKindInvalidRequest,
	"NOT_FOUND":           llm.ErrorKindNotFound,
	"INTERNAL":            llm.ErrorKindServer,
	"UNAVAILABLE":         llm.ErrorKindServer,
}

// mapError converts a non-2xx Gemini response into an *llm.APIError.
func mapError(status int, body []byte, header http.Header) error {
	apiErr := &llm.APIError{
		Provider:   llm.ProviderGemini,
		StatusCode: status,
		Body:       transport.DecodeErrorBody(body),
		RawBody:    body,
		RetryAfter: llm.ParseRetryAfter(header),
	}

	var decoded errorBody
	if err := json.Unmarshal(body, &decoded); err == nil && (decoded.Error.Status != "" || decoded.Error.Message != "") {
		apiErr.Type = decoded.Error.Status
		apiErr.Message = decoded.Error.Message
	} else {
		apiErr.Message = string(bytes.TrimSpace(body))
	}

	apiErr.Kind = classify(status, apiErr.Type, apiErr.Message)
	return apiErr
}

// classify uses the RPC status first. Gemini answers a bad API key with
// INVALID_ARGUMENT, recognizable only by its message.
func classify(status int, rpcStatus, message string) llm.ErrorKind {
	if rpcStatus == "INVALID_ARGUMENT" && strings.Contains(strings.ToLower(message), "api key") {
		return llm.ErrorKindAuthentication
	}
	if kind, ok := statusKinds[rpcStatus]; ok {
		return kind
	}
	return llm.KindFromStatus(status)
}
