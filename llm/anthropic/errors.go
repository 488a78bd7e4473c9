package anthropic

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/llm/transport"
)

var errorKinds = map[string]llm.ErrorKind{
	"authentication_error":  llm.ErrorKindAuthentication,
	"permission_error":      llm.ErrorKindAuthentication,
	"rate_limit_error":      llm.ErrorKindRateLimit,
	"overloaded_error":      llm.ErrorKindOverloaded,
	"invalid_request_error": llm.ErrorKindInvalidRequest,
	"not_found_error":       llm.ErrorKindNotFound,
	"api_error":             llm.ErrorKindServer,
}

// errorBody is the envelope Anthropic wraps every error in.
type errorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// mapError converts a non-2xx Anthropic response into an *llm.APIError.
func mapError(status int, body []byte, header http.Header) error {
	apiErr := &llm.APIError{
		Provider:   llm.ProviderClaude,
		StatusCode: status,
		Body:       transport.DecodeErrorBody(body),
		RawBody:    body,
		RetryAfter: llm.ParseRetryAfter(header),
	}

	var decoded errorBody
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error.Type != "" {
		apiErr.Type = decoded.Error.Type
		apiErr.Message = decoded.Error.Message
	} else {
		apiErr.Message = string(bytes.TrimSpace(body))
	}

	if kind, ok := errorKinds[apiErr.Type]; ok {
		apiErr.Kind = kind
	} else {
		apiErr.Kind = llm.KindFromStatus(status)
	}
	return apiErr
}
