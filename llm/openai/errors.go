package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/llm/transport"
	openai "github.com/sashabaranov/go-openai"
)

// errorKinds classifies error.code and error.type values.
var errorKinds = map[string]llm.ErrorKind{
	"invalid_api_key":        llm.ErrorKindAuthentication,
	"invalid_authentication": llm.ErrorKindAuthentication,
	"rate_limit_exceeded":    llm.ErrorKindRateLimit,
	"insufficient_quota":     llm.ErrorKindQuotaExceeded,
	"invalid_request_error":  llm.ErrorKindInvalidRequest,
	"model_not_found":        llm.ErrorKindNotFound,
	"server_error":           llm.ErrorKindServer,
}

// mapError converts a non-2xx OpenAI response into an *llm.APIError.
func mapError(status int, body []byte, header http.Header) error {
	apiErr := &llm.APIError{
		Provider:   llm.ProviderOpenAI,
		StatusCode: status,
		Body:       transport.DecodeErrorBody(body),
		RawBody:    body,
		RetryAfter: llm.ParseRetryAfter(header),
	}

	var errResp openai.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
		apiErr.Type = errResp.Error.Type
		apiErr.Code = codeString(errResp.Error.Code)
		apiErr.Message = errResp.Error.Message
	} else {
		apiErr.Message = string(bytes.TrimSpace(body))
	}

	apiErr.Kind = classify(status, apiErr.Code, apiErr.Type)
	return apiErr
}

// classify checks error.code first. OpenAI reports most failures with type
// invalid_request_error, so auth and rate statuses win over the type.
func classify(status int, code, errType string) llm.ErrorKind {
	if kind, ok := errorKinds[code]; ok {
		return kind
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return llm.KindFromStatus(status)
	}
	if kind, ok := errorKinds[errType]; ok {
		return kind
	}
	return llm.KindFromStatus(status)
}

func codeString(code any) string {
	switch v := code.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
