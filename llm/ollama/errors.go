package ollama

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/ollama/ollama/api"
)

// mapError converts an API client failure into the unified taxonomy.
// Status errors become *llm.APIError; a bare error message from a streamed
// body is classified by its text; anything else is a transport failure.
func (c *Client) mapError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &llm.TransportError{Provider: llm.ProviderOllama, Op: op, URL: c.host, Err: err}
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		msg := statusErr.ErrorMessage
		if msg == "" {
			msg = statusErr.Status
		}
		return &llm.APIError{
			Kind:       classify(statusErr.StatusCode, msg),
			Provider:   llm.ProviderOllama,
			StatusCode: statusErr.StatusCode,
			Message:    msg,
			RawBody:    []byte(statusErr.ErrorMessage),
		}
	}

	msg := err.Error()
	if kind := classify(0, msg); kind != llm.ErrorKindUnknown {
		return &llm.APIError{
			Kind:     kind,
			Provider: llm.ProviderOllama,
			Message:  msg,
		}
	}
	return &llm.TransportError{Provider: llm.ProviderOllama, Op: op, URL: c.host, Err: err}
}

// classify prefers the status; Ollama's own messages identify missing models.
func classify(status int, message string) llm.ErrorKind {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "not found"):
		return llm.ErrorKindNotFound
	case status == http.StatusNotFound:
		return llm.ErrorKindNotFound
	case status != 0:
		return llm.KindFromStatus(status)
	case strings.Contains(lower, "context length") || strings.Contains(lower, "invalid"):
		return llm.ErrorKindInvalidRequest
	default:
		return llm.ErrorKindUnknown
	}
}
