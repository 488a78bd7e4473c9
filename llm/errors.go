package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind represents the unified category of a vendor API error.
type ErrorKind string

const (
	ErrorKindAuthentication ErrorKind = "authentication"
	ErrorKindRateLimit      ErrorKind = "rate_limit"
	ErrorKindQuotaExceeded  ErrorKind = "quota_exceeded"
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
	ErrorKindOverloaded     ErrorKind = "overloaded"
	ErrorKindNotFound       ErrorKind = "not_found"
	ErrorKindServer         ErrorKind = "server"
	ErrorKindUnknown        ErrorKind = "unknown"
)

// APIError is returned when a vendor answers with a non-2xx status.
// It always keeps the raw error body and the HTTP status for diagnostics.
type APIError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Type       string // Vendor error type or status string
	Code       string // Vendor error code
	Message    string
	Body       map[string]any // Decoded error body, nil when it was not JSON
	RawBody    []byte
	RetryAfter *time.Duration
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(" API error (")
	b.WriteString(strconv.Itoa(e.StatusCode))
	if e.Type != "" {
		b.WriteString(", ")
		b.WriteString(e.Type)
	}
	b.WriteString("): ")
	b.WriteString(msg)
	return b.String()
}

// IsAuthenticationError is true for authentication kinds and for any 401.
func (e *APIError) IsAuthenticationError() bool {
	return e.Kind == ErrorKindAuthentication || e.StatusCode == http.StatusUnauthorized
}

// IsRateLimitError is true for rate limit kinds and for any 429, which also
// covers vendors that report exhausted quota with a 429.
func (e *APIError) IsRateLimitError() bool {
	return e.Kind == ErrorKindRateLimit || e.StatusCode == http.StatusTooManyRequests
}

func (e *APIError) IsQuotaExceededError() bool  { return e.Kind == ErrorKindQuotaExceeded }
func (e *APIError) IsInvalidRequestError() bool { return e.Kind == ErrorKindInvalidRequest }
func (e *APIError) IsOverloadedError() bool     { return e.Kind == ErrorKindOverloaded }
func (e *APIError) IsNotFoundError() bool       { return e.Kind == ErrorKindNotFound }
func (e *APIError) IsServerError() bool         { return e.Kind == ErrorKindServer }

// Retryable reports whether the failure is transient. The adapters never retry
// on their own; this is a hint for callers.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case ErrorKindRateLimit, ErrorKindOverloaded, ErrorKindServer:
		return true
	default:
		return false
	}
}

// KindFromStatus classifies an HTTP status when the vendor body carries no
// recognizable error code.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorKindAuthentication
	case status == http.StatusTooManyRequests:
		return ErrorKindRateLimit
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ErrorKindInvalidRequest
	case status == http.StatusNotFound:
		return ErrorKindNotFound
	case status == 529:
		return ErrorKindOverloaded
	case status >= 500:
		return ErrorKindServer
	default:
		return ErrorKindUnknown
	}
}

// ParseRetryAfter reads a Retry-After header expressed in seconds.
func ParseRetryAfter(header http.Header) *time.Duration {
	if header == nil {
		return nil
	}
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return nil
	}
	d := time.Duration(secs * float64(time.Second))
	return &d
}

// TransportError wraps a network-level failure (DNS, timeout, connection reset).
type TransportError struct {
	Provider string
	Op       string
	URL      string
	Err      error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport error: %s %s: %v", e.Provider, e.Op, e.URL, e.Err)
}

// Unwrap returns the underlying network error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ResponseParseError is returned when a vendor response body is not the JSON we expect.
type ResponseParseError struct {
	Provider string
	Body     []byte
	Err      error
}

// Error implements the error interface.
func (e *ResponseParseError) Error() string {
	return fmt.Sprintf("failed to parse %s response: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying decode error.
func (e *ResponseParseError) Unwrap() error {
	return e.Err
}

// UnsupportedOperationError marks a permanent capability gap of a provider.
type UnsupportedOperationError struct {
	Provider  string
	Operation string
}

// Error implements the error interface.
func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s does not support %s", e.Provider, e.Operation)
}

// RateLimitExceededError is returned by the local rate limiter before any
// request is sent.
type RateLimitExceededError struct {
	Provider string
	Limit    int
	Window   time.Duration
	ResetIn  time.Duration
}

// Error implements the error interface.
func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for provider %s: %d requests per %s, resets in %s",
		e.Provider, e.Limit, e.Window, e.ResetIn.Round(time.Second))
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsAuthenticationError checks if an error is a vendor authentication error.
func IsAuthenticationError(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && apiErr.IsAuthenticationError()
}

// IsRateLimitError checks if an error is a vendor rate limit error.
func IsRateLimitError(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && apiErr.IsRateLimitError()
}

// IsQuotaExceededError checks if an error is a vendor quota error.
func IsQuotaExceededError(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && apiErr.IsQuotaExceededError()
}

// IsInvalidRequestError checks if an error is a vendor invalid request error.
func IsInvalidRequestError(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && apiErr.IsInvalidRequestError()
}

// IsOverloadedError checks if an error is a vendor overloaded error.
func IsOverloadedError(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && apiErr.IsOverloadedError()
}

// IsNotFoundError checks if an error is a vendor not found error.
func IsNotFoundError(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && apiErr.IsNotFoundError()
}

// IsServerError checks if an error is a vendor server error.
func IsServerError(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && apiErr.IsServerError()
}

// IsRetryableError checks if an error is transient.
func IsRetryableError(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && apiErr.Retryable()
}

// ExtractRetryAfter extracts the retry-after duration from an error.
func ExtractRetryAfter(err error) *time.Duration {
	if apiErr, ok := asAPIError(err); ok {
		return apiErr.RetryAfter
	}
	var limitErr *RateLimitExceededError
	if errors.As(err, &limitErr) {
		d := limitErr.ResetIn
		return &d
	}
	return nil
}

// IsTransportError checks if an error is a network-level failure.
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// IsResponseParseError checks if an error is a response decoding failure.
func IsResponseParseError(err error) bool {
	var parseErr *ResponseParseError
	return errors.As(err, &parseErr)
}

// IsUnsupportedOperationError checks if an error marks a capability gap.
func IsUnsupportedOperationError(err error) bool {
	var unsupportedErr *UnsupportedOperationError
	return errors.As(err, &unsupportedErr)
}

// IsRateLimitExceededError checks if an error was raised by the local rate limiter.
func IsRateLimitExceededError(err error) bool {
	var limitErr *RateLimitExceededError
	return errors.As(err, &limitErr)
}
