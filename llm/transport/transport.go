// Package transport holds the HTTP plumbing shared by the vendor adapters:
// JSON request encoding, status dispatch to the vendor error mapper, and
// wrapping of network and decoding failures into the llm error types.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/metrics"
	"github.com/rs/zerolog"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "unillm/1.0"

	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second

	// maxErrorBody bounds how much of a non-2xx body is kept.
	maxErrorBody = 1 << 20
)

// ErrorMapper classifies a non-2xx vendor response.
type ErrorMapper func(status int, body []byte, header http.Header) error

// Client issues JSON requests against one vendor.
type Client struct {
	provider string
	http     *http.Client
	headers  map[string]string
	mapError ErrorMapper
	logger   zerolog.Logger
}

// NewHTTPClient returns an http.Client with a fixed overall timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// New creates a Client. headers are set on every request.
func New(provider string, httpClient *http.Client, headers map[string]string, mapError ErrorMapper, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if mapError == nil {
		mapError = DefaultErrorMapper(provider)
	}
	return &Client{
		provider: provider,
		http:     httpClient,
		headers:  headers,
		mapError: mapError,
		logger:   logger,
	}
}

// Provider returns the provider name the client reports in errors.
func (c *Client) Provider() string {
	return c.provider
}

// PostJSON encodes payload, merges extra into its top level and POSTs it.
// On success the caller owns the response body.
func (c *Client) PostJSON(ctx context.Context, target string, payload any, extra map[string]any) (*http.Response, error) {
	body, err := EncodePayload(payload, extra)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", c.provider, err)
	}
	return c.do(ctx, http.MethodPost, target, body)
}

// Get issues a GET request. On success the caller owns the response body.
func (c *Client) Get(ctx context.Context, target string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, target, nil)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to construct %s request: %w", c.provider, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveUpstream(c.provider, "error", time.Since(start))
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = redact(req)
		}
		return nil, &llm.TransportError{Provider: c.provider, Op: method, URL: redact(req), Err: err}
	}
	metrics.ObserveUpstream(c.provider, strconv.Itoa(resp.StatusCode), time.Since(start))

	c.logger.Debug().
		Str("provider", c.provider).
		Str("method", method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Upstream request completed")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr != nil {
			return nil, &llm.TransportError{Provider: c.provider, Op: method, URL: redact(req), Err: readErr}
		}
		return nil, c.mapError(resp.StatusCode, errBody, resp.Header)
	}
	return resp, nil
}

// DecodeJSON reads and closes the response body and unmarshals it into v.
// The raw body is returned for Response.Raw.
func (c *Client) DecodeJSON(resp *http.Response, v any) (json.RawMessage, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &llm.TransportError{Provider: c.provider, Op: "read", URL: redact(resp.Request), Err: err}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return nil, &llm.ResponseParseError{Provider: c.provider, Body: body, Err: err}
	}
	return json.RawMessage(body), nil
}

// EncodePayload marshals payload and overlays extra on its top-level object.
func EncodePayload(payload any, extra map[string]any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return body, nil
	}

	var merged map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&merged); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	for k, v := range extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// DecodeErrorBody decodes a vendor error body into a generic map. It returns
// nil when the body is not a JSON object.
func DecodeErrorBody(body []byte) map[string]any {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil
	}
	return decoded
}

// DefaultErrorMapper classifies by status only.
func DefaultErrorMapper(provider string) ErrorMapper {
	return func(status int, body []byte, header http.Header) error {
		return &llm.APIError{
			Kind:       llm.KindFromStatus(status),
			Provider:   provider,
			StatusCode: status,
			Message:    string(bytes.TrimSpace(body)),
			Body:       DecodeErrorBody(body),
			RawBody:    body,
			RetryAfter: llm.ParseRetryAfter(header),
		}
	}
}

// redact drops the query string, which carries the API key for some vendors.
func redact(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	u := *req.URL
	u.RawQuery = ""
	return u.String()
}
