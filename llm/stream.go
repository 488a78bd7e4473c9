package llm

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	dataPrefix   = []byte("data:")
	doneSentinel = []byte("[DONE]")
)

// StreamingResponse decodes a line-delimited event stream. Bytes are buffered
// until a newline; each line is trimmed and classified. Only "data:" lines
// reach the Decoder, the "[DONE]" sentinel and every other line are skipped,
// and payloads the Decoder rejects are dropped without ending the stream.
//
// The stream owns body until it is exhausted or closed.
type StreamingResponse struct {
	body    io.ReadCloser
	reader  *bufio.Reader
	decoder Decoder
	logger  zerolog.Logger

	current string
	content strings.Builder
	err     error
	done    bool

	closeOnce sync.Once
	closeErr  error
	collected *Response
}

var _ Stream = (*StreamingResponse)(nil)

// NewStreamingResponse wraps body with the given decoder.
func NewStreamingResponse(body io.ReadCloser, decoder Decoder, logger zerolog.Logger) *StreamingResponse {
	return &StreamingResponse{
		body:    body,
		reader:  bufio.NewReader(body),
		decoder: decoder,
		logger:  logger,
	}
}

// Next advances to the next non-empty text delta.
func (s *StreamingResponse) Next() bool {
	for !s.done {
		line, readErr := s.reader.ReadBytes('\n')
		if len(line) > 0 {
			if delta := s.handleLine(line); delta != "" {
				s.current = delta
				s.content.WriteString(delta)
				if readErr != nil {
					s.finish(readErr)
				}
				return true
			}
		}
		if readErr != nil {
			s.finish(readErr)
		}
	}
	s.current = ""
	return false
}

func (s *StreamingResponse) finish(readErr error) {
	s.done = true
	if !errors.Is(readErr, io.EOF) {
		s.err = readErr
	}
	_ = s.Close()
}

func (s *StreamingResponse) handleLine(line []byte) string {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return ""
	}
	payload, ok := bytes.CutPrefix(line, dataPrefix)
	if !ok {
		return ""
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, doneSentinel) {
		return ""
	}
	delta, err := s.decoder.Decode(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("payload", truncate(string(payload), 200)).Msg("Dropping malformed stream event")
		return ""
	}
	return delta
}

// Delta returns the text delta produced by the last call to Next.
func (s *StreamingResponse) Delta() string {
	return s.current
}

// Err returns the first read error, if any. Reaching the end of the body is
// not an error.
func (s *StreamingResponse) Err() error {
	return s.err
}

// Close releases the underlying body. It is safe to call more than once.
func (s *StreamingResponse) Close() error {
	s.closeOnce.Do(func() {
		s.done = true
		if s.body != nil {
			s.closeErr = s.body.Close()
		}
	})
	return s.closeErr
}

// Deltas returns an iterator over the remaining deltas.
func (s *StreamingResponse) Deltas() iter.Seq[string] {
	return func(yield func(string) bool) {
		for s.Next() {
			if !yield(s.Delta()) {
				return
			}
		}
	}
}

// Collect drains whatever is left of the stream and builds the final
// response from every delta seen so far plus the decoder's side state.
// A read error is returned together with the partial response.
func (s *StreamingResponse) Collect() (*Response, error) {
	if s.collected != nil {
		return s.collected, s.err
	}
	for s.Next() {
	}
	_ = s.Close()

	resp := s.decoder.Result()
	if resp == nil {
		resp = &Response{}
	}
	resp.Content = s.content.String()
	resp.Role = RoleAssistant
	s.collected = resp
	return resp, s.err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
