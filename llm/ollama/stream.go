package ollama

import (
	"context"
	"encoding/json"
	"io"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/ollama/ollama/api"
)

// chunkPipe turns pushed ChatResponse chunks into a line-delimited body.
// Closing the reader cancels the underlying request.
type chunkPipe struct {
	ctx    context.Context
	cancel context.CancelFunc
	r      *io.PipeReader
	w      *io.PipeWriter
}

func newChunkPipe(parent context.Context) *chunkPipe {
	ctx, cancel := context.WithCancel(parent)
	r, w := io.Pipe()
	return &chunkPipe{ctx: ctx, cancel: cancel, r: r, w: w}
}

// write is the ChatResponseFunc. A failed write aborts the request.
func (p *chunkPipe) write(resp api.ChatResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	line := make([]byte, 0, len(payload)+7)
	line = append(line, "data: "...)
	line = append(line, payload...)
	line = append(line, '\n')
	_, err = p.w.Write(line)
	return err
}

func (p *chunkPipe) finish(err error) {
	_ = p.w.CloseWithError(err)
	p.cancel()
}

func (p *chunkPipe) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *chunkPipe) Close() error {
	p.cancel()
	return p.r.Close()
}

// streamDecoder handles re-framed ChatResponse chunks. Text and tool calls
// arrive as increments; the done chunk carries usage and the stop reason.
type streamDecoder struct {
	model string
	final api.ChatResponse
	calls []api.ToolCall
}

var _ llm.Decoder = (*streamDecoder)(nil)

func newStreamDecoder(model string) *streamDecoder {
	return &streamDecoder{model: model}
}

// Decode handles a single chunk.
func (d *streamDecoder) Decode(payload []byte) (string, error) {
	var chunk api.ChatResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", err
	}
	if chunk.Model != "" {
		d.model = chunk.Model
	}
	d.calls = append(d.calls, chunk.Message.ToolCalls...)
	if chunk.Done {
		d.final = chunk
	}
	return chunk.Message.Content, nil
}

// Result returns everything but the text content.
func (d *streamDecoder) Result() *llm.Response {
	resp := fromChatResponse(d.final, "", d.calls)
	resp.Model = d.model
	return resp
}
