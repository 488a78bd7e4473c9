package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aschepis/backscratcher/unillm/config"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/rs/zerolog"
)

type capture struct {
	path string
	body map[string]any
}

func newTestServer(t *testing.T, status int, response string) (*httptest.Server, *capture) {
	t.Helper()
	got := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			if err := json.Unmarshal(data, &got.body); err != nil {
				t.Errorf("request body is not JSON: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func newTestClient(t *testing.T, host string) *Client {
	t.Helper()
	client, err := NewClient(config.OllamaConfig{
		Host:           host,
		Model:          "llama3.2:3b",
		EmbeddingModel: "nomic-embed-text",
	}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestNewClientRequiresHost(t *testing.T) {
	if _, err := NewClient(config.OllamaConfig{}, nil, zerolog.Nop()); err == nil {
		t.Error("Expected error for empty host")
	}
}

func TestParseHost(t *testing.T) {
	u, err := parseHost("localhost:11434")
	if err != nil {
		t.Fatalf("parseHost failed: %v", err)
	}
	if u.String() != "http://localhost:11434" {
		t.Errorf("Expected http scheme to be added, got %q", u.String())
	}
}

func TestChat(t *testing.T) {
	srv, got := newTestServer(t, http.StatusOK,
		`{"model":"llama3.2:3b","message":{"role":"assistant","content":"Hello"},"done":true,"done_reason":"stop","prompt_eval_count":5,"eval_count":3}`+"\n")
	client := newTestClient(t, srv.URL)

	temp := 0.2
	resp, err := client.Chat(context.Background(), []llm.Message{llm.NewUserMessage("Hi")}, llm.Options{
		MaxTokens:   64,
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if got.path != "/api/chat" {
		t.Errorf("Expected /api/chat, got %q", got.path)
	}
	if got.body["stream"] != false {
		t.Errorf("Expected stream=false, got %v", got.body["stream"])
	}
	options, _ := got.body["options"].(map[string]any)
	if options["num_predict"] != float64(64) || options["temperature"] != 0.2 {
		t.Errorf("Unexpected options: %v", options)
	}

	if resp.Content != "Hello" {
		t.Errorf("Expected content 'Hello', got %q", resp.Content)
	}
	if resp.FinishReason != llm.FinishReasonStop {
		t.Errorf("Expected finish reason stop, got %q", resp.FinishReason)
	}
	if resp.Usage != (llm.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}) {
		t.Errorf("Unexpected usage: %+v", resp.Usage)
	}
}

func TestChatRequiresModel(t *testing.T) {
	client, err := NewClient(config.OllamaConfig{Host: "http://127.0.0.1:1"}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	_, err = client.Chat(context.Background(), []llm.Message{llm.NewUserMessage("Hi")}, llm.Options{})
	if !errors.Is(err, ErrModelRequired) {
		t.Errorf("Expected ErrModelRequired, got %v", err)
	}
}

func TestChatToolCalls(t *testing.T) {
	srv, got := newTestServer(t, http.StatusOK,
		`{"model":"llama3.2:3b","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"get_weather","arguments":{"city":"Paris"}}}]},"done":true,"done_reason":"stop"}`+"\n")
	client := newTestClient(t, srv.URL)

	resp, err := client.Chat(context.Background(), []llm.Message{llm.NewUserMessage("Weather?")}, llm.Options{
		Tools: []llm.ToolDefinition{{
			Name:        "get_weather",
			Description: "Look up the weather",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"city": map[string]any{"type": "string"}},
				"required":   []string{"city"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	tools, _ := got.body["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("Expected 1 tool in request, got %v", got.body["tools"])
	}
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	if fn["name"] != "get_weather" {
		t.Errorf("Unexpected tool function: %v", fn)
	}

	if resp.FinishReason != llm.FinishReasonToolCalls {
		t.Errorf("Expected finish reason tool_calls, got %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("Expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.Name != "get_weather" || call.Arguments != `{"city":"Paris"}` {
		t.Errorf("Unexpected tool call: %+v", call)
	}
	if !strings.HasPrefix(call.ID, "call_") {
		t.Errorf("Expected generated call id, got %q", call.ID)
	}
}

func TestChatModelNotFound(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusNotFound, `{"error":"model \"nope\" not found, try pulling it first"}`+"\n")
	client := newTestClient(t, srv.URL)

	_, err := client.Chat(context.Background(), []llm.Message{llm.NewUserMessage("Hi")}, llm.Options{Model: "nope"})
	if !llm.IsNotFoundError(err) {
		t.Errorf("Expected not found error, got %v", err)
	}
}

func TestChatUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := srv.URL
	srv.Close()

	client := newTestClient(t, host)
	_, err := client.Chat(context.Background(), []llm.Message{llm.NewUserMessage("Hi")}, llm.Options{})
	if !llm.IsTransportError(err) {
		t.Errorf("Expected transport error, got %v", err)
	}
}

func TestChatStream(t *testing.T) {
	chunks := strings.Join([]string{
		`{"model":"llama3.2:3b","message":{"role":"assistant","content":"Hello"},"done":false}`,
		`{"model":"llama3.2:3b","message":{"role":"assistant","content":" world"},"done":false}`,
		`{"model":"llama3.2:3b","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":4,"eval_count":2}`,
	}, "\n") + "\n"
	srv, got := newTestServer(t, http.StatusOK, chunks)
	client := newTestClient(t, srv.URL)

	stream, err := client.ChatStream(context.Background(), []llm.Message{llm.NewUserMessage("Hi")}, llm.Options{})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	defer stream.Close()

	var deltas []string
	for stream.Next() {
		deltas = append(deltas, stream.Delta())
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if strings.Join(deltas, "|") != "Hello| world" {
		t.Errorf("Unexpected deltas: %q", deltas)
	}
	if got.body["stream"] != true {
		t.Errorf("Expected stream=true, got %v", got.body["stream"])
	}

	resp, err := stream.Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("Expected content 'Hello world', got %q", resp.Content)
	}
	if resp.FinishReason != llm.FinishReasonStop {
		t.Errorf("Expected finish reason stop, got %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 6 {
		t.Errorf("Expected 6 total tokens, got %+v", resp.Usage)
	}
}

func TestChatStreamCloseEarly(t *testing.T) {
	chunks := `{"model":"m","message":{"role":"assistant","content":"a"},"done":false}` + "\n" +
		`{"model":"m","message":{"role":"assistant","content":"b"},"done":false}` + "\n"
	srv, _ := newTestServer(t, http.StatusOK, chunks)
	client := newTestClient(t, srv.URL)

	stream, err := client.ChatStream(context.Background(), []llm.Message{llm.NewUserMessage("Hi")}, llm.Options{})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	if !stream.Next() {
		t.Fatalf("Expected a first delta, err=%v", stream.Err())
	}
	if err := stream.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if stream.Next() {
		t.Error("Expected no deltas after Close")
	}
}

func TestToolArguments(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count": map[string]any{"type": "integer"},
			"ratio": map[string]any{"type": "number"},
			"flag":  map[string]any{"type": "boolean"},
			"name":  map[string]any{"type": "string"},
		},
		"required": []any{"count"},
	}

	args, err := toolArguments("t", `{"count":"3","ratio":"0.5","flag":"yes","name":7,"extra":"x"}`, schema)
	if err != nil {
		t.Fatalf("toolArguments failed: %v", err)
	}
	if args["count"] != 3 || args["ratio"] != 0.5 || args["flag"] != true || args["name"] != "7" || args["extra"] != "x" {
		t.Errorf("Unexpected converted arguments: %v", args)
	}

	if _, err := toolArguments("t", `{"ratio":1}`, schema); err == nil {
		t.Error("Expected error for missing required parameter")
	}
	if _, err := toolArguments("t", `{"count":""}`, schema); err == nil {
		t.Error("Expected error for empty required parameter")
	}
	if _, err := toolArguments("t", `{"count":"many"}`, schema); err == nil {
		t.Error("Expected error for unconvertible integer")
	}

	args, err = toolArguments("t", "", nil)
	if err != nil || len(args) != 0 {
		t.Errorf("Expected empty arguments without schema, got %v, %v", args, err)
	}
}

func TestToOllamaMessages(t *testing.T) {
	msgs := []llm.Message{
		llm.NewSystemMessage("original"),
		llm.NewUserMessage("What's the weather?"),
		llm.NewToolCallMessage("", llm.ToolCall{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Paris"}`}),
		llm.NewToolResultMessage("call_1", "get_weather", "sunny"),
	}

	out, err := ToOllamaMessages(msgs, llm.Options{System: "override"})
	if err != nil {
		t.Fatalf("ToOllamaMessages failed: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(out))
	}
	if out[0].Role != "system" || out[0].Content != "override" {
		t.Errorf("Expected system override, got %+v", out[0])
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].Function.Arguments["city"] != "Paris" {
		t.Errorf("Unexpected assistant tool call: %+v", out[2])
	}
	if out[3].Role != "tool" || out[3].Content != "sunny" || out[3].ToolName != "get_weather" {
		t.Errorf("Unexpected tool result message: %+v", out[3])
	}

	out, err = ToOllamaMessages([]llm.Message{llm.NewUserMessage("Hi")}, llm.Options{System: "be brief"})
	if err != nil {
		t.Fatalf("ToOllamaMessages failed: %v", err)
	}
	if len(out) != 2 || out[0].Role != "system" {
		t.Errorf("Expected prepended system message, got %+v", out)
	}
}

func TestToImageData(t *testing.T) {
	img, err := toImageData("data:image/png;base64,aGVsbG8=")
	if err != nil {
		t.Fatalf("toImageData failed: %v", err)
	}
	if string(img) != "hello" {
		t.Errorf("Expected decoded bytes, got %q", img)
	}
	if _, err := toImageData("https://example.com/cat.png"); err == nil {
		t.Error("Expected error for remote image URL")
	}
}

func TestEmbed(t *testing.T) {
	srv, got := newTestServer(t, http.StatusOK,
		`{"model":"nomic-embed-text","embeddings":[[0.5,0.25],[1,2]],"prompt_eval_count":4}`)
	client := newTestClient(t, srv.URL)

	resp, err := client.Embed(context.Background(), []string{"a", "b"}, llm.EmbedOptions{})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if got.path != "/api/embed" || got.body["model"] != "nomic-embed-text" {
		t.Errorf("Unexpected request: %s %v", got.path, got.body)
	}
	if resp.Len() != 2 || resp.First()[0] != 0.5 || resp.Embeddings[1][1] != 2 {
		t.Errorf("Unexpected embeddings: %v", resp.Embeddings)
	}
	if resp.Usage.PromptTokens != 4 {
		t.Errorf("Expected 4 prompt tokens, got %+v", resp.Usage)
	}
}

func TestListModels(t *testing.T) {
	srv, got := newTestServer(t, http.StatusOK,
		`{"models":[{"name":"llama3.2:3b","model":"llama3.2:3b"},{"name":"nomic-embed-text:latest","model":"nomic-embed-text:latest"}]}`)
	client := newTestClient(t, srv.URL)

	names, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if got.path != "/api/tags" {
		t.Errorf("Expected /api/tags, got %q", got.path)
	}
	if strings.Join(names, ",") != "llama3.2:3b,nomic-embed-text:latest" {
		t.Errorf("Unexpected models: %v", names)
	}
}

func TestListModelsServerError(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusInternalServerError, `{"error":"boom"}`)
	client := newTestClient(t, srv.URL)

	_, err := client.ListModels(context.Background())
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *llm.APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError || !apiErr.IsServerError() {
		t.Errorf("Unexpected error: %+v", apiErr)
	}
	if apiErr.Message != "boom" {
		t.Errorf("Expected message 'boom', got %q", apiErr.Message)
	}
}

func TestClientMetadata(t *testing.T) {
	client := newTestClient(t, "http://localhost:11434")
	if client.Name() != llm.ProviderOllama {
		t.Errorf("Expected name %q, got %q", llm.ProviderOllama, client.Name())
	}
	if !client.SupportsStreaming() {
		t.Error("Expected streaming support")
	}
	if len(client.Models()) == 0 {
		t.Error("Expected a model catalog")
	}
}
