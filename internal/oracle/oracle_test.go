package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
)

var runQueryTool = Tool{
	Name:        "run_query",
	Description: "Execute a SQL query",
	Parameters: map[string]any{
		"type":       "object",
		"properties": map[string]any{"query": map[string]any{"type": "string"}},
		"required":   []string{"query"},
	},
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(Config{Provider: "anthropic-local", ModelName: "x"})
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("New() error = %v, want ErrUnknownProvider", err)
	}
	if !strings.Contains(err.Error(), "anthropic-local") {
		t.Fatalf("error should name the provider: %v", err)
	}
}

func TestNewValidatesTemperature(t *testing.T) {
	for _, temp := range []float64{-0.1, 1.01} {
		if _, err := New(Config{Provider: ProviderOllama, Temperature: temp}); err == nil {
			t.Fatalf("New() expected error for temperature %v", temp)
		}
	}
	if _, err := New(Config{Provider: ProviderOllama, Temperature: 1}); err != nil {
		t.Fatalf("New() error = %v", err)
	}
}

func TestNewOpenAIRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{Provider: ProviderOpenAI}); err == nil {
		t.Fatal("expected api key error")
	}
}

func TestOpenAIGenerateText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("Authorization = %q", got)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload error = %v", err)
		}
		if payload["model"] != "gpt-test" || payload["temperature"] != 0.2 {
			t.Fatalf("payload = %#v", payload)
		}
		if _, ok := payload["tools"]; ok {
			t.Fatalf("tools should be omitted: %#v", payload)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"SELECT COUNT(*) FROM Artist"}}]}`))
	}))
	defer server.Close()

	o := newTestOracle(t, Config{Provider: ProviderOpenAI, BaseURL: server.URL, APIKey: "test-key", ModelName: "gpt-test", Temperature: 0.2})
	resp, err := o.Generate(context.Background(), TextRequest("count artists"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "SELECT COUNT(*) FROM Artist" || resp.ToolCall != nil {
		t.Fatalf("Generate() = %+v", resp)
	}
}

func TestOpenAIGenerateForcedToolCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			ToolChoice map[string]any   `json:"tool_choice"`
			Tools      []map[string]any `json:"tools"`
			Messages   []map[string]any `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload error = %v", err)
		}
		fn, _ := payload.ToolChoice["function"].(map[string]any)
		if payload.ToolChoice["type"] != "function" || fn["name"] != "run_query" {
			t.Fatalf("tool_choice = %#v", payload.ToolChoice)
		}
		if len(payload.Tools) != 1 {
			t.Fatalf("tools = %#v", payload.Tools)
		}
		if len(payload.Messages) != 3 || payload.Messages[2]["tool_call_id"] != "call_1" {
			t.Fatalf("messages = %#v", payload.Messages)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":null,"tool_calls":[{"id":"call_2","type":"function","function":{"name":"run_query","arguments":"{\"query\":\"SELECT 1\"}"}}]}}]}`))
	}))
	defer server.Close()

	o := newTestOracle(t, Config{Provider: ProviderOpenAI, BaseURL: server.URL, APIKey: "k"})
	resp, err := o.Generate(context.Background(), Request{
		Messages: []*schema.Message{
			schema.UserMessage("q"),
			schema.AssistantMessage("", []schema.ToolCall{NewToolCall("call_1", "list_tables", nil)}),
			schema.ToolMessage("Artist", "call_1"),
		},
		Tools:      []Tool{runQueryTool},
		ToolChoice: ChooseTool("run_query"),
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.ToolCall == nil || resp.ToolCall.Function.Name != "run_query" || resp.ToolCall.ID != "call_2" {
		t.Fatalf("ToolCall = %+v", resp.ToolCall)
	}
	if StringArg(resp.ToolCall, "query") != "SELECT 1" {
		t.Fatalf("Arguments = %q", resp.ToolCall.Function.Arguments)
	}
}

func TestOpenAIMalformedArguments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"tool_calls":[{"id":"c","function":{"name":"run_query","arguments":"{not json"}}]}}]}`))
	}))
	defer server.Close()

	o := newTestOracle(t, Config{Provider: ProviderOpenAI, BaseURL: server.URL, APIKey: "k"})
	_, err := o.Generate(context.Background(), Request{Messages: []*schema.Message{schema.UserMessage("q")}, Tools: []Tool{runQueryTool}, ToolChoice: ChooseAny()})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("Generate() error = %v, want ErrMalformedResponse", err)
	}
}

func TestOpenAIStreamingAccumulatesDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["stream"] != true {
			t.Fatalf("stream flag missing: %#v", payload)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"Let me "}}]}`,
			`{"choices":[{"delta":{"content":"check."}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","function":{"name":"run_query","arguments":"{\"que"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ry\":\"SELECT 2\"}"}}]}}]}`,
		}
		_, _ = io.WriteString(w, ": keep-alive\n\n")
		for _, chunk := range chunks {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	o := newTestOracle(t, Config{Provider: ProviderOpenAI, BaseURL: server.URL, APIKey: "k", Streaming: true})
	resp, err := o.Generate(context.Background(), Request{Messages: []*schema.Message{schema.UserMessage("q")}, Tools: []Tool{runQueryTool}})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "Let me check." {
		t.Fatalf("Text = %q", resp.Text)
	}
	if resp.ToolCall == nil || resp.ToolCall.ID != "call_9" || StringArg(resp.ToolCall, "query") != "SELECT 2" {
		t.Fatalf("ToolCall = %+v", resp.ToolCall)
	}
}

func TestOpenAIErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	o := newTestOracle(t, Config{Provider: ProviderOpenAI, BaseURL: server.URL, APIKey: "k"})
	_, err := o.Generate(context.Background(), TextRequest("q"))
	if err == nil || !strings.Contains(err.Error(), "status=429") {
		t.Fatalf("Generate() error = %v", err)
	}
}

func TestOllamaGenerateReturnsBareString(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		var payload ollamaGenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload error = %v", err)
		}
		if payload.Prompt != "count artists" || payload.System != "be brief" || payload.Stream {
			t.Fatalf("payload = %+v", payload)
		}
		_, _ = w.Write([]byte(`{"model":"llama3.1","response":"SELECT COUNT(*) FROM Artist","done":true}`))
	}))
	defer server.Close()

	o := newTestOracle(t, Config{Provider: ProviderOllama, BaseURL: server.URL})
	resp, err := o.Generate(context.Background(), Request{Messages: []*schema.Message{schema.SystemMessage("be brief"), schema.UserMessage("count artists")}})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "SELECT COUNT(*) FROM Artist" || resp.ToolCall != nil {
		t.Fatalf("Generate() = %+v", resp)
	}
}

func TestOllamaChatNormalizesObjectArguments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		var payload ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload error = %v", err)
		}
		if len(payload.Tools) != 1 || payload.Tools[0].Function.Name != "run_query" {
			t.Fatalf("tools = %+v", payload.Tools)
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"run_query","arguments":{"query":"SELECT 3"}}}]},"done":true}`))
	}))
	defer server.Close()

	o := newTestOracle(t, Config{Provider: ProviderOllama, BaseURL: server.URL})
	resp, err := o.Generate(context.Background(), Request{Messages: []*schema.Message{schema.UserMessage("q")}, Tools: []Tool{runQueryTool}})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.ToolCall == nil || StringArg(resp.ToolCall, "query") != "SELECT 3" {
		t.Fatalf("ToolCall = %+v", resp.ToolCall)
	}
	if !strings.HasPrefix(resp.ToolCall.ID, "call_") {
		t.Fatalf("ToolCall.ID = %q", resp.ToolCall.ID)
	}
}

func TestOllamaStreamingReadsNDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"response":"There are ","done":false}`+"\n")
		_, _ = io.WriteString(w, `{"response":"275 artists.","done":false}`+"\n")
		_, _ = io.WriteString(w, `{"response":"","done":true}`+"\n")
		_, _ = io.WriteString(w, `{"response":"ignored","done":false}`+"\n")
	}))
	defer server.Close()

	o := newTestOracle(t, Config{Provider: ProviderOllama, BaseURL: server.URL, Streaming: true})
	resp, err := o.Generate(context.Background(), TextRequest("summarize"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "There are 275 artists." {
		t.Fatalf("Text = %q", resp.Text)
	}
}

func TestOllamaForcedChoiceFailsWithoutNetwork(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	o := newTestOracle(t, Config{Provider: ProviderOllama, BaseURL: server.URL})
	for _, choice := range []ToolChoice{ChooseTool("run_query"), ChooseAny()} {
		_, err := o.Generate(context.Background(), Request{Messages: []*schema.Message{schema.UserMessage("q")}, Tools: []Tool{runQueryTool}, ToolChoice: choice})
		var capErr *CapabilityError
		if !errors.As(err, &capErr) {
			t.Fatalf("Generate(%s) error = %v, want CapabilityError", choice, err)
		}
		if capErr.Provider != ProviderOllama {
			t.Fatalf("Provider = %q", capErr.Provider)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("backend called %d times", calls.Load())
	}
}

func TestCheckToolChoice(t *testing.T) {
	openai := newTestOracle(t, Config{Provider: ProviderOpenAI, APIKey: "k"})
	ollama := newTestOracle(t, Config{Provider: ProviderOllama})

	if err := CheckToolChoice(openai, ChooseTool("run_query")); err != nil {
		t.Fatalf("CheckToolChoice(openai) error = %v", err)
	}
	if err := CheckToolChoice(ollama, ChooseAuto()); err != nil {
		t.Fatalf("CheckToolChoice(ollama, auto) error = %v", err)
	}
	var capErr *CapabilityError
	if err := CheckToolChoice(ollama, ChooseAny()); !errors.As(err, &capErr) {
		t.Fatalf("CheckToolChoice(ollama, any) error = %v", err)
	}
}

func TestGenerateRejectsUnboundForcedTool(t *testing.T) {
	o := newTestOracle(t, Config{Provider: ProviderOpenAI, APIKey: "k", BaseURL: "http://127.0.0.1:1"})
	_, err := o.Generate(context.Background(), Request{Messages: []*schema.Message{schema.UserMessage("q")}, Tools: []Tool{runQueryTool}, ToolChoice: ChooseTool("get_schema")})
	if err == nil || !strings.Contains(err.Error(), "not bound") {
		t.Fatalf("Generate() error = %v", err)
	}
}

func TestWithObserverReportsOutcome(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"ok","done":true}`))
	}))
	defer server.Close()

	var seen []string
	o := WithObserver(newTestOracle(t, Config{Provider: ProviderOllama, BaseURL: server.URL}), func(provider string, _ time.Duration, err error) {
		seen = append(seen, fmt.Sprintf("%s:%v", provider, err == nil))
	})
	if _, err := o.Generate(context.Background(), TextRequest("hi")); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(seen) != 1 || seen[0] != "ollama:true" {
		t.Fatalf("seen = %v", seen)
	}
	if o.Model() != "llama3.1" {
		t.Fatalf("Model() = %q", o.Model())
	}
}

func newTestOracle(t *testing.T, cfg Config) Oracle {
	t.Helper()
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func TestToolCallArguments(t *testing.T) {
	call := NewToolCall("call_1", "run_query", map[string]any{"query": "SELECT 1", "limit": 5})
	if call.Type != "function" || call.Function.Name != "run_query" {
		t.Fatalf("NewToolCall() = %+v", call)
	}
	if StringArg(&call, "query") != "SELECT 1" || StringArg(&call, "limit") != "" {
		t.Fatalf("Arguments = %q", call.Function.Arguments)
	}

	empty := NewToolCall("call_2", "list_tables", nil)
	if empty.Function.Arguments != "{}" || len(ToolArguments(&empty)) != 0 {
		t.Fatalf("empty arguments = %q", empty.Function.Arguments)
	}

	broken := schema.ToolCall{Function: schema.FunctionCall{Name: "run_query", Arguments: "{not json"}}
	if len(ToolArguments(&broken)) != 0 || StringArg(nil, "query") != "" {
		t.Fatal("malformed arguments should decode to an empty map")
	}
}
