package oracle

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

const defaultOllamaBaseURL = "http://localhost:11434"

type ollamaBackend struct {
	baseURL     string
	model       string
	temperature float64
	streaming   bool
	client      *http.Client
}

func newOllama(cfg Config) (*ollamaBackend, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	model := strings.TrimSpace(cfg.ModelName)
	if model == "" {
		model = "llama3.1"
	}
	return &ollamaBackend{
		baseURL:     baseURL,
		model:       model,
		temperature: cfg.Temperature,
		streaming:   cfg.Streaming,
		client:      httpClient(cfg),
	}, nil
}

func (b *ollamaBackend) Name() string  { return ProviderOllama }
func (b *ollamaBackend) Model() string { return b.model }

func (b *ollamaBackend) Capabilities() Capabilities {
	return Capabilities{ToolCalling: true, ForcedToolChoice: false, Streaming: true}
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaGenerateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []openAITool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaChatChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

func (b *ollamaBackend) Generate(ctx context.Context, req Request) (Response, error) {
	if err := validateRequest(b, req); err != nil {
		return Response{}, err
	}
	if prompt, system, ok := flatPrompt(req); ok {
		return b.generate(ctx, prompt, system)
	}
	return b.chat(ctx, req)
}

// flatPrompt reports whether req fits /api/generate: no tools and a single
// user turn, optionally preceded by system messages.
func flatPrompt(req Request) (string, string, bool) {
	if len(req.Tools) > 0 {
		return "", "", false
	}
	var system []string
	var prompt string
	users := 0
	for _, msg := range req.Messages {
		switch msg.Role {
		case schema.System:
			system = append(system, msg.Content)
		case schema.User:
			users++
			prompt = msg.Content
		default:
			return "", "", false
		}
	}
	if users != 1 {
		return "", "", false
	}
	return prompt, strings.Join(system, "\n\n"), true
}

func (b *ollamaBackend) generate(ctx context.Context, prompt, system string) (Response, error) {
	body, err := postJSON(ctx, b.client, b.baseURL+"/api/generate", nil, ollamaGenerateRequest{
		Model:   b.model,
		Prompt:  prompt,
		System:  system,
		Stream:  b.streaming,
		Options: ollamaOptions{Temperature: b.temperature},
	})
	if err != nil {
		return Response{}, fmt.Errorf("ollama generate: %w", err)
	}
	defer func() { _ = body.Close() }()

	var text strings.Builder
	err = readNDJSON(body, func(line []byte) (bool, error) {
		var chunk ollamaGenerateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return false, err
		}
		text.WriteString(chunk.Response)
		return chunk.Done, nil
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Text: text.String()}, nil
}

func (b *ollamaBackend) chat(ctx context.Context, req Request) (Response, error) {
	payload := ollamaChatRequest{
		Model:    b.model,
		Messages: make([]ollamaMessage, 0, len(req.Messages)),
		Stream:   b.streaming,
		Options:  ollamaOptions{Temperature: b.temperature},
	}
	for _, msg := range req.Messages {
		out := ollamaMessage{Role: string(msg.Role), Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			var call ollamaToolCall
			call.Function.Name = tc.Function.Name
			call.Function.Arguments = ToolArguments(&tc)
			out.ToolCalls = append(out.ToolCalls, call)
		}
		payload.Messages = append(payload.Messages, out)
	}
	for _, tool := range req.Tools {
		payload.Tools = append(payload.Tools, openAITool{
			Type:     "function",
			Function: openAIToolFunction{Name: tool.Name, Description: tool.Description, Parameters: tool.Parameters},
		})
	}

	body, err := postJSON(ctx, b.client, b.baseURL+"/api/chat", nil, payload)
	if err != nil {
		return Response{}, fmt.Errorf("ollama chat: %w", err)
	}
	defer func() { _ = body.Close() }()

	var (
		text  strings.Builder
		calls []ollamaToolCall
	)
	err = readNDJSON(body, func(line []byte) (bool, error) {
		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return false, err
		}
		text.WriteString(chunk.Message.Content)
		calls = append(calls, chunk.Message.ToolCalls...)
		return chunk.Done, nil
	})
	if err != nil {
		return Response{}, err
	}

	response := Response{Text: text.String()}
	if len(calls) > 0 {
		call := NewToolCall("call_"+uuid.NewString(), calls[0].Function.Name, calls[0].Function.Arguments)
		response.ToolCall = &call
	}
	return response, nil
}

// readNDJSON feeds each non-empty line to handle until it reports done or input ends.
// A non-streaming response is a single line and takes the same path.
func readNDJSON(reader io.Reader, handle func(line []byte) (bool, error)) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		done, err := handle([]byte(line))
		if err != nil {
			return fmt.Errorf("%w: decode ollama chunk: %v", ErrMalformedResponse, err)
		}
		if done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ollama response: %w", err)
	}
	return nil
}
