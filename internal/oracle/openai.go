package oracle

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

type openAIBackend struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	streaming   bool
	client      *http.Client
}

func newOpenAI(cfg Config) (*openAIBackend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	model := strings.TrimSpace(cfg.ModelName)
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &openAIBackend{
		baseURL:     baseURL,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		streaming:   cfg.Streaming,
		client:      httpClient(cfg),
	}, nil
}

func (b *openAIBackend) Name() string  { return ProviderOpenAI }
func (b *openAIBackend) Model() string { return b.model }

func (b *openAIBackend) Capabilities() Capabilities {
	return Capabilities{ToolCalling: true, ForcedToolChoice: true, Streaming: true}
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  any             `json:"tool_choice,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   *string          `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}

func (b *openAIBackend) Generate(ctx context.Context, req Request) (Response, error) {
	if err := validateRequest(b, req); err != nil {
		return Response{}, err
	}

	body, err := postJSON(ctx, b.client, b.baseURL+"/v1/chat/completions", map[string]string{
		"Authorization": "Bearer " + b.apiKey,
	}, b.buildRequest(req))
	if err != nil {
		return Response{}, fmt.Errorf("chat completion: %w", err)
	}
	defer func() { _ = body.Close() }()

	if b.streaming {
		return b.readStream(body)
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return Response{}, fmt.Errorf("read chat response body: %w", err)
	}
	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, fmt.Errorf("%w: decode chat completion: %v", ErrMalformedResponse, err)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("%w: empty chat completion choices", ErrMalformedResponse)
	}

	message := parsed.Choices[0].Message
	response := Response{}
	if message.Content != nil {
		response.Text = *message.Content
	}
	if len(message.ToolCalls) > 0 {
		first := message.ToolCalls[0]
		call, err := decodeOpenAIToolCall(first.ID, first.Function.Name, first.Function.Arguments)
		if err != nil {
			return Response{}, err
		}
		response.ToolCall = call
	}
	return response, nil
}

func (b *openAIBackend) buildRequest(req Request) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		out := openAIMessage{Role: string(msg.Role), Content: msg.Content, ToolCallID: msg.ToolCallID}
		for _, tc := range msg.ToolCalls {
			call := openAIToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Function.Name
			call.Function.Arguments = tc.Function.Arguments
			if strings.TrimSpace(call.Function.Arguments) == "" {
				call.Function.Arguments = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, call)
		}
		messages = append(messages, out)
	}

	payload := openAIRequest{
		Model:       b.model,
		Messages:    messages,
		Temperature: b.temperature,
		Stream:      b.streaming,
	}
	if len(req.Tools) > 0 {
		payload.Tools = make([]openAITool, 0, len(req.Tools))
		for _, tool := range req.Tools {
			payload.Tools = append(payload.Tools, openAITool{
				Type: "function",
				Function: openAIToolFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			})
		}
		switch req.ToolChoice.Mode {
		case ChoiceTool:
			payload.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]string{"name": req.ToolChoice.Name},
			}
		case ChoiceAny:
			payload.ToolChoice = "required"
		default:
			payload.ToolChoice = "auto"
		}
	}
	return payload
}

// readStream accumulates SSE content and tool-call deltas keyed by index.
func (b *openAIBackend) readStream(reader io.Reader) (Response, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	type toolBuffer struct {
		id   string
		name string
		args strings.Builder
	}
	toolCalls := map[int]*toolBuffer{}
	var text strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return Response{}, fmt.Errorf("%w: decode stream chunk: %v", ErrMalformedResponse, err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		text.WriteString(delta.Content)
		for _, call := range delta.ToolCalls {
			buf, ok := toolCalls[call.Index]
			if !ok {
				buf = &toolBuffer{}
				toolCalls[call.Index] = buf
			}
			if call.ID != "" {
				buf.id = call.ID
			}
			if call.Function.Name != "" {
				buf.name = call.Function.Name
			}
			buf.args.WriteString(call.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("read chat stream: %w", err)
	}

	response := Response{Text: text.String()}
	if len(toolCalls) > 0 {
		indexes := make([]int, 0, len(toolCalls))
		for index := range toolCalls {
			indexes = append(indexes, index)
		}
		sort.Ints(indexes)
		first := toolCalls[indexes[0]]
		call, err := decodeOpenAIToolCall(first.id, first.name, first.args.String())
		if err != nil {
			return Response{}, err
		}
		response.ToolCall = call
	}
	return response, nil
}

// decodeOpenAIToolCall checks that arguments is a JSON object and
// normalizes empty arguments to "{}".
func decodeOpenAIToolCall(id, name, arguments string) (*schema.ToolCall, error) {
	args := map[string]any{}
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return nil, fmt.Errorf("%w: tool call %s arguments: %v", ErrMalformedResponse, name, err)
		}
	}
	call := NewToolCall(id, name, args)
	return &call, nil
}
