// Package oracle gives the workflow one Generate contract over
// interchangeable text-generation backends.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/cloudwego/eino/schema"
)

type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON schema object.
	Parameters map[string]any
}

// NewToolCall builds a function call whose arguments are encoded as a JSON
// object, the form every backend exchanges.
func NewToolCall(id, name string, args map[string]any) schema.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = []byte("{}")
	}
	return schema.ToolCall{
		ID:       id,
		Type:     "function",
		Function: schema.FunctionCall{Name: name, Arguments: string(encoded)},
	}
}

// ToolArguments decodes the JSON arguments of call. Malformed or empty
// arguments decode to an empty map.
func ToolArguments(call *schema.ToolCall) map[string]any {
	args := map[string]any{}
	if call == nil || strings.TrimSpace(call.Function.Arguments) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// StringArg returns a string argument, or "" when absent or not a string.
func StringArg(call *schema.ToolCall, key string) string {
	value, ok := ToolArguments(call)[key].(string)
	if !ok {
		return ""
	}
	return value
}

type ChoiceMode int

const (
	ChoiceAuto ChoiceMode = iota
	ChoiceTool
	ChoiceAny
)

type ToolChoice struct {
	Mode ChoiceMode
	Name string
}

func ChooseAuto() ToolChoice { return ToolChoice{Mode: ChoiceAuto} }

func ChooseTool(name string) ToolChoice { return ToolChoice{Mode: ChoiceTool, Name: name} }

func ChooseAny() ToolChoice { return ToolChoice{Mode: ChoiceAny} }

// Forced reports whether the backend must call a tool.
func (c ToolChoice) Forced() bool {
	return c.Mode == ChoiceTool || c.Mode == ChoiceAny
}

func (c ToolChoice) String() string {
	switch c.Mode {
	case ChoiceTool:
		return "tool:" + c.Name
	case ChoiceAny:
		return "any"
	default:
		return "auto"
	}
}

// Request is one generation call. Messages use the eino message model.
type Request struct {
	Messages   []*schema.Message
	Tools      []Tool
	ToolChoice ToolChoice
}

// TextRequest builds the flat prompt form.
func TextRequest(prompt string) Request {
	return Request{Messages: []*schema.Message{schema.UserMessage(prompt)}}
}

// Response is the normalized backend answer. Text may be empty when the
// backend chose to call a tool.
type Response struct {
	Text     string
	ToolCall *schema.ToolCall
}

type Capabilities struct {
	ToolCalling      bool
	ForcedToolChoice bool
	Streaming        bool
}

type Oracle interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Capabilities() Capabilities
	Name() string
	Model() string
}

// CheckToolChoice fails with a *CapabilityError when choice cannot be honored by o.
func CheckToolChoice(o Oracle, choice ToolChoice) error {
	if !choice.Forced() {
		return nil
	}
	caps := o.Capabilities()
	if !caps.ToolCalling || !caps.ForcedToolChoice {
		return &CapabilityError{Provider: o.Name(), Choice: choice}
	}
	return nil
}

func validateRequest(o Oracle, req Request) error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("at least one message is required")
	}
	if slices.Contains(req.Messages, nil) {
		return fmt.Errorf("messages must not be nil")
	}
	if err := CheckToolChoice(o, req.ToolChoice); err != nil {
		return err
	}
	if req.ToolChoice.Forced() && len(req.Tools) == 0 {
		return fmt.Errorf("tool choice %s requires bound tools", req.ToolChoice)
	}
	if req.ToolChoice.Mode == ChoiceTool {
		for _, tool := range req.Tools {
			if tool.Name == req.ToolChoice.Name {
				return nil
			}
		}
		return fmt.Errorf("tool %q is not bound", req.ToolChoice.Name)
	}
	return nil
}
