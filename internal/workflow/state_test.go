package workflow

import (
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/duckmesh/querygraph/internal/oracle"
)

func TestNewStateSeedsQuestion(t *testing.T) {
	state := NewState("How many artists are there?")
	if state.UserQuestion != "How many artists are there?" {
		t.Fatalf("UserQuestion = %q", state.UserQuestion)
	}
	if state.RunID == "" {
		t.Fatal("expected run id")
	}
	if len(state.Conversation) != 1 || state.Conversation[0].Role != schema.User {
		t.Fatalf("Conversation = %+v", state.Conversation)
	}
	if state.Complete() {
		t.Fatal("new state should not be complete")
	}
	if NewState("q").RunID == state.RunID {
		t.Fatal("run ids should differ")
	}
}

func TestMergeAppendsConversationAndOverwritesFields(t *testing.T) {
	prev := State{
		Conversation:   []*schema.Message{schema.UserMessage("q")},
		UserQuestion:   "q",
		SchemaText:     "schema",
		GeneratedQuery: "SELECT 1",
		Tables:         []string{"a", "b"},
	}
	update := State{
		Conversation:   []*schema.Message{schema.AssistantMessage("a1", nil), schema.AssistantMessage("a2", nil)},
		GeneratedQuery: "SELECT 2",
		Tables:         []string{"a"},
		QueryResult:    &QueryResult{Text: "2"},
	}

	merged := Merge(prev, update)
	if len(merged.Conversation) != 3 || merged.Conversation[2].Content != "a2" {
		t.Fatalf("Conversation = %+v", merged.Conversation)
	}
	if merged.GeneratedQuery != "SELECT 2" || merged.SchemaText != "schema" || merged.UserQuestion != "q" {
		t.Fatalf("merged = %+v", merged)
	}
	if len(merged.Tables) != 1 || merged.QueryResult == nil {
		t.Fatalf("merged = %+v", merged)
	}
	if len(prev.Conversation) != 1 {
		t.Fatal("Merge must not modify the previous conversation")
	}

	done := Merge(merged, State{FinalAnswer: "two"})
	if !done.Complete() || done.GeneratedQuery != "SELECT 2" {
		t.Fatalf("done = %+v", done)
	}
}

func TestMergeDoesNotAliasPreviousConversation(t *testing.T) {
	base := make([]*schema.Message, 1, 4)
	base[0] = schema.UserMessage("q")
	left := Merge(State{Conversation: base}, State{Conversation: []*schema.Message{schema.AssistantMessage("left", nil)}})
	right := Merge(State{Conversation: base}, State{Conversation: []*schema.Message{schema.AssistantMessage("right", nil)}})
	if left.Conversation[1].Content != "left" || right.Conversation[1].Content != "right" {
		t.Fatalf("left = %+v right = %+v", left.Conversation, right.Conversation)
	}
}

func TestPendingToolCall(t *testing.T) {
	call := oracle.NewToolCall("c1", toolRunQuery, map[string]any{"query": "SELECT 1"})
	state := State{Conversation: []*schema.Message{schema.AssistantMessage("", []schema.ToolCall{call})}}
	pending := state.PendingToolCall()
	if pending == nil || pending.ID != "c1" || oracle.StringArg(pending, "query") != "SELECT 1" {
		t.Fatalf("PendingToolCall() = %+v", pending)
	}
	state.Conversation = append(state.Conversation, schema.ToolMessage("rows", "c1"))
	if state.PendingToolCall() != nil {
		t.Fatal("answered call should not be pending")
	}
	plain := State{Conversation: []*schema.Message{schema.AssistantMessage("hello", nil)}}
	if plain.PendingToolCall() != nil {
		t.Fatal("assistant text is not a pending call")
	}
	if (State{}).PendingToolCall() != nil {
		t.Fatal("empty state has no pending call")
	}
}
