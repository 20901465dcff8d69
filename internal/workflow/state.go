package workflow

import (
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

// QueryResult is the execution outcome stored in the state. Failures are
// recorded in Error rather than returned.
type QueryResult struct {
	Columns   []string `json:"columns,omitempty"`
	Rows      [][]any  `json:"rows,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
	Text      string   `json:"text"`
	Error     string   `json:"error,omitempty"`
	Rejected  bool     `json:"rejected,omitempty"`
}

// State is the record threaded through the graph for one question.
type State struct {
	Conversation   []*schema.Message `json:"conversation,omitempty"`
	UserQuestion   string            `json:"user_question,omitempty"`
	RunID          string            `json:"run_id,omitempty"`
	Tables         []string          `json:"tables,omitempty"`
	SchemaText     string            `json:"schema_text,omitempty"`
	GeneratedQuery string            `json:"generated_query,omitempty"`
	// QueryIssue explains why GeneratedQuery is empty.
	QueryIssue  string       `json:"query_issue,omitempty"`
	QueryResult *QueryResult `json:"query_result,omitempty"`
	FinalAnswer string       `json:"final_answer,omitempty"`
}

// NewState starts a run for question with a fresh run id.
func NewState(question string) State {
	return State{
		Conversation: []*schema.Message{schema.UserMessage(question)},
		UserQuestion: question,
		RunID:        uuid.NewString(),
	}
}

// Complete reports whether the run produced its final answer.
func (s State) Complete() bool {
	return s.FinalAnswer != ""
}

// PendingToolCall returns the first tool call carried by the last message
// when it is an assistant message, nil otherwise.
func (s State) PendingToolCall() *schema.ToolCall {
	if len(s.Conversation) == 0 {
		return nil
	}
	last := s.Conversation[len(s.Conversation)-1]
	if last == nil || last.Role != schema.Assistant || len(last.ToolCalls) == 0 {
		return nil
	}
	return &last.ToolCalls[0]
}

// Merge appends the update's conversation and overwrites every other field
// the update sets. Messages are shared, never mutated.
func Merge(prev, update State) State {
	merged := prev
	if len(update.Conversation) > 0 {
		merged.Conversation = make([]*schema.Message, 0, len(prev.Conversation)+len(update.Conversation))
		merged.Conversation = append(merged.Conversation, prev.Conversation...)
		merged.Conversation = append(merged.Conversation, update.Conversation...)
	}
	if update.UserQuestion != "" {
		merged.UserQuestion = update.UserQuestion
	}
	if update.RunID != "" {
		merged.RunID = update.RunID
	}
	if update.Tables != nil {
		merged.Tables = update.Tables
	}
	if update.SchemaText != "" {
		merged.SchemaText = update.SchemaText
	}
	if update.GeneratedQuery != "" {
		merged.GeneratedQuery = update.GeneratedQuery
	}
	if update.QueryIssue != "" {
		merged.QueryIssue = update.QueryIssue
	}
	if update.QueryResult != nil {
		merged.QueryResult = update.QueryResult
	}
	if update.FinalAnswer != "" {
		merged.FinalAnswer = update.FinalAnswer
	}
	return merged
}
