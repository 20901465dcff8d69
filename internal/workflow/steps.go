package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/duckmesh/querygraph/internal/gateway"
	"github.com/duckmesh/querygraph/internal/observability"
	"github.com/duckmesh/querygraph/internal/oracle"
	"github.com/duckmesh/querygraph/internal/prompts"
)

const (
	NodeListTables    = "list_tables"
	NodeSelectTables  = "select_tables"
	NodeFetchSchema   = "fetch_schema"
	NodeGenerateQuery = "generate_query"
	NodeCheckQuery    = "check_query"
	NodeExecuteQuery  = "execute_query"
	NodeSummarize     = "summarize"
)

const (
	cannedNoDataAnswer = "I was unable to retrieve data from the database to answer your question."
	noQueryError       = "no query available"
	defaultTopK        = 5
)

type steps struct {
	oracle     oracle.Oracle
	db         Database
	prompts    *prompts.Set
	logger     *slog.Logger
	topology   Topology
	forceCheck bool
	forceTools bool
}

func (s *steps) log(ctx context.Context, node string) *slog.Logger {
	return s.logger.With(observability.LogAttrs(ctx)...).With(slog.String("node", node))
}

// listTables discovers the usable tables and records the exchange as a
// list_tables tool call.
func (s *steps) listTables(ctx context.Context, state State) (State, error) {
	tables, err := s.db.ListTables(ctx)
	if err != nil {
		return State{}, fmt.Errorf("list tables: %w", err)
	}
	call := toolCallMessage("", toolListTables, map[string]any{})
	joined := strings.Join(tables, ", ")
	s.log(ctx, NodeListTables).Debug("tables listed", slog.Int("count", len(tables)))
	return State{
		Tables: tables,
		Conversation: []*schema.Message{
			call,
			schema.ToolMessage(joined, call.ToolCalls[0].ID),
			schema.AssistantMessage("Available tables: "+joined, nil),
		},
	}, nil
}

// selectTables asks the oracle which tables matter for the question. Any
// answer that names no known table falls back to every table.
func (s *steps) selectTables(ctx context.Context, state State) (State, error) {
	logger := s.log(ctx, NodeSelectTables)
	if len(state.Tables) == 0 {
		return State{}, nil
	}

	prompt, err := s.prompts.Render(prompts.SelectTables, prompts.SelectData{Question: state.UserQuestion, Tables: state.Tables})
	if err != nil {
		return State{}, err
	}

	var answer string
	if s.forceTools {
		resp, err := s.oracle.Generate(ctx, oracle.Request{
			Messages:   []*schema.Message{schema.UserMessage(prompt)},
			Tools:      []oracle.Tool{getSchemaTool},
			ToolChoice: oracle.ChooseTool(toolGetSchema),
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return State{}, ctxErr
			}
			logger.Warn("table selection failed", slog.String("error", err.Error()))
		} else if resp.ToolCall != nil {
			answer = oracle.StringArg(resp.ToolCall, "table_names")
		} else {
			answer = resp.Text
		}
	} else {
		resp, err := s.oracle.Generate(ctx, oracle.TextRequest(prompt))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return State{}, ctxErr
			}
			logger.Warn("table selection failed", slog.String("error", err.Error()))
		}
		answer = resp.Text
	}

	selected := parseTableList(answer, state.Tables)
	if len(selected) == 0 {
		logger.Info("no tables selected, using all", slog.String("answer", answer))
		selected = state.Tables
	}
	logger.Debug("tables selected", slog.Any("tables", selected))
	return State{
		Tables: selected,
		Conversation: []*schema.Message{
			toolCallMessage("", toolGetSchema, map[string]any{"table_names": strings.Join(selected, ", ")}),
		},
	}, nil
}

// fetchSchema renders the schema once per run. A pending get_schema call is
// answered with a tool message, otherwise the schema is added as context.
func (s *steps) fetchSchema(ctx context.Context, state State) (State, error) {
	rendered, err := s.db.Schema(ctx, state.Tables)
	if err != nil {
		return State{}, fmt.Errorf("fetch schema: %w", err)
	}

	message := schema.SystemMessage("Database schema:\n" + rendered)
	if call := state.PendingToolCall(); call != nil && call.Function.Name == toolGetSchema {
		message = schema.ToolMessage(rendered, call.ID)
	}
	s.log(ctx, NodeFetchSchema).Debug("schema fetched", slog.Int("bytes", len(rendered)))
	return State{SchemaText: rendered, Conversation: []*schema.Message{message}}, nil
}

// generateQuery drafts SQL for the question. Without a usable query it sets
// the empty-query marker: GeneratedQuery stays empty and QueryIssue explains why.
func (s *steps) generateQuery(ctx context.Context, state State) (State, error) {
	logger := s.log(ctx, NodeGenerateQuery)
	system, err := s.prompts.Render(prompts.GenerateQuery, prompts.GenerateData{
		Dialect:  s.db.Dialect(),
		Schema:   state.SchemaText,
		Question: state.UserQuestion,
		TopK:     defaultTopK,
	})
	if err != nil {
		return State{}, err
	}

	req := oracle.Request{Messages: []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(state.UserQuestion),
	}}
	if s.topology == TopologyConditional && s.oracle.Capabilities().ToolCalling {
		req.Tools = []oracle.Tool{runQueryTool}
	}

	resp, err := s.oracle.Generate(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return State{}, ctxErr
		}
		logger.Warn("query generation failed", slog.String("error", err.Error()))
		return State{
			QueryIssue:   "the language model request failed: " + err.Error(),
			Conversation: []*schema.Message{schema.AssistantMessage("", nil)},
		}, nil
	}

	query := ""
	if resp.ToolCall != nil && resp.ToolCall.Function.Name == toolRunQuery {
		query = strings.TrimSpace(oracle.StringArg(resp.ToolCall, "query"))
	}
	if query == "" {
		query = extractSQL(resp.Text)
	}
	if query == "" {
		logger.Info("no query generated", slog.String("answer", resp.Text))
		return State{
			QueryIssue:   "the language model did not return a SQL query",
			Conversation: []*schema.Message{schema.AssistantMessage(resp.Text, nil)},
		}, nil
	}

	logger.Info("query generated", slog.String("sql", query))
	message := schema.AssistantMessage(resp.Text, nil)
	if s.topology == TopologyConditional {
		message = toolCallMessage(resp.Text, toolRunQuery, map[string]any{"query": query})
	}
	return State{GeneratedQuery: query, Conversation: []*schema.Message{message}}, nil
}

// checkQuery re-derives the pending query, forcing a run_query call when the
// backend can, and falls back to the original query on any failure.
func (s *steps) checkQuery(ctx context.Context, state State) (State, error) {
	logger := s.log(ctx, NodeCheckQuery)
	original := state.GeneratedQuery
	if call := state.PendingToolCall(); call != nil && call.Function.Name == toolRunQuery {
		if arg := strings.TrimSpace(oracle.StringArg(call, "query")); arg != "" {
			original = arg
		}
	}

	prompt, err := s.prompts.Render(prompts.CheckQuery, prompts.CheckData{Dialect: s.db.Dialect(), Query: original})
	if err != nil {
		return State{}, err
	}

	checked := ""
	if s.forceCheck {
		resp, err := s.oracle.Generate(ctx, oracle.Request{
			Messages:   []*schema.Message{schema.UserMessage(prompt)},
			Tools:      []oracle.Tool{runQueryTool},
			ToolChoice: oracle.ChooseTool(toolRunQuery),
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return State{}, ctxErr
			}
			logger.Warn("query check failed", slog.String("error", err.Error()))
		} else if resp.ToolCall != nil {
			checked = strings.TrimSpace(oracle.StringArg(resp.ToolCall, "query"))
		}
	} else {
		resp, err := s.oracle.Generate(ctx, oracle.TextRequest(prompt))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return State{}, ctxErr
			}
			logger.Warn("query check failed", slog.String("error", err.Error()))
		}
		checked = extractSQL(resp.Text)
	}

	if checked == "" {
		logger.Info("query check returned nothing usable, keeping original")
		checked = original
	}
	if checked == "" {
		return State{
			QueryIssue:   "the query check produced no query",
			Conversation: []*schema.Message{schema.AssistantMessage("", nil)},
		}, nil
	}
	if checked != original {
		logger.Info("query rewritten", slog.String("sql", checked), slog.String("original", original))
	}
	return State{
		GeneratedQuery: checked,
		Conversation:   []*schema.Message{toolCallMessage("", toolRunQuery, map[string]any{"query": checked})},
	}, nil
}

// executeQuery runs the query through the gateway's guarded path. Failures
// become an error result; only cancellation aborts.
func (s *steps) executeQuery(ctx context.Context, state State) (State, error) {
	logger := s.log(ctx, NodeExecuteQuery)
	callID := ""
	if call := state.PendingToolCall(); call != nil && call.Function.Name == toolRunQuery {
		callID = call.ID
	}

	var result QueryResult
	switch query := strings.TrimSpace(state.GeneratedQuery); {
	case query == "":
		message := noQueryError
		if state.QueryIssue != "" {
			message += ": " + state.QueryIssue
		}
		result = QueryResult{Error: message, Text: "Error: " + message}
		observability.ObserveQueryOutcome(observability.QueryOutcomeMissing)
		logger.Info("no query to execute", slog.String("issue", state.QueryIssue))
	default:
		outcome := s.db.Run(ctx, query)
		if err := ctx.Err(); err != nil {
			return State{}, err
		}
		result = resultFromOutcome(outcome)
		switch {
		case outcome.Rejected:
			observability.ObserveQueryOutcome(observability.QueryOutcomeRejected)
		case outcome.Error != "":
			observability.ObserveQueryOutcome(observability.QueryOutcomeError)
		default:
			observability.ObserveQueryOutcome(observability.QueryOutcomeOK)
		}
		logger.Info("query executed", slog.String("sql", query), slog.Int("rows", len(result.Rows)), slog.String("error", result.Error))
	}

	return State{
		QueryResult:  &result,
		Conversation: []*schema.Message{schema.ToolMessage(result.Text, callID)},
	}, nil
}

// summarize writes the final answer. It never returns an empty answer.
func (s *steps) summarize(ctx context.Context, state State) (State, error) {
	logger := s.log(ctx, NodeSummarize)
	if state.QueryResult == nil {
		logger.Info("no query result, answering without the oracle", slog.String("issue", state.QueryIssue))
		return finalAnswer(noDataAnswer(state.QueryIssue)), nil
	}

	prompt, err := s.prompts.Render(prompts.Summarize, prompts.SummarizeData{
		Question: state.UserQuestion,
		Query:    state.GeneratedQuery,
		Result:   state.QueryResult.Text,
	})
	if err != nil {
		return State{}, err
	}

	resp, err := s.oracle.Generate(ctx, oracle.TextRequest(prompt))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return State{}, ctxErr
		}
		logger.Warn("summary failed", slog.String("error", err.Error()))
		return finalAnswer(degradedAnswer(state.QueryResult)), nil
	}
	answer := strings.TrimSpace(resp.Text)
	if answer == "" {
		logger.Info("empty summary, using raw result")
		answer = degradedAnswer(state.QueryResult)
	}
	return finalAnswer(answer), nil
}

func finalAnswer(answer string) State {
	return State{FinalAnswer: answer, Conversation: []*schema.Message{schema.AssistantMessage(answer, nil)}}
}

// noDataAnswer is the canned reply for runs that never executed a query,
// carrying the reason when one was recorded.
func noDataAnswer(issue string) string {
	if issue = strings.TrimSpace(issue); issue != "" {
		return cannedNoDataAnswer + " (" + issue + ")"
	}
	return cannedNoDataAnswer
}

func degradedAnswer(result *QueryResult) string {
	if result.Error != "" {
		return "I could not answer the question because the database query failed: " + result.Error
	}
	return "I could not summarize the answer, but the database returned:\n" + result.Text
}

func resultFromOutcome(outcome gateway.Outcome) QueryResult {
	result := QueryResult{Text: outcome.Text(), Error: outcome.Error, Rejected: outcome.Rejected}
	if outcome.Result != nil {
		result.Columns = outcome.Result.Columns
		result.Rows = outcome.Result.Rows
		result.Truncated = outcome.Result.Truncated
	}
	return result
}
