package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/duckmesh/querygraph/internal/gateway"
	"github.com/duckmesh/querygraph/internal/graph"
	"github.com/duckmesh/querygraph/internal/observability"
	"github.com/duckmesh/querygraph/internal/workflow"
)

const maxAskBodyBytes = 64 << 10

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	RunID       string                `json:"run_id"`
	Question    string                `json:"question"`
	SQL         string                `json:"sql"`
	QueryIssue  string                `json:"query_issue,omitempty"`
	QueryResult *workflow.QueryResult `json:"query_result"`
	FinalAnswer string                `json:"final_answer"`
	Tables      []string              `json:"tables"`
}

type streamLine struct {
	Node   string          `json:"node"`
	Update *workflow.State `json:"update,omitempty"`
	State  *workflow.State `json:"state,omitempty"`
	Error  map[string]any  `json:"error,omitempty"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Workflow == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "WORKFLOW_NOT_CONFIGURED", "workflow is not configured", false, nil)
		return
	}
	question, ok := decodeAskRequest(w, r)
	if !ok {
		return
	}

	ctx, cancel := runContext(r.Context(), deps)
	defer cancel()
	final, err := deps.Workflow.Invoke(ctx, workflow.NewState(question))
	if err != nil {
		writeWorkflowError(deps, w, r, err)
		return
	}

	tables := final.Tables
	if tables == nil {
		tables = []string{}
	}
	writeJSON(w, http.StatusOK, askResponse{
		RunID:       final.RunID,
		Question:    final.UserQuestion,
		SQL:         final.GeneratedQuery,
		QueryIssue:  final.QueryIssue,
		QueryResult: final.QueryResult,
		FinalAnswer: final.FinalAnswer,
		Tables:      tables,
	})
}

// handleAskStream writes one NDJSON line per executed step and a final line
// carrying the complete state. Failures after the first byte are reported as
// an error line since the status is already sent.
func handleAskStream(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Workflow == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "WORKFLOW_NOT_CONFIGURED", "workflow is not configured", false, nil)
		return
	}
	question, ok := decodeAskRequest(w, r)
	if !ok {
		return
	}

	ctx, cancel := runContext(r.Context(), deps)
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	encoder := json.NewEncoder(w)
	controller := http.NewResponseController(w)
	for event, err := range deps.Workflow.Stream(ctx, workflow.NewState(question)) {
		line := streamLine{Node: event.Node}
		switch {
		case err != nil:
			_, code, retryable := classifyWorkflowError(err)
			line.Error = errorBody(r.Context(), code, err.Error(), retryable, nil)
			logWorkflowError(deps, r, err)
		case event.Node == graph.End:
			state := event.State
			line.State = &state
		default:
			update := event.Update
			line.Update = &update
		}
		if encodeErr := encoder.Encode(line); encodeErr != nil {
			return
		}
		_ = controller.Flush()
		if err != nil {
			return
		}
	}
}

func handleGraph(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Workflow == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "WORKFLOW_NOT_CONFIGURED", "workflow is not configured", false, nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, deps.Workflow.Mermaid())
}

func decodeAskRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	var request askRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAskBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return "", false
	}
	question := strings.TrimSpace(request.Question)
	if question == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return "", false
	}
	return question, true
}

func runContext(parent context.Context, deps Dependencies) (context.Context, context.CancelFunc) {
	if deps.RunTimeout > 0 {
		return context.WithTimeout(parent, deps.RunTimeout)
	}
	return context.WithCancel(parent)
}

func writeWorkflowError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	logWorkflowError(deps, r, err)
	status, code, retryable := classifyWorkflowError(err)
	var stepErr *graph.StepError
	var extra map[string]any
	if errors.As(err, &stepErr) {
		extra = map[string]any{"node": stepErr.Node}
	}
	writeError(r.Context(), w, status, code, err.Error(), retryable, extra)
}

func classifyWorkflowError(err error) (int, string, bool) {
	var connErr *gateway.ConnectionError
	switch {
	case errors.As(err, &connErr):
		return http.StatusServiceUnavailable, "DATABASE_UNAVAILABLE", true
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "RUN_TIMEOUT", true
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "RUN_CANCELLED", true
	case errors.Is(err, graph.ErrMaxSteps):
		return http.StatusInternalServerError, "MAX_STEPS_EXCEEDED", false
	default:
		return http.StatusInternalServerError, "WORKFLOW_FAILED", false
	}
}

func logWorkflowError(deps Dependencies, r *http.Request, err error) {
	if deps.Logger == nil {
		return
	}
	deps.Logger.ErrorContext(r.Context(), "ask failed",
		slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
		slog.String("error", err.Error()),
	)
}
