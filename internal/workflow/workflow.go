// Package workflow answers a natural-language question from a database by
// running schema inspection, query generation, execution and summarization
// as a graph over one State.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/duckmesh/querygraph/internal/gateway"
	"github.com/duckmesh/querygraph/internal/graph"
	"github.com/duckmesh/querygraph/internal/observability"
	"github.com/duckmesh/querygraph/internal/oracle"
	"github.com/duckmesh/querygraph/internal/prompts"
)

// Database is the gateway surface the steps use. *gateway.Gateway implements it.
type Database interface {
	Dialect() string
	ListTables(ctx context.Context) ([]string, error)
	Schema(ctx context.Context, tables []string) (string, error)
	Run(ctx context.Context, query string) gateway.Outcome
}

// Topology selects which graph of steps a workflow runs.
type Topology string

const (
	TopologyConditional Topology = "conditional"
	TopologyLinear      Topology = "linear"
)

// CheckMode selects how check_query re-derives the pending query.
type CheckMode string

const (
	// CheckAuto forces a run_query call when the backend supports it and
	// validates through a text answer otherwise.
	CheckAuto     CheckMode = "auto"
	CheckForce    CheckMode = "force"
	CheckValidate CheckMode = "validate"
)

// ParseTopology reads a topology name, defaulting to conditional when empty.
func ParseTopology(raw string) (Topology, error) {
	switch Topology(strings.ToLower(strings.TrimSpace(raw))) {
	case "", TopologyConditional:
		return TopologyConditional, nil
	case TopologyLinear:
		return TopologyLinear, nil
	default:
		return "", fmt.Errorf("unknown topology %q", raw)
	}
}

// ParseCheckMode reads a check mode name, defaulting to auto when empty.
func ParseCheckMode(raw string) (CheckMode, error) {
	switch CheckMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", CheckAuto:
		return CheckAuto, nil
	case CheckForce:
		return CheckForce, nil
	case CheckValidate:
		return CheckValidate, nil
	default:
		return "", fmt.Errorf("unknown check mode %q", raw)
	}
}

// Options configures New. The zero value runs the conditional topology.
type Options struct {
	Topology  Topology
	CheckMode CheckMode
	// MaxSteps bounds a single run; 0 uses graph.DefaultMaxSteps.
	MaxSteps int
	// Prompts defaults to the embedded templates.
	Prompts *prompts.Set
	Logger  *slog.Logger
}

// Workflow is a compiled question-answering graph, safe for concurrent runs.
type Workflow struct {
	graph    *graph.Graph[State]
	topology Topology
	logger   *slog.Logger
}

// New validates the collaborators and compiles the topology. Capability
// problems surface here, before any question is asked.
func New(o oracle.Oracle, db Database, opts Options) (*Workflow, error) {
	if o == nil {
		return nil, errors.New("oracle is required")
	}
	if db == nil {
		return nil, errors.New("database is required")
	}
	topology, err := ParseTopology(string(opts.Topology))
	if err != nil {
		return nil, err
	}
	checkMode, err := ParseCheckMode(string(opts.CheckMode))
	if err != nil {
		return nil, err
	}

	forced := oracle.CheckToolChoice(o, oracle.ChooseTool(toolRunQuery)) == nil
	if checkMode == CheckForce {
		if err := oracle.CheckToolChoice(o, oracle.ChooseTool(toolRunQuery)); err != nil {
			return nil, fmt.Errorf("check mode %s: %w", checkMode, err)
		}
	}

	set := opts.Prompts
	if set == nil {
		set, err = prompts.Default()
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &steps{
		oracle:     o,
		db:         db,
		prompts:    set,
		logger:     logger,
		topology:   topology,
		forceCheck: checkMode == CheckForce || (checkMode == CheckAuto && forced),
		forceTools: forced,
	}

	builder := graph.New[State](Merge).
		WithMaxSteps(opts.MaxSteps).
		WithObserver(func(node string, elapsed time.Duration, err error) {
			observability.ObserveWorkflowStep(node, elapsed, err)
		})
	switch topology {
	case TopologyLinear:
		builder.
			AddNode(NodeFetchSchema, s.fetchSchema).
			AddNode(NodeGenerateQuery, s.generateQuery).
			AddNode(NodeExecuteQuery, s.executeQuery).
			AddNode(NodeSummarize, s.summarize).
			AddEdge(NodeFetchSchema, NodeGenerateQuery).
			AddEdge(NodeGenerateQuery, NodeExecuteQuery).
			AddEdge(NodeExecuteQuery, NodeSummarize).
			AddEdge(NodeSummarize, graph.End).
			SetEntry(NodeFetchSchema)
	default:
		builder.
			AddNode(NodeListTables, s.listTables).
			AddNode(NodeSelectTables, s.selectTables).
			AddNode(NodeFetchSchema, s.fetchSchema).
			AddNode(NodeGenerateQuery, s.generateQuery).
			AddNode(NodeCheckQuery, s.checkQuery).
			AddNode(NodeExecuteQuery, s.executeQuery).
			AddNode(NodeSummarize, s.summarize).
			AddEdge(NodeListTables, NodeSelectTables).
			AddEdge(NodeSelectTables, NodeFetchSchema).
			AddEdge(NodeFetchSchema, NodeGenerateQuery).
			AddConditionalEdge(NodeGenerateQuery, routeAfterGenerate, NodeCheckQuery, NodeSummarize).
			AddEdge(NodeCheckQuery, NodeExecuteQuery).
			AddEdge(NodeExecuteQuery, NodeSummarize).
			AddEdge(NodeSummarize, graph.End).
			SetEntry(NodeListTables)
	}

	compiled, err := builder.Compile()
	if err != nil {
		return nil, err
	}
	return &Workflow{graph: compiled, topology: topology, logger: logger}, nil
}

// routeAfterGenerate sends a pending run_query call to check_query and
// everything else straight to summarize.
func routeAfterGenerate(state State) string {
	if call := state.PendingToolCall(); call != nil && call.Function.Name == toolRunQuery {
		return NodeCheckQuery
	}
	return NodeSummarize
}

// Topology reports the topology the workflow was compiled with.
func (w *Workflow) Topology() Topology {
	return w.topology
}

// Invoke runs one question to completion.
func (w *Workflow) Invoke(ctx context.Context, initial State) (State, error) {
	initial, err := prepare(initial)
	if err != nil {
		return State{}, err
	}
	ctx = observability.ContextWithRunID(ctx, initial.RunID)
	final, err := w.graph.Invoke(ctx, initial)
	w.finish(ctx, err)
	if err != nil {
		return State{}, err
	}
	return final, nil
}

// Stream runs one question and yields a snapshot after every step, ending
// with an event whose Node is graph.End.
func (w *Workflow) Stream(ctx context.Context, initial State) iter.Seq2[graph.Event[State], error] {
	return func(yield func(graph.Event[State], error) bool) {
		initial, err := prepare(initial)
		if err != nil {
			yield(graph.Event[State]{}, err)
			return
		}
		ctx := observability.ContextWithRunID(ctx, initial.RunID)
		for event, err := range w.graph.Stream(ctx, initial) {
			if err != nil {
				w.finish(ctx, err)
				yield(event, err)
				return
			}
			if event.Node == graph.End {
				w.finish(ctx, nil)
			}
			if !yield(event, nil) {
				return
			}
		}
	}
}

// Ask runs question and returns the final state.
func (w *Workflow) Ask(ctx context.Context, question string) (State, error) {
	if strings.TrimSpace(question) == "" {
		return State{}, errors.New("question is required")
	}
	return w.Invoke(ctx, NewState(question))
}

// prepare checks the entry state and fills in what NewState would have set.
func prepare(initial State) (State, error) {
	if strings.TrimSpace(initial.UserQuestion) == "" {
		return State{}, errors.New("question is required")
	}
	if initial.RunID == "" {
		initial.RunID = uuid.NewString()
	}
	if len(initial.Conversation) == 0 {
		initial.Conversation = []*schema.Message{schema.UserMessage(initial.UserQuestion)}
	}
	return initial, nil
}

func (w *Workflow) Mermaid() string {
	return w.graph.Mermaid()
}

func (w *Workflow) finish(ctx context.Context, err error) {
	logger := w.logger.With(observability.LogAttrs(ctx)...)
	switch {
	case err == nil:
		observability.ObserveWorkflowRun("completed")
		logger.Info("workflow completed")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		observability.ObserveWorkflowRun("cancelled")
		logger.Warn("workflow cancelled", slog.String("error", err.Error()))
	default:
		observability.ObserveWorkflowRun("failed")
		logger.Error("workflow failed", slog.String("error", err.Error()))
	}
}
