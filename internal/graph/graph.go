// Package graph runs a state value through a declared topology of steps.
//
// A step returns a partial state which the graph merges into the running
// state. Edges are fixed or chosen by a route function over the merged
// state, and execution ends when an edge leads to End. Compiled graphs run
// on an eino compose graph whose local state carries the merged value.
package graph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/cloudwego/eino/compose"
)

// End is the terminal marker used as an edge target.
const End = "__end__"

const DefaultMaxSteps = 25

var (
	ErrInvalidGraph = errors.New("invalid graph")
	ErrInvalidRoute = errors.New("invalid route")
	ErrMaxSteps     = errors.New("max steps exceeded")

	errStreamStopped = errors.New("stream consumer stopped")
)

// StepFunc computes a partial state from the current state.
type StepFunc[S any] func(ctx context.Context, state S) (S, error)

// RouteFunc picks the next node from the merged state.
type RouteFunc[S any] func(state S) string

// MergeFunc folds a partial update into the previous state.
type MergeFunc[S any] func(prev, update S) S

// Observer is called after every step with its duration and error.
type Observer func(node string, duration time.Duration, err error)

// StepError wraps a failure returned by a node.
type StepError struct {
	Node string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Node, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Event is one entry of a streamed run. The final event has Node == End.
type Event[S any] struct {
	Node   string
	Update S
	State  S
}

// Graph is a compiled topology. It is safe for concurrent runs.
type Graph[S any] struct {
	runnable compose.Runnable[S, S]
	order    []string
	edges    map[string]edge[S]
	entry    string
}

// Nodes returns node names in declaration order.
func (g *Graph[S]) Nodes() []string {
	return slices.Clone(g.order)
}

// Invoke runs the graph to completion and returns the final state.
func (g *Graph[S]) Invoke(ctx context.Context, initial S) (S, error) {
	return g.run(ctx, initial, nil)
}

// Stream yields one event per executed step, then a final End event.
// Each call starts a fresh run; stopping iteration stops execution before
// the next step begins.
func (g *Graph[S]) Stream(ctx context.Context, initial S) iter.Seq2[Event[S], error] {
	return func(yield func(Event[S], error) bool) {
		events := make(chan Event[S])
		resume := make(chan bool)
		var (
			final S
			err   error
		)
		go func() {
			defer close(events)
			final, err = g.run(ctx, initial, func(event Event[S]) error {
				events <- event
				if !<-resume {
					return errStreamStopped
				}
				return nil
			})
		}()

		for event := range events {
			if !yield(event, nil) {
				resume <- false
				for range events {
				}
				return
			}
			resume <- true
		}

		if err != nil {
			var stepErr *StepError
			node := ""
			if errors.As(err, &stepErr) {
				node = stepErr.Node
			}
			yield(Event[S]{Node: node}, err)
			return
		}
		yield(Event[S]{Node: End, State: final}, nil)
	}
}

func (g *Graph[S]) run(ctx context.Context, initial S, emit func(Event[S]) error) (S, error) {
	var zero S
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	r := &runTrace[S]{emit: emit}
	final, err := g.runnable.Invoke(context.WithValue(ctx, runKey{}, r), initial)
	if err != nil {
		if r.failure != nil {
			return zero, r.failure
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		return zero, err
	}
	return final, nil
}

type runKey struct{}

// runTrace is the per-run side channel between the wrapper and the nodes.
// Nodes of one run execute one at a time.
type runTrace[S any] struct {
	emit    func(Event[S]) error
	failure error
}

func (r *runTrace[S]) fail(err error) error {
	if r.failure == nil {
		r.failure = err
	}
	return err
}

func traceFrom[S any](ctx context.Context) *runTrace[S] {
	if r, ok := ctx.Value(runKey{}).(*runTrace[S]); ok {
		return r
	}
	return &runTrace[S]{}
}

// localState is the eino local state of one run.
type localState[S any] struct {
	seeded bool
	steps  int
	state  S
}
