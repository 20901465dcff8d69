package graph

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cloudwego/eino/compose"
)

type edge[S any] struct {
	to      string
	route   RouteFunc[S]
	targets []string
}

func (e edge[S]) conditional() bool { return e.route != nil }

// Builder declares a topology. Problems are collected and reported by Compile.
type Builder[S any] struct {
	merge    MergeFunc[S]
	nodes    map[string]StepFunc[S]
	order    []string
	edges    map[string]edge[S]
	entry    string
	maxSteps int
	observer Observer
	errs     []error
}

// New starts a topology whose partial updates are folded in by merge.
func New[S any](merge MergeFunc[S]) *Builder[S] {
	return &Builder[S]{
		merge:    merge,
		nodes:    map[string]StepFunc[S]{},
		edges:    map[string]edge[S]{},
		maxSteps: DefaultMaxSteps,
	}
}

// AddNode declares a named step.
func (b *Builder[S]) AddNode(name string, step StepFunc[S]) *Builder[S] {
	switch {
	case name == "" || name == End || name == compose.START || name == compose.END:
		b.errs = append(b.errs, fmt.Errorf("node name %q is reserved", name))
	case step == nil:
		b.errs = append(b.errs, fmt.Errorf("node %s has no step", name))
	case b.nodes[name] != nil:
		b.errs = append(b.errs, fmt.Errorf("node %s declared twice", name))
	default:
		b.nodes[name] = step
		b.order = append(b.order, name)
	}
	return b
}

// AddEdge always continues from one node to another, or to End.
func (b *Builder[S]) AddEdge(from, to string) *Builder[S] {
	return b.addEdge(from, edge[S]{to: to})
}

// AddConditionalEdge routes from a node to one of targets, chosen by route
// after the node's update is merged.
func (b *Builder[S]) AddConditionalEdge(from string, route RouteFunc[S], targets ...string) *Builder[S] {
	if route == nil {
		b.errs = append(b.errs, fmt.Errorf("conditional edge from %s has no route", from))
		return b
	}
	if len(targets) == 0 {
		b.errs = append(b.errs, fmt.Errorf("conditional edge from %s declares no targets", from))
		return b
	}
	return b.addEdge(from, edge[S]{route: route, targets: slices.Clone(targets)})
}

func (b *Builder[S]) addEdge(from string, e edge[S]) *Builder[S] {
	if _, exists := b.edges[from]; exists {
		b.errs = append(b.errs, fmt.Errorf("node %s has more than one outgoing edge", from))
		return b
	}
	b.edges[from] = e
	return b
}

// SetEntry names the first node of every run.
func (b *Builder[S]) SetEntry(name string) *Builder[S] {
	b.entry = name
	return b
}

// WithMaxSteps bounds the steps of one run. Non-positive values keep the default.
func (b *Builder[S]) WithMaxSteps(n int) *Builder[S] {
	if n > 0 {
		b.maxSteps = n
	}
	return b
}

func (b *Builder[S]) WithObserver(observer Observer) *Builder[S] {
	b.observer = observer
	return b
}

// Compile validates the topology and builds the runnable graph. Every
// topology problem found is reported, wrapped in ErrInvalidGraph.
func (b *Builder[S]) Compile() (*Graph[S], error) {
	errs := slices.Clone(b.errs)
	if b.merge == nil {
		errs = append(errs, errors.New("merge function is required"))
	}
	if b.entry == "" {
		errs = append(errs, errors.New("entry point is not set"))
	} else if b.nodes[b.entry] == nil {
		errs = append(errs, fmt.Errorf("entry point %s is not a node", b.entry))
	}

	for _, name := range b.order {
		e, ok := b.edges[name]
		if !ok {
			errs = append(errs, fmt.Errorf("node %s has no outgoing edge", name))
			continue
		}
		for _, target := range e.destinations() {
			if target != End && b.nodes[target] == nil {
				errs = append(errs, fmt.Errorf("edge %s -> %s targets an unknown node", name, target))
			}
		}
	}
	for from := range b.edges {
		if b.nodes[from] == nil {
			errs = append(errs, fmt.Errorf("edge from unknown node %s", from))
		}
	}

	if len(errs) == 0 {
		reached := b.reachable()
		for _, name := range b.order {
			if !reached[name] {
				errs = append(errs, fmt.Errorf("node %s is unreachable from %s", name, b.entry))
			}
		}
		if !reached[End] {
			errs = append(errs, fmt.Errorf("%s is unreachable from %s", End, b.entry))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGraph, errors.Join(errs...))
	}

	runnable, err := b.compose()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGraph, err)
	}
	return &Graph[S]{
		runnable: runnable,
		order:    slices.Clone(b.order),
		edges:    maps.Clone(b.edges),
		entry:    b.entry,
	}, nil
}

// compose translates the validated topology into an eino graph. Each node
// merges its update into the run's local state in a post handler, so the
// value flowing along edges is always the merged state.
func (b *Builder[S]) compose() (compose.Runnable[S, S], error) {
	g := compose.NewGraph[S, S](compose.WithGenLocalState(func(context.Context) *localState[S] {
		return &localState[S]{}
	}))

	for _, name := range b.order {
		if err := g.AddLambdaNode(name, compose.InvokableLambda(b.lambda(name)),
			compose.WithNodeName(name),
			compose.WithStatePreHandler(b.enter(name)),
			compose.WithStatePostHandler(b.leave(name)),
		); err != nil {
			return nil, err
		}
	}

	if err := g.AddEdge(compose.START, b.entry); err != nil {
		return nil, err
	}
	for _, name := range b.order {
		e := b.edges[name]
		if !e.conditional() {
			if err := g.AddEdge(name, einoKey(e.to)); err != nil {
				return nil, err
			}
			continue
		}
		if err := g.AddBranch(name, b.branch(name, e)); err != nil {
			return nil, err
		}
	}

	// eino counts its own supersteps; the node budget is enforced in enter.
	return g.Compile(context.Background(),
		compose.WithGraphName("querygraph"),
		compose.WithNodeTriggerMode(compose.AnyPredecessor),
		compose.WithMaxRunSteps(2*b.maxSteps+2),
	)
}

// enter seeds the local state on the first step and hands the node the
// merged state.
func (b *Builder[S]) enter(name string) compose.StatePreHandler[S, *localState[S]] {
	maxSteps := b.maxSteps
	return func(ctx context.Context, in S, st *localState[S]) (S, error) {
		r := traceFrom[S](ctx)
		if !st.seeded {
			st.state = in
			st.seeded = true
		}
		if err := ctx.Err(); err != nil {
			return in, r.fail(err)
		}
		st.steps++
		if st.steps > maxSteps {
			return in, r.fail(fmt.Errorf("%w: %d steps without reaching %s (at %s)", ErrMaxSteps, maxSteps, End, name))
		}
		return st.state, nil
	}
}

func (b *Builder[S]) lambda(name string) func(context.Context, S) (S, error) {
	step := b.nodes[name]
	observer := b.observer
	return func(ctx context.Context, state S) (S, error) {
		start := time.Now()
		update, err := step(ctx, state)
		if observer != nil {
			observer(name, time.Since(start), err)
		}
		if err != nil {
			var zero S
			return zero, traceFrom[S](ctx).fail(&StepError{Node: name, Err: err})
		}
		return update, nil
	}
}

func (b *Builder[S]) leave(name string) compose.StatePostHandler[S, *localState[S]] {
	merge := b.merge
	return func(ctx context.Context, update S, st *localState[S]) (S, error) {
		st.state = merge(st.state, update)
		r := traceFrom[S](ctx)
		if r.emit != nil {
			if err := r.emit(Event[S]{Node: name, Update: update, State: st.state}); err != nil {
				return st.state, r.fail(err)
			}
		}
		return st.state, nil
	}
}

func (b *Builder[S]) branch(name string, e edge[S]) *compose.GraphBranch {
	ends := make(map[string]bool, len(e.targets))
	for _, target := range e.targets {
		ends[einoKey(target)] = true
	}
	return compose.NewGraphBranch(func(ctx context.Context, state S) (string, error) {
		target := e.route(state)
		if !slices.Contains(e.targets, target) {
			return "", traceFrom[S](ctx).fail(fmt.Errorf("%w: node %s routed to %q, declared targets %v", ErrInvalidRoute, name, target, e.targets))
		}
		return einoKey(target), nil
	}, ends)
}

func einoKey(name string) string {
	if name == End {
		return compose.END
	}
	return name
}

func (b *Builder[S]) reachable() map[string]bool {
	reached := map[string]bool{b.entry: true}
	queue := []string{b.entry}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == End {
			continue
		}
		for _, target := range b.edges[current].destinations() {
			if !reached[target] {
				reached[target] = true
				queue = append(queue, target)
			}
		}
	}
	return reached
}

func (e edge[S]) destinations() []string {
	if e.conditional() {
		return e.targets
	}
	return []string{e.to}
}
