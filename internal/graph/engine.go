package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"studio-backend/internal/shared/metrics"
)

const defaultMaxSteps = 100

// Engine executes a graph thread by thread. One engine serves many threads;
// each thread's nodes run sequentially, with parallelism only inside Send
// fan-outs.
type Engine struct {
	graph    *Graph
	ckpt     Checkpointer
	maxSteps int
	onStep   func(threadID, node string, s State)
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxSteps overrides the recursion guard's step limit.
func WithMaxSteps(limit int) Option {
	return func(e *Engine) {
		if limit > 0 {
			e.maxSteps = limit
		}
	}
}

// WithCheckpointer sets the checkpoint store.
func WithCheckpointer(ckpt Checkpointer) Option {
	return func(e *Engine) { e.ckpt = ckpt }
}

// WithStepObserver registers a callback invoked after every node's patch has
// been merged. Observers receive the merged state and must not mutate it.
func WithStepObserver(fn func(threadID, node string, s State)) Option {
	return func(e *Engine) { e.onStep = fn }
}

// NewEngine validates the graph and constructs an engine.
func NewEngine(g *Graph, opts ...Option) (*Engine, error) {
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	e := &Engine{
		graph:    g,
		ckpt:     NewMemoryCheckpointer(),
		maxSteps: defaultMaxSteps,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Result is the outcome of driving a thread until it pauses or terminates.
type Result struct {
	State         State
	Interrupt     *InteractionPayload
	InterruptNode string
	Done          bool
}

// Run starts a new thread from the graph entry point.
func (e *Engine) Run(ctx context.Context, threadID string, initial State) (Result, error) {
	return e.loop(ctx, threadID, e.graph.entry, initial, 0, nil)
}

// Resume re-enters a paused thread, re-invoking the interrupted node with the
// user's response available via ResumeValue.
func (e *Engine) Resume(ctx context.Context, threadID string, response any) (Result, error) {
	cp, err := e.ckpt.Get(ctx, threadID)
	if err != nil {
		return Result{}, err
	}
	if cp.PendingInterrupt == nil {
		return Result{}, ErrNotPaused
	}
	return e.loop(ctx, threadID, cp.Node, cp.State, cp.Step, response)
}

// Recover re-enters a thread from its latest checkpoint without a user
// response, for crash recovery of threads that were mid-run.
func (e *Engine) Recover(ctx context.Context, threadID string) (Result, error) {
	cp, err := e.ckpt.Get(ctx, threadID)
	if err != nil {
		return Result{}, err
	}
	var resume any
	if cp.PendingInterrupt != nil {
		// Paused threads stay paused; surface the same interrupt again.
		return Result{State: cp.State, Interrupt: cp.PendingInterrupt, InterruptNode: cp.Node}, nil
	}
	return e.loop(ctx, threadID, cp.Node, cp.State, cp.Step, resume)
}

func (e *Engine) loop(ctx context.Context, threadID, start string, state State, step int, resume any) (Result, error) {
	current := start
	for {
		if err := ctx.Err(); err != nil {
			return Result{State: state}, err
		}
		step++
		if step > e.maxSteps {
			return Result{State: state}, &RecursionError{Steps: step, Limit: e.maxSteps}
		}

		fn, ok := e.graph.node(current)
		if !ok {
			return Result{State: state}, &UnknownNodeError{Node: current}
		}

		callCtx := ctx
		if resume != nil {
			callCtx = WithResume(ctx, resume)
			resume = nil
		}
		out, err := fn(callCtx, state)
		if err != nil {
			var ie *InterruptError
			if errors.As(err, &ie) {
				metrics.IncInterruptEmitted()
				cp := Checkpoint{
					Node:             current,
					Step:             step - 1,
					State:            state,
					PendingInterrupt: &ie.Payload,
					SavedAt:          time.Now().UTC(),
				}
				if perr := e.ckpt.Put(ctx, threadID, cp); perr != nil {
					return Result{State: state}, &NodeError{Node: current, Err: perr}
				}
				return Result{State: state, Interrupt: &ie.Payload, InterruptNode: current}, nil
			}
			return Result{State: state}, &NodeError{Node: current, Err: err}
		}

		var next Next
		state, next, err = e.applyOutput(ctx, current, state, out)
		if err != nil {
			return Result{State: state}, err
		}
		if next.Target == "" && len(next.Sends) == 0 {
			next, err = e.graph.route(ctx, current, state)
			if err != nil {
				return Result{State: state}, &NodeError{Node: current, Err: err}
			}
		}
		if len(next.Sends) > 0 {
			state, next, err = e.fanOut(ctx, state, next.Sends)
			if err != nil {
				return Result{State: state}, err
			}
		}

		metrics.IncNodeTransition()
		if e.onStep != nil {
			e.onStep(threadID, current, state)
		}

		cp := Checkpoint{Node: next.Target, Step: step, State: state, SavedAt: time.Now().UTC()}
		if err := e.ckpt.Put(ctx, threadID, cp); err != nil {
			return Result{State: state}, &NodeError{Node: current, Err: err}
		}

		if next.Target == End {
			return Result{State: state, Done: true}, nil
		}
		current = next.Target
	}
}

// applyOutput merges a node's output into the state and extracts any explicit
// routing the output carries.
func (e *Engine) applyOutput(ctx context.Context, node string, state State, out any) (State, Next, error) {
	switch v := out.(type) {
	case nil:
		return state, Next{}, nil
	case State:
		return e.graph.schema.Apply(state, v), Next{}, nil
	case map[string]any:
		return e.graph.schema.Apply(state, State(v)), Next{}, nil
	case *Command:
		if v == nil {
			return state, Next{}, nil
		}
		if len(v.Update) > 0 {
			state = e.graph.schema.Apply(state, v.Update)
		}
		if len(v.Sends) > 0 {
			return state, Next{Sends: v.Sends}, nil
		}
		return state, Next{Target: v.Goto}, nil
	default:
		return state, Next{}, &NodeError{Node: node, Err: fmt.Errorf("unsupported node output %T", out)}
	}
}

// fanOut invokes each Send target in parallel on a private state copy and
// merges the resulting patches back field by field through the reducers. All
// invocations run to completion before the merge; the fan-in target is the
// static edge shared by the Send targets.
func (e *Engine) fanOut(ctx context.Context, state State, sends []Send) (State, Next, error) {
	patches := make([]State, len(sends))
	errs := make([]error, len(sends))

	var wg sync.WaitGroup
	for i, send := range sends {
		fn, ok := e.graph.node(send.Node)
		if !ok {
			return state, Next{}, &UnknownNodeError{Node: send.Node}
		}
		wg.Add(1)
		go func(i int, send Send, fn NodeFunc) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					errs[i] = &NodeError{Node: send.Node, Err: fmt.Errorf("panic: %v", rec)}
				}
			}()
			branch := e.graph.schema.Apply(state, send.Patch)
			out, err := fn(ctx, branch)
			if err != nil {
				errs[i] = &NodeError{Node: send.Node, Err: err}
				return
			}
			switch p := out.(type) {
			case nil:
			case State:
				patches[i] = p
			case map[string]any:
				patches[i] = State(p)
			default:
				errs[i] = &NodeError{Node: send.Node, Err: fmt.Errorf("unsupported parallel output %T", out)}
			}
		}(i, send, fn)
	}
	wg.Wait()

	merged := state
	for _, patch := range patches {
		if patch != nil {
			merged = e.graph.schema.Apply(merged, patch)
		}
	}
	for _, err := range errs {
		if err != nil {
			return merged, Next{}, err
		}
	}

	next, err := e.graph.route(ctx, sends[0].Node, merged)
	if err != nil {
		return merged, Next{}, &NodeError{Node: sends[0].Node, Err: err}
	}
	return merged, next, nil
}
