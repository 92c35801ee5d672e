package graph

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"testing"
)

func newTestSchema() *Schema {
	sc := NewSchema()
	sc.Register("results", MergeMaps)
	sc.Register("visited", MergeLists)
	return sc
}

func TestEngineSequentialRun(t *testing.T) {
	g := New(newTestSchema())
	g.AddNode("first", func(ctx context.Context, s State) (any, error) {
		return State{"visited": []any{"first"}}, nil
	})
	g.AddNode("second", func(ctx context.Context, s State) (any, error) {
		return State{"visited": []any{"second"}}, nil
	})
	g.AddEdge(Start, "first")
	g.AddEdge("first", "second")
	g.AddEdge("second", End)

	e, err := NewEngine(g)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	res, err := e.Run(context.Background(), "t1", State{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Done {
		t.Fatalf("expected Done")
	}
	if !reflect.DeepEqual(res.State["visited"], []any{"first", "second"}) {
		t.Fatalf("visited = %v", res.State["visited"])
	}
}

func TestEngineConditionalRouting(t *testing.T) {
	g := New(newTestSchema())
	g.AddNode("check", func(ctx context.Context, s State) (any, error) {
		return nil, nil
	})
	g.AddNode("yes", func(ctx context.Context, s State) (any, error) {
		return State{"visited": []any{"yes"}}, nil
	})
	g.AddNode("no", func(ctx context.Context, s State) (any, error) {
		return State{"visited": []any{"no"}}, nil
	})
	g.AddEdge(Start, "check")
	g.AddConditionalEdge("check", func(ctx context.Context, s State) (Next, error) {
		if s.GetBool("go") {
			return Next{Target: "yes"}, nil
		}
		return Next{Target: "no"}, nil
	})
	g.AddEdge("yes", End)
	g.AddEdge("no", End)

	e, _ := NewEngine(g)
	res, err := e.Run(context.Background(), "t1", State{"go": true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(res.State["visited"], []any{"yes"}) {
		t.Fatalf("visited = %v", res.State["visited"])
	}
}

func TestEngineCommandGoto(t *testing.T) {
	g := New(newTestSchema())
	g.AddNode("router", func(ctx context.Context, s State) (any, error) {
		return &Command{Update: State{"visited": []any{"router"}}, Goto: "target"}, nil
	})
	g.AddNode("skipped", func(ctx context.Context, s State) (any, error) {
		t.Fatalf("skipped node must not run")
		return nil, nil
	})
	g.AddNode("target", func(ctx context.Context, s State) (any, error) {
		return State{"visited": []any{"target"}}, nil
	})
	g.AddEdge(Start, "router")
	g.AddEdge("router", "skipped")
	g.AddEdge("target", End)

	e, _ := NewEngine(g)
	res, err := e.Run(context.Background(), "t1", State{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(res.State["visited"], []any{"router", "target"}) {
		t.Fatalf("visited = %v", res.State["visited"])
	}
}

func TestEngineFanOutMergesAllBranches(t *testing.T) {
	g := New(newTestSchema())
	g.AddNode("dispatch", func(ctx context.Context, s State) (any, error) {
		return nil, nil
	})
	g.AddNode("worker", func(ctx context.Context, s State) (any, error) {
		id := s.GetString("worker_id")
		return State{"results": map[string]any{id: "done-" + id}}, nil
	})
	g.AddNode("join", func(ctx context.Context, s State) (any, error) {
		return nil, nil
	})
	g.AddEdge(Start, "dispatch")
	g.AddConditionalEdge("dispatch", func(ctx context.Context, s State) (Next, error) {
		var sends []Send
		for _, id := range []string{"a", "b", "c", "d"} {
			sends = append(sends, Send{Node: "worker", Patch: State{"worker_id": id}})
		}
		return Next{Sends: sends}, nil
	})
	g.AddEdge("worker", "join")
	g.AddEdge("join", End)

	e, _ := NewEngine(g)
	res, err := e.Run(context.Background(), "t1", State{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	results, _ := res.State["results"].(map[string]any)
	if len(results) != 4 {
		t.Fatalf("results = %v, want 4 entries", results)
	}
	var keys []string
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if !reflect.DeepEqual(keys, []string{"a", "b", "c", "d"}) {
		t.Fatalf("result keys = %v", keys)
	}
	// Per-branch patches must not leak into the shared state.
	if _, ok := res.State["worker_id"]; ok {
		t.Fatalf("send patch leaked into merged state")
	}
}

func TestEngineFanOutBranchErrorDoesNotLoseOthers(t *testing.T) {
	g := New(newTestSchema())
	g.AddNode("dispatch", func(ctx context.Context, s State) (any, error) {
		return nil, nil
	})
	g.AddNode("worker", func(ctx context.Context, s State) (any, error) {
		id := s.GetString("worker_id")
		if id == "bad" {
			return nil, errors.New("boom")
		}
		return State{"results": map[string]any{id: "ok"}}, nil
	})
	g.AddNode("join", func(ctx context.Context, s State) (any, error) { return nil, nil })
	g.AddEdge(Start, "dispatch")
	g.AddConditionalEdge("dispatch", func(ctx context.Context, s State) (Next, error) {
		return Next{Sends: []Send{
			{Node: "worker", Patch: State{"worker_id": "good"}},
			{Node: "worker", Patch: State{"worker_id": "bad"}},
		}}, nil
	})
	g.AddEdge("worker", "join")
	g.AddEdge("join", End)

	e, _ := NewEngine(g)
	res, err := e.Run(context.Background(), "t1", State{})
	if err == nil {
		t.Fatalf("expected branch error")
	}
	var ne *NodeError
	if !errors.As(err, &ne) || ne.Node != "worker" {
		t.Fatalf("error = %v, want NodeError for worker", err)
	}
	results, _ := res.State["results"].(map[string]any)
	if results["good"] != "ok" {
		t.Fatalf("successful branch lost: %v", results)
	}
}

func TestEngineInterruptAndResume(t *testing.T) {
	g := New(newTestSchema())
	g.AddNode("ask", func(ctx context.Context, s State) (any, error) {
		if resp, ok := ResumeMap(ctx); ok {
			return State{"answer": resp["value"]}, nil
		}
		return nil, Interrupt(NewInteraction("question", "pick one", nil, map[string]string{"a": "A"}))
	})
	g.AddNode("done", func(ctx context.Context, s State) (any, error) {
		return State{"visited": []any{"done"}}, nil
	})
	g.AddEdge(Start, "ask")
	g.AddEdge("ask", "done")
	g.AddEdge("done", End)

	ckpt := NewMemoryCheckpointer()
	e, _ := NewEngine(g, WithCheckpointer(ckpt))

	res, err := e.Run(context.Background(), "t1", State{"seed": 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Done || res.Interrupt == nil {
		t.Fatalf("expected interrupt, got %+v", res)
	}
	if res.Interrupt.Type != "question" {
		t.Fatalf("interrupt type = %s", res.Interrupt.Type)
	}
	if res.InterruptNode != "ask" {
		t.Fatalf("interrupt node = %s", res.InterruptNode)
	}

	cp, err := ckpt.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if cp.PendingInterrupt == nil || cp.Node != "ask" {
		t.Fatalf("checkpoint = %+v", cp)
	}

	res, err = e.Resume(context.Background(), "t1", map[string]any{"value": "picked"})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !res.Done {
		t.Fatalf("expected completion after resume")
	}
	if res.State["answer"] != "picked" {
		t.Fatalf("answer = %v", res.State["answer"])
	}
	if res.State["seed"] != 1 {
		t.Fatalf("state lost across pause: %v", res.State)
	}
}

func TestEngineResumeWithoutPauseFails(t *testing.T) {
	g := New(newTestSchema())
	g.AddNode("n", func(ctx context.Context, s State) (any, error) { return nil, nil })
	g.AddEdge(Start, "n")
	g.AddEdge("n", End)

	e, _ := NewEngine(g)
	if _, err := e.Resume(context.Background(), "missing", nil); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("err = %v, want ErrNoCheckpoint", err)
	}

	if _, err := e.Run(context.Background(), "t1", State{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := e.Resume(context.Background(), "t1", nil); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("err = %v, want ErrNotPaused", err)
	}
}

func TestEngineRecursionGuard(t *testing.T) {
	g := New(newTestSchema())
	g.AddNode("spin", func(ctx context.Context, s State) (any, error) {
		return &Command{Goto: "spin"}, nil
	})
	g.AddEdge(Start, "spin")

	e, _ := NewEngine(g, WithMaxSteps(10))
	_, err := e.Run(context.Background(), "t1", State{})
	var re *RecursionError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want RecursionError", err)
	}
	if re.Limit != 10 {
		t.Fatalf("limit = %d", re.Limit)
	}
}

func TestEngineNodeErrorWrapped(t *testing.T) {
	g := New(newTestSchema())
	g.AddNode("fail", func(ctx context.Context, s State) (any, error) {
		return nil, fmt.Errorf("backend down")
	})
	g.AddEdge(Start, "fail")
	g.AddEdge("fail", End)

	e, _ := NewEngine(g)
	_, err := e.Run(context.Background(), "t1", State{})
	var ne *NodeError
	if !errors.As(err, &ne) {
		t.Fatalf("err = %v, want NodeError", err)
	}
	if ne.Node != "fail" {
		t.Fatalf("node = %s", ne.Node)
	}
}

func TestEngineStepObserverSeesMergedState(t *testing.T) {
	g := New(newTestSchema())
	g.AddNode("n", func(ctx context.Context, s State) (any, error) {
		return State{"visited": []any{"n"}}, nil
	})
	g.AddEdge(Start, "n")
	g.AddEdge("n", End)

	var observed []string
	e, _ := NewEngine(g, WithStepObserver(func(threadID, node string, s State) {
		observed = append(observed, node)
		if !reflect.DeepEqual(s["visited"], []any{"n"}) {
			t.Errorf("observer saw unmerged state: %v", s)
		}
	}))
	if _, err := e.Run(context.Background(), "t1", State{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(observed, []string{"n"}) {
		t.Fatalf("observed = %v", observed)
	}
}

func TestEngineRecoverMidRun(t *testing.T) {
	// Simulate a crash by running with a checkpointer, then constructing a
	// fresh engine over the same store and recovering the thread.
	build := func(ckpt Checkpointer) *Engine {
		g := New(newTestSchema())
		g.AddNode("a", func(ctx context.Context, s State) (any, error) {
			return State{"visited": []any{"a"}}, nil
		})
		g.AddNode("b", func(ctx context.Context, s State) (any, error) {
			return State{"visited": []any{"b"}}, nil
		})
		g.AddEdge(Start, "a")
		g.AddEdge("a", "b")
		g.AddEdge("b", End)
		e, err := NewEngine(g, WithCheckpointer(ckpt))
		if err != nil {
			t.Fatalf("NewEngine: %v", err)
		}
		return e
	}

	ckpt := NewMemoryCheckpointer()
	// Pretend the process died after node "a" was checkpointed.
	cp := Checkpoint{Node: "b", Step: 1, State: State{"visited": []any{"a"}}}
	if err := ckpt.Put(context.Background(), "t1", cp); err != nil {
		t.Fatalf("Put: %v", err)
	}

	e := build(ckpt)
	res, err := e.Recover(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !res.Done {
		t.Fatalf("expected completion")
	}
	if !reflect.DeepEqual(res.State["visited"], []any{"a", "b"}) {
		t.Fatalf("visited = %v", res.State["visited"])
	}
}
