package statestore

import (
	"context"
	"testing"
	"time"

	"studio-backend/internal/graph"
)

func TestMemoryCreateDuplicate(t *testing.T) {
	s := NewMemory(time.Hour)
	ctx := context.Background()
	if err := s.Create(ctx, "a", map[string]any{"x": 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, "a", map[string]any{"x": 2}); err != ErrDuplicate {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestMemoryUpdateMergesAndRefreshesTTL(t *testing.T) {
	s := NewMemory(time.Minute)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if err := s.Create(ctx, "a", map[string]any{"stage": "init", "detail": "d"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	now = now.Add(50 * time.Second)
	if err := s.Update(ctx, "a", map[string]any{"stage": "running"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Past the original deadline but within the refreshed one.
	now = now.Add(30 * time.Second)
	state, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state["stage"] != "running" || state["detail"] != "d" {
		t.Fatalf("state = %v", state)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "a"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound after expiry", err)
	}
}

func TestMemoryListSkipsSubKeys(t *testing.T) {
	s := NewMemory(time.Hour)
	ctx := context.Background()
	for _, id := range []string{"a", "b", SubKey(CheckpointPrefix, "a"), SubKey(FollowupPrefix, "b")} {
		if err := s.Create(ctx, id, map[string]any{}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	ids, err := s.ListIDs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want sessions only", ids)
	}
	records, err := s.ListRecords(ctx)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %v", records)
	}
}

func TestSanitizeReplacesRuntimeValues(t *testing.T) {
	ch := make(chan int)
	state := map[string]any{
		"ok":     "value",
		"nested": map[string]any{"fn": func() {}, "n": 1},
		"list":   []any{"a", ch},
	}
	clean := Sanitize(state)
	if clean["ok"] != "value" {
		t.Fatalf("ok = %v", clean["ok"])
	}
	nested := clean["nested"].(map[string]any)
	if _, isString := nested["fn"].(string); !isString {
		t.Fatalf("fn not replaced: %T", nested["fn"])
	}
	list := clean["list"].([]any)
	if _, isString := list[1].(string); !isString {
		t.Fatalf("channel not replaced: %T", list[1])
	}
}

func TestCheckpointerRoundTrip(t *testing.T) {
	store := NewMemory(time.Hour)
	ckpt := NewCheckpointer(store)
	ctx := context.Background()

	paused := graph.Checkpoint{
		Node:  "confirm",
		Step:  4,
		State: graph.State{"stage": "waiting"},
		PendingInterrupt: &graph.InteractionPayload{
			Type:    "requirements_confirmation",
			Message: "confirm?",
		},
		SavedAt: time.Now().UTC(),
	}
	if err := ckpt.Put(ctx, "s1", paused); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := ckpt.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Node != "confirm" || got.PendingInterrupt == nil || got.PendingInterrupt.Type != "requirements_confirmation" {
		t.Fatalf("checkpoint = %+v", got)
	}

	// A later checkpoint without an interrupt must clear the stale one.
	if err := ckpt.Put(ctx, "s1", graph.Checkpoint{Node: "next", Step: 5, State: graph.State{}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err = ckpt.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PendingInterrupt != nil {
		t.Fatalf("stale interrupt survived: %+v", got.PendingInterrupt)
	}

	if err := ckpt.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := ckpt.Get(ctx, "s1"); err != graph.ErrNoCheckpoint {
		t.Fatalf("err = %v, want ErrNoCheckpoint", err)
	}

	// Checkpoints never show up in session listings.
	ids, err := store.ListIDs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("ids = %v", ids)
	}
}
