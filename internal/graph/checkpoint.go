package graph

import (
	"context"
	"sync"
	"time"
)

// Checkpoint captures the engine's position in one thread: the node about to
// run, the state snapshot, and the pending interrupt if the thread is paused.
type Checkpoint struct {
	Node             string              `json:"node"`
	Step             int                 `json:"step"`
	State            State               `json:"state"`
	PendingInterrupt *InteractionPayload `json:"pending_interrupt,omitempty"`
	SavedAt          time.Time           `json:"saved_at"`
}

// Checkpointer persists checkpoints keyed by thread id (= session id).
// Put replaces the previous checkpoint atomically.
type Checkpointer interface {
	Put(ctx context.Context, threadID string, cp Checkpoint) error
	Get(ctx context.Context, threadID string) (Checkpoint, error)
	Delete(ctx context.Context, threadID string) error
}

// MemoryCheckpointer stores checkpoints in memory and is safe for concurrent
// use. Suitable for tests and single-process deployments without durability.
type MemoryCheckpointer struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint
}

// NewMemoryCheckpointer constructs a MemoryCheckpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{checkpoints: make(map[string]Checkpoint)}
}

// Put stores the checkpoint, replacing any previous one.
func (m *MemoryCheckpointer) Put(ctx context.Context, threadID string, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[threadID] = cp
	return nil
}

// Get returns the latest checkpoint for the thread.
func (m *MemoryCheckpointer) Get(ctx context.Context, threadID string) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[threadID]
	if !ok {
		return Checkpoint{}, ErrNoCheckpoint
	}
	return cp, nil
}

// Delete removes the thread's checkpoint.
func (m *MemoryCheckpointer) Delete(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, threadID)
	return nil
}
