package statestore

import (
	"context"
	"encoding/json"
	"fmt"

	"studio-backend/internal/graph"
)

// Checkpointer persists graph checkpoints through the state store, under the
// checkpoint sub-key so listings never surface them. The encoded checkpoint
// rides a single map field to fit the store's state-shaped contract.
type Checkpointer struct {
	store Store
}

// NewCheckpointer wraps a state store as a graph checkpointer.
func NewCheckpointer(store Store) *Checkpointer {
	return &Checkpointer{store: store}
}

func (c *Checkpointer) Put(ctx context.Context, threadID string, cp graph.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode checkpoint payload: %w", err)
	}
	// The store merges patches, so a cleared interrupt must be written
	// explicitly or a stale one would survive the next Put.
	if _, ok := payload["pending_interrupt"]; !ok {
		payload["pending_interrupt"] = nil
	}

	key := SubKey(CheckpointPrefix, threadID)
	if err := c.store.Update(ctx, key, payload); err == nil {
		return nil
	} else if err != ErrNotFound {
		return fmt.Errorf("write checkpoint %s: %w", threadID, err)
	}
	if err := c.store.Create(ctx, key, payload); err != nil && err != ErrDuplicate {
		return fmt.Errorf("create checkpoint %s: %w", threadID, err)
	}
	return nil
}

func (c *Checkpointer) Get(ctx context.Context, threadID string) (graph.Checkpoint, error) {
	payload, err := c.store.Get(ctx, SubKey(CheckpointPrefix, threadID))
	if err == ErrNotFound {
		return graph.Checkpoint{}, graph.ErrNoCheckpoint
	}
	if err != nil {
		return graph.Checkpoint{}, fmt.Errorf("read checkpoint %s: %w", threadID, err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return graph.Checkpoint{}, fmt.Errorf("encode checkpoint payload: %w", err)
	}
	var cp graph.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return graph.Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", threadID, err)
	}
	return cp, nil
}

func (c *Checkpointer) Delete(ctx context.Context, threadID string) error {
	return c.store.Delete(ctx, SubKey(CheckpointPrefix, threadID))
}
