// Package statestore persists live session state in a TTL'd key-value store.
// Sessions live here while running; the archive owns them afterwards.
package statestore

import (
	"context"
	"errors"
	"time"
)

// Store errors.
var (
	ErrNotFound  = errors.New("session state not found")
	ErrDuplicate = errors.New("session state already exists")
)

// Record pairs a session id with its stored state.
type Record struct {
	SessionID string
	State     map[string]any
}

// Store is the live-session state contract. Implementations refresh the TTL
// on every successful write.
type Store interface {
	Create(ctx context.Context, sessionID string, state map[string]any) error
	Get(ctx context.Context, sessionID string) (map[string]any, error)
	Update(ctx context.Context, sessionID string, patch map[string]any) error
	Delete(ctx context.Context, sessionID string) error
	Exists(ctx context.Context, sessionID string) (bool, error)
	ExtendTTL(ctx context.Context, sessionID string, ttl time.Duration) error
	ListIDs(ctx context.Context) ([]string, error)
	ListRecords(ctx context.Context) ([]Record, error)
	Healthy(ctx context.Context) error
}

// SubKey builds a namespaced key for auxiliary per-session data that must not
// appear in session listings, e.g. checkpoints and follow-up history.
func SubKey(prefix, sessionID string) string {
	return prefix + ":" + sessionID
}

// Auxiliary key prefixes.
const (
	CheckpointPrefix = "checkpoint"
	FollowupPrefix   = "followup"
)
