package graph

import (
	"errors"
	"fmt"
)

// ErrNoCheckpoint is returned when a thread has no stored checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint for thread")

// ErrNotPaused is returned when Resume is called on a thread that has no
// pending interrupt.
var ErrNotPaused = errors.New("thread is not paused")

// RecursionError reports that the per-session step limit was exceeded.
type RecursionError struct {
	Steps int
	Limit int
}

func (e *RecursionError) Error() string {
	return fmt.Sprintf("graph exceeded step limit: %d steps (limit %d)", e.Steps, e.Limit)
}

// NodeError wraps an error raised by a node, carrying the node name.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// UnknownNodeError reports routing to a node that was never registered.
type UnknownNodeError struct {
	Node string
	From string
}

func (e *UnknownNodeError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("unknown node %q", e.Node)
	}
	return fmt.Sprintf("unknown node %q routed from %q", e.Node, e.From)
}
