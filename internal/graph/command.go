package graph

import (
	"context"
	"time"
)

// Reserved node names.
const (
	Start = "__start__"
	End   = "__end__"
)

// Send dispatches one parallel invocation of a target node with a state patch
// applied to that invocation's private copy of the state.
type Send struct {
	Node  string
	Patch State
}

// Command is a node output combining a partial-state update with explicit
// routing: either a single target node or a parallel fan-out.
type Command struct {
	Update State
	Goto   string
	Sends  []Send
}

// InteractionPayload is the structured prompt surfaced to the user when a
// node pauses execution. The engine round-trips it verbatim.
type InteractionPayload struct {
	Type      string            `json:"interaction_type"`
	Message   string            `json:"message"`
	Data      map[string]any    `json:"data,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// NewInteraction builds an interaction payload stamped with the current time.
func NewInteraction(interactionType, message string, data map[string]any, options map[string]string) InteractionPayload {
	return InteractionPayload{
		Type:      interactionType,
		Message:   message,
		Data:      data,
		Options:   options,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// InterruptError signals that execution must pause and the payload be
// surfaced to the user. Nodes return it as an error; if caught inside a node
// it must be re-raised so it reaches the engine.
type InterruptError struct {
	Payload InteractionPayload
}

func (e *InterruptError) Error() string {
	return "graph interrupted: " + e.Payload.Type
}

// Interrupt wraps an interaction payload into the error a node returns to
// pause the graph.
func Interrupt(payload InteractionPayload) error {
	return &InterruptError{Payload: payload}
}

type resumeKey struct{}

// WithResume attaches the user's response for the node re-invoked after an
// interrupt.
func WithResume(ctx context.Context, response any) context.Context {
	return context.WithValue(ctx, resumeKey{}, response)
}

// ResumeValue returns the user's response, if the node is being re-invoked
// after an interrupt.
func ResumeValue(ctx context.Context) (any, bool) {
	v := ctx.Value(resumeKey{})
	if v == nil {
		return nil, false
	}
	return v, true
}

// ResumeMap returns the resume value coerced to a map, if present.
func ResumeMap(ctx context.Context) (map[string]any, bool) {
	v, ok := ResumeValue(ctx)
	if !ok {
		return nil, false
	}
	m, ok := toAnyMap(v)
	if !ok || m == nil {
		return nil, false
	}
	return m, true
}
