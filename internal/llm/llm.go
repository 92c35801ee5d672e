package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// Client abstracts LLM providers for the analysis pipeline. Implementations
// return the raw completion; callers own prompt construction and parsing.
type Client interface {
	Complete(ctx context.Context, input CompleteInput) (json.RawMessage, error)
}

// CompleteInput captures one completion request.
type CompleteInput struct {
	// System primes the model with the caller's role framing.
	System string
	// Prompt is the user-turn content.
	Prompt string
	// ForceJSON requests a JSON-object response from providers that support it.
	ForceJSON bool
	// Label tags the call for logging (node or stage name).
	Label string
}

// ErrNotImplemented is returned by the placeholder client.
var ErrNotImplemented = errors.New("LLM not implemented")

// PlaceholderClient is a stub implementation until provider wiring is added.
type PlaceholderClient struct{}

// Complete returns ErrNotImplemented.
func (PlaceholderClient) Complete(ctx context.Context, input CompleteInput) (json.RawMessage, error) {
	_ = ctx
	_ = input
	return nil, ErrNotImplemented
}
