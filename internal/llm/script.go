package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ScriptClient returns canned responses keyed by request label. It records
// every request and is safe for concurrent use. Intended for tests.
type ScriptClient struct {
	mu        sync.Mutex
	Responses map[string]json.RawMessage
	Default   json.RawMessage
	Errors    map[string]error
	calls     []CompleteInput
}

// Complete returns the scripted response for the request's label.
func (s *ScriptClient) Complete(ctx context.Context, input CompleteInput) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, input)
	s.mu.Unlock()

	if err, ok := s.Errors[input.Label]; ok {
		return nil, err
	}
	if resp, ok := s.Responses[input.Label]; ok {
		return resp, nil
	}
	if s.Default != nil {
		return s.Default, nil
	}
	return nil, fmt.Errorf("no scripted response for label %q", input.Label)
}

// Calls returns a copy of the recorded requests.
func (s *ScriptClient) Calls() []CompleteInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CompleteInput, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many requests carried the given label.
func (s *ScriptClient) CallCount(label string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Label == label {
			n++
		}
	}
	return n
}
