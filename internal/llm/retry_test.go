package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

// recoveringClient fails a fixed number of times before delegating.
type recoveringClient struct {
	base     Client
	failures int
	err      error
	attempts int
}

func (c *recoveringClient) Complete(ctx context.Context, input CompleteInput) (json.RawMessage, error) {
	c.attempts++
	if c.failures > 0 {
		c.failures--
		return nil, c.err
	}
	return c.base.Complete(ctx, input)
}

func TestWithRetryRecoversFromTransientFailure(t *testing.T) {
	script := &ScriptClient{Responses: map[string]json.RawMessage{
		"plan": json.RawMessage(`{"ok": true}`),
	}}
	flaky := &recoveringClient{base: script, failures: 1, err: errors.New("503 upstream unavailable")}

	resp, err := WithRetry(flaky).Complete(context.Background(), CompleteInput{Label: "plan"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if string(resp) != `{"ok": true}` {
		t.Fatalf("resp = %s", resp)
	}
	if flaky.attempts != 2 {
		t.Fatalf("attempts = %d, want 2", flaky.attempts)
	}
}

func TestWithRetryGivesUpAfterSecondFailure(t *testing.T) {
	script := &ScriptClient{Errors: map[string]error{
		"plan": errors.New("connection reset by peer"),
	}}

	_, err := WithRetry(script).Complete(context.Background(), CompleteInput{Label: "plan"})
	if err == nil {
		t.Fatal("expected error")
	}
	if n := script.CallCount("plan"); n != 2 {
		t.Fatalf("attempts = %d, want 2", n)
	}
}

func TestWithRetrySkipsNonTransientErrors(t *testing.T) {
	script := &ScriptClient{Errors: map[string]error{
		"plan": errors.New("invalid request: prompt too long"),
	}}

	_, err := WithRetry(script).Complete(context.Background(), CompleteInput{Label: "plan"})
	if err == nil {
		t.Fatal("expected error")
	}
	if n := script.CallCount("plan"); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
}
