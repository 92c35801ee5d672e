package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"studio-backend/internal/shared/telemetry"
)

const retryBaseDelay = 300 * time.Millisecond

// WithRetry wraps a client with a single retry on transient failures.
func WithRetry(base Client) Client {
	if base == nil {
		return nil
	}
	return retryingClient{base: base}
}

type retryingClient struct {
	base Client
}

func (r retryingClient) Complete(ctx context.Context, input CompleteInput) (json.RawMessage, error) {
	resp, err := r.base.Complete(ctx, input)
	if err == nil || !shouldRetry(err) {
		return resp, err
	}

	telemetry.Warn("llm.retry", map[string]any{
		"label": input.Label,
		"error": err.Error(),
	})
	select {
	case <-time.After(retryBaseDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return r.base.Complete(ctx, input)
}

func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"timeout", "connection reset", "temporarily unavailable", "429", "502", "503"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
