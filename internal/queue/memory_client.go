package queue

import (
	"context"
	"errors"
)

// MemoryClient buffers messages in-process. It backs local development and
// tests where no SQS queue is configured.
type MemoryClient struct {
	ch chan Message
}

// NewMemoryClient constructs a memory-backed queue client with the given
// buffer size.
func NewMemoryClient(buffer int) *MemoryClient {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryClient{ch: make(chan Message, buffer)}
}

// Send places the message on the in-process buffer.
func (m *MemoryClient) Send(ctx context.Context, msg Message) error {
	select {
	case m.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("queue buffer full")
	}
}

// Messages exposes the buffered channel for consumers.
func (m *MemoryClient) Messages() <-chan Message {
	return m.ch
}

var _ Client = (*MemoryClient)(nil)
