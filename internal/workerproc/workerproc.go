// Package workerproc parses and dispatches maintenance queue messages.
package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"studio-backend/internal/queue"
)

// Maintenance is what the worker needs from the application: archiving cold
// sessions, vacuuming the archive and recovering interrupted runs.
type Maintenance interface {
	ArchiveOldSessions(ctx context.Context) (int, error)
	VacuumArchive(ctx context.Context) error
	RecoverSessions(ctx context.Context) (int, error)
	RecoverSession(ctx context.Context, sessionID string) error
}

// MessageMeta captures details useful for logging and diagnostics.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash.
func ComputeMeta(body string) MessageMeta {
	if body == "" {
		return MessageMeta{BodyLen: 0, BodySHA: ""}
	}
	sum := sha256.Sum256([]byte(body))
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an empty queue payload.
type ErrEmptyBody struct {
	Meta MessageMeta
}

func (e ErrEmptyBody) Error() string { return "empty message body" }

// ErrDecode indicates a JSON decode failure.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode message"
	}
	return "decode message: " + e.Err.Error()
}

// ErrUnknownJob indicates a message naming a job the worker does not run.
type ErrUnknownJob struct {
	Meta      MessageMeta
	Job       string
	RequestID string
}

func (e ErrUnknownJob) Error() string { return "unknown job: " + e.Job }

// ErrProcess indicates processing failed after successful parsing.
type ErrProcess struct {
	Job       string
	SessionID string
	RequestID string
	Err       error
}

func (e ErrProcess) Error() string {
	if e.Err == nil {
		return "process " + e.Job
	}
	return "process " + e.Job + ": " + e.Err.Error()
}

func (e ErrProcess) Unwrap() error { return e.Err }

func knownJob(job string) bool {
	switch job {
	case queue.JobArchiveOld, queue.JobVacuum, queue.JobRecover:
		return true
	}
	return false
}

// ParseMessage validates and decodes the queue payload.
func ParseMessage(body string) (queue.Message, MessageMeta, error) {
	meta := ComputeMeta(body)
	if strings.TrimSpace(body) == "" {
		return queue.Message{}, meta, ErrEmptyBody{Meta: meta}
	}

	msg, err := queue.DecodeMessage([]byte(body))
	if err != nil {
		return queue.Message{}, meta, ErrDecode{Meta: meta, Err: err}
	}
	if !knownJob(msg.Job) {
		return msg, meta, ErrUnknownJob{Meta: meta, Job: msg.Job, RequestID: msg.RequestID}
	}
	return msg, meta, nil
}

type parsedMessageKey struct{}

// WithParsedMessage stores a decoded message in the context for reuse.
func WithParsedMessage(ctx context.Context, msg queue.Message) context.Context {
	return context.WithValue(ctx, parsedMessageKey{}, msg)
}

func parsedMessageFromContext(ctx context.Context) (queue.Message, bool) {
	if ctx == nil {
		return queue.Message{}, false
	}
	msg, ok := ctx.Value(parsedMessageKey{}).(queue.Message)
	return msg, ok
}

// HandleMessage parses, validates, and runs a maintenance message.
func HandleMessage(ctx context.Context, m Maintenance, body string) error {
	if m == nil {
		return errors.New("maintenance service not configured")
	}

	msg, ok := parsedMessageFromContext(ctx)
	if !ok {
		var err error
		msg, _, err = ParseMessage(body)
		if err != nil {
			return err
		}
	}
	if !knownJob(msg.Job) {
		return ErrUnknownJob{Meta: ComputeMeta(body), Job: msg.Job, RequestID: msg.RequestID}
	}

	var err error
	switch msg.Job {
	case queue.JobArchiveOld:
		_, err = m.ArchiveOldSessions(ctx)
	case queue.JobVacuum:
		err = m.VacuumArchive(ctx)
	case queue.JobRecover:
		if msg.SessionID != "" {
			err = m.RecoverSession(ctx, msg.SessionID)
		} else {
			_, err = m.RecoverSessions(ctx)
		}
	}
	if err != nil {
		return ErrProcess{Job: msg.Job, SessionID: msg.SessionID, RequestID: msg.RequestID, Err: err}
	}
	return nil
}
