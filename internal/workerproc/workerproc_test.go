package workerproc

import (
	"context"
	"errors"
	"testing"

	"studio-backend/internal/queue"
)

type fakeMaintenance struct {
	archived    int
	vacuumed    int
	recoveredID string
	recoverAll  int
	err         error
}

func (f *fakeMaintenance) ArchiveOldSessions(ctx context.Context) (int, error) {
	f.archived++
	return 2, f.err
}

func (f *fakeMaintenance) VacuumArchive(ctx context.Context) error {
	f.vacuumed++
	return f.err
}

func (f *fakeMaintenance) RecoverSessions(ctx context.Context) (int, error) {
	f.recoverAll++
	return 1, f.err
}

func (f *fakeMaintenance) RecoverSession(ctx context.Context, sessionID string) error {
	f.recoveredID = sessionID
	return f.err
}

func encode(t *testing.T, msg queue.Message) string {
	t.Helper()
	data, err := queue.EncodeMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestParseMessageRejectsEmptyAndMalformed(t *testing.T) {
	_, _, err := ParseMessage("")
	var emptyErr ErrEmptyBody
	if !errors.As(err, &emptyErr) {
		t.Fatalf("empty body err = %T", err)
	}
	_, _, err = ParseMessage("{not json")
	var decodeErr ErrDecode
	if !errors.As(err, &decodeErr) {
		t.Fatalf("malformed err = %T", err)
	}
	_, _, err = ParseMessage(encode(t, queue.Message{Job: "unknown_job", RequestID: "r1"}))
	var unknownErr ErrUnknownJob
	if !errors.As(err, &unknownErr) {
		t.Fatalf("unknown job err = %T", err)
	}
	if unknownErr.Job != "unknown_job" || unknownErr.RequestID != "r1" {
		t.Fatalf("unknown job fields = %+v", unknownErr)
	}
}

func TestHandleMessageDispatchesJobs(t *testing.T) {
	ctx := context.Background()
	m := &fakeMaintenance{}

	if err := HandleMessage(ctx, m, encode(t, queue.Message{Job: queue.JobArchiveOld})); err != nil {
		t.Fatalf("archive_old: %v", err)
	}
	if err := HandleMessage(ctx, m, encode(t, queue.Message{Job: queue.JobVacuum})); err != nil {
		t.Fatalf("vacuum: %v", err)
	}
	if err := HandleMessage(ctx, m, encode(t, queue.Message{Job: queue.JobRecover, SessionID: "sess-9"})); err != nil {
		t.Fatalf("recover one: %v", err)
	}
	if err := HandleMessage(ctx, m, encode(t, queue.Message{Job: queue.JobRecover})); err != nil {
		t.Fatalf("recover all: %v", err)
	}

	if m.archived != 1 || m.vacuumed != 1 || m.recoverAll != 1 {
		t.Fatalf("dispatch counts = %+v", m)
	}
	if m.recoveredID != "sess-9" {
		t.Fatalf("recovered session = %q, want sess-9", m.recoveredID)
	}
}

func TestHandleMessageWrapsProcessingErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("db down")
	m := &fakeMaintenance{err: boom}

	err := HandleMessage(ctx, m, encode(t, queue.Message{Job: queue.JobVacuum, RequestID: "r7"}))
	var procErr ErrProcess
	if !errors.As(err, &procErr) {
		t.Fatalf("err = %T, want ErrProcess", err)
	}
	if procErr.Job != queue.JobVacuum || procErr.RequestID != "r7" {
		t.Fatalf("process err fields = %+v", procErr)
	}
	if !errors.Is(err, boom) {
		t.Fatal("cause not preserved")
	}
}

func TestHandleMessageReusesParsedContext(t *testing.T) {
	m := &fakeMaintenance{}
	msg := queue.Message{Job: queue.JobRecover, SessionID: "sess-1"}
	ctx := WithParsedMessage(context.Background(), msg)

	// Body is ignored when the context already carries the parsed message.
	if err := HandleMessage(ctx, m, "garbage"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if m.recoveredID != "sess-1" {
		t.Fatalf("recovered session = %q", m.recoveredID)
	}
}
