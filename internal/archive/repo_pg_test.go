package archive

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func sampleSession() ArchivedSession {
	return ArchivedSession{
		SessionID:   "sess-1",
		UserID:      "user-1",
		Status:      StatusCompleted,
		Mode:        "automatic",
		Stage:       "completed",
		Progress:    1,
		DisplayName: "Apartment renovation",
		Tags:        []string{"renovation", "apartment"},
		State:       map[string]any{"current_stage": "completed"},
		Report:      map[string]any{"title": "Report"},
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
		CompletedAt: time.Now().UTC(),
		ArchivedAt:  time.Now().UTC(),
	}
}

func TestPGRepoArchiveDuplicateWithoutForce(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	session := sampleSession()

	mock.ExpectExec("INSERT INTO archived_sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Archive(context.Background(), session, false); err != ErrDuplicate {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoArchiveForceUpdatesExisting(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	session := sampleSession()

	mock.ExpectExec("INSERT INTO archived_sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE archived_sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Archive(context.Background(), session, true); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	mock.ExpectQuery("SELECT session_id, user_id").
		WithArgs("missing", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}))

	if _, err := repo.Get(context.Background(), "user-1", "missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPGRepoListSkipsBlobs(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"session_id", "user_id", "status", "mode", "stage", "progress",
		"display_name", "pinned", "tags", "created_at", "completed_at", "archived_at",
	}).AddRow("sess-1", "user-1", StatusCompleted, "automatic", "completed", 1.0,
		"Name", true, "a,b", now, now, now)

	mock.ExpectQuery("SELECT session_id, user_id").
		WithArgs("user-1").
		WillReturnRows(rows)

	out, err := repo.List(context.Background(), ListOptions{UserID: "user-1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 1 || out[0].SessionID != "sess-1" || len(out[0].Tags) != 2 {
		t.Fatalf("out = %+v", out)
	}
}

func TestPGRepoUpdateMetadataPartial(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	pinned := true

	mock.ExpectExec("UPDATE archived_sessions SET pinned").
		WithArgs("sess-1", "user-1", pinned).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.UpdateMetadata(context.Background(), "user-1", "sess-1", Metadata{Pinned: &pinned})
	if err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestMemoryRepoListOrdersPinnedFirst(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, s := range []ArchivedSession{
		{SessionID: "old", UserID: "u", CreatedAt: base.Add(-2 * time.Hour)},
		{SessionID: "new", UserID: "u", CreatedAt: base},
		{SessionID: "pinned", UserID: "u", Pinned: true, CreatedAt: base.Add(-time.Hour)},
	} {
		s.ArchivedAt = base.Add(time.Duration(i) * time.Second)
		if err := repo.Archive(ctx, s, false); err != nil {
			t.Fatalf("archive %s: %v", s.SessionID, err)
		}
	}

	out, err := repo.List(ctx, ListOptions{UserID: "u"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 3 || out[0].SessionID != "pinned" || out[1].SessionID != "new" {
		t.Fatalf("order = %v", out)
	}
}

func TestArchiveModelsMarshalSnakeCase(t *testing.T) {
	data, err := json.Marshal(sampleSession())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{`"session_id"`, `"user_id"`, `"display_name"`, `"archived_at"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("ArchivedSession JSON missing %s: %s", field, data)
		}
	}
	if strings.Contains(string(data), `"SessionID"`) {
		t.Error("ArchivedSession still marshals PascalCase fields")
	}

	data, err = json.Marshal(Summary{SessionID: "s", DisplayName: "n"})
	if err != nil {
		t.Fatalf("marshal summary: %v", err)
	}
	if !strings.Contains(string(data), `"session_id"`) || !strings.Contains(string(data), `"display_name"`) {
		t.Errorf("Summary JSON not snake_case: %s", data)
	}
}

func TestPGRepoCountAppliesFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM archived_sessions`).
		WithArgs("user-1", StatusFailed).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := repo.Count(context.Background(), ListOptions{UserID: "user-1", Status: StatusFailed})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestMemoryRepoStatusFilterAndCount(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, s := range []ArchivedSession{
		{SessionID: "done-1", UserID: "u", Status: StatusCompleted, CreatedAt: base},
		{SessionID: "done-2", UserID: "u", Status: StatusCompleted, Pinned: true, CreatedAt: base.Add(-time.Hour)},
		{SessionID: "failed-1", UserID: "u", Status: StatusFailed, CreatedAt: base.Add(-2 * time.Hour)},
		{SessionID: "other", UserID: "someone-else", Status: StatusCompleted, CreatedAt: base},
	} {
		s.ArchivedAt = base.Add(time.Duration(i) * time.Second)
		if err := repo.Archive(ctx, s, false); err != nil {
			t.Fatalf("archive %s: %v", s.SessionID, err)
		}
	}

	out, err := repo.List(ctx, ListOptions{UserID: "u", Status: StatusFailed})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 1 || out[0].SessionID != "failed-1" {
		t.Fatalf("filtered list = %v", out)
	}

	cases := []struct {
		opts ListOptions
		want int
	}{
		{ListOptions{UserID: "u"}, 3},
		{ListOptions{UserID: "u", Status: StatusCompleted}, 2},
		{ListOptions{UserID: "u", Status: StatusCompleted, PinnedOnly: true}, 1},
		{ListOptions{UserID: "u", Status: StatusCancelled}, 0},
	}
	for _, tc := range cases {
		n, err := repo.Count(ctx, tc.opts)
		if err != nil {
			t.Fatalf("Count %+v: %v", tc.opts, err)
		}
		if n != tc.want {
			t.Fatalf("Count %+v = %d, want %d", tc.opts, n, tc.want)
		}
	}
}

func TestArchiveOldMovesToColdStore(t *testing.T) {
	repo := NewMemoryRepo()
	cold, err := NewColdStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewColdStore: %v", err)
	}
	ctx := context.Background()
	base := time.Now().UTC()

	old := sampleSession()
	old.SessionID = "old-sess"
	old.ArchivedAt = base.Add(-48 * time.Hour)
	recent := sampleSession()
	recent.SessionID = "recent-sess"
	recent.ArchivedAt = base
	pinnedOld := sampleSession()
	pinnedOld.SessionID = "pinned-sess"
	pinnedOld.Pinned = true
	pinnedOld.ArchivedAt = base.Add(-48 * time.Hour)

	for _, s := range []ArchivedSession{old, recent, pinnedOld} {
		if err := repo.Archive(ctx, s, false); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}

	moved, err := ArchiveOld(ctx, repo, cold, base.Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("ArchiveOld: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved = %d, want 1", moved)
	}
	if _, err := repo.Get(ctx, old.UserID, "old-sess"); err != ErrNotFound {
		t.Fatalf("old session still in repo: %v", err)
	}
	if _, err := repo.Get(ctx, recent.UserID, "recent-sess"); err != nil {
		t.Fatalf("recent session gone: %v", err)
	}
	if _, err := repo.Get(ctx, pinnedOld.UserID, "pinned-sess"); err != nil {
		t.Fatalf("pinned session gone: %v", err)
	}
}
