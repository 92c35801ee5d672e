package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

// Archive upserts the session. A duplicate without force returns
// ErrDuplicate and leaves the existing record intact.
func (r *PGRepo) Archive(ctx context.Context, session ArchivedSession, force bool) error {
	statePayload, err := marshalJSONB(session.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	reportPayload, err := marshalJSONB(session.Report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	tags := strings.Join(session.Tags, ",")

	const insert = `
INSERT INTO archived_sessions (
	session_id, user_id, status, mode, stage, progress, display_name, pinned, tags,
	state, report, created_at, completed_at, archived_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (session_id) DO NOTHING`
	res, err := r.DB.ExecContext(ctx, insert,
		session.SessionID,
		session.UserID,
		session.Status,
		session.Mode,
		session.Stage,
		session.Progress,
		session.DisplayName,
		session.Pinned,
		tags,
		statePayload,
		reportPayload,
		session.CreatedAt,
		nullTime(session.CompletedAt),
		session.ArchivedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if !force {
		return ErrDuplicate
	}

	const update = `
UPDATE archived_sessions
SET user_id = $2, status = $3, mode = $4, stage = $5, progress = $6,
    state = $7, report = $8, completed_at = $9, archived_at = $10
WHERE session_id = $1`
	_, err = r.DB.ExecContext(ctx, update,
		session.SessionID,
		session.UserID,
		session.Status,
		session.Mode,
		session.Stage,
		session.Progress,
		statePayload,
		reportPayload,
		nullTime(session.CompletedAt),
		session.ArchivedAt,
	)
	return err
}

// Get returns one archived session with its blobs.
func (r *PGRepo) Get(ctx context.Context, userID, sessionID string) (ArchivedSession, error) {
	const query = `
SELECT session_id, user_id, status, mode, stage, progress, display_name, pinned, tags,
       state, report, created_at, completed_at, archived_at
FROM archived_sessions
WHERE session_id = $1 AND user_id = $2
LIMIT 1`
	row := r.DB.QueryRowContext(ctx, query, sessionID, userID)

	var s ArchivedSession
	var tags sql.NullString
	var state, report sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&s.SessionID, &s.UserID, &s.Status, &s.Mode, &s.Stage, &s.Progress,
		&s.DisplayName, &s.Pinned, &tags, &state, &report,
		&s.CreatedAt, &completedAt, &s.ArchivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ArchivedSession{}, ErrNotFound
	}
	if err != nil {
		return ArchivedSession{}, err
	}
	s.Tags = splitTags(tags.String)
	s.State = unmarshalJSONB(state)
	s.Report = unmarshalJSONB(report)
	if completedAt.Valid {
		s.CompletedAt = completedAt.Time
	}
	return s, nil
}

// List returns listing rows without the state and report blobs; pinned rows
// sort first, newest first within each group.
func (r *PGRepo) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	query := `
SELECT session_id, user_id, status, mode, stage, progress, display_name, pinned, tags,
       created_at, completed_at, archived_at
FROM archived_sessions
WHERE user_id = $1`
	args := []any{opts.UserID}
	if opts.Status != "" {
		args = append(args, opts.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if opts.PinnedOnly {
		query += ` AND pinned = TRUE`
	}
	query += ` ORDER BY pinned DESC, created_at DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var tags sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(
			&s.SessionID, &s.UserID, &s.Status, &s.Mode, &s.Stage, &s.Progress,
			&s.DisplayName, &s.Pinned, &tags, &s.CreatedAt, &completedAt, &s.ArchivedAt,
		); err != nil {
			return nil, err
		}
		s.Tags = splitTags(tags.String)
		if completedAt.Valid {
			s.CompletedAt = completedAt.Time
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateMetadata patches the user-editable fields.
func (r *PGRepo) UpdateMetadata(ctx context.Context, userID, sessionID string, meta Metadata) error {
	sets := make([]string, 0, 3)
	args := []any{sessionID, userID}
	if meta.DisplayName != nil {
		args = append(args, *meta.DisplayName)
		sets = append(sets, fmt.Sprintf("display_name = $%d", len(args)))
	}
	if meta.Pinned != nil {
		args = append(args, *meta.Pinned)
		sets = append(sets, fmt.Sprintf("pinned = $%d", len(args)))
	}
	if meta.Tags != nil {
		args = append(args, strings.Join(meta.Tags, ","))
		sets = append(sets, fmt.Sprintf("tags = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf(
		`UPDATE archived_sessions SET %s WHERE session_id = $1 AND user_id = $2`,
		strings.Join(sets, ", "),
	)
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the archived session.
func (r *PGRepo) Delete(ctx context.Context, userID, sessionID string) error {
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM archived_sessions WHERE session_id = $1 AND user_id = $2`,
		sessionID, userID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the user's archived session count under the same filters
// List applies.
func (r *PGRepo) Count(ctx context.Context, opts ListOptions) (int, error) {
	query := `SELECT COUNT(*) FROM archived_sessions WHERE user_id = $1`
	args := []any{opts.UserID}
	if opts.Status != "" {
		args = append(args, opts.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if opts.PinnedOnly {
		query += ` AND pinned = TRUE`
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// OlderThan returns full records archived before the cutoff, oldest first,
// for cold-store offload. Pinned sessions are never offloaded.
func (r *PGRepo) OlderThan(ctx context.Context, cutoff time.Time, limit int) ([]ArchivedSession, error) {
	const query = `
SELECT session_id, user_id, status, mode, stage, progress, display_name, pinned, tags,
       state, report, created_at, completed_at, archived_at
FROM archived_sessions
WHERE archived_at < $1 AND pinned = FALSE
ORDER BY archived_at ASC
LIMIT $2`
	rows, err := r.DB.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchivedSession
	for rows.Next() {
		var s ArchivedSession
		var tags sql.NullString
		var state, report sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(
			&s.SessionID, &s.UserID, &s.Status, &s.Mode, &s.Stage, &s.Progress,
			&s.DisplayName, &s.Pinned, &tags, &state, &report,
			&s.CreatedAt, &completedAt, &s.ArchivedAt,
		); err != nil {
			return nil, err
		}
		s.Tags = splitTags(tags.String)
		s.State = unmarshalJSONB(state)
		s.Report = unmarshalJSONB(report)
		if completedAt.Valid {
			s.CompletedAt = completedAt.Time
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func marshalJSONB(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalJSONB(v sql.NullString) map[string]any {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
