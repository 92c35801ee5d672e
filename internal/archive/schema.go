package archive

import (
	"context"
	"database/sql"
	"fmt"

	"studio-backend/internal/shared/telemetry"
)

// EnsureSchema repairs archives created before user scoping existed: it adds
// the user_id column and its indices when missing. Safe to run on every boot;
// goose migrations cover fresh databases.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	var hasUserID bool
	err := db.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM information_schema.columns
	WHERE table_name = 'archived_sessions' AND column_name = 'user_id'
)`).Scan(&hasUserID)
	if err != nil {
		return fmt.Errorf("inspect archived_sessions: %w", err)
	}
	if !hasUserID {
		telemetry.Warn("archived_sessions missing user_id, repairing", nil)
		if _, err := db.ExecContext(ctx,
			`ALTER TABLE archived_sessions ADD COLUMN user_id TEXT NOT NULL DEFAULT ''`,
		); err != nil {
			return fmt.Errorf("add user_id column: %w", err)
		}
	}

	statements := []string{
		`CREATE INDEX IF NOT EXISTS idx_archived_sessions_user_id ON archived_sessions (user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_archived_sessions_created_at ON archived_sessions (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_archived_sessions_user_created ON archived_sessions (user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_archived_sessions_pinned_created ON archived_sessions (pinned, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure index: %w", err)
		}
	}
	return nil
}

// Vacuum reclaims space after bulk deletes.
func Vacuum(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `VACUUM ANALYZE archived_sessions`); err != nil {
		return fmt.Errorf("vacuum archived_sessions: %w", err)
	}
	return nil
}
