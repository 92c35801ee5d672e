package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"studio-backend/internal/shared/telemetry"
	"studio-backend/internal/shared/util"
)

// ColdStore offloads old archive rows to JSON files on disk, one file per
// session, grouped by user.
type ColdStore struct {
	Dir string
}

// NewColdStore ensures the cold directory exists.
func NewColdStore(dir string) (*ColdStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cold store dir: %w", err)
	}
	return &ColdStore{Dir: dir}, nil
}

// Write persists one session as a JSON file and returns its path.
func (c *ColdStore) Write(session ArchivedSession) (string, error) {
	userDir := filepath.Join(c.Dir, util.HashUserKey(session.UserID))
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return "", fmt.Errorf("create user dir: %w", err)
	}
	name, err := util.SanitizeFileName(session.SessionID + ".json")
	if err != nil {
		return "", fmt.Errorf("bad session id %q: %w", session.SessionID, err)
	}
	path := filepath.Join(userDir, name)

	data, err := json.MarshalIndent(coldRecord(session), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write cold file: %w", err)
	}
	return path, nil
}

func coldRecord(s ArchivedSession) map[string]any {
	return map[string]any{
		"session_id":   s.SessionID,
		"user_id":      s.UserID,
		"status":       s.Status,
		"mode":         s.Mode,
		"stage":        s.Stage,
		"progress":     s.Progress,
		"display_name": s.DisplayName,
		"tags":         s.Tags,
		"state":        s.State,
		"report":       s.Report,
		"created_at":   s.CreatedAt,
		"completed_at": s.CompletedAt,
		"archived_at":  s.ArchivedAt,
	}
}

// ArchiveOld moves sessions archived before the cutoff out of the repository
// into the cold store. Each session is written before its row is deleted; a
// failed write leaves the row in place for the next run.
func ArchiveOld(ctx context.Context, repo Repo, cold *ColdStore, cutoff time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	sessions, err := repo.OlderThan(ctx, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list old sessions: %w", err)
	}
	moved := 0
	for _, s := range sessions {
		path, err := cold.Write(s)
		if err != nil {
			telemetry.Warn("cold store write failed", map[string]any{
				"session_id": s.SessionID,
				"error":      err.Error(),
			})
			continue
		}
		if err := repo.Delete(ctx, s.UserID, s.SessionID); err != nil && err != ErrNotFound {
			telemetry.Warn("cold store row delete failed", map[string]any{
				"session_id": s.SessionID,
				"error":      err.Error(),
			})
			continue
		}
		telemetry.Info("session offloaded to cold store", map[string]any{
			"session_id": s.SessionID,
			"path":       path,
		})
		moved++
	}
	return moved, nil
}
