package archive

import (
	"context"
	"errors"
	"time"
)

// Repository errors.
var (
	ErrNotFound  = errors.New("archived session not found")
	ErrDuplicate = errors.New("session already archived")
)

// ListOptions filters and pages archive listings. Status and PinnedOnly
// apply to Count as well; Limit and Offset only page List.
type ListOptions struct {
	UserID     string
	Status     string
	PinnedOnly bool
	Limit      int
	Offset     int
}

// Repo is the archive persistence contract.
type Repo interface {
	Archive(ctx context.Context, session ArchivedSession, force bool) error
	Get(ctx context.Context, userID, sessionID string) (ArchivedSession, error)
	List(ctx context.Context, opts ListOptions) ([]Summary, error)
	UpdateMetadata(ctx context.Context, userID, sessionID string, meta Metadata) error
	Delete(ctx context.Context, userID, sessionID string) error
	Count(ctx context.Context, opts ListOptions) (int, error)
	OlderThan(ctx context.Context, cutoff time.Time, limit int) ([]ArchivedSession, error)
}
