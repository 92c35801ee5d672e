// Package archive persists finished sessions durably, after their live state
// leaves the TTL'd state store.
package archive

import "time"

// Session statuses recorded at archive time.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ArchivedSession is one finished session's durable record.
type ArchivedSession struct {
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id"`
	Status      string         `json:"status"`
	Mode        string         `json:"mode"`
	Stage       string         `json:"stage"`
	Progress    float64        `json:"progress"`
	DisplayName string         `json:"display_name"`
	Pinned      bool           `json:"pinned"`
	Tags        []string       `json:"tags,omitempty"`
	State       map[string]any `json:"state,omitempty"`
	Report      map[string]any `json:"report,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt time.Time      `json:"completed_at"`
	ArchivedAt  time.Time      `json:"archived_at"`
}

// Summary is a listing row: the session's metadata without the state and
// report blobs.
type Summary struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Status      string    `json:"status"`
	Mode        string    `json:"mode"`
	Stage       string    `json:"stage"`
	Progress    float64   `json:"progress"`
	DisplayName string    `json:"display_name"`
	Pinned      bool      `json:"pinned"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// Metadata carries the user-editable fields of an archived session.
type Metadata struct {
	DisplayName *string
	Pinned      *bool
	Tags        []string
}
