package archive

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is the in-process Repo used when no database is configured.
type MemoryRepo struct {
	mu       sync.Mutex
	sessions map[string]ArchivedSession
}

// NewMemoryRepo constructs an empty MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{sessions: make(map[string]ArchivedSession)}
}

func (r *MemoryRepo) Archive(ctx context.Context, session ArchivedSession, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[session.SessionID]; ok {
		if !force {
			return ErrDuplicate
		}
		// Metadata edits survive a forced re-archive.
		session.DisplayName = existing.DisplayName
		session.Pinned = existing.Pinned
		session.Tags = existing.Tags
	}
	r.sessions[session.SessionID] = session
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, userID, sessionID string) (ArchivedSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.UserID != userID {
		return ArchivedSession{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepo) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Summary
	for _, s := range r.sessions {
		if s.UserID != opts.UserID {
			continue
		}
		if opts.Status != "" && s.Status != opts.Status {
			continue
		}
		if opts.PinnedOnly && !s.Pinned {
			continue
		}
		out = append(out, Summary{
			SessionID:   s.SessionID,
			UserID:      s.UserID,
			Status:      s.Status,
			Mode:        s.Mode,
			Stage:       s.Stage,
			Progress:    s.Progress,
			DisplayName: s.DisplayName,
			Pinned:      s.Pinned,
			Tags:        s.Tags,
			CreatedAt:   s.CreatedAt,
			CompletedAt: s.CompletedAt,
			ArchivedAt:  s.ArchivedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (r *MemoryRepo) UpdateMetadata(ctx context.Context, userID, sessionID string, meta Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.UserID != userID {
		return ErrNotFound
	}
	if meta.DisplayName != nil {
		s.DisplayName = *meta.DisplayName
	}
	if meta.Pinned != nil {
		s.Pinned = *meta.Pinned
	}
	if meta.Tags != nil {
		s.Tags = meta.Tags
	}
	r.sessions[sessionID] = s
	return nil
}

func (r *MemoryRepo) Delete(ctx context.Context, userID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.UserID != userID {
		return ErrNotFound
	}
	delete(r.sessions, sessionID)
	return nil
}

func (r *MemoryRepo) Count(ctx context.Context, opts ListOptions) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.UserID != opts.UserID {
			continue
		}
		if opts.Status != "" && s.Status != opts.Status {
			continue
		}
		if opts.PinnedOnly && !s.Pinned {
			continue
		}
		n++
	}
	return n, nil
}

func (r *MemoryRepo) OlderThan(ctx context.Context, cutoff time.Time, limit int) ([]ArchivedSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ArchivedSession
	for _, s := range r.sessions {
		if s.Pinned || !s.ArchivedAt.Before(cutoff) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArchivedAt.Before(out[j].ArchivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
