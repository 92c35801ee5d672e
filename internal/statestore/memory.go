package statestore

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	state     map[string]any
	expiresAt time.Time
}

// MemoryStore is the in-process fallback used when Redis is not configured.
// Single-node development only; state is lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory builds a memory store with the given TTL.
func NewMemory(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryStore) expired(e *memoryEntry) bool {
	return s.now().After(e.expiresAt)
}

func (s *MemoryStore) Create(ctx context.Context, sessionID string, state map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[sessionID]; ok && !s.expired(e) {
		return ErrDuplicate
	}
	s.entries[sessionID] = &memoryEntry{
		state:     cloneMap(Sanitize(state)),
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, sessionID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok || s.expired(e) {
		return nil, ErrNotFound
	}
	return cloneMap(e.state), nil
}

func (s *MemoryStore) Update(ctx context.Context, sessionID string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok || s.expired(e) {
		return ErrNotFound
	}
	for k, v := range Sanitize(patch) {
		e.state[k] = v
	}
	e.expiresAt = s.now().Add(s.ttl)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	return ok && !s.expired(e), nil
}

func (s *MemoryStore) ExtendTTL(ctx context.Context, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok || s.expired(e) {
		return ErrNotFound
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	e.expiresAt = s.now().Add(ttl)
	return nil
}

func (s *MemoryStore) ListIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, e := range s.entries {
		if s.expired(e) || strings.Contains(id, ":") {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) ListRecords(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []Record
	for id, e := range s.entries {
		if s.expired(e) || strings.Contains(id, ":") {
			continue
		}
		records = append(records, Record{SessionID: id, State: cloneMap(e.state)})
	}
	return records, nil
}

func (s *MemoryStore) Healthy(ctx context.Context) error {
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
