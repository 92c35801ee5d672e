package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"studio-backend/internal/shared/telemetry"
)

const (
	keyPrefix     = "session:"
	writeAttempts = 3
	retryBackoff  = 150 * time.Millisecond
)

// RedisStore keeps session state as JSON values in Redis with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// lockFor returns this process's mutex for one session. Updates are
// serialised locally; a single coordinator owns each running session, so no
// cross-instance lock is needed.
func (s *RedisStore) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *RedisStore) key(sessionID string) string {
	return keyPrefix + sessionID
}

func (s *RedisStore) Create(ctx context.Context, sessionID string, state map[string]any) error {
	data, err := json.Marshal(Sanitize(state))
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(sessionID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create session %s: %w", sessionID, err)
	}
	if !ok {
		return ErrDuplicate
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (map[string]any, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return state, nil
}

// Update merges the patch into the stored state under the session's local
// lock and refreshes the TTL. Transient write failures are retried with
// backoff.
func (s *RedisStore) Update(ctx context.Context, sessionID string, patch map[string]any) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}
		if lastErr = s.updateOnce(ctx, sessionID, patch); lastErr == nil {
			return nil
		}
		if lastErr == ErrNotFound {
			return lastErr
		}
		telemetry.Warn("state store update retry", map[string]any{
			"session_id": sessionID,
			"attempt":    attempt + 1,
			"error":      lastErr.Error(),
		})
	}
	return lastErr
}

func (s *RedisStore) updateOnce(ctx context.Context, sessionID string, patch map[string]any) error {
	existing, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	for k, v := range Sanitize(patch) {
		existing[k] = v
	}
	data, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("write session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("exists session %s: %w", sessionID, err)
	}
	return n > 0, nil
}

func (s *RedisStore) ExtendTTL(ctx context.Context, sessionID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	ok, err := s.client.Expire(ctx, s.key(sessionID), ttl).Result()
	if err != nil {
		return fmt.Errorf("extend ttl %s: %w", sessionID, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// ListIDs returns top-level session ids, skipping auxiliary sub-keys.
func (s *RedisStore) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), keyPrefix)
		if strings.Contains(id, ":") {
			continue
		}
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) ListRecords(ctx context.Context) ([]Record, error) {
	ids, err := s.ListIDs(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		state, err := s.Get(ctx, id)
		if err == ErrNotFound {
			// Expired between scan and read.
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, Record{SessionID: id, State: state})
	}
	return records, nil
}

func (s *RedisStore) Healthy(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
