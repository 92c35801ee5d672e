package sessions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"studio-backend/internal/shared/telemetry"
)

const subscriberBuffer = 32

// eventChannel is the Redis pub/sub channel carrying cross-instance events.
const eventChannel = "session-events"

// Hub fans session events out to stream subscribers. With a Redis client
// attached, events are also republished on a pub/sub channel so subscribers
// connected to other instances receive them.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}

	id    string
	redis *redis.Client
}

// NewHub constructs a hub. The Redis client is optional; without it the hub
// is purely in-process.
func NewHub(rdb *redis.Client) *Hub {
	return &Hub{
		subs:  make(map[string]map[chan Event]struct{}),
		id:    uuid.NewString(),
		redis: rdb,
	}
}

// Subscribe registers a subscriber for one session's events. The returned
// cancel func must be called when the subscriber disconnects.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[chan Event]struct{})
		h.subs[sessionID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[sessionID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, sessionID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to local subscribers and, when Redis is
// attached, republishes it for other instances. Delivery is best-effort; a
// slow subscriber drops events rather than blocking the engine.
func (h *Hub) Publish(ctx context.Context, event Event) {
	h.deliverLocal(event)

	if h.redis == nil {
		return
	}
	event.Origin = h.id
	payload, err := json.Marshal(event)
	if err != nil {
		telemetry.Warn("event marshal failed", map[string]any{"session_id": event.SessionID, "error": err.Error()})
		return
	}
	if err := h.redis.Publish(ctx, eventChannel, payload).Err(); err != nil {
		telemetry.Warn("event republish failed", map[string]any{"session_id": event.SessionID, "error": err.Error()})
	}
}

func (h *Hub) deliverLocal(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[event.SessionID] {
		select {
		case ch <- event:
		default:
			// Subscriber is not keeping up; the final report is reassembled
			// from persisted state, so dropped events are safe.
		}
	}
}

// RunBridge consumes the Redis pub/sub channel and delivers remote events to
// local subscribers. It blocks until the context is cancelled. Events this
// instance published are skipped by origin to avoid double delivery.
func (h *Hub) RunBridge(ctx context.Context) {
	if h.redis == nil {
		return
	}
	sub := h.redis.Subscribe(ctx, eventChannel)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				telemetry.Warn("event decode failed", map[string]any{"error": err.Error()})
				continue
			}
			if event.Origin == h.id {
				continue
			}
			h.deliverLocal(event)
		}
	}
}
