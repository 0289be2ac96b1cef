package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"piiguard/internal/telemetry"
)

// Subscription is one connected listener. Events arrive on C until the
// subscription is removed; C is closed on removal.
type Subscription struct {
	ID     string
	UserID string
	C      <-chan Event

	ch chan Event
}

// Hub is the subscriber registry. All registry state is guarded by one
// mutex; fan-out never blocks on a slow subscriber.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	buffer int
	closed bool
	log    zerolog.Logger
}

// NewHub creates an empty hub. buffer is the per-subscriber channel depth.
func NewHub(buffer int, log zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe registers a listener. userID scopes which events it receives;
// events without a user are delivered to everyone.
func (h *Hub) Subscribe(userID string) *Subscription {
	sub := &Subscription{
		ID:     uuid.New().String(),
		UserID: userID,
		ch:     make(chan Event, h.buffer),
	}
	sub.C = sub.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub.ID] = sub
	telemetry.Subscribers.Set(float64(len(h.subs)))
	return sub
}

// Remove drops a subscriber and closes its channel. Removing an unknown or
// already-removed subscriber is a no-op.
func (h *Hub) Remove(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(subID)
}

func (h *Hub) removeLocked(subID string) {
	sub, ok := h.subs[subID]
	if !ok {
		return
	}
	delete(h.subs, subID)
	close(sub.ch)
	telemetry.Subscribers.Set(float64(len(h.subs)))
}

// Publish delivers ev to matching subscribers at most once each. A
// subscriber whose buffer is full is pruned; other deliveries are
// unaffected.
func (h *Hub) Publish(_ context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		if ev.UserID != "" && sub.UserID != ev.UserID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			telemetry.EventsDropped.Inc()
			h.log.Warn().Str("subscriber", id).Msg("subscriber stalled, pruning")
			h.removeLocked(id)
		}
	}
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Run sends a liveness heartbeat to every subscriber on a fixed interval
// until ctx is done. Dead connections surface as full buffers and get
// pruned on the next publish.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-ticker.C:
			h.Publish(ctx, Event{Kind: KindHeartbeat, Timestamp: time.Now().UTC()})
		}
	}
}

// Close removes every subscriber. Further subscriptions get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id := range h.subs {
		h.removeLocked(id)
	}
}
