// Package progress fans campaign lifecycle events out to observers. Delivery
// is best effort: observers that fall behind lose events and are expected to
// reconcile by reading the campaign from the store.
package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type Kind string

const (
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindStopped   Kind = "stopped"
)

type Event struct {
	Kind          Kind      `json:"kind"`
	CampaignID    string    `json:"campaignId"`
	SentCount     int       `json:"sentCount"`
	FailedCount   int       `json:"failedCount"`
	TotalContacts int       `json:"totalContacts"`
	Percentage    float64   `json:"percentage"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Multi publishes to every non-nil publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}

const defaultBuffer = 64

type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	buffer int

	dropped atomic.Uint64
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: map[int]chan Event{}, buffer: buffer}
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Event, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was
// full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
