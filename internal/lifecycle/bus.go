// Package lifecycle implements a best-effort in-process event bus. Slot and
// staging state changes are published here and fanned out to subscribers
// (websocket clients, tests). Delivery is non-blocking: a subscriber that
// stops draining its channel loses events rather than stalling publishers.
package lifecycle

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"slotgrid/internal/logging"
)

// Event types published on the bus.
const (
	EventSlotReserved     = "slot.reserved"
	EventSlotCommitted    = "slot.committed"
	EventSlotEvicted      = "slot.evicted"
	EventSlotLocked       = "slot.locked"
	EventSlotUnlocked     = "slot.unlocked"
	EventStagingSubmitted = "staging.submitted"
	EventStagingPassed    = "staging.passed"
	EventStagingRejected  = "staging.rejected"
	EventStagingFailed    = "staging.failed"
	EventStagingPromoted  = "staging.promoted"
	EventStagingRolled    = "staging.rolled_back"
	EventExecStarted      = "execution.started"
	EventExecFinished     = "execution.finished"
	EventRunAllCompleted  = "execution.run_all_completed"
)

// Event is one lifecycle notification.
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Stats counts bus activity since startup.
type Stats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

const (
	subscriberBuffer = 64
	historyLimit     = 256
)

// Bus fans events out to subscriber channels and keeps a bounded replay
// history for late joiners.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	history     []Event
	stats       Stats
	logger      logging.Logger
	now         func() time.Time
}

// NewBus builds an empty bus.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string]chan Event),
		logger:      logging.OrNop(logger),
		now:         time.Now,
	}
}

// Subscribe registers a new consumer. The returned cancel func must be called
// exactly once; after it returns the channel is closed.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subscribers[id] = ch
	n := len(b.subscribers)
	b.mu.Unlock()
	b.logger.Debug("subscriber %s joined (%d total)", id[:8], n)

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish sends an event to every subscriber without blocking. Full channels
// drop the event and bump the drop counter.
func (b *Bus) Publish(eventType string, payload map[string]interface{}) {
	ev := Event{Type: eventType, Timestamp: b.now(), Payload: payload}

	b.mu.Lock()
	b.stats.Published++
	b.history = append(b.history, ev)
	if len(b.history) > historyLimit {
		b.history = b.history[len(b.history)-historyLimit:]
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
			b.stats.Delivered++
		default:
			b.stats.Dropped++
			b.logger.Warn("dropped %s for slow subscriber %s", eventType, id[:8])
		}
	}
	b.mu.Unlock()
}

// History returns up to limit most recent events, oldest first. limit <= 0
// returns the whole retained window.
func (b *Bus) History(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// StatsSnapshot returns current counters.
func (b *Bus) StatsSnapshot() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.stats
	s.Subscribers = len(b.subscribers)
	return s
}
