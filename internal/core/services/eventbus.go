package services

import (
	"log/slog"
	"sync"
)

type EventType string

const (
	EventTypeStatus EventType = "status"
	EventTypeLog    EventType = "log"
	// EventTypeDataChanged signals that the pool of evaluation reports changed
	// materially. Published on the broadcast channel when a job completes.
	EventTypeDataChanged EventType = "data_changed"
)

// BroadcastChannel is the well-known subscription key that receives
// cross-submission events such as data-changed signals.
const BroadcastChannel = "broadcast"

type Event struct {
	SubmissionID string
	Type         EventType
	Data         string // JSON payload or raw text
	Timestamp    int64
}

type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event // key: submission id or BroadcastChannel
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel receiving events for one submission (or the
// broadcast channel) and an unsubscribe function that closes it.
func (b *EventBus) Subscribe(key string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100) // buffered to keep publishers non-blocking
	b.subs[key] = append(b.subs[key], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[key]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[key] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[key]) == 0 {
			delete(b.subs, key)
		}
	}

	return ch, unsub
}

// Publish sends an event to all subscribers of its submission id. A full
// subscriber channel drops the event rather than blocking the publisher.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.SubmissionID] {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event bus channel full, dropping event", "submission_id", e.SubmissionID)
		}
	}
}
