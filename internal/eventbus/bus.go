// Package eventbus implements the Event Bus (§4.H): in-process publication
// of order transitions to per-investor subscriber channels.
package eventbus

import (
	"context"
	"sync"

	"ordercore/internal/core"
	"ordercore/pkg/telemetry"
)

const subscriberBuffer = 64

// Bus fans an OrderEvent out to every channel currently subscribed for the
// event's investorId. Delivery is best-effort and non-blocking: a slow or
// absent subscriber never holds up Publish or the caller that triggered it.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int]chan core.OrderEvent
	nextID      map[int64]int
	logger      core.ILogger
}

func NewBus(logger core.ILogger) *Bus {
	return &Bus{
		subscribers: make(map[int64]map[int]chan core.OrderEvent),
		nextID:      make(map[int64]int),
		logger:      logger.WithField("component", "eventbus"),
	}
}

// Publish delivers event to every subscriber of event.InvestorID. Events for
// a single order are always published in transition order because the
// engine calls Publish only after the transition's transaction has
// committed, and a single order is only ever processed by one worker at a
// time (§5).
func (b *Bus) Publish(_ context.Context, event core.OrderEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.subscribers[event.InvestorID]
	for id, ch := range subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("dropping order event, subscriber channel full",
				"investor_id", event.InvestorID, "subscriber_id", id, "order_id", event.OrderID)
		}
	}
}

// Subscribe registers a new channel for investorID and returns it along with
// a cancel func that unregisters and closes it. The returned channel must be
// drained by the caller; cancel is safe to call more than once.
func (b *Bus) Subscribe(investorID int64) (<-chan core.OrderEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan core.OrderEvent, subscriberBuffer)
	id := b.nextID[investorID]
	b.nextID[investorID] = id + 1

	if b.subscribers[investorID] == nil {
		b.subscribers[investorID] = make(map[int]chan core.OrderEvent)
	}
	b.subscribers[investorID][id] = ch
	telemetry.GetGlobalMetrics().SetSubscriberCount(int64(b.totalSubscribersLocked()))

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if m, ok := b.subscribers[investorID]; ok {
				delete(m, id)
				if len(m) == 0 {
					delete(b.subscribers, investorID)
				}
			}
			close(ch)
			telemetry.GetGlobalMetrics().SetSubscriberCount(int64(b.totalSubscribersLocked()))
		})
	}
	return ch, cancel
}

func (b *Bus) totalSubscribersLocked() int {
	total := 0
	for _, m := range b.subscribers {
		total += len(m)
	}
	return total
}
