package events

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fleet/pkg/models"
)

// Bus fans account and trade events out to subscribers over bounded
// per-subscriber queues. Publishing never blocks the engine: a subscriber
// that cannot keep up has its oldest pending event dropped. Events from one
// account are always delivered to a given subscriber in publish order.
type Bus struct {
	logger *logrus.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
}

type subscriber struct {
	name    string
	ch      chan models.Event
	dropped uint64
}

func NewBus(logger *logrus.Logger) *Bus {
	return &Bus{
		logger:      logger,
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers a named consumer and returns its delivery channel.
// Subscribing under an existing name replaces the previous subscription.
func (b *Bus) Subscribe(name string, capacity int) <-chan models.Event {
	if capacity <= 0 {
		capacity = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[name]; ok {
		close(old.ch)
	}
	sub := &subscriber{name: name, ch: make(chan models.Event, capacity)}
	b.subscribers[name] = sub
	return sub.ch
}

// Unsubscribe removes the named consumer and closes its channel.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[name]; ok {
		close(sub.ch)
		delete(b.subscribers, name)
	}
}

// Publish delivers the event to every subscriber. When a queue is full the
// oldest pending event is evicted so the newest state is the one that
// survives; the eviction is counted and logged.
func (b *Bus) Publish(event models.Event) {
	type slowSub struct {
		name    string
		dropped uint64
	}
	var slow []slowSub

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- event:
			continue
		default:
		}

		// Queue full: evict one, then retry once. The retry can still lose
		// the race against the consumer, which is fine.
		select {
		case <-sub.ch:
			sub.dropped++
		default:
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped++
		}

		if sub.dropped%100 == 1 {
			slow = append(slow, slowSub{name: sub.name, dropped: sub.dropped})
		}
	}
	b.mu.Unlock()

	// Logged outside the lock: the log hook mirroring warnings onto the bus
	// re-enters Publish on this goroutine.
	for _, s := range slow {
		b.logger.WithFields(logrus.Fields{
			"subscriber": s.name,
			"dropped":    s.dropped,
		}).Warn("Slow event subscriber, evicting oldest events")
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for name, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, name)
	}
}
