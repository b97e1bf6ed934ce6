// Package events fans lifecycle events out to every connected observer and
// defines how they are framed on the wire.
package events

import (
	"sync"

	"github.com/0xPuncker/reelforge/internal/metrics"
	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/sirupsen/logrus"
)

const defaultBuffer = 256

// Broadcaster delivers every published event to every subscriber. Publish
// never blocks: a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics
	buffer  int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// Subscription is one observer's view of the channel.
type Subscription struct {
	id     uint64
	ch     chan types.Event
	b      *Broadcaster
	once   sync.Once
	closed bool
}

func NewBroadcaster(logger *logrus.Logger, m *metrics.Metrics, buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broadcaster{
		logger:  logger,
		metrics: m,
		buffer:  buffer,
		subs:    make(map[uint64]*Subscription),
	}
}

// Subscribe registers a new observer. On a closed broadcaster the returned
// subscription's channel is already closed.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{ch: make(chan types.Event, b.buffer), b: b}
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}

	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.metrics.SetSubscribers(len(b.subs))

	b.logger.WithField("subscribers", len(b.subs)).Debug("Event observer connected")
	return sub
}

func (b *Broadcaster) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.metrics.EventPublished(ev.Type)
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.metrics.EventDropped()
			b.logger.WithFields(logrus.Fields{
				"subscriber": sub.id,
				"type":       ev.Type,
				"run_id":     ev.RunID,
			}).Warn("Observer too slow, event dropped")
		}
	}
}

// Subscribers returns the number of connected observers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close disconnects every observer.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.closed = true
		close(sub.ch)
	}
	b.metrics.SetSubscribers(0)
}

// Events returns the receive side. It is closed when the subscription or the
// broadcaster is closed.
func (s *Subscription) Events() <-chan types.Event {
	return s.ch
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.b
		b.mu.Lock()
		defer b.mu.Unlock()

		if s.closed {
			return
		}
		s.closed = true
		delete(b.subs, s.id)
		close(s.ch)
		b.metrics.SetSubscribers(len(b.subs))
	})
}
