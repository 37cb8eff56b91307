// Package pubsub provides a small generic publish/subscribe fan-out used to
// push connection-state changes and unsolicited daemon events to listeners.
package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Event wraps a published payload with its arrival time.
type Event[T any] struct {
	Payload   T
	Timestamp time.Time
}

// Broker fans events out to any number of subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Broker[T any] struct {
	mu   sync.RWMutex
	subs map[chan Event[T]]struct{}
	done chan struct{}
}

// NewBroker creates an open broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subs: make(map[chan Event[T]]struct{}),
		done: make(chan struct{}),
	}
}

// Subscribe registers a listener. The returned channel is closed when ctx is
// cancelled or the broker shuts down. Events are delivered in publish order.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event[T], defaultBufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		select {
		case <-b.done:
			return
		default:
		}
		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish delivers payload to every subscriber that has buffer room.
func (b *Broker[T]) Publish(payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	ev := Event[T]{Payload: payload, Timestamp: time.Now()}
	for sub := range b.subs {
		select {
		case sub <- ev:
		default:
			// Subscriber is not keeping up; drop rather than block.
		}
	}
}

// Close shuts the broker down and closes all subscriber channels.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount reports the number of live subscriptions.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
