// Package feed fans meal change events out to live subscribers.
package feed

import (
	"context"
	"sync"
	"time"
)

const (
	EventUpsert = "upsert"
	EventDelete = "delete"
)

// Event announces that a meal changed. Timestamps let subscribers skip
// events for days they are not watching.
type Event struct {
	Kind         string    `json:"kind"`
	MealID       string    `json:"mealId"`
	Timestamp    time.Time `json:"timestamp"`
	PreviousTime time.Time `json:"previousTime,omitempty"`
}

// Touches reports whether the event may change a query over [from, to].
func (e Event) Touches(from, to time.Time) bool {
	if e.Kind == EventDelete && e.Timestamp.IsZero() {
		return true
	}
	in := func(t time.Time) bool {
		return !t.IsZero() && !t.Before(from) && !t.After(to)
	}
	return in(e.Timestamp) || in(e.PreviousTime)
}

// Broker delivers every published event to every current subscriber.
// Delivery is best effort: a subscriber that cannot keep up misses events.
type Broker interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe returns a channel of events and an idempotent cancel func.
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
	Close() error
}

const subscriberBuffer = 32

// LocalBroker is the in-process broker used by single-replica deployments.
type LocalBroker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[int]chan Event)}
}

func (b *LocalBroker) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *LocalBroker) Subscribe(_ context.Context) (<-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}, nil
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if existing, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(existing)
			}
		})
	}
	return ch, cancel, nil
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
