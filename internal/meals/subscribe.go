package meals

import (
	"context"
	"sync"
	"time"

	"familymeal/api/internal/metrics"
	"familymeal/api/internal/policy"
	"familymeal/api/internal/store"
)

// Subscribe delivers the meals of day to onData now and again after every
// change that may affect the day. Query failures go to onError; the
// subscription stays open. The returned func stops delivery, waits for an
// in-flight callback and may be called any number of times, but not from
// inside a callback.
func (r *Repository) Subscribe(ctx context.Context, actor policy.Actor, day time.Time, onData func([]store.Meal), onError func(error)) (func(), error) {
	if err := requireProfile(actor); err != nil {
		return nil, err
	}
	from, to := r.dayBounds(day)

	ctx, cancel := context.WithCancel(ctx)
	events, stopEvents, err := r.broker.Subscribe(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	metrics.SubscriberOpened()

	deliver := func() {
		items, err := r.queryDay(ctx, actor, from, to)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onData(items)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		deliver()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Touches(from, to) {
					deliver()
				}
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			stopEvents()
			<-done
			metrics.SubscriberClosed()
		})
	}
	return unsubscribe, nil
}
