package feed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestLocalBrokerFanOut(t *testing.T) {
	b := NewLocalBroker()
	ctx := context.Background()

	a, cancelA, err := b.Subscribe(ctx)
	require.NoError(t, err)
	c, cancelC, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancelC()

	require.NoError(t, b.Publish(ctx, Event{Kind: EventUpsert, MealID: "m1"}))
	assert.Equal(t, "m1", receive(t, a).MealID)
	assert.Equal(t, "m1", receive(t, c).MealID)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
}

func TestLocalBrokerDropsWhenSlow(t *testing.T) {
	b := NewLocalBroker()
	ctx := context.Background()
	ch, cancel, _ := b.Subscribe(ctx)
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, b.Publish(ctx, Event{Kind: EventUpsert}))
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestLocalBrokerClose(t *testing.T) {
	b := NewLocalBroker()
	ch, cancel, _ := b.Subscribe(context.Background())
	require.NoError(t, b.Close())
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestEventTouches(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24*time.Hour - time.Millisecond)

	assert.True(t, Event{Kind: EventUpsert, Timestamp: from}.Touches(from, to))
	assert.True(t, Event{Kind: EventUpsert, Timestamp: to}.Touches(from, to))
	assert.False(t, Event{Kind: EventUpsert, Timestamp: to.Add(time.Millisecond)}.Touches(from, to))
	assert.True(t, Event{Kind: EventUpsert, Timestamp: to.Add(time.Hour), PreviousTime: from}.Touches(from, to))
	assert.True(t, Event{Kind: EventDelete}.Touches(from, to))
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := NewRedisBroker(client, nil)
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, b.Publish(ctx, Event{Kind: EventDelete, MealID: "m9", Timestamp: at}))

	ev := receive(t, ch)
	assert.Equal(t, EventDelete, ev.Kind)
	assert.Equal(t, "m9", ev.MealID)
	assert.True(t, ev.Timestamp.Equal(at))

	cancel()
	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription channel not closed after cancel")
	}
}
