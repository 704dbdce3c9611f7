package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"familymeal/api/internal/logging"
)

const defaultChannel = "familymeal:meal-events"

var (
	_ Broker = (*LocalBroker)(nil)
	_ Broker = (*RedisBroker)(nil)
)

// RedisBroker shares change events between API replicas over Redis pub/sub.
type RedisBroker struct {
	client  *redis.Client
	channel string
	logger  logging.Logger
}

func NewRedisBroker(client *redis.Client, logger logging.Logger) *RedisBroker {
	if logger == nil {
		logger = logging.Nop()
	}
	return &RedisBroker{client: client, channel: defaultChannel, logger: logger}
}

func (b *RedisBroker) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal meal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish meal event: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe meal events: %w", err)
	}

	out := make(chan Event, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		messages := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn(context.Background(), "drop malformed meal event", "error", err)
					continue
				}
				select {
				case out <- event:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return out, cancel, nil
}

// Close is a no-op; the client is owned by whoever created it.
func (b *RedisBroker) Close() error {
	return nil
}
