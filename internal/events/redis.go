package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ChannelName is the Redis pub/sub channel carrying one owner's events.
func ChannelName(ownerID uuid.UUID) string {
	return fmt.Sprintf("adbatch:events:%s", ownerID)
}

// RedisBroker publishes events over Redis pub/sub so API processes can stream changes
// written by worker processes.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps an existing client; the caller owns its lifetime.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := b.client.Publish(ctx, ChannelName(evt.OwnerID), payload).Err(); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, ownerID uuid.UUID) (<-chan Event, error) {
	pubsub := b.client.Subscribe(ctx, ChannelName(ownerID))
	// Wait for the subscription confirmation so no event published after return is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribing to owner events: %w", err)
	}

	out := make(chan Event, defaultBufferSize)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					slog.Warn("discarding malformed event", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

var _ Broker = (*RedisBroker)(nil)
