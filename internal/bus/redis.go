package bus

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBus is a Bus backed by Redis pub/sub. Redis pub/sub is natively
// at-most-once: messages published while a subscriber is disconnected are
// lost, which matches the bus contract.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBus creates a RedisBus over the given client. If logger is nil,
// slog.Default() is used.
func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, logger: logger}
}

// Ensure RedisBus implements Bus.
var _ Bus = (*RedisBus)(nil)

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := b.client.Subscribe(ctx, channel)

	// Force the subscription to be established before returning, so
	// messages published after Subscribe are not silently missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan []byte, 64)
	in := sub.Channel()

	go func() {
		defer close(out)
		defer func() {
			if err := sub.Close(); err != nil {
				b.logger.Warn("redis subscription close failed",
					slog.String("channel", channel),
					slog.Any("error", err),
				)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					// At-most-once: drop when the consumer lags.
				}
			}
		}
	}()

	return out, nil
}
