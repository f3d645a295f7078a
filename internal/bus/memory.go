package bus

import (
	"context"
	"sync"
)

// InMemoryBus is a Bus for tests and single-process deployments. Each
// subscriber gets a buffered channel; messages to a full subscriber are
// dropped, which matches the at-most-once contract.
type InMemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan []byte
	buffer      int
}

// NewInMemoryBus creates a bus with the given per-subscriber buffer.
// A modest buffer (e.g. 64) is fine for tests and small deployments.
func NewInMemoryBus(buffer int) *InMemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &InMemoryBus{
		subscribers: make(map[string][]chan []byte),
		buffer:      buffer,
	}
}

// Ensure InMemoryBus implements Bus.
var _ Bus = (*InMemoryBus)(nil)

func (b *InMemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	// Sends happen under the read lock so a channel is never closed
	// concurrently with a send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[channel] {
		select {
		case ch <- payload:
		default:
			// Subscriber is not keeping up; drop.
		}
	}
	return nil
}

func (b *InMemoryBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, b.buffer)

	b.mu.Lock()
	b.subscribers[channel] = append(b.subscribers[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()

		b.mu.Lock()
		subs := b.subscribers[channel]
		for i, c := range subs {
			if c == ch {
				b.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}
