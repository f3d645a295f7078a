// Package bus provides the publish/subscribe abstraction capability agents
// and the orchestrator communicate over: per-agent-type assignment
// channels, per-session notification channels, and one shared heartbeat
// broadcast channel.
//
// Delivery is at-most-once and unordered. Subscribers deduplicate envelope
// traffic using Deduper.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stewardhq/steward/pkg/api"
)

// Channel name layout. The prefix keeps keys recognizable when the bus is
// backed by a shared Redis instance.
const (
	channelPrefix = "steward:"

	// HeartbeatChannel is the broadcast channel all agents emit
	// liveness heartbeats on.
	HeartbeatChannel = channelPrefix + "heartbeats"

	// ResultChannel carries terminal task results written by agents.
	ResultChannel = channelPrefix + "results"
)

// AssignmentChannel returns the channel tasks for the given agent type are
// dispatched on.
func AssignmentChannel(agentType string) string {
	return channelPrefix + "assign:" + agentType
}

// SessionChannel returns the notification channel for a user session.
func SessionChannel(sessionID string) string {
	return channelPrefix + "session:" + sessionID
}

// Bus is a byte-oriented pub/sub transport. Payloads on all channels are
// JSON documents (api.Envelope, api.Heartbeat, api.Notification).
type Bus interface {
	// Publish sends a payload to every current subscriber of the channel.
	// Publishing to a channel with no subscribers is not an error.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a channel of payloads published after the call.
	// The returned channel is closed when ctx is cancelled. A slow
	// subscriber may miss messages; delivery is at-most-once.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// PublishJSON marshals v and publishes it on the given channel.
func PublishJSON(ctx context.Context, b Bus, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, channel, data)
}

// Notifier publishes session-scoped workflow notifications. It is shared
// by the engine and the monitor so either side of a terminal transition
// emits through the same path.
type Notifier struct {
	bus Bus
}

// NewNotifier creates a Notifier over the given bus.
func NewNotifier(b Bus) *Notifier {
	return &Notifier{bus: b}
}

// Notify emits one notification event on the workflow's session channel.
func (n *Notifier) Notify(ctx context.Context, sessionID string, event api.Notification) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return PublishJSON(ctx, n.bus, SessionChannel(sessionID), event)
}
