// Package bus defines the message bus gateway the orchestrator is written
// against. Implementations live in subpackages:
//
//   - pulse: Redis-backed streams (goa.design/pulse), TTL keys, and a
//     replicated connector map for handshakes
//   - inmem: in-process implementation for tests and single-process setups
package bus

import (
	"context"
	"time"

	"github.com/AlpinAI/2ly-sub004/runtime/protocol"
)

type (
	// Bus is the message bus gateway.
	Bus interface {
		// Subscribe opens a subscription on topic. Messages published after
		// the call returns are delivered.
		Subscribe(ctx context.Context, topic string) (Subscription, error)

		// SubscribeReply opens a subscription on a single-use reply topic.
		// The topic's resources expire after the bus's reply retention even
		// if nothing is published, and draining the subscription deletes
		// them.
		SubscribeReply(ctx context.Context, topic string) (Subscription, error)

		// Heartbeats opens the liveness stream of a runtime. The message
		// channel closes when the runtime's heartbeat key expires or when the
		// subscription is drained.
		Heartbeats(ctx context.Context, runtimeID string) (Subscription, error)

		// Publish delivers msg to the current subscribers of topic.
		Publish(ctx context.Context, topic string, msg protocol.Message) error

		// PublishEphemeral publishes msg and retains it for ttl so that a
		// subscriber attaching within the window still observes it.
		PublishEphemeral(ctx context.Context, topic string, msg protocol.Message, ttl time.Duration) error

		// HeartbeatKeys lists the runtime IDs that currently hold a live
		// heartbeat key.
		HeartbeatKeys(ctx context.Context) ([]string, error)

		// ClearHeartbeatKeys removes every heartbeat key.
		ClearHeartbeatKeys(ctx context.Context) error

		// ClearEphemeralKeys removes every retained ephemeral message.
		ClearEphemeralKeys(ctx context.Context) error

		// OnHandshake registers h for handshake events of the given role and
		// returns a registration ID for OffHandshake. Only events occurring
		// after registration are delivered. Events for one bus are delivered
		// sequentially, in order.
		OnHandshake(role protocol.Role, h HandshakeHandler) (string, error)

		// OffHandshake removes a handler registered with OnHandshake.
		OffHandshake(role protocol.Role, id string)
	}

	// Subscription is an open subscription on a topic.
	Subscription interface {
		// Messages returns the delivery channel. It is closed once the
		// subscription ends.
		Messages() <-chan protocol.Message

		// Drain stops accepting new messages, lets the in-flight delivery
		// finish, and releases the underlying resources. It is safe to call
		// more than once.
		Drain(ctx context.Context) error
	}

	// HandshakeHandler receives handshake events.
	HandshakeHandler func(ctx context.Context, ev HandshakeEvent)

	// HandshakeEvent reports a connector attaching to or leaving the bus.
	HandshakeEvent struct {
		Kind      HandshakeKind
		Handshake protocol.Handshake
	}

	// HandshakeKind is the kind of a handshake event.
	HandshakeKind int
)

const (
	// Connected is reported when a connector completes its handshake.
	Connected HandshakeKind = iota + 1
	// Disconnected is reported when a connector leaves.
	Disconnected
)

// String returns the lowercase name of the kind.
func (k HandshakeKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
