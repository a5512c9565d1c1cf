// Package inmem provides an in-process implementation of the bus gateway. It is
// intended for tests and single-process deployments: nothing is shared across
// processes, and heartbeat streams only end when ExpireHeartbeat is called or
// the subscription is drained.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AlpinAI/2ly-sub004/features/bus"
	"github.com/AlpinAI/2ly-sub004/runtime/protocol"
)

type (
	// Bus is an in-process message bus. It is safe for concurrent use.
	Bus struct {
		heartbeatTTL time.Duration
		buffer       int
		now          func() time.Time

		mu         sync.Mutex
		subs       map[string]map[*subscription]struct{}
		hbSubs     map[string]map[*subscription]struct{}
		heartbeats map[string]time.Time // runtime ID -> key expiry
		retained   map[string]retainedMessage
		handlers   map[protocol.Role]map[string]bus.HandshakeHandler
		published  map[string][]protocol.Message
		seq        int

		dispatchMu sync.Mutex
	}

	// Option configures a Bus.
	Option func(*Bus)

	retainedMessage struct {
		msg     protocol.Message
		expires time.Time
	}

	subscription struct {
		ch        chan protocol.Message
		done      chan struct{}
		mu        sync.Mutex
		closed    bool
		closeOnce sync.Once
		release   func()
	}
)

var _ bus.Bus = (*Bus)(nil)

// DefaultHeartbeatTTL is the lifetime of a heartbeat key.
const DefaultHeartbeatTTL = 30 * time.Second

// WithHeartbeatTTL sets the lifetime of heartbeat keys.
func WithHeartbeatTTL(d time.Duration) Option {
	return func(b *Bus) { b.heartbeatTTL = d }
}

// WithBuffer sets the per-subscription channel capacity.
func WithBuffer(n int) Option {
	return func(b *Bus) { b.buffer = n }
}

// WithClock overrides the clock used for key expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New returns an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		heartbeatTTL: DefaultHeartbeatTTL,
		buffer:       256,
		now:          time.Now,
		subs:         make(map[string]map[*subscription]struct{}),
		hbSubs:       make(map[string]map[*subscription]struct{}),
		heartbeats:   make(map[string]time.Time),
		retained:     make(map[string]retainedMessage),
		handlers:     make(map[protocol.Role]map[string]bus.HandshakeHandler),
		published:    make(map[string][]protocol.Message),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Subscribe(_ context.Context, topic string) (bus.Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addLocked(b.subs, topic), nil
}

// SubscribeReply is Subscribe: in-process topics hold no resources once their
// last subscription is drained.
func (b *Bus) SubscribeReply(ctx context.Context, topic string) (bus.Subscription, error) {
	return b.Subscribe(ctx, topic)
}

// SubscribeEphemeral subscribes to topic and first replays the retained
// message, if it has not expired.
func (b *Bus) SubscribeEphemeral(_ context.Context, topic string) (bus.Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.addLocked(b.subs, topic)
	if r, ok := b.retained[topic]; ok && b.now().Before(r.expires) {
		s.ch <- r.msg
	}
	return s, nil
}

func (b *Bus) Heartbeats(_ context.Context, runtimeID string) (bus.Subscription, error) {
	if runtimeID == "" {
		return nil, fmt.Errorf("runtime ID is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addLocked(b.hbSubs, runtimeID), nil
}

func (b *Bus) Publish(ctx context.Context, topic string, msg protocol.Message) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}
	b.mu.Lock()
	b.seq++
	msg.ID = fmt.Sprintf("%d-0", b.seq)
	b.published[topic] = append(b.published[topic], msg)
	targets := collect(b.subs[topic])
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(ctx, msg)
	}
	return nil
}

func (b *Bus) PublishEphemeral(ctx context.Context, topic string, msg protocol.Message, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	b.mu.Lock()
	b.retained[topic] = retainedMessage{msg: msg, expires: b.now().Add(ttl)}
	b.mu.Unlock()
	return b.Publish(ctx, topic, msg)
}

func (b *Bus) HeartbeatKeys(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	keys := make([]string, 0, len(b.heartbeats))
	for id, exp := range b.heartbeats {
		if now.Before(exp) {
			keys = append(keys, id)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Bus) ClearHeartbeatKeys(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartbeats = make(map[string]time.Time)
	return nil
}

func (b *Bus) ClearEphemeralKeys(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retained = make(map[string]retainedMessage)
	return nil
}

func (b *Bus) OnHandshake(role protocol.Role, h bus.HandshakeHandler) (string, error) {
	if h == nil {
		return "", fmt.Errorf("handler is required")
	}
	id := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[role] == nil {
		b.handlers[role] = make(map[string]bus.HandshakeHandler)
	}
	b.handlers[role][id] = h
	return id, nil
}

func (b *Bus) OffHandshake(role protocol.Role, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[role], id)
}

// PublishHeartbeat refreshes the heartbeat key of a runtime and delivers a
// pulse to its heartbeat streams.
func (b *Bus) PublishHeartbeat(ctx context.Context, runtimeID string) error {
	msg, err := protocol.NewMessage(protocol.MessageTypeHeartbeat, protocol.Heartbeat{
		RuntimeID: runtimeID,
		At:        b.now().UTC(),
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.heartbeats[runtimeID] = b.now().Add(b.heartbeatTTL)
	targets := collect(b.hbSubs[runtimeID])
	b.mu.Unlock()
	for _, s := range targets {
		s.deliver(ctx, msg)
	}
	return nil
}

// SetHeartbeatKey creates a live heartbeat key without delivering a pulse.
func (b *Bus) SetHeartbeatKey(runtimeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartbeats[runtimeID] = b.now().Add(b.heartbeatTTL)
}

// ExpireHeartbeat deletes the heartbeat key of a runtime and ends its
// heartbeat streams, as a TTL expiry would.
func (b *Bus) ExpireHeartbeat(runtimeID string) {
	b.mu.Lock()
	delete(b.heartbeats, runtimeID)
	targets := collect(b.hbSubs[runtimeID])
	delete(b.hbSubs, runtimeID)
	b.mu.Unlock()
	for _, s := range targets {
		s.close()
	}
}

// Announce reports a connector handshake to the registered handlers.
func (b *Bus) Announce(ctx context.Context, hs protocol.Handshake) error {
	return b.dispatch(ctx, bus.HandshakeEvent{Kind: bus.Connected, Handshake: hs})
}

// Leave reports a connector leaving to the registered handlers.
func (b *Bus) Leave(ctx context.Context, hs protocol.Handshake) error {
	return b.dispatch(ctx, bus.HandshakeEvent{Kind: bus.Disconnected, Handshake: hs})
}

// Published returns a copy of every message published on topic.
func (b *Bus) Published(topic string) []protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Message(nil), b.published[topic]...)
}

// Retained returns the unexpired ephemeral message of topic.
func (b *Bus) Retained(topic string) (protocol.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.retained[topic]
	if !ok || !b.now().Before(r.expires) {
		return protocol.Message{}, false
	}
	return r.msg, true
}

// Subscribers returns the number of open subscriptions on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// HeartbeatSubscribers returns the number of open heartbeat streams of a runtime.
func (b *Bus) HeartbeatSubscribers(runtimeID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.hbSubs[runtimeID])
}

func (b *Bus) dispatch(ctx context.Context, ev bus.HandshakeEvent) error {
	if ev.Handshake.Role == "" {
		return fmt.Errorf("handshake role is required")
	}
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	b.mu.Lock()
	hs := make([]bus.HandshakeHandler, 0, len(b.handlers[ev.Handshake.Role]))
	for _, h := range b.handlers[ev.Handshake.Role] {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(ctx, ev)
	}
	return nil
}

func (b *Bus) addLocked(index map[string]map[*subscription]struct{}, key string) *subscription {
	s := &subscription{
		ch:   make(chan protocol.Message, b.buffer),
		done: make(chan struct{}),
	}
	s.release = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(index[key], s)
		if len(index[key]) == 0 {
			delete(index, key)
		}
	}
	if index[key] == nil {
		index[key] = make(map[*subscription]struct{})
	}
	index[key][s] = struct{}{}
	return s
}

func collect(set map[*subscription]struct{}) []*subscription {
	out := make([]*subscription, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func (s *subscription) Messages() <-chan protocol.Message {
	return s.ch
}

func (s *subscription) Drain(context.Context) error {
	s.release()
	s.close()
	return nil
}

func (s *subscription) deliver(ctx context.Context, msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	case <-s.done:
	case <-ctx.Done():
	}
}

// close unblocks pending deliveries, then closes the channel once they return.
func (s *subscription) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
