// Package pulse implements the bus gateway on Redis.
//
// Every topic maps to one Pulse stream named after the topic; the message type
// travels as the Pulse event name. Ephemeral messages are additionally
// retained in a Redis key with a TTL so that late subscribers still observe
// them. Heartbeat liveness is a TTL key per runtime, refreshed by every pulse.
// Connector handshakes are entries of a Pulse replicated map.
//
// Redis resource names are derived from Options.Name:
//
//   - Heartbeat keys: "<name>:heartbeat:<runtime ID>"
//   - Ephemeral keys: "<name>:ephemeral:<topic>"
//   - Connector map: "<name>:connectors"
//
// Consumer groups are named "<sink name>-<bus ID>-<slot>". Slots are reused
// once a drained subscription has deleted its group, so a long-running process
// holds a bounded set of groups.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
	streamopts "goa.design/pulse/streaming/options"
	"golang.org/x/time/rate"

	"github.com/AlpinAI/2ly-sub004/features/bus"
	clientspulse "github.com/AlpinAI/2ly-sub004/features/bus/pulse/clients/pulse"
	"github.com/AlpinAI/2ly-sub004/runtime/protocol"
	"github.com/AlpinAI/2ly-sub004/runtime/telemetry"
)

type (
	// Options configures the Redis bus.
	Options struct {
		// Redis is the connection backing streams, keys, and the connector map.
		// Required.
		Redis *redis.Client
		// Client opens Pulse streams. Defaults to a client over Redis.
		Client clientspulse.Client
		// Name prefixes every Redis resource. Defaults to "orchestrator".
		Name string
		// SinkName prefixes the consumer group names. Each subscription gets
		// its own group so that every subscriber sees every message. Defaults
		// to Name.
		SinkName string
		// HeartbeatTTL is the lifetime of a heartbeat key. Defaults to 30s.
		HeartbeatTTL time.Duration
		// ReplyStreamTTL bounds the lifetime of streams carrying tool-call
		// responses. Defaults to 5 minutes.
		ReplyStreamTTL time.Duration
		// StreamMaxLen bounds the entries kept per stream when Client is not
		// set. Defaults to 1000.
		StreamMaxLen int
		// Buffer is the per-subscription channel capacity. Defaults to 64.
		Buffer int
		// Logger receives delivery warnings. Defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Bus is the Redis implementation of bus.Bus.
	Bus struct {
		rdb            *redis.Client
		client         clientspulse.Client
		id             string
		name           string
		sinkName       string
		heartbeatTTL   time.Duration
		replyStreamTTL time.Duration
		buffer         int
		logger         telemetry.Logger
		ackWarn        rate.Sometimes

		connectors *rmap.Map
		events     <-chan rmap.EventKind

		mu       sync.Mutex
		handlers map[protocol.Role]map[string]bus.HandshakeHandler
		known    map[string]connector
		free     []int
		nextSlot int

		closeOnce sync.Once
		closeCh   chan struct{}
		watchDone chan struct{}
	}

	// connector is a known entry of the connector map.
	connector struct {
		raw string
		hs  protocol.Handshake
	}
)

var _ bus.Bus = (*Bus)(nil)

const (
	defaultName           = "orchestrator"
	defaultHeartbeatTTL   = 30 * time.Second
	defaultReplyStreamTTL = 5 * time.Minute
	defaultStreamMaxLen   = 1000
	defaultBuffer         = 64
	releaseTimeout        = 5 * time.Second
)

// New joins the connector map and starts watching it for handshakes. Only
// handshakes announced after New returns are reported. Call Close to release
// the map.
func New(ctx context.Context, opts Options) (*Bus, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	name := opts.Name
	if name == "" {
		name = defaultName
	}
	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = name
	}
	hbTTL := opts.HeartbeatTTL
	if hbTTL <= 0 {
		hbTTL = defaultHeartbeatTTL
	}
	replyTTL := opts.ReplyStreamTTL
	if replyTTL <= 0 {
		replyTTL = defaultReplyStreamTTL
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	client := opts.Client
	if client == nil {
		maxLen := opts.StreamMaxLen
		if maxLen <= 0 {
			maxLen = defaultStreamMaxLen
		}
		c, err := clientspulse.New(clientspulse.Options{Redis: opts.Redis, StreamMaxLen: maxLen})
		if err != nil {
			return nil, fmt.Errorf("create pulse client: %w", err)
		}
		client = c
	}

	connectors, err := rmap.Join(ctx, name+":connectors", opts.Redis)
	if err != nil {
		return nil, fmt.Errorf("join connector map: %w", err)
	}
	b := &Bus{
		rdb:            opts.Redis,
		client:         client,
		id:             uuid.NewString(),
		name:           name,
		sinkName:       sinkName,
		heartbeatTTL:   hbTTL,
		replyStreamTTL: replyTTL,
		buffer:         buffer,
		logger:         logger,
		ackWarn:        rate.Sometimes{Interval: 10 * time.Second},
		connectors:     connectors,
		handlers:       make(map[protocol.Role]map[string]bus.HandshakeHandler),
		known:          make(map[string]connector),
		closeCh:        make(chan struct{}),
		watchDone:      make(chan struct{}),
	}
	// Subscribe before snapshotting so no change slips between the two.
	b.events = connectors.Subscribe()
	for _, id := range connectors.Keys() {
		if c, ok := b.lookup(id); ok {
			b.known[id] = c
		}
	}
	go b.watchConnectors()
	return b, nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
	s, err := b.subscribe(ctx, topic, nil, false)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SubscribeReply subscribes to a reply topic. The stream expires after
// ReplyStreamTTL and is destroyed when the subscription is drained.
func (b *Bus) SubscribeReply(ctx context.Context, topic string) (bus.Subscription, error) {
	s, err := b.subscribe(ctx, topic, nil, true)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SubscribeEphemeral subscribes to topic and first delivers the retained
// ephemeral message, if any.
func (b *Bus) SubscribeEphemeral(ctx context.Context, topic string) (bus.Subscription, error) {
	var retained *protocol.Message
	raw, err := b.rdb.Get(ctx, b.ephemeralKey(topic)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, fmt.Errorf("read retained message: %w", err)
	default:
		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode retained message: %w", err)
		}
		retained = &msg
	}
	s, err := b.subscribe(ctx, topic, retained, false)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Heartbeats subscribes to the heartbeat topic of a runtime. The subscription
// ends once the runtime's heartbeat key has expired.
func (b *Bus) Heartbeats(ctx context.Context, runtimeID string) (bus.Subscription, error) {
	if runtimeID == "" {
		return nil, errors.New("runtime ID is required")
	}
	s, err := b.subscribe(ctx, protocol.HeartbeatTopic(runtimeID), nil, false)
	if err != nil {
		return nil, err
	}
	key := b.heartbeatKey(runtimeID)
	// A live key is first checked when it is due to expire. A missing key
	// gets a full TTL for the runtime's first pulse.
	first := b.heartbeatTTL
	if ttl, err := b.rdb.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
		first = ttl
	}
	go b.watchLiveness(s, key, first)
	return s, nil
}

func (b *Bus) Publish(ctx context.Context, topic string, msg protocol.Message) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if msg.Type == "" {
		return errors.New("message type is required")
	}
	str, err := b.client.Stream(topic)
	if err != nil {
		return err
	}
	if _, err := str.Add(ctx, string(msg.Type), msg.Payload); err != nil {
		return fmt.Errorf("publish %s on %s: %w", msg.Type, topic, err)
	}
	if msg.Type == protocol.MessageTypeToolCallResponse {
		if err := b.rdb.Expire(ctx, streamKey(topic), b.replyStreamTTL).Err(); err != nil {
			return fmt.Errorf("set TTL on reply stream: %w", err)
		}
	}
	return nil
}

func (b *Bus) PublishEphemeral(ctx context.Context, topic string, msg protocol.Message, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode retained message: %w", err)
	}
	if err := b.rdb.Set(ctx, b.ephemeralKey(topic), raw, ttl).Err(); err != nil {
		return fmt.Errorf("retain message: %w", err)
	}
	return b.Publish(ctx, topic, msg)
}

// PublishHeartbeat refreshes the heartbeat key of a runtime and publishes a
// pulse on its heartbeat topic.
func (b *Bus) PublishHeartbeat(ctx context.Context, runtimeID string) error {
	if runtimeID == "" {
		return errors.New("runtime ID is required")
	}
	now := time.Now().UTC()
	if err := b.rdb.Set(ctx, b.heartbeatKey(runtimeID), now.Format(time.RFC3339Nano), b.heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("refresh heartbeat key: %w", err)
	}
	msg, err := protocol.NewMessage(protocol.MessageTypeHeartbeat, protocol.Heartbeat{RuntimeID: runtimeID, At: now})
	if err != nil {
		return err
	}
	return b.Publish(ctx, protocol.HeartbeatTopic(runtimeID), msg)
}

func (b *Bus) HeartbeatKeys(ctx context.Context) ([]string, error) {
	prefix := b.heartbeatKey("")
	var ids []string
	iter := b.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan heartbeat keys: %w", err)
	}
	return ids, nil
}

func (b *Bus) ClearHeartbeatKeys(ctx context.Context) error {
	return b.deletePattern(ctx, b.heartbeatKey("")+"*")
}

// ClearEphemeralKeys removes the retained messages and empties the connector
// map. Connectors announce again after the reconnect broadcast.
func (b *Bus) ClearEphemeralKeys(ctx context.Context) error {
	var errs []error
	if err := b.deletePattern(ctx, b.ephemeralKey("")+"*"); err != nil {
		errs = append(errs, err)
	}
	if err := b.connectors.Reset(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reset connector map: %w", err))
	}
	return errors.Join(errs...)
}

// Name implements the clue health Pinger interface.
func (b *Bus) Name() string { return "redis" }

// Ping implements the clue health Pinger interface.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close stops the handshake watcher and leaves the connector map.
func (b *Bus) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closeCh)
		<-b.watchDone
		b.connectors.Unsubscribe(b.events)
		b.connectors.Close()
		err = b.client.Close(ctx)
	})
	return err
}

func (b *Bus) subscribe(ctx context.Context, topic string, first *protocol.Message, reply bool) (*subscription, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	var opts []streamopts.Stream
	if reply {
		opts = append(opts, streamopts.WithStreamTTL(b.replyStreamTTL))
	}
	str, err := b.client.Stream(topic, opts...)
	if err != nil {
		return nil, err
	}
	slot := b.acquireSlot()
	sinkName := fmt.Sprintf("%s-%s-%d", b.sinkName, b.id, slot)
	sink, err := str.NewSink(ctx, sinkName)
	if err != nil {
		b.freeSlot(slot)
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	if reply {
		// The stream handle may predate this subscription and carry no TTL.
		if err := b.rdb.Expire(ctx, streamKey(topic), b.replyStreamTTL).Err(); err != nil {
			sink.Close(ctx)
			return nil, errors.Join(fmt.Errorf("set TTL on reply stream: %w", err), b.releaseSink(ctx, topic, str, sinkName, slot, reply))
		}
	}
	release := func(ctx context.Context) error {
		return b.releaseSink(ctx, topic, str, sinkName, slot, reply)
	}
	return newSubscription(sink, b.buffer, first, b.warnAck, release), nil
}

// releaseSink deletes the Redis state of a closed sink: the whole stream for
// reply topics, the consumer group otherwise, and the sink keep-alive map and
// stale lease. The slot is reused only once the group is gone, so that a new
// subscription never inherits a backlog.
func (b *Bus) releaseSink(ctx context.Context, topic string, str clientspulse.Stream, sinkName string, slot int, reply bool) error {
	var groupErr error
	if reply {
		groupErr = str.Destroy(ctx)
	} else if err := b.rdb.XGroupDestroy(ctx, streamKey(topic), sinkName).Err(); err != nil && !isMissingStream(err) {
		groupErr = fmt.Errorf("delete consumer group %s: %w", sinkName, err)
	}
	if groupErr == nil {
		b.freeSlot(slot)
	}
	var keysErr error
	if err := b.rdb.Del(ctx, sinkKeepAliveKey(sinkName), sinkStaleLeaseKey(sinkName)).Err(); err != nil {
		keysErr = fmt.Errorf("delete sink keys %s: %w", sinkName, err)
	}
	return errors.Join(groupErr, keysErr)
}

func (b *Bus) acquireSlot() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.free); n > 0 {
		slot := b.free[n-1]
		b.free = b.free[:n-1]
		return slot
	}
	slot := b.nextSlot
	b.nextSlot++
	return slot
}

func (b *Bus) freeSlot(slot int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.free = append(b.free, slot)
}

func (b *Bus) deletePattern(ctx context.Context, pattern string) error {
	var batch []string
	iter := b.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := b.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("delete %s: %w", pattern, err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", pattern, err)
	}
	if len(batch) > 0 {
		if err := b.rdb.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("delete %s: %w", pattern, err)
		}
	}
	return nil
}

func (b *Bus) warnAck(err error) {
	b.ackWarn.Do(func() {
		b.logger.Warn(context.Background(), "pulse ack failed", "err", err)
	})
}

func (b *Bus) heartbeatKey(runtimeID string) string {
	return fmt.Sprintf("%s:heartbeat:%s", b.name, runtimeID)
}

func (b *Bus) ephemeralKey(topic string) string {
	return fmt.Sprintf("%s:ephemeral:%s", b.name, topic)
}

// streamKey returns the Redis key of a Pulse stream.
func streamKey(topic string) string {
	return fmt.Sprintf("pulse:stream:%s", topic)
}

// sinkKeepAliveKey returns the Redis hash backing the keep-alive map Pulse
// creates for every sink.
func sinkKeepAliveKey(sinkName string) string {
	return fmt.Sprintf("map:sink:%s:keepalive:content", sinkName)
}

// sinkStaleLeaseKey returns the Redis key of the lease Pulse sinks take
// before claiming idle messages.
func sinkStaleLeaseKey(sinkName string) string {
	return fmt.Sprintf("sink:%s:stalelease", sinkName)
}

// isMissingStream reports whether err is Redis refusing a group command
// because the stream key no longer exists.
func isMissingStream(err error) bool {
	return strings.Contains(err.Error(), "requires the key to exist")
}
