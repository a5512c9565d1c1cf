package pulse

import (
	"context"
	"errors"
	"sync"
	"time"

	clientspulse "github.com/AlpinAI/2ly-sub004/features/bus/pulse/clients/pulse"
	"github.com/AlpinAI/2ly-sub004/runtime/protocol"
)

// subscription forwards the events of a Pulse sink to a message channel and
// acks each event once it has been handed over.
type subscription struct {
	sink    clientspulse.Sink
	out     chan protocol.Message
	cancel  context.CancelFunc
	done    chan struct{}
	onAck   func(error)
	release func(context.Context) error
	once    sync.Once
	stopped chan struct{}
}

const (
	// livenessFloor is the minimum delay between two heartbeat key checks.
	livenessFloor = 50 * time.Millisecond
	// noExpiry is what PTTL reports for a key without TTL. Missing keys
	// report -2.
	noExpiry time.Duration = -1
)

// newSubscription starts forwarding the events of sink. release, if set, runs
// once the sink is closed.
func newSubscription(sink clientspulse.Sink, buffer int, first *protocol.Message, onAck func(error), release func(context.Context) error) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		sink:    sink,
		out:     make(chan protocol.Message, buffer),
		cancel:  cancel,
		done:    make(chan struct{}),
		onAck:   onAck,
		release: release,
		stopped: make(chan struct{}),
	}
	if first != nil {
		s.out <- *first
	}
	go s.consume(ctx)
	return s
}

func (s *subscription) Messages() <-chan protocol.Message {
	return s.out
}

// Drain stops consumption, waits for the in-flight delivery, closes the sink,
// and releases its Redis state. Calls after the first return nil immediately.
func (s *subscription) Drain(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		close(s.stopped)
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		s.sink.Close(ctx)
		if s.release == nil {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		err = errors.Join(err, s.release(rctx))
	})
	return err
}

func (s *subscription) consume(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)
	events := s.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			msg := protocol.Message{
				ID:      evt.ID,
				Type:    protocol.MessageType(evt.EventName),
				Payload: evt.Payload,
			}
			select {
			case s.out <- msg:
			case <-ctx.Done():
				return
			}
			if err := s.sink.Ack(ctx, evt); err != nil && !errors.Is(err, context.Canceled) {
				s.onAck(err)
			}
		}
	}
}

// watchLiveness ends s once key no longer exists. The first check runs after
// first; later checks are scheduled at the key's expiry time, so a runtime
// refreshing its key before the deadline keeps the subscription open.
func (b *Bus) watchLiveness(s *subscription, key string, first time.Duration) {
	if first < livenessFloor {
		first = livenessFloor
	}
	timer := time.NewTimer(first)
	defer timer.Stop()
	for {
		select {
		case <-s.stopped:
			return
		case <-b.closeCh:
			return
		case <-timer.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ttl, err := b.rdb.PTTL(ctx, key).Result()
		cancel()
		var next time.Duration
		switch {
		case err != nil:
			b.logger.Warn(context.Background(), "heartbeat key check failed", "key", key, "err", err)
			next = b.heartbeatTTL / 2
		case ttl == noExpiry:
			next = b.heartbeatTTL
		case ttl <= 0:
			_ = s.Drain(context.Background())
			return
		default:
			next = ttl
		}
		if next < livenessFloor {
			next = livenessFloor
		}
		timer.Reset(next)
	}
}
