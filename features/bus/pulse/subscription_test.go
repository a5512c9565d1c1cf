package pulse

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	mockpulse "github.com/AlpinAI/2ly-sub004/features/bus/pulse/clients/pulse/mocks"
	"github.com/AlpinAI/2ly-sub004/runtime/protocol"
)

func TestSubscriptionForwardsAndAcks(t *testing.T) {
	events := make(chan *streaming.Event, 2)
	var acked atomic.Int32
	var closed atomic.Bool

	sink := mockpulse.NewSink(t)
	sink.SetSubscribe(func() <-chan *streaming.Event { return events })
	sink.SetAck(func(_ context.Context, _ *streaming.Event) error {
		acked.Add(1)
		return nil
	})
	sink.SetClose(func(_ context.Context) { closed.Store(true) })

	s := newSubscription(sink, 4, nil, func(error) { t.Error("unexpected ack failure") }, nil)
	events <- &streaming.Event{ID: "1-0", EventName: "heartbeat", Payload: []byte(`{"runtime_id":"r1"}`)}

	select {
	case msg := <-s.Messages():
		require.Equal(t, "1-0", msg.ID)
		require.Equal(t, protocol.MessageTypeHeartbeat, msg.Type)
		require.JSONEq(t, `{"runtime_id":"r1"}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
	require.Eventually(t, func() bool { return acked.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Drain(context.Background()))
	require.NoError(t, s.Drain(context.Background()))
	require.True(t, closed.Load())
	_, ok := <-s.Messages()
	require.False(t, ok)
}

func TestSubscriptionDeliversRetainedFirst(t *testing.T) {
	events := make(chan *streaming.Event, 1)
	sink := mockpulse.NewSink(t)
	sink.SetSubscribe(func() <-chan *streaming.Event { return events })
	sink.SetAck(func(_ context.Context, _ *streaming.Event) error { return nil })
	sink.SetClose(func(_ context.Context) {})

	retained := protocol.Message{Type: protocol.MessageTypeDesiredConfig, Payload: []byte(`{}`)}
	s := newSubscription(sink, 4, &retained, func(error) {}, nil)
	defer func() { _ = s.Drain(context.Background()) }()
	events <- &streaming.Event{ID: "2-0", EventName: "desired_config", Payload: []byte(`{"runtime_id":"r1"}`)}

	first := <-s.Messages()
	require.Equal(t, protocol.MessageTypeDesiredConfig, first.Type)
	require.Empty(t, first.ID)
	second := <-s.Messages()
	require.Equal(t, "2-0", second.ID)
}

func TestSubscriptionEndsWhenSinkCloses(t *testing.T) {
	events := make(chan *streaming.Event)
	sink := mockpulse.NewSink(t)
	sink.SetSubscribe(func() <-chan *streaming.Event { return events })
	sink.SetClose(func(_ context.Context) {})

	s := newSubscription(sink, 1, nil, func(error) {}, nil)
	close(events)
	select {
	case _, ok := <-s.Messages():
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription did not end")
	}
	require.NoError(t, s.Drain(context.Background()))
}

func TestSubscriptionReportsAckFailures(t *testing.T) {
	events := make(chan *streaming.Event, 1)
	sink := mockpulse.NewSink(t)
	sink.SetSubscribe(func() <-chan *streaming.Event { return events })
	sink.SetAck(func(_ context.Context, _ *streaming.Event) error { return errors.New("boom") })
	sink.SetClose(func(_ context.Context) {})

	failures := make(chan error, 1)
	s := newSubscription(sink, 1, nil, func(err error) { failures <- err }, nil)
	defer func() { _ = s.Drain(context.Background()) }()
	events <- &streaming.Event{ID: "1-0", EventName: "direct", Payload: []byte(`{}`)}
	<-s.Messages()

	select {
	case err := <-failures:
		require.EqualError(t, err, "boom")
	case <-time.After(time.Second):
		t.Fatal("ack failure not reported")
	}
}

func TestSubscriptionReleasesAfterSinkCloses(t *testing.T) {
	events := make(chan *streaming.Event)
	var closed atomic.Bool
	sink := mockpulse.NewSink(t)
	sink.SetSubscribe(func() <-chan *streaming.Event { return events })
	sink.SetClose(func(_ context.Context) { closed.Store(true) })

	var releases atomic.Int32
	s := newSubscription(sink, 1, nil, func(error) {}, func(ctx context.Context) error {
		require.True(t, closed.Load())
		require.NoError(t, ctx.Err())
		releases.Add(1)
		return errors.New("group busy")
	})

	// The release still gets a live context when the drain context is done.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Drain(ctx)
	require.ErrorContains(t, err, "group busy")
	require.NoError(t, s.Drain(context.Background()))
	require.Equal(t, int32(1), releases.Load())
}
