package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AlpinAI/2ly-sub004/features/bus/inmem"
	"github.com/AlpinAI/2ly-sub004/orchestrator/store"
	"github.com/AlpinAI/2ly-sub004/orchestrator/store/memory"
	"github.com/AlpinAI/2ly-sub004/runtime/protocol"
)

// callRecorder captures created tool calls by caller. Creation blocks while
// hold is open and fails for callers listed in fail.
type callRecorder struct {
	store.Store
	hold chan struct{}
	fail map[string]bool

	mu    sync.Mutex
	calls map[string]string
}

func newCallRecorder(st store.Store) *callRecorder {
	return &callRecorder{Store: st, calls: make(map[string]string), fail: make(map[string]bool)}
}

func (r *callRecorder) CreateToolCall(ctx context.Context, call store.NewToolCall) (*store.ToolCall, error) {
	if r.hold != nil {
		<-r.hold
	}
	if r.fail[call.CalledBy] {
		return nil, errors.New("insert failed")
	}
	tc, err := r.Store.CreateToolCall(ctx, call)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.calls[call.CalledBy] = tc.ID
	r.mu.Unlock()
	return tc, nil
}

func (r *callRecorder) callID(caller string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.calls[caller]
	return id, ok
}

type monitorHarness struct {
	t       *testing.T
	rec     *callRecorder
	bus     *inmem.Bus
	monitor *ToolCallMonitor
}

func newMonitorHarness(t *testing.T, timeout time.Duration, configure func(*callRecorder)) *monitorHarness {
	t.Helper()
	rec := newCallRecorder(memory.New())
	if configure != nil {
		configure(rec)
	}
	b := inmem.New()
	m, err := NewToolCallMonitor(ToolCallMonitorConfig{Store: rec, Bus: b, Timeout: timeout})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return &monitorHarness{t: t, rec: rec, bus: b, monitor: m}
}

// request publishes a tool-call request and waits for the monitor to
// subscribe to its reply topic.
func (h *monitorHarness) request(requestID, caller string) string {
	h.t.Helper()
	replyTo := protocol.ToolCallReplyTopic(requestID)
	msg, err := protocol.NewMessage(protocol.MessageTypeToolCallRequest, protocol.ToolCallRequest{
		RequestID: requestID,
		ReplyTo:   replyTo,
		ToolInput: json.RawMessage(`{"path":"/tmp"}`),
		CallerID:  caller,
		MCPToolID: "tool-1",
	})
	require.NoError(h.t, err)
	require.NoError(h.t, h.bus.Publish(context.Background(), protocol.ToolCallRequestsTopic, msg))
	require.Eventually(h.t, func() bool { return h.bus.Subscribers(replyTo) == 1 }, waitFor, tick)
	return replyTo
}

func (h *monitorHarness) respond(replyTo, executedBy string, result json.RawMessage) {
	h.t.Helper()
	msg, err := protocol.NewMessage(protocol.MessageTypeToolCallResponse, protocol.ToolCallResponse{
		Result:     result,
		ExecutedBy: executedBy,
	})
	require.NoError(h.t, err)
	require.NoError(h.t, h.bus.Publish(context.Background(), replyTo, msg))
}

// settled waits for the call of caller to leave PENDING and returns it.
func (h *monitorHarness) settled(caller string) *store.ToolCall {
	h.t.Helper()
	var tc *store.ToolCall
	require.Eventually(h.t, func() bool {
		id, ok := h.rec.callID(caller)
		if !ok {
			return false
		}
		got, err := h.rec.GetToolCall(context.Background(), id)
		if err != nil || got.Status == store.ToolCallPending {
			return false
		}
		tc = got
		return true
	}, waitFor, tick)
	return tc
}

func TestToolCallCompletes(t *testing.T) {
	h := newMonitorHarness(t, time.Minute, nil)
	replyTo := h.request("req-1", "agent-1")
	h.respond(replyTo, "r1", json.RawMessage(`{"files":["a"]}`))

	tc := h.settled("agent-1")
	require.Equal(t, store.ToolCallCompleted, tc.Status)
	require.Equal(t, "r1", tc.ExecutedBy)
	require.JSONEq(t, `{"files":["a"]}`, string(tc.ToolOutput))
	require.JSONEq(t, `{"path":"/tmp"}`, string(tc.ToolInput))
	require.Equal(t, "tool-1", tc.MCPToolID)
	require.Eventually(t, func() bool { return h.bus.Subscribers(replyTo) == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.monitor.InFlight() == 0 }, waitFor, tick)
}

func TestToolCallExecutedByAgent(t *testing.T) {
	h := newMonitorHarness(t, time.Minute, nil)
	replyTo := h.request("req-1", "agent-1")
	h.respond(replyTo, protocol.ExecutedByAgent, json.RawMessage(`"done"`))

	tc := h.settled("agent-1")
	require.Equal(t, store.ToolCallCompleted, tc.Status)
	require.Equal(t, protocol.ExecutedByAgent, tc.ExecutedBy)
}

func TestToolCallTimesOut(t *testing.T) {
	h := newMonitorHarness(t, 50*time.Millisecond, nil)
	replyTo := h.request("req-42", "agent-1")

	tc := h.settled("agent-1")
	require.Equal(t, store.ToolCallFailed, tc.Status)
	require.Equal(t, "Timeout", tc.Error)
	require.Eventually(t, func() bool { return h.bus.Subscribers(replyTo) == 0 }, waitFor, tick)

	// A late response changes nothing.
	h.respond(replyTo, "r1", json.RawMessage(`{}`))
	got, err := h.rec.GetToolCall(context.Background(), tc.ID)
	require.NoError(t, err)
	require.Equal(t, store.ToolCallFailed, got.Status)
	require.Empty(t, got.ExecutedBy)
}

func TestToolCallResponseBeforeRecordExists(t *testing.T) {
	hold := make(chan struct{})
	h := newMonitorHarness(t, time.Minute, func(r *callRecorder) { r.hold = hold })
	replyTo := h.request("req-1", "agent-1")
	h.respond(replyTo, "r1", json.RawMessage(`{"ok":true}`))
	close(hold)

	tc := h.settled("agent-1")
	require.Equal(t, store.ToolCallCompleted, tc.Status)
	require.Equal(t, "r1", tc.ExecutedBy)
}

func TestToolCallSettlesOnce(t *testing.T) {
	h := newMonitorHarness(t, 100*time.Millisecond, nil)
	replyTo := h.request("req-1", "agent-1")
	h.respond(replyTo, "r1", json.RawMessage(`1`))
	h.respond(replyTo, "r2", json.RawMessage(`2`))

	tc := h.settled("agent-1")
	require.Equal(t, "r1", tc.ExecutedBy)

	// Neither the second response nor the timeout overrides the outcome.
	time.Sleep(200 * time.Millisecond)
	got, err := h.rec.GetToolCall(context.Background(), tc.ID)
	require.NoError(t, err)
	require.Equal(t, store.ToolCallCompleted, got.Status)
	require.Equal(t, "r1", got.ExecutedBy)
	require.JSONEq(t, `1`, string(got.ToolOutput))
}

func TestToolCallSkipsMalformedResponses(t *testing.T) {
	h := newMonitorHarness(t, time.Minute, nil)
	replyTo := h.request("req-1", "agent-1")
	require.NoError(t, h.bus.Publish(context.Background(), replyTo, protocol.Message{
		Type:    protocol.MessageTypeToolCallResponse,
		Payload: json.RawMessage(`{`),
	}))
	h.respond(replyTo, "", json.RawMessage(`{}`))
	h.respond(replyTo, "r1", json.RawMessage(`{"ok":true}`))

	tc := h.settled("agent-1")
	require.Equal(t, store.ToolCallCompleted, tc.Status)
	require.Equal(t, "r1", tc.ExecutedBy)
}

func TestToolCallCreationFailureIsIsolated(t *testing.T) {
	hold := make(chan struct{})
	h := newMonitorHarness(t, time.Minute, func(r *callRecorder) {
		r.hold = hold
		r.fail["broken"] = true
	})

	// Creation is held until the reply subscription has been observed.
	failedReply := h.request("req-bad", "broken")
	close(hold)
	require.Eventually(t, func() bool { return h.bus.Subscribers(failedReply) == 0 }, waitFor, tick)
	_, ok := h.rec.callID("broken")
	require.False(t, ok)

	replyTo := h.request("req-good", "agent-1")
	h.respond(replyTo, "r1", json.RawMessage(`{}`))
	tc := h.settled("agent-1")
	require.Equal(t, store.ToolCallCompleted, tc.Status)
}

func TestToolCallSkipsRequestsWithoutReplyTopic(t *testing.T) {
	h := newMonitorHarness(t, time.Minute, nil)
	ctx := context.Background()
	msg, err := protocol.NewMessage(protocol.MessageTypeToolCallRequest, protocol.ToolCallRequest{MCPToolID: "tool-1", CallerID: "orphan"})
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(ctx, protocol.ToolCallRequestsTopic, msg))
	require.NoError(t, h.bus.Publish(ctx, protocol.ToolCallRequestsTopic, protocol.Message{Type: protocol.MessageTypeHeartbeat, Payload: json.RawMessage(`{}`)}))

	// The loop keeps serving.
	replyTo := h.request("req-1", "agent-1")
	h.respond(replyTo, "r1", json.RawMessage(`{}`))
	h.settled("agent-1")
	_, ok := h.rec.callID("orphan")
	require.False(t, ok)
}

func TestToolCallMonitorStopAbandonsInFlightCalls(t *testing.T) {
	ctx := context.Background()
	h := newMonitorHarness(t, time.Minute, nil)
	replyTo := h.request("req-1", "agent-1")
	require.Eventually(t, func() bool {
		_, ok := h.rec.callID("agent-1")
		return ok
	}, waitFor, tick)
	require.Equal(t, 1, h.monitor.InFlight())

	require.NoError(t, h.monitor.Stop(ctx))
	require.NoError(t, h.monitor.Stop(ctx))
	require.Zero(t, h.bus.Subscribers(replyTo))
	require.Zero(t, h.bus.Subscribers(protocol.ToolCallRequestsTopic))
	require.Zero(t, h.monitor.InFlight())

	id, _ := h.rec.callID("agent-1")
	tc, err := h.rec.GetToolCall(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ToolCallPending, tc.Status)
}
