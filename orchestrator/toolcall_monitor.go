package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AlpinAI/2ly-sub004/features/bus"
	"github.com/AlpinAI/2ly-sub004/orchestrator/store"
	"github.com/AlpinAI/2ly-sub004/runtime/protocol"
	"github.com/AlpinAI/2ly-sub004/runtime/telemetry"
)

type (
	// ToolCallMonitorConfig configures a ToolCallMonitor.
	ToolCallMonitorConfig struct {
		// Store is the persistence gateway. Required.
		Store store.Store
		// Bus is the message bus gateway. Required.
		Bus bus.Bus
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics defaults to noop metrics.
		Metrics telemetry.Metrics
		// Tracer defaults to a noop tracer.
		Tracer telemetry.Tracer
		// Timeout bounds the wait for a response. Defaults to
		// DefaultToolCallTimeout.
		Timeout time.Duration
	}

	// ToolCallMonitor persists tool-call requests and settles each of them
	// exactly once: COMPLETED with the first well-formed response, or FAILED
	// when the timeout elapses first.
	ToolCallMonitor struct {
		store   store.Store
		bus     bus.Bus
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		timeout time.Duration

		requests  bus.Subscription
		wg        sync.WaitGroup
		mu        sync.Mutex
		inflight  map[*pendingCall]struct{}
		stopped   bool
		malformed rate.Sometimes
	}

	// pendingCall tracks one request between creation and settlement.
	pendingCall struct {
		req     protocol.ToolCallRequest
		reply   bus.Subscription
		timer   *time.Timer
		span    telemetry.Span
		started time.Time

		id      string
		created chan struct{}
		aborted chan struct{}
		stop    chan struct{}

		settled   atomic.Bool
		finish    sync.Once
		abortOnce sync.Once
		stopOnce  sync.Once
	}
)

// DefaultToolCallTimeout is the default response timeout of tool calls.
const DefaultToolCallTimeout = 30 * time.Second

// timeoutError is the error recorded on calls that got no response in time.
const timeoutError = "Timeout"

const (
	metricToolCallCompleted = "toolcall.completed"
	metricToolCallFailed    = "toolcall.failed"
	metricToolCallDuration  = "toolcall.duration"
)

// NewToolCallMonitor returns a monitor. Call Start to begin serving.
func NewToolCallMonitor(cfg ToolCallMonitorConfig) (*ToolCallMonitor, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("bus is required")
	}
	m := &ToolCallMonitor{
		store:     cfg.Store,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		timeout:   cfg.Timeout,
		inflight:  make(map[*pendingCall]struct{}),
		malformed: rate.Sometimes{Interval: 10 * time.Second},
	}
	if m.logger == nil {
		m.logger = telemetry.NewNoopLogger()
	}
	if m.metrics == nil {
		m.metrics = telemetry.NewNoopMetrics()
	}
	if m.tracer == nil {
		m.tracer = telemetry.NewNoopTracer()
	}
	if m.timeout <= 0 {
		m.timeout = DefaultToolCallTimeout
	}
	return m, nil
}

// Start subscribes to tool-call requests.
func (m *ToolCallMonitor) Start(ctx context.Context) error {
	sub, err := m.bus.Subscribe(ctx, protocol.ToolCallRequestsTopic)
	if err != nil {
		return fmt.Errorf("subscribe to tool-call requests: %w", err)
	}
	m.requests = sub
	m.wg.Add(1)
	go m.consume(context.WithoutCancel(ctx), sub)
	return nil
}

// Stop drains the request subscription and abandons the in-flight calls.
// Abandoned calls stay PENDING.
func (m *ToolCallMonitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	calls := make([]*pendingCall, 0, len(m.inflight))
	for c := range m.inflight {
		calls = append(calls, c)
	}
	m.inflight = make(map[*pendingCall]struct{})
	m.mu.Unlock()

	var errs []error
	if m.requests != nil {
		errs = append(errs, m.requests.Drain(ctx))
	}
	for _, c := range calls {
		c.abandon()
		errs = append(errs, c.reply.Drain(ctx))
	}
	m.wg.Wait()
	return errors.Join(errs...)
}

// InFlight returns the number of calls awaiting settlement.
func (m *ToolCallMonitor) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

func (m *ToolCallMonitor) consume(ctx context.Context, sub bus.Subscription) {
	defer m.wg.Done()
	for msg := range sub.Messages() {
		req, err := protocol.Decode[protocol.ToolCallRequest](msg, protocol.MessageTypeToolCallRequest)
		if err != nil {
			m.warnMalformed(ctx, "malformed tool-call request", "id", msg.ID, "err", err)
			continue
		}
		if req.ReplyTo == "" {
			m.warnMalformed(ctx, "tool-call request without reply topic", "id", msg.ID, "request", req.RequestID)
			continue
		}
		if err := m.track(ctx, req); err != nil {
			m.logger.Error(ctx, "track tool call failed", "request", req.RequestID, "err", err)
		}
	}
}

// track subscribes to the reply topic, arms the timeout, and creates the
// PENDING record, in that order. A response arriving before the record
// exists is held until creation completes.
func (m *ToolCallMonitor) track(ctx context.Context, req protocol.ToolCallRequest) error {
	ctx, span := m.tracer.Start(req.ExtractTraceContext(ctx), "toolcall.monitor")
	reply, err := m.bus.SubscribeReply(ctx, req.ReplyTo)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscribe to reply topic")
		span.End()
		return fmt.Errorf("subscribe to %s: %w", req.ReplyTo, err)
	}
	c := &pendingCall{
		req:     req,
		reply:   reply,
		span:    span,
		started: time.Now(),
		created: make(chan struct{}),
		aborted: make(chan struct{}),
		stop:    make(chan struct{}),
	}

	c.timer = time.AfterFunc(m.timeout, func() { m.expire(ctx, c) })

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		c.abandon()
		return reply.Drain(ctx)
	}
	m.inflight[c] = struct{}{}
	m.wg.Add(2)
	m.mu.Unlock()

	go m.create(ctx, c)
	go m.listen(ctx, c)
	return nil
}

func (m *ToolCallMonitor) create(ctx context.Context, c *pendingCall) {
	defer m.wg.Done()
	tc, err := m.store.CreateToolCall(ctx, store.NewToolCall{
		ToolInput: c.req.ToolInput,
		CalledBy:  c.req.CallerID,
		MCPToolID: c.req.MCPToolID,
		SkillID:   c.req.SkillID,
		IsTest:    c.req.IsTest,
	})
	if err != nil {
		m.logger.Error(ctx, "create tool call failed", "request", c.req.RequestID, "err", err)
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, "create tool call")
		c.abortOnce.Do(func() { close(c.aborted) })
		m.done(ctx, c)
		return
	}
	c.id = tc.ID
	close(c.created)
}

func (m *ToolCallMonitor) listen(ctx context.Context, c *pendingCall) {
	defer m.wg.Done()
	for msg := range c.reply.Messages() {
		resp, err := protocol.Decode[protocol.ToolCallResponse](msg, protocol.MessageTypeToolCallResponse)
		if err != nil {
			m.warnMalformed(ctx, "malformed tool-call response", "request", c.req.RequestID, "err", err)
			continue
		}
		if resp.ExecutedBy == "" {
			m.warnMalformed(ctx, "tool-call response without executor", "request", c.req.RequestID)
			continue
		}
		if !c.waitCreated() {
			return
		}
		if !c.settled.CompareAndSwap(false, true) {
			return
		}
		m.settle(ctx, c, func(ctx context.Context) (*store.ToolCall, error) {
			return m.store.CompleteToolCall(ctx, c.id, resp.Result, resp.ExecutedBy)
		})
		return
	}
}

func (m *ToolCallMonitor) expire(ctx context.Context, c *pendingCall) {
	if !c.waitCreated() {
		return
	}
	if !c.settled.CompareAndSwap(false, true) {
		return
	}
	m.settle(ctx, c, func(ctx context.Context) (*store.ToolCall, error) {
		return m.store.FailToolCall(ctx, c.id, timeoutError)
	})
}

// settle applies the winning outcome and releases the call.
func (m *ToolCallMonitor) settle(ctx context.Context, c *pendingCall, apply func(context.Context) (*store.ToolCall, error)) {
	defer m.done(ctx, c)
	tc, err := apply(ctx)
	switch {
	case errors.Is(err, store.ErrNotPending):
		m.logger.Debug(ctx, "tool call already settled", "call", c.id)
		return
	case err != nil:
		m.logger.Error(ctx, "settle tool call failed", "call", c.id, "err", err)
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, "settle tool call")
		return
	}
	m.metrics.RecordTimer(metricToolCallDuration, time.Since(c.started), "status", string(tc.Status))
	if tc.Status == store.ToolCallCompleted {
		m.metrics.IncCounter(metricToolCallCompleted, 1)
		c.span.AddEvent("toolcall.completed", "executed_by", tc.ExecutedBy)
		m.logger.Debug(ctx, "tool call completed", "call", tc.ID, "executed_by", tc.ExecutedBy)
		return
	}
	m.metrics.IncCounter(metricToolCallFailed, 1)
	c.span.SetStatus(codes.Error, tc.Error)
	m.logger.Info(ctx, "tool call failed", "call", tc.ID, "error", tc.Error)
}

// done stops the timer, drains the reply subscription, and forgets the call.
func (m *ToolCallMonitor) done(ctx context.Context, c *pendingCall) {
	c.finish.Do(func() {
		c.timer.Stop()
		if err := c.reply.Drain(ctx); err != nil {
			m.logger.Warn(ctx, "drain reply subscription failed", "topic", c.req.ReplyTo, "err", err)
		}
		c.span.End()
		m.mu.Lock()
		delete(m.inflight, c)
		m.mu.Unlock()
	})
}

func (m *ToolCallMonitor) warnMalformed(ctx context.Context, msg string, keyvals ...any) {
	m.malformed.Do(func() {
		m.logger.Warn(ctx, msg, keyvals...)
	})
}

// waitCreated blocks until the record exists. It returns false if creation
// failed or the call was abandoned.
func (c *pendingCall) waitCreated() bool {
	select {
	case <-c.created:
		return true
	case <-c.aborted:
		return false
	case <-c.stop:
		return false
	}
}

func (c *pendingCall) abandon() {
	c.finish.Do(func() {
		c.timer.Stop()
		c.span.End()
	})
	c.settled.Store(true)
	c.stopOnce.Do(func() { close(c.stop) })
}
