// Package memory provides an in-memory implementation of the orchestrator
// store.
//
// It is suitable for development, tests, and single-node deployments where
// persistence across restarts is not required. Reactive queries are push
// driven: every mutation wakes the observers, which re-evaluate their query
// and emit when the result changed.
package memory

import (
	"context"
	"encoding/json"
	"reflect"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AlpinAI/2ly-sub004/orchestrator/store"
)

// Store is an in-memory implementation of store.Store. It is safe for
// concurrent use.
type Store struct {
	now func() time.Time

	mu         sync.RWMutex
	runtimes   map[string]*store.Runtime
	servers    map[string]*store.MCPServer
	tools      map[string]*store.Tool
	toolIndex  map[toolKey]string
	calls      map[string]*store.ToolCall
	toolsets   map[string]*store.Toolset
	onboarding map[string]map[string]time.Time
	changed    chan struct{}
}

type toolKey struct {
	server string
	name   string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{now: time.Now, changed: make(chan struct{})}
	s.clear()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRuntime persists a runtime. Runtimes are created outside the
// orchestrator; this is the seeding entry point.
func (s *Store) CreateRuntime(_ context.Context, rt store.Runtime) (*store.Runtime, error) {
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	if rt.Status == "" {
		rt.Status = store.RuntimeInactive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimes[rt.ID] = cloneRuntime(&rt)
	s.notifyLocked()
	return cloneRuntime(&rt), nil
}

// GetRuntime returns a runtime by ID.
func (s *Store) GetRuntime(_ context.Context, id string) (*store.Runtime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.runtimes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRuntime(rt), nil
}

// SetRoots replaces the roots of a runtime.
func (s *Store) SetRoots(_ context.Context, runtimeID string, roots []store.Root) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[runtimeID]
	if !ok {
		return store.ErrNotFound
	}
	rt.Roots = slices.Clone(roots)
	s.notifyLocked()
	return nil
}

// SaveMCPServer creates or replaces an MCP server.
func (s *Store) SaveMCPServer(_ context.Context, srv store.MCPServer) (*store.MCPServer, error) {
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[srv.ID] = cloneServer(&srv)
	s.notifyLocked()
	return cloneServer(&srv), nil
}

// DeleteMCPServer removes an MCP server.
func (s *Store) DeleteMCPServer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.servers, id)
	s.notifyLocked()
	return nil
}

// SaveToolset creates or replaces a toolset. Tools is ignored; members are
// resolved from ToolIDs on read.
func (s *Store) SaveToolset(_ context.Context, ts store.Toolset) (*store.Toolset, error) {
	if ts.ID == "" {
		ts.ID = uuid.NewString()
	}
	ts.Tools = nil
	ts.ToolIDs = slices.Clone(ts.ToolIDs)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolsets[ts.ID] = &ts
	s.notifyLocked()
	return s.resolveLocked(&ts), nil
}

// OnboardingSteps returns the recorded onboarding steps of a workspace,
// sorted.
func (s *Store) OnboardingSteps(workspaceID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := make([]string, 0, len(s.onboarding[workspaceID]))
	for step := range s.onboarding[workspaceID] {
		steps = append(steps, step)
	}
	sort.Strings(steps)
	return steps
}

func (s *Store) SetRuntimeActive(ctx context.Context, runtimeID string, meta store.RuntimeMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[runtimeID]
	if !ok {
		return store.ErrNotFound
	}
	rt.Status = store.RuntimeActive
	rt.ProcessID = meta.ProcessID
	rt.HostIP = meta.HostIP
	rt.Hostname = meta.Hostname
	rt.LastSeenAt = s.now()
	s.notifyLocked()
	return nil
}

func (s *Store) SetRuntimeInactive(ctx context.Context, runtimeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[runtimeID]
	if !ok {
		return store.ErrNotFound
	}
	rt.Status = store.RuntimeInactive
	s.notifyLocked()
	return nil
}

func (s *Store) TouchRuntime(ctx context.Context, runtimeID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[runtimeID]
	if !ok {
		return store.ErrNotFound
	}
	rt.LastSeenAt = at
	return nil
}

func (s *Store) FindActiveRuntimes(ctx context.Context) ([]*store.Runtime, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Runtime
	for _, rt := range s.runtimes {
		if rt.Status == store.RuntimeActive {
			out = append(out, cloneRuntime(rt))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListTools(ctx context.Context, mcpServerID string) ([]*store.Tool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Tool
	for _, t := range s.tools {
		if t.MCPServerID == mcpServerID {
			out = append(out, cloneTool(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpsertTool(ctx context.Context, mcpServerID string, def store.ToolDefinition) (*store.Tool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	key := toolKey{server: mcpServerID, name: def.Name}
	t, ok := s.tools[s.toolIndex[key]]
	if !ok {
		t = &store.Tool{
			ID:          uuid.NewString(),
			MCPServerID: mcpServerID,
			Name:        def.Name,
			CreatedAt:   now,
		}
		s.tools[t.ID] = t
		s.toolIndex[key] = t.ID
	}
	t.Description = def.Description
	t.InputSchema = slices.Clone(def.InputSchema)
	t.Annotations = slices.Clone(def.Annotations)
	t.Status = store.ToolActive
	t.UpdatedAt = now
	s.notifyLocked()
	return cloneTool(t), nil
}

func (s *Store) SetToolInactive(ctx context.Context, toolID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[toolID]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = store.ToolInactive
	t.UpdatedAt = s.now()
	s.notifyLocked()
	return nil
}

func (s *Store) CreateToolCall(ctx context.Context, call store.NewToolCall) (*store.ToolCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := call.Validate(); err != nil {
		return nil, err
	}
	tc := &store.ToolCall{
		ID:        uuid.NewString(),
		MCPToolID: call.MCPToolID,
		SkillID:   call.SkillID,
		ToolInput: slices.Clone(call.ToolInput),
		Status:    store.ToolCallPending,
		CalledBy:  call.CalledBy,
		CalledAt:  s.now(),
		IsTest:    call.IsTest,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[tc.ID] = tc
	return cloneCall(tc), nil
}

func (s *Store) CompleteToolCall(ctx context.Context, id string, output json.RawMessage, executedBy string) (*store.ToolCall, error) {
	return s.settle(ctx, id, func(tc *store.ToolCall) {
		tc.Status = store.ToolCallCompleted
		tc.ToolOutput = slices.Clone(output)
		tc.ExecutedBy = executedBy
	})
}

func (s *Store) FailToolCall(ctx context.Context, id string, errMsg string) (*store.ToolCall, error) {
	return s.settle(ctx, id, func(tc *store.ToolCall) {
		tc.Status = store.ToolCallFailed
		tc.Error = errMsg
	})
}

func (s *Store) GetToolCall(ctx context.Context, id string) (*store.ToolCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tc, ok := s.calls[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCall(tc), nil
}

func (s *Store) GetToolset(ctx context.Context, toolsetID string) (*store.Toolset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.toolsets[toolsetID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.resolveLocked(ts), nil
}

func (s *Store) ObserveRoots(ctx context.Context, runtimeID string) (<-chan []store.Root, error) {
	if _, err := s.GetRuntime(ctx, runtimeID); err != nil {
		return nil, err
	}
	return observe(ctx, s, func() []store.Root {
		rt, ok := s.runtimes[runtimeID]
		if !ok {
			return []store.Root{}
		}
		return append([]store.Root{}, rt.Roots...)
	}), nil
}

func (s *Store) ObserveEdgeMCPServers(ctx context.Context, runtimeID string) (<-chan []*store.MCPServer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return observe(ctx, s, func() []*store.MCPServer {
		out := []*store.MCPServer{}
		for _, srv := range s.servers {
			if srv.ExecutionTarget == store.TargetEdge && srv.RuntimeID == runtimeID {
				out = append(out, cloneServer(srv))
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out
	}), nil
}

func (s *Store) ObserveToolsets(ctx context.Context) (<-chan []*store.Toolset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return observe(ctx, s, func() []*store.Toolset {
		out := make([]*store.Toolset, 0, len(s.toolsets))
		for _, ts := range s.toolsets {
			out = append(out, s.resolveLocked(ts))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out
	}), nil
}

func (s *Store) RecordOnboardingStep(ctx context.Context, workspaceID, step string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	steps, ok := s.onboarding[workspaceID]
	if !ok {
		steps = make(map[string]time.Time)
		s.onboarding[workspaceID] = steps
	}
	if _, done := steps[step]; !done {
		steps[step] = s.now()
	}
	return nil
}

// ResetSchema drops every record.
func (s *Store) ResetSchema(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
	s.notifyLocked()
	return nil
}

func (s *Store) settle(ctx context.Context, id string, apply func(*store.ToolCall)) (*store.ToolCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.calls[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tc.Status != store.ToolCallPending {
		return nil, store.ErrNotPending
	}
	apply(tc)
	tc.CompletedAt = s.now()
	return cloneCall(tc), nil
}

func (s *Store) clear() {
	s.runtimes = make(map[string]*store.Runtime)
	s.servers = make(map[string]*store.MCPServer)
	s.tools = make(map[string]*store.Tool)
	s.toolIndex = make(map[toolKey]string)
	s.calls = make(map[string]*store.ToolCall)
	s.toolsets = make(map[string]*store.Toolset)
	s.onboarding = make(map[string]map[string]time.Time)
}

// notifyLocked wakes every observer.
func (s *Store) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Store) resolveLocked(ts *store.Toolset) *store.Toolset {
	out := &store.Toolset{
		ID:          ts.ID,
		WorkspaceID: ts.WorkspaceID,
		Name:        ts.Name,
		ToolIDs:     slices.Clone(ts.ToolIDs),
		Tools:       make([]*store.Tool, 0, len(ts.ToolIDs)),
	}
	for _, id := range ts.ToolIDs {
		if t, ok := s.tools[id]; ok {
			out.Tools = append(out.Tools, cloneTool(t))
		}
	}
	return out
}

// observe runs query under the read lock now and after every change, and
// emits results that differ from the previous emission.
func observe[T any](ctx context.Context, s *Store, query func() T) <-chan T {
	out := make(chan T, 1)
	go func() {
		defer close(out)
		var (
			last    T
			emitted bool
		)
		for {
			s.mu.RLock()
			wake := s.changed
			v := query()
			s.mu.RUnlock()
			if !emitted || !reflect.DeepEqual(last, v) {
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
				last, emitted = v, true
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func cloneRuntime(rt *store.Runtime) *store.Runtime {
	c := *rt
	c.Roots = slices.Clone(rt.Roots)
	return &c
}

func cloneServer(srv *store.MCPServer) *store.MCPServer {
	c := *srv
	c.Args = slices.Clone(srv.Args)
	if srv.Env != nil {
		c.Env = make(map[string]string, len(srv.Env))
		for k, v := range srv.Env {
			c.Env[k] = v
		}
	}
	return &c
}

func cloneTool(t *store.Tool) *store.Tool {
	c := *t
	c.InputSchema = slices.Clone(t.InputSchema)
	c.Annotations = slices.Clone(t.Annotations)
	return &c
}

func cloneCall(tc *store.ToolCall) *store.ToolCall {
	c := *tc
	c.ToolInput = slices.Clone(tc.ToolInput)
	c.ToolOutput = slices.Clone(tc.ToolOutput)
	return &c
}
