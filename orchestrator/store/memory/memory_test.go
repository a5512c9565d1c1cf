package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/AlpinAI/2ly-sub004/orchestrator/store"
)

func TestRuntimeTransitions(t *testing.T) {
	ctx := context.Background()
	st := New()
	_, err := st.CreateRuntime(ctx, store.Runtime{ID: "r1", Name: "edge"})
	require.NoError(t, err)

	require.NoError(t, st.SetRuntimeActive(ctx, "r1", store.RuntimeMetadata{ProcessID: "42", HostIP: "10.0.0.1", Hostname: "edge-1"}))
	active, err := st.FindActiveRuntimes(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "edge-1", active[0].Hostname)
	require.Equal(t, "42", active[0].ProcessID)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, st.TouchRuntime(ctx, "r1", at))
	rt, err := st.GetRuntime(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, at, rt.LastSeenAt)

	require.NoError(t, st.SetRuntimeInactive(ctx, "r1"))
	active, err = st.FindActiveRuntimes(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	require.ErrorIs(t, st.SetRuntimeActive(ctx, "missing", store.RuntimeMetadata{}), store.ErrNotFound)
	require.ErrorIs(t, st.SetRuntimeInactive(ctx, "missing"), store.ErrNotFound)
}

func TestUpsertToolIsUniqueByServerAndName(t *testing.T) {
	ctx := context.Background()
	st := New()

	first, err := st.UpsertTool(ctx, "s1", store.ToolDefinition{Name: "search", Description: "v1"})
	require.NoError(t, err)
	require.NoError(t, st.SetToolInactive(ctx, first.ID))

	second, err := st.UpsertTool(ctx, "s1", store.ToolDefinition{Name: "search", Description: "v2", InputSchema: json.RawMessage(`{"type":"object"}`)})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, store.ToolActive, second.Status)
	require.Equal(t, "v2", second.Description)

	other, err := st.UpsertTool(ctx, "s2", store.ToolDefinition{Name: "search"})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)

	tools, err := st.ListTools(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.JSONEq(t, `{"type":"object"}`, string(tools[0].InputSchema))
}

func TestCreateToolCallValidatesReference(t *testing.T) {
	ctx := context.Background()
	st := New()

	_, err := st.CreateToolCall(ctx, store.NewToolCall{})
	require.ErrorIs(t, err, store.ErrInvalidToolCall)
	_, err = st.CreateToolCall(ctx, store.NewToolCall{MCPToolID: "t", SkillID: "s"})
	require.ErrorIs(t, err, store.ErrInvalidToolCall)

	tc, err := st.CreateToolCall(ctx, store.NewToolCall{SkillID: "s", CalledBy: "agent-1", ToolInput: json.RawMessage(`{"q":1}`), IsTest: true})
	require.NoError(t, err)
	require.Equal(t, store.ToolCallPending, tc.Status)
	require.True(t, tc.IsTest)
	require.Equal(t, "agent-1", tc.CalledBy)
}

// TestToolCallSettlesExactlyOnce verifies that whatever sequence of settle
// attempts is applied to a pending call, only the first one succeeds and the
// stored record reflects it.
func TestToolCallSettlesExactlyOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("first settle wins, later settles fail with ErrNotPending", prop.ForAll(
		func(ops []bool) bool {
			ctx := context.Background()
			st := New()
			tc, err := st.CreateToolCall(ctx, store.NewToolCall{MCPToolID: "tool-1"})
			if err != nil {
				return false
			}
			for i, complete := range ops {
				if complete {
					_, err = st.CompleteToolCall(ctx, tc.ID, json.RawMessage(`{"ok":true}`), "r1")
				} else {
					_, err = st.FailToolCall(ctx, tc.ID, "Timeout")
				}
				if i == 0 && err != nil {
					return false
				}
				if i > 0 && !errors.Is(err, store.ErrNotPending) {
					return false
				}
			}
			got, err := st.GetToolCall(ctx, tc.ID)
			if err != nil {
				return false
			}
			if len(ops) == 0 {
				return got.Status == store.ToolCallPending
			}
			if ops[0] {
				return got.Status == store.ToolCallCompleted && got.ExecutedBy == "r1" && got.Error == ""
			}
			return got.Status == store.ToolCallFailed && got.Error == "Timeout" && got.ToolOutput == nil
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestGetToolsetResolvesMembers(t *testing.T) {
	ctx := context.Background()
	st := New()
	a, err := st.UpsertTool(ctx, "s1", store.ToolDefinition{Name: "a"})
	require.NoError(t, err)
	b, err := st.UpsertTool(ctx, "s1", store.ToolDefinition{Name: "b"})
	require.NoError(t, err)
	require.NoError(t, st.SetToolInactive(ctx, b.ID))

	ts, err := st.SaveToolset(ctx, store.Toolset{ID: "ts1", WorkspaceID: "w1", ToolIDs: []string{a.ID, b.ID, "gone"}})
	require.NoError(t, err)
	require.Len(t, ts.Tools, 2)

	got, err := st.GetToolset(ctx, "ts1")
	require.NoError(t, err)
	require.Len(t, got.Tools, 2)
	active := got.ActiveTools()
	require.Len(t, active, 1)
	require.Equal(t, "a", active[0].Name)

	_, err = st.GetToolset(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordOnboardingStepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := New()
	require.NoError(t, st.RecordOnboardingStep(ctx, "w1", store.OnboardingConnectToolset))
	require.NoError(t, st.RecordOnboardingStep(ctx, "w1", store.OnboardingConnectToolset))
	require.Equal(t, []string{store.OnboardingConnectToolset}, st.OnboardingSteps("w1"))
	require.Empty(t, st.OnboardingSteps("w2"))
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "observer closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for emission")
		var zero T
		return zero
	}
}

func TestObserveRootsEmitsCurrentThenChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := New()
	_, err := st.CreateRuntime(ctx, store.Runtime{ID: "r1", Roots: []store.Root{{Name: "home", URI: "file:///home"}}})
	require.NoError(t, err)

	ch, err := st.ObserveRoots(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, []store.Root{{Name: "home", URI: "file:///home"}}, recv(t, ch))

	// Unrelated mutations do not re-emit identical results.
	require.NoError(t, st.SetRuntimeActive(ctx, "r1", store.RuntimeMetadata{}))
	require.NoError(t, st.SetRoots(ctx, "r1", []store.Root{{Name: "tmp", URI: "file:///tmp"}}))
	require.Equal(t, []store.Root{{Name: "tmp", URI: "file:///tmp"}}, recv(t, ch))

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	_, err = st.ObserveRoots(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestObserveEdgeMCPServersFiltersByRuntimeAndTarget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := New()

	ch, err := st.ObserveEdgeMCPServers(ctx, "r1")
	require.NoError(t, err)
	require.Empty(t, recv(t, ch))

	_, err = st.SaveMCPServer(ctx, store.MCPServer{ID: "agent", ExecutionTarget: store.TargetAgent, RuntimeID: "r1"})
	require.NoError(t, err)
	_, err = st.SaveMCPServer(ctx, store.MCPServer{ID: "other", ExecutionTarget: store.TargetEdge, RuntimeID: "r2"})
	require.NoError(t, err)
	_, err = st.SaveMCPServer(ctx, store.MCPServer{ID: "edge", Name: "fs", Transport: store.TransportStdio, ExecutionTarget: store.TargetEdge, RuntimeID: "r1"})
	require.NoError(t, err)

	got := recv(t, ch)
	require.Len(t, got, 1)
	require.Equal(t, "edge", got[0].ID)

	require.NoError(t, st.DeleteMCPServer(ctx, "edge"))
	require.Empty(t, recv(t, ch))
}

func TestObserveToolsetsFollowsToolChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := New()
	tool, err := st.UpsertTool(ctx, "s1", store.ToolDefinition{Name: "a"})
	require.NoError(t, err)
	_, err = st.SaveToolset(ctx, store.Toolset{ID: "ts1", ToolIDs: []string{tool.ID}})
	require.NoError(t, err)

	ch, err := st.ObserveToolsets(ctx)
	require.NoError(t, err)
	first := recv(t, ch)
	require.Len(t, first, 1)
	require.Len(t, first[0].ActiveTools(), 1)

	require.NoError(t, st.SetToolInactive(ctx, tool.ID))
	second := recv(t, ch)
	require.Empty(t, second[0].ActiveTools())
}

func TestResetSchemaDropsRecords(t *testing.T) {
	ctx := context.Background()
	st := New()
	_, err := st.CreateRuntime(ctx, store.Runtime{ID: "r1", Status: store.RuntimeActive})
	require.NoError(t, err)
	require.NoError(t, st.ResetSchema(ctx))
	active, err := st.FindActiveRuntimes(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}
