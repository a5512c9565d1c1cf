package mongo

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/AlpinAI/2ly-sub004/orchestrator/store"
)

func TestRuntimeDocumentConversion(t *testing.T) {
	rt := &store.Runtime{
		ID:          "r1",
		WorkspaceID: "w1",
		Name:        "edge",
		Status:      store.RuntimeActive,
		ProcessID:   "42",
		HostIP:      "10.0.0.1",
		Hostname:    "edge-1",
		LastSeenAt:  time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Roots:       []store.Root{{Name: "home", URI: "file:///home"}},
	}
	require.Equal(t, rt, fromRuntimeDocument(toRuntimeDocument(rt)))

	// Missing roots decode to an empty, non-nil slice.
	got := fromRuntimeDocument(&runtimeDocument{ID: "r2"})
	require.NotNil(t, got.Roots)
	require.Empty(t, got.Roots)
}

func TestServerDocumentConversion(t *testing.T) {
	srv := &store.MCPServer{
		ID:              "s1",
		Name:            "fs",
		Transport:       store.TransportStdio,
		Command:         "npx",
		Args:            []string{"-y", "server-filesystem"},
		Env:             map[string]string{"ROOT": "/data"},
		ExecutionTarget: store.TargetEdge,
		RuntimeID:       "r1",
	}
	require.Equal(t, srv, fromServerDocument(toServerDocument(srv)))
}

// TestCallDocumentRoundTrip verifies that every tool call survives the
// document conversion unchanged.
func TestCallDocumentRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("tool call converts to a document and back", prop.ForAll(
		func(tc *store.ToolCall) bool {
			return reflect.DeepEqual(tc, fromCallDocument(toCallDocument(tc)))
		},
		genToolCall(),
	))

	properties.TestingRun(t)
}

func TestRawJSONDropsEmptyPayloads(t *testing.T) {
	require.Nil(t, rawJSON(nil))
	require.Nil(t, rawJSON([]byte{}))
	require.Equal(t, json.RawMessage(`{}`), rawJSON([]byte(`{}`)))
}

func genToolCall() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf("tool-1", ""),
		gen.OneConstOf(
			store.ToolCallPending,
			store.ToolCallCompleted,
			store.ToolCallFailed,
		),
		genPayload(),
		genPayload(),
		gen.OneConstOf("", "Timeout"),
		gen.OneConstOf("", "r1", "AGENT"),
		gen.Bool(),
	).Map(func(vals []any) *store.ToolCall {
		tc := &store.ToolCall{
			ID:         "call-1",
			Status:     vals[1].(store.ToolCallStatus),
			ToolInput:  vals[2].(json.RawMessage),
			ToolOutput: vals[3].(json.RawMessage),
			Error:      vals[4].(string),
			CalledBy:   "agent-1",
			ExecutedBy: vals[5].(string),
			CalledAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			IsTest:     vals[6].(bool),
		}
		if id := vals[0].(string); id != "" {
			tc.MCPToolID = id
		} else {
			tc.SkillID = "skill-1"
		}
		return tc
	})
}

func genPayload() gopter.Gen {
	return gen.OneConstOf(
		json.RawMessage(nil),
		json.RawMessage(`{"q":"weather"}`),
		json.RawMessage(`[1,2,3]`),
	)
}
