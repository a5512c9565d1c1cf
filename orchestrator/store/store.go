// Package store defines the persistence gateway of the orchestrator.
//
// The Store interface abstracts runtime, tool, tool-call, and toolset records,
// allowing different backends. Available implementations:
//
//   - memory: in-memory store for development and testing
//   - mongo: MongoDB store, reactive queries over change streams
//
// Implementations must be safe for concurrent use and must return the
// sentinel errors of this package so callers can branch with errors.Is.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Store is the persistence gateway.
	Store interface {
		// SetRuntimeActive marks a runtime ACTIVE and records the metadata of
		// the process behind it. Returns ErrNotFound for unknown runtimes.
		SetRuntimeActive(ctx context.Context, runtimeID string, meta RuntimeMetadata) error
		// SetRuntimeInactive marks a runtime INACTIVE. Returns ErrNotFound for
		// unknown runtimes.
		SetRuntimeInactive(ctx context.Context, runtimeID string) error
		// TouchRuntime records the time of the last heartbeat.
		TouchRuntime(ctx context.Context, runtimeID string, at time.Time) error
		// FindActiveRuntimes returns every runtime persisted as ACTIVE.
		FindActiveRuntimes(ctx context.Context) ([]*Runtime, error)

		// ListTools returns every tool of an MCP server, whatever its status.
		ListTools(ctx context.Context, mcpServerID string) ([]*Tool, error)
		// UpsertTool creates or updates the tool identified by (mcpServerID,
		// def.Name) and marks it ACTIVE.
		UpsertTool(ctx context.Context, mcpServerID string, def ToolDefinition) (*Tool, error)
		// SetToolInactive marks a tool INACTIVE.
		SetToolInactive(ctx context.Context, toolID string) error

		// CreateToolCall persists a PENDING tool call. Returns
		// ErrInvalidToolCall unless exactly one of MCPToolID and SkillID is set.
		CreateToolCall(ctx context.Context, call NewToolCall) (*ToolCall, error)
		// CompleteToolCall settles a PENDING call as COMPLETED. Returns
		// ErrNotPending if the call was already settled.
		CompleteToolCall(ctx context.Context, id string, output json.RawMessage, executedBy string) (*ToolCall, error)
		// FailToolCall settles a PENDING call as FAILED. Returns ErrNotPending
		// if the call was already settled.
		FailToolCall(ctx context.Context, id string, errMsg string) (*ToolCall, error)
		// GetToolCall returns a tool call by ID.
		GetToolCall(ctx context.Context, id string) (*ToolCall, error)

		// GetToolset returns a toolset with its member tools resolved.
		GetToolset(ctx context.Context, toolsetID string) (*Toolset, error)

		// ObserveRoots emits the roots of a runtime now and after every change.
		// The channel closes when ctx is canceled.
		ObserveRoots(ctx context.Context, runtimeID string) (<-chan []Root, error)
		// ObserveEdgeMCPServers emits the EDGE MCP servers assigned to a
		// runtime now and after every change. The channel closes when ctx is
		// canceled.
		ObserveEdgeMCPServers(ctx context.Context, runtimeID string) (<-chan []*MCPServer, error)
		// ObserveToolsets emits every toolset now and after every change to a
		// toolset or a tool. The channel closes when ctx is canceled.
		ObserveToolsets(ctx context.Context) (<-chan []*Toolset, error)

		// RecordOnboardingStep marks an onboarding step of a workspace as
		// done. Recording a step twice is a no-op.
		RecordOnboardingStep(ctx context.Context, workspaceID, step string) error
		// ResetSchema drops and recreates the persistent schema.
		ResetSchema(ctx context.Context) error
	}

	// RuntimeStatus is the persisted liveness of a runtime.
	RuntimeStatus string

	// Runtime is a registered worker process.
	Runtime struct {
		ID string
		// WorkspaceID is empty for system-scoped runtimes.
		WorkspaceID string
		Name        string
		Status      RuntimeStatus
		ProcessID   string
		HostIP      string
		Hostname    string
		LastSeenAt  time.Time
		Roots       []Root
	}

	// RuntimeMetadata describes the process behind a runtime.
	RuntimeMetadata struct {
		ProcessID string
		HostIP    string
		Hostname  string
	}

	// Root is a root configuration entry of a runtime.
	Root struct {
		Name string
		URI  string
	}

	// Transport is the transport of an MCP server.
	Transport string

	// ExecutionTarget tells where the tools of an MCP server run.
	ExecutionTarget string

	// MCPServer is a configured MCP server.
	MCPServer struct {
		ID              string
		WorkspaceID     string
		Name            string
		Transport       Transport
		Command         string
		Args            []string
		Env             map[string]string
		URL             string
		ExecutionTarget ExecutionTarget
		// RuntimeID is only meaningful for EDGE servers.
		RuntimeID string
	}

	// ToolStatus is the availability of a tool.
	ToolStatus string

	// Tool is a tool exposed by an MCP server. Tools are unique by
	// (MCPServerID, Name).
	Tool struct {
		ID          string
		MCPServerID string
		Name        string
		Description string
		InputSchema json.RawMessage
		Annotations json.RawMessage
		Status      ToolStatus
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// ToolDefinition is the announced shape of a tool.
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema json.RawMessage
		Annotations json.RawMessage
	}

	// ToolCallStatus is the settlement state of a tool call.
	ToolCallStatus string

	// ToolCall is one tool invocation.
	ToolCall struct {
		ID          string
		MCPToolID   string
		SkillID     string
		ToolInput   json.RawMessage
		ToolOutput  json.RawMessage
		Error       string
		Status      ToolCallStatus
		CalledBy    string
		ExecutedBy  string
		CalledAt    time.Time
		CompletedAt time.Time
		IsTest      bool
	}

	// NewToolCall is the input of CreateToolCall.
	NewToolCall struct {
		ToolInput json.RawMessage
		CalledBy  string
		MCPToolID string
		SkillID   string
		IsTest    bool
	}

	// Toolset groups tools for a consumer.
	Toolset struct {
		ID          string
		WorkspaceID string
		Name        string
		ToolIDs     []string
		// Tools holds the resolved members, in ToolIDs order. Members that no
		// longer exist are omitted.
		Tools []*Tool
	}
)

const (
	RuntimeActive   RuntimeStatus = "ACTIVE"
	RuntimeInactive RuntimeStatus = "INACTIVE"

	TransportStdio  Transport = "STDIO"
	TransportStream Transport = "STREAM"
	TransportSSE    Transport = "SSE"

	TargetEdge  ExecutionTarget = "EDGE"
	TargetAgent ExecutionTarget = "AGENT"

	ToolActive   ToolStatus = "ACTIVE"
	ToolInactive ToolStatus = "INACTIVE"

	ToolCallPending   ToolCallStatus = "PENDING"
	ToolCallCompleted ToolCallStatus = "COMPLETED"
	ToolCallFailed    ToolCallStatus = "FAILED"
)

// OnboardingConnectToolset is recorded when a toolset consumer connects for
// the first time.
const OnboardingConnectToolset = "connect-toolset"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotPending is returned when settling a tool call that is no longer
	// PENDING.
	ErrNotPending = errors.New("tool call is not pending")
	// ErrInvalidToolCall is returned when a new tool call does not reference
	// exactly one of an MCP tool and a skill.
	ErrInvalidToolCall = errors.New("tool call must reference exactly one of an MCP tool or a skill")
)

// Validate checks that exactly one of MCPToolID and SkillID is set.
func (c NewToolCall) Validate() error {
	if (c.MCPToolID == "") == (c.SkillID == "") {
		return ErrInvalidToolCall
	}
	return nil
}

// ActiveTools returns the ACTIVE members of the toolset.
func (t *Toolset) ActiveTools() []*Tool {
	out := make([]*Tool, 0, len(t.Tools))
	for _, tool := range t.Tools {
		if tool.Status == ToolActive {
			out = append(out, tool)
		}
	}
	return out
}
