// Package protocol defines the wire messages exchanged between the orchestrator,
// runtimes, agents, and toolset consumers over the message bus, together with
// the topic naming helpers every participant uses.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	// MessageType discriminates bus messages. Transports carry it next to the
	// payload (Pulse uses it as the event name).
	MessageType string

	// Role identifies the kind of connector behind a handshake.
	Role string

	// Message is the transport-neutral envelope delivered by the bus.
	Message struct {
		// ID is assigned by the transport on delivery. Empty on publish.
		ID      string          `json:"id,omitempty"`
		Type    MessageType     `json:"type"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// Handshake is the identification a connector announces when it attaches
	// to the bus.
	Handshake struct {
		ConnectorID string `json:"connector_id"`
		Role        Role   `json:"role"`
		RuntimeID   string `json:"runtime_id,omitempty"`
		ToolsetID   string `json:"toolset_id,omitempty"`
		Name        string `json:"name,omitempty"`
		ProcessID   string `json:"process_id,omitempty"`
		HostIP      string `json:"host_ip,omitempty"`
		Hostname    string `json:"hostname,omitempty"`

		// AnnouncedAt is set by the bus on every announcement.
		AnnouncedAt time.Time `json:"announced_at"`
	}

	// Heartbeat is a liveness pulse published by a runtime.
	Heartbeat struct {
		RuntimeID string    `json:"runtime_id"`
		At        time.Time `json:"at"`
	}

	// Root is a root configuration entry pushed to a runtime.
	Root struct {
		Name string `json:"name"`
		URI  string `json:"uri"`
	}

	// MCPServerConfig describes one MCP server a runtime must run.
	MCPServerConfig struct {
		ID        string            `json:"id"`
		Name      string            `json:"name"`
		Transport string            `json:"transport"`
		Command   string            `json:"command,omitempty"`
		Args      []string          `json:"args,omitempty"`
		Env       map[string]string `json:"env,omitempty"`
		URL       string            `json:"url,omitempty"`
	}

	// DesiredConfig is the consolidated configuration addressed to one runtime.
	DesiredConfig struct {
		RuntimeID  string            `json:"runtime_id"`
		Roots      []Root            `json:"roots"`
		MCPServers []MCPServerConfig `json:"mcp_servers"`
	}

	// DiscoveredTool is one tool a runtime found on an MCP server.
	DiscoveredTool struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
		Annotations json.RawMessage `json:"annotations,omitempty"`
	}

	// DiscoveredTools announces the complete current tool list of an MCP server.
	DiscoveredTools struct {
		MCPServerID string           `json:"mcp_server_id"`
		Tools       []DiscoveredTool `json:"tools"`
	}

	// Reconnect instructs every runtime to drop its session and handshake again.
	Reconnect struct {
		Reason string    `json:"reason,omitempty"`
		At     time.Time `json:"at"`
	}

	// ToolCallRequest asks for a tool to be executed. Exactly one of MCPToolID
	// and SkillID is set. The response is expected on ReplyTo.
	ToolCallRequest struct {
		RequestID   string          `json:"request_id,omitempty"`
		ReplyTo     string          `json:"reply_to"`
		ToolInput   json.RawMessage `json:"tool_input,omitempty"`
		CallerID    string          `json:"caller_id,omitempty"`
		MCPToolID   string          `json:"mcp_tool_id,omitempty"`
		SkillID     string          `json:"skill_id,omitempty"`
		IsTest      bool            `json:"is_test,omitempty"`
		TraceParent string          `json:"traceparent,omitempty"`
		TraceState  string          `json:"tracestate,omitempty"`
		Baggage     string          `json:"baggage,omitempty"`
	}

	// ToolCallResponse carries the output of an executed tool call. ExecutedBy
	// is a runtime ID or ExecutedByAgent.
	ToolCallResponse struct {
		Result     json.RawMessage `json:"result"`
		ExecutedBy string          `json:"executed_by"`
	}

	// ToolDescriptor is the consumer-facing view of a tool.
	ToolDescriptor struct {
		ID          string          `json:"id"`
		MCPServerID string          `json:"mcp_server_id"`
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
		Annotations json.RawMessage `json:"annotations,omitempty"`
	}

	// ToolsetTools is the full tool snapshot of a toolset.
	ToolsetTools struct {
		ToolsetID string           `json:"toolset_id"`
		Tools     []ToolDescriptor `json:"tools"`
	}

	// AdminReset requests an administrative fleet reset.
	AdminReset struct {
		RequestedBy string `json:"requested_by,omitempty"`
	}
)

const (
	MessageTypeHeartbeat        MessageType = "heartbeat"
	MessageTypeDesiredConfig    MessageType = "desired_config"
	MessageTypeDiscoveredTools  MessageType = "discovered_tools"
	MessageTypeReconnect        MessageType = "reconnect"
	MessageTypeToolCallRequest  MessageType = "tool_call_request"
	MessageTypeToolCallResponse MessageType = "tool_call_response"
	MessageTypeToolsetTools     MessageType = "toolset_tools"
	MessageTypeAdminReset       MessageType = "admin_reset"
	MessageTypeDirect           MessageType = "direct"
)

const (
	// RoleRuntime is the handshake role of edge runtimes.
	RoleRuntime Role = "runtime"
	// RoleToolset is the handshake role of toolset consumers.
	RoleToolset Role = "toolset"
)

// ExecutedByAgent marks a tool call the calling agent executed in-process.
const ExecutedByAgent = "AGENT"

// NewMessage marshals payload into a message of the given type.
func NewMessage(t MessageType, payload any) (Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Message{Type: t, Payload: b}, nil
}

// Decode unmarshals the payload of msg after checking its type.
func Decode[T any](msg Message, want MessageType) (T, error) {
	var out T
	if msg.Type != want {
		return out, fmt.Errorf("unexpected message type %q, want %q", msg.Type, want)
	}
	if len(msg.Payload) == 0 {
		return out, fmt.Errorf("empty %s payload", want)
	}
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", want, err)
	}
	return out, nil
}
