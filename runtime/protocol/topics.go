package protocol

import "fmt"

const (
	// DiscoveredToolsTopic receives tool announcements from runtimes.
	DiscoveredToolsTopic = "runtimes:discovered-tools"
	// BroadcastTopic is read by every runtime.
	BroadcastTopic = "runtimes:broadcast"
	// ToolCallRequestsTopic receives tool-call requests from agents.
	ToolCallRequestsTopic = "toolcall:requests"
	// AdminTopic receives administrative commands.
	AdminTopic = "orchestrator:admin"
)

// HeartbeatTopic carries the liveness pulses of a runtime.
func HeartbeatTopic(runtimeID string) string {
	return fmt.Sprintf("runtime:%s:heartbeat", runtimeID)
}

// DirectTopic is the point-to-point channel of a runtime.
func DirectTopic(runtimeID string) string {
	return fmt.Sprintf("runtime:%s:direct", runtimeID)
}

// ConfigTopic carries the desired configuration of a runtime.
func ConfigTopic(runtimeID string) string {
	return fmt.Sprintf("runtime:%s:config", runtimeID)
}

// ToolsetToolsTopic carries the tool snapshot of a toolset.
func ToolsetToolsTopic(toolsetID string) string {
	return fmt.Sprintf("toolset:%s:tools", toolsetID)
}

// ToolCallReplyTopic is the conventional reply address for a request ID.
func ToolCallReplyTopic(requestID string) string {
	return fmt.Sprintf("toolcall:%s:response", requestID)
}
