package mongo

import (
	"encoding/json"
	"time"

	"github.com/AlpinAI/2ly-sub004/orchestrator/store"
)

type (
	runtimeDocument struct {
		ID          string         `bson:"_id"`
		WorkspaceID string         `bson:"workspace_id,omitempty"`
		Name        string         `bson:"name"`
		Status      string         `bson:"status"`
		ProcessID   string         `bson:"process_id,omitempty"`
		HostIP      string         `bson:"host_ip,omitempty"`
		Hostname    string         `bson:"hostname,omitempty"`
		LastSeenAt  time.Time      `bson:"last_seen_at,omitempty"`
		Roots       []rootDocument `bson:"roots"`
	}

	rootDocument struct {
		Name string `bson:"name"`
		URI  string `bson:"uri"`
	}

	serverDocument struct {
		ID              string            `bson:"_id"`
		WorkspaceID     string            `bson:"workspace_id,omitempty"`
		Name            string            `bson:"name"`
		Transport       string            `bson:"transport"`
		Command         string            `bson:"command,omitempty"`
		Args            []string          `bson:"args,omitempty"`
		Env             map[string]string `bson:"env,omitempty"`
		URL             string            `bson:"url,omitempty"`
		ExecutionTarget string            `bson:"execution_target"`
		RuntimeID       string            `bson:"runtime_id,omitempty"`
	}

	toolDocument struct {
		ID          string    `bson:"_id"`
		MCPServerID string    `bson:"mcp_server_id"`
		Name        string    `bson:"name"`
		Description string    `bson:"description,omitempty"`
		InputSchema []byte    `bson:"input_schema,omitempty"`
		Annotations []byte    `bson:"annotations,omitempty"`
		Status      string    `bson:"status"`
		CreatedAt   time.Time `bson:"created_at"`
		UpdatedAt   time.Time `bson:"updated_at"`
	}

	callDocument struct {
		ID          string    `bson:"_id"`
		MCPToolID   string    `bson:"mcp_tool_id,omitempty"`
		SkillID     string    `bson:"skill_id,omitempty"`
		ToolInput   []byte    `bson:"tool_input,omitempty"`
		ToolOutput  []byte    `bson:"tool_output,omitempty"`
		Error       string    `bson:"error,omitempty"`
		Status      string    `bson:"status"`
		CalledBy    string    `bson:"called_by,omitempty"`
		ExecutedBy  string    `bson:"executed_by,omitempty"`
		CalledAt    time.Time `bson:"called_at"`
		CompletedAt time.Time `bson:"completed_at,omitempty"`
		IsTest      bool      `bson:"is_test"`
	}

	toolsetDocument struct {
		ID          string   `bson:"_id"`
		WorkspaceID string   `bson:"workspace_id,omitempty"`
		Name        string   `bson:"name"`
		ToolIDs     []string `bson:"tool_ids"`
	}
)

func toRuntimeDocument(rt *store.Runtime) *runtimeDocument {
	roots := make([]rootDocument, len(rt.Roots))
	for i, r := range rt.Roots {
		roots[i] = rootDocument(r)
	}
	return &runtimeDocument{
		ID:          rt.ID,
		WorkspaceID: rt.WorkspaceID,
		Name:        rt.Name,
		Status:      string(rt.Status),
		ProcessID:   rt.ProcessID,
		HostIP:      rt.HostIP,
		Hostname:    rt.Hostname,
		LastSeenAt:  rt.LastSeenAt,
		Roots:       roots,
	}
}

func fromRuntimeDocument(doc *runtimeDocument) *store.Runtime {
	return &store.Runtime{
		ID:          doc.ID,
		WorkspaceID: doc.WorkspaceID,
		Name:        doc.Name,
		Status:      store.RuntimeStatus(doc.Status),
		ProcessID:   doc.ProcessID,
		HostIP:      doc.HostIP,
		Hostname:    doc.Hostname,
		LastSeenAt:  doc.LastSeenAt,
		Roots:       fromRootDocuments(doc.Roots),
	}
}

// fromRootDocuments never returns nil so that observers can compare results.
func fromRootDocuments(docs []rootDocument) []store.Root {
	roots := make([]store.Root, len(docs))
	for i, r := range docs {
		roots[i] = store.Root(r)
	}
	return roots
}

func toServerDocument(srv *store.MCPServer) *serverDocument {
	return &serverDocument{
		ID:              srv.ID,
		WorkspaceID:     srv.WorkspaceID,
		Name:            srv.Name,
		Transport:       string(srv.Transport),
		Command:         srv.Command,
		Args:            srv.Args,
		Env:             srv.Env,
		URL:             srv.URL,
		ExecutionTarget: string(srv.ExecutionTarget),
		RuntimeID:       srv.RuntimeID,
	}
}

func fromServerDocument(doc *serverDocument) *store.MCPServer {
	return &store.MCPServer{
		ID:              doc.ID,
		WorkspaceID:     doc.WorkspaceID,
		Name:            doc.Name,
		Transport:       store.Transport(doc.Transport),
		Command:         doc.Command,
		Args:            doc.Args,
		Env:             doc.Env,
		URL:             doc.URL,
		ExecutionTarget: store.ExecutionTarget(doc.ExecutionTarget),
		RuntimeID:       doc.RuntimeID,
	}
}

func fromToolDocument(doc *toolDocument) *store.Tool {
	return &store.Tool{
		ID:          doc.ID,
		MCPServerID: doc.MCPServerID,
		Name:        doc.Name,
		Description: doc.Description,
		InputSchema: rawJSON(doc.InputSchema),
		Annotations: rawJSON(doc.Annotations),
		Status:      store.ToolStatus(doc.Status),
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}

func fromToolDocuments(docs []toolDocument) []*store.Tool {
	out := make([]*store.Tool, len(docs))
	for i := range docs {
		out[i] = fromToolDocument(&docs[i])
	}
	return out
}

func toCallDocument(tc *store.ToolCall) *callDocument {
	return &callDocument{
		ID:          tc.ID,
		MCPToolID:   tc.MCPToolID,
		SkillID:     tc.SkillID,
		ToolInput:   tc.ToolInput,
		ToolOutput:  tc.ToolOutput,
		Error:       tc.Error,
		Status:      string(tc.Status),
		CalledBy:    tc.CalledBy,
		ExecutedBy:  tc.ExecutedBy,
		CalledAt:    tc.CalledAt,
		CompletedAt: tc.CompletedAt,
		IsTest:      tc.IsTest,
	}
}

func fromCallDocument(doc *callDocument) *store.ToolCall {
	return &store.ToolCall{
		ID:          doc.ID,
		MCPToolID:   doc.MCPToolID,
		SkillID:     doc.SkillID,
		ToolInput:   rawJSON(doc.ToolInput),
		ToolOutput:  rawJSON(doc.ToolOutput),
		Error:       doc.Error,
		Status:      store.ToolCallStatus(doc.Status),
		CalledBy:    doc.CalledBy,
		ExecutedBy:  doc.ExecutedBy,
		CalledAt:    doc.CalledAt,
		CompletedAt: doc.CompletedAt,
		IsTest:      doc.IsTest,
	}
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}
