package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/codes"

	"github.com/AlpinAI/2ly-sub004/features/bus"
	"github.com/AlpinAI/2ly-sub004/orchestrator/store"
	"github.com/AlpinAI/2ly-sub004/runtime/protocol"
)

// ReconcileResult reports the changes applied by ReconcileTools.
type ReconcileResult struct {
	// Upserted lists the announced tools, in announcement order.
	Upserted []*store.Tool
	// Deactivated lists the IDs of the ACTIVE tools absent from the
	// announcement.
	Deactivated []string
	// InvalidSchemas lists the announced tools whose input schema does not
	// compile.
	InvalidSchemas []string
}

// ReconcileTools applies the complete tool list announced for an MCP server:
// ACTIVE tools missing from the announcement are marked INACTIVE and every
// announced tool is upserted. Reconciliations of one server are serialized.
func (o *Orchestrator) ReconcileTools(ctx context.Context, serverID string, defs []store.ToolDefinition) (*ReconcileResult, error) {
	if serverID == "" {
		return nil, errors.New("mcp server ID is required")
	}
	ctx, span := o.tracer.Start(ctx, "runtime.reconcile_tools")
	defer span.End()
	span.AddEvent("tools.announced", "server", serverID, "count", len(defs))

	unlock := o.toolLocks.Lock(serverID)
	defer unlock()

	res, err := o.reconcile(ctx, serverID, defs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		return res, err
	}
	o.logger.Info(ctx, "tools reconciled",
		"server", serverID,
		"upserted", len(res.Upserted),
		"deactivated", len(res.Deactivated))
	return res, nil
}

func (o *Orchestrator) reconcile(ctx context.Context, serverID string, defs []store.ToolDefinition) (*ReconcileResult, error) {
	current, err := o.store.ListTools(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("list tools of %s: %w", serverID, err)
	}
	announced := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		announced[d.Name] = struct{}{}
	}

	res := &ReconcileResult{}
	for _, t := range current {
		if t.Status != store.ToolActive {
			continue
		}
		if _, ok := announced[t.Name]; ok {
			continue
		}
		if err := o.store.SetToolInactive(ctx, t.ID); err != nil {
			return res, fmt.Errorf("deactivate tool %s: %w", t.ID, err)
		}
		res.Deactivated = append(res.Deactivated, t.ID)
	}

	for _, d := range defs {
		if err := compileSchema(d.InputSchema); err != nil {
			o.logger.Warn(ctx, "invalid tool input schema", "server", serverID, "tool", d.Name, "err", err)
			res.InvalidSchemas = append(res.InvalidSchemas, d.Name)
		}
		tool, err := o.store.UpsertTool(ctx, serverID, d)
		if err != nil {
			return res, fmt.Errorf("upsert tool %s: %w", d.Name, err)
		}
		res.Upserted = append(res.Upserted, tool)
	}
	return res, nil
}

// compileSchema checks that raw is a valid JSON schema. An empty schema is
// valid.
func compileSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := c.Compile("schema.json"); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}

func (o *Orchestrator) consumeDiscovered(ctx context.Context, sub bus.Subscription) {
	defer o.wg.Done()
	for msg := range sub.Messages() {
		ann, err := protocol.Decode[protocol.DiscoveredTools](msg, protocol.MessageTypeDiscoveredTools)
		if err != nil {
			o.warnMalformed(ctx, "malformed tool announcement", "id", msg.ID, "err", err)
			continue
		}
		if ann.MCPServerID == "" {
			o.warnMalformed(ctx, "tool announcement without mcp server ID", "id", msg.ID)
			continue
		}
		defs := make([]store.ToolDefinition, len(ann.Tools))
		for i, t := range ann.Tools {
			defs[i] = store.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
				Annotations: t.Annotations,
			}
		}
		if _, err := o.ReconcileTools(ctx, ann.MCPServerID, defs); err != nil {
			o.logger.Error(ctx, "reconcile tools failed", "server", ann.MCPServerID, "err", err)
		}
	}
}
