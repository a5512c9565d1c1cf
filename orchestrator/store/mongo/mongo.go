// Package mongo provides a MongoDB implementation of the orchestrator store.
//
// Records live in one collection per kind (runtimes, mcp_servers, tools,
// tool_calls, toolsets, onboarding). Reactive queries are driven by change
// streams, so the deployment must run as a replica set.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/AlpinAI/2ly-sub004/orchestrator/store"
	"github.com/AlpinAI/2ly-sub004/runtime/telemetry"
)

// Store is a MongoDB implementation of store.Store.
type Store struct {
	db         *mongo.Database
	runtimes   *mongo.Collection
	servers    *mongo.Collection
	tools      *mongo.Collection
	calls      *mongo.Collection
	toolsets   *mongo.Collection
	onboarding *mongo.Collection
	logger     telemetry.Logger
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the reactive queries.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

var _ store.Store = (*Store)(nil)

const (
	runtimesCollection   = "runtimes"
	serversCollection    = "mcp_servers"
	toolsCollection      = "tools"
	callsCollection      = "tool_calls"
	toolsetsCollection   = "toolsets"
	onboardingCollection = "onboarding"
)

// New returns a store over db and creates the indexes it relies on.
func New(ctx context.Context, db *mongo.Database, opts ...Option) (*Store, error) {
	s := &Store{
		db:         db,
		runtimes:   db.Collection(runtimesCollection),
		servers:    db.Collection(serversCollection),
		tools:      db.Collection(toolsCollection),
		calls:      db.Collection(callsCollection),
		toolsets:   db.Collection(toolsetsCollection),
		onboarding: db.Collection(onboardingCollection),
		logger:     telemetry.NewNoopLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements the clue health Pinger interface.
func (s *Store) Name() string { return "mongo" }

// Ping implements the clue health Pinger interface.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.tools.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "mcp_server_id", Value: 1}, {Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongodb create tools index: %w", err)
	}
	_, err = s.servers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "runtime_id", Value: 1}, {Key: "execution_target", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongodb create mcp_servers index: %w", err)
	}
	_, err = s.runtimes.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongodb create runtimes index: %w", err)
	}
	return nil
}

// CreateRuntime inserts a runtime. Runtimes are created outside the
// orchestrator; this is the seeding entry point.
func (s *Store) CreateRuntime(ctx context.Context, rt store.Runtime) (*store.Runtime, error) {
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	if rt.Status == "" {
		rt.Status = store.RuntimeInactive
	}
	if _, err := s.runtimes.InsertOne(ctx, toRuntimeDocument(&rt)); err != nil {
		return nil, fmt.Errorf("mongodb create runtime %q: %w", rt.ID, err)
	}
	return &rt, nil
}

// SaveMCPServer creates or replaces an MCP server.
func (s *Store) SaveMCPServer(ctx context.Context, srv store.MCPServer) (*store.MCPServer, error) {
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.servers.ReplaceOne(ctx, bson.M{"_id": srv.ID}, toServerDocument(&srv), opts); err != nil {
		return nil, fmt.Errorf("mongodb save mcp server %q: %w", srv.ID, err)
	}
	return &srv, nil
}

// SaveToolset creates or replaces a toolset.
func (s *Store) SaveToolset(ctx context.Context, ts store.Toolset) (*store.Toolset, error) {
	if ts.ID == "" {
		ts.ID = uuid.NewString()
	}
	doc := toolsetDocument{ID: ts.ID, WorkspaceID: ts.WorkspaceID, Name: ts.Name, ToolIDs: ts.ToolIDs}
	if doc.ToolIDs == nil {
		doc.ToolIDs = []string{}
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.toolsets.ReplaceOne(ctx, bson.M{"_id": ts.ID}, doc, opts); err != nil {
		return nil, fmt.Errorf("mongodb save toolset %q: %w", ts.ID, err)
	}
	return s.GetToolset(ctx, ts.ID)
}

func (s *Store) SetRuntimeActive(ctx context.Context, runtimeID string, meta store.RuntimeMetadata) error {
	return s.updateRuntime(ctx, runtimeID, bson.M{
		"status":       string(store.RuntimeActive),
		"process_id":   meta.ProcessID,
		"host_ip":      meta.HostIP,
		"hostname":     meta.Hostname,
		"last_seen_at": s.now().UTC(),
	})
}

func (s *Store) SetRuntimeInactive(ctx context.Context, runtimeID string) error {
	return s.updateRuntime(ctx, runtimeID, bson.M{"status": string(store.RuntimeInactive)})
}

func (s *Store) TouchRuntime(ctx context.Context, runtimeID string, at time.Time) error {
	return s.updateRuntime(ctx, runtimeID, bson.M{"last_seen_at": at.UTC()})
}

func (s *Store) updateRuntime(ctx context.Context, runtimeID string, set bson.M) error {
	res, err := s.runtimes.UpdateOne(ctx, bson.M{"_id": runtimeID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mongodb update runtime %q: %w", runtimeID, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) FindActiveRuntimes(ctx context.Context) ([]*store.Runtime, error) {
	var docs []runtimeDocument
	if err := s.findAll(ctx, s.runtimes, bson.M{"status": string(store.RuntimeActive)}, &docs); err != nil {
		return nil, fmt.Errorf("mongodb find active runtimes: %w", err)
	}
	out := make([]*store.Runtime, len(docs))
	for i := range docs {
		out[i] = fromRuntimeDocument(&docs[i])
	}
	return out, nil
}

func (s *Store) ListTools(ctx context.Context, mcpServerID string) ([]*store.Tool, error) {
	var docs []toolDocument
	if err := s.findAll(ctx, s.tools, bson.M{"mcp_server_id": mcpServerID}, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list tools of %q: %w", mcpServerID, err)
	}
	return fromToolDocuments(docs), nil
}

func (s *Store) UpsertTool(ctx context.Context, mcpServerID string, def store.ToolDefinition) (*store.Tool, error) {
	now := s.now().UTC()
	update := bson.M{
		"$set": bson.M{
			"description":  def.Description,
			"input_schema": []byte(def.InputSchema),
			"annotations":  []byte(def.Annotations),
			"status":       string(store.ToolActive),
			"updated_at":   now,
		},
		"$setOnInsert": bson.M{
			"_id":        uuid.NewString(),
			"created_at": now,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc toolDocument
	err := s.tools.FindOneAndUpdate(ctx, bson.M{"mcp_server_id": mcpServerID, "name": def.Name}, update, opts).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("mongodb upsert tool %q of %q: %w", def.Name, mcpServerID, err)
	}
	return fromToolDocument(&doc), nil
}

func (s *Store) SetToolInactive(ctx context.Context, toolID string) error {
	res, err := s.tools.UpdateOne(ctx, bson.M{"_id": toolID}, bson.M{"$set": bson.M{
		"status":     string(store.ToolInactive),
		"updated_at": s.now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("mongodb deactivate tool %q: %w", toolID, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateToolCall(ctx context.Context, call store.NewToolCall) (*store.ToolCall, error) {
	if err := call.Validate(); err != nil {
		return nil, err
	}
	tc := &store.ToolCall{
		ID:        uuid.NewString(),
		MCPToolID: call.MCPToolID,
		SkillID:   call.SkillID,
		ToolInput: call.ToolInput,
		Status:    store.ToolCallPending,
		CalledBy:  call.CalledBy,
		CalledAt:  s.now().UTC(),
		IsTest:    call.IsTest,
	}
	if _, err := s.calls.InsertOne(ctx, toCallDocument(tc)); err != nil {
		return nil, fmt.Errorf("mongodb create tool call: %w", err)
	}
	return tc, nil
}

func (s *Store) CompleteToolCall(ctx context.Context, id string, output json.RawMessage, executedBy string) (*store.ToolCall, error) {
	return s.settle(ctx, id, bson.M{
		"status":      string(store.ToolCallCompleted),
		"tool_output": []byte(output),
		"executed_by": executedBy,
	})
}

func (s *Store) FailToolCall(ctx context.Context, id string, errMsg string) (*store.ToolCall, error) {
	return s.settle(ctx, id, bson.M{
		"status": string(store.ToolCallFailed),
		"error":  errMsg,
	})
}

// settle applies set to the call only while it is PENDING, which makes the
// transition atomic across concurrent settlers.
func (s *Store) settle(ctx context.Context, id string, set bson.M) (*store.ToolCall, error) {
	set["completed_at"] = s.now().UTC()
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc callDocument
	err := s.calls.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": string(store.ToolCallPending)},
		bson.M{"$set": set},
		opts,
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := s.GetToolCall(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, store.ErrNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb settle tool call %q: %w", id, err)
	}
	return fromCallDocument(&doc), nil
}

func (s *Store) GetToolCall(ctx context.Context, id string) (*store.ToolCall, error) {
	var doc callDocument
	if err := s.calls.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get tool call %q: %w", id, err)
	}
	return fromCallDocument(&doc), nil
}

func (s *Store) GetToolset(ctx context.Context, toolsetID string) (*store.Toolset, error) {
	var doc toolsetDocument
	if err := s.toolsets.FindOne(ctx, bson.M{"_id": toolsetID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get toolset %q: %w", toolsetID, err)
	}
	return s.resolve(ctx, &doc)
}

func (s *Store) listToolsets(ctx context.Context) ([]*store.Toolset, error) {
	var docs []toolsetDocument
	if err := s.findAll(ctx, s.toolsets, bson.M{}, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list toolsets: %w", err)
	}
	out := make([]*store.Toolset, 0, len(docs))
	for i := range docs {
		ts, err := s.resolve(ctx, &docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, nil
}

func (s *Store) resolve(ctx context.Context, doc *toolsetDocument) (*store.Toolset, error) {
	ts := &store.Toolset{
		ID:          doc.ID,
		WorkspaceID: doc.WorkspaceID,
		Name:        doc.Name,
		ToolIDs:     doc.ToolIDs,
		Tools:       []*store.Tool{},
	}
	if len(doc.ToolIDs) == 0 {
		return ts, nil
	}
	var docs []toolDocument
	if err := s.findAll(ctx, s.tools, bson.M{"_id": bson.M{"$in": doc.ToolIDs}}, &docs); err != nil {
		return nil, fmt.Errorf("mongodb resolve toolset %q: %w", doc.ID, err)
	}
	byID := make(map[string]*store.Tool, len(docs))
	for _, t := range fromToolDocuments(docs) {
		byID[t.ID] = t
	}
	for _, id := range doc.ToolIDs {
		if t, ok := byID[id]; ok {
			ts.Tools = append(ts.Tools, t)
		}
	}
	return ts, nil
}

func (s *Store) RecordOnboardingStep(ctx context.Context, workspaceID, step string) error {
	_, err := s.onboarding.UpdateOne(ctx,
		bson.M{"_id": workspaceID + ":" + step},
		bson.M{"$setOnInsert": bson.M{
			"workspace_id": workspaceID,
			"step":         step,
			"completed_at": s.now().UTC(),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongodb record onboarding step %q: %w", step, err)
	}
	return nil
}

// ResetSchema drops every collection and recreates the indexes.
func (s *Store) ResetSchema(ctx context.Context) error {
	for _, c := range []*mongo.Collection{s.runtimes, s.servers, s.tools, s.calls, s.toolsets, s.onboarding} {
		if err := c.Drop(ctx); err != nil {
			return fmt.Errorf("mongodb drop %s: %w", c.Name(), err)
		}
	}
	return s.ensureIndexes(ctx)
}

func (s *Store) findAll(ctx context.Context, c *mongo.Collection, filter any, docs any) error {
	cursor, err := c.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return err
	}
	defer func() { _ = cursor.Close(ctx) }()
	return cursor.All(ctx, docs)
}
