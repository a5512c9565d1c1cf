package mongo

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/AlpinAI/2ly-sub004/orchestrator/store"
)

// rewatchDelay is the pause before reopening a failed change stream.
const rewatchDelay = time.Second

func (s *Store) ObserveRoots(ctx context.Context, runtimeID string) (<-chan []store.Root, error) {
	n, err := s.runtimes.CountDocuments(ctx, bson.M{"_id": runtimeID})
	if err != nil {
		return nil, fmt.Errorf("mongodb find runtime %q: %w", runtimeID, err)
	}
	if n == 0 {
		return nil, store.ErrNotFound
	}
	return observe(ctx, s, []source{{s.runtimes, rootsPipeline(runtimeID)}}, func(ctx context.Context) ([]store.Root, error) {
		var doc runtimeDocument
		if err := s.runtimes.FindOne(ctx, bson.M{"_id": runtimeID}).Decode(&doc); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return []store.Root{}, nil
			}
			return nil, err
		}
		return fromRootDocuments(doc.Roots), nil
	})
}

func (s *Store) ObserveEdgeMCPServers(ctx context.Context, runtimeID string) (<-chan []*store.MCPServer, error) {
	filter := bson.M{"execution_target": string(store.TargetEdge), "runtime_id": runtimeID}
	return observe(ctx, s, []source{{coll: s.servers}}, func(ctx context.Context) ([]*store.MCPServer, error) {
		var docs []serverDocument
		if err := s.findAll(ctx, s.servers, filter, &docs); err != nil {
			return nil, err
		}
		out := make([]*store.MCPServer, len(docs))
		for i := range docs {
			out[i] = fromServerDocument(&docs[i])
		}
		return out, nil
	})
}

func (s *Store) ObserveToolsets(ctx context.Context) (<-chan []*store.Toolset, error) {
	return observe(ctx, s, []source{{coll: s.toolsets}, {coll: s.tools}}, s.listToolsets)
}

// source is a collection watched through a change stream pipeline.
type source struct {
	coll     *mongo.Collection
	pipeline mongo.Pipeline
}

// rootsPipeline keeps the change events of one runtime document that may
// alter its roots. Heartbeat and status updates are dropped.
func rootsPipeline(runtimeID string) mongo.Pipeline {
	return mongo.Pipeline{{{Key: "$match", Value: bson.D{
		{Key: "documentKey._id", Value: runtimeID},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "operationType", Value: bson.D{{Key: "$ne", Value: "update"}}}},
			bson.D{{Key: "updateDescription.updatedFields.roots", Value: bson.D{{Key: "$exists", Value: true}}}},
			bson.D{{Key: "updateDescription.removedFields", Value: "roots"}},
		}},
	}}}}
}

// observe opens a change stream on every source, then runs query now and
// after every change, emitting results that differ from the previous
// emission. Streams are opened before the first query so that no change is
// missed in between.
func observe[T any](ctx context.Context, s *Store, srcs []source, query func(context.Context) (T, error)) (<-chan T, error) {
	streams := make([]*mongo.ChangeStream, 0, len(srcs))
	for _, src := range srcs {
		cs, err := src.coll.Watch(ctx, src.pipeline)
		if err != nil {
			for _, open := range streams {
				_ = open.Close(context.Background())
			}
			return nil, fmt.Errorf("mongodb watch %s: %w", src.coll.Name(), err)
		}
		streams = append(streams, cs)
	}

	wake := make(chan struct{}, 1)
	for i, cs := range streams {
		go s.watch(ctx, srcs[i], cs, wake)
	}

	out := make(chan T, 1)
	go func() {
		defer close(out)
		var (
			last    T
			emitted bool
		)
		for {
			v, err := query(ctx)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn(ctx, "mongodb observe query failed", "err", err)
			case !emitted || !reflect.DeepEqual(last, v):
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
	return out, nil
}

// watch signals wake on every change event of cs, reopening the stream when
// it fails, until ctx is canceled.
func (s *Store) watch(ctx context.Context, src source, cs *mongo.ChangeStream, wake chan<- struct{}) {
	signal := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	for {
		for cs.Next(ctx) {
			signal()
		}
		err := cs.Err()
		_ = cs.Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn(ctx, "mongodb change stream ended", "collection", src.coll.Name(), "err", err)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(rewatchDelay):
			}
			var werr error
			cs, werr = src.coll.Watch(ctx, src.pipeline)
			if werr == nil {
				break
			}
			s.logger.Warn(ctx, "mongodb rewatch failed", "collection", src.coll.Name(), "err", werr)
		}
		// Changes may have been missed while the stream was down.
		signal()
	}
}
