package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"goa.design/clue/log"
)

func TestNoopImplementations(t *testing.T) {
	ctx := context.Background()

	logger := NewNoopLogger()
	logger.Debug(ctx, "debug", "k", "v")
	logger.Info(ctx, "info", "k", "v")
	logger.Warn(ctx, "warn", "k", "v")
	logger.Error(ctx, "error", "err", errors.New("boom"))

	metrics := NewNoopMetrics()
	metrics.IncCounter("c", 1, "env", "test")
	metrics.RecordTimer("t", time.Second)
	metrics.RecordGauge("g", 3)

	newCtx, span := NewNoopTracer().Start(ctx, "op")
	require.Equal(t, ctx, newCtx)
	span.AddEvent("evt", "k", 1)
	span.SetStatus(codes.Ok, "")
	span.RecordError(errors.New("boom"))
	span.End()
}

func TestFieldersPrependsMessageAndStringifiesErrors(t *testing.T) {
	fs := fielders("hello", []any{"a", 1, 42, "skipped", "err", errors.New("boom"), "dangling"})
	require.Len(t, fs, 4)
	require.Equal(t, log.KV{K: "msg", V: "hello"}, fs[0])
	require.Equal(t, log.KV{K: "a", V: 1}, fs[1])
	require.Equal(t, log.KV{K: "err", V: "boom"}, fs[2])
	require.Equal(t, log.KV{K: "dangling", V: nil}, fs[3])
}

func TestTagsToAttrs(t *testing.T) {
	attrs := tagsToAttrs([]string{"runtime", "r1", "odd"})
	require.Equal(t, []attribute.KeyValue{
		attribute.String("runtime", "r1"),
		attribute.String("odd", ""),
	}, attrs)
}

func TestKVToAttrsConvertsKnownTypes(t *testing.T) {
	attrs := kvToAttrs([]any{"s", "x", "i", 2, "b", true, "f", 1.5, "other", []int{1}})
	require.Equal(t, attribute.String("s", "x"), attrs[0])
	require.Equal(t, attribute.Int("i", 2), attrs[1])
	require.Equal(t, attribute.Bool("b", true), attrs[2])
	require.Equal(t, attribute.Float64("f", 1.5), attrs[3])
	require.Equal(t, attribute.String("other", "[1]"), attrs[4])
}
