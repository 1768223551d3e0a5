package orphan

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitle/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemorySinkIsFIFO(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()

	empty, err := sink.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, sink.Push(ctx, domain.Orphan{ProcessorOrderID: "order_1"}))
	require.NoError(t, sink.Push(ctx, domain.Orphan{ProcessorOrderID: "order_2"}))

	n, err := sink.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	first, err := sink.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "order_1", first.ProcessorOrderID)

	second, err := sink.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "order_2", second.ProcessorOrderID)
}

func TestNewSinkFallsBackToMemory(t *testing.T) {
	sink := NewSink(nil, zap.NewNop())
	_, ok := sink.(*MemorySink)
	assert.True(t, ok)
}

func TestMemorySinkReclaimReturnsUnacknowledgedOrphans(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()
	require.NoError(t, sink.Push(ctx, domain.Orphan{ProcessorOrderID: "order_1"}))
	require.NoError(t, sink.Push(ctx, domain.Orphan{ProcessorOrderID: "order_2"}))

	first, err := sink.Pop(ctx)
	require.NoError(t, err)
	second, err := sink.Pop(ctx)
	require.NoError(t, err)
	require.NoError(t, sink.Ack(ctx, *second))

	// first was never acknowledged, as after a crash mid-run.
	moved, err := sink.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	again, err := sink.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, first.ProcessorOrderID, again.ProcessorOrderID)

	require.NoError(t, sink.Nack(ctx, *again))
	n, err := sink.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func newRedisSink(t *testing.T) (*RedisSink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSink(client, "test:orphans"), mr
}

func TestRedisSinkKeepsPoppedOrphanUntilAck(t *testing.T) {
	ctx := context.Background()
	sink, mr := newRedisSink(t)

	empty, err := sink.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, sink.Push(ctx, domain.Orphan{ProcessorOrderID: "order_1", UserID: "user-1"}))
	require.NoError(t, sink.Push(ctx, domain.Orphan{ProcessorOrderID: "order_2", UserID: "user-1"}))

	popped, err := sink.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, "order_1", popped.ProcessorOrderID)

	processing, err := mr.List("test:orphans:processing")
	require.NoError(t, err)
	assert.Len(t, processing, 1)

	require.NoError(t, sink.Ack(ctx, *popped))
	assert.False(t, mr.Exists("test:orphans:processing"))

	n, err := sink.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisSinkNackAndReclaim(t *testing.T) {
	ctx := context.Background()
	sink, mr := newRedisSink(t)
	require.NoError(t, sink.Push(ctx, domain.Orphan{ProcessorOrderID: "order_1"}))
	require.NoError(t, sink.Push(ctx, domain.Orphan{ProcessorOrderID: "order_2"}))

	first, err := sink.Pop(ctx)
	require.NoError(t, err)
	require.NoError(t, sink.Nack(ctx, *first))
	assert.False(t, mr.Exists("test:orphans:processing"))

	// A fresh sink stands in for a restarted process that never acked.
	_, err = sink.Pop(ctx)
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	restarted := NewRedisSink(client, "test:orphans")
	moved, err := restarted.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	n, err := restarted.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	next, err := restarted.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "order_2", next.ProcessorOrderID)
	require.NoError(t, restarted.Ack(ctx, *next))
	assert.False(t, mr.Exists("test:orphans:processing"))
}
