package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Austin-rgb/messages/internal/domain"
	redisq "github.com/Austin-rgb/messages/internal/infrastructure/redis"
)

func newTestQueue(t *testing.T) *redisq.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	return redisq.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
}

func TestQueue_PublishReadAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnsureGroup(ctx, "messages", "persisters"))

	id, err := q.Publish(ctx, "messages", []byte(`{"text":"hi"}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := q.Read(ctx, "messages", "persisters", "worker-1", 10, 10*time.Millisecond, domain.ReadNew)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, id, entries[0].ID)
	require.JSONEq(t, `{"text":"hi"}`, string(entries[0].Payload))

	require.NoError(t, q.Ack(ctx, "messages", "persisters", id))

	// acked entries no longer show up on the pending pass
	pending, err := q.Read(ctx, "messages", "persisters", "worker-1", 10, 10*time.Millisecond, domain.ReadPending)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestQueue_UnackedEntriesRedeliverPending(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnsureGroup(ctx, "receipts", "persisters"))

	id, err := q.Publish(ctx, "receipts", []byte("r1"))
	require.NoError(t, err)

	_, err = q.Read(ctx, "receipts", "persisters", "worker-1", 10, 10*time.Millisecond, domain.ReadNew)
	require.NoError(t, err)

	// not acked: the same consumer sees it again on the pending cursor
	pending, err := q.Read(ctx, "receipts", "persisters", "worker-1", 10, 10*time.Millisecond, domain.ReadPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id, pending[0].ID)
}

func TestQueue_EnsureGroupIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnsureGroup(ctx, "messages", "persisters"))
	require.NoError(t, q.EnsureGroup(ctx, "messages", "persisters"))
}

func TestQueue_EmptyReadIsNotAnError(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnsureGroup(ctx, "messages", "persisters"))

	entries, err := q.Read(ctx, "messages", "persisters", "worker-1", 10, 10*time.Millisecond, domain.ReadNew)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestQueue_AckNothingIsNoop(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Ack(context.Background(), "messages", "persisters"))
}
