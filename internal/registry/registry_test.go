package registry_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Austin-rgb/messages/internal/domain"
	"github.com/Austin-rgb/messages/internal/registry"
)

type captureQueue struct {
	mu        sync.Mutex
	published []domain.Receipt
}

func (q *captureQueue) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	var rec domain.Receipt
	if err := json.Unmarshal(payload, &rec); err != nil {
		return "", err
	}
	q.mu.Lock()
	q.published = append(q.published, rec)
	q.mu.Unlock()
	return "1-0", nil
}

func (q *captureQueue) EnsureGroup(ctx context.Context, topic, group string) error { return nil }

func (q *captureQueue) Read(ctx context.Context, topic, group, consumer string, count int, block time.Duration, mode domain.ReadMode) ([]domain.QueueEntry, error) {
	return nil, nil
}

func (q *captureQueue) Ack(ctx context.Context, topic, group string, ids ...string) error {
	return nil
}

func (q *captureQueue) receipts() []domain.Receipt {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.Receipt(nil), q.published...)
}

func TestDeliver_RoutesToLiveSinkAndPublishesReceipt(t *testing.T) {
	q := &captureQueue{}
	r := registry.New(q, "receipts")

	sink := registry.NewSink()
	r.Connect("bob", sink)

	r.Deliver(domain.DeliverMessage{To: "bob", ID: "m1", Payload: []byte(`{"text":"hi"}`)})

	select {
	case msg := <-sink:
		require.Equal(t, "m1", msg.ID)
		require.JSONEq(t, `{"text":"hi"}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("no frame on sink")
	}

	require.Eventually(t, func() bool {
		recs := q.receipts()
		return len(recs) == 1 && recs[0].Message == "m1" && recs[0].User == "bob" && recs[0].Delivered
	}, time.Second, 10*time.Millisecond)
}

func TestDeliver_OfflineRecipientDroppedSilently(t *testing.T) {
	q := &captureQueue{}
	r := registry.New(q, "receipts")

	r.Deliver(domain.DeliverMessage{To: "nobody", ID: "m1", Payload: []byte("x")})

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, q.receipts())
}

func TestConnect_ReplacementClosesPriorSink(t *testing.T) {
	r := registry.New(&captureQueue{}, "receipts")

	old := registry.NewSink()
	r.Connect("bob", old)

	replacement := registry.NewSink()
	r.Connect("bob", replacement)

	select {
	case _, open := <-old:
		require.False(t, open, "prior sink should be closed")
	case <-time.After(time.Second):
		t.Fatal("prior sink not closed")
	}

	// delivery lands on the replacement
	r.Deliver(domain.DeliverMessage{To: "bob", ID: "m1", Payload: []byte("x")})
	select {
	case msg := <-replacement:
		require.Equal(t, "m1", msg.ID)
	case <-time.After(time.Second):
		t.Fatal("replacement sink received nothing")
	}
}

func TestDisconnect_CompareAndDelete(t *testing.T) {
	q := &captureQueue{}
	r := registry.New(q, "receipts")

	old := registry.NewSink()
	r.Connect("bob", old)
	replacement := registry.NewSink()
	r.Connect("bob", replacement)

	// the stale session's teardown must not evict the fresh one
	r.Disconnect("bob", old)

	r.Deliver(domain.DeliverMessage{To: "bob", ID: "m1", Payload: []byte("x")})
	select {
	case <-replacement:
	case <-time.After(time.Second):
		t.Fatal("fresh session was evicted by stale disconnect")
	}

	r.Disconnect("bob", replacement)
	r.Deliver(domain.DeliverMessage{To: "bob", ID: "m2", Payload: []byte("y")})
	time.Sleep(50 * time.Millisecond)
	select {
	case msg := <-replacement:
		t.Fatalf("unexpected frame after disconnect: %q", msg.ID)
	default:
	}
}

func TestPrivate_FrameShape(t *testing.T) {
	r := registry.New(&captureQueue{}, "receipts")

	sink := registry.NewSink()
	r.Connect("bob", sink)

	r.Private("alice", "bob", "hello")

	select {
	case msg := <-sink:
		require.JSONEq(t, `{"from":"alice","content":"hello"}`, string(msg.Payload))
		require.Empty(t, msg.ID)
	case <-time.After(time.Second):
		t.Fatal("no private frame")
	}

	// offline recipient: nothing happens
	r.Private("alice", "carol", "hello")
}

func TestDeliver_FullSinkDropsAfterBoundedWait(t *testing.T) {
	q := &captureQueue{}
	r := registry.New(q, "receipts")

	sink := make(registry.Sink) // unbuffered and never drained
	r.Connect("bob", sink)

	start := time.Now()
	r.Deliver(domain.DeliverMessage{To: "bob", ID: "m1", Payload: []byte("x")})
	elapsed := time.Since(start)

	require.Less(t, elapsed, 2*time.Second, "drop must be bounded")
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, q.receipts(), "dropped frames must not record a delivery receipt")
}
