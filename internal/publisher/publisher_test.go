package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"proxy-bid-engine/internal/models"
	"proxy-bid-engine/internal/store"
)

func newPublisher(t *testing.T) (*Publisher, *store.Memory) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewMemory()
	return New(Options{Store: st, Redis: rdb, PollInterval: 10 * time.Millisecond}), st
}

func collect(t *testing.T, ch <-chan models.Event, n int) []models.Event {
	t.Helper()
	out := make([]models.Event, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "subscription closed early")
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(out))
		}
	}
	return out
}

func TestPublishAssignsSequencePerRequest(t *testing.T) {
	ctx := context.Background()
	p, _ := newPublisher(t)

	a1, err := p.Publish(ctx, models.Event{BidRequestID: "req-a", Type: models.EventRequestCreated})
	require.NoError(t, err)
	a2, err := p.Publish(ctx, models.Event{BidRequestID: "req-a", Type: models.EventTaskQueued})
	require.NoError(t, err)
	b1, err := p.Publish(ctx, models.Event{BidRequestID: "req-b", Type: models.EventRequestCreated})
	require.NoError(t, err)

	require.Equal(t, int64(1), a1.Seq)
	require.Equal(t, int64(2), a2.Seq)
	require.Equal(t, int64(1), b1.Seq)
}

func TestSubscribeBackfillsThenTails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, _ := newPublisher(t)

	require.NoError(t, p.Emit(ctx, "req-1", models.EventRequestCreated, ""))
	require.NoError(t, p.EmitBid(ctx, "req-1", models.EventBidPlaced, 1275000, true, "bid placed"))

	ch := p.Subscribe(ctx, "req-1", 0)
	got := collect(t, ch, 2)
	require.Equal(t, models.EventRequestCreated, got[0].Type)
	require.Equal(t, models.EventBidPlaced, got[1].Type)
	require.NotNil(t, got[1].Amount)
	require.Equal(t, int64(1275000), *got[1].Amount)

	// A live event after subscribing arrives in order.
	require.NoError(t, p.Emit(ctx, "req-1", models.EventRequestWon, "auction closed"))
	live := collect(t, ch, 1)
	require.Equal(t, models.EventRequestWon, live[0].Type)
	require.Equal(t, int64(3), live[0].Seq)
}

func TestSubscribeFromSeqSkipsOldEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, _ := newPublisher(t)

	require.NoError(t, p.Emit(ctx, "req-1", models.EventRequestCreated, ""))
	require.NoError(t, p.Emit(ctx, "req-1", models.EventTaskQueued, ""))
	require.NoError(t, p.Emit(ctx, "req-1", models.EventTaskExecuting, ""))

	ch := p.Subscribe(ctx, "req-1", 2)
	got := collect(t, ch, 1)
	require.Equal(t, int64(3), got[0].Seq)
	require.Equal(t, models.EventTaskExecuting, got[0].Type)
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	p, _ := newPublisher(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch := p.Subscribe(ctx, "req-1", 0)
	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not close after cancel")
	}
}

func TestEventsSurviveStreamLoss(t *testing.T) {
	// The durable log is authoritative; a wiped stream still backfills.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewMemory()
	p := New(Options{Store: st, Redis: rdb, PollInterval: 10 * time.Millisecond})

	require.NoError(t, p.Emit(ctx, "req-1", models.EventRequestCreated, ""))
	mr.FlushAll()

	ch := p.Subscribe(ctx, "req-1", 0)
	got := collect(t, ch, 1)
	require.Equal(t, models.EventRequestCreated, got[0].Type)
}
