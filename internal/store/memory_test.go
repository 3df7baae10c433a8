package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proxy-bid-engine/internal/models"
)

func newRequest(t *testing.T, m *Memory) models.BidRequest {
	t.Helper()
	r, err := m.CreateBidRequest(context.Background(), CreateBidRequestParams{
		UserID:        "user1",
		ListingRef:    "https://bringatrailer.com/listing/1972-blazer/",
		Platform:      "bringatrailer",
		MaxBidAmount:  500000,
		Strategy:      models.StrategyMatchIncrement,
		AuctionEndsAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return r
}

func TestCreateBidRequest_Validation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.CreateBidRequest(ctx, CreateBidRequestParams{UserID: "u", ListingRef: "l", MaxBidAmount: 0})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = m.CreateBidRequest(ctx, CreateBidRequestParams{UserID: "u", ListingRef: "l", MaxBidAmount: -100})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCreateBidRequest_DuplicateActive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r := newRequest(t, m)

	_, err := m.CreateBidRequest(ctx, CreateBidRequestParams{
		UserID:        r.UserID,
		ListingRef:    r.ListingRef,
		Platform:      r.Platform,
		MaxBidAmount:  600000,
		Strategy:      models.StrategySnipeAtClose,
		AuctionEndsAt: r.AuctionEndsAt,
	})
	require.ErrorIs(t, err, ErrDuplicateActiveRequest)

	// After the first request terminates, a new one is allowed.
	_, err = m.TransitionBidRequest(ctx, r.ID, models.NonTerminalRequestStatuses, models.RequestCancelled, RequestFields{})
	require.NoError(t, err)

	_, err = m.CreateBidRequest(ctx, CreateBidRequestParams{
		UserID:        r.UserID,
		ListingRef:    r.ListingRef,
		Platform:      r.Platform,
		MaxBidAmount:  600000,
		Strategy:      models.StrategySnipeAtClose,
		AuctionEndsAt: r.AuctionEndsAt,
	})
	require.NoError(t, err)
}

func TestTransitionBidRequest_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r := newRequest(t, m)

	_, err := m.TransitionBidRequest(ctx, r.ID, []string{models.RequestActive}, models.RequestWinning, RequestFields{})
	require.ErrorIs(t, err, ErrStaleState)

	got, err := m.TransitionBidRequest(ctx, r.ID, []string{models.RequestPending}, models.RequestScheduled, RequestFields{})
	require.NoError(t, err)
	require.Equal(t, models.RequestScheduled, got.Status)

	_, err = m.TransitionBidRequest(ctx, "missing", []string{models.RequestPending}, models.RequestScheduled, RequestFields{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionBidRequest_TerminalImmutable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r := newRequest(t, m)

	amount := int64(450000)
	now := time.Now().UTC()
	won, err := m.TransitionBidRequest(ctx, r.ID, models.NonTerminalRequestStatuses, models.RequestWon, RequestFields{
		FinalBidAmount: &amount,
		WonAt:          &now,
	})
	require.NoError(t, err)
	require.Equal(t, models.RequestWon, won.Status)
	require.NotNil(t, won.FinalBidAmount)
	require.Equal(t, amount, *won.FinalBidAmount)

	// Any further transition is rejected, even with won in the from set.
	_, err = m.TransitionBidRequest(ctx, r.ID, []string{models.RequestWon}, models.RequestFailed, RequestFields{})
	require.ErrorIs(t, err, ErrTerminal)
}

func TestTransitionTask_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r := newRequest(t, m)

	task, err := m.CreateTask(ctx, r.ID, time.Now(), 1, 3)
	require.NoError(t, err)
	require.Equal(t, models.TaskQueued, task.Status)

	// First lock wins.
	_, err = m.TransitionTask(ctx, task.ID, []string{models.TaskQueued}, models.TaskLocked, TaskFields{})
	require.NoError(t, err)

	// Second lock attempt observes stale state.
	_, err = m.TransitionTask(ctx, task.ID, []string{models.TaskQueued}, models.TaskLocked, TaskFields{})
	require.ErrorIs(t, err, ErrStaleState)

	_, err = m.TransitionTask(ctx, task.ID, []string{models.TaskLocked}, models.TaskExecuting, TaskFields{})
	require.NoError(t, err)

	msg := "bid placed"
	done, err := m.TransitionTask(ctx, task.ID, []string{models.TaskExecuting}, models.TaskCompleted, TaskFields{ResultMessage: &msg})
	require.NoError(t, err)
	require.Equal(t, models.TaskCompleted, done.Status)

	_, err = m.TransitionTask(ctx, task.ID, []string{models.TaskCompleted}, models.TaskFailed, TaskFields{})
	require.ErrorIs(t, err, ErrTerminal)
}

func TestHasOpenTask(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r := newRequest(t, m)

	open, err := m.HasOpenTask(ctx, r.ID)
	require.NoError(t, err)
	require.False(t, open)

	task, err := m.CreateTask(ctx, r.ID, time.Now(), 1, 3)
	require.NoError(t, err)

	open, err = m.HasOpenTask(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, open)

	reason := "boom"
	_, err = m.TransitionTask(ctx, task.ID, OpenTaskStatuses, models.TaskFailed, TaskFields{LastError: &reason})
	require.NoError(t, err)

	open, err = m.HasOpenTask(ctx, r.ID)
	require.NoError(t, err)
	require.False(t, open)
}

func TestAppendEvent_SequencePerRequest(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r1 := newRequest(t, m)

	r2, err := m.CreateBidRequest(ctx, CreateBidRequestParams{
		UserID:        "user2",
		ListingRef:    "https://carsandbids.com/auctions/abc/",
		Platform:      "carsandbids",
		MaxBidAmount:  100000,
		Strategy:      models.StrategySnipeAtClose,
		AuctionEndsAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	e1, err := m.AppendEvent(ctx, models.Event{BidRequestID: r1.ID, Type: models.EventRequestCreated})
	require.NoError(t, err)
	e2, err := m.AppendEvent(ctx, models.Event{BidRequestID: r1.ID, Type: models.EventTaskQueued})
	require.NoError(t, err)
	e3, err := m.AppendEvent(ctx, models.Event{BidRequestID: r2.ID, Type: models.EventRequestCreated})
	require.NoError(t, err)

	require.Equal(t, int64(1), e1.Seq)
	require.Equal(t, int64(2), e2.Seq)
	require.Equal(t, int64(1), e3.Seq)

	evs, err := m.EventsFor(ctx, r1.ID, 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, models.EventTaskQueued, evs[0].Type)
}
