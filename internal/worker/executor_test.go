package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"proxy-bid-engine/internal/models"
	"proxy-bid-engine/internal/platform"
	"proxy-bid-engine/internal/publisher"
	"proxy-bid-engine/internal/queue"
	"proxy-bid-engine/internal/relay"
	"proxy-bid-engine/internal/scheduler"
	"proxy-bid-engine/internal/store"
	"proxy-bid-engine/internal/vault"
)

const vaultKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// scriptedAdapter lets each test decide how the platform behaves.
type scriptedAdapter struct {
	mu         sync.Mutex
	loginFn    func(platform.Credentials) (*platform.Session, error)
	completeFn func(platform.PendingLogin, string) (*platform.Session, error)
	stateFn    func() (platform.ListingState, error)
	bidFn      func(amount int64) (platform.BidOutcome, error)
	bids       []int64
}

func (a *scriptedAdapter) Platform() string { return "fakesite" }

func (a *scriptedAdapter) Login(_ context.Context, creds platform.Credentials) (*platform.Session, error) {
	if a.loginFn != nil {
		return a.loginFn(creds)
	}
	return liveSession(), nil
}

func (a *scriptedAdapter) CompleteTwoFactor(_ context.Context, pending platform.PendingLogin, code string) (*platform.Session, error) {
	if a.completeFn != nil {
		return a.completeFn(pending, code)
	}
	return liveSession(), nil
}

func (a *scriptedAdapter) CurrentState(context.Context, *platform.Session, string) (platform.ListingState, error) {
	if a.stateFn != nil {
		return a.stateFn()
	}
	return openListing(1200000, 25000), nil
}

func (a *scriptedAdapter) PlaceBid(_ context.Context, _ *platform.Session, _ string, amount int64) (platform.BidOutcome, error) {
	a.mu.Lock()
	a.bids = append(a.bids, amount)
	n := len(a.bids)
	a.mu.Unlock()
	if a.bidFn != nil {
		return a.bidWithCount(amount, n)
	}
	return platform.BidOutcome{Accepted: true, NewCurrentBid: amount, IsCallerHighBidder: true}, nil
}

func (a *scriptedAdapter) bidWithCount(amount int64, _ int) (platform.BidOutcome, error) {
	return a.bidFn(amount)
}

func (a *scriptedAdapter) bidCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bids)
}

func liveSession() *platform.Session {
	return &platform.Session{Platform: "fakesite", Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}
}

func openListing(currentBid, increment int64) platform.ListingState {
	return platform.ListingState{
		CurrentBid:   currentBid,
		MinIncrement: increment,
		EndsAt:       time.Now().Add(time.Hour),
		Open:         true,
	}
}

type fixture struct {
	pool    *Pool
	store   *store.Memory
	queue   *queue.RedisQueue
	vault   *vault.Vault
	relay   *relay.Relay
	pub     *publisher.Publisher
	adapter *scriptedAdapter
}

func newFixture(t *testing.T, twoFactorTTL time.Duration) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.NewMemory()
	q := queue.NewRedisQueue(queue.Options{Client: rdb})
	v, err := vault.New(st, vaultKey)
	require.NoError(t, err)
	if twoFactorTTL == 0 {
		twoFactorTTL = time.Minute
	}
	rl := relay.New(st, rdb, twoFactorTTL)
	pub := publisher.New(publisher.Options{Store: st, Redis: rdb, PollInterval: 10 * time.Millisecond})
	adapter := &scriptedAdapter{}
	reg := platform.NewRegistry()
	reg.Register(adapter)

	pool := NewPool(st, q, v, rl, reg, pub, Options{
		AdapterTimeout: 5 * time.Second,
		TwoFactorTTL:   twoFactorTTL,
	})
	return &fixture{pool: pool, store: st, queue: q, vault: v, relay: rl, pub: pub, adapter: adapter}
}

func (f *fixture) seedCredential(t *testing.T, withSession bool) {
	t.Helper()
	creds := platform.Credentials{Username: "jeff@example.com", Password: "hunter2"}
	if withSession {
		creds.Session = liveSession()
	}
	_, err := f.vault.Store(context.Background(), "user-1", "fakesite", creds, time.Now().Add(time.Hour))
	require.NoError(t, err)
}

func (f *fixture) seedRequest(t *testing.T, maxBid int64) models.BidRequest {
	t.Helper()
	r, err := f.store.CreateBidRequest(context.Background(), store.CreateBidRequestParams{
		UserID:        "user-1",
		ListingRef:    "1972-chevrolet-k5-blazer",
		Platform:      "fakesite",
		MaxBidAmount:  maxBid,
		Strategy:      models.StrategyMatchIncrement,
		AuctionEndsAt: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) seedTask(t *testing.T, requestID string, attempt, maxAttempts int) models.ExecutionTask {
	t.Helper()
	task, err := f.store.CreateTask(context.Background(), requestID, time.Now().UTC(), attempt, maxAttempts)
	require.NoError(t, err)
	return task
}

func TestExecutePlacesBidAtMinimumIncrement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.seedCredential(t, true)
	r := f.seedRequest(t, 1500000)
	task := f.seedTask(t, r.ID, 1, 3)

	require.NoError(t, f.pool.Execute(ctx, task.ID, "w1"))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskCompleted, got.Status)
	require.NotNil(t, got.AmountPlaced)
	require.Equal(t, int64(1225000), *got.AmountPlaced)
	require.Equal(t, 1, f.adapter.bidCount())

	req, err := f.store.GetBidRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.RequestWinning, req.Status)
	require.Equal(t, int64(1225000), req.CurrentExternalBid)

	events, err := f.store.EventsFor(ctx, r.ID, 0)
	require.NoError(t, err)
	types := eventTypes(events)
	require.Contains(t, types, models.EventBidPlaced)
	require.Contains(t, types, models.EventTaskCompleted)
}

func TestRacingWorkersPlaceExactlyOneBid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.seedCredential(t, true)
	r := f.seedRequest(t, 1500000)
	task := f.seedTask(t, r.ID, 1, 3)

	errs := make(chan error, 2)
	for _, id := range []string{"w1", "w2"} {
		go func(workerID string) {
			errs <- f.pool.Execute(ctx, task.ID, workerID)
		}(id)
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	require.Equal(t, 1, f.adapter.bidCount(), "exactly one worker may act on a task")
	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskCompleted, got.Status)
}

func TestCancellationCheckedBeforePlaceBid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.seedCredential(t, true)
	r := f.seedRequest(t, 1500000)
	task := f.seedTask(t, r.ID, 1, 3)

	// Cancel the request while the worker is reading listing state.
	f.adapter.stateFn = func() (platform.ListingState, error) {
		_, err := f.store.TransitionBidRequest(ctx, r.ID, models.NonTerminalRequestStatuses,
			models.RequestCancelled, store.RequestFields{})
		require.NoError(t, err)
		return openListing(1200000, 25000), nil
	}

	require.NoError(t, f.pool.Execute(ctx, task.ID, "w1"))

	require.Zero(t, f.adapter.bidCount(), "cancelled request must not reach PlaceBid")
	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskCancelled, got.Status)
}

func TestNextBidOverMaxEndsWithoutBidding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.seedCredential(t, true)
	r := f.seedRequest(t, 1210000)
	task := f.seedTask(t, r.ID, 1, 3)

	require.NoError(t, f.pool.Execute(ctx, task.ID, "w1"))

	require.Zero(t, f.adapter.bidCount())
	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskCompleted, got.Status)
	require.Contains(t, *got.ResultMessage, "exceeds maximum")

	req, err := f.store.GetBidRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.RequestOutbid, req.Status)
	require.Equal(t, int64(1200000), req.CurrentExternalBid)
}

func TestAlreadyHighBidderShortCircuits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.seedCredential(t, true)
	r := f.seedRequest(t, 1500000)
	task := f.seedTask(t, r.ID, 1, 3)

	f.adapter.stateFn = func() (platform.ListingState, error) {
		st := openListing(1200000, 25000)
		st.IsCallerHighBidder = true
		return st, nil
	}

	require.NoError(t, f.pool.Execute(ctx, task.ID, "w1"))

	require.Zero(t, f.adapter.bidCount())
	req, err := f.store.GetBidRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.RequestWinning, req.Status)
}

func TestRetryChainSucceedsOnSecondAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.seedCredential(t, true)
	r := f.seedRequest(t, 1500000)
	task := f.seedTask(t, r.ID, 1, 3)

	f.adapter.bidFn = func(amount int64) (platform.BidOutcome, error) {
		if f.adapter.bidCount() == 1 {
			return platform.BidOutcome{}, &platform.TransientError{Reason: "upstream 502"}
		}
		return platform.BidOutcome{Accepted: true, NewCurrentBid: amount, IsCallerHighBidder: true}, nil
	}

	require.NoError(t, f.pool.Execute(ctx, task.ID, "w1"))

	failed, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskFailed, failed.Status)
	require.True(t, failed.Retryable)

	req, err := f.store.GetBidRequest(ctx, r.ID)
	require.NoError(t, err)
	require.False(t, models.RequestTerminal(req.Status), "one retryable failure must not terminate the request")

	// The scheduler plans the fresh attempt; backoff of zero makes it due now.
	sched := scheduler.New(f.store, f.queue, f.pub, registryWith(f.adapter), scheduler.Options{
		BackoffInitial: time.Nanosecond,
		BackoffMax:     time.Nanosecond,
		MaxAttempts:    3,
		PollInterval:   time.Hour,
	})
	sched.Tick(ctx, time.Now().UTC().Add(time.Second))

	retry, found, err := f.store.LatestTask(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 2, retry.Attempt)
	require.Equal(t, models.TaskQueued, retry.Status)

	require.NoError(t, f.pool.Execute(ctx, retry.ID, "w2"))

	done, err := f.store.GetTask(ctx, retry.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskCompleted, done.Status)
	req, err = f.store.GetBidRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.RequestWinning, req.Status)
	require.Equal(t, 2, f.adapter.bidCount())
}

func TestBelowMinimumRejectionIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.seedCredential(t, true)
	r := f.seedRequest(t, 1500000)
	task := f.seedTask(t, r.ID, 1, 3)

	f.adapter.bidFn = func(int64) (platform.BidOutcome, error) {
		return platform.BidOutcome{}, platform.ErrBelowMinimum
	}

	require.NoError(t, f.pool.Execute(ctx, task.ID, "w1"))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskFailed, got.Status)
	require.False(t, got.Retryable, "a below-minimum rejection ends the chain")

	req, err := f.store.GetBidRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.RequestFailed, req.Status)
	require.NotNil(t, req.FailureReason)
	require.Equal(t, platform.ErrBelowMinimum.Error(), *req.FailureReason)
}

func TestCrashedWorkerTaskIsReclaimedAndReExecuted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.seedCredential(t, true)
	r := f.seedRequest(t, 1500000)
	task := f.seedTask(t, r.ID, 1, 3)

	require.NoError(t, f.queue.Enqueue(ctx, task.ID, time.Now().Add(-time.Second)))
	id, err := f.queue.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, task.ID, id)

	// The worker claims the task and dies before finishing it.
	deadWorker := "w-dead"
	_, err = f.store.TransitionTask(ctx, task.ID, []string{models.TaskQueued}, models.TaskLocked,
		store.TaskFields{WorkerID: &deadWorker})
	require.NoError(t, err)

	// Past the visibility deadline the tick reclaims the lease and returns the
	// task to queued so it can be claimed again.
	sched := scheduler.New(f.store, f.queue, f.pub, registryWith(f.adapter),
		scheduler.Options{PollInterval: time.Hour})
	sched.Tick(ctx, time.Now().UTC().Add(2*time.Minute))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskQueued, got.Status)

	id, err = f.queue.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, task.ID, id)

	require.NoError(t, f.pool.Execute(ctx, task.ID, "w2"))

	done, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskCompleted, done.Status)
	require.Equal(t, 1, f.adapter.bidCount())
}

func TestNonRetryableFailureTerminatesRequestVerbatim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.seedCredential(t, true)
	r := f.seedRequest(t, 1500000)
	task := f.seedTask(t, r.ID, 1, 3)

	f.adapter.bidFn = func(int64) (platform.BidOutcome, error) {
		return platform.BidOutcome{}, errors.New("account suspended pending review")
	}

	require.NoError(t, f.pool.Execute(ctx, task.ID, "w1"))

	req, err := f.store.GetBidRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.RequestFailed, req.Status)
	require.NotNil(t, req.FailureReason)
	require.Equal(t, "account suspended pending review", *req.FailureReason)
}

func TestExhaustedAttemptsDeadLetter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.seedCredential(t, true)
	r := f.seedRequest(t, 1500000)
	task := f.seedTask(t, r.ID, 3, 3)

	f.adapter.bidFn = func(int64) (platform.BidOutcome, error) {
		return platform.BidOutcome{}, &platform.TransientError{Reason: "upstream 503"}
	}

	require.NoError(t, f.pool.Execute(ctx, task.ID, "w1"))

	req, err := f.store.GetBidRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.RequestFailed, req.Status)

	dead, err := f.queue.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Contains(t, dead, task.ID)
}

func TestTwoFactorTimeoutFailsRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100*time.Millisecond)
	f.seedCredential(t, false)
	r := f.seedRequest(t, 1500000)
	task := f.seedTask(t, r.ID, 1, 3)

	f.adapter.loginFn = func(platform.Credentials) (*platform.Session, error) {
		return nil, &platform.TwoFactorRequired{
			Method:  models.MethodEmail,
			Hint:    "j***@example.com",
			Pending: platform.PendingLogin{Platform: "fakesite", Token: "chal-token"},
		}
	}

	require.NoError(t, f.pool.Execute(ctx, task.ID, "w1"))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskFailed, got.Status)
	require.True(t, got.Retryable)
	require.Contains(t, *got.LastError, "authentication timed out")

	require.Zero(t, f.adapter.bidCount())
	req, err := f.store.GetBidRequest(ctx, r.ID)
	require.NoError(t, err)
	require.False(t, models.RequestTerminal(req.Status))
}

func TestTwoFactorCodeUnblocksBid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	f.seedCredential(t, false)
	r := f.seedRequest(t, 1500000)
	task := f.seedTask(t, r.ID, 1, 3)

	f.adapter.loginFn = func(platform.Credentials) (*platform.Session, error) {
		return nil, &platform.TwoFactorRequired{
			Method:  models.MethodSMS,
			Hint:    "***-1234",
			Pending: platform.PendingLogin{Platform: "fakesite", Token: "chal-token"},
		}
	}
	f.adapter.completeFn = func(pending platform.PendingLogin, code string) (*platform.Session, error) {
		require.Equal(t, "chal-token", pending.Token)
		require.Equal(t, "281736", code)
		return liveSession(), nil
	}

	done := make(chan error, 1)
	go func() { done <- f.pool.Execute(ctx, task.ID, "w1") }()

	challengeID := waitForChallenge(t, f.store, r.ID)
	_, err := f.relay.SubmitCode(ctx, challengeID, "281736")
	require.NoError(t, err)
	require.NoError(t, <-done)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskCompleted, got.Status)
	require.Equal(t, 1, f.adapter.bidCount())

	ch, err := f.store.GetChallenge(ctx, challengeID)
	require.NoError(t, err)
	require.Equal(t, models.ChallengeVerified, ch.Status)

	// The refreshed session was sealed back into the vault.
	rec, creds, err := f.vault.Checkout(ctx, "user-1", "fakesite")
	require.NoError(t, err)
	require.Equal(t, models.CredentialValid, rec.Status)
	require.NotNil(t, creds.Session)
}

func TestBadPasswordFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.seedCredential(t, false)
	r := f.seedRequest(t, 1500000)
	task := f.seedTask(t, r.ID, 1, 3)

	f.adapter.loginFn = func(platform.Credentials) (*platform.Session, error) {
		return nil, platform.ErrAuthFailed
	}

	require.NoError(t, f.pool.Execute(ctx, task.ID, "w1"))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskFailed, got.Status)
	require.False(t, got.Retryable)

	req, err := f.store.GetBidRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.RequestFailed, req.Status)
}

func TestClosedListingCompletesWithoutBid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.seedCredential(t, true)
	r := f.seedRequest(t, 1500000)
	task := f.seedTask(t, r.ID, 1, 3)

	f.adapter.stateFn = func() (platform.ListingState, error) {
		st := openListing(1200000, 25000)
		st.Open = false
		return st, nil
	}

	require.NoError(t, f.pool.Execute(ctx, task.ID, "w1"))

	require.Zero(t, f.adapter.bidCount())
	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskCompleted, got.Status)

	// Settlement is the scheduler's job; the request stays non-terminal here.
	req, err := f.store.GetBidRequest(ctx, r.ID)
	require.NoError(t, err)
	require.False(t, models.RequestTerminal(req.Status))
}

func eventTypes(events []models.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func registryWith(a platform.Adapter) *platform.Registry {
	reg := platform.NewRegistry()
	reg.Register(a)
	return reg
}

// waitForChallenge polls the published events for the challenge id announced
// by two_factor_required.
func waitForChallenge(t *testing.T, st *store.Memory, bidRequestID string) string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		events, err := st.EventsFor(context.Background(), bidRequestID, 0)
		require.NoError(t, err)
		for _, ev := range events {
			if ev.Type != models.EventTwoFactorRequired {
				continue
			}
			fields := strings.Fields(ev.Message)
			if len(fields) >= 2 && fields[0] == "challenge" {
				return fields[1]
			}
		}
		select {
		case <-deadline:
			t.Fatal("no two_factor_required event observed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
