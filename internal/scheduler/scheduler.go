// Package scheduler decides when each bid request acts. It runs a fixed tick
// that plans execution tasks, settles closed auctions, reclaims expired queue
// leases, and periodically refreshes external auction state to detect being
// outbid. Workers never make scheduling decisions; they only execute tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"proxy-bid-engine/internal/models"
	"proxy-bid-engine/internal/platform"
	"proxy-bid-engine/internal/publisher"
	"proxy-bid-engine/internal/queue"
	"proxy-bid-engine/internal/store"
	"proxy-bid-engine/internal/telemetry"
)

// Options tune the scheduler. Zero values fall back to conservative defaults.
type Options struct {
	TickInterval   time.Duration
	SnipeBuffer    time.Duration
	PollInterval   time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BatchSize      int64
}

func (o *Options) withDefaults() {
	if o.TickInterval == 0 {
		o.TickInterval = 15 * time.Second
	}
	if o.SnipeBuffer == 0 {
		o.SnipeBuffer = 10 * time.Second
	}
	if o.PollInterval == 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffInitial == 0 {
		o.BackoffInitial = 2 * time.Second
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.BatchSize == 0 {
		o.BatchSize = 100
	}
}

// Scheduler plans execution tasks for eligible bid requests.
type Scheduler struct {
	store    store.Store
	queue    *queue.RedisQueue
	pub      *publisher.Publisher
	registry *platform.Registry
	opts     Options
	log      *logrus.Entry

	lastPoll time.Time
}

// New builds a scheduler.
func New(st store.Store, q *queue.RedisQueue, pub *publisher.Publisher, reg *platform.Registry, opts Options) *Scheduler {
	opts.withDefaults()
	return &Scheduler{
		store:    st,
		queue:    q,
		pub:      pub,
		registry: reg,
		opts:     opts,
		log:      logrus.WithField("component", "scheduler"),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	s.log.WithField("tick_interval", s.opts.TickInterval.String()).Info("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick runs one scheduling pass at the given instant. The instant is
// injectable so tests can drive time.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	if promoted, err := s.queue.PromoteScheduled(ctx, now, s.opts.BatchSize); err != nil {
		s.log.WithError(err).Warn("promote scheduled tasks")
	} else if promoted > 0 {
		s.log.WithField("count", promoted).Debug("promoted scheduled tasks")
	}
	if reclaimed, err := s.queue.RequeueExpired(ctx, now, s.opts.BatchSize); err != nil {
		s.log.WithError(err).Warn("requeue expired leases")
	} else if len(reclaimed) > 0 {
		for _, taskID := range reclaimed {
			s.resetReclaimed(ctx, taskID)
		}
		s.log.WithField("count", len(reclaimed)).Warn("reclaimed expired task leases")
	}

	requests, err := s.store.ListEligible(ctx, now)
	if err != nil {
		s.log.WithError(err).Error("list eligible requests")
		return
	}
	requests = s.resolveDuplicates(ctx, requests)

	pollDue := now.Sub(s.lastPoll) >= s.opts.PollInterval
	if pollDue {
		s.lastPoll = now
	}

	for _, r := range requests {
		if !r.AuctionEndsAt.After(now) {
			s.settle(ctx, r, now)
			continue
		}
		if pollDue {
			r = s.refreshState(ctx, r)
		}
		s.plan(ctx, r, now)
	}
	s.observeDepth(ctx)
}

// resetReclaimed returns a task orphaned in locked/executing by a dead worker
// to queued, so the next claim on the requeued id can succeed. An expired
// lease means the worker lost ownership; the visibility timeout must outlast
// normal execution.
func (s *Scheduler) resetReclaimed(ctx context.Context, taskID string) {
	noWorker := ""
	_, err := s.store.TransitionTask(ctx, taskID, []string{models.TaskLocked, models.TaskExecuting},
		models.TaskQueued, store.TaskFields{WorkerID: &noWorker})
	if err != nil && !errors.Is(err, store.ErrStaleState) && !errors.Is(err, store.ErrTerminal) && !errors.Is(err, store.ErrNotFound) {
		s.log.WithError(err).WithField("task_id", taskID).Warn("reset reclaimed task")
	}
}

// resolveDuplicates cancels all but the newest request when one user somehow
// holds several live requests on the same listing. The store's unique index
// prevents this normally; this covers rows created before the index existed.
func (s *Scheduler) resolveDuplicates(ctx context.Context, requests []models.BidRequest) []models.BidRequest {
	newest := make(map[string]models.BidRequest, len(requests))
	for _, r := range requests {
		key := r.UserID + "\x00" + r.ListingRef
		if prev, ok := newest[key]; !ok || r.CreatedAt.After(prev.CreatedAt) {
			newest[key] = r
		}
	}

	kept := requests[:0]
	for _, r := range requests {
		key := r.UserID + "\x00" + r.ListingRef
		if newest[key].ID == r.ID {
			kept = append(kept, r)
			continue
		}
		s.cancelRequest(ctx, r, "superseded by a newer request on the same listing")
	}
	return kept
}

func (s *Scheduler) cancelRequest(ctx context.Context, r models.BidRequest, reason string) {
	_, err := s.store.TransitionBidRequest(ctx, r.ID, models.NonTerminalRequestStatuses,
		models.RequestCancelled, store.RequestFields{FailureReason: &reason})
	if err != nil {
		if !errors.Is(err, store.ErrTerminal) && !errors.Is(err, store.ErrStaleState) {
			s.log.WithError(err).WithField("bid_request_id", r.ID).Warn("cancel duplicate request")
		}
		return
	}
	if latest, found, err := s.store.LatestTask(ctx, r.ID); err == nil && found && !models.TaskTerminal(latest.Status) {
		_, _ = s.store.TransitionTask(ctx, latest.ID, store.OpenTaskStatuses, models.TaskCancelled, store.TaskFields{})
		_ = s.queue.Cancel(ctx, latest.ID)
	}
	if err := s.pub.Emit(ctx, r.ID, models.EventRequestCancelled, reason); err != nil {
		s.log.WithError(err).WithField("bid_request_id", r.ID).Warn("publish cancellation")
	}
}

// settle closes out a request whose auction has ended.
func (s *Scheduler) settle(ctx context.Context, r models.BidRequest, now time.Time) {
	open, err := s.store.HasOpenTask(ctx, r.ID)
	if err != nil {
		s.log.WithError(err).WithField("bid_request_id", r.ID).Warn("check open task before settlement")
		return
	}
	if open {
		// A task is still in flight, likely the snipe itself. Settle on a
		// later tick once it finishes.
		return
	}

	log := s.log.WithField("bid_request_id", r.ID)
	if r.Status == models.RequestWinning {
		final := r.CurrentExternalBid
		if final == 0 {
			if latest, found, err := s.store.LatestTask(ctx, r.ID); err == nil && found && latest.AmountPlaced != nil {
				final = *latest.AmountPlaced
			}
		}
		_, err := s.store.TransitionBidRequest(ctx, r.ID, models.NonTerminalRequestStatuses,
			models.RequestWon, store.RequestFields{FinalBidAmount: &final, WonAt: &now})
		if err != nil {
			log.WithError(err).Warn("settle request as won")
			return
		}
		if err := s.pub.EmitBid(ctx, r.ID, models.EventRequestWon, final, true, "auction closed with our bid on top"); err != nil {
			log.WithError(err).Warn("publish won event")
		}
		log.WithField("final_bid_amount", final).Info("request won")
		return
	}

	_, err = s.store.TransitionBidRequest(ctx, r.ID, models.NonTerminalRequestStatuses,
		models.RequestLost, store.RequestFields{})
	if err != nil {
		log.WithError(err).Warn("settle request as lost")
		return
	}
	if err := s.pub.Emit(ctx, r.ID, models.EventRequestLost, "auction closed"); err != nil {
		log.WithError(err).Warn("publish lost event")
	}
	log.Info("request lost")
}

// refreshState re-reads the public listing to keep current_external_bid fresh
// and to notice that a winning request has been outbid.
func (s *Scheduler) refreshState(ctx context.Context, r models.BidRequest) models.BidRequest {
	adapter, err := s.registry.Get(r.Platform)
	if err != nil {
		s.log.WithError(err).WithField("platform", r.Platform).Warn("no adapter for state poll")
		return r
	}
	state, err := adapter.CurrentState(ctx, nil, r.ListingRef)
	if err != nil {
		s.log.WithError(err).WithField("bid_request_id", r.ID).Debug("state poll failed")
		return r
	}
	if state.CurrentBid <= r.CurrentExternalBid {
		return r
	}

	outbid := r.Status == models.RequestWinning && s.exceedsOurBid(ctx, r, state.CurrentBid)
	from := []string{r.Status}
	to := r.Status
	if outbid {
		to = models.RequestOutbid
	}
	updated, err := s.store.TransitionBidRequest(ctx, r.ID, from, to,
		store.RequestFields{CurrentExternalBid: &state.CurrentBid})
	if err != nil {
		return r
	}
	if outbid {
		if err := s.pub.EmitBid(ctx, r.ID, models.EventRequestOutbid, state.CurrentBid, false, "outbid by another bidder"); err != nil {
			s.log.WithError(err).WithField("bid_request_id", r.ID).Warn("publish outbid event")
		}
	}
	return updated
}

func (s *Scheduler) exceedsOurBid(ctx context.Context, r models.BidRequest, externalBid int64) bool {
	latest, found, err := s.store.LatestTask(ctx, r.ID)
	if err != nil || !found || latest.AmountPlaced == nil {
		return true
	}
	return externalBid > *latest.AmountPlaced
}

// plan decides whether the request needs a task right now and creates it.
func (s *Scheduler) plan(ctx context.Context, r models.BidRequest, now time.Time) {
	open, err := s.store.HasOpenTask(ctx, r.ID)
	if err != nil {
		s.log.WithError(err).WithField("bid_request_id", r.ID).Warn("check open task")
		return
	}
	if open {
		return
	}

	latest, found, err := s.store.LatestTask(ctx, r.ID)
	if err != nil {
		s.log.WithError(err).WithField("bid_request_id", r.ID).Warn("load latest task")
		return
	}

	// A failed retryable task continues its chain after backoff.
	if found && latest.Status == models.TaskFailed && latest.Retryable {
		if latest.Attempt >= latest.MaxAttempts {
			// The worker should have terminated the request; nothing to plan.
			return
		}
		base := latest.UpdatedAt
		if latest.FinishedAt != nil {
			base = *latest.FinishedAt
		}
		runAt := base.Add(backoffWithJitter(s.opts.BackoffInitial, s.opts.BackoffMax, latest.Attempt))
		if runAt.Before(now) {
			runAt = now
		}
		telemetry.TasksRetried.Inc()
		s.createTask(ctx, r, runAt, latest.Attempt+1, latest.MaxAttempts)
		return
	}

	runAt, ok := s.nextAction(r, found, latest, now)
	if !ok {
		return
	}
	s.createTask(ctx, r, runAt, 1, s.opts.MaxAttempts)
}

// nextAction applies the bidding strategy. A returned instant starts a fresh
// attempt chain; ok=false means the request needs nothing this tick.
func (s *Scheduler) nextAction(r models.BidRequest, attempted bool, latest models.ExecutionTask, now time.Time) (time.Time, bool) {
	respondToOutbid := r.Status == models.RequestOutbid &&
		attempted && latest.Status == models.TaskCompleted &&
		r.CurrentExternalBid < r.MaxBidAmount

	switch r.Strategy {
	case models.StrategySnipeAtClose:
		if !attempted {
			runAt := r.AuctionEndsAt.Add(-s.opts.SnipeBuffer)
			if runAt.Before(now) {
				runAt = now
			}
			return runAt, true
		}
		// Sniped and got outbid inside the buffer window: respond right away,
		// there is no later moment to wait for.
		if respondToOutbid {
			return now, true
		}
		return time.Time{}, false

	case models.StrategyMatchIncrement, models.StrategyIncrementalLadder:
		if !attempted {
			return now, true
		}
		if respondToOutbid {
			return now, true
		}
		return time.Time{}, false
	}
	return time.Time{}, false
}

func (s *Scheduler) createTask(ctx context.Context, r models.BidRequest, runAt time.Time, attempt, maxAttempts int) {
	task, err := s.store.CreateTask(ctx, r.ID, runAt, attempt, maxAttempts)
	if err != nil {
		s.log.WithError(err).WithField("bid_request_id", r.ID).Error("create execution task")
		return
	}
	if err := s.queue.Enqueue(ctx, task.ID, runAt); err != nil {
		s.log.WithError(err).WithField("task_id", task.ID).Error("enqueue execution task")
		return
	}
	telemetry.TasksEnqueued.Inc()

	// Freshly created requests become scheduled once work exists for them.
	_, err = s.store.TransitionBidRequest(ctx, r.ID, []string{models.RequestPending},
		models.RequestScheduled, store.RequestFields{})
	if err != nil && !errors.Is(err, store.ErrStaleState) && !errors.Is(err, store.ErrTerminal) {
		s.log.WithError(err).WithField("bid_request_id", r.ID).Warn("mark request scheduled")
	}

	if err := s.pub.Emit(ctx, r.ID, models.EventTaskQueued,
		fmt.Sprintf("attempt %d/%d scheduled for %s", attempt, maxAttempts, runAt.UTC().Format(time.RFC3339))); err != nil {
		s.log.WithError(err).WithField("bid_request_id", r.ID).Warn("publish task queued")
	}
	if err := s.store.AppendAudit(ctx, task.ID, "task_queued",
		fmt.Sprintf("attempt=%d run_at=%s", attempt, runAt.UTC().Format(time.RFC3339))); err != nil {
		s.log.WithError(err).WithField("task_id", task.ID).Warn("append audit")
	}

	s.log.WithFields(logrus.Fields{
		"bid_request_id": r.ID,
		"task_id":        task.ID,
		"attempt":        attempt,
		"run_at":         runAt.UTC().Format(time.RFC3339),
		"strategy":       r.Strategy,
	}).Info("task planned")
}

func (s *Scheduler) observeDepth(ctx context.Context) {
	depth, err := s.queue.ReadyDepth(ctx)
	if err != nil {
		return
	}
	telemetry.QueueDepth.Set(float64(depth))
}

// backoffWithJitter doubles the delay per attempt, caps it, and spreads
// retries across [d/2, d) so failing tasks do not thunder back together.
func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
