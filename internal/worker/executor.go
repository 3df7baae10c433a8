// Package worker executes bid tasks. A fixed pool of goroutines dequeues task
// ids, claims each through the store's compare-and-set transitions, and runs
// the bidding protocol against the platform adapter. Workers share nothing in
// process; the store is the only coordination point.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"proxy-bid-engine/internal/logging"
	"proxy-bid-engine/internal/models"
	"proxy-bid-engine/internal/platform"
	"proxy-bid-engine/internal/publisher"
	"proxy-bid-engine/internal/queue"
	"proxy-bid-engine/internal/relay"
	"proxy-bid-engine/internal/store"
	"proxy-bid-engine/internal/telemetry"
	"proxy-bid-engine/internal/vault"
)

// Options tune the pool.
type Options struct {
	WorkerCount    int
	PollInterval   time.Duration
	AdapterTimeout time.Duration
	TwoFactorTTL   time.Duration
}

func (o *Options) withDefaults() {
	if o.WorkerCount == 0 {
		o.WorkerCount = 4
	}
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}
	if o.AdapterTimeout == 0 {
		o.AdapterTimeout = 20 * time.Second
	}
	if o.TwoFactorTTL == 0 {
		o.TwoFactorTTL = 5 * time.Minute
	}
}

// Pool runs the execution workers.
type Pool struct {
	store    store.Store
	queue    *queue.RedisQueue
	vault    *vault.Vault
	relay    *relay.Relay
	registry *platform.Registry
	pub      *publisher.Publisher
	opts     Options
}

// NewPool builds a worker pool.
func NewPool(st store.Store, q *queue.RedisQueue, v *vault.Vault, rl *relay.Relay, reg *platform.Registry, pub *publisher.Publisher, opts Options) *Pool {
	opts.withDefaults()
	return &Pool{store: st, queue: q, vault: v, relay: rl, registry: reg, pub: pub, opts: opts}
}

// Run starts the pool and blocks until ctx is cancelled and all workers exit.
func (p *Pool) Run(ctx context.Context) {
	host, _ := os.Hostname()
	var wg sync.WaitGroup
	for i := 0; i < p.opts.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runLoop(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (p *Pool) runLoop(ctx context.Context, workerID string) {
	log := logrus.WithField("worker_id", workerID)
	log.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		default:
		}

		taskID, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("dequeue failed")
			taskID = ""
		}
		if taskID == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}
			continue
		}

		telemetry.TasksInFlight.Inc()
		if err := p.Execute(ctx, taskID, workerID); err != nil {
			log.WithError(err).WithField("task_id", taskID).Error("task execution errored")
		}
		telemetry.TasksInFlight.Dec()
	}
}

// Execute runs the bidding protocol for one task. It is exported so tests can
// drive a single task without the dequeue loop.
func (p *Pool) Execute(ctx context.Context, taskID, workerID string) error {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return p.queue.Ack(ctx, taskID)
		}
		return err
	}
	if models.TaskTerminal(task.Status) {
		return p.queue.Ack(ctx, taskID)
	}

	// Claim. Losing this race means another worker owns the task; leave the
	// lease to them and walk away.
	task, err = p.store.TransitionTask(ctx, taskID, []string{models.TaskQueued}, models.TaskLocked,
		store.TaskFields{WorkerID: &workerID})
	if errors.Is(err, store.ErrStaleState) || errors.Is(err, store.ErrTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock task: %w", err)
	}

	log := logging.WithTask(task.ID, task.BidRequestID, workerID)
	_ = p.store.AppendAudit(ctx, task.ID, "task_locked", "worker_id="+workerID)

	req, err := p.store.GetBidRequest(ctx, task.BidRequestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return p.cancelTask(ctx, task, "bid request missing", log)
		}
		return fmt.Errorf("load bid request: %w", err)
	}
	if models.RequestTerminal(req.Status) {
		return p.cancelTask(ctx, task, "request already terminal", log)
	}

	startedAt := time.Now().UTC()
	task, err = p.store.TransitionTask(ctx, taskID, []string{models.TaskLocked}, models.TaskExecuting,
		store.TaskFields{ExecutingSince: &startedAt})
	if err != nil {
		return fmt.Errorf("mark task executing: %w", err)
	}
	_ = p.store.AppendAudit(ctx, task.ID, "task_executing", "")
	if err := p.pub.Emit(ctx, req.ID, models.EventTaskExecuting,
		fmt.Sprintf("attempt %d/%d", task.Attempt, task.MaxAttempts)); err != nil {
		log.WithError(err).Warn("publish executing event")
	}

	outcome := p.runProtocol(ctx, task, req, log)
	return p.finish(ctx, task, req, outcome, log)
}

// protocolOutcome is what one protocol run decided about the task and, when
// set, about the request.
type protocolOutcome struct {
	completed bool
	cancelled bool
	message   string
	retryable bool

	amountPlaced  *int64
	isHighBidder  *bool
	externalBid   *int64
	requestStatus string
}

func (p *Pool) runProtocol(ctx context.Context, task models.ExecutionTask, req models.BidRequest, log *logrus.Entry) protocolOutcome {
	adapter, err := p.registry.Get(req.Platform)
	if err != nil {
		return protocolOutcome{message: err.Error(), retryable: false}
	}

	rec, creds, err := p.vault.Checkout(ctx, req.UserID, req.Platform)
	switch {
	case errors.Is(err, vault.ErrNoCredential):
		return protocolOutcome{message: "no credential on file for " + req.Platform, retryable: false}
	case errors.Is(err, vault.ErrCredentialRevoked):
		return protocolOutcome{message: "credential revoked for " + req.Platform, retryable: false}
	case err != nil:
		return protocolOutcome{message: err.Error(), retryable: true}
	}

	sess, out, ok := p.ensureSession(ctx, adapter, rec, creds, task, req, log)
	if !ok {
		return out
	}

	adCtx, cancel := context.WithTimeout(ctx, p.opts.AdapterTimeout)
	state, err := adapter.CurrentState(adCtx, sess, req.ListingRef)
	cancel()
	if err != nil {
		return p.classify(ctx, rec, err)
	}
	if !state.Open {
		return protocolOutcome{
			completed:   true,
			message:     "listing closed before bid",
			externalBid: &state.CurrentBid,
		}
	}
	if state.IsCallerHighBidder {
		high := true
		return protocolOutcome{
			completed:     true,
			message:       "already the high bidder",
			isHighBidder:  &high,
			externalBid:   &state.CurrentBid,
			requestStatus: models.RequestWinning,
		}
	}

	amount := state.CurrentBid + state.MinIncrement
	if amount > req.MaxBidAmount {
		return protocolOutcome{
			completed:     true,
			message:       fmt.Sprintf("next bid %d exceeds maximum %d", amount, req.MaxBidAmount),
			externalBid:   &state.CurrentBid,
			requestStatus: models.RequestOutbid,
		}
	}

	// Last look before the irreversible part. A cancellation racing past this
	// point cannot retract the bid; that limitation is accepted.
	fresh, err := p.store.GetBidRequest(ctx, req.ID)
	if err != nil {
		return protocolOutcome{message: fmt.Sprintf("recheck bid request: %v", err), retryable: true}
	}
	if models.RequestTerminal(fresh.Status) {
		return protocolOutcome{cancelled: true, message: "request cancelled before bid submission"}
	}

	adCtx, cancel = context.WithTimeout(ctx, p.opts.AdapterTimeout)
	bid, err := adapter.PlaceBid(adCtx, sess, req.ListingRef, amount)
	cancel()
	if err != nil {
		return p.classify(ctx, rec, err)
	}

	telemetry.BidsPlaced.Inc()
	newBid := bid.NewCurrentBid
	if newBid == 0 {
		newBid = amount
	}
	status := models.RequestActive
	if bid.IsCallerHighBidder {
		status = models.RequestWinning
	} else if newBid > amount {
		// A standing proxy bid on the platform immediately topped ours.
		status = models.RequestOutbid
	}
	message := bid.Message
	if message == "" {
		message = "bid placed"
	}
	log.WithFields(logrus.Fields{"amount": amount, "is_high_bidder": bid.IsCallerHighBidder}).Info("bid placed")
	return protocolOutcome{
		completed:     true,
		message:       message,
		amountPlaced:  &amount,
		isHighBidder:  &bid.IsCallerHighBidder,
		externalBid:   &newBid,
		requestStatus: status,
	}
}

// ensureSession returns a live session, logging in (and pausing for 2FA) when
// the vault has none. ok=false means the outcome already decided the task.
func (p *Pool) ensureSession(ctx context.Context, adapter platform.Adapter, rec models.CredentialRecord, creds platform.Credentials, task models.ExecutionTask, req models.BidRequest, log *logrus.Entry) (*platform.Session, protocolOutcome, bool) {
	if creds.Session.Valid(time.Now()) {
		return creds.Session, protocolOutcome{}, true
	}

	adCtx, cancel := context.WithTimeout(ctx, p.opts.AdapterTimeout)
	sess, err := adapter.Login(adCtx, creds)
	cancel()

	var tfr *platform.TwoFactorRequired
	switch {
	case err == nil:
	case errors.As(err, &tfr):
		sess, err = p.completeTwoFactor(ctx, adapter, rec, task, req, tfr, log)
		if err != nil {
			// Auth stalls are retryable until attempts run out; the user can
			// still unblock the credential in time.
			return nil, protocolOutcome{message: err.Error(), retryable: true}, false
		}
	case errors.Is(err, platform.ErrAuthFailed):
		_ = p.vault.Invalidate(ctx, rec.ID)
		return nil, protocolOutcome{message: "platform rejected the stored credentials", retryable: false}, false
	default:
		out := p.classify(ctx, rec, err)
		return nil, out, false
	}

	if err := p.vault.SaveSession(ctx, rec, creds, sess); err != nil {
		log.WithError(err).Warn("persist refreshed session")
	}
	return sess, protocolOutcome{}, true
}

// completeTwoFactor blocks this worker until a human supplies the code or the
// challenge expires.
func (p *Pool) completeTwoFactor(ctx context.Context, adapter platform.Adapter, rec models.CredentialRecord, task models.ExecutionTask, req models.BidRequest, tfr *platform.TwoFactorRequired, log *logrus.Entry) (*platform.Session, error) {
	if err := p.vault.MarkNeedsTwoFactor(ctx, rec.ID); err != nil {
		log.WithError(err).Warn("mark credential needs_2fa")
	}

	ch, waiter, err := p.relay.Open(ctx, rec.ID, tfr.Method, tfr.Hint)
	if err != nil {
		return nil, fmt.Errorf("open two-factor challenge: %w", err)
	}
	defer waiter.Close()

	telemetry.TwoFactorWaits.Inc()
	if err := p.pub.Emit(ctx, req.ID, models.EventTwoFactorRequired,
		fmt.Sprintf("challenge %s via %s (%s)", ch.ID, ch.Method, ch.Hint)); err != nil {
		log.WithError(err).Warn("publish two_factor_required")
	}
	// The human may take minutes; keep the queue lease alive for the wait.
	if err := p.queue.ExtendLease(ctx, task.ID, time.Until(ch.ExpiresAt)+time.Minute); err != nil {
		log.WithError(err).Warn("extend lease for 2fa wait")
	}

	code, err := waiter.Wait(ctx)
	if errors.Is(err, relay.ErrChallengeExpired) {
		return nil, errors.New("authentication timed out waiting for verification code")
	}
	if err != nil {
		return nil, err
	}

	adCtx, cancel := context.WithTimeout(ctx, p.opts.AdapterTimeout)
	sess, err := adapter.CompleteTwoFactor(adCtx, tfr.Pending, code)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("verification code rejected: %w", err)
	}

	if err := p.relay.MarkVerified(ctx, ch.ID); err != nil {
		log.WithError(err).Warn("mark challenge verified")
	}
	if err := p.pub.Emit(ctx, req.ID, models.EventTwoFactorVerified, "verification accepted"); err != nil {
		log.WithError(err).Warn("publish two_factor_verified")
	}
	return sess, nil
}

// classify maps adapter errors to task outcomes.
func (p *Pool) classify(ctx context.Context, rec models.CredentialRecord, err error) protocolOutcome {
	switch {
	case errors.Is(err, platform.ErrListingClosed):
		return protocolOutcome{completed: true, message: "listing closed before bid"}
	case errors.Is(err, platform.ErrSessionExpired):
		_ = p.vault.Invalidate(ctx, rec.ID)
		return protocolOutcome{message: err.Error(), retryable: true}
	case errors.Is(err, platform.ErrBelowMinimum):
		return protocolOutcome{message: err.Error(), retryable: false}
	case platform.IsTransient(err):
		return protocolOutcome{message: err.Error(), retryable: true}
	}
	return protocolOutcome{message: err.Error(), retryable: false}
}

// finish persists the protocol outcome: task transition, request transition,
// events, audit, queue ack.
func (p *Pool) finish(ctx context.Context, task models.ExecutionTask, req models.BidRequest, out protocolOutcome, log *logrus.Entry) error {
	switch {
	case out.cancelled:
		return p.cancelTask(ctx, task, out.message, log)
	case out.completed:
		return p.completeTask(ctx, task, req, out, log)
	}
	return p.failTask(ctx, task, req, out.message, out.retryable, log)
}

func (p *Pool) completeTask(ctx context.Context, task models.ExecutionTask, req models.BidRequest, out protocolOutcome, log *logrus.Entry) error {
	now := time.Now().UTC()
	_, err := p.store.TransitionTask(ctx, task.ID, []string{models.TaskExecuting}, models.TaskCompleted,
		store.TaskFields{
			AmountPlaced:  out.amountPlaced,
			IsHighBidder:  out.isHighBidder,
			ResultMessage: &out.message,
			FinishedAt:    &now,
		})
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	telemetry.TasksCompleted.Inc()
	_ = p.store.AppendAudit(ctx, task.ID, "task_completed", out.message)

	if out.requestStatus != "" {
		_, err = p.store.TransitionBidRequest(ctx, req.ID, models.NonTerminalRequestStatuses,
			out.requestStatus, store.RequestFields{CurrentExternalBid: out.externalBid})
		if err != nil && !errors.Is(err, store.ErrTerminal) {
			log.WithError(err).Warn("transition request after completion")
		}
	} else if out.externalBid != nil {
		_, err = p.store.TransitionBidRequest(ctx, req.ID, []string{req.Status}, req.Status,
			store.RequestFields{CurrentExternalBid: out.externalBid})
		if err != nil && !errors.Is(err, store.ErrStaleState) && !errors.Is(err, store.ErrTerminal) {
			log.WithError(err).Warn("record external bid")
		}
	}

	if out.amountPlaced != nil {
		high := out.isHighBidder != nil && *out.isHighBidder
		if err := p.pub.EmitBid(ctx, req.ID, models.EventBidPlaced, *out.amountPlaced, high, out.message); err != nil {
			log.WithError(err).Warn("publish bid_placed")
		}
	}
	if err := p.pub.Emit(ctx, req.ID, models.EventTaskCompleted, out.message); err != nil {
		log.WithError(err).Warn("publish task_completed")
	}
	return p.queue.Ack(ctx, task.ID)
}

func (p *Pool) cancelTask(ctx context.Context, task models.ExecutionTask, reason string, log *logrus.Entry) error {
	_, err := p.store.TransitionTask(ctx, task.ID, store.OpenTaskStatuses, models.TaskCancelled,
		store.TaskFields{ResultMessage: &reason})
	if err != nil && !errors.Is(err, store.ErrTerminal) {
		log.WithError(err).Warn("cancel task")
	}
	_ = p.store.AppendAudit(ctx, task.ID, "task_cancelled", reason)
	return p.queue.Ack(ctx, task.ID)
}

// failTask records the failure and, when no retry remains, terminates the
// request with the platform's message preserved verbatim.
func (p *Pool) failTask(ctx context.Context, task models.ExecutionTask, req models.BidRequest, message string, retryable bool, log *logrus.Entry) error {
	now := time.Now().UTC()
	_, err := p.store.TransitionTask(ctx, task.ID, store.OpenTaskStatuses, models.TaskFailed,
		store.TaskFields{LastError: &message, Retryable: &retryable, FinishedAt: &now})
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	telemetry.TasksFailed.Inc()
	_ = p.store.AppendAudit(ctx, task.ID, "task_failed", message)
	if err := p.pub.Emit(ctx, req.ID, models.EventTaskFailed, message); err != nil {
		log.WithError(err).Warn("publish task_failed")
	}

	exhausted := task.Attempt >= task.MaxAttempts
	if !retryable || exhausted {
		_, err = p.store.TransitionBidRequest(ctx, req.ID, models.NonTerminalRequestStatuses,
			models.RequestFailed, store.RequestFields{FailureReason: &message})
		if err != nil && !errors.Is(err, store.ErrTerminal) {
			log.WithError(err).Warn("terminate request after failure")
		}
		if err := p.pub.Emit(ctx, req.ID, models.EventRequestFailed, message); err != nil {
			log.WithError(err).Warn("publish bid_request_failed")
		}
		if exhausted {
			telemetry.TasksDeadLetter.Inc()
			if err := p.queue.DLQPush(ctx, task.ID); err != nil {
				log.WithError(err).Warn("push task to dead-letter list")
			}
		}
		log.WithField("retryable", retryable).Warn("request failed")
	}
	return p.queue.Ack(ctx, task.ID)
}
