package store

import (
	"context"
	"errors"
	"time"

	"proxy-bid-engine/internal/models"
)

// Store-level errors. Callers branch on these with errors.Is.
var (
	ErrNotFound               = errors.New("not found")
	ErrStaleState             = errors.New("stale state")
	ErrDuplicateActiveRequest = errors.New("duplicate active bid request")
	ErrInvalidAmount          = errors.New("invalid bid amount")
	ErrTerminal               = errors.New("terminal state is immutable")
)

// CreateBidRequestParams collects inputs required to insert a bid request.
type CreateBidRequestParams struct {
	UserID        string
	ListingRef    string
	Platform      string
	MaxBidAmount  int64
	Strategy      string
	AuctionEndsAt time.Time
}

// RequestFields are the mutable bid request columns a transition may set.
// Nil pointers leave the column untouched.
type RequestFields struct {
	CurrentExternalBid *int64
	FinalBidAmount     *int64
	FailureReason      *string
	WonAt              *time.Time
}

// TaskFields are the mutable execution task columns a transition may set.
type TaskFields struct {
	AmountPlaced   *int64
	IsHighBidder   *bool
	ResultMessage  *string
	LastError      *string
	Retryable      *bool
	WorkerID       *string
	ExecutingSince *time.Time
	FinishedAt     *time.Time
}

// Store is the single source of truth and the locking mechanism: all
// cross-worker coordination happens through its atomic compare-and-set
// transitions. There is no shared mutable state between workers.
type Store interface {
	// Bid requests.
	CreateBidRequest(ctx context.Context, p CreateBidRequestParams) (models.BidRequest, error)
	GetBidRequest(ctx context.Context, id string) (models.BidRequest, error)
	// TransitionBidRequest atomically moves a request from any status in
	// fromSet to the target status, applying fields. Returns ErrStaleState
	// when the current status is not in fromSet, ErrTerminal when the
	// request already reached a terminal status.
	TransitionBidRequest(ctx context.Context, id string, fromSet []string, to string, fields RequestFields) (models.BidRequest, error)
	// ListEligible returns every non-terminal request, oldest first. The
	// scheduler decides what each needs: action while the auction is open,
	// settlement once it has closed.
	ListEligible(ctx context.Context, now time.Time) ([]models.BidRequest, error)
	FindActiveRequest(ctx context.Context, userID, listingRef string) (models.BidRequest, bool, error)

	// Execution tasks.
	CreateTask(ctx context.Context, bidRequestID string, scheduledFor time.Time, attempt, maxAttempts int) (models.ExecutionTask, error)
	GetTask(ctx context.Context, id string) (models.ExecutionTask, error)
	TransitionTask(ctx context.Context, id string, fromSet []string, to string, fields TaskFields) (models.ExecutionTask, error)
	LatestTask(ctx context.Context, bidRequestID string) (models.ExecutionTask, bool, error)
	// HasOpenTask reports whether any task for the request is queued,
	// locked, or executing.
	HasOpenTask(ctx context.Context, bidRequestID string) (bool, error)
	TasksFor(ctx context.Context, bidRequestID string) ([]models.ExecutionTask, error)

	// Credential records. Ciphertext is opaque to the store; only the
	// vault opens it.
	GetCredential(ctx context.Context, userID, platform string) (models.CredentialRecord, error)
	GetCredentialByID(ctx context.Context, id string) (models.CredentialRecord, error)
	PutCredential(ctx context.Context, rec models.CredentialRecord) (models.CredentialRecord, error)
	TransitionCredential(ctx context.Context, id string, fromSet []string, to string) (models.CredentialRecord, error)
	UpdateCredentialCiphertext(ctx context.Context, id string, ciphertext []byte, validUntil time.Time, status string) error

	// Two-factor challenges.
	CreateChallenge(ctx context.Context, ch models.TwoFactorChallenge) (models.TwoFactorChallenge, error)
	GetChallenge(ctx context.Context, id string) (models.TwoFactorChallenge, error)
	TransitionChallenge(ctx context.Context, id string, fromSet []string, to string) (models.TwoFactorChallenge, error)

	// Published event log. AppendEvent assigns the per-request sequence.
	AppendEvent(ctx context.Context, ev models.Event) (models.Event, error)
	EventsFor(ctx context.Context, bidRequestID string, fromSeq int64) ([]models.Event, error)

	AppendAudit(ctx context.Context, taskID, event, detail string) error
}

// OpenTaskStatuses is the set a request may hold at most one task in.
var OpenTaskStatuses = []string{models.TaskQueued, models.TaskLocked, models.TaskExecuting}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
