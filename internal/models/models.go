package models

import (
	"time"
)

// BidRequestStatus enumerates lifecycle states persisted in Postgres.
const (
	RequestPending   = "pending"
	RequestScheduled = "scheduled"
	RequestActive    = "active"
	RequestWinning   = "winning"
	RequestOutbid    = "outbid"
	RequestWon       = "won"
	RequestLost      = "lost"
	RequestFailed    = "failed"
	RequestCancelled = "cancelled"
)

// Bidding strategies accepted at request creation.
const (
	StrategyMatchIncrement    = "match_increment"
	StrategySnipeAtClose      = "snipe_at_close"
	StrategyIncrementalLadder = "incremental_ladder"
)

// RequestTerminal reports whether a bid request status is final.
func RequestTerminal(status string) bool {
	switch status {
	case RequestWon, RequestLost, RequestFailed, RequestCancelled:
		return true
	}
	return false
}

// NonTerminalRequestStatuses is the set of statuses a live request can hold.
var NonTerminalRequestStatuses = []string{
	RequestPending, RequestScheduled, RequestActive, RequestWinning, RequestOutbid,
}

// BidRequest is a user's standing instruction to bid up to a maximum on an
// external listing. MaxBidAmount is immutable after creation; FinalBidAmount
// is set only when the request terminates as won. Amounts are minor currency
// units (cents).
type BidRequest struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	ListingRef         string     `json:"listing_ref"`
	Platform           string     `json:"platform"`
	MaxBidAmount       int64      `json:"max_bid_amount"`
	Strategy           string     `json:"strategy"`
	Status             string     `json:"status"`
	CurrentExternalBid int64      `json:"current_external_bid"`
	FinalBidAmount     *int64     `json:"final_bid_amount,omitempty"`
	AuctionEndsAt      time.Time  `json:"auction_ends_at"`
	FailureReason      *string    `json:"failure_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	WonAt              *time.Time `json:"won_at,omitempty"`
}

// ExecutionTask statuses. queued -> locked -> executing -> terminal.
const (
	TaskQueued    = "queued"
	TaskLocked    = "locked"
	TaskExecuting = "executing"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// TaskTerminal reports whether a task status is final.
func TaskTerminal(status string) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// ExecutionTask is one concrete attempt to act on a BidRequest. Attempt is the
// 1-based ordinal within the request's retry chain; a retry is always a fresh
// task, never an in-place re-run.
type ExecutionTask struct {
	ID             string     `json:"id"`
	BidRequestID   string     `json:"bid_request_id"`
	ScheduledFor   time.Time  `json:"scheduled_for"`
	Status         string     `json:"status"`
	Attempt        int        `json:"attempt"`
	MaxAttempts    int        `json:"max_attempts"`
	AmountPlaced   *int64     `json:"amount_placed,omitempty"`
	IsHighBidder   *bool      `json:"is_high_bidder,omitempty"`
	ResultMessage  *string    `json:"result_message,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	Retryable      bool       `json:"retryable"`
	WorkerID       *string    `json:"worker_id,omitempty"`
	ExecutingSince *time.Time `json:"executing_since,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CredentialRecord statuses.
const (
	CredentialValid    = "valid"
	CredentialExpired  = "expired"
	CredentialRevoked  = "revoked"
	CredentialNeeds2FA = "needs_2fa"
)

// CredentialRecord holds per-user per-platform login material, sealed at rest.
// Ciphertext is only opened inside the vault.
type CredentialRecord struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Platform   string    `json:"platform"`
	Ciphertext []byte    `json:"-"`
	Status     string    `json:"status"`
	ValidUntil time.Time `json:"valid_until"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TwoFactorChallenge statuses and methods.
const (
	ChallengePending   = "pending"
	ChallengeSubmitted = "submitted"
	ChallengeVerified  = "verified"
	ChallengeExpired   = "expired"

	MethodTOTP             = "totp"
	MethodSMS              = "sms"
	MethodEmail            = "email"
	MethodSecurityQuestion = "security_question"
)

// TwoFactorChallenge is an ephemeral interactive verification step created
// when a platform login demands a human-supplied code.
type TwoFactorChallenge struct {
	ID           string    `json:"id"`
	CredentialID string    `json:"credential_id"`
	Method       string    `json:"method"`
	Hint         string    `json:"hint"`
	Status       string    `json:"status"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Event types emitted through the status publisher.
const (
	EventRequestCreated    = "bid_request_created"
	EventTaskQueued        = "task_queued"
	EventTaskLocked        = "task_locked"
	EventTaskExecuting     = "task_executing"
	EventBidPlaced         = "bid_placed"
	EventTaskCompleted     = "task_completed"
	EventTaskFailed        = "task_failed"
	EventTwoFactorRequired = "two_factor_required"
	EventTwoFactorVerified = "two_factor_verified"
	EventRequestOutbid     = "bid_request_outbid"
	EventRequestWon        = "bid_request_won"
	EventRequestLost       = "bid_request_lost"
	EventRequestFailed     = "bid_request_failed"
	EventRequestCancelled  = "bid_request_cancelled"
)

// Event is a status transition propagated to subscribers. Delivery is
// at-least-once; subscribers de-duplicate on ID.
type Event struct {
	ID           string    `json:"id"`
	BidRequestID string    `json:"bid_request_id"`
	Seq          int64     `json:"seq"`
	Type         string    `json:"type"`
	Amount       *int64    `json:"amount,omitempty"`
	IsHighBidder *bool     `json:"is_high_bidder,omitempty"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// AuditLog is a simple audit event row appended on every task transition.
type AuditLog struct {
	TaskID   string    `json:"task_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
