package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Credentials are the decrypted login material checked out of the vault.
// They exist in plaintext only for the duration of one execution attempt.
type Credentials struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Session  *Session `json:"session,omitempty"`
}

// Session is the authenticated artifact an adapter produces on login and
// reuses on subsequent calls. Serialized into the vault between attempts.
type Session struct {
	Platform  string            `json:"platform"`
	Token     string            `json:"token"`
	Cookies   map[string]string `json:"cookies,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Valid reports whether the session can still be presented.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.Token != "" && now.Before(s.ExpiresAt)
}

// ListingState is a point-in-time read of an external auction listing.
// Amounts are minor currency units.
type ListingState struct {
	CurrentBid         int64
	MinIncrement       int64
	IsCallerHighBidder bool
	EndsAt             time.Time
	Open               bool
}

// BidOutcome is the platform's response to a submitted bid.
type BidOutcome struct {
	Accepted           bool
	NewCurrentBid      int64
	IsCallerHighBidder bool
	Message            string
}

// Adapter errors. Only ErrSessionExpired earns a retry, behind a fresh
// login; the rest end the attempt chain.
var (
	ErrAuthFailed      = errors.New("platform authentication failed")
	ErrSessionExpired  = errors.New("platform session expired")
	ErrBelowMinimum    = errors.New("bid rejected: below minimum increment")
	ErrListingClosed   = errors.New("listing already closed")
	ErrUnknownPlatform = errors.New("unknown platform")
)

// PendingLogin is the opaque continuation handed back when login pauses on a
// two-factor challenge. The adapter that produced it knows how to resume.
type PendingLogin struct {
	Platform string
	Token    string
}

// TwoFactorRequired is returned from Login when the platform demands an
// interactive verification step.
type TwoFactorRequired struct {
	Method  string
	Hint    string
	Pending PendingLogin
}

func (e *TwoFactorRequired) Error() string {
	return fmt.Sprintf("two-factor verification required (%s)", e.Method)
}

// TransientError marks a failure worth retrying: timeouts, rate limiting,
// temporary upstream errors.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient platform error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transient platform error: %s", e.Reason)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether an adapter error should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Adapter is the uniform capability one external auction site implements.
// Each adapter owns its own markup parsing and pacing; the engine core never
// depends on a specific site's structure.
type Adapter interface {
	// Platform returns the identifier requests reference ("bringatrailer").
	Platform() string
	// Login authenticates. May return *TwoFactorRequired or ErrAuthFailed.
	Login(ctx context.Context, creds Credentials) (*Session, error)
	// CompleteTwoFactor resumes a paused login with a human-supplied code.
	CompleteTwoFactor(ctx context.Context, pending PendingLogin, code string) (*Session, error)
	// CurrentState reads the listing. A nil session reads public data only
	// (IsCallerHighBidder is false in that case).
	CurrentState(ctx context.Context, sess *Session, listingRef string) (ListingState, error)
	// PlaceBid submits a bid. May return ErrBelowMinimum, ErrSessionExpired,
	// ErrListingClosed, or *TransientError.
	PlaceBid(ctx context.Context, sess *Session, listingRef string, amount int64) (BidOutcome, error)
}

// Registry maps platform identifiers to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to its platform id.
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Platform()] = a
}

// Get resolves the adapter for a platform id.
func (r *Registry) Get(platform string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return a, nil
}
