// Package relay carries two-factor verification codes from the HTTP API to
// the worker that is blocked mid-login. The challenge row in the store is the
// durable record; a Redis pub/sub channel per challenge moves the code across
// the process boundary.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"proxy-bid-engine/internal/models"
	"proxy-bid-engine/internal/store"
)

// Relay errors.
var (
	ErrChallengeExpired    = errors.New("challenge expired")
	ErrChallengeNotPending = errors.New("challenge is not pending")
	ErrEmptyCode           = errors.New("verification code is empty")
)

// Relay mediates two-factor challenges between processes.
type Relay struct {
	store store.Store
	rdb   *redis.Client
	ttl   time.Duration
}

// New builds a relay. ttl bounds how long a worker waits for a code.
func New(st store.Store, rdb *redis.Client, ttl time.Duration) *Relay {
	return &Relay{store: st, rdb: rdb, ttl: ttl}
}

func channelFor(challengeID string) string {
	return "relay:challenge:" + challengeID
}

// Waiter is a live subscription for one challenge. The worker holds it while
// blocked; Close must be called regardless of outcome.
type Waiter struct {
	relay     *Relay
	challenge models.TwoFactorChallenge
	sub       *redis.PubSub
}

// Open records a pending challenge and returns a waiter that is already
// subscribed, so a code submitted immediately after cannot be missed.
func (r *Relay) Open(ctx context.Context, credentialID, method, hint string) (models.TwoFactorChallenge, *Waiter, error) {
	ch, err := r.store.CreateChallenge(ctx, models.TwoFactorChallenge{
		CredentialID: credentialID,
		Method:       method,
		Hint:         hint,
		Status:       models.ChallengePending,
		ExpiresAt:    time.Now().Add(r.ttl),
	})
	if err != nil {
		return models.TwoFactorChallenge{}, nil, fmt.Errorf("create challenge: %w", err)
	}

	sub := r.rdb.Subscribe(ctx, channelFor(ch.ID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return models.TwoFactorChallenge{}, nil, fmt.Errorf("subscribe challenge %s: %w", ch.ID, err)
	}
	return ch, &Waiter{relay: r, challenge: ch, sub: sub}, nil
}

// Challenge returns the challenge this waiter belongs to.
func (w *Waiter) Challenge() models.TwoFactorChallenge { return w.challenge }

// Wait blocks until a code arrives, the challenge's deadline passes, or ctx
// is cancelled. On deadline the challenge is marked expired.
func (w *Waiter) Wait(ctx context.Context) (string, error) {
	deadline := time.NewTimer(time.Until(w.challenge.ExpiresAt))
	defer deadline.Stop()

	select {
	case msg, ok := <-w.sub.Channel():
		if !ok {
			return "", fmt.Errorf("challenge %s: subscription closed", w.challenge.ID)
		}
		return msg.Payload, nil
	case <-deadline.C:
		w.relay.expire(ctx, w.challenge.ID)
		return "", ErrChallengeExpired
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close tears down the subscription.
func (w *Waiter) Close() {
	_ = w.sub.Close()
}

// SubmitCode accepts a human-supplied code for a pending challenge and pushes
// it to the waiting worker. Returns the challenge in its submitted state.
func (r *Relay) SubmitCode(ctx context.Context, challengeID, code string) (models.TwoFactorChallenge, error) {
	if code == "" {
		return models.TwoFactorChallenge{}, ErrEmptyCode
	}
	ch, err := r.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return models.TwoFactorChallenge{}, err
	}
	if ch.Status == models.ChallengeExpired || time.Now().After(ch.ExpiresAt) {
		r.expire(ctx, challengeID)
		return models.TwoFactorChallenge{}, ErrChallengeExpired
	}

	ch, err = r.store.TransitionChallenge(ctx, challengeID,
		[]string{models.ChallengePending}, models.ChallengeSubmitted)
	if errors.Is(err, store.ErrStaleState) {
		return models.TwoFactorChallenge{}, ErrChallengeNotPending
	}
	if err != nil {
		return models.TwoFactorChallenge{}, err
	}

	if err := r.rdb.Publish(ctx, channelFor(challengeID), code).Err(); err != nil {
		return models.TwoFactorChallenge{}, fmt.Errorf("publish code for challenge %s: %w", challengeID, err)
	}
	return ch, nil
}

// MarkVerified records that the platform accepted the submitted code.
func (r *Relay) MarkVerified(ctx context.Context, challengeID string) error {
	_, err := r.store.TransitionChallenge(ctx, challengeID,
		[]string{models.ChallengeSubmitted, models.ChallengePending}, models.ChallengeVerified)
	return err
}

func (r *Relay) expire(ctx context.Context, challengeID string) {
	// Best effort; losing the race to a concurrent transition is fine.
	_, _ = r.store.TransitionChallenge(ctx, challengeID,
		[]string{models.ChallengePending, models.ChallengeSubmitted}, models.ChallengeExpired)
}
