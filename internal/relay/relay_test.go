package relay

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

func newRelay(t *testing.T, ttl time.Duration) (*Relay, *store.Memory) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewMemory()
	return New(st, rdb, ttl), st
}

func TestSubmitCodeReachesWaiter(t *testing.T) {
	ctx := context.Background()
	r, st := newRelay(t, time.Minute)

	ch, w, err := r.Open(ctx, "cred-1", models.MethodEmail, "j***@example.com")
	require.NoError(t, err)
	defer w.Close()
	require.Equal(t, models.ChallengePending, ch.Status)

	got := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		code, err := w.Wait(ctx)
		errs <- err
		got <- code
	}()

	// Give the waiter a moment to park on the channel.
	time.Sleep(20 * time.Millisecond)

	submitted, err := r.SubmitCode(ctx, ch.ID, "483920")
	require.NoError(t, err)
	require.Equal(t, models.ChallengeSubmitted, submitted.Status)

	require.NoError(t, <-errs)
	require.Equal(t, "483920", <-got)

	require.NoError(t, r.MarkVerified(ctx, ch.ID))
	final, err := st.GetChallenge(ctx, ch.ID)
	require.NoError(t, err)
	require.Equal(t, models.ChallengeVerified, final.Status)
}

func TestWaitExpiresChallenge(t *testing.T) {
	ctx := context.Background()
	r, st := newRelay(t, 50*time.Millisecond)

	ch, w, err := r.Open(ctx, "cred-1", models.MethodSMS, "***-1234")
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Wait(ctx)
	require.ErrorIs(t, err, ErrChallengeExpired)

	expired, err := st.GetChallenge(ctx, ch.ID)
	require.NoError(t, err)
	require.Equal(t, models.ChallengeExpired, expired.Status)

	// A late code is rejected.
	_, err = r.SubmitCode(ctx, ch.ID, "000000")
	require.ErrorIs(t, err, ErrChallengeExpired)
}

func TestSubmitCodeValidation(t *testing.T) {
	ctx := context.Background()
	r, _ := newRelay(t, time.Minute)

	ch, w, err := r.Open(ctx, "cred-1", models.MethodTOTP, "")
	require.NoError(t, err)
	defer w.Close()

	_, err = r.SubmitCode(ctx, ch.ID, "")
	require.ErrorIs(t, err, ErrEmptyCode)

	_, err = r.SubmitCode(ctx, "missing", "123456")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = r.SubmitCode(ctx, ch.ID, "123456")
	require.NoError(t, err)

	// Only one submission per challenge.
	_, err = r.SubmitCode(ctx, ch.ID, "654321")
	require.ErrorIs(t, err, ErrChallengeNotPending)
}

func TestWaitHonorsContext(t *testing.T) {
	r, _ := newRelay(t, time.Minute)

	_, w, err := r.Open(context.Background(), "cred-1", models.MethodEmail, "")
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
