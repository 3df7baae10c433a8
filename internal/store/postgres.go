package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"proxy-bid-engine/internal/models"
)

// Postgres wraps pgxpool for durable persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateBidRequest inserts a bid request row. The partial unique index on
// (user_id, listing_ref) enforces the single-active-request rule even when
// two creators race past the pre-check.
func (s *Postgres) CreateBidRequest(ctx context.Context, p CreateBidRequestParams) (models.BidRequest, error) {
	if p.MaxBidAmount <= 0 {
		return models.BidRequest{}, ErrInvalidAmount
	}
	if _, found, err := s.FindActiveRequest(ctx, p.UserID, p.ListingRef); err != nil {
		return models.BidRequest{}, err
	} else if found {
		return models.BidRequest{}, ErrDuplicateActiveRequest
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bid_requests (id, user_id, listing_ref, platform, max_bid_amount, strategy, status, current_external_bid, auction_ends_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $9)
	`, id, p.UserID, p.ListingRef, p.Platform, p.MaxBidAmount, p.Strategy, models.RequestPending, p.AuctionEndsAt, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.BidRequest{}, ErrDuplicateActiveRequest
		}
		return models.BidRequest{}, fmt.Errorf("insert bid request: %w", err)
	}
	return s.GetBidRequest(ctx, id)
}

const bidRequestColumns = `id, user_id, listing_ref, platform, max_bid_amount, strategy, status, current_external_bid, final_bid_amount, auction_ends_at, failure_reason, created_at, updated_at, won_at`

func scanBidRequest(row pgx.Row) (models.BidRequest, error) {
	var r models.BidRequest
	var finalAmount pgtype.Int8
	var reason pgtype.Text
	var wonAt pgtype.Timestamptz
	err := row.Scan(&r.ID, &r.UserID, &r.ListingRef, &r.Platform, &r.MaxBidAmount, &r.Strategy, &r.Status,
		&r.CurrentExternalBid, &finalAmount, &r.AuctionEndsAt, &reason, &r.CreatedAt, &r.UpdatedAt, &wonAt)
	if err != nil {
		return models.BidRequest{}, err
	}
	r.FinalBidAmount = int8Ptr(finalAmount)
	r.FailureReason = textPtr(reason)
	r.WonAt = tsPtr(wonAt)
	return r, nil
}

// GetBidRequest fetches a bid request by id.
func (s *Postgres) GetBidRequest(ctx context.Context, id string) (models.BidRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+bidRequestColumns+` FROM bid_requests WHERE id = $1`, id)
	r, err := scanBidRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BidRequest{}, ErrNotFound
	}
	if err != nil {
		return models.BidRequest{}, fmt.Errorf("scan bid request: %w", err)
	}
	return r, nil
}

// TransitionBidRequest performs the compare-and-set status move.
func (s *Postgres) TransitionBidRequest(ctx context.Context, id string, fromSet []string, to string, fields RequestFields) (models.BidRequest, error) {
	sets := []string{"status = $2", "updated_at = NOW()"}
	args := []any{id, to}
	next := 3
	add := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, next))
		args = append(args, v)
		next++
	}
	if fields.CurrentExternalBid != nil {
		add("current_external_bid", *fields.CurrentExternalBid)
	}
	if fields.FinalBidAmount != nil {
		add("final_bid_amount", *fields.FinalBidAmount)
	}
	if fields.FailureReason != nil {
		add("failure_reason", *fields.FailureReason)
	}
	if fields.WonAt != nil {
		add("won_at", *fields.WonAt)
	}
	args = append(args, fromSet)
	query := fmt.Sprintf(`UPDATE bid_requests SET %s WHERE id = $1 AND status = ANY($%d)`, strings.Join(sets, ", "), next)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return models.BidRequest{}, fmt.Errorf("transition bid request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := s.GetBidRequest(ctx, id)
		if err != nil {
			return models.BidRequest{}, err
		}
		if models.RequestTerminal(current.Status) {
			return models.BidRequest{}, ErrTerminal
		}
		return models.BidRequest{}, ErrStaleState
	}
	return s.GetBidRequest(ctx, id)
}

// ListEligible returns every non-terminal request, oldest first. Closed
// auctions stay in the result so the scheduler can settle them.
func (s *Postgres) ListEligible(ctx context.Context, _ time.Time) ([]models.BidRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+bidRequestColumns+` FROM bid_requests
		WHERE status = ANY($1)
		ORDER BY created_at
	`, models.NonTerminalRequestStatuses)
	if err != nil {
		return nil, fmt.Errorf("list eligible: %w", err)
	}
	defer rows.Close()

	var out []models.BidRequest
	for rows.Next() {
		r, err := scanBidRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan eligible row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindActiveRequest returns the user's live request on a listing, if any.
func (s *Postgres) FindActiveRequest(ctx context.Context, userID, listingRef string) (models.BidRequest, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+bidRequestColumns+` FROM bid_requests
		WHERE user_id = $1 AND listing_ref = $2 AND status = ANY($3)
	`, userID, listingRef, models.NonTerminalRequestStatuses)
	r, err := scanBidRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BidRequest{}, false, nil
	}
	if err != nil {
		return models.BidRequest{}, false, fmt.Errorf("find active request: %w", err)
	}
	return r, true, nil
}

// CreateTask inserts a queued execution task for the given attempt ordinal.
func (s *Postgres) CreateTask(ctx context.Context, bidRequestID string, scheduledFor time.Time, attempt, maxAttempts int) (models.ExecutionTask, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO execution_tasks (id, bid_request_id, scheduled_for, status, attempt, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, id, bidRequestID, scheduledFor, models.TaskQueued, attempt, maxAttempts, now)
	if err != nil {
		return models.ExecutionTask{}, fmt.Errorf("insert execution task: %w", err)
	}
	return s.GetTask(ctx, id)
}

const taskColumns = `id, bid_request_id, scheduled_for, status, attempt, max_attempts, amount_placed, is_high_bidder, result_message, last_error, retryable, worker_id, executing_since, finished_at, created_at, updated_at`

func scanTask(row pgx.Row) (models.ExecutionTask, error) {
	var t models.ExecutionTask
	var amount pgtype.Int8
	var high pgtype.Bool
	var result, lastErr, workerID pgtype.Text
	var since, finished pgtype.Timestamptz
	err := row.Scan(&t.ID, &t.BidRequestID, &t.ScheduledFor, &t.Status, &t.Attempt, &t.MaxAttempts,
		&amount, &high, &result, &lastErr, &t.Retryable, &workerID, &since, &finished, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return models.ExecutionTask{}, err
	}
	t.AmountPlaced = int8Ptr(amount)
	t.IsHighBidder = boolPtr(high)
	t.ResultMessage = textPtr(result)
	t.LastError = textPtr(lastErr)
	t.WorkerID = textPtr(workerID)
	t.ExecutingSince = tsPtr(since)
	t.FinishedAt = tsPtr(finished)
	return t, nil
}

// GetTask fetches an execution task by id.
func (s *Postgres) GetTask(ctx context.Context, id string) (models.ExecutionTask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM execution_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ExecutionTask{}, ErrNotFound
	}
	if err != nil {
		return models.ExecutionTask{}, fmt.Errorf("scan execution task: %w", err)
	}
	return t, nil
}

// TransitionTask performs the compare-and-set status move for a task. This is
// the mutual-exclusion primitive: two workers racing queued->locked resolve to
// exactly one winner, the loser sees ErrStaleState.
func (s *Postgres) TransitionTask(ctx context.Context, id string, fromSet []string, to string, fields TaskFields) (models.ExecutionTask, error) {
	sets := []string{"status = $2", "updated_at = NOW()"}
	args := []any{id, to}
	next := 3
	add := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, next))
		args = append(args, v)
		next++
	}
	if fields.AmountPlaced != nil {
		add("amount_placed", *fields.AmountPlaced)
	}
	if fields.IsHighBidder != nil {
		add("is_high_bidder", *fields.IsHighBidder)
	}
	if fields.ResultMessage != nil {
		add("result_message", *fields.ResultMessage)
	}
	if fields.LastError != nil {
		add("last_error", *fields.LastError)
	}
	if fields.Retryable != nil {
		add("retryable", *fields.Retryable)
	}
	if fields.WorkerID != nil {
		add("worker_id", *fields.WorkerID)
	}
	if fields.ExecutingSince != nil {
		add("executing_since", *fields.ExecutingSince)
	}
	if fields.FinishedAt != nil {
		add("finished_at", *fields.FinishedAt)
	}
	args = append(args, fromSet)
	query := fmt.Sprintf(`UPDATE execution_tasks SET %s WHERE id = $1 AND status = ANY($%d)`, strings.Join(sets, ", "), next)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return models.ExecutionTask{}, fmt.Errorf("transition task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := s.GetTask(ctx, id)
		if err != nil {
			return models.ExecutionTask{}, err
		}
		if models.TaskTerminal(current.Status) {
			return models.ExecutionTask{}, ErrTerminal
		}
		return models.ExecutionTask{}, ErrStaleState
	}
	return s.GetTask(ctx, id)
}

// LatestTask returns the most recently created task for a request.
func (s *Postgres) LatestTask(ctx context.Context, bidRequestID string) (models.ExecutionTask, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM execution_tasks
		WHERE bid_request_id = $1 ORDER BY created_at DESC, attempt DESC LIMIT 1
	`, bidRequestID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ExecutionTask{}, false, nil
	}
	if err != nil {
		return models.ExecutionTask{}, false, fmt.Errorf("latest task: %w", err)
	}
	return t, true, nil
}

// HasOpenTask reports whether a queued/locked/executing task exists.
func (s *Postgres) HasOpenTask(ctx context.Context, bidRequestID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM execution_tasks WHERE bid_request_id = $1 AND status = ANY($2))
	`, bidRequestID, OpenTaskStatuses).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check open task: %w", err)
	}
	return exists, nil
}

// TasksFor returns the full attempt history, oldest first.
func (s *Postgres) TasksFor(ctx context.Context, bidRequestID string) ([]models.ExecutionTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM execution_tasks WHERE bid_request_id = $1 ORDER BY created_at, attempt
	`, bidRequestID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const credentialColumns = `id, user_id, platform, ciphertext, status, valid_until, updated_at`

func scanCredential(row pgx.Row) (models.CredentialRecord, error) {
	var c models.CredentialRecord
	err := row.Scan(&c.ID, &c.UserID, &c.Platform, &c.Ciphertext, &c.Status, &c.ValidUntil, &c.UpdatedAt)
	return c, err
}

// GetCredential fetches the credential record for (user, platform).
func (s *Postgres) GetCredential(ctx context.Context, userID, platform string) (models.CredentialRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credential_records WHERE user_id = $1 AND platform = $2`, userID, platform)
	c, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CredentialRecord{}, ErrNotFound
	}
	if err != nil {
		return models.CredentialRecord{}, fmt.Errorf("scan credential: %w", err)
	}
	return c, nil
}

// GetCredentialByID fetches a credential record by id.
func (s *Postgres) GetCredentialByID(ctx context.Context, id string) (models.CredentialRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credential_records WHERE id = $1`, id)
	c, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CredentialRecord{}, ErrNotFound
	}
	if err != nil {
		return models.CredentialRecord{}, fmt.Errorf("scan credential: %w", err)
	}
	return c, nil
}

// PutCredential upserts the credential record for (user, platform).
func (s *Postgres) PutCredential(ctx context.Context, rec models.CredentialRecord) (models.CredentialRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credential_records (id, user_id, platform, ciphertext, status, valid_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, platform) DO UPDATE
		SET ciphertext = EXCLUDED.ciphertext, status = EXCLUDED.status, valid_until = EXCLUDED.valid_until, updated_at = EXCLUDED.updated_at
	`, rec.ID, rec.UserID, rec.Platform, rec.Ciphertext, rec.Status, rec.ValidUntil, now)
	if err != nil {
		return models.CredentialRecord{}, fmt.Errorf("upsert credential: %w", err)
	}
	return s.GetCredential(ctx, rec.UserID, rec.Platform)
}

// TransitionCredential moves the record between statuses, serialized by the
// same compare-and-set discipline as bid requests.
func (s *Postgres) TransitionCredential(ctx context.Context, id string, fromSet []string, to string) (models.CredentialRecord, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credential_records SET status = $2, updated_at = NOW() WHERE id = $1 AND status = ANY($3)
	`, id, to, fromSet)
	if err != nil {
		return models.CredentialRecord{}, fmt.Errorf("transition credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetCredentialByID(ctx, id); err != nil {
			return models.CredentialRecord{}, err
		}
		return models.CredentialRecord{}, ErrStaleState
	}
	return s.GetCredentialByID(ctx, id)
}

// UpdateCredentialCiphertext replaces the sealed material after a refresh.
func (s *Postgres) UpdateCredentialCiphertext(ctx context.Context, id string, ciphertext []byte, validUntil time.Time, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credential_records SET ciphertext = $2, valid_until = $3, status = $4, updated_at = NOW() WHERE id = $1
	`, id, ciphertext, validUntil, status)
	if err != nil {
		return fmt.Errorf("update credential ciphertext: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateChallenge inserts a pending two-factor challenge.
func (s *Postgres) CreateChallenge(ctx context.Context, ch models.TwoFactorChallenge) (models.TwoFactorChallenge, error) {
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	ch.Status = models.ChallengePending
	ch.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO two_factor_challenges (id, credential_id, method, hint, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ch.ID, ch.CredentialID, ch.Method, ch.Hint, ch.Status, ch.ExpiresAt, ch.CreatedAt)
	if err != nil {
		return models.TwoFactorChallenge{}, fmt.Errorf("insert challenge: %w", err)
	}
	return ch, nil
}

// GetChallenge fetches a challenge by id.
func (s *Postgres) GetChallenge(ctx context.Context, id string) (models.TwoFactorChallenge, error) {
	var ch models.TwoFactorChallenge
	err := s.pool.QueryRow(ctx, `
		SELECT id, credential_id, method, hint, status, expires_at, created_at FROM two_factor_challenges WHERE id = $1
	`, id).Scan(&ch.ID, &ch.CredentialID, &ch.Method, &ch.Hint, &ch.Status, &ch.ExpiresAt, &ch.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TwoFactorChallenge{}, ErrNotFound
	}
	if err != nil {
		return models.TwoFactorChallenge{}, fmt.Errorf("scan challenge: %w", err)
	}
	return ch, nil
}

// TransitionChallenge moves a challenge between statuses with compare-and-set.
func (s *Postgres) TransitionChallenge(ctx context.Context, id string, fromSet []string, to string) (models.TwoFactorChallenge, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE two_factor_challenges SET status = $2 WHERE id = $1 AND status = ANY($3)
	`, id, to, fromSet)
	if err != nil {
		return models.TwoFactorChallenge{}, fmt.Errorf("transition challenge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetChallenge(ctx, id); err != nil {
			return models.TwoFactorChallenge{}, err
		}
		return models.TwoFactorChallenge{}, ErrStaleState
	}
	return s.GetChallenge(ctx, id)
}

// AppendEvent assigns the next per-request sequence number and inserts the
// event row. The unique (bid_request_id, seq) constraint guards the rare race
// between the scheduler and a worker publishing for the same request; on
// conflict the insert is retried with a fresh sequence.
func (s *Postgres) AppendEvent(ctx context.Context, ev models.Event) (models.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	for attempt := 0; attempt < 3; attempt++ {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO published_events (id, bid_request_id, seq, type, amount, is_high_bidder, message, published_at)
			SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, $6, $7
			FROM published_events WHERE bid_request_id = $2
			RETURNING seq
		`, ev.ID, ev.BidRequestID, ev.Type, ev.Amount, ev.IsHighBidder, ev.Message, ev.Timestamp)
		err := row.Scan(&ev.Seq)
		if err == nil {
			return ev, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			continue
		}
		return models.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return models.Event{}, fmt.Errorf("insert event: sequence contention for request %s", ev.BidRequestID)
}

// EventsFor returns the event log for a request starting after fromSeq.
func (s *Postgres) EventsFor(ctx context.Context, bidRequestID string, fromSeq int64) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, bid_request_id, seq, type, amount, is_high_bidder, message, published_at
		FROM published_events WHERE bid_request_id = $1 AND seq > $2 ORDER BY seq
	`, bidRequestID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var ev models.Event
		var amount pgtype.Int8
		var high pgtype.Bool
		if err := rows.Scan(&ev.ID, &ev.BidRequestID, &ev.Seq, &ev.Type, &amount, &high, &ev.Message, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Amount = int8Ptr(amount)
		ev.IsHighBidder = boolPtr(high)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, taskID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (task_id, event, detail, ts) VALUES ($1, $2, $3, NOW())
	`, taskID, event, detail)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func int8Ptr(v pgtype.Int8) *int64 {
	if v.Valid {
		return &v.Int64
	}
	return nil
}

func boolPtr(v pgtype.Bool) *bool {
	if v.Valid {
		return &v.Bool
	}
	return nil
}

func tsPtr(v pgtype.Timestamptz) *time.Time {
	if v.Valid {
		return &v.Time
	}
	return nil
}
