package store

import (
	"context"
	"fmt"
)

// Schema statements executed in order at startup. All statements are
// idempotent so repeated boots are safe.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS bid_requests (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		listing_ref TEXT NOT NULL,
		platform TEXT NOT NULL,
		max_bid_amount BIGINT NOT NULL,
		strategy TEXT NOT NULL,
		status TEXT NOT NULL,
		current_external_bid BIGINT NOT NULL DEFAULT 0,
		final_bid_amount BIGINT,
		auction_ends_at TIMESTAMPTZ NOT NULL,
		failure_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		won_at TIMESTAMPTZ
	)`,
	// One live request per (user, listing). Terminal rows do not count.
	`CREATE UNIQUE INDEX IF NOT EXISTS bid_requests_active_unique
		ON bid_requests (user_id, listing_ref)
		WHERE status NOT IN ('won','lost','failed','cancelled')`,
	`CREATE TABLE IF NOT EXISTS execution_tasks (
		id UUID PRIMARY KEY,
		bid_request_id UUID NOT NULL REFERENCES bid_requests(id),
		scheduled_for TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		attempt INT NOT NULL,
		max_attempts INT NOT NULL,
		amount_placed BIGINT,
		is_high_bidder BOOLEAN,
		result_message TEXT,
		last_error TEXT,
		retryable BOOLEAN NOT NULL DEFAULT FALSE,
		worker_id TEXT,
		executing_since TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS execution_tasks_request_idx
		ON execution_tasks (bid_request_id, created_at)`,
	// Backstop for the compare-and-set discipline: the database itself
	// refuses a second locked/executing task per request.
	`CREATE UNIQUE INDEX IF NOT EXISTS execution_tasks_exclusive_idx
		ON execution_tasks (bid_request_id)
		WHERE status IN ('locked','executing')`,
	`CREATE TABLE IF NOT EXISTS credential_records (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		ciphertext BYTEA NOT NULL,
		status TEXT NOT NULL,
		valid_until TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, platform)
	)`,
	`CREATE TABLE IF NOT EXISTS two_factor_challenges (
		id UUID PRIMARY KEY,
		credential_id UUID NOT NULL REFERENCES credential_records(id),
		method TEXT NOT NULL,
		hint TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS published_events (
		id UUID PRIMARY KEY,
		bid_request_id UUID NOT NULL REFERENCES bid_requests(id),
		seq BIGINT NOT NULL,
		type TEXT NOT NULL,
		amount BIGINT,
		is_high_bidder BOOLEAN,
		message TEXT NOT NULL DEFAULT '',
		published_at TIMESTAMPTZ NOT NULL,
		UNIQUE (bid_request_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		task_id UUID NOT NULL,
		event TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		ts TIMESTAMPTZ NOT NULL
	)`,
}

// RunMigrations executes the schema statements in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement %d: %w", i, err)
		}
	}
	return nil
}
