package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresLimiter keeps counters in auth_login_attempts for deployments that
// run several instances without Redis.
type PostgresLimiter struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

func NewPostgresLimiter(db *sql.DB, cfg Config) *PostgresLimiter {
	return &PostgresLimiter{db: db, cfg: cfg.withDefaults(), now: time.Now}
}

// WithClock replaces the time source. Tests only.
func (l *PostgresLimiter) WithClock(now func() time.Time) *PostgresLimiter {
	l.now = now
	return l
}

func (l *PostgresLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now().UTC()

	var failures int
	var lastFailureAt time.Time
	err := l.db.QueryRowContext(ctx, `
		SELECT failed_attempts, last_failure_at
		FROM auth_login_attempts
		WHERE client_key = $1
	`, key).Scan(&failures, &lastFailureAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return allowed(), nil
		}
		return Decision{}, fmt.Errorf("query login attempt: %w", err)
	}

	if now.Sub(lastFailureAt) > l.cfg.Window || failures < l.cfg.MaxAttempts {
		return allowed(), nil
	}

	return denied(lastFailureAt.Add(l.cfg.Window).Sub(now)), nil
}

func (l *PostgresLimiter) Record(ctx context.Context, key string, success bool) error {
	if success {
		if _, err := l.db.ExecContext(ctx, `DELETE FROM auth_login_attempts WHERE client_key = $1`, key); err != nil {
			return fmt.Errorf("reset login attempts: %w", err)
		}
		return nil
	}

	now := l.now().UTC()
	threshold := now.Add(-l.cfg.Window)

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO auth_login_attempts (client_key, failed_attempts, last_failure_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (client_key) DO UPDATE
		SET
			failed_attempts = CASE
				WHEN auth_login_attempts.last_failure_at < $3 THEN 1
				ELSE auth_login_attempts.failed_attempts + 1
			END,
			last_failure_at = $2
	`, key, now, threshold)
	if err != nil {
		return fmt.Errorf("upsert failed login attempt: %w", err)
	}

	return nil
}

// DeleteStale removes rows whose window closed before cutoff, at most batchSize per call.
func (l *PostgresLimiter) DeleteStale(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := l.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT client_key
			FROM auth_login_attempts
			WHERE last_failure_at < $1
			ORDER BY last_failure_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_attempts t
		USING stale
		WHERE t.client_key = stale.client_key
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale login attempts: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale login attempts rows affected: %w", err)
	}

	return affected, nil
}
