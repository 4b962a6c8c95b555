// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const defaultMaxTxAttempts = 5

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03", // lock_not_available (incl. lock_timeout)
		"23505": // unique_violation: concurrent insert of the same id, re-read sees the winner
		return true
	default:
		return false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runTx executes fn in a REPEATABLE READ transaction, retrying serialization failures
// with a short quadratic backoff.
func (s *TableService) runTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	maxAttempts := s.config.MaxTxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxTxAttempts
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := s.stageStart()
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{
			IsoLevel:   pgx.RepeatableRead,
			AccessMode: pgx.ReadWrite,
		}, fn)
		s.observeStage(ctx, op, MetricsStageTx, start, 1, attempt, err != nil)

		if err == nil || !isRetryablePGTxError(err) {
			return err
		}
		s.logger.Debug("Retrying transaction", "op", op, "attempt", attempt, "error", err)
		if serr := sleepWithContext(ctx, time.Duration(attempt*attempt)*10*time.Millisecond); serr != nil {
			return serr
		}
	}
	return err
}
