package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	sqlTryIncrementUsage = `
        INSERT INTO usage_counters (user_id, day, request_count, updated_at)
        VALUES ($1, $2, 1, $3)
        ON CONFLICT (user_id, day) DO UPDATE
        SET request_count = usage_counters.request_count + 1, updated_at = EXCLUDED.updated_at
        WHERE usage_counters.request_count < $4
        RETURNING request_count;
    `
	sqlIncrementUsage = `
        INSERT INTO usage_counters (user_id, day, request_count, updated_at)
        VALUES ($1, $2, 1, $3)
        ON CONFLICT (user_id, day) DO UPDATE
        SET request_count = usage_counters.request_count + 1, updated_at = EXCLUDED.updated_at
        RETURNING request_count;
    `
	sqlUsageCount = `
        SELECT request_count FROM usage_counters
        WHERE user_id = $1 AND day = $2;
    `
)

// TryIncrementUsage bumps the (user, day) counter only while it is below
// limit. The check and the increment are one statement, so two concurrent
// requests can never both take the last slot. ok is false when the cap has
// been reached; count is then zero.
func (s *Store) TryIncrementUsage(ctx context.Context, userID int64, day time.Time, limit int) (count int, ok bool, err error) {
	err = s.pool.QueryRow(ctx, sqlTryIncrementUsage, userID, day, time.Now().UTC(), limit).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment usage counter: %w", err)
	}
	return count, true, nil
}

// IncrementUsage bumps the (user, day) counter unconditionally.
func (s *Store) IncrementUsage(ctx context.Context, userID int64, day time.Time) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, sqlIncrementUsage, userID, day, time.Now().UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment usage counter: %w", err)
	}
	return count, nil
}

// UsageCount reads the (user, day) counter. A missing row counts as zero.
func (s *Store) UsageCount(ctx context.Context, userID int64, day time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, sqlUsageCount, userID, day).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage counter: %w", err)
	}
	return count, nil
}
