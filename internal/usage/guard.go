// Package usage enforces the per-user daily scan quota.
package usage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/hostaudit/api/schemas"
	"github.com/xkilldash9x/hostaudit/internal/config"
	"github.com/xkilldash9x/hostaudit/internal/metrics"
)

// Counter is the persistence the guard needs. The store implements it.
type Counter interface {
	TryIncrementUsage(ctx context.Context, userID int64, day time.Time, limit int) (int, bool, error)
	IncrementUsage(ctx context.Context, userID int64, day time.Time) (int, error)
	UsageCount(ctx context.Context, userID int64, day time.Time) (int, error)
}

// Guard admits or rejects scan requests against a daily cap.
type Guard struct {
	counter Counter
	limit   int
	loc     *time.Location
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a Guard. The day boundary follows cfg.Timezone.
func New(logger *zap.Logger, counter Counter, cfg config.UsageConfig) (*Guard, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid usage timezone %q: %w", cfg.Timezone, err)
	}
	return &Guard{
		counter: counter,
		limit:   cfg.DailyLimit,
		loc:     loc,
		logger:  logger.Named("usage"),
		now:     time.Now,
	}, nil
}

// Limit returns the configured daily cap. Zero or less means unlimited.
func (g *Guard) Limit() int { return g.limit }

// Today returns the current calendar day in the guard's timezone, as a
// midnight UTC value suitable for a DATE column.
func (g *Guard) Today() time.Time {
	y, m, d := g.now().In(g.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Admit reports whether userID may start another scan on day. It does not
// consume quota; use Acquire to check and count in one step.
func (g *Guard) Admit(ctx context.Context, userID int64, day time.Time) (bool, error) {
	if g.limit <= 0 {
		return true, nil
	}
	count, err := g.counter.UsageCount(ctx, userID, day)
	if err != nil {
		return false, err
	}
	return count < g.limit, nil
}

// Increment records one request for userID on day.
func (g *Guard) Increment(ctx context.Context, userID int64, day time.Time) (int, error) {
	return g.counter.IncrementUsage(ctx, userID, day)
}

// Acquire atomically admits and counts one scan for userID today. It returns
// schemas.ErrQuotaExceeded once the cap is reached.
func (g *Guard) Acquire(ctx context.Context, userID int64) error {
	day := g.Today()
	if g.limit <= 0 {
		_, err := g.counter.IncrementUsage(ctx, userID, day)
		return err
	}

	count, ok, err := g.counter.TryIncrementUsage(ctx, userID, day, g.limit)
	if err != nil {
		return err
	}
	if !ok {
		metrics.QuotaRejectionsTotal.Inc()
		g.logger.Info("Daily scan quota reached, request rejected.",
			zap.Int64("user_id", userID),
			zap.String("day", day.Format(time.DateOnly)),
			zap.Int("limit", g.limit),
		)
		return schemas.ErrQuotaExceeded
	}
	g.logger.Debug("Scan admitted.", zap.Int64("user_id", userID), zap.Int("count", count), zap.Int("limit", g.limit))
	return nil
}

// Status reports today's consumption for userID.
func (g *Guard) Status(ctx context.Context, userID int64) (schemas.UsageStatus, error) {
	day := g.Today()
	count, err := g.counter.UsageCount(ctx, userID, day)
	if err != nil {
		return schemas.UsageStatus{}, err
	}
	status := schemas.UsageStatus{Day: day, Count: count, Limit: g.limit}
	if g.limit > 0 {
		status.Remaining = max(g.limit-count, 0)
	}
	return status, nil
}
