// Package coordinator fans a scan target out to every registered scanner unit
// and collects their outcomes.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/hostaudit/api/schemas"
	"github.com/xkilldash9x/hostaudit/internal/metrics"
	"github.com/xkilldash9x/hostaudit/internal/target"
)

// PanicError is recorded when a unit panics during Run.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("unit panicked: %v", e.Value) }

// Coordinator runs scanner units concurrently against one target.
type Coordinator struct {
	units       []schemas.ScannerUnit
	unitTimeout time.Duration
	maxParallel int
	logger      *zap.Logger
}

// New builds a coordinator. Unit names must be unique since they key the
// aggregated document. A maxParallel of zero or less runs every unit at once.
func New(logger *zap.Logger, unitTimeout time.Duration, maxParallel int, units ...schemas.ScannerUnit) (*Coordinator, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	seen := make(map[string]struct{}, len(units))
	for _, u := range units {
		if u == nil {
			return nil, errors.New("scanner unit cannot be nil")
		}
		if _, dup := seen[u.Name()]; dup {
			return nil, fmt.Errorf("duplicate scanner unit name %q", u.Name())
		}
		seen[u.Name()] = struct{}{}
	}
	return &Coordinator{
		units:       units,
		unitTimeout: unitTimeout,
		maxParallel: maxParallel,
		logger:      logger.Named("coordinator"),
	}, nil
}

// Units returns the names of the registered units in registration order.
func (c *Coordinator) Units() []string {
	names := make([]string, len(c.units))
	for i, u := range c.units {
		names[i] = u.Name()
	}
	return names
}

// Coordinate runs every unit against tgt and waits for all of them to finish
// or time out. Per-unit failures are captured in the returned outcomes. The
// call itself only fails for an unparsed target or when ctx is already done.
func (c *Coordinator) Coordinate(ctx context.Context, tgt target.Target, overall time.Duration) ([]schemas.UnitOutcome, error) {
	if tgt.IsZero() {
		return nil, schemas.ErrInvalidTarget
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", schemas.ErrCoordinationCancelled, err)
	}

	runCtx := ctx
	if overall > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, overall)
		defer cancel()
	}
	sub := c.subTimeout(overall)

	outcomes := make([]schemas.UnitOutcome, len(c.units))
	var g errgroup.Group
	if c.maxParallel > 0 {
		g.SetLimit(c.maxParallel)
	}
	for i, unit := range c.units {
		g.Go(func() error {
			outcomes[i] = c.runUnit(runCtx, unit, tgt.String(), sub)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.Failed() {
			failed++
		}
	}
	c.logger.Info("Scanner units finished",
		zap.String("target", tgt.String()),
		zap.Int("units", len(outcomes)),
		zap.Int("failed", failed),
	)
	return outcomes, nil
}

func (c *Coordinator) subTimeout(overall time.Duration) time.Duration {
	switch {
	case c.unitTimeout <= 0:
		return overall
	case overall <= 0:
		return c.unitTimeout
	default:
		return min(c.unitTimeout, overall)
	}
}

type runResult struct {
	fragment json.RawMessage
	err      error
}

func (c *Coordinator) runUnit(ctx context.Context, unit schemas.ScannerUnit, host string, timeout time.Duration) schemas.UnitOutcome {
	name := unit.Name()
	start := time.Now()

	unitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		unitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var res runResult
	if err := unitCtx.Err(); err != nil {
		// Waited for a slot past the deadline.
		res.err = err
	} else {
		done := make(chan runResult, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- runResult{err: &PanicError{Value: r}}
				}
			}()
			frag, err := unit.Run(unitCtx, host, timeout)
			done <- runResult{fragment: frag, err: err}
		}()

		select {
		case res = <-done:
		case <-unitCtx.Done():
			res.err = unitCtx.Err()
		}
	}

	outcome := schemas.UnitOutcome{
		Unit:     name,
		Fragment: res.fragment,
		Err:      res.err,
		Duration: time.Since(start),
	}
	if res.err != nil {
		outcome.Fragment = nil
		outcome.ErrorTag = failureTag(unitCtx, res.err)
		c.logger.Warn("Scanner unit failed",
			zap.String("unit", name),
			zap.String("target", host),
			zap.String("tag", outcome.ErrorTag),
			zap.Duration("elapsed", outcome.Duration),
			zap.Error(res.err),
		)
		metrics.UnitOutcomesTotal.WithLabelValues(name, outcome.ErrorTag).Inc()
		return outcome
	}

	c.logger.Debug("Scanner unit succeeded",
		zap.String("unit", name),
		zap.String("target", host),
		zap.Duration("elapsed", outcome.Duration),
	)
	metrics.UnitOutcomesTotal.WithLabelValues(name, metrics.StatusSuccess).Inc()
	return outcome
}

// failureTag classifies err for the unit's failure marker. The unit context
// takes precedence because units often wrap or replace the context error.
func failureTag(ctx context.Context, err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return schemas.UnitErrPanic
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return schemas.UnitErrTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return schemas.UnitErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return schemas.UnitErrTimeout
	case errors.Is(err, context.Canceled):
		return schemas.UnitErrCancelled
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return schemas.UnitErrTimeout
	}
	return schemas.UnitErrError
}
