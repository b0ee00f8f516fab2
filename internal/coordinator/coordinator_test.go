package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/hostaudit/api/schemas"
	"github.com/xkilldash9x/hostaudit/internal/target"
)

// -- Test Helpers --

type fakeUnit struct {
	name string
	run  func(ctx context.Context, host string, timeout time.Duration) (json.RawMessage, error)
}

func (f *fakeUnit) Name() string { return f.name }

func (f *fakeUnit) Run(ctx context.Context, host string, timeout time.Duration) (json.RawMessage, error) {
	return f.run(ctx, host, timeout)
}

func okUnit(name, fragment string) *fakeUnit {
	return &fakeUnit{name: name, run: func(context.Context, string, time.Duration) (json.RawMessage, error) {
		return json.RawMessage(fragment), nil
	}}
}

func blockingUnit(name string) *fakeUnit {
	return &fakeUnit{name: name, run: func(ctx context.Context, _ string, _ time.Duration) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func errUnit(name string, err error) *fakeUnit {
	return &fakeUnit{name: name, run: func(context.Context, string, time.Duration) (json.RawMessage, error) {
		return nil, err
	}}
}

func panicUnit(name string) *fakeUnit {
	return &fakeUnit{name: name, run: func(context.Context, string, time.Duration) (json.RawMessage, error) {
		panic("boom")
	}}
}

func newCoordinator(t *testing.T, unitTimeout time.Duration, units ...schemas.ScannerUnit) *Coordinator {
	t.Helper()
	c, err := New(zap.NewNop(), unitTimeout, 0, units...)
	require.NoError(t, err)
	return c
}

func byUnit(outcomes []schemas.UnitOutcome) map[string]schemas.UnitOutcome {
	m := make(map[string]schemas.UnitOutcome, len(outcomes))
	for _, o := range outcomes {
		m[o.Unit] = o
	}
	return m
}

var testTarget = target.MustParse("insecure-demo.test")

// -- Constructor Tests --

func TestNew(t *testing.T) {
	t.Run("should reject duplicate unit names", func(t *testing.T) {
		_, err := New(zap.NewNop(), time.Second, 0, okUnit("headers", "{}"), okUnit("headers", "{}"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate scanner unit name")
	})

	t.Run("should reject nil logger and nil units", func(t *testing.T) {
		_, err := New(nil, time.Second, 0)
		assert.Error(t, err)
		_, err = New(zap.NewNop(), time.Second, 0, nil)
		assert.Error(t, err)
	})

	t.Run("should report unit names in registration order", func(t *testing.T) {
		c := newCoordinator(t, time.Second, okUnit("b", "{}"), okUnit("a", "{}"))
		assert.Equal(t, []string{"b", "a"}, c.Units())
	})
}

// -- Coordinate Tests --

func TestCoordinate_AllSucceed(t *testing.T) {
	defer goleak.VerifyNone(t)

	var seenHost atomic.Value
	probe := &fakeUnit{name: "probe", run: func(_ context.Context, host string, _ time.Duration) (json.RawMessage, error) {
		seenHost.Store(host)
		return json.RawMessage(`{"ok":true}`), nil
	}}
	c := newCoordinator(t, time.Second, probe, okUnit("other", `{"n":1}`))

	outcomes, err := c.Coordinate(context.Background(), testTarget, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "probe", outcomes[0].Unit)
	assert.JSONEq(t, `{"ok":true}`, string(outcomes[0].Fragment))
	assert.False(t, outcomes[1].Failed())
	assert.Equal(t, "insecure-demo.test", seenHost.Load())
}

func TestCoordinate_PartialFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	core, logs := observer.New(zapcore.WarnLevel)
	c, err := New(zap.New(core), 50*time.Millisecond, 0,
		okUnit("headers", `{"missing":["strict-transport-security"]}`),
		blockingUnit("tls"),
		errUnit("ports", errors.New("connection refused")),
		panicUnit("paths"),
	)
	require.NoError(t, err)

	outcomes, err := c.Coordinate(context.Background(), testTarget, time.Second)
	require.NoError(t, err, "unit failures must never fail the coordinator")
	got := byUnit(outcomes)
	require.Len(t, got, 4)

	assert.False(t, got["headers"].Failed())
	assert.Equal(t, schemas.UnitErrTimeout, got["tls"].ErrorTag)
	assert.Equal(t, schemas.UnitErrError, got["ports"].ErrorTag)
	assert.Equal(t, schemas.UnitErrPanic, got["paths"].ErrorTag)
	assert.Nil(t, got["tls"].Fragment)

	var pe *PanicError
	assert.ErrorAs(t, got["paths"].Err, &pe)
	assert.Equal(t, 3, logs.FilterMessage("Scanner unit failed").Len())
}

func TestCoordinate_AllFail(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := newCoordinator(t, time.Second,
		errUnit("a", errors.New("x")),
		errUnit("b", errors.New("y")),
		errUnit("c", errors.New("z")),
	)
	outcomes, err := c.Coordinate(context.Background(), testTarget, time.Second)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.True(t, o.Failed())
		assert.Equal(t, schemas.UnitErrError, o.ErrorTag)
	}
}

func TestCoordinate_OverallDeadlineCapsUnitTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	var gotTimeout atomic.Int64
	unit := &fakeUnit{name: "slow", run: func(ctx context.Context, _ string, timeout time.Duration) (json.RawMessage, error) {
		gotTimeout.Store(int64(timeout))
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	c := newCoordinator(t, time.Hour, unit)

	start := time.Now()
	outcomes, err := c.Coordinate(context.Background(), testTarget, 40*time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int64(40*time.Millisecond), gotTimeout.Load())
	assert.Equal(t, schemas.UnitErrTimeout, outcomes[0].ErrorTag)
}

func TestCoordinate_Cancellation(t *testing.T) {
	t.Run("should fail when cancelled before any unit starts", func(t *testing.T) {
		var started atomic.Bool
		unit := &fakeUnit{name: "a", run: func(context.Context, string, time.Duration) (json.RawMessage, error) {
			started.Store(true)
			return json.RawMessage(`{}`), nil
		}}
		c := newCoordinator(t, time.Second, unit)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.Coordinate(ctx, testTarget, time.Second)
		assert.ErrorIs(t, err, schemas.ErrCoordinationCancelled)
		assert.False(t, started.Load())
	})

	t.Run("should tag in-flight units as cancelled", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		c := newCoordinator(t, time.Minute, blockingUnit("a"), blockingUnit("b"))
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		outcomes, err := c.Coordinate(ctx, testTarget, time.Minute)
		require.NoError(t, err)
		for _, o := range outcomes {
			assert.Equal(t, schemas.UnitErrCancelled, o.ErrorTag)
		}
	})
}

func TestCoordinate_InvalidTarget(t *testing.T) {
	c := newCoordinator(t, time.Second, okUnit("a", "{}"))
	_, err := c.Coordinate(context.Background(), target.Target{}, time.Second)
	assert.ErrorIs(t, err, schemas.ErrInvalidTarget)
}

func TestCoordinate_RespectsParallelLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	var inFlight, peak atomic.Int32
	units := make([]schemas.ScannerUnit, 6)
	for i := range units {
		units[i] = &fakeUnit{name: string(rune('a' + i)), run: func(context.Context, string, time.Duration) (json.RawMessage, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return json.RawMessage(`{}`), nil
		}}
	}
	c, err := New(zap.NewNop(), time.Second, 2, units...)
	require.NoError(t, err)

	outcomes, err := c.Coordinate(context.Background(), testTarget, 5*time.Second)
	require.NoError(t, err)
	assert.Len(t, outcomes, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestFailureTag(t *testing.T) {
	live := context.Background()
	assert.Equal(t, schemas.UnitErrError, failureTag(live, errors.New("nope")))
	assert.Equal(t, schemas.UnitErrTimeout, failureTag(live, context.DeadlineExceeded))
	assert.Equal(t, schemas.UnitErrCancelled, failureTag(live, context.Canceled))
	assert.Equal(t, schemas.UnitErrPanic, failureTag(live, &PanicError{Value: 1}))

	expired, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-expired.Done()
	assert.Equal(t, schemas.UnitErrTimeout, failureTag(expired, errors.New("read: i/o failure")))
}
