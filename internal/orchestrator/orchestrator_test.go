// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/hostaudit/api/schemas"
	"github.com/xkilldash9x/hostaudit/internal/aggregator"
	"github.com/xkilldash9x/hostaudit/internal/classifier"
	"github.com/xkilldash9x/hostaudit/internal/config"
	"github.com/xkilldash9x/hostaudit/internal/coordinator"
	"github.com/xkilldash9x/hostaudit/internal/mocks"
	"github.com/xkilldash9x/hostaudit/internal/target"
	"github.com/xkilldash9x/hostaudit/internal/usage"
)

// -- In-memory store --

type storedScan struct {
	rec          schemas.ScanRecord
	findings     []schemas.Finding
	technologies []schemas.Technology
	summary      *schemas.AISummary
}

// memStore mimics the Postgres store: ownership-scoped reads, an atomic
// completion step and conditional usage counters.
type memStore struct {
	mu          sync.Mutex
	nextID      int64
	scans       map[uuid.UUID]*storedScan
	users       map[int64]bool
	usage       map[int64]int
	completeErr error
	completeCtx context.Context
}

func newMemStore() *memStore {
	return &memStore{scans: map[uuid.UUID]*storedScan{}, users: map[int64]bool{}, usage: map[int64]int{}}
}

func (m *memStore) EnsureUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = true
	return nil
}

func (m *memStore) CreateScan(_ context.Context, publicID uuid.UUID, tgt string, userID int64) (schemas.ScanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec := schemas.ScanRecord{ID: m.nextID, PublicID: publicID, Target: tgt, UserID: userID, CreatedAt: time.Now().UTC()}
	m.scans[publicID] = &storedScan{rec: rec}
	return rec, nil
}

func (m *memStore) CompleteScan(ctx context.Context, c schemas.ScanCompletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeCtx = ctx
	if m.completeErr != nil {
		return m.completeErr
	}
	if err := rejectNUL(c); err != nil {
		return err
	}
	for _, s := range m.scans {
		if s.rec.ID != c.ScanID {
			continue
		}
		if s.rec.HasCompleted {
			return errors.New("already completed")
		}
		d := c.Duration
		s.rec.RawJSON, s.rec.Summary, s.rec.Duration, s.rec.HasCompleted = c.RawJSON, c.Summary, &d, true
		s.findings, s.technologies, s.summary = c.Findings, c.Technologies, c.AISummary
		return nil
	}
	return errors.New("no such scan")
}

// rejectNUL fails the way Postgres does for NUL in json or text values.
func rejectNUL(c schemas.ScanCompletion) error {
	errNUL := errors.New("ERROR: unsupported Unicode escape sequence (SQLSTATE 22P05)")
	if strings.Contains(string(c.RawJSON), `\u0000`) || strings.ContainsRune(c.Summary, 0) {
		return errNUL
	}
	for _, f := range c.Findings {
		if strings.ContainsRune(f.Type+f.Description+f.Evidence+f.Recommendation, 0) {
			return errNUL
		}
	}
	for _, tech := range c.Technologies {
		if strings.ContainsRune(tech.Name+tech.Category+tech.Description, 0) {
			return errNUL
		}
	}
	if c.AISummary != nil && strings.ContainsRune(c.AISummary.Summary+c.AISummary.MainCategory+c.AISummary.Notes, 0) {
		return errNUL
	}
	return nil
}

func (m *memStore) visible(publicID uuid.UUID, req schemas.Requester) (*storedScan, error) {
	s, ok := m.scans[publicID]
	if !ok || (!req.IsAdmin && s.rec.UserID != req.UserID) {
		return nil, schemas.ErrNotFound
	}
	return s, nil
}

func (m *memStore) GetScan(_ context.Context, publicID uuid.UUID, req schemas.Requester) (schemas.ScanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.visible(publicID, req)
	if err != nil {
		return schemas.ScanRecord{}, err
	}
	return s.rec, nil
}

func (m *memStore) ListScans(_ context.Context, req schemas.Requester, limit, offset int) ([]schemas.ScanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schemas.ScanRecord
	for _, s := range m.scans {
		if req.IsAdmin || s.rec.UserID == req.UserID {
			out = append(out, s.rec)
		}
	}
	return out, nil
}

func (m *memStore) GetFindings(_ context.Context, publicID uuid.UUID, req schemas.Requester) ([]schemas.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.visible(publicID, req)
	if err != nil {
		return nil, err
	}
	return s.findings, nil
}

func (m *memStore) GetTechnologies(_ context.Context, publicID uuid.UUID, req schemas.Requester) ([]schemas.Technology, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.visible(publicID, req)
	if err != nil {
		return nil, err
	}
	return s.technologies, nil
}

func (m *memStore) GetAISummary(_ context.Context, publicID uuid.UUID, req schemas.Requester) (*schemas.AISummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.visible(publicID, req)
	if err != nil {
		return nil, err
	}
	if s.summary == nil {
		return nil, schemas.ErrNotFound
	}
	return s.summary, nil
}

func (m *memStore) GetReport(_ context.Context, publicID uuid.UUID, req schemas.Requester) (schemas.ScanReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.visible(publicID, req)
	if err != nil {
		return schemas.ScanReport{}, err
	}
	return schemas.ScanReport{Scan: schemas.NewScanResult(s.rec), RawJSON: s.rec.RawJSON, Findings: s.findings, Technologies: s.technologies, AISummary: s.summary}, nil
}

func (m *memStore) DeleteScan(_ context.Context, publicID uuid.UUID, req schemas.Requester) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.visible(publicID, req); err != nil {
		return err
	}
	delete(m.scans, publicID)
	return nil
}

func (m *memStore) TryIncrementUsage(_ context.Context, userID int64, _ time.Time, limit int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usage[userID] >= limit {
		return 0, false, nil
	}
	m.usage[userID]++
	return m.usage[userID], true, nil
}

func (m *memStore) IncrementUsage(_ context.Context, userID int64, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[userID]++
	return m.usage[userID], nil
}

func (m *memStore) UsageCount(_ context.Context, userID int64, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[userID], nil
}

func (m *memStore) only(t *testing.T) *storedScan {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.scans, 1)
	for _, s := range m.scans {
		return s
	}
	return nil
}

// -- Stub classifier --

type classifierFunc func(ctx context.Context, target string, doc json.RawMessage) (schemas.Classification, error)

func (f classifierFunc) Classify(ctx context.Context, target string, doc json.RawMessage) (schemas.Classification, error) {
	return f(ctx, target, doc)
}

func okClassifier(summary string) classifierFunc {
	return func(context.Context, string, json.RawMessage) (schemas.Classification, error) {
		return schemas.Classification{Summary: summary, AISummary: &schemas.AISummary{Summary: summary}}, nil
	}
}

// -- Test harness --

type harness struct {
	orch  *Orchestrator
	store *memStore
	logs  *observer.ObservedLogs
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.ScanCfg.OverallTimeout = 2 * time.Second
	cfg.DatabaseCfg.PersistTimeout = time.Second
	cfg.UsageCfg.DailyLimit = 3
	return cfg
}

func newHarness(t *testing.T, cls Classifier, units ...schemas.ScannerUnit) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	cfg := testConfig()

	store := newMemStore()
	coord, err := coordinator.New(logger, 200*time.Millisecond, 0, units...)
	require.NoError(t, err)
	guard, err := usage.New(logger, store, cfg.Usage())
	require.NoError(t, err)

	orch, err := New(cfg, logger, store, coord, cls, guard)
	require.NoError(t, err)
	return &harness{orch: orch, store: store, logs: logs}
}

func staticUnit(name, fragment string) *mocks.MockScannerUnit {
	u := &mocks.MockScannerUnit{UnitName: name}
	u.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(json.RawMessage(fragment), nil)
	return u
}

func hangingUnit(name string) *mocks.MockScannerUnit {
	u := &mocks.MockScannerUnit{UnitName: name}
	u.On("Run", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return(nil, context.DeadlineExceeded)
	return u
}

var owner = schemas.Requester{UserID: 7}

// -- Test Cases --

func TestNew(t *testing.T) {
	t.Run("should reject nil dependencies", func(t *testing.T) {
		_, err := New(nil, zap.NewNop(), newMemStore(), nil, nil, nil)
		assert.Error(t, err)
	})

	t.Run("should read timeouts through the config interface", func(t *testing.T) {
		cfg := new(mocks.MockConfig)
		cfg.On("Scan").Return(config.ScanConfig{OverallTimeout: time.Minute}).Once()
		cfg.On("Database").Return(config.DatabaseConfig{PersistTimeout: 5 * time.Second}).Once()

		store := newMemStore()
		coord, err := coordinator.New(zap.NewNop(), time.Second, 0)
		require.NoError(t, err)
		guard, err := usage.New(zap.NewNop(), store, config.UsageConfig{})
		require.NoError(t, err)

		orch, err := New(cfg, zap.NewNop(), store, coord, okClassifier(""), guard)
		require.NoError(t, err)
		assert.Equal(t, time.Minute, orch.overallTimeout)
		assert.Equal(t, 5*time.Second, orch.persistTimeout)
		cfg.AssertExpectations(t)
	})
}

func TestExecuteScan_EndToEnd(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	llm.On("Generate", mock.Anything, mock.Anything).Return("```json\n"+`{
		"summary": "The site does not enforce HSTS.",
		"main_category": "Headers de Segurança",
		"overall_risk": "null",
		"notes": "The TLS scanner timed out.",
		"findings": [{"type": "Headers de Segurança", "description": "Strict-Transport-Security is missing", "severity": "Medium", "evidence": "headers.missing", "recommendation": "Send HSTS with max-age >= 15552000"}],
		"technologies": []
	}`+"\n```", nil).Once()
	cls := classifier.New(zap.NewNop(), llm, testConfig().Classifier())

	h := newHarness(t, cls,
		staticUnit("headers", `{"status_code": 200, "missing": ["strict-transport-security"]}`),
		hangingUnit("tls"),
		staticUnit("ports", `{}`),
	)

	result, err := h.orch.ExecuteScan(context.Background(), "insecure-demo.test", owner)
	require.NoError(t, err)
	assert.True(t, result.HasCompleted)
	assert.Equal(t, "insecure-demo.test", result.Target)
	assert.Equal(t, "The site does not enforce HSTS.", result.Summary)
	require.NotNil(t, result.DurationMS)
	assert.NotEqual(t, uuid.Nil, result.PublicID)

	stored := h.store.only(t)
	assert.True(t, stored.rec.HasCompleted)
	require.Len(t, stored.findings, 1)
	assert.Equal(t, "Headers de Segurança", stored.findings[0].Type)
	assert.Equal(t, schemas.SeverityMedium, stored.findings[0].Severity)
	assert.Empty(t, stored.technologies)
	require.NotNil(t, stored.summary)
	assert.Equal(t, schemas.SeverityMedium, stored.summary.OverallRisk)

	keys, err := aggregator.Units(stored.rec.RawJSON)
	require.NoError(t, err)
	assert.Equal(t, []string{"headers", "ports", "tls"}, keys)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(stored.rec.RawJSON, &doc))
	var marker aggregator.Marker
	require.NoError(t, json.Unmarshal(doc["tls"], &marker))
	assert.Equal(t, aggregator.StatusFailed, marker.Status)
	assert.Equal(t, schemas.UnitErrTimeout, marker.Error)
	assert.JSONEq(t, `{}`, string(doc["ports"]))

	llm.AssertExpectations(t)
}

func TestExecuteScan_PersistsNULBearingResults(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	llm.On("Generate", mock.Anything, mock.Anything).Return(`{
		"summary": "Certificate names evil.test\u0000.bank.example",
		"findings": [{"type": "TLS", "description": "NUL in SAN", "severity": "high", "evidence": "evil.test\u0000.bank.example"}],
		"technologies": []
	}`, nil).Once()
	cls := classifier.New(zap.NewNop(), llm, testConfig().Classifier())

	h := newHarness(t, cls,
		staticUnit("tls", `{"dns_names": ["evil.test\u0000.bank.example"]}`),
		staticUnit("headers", `{}`),
	)

	result, err := h.orch.ExecuteScan(context.Background(), "nul-demo.test", owner)
	require.NoError(t, err)
	assert.True(t, result.HasCompleted)

	stored := h.store.only(t)
	assert.True(t, stored.rec.HasCompleted)
	assert.JSONEq(t, `{"headers":{},"tls":{"dns_names":["evil.test.bank.example"]}}`, string(stored.rec.RawJSON))
	assert.Equal(t, "Certificate names evil.test.bank.example", stored.rec.Summary)
	require.Len(t, stored.findings, 1)
	assert.Equal(t, "evil.test.bank.example", stored.findings[0].Evidence)
}

func TestExecuteScan_InvalidTarget(t *testing.T) {
	h := newHarness(t, okClassifier("x"), staticUnit("headers", `{}`))

	_, err := h.orch.ExecuteScan(context.Background(), "not a host", owner)
	assert.ErrorIs(t, err, schemas.ErrInvalidTarget)
	assert.Empty(t, h.store.scans)
	assert.Zero(t, h.store.usage[owner.UserID], "invalid targets must not consume quota")
}

func TestExecuteScan_QuotaExceeded(t *testing.T) {
	h := newHarness(t, okClassifier("ok"), staticUnit("headers", `{}`))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.orch.ExecuteScan(ctx, "example.com", owner)
		require.NoError(t, err)
	}
	_, err := h.orch.ExecuteScan(ctx, "example.com", owner)
	assert.ErrorIs(t, err, schemas.ErrQuotaExceeded)
	assert.Len(t, h.store.scans, 3, "a rejected request creates no scan record")
	assert.Equal(t, 0, h.logs.FilterLevelExact(zap.ErrorLevel).Len())
}

func TestExecuteScan_AllUnitsFail(t *testing.T) {
	h := newHarness(t, okClassifier("nothing to report"), hangingUnit("a"), hangingUnit("b"))

	result, err := h.orch.ExecuteScan(context.Background(), "example.com", owner)
	require.NoError(t, err)
	assert.True(t, result.HasCompleted)

	keys, err := aggregator.Units(h.store.only(t).rec.RawJSON)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestExecuteScan_ClassifierUnavailable(t *testing.T) {
	cls := classifierFunc(func(context.Context, string, json.RawMessage) (schemas.Classification, error) {
		return schemas.Classification{Summary: classifier.UnavailableSummary, Degraded: true}, schemas.ErrClassifierUnavailable
	})
	h := newHarness(t, cls, staticUnit("headers", `{}`))

	result, err := h.orch.ExecuteScan(context.Background(), "example.com", owner)
	require.NoError(t, err)
	assert.True(t, result.HasCompleted)
	assert.Equal(t, classifier.UnavailableSummary, result.Summary)
	assert.Nil(t, h.store.only(t).summary)
}

func TestExecuteScan_PersistenceFailure(t *testing.T) {
	h := newHarness(t, okClassifier("ok"), staticUnit("headers", `{}`))
	h.store.completeErr = errors.New("connection reset by peer")

	_, err := h.orch.ExecuteScan(context.Background(), "example.com", owner)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrOrchestrationFailed)

	stored := h.store.only(t)
	assert.False(t, stored.rec.HasCompleted, "the record stays in progress")
	assert.Empty(t, stored.findings)
	assert.Nil(t, stored.summary)

	errs := h.logs.FilterMessage("Failed to persist scan results.").All()
	require.Len(t, errs, 1)
	assert.Equal(t, stored.rec.PublicID.String(), errs[0].ContextMap()["scan_id"])
	assert.Equal(t, "example.com", errs[0].ContextMap()["target"])
}

func TestExecuteScan_LateCancellationStillPersists(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cls := classifierFunc(func(context.Context, string, json.RawMessage) (schemas.Classification, error) {
		cancel() // the client disconnects while the AI call is in flight
		return schemas.Classification{Summary: classifier.UnavailableSummary, Degraded: true}, schemas.ErrClassifierUnavailable
	})
	h := newHarness(t, cls, staticUnit("headers", `{}`))

	result, err := h.orch.ExecuteScan(ctx, "example.com", owner)
	require.NoError(t, err)
	assert.True(t, result.HasCompleted)
	require.NotNil(t, h.store.completeCtx)
	assert.NoError(t, h.store.completeCtx.Err(), "completion must not inherit the caller's cancellation")
	_, hasDeadline := h.store.completeCtx.Deadline()
	assert.True(t, hasDeadline, "completion is bounded by the persist timeout")
}

func TestExecuteScan_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, okClassifier("ok"), staticUnit("headers", `{}`))
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel once the record exists but before the coordinator runs.
	h.orch.coordinator = coordinatorFunc(func(c context.Context, tgt target.Target, d time.Duration) ([]schemas.UnitOutcome, error) {
		cancel()
		coord, _ := coordinator.New(zap.NewNop(), time.Second, 0)
		return coord.Coordinate(c, tgt, d)
	})

	_, err := h.orch.ExecuteScan(ctx, "example.com", owner)
	assert.ErrorIs(t, err, schemas.ErrOrchestrationFailed)
	assert.ErrorIs(t, err, schemas.ErrCoordinationCancelled)
	assert.False(t, h.store.only(t).rec.HasCompleted)
}

type coordinatorFunc func(ctx context.Context, tgt target.Target, overall time.Duration) ([]schemas.UnitOutcome, error)

func (f coordinatorFunc) Coordinate(ctx context.Context, tgt target.Target, overall time.Duration) ([]schemas.UnitOutcome, error) {
	return f(ctx, tgt, overall)
}

func TestReadSurface_Ownership(t *testing.T) {
	h := newHarness(t, okClassifier("ok"), staticUnit("headers", `{}`))
	ctx := context.Background()

	result, err := h.orch.ExecuteScan(ctx, "example.com", owner)
	require.NoError(t, err)

	stranger := schemas.Requester{UserID: 99}
	admin := schemas.Requester{UserID: 1, IsAdmin: true}

	_, err = h.orch.GetScan(ctx, result.PublicID, stranger)
	assert.ErrorIs(t, err, schemas.ErrNotFound)
	_, err = h.orch.GetFindings(ctx, result.PublicID, stranger)
	assert.ErrorIs(t, err, schemas.ErrNotFound)
	assert.ErrorIs(t, h.orch.DeleteScan(ctx, result.PublicID, stranger), schemas.ErrNotFound)

	got, err := h.orch.GetScan(ctx, result.PublicID, owner)
	require.NoError(t, err)
	assert.Equal(t, result.PublicID, got.PublicID)

	report, err := h.orch.GetReport(ctx, result.PublicID, admin)
	require.NoError(t, err)
	assert.True(t, report.Scan.HasCompleted)

	list, err := h.orch.ListScans(ctx, owner, 20, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = h.orch.ListScans(ctx, stranger, 20, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	status, err := h.orch.UsageStatus(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Count)
	assert.Equal(t, 2, status.Remaining)

	require.NoError(t, h.orch.DeleteScan(ctx, result.PublicID, admin))
	_, err = h.orch.GetScan(ctx, result.PublicID, owner)
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}
