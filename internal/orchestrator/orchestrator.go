// File: internal/orchestrator/orchestrator.go
// Description: Runs one scan end to end: quota, fan-out, aggregation, AI
// classification and the single completion transaction. Also exposes the
// ownership-scoped read surface used by the HTTP and CLI layers.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hostaudit/api/schemas"
	"github.com/xkilldash9x/hostaudit/internal/aggregator"
	"github.com/xkilldash9x/hostaudit/internal/config"
	"github.com/xkilldash9x/hostaudit/internal/metrics"
	"github.com/xkilldash9x/hostaudit/internal/observability"
	"github.com/xkilldash9x/hostaudit/internal/target"
)

// ScanStore is the persistence the orchestrator drives.
type ScanStore interface {
	EnsureUser(ctx context.Context, userID int64) error
	CreateScan(ctx context.Context, publicID uuid.UUID, target string, userID int64) (schemas.ScanRecord, error)
	CompleteScan(ctx context.Context, c schemas.ScanCompletion) error
	GetScan(ctx context.Context, publicID uuid.UUID, req schemas.Requester) (schemas.ScanRecord, error)
	ListScans(ctx context.Context, req schemas.Requester, limit, offset int) ([]schemas.ScanRecord, error)
	GetFindings(ctx context.Context, publicID uuid.UUID, req schemas.Requester) ([]schemas.Finding, error)
	GetTechnologies(ctx context.Context, publicID uuid.UUID, req schemas.Requester) ([]schemas.Technology, error)
	GetAISummary(ctx context.Context, publicID uuid.UUID, req schemas.Requester) (*schemas.AISummary, error)
	GetReport(ctx context.Context, publicID uuid.UUID, req schemas.Requester) (schemas.ScanReport, error)
	DeleteScan(ctx context.Context, publicID uuid.UUID, req schemas.Requester) error
}

// Coordinator fans a target out to the scanner units.
type Coordinator interface {
	Coordinate(ctx context.Context, tgt target.Target, overall time.Duration) ([]schemas.UnitOutcome, error)
}

// Classifier produces the AI analysis of an aggregated document.
type Classifier interface {
	Classify(ctx context.Context, target string, doc json.RawMessage) (schemas.Classification, error)
}

// UsageGuard enforces the daily quota.
type UsageGuard interface {
	Acquire(ctx context.Context, userID int64) error
	Status(ctx context.Context, userID int64) (schemas.UsageStatus, error)
}

// Orchestrator manages the lifecycle of a scan.
type Orchestrator struct {
	logger         *zap.Logger
	store          ScanStore
	coordinator    Coordinator
	classifier     Classifier
	guard          UsageGuard
	overallTimeout time.Duration
	persistTimeout time.Duration
	aggregate      func([]schemas.UnitOutcome) (json.RawMessage, error)
}

// New creates an Orchestrator. Timeouts come from the scan and database
// sections of cfg.
func New(
	cfg config.Interface,
	logger *zap.Logger,
	store ScanStore,
	coordinator Coordinator,
	classifier Classifier,
	guard UsageGuard,
) (*Orchestrator, error) {
	if cfg == nil ||
		logger == nil ||
		store == nil ||
		coordinator == nil ||
		classifier == nil ||
		guard == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	return &Orchestrator{
		logger:         logger.Named("orchestrator"),
		store:          store,
		coordinator:    coordinator,
		classifier:     classifier,
		guard:          guard,
		overallTimeout: cfg.Scan().OverallTimeout,
		persistTimeout: cfg.Database().PersistTimeout,
		aggregate:      aggregator.Aggregate,
	}, nil
}

// ExecuteScan runs a full scan of rawTarget on behalf of req.
//
// It fails with schemas.ErrInvalidTarget or schemas.ErrQuotaExceeded before
// any work starts, and with schemas.ErrOrchestrationFailed when the scan
// cannot be recorded. Scanner and classifier faults are not errors: they end
// up in the stored document and the summary.
func (o *Orchestrator) ExecuteScan(ctx context.Context, rawTarget string, req schemas.Requester) (schemas.ScanResult, error) {
	tgt, err := target.Parse(rawTarget)
	if err != nil {
		metrics.ScansTotal.WithLabelValues(metrics.StatusInvalidTarget).Inc()
		return schemas.ScanResult{}, err
	}

	if err := o.store.EnsureUser(ctx, req.UserID); err != nil {
		return schemas.ScanResult{}, o.fail("Failed to register requester.", err, zap.Int64("user_id", req.UserID))
	}

	if err := o.guard.Acquire(ctx, req.UserID); err != nil {
		if errors.Is(err, schemas.ErrQuotaExceeded) {
			metrics.ScansTotal.WithLabelValues(metrics.StatusQuotaExceeded).Inc()
			return schemas.ScanResult{}, err
		}
		return schemas.ScanResult{}, o.fail("Usage check failed.", err, zap.Int64("user_id", req.UserID))
	}

	rec, err := o.store.CreateScan(ctx, uuid.New(), tgt.String(), req.UserID)
	if err != nil {
		return schemas.ScanResult{}, o.fail("Failed to create scan record.", err, zap.String("target", tgt.String()))
	}
	logger := o.logger.With(observability.ScanFields(rec.PublicID, rec.Target)...)
	logger.Info("Scan started.", zap.Int64("user_id", req.UserID))

	start := time.Now()
	outcomes, err := o.coordinator.Coordinate(ctx, tgt, o.overallTimeout)
	if err != nil {
		metrics.ScansTotal.WithLabelValues(metrics.StatusFailed).Inc()
		logger.Warn("Scan abandoned before any unit started.", zap.Error(err))
		return schemas.ScanResult{}, fmt.Errorf("%w: %w", schemas.ErrOrchestrationFailed, err)
	}

	doc, err := o.aggregate(outcomes)
	if err != nil {
		metrics.ScansTotal.WithLabelValues(metrics.StatusFailed).Inc()
		logger.Error("Failed to aggregate unit outcomes.", zap.Error(err))
		return schemas.ScanResult{}, fmt.Errorf("%w: %w", schemas.ErrOrchestrationFailed, err)
	}

	classification, err := o.classifier.Classify(ctx, tgt.String(), doc)
	if err != nil {
		logger.Info("Completing scan without AI summary.", zap.Error(err))
	}

	duration := time.Since(start)
	completion := schemas.ScanCompletion{
		ScanID:       rec.ID,
		RawJSON:      doc,
		Summary:      classification.Summary,
		Duration:     duration,
		Findings:     classification.Findings,
		Technologies: classification.Technologies,
		AISummary:    classification.AISummary,
	}

	// A caller that goes away now must not leave a half-written scan behind.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
	defer cancel()
	if err := o.store.CompleteScan(persistCtx, completion); err != nil {
		metrics.ScansTotal.WithLabelValues(metrics.StatusFailed).Inc()
		logger.Error("Failed to persist scan results.", zap.Error(err))
		return schemas.ScanResult{}, fmt.Errorf("%w: %w", schemas.ErrOrchestrationFailed, err)
	}

	rec.RawJSON = doc
	rec.Summary = completion.Summary
	rec.HasCompleted = true
	rec.Duration = &duration

	metrics.ScansTotal.WithLabelValues(metrics.StatusCompleted).Inc()
	metrics.ScanDuration.Observe(duration.Seconds())
	logger.Info("Scan completed.",
		zap.Duration("duration", duration),
		zap.Int("findings", len(completion.Findings)),
		zap.Int("technologies", len(completion.Technologies)),
		zap.Bool("ai_summary", completion.AISummary != nil),
	)
	return schemas.NewScanResult(rec), nil
}

func (o *Orchestrator) fail(msg string, err error, fields ...zap.Field) error {
	metrics.ScansTotal.WithLabelValues(metrics.StatusFailed).Inc()
	o.logger.Error(msg, append(fields, zap.Error(err))...)
	return fmt.Errorf("%w: %w", schemas.ErrOrchestrationFailed, err)
}

// -- Read surface --

// GetScan returns the scan if req may see it.
func (o *Orchestrator) GetScan(ctx context.Context, publicID uuid.UUID, req schemas.Requester) (schemas.ScanResult, error) {
	rec, err := o.store.GetScan(ctx, publicID, req)
	if err != nil {
		return schemas.ScanResult{}, err
	}
	return schemas.NewScanResult(rec), nil
}

// ListScans returns a page of the scans req may see, newest first.
func (o *Orchestrator) ListScans(ctx context.Context, req schemas.Requester, limit, offset int) ([]schemas.ScanResult, error) {
	recs, err := o.store.ListScans(ctx, req, limit, offset)
	if err != nil {
		return nil, err
	}
	results := make([]schemas.ScanResult, len(recs))
	for i, r := range recs {
		results[i] = schemas.NewScanResult(r)
	}
	return results, nil
}

func (o *Orchestrator) GetFindings(ctx context.Context, publicID uuid.UUID, req schemas.Requester) ([]schemas.Finding, error) {
	return o.store.GetFindings(ctx, publicID, req)
}

func (o *Orchestrator) GetTechnologies(ctx context.Context, publicID uuid.UUID, req schemas.Requester) ([]schemas.Technology, error) {
	return o.store.GetTechnologies(ctx, publicID, req)
}

func (o *Orchestrator) GetAISummary(ctx context.Context, publicID uuid.UUID, req schemas.Requester) (*schemas.AISummary, error) {
	return o.store.GetAISummary(ctx, publicID, req)
}

// GetReport returns the scan with its raw document and every child.
func (o *Orchestrator) GetReport(ctx context.Context, publicID uuid.UUID, req schemas.Requester) (schemas.ScanReport, error) {
	return o.store.GetReport(ctx, publicID, req)
}

// DeleteScan removes the scan and, through cascades, all of its children.
func (o *Orchestrator) DeleteScan(ctx context.Context, publicID uuid.UUID, req schemas.Requester) error {
	if err := o.store.DeleteScan(ctx, publicID, req); err != nil {
		return err
	}
	o.logger.Info("Scan deleted.", zap.String("scan_id", publicID.String()), zap.Int64("requester", req.UserID))
	return nil
}

// UsageStatus reports today's quota consumption for req.
func (o *Orchestrator) UsageStatus(ctx context.Context, req schemas.Requester) (schemas.UsageStatus, error) {
	return o.guard.Status(ctx, req.UserID)
}
