package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hostaudit/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store is the PostgreSQL persistence layer for scans and usage counters.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

var (
	findingColumns    = []string{"scan_id", "type", "description", "severity", "evidence", "recommendation", "created_at"}
	technologyColumns = []string{"scan_id", "name", "version", "category", "description"}
)

const (
	sqlEnsureUser = `
        INSERT INTO users (id) VALUES ($1)
        ON CONFLICT (id) DO NOTHING;
    `
	sqlCreateScan = `
        INSERT INTO scan_records (public_id, target, user_id, created_at)
        VALUES ($1, $2, $3, $4)
        RETURNING id;
    `
	sqlCompleteScan = `
        UPDATE scan_records
        SET raw_json = $2, summary = $3, duration_ms = $4, has_completed = TRUE, completed_at = $5
        WHERE id = $1 AND NOT has_completed;
    `
	sqlInsertAISummary = `
        INSERT INTO ai_summaries (scan_id, summary, main_category, overall_risk, informational_count, low_count, medium_count, high_count, critical_count, notes, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
    `
	sqlGetScan = `
        SELECT id, public_id, target, user_id, raw_json, summary, has_completed, duration_ms, created_at
        FROM scan_records
        WHERE public_id = $1 AND ($2 OR user_id = $3);
    `
	sqlListScans = `
        SELECT id, public_id, target, user_id, summary, has_completed, duration_ms, created_at
        FROM scan_records
        WHERE ($1 OR user_id = $2)
        ORDER BY created_at DESC, id DESC
        LIMIT $3 OFFSET $4;
    `
	sqlResolveScan = `
        SELECT id FROM scan_records
        WHERE public_id = $1 AND ($2 OR user_id = $3);
    `
	sqlGetFindings = `
        SELECT id, type, description, severity, evidence, recommendation, created_at
        FROM findings
        WHERE scan_id = $1
        ORDER BY id ASC;
    `
	sqlGetTechnologies = `
        SELECT id, name, version, category, description
        FROM technologies
        WHERE scan_id = $1
        ORDER BY id ASC;
    `
	sqlGetAISummary = `
        SELECT summary, main_category, overall_risk, informational_count, low_count, medium_count, high_count, critical_count, notes, created_at
        FROM ai_summaries
        WHERE scan_id = $1;
    `
	sqlDeleteScan = `
        DELETE FROM scan_records
        WHERE public_id = $1 AND ($2 OR user_id = $3);
    `
)

// EnsureUser registers the user id handed over by the gateway so scans and
// usage rows can reference it.
func (s *Store) EnsureUser(ctx context.Context, userID int64) error {
	if _, err := s.pool.Exec(ctx, sqlEnsureUser, userID); err != nil {
		return fmt.Errorf("failed to ensure user %d: %w", userID, err)
	}
	return nil
}

// CreateScan inserts a scan record in the in-progress state.
func (s *Store) CreateScan(ctx context.Context, publicID uuid.UUID, target string, userID int64) (schemas.ScanRecord, error) {
	createdAt := time.Now().UTC()
	rec := schemas.ScanRecord{
		PublicID:  publicID,
		Target:    target,
		UserID:    userID,
		CreatedAt: createdAt,
	}
	if err := s.pool.QueryRow(ctx, sqlCreateScan, publicID, target, userID, createdAt).Scan(&rec.ID); err != nil {
		return schemas.ScanRecord{}, fmt.Errorf("failed to create scan record: %w", err)
	}
	return rec, nil
}

// CompleteScan writes the completion fields and every child row in a single
// transaction. The record must still be in progress; on any failure nothing
// is committed and the record stays incomplete.
func (s *Store) CompleteScan(ctx context.Context, c schemas.ScanCompletion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr), zap.Int64("scan_id", c.ScanID))
		}
	}()

	rawJSON := c.RawJSON
	if len(rawJSON) == 0 {
		rawJSON = []byte("{}")
	}
	tag, err := tx.Exec(ctx, sqlCompleteScan, c.ScanID, []byte(rawJSON), c.Summary, c.Duration.Milliseconds(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update scan record: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("scan record %d is missing or already completed", c.ScanID)
	}

	if len(c.Findings) > 0 {
		if err := s.persistFindings(ctx, tx, c.ScanID, c.Findings); err != nil {
			return err
		}
	}
	if len(c.Technologies) > 0 {
		if err := s.persistTechnologies(ctx, tx, c.ScanID, c.Technologies); err != nil {
			return err
		}
	}
	if c.AISummary != nil {
		a := c.AISummary
		_, err := tx.Exec(ctx, sqlInsertAISummary,
			c.ScanID, a.Summary, a.MainCategory, string(a.OverallRisk),
			a.Counts.Informational, a.Counts.Low, a.Counts.Medium, a.Counts.High, a.Counts.Critical,
			a.Notes, a.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert AI summary: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) persistFindings(ctx context.Context, tx pgx.Tx, scanID int64, findings []schemas.Finding) error {
	rows := make([][]interface{}, len(findings))
	for i, f := range findings {
		createdAt := f.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		rows[i] = []interface{}{
			scanID, f.Type, f.Description, string(f.Severity),
			f.Evidence, f.Recommendation, createdAt.UTC(),
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"findings"}, findingColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy findings: %w", err)
	}
	if int(copyCount) != len(findings) {
		return fmt.Errorf("mismatch in copied findings count: expected %d, got %d", len(findings), copyCount)
	}
	return nil
}

func (s *Store) persistTechnologies(ctx context.Context, tx pgx.Tx, scanID int64, techs []schemas.Technology) error {
	rows := make([][]interface{}, len(techs))
	for i, t := range techs {
		rows[i] = []interface{}{scanID, t.Name, t.Version, t.Category, t.Description}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"technologies"}, technologyColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy technologies: %w", err)
	}
	if int(copyCount) != len(techs) {
		return fmt.Errorf("mismatch in copied technologies count: expected %d, got %d", len(techs), copyCount)
	}
	return nil
}

// -- Ownership-scoped reads --

// GetScan returns the record when it exists and the requester may see it.
// A record owned by another user is reported as schemas.ErrNotFound.
func (s *Store) GetScan(ctx context.Context, publicID uuid.UUID, req schemas.Requester) (schemas.ScanRecord, error) {
	var (
		rec        schemas.ScanRecord
		rawJSON    []byte
		durationMS *int64
	)
	err := s.pool.QueryRow(ctx, sqlGetScan, publicID, req.IsAdmin, req.UserID).Scan(
		&rec.ID, &rec.PublicID, &rec.Target, &rec.UserID, &rawJSON,
		&rec.Summary, &rec.HasCompleted, &durationMS, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.ScanRecord{}, schemas.ErrNotFound
	}
	if err != nil {
		return schemas.ScanRecord{}, fmt.Errorf("failed to query scan record: %w", err)
	}
	rec.RawJSON = rawJSON
	rec.Duration = millisToDuration(durationMS)
	return rec, nil
}

// ListScans returns the requester's scans, newest first. Admins see every scan.
// Raw JSON is not loaded.
func (s *Store) ListScans(ctx context.Context, req schemas.Requester, limit, offset int) ([]schemas.ScanRecord, error) {
	rows, err := s.pool.Query(ctx, sqlListScans, req.IsAdmin, req.UserID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan records: %w", err)
	}
	defer rows.Close()

	records := []schemas.ScanRecord{}
	for rows.Next() {
		var (
			rec        schemas.ScanRecord
			durationMS *int64
		)
		if err := rows.Scan(&rec.ID, &rec.PublicID, &rec.Target, &rec.UserID, &rec.Summary, &rec.HasCompleted, &durationMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scan record row: %w", err)
		}
		rec.Duration = millisToDuration(durationMS)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// GetFindings returns the findings of a scan visible to the requester.
func (s *Store) GetFindings(ctx context.Context, publicID uuid.UUID, req schemas.Requester) ([]schemas.Finding, error) {
	id, err := s.resolveScanID(ctx, publicID, req)
	if err != nil {
		return nil, err
	}
	return s.findingsByScanID(ctx, id)
}

// GetTechnologies returns the technologies of a scan visible to the requester.
func (s *Store) GetTechnologies(ctx context.Context, publicID uuid.UUID, req schemas.Requester) ([]schemas.Technology, error) {
	id, err := s.resolveScanID(ctx, publicID, req)
	if err != nil {
		return nil, err
	}
	return s.technologiesByScanID(ctx, id)
}

// GetAISummary returns the AI summary of a scan visible to the requester, or
// schemas.ErrNotFound when the scan has none.
func (s *Store) GetAISummary(ctx context.Context, publicID uuid.UUID, req schemas.Requester) (*schemas.AISummary, error) {
	id, err := s.resolveScanID(ctx, publicID, req)
	if err != nil {
		return nil, err
	}
	summary, err := s.aiSummaryByScanID(ctx, id)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, schemas.ErrNotFound
	}
	return summary, nil
}

// GetReport loads a scan with all of its children. Children are only read for
// completed scans since an incomplete scan never has any.
func (s *Store) GetReport(ctx context.Context, publicID uuid.UUID, req schemas.Requester) (schemas.ScanReport, error) {
	rec, err := s.GetScan(ctx, publicID, req)
	if err != nil {
		return schemas.ScanReport{}, err
	}
	report := schemas.ScanReport{
		Scan:         schemas.NewScanResult(rec),
		RawJSON:      rec.RawJSON,
		Findings:     []schemas.Finding{},
		Technologies: []schemas.Technology{},
	}
	if !rec.HasCompleted {
		return report, nil
	}

	if report.Findings, err = s.findingsByScanID(ctx, rec.ID); err != nil {
		return schemas.ScanReport{}, err
	}
	if report.Technologies, err = s.technologiesByScanID(ctx, rec.ID); err != nil {
		return schemas.ScanReport{}, err
	}
	if report.AISummary, err = s.aiSummaryByScanID(ctx, rec.ID); err != nil {
		return schemas.ScanReport{}, err
	}
	return report, nil
}

// DeleteScan removes a scan visible to the requester. Children go with it
// through the foreign key cascades.
func (s *Store) DeleteScan(ctx context.Context, publicID uuid.UUID, req schemas.Requester) error {
	tag, err := s.pool.Exec(ctx, sqlDeleteScan, publicID, req.IsAdmin, req.UserID)
	if err != nil {
		return fmt.Errorf("failed to delete scan record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return schemas.ErrNotFound
	}
	return nil
}

func (s *Store) resolveScanID(ctx context.Context, publicID uuid.UUID, req schemas.Requester) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, sqlResolveScan, publicID, req.IsAdmin, req.UserID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, schemas.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve scan record: %w", err)
	}
	return id, nil
}

func (s *Store) findingsByScanID(ctx context.Context, scanID int64) ([]schemas.Finding, error) {
	rows, err := s.pool.Query(ctx, sqlGetFindings, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	findings := []schemas.Finding{}
	for rows.Next() {
		var f schemas.Finding
		var severityStr string
		if err := rows.Scan(&f.ID, &f.Type, &f.Description, &severityStr, &f.Evidence, &f.Recommendation, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}
		f.Severity = schemas.Severity(severityStr)
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return findings, nil
}

func (s *Store) technologiesByScanID(ctx context.Context, scanID int64) ([]schemas.Technology, error) {
	rows, err := s.pool.Query(ctx, sqlGetTechnologies, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query technologies: %w", err)
	}
	defer rows.Close()

	techs := []schemas.Technology{}
	for rows.Next() {
		var t schemas.Technology
		if err := rows.Scan(&t.ID, &t.Name, &t.Version, &t.Category, &t.Description); err != nil {
			return nil, fmt.Errorf("failed to scan technology row: %w", err)
		}
		techs = append(techs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return techs, nil
}

// aiSummaryByScanID returns nil without error when the scan has no summary.
func (s *Store) aiSummaryByScanID(ctx context.Context, scanID int64) (*schemas.AISummary, error) {
	var (
		a    schemas.AISummary
		risk string
	)
	err := s.pool.QueryRow(ctx, sqlGetAISummary, scanID).Scan(
		&a.Summary, &a.MainCategory, &risk,
		&a.Counts.Informational, &a.Counts.Low, &a.Counts.Medium, &a.Counts.High, &a.Counts.Critical,
		&a.Notes, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query AI summary: %w", err)
	}
	a.OverallRisk = schemas.Severity(risk)
	return &a, nil
}

func millisToDuration(ms *int64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := time.Duration(*ms) * time.Millisecond
	return &d
}
