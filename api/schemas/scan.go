package schemas

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// -- Scan Schemas --

// ScanRecord identifies one orchestration run. The internal ID never leaves
// the process boundary; clients only ever see PublicID.
type ScanRecord struct {
	ID           int64           `json:"-"`
	PublicID     uuid.UUID       `json:"id"`
	Target       string          `json:"target"`
	UserID       int64           `json:"-"`
	RawJSON      json.RawMessage `json:"raw_json,omitempty"`
	Summary      string          `json:"summary"`
	HasCompleted bool            `json:"has_completed"`
	Duration     *time.Duration  `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
}

// DurationMillis returns the duration in milliseconds, or nil while the scan
// is still in progress.
func (r ScanRecord) DurationMillis() *int64 {
	if r.Duration == nil {
		return nil
	}
	ms := r.Duration.Milliseconds()
	return &ms
}

// ScanCompletion carries everything written by the single completion
// transaction of a scan.
type ScanCompletion struct {
	ScanID       int64
	RawJSON      json.RawMessage
	Summary      string
	Duration     time.Duration
	Findings     []Finding
	Technologies []Technology
	// AISummary is nil when the classifier produced no usable analysis.
	AISummary *AISummary
}

// ScanResult is the produced surface of the execute-scan operation.
type ScanResult struct {
	PublicID     uuid.UUID `json:"id"`
	Target       string    `json:"target"`
	Summary      string    `json:"summary"`
	DurationMS   *int64    `json:"duration_ms"`
	HasCompleted bool      `json:"has_completed"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewScanResult projects a record onto the produced surface.
func NewScanResult(r ScanRecord) ScanResult {
	return ScanResult{
		PublicID:     r.PublicID,
		Target:       r.Target,
		Summary:      r.Summary,
		DurationMS:   r.DurationMillis(),
		HasCompleted: r.HasCompleted,
		CreatedAt:    r.CreatedAt,
	}
}

// ScanReport bundles a scan with all of its children for rendering.
type ScanReport struct {
	Scan         ScanResult      `json:"scan"`
	RawJSON      json.RawMessage `json:"raw_json,omitempty"`
	Findings     []Finding       `json:"findings"`
	Technologies []Technology    `json:"technologies"`
	AISummary    *AISummary      `json:"ai_summary,omitempty"`
}

// Requester is the identity on whose behalf an operation runs.
type Requester struct {
	UserID  int64
	IsAdmin bool
}

// UsageStatus reports the requester's consumption for the current day.
type UsageStatus struct {
	Day       time.Time `json:"day"`
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
}

// -- Scanner Unit Schemas --

// Failure tags recorded in a unit's failure marker.
const (
	UnitErrTimeout   = "timeout"
	UnitErrCancelled = "cancelled"
	UnitErrError     = "error"
	UnitErrPanic     = "panic"
)

// UnitOutcome is the captured result of one scanner unit. Exactly one of
// Fragment and Err is meaningful.
type UnitOutcome struct {
	Unit     string
	Fragment json.RawMessage
	Err      error
	ErrorTag string
	Duration time.Duration
}

// Failed reports whether the unit produced an error instead of a fragment.
func (o UnitOutcome) Failed() bool { return o.Err != nil }

// -- Classifier Schemas --

// Classification is the normalized output of the AI risk classifier.
type Classification struct {
	Summary      string
	Findings     []Finding
	Technologies []Technology
	// AISummary is nil for degraded results.
	AISummary *AISummary
	Degraded  bool
}
