package schemas

import (
	"strings"
	"time"
)

// -- Finding Schemas --

// Severity represents the severity level of a security finding. The values are
// lowercase to align with the text column in the database.
type Severity string

// Constants defining the standard severity levels for findings.
const (
	SeverityInformational Severity = "informational"
	SeverityLow           Severity = "low"
	SeverityMedium        Severity = "medium"
	SeverityHigh          Severity = "high"
	SeverityCritical      Severity = "critical"
)

// Severities lists every level in ascending order.
var Severities = []Severity{
	SeverityInformational,
	SeverityLow,
	SeverityMedium,
	SeverityHigh,
	SeverityCritical,
}

// Rank returns the position of the severity in the ordering
// Informational < Low < Medium < High < Critical. Unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Less reports whether s orders strictly below o.
func (s Severity) Less(o Severity) bool { return s.Rank() < o.Rank() }

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if a.Less(b) {
		return b
	}
	return a
}

var severityAliases = map[string]Severity{
	"informational": SeverityInformational,
	"information":   SeverityInformational,
	"info":          SeverityInformational,
	"informativo":   SeverityInformational,
	"informativa":   SeverityInformational,
	"none":          SeverityInformational,
	"low":           SeverityLow,
	"baixa":         SeverityLow,
	"baixo":         SeverityLow,
	"medium":        SeverityMedium,
	"moderate":      SeverityMedium,
	"média":         SeverityMedium,
	"media":         SeverityMedium,
	"médio":         SeverityMedium,
	"medio":         SeverityMedium,
	"moderada":      SeverityMedium,
	"high":          SeverityHigh,
	"alta":          SeverityHigh,
	"alto":          SeverityHigh,
	"critical":      SeverityCritical,
	"crítica":       SeverityCritical,
	"critica":       SeverityCritical,
	"crítico":       SeverityCritical,
	"critico":       SeverityCritical,
}

// ParseSeverity maps a free-form label (English or Portuguese, any case) onto
// the enumeration. The boolean is false when the label is not recognized, in
// which case SeverityInformational is returned.
func ParseSeverity(label string) (Severity, bool) {
	s, ok := severityAliases[strings.ToLower(strings.TrimSpace(label))]
	if !ok {
		return SeverityInformational, false
	}
	return s, true
}

// Finding is one discrete security observation attached to a scan record.
// It maps to the `findings` table.
type Finding struct {
	ID             int64     `json:"-"`
	Type           string    `json:"type"`
	Description    string    `json:"description"`
	Severity       Severity  `json:"severity"`
	Evidence       string    `json:"evidence"`
	Recommendation string    `json:"recommendation"`
	CreatedAt      time.Time `json:"created_at"`
}

// Technology is a software component detected on the target.
type Technology struct {
	ID          int64   `json:"-"`
	Name        string  `json:"name"`
	Version     *string `json:"version,omitempty"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
}

// SeverityCounts holds the number of findings per severity level.
type SeverityCounts struct {
	Informational int `json:"informational"`
	Low           int `json:"low"`
	Medium        int `json:"medium"`
	High          int `json:"high"`
	Critical      int `json:"critical"`
}

// Add increments the bucket for s.
func (c *SeverityCounts) Add(s Severity) {
	switch s {
	case SeverityLow:
		c.Low++
	case SeverityMedium:
		c.Medium++
	case SeverityHigh:
		c.High++
	case SeverityCritical:
		c.Critical++
	default:
		c.Informational++
	}
}

// Total returns the sum over all buckets.
func (c SeverityCounts) Total() int {
	return c.Informational + c.Low + c.Medium + c.High + c.Critical
}

// CountSeverities tallies the findings by severity.
func CountSeverities(findings []Finding) SeverityCounts {
	var c SeverityCounts
	for _, f := range findings {
		c.Add(f.Severity)
	}
	return c
}

// AISummary is the classifier's commentary for a scan. At most one exists per
// scan record.
type AISummary struct {
	Summary      string         `json:"summary"`
	MainCategory string         `json:"main_category"`
	OverallRisk  Severity       `json:"overall_risk"`
	Counts       SeverityCounts `json:"counts"`
	Notes        string         `json:"notes"`
	CreatedAt    time.Time      `json:"created_at"`
}
