// Package metrics holds the Prometheus instruments of the scan pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scan metrics
var (
	// ScansTotal tracks execute-scan outcomes by status.
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostaudit_scans_total",
			Help: "Total number of scan requests by outcome",
		},
		[]string{"status"},
	)

	// ScanDuration tracks wall-clock time from admission to commit.
	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hostaudit_scan_duration_seconds",
			Help:    "Scan orchestration duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// UnitOutcomesTotal tracks per-unit results.
	UnitOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostaudit_unit_outcomes_total",
			Help: "Total number of scanner unit runs by unit and status",
		},
		[]string{"unit", "status"},
	)

	// ClassifierOutcomesTotal tracks how the AI classification ended.
	ClassifierOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostaudit_classifier_outcomes_total",
			Help: "Total number of classifier calls by outcome",
		},
		[]string{"outcome"},
	)

	// QuotaRejectionsTotal counts scans refused by the usage guard.
	QuotaRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostaudit_quota_rejections_total",
			Help: "Total number of scan requests rejected by the daily quota",
		},
	)
)

// Scan statuses
const (
	StatusCompleted     = "completed"
	StatusInvalidTarget = "invalid_target"
	StatusQuotaExceeded = "quota_exceeded"
	StatusFailed        = "failed"
	StatusSuccess       = "success"
)

// Classifier outcomes
const (
	ClassifierOK          = "ok"
	ClassifierMalformed   = "malformed"
	ClassifierUnavailable = "unavailable"
)
