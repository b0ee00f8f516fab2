package schemas

import "errors"

// -- Error Taxonomy --

var (
	// ErrInvalidTarget is returned when the target is not a valid domain or URL.
	ErrInvalidTarget = errors.New("invalid scan target")
	// ErrQuotaExceeded is returned when the requester has used up the daily cap.
	ErrQuotaExceeded = errors.New("daily scan quota exceeded")
	// ErrOrchestrationFailed means the scan could not be completed and may be retried.
	ErrOrchestrationFailed = errors.New("scan orchestration failed")
	// ErrNotFound covers both missing records and records owned by someone else.
	ErrNotFound = errors.New("not found")
	// ErrClassifierUnavailable wraps transport and status failures of the classification service.
	ErrClassifierUnavailable = errors.New("classifier unavailable")
	// ErrClassifierMalformedResponse means the classifier replied with text that could not be parsed.
	ErrClassifierMalformedResponse = errors.New("classifier returned a malformed response")
	// ErrCoordinationCancelled is returned when cancellation fires before any unit starts.
	ErrCoordinationCancelled = errors.New("scan coordination cancelled before start")
)
