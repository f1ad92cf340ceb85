package appstoresync

import "errors"

// Failure taxonomy. Failures are contained at the app/processing-date level;
// none of these abort a whole run.
var (
	// ErrUnavailable means no usable request id could be obtained or
	// validated after exhausting retries. Retryable on a later run.
	ErrUnavailable = errors.New("report request unavailable")

	// ErrRateLimited is returned when the upstream 429s past the retry budget.
	ErrRateLimited = errors.New("rate limited by upstream")

	// ErrNotReady marks the normal "not yet" state (404 on read, empty
	// instance list). Callers retry on a later run.
	ErrNotReady = errors.New("report data not ready")

	// ErrUpstreamFailure means the upstream reported a terminal FAILED
	// status for a request. Surfaced, not retried automatically.
	ErrUpstreamFailure = errors.New("upstream reported processing failure")

	// ErrSchemaMismatch marks a raw file whose required columns are absent.
	// The offending file is skipped; the batch continues.
	ErrSchemaMismatch = errors.New("required column absent in raw schema")

	// ErrObjectNotFound is the object store's missing-key sentinel.
	ErrObjectNotFound = errors.New("object not found")
)
