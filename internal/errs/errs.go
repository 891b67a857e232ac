// Package errs defines the error kinds shared across the pipeline so that
// callers can branch on errors.Is instead of matching message strings.
package errs

import "errors"

var (
	// ErrNotFound is returned when a referenced conversation or message
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for malformed input, e.g. a feedback
	// rating outside [1,10] or an unknown feedback type.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRetrievalFailed wraps embedding or index failures. The underlying
	// cause is always attached; retrieval never silently returns empty.
	ErrRetrievalFailed = errors.New("retrieval failed")

	// ErrGenerationFailed wraps generation service failures, blocking or
	// streaming.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrStoreUnavailable is returned when the database cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotInitialized is returned while required components are missing.
	ErrNotInitialized = errors.New("service components not initialized")
)
