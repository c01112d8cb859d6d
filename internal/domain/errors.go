package domain

import "github.com/cockroachdb/errors"

// Sentinel errors shared by every layer. Callers wrap them with context and
// test for them with errors.Is.
var (
	// ErrStore means the database could not be reached or rejected a statement.
	ErrStore = errors.New("store unavailable")

	// ErrPoolTimeout means no connection could be checked out before the
	// acquire timeout elapsed.
	ErrPoolTimeout = errors.New("connection pool timeout")

	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition means the current job status does not allow the
	// requested change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownKind means no handler is registered for a job kind.
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrHandler marks failures raised by a job handler.
	ErrHandler = errors.New("handler failed")

	// ErrInvalidJob is returned by enqueue-time validation.
	ErrInvalidJob = errors.New("invalid job")

	// ErrPermanent marks handler errors that no retry can fix, such as a
	// payload that does not parse. The worker fails the job at once.
	ErrPermanent = errors.New("permanent failure")
)
