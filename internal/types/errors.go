package types

import "errors"

// Error taxonomy for user-facing scheduling operations. The HTTP transport
// maps these to status codes; everything else wraps them with %w so callers
// can test with errors.Is.
var (
	// ErrBadInput covers unparsable timestamps, non-future due dates, and
	// oversized payloads. Rejected before any state mutation.
	ErrBadInput = errors.New("bad input")

	// ErrNotFound means the referenced entity is absent or not owned by the
	// caller. No mutation occurs.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict means an attempted mutation of a published entity.
	ErrConflict = errors.New("entity is published and immutable")

	// ErrSchedulingFailed means a delay-queue enqueue or cancel failed.
	// On create this triggers rollback of the just-created entity and is
	// retryable by the caller.
	ErrSchedulingFailed = errors.New("scheduling failed")

	// ErrPublishFailed wraps an error raised by the publish action. Routed
	// into the job retry policy by the dispatcher.
	ErrPublishFailed = errors.New("publish failed")
)
