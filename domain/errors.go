package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is returned when a save observes a version other
	// than the one the caller expected. Callers reload and retry the command.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrHandlerNotFound is returned when no handler is registered for a
	// command or query type.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrAborted is returned when a middleware short-circuits a dispatch.
	ErrAborted = errors.New("dispatch aborted")

	// ErrStepTimeout is recorded when a saga step exceeds its timeout.
	ErrStepTimeout = errors.New("saga step timed out")

	// ErrInvalidVersion is returned when events handed to a save are not
	// contiguous with the expected version.
	ErrInvalidVersion = errors.New("invalid event version")

	// ErrNotFound is returned by queries for missing aggregates or read
	// models.
	ErrNotFound = errors.New("not found")
)

// ConcurrencyError describes an optimistic concurrency mismatch.
type ConcurrencyError struct {
	AggregateID string
	Expected    int
	Actual      int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict on aggregate %s: expected version %d, actual %d",
		e.AggregateID, e.Expected, e.Actual)
}

func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// AbortError carries the reason a middleware gave when aborting.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	return "dispatch aborted: " + e.Reason
}

func (e *AbortError) Is(target error) bool {
	return target == ErrAborted
}
