package statsdb

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRange is returned for a query window whose end precedes
	// its start. Zero rows is a legitimate query outcome, so a malformed
	// window must fail loudly instead of returning empty.
	ErrInvalidRange = errors.New("statsdb: invalid time range: end before start")

	// ErrStorageUnavailable is returned when the database stays locked or
	// unreachable past the retry budget.
	ErrStorageUnavailable = errors.New("statsdb: storage unavailable")
)

// BatchError reports a write batch that could not be committed atomically.
// No rows from the batch are visible when it is returned.
type BatchError struct {
	Events int
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("statsdb: batch of %d events not committed: %v", e.Events, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// CleanupError reports a retention cascade that failed partway through.
// Completed lists the table families whose deletes did run; the caller can
// retry the whole cleanup, deletes are idempotent.
type CleanupError struct {
	Completed []string
	Failed    string
	Err       error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("statsdb: cleanup failed at %s (completed: %v): %v", e.Failed, e.Completed, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }
