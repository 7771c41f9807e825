package coordinator

import (
	"errors"
	"fmt"
)

// SourceUnavailableError means the external source could not be reached for
// a team (TeamID > 0) or for the team listing (TeamID == 0) after retries.
type SourceUnavailableError struct {
	TeamID   int
	Attempts int
	Err      error
}

func (e *SourceUnavailableError) Error() string {
	if e.TeamID == 0 {
		return fmt.Sprintf("source unavailable: listing teams failed after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("source unavailable: team %d failed after %d attempts: %v", e.TeamID, e.Attempts, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// IncompleteCaptureError means a finished pass collected too few records to
// commit a snapshot.
type IncompleteCaptureError struct {
	Missing   int
	Total     int
	Tolerance int
}

func (e *IncompleteCaptureError) Error() string {
	return fmt.Sprintf("incomplete capture: %d of %d teams missing (tolerance %d)", e.Missing, e.Total, e.Tolerance)
}

// StorageError means committing the snapshot failed.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure: %v", e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// retryable reports whether a source error is worth another attempt. Errors
// may opt out by implementing Retryable() bool.
func retryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// errorKind labels an error for metrics.
func errorKind(err error) string {
	var (
		src        *SourceUnavailableError
		incomplete *IncompleteCaptureError
		store      *StorageError
	)
	switch {
	case errors.As(err, &src):
		return "source_unavailable"
	case errors.As(err, &incomplete):
		return "incomplete_capture"
	case errors.As(err, &store):
		return "storage"
	default:
		return "unknown"
	}
}
