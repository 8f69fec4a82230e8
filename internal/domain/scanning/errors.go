package scanning

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNoRelay is returned by a RelayMapper when no relay serves the endpoint.
var ErrNoRelay = errors.New("no relay found for endpoint")

// ErrNoChecksAvailable is the hard precondition failure raised when a scan
// is submitted with no vulnerability checks loaded. The job never starts.
var ErrNoChecksAvailable = errors.New("no vulnerability checks available")

// ErrScanNotFound is returned by scanner clients when the scanner has no
// scan for the requested id. Callers treat it as externally observed
// termination, not as a transport failure.
var ErrScanNotFound = errors.New("scan not found")

// GateBrokenError indicates the shared counter set behind the resource gate
// cannot be reached. This is fatal for the calling cycle and never retried.
type GateBrokenError struct {
	Resource Resource
	Err      error
}

// Error returns a string representation of the error.
func (e *GateBrokenError) Error() string {
	return fmt.Sprintf("resource gate broken for %s: %v", e.Resource, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *GateBrokenError) Unwrap() error { return e.Err }

// NoResumableReportError is returned when ResumeOnly is requested but the
// task has no prior not-yet-finalized report. There is no silent fallback to
// a fresh start.
type NoResumableReportError struct{ TaskID uuid.UUID }

// Error returns a string representation of the error.
func (e *NoResumableReportError) Error() string {
	return fmt.Sprintf("no resumable report for task %s", e.TaskID)
}
