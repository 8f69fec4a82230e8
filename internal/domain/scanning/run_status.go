package scanning

import (
	"errors"
	"fmt"
)

// RunStatus represents the execution state of a scan job. It is attached to
// both the Task and its active Report and the two are always updated as a
// pair so a crash never leaves them divergent for longer than one polling
// cycle.
type RunStatus string

// ErrRunStatusUnknown is returned when a run status is unknown.
var ErrRunStatusUnknown = errors.New("run status unknown")

const (
	// RunStatusRequested indicates a scan job has been created but not yet
	// submitted to a scanner.
	RunStatusRequested RunStatus = "REQUESTED"

	// RunStatusQueued indicates the scanner accepted the scan but has not
	// started executing it.
	RunStatusQueued RunStatus = "QUEUED"

	// RunStatusRunning indicates the scanner is actively executing the scan.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusProcessing indicates the scan finished and post-processing
	// (host identification, severity aggregation) is underway.
	RunStatusProcessing RunStatus = "PROCESSING"

	// RunStatusDone indicates the scan and its post-processing completed.
	RunStatusDone RunStatus = "DONE"

	// RunStatusStopped indicates the scan was stopped, either by a user or
	// by an unrecoverable failure.
	RunStatusStopped RunStatus = "STOPPED"

	// RunStatusInterrupted indicates the scanner terminated the scan
	// unexpectedly.
	RunStatusInterrupted RunStatus = "INTERRUPTED"

	// RunStatusStopRequested indicates a user asked for the scan to stop but
	// the stop has not yet taken effect.
	RunStatusStopRequested RunStatus = "STOP_REQUESTED"

	// RunStatusUnspecified is used when a run status is unknown.
	RunStatusUnspecified RunStatus = "UNSPECIFIED"
)

// String returns the string representation of the RunStatus.
func (s RunStatus) String() string { return string(s) }

// Int32 returns the int32 value for protobuf enum values.
func (s RunStatus) Int32() int32 {
	switch s {
	case RunStatusRequested:
		return 1
	case RunStatusQueued:
		return 2
	case RunStatusRunning:
		return 3
	case RunStatusProcessing:
		return 4
	case RunStatusDone:
		return 5
	case RunStatusStopped:
		return 6
	case RunStatusInterrupted:
		return 7
	case RunStatusStopRequested:
		return 8
	default:
		return 0
	}
}

// ParseRunStatus converts a string to a RunStatus.
func ParseRunStatus(s string) RunStatus {
	switch s {
	case "REQUESTED":
		return RunStatusRequested
	case "QUEUED":
		return RunStatusQueued
	case "RUNNING":
		return RunStatusRunning
	case "PROCESSING":
		return RunStatusProcessing
	case "DONE":
		return RunStatusDone
	case "STOPPED":
		return RunStatusStopped
	case "INTERRUPTED":
		return RunStatusInterrupted
	case "STOP_REQUESTED":
		return RunStatusStopRequested
	default:
		return RunStatusUnspecified
	}
}

// IsTerminal reports whether the status is one of the settled end states a
// job is guaranteed to reach regardless of crash or network failure.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusDone || s == RunStatusStopped || s == RunStatusInterrupted
}

// IsActive reports whether a report carrying this status still counts as the
// task's single active report.
func (s RunStatus) IsActive() bool { return !s.IsTerminal() && s != RunStatusUnspecified }

// validateTransition checks if a status transition is valid and returns an error if not.
func (s RunStatus) validateTransition(target RunStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid run status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target
// status. It enforces the job lifecycle rules to prevent invalid state changes.
func (s RunStatus) isValidTransition(target RunStatus) bool {
	switch s {
	case RunStatusRequested:
		return target == RunStatusQueued || target == RunStatusRunning ||
			target == RunStatusStopRequested || target == RunStatusStopped ||
			target == RunStatusInterrupted || target == RunStatusProcessing
	case RunStatusQueued:
		return target == RunStatusRunning || target == RunStatusStopRequested ||
			target == RunStatusStopped || target == RunStatusInterrupted ||
			target == RunStatusProcessing
	case RunStatusRunning:
		return target == RunStatusProcessing || target == RunStatusStopRequested ||
			target == RunStatusStopped || target == RunStatusInterrupted
	case RunStatusProcessing:
		return target == RunStatusDone || target == RunStatusStopped ||
			target == RunStatusInterrupted
	case RunStatusStopRequested:
		return target == RunStatusStopped || target == RunStatusInterrupted ||
			target == RunStatusProcessing
	case RunStatusDone, RunStatusStopped, RunStatusInterrupted:
		// Terminal states - no further transitions allowed.
		return false
	case RunStatusUnspecified:
		return false
	default:
		return false
	}
}
