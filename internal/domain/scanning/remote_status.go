package scanning

// RemoteStatus represents the scan state as reported by the remote scanner
// process. It is distinct from RunStatus: the poll loop maps one onto the
// other and the mapping is not one-to-one.
type RemoteStatus string

const (
	// RemoteStatusQueued indicates the scanner accepted the scan but has not
	// started it.
	RemoteStatusQueued RemoteStatus = "QUEUED"

	// RemoteStatusInit indicates the scanner is initializing the scan.
	RemoteStatusInit RemoteStatus = "INIT"

	// RemoteStatusRunning indicates the scanner is executing the scan.
	RemoteStatusRunning RemoteStatus = "RUNNING"

	// RemoteStatusStopped indicates the scanner stopped the scan.
	RemoteStatusStopped RemoteStatus = "STOPPED"

	// RemoteStatusInterrupted indicates the scan died on the scanner side.
	RemoteStatusInterrupted RemoteStatus = "INTERRUPTED"

	// RemoteStatusFinished indicates the scan ran to completion.
	RemoteStatusFinished RemoteStatus = "FINISHED"

	// RemoteStatusNotFound indicates the scanner has no scan with the
	// requested id.
	RemoteStatusNotFound RemoteStatus = "NOT_FOUND"

	// RemoteStatusUnspecified is used when the scanner reports a state this
	// manager does not recognize.
	RemoteStatusUnspecified RemoteStatus = "UNSPECIFIED"
)

// String returns the string representation of the RemoteStatus.
func (s RemoteStatus) String() string { return string(s) }

// ParseRemoteStatus converts a scanner-reported string to a RemoteStatus.
func ParseRemoteStatus(s string) RemoteStatus {
	switch s {
	case "queued", "QUEUED":
		return RemoteStatusQueued
	case "init", "INIT":
		return RemoteStatusInit
	case "running", "RUNNING":
		return RemoteStatusRunning
	case "stopped", "STOPPED":
		return RemoteStatusStopped
	case "interrupted", "INTERRUPTED":
		return RemoteStatusInterrupted
	case "finished", "FINISHED":
		return RemoteStatusFinished
	case "not found", "NOT_FOUND":
		return RemoteStatusNotFound
	default:
		return RemoteStatusUnspecified
	}
}

// IsPending reports whether the remote scan is still queued or executing.
func (s RemoteStatus) IsPending() bool {
	return s == RemoteStatusQueued || s == RemoteStatusInit || s == RemoteStatusRunning
}

// IsSettled reports whether the remote scan reached an end state on the
// scanner side. A settled scan artifact must be deleted before its id can be
// reused.
func (s RemoteStatus) IsSettled() bool {
	return s == RemoteStatusStopped || s == RemoteStatusInterrupted || s == RemoteStatusFinished
}
