package scanning

// PollOutcome is the result of driving one or more poll cycles against the
// remote scanner. Terminal outcomes feed the finalizer; yield outcomes hand
// control back to the scheduler so the job can be revisited later.
type PollOutcome string

const (
	// OutcomeSuccess indicates the scan finished and its results were fully
	// ingested.
	OutcomeSuccess PollOutcome = "SUCCESS"

	// OutcomeExternallyStopped indicates something other than this manager
	// terminated the remote scan (or the scan vanished server-side). Not
	// treated as a failure of this system.
	OutcomeExternallyStopped PollOutcome = "EXTERNALLY_STOPPED"

	// OutcomeFatal indicates an unrecoverable failure: an exhausted
	// connection-retry budget, a protocol defect, or broken gate
	// infrastructure. Exactly one synthetic error result is recorded.
	OutcomeFatal PollOutcome = "FATAL"

	// OutcomeInterrupted indicates the scanner reported the scan died
	// unexpectedly.
	OutcomeInterrupted PollOutcome = "INTERRUPTED"

	// OutcomeAlreadyStopped indicates a user-initiated stop won over further
	// polling.
	OutcomeAlreadyStopped PollOutcome = "ALREADY_STOPPED"

	// OutcomeYieldQueued indicates the scan is queued on the scanner side and
	// the caller should re-invoke the poller later instead of busy-waiting.
	OutcomeYieldQueued PollOutcome = "YIELD_QUEUED"

	// OutcomeYieldRunning indicates the scan is still making progress and the
	// caller should continue polling after the configured sleep interval.
	OutcomeYieldRunning PollOutcome = "YIELD_RUNNING"
)

// String returns the string representation of the PollOutcome.
func (o PollOutcome) String() string { return string(o) }

// IsTerminal reports whether this outcome ends the job, as opposed to
// yielding control back to the scheduler.
func (o PollOutcome) IsTerminal() bool {
	switch o {
	case OutcomeSuccess, OutcomeExternallyStopped, OutcomeFatal, OutcomeInterrupted, OutcomeAlreadyStopped:
		return true
	default:
		return false
	}
}

// TerminalStatus maps a terminal outcome to the run status the finalizer
// commits. Success maps to Processing because post-processing still has to
// run before the job settles into Done.
func (o PollOutcome) TerminalStatus() RunStatus {
	switch o {
	case OutcomeSuccess:
		return RunStatusProcessing
	case OutcomeInterrupted:
		return RunStatusInterrupted
	default:
		return RunStatusStopped
	}
}
