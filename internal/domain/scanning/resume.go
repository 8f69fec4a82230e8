package scanning

import "fmt"

// ResumeMode selects how a job launch relates to the task's prior report.
type ResumeMode string

const (
	// ResumeFromStart always creates a fresh report, regardless of any prior
	// not-yet-finalized one.
	ResumeFromStart ResumeMode = "from_start"

	// ResumeOnly resumes the task's most recent not-yet-finalized report and
	// fails with a *NoResumableReportError when none exists. There is no
	// silent fallback to a fresh start.
	ResumeOnly ResumeMode = "resume_only"

	// ResumeOrStart resumes when a not-yet-finalized report exists and
	// otherwise starts fresh.
	ResumeOrStart ResumeMode = "resume_or_start"
)

// String returns the string representation of the ResumeMode.
func (m ResumeMode) String() string { return string(m) }

// ParseResumeMode converts a string to a ResumeMode.
func ParseResumeMode(s string) (ResumeMode, error) {
	switch ResumeMode(s) {
	case ResumeFromStart, ResumeOnly, ResumeOrStart:
		return ResumeMode(s), nil
	default:
		return "", fmt.Errorf("unknown resume mode %q", s)
	}
}
