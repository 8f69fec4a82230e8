package scanning

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Report is the per-execution record for one scan job. Its id doubles as the
// scan id the remote scanner knows the job by. A report is created at launch
// and mutated throughout polling; it is never recreated mid-job.
type Report struct {
	id     uuid.UUID
	taskID uuid.UUID

	status   RunStatus
	progress int

	results       []Result
	finishedHosts []string

	timeline *Timeline
}

// NewReport creates a fresh report for a task. The report id is shared with
// the remote scanner as its scan identifier.
func NewReport(reportID, taskID uuid.UUID) *Report {
	return &Report{
		id:       reportID,
		taskID:   taskID,
		status:   RunStatusRequested,
		timeline: NewTimeline(new(realTimeProvider)),
	}
}

// ReconstructReport creates a Report from persisted data. This should only
// be used by repositories when reconstructing from storage.
func ReconstructReport(
	reportID, taskID uuid.UUID,
	status RunStatus,
	progress int,
	finishedHosts []string,
	startTime, endTime time.Time,
) *Report {
	return &Report{
		id:            reportID,
		taskID:        taskID,
		status:        status,
		progress:      progress,
		finishedHosts: finishedHosts,
		timeline:      ReconstructTimeline(startTime, endTime, time.Time{}),
	}
}

// ReportID returns the unique identifier for this report.
func (r *Report) ReportID() uuid.UUID { return r.id }

// ScanID returns the identifier the remote scanner knows this job by. It is
// the report id; the alias exists for call sites talking to the scanner.
func (r *Report) ScanID() uuid.UUID { return r.id }

// TaskID returns the owning task.
func (r *Report) TaskID() uuid.UUID { return r.taskID }

// Status returns the report's run status.
func (r *Report) Status() RunStatus { return r.status }

// Progress returns the last recorded scan progress in percent.
func (r *Report) Progress() int { return r.progress }

// Results returns the results ingested since the report was loaded. The
// repository drains this via AppendResults; the scanner's pop semantics make
// the sequence strictly append-only.
func (r *Report) Results() []Result { return r.results }

// FinishedHosts returns the hosts the scanner finished completely. On
// resume these are excluded from re-scanning.
func (r *Report) FinishedHosts() []string { return r.finishedHosts }

// StartTime returns the time this attempt (or, after a resume, the original
// attempt) started.
func (r *Report) StartTime() time.Time { return r.timeline.StartedAt() }

// EndTime returns the time the report reached a terminal status.
func (r *Report) EndTime() time.Time { return r.timeline.CompletedAt() }

// SetProgress records a scanner-reported progress value.
func (r *Report) SetProgress(progress int) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("progress %d outside [0,100]", progress)
	}
	r.progress = progress
	r.timeline.UpdateLastUpdate()
	return nil
}

// AddResult appends one finding to the report.
func (r *Report) AddResult(result Result) {
	r.results = append(r.results, result)
	r.timeline.UpdateLastUpdate()
}

// AddResults appends a batch of newly delivered findings to the report.
func (r *Report) AddResults(results []Result) {
	r.results = append(r.results, results...)
	r.timeline.UpdateLastUpdate()
}

// MarkHostFinished records that the scanner completed a host.
func (r *Report) MarkHostFinished(host string) {
	for _, h := range r.finishedHosts {
		if h == host {
			return
		}
	}
	r.finishedHosts = append(r.finishedHosts, host)
}

// UpdateStatus changes the report's run status after validating the
// transition. Setting the status it already has is a no-op.
func (r *Report) UpdateStatus(newStatus RunStatus) error {
	if newStatus == r.status {
		return nil
	}
	if err := r.status.validateTransition(newStatus); err != nil {
		return err
	}

	if newStatus.IsTerminal() {
		r.timeline.MarkCompleted()
	}

	r.status = newStatus
	return nil
}

// ResetForResume prepares a previously interrupted report for reuse: the
// end-time is cleared, the status is forced back to Requested and the start
// time of the prior attempt is preserved. Bypasses transition validation for
// the same reason Task.ResetForResume does.
func (r *Report) ResetForResume() {
	r.status = RunStatusRequested
	r.timeline.AdoptStart(r.timeline.StartedAt())
}

// TrimPartial discards data for hosts the prior attempt never finished.
// Those hosts will be scanned again from scratch, so keeping their partial
// results would duplicate findings.
func (r *Report) TrimPartial() {
	if len(r.results) == 0 {
		return
	}

	finished := make(map[string]struct{}, len(r.finishedHosts))
	for _, h := range r.finishedHosts {
		finished[h] = struct{}{}
	}

	kept := r.results[:0]
	for _, res := range r.results {
		if _, ok := finished[res.Host()]; ok {
			kept = append(kept, res)
		}
	}
	r.results = kept
	r.timeline.UpdateLastUpdate()
}
