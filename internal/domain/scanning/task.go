package scanning

import (
	"time"

	"github.com/google/uuid"
)

// Task is the persistent, reusable scan definition. A task is long-lived and
// produces many Reports over its lifetime, but at most one of them is active
// (non-terminal run status) at a time.
type Task struct {
	id        uuid.UUID
	name      string
	scannerID uuid.UUID
	targetID  uuid.UUID

	status          RunStatus
	currentReportID uuid.UUID
	preferences     map[string]string

	timeline *Timeline
}

// TaskOption defines functional options for configuring a new Task.
type TaskOption func(*Task)

// WithTimeProvider sets a custom time provider for the task.
func WithTimeProvider(tp TimeProvider) TaskOption {
	return func(t *Task) { t.timeline = NewTimeline(tp) }
}

// NewTask creates a new Task bound to a scanner and a target.
func NewTask(taskID, scannerID, targetID uuid.UUID, name string, preferences map[string]string, opts ...TaskOption) *Task {
	task := &Task{
		id:          taskID,
		name:        name,
		scannerID:   scannerID,
		targetID:    targetID,
		status:      RunStatusRequested,
		preferences: preferences,
		timeline:    NewTimeline(new(realTimeProvider)),
	}

	for _, opt := range opts {
		opt(task)
	}

	return task
}

// ReconstructTask creates a Task instance from persisted data without
// enforcing creation-time invariants. This should only be used by
// repositories when reconstructing from storage.
func ReconstructTask(
	taskID, scannerID, targetID uuid.UUID,
	name string,
	status RunStatus,
	currentReportID uuid.UUID,
	preferences map[string]string,
	startTime, endTime time.Time,
) *Task {
	return &Task{
		id:              taskID,
		name:            name,
		scannerID:       scannerID,
		targetID:        targetID,
		status:          status,
		currentReportID: currentReportID,
		preferences:     preferences,
		timeline:        ReconstructTimeline(startTime, endTime, time.Time{}),
	}
}

// TaskID returns the unique identifier for this task.
func (t *Task) TaskID() uuid.UUID { return t.id }

// Name returns the operator-assigned task name.
func (t *Task) Name() string { return t.name }

// ScannerID returns the scanner this task runs on.
func (t *Task) ScannerID() uuid.UUID { return t.scannerID }

// TargetID returns the target this task scans.
func (t *Task) TargetID() uuid.UUID { return t.targetID }

// Status returns the current run status.
func (t *Task) Status() RunStatus { return t.status }

// CurrentReportID returns the id of the task's active report, or uuid.Nil
// when no job is in flight.
func (t *Task) CurrentReportID() uuid.UUID { return t.currentReportID }

// Preferences returns the task's scanner preferences.
func (t *Task) Preferences() map[string]string { return t.preferences }

// Preference returns a single preference value and whether it was set.
func (t *Task) Preference(key string) (string, bool) {
	v, ok := t.preferences[key]
	return v, ok
}

// StartTime returns the time the current job started.
func (t *Task) StartTime() time.Time { return t.timeline.StartedAt() }

// EndTime returns the time the current job ended.
func (t *Task) EndTime() time.Time { return t.timeline.CompletedAt() }

// HasActiveReport reports whether the task currently owns an active report.
func (t *Task) HasActiveReport() bool { return t.currentReportID != uuid.Nil && t.status.IsActive() }

// AttachReport records the report the task is currently executing.
func (t *Task) AttachReport(reportID uuid.UUID) { t.currentReportID = reportID }

// DetachReport clears the active-report marker. Run by the finalizer on
// every path, including errors, so a crash never leaves a job permanently
// marked active.
func (t *Task) DetachReport() { t.currentReportID = uuid.Nil }

// UpdateStatus changes the task's run status after validating the
// transition. Setting the status it already has is a no-op, which keeps
// finalization idempotent.
func (t *Task) UpdateStatus(newStatus RunStatus) error {
	if newStatus == t.status {
		return nil
	}
	if err := t.status.validateTransition(newStatus); err != nil {
		return err
	}

	if t.status == RunStatusRequested && (newStatus == RunStatusQueued || newStatus == RunStatusRunning) {
		t.timeline.MarkStarted()
	}
	if newStatus.IsTerminal() {
		t.timeline.MarkCompleted()
	}

	t.status = newStatus
	return nil
}

// ResetForResume forces the task back to Requested so a resumed job can be
// resubmitted. It bypasses transition validation because resumption
// re-attaches to work whose previous attempt may have died in any state.
func (t *Task) ResetForResume() {
	t.status = RunStatusRequested
	t.timeline.UpdateLastUpdate()
}

// StopRequested reports whether a user-initiated stop is pending or has
// already taken effect. A stop always wins over further polling.
func (t *Task) StopRequested() bool {
	return t.status == RunStatusStopRequested || t.status == RunStatusStopped
}
