package scanning

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/vulnscan-armada/internal/domain/events"
)

// Event types relevant to scan jobs:
const (
	EventTypeJobScheduled     events.EventType = "JobScheduled"
	EventTypeJobStatusChanged events.EventType = "JobStatusChanged"
	EventTypeJobCompleted     events.EventType = "JobCompleted"
)

// JobScheduledEvent signals that a scan job was created (or resumed) and
// handed to the scheduler.
type JobScheduledEvent struct {
	occurredAt time.Time
	TaskID     uuid.UUID
	ReportID   uuid.UUID
	Resumed    bool
}

// NewJobScheduledEvent creates a new scan job scheduled event.
func NewJobScheduledEvent(taskID, reportID uuid.UUID, resumed bool) JobScheduledEvent {
	return JobScheduledEvent{
		occurredAt: time.Now(),
		TaskID:     taskID,
		ReportID:   reportID,
		Resumed:    resumed,
	}
}

func (e JobScheduledEvent) EventType() events.EventType { return EventTypeJobScheduled }
func (e JobScheduledEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobStatusChangedEvent signals a run-status transition of the task/report
// pair.
type JobStatusChangedEvent struct {
	occurredAt time.Time
	TaskID     uuid.UUID
	ReportID   uuid.UUID
	Status     RunStatus
}

// NewJobStatusChangedEvent creates a new job status changed event.
func NewJobStatusChangedEvent(taskID, reportID uuid.UUID, status RunStatus) JobStatusChangedEvent {
	return JobStatusChangedEvent{
		occurredAt: time.Now(),
		TaskID:     taskID,
		ReportID:   reportID,
		Status:     status,
	}
}

func (e JobStatusChangedEvent) EventType() events.EventType { return EventTypeJobStatusChanged }
func (e JobStatusChangedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobCompletedEvent signals that a scan job settled into a terminal status.
type JobCompletedEvent struct {
	occurredAt time.Time
	TaskID     uuid.UUID
	ReportID   uuid.UUID
	Outcome    PollOutcome
	Status     RunStatus
}

// NewJobCompletedEvent creates a new job completed event.
func NewJobCompletedEvent(taskID, reportID uuid.UUID, outcome PollOutcome, status RunStatus) JobCompletedEvent {
	return JobCompletedEvent{
		occurredAt: time.Now(),
		TaskID:     taskID,
		ReportID:   reportID,
		Outcome:    outcome,
		Status:     status,
	}
}

func (e JobCompletedEvent) EventType() events.EventType { return EventTypeJobCompleted }
func (e JobCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }
