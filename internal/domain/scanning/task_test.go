package scanning

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTimeProvider struct{ current time.Time }

func (m *mockTimeProvider) Now() time.Time { return m.current }

func TestNewTask(t *testing.T) {
	taskID, scannerID, targetID := uuid.New(), uuid.New(), uuid.New()
	prefs := map[string]string{"max_checks": "4"}

	task := NewTask(taskID, scannerID, targetID, "weekly full scan", prefs)

	assert.Equal(t, taskID, task.TaskID())
	assert.Equal(t, scannerID, task.ScannerID())
	assert.Equal(t, targetID, task.TargetID())
	assert.Equal(t, "weekly full scan", task.Name())
	assert.Equal(t, RunStatusRequested, task.Status())
	assert.Equal(t, uuid.Nil, task.CurrentReportID())
	assert.False(t, task.HasActiveReport())

	v, ok := task.Preference("max_checks")
	require.True(t, ok)
	assert.Equal(t, "4", v)
}

func TestTask_UpdateStatus(t *testing.T) {
	tests := []struct {
		name          string
		initialStatus RunStatus
		newStatus     RunStatus
		expectedError bool
	}{
		{"requested to queued", RunStatusRequested, RunStatusQueued, false},
		{"queued to running", RunStatusQueued, RunStatusRunning, false},
		{"running to processing", RunStatusRunning, RunStatusProcessing, false},
		{"processing to done", RunStatusProcessing, RunStatusDone, false},
		{"same status is a no-op", RunStatusRunning, RunStatusRunning, false},
		{"done stays done", RunStatusDone, RunStatusDone, false},
		{"requested to done", RunStatusRequested, RunStatusDone, true},
		{"done to running", RunStatusDone, RunStatusRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := NewTask(uuid.New(), uuid.New(), uuid.New(), "t", nil)
			task.status = tt.initialStatus

			err := task.UpdateStatus(tt.newStatus)

			if tt.expectedError {
				assert.Error(t, err)
				assert.Equal(t, tt.initialStatus, task.Status())
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.newStatus, task.Status())
			}
		})
	}
}

func TestTask_UpdateStatus_Timeline(t *testing.T) {
	tp := &mockTimeProvider{current: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	task := NewTask(uuid.New(), uuid.New(), uuid.New(), "t", nil, WithTimeProvider(tp))

	tp.current = tp.current.Add(time.Minute)
	require.NoError(t, task.UpdateStatus(RunStatusQueued))
	assert.Equal(t, tp.current, task.StartTime())

	tp.current = tp.current.Add(time.Hour)
	require.NoError(t, task.UpdateStatus(RunStatusRunning))
	require.NoError(t, task.UpdateStatus(RunStatusProcessing))
	require.NoError(t, task.UpdateStatus(RunStatusDone))
	assert.Equal(t, tp.current, task.EndTime())
}

func TestTask_AttachDetachReport(t *testing.T) {
	task := NewTask(uuid.New(), uuid.New(), uuid.New(), "t", nil)
	reportID := uuid.New()

	task.AttachReport(reportID)
	assert.Equal(t, reportID, task.CurrentReportID())
	assert.True(t, task.HasActiveReport())

	task.DetachReport()
	assert.Equal(t, uuid.Nil, task.CurrentReportID())
	assert.False(t, task.HasActiveReport())
}

func TestTask_HasActiveReport_TerminalStatus(t *testing.T) {
	// A terminal task never counts its report as active even if the
	// detach was lost to a crash.
	task := ReconstructTask(
		uuid.New(), uuid.New(), uuid.New(), "t",
		RunStatusStopped, uuid.New(), nil, time.Now(), time.Now(),
	)
	assert.False(t, task.HasActiveReport())
}

func TestTask_ResetForResume(t *testing.T) {
	task := ReconstructTask(
		uuid.New(), uuid.New(), uuid.New(), "t",
		RunStatusInterrupted, uuid.New(), nil, time.Now(), time.Now(),
	)

	task.ResetForResume()

	assert.Equal(t, RunStatusRequested, task.Status())
	require.NoError(t, task.UpdateStatus(RunStatusQueued))
}

func TestTask_StopRequested(t *testing.T) {
	task := NewTask(uuid.New(), uuid.New(), uuid.New(), "t", nil)
	assert.False(t, task.StopRequested())

	task.status = RunStatusStopRequested
	assert.True(t, task.StopRequested())

	task.status = RunStatusStopped
	assert.True(t, task.StopRequested())
}
