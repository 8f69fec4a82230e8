package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/internal/infra/storage"
)

func setupReportTest(t *testing.T) (context.Context, *pgxpool.Pool, *reportStore, *taskStore, func()) {
	t.Helper()

	db, cleanup := storage.SetupTestContainer(t)
	reportStore := NewReportStore(db, storage.NoOpTracer())
	taskStore := NewTaskStore(db, storage.NoOpTracer())
	ctx := context.Background()

	return ctx, db, reportStore, taskStore, cleanup
}

func countResults(t *testing.T, ctx context.Context, db *pgxpool.Pool, reportID uuid.UUID) int {
	t.Helper()
	var n int
	err := db.QueryRow(ctx, `SELECT COUNT(*) FROM report_results WHERE report_id = $1`, reportID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestReportStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx, db, reportStore, taskStore, cleanup := setupReportTest(t)
	defer cleanup()

	task := seedTask(t, ctx, db, taskStore, scanning.RunStatusRequested)

	report := scanning.NewReport(uuid.New(), task.TaskID())
	require.NoError(t, reportStore.CreateReport(ctx, report))

	loaded, err := reportStore.GetReport(ctx, report.ReportID())
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, report.ReportID(), loaded.ReportID())
	assert.Equal(t, task.TaskID(), loaded.TaskID())
	assert.Equal(t, scanning.RunStatusRequested, loaded.Status())
	assert.Equal(t, 0, loaded.Progress())
	assert.Empty(t, loaded.FinishedHosts())
}

func TestReportStore_GetReport_NotFound(t *testing.T) {
	t.Parallel()
	ctx, _, reportStore, _, cleanup := setupReportTest(t)
	defer cleanup()

	_, err := reportStore.GetReport(ctx, uuid.New())
	require.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestReportStore_UpdateReport_PersistsFinishedHosts(t *testing.T) {
	t.Parallel()
	ctx, db, reportStore, taskStore, cleanup := setupReportTest(t)
	defer cleanup()

	task := seedTask(t, ctx, db, taskStore, scanning.RunStatusRequested)
	report := scanning.NewReport(uuid.New(), task.TaskID())
	require.NoError(t, reportStore.CreateReport(ctx, report))

	require.NoError(t, report.SetProgress(40))
	report.MarkHostFinished("10.0.0.1")
	report.MarkHostFinished("10.0.0.2")
	report.MarkHostFinished("10.0.0.1")
	require.NoError(t, reportStore.UpdateReport(ctx, report))

	loaded, err := reportStore.GetReport(ctx, report.ReportID())
	require.NoError(t, err)

	assert.Equal(t, 40, loaded.Progress())
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, loaded.FinishedHosts())

	// A second update with the same hosts must not duplicate rows.
	require.NoError(t, reportStore.UpdateReport(ctx, report))
	loaded, err = reportStore.GetReport(ctx, report.ReportID())
	require.NoError(t, err)
	assert.Len(t, loaded.FinishedHosts(), 2)
}

func TestReportStore_AppendAndTrimResults(t *testing.T) {
	t.Parallel()
	ctx, db, reportStore, taskStore, cleanup := setupReportTest(t)
	defer cleanup()

	task := seedTask(t, ctx, db, taskStore, scanning.RunStatusRequested)
	report := scanning.NewReport(uuid.New(), task.TaskID())
	require.NoError(t, reportStore.CreateReport(ctx, report))

	results := []scanning.Result{
		scanning.NewResult("10.0.0.1", "web-1", "22/tcp", "1.3.6.1.4.1.25623.1.0.100151", scanning.ResultTypeAlarm, 7.5, "weak cipher"),
		scanning.NewResult("10.0.0.2", "", "80/tcp", "1.3.6.1.4.1.25623.1.0.10107", scanning.ResultTypeLog, 0, "http banner"),
		scanning.NewErrorResult("could not connect to scanner"),
	}
	require.NoError(t, reportStore.AppendResults(ctx, report.ReportID(), results))
	require.Equal(t, 3, countResults(t, ctx, db, report.ReportID()))

	// Appending nothing is a no-op.
	require.NoError(t, reportStore.AppendResults(ctx, report.ReportID(), nil))

	// Only 10.0.0.1 finished; the host-bound result for 10.0.0.2 is trimmed
	// while the hostless synthetic error survives.
	require.NoError(t, reportStore.TrimPartialResults(ctx, report.ReportID(), []string{"10.0.0.1"}))
	require.Equal(t, 2, countResults(t, ctx, db, report.ReportID()))

	var remaining int
	err := db.QueryRow(ctx,
		`SELECT COUNT(*) FROM report_results WHERE report_id = $1 AND host = '10.0.0.2'`,
		report.ReportID(),
	).Scan(&remaining)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestReportStore_FindResumableReport(t *testing.T) {
	t.Parallel()
	ctx, db, reportStore, taskStore, cleanup := setupReportTest(t)
	defer cleanup()

	task := seedTask(t, ctx, db, taskStore, scanning.RunStatusRequested)

	found, err := reportStore.FindResumableReport(ctx, task.TaskID())
	require.NoError(t, err)
	assert.Nil(t, found)

	now := time.Now().UTC()
	done := scanning.ReconstructReport(
		uuid.New(), task.TaskID(),
		scanning.RunStatusDone, 100, nil,
		now.Add(-2*time.Hour), now.Add(-time.Hour),
	)
	require.NoError(t, reportStore.CreateReport(ctx, done))

	found, err = reportStore.FindResumableReport(ctx, task.TaskID())
	require.NoError(t, err)
	assert.Nil(t, found)

	running := scanning.ReconstructReport(
		uuid.New(), task.TaskID(),
		scanning.RunStatusRunning, 35, []string{"10.0.0.1"},
		now.Add(-30*time.Minute), time.Time{},
	)
	require.NoError(t, reportStore.CreateReport(ctx, running))
	require.NoError(t, reportStore.UpdateReport(ctx, running))

	found, err = reportStore.FindResumableReport(ctx, task.TaskID())
	require.NoError(t, err)
	require.NotNil(t, found)

	assert.Equal(t, running.ReportID(), found.ReportID())
	assert.Equal(t, scanning.RunStatusRunning, found.Status())
	assert.Equal(t, 35, found.Progress())
	assert.Equal(t, []string{"10.0.0.1"}, found.FinishedHosts())
}

func TestReportStore_UpdatePairStatus(t *testing.T) {
	t.Parallel()
	ctx, db, reportStore, taskStore, cleanup := setupReportTest(t)
	defer cleanup()

	task := seedTask(t, ctx, db, taskStore, scanning.RunStatusRequested)
	report := scanning.NewReport(uuid.New(), task.TaskID())
	require.NoError(t, reportStore.CreateReport(ctx, report))
	task.AttachReport(report.ReportID())
	require.NoError(t, taskStore.UpdateTask(ctx, task))

	require.NoError(t, reportStore.UpdatePairStatus(ctx, task, report, scanning.RunStatusQueued))

	loadedTask, err := taskStore.GetTask(ctx, task.TaskID())
	require.NoError(t, err)
	loadedReport, err := reportStore.GetReport(ctx, report.ReportID())
	require.NoError(t, err)

	assert.Equal(t, scanning.RunStatusQueued, loadedTask.Status())
	assert.Equal(t, scanning.RunStatusQueued, loadedReport.Status())
	assert.False(t, loadedTask.StartTime().IsZero())
}

func TestReportStore_UpdatePairStatus_InvalidTransition(t *testing.T) {
	t.Parallel()
	ctx, db, reportStore, taskStore, cleanup := setupReportTest(t)
	defer cleanup()

	task := seedTask(t, ctx, db, taskStore, scanning.RunStatusRequested)
	report := scanning.NewReport(uuid.New(), task.TaskID())
	require.NoError(t, reportStore.CreateReport(ctx, report))

	// Requested cannot jump straight to Running; nothing is persisted.
	err := reportStore.UpdatePairStatus(ctx, task, report, scanning.RunStatusRunning)
	require.Error(t, err)

	loadedTask, gerr := taskStore.GetTask(ctx, task.TaskID())
	require.NoError(t, gerr)
	assert.Equal(t, scanning.RunStatusRequested, loadedTask.Status())
}
