package scanning

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/vulnscan-armada/internal/domain/credentials"
	domain "github.com/ahrav/vulnscan-armada/internal/domain/scanning"
)

type launcherFixture struct {
	taskRepo    *fakeTaskRepo
	reportRepo  *fakeReportRepo
	targetRepo  *fakeTargetRepo
	scannerRepo *fakeScannerRepo
	factory     *fakeClientFactory
	credSource  *fakeCredSource

	task    *domain.Task
	target  *domain.Target
	scanner *domain.Scanner
}

func newLauncherFixture(client *scriptedClient) *launcherFixture {
	scanner := domain.NewScanner(uuid.New(), "scanner", "scanner.example", 9390)
	target := domain.NewTarget(uuid.New(), "dmz", []string{"10.0.0.0/24"}, "1-1024")
	task := domain.NewTask(uuid.New(), scanner.ScannerID(), target.TargetID(), "nightly", nil)

	return &launcherFixture{
		taskRepo:    newFakeTaskRepo(task),
		reportRepo:  newFakeReportRepo(),
		targetRepo:  newFakeTargetRepo(target),
		scannerRepo: newFakeScannerRepo(scanner),
		factory:     &fakeClientFactory{client: client},
		credSource:  &fakeCredSource{auth: map[uuid.UUID]credentials.AuthData{}, missing: map[uuid.UUID]bool{}},
		task:        task,
		target:      target,
		scanner:     scanner,
	}
}

func (f *launcherFixture) launcher() *jobLauncher {
	return NewJobLauncher(f.taskRepo, f.reportRepo, f.targetRepo, f.scannerRepo,
		f.factory, f.credSource, testLogger(), noop.NewTracerProvider().Tracer(""))
}

func TestJobLauncher_PrepareReport_FreshStart(t *testing.T) {
	f := newLauncherFixture(&scriptedClient{})

	report, remoteFinished, err := f.launcher().PrepareReport(context.Background(), f.task, domain.ResumeFromStart)

	require.NoError(t, err)
	assert.False(t, remoteFinished)
	assert.Equal(t, f.task.TaskID(), report.TaskID())
	assert.Equal(t, report.ReportID(), f.task.CurrentReportID())

	stored, err := f.reportRepo.GetReport(context.Background(), report.ReportID())
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRequested, stored.Status())
}

func TestJobLauncher_PrepareReport_ResumeOnlyWithoutPrior(t *testing.T) {
	f := newLauncherFixture(&scriptedClient{})

	_, _, err := f.launcher().PrepareReport(context.Background(), f.task, domain.ResumeOnly)

	var noResume *domain.NoResumableReportError
	require.ErrorAs(t, err, &noResume)
	assert.Equal(t, f.task.TaskID(), noResume.TaskID)
}

func TestJobLauncher_PrepareReport_ResumeStopsPendingRemoteScan(t *testing.T) {
	client := &scriptedClient{statuses: []domain.RemoteStatus{domain.RemoteStatusRunning}}
	f := newLauncherFixture(client)

	prior := domain.ReconstructReport(uuid.New(), f.task.TaskID(),
		domain.RunStatusRunning, 40, []string{"10.0.0.1"}, f.task.StartTime(), f.task.StartTime())
	f.reportRepo.setResumable(f.task.TaskID(), prior)

	report, remoteFinished, err := f.launcher().PrepareReport(context.Background(), f.task, domain.ResumeOrStart)

	require.NoError(t, err)
	assert.False(t, remoteFinished)
	assert.Equal(t, prior.ReportID(), report.ReportID(), "resume must reuse the prior report")
	assert.Len(t, client.stopped, 1)
	assert.Equal(t, 1, client.deleteCount())
	assert.Equal(t, domain.RunStatusRequested, report.Status())
	assert.Equal(t, domain.RunStatusRequested, f.task.Status())
	assert.Equal(t, []string{"10.0.0.1"}, f.reportRepo.trimmed[report.ReportID()])
}

func TestJobLauncher_PrepareReport_ResumeRemoteAlreadyFinished(t *testing.T) {
	client := &scriptedClient{
		progress: 100,
		statuses: []domain.RemoteStatus{domain.RemoteStatusFinished},
		payloads: []*domain.ReportPayload{{
			Results: []domain.Result{
				domain.NewResult("10.0.0.2", "", "22/tcp", "1.3.6.1.4.9", domain.ResultTypeLog, 0, "ssh banner"),
			},
			FinishedHosts: []string{"10.0.0.2"},
		}},
	}
	f := newLauncherFixture(client)

	prior := domain.ReconstructReport(uuid.New(), f.task.TaskID(),
		domain.RunStatusRunning, 90, nil, f.task.StartTime(), f.task.StartTime())
	f.reportRepo.setResumable(f.task.TaskID(), prior)

	report, remoteFinished, err := f.launcher().PrepareReport(context.Background(), f.task, domain.ResumeOrStart)

	require.NoError(t, err)
	assert.True(t, remoteFinished, "a remotely finished scan skips relaunch")
	assert.Equal(t, []string{"10.0.0.2"}, report.FinishedHosts())
	assert.Len(t, f.reportRepo.persistedResults(report.ReportID()), 1)
	assert.Equal(t, 1, client.deleteCount())
}

func TestJobLauncher_PrepareReport_ResumeScannerUnreachable(t *testing.T) {
	f := newLauncherFixture(nil)
	f.factory.err = assert.AnError

	prior := domain.ReconstructReport(uuid.New(), f.task.TaskID(),
		domain.RunStatusRunning, 40, nil, f.task.StartTime(), f.task.StartTime())
	f.reportRepo.setResumable(f.task.TaskID(), prior)

	report, remoteFinished, err := f.launcher().PrepareReport(context.Background(), f.task, domain.ResumeOrStart)

	require.NoError(t, err, "an unreachable scanner must not block resumption")
	assert.False(t, remoteFinished)
	assert.Equal(t, domain.RunStatusRequested, report.Status())
}

func TestJobLauncher_PrepareReport_ResumeStatusQueryFailure(t *testing.T) {
	client := &scriptedClient{statusErr: assert.AnError}
	f := newLauncherFixture(client)

	prior := domain.ReconstructReport(uuid.New(), f.task.TaskID(),
		domain.RunStatusRunning, 40, nil, f.task.StartTime(), f.task.StartTime())
	f.reportRepo.setResumable(f.task.TaskID(), prior)

	_, _, err := f.launcher().PrepareReport(context.Background(), f.task, domain.ResumeOrStart)

	require.ErrorIs(t, err, assert.AnError,
		"a reachable scanner that cannot answer for the scan is an internal error")
	assert.Equal(t, domain.RunStatusRunning, prior.Status(), "the prior report is left untouched")
}

func TestJobLauncher_PrepareReport_ResumeUnrecognizedRemoteStatus(t *testing.T) {
	client := &scriptedClient{statuses: []domain.RemoteStatus{domain.RemoteStatusUnspecified}}
	f := newLauncherFixture(client)

	prior := domain.ReconstructReport(uuid.New(), f.task.TaskID(),
		domain.RunStatusRunning, 40, nil, f.task.StartTime(), f.task.StartTime())
	f.reportRepo.setResumable(f.task.TaskID(), prior)

	_, _, err := f.launcher().PrepareReport(context.Background(), f.task, domain.ResumeOrStart)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized status")
	assert.Zero(t, client.deleteCount(), "no cleanup against a scan in an unknown state")
}

func TestJobLauncher_Launch(t *testing.T) {
	client := &scriptedClient{}
	f := newLauncherFixture(client)

	sshCred := credentials.NewCredential(uuid.New(), credentials.KindSSH)
	f.target.SetCredential(sshCred)
	f.credSource.auth[sshCred.ID()] = credentials.AuthData{Username: "root", Password: "hunter2"}

	f.target.SetMaxConcurrency(8)
	f.target.SetOrdering(domain.HostOrderingRandom)
	f.target.SetReverseLookup(true)

	report, _, err := f.launcher().PrepareReport(context.Background(), f.task, domain.ResumeFromStart)
	require.NoError(t, err)
	report.MarkHostFinished("10.0.0.5")

	require.NoError(t, f.launcher().Launch(context.Background(), f.task, report))

	require.Len(t, client.created, 1)
	payload := client.created[0]
	assert.Equal(t, report.ScanID(), payload.ScanID)
	assert.Equal(t, []string{"10.0.0.0/24"}, payload.Hosts)
	assert.Equal(t, "1-1024", payload.Ports)
	assert.Equal(t, []string{"10.0.0.5"}, payload.FinishedHosts)
	assert.Equal(t, "root", payload.Credentials[credentials.KindSSH].Username)
	assert.Equal(t, "8", payload.Options["max_hosts"])
	assert.Equal(t, "random", payload.Options["hosts_ordering"])
	assert.Equal(t, "1", payload.Options["reverse_lookup_unify"])

	require.Len(t, client.started, 1)
	assert.Equal(t, domain.RunStatusQueued, f.task.Status())
	assert.Equal(t, domain.RunStatusQueued, report.Status())
}

func TestJobLauncher_Launch_MissingCredentialIsSkipped(t *testing.T) {
	client := &scriptedClient{}
	f := newLauncherFixture(client)

	smbCred := credentials.NewCredential(uuid.New(), credentials.KindSMB)
	f.target.SetCredential(smbCred)
	f.credSource.missing[smbCred.ID()] = true

	report, _, err := f.launcher().PrepareReport(context.Background(), f.task, domain.ResumeFromStart)
	require.NoError(t, err)

	require.NoError(t, f.launcher().Launch(context.Background(), f.task, report))

	require.Len(t, client.created, 1)
	assert.NotContains(t, client.created[0].Credentials, credentials.KindSMB,
		"the scan proceeds unauthenticated for that protocol")
}
