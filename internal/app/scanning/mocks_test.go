package scanning

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ahrav/vulnscan-armada/internal/domain/credentials"
	"github.com/ahrav/vulnscan-armada/internal/domain/events"
	domain "github.com/ahrav/vulnscan-armada/internal/domain/scanning"
)

// In-memory fakes for the scanning repositories. They apply the same domain
// transitions the postgres stores do, so lifecycle tests observe realistic
// state without a database.

type fakeTaskRepo struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task
}

func newFakeTaskRepo(tasks ...*domain.Task) *fakeTaskRepo {
	r := &fakeTaskRepo{tasks: make(map[uuid.UUID]*domain.Task)}
	for _, task := range tasks {
		r.tasks[task.TaskID()] = task
	}
	return r
}

func (r *fakeTaskRepo) CreateTask(_ context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.TaskID()] = task
	return nil
}

func (r *fakeTaskRepo) GetTask(_ context.Context, taskID uuid.UUID) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return task, nil
}

func (r *fakeTaskRepo) UpdateTask(_ context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.TaskID()] = task
	return nil
}

func (r *fakeTaskRepo) ListActiveTasks(_ context.Context) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var active []*domain.Task
	for _, task := range r.tasks {
		if !task.Status().IsTerminal() {
			active = append(active, task)
		}
	}
	return active, nil
}

type fakeReportRepo struct {
	mu        sync.Mutex
	reports   map[uuid.UUID]*domain.Report
	results   map[uuid.UUID][]domain.Result
	resumable map[uuid.UUID]*domain.Report
	trimmed   map[uuid.UUID][]string
}

func newFakeReportRepo(reports ...*domain.Report) *fakeReportRepo {
	r := &fakeReportRepo{
		reports:   make(map[uuid.UUID]*domain.Report),
		results:   make(map[uuid.UUID][]domain.Result),
		resumable: make(map[uuid.UUID]*domain.Report),
		trimmed:   make(map[uuid.UUID][]string),
	}
	for _, report := range reports {
		r.reports[report.ReportID()] = report
	}
	return r
}

func (r *fakeReportRepo) setResumable(taskID uuid.UUID, report *domain.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumable[taskID] = report
	r.reports[report.ReportID()] = report
}

func (r *fakeReportRepo) persistedResults(reportID uuid.UUID) []domain.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Result(nil), r.results[reportID]...)
}

func (r *fakeReportRepo) CreateReport(_ context.Context, report *domain.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[report.ReportID()] = report
	return nil
}

func (r *fakeReportRepo) GetReport(_ context.Context, reportID uuid.UUID) (*domain.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	report, ok := r.reports[reportID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return report, nil
}

func (r *fakeReportRepo) FindResumableReport(_ context.Context, taskID uuid.UUID) (*domain.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumable[taskID], nil
}

func (r *fakeReportRepo) UpdateReport(_ context.Context, report *domain.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[report.ReportID()] = report
	return nil
}

func (r *fakeReportRepo) AppendResults(_ context.Context, reportID uuid.UUID, results []domain.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[reportID] = append(r.results[reportID], results...)
	return nil
}

func (r *fakeReportRepo) TrimPartialResults(_ context.Context, reportID uuid.UUID, finishedHosts []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trimmed[reportID] = finishedHosts
	kept := r.results[reportID][:0]
	finished := make(map[string]struct{}, len(finishedHosts))
	for _, h := range finishedHosts {
		finished[h] = struct{}{}
	}
	for _, res := range r.results[reportID] {
		if _, ok := finished[res.Host()]; ok {
			kept = append(kept, res)
		}
	}
	r.results[reportID] = kept
	return nil
}

func (r *fakeReportRepo) UpdatePairStatus(_ context.Context, task *domain.Task, report *domain.Report, status domain.RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := task.UpdateStatus(status); err != nil {
		return err
	}
	if err := report.UpdateStatus(status); err != nil {
		return err
	}
	return nil
}

type fakeTargetRepo struct {
	mu      sync.Mutex
	targets map[uuid.UUID]*domain.Target
}

func newFakeTargetRepo(targets ...*domain.Target) *fakeTargetRepo {
	r := &fakeTargetRepo{targets: make(map[uuid.UUID]*domain.Target)}
	for _, target := range targets {
		r.targets[target.TargetID()] = target
	}
	return r
}

func (r *fakeTargetRepo) GetTarget(_ context.Context, targetID uuid.UUID) (*domain.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.targets[targetID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return target, nil
}

func (r *fakeTargetRepo) UpsertTarget(_ context.Context, target *domain.Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[target.TargetID()] = target
	return nil
}

type fakeScannerRepo struct {
	mu       sync.Mutex
	scanners map[uuid.UUID]*domain.Scanner
}

func newFakeScannerRepo(scanners ...*domain.Scanner) *fakeScannerRepo {
	r := &fakeScannerRepo{scanners: make(map[uuid.UUID]*domain.Scanner)}
	for _, scanner := range scanners {
		r.scanners[scanner.ScannerID()] = scanner
	}
	return r
}

func (r *fakeScannerRepo) GetScanner(_ context.Context, scannerID uuid.UUID) (*domain.Scanner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	scanner, ok := r.scanners[scannerID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return scanner, nil
}

func (r *fakeScannerRepo) UpsertScanner(_ context.Context, scanner *domain.Scanner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanners[scanner.ScannerID()] = scanner
	return nil
}

// scriptedClient is a scanner client driven by a fixed script: each GetStatus
// call consumes the next remote status (the last one repeats), progress is
// either a constant or a per-cycle series and result payloads are consumed
// one per results-bearing GetProgress call.
type scriptedClient struct {
	mu sync.Mutex

	progress   int
	progresses []int // advances one value per results-bearing GetProgress call; the last repeats
	payloads   []*domain.ReportPayload
	statuses   []domain.RemoteStatus

	progressErr error
	statusErr   error
	createErr   error
	startErr    error

	created []domain.ScanPayload
	started []uuid.UUID
	stopped []uuid.UUID
	deleted []uuid.UUID
}

func (c *scriptedClient) CreateScan(_ context.Context, payload domain.ScanPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return c.createErr
	}
	c.created = append(c.created, payload)
	return nil
}

func (c *scriptedClient) StartScan(_ context.Context, scanID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.started = append(c.started, scanID)
	return nil
}

func (c *scriptedClient) StopScan(_ context.Context, scanID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, scanID)
	return nil
}

func (c *scriptedClient) DeleteScan(_ context.Context, scanID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, scanID)
	return nil
}

func (c *scriptedClient) GetProgress(_ context.Context, _ uuid.UUID, wantResults, _ bool) (int, *domain.ReportPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.progressErr != nil {
		return 0, nil, c.progressErr
	}
	progress := c.progress
	if len(c.progresses) > 0 {
		progress = c.progresses[0]
		if wantResults && len(c.progresses) > 1 {
			c.progresses = c.progresses[1:]
		}
	}
	if !wantResults {
		return progress, nil, nil
	}
	var payload *domain.ReportPayload
	if len(c.payloads) > 0 {
		payload = c.payloads[0]
		c.payloads = c.payloads[1:]
	}
	return progress, payload, nil
}

func (c *scriptedClient) GetStatus(_ context.Context, _ uuid.UUID) (domain.RemoteStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statusErr != nil {
		return domain.RemoteStatusUnspecified, c.statusErr
	}
	if len(c.statuses) == 0 {
		return domain.RemoteStatusUnspecified, nil
	}
	status := c.statuses[0]
	if len(c.statuses) > 1 {
		c.statuses = c.statuses[1:]
	}
	return status, nil
}

func (c *scriptedClient) Close() error { return nil }

func (c *scriptedClient) deleteCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deleted)
}

// fakeClientFactory hands out the configured client, optionally failing the
// first errBefore calls to exercise the connection-retry budget.
type fakeClientFactory struct {
	mu        sync.Mutex
	client    domain.ScannerClient
	err       error
	errBefore int
	calls     int
}

func (f *fakeClientFactory) Client(_ context.Context, _ *domain.Scanner) (domain.ScannerClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil && (f.errBefore == 0 || f.calls <= f.errBefore) {
		return nil, f.err
	}
	return f.client, nil
}

func (f *fakeClientFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCredSource struct {
	auth    map[uuid.UUID]credentials.AuthData
	missing map[uuid.UUID]bool
}

func (s *fakeCredSource) Fetch(_ context.Context, cred *credentials.Credential, _ string) (credentials.AuthData, error) {
	if s.missing[cred.ID()] {
		return credentials.AuthData{}, credentials.ErrNotFound
	}
	return s.auth[cred.ID()], nil
}

type fakePostProcessor struct {
	mu     sync.Mutex
	passes []string

	identifyErr  error
	aggregateErr error
	enrichErr    error
}

func (p *fakePostProcessor) IdentifyHosts(_ context.Context, _ uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.passes = append(p.passes, "identify_hosts")
	return p.identifyErr
}

func (p *fakePostProcessor) AggregateSeverity(_ context.Context, _ uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.passes = append(p.passes, "aggregate_severity")
	return p.aggregateErr
}

func (p *fakePostProcessor) EnrichDetails(_ context.Context, _ uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.passes = append(p.passes, "enrich_details")
	return p.enrichErr
}

func (p *fakePostProcessor) passOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.passes...)
}

// nopGate always grants a slot.
type nopGate struct{}

func (nopGate) Acquire(context.Context, domain.Resource, time.Duration) (bool, error) {
	return true, nil
}
func (nopGate) Release(context.Context, domain.Resource) error { return nil }

// brokenGate reports broken shared-counter infrastructure on every acquire.
type brokenGate struct{}

func (brokenGate) Acquire(_ context.Context, resource domain.Resource, _ time.Duration) (bool, error) {
	return false, &domain.GateBrokenError{Resource: resource, Err: context.DeadlineExceeded}
}
func (brokenGate) Release(context.Context, domain.Resource) error { return nil }

type capturePublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (p *capturePublisher) PublishDomainEvent(_ context.Context, event events.DomainEvent, _ ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) published() []events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.DomainEvent(nil), p.events...)
}
