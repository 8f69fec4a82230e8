package scanning

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/vulnscan-armada/internal/domain/credentials"
	"github.com/ahrav/vulnscan-armada/internal/domain/events"
	domain "github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/pkg/common/logger"
)

// RunJobResult is what RunJob hands back to the scheduler.
type RunJobResult struct {
	ReportID uuid.UUID
	Outcome  domain.PollOutcome
}

// ScanJobService runs the full lifecycle of one scan job: prepare or resume
// a report, submit the scan, poll it to a terminal outcome and finalize.
// Yield outcomes return to the scheduler instead of finalizing so the worker
// can serve other jobs.
type ScanJobService struct {
	taskRepo    domain.TaskRepository
	reportRepo  domain.ReportRepository
	scannerRepo domain.ScannerRepository

	launcher  *jobLauncher
	poller    *scanPoller
	finalizer *jobFinalizer

	clientFactory domain.ClientFactory
	registry      domain.ActiveJobRegistry
	publisher     events.DomainEventPublisher

	logger *logger.Logger
	tracer trace.Tracer
}

// NewScanJobService wires the launcher, poller and finalizer into a single
// job lifecycle service. publisher may be nil when event publishing is
// disabled.
func NewScanJobService(
	taskRepo domain.TaskRepository,
	reportRepo domain.ReportRepository,
	targetRepo domain.TargetRepository,
	scannerRepo domain.ScannerRepository,
	clientFactory domain.ClientFactory,
	credSource credentials.CredentialSource,
	postProcessor domain.ReportPostProcessor,
	gate domain.ResourceGate,
	registry domain.ActiveJobRegistry,
	publisher events.DomainEventPublisher,
	pollerCfg PollerConfig,
	log *logger.Logger,
	tracer trace.Tracer,
) *ScanJobService {
	return &ScanJobService{
		taskRepo:      taskRepo,
		reportRepo:    reportRepo,
		scannerRepo:   scannerRepo,
		launcher:      NewJobLauncher(taskRepo, reportRepo, targetRepo, scannerRepo, clientFactory, credSource, log, tracer),
		poller:        NewScanPoller(taskRepo, reportRepo, clientFactory, gate, pollerCfg, log, tracer),
		finalizer:     NewJobFinalizer(taskRepo, reportRepo, postProcessor, gate, registry, publisher, log, tracer),
		clientFactory: clientFactory,
		registry:      registry,
		publisher:     publisher,
		logger:        log.With("component", "scan_job_service"),
		tracer:        tracer,
	}
}

// RunJob executes one scan job to a terminal or yield outcome. A job already
// registered as active is re-entered at the polling stage; otherwise a
// report is prepared per the resume mode and the scan submitted first.
// yieldWhenQueued is set by the scheduler when the job exceeds the
// active-job quota.
func (s *ScanJobService) RunJob(ctx context.Context, taskID uuid.UUID, mode domain.ResumeMode, yieldWhenQueued bool) (RunJobResult, error) {
	logger := s.logger.With("operation", "run_job", "task_id", taskID)
	ctx, span := s.tracer.Start(ctx, "scan_job_service.run_job",
		trace.WithAttributes(
			attribute.String("task_id", taskID.String()),
			attribute.String("resume_mode", mode.String()),
		),
	)
	defer span.End()

	task, err := s.taskRepo.GetTask(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		return RunJobResult{}, fmt.Errorf("loading task: %w", err)
	}

	// A registry hit means this worker is re-entering a job that yielded
	// earlier; the scan is already submitted and must not be reconciled.
	if reportID, ok := s.registry.Lookup(taskID); ok {
		report, err := s.reportRepo.GetReport(ctx, reportID)
		if err != nil {
			span.RecordError(err)
			return RunJobResult{}, fmt.Errorf("loading active report: %w", err)
		}
		return s.pollAndFinalize(ctx, task, report, yieldWhenQueued)
	}

	if task.HasActiveReport() {
		// Orphaned active marker from a dead process; resume it.
		mode = domain.ResumeOrStart
	}

	report, remoteFinished, err := s.launcher.PrepareReport(ctx, task, mode)
	if err != nil {
		var noResume *domain.NoResumableReportError
		if errors.As(err, &noResume) {
			span.AddEvent("no_resumable_report")
			return RunJobResult{}, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to prepare report")
		return RunJobResult{}, err
	}

	s.registry.Register(taskID, report.ReportID())
	s.publish(ctx, domain.NewJobScheduledEvent(taskID, report.ReportID(), mode != domain.ResumeFromStart),
		events.WithKey(taskID.String()))

	if remoteFinished {
		// The prior attempt already completed on the scanner; nothing to
		// launch or poll.
		if err := s.finalizer.Finalize(ctx, task, report, domain.OutcomeSuccess); err != nil {
			return RunJobResult{}, err
		}
		return RunJobResult{ReportID: report.ReportID(), Outcome: domain.OutcomeSuccess}, nil
	}

	if err := s.launcher.Launch(ctx, task, report); err != nil {
		span.RecordError(err)
		logger.Error(ctx, "Scan submission failed", "report_id", report.ReportID(), "error", err)
		// A failed submission settles the job as DONE with a single
		// synthetic error result so the failure is visible in the report.
		s.recordSubmissionFailure(ctx, report, err)
		if ferr := s.finalizer.Finalize(ctx, task, report, domain.OutcomeSuccess); ferr != nil {
			return RunJobResult{}, ferr
		}
		return RunJobResult{ReportID: report.ReportID(), Outcome: domain.OutcomeFatal}, nil
	}

	return s.pollAndFinalize(ctx, task, report, yieldWhenQueued)
}

// pollAndFinalize drives the poll loop and settles terminal outcomes. Yield
// outcomes leave the registry entry in place for re-entry.
func (s *ScanJobService) pollAndFinalize(ctx context.Context, task *domain.Task, report *domain.Report, yieldWhenQueued bool) (RunJobResult, error) {
	scanner, err := s.scannerRepo.GetScanner(ctx, task.ScannerID())
	if err != nil {
		return RunJobResult{}, fmt.Errorf("loading scanner: %w", err)
	}

	outcome, err := s.poller.Poll(ctx, PollRequest{
		Task:            task,
		Report:          report,
		Scanner:         scanner,
		YieldWhenQueued: yieldWhenQueued,
	})
	if err != nil {
		if outcome == domain.OutcomeInterrupted {
			// Shutdown mid-poll; state stays put for the next process's
			// resume sweep.
			return RunJobResult{ReportID: report.ReportID(), Outcome: outcome}, err
		}
		return RunJobResult{}, err
	}

	if !outcome.IsTerminal() {
		return RunJobResult{ReportID: report.ReportID(), Outcome: outcome}, nil
	}

	if err := s.finalizer.Finalize(ctx, task, report, outcome); err != nil {
		return RunJobResult{}, err
	}
	return RunJobResult{ReportID: report.ReportID(), Outcome: outcome}, nil
}

// StopJob requests a stop of the task's active job. The status moves to
// STOP_REQUESTED immediately; an active poll loop observes it on its next
// cycle and settles the job. When no poll loop owns the job, the remote scan
// is stopped here and the job finalized directly.
func (s *ScanJobService) StopJob(ctx context.Context, taskID uuid.UUID) error {
	logger := s.logger.With("operation", "stop_job", "task_id", taskID)
	ctx, span := s.tracer.Start(ctx, "scan_job_service.stop_job",
		trace.WithAttributes(attribute.String("task_id", taskID.String())),
	)
	defer span.End()

	task, err := s.taskRepo.GetTask(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("loading task: %w", err)
	}
	if !task.HasActiveReport() {
		return fmt.Errorf("task %s has no active job", taskID)
	}

	report, err := s.reportRepo.GetReport(ctx, task.CurrentReportID())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("loading report: %w", err)
	}

	if err := s.reportRepo.UpdatePairStatus(ctx, task, report, domain.RunStatusStopRequested); err != nil {
		span.RecordError(err)
		return fmt.Errorf("committing stop request: %w", err)
	}
	logger.Info(ctx, "Stop requested", "report_id", report.ReportID())

	if _, active := s.registry.Lookup(taskID); active {
		// The owning poll loop observes STOP_REQUESTED on its next cycle.
		span.AddEvent("stop_deferred_to_poll_loop")
		return nil
	}

	s.stopRemoteScan(ctx, task, report)
	return s.finalizer.Finalize(ctx, task, report, domain.OutcomeAlreadyStopped)
}

// stopRemoteScan best-effort stops and deletes the remote scan.
func (s *ScanJobService) stopRemoteScan(ctx context.Context, task *domain.Task, report *domain.Report) {
	scanner, err := s.scannerRepo.GetScanner(ctx, task.ScannerID())
	if err != nil {
		s.logger.Warn(ctx, "Failed to load scanner for stop", "task_id", task.TaskID(), "error", err)
		return
	}
	client, err := s.clientFactory.Client(ctx, scanner)
	if err != nil {
		s.logger.Warn(ctx, "Scanner unreachable for stop", "task_id", task.TaskID(), "error", err)
		return
	}
	defer client.Close()

	if err := client.StopScan(ctx, report.ScanID()); err != nil && !errors.Is(err, domain.ErrScanNotFound) {
		s.logger.Warn(ctx, "Failed to stop remote scan", "report_id", report.ReportID(), "error", err)
	}
	if err := client.DeleteScan(ctx, report.ScanID()); err != nil && !errors.Is(err, domain.ErrScanNotFound) {
		s.logger.Warn(ctx, "Failed to delete remote scan", "report_id", report.ReportID(), "error", err)
	}
}

// recordSubmissionFailure appends the synthetic error result for a scan that
// never started.
func (s *ScanJobService) recordSubmissionFailure(ctx context.Context, report *domain.Report, cause error) {
	message := fmt.Sprintf("could not submit scan: %v", cause)
	if errors.Is(cause, domain.ErrNoChecksAvailable) {
		message = "no vulnerability checks available on the scanner"
	}
	result := domain.NewErrorResult(message)
	report.AddResult(result)
	if err := s.reportRepo.AppendResults(ctx, report.ReportID(), []domain.Result{result}); err != nil {
		s.logger.Error(ctx, "Failed to persist submission failure result",
			"report_id", report.ReportID(), "error", err)
	}
}

// publish emits a domain event when a publisher is wired.
func (s *ScanJobService) publish(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishDomainEvent(ctx, event, opts...); err != nil {
		s.logger.Warn(ctx, "Failed to publish job event", "event_type", string(event.EventType()), "error", err)
	}
}
