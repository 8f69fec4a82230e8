package scanning

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/vulnscan-armada/internal/domain/events"
	domain "github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/pkg/common/logger"
)

// jobFinalizer settles a finished poll loop into a terminal run status. For
// successful scans it drives the report through PROCESSING and the deferred
// post-processing passes before committing DONE; every other outcome maps
// straight to its terminal status. Finalization is idempotent: re-finalizing
// an already settled pair changes nothing.
type jobFinalizer struct {
	taskRepo   domain.TaskRepository
	reportRepo domain.ReportRepository

	postProcessor domain.ReportPostProcessor
	gate          domain.ResourceGate
	registry      domain.ActiveJobRegistry
	publisher     events.DomainEventPublisher

	logger *logger.Logger
	tracer trace.Tracer
}

// NewJobFinalizer assembles a finalizer. publisher may be nil when event
// publishing is disabled.
func NewJobFinalizer(
	taskRepo domain.TaskRepository,
	reportRepo domain.ReportRepository,
	postProcessor domain.ReportPostProcessor,
	gate domain.ResourceGate,
	registry domain.ActiveJobRegistry,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
) *jobFinalizer {
	return &jobFinalizer{
		taskRepo:      taskRepo,
		reportRepo:    reportRepo,
		postProcessor: postProcessor,
		gate:          gate,
		registry:      registry,
		publisher:     publisher,
		logger:        logger.With("component", "job_finalizer"),
		tracer:        tracer,
	}
}

// Finalize commits the job's terminal status. The active-job marker is
// cleared on every path, error paths included, so a failed finalization
// never leaves a job permanently marked active.
func (f *jobFinalizer) Finalize(ctx context.Context, task *domain.Task, report *domain.Report, outcome domain.PollOutcome) error {
	logger := f.logger.With("operation", "finalize",
		"task_id", task.TaskID(), "report_id", report.ReportID(), "outcome", outcome.String())
	ctx, span := f.tracer.Start(ctx, "job_finalizer.finalize",
		trace.WithAttributes(
			attribute.String("task_id", task.TaskID().String()),
			attribute.String("report_id", report.ReportID().String()),
			attribute.String("outcome", outcome.String()),
		),
	)
	defer span.End()

	defer f.registry.Clear(task.TaskID())

	if !outcome.IsTerminal() {
		return fmt.Errorf("cannot finalize non-terminal outcome %s", outcome)
	}

	if report.Status().IsTerminal() {
		// Already settled; re-finalizing must not replay transitions.
		span.AddEvent("already_finalized")
		logger.Info(ctx, "Pair already settled", "status", report.Status().String())
		return nil
	}

	finalStatus := outcome.TerminalStatus()
	if outcome == domain.OutcomeSuccess {
		if err := f.commitPair(ctx, task, report, domain.RunStatusProcessing); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to enter processing")
			return err
		}
		f.publish(ctx, domain.NewJobStatusChangedEvent(task.TaskID(), report.ReportID(), domain.RunStatusProcessing),
			events.WithKey(task.TaskID().String()))

		if err := f.postProcess(ctx, report); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "post-processing failed")
			// The pair must not be stranded in PROCESSING; the failure is
			// recorded on the report and the job settles as INTERRUPTED.
			f.recordFailure(ctx, report, fmt.Sprintf("report post-processing failed: %v", err))
			finalStatus = domain.RunStatusInterrupted
		} else {
			finalStatus = domain.RunStatusDone
		}
	}

	if err := f.commitPair(ctx, task, report, finalStatus); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to commit terminal status")
		return err
	}

	task.DetachReport()
	if err := f.taskRepo.UpdateTask(ctx, task); err != nil {
		span.RecordError(err)
		return fmt.Errorf("detaching report from task: %w", err)
	}

	f.publish(ctx, domain.NewJobCompletedEvent(task.TaskID(), report.ReportID(), outcome, finalStatus),
		events.WithKey(task.TaskID().String()))

	span.SetAttributes(attribute.String("final_status", finalStatus.String()))
	logger.Info(ctx, "Job finalized", "final_status", finalStatus.String())
	return nil
}

// postProcess runs the deferred passes over a finished report. Each pass
// individually claims a report-processing gate slot; a timed-out wait simply
// retries until a slot frees up.
func (f *jobFinalizer) postProcess(ctx context.Context, report *domain.Report) error {
	type pass struct {
		name string
		run  func(context.Context) error
	}
	reportID := report.ReportID()
	for _, p := range []pass{
		{"identify_hosts", func(ctx context.Context) error { return f.postProcessor.IdentifyHosts(ctx, reportID) }},
		{"aggregate_severity", func(ctx context.Context) error { return f.postProcessor.AggregateSeverity(ctx, reportID) }},
		{"enrich_details", func(ctx context.Context) error { return f.postProcessor.EnrichDetails(ctx, reportID) }},
	} {
		if err := f.gatedPass(ctx, p.name, p.run); err != nil {
			return fmt.Errorf("%s pass: %w", p.name, err)
		}
	}
	return nil
}

// gatedPass runs one post-processing pass under the report-processing gate.
// A broken gate does not block the pass: the report must still settle.
func (f *jobFinalizer) gatedPass(ctx context.Context, name string, run func(context.Context) error) error {
	for {
		acquired, err := f.gate.Acquire(ctx, domain.ResourceReportProcessing, defaultGateTimeout)
		if err != nil {
			var broken *domain.GateBrokenError
			if errors.As(err, &broken) {
				f.logger.Error(ctx, "Resource gate broken, running pass ungated", "pass", name, "error", err)
				return run(ctx)
			}
			return fmt.Errorf("acquiring report-processing slot: %w", err)
		}
		if !acquired {
			continue
		}

		err = run(ctx)
		if rerr := f.gate.Release(ctx, domain.ResourceReportProcessing); rerr != nil {
			f.logger.Error(ctx, "Failed to release report-processing slot", "pass", name, "error", rerr)
		}
		return err
	}
}

// recordFailure appends a synthetic error result describing a finalization
// failure.
func (f *jobFinalizer) recordFailure(ctx context.Context, report *domain.Report, message string) {
	result := domain.NewErrorResult(message)
	report.AddResult(result)
	if err := f.reportRepo.AppendResults(ctx, report.ReportID(), []domain.Result{result}); err != nil {
		f.logger.Error(ctx, "Failed to persist synthetic error result",
			"report_id", report.ReportID(), "error", err)
	}
}

func (f *jobFinalizer) commitPair(ctx context.Context, task *domain.Task, report *domain.Report, status domain.RunStatus) error {
	if err := f.reportRepo.UpdatePairStatus(ctx, task, report, status); err != nil {
		return fmt.Errorf("committing %s status: %w", status, err)
	}
	return nil
}

// publish emits a domain event when a publisher is wired. Event delivery is
// best effort and never fails finalization.
func (f *jobFinalizer) publish(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) {
	if f.publisher == nil {
		return
	}
	if err := f.publisher.PublishDomainEvent(ctx, event, opts...); err != nil {
		f.logger.Warn(ctx, "Failed to publish job event", "event_type", string(event.EventType()), "error", err)
	}
}
