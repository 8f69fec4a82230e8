package scanning

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/vulnscan-armada/internal/domain/credentials"
	domain "github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/pkg/common/logger"
)

// jobLauncher prepares reports, reconciles resumed jobs against the remote
// scanner and submits scans. It owns the launch half of the job lifecycle;
// polling and finalization are handled by scanPoller and jobFinalizer.
type jobLauncher struct {
	taskRepo    domain.TaskRepository
	reportRepo  domain.ReportRepository
	targetRepo  domain.TargetRepository
	scannerRepo domain.ScannerRepository

	clientFactory domain.ClientFactory
	credSource    credentials.CredentialSource

	logger *logger.Logger
	tracer trace.Tracer
}

// NewJobLauncher assembles a launcher over the scanning repositories, the
// scanner client factory and the credential source.
func NewJobLauncher(
	taskRepo domain.TaskRepository,
	reportRepo domain.ReportRepository,
	targetRepo domain.TargetRepository,
	scannerRepo domain.ScannerRepository,
	clientFactory domain.ClientFactory,
	credSource credentials.CredentialSource,
	logger *logger.Logger,
	tracer trace.Tracer,
) *jobLauncher {
	return &jobLauncher{
		taskRepo:      taskRepo,
		reportRepo:    reportRepo,
		targetRepo:    targetRepo,
		scannerRepo:   scannerRepo,
		clientFactory: clientFactory,
		credSource:    credSource,
		logger:        logger.With("component", "job_launcher"),
		tracer:        tracer,
	}
}

// PrepareReport selects or creates the report the job will run under,
// honoring the resume mode. For resumed reports it reconciles local state
// against the remote scanner first. remoteFinished is true when the prior
// attempt's scan already ran to completion on the scanner side; the caller
// skips launching and finalizes directly.
func (l *jobLauncher) PrepareReport(ctx context.Context, task *domain.Task, mode domain.ResumeMode) (report *domain.Report, remoteFinished bool, err error) {
	logger := l.logger.With("operation", "prepare_report", "task_id", task.TaskID())
	ctx, span := l.tracer.Start(ctx, "job_launcher.prepare_report",
		trace.WithAttributes(
			attribute.String("task_id", task.TaskID().String()),
			attribute.String("resume_mode", mode.String()),
		),
	)
	defer span.End()

	if mode == domain.ResumeOnly || mode == domain.ResumeOrStart {
		prior, err := l.reportRepo.FindResumableReport(ctx, task.TaskID())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to find resumable report")
			return nil, false, fmt.Errorf("finding resumable report: %w", err)
		}

		switch {
		case prior != nil:
			span.AddEvent("resuming_prior_report", trace.WithAttributes(
				attribute.String("report_id", prior.ReportID().String()),
			))
			logger.Info(ctx, "Resuming prior report", "report_id", prior.ReportID())
			finished, err := l.reconcileForResume(ctx, task, prior)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to reconcile resumed report")
				return nil, false, err
			}
			return prior, finished, nil
		case mode == domain.ResumeOnly:
			span.SetStatus(codes.Error, "no resumable report")
			return nil, false, &domain.NoResumableReportError{TaskID: task.TaskID()}
		}
	}

	report = domain.NewReport(uuid.New(), task.TaskID())
	if err := l.reportRepo.CreateReport(ctx, report); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create report")
		return nil, false, fmt.Errorf("creating report: %w", err)
	}

	task.AttachReport(report.ReportID())
	if err := l.taskRepo.UpdateTask(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to attach report to task")
		return nil, false, fmt.Errorf("attaching report to task: %w", err)
	}

	span.AddEvent("report_created", trace.WithAttributes(
		attribute.String("report_id", report.ReportID().String()),
	))
	return report, false, nil
}

// reconcileForResume aligns a resumed report with whatever the remote
// scanner still knows about the prior attempt's scan. A still-pending remote
// scan is stopped; any settled scan artifact is deleted so the scan id can
// be reused. Partial results for unfinished hosts are trimmed, since those
// hosts will be scanned again from scratch.
func (l *jobLauncher) reconcileForResume(ctx context.Context, task *domain.Task, report *domain.Report) (remoteFinished bool, err error) {
	logger := l.logger.With("operation", "reconcile_for_resume", "task_id", task.TaskID(), "report_id", report.ReportID())
	ctx, span := l.tracer.Start(ctx, "job_launcher.reconcile_for_resume",
		trace.WithAttributes(
			attribute.String("report_id", report.ReportID().String()),
		),
	)
	defer span.End()

	scanner, err := l.scannerRepo.GetScanner(ctx, task.ScannerID())
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("loading scanner: %w", err)
	}

	client, err := l.clientFactory.Client(ctx, scanner)
	if err != nil {
		// The scanner being unreachable is indistinguishable from it having
		// forgotten the scan; resume proceeds without remote cleanup.
		span.AddEvent("scanner_unreachable_during_reconcile")
		logger.Warn(ctx, "Scanner unreachable during reconcile, resuming without remote cleanup", "error", err)
	} else {
		defer client.Close()

		status, serr := client.GetStatus(ctx, report.ScanID())
		switch {
		case errors.Is(serr, domain.ErrScanNotFound) || status == domain.RemoteStatusNotFound:
			span.AddEvent("remote_scan_not_found")
		case serr != nil:
			span.RecordError(serr)
			span.SetStatus(codes.Error, "remote status unavailable")
			return false, fmt.Errorf("querying remote scan status: %w", serr)
		case status == domain.RemoteStatusFinished:
			// The prior attempt completed remotely; ingest what is left and
			// let the caller finalize instead of relaunching.
			if _, payload, perr := client.GetProgress(ctx, report.ScanID(), true, true); perr == nil && payload != nil {
				report.AddResults(payload.Results)
				for _, host := range payload.FinishedHosts {
					report.MarkHostFinished(host)
				}
				if aerr := l.reportRepo.AppendResults(ctx, report.ReportID(), payload.Results); aerr != nil {
					span.RecordError(aerr)
					return false, fmt.Errorf("appending final results: %w", aerr)
				}
			}
			if derr := client.DeleteScan(ctx, report.ScanID()); derr != nil {
				logger.Warn(ctx, "Failed to delete finished remote scan", "error", derr)
			}
			span.AddEvent("remote_scan_already_finished")
			return true, nil
		case status.IsPending():
			span.AddEvent("stopping_pending_remote_scan", trace.WithAttributes(
				attribute.String("remote_status", status.String()),
			))
			if serr := client.StopScan(ctx, report.ScanID()); serr != nil {
				logger.Warn(ctx, "Failed to stop pending remote scan", "error", serr)
			}
			if derr := client.DeleteScan(ctx, report.ScanID()); derr != nil {
				logger.Warn(ctx, "Failed to delete remote scan", "error", derr)
			}
		case status.IsSettled():
			if derr := client.DeleteScan(ctx, report.ScanID()); derr != nil {
				logger.Warn(ctx, "Failed to delete settled remote scan", "error", derr)
			}
		default:
			span.SetStatus(codes.Error, "unrecognized remote status")
			return false, fmt.Errorf("remote scan in unrecognized status %s", status)
		}
	}

	if err := l.reportRepo.TrimPartialResults(ctx, report.ReportID(), report.FinishedHosts()); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("trimming partial results: %w", err)
	}
	report.TrimPartial()

	task.ResetForResume()
	report.ResetForResume()
	task.AttachReport(report.ReportID())

	if err := l.taskRepo.UpdateTask(ctx, task); err != nil {
		return false, fmt.Errorf("persisting resumed task: %w", err)
	}
	if err := l.reportRepo.UpdateReport(ctx, report); err != nil {
		return false, fmt.Errorf("persisting resumed report: %w", err)
	}

	span.AddEvent("resume_reconciled", trace.WithAttributes(
		attribute.Int("finished_hosts", len(report.FinishedHosts())),
	))
	return false, nil
}

// Launch submits the scan to the remote scanner: it assembles the payload
// (hosts, ports, resolved credentials, options, finished-host exclusions),
// creates the scan under the report's id and starts it. On success the
// task/report pair is committed to QUEUED.
func (l *jobLauncher) Launch(ctx context.Context, task *domain.Task, report *domain.Report) error {
	logger := l.logger.With("operation", "launch", "task_id", task.TaskID(), "report_id", report.ReportID())
	ctx, span := l.tracer.Start(ctx, "job_launcher.launch",
		trace.WithAttributes(
			attribute.String("task_id", task.TaskID().String()),
			attribute.String("report_id", report.ReportID().String()),
		),
	)
	defer span.End()

	target, err := l.targetRepo.GetTarget(ctx, task.TargetID())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("loading target: %w", err)
	}
	scanner, err := l.scannerRepo.GetScanner(ctx, task.ScannerID())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("loading scanner: %w", err)
	}

	payload, err := l.buildPayload(ctx, task, report, target)
	if err != nil {
		span.RecordError(err)
		return err
	}

	client, err := l.clientFactory.Client(ctx, scanner)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to connect to scanner")
		return fmt.Errorf("connecting to scanner %s: %w", scanner.Name(), err)
	}
	defer client.Close()

	if err := client.CreateScan(ctx, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create remote scan")
		return fmt.Errorf("creating remote scan: %w", err)
	}
	if err := client.StartScan(ctx, report.ScanID()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start remote scan")
		return fmt.Errorf("starting remote scan: %w", err)
	}

	if err := l.reportRepo.UpdatePairStatus(ctx, task, report, domain.RunStatusQueued); err != nil {
		span.RecordError(err)
		return fmt.Errorf("committing queued status: %w", err)
	}

	span.AddEvent("scan_submitted", trace.WithAttributes(
		attribute.Int("host_count", len(payload.Hosts)),
		attribute.Int("finished_host_count", len(payload.FinishedHosts)),
	))
	logger.Info(ctx, "Scan submitted", "host_count", len(payload.Hosts))
	return nil
}

// buildPayload assembles the scan submission from the target definition, the
// task preferences and the resolved credentials. Resumed jobs carry the
// finished-host exclusion list so completed hosts are not scanned again.
func (l *jobLauncher) buildPayload(ctx context.Context, task *domain.Task, report *domain.Report, target *domain.Target) (domain.ScanPayload, error) {
	creds := make(map[credentials.Kind]credentials.AuthData)
	for _, kind := range credentials.Kinds() {
		cred := target.Credential(kind)
		if cred == nil {
			continue
		}
		auth, err := l.credSource.Fetch(ctx, cred, target.Name())
		if err != nil {
			if errors.Is(err, credentials.ErrNotFound) {
				l.logger.Warn(ctx, "Credential not found, scanning without it",
					"task_id", task.TaskID(), "kind", kind.String(), "credential_id", cred.ID())
				continue
			}
			return domain.ScanPayload{}, fmt.Errorf("resolving %s credential: %w", kind, err)
		}
		creds[kind] = auth
	}

	options := make(map[string]string, len(task.Preferences())+4)
	for k, v := range task.Preferences() {
		options[k] = v
	}
	if target.MaxConcurrency() > 0 {
		options["max_hosts"] = strconv.Itoa(target.MaxConcurrency())
	}
	if target.Ordering() != "" {
		options["hosts_ordering"] = string(target.Ordering())
	}
	if target.ReverseLookup() {
		options["reverse_lookup_only"] = "0"
		options["reverse_lookup_unify"] = "1"
	}

	return domain.ScanPayload{
		ScanID:        report.ScanID(),
		Hosts:         target.Hosts(),
		ExcludeHosts:  target.ExcludeHosts(),
		Ports:         target.PortRange(),
		Credentials:   creds,
		Options:       options,
		FinishedHosts: report.FinishedHosts(),
	}, nil
}
