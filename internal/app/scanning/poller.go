package scanning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/pkg/common/logger"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultGateTimeout  = 5 * time.Second
	defaultRetryBudget  = 3
)

// PollerConfig tunes the scan progress poll loop.
type PollerConfig struct {
	// Interval is the sleep between poll cycles.
	Interval time.Duration

	// GateTimeout bounds each wait for a scan-update gate slot. A timed-out
	// wait skips the cycle and tries again, it never fails the job.
	GateTimeout time.Duration

	// RetryBudget is how many consecutive scanner connection failures the
	// loop tolerates before abandoning the scan.
	RetryBudget int

	// MaxCycles yields the worker back to the scheduler after this many
	// cycles of a still-running scan. Zero polls until the scan settles.
	MaxCycles int
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = defaultPollInterval
	}
	if c.GateTimeout <= 0 {
		c.GateTimeout = defaultGateTimeout
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = defaultRetryBudget
	}
	return c
}

// PollRequest carries one job into the poll loop.
type PollRequest struct {
	Task    *domain.Task
	Report  *domain.Report
	Scanner *domain.Scanner

	// YieldWhenQueued makes the loop return OutcomeYieldQueued the moment
	// the scanner reports the scan queued, instead of waiting for it to
	// start. Set by the scheduler when the active-job quota is exceeded.
	YieldWhenQueued bool
}

// scanPoller drives the poll loop for submitted scans: each cycle it claims
// a scan-update gate slot, connects to the scanner, ingests results and
// finished hosts, records progress and maps the remote status onto the local
// run status. It returns a PollOutcome; committing the terminal status is
// the finalizer's job.
type scanPoller struct {
	taskRepo   domain.TaskRepository
	reportRepo domain.ReportRepository

	clientFactory domain.ClientFactory
	gate          domain.ResourceGate

	cfg PollerConfig

	logger *logger.Logger
	tracer trace.Tracer
}

// NewScanPoller assembles a poller over the scanning repositories, the
// scanner client factory and the resource gate.
func NewScanPoller(
	taskRepo domain.TaskRepository,
	reportRepo domain.ReportRepository,
	clientFactory domain.ClientFactory,
	gate domain.ResourceGate,
	cfg PollerConfig,
	logger *logger.Logger,
	tracer trace.Tracer,
) *scanPoller {
	return &scanPoller{
		taskRepo:      taskRepo,
		reportRepo:    reportRepo,
		clientFactory: clientFactory,
		gate:          gate,
		cfg:           cfg.withDefaults(),
		logger:        logger.With("component", "scan_poller"),
		tracer:        tracer,
	}
}

// pollState carries the loop's mutable state across cycles.
type pollState struct {
	task   *domain.Task
	report *domain.Report

	// started flips once the scanner has been observed running the scan.
	started bool

	// queuedObserved flips on the first QUEUED observation so subsequent
	// ones are absorbed silently.
	queuedObserved bool

	budget *connectionBudget
}

// Poll drives poll cycles until the scan reaches a terminal outcome or
// yields. The returned outcome is never committed here; the caller hands
// terminal outcomes to the finalizer.
func (p *scanPoller) Poll(ctx context.Context, req PollRequest) (domain.PollOutcome, error) {
	logger := p.logger.With("operation", "poll",
		"task_id", req.Task.TaskID(), "report_id", req.Report.ReportID())
	ctx, span := p.tracer.Start(ctx, "scan_poller.poll",
		trace.WithAttributes(
			attribute.String("task_id", req.Task.TaskID().String()),
			attribute.String("report_id", req.Report.ReportID().String()),
			attribute.Bool("yield_when_queued", req.YieldWhenQueued),
		),
	)
	defer span.End()

	st := &pollState{
		task:    req.Task,
		report:  req.Report,
		started: req.Report.Status() == domain.RunStatusRunning,
		budget:  newConnectionBudget(p.cfg.RetryBudget),
	}

	cycles := 0
	for {
		outcome, done, err := p.cycle(ctx, req, st)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "poll cycle failed")
			return outcome, err
		}
		if done {
			span.SetAttributes(attribute.String("outcome", outcome.String()))
			logger.Info(ctx, "Poll loop finished", "outcome", outcome.String(), "cycles", cycles)
			return outcome, nil
		}

		cycles++
		if p.cfg.MaxCycles > 0 && cycles >= p.cfg.MaxCycles && st.started {
			span.AddEvent("max_cycles_reached")
			return domain.OutcomeYieldRunning, nil
		}

		select {
		case <-ctx.Done():
			// Process shutdown mid-scan; the resume sweep picks the job up.
			span.AddEvent("context_cancelled")
			return domain.OutcomeInterrupted, ctx.Err()
		case <-time.After(p.cfg.Interval):
		}
	}
}

// cycle runs one poll cycle. done is true when outcome is meaningful.
func (p *scanPoller) cycle(ctx context.Context, req PollRequest, st *pollState) (outcome domain.PollOutcome, done bool, err error) {
	scanID := st.report.ScanID()

	// A stop request always wins over further polling.
	fresh, err := p.taskRepo.GetTask(ctx, st.task.TaskID())
	if err != nil {
		return "", false, fmt.Errorf("reloading task: %w", err)
	}
	if fresh.StopRequested() {
		return domain.OutcomeAlreadyStopped, true, nil
	}

	acquired, err := p.gate.Acquire(ctx, domain.ResourceScanUpdate, p.cfg.GateTimeout)
	if err != nil {
		var broken *domain.GateBrokenError
		if errors.As(err, &broken) {
			p.recordFailure(ctx, st, "resource gate broken: "+broken.Error())
			return domain.OutcomeFatal, true, nil
		}
		return "", false, fmt.Errorf("acquiring scan-update slot: %w", err)
	}
	if !acquired {
		// Slot contention is normal; skip this cycle and try again.
		return "", false, nil
	}
	defer func() {
		if rerr := p.gate.Release(ctx, domain.ResourceScanUpdate); rerr != nil {
			p.logger.Error(ctx, "Failed to release scan-update slot", "error", rerr)
		}
	}()

	client, err := p.clientFactory.Client(ctx, req.Scanner)
	if err != nil {
		return p.connectionFailure(ctx, st, nil, err)
	}
	defer client.Close()

	progress, _, err := client.GetProgress(ctx, scanID, false, false)
	if err != nil {
		if errors.Is(err, domain.ErrScanNotFound) {
			return domain.OutcomeExternallyStopped, true, nil
		}
		return p.connectionFailure(ctx, st, client, err)
	}
	if progress < 0 || progress > 100 {
		return p.connectionFailure(ctx, st, client, fmt.Errorf("scanner reported progress %d", progress))
	}

	progress, payload, err := client.GetProgress(ctx, scanID, true, true)
	if err != nil {
		if errors.Is(err, domain.ErrScanNotFound) {
			return domain.OutcomeExternallyStopped, true, nil
		}
		return p.connectionFailure(ctx, st, client, err)
	}
	if payload != nil {
		st.report.AddResults(payload.Results)
		for _, host := range payload.FinishedHosts {
			st.report.MarkHostFinished(host)
		}
		if len(payload.Results) > 0 {
			if err := p.reportRepo.AppendResults(ctx, scanID, payload.Results); err != nil {
				return "", false, fmt.Errorf("persisting results: %w", err)
			}
		}
	}
	if err := st.report.SetProgress(progress); err != nil {
		return p.connectionFailure(ctx, st, client, err)
	}
	if err := p.reportRepo.UpdateReport(ctx, st.report); err != nil {
		return "", false, fmt.Errorf("persisting report progress: %w", err)
	}

	status, err := client.GetStatus(ctx, scanID)
	if err != nil {
		if errors.Is(err, domain.ErrScanNotFound) {
			return domain.OutcomeExternallyStopped, true, nil
		}
		return p.connectionFailure(ctx, st, client, err)
	}

	// An unexpected stop draws on the retry budget, so only a cycle that
	// lands on any other status restores it.
	if status != domain.RemoteStatusStopped {
		st.budget.Reset()
	}

	switch status {
	case domain.RemoteStatusQueued, domain.RemoteStatusInit:
		if !st.queuedObserved {
			st.queuedObserved = true
			if err := p.commitPair(ctx, st, domain.RunStatusQueued); err != nil {
				return "", false, err
			}
			if req.YieldWhenQueued {
				return domain.OutcomeYieldQueued, true, nil
			}
		}
		return "", false, nil

	case domain.RemoteStatusRunning:
		if !st.started {
			st.started = true
			if err := p.commitPair(ctx, st, domain.RunStatusRunning); err != nil {
				return "", false, err
			}
		}
		return "", false, nil

	case domain.RemoteStatusFinished:
		if st.report.Progress() != 100 {
			// FINISHED with trailing results still in flight; keep polling
			// until progress catches up.
			return "", false, nil
		}
		if derr := client.DeleteScan(ctx, scanID); derr != nil {
			p.logger.Warn(ctx, "Failed to delete finished remote scan", "scan_id", scanID, "error", derr)
		}
		if !st.started {
			// Short scans can finish between polls without RUNNING ever
			// being observed; the pair still passes through it.
			if err := p.commitPair(ctx, st, domain.RunStatusRunning); err != nil {
				return "", false, err
			}
		}
		return domain.OutcomeSuccess, true, nil

	case domain.RemoteStatusStopped:
		if st.report.Progress() == 100 {
			// The stop landed after the last host finished; a later cycle
			// observes the settled status.
			return "", false, nil
		}
		if st.budget.Consume() {
			p.logger.Warn(ctx, "Scan stopped unexpectedly before completion, will retry",
				"scan_id", scanID, "progress", st.report.Progress())
			return "", false, nil
		}
		p.recordFailure(ctx, st, "scan stopped unexpectedly on the scanner")
		if derr := client.DeleteScan(ctx, scanID); derr != nil {
			p.logger.Warn(ctx, "Failed to delete stopped remote scan", "scan_id", scanID, "error", derr)
		}
		return domain.OutcomeFatal, true, nil

	case domain.RemoteStatusInterrupted:
		p.recordFailure(ctx, st, "scan interrupted unexpectedly on the scanner")
		if derr := client.DeleteScan(ctx, scanID); derr != nil {
			p.logger.Warn(ctx, "Failed to delete interrupted remote scan", "scan_id", scanID, "error", derr)
		}
		return domain.OutcomeInterrupted, true, nil

	case domain.RemoteStatusNotFound:
		return domain.OutcomeExternallyStopped, true, nil

	default:
		p.logger.Warn(ctx, "Ignoring unrecognized remote status", "scan_id", scanID, "status", status.String())
		return "", false, nil
	}
}

// connectionFailure handles one failed attempt to converse with the scanner.
// Within budget it absorbs the failure and lets the loop try again; past the
// budget it records a single synthetic error result, best-effort deletes the
// remote scan and abandons the job as FATAL.
func (p *scanPoller) connectionFailure(ctx context.Context, st *pollState, client domain.ScannerClient, cause error) (domain.PollOutcome, bool, error) {
	if st.budget.Consume() {
		p.logger.Warn(ctx, "Scanner connection failure, will retry",
			"report_id", st.report.ReportID(), "error", cause)
		return "", false, nil
	}

	p.logger.Error(ctx, "Scanner connection retry budget exhausted, abandoning scan",
		"report_id", st.report.ReportID(), "error", cause)
	p.recordFailure(ctx, st, fmt.Sprintf("could not connect to scanner: %v", cause))

	if client != nil {
		if derr := client.DeleteScan(ctx, st.report.ScanID()); derr != nil {
			p.logger.Warn(ctx, "Failed to delete abandoned remote scan", "error", derr)
		}
	}
	return domain.OutcomeFatal, true, nil
}

// recordFailure appends exactly one synthetic error result describing why
// the job failed, so the user sees a single readable line in the report.
func (p *scanPoller) recordFailure(ctx context.Context, st *pollState, message string) {
	result := domain.NewErrorResult(message)
	st.report.AddResult(result)
	if err := p.reportRepo.AppendResults(ctx, st.report.ReportID(), []domain.Result{result}); err != nil {
		p.logger.Error(ctx, "Failed to persist synthetic error result",
			"report_id", st.report.ReportID(), "error", err)
	}
}

// commitPair commits a run-status transition to the task/report pair.
func (p *scanPoller) commitPair(ctx context.Context, st *pollState, status domain.RunStatus) error {
	if err := p.reportRepo.UpdatePairStatus(ctx, st.task, st.report, status); err != nil {
		return fmt.Errorf("committing %s status: %w", status, err)
	}
	return nil
}
