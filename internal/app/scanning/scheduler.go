package scanning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	domain "github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/pkg/common"
	"github.com/ahrav/vulnscan-armada/pkg/common/logger"
)

const (
	defaultWorkerCount  = 4
	defaultQueueDepth   = 256
	defaultRequeueDelay = 10 * time.Second
)

// SchedulerConfig bounds the scheduler's concurrency and pacing.
type SchedulerConfig struct {
	// Workers is the number of concurrent job workers.
	Workers int

	// MaxActiveJobs caps how many jobs may run scans concurrently. Jobs over
	// the cap still submit, but yield their worker while remote-queued.
	MaxActiveJobs int

	// LaunchRatePerSecond paces job launches; zero disables pacing.
	LaunchRatePerSecond float64

	// RequeueDelay is the wait before a yielded job is offered to a worker
	// again.
	RequeueDelay time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Workers <= 0 {
		c.Workers = defaultWorkerCount
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = defaultRequeueDelay
	}
	return c
}

// scheduledJob is one unit of queued work.
type scheduledJob struct {
	taskID uuid.UUID
	mode   domain.ResumeMode
}

// JobScheduler feeds scan jobs to a bounded worker pool. Jobs that yield
// (remote-queued over quota, or long-running scans sharing workers) are
// requeued after a delay rather than holding a worker.
type JobScheduler struct {
	svc      *ScanJobService
	taskRepo domain.TaskRepository
	registry domain.ActiveJobRegistry

	cfg   SchedulerConfig
	queue chan scheduledJob

	// limiter paces launches; nil when pacing is disabled.
	limiter *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewJobScheduler creates a scheduler over the job service.
func NewJobScheduler(
	svc *ScanJobService,
	taskRepo domain.TaskRepository,
	registry domain.ActiveJobRegistry,
	cfg SchedulerConfig,
	logger *logger.Logger,
	tracer trace.Tracer,
) *JobScheduler {
	cfg = cfg.withDefaults()

	var limiter *common.RateLimiter
	if cfg.LaunchRatePerSecond > 0 {
		limiter = common.NewRateLimiter(cfg.LaunchRatePerSecond, 1)
	}

	return &JobScheduler{
		svc:      svc,
		taskRepo: taskRepo,
		registry: registry,
		cfg:      cfg,
		queue:    make(chan scheduledJob, defaultQueueDepth),
		limiter:  limiter,
		logger:   logger.With("component", "job_scheduler"),
		tracer:   tracer,
	}
}

// Schedule queues a job for execution. It blocks only when the queue is
// full.
func (s *JobScheduler) Schedule(ctx context.Context, taskID uuid.UUID, mode domain.ResumeMode) error {
	select {
	case s.queue <- scheduledJob{taskID: taskID, mode: mode}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResumeInterrupted sweeps tasks a previous process left in a non-terminal
// status and queues each for resumption. Run once at startup, after the
// resource gate has been reconciled.
func (s *JobScheduler) ResumeInterrupted(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "job_scheduler.resume_interrupted")
	defer span.End()

	tasks, err := s.taskRepo.ListActiveTasks(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("listing active tasks: %w", err)
	}

	for _, task := range tasks {
		if err := s.Schedule(ctx, task.TaskID(), domain.ResumeOrStart); err != nil {
			return err
		}
		s.logger.Info(ctx, "Queued interrupted task for resume",
			"task_id", task.TaskID(), "status", task.Status().String())
	}

	span.SetAttributes(attribute.Int("resumed_count", len(tasks)))
	return nil
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (s *JobScheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error { return s.worker(ctx) })
	}
	return g.Wait()
}

func (s *JobScheduler) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-s.queue:
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			s.runOne(ctx, job)
		}
	}
}

func (s *JobScheduler) runOne(ctx context.Context, job scheduledJob) {
	// Jobs past the quota submit anyway but yield while remote-queued; the
	// scanner's own queue holds them.
	overQuota := s.cfg.MaxActiveJobs > 0 && s.registry.Count() >= s.cfg.MaxActiveJobs

	res, err := s.svc.RunJob(ctx, job.taskID, job.mode, overQuota)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		s.logger.Error(ctx, "Job failed", "task_id", job.taskID, "error", err)
		return
	}

	if !res.Outcome.IsTerminal() {
		s.requeue(ctx, job.taskID)
	}
}

// requeue re-offers a yielded job after the configured delay. The registry
// still holds the job's report, so the next worker re-enters at the polling
// stage.
func (s *JobScheduler) requeue(ctx context.Context, taskID uuid.UUID) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RequeueDelay):
		}
		if err := s.Schedule(ctx, taskID, domain.ResumeOrStart); err != nil {
			s.logger.Warn(ctx, "Failed to requeue yielded job", "task_id", taskID, "error", err)
		}
	}()
}
