package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/internal/infra/storage"
)

// Ensure reportStore implements scanning.ReportRepository at compile time.
var _ scanning.ReportRepository = (*reportStore)(nil)

// reportStore implements scanning.ReportRepository using Postgres. It owns
// the report rows, their result streams and the atomic task/report pair
// status transition.
type reportStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewReportStore creates a ReportRepository backed by PostgreSQL.
func NewReportStore(pool *pgxpool.Pool, tracer trace.Tracer) *reportStore {
	return &reportStore{pool: pool, tracer: tracer}
}

// CreateReport persists a new report.
func (s *reportStore) CreateReport(ctx context.Context, report *scanning.Report) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("report_id", report.ReportID().String()),
		attribute.String("task_id", report.TaskID().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_report", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO reports (id, task_id, status, progress, start_time, end_time)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			report.ReportID(), report.TaskID(), report.Status().String(), report.Progress(),
			nilIfZeroTime(report.StartTime()), nilIfZeroTime(report.EndTime()),
		)
		if err != nil {
			return fmt.Errorf("CreateReport insert error: %w", err)
		}
		return nil
	})
}

// GetReport retrieves a report and its finished-host list.
func (s *reportStore) GetReport(ctx context.Context, reportID uuid.UUID) (*scanning.Report, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("report_id", reportID.String()),
	)

	var report *scanning.Report

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_report", dbAttrs, func(ctx context.Context) error {
		var err error
		report, err = s.loadReport(ctx, s.pool, `SELECT id, task_id, status, progress, start_time, end_time FROM reports WHERE id = $1`, reportID)
		return err
	})

	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, pgx.ErrNoRows
	}
	return report, nil
}

// FindResumableReport returns the task's most recent not-yet-finalized
// report, or nil when every prior report reached a terminal status.
func (s *reportStore) FindResumableReport(ctx context.Context, taskID uuid.UUID) (*scanning.Report, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", taskID.String()),
	)

	var report *scanning.Report

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.find_resumable_report", dbAttrs, func(ctx context.Context) error {
		var err error
		report, err = s.loadReport(ctx, s.pool, `
			SELECT id, task_id, status, progress, start_time, end_time
			FROM reports
			WHERE task_id = $1 AND status NOT IN ('DONE', 'STOPPED', 'INTERRUPTED')
			ORDER BY start_time DESC NULLS LAST
			LIMIT 1`, taskID)
		return err
	})

	if err != nil {
		return nil, err
	}
	return report, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *reportStore) loadReport(ctx context.Context, q querier, sql string, arg any) (*scanning.Report, error) {
	var (
		id        uuid.UUID
		taskID    uuid.UUID
		status    string
		progress  int
		startTime pgtype.Timestamptz
		endTime   pgtype.Timestamptz
	)

	err := q.QueryRow(ctx, sql, arg).Scan(&id, &taskID, &status, &progress, &startTime, &endTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("report query error: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT host FROM report_finished_hosts WHERE report_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("finished hosts query error: %w", err)
	}
	defer rows.Close()

	var finished []string
	for rows.Next() {
		var host string
		if err := rows.Scan(&host); err != nil {
			return nil, fmt.Errorf("scanning finished host: %w", err)
		}
		finished = append(finished, host)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading finished hosts: %w", err)
	}

	return scanning.ReconstructReport(
		id, taskID,
		scanning.ParseRunStatus(status),
		progress,
		finished,
		startTime.Time, endTime.Time,
	), nil
}

// UpdateReport persists progress, finished hosts and timing changes.
func (s *reportStore) UpdateReport(ctx context.Context, report *scanning.Report) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("report_id", report.ReportID().String()),
		attribute.String("status", string(report.Status())),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_report", dbAttrs, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning report update: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		_, err = tx.Exec(ctx, `
			UPDATE reports
			SET status = $2, progress = $3, start_time = $4, end_time = $5, updated_at = now()
			WHERE id = $1`,
			report.ReportID(), report.Status().String(), report.Progress(),
			nilIfZeroTime(report.StartTime()), nilIfZeroTime(report.EndTime()),
		)
		if err != nil {
			return fmt.Errorf("UpdateReport update error: %w", err)
		}

		for _, host := range report.FinishedHosts() {
			_, err := tx.Exec(ctx, `
				INSERT INTO report_finished_hosts (report_id, host)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING`,
				report.ReportID(), host,
			)
			if err != nil {
				return fmt.Errorf("recording finished host: %w", err)
			}
		}

		return tx.Commit(ctx)
	})
}

// AppendResults persists newly ingested results for a report.
func (s *reportStore) AppendResults(ctx context.Context, reportID uuid.UUID, results []scanning.Result) error {
	if len(results) == 0 {
		return nil
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("report_id", reportID.String()),
		attribute.Int("result_count", len(results)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.append_results", dbAttrs, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, r := range results {
			batch.Queue(`
				INSERT INTO report_results (report_id, host, hostname, port, oid, type, severity, message, received_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				reportID, r.Host(), r.Hostname(), r.Port(), r.OID(),
				r.Type().String(), r.Severity(), r.Message(), r.ReceivedAt(),
			)
		}

		br := s.pool.SendBatch(ctx, batch)
		defer br.Close()

		for range results {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("AppendResults insert error: %w", err)
			}
		}
		return nil
	})
}

// TrimPartialResults discards persisted results for hosts outside the
// finished-host set. Synthetic manager results carry no host and survive the
// trim.
func (s *reportStore) TrimPartialResults(ctx context.Context, reportID uuid.UUID, finishedHosts []string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("report_id", reportID.String()),
		attribute.Int("finished_host_count", len(finishedHosts)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.trim_partial_results", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			DELETE FROM report_results
			WHERE report_id = $1 AND host <> '' AND host <> ALL($2)`,
			reportID, finishedHosts,
		)
		if err != nil {
			return fmt.Errorf("TrimPartialResults delete error: %w", err)
		}
		return nil
	})
}

// UpdatePairStatus commits a run-status transition to the task and its
// report in one transaction so no crash boundary observes them divergent.
func (s *reportStore) UpdatePairStatus(ctx context.Context, task *scanning.Task, report *scanning.Report, status scanning.RunStatus) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", task.TaskID().String()),
		attribute.String("report_id", report.ReportID().String()),
		attribute.String("status", status.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_pair_status", dbAttrs, func(ctx context.Context) error {
		if err := task.UpdateStatus(status); err != nil {
			return err
		}
		if err := report.UpdateStatus(status); err != nil {
			return err
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning pair status update: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		_, err = tx.Exec(ctx, `
			UPDATE tasks SET status = $2, start_time = $3, end_time = $4, updated_at = now() WHERE id = $1`,
			task.TaskID(), task.Status().String(),
			nilIfZeroTime(task.StartTime()), nilIfZeroTime(task.EndTime()),
		)
		if err != nil {
			return fmt.Errorf("pair status task update error: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE reports SET status = $2, start_time = $3, end_time = $4, updated_at = now() WHERE id = $1`,
			report.ReportID(), report.Status().String(),
			nilIfZeroTime(report.StartTime()), nilIfZeroTime(report.EndTime()),
		)
		if err != nil {
			return fmt.Errorf("pair status report update error: %w", err)
		}

		return tx.Commit(ctx)
	})
}
