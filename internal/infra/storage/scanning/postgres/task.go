package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/internal/infra/storage"
)

// Ensure taskStore implements scanning.TaskRepository at compile time.
var _ scanning.TaskRepository = (*taskStore)(nil)

// taskStore implements scanning.TaskRepository using Postgres. It provides
// persistent storage and retrieval of task state across job executions.
type taskStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewTaskStore creates a TaskRepository backed by PostgreSQL.
func NewTaskStore(pool *pgxpool.Pool, tracer trace.Tracer) *taskStore {
	return &taskStore{pool: pool, tracer: tracer}
}

// CreateTask persists a new task's initial state in the database.
func (s *taskStore) CreateTask(ctx context.Context, task *scanning.Task) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", task.TaskID().String()),
		attribute.String("status", string(task.Status())),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_task", dbAttrs, func(ctx context.Context) error {
		prefs, err := json.Marshal(task.Preferences())
		if err != nil {
			return fmt.Errorf("marshalling task preferences: %w", err)
		}

		_, err = s.pool.Exec(ctx, `
			INSERT INTO tasks (id, name, scanner_id, target_id, status, current_report_id, preferences, start_time, end_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			task.TaskID(), task.Name(), task.ScannerID(), task.TargetID(),
			task.Status().String(), nilIfZero(task.CurrentReportID()), prefs,
			nilIfZeroTime(task.StartTime()), nilIfZeroTime(task.EndTime()),
		)
		if err != nil {
			return fmt.Errorf("CreateTask insert error: %w", err)
		}
		return nil
	})
}

// GetTask retrieves a task's current state from the database. It
// reconstructs the domain Task object from stored data.
func (s *taskStore) GetTask(ctx context.Context, taskID uuid.UUID) (*scanning.Task, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", taskID.String()),
	)

	var domainTask *scanning.Task

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_task", dbAttrs, func(ctx context.Context) error {
		var (
			name            string
			scannerID       uuid.UUID
			targetID        uuid.UUID
			status          string
			currentReportID pgtype.UUID
			prefs           []byte
			startTime       pgtype.Timestamptz
			endTime         pgtype.Timestamptz
		)

		err := s.pool.QueryRow(ctx, `
			SELECT name, scanner_id, target_id, status, current_report_id, preferences, start_time, end_time
			FROM tasks WHERE id = $1`, taskID,
		).Scan(&name, &scannerID, &targetID, &status, &currentReportID, &prefs, &startTime, &endTime)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("GetTask query error: %w", err)
		}

		preferences := make(map[string]string)
		if len(prefs) > 0 {
			if jerr := json.Unmarshal(prefs, &preferences); jerr != nil {
				return fmt.Errorf("unmarshalling task preferences: %w", jerr)
			}
		}

		var reportID uuid.UUID
		if currentReportID.Valid {
			reportID = currentReportID.Bytes
		}

		domainTask = scanning.ReconstructTask(
			taskID, scannerID, targetID,
			name,
			scanning.ParseRunStatus(status),
			reportID,
			preferences,
			startTime.Time, endTime.Time,
		)
		return nil
	})

	if err != nil {
		return nil, err
	}
	if domainTask == nil {
		return nil, pgx.ErrNoRows
	}
	return domainTask, nil
}

// UpdateTask persists status, active-report and timing changes.
func (s *taskStore) UpdateTask(ctx context.Context, task *scanning.Task) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", task.TaskID().String()),
		attribute.String("status", string(task.Status())),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_task", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE tasks
			SET status = $2, current_report_id = $3, start_time = $4, end_time = $5, updated_at = now()
			WHERE id = $1`,
			task.TaskID(), task.Status().String(), nilIfZero(task.CurrentReportID()),
			nilIfZeroTime(task.StartTime()), nilIfZeroTime(task.EndTime()),
		)
		if err != nil {
			return fmt.Errorf("UpdateTask update error: %w", err)
		}
		return nil
	})
}

// ListActiveTasks returns every task whose run status is non-terminal. Used
// by the startup sweep that resumes jobs a previous process left in flight.
func (s *taskStore) ListActiveTasks(ctx context.Context) ([]*scanning.Task, error) {
	var tasks []*scanning.Task

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_active_tasks", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT id, name, scanner_id, target_id, status, current_report_id, preferences, start_time, end_time
			FROM tasks
			WHERE status NOT IN ('DONE', 'STOPPED', 'INTERRUPTED')`)
		if err != nil {
			return fmt.Errorf("ListActiveTasks query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				taskID          uuid.UUID
				name            string
				scannerID       uuid.UUID
				targetID        uuid.UUID
				status          string
				currentReportID pgtype.UUID
				prefs           []byte
				startTime       pgtype.Timestamptz
				endTime         pgtype.Timestamptz
			)
			if err := rows.Scan(&taskID, &name, &scannerID, &targetID, &status, &currentReportID, &prefs, &startTime, &endTime); err != nil {
				return fmt.Errorf("ListActiveTasks scan error: %w", err)
			}

			preferences := make(map[string]string)
			if len(prefs) > 0 {
				if jerr := json.Unmarshal(prefs, &preferences); jerr != nil {
					return fmt.Errorf("unmarshalling task preferences: %w", jerr)
				}
			}

			var reportID uuid.UUID
			if currentReportID.Valid {
				reportID = currentReportID.Bytes
			}

			tasks = append(tasks, scanning.ReconstructTask(
				taskID, scannerID, targetID,
				name,
				scanning.ParseRunStatus(status),
				reportID,
				preferences,
				startTime.Time, endTime.Time,
			))
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// nilIfZero maps uuid.Nil to a SQL NULL.
func nilIfZero(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

// nilIfZeroTime maps the zero time to a SQL NULL.
func nilIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
