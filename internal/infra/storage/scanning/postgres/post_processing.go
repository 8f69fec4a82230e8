package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/internal/infra/storage"
)

// Ensure postProcessor implements scanning.ReportPostProcessor at compile time.
var _ scanning.ReportPostProcessor = (*postProcessor)(nil)

// postProcessor implements the deferred report passes as set-based SQL so a
// large report never round-trips its results through the manager.
type postProcessor struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewPostProcessor creates a ReportPostProcessor backed by PostgreSQL.
func NewPostProcessor(pool *pgxpool.Pool, tracer trace.Tracer) *postProcessor {
	return &postProcessor{pool: pool, tracer: tracer}
}

// IdentifyHosts folds host-detail results into report_hosts rows, one per
// distinct host seen in the report.
func (p *postProcessor) IdentifyHosts(ctx context.Context, reportID uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("report_id", reportID.String()))

	return storage.ExecuteAndTrace(ctx, p.tracer, "postgres.identify_hosts", dbAttrs, func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO report_hosts (report_id, host, hostname, result_count)
			SELECT report_id, host, MAX(hostname), COUNT(*)
			FROM report_results
			WHERE report_id = $1 AND host <> ''
			GROUP BY report_id, host
			ON CONFLICT (report_id, host) DO UPDATE
			SET hostname = EXCLUDED.hostname, result_count = EXCLUDED.result_count`,
			reportID,
		)
		if err != nil {
			return fmt.Errorf("IdentifyHosts error: %w", err)
		}
		return nil
	})
}

// AggregateSeverity computes the report's maximum severity and per-class
// counts and stamps them on the report row.
func (p *postProcessor) AggregateSeverity(ctx context.Context, reportID uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("report_id", reportID.String()))

	return storage.ExecuteAndTrace(ctx, p.tracer, "postgres.aggregate_severity", dbAttrs, func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, `
			UPDATE reports SET
				severity = agg.max_severity,
				alarm_count = agg.alarms,
				log_count = agg.logs,
				error_count = agg.errors,
				updated_at = now()
			FROM (
				SELECT
					COALESCE(MAX(severity) FILTER (WHERE severity >= 0), -1) AS max_severity,
					COUNT(*) FILTER (WHERE type = 'ALARM') AS alarms,
					COUNT(*) FILTER (WHERE type = 'LOG') AS logs,
					COUNT(*) FILTER (WHERE type = 'ERROR') AS errors
				FROM report_results WHERE report_id = $1
			) agg
			WHERE reports.id = $1`,
			reportID,
		)
		if err != nil {
			return fmt.Errorf("AggregateSeverity error: %w", err)
		}
		return nil
	})
}

// EnrichDetails backfills hostnames onto results whose host gained an
// identity during the identification pass.
func (p *postProcessor) EnrichDetails(ctx context.Context, reportID uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("report_id", reportID.String()))

	return storage.ExecuteAndTrace(ctx, p.tracer, "postgres.enrich_details", dbAttrs, func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, `
			UPDATE report_results r SET hostname = h.hostname
			FROM report_hosts h
			WHERE r.report_id = $1
			  AND h.report_id = r.report_id
			  AND h.host = r.host
			  AND r.hostname = ''
			  AND h.hostname IS NOT NULL AND h.hostname <> ''`,
			reportID,
		)
		if err != nil {
			return fmt.Errorf("EnrichDetails error: %w", err)
		}
		return nil
	})
}
