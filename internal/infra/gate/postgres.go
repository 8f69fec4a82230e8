package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/internal/infra/storage"
	"github.com/ahrav/vulnscan-armada/pkg/common/logger"
)

var _ scanning.ResourceGate = (*PostgresGate)(nil)

// retryInterval is how long an acquire waits between slot-claim attempts.
const retryInterval = 100 * time.Millisecond

// PostgresGate is the cross-process resource gate. Slot counts live in a
// shared table so every worker, regardless of which process it runs in,
// observes and contends for the same capacity. Workers re-attach to the
// existing slot set; only Reconcile ever rebuilds it.
type PostgresGate struct {
	pool       *pgxpool.Pool
	capacities map[scanning.Resource]int

	logger *logger.Logger
	tracer trace.Tracer
}

// NewPostgresGate creates a gate over the shared slot table. Call Reconcile
// once at manager start-up before handing the gate to workers.
func NewPostgresGate(
	pool *pgxpool.Pool,
	capacities map[scanning.Resource]int,
	logger *logger.Logger,
	tracer trace.Tracer,
) *PostgresGate {
	return &PostgresGate{
		pool:       pool,
		capacities: capacities,
		logger:     logger.With("component", "resource_gate"),
		tracer:     tracer,
	}
}

// Reconcile compares the persisted slot-set shape against the configured
// one and rebuilds the whole set when they diverge. A divergent set means a
// previous manager died or was reconfigured; its in-use counts are stale and
// must not be trusted.
func (g *PostgresGate) Reconcile(ctx context.Context) error {
	return storage.ExecuteAndTrace(ctx, g.tracer, "postgres.gate_reconcile", nil, func(ctx context.Context) error {
		rows, err := g.pool.Query(ctx, `SELECT name, capacity FROM gate_slots`)
		if err != nil {
			return fmt.Errorf("querying gate slots: %w", err)
		}

		existing := make(map[scanning.Resource]int)
		for rows.Next() {
			var name string
			var capacity int
			if err := rows.Scan(&name, &capacity); err != nil {
				rows.Close()
				return fmt.Errorf("scanning gate slot row: %w", err)
			}
			existing[scanning.Resource(name)] = capacity
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("reading gate slot rows: %w", err)
		}

		if g.shapeMatches(existing) {
			g.logger.Debug(ctx, "Gate slot set matches configuration, re-attaching")
			return nil
		}

		g.logger.Info(ctx, "Gate slot set stale, rebuilding", "existing", len(existing))
		return g.rebuild(ctx)
	})
}

func (g *PostgresGate) shapeMatches(existing map[scanning.Resource]int) bool {
	if len(existing) != len(scanning.Resources()) {
		return false
	}
	for _, res := range scanning.Resources() {
		capacity, ok := existing[res]
		if !ok || capacity != g.capacityFor(res) {
			return false
		}
	}
	return true
}

func (g *PostgresGate) rebuild(ctx context.Context) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning gate rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM gate_slots`); err != nil {
		return fmt.Errorf("clearing gate slots: %w", err)
	}

	for _, res := range scanning.Resources() {
		_, err := tx.Exec(ctx,
			`INSERT INTO gate_slots (name, capacity, in_use) VALUES ($1, $2, 0)`,
			res.String(), g.capacityFor(res),
		)
		if err != nil {
			return fmt.Errorf("inserting gate slot %s: %w", res, err)
		}
	}

	return tx.Commit(ctx)
}

func (g *PostgresGate) capacityFor(res scanning.Resource) int { return g.capacities[res] }

// Acquire claims one slot of the named resource, blocking up to timeout
// (0 means unbounded). Returns (false, nil) on timeout, which callers treat
// as "try again later". A *scanning.GateBrokenError means the slot set is
// gone and the calling cycle must abort.
func (g *PostgresGate) Acquire(ctx context.Context, resource scanning.Resource, timeout time.Duration) (bool, error) {
	if g.capacityFor(resource) == 0 {
		return true, nil
	}

	attrs := []attribute.KeyValue{attribute.String("resource", resource.String())}

	var acquired bool
	err := storage.ExecuteAndTrace(ctx, g.tracer, "postgres.gate_acquire", attrs, func(ctx context.Context) error {
		var deadline time.Time
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}

		for {
			ok, err := g.tryAcquire(ctx, resource)
			if err != nil {
				return err
			}
			if ok {
				acquired = true
				return nil
			}

			if !deadline.IsZero() && time.Now().After(deadline) {
				return nil
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryInterval):
			}
		}
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (g *PostgresGate) tryAcquire(ctx context.Context, resource scanning.Resource) (bool, error) {
	tag, err := g.pool.Exec(ctx,
		`UPDATE gate_slots SET in_use = in_use + 1 WHERE name = $1 AND in_use < capacity`,
		resource.String(),
	)
	if err != nil {
		g.logger.Error(ctx, "Gate acquire failed", "resource", resource.String(), "error", err)
		return false, &scanning.GateBrokenError{Resource: resource, Err: err}
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Either the slot is full or the set was destroyed underneath us.
	// Distinguish the two: a missing row is fatal.
	var capacity int
	err = g.pool.QueryRow(ctx, `SELECT capacity FROM gate_slots WHERE name = $1`, resource.String()).Scan(&capacity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = fmt.Errorf("slot row missing")
		}
		g.logger.Error(ctx, "Gate slot set unreachable", "resource", resource.String(), "error", err)
		return false, &scanning.GateBrokenError{Resource: resource, Err: err}
	}
	return false, nil
}

// Release returns one previously acquired slot.
func (g *PostgresGate) Release(ctx context.Context, resource scanning.Resource) error {
	if g.capacityFor(resource) == 0 {
		return nil
	}

	attrs := []attribute.KeyValue{attribute.String("resource", resource.String())}

	return storage.ExecuteAndTrace(ctx, g.tracer, "postgres.gate_release", attrs, func(ctx context.Context) error {
		tag, err := g.pool.Exec(ctx,
			`UPDATE gate_slots SET in_use = GREATEST(in_use - 1, 0) WHERE name = $1`,
			resource.String(),
		)
		if err != nil {
			return &scanning.GateBrokenError{Resource: resource, Err: err}
		}
		if tag.RowsAffected() == 0 {
			return &scanning.GateBrokenError{Resource: resource, Err: fmt.Errorf("slot row missing")}
		}
		return nil
	})
}
