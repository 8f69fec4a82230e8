package gate

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/internal/infra/storage"
	"github.com/ahrav/vulnscan-armada/pkg/common/logger"
)

func newTestGate(t *testing.T, db *pgxpool.Pool, capacities map[scanning.Resource]int) *PostgresGate {
	t.Helper()
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	return NewPostgresGate(db, capacities, log, storage.NoOpTracer())
}

func slotState(t *testing.T, ctx context.Context, db *pgxpool.Pool, res scanning.Resource) (capacity, inUse int) {
	t.Helper()
	err := db.QueryRow(ctx,
		`SELECT capacity, in_use FROM gate_slots WHERE name = $1`, res.String(),
	).Scan(&capacity, &inUse)
	require.NoError(t, err)
	return capacity, inUse
}

func TestPostgresGate_AcquireRelease(t *testing.T) {
	t.Parallel()
	db, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	ctx := context.Background()
	g := newTestGate(t, db, map[scanning.Resource]int{
		scanning.ResourceScanUpdate:       2,
		scanning.ResourceDBConnection:     0,
		scanning.ResourceReportProcessing: 1,
	})
	require.NoError(t, g.Reconcile(ctx))

	ok, err := g.Acquire(ctx, scanning.ResourceScanUpdate, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.Acquire(ctx, scanning.ResourceScanUpdate, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Both slots held: the next acquire times out without error.
	ok, err = g.Acquire(ctx, scanning.ResourceScanUpdate, 150*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	_, inUse := slotState(t, ctx, db, scanning.ResourceScanUpdate)
	assert.Equal(t, 2, inUse)

	require.NoError(t, g.Release(ctx, scanning.ResourceScanUpdate))

	ok, err = g.Acquire(ctx, scanning.ResourceScanUpdate, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgresGate_ZeroCapacityDisablesThrottle(t *testing.T) {
	t.Parallel()
	db, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	ctx := context.Background()
	g := newTestGate(t, db, map[scanning.Resource]int{
		scanning.ResourceScanUpdate:       1,
		scanning.ResourceDBConnection:     0,
		scanning.ResourceReportProcessing: 1,
	})
	require.NoError(t, g.Reconcile(ctx))

	for i := 0; i < 10; i++ {
		ok, err := g.Acquire(ctx, scanning.ResourceDBConnection, time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// Unbounded resources never touch the slot table.
	_, inUse := slotState(t, ctx, db, scanning.ResourceDBConnection)
	assert.Zero(t, inUse)
}

func TestPostgresGate_CrossProcessContention(t *testing.T) {
	t.Parallel()
	db, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	ctx := context.Background()
	capacities := map[scanning.Resource]int{
		scanning.ResourceScanUpdate:       1,
		scanning.ResourceDBConnection:     0,
		scanning.ResourceReportProcessing: 1,
	}

	first := newTestGate(t, db, capacities)
	require.NoError(t, first.Reconcile(ctx))

	ok, err := first.Acquire(ctx, scanning.ResourceScanUpdate, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// A second manager process sharing the table observes the claimed slot.
	second := newTestGate(t, db, capacities)
	require.NoError(t, second.Reconcile(ctx))

	ok, err = second.Acquire(ctx, scanning.ResourceScanUpdate, 150*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Release(ctx, scanning.ResourceScanUpdate))

	ok, err = second.Acquire(ctx, scanning.ResourceScanUpdate, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgresGate_ReconcileRebuildsStaleSet(t *testing.T) {
	t.Parallel()
	db, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	ctx := context.Background()
	old := newTestGate(t, db, map[scanning.Resource]int{
		scanning.ResourceScanUpdate:       1,
		scanning.ResourceDBConnection:     0,
		scanning.ResourceReportProcessing: 1,
	})
	require.NoError(t, old.Reconcile(ctx))

	ok, err := old.Acquire(ctx, scanning.ResourceScanUpdate, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// A reconfigured manager rebuilds the slot set, discarding the stale
	// in-use count left behind by the previous process.
	rebuilt := newTestGate(t, db, map[scanning.Resource]int{
		scanning.ResourceScanUpdate:       3,
		scanning.ResourceDBConnection:     0,
		scanning.ResourceReportProcessing: 1,
	})
	require.NoError(t, rebuilt.Reconcile(ctx))

	capacity, inUse := slotState(t, ctx, db, scanning.ResourceScanUpdate)
	assert.Equal(t, 3, capacity)
	assert.Zero(t, inUse)
}

func TestPostgresGate_ReconcileReattaches(t *testing.T) {
	t.Parallel()
	db, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	ctx := context.Background()
	capacities := map[scanning.Resource]int{
		scanning.ResourceScanUpdate:       2,
		scanning.ResourceDBConnection:     0,
		scanning.ResourceReportProcessing: 1,
	}

	g := newTestGate(t, db, capacities)
	require.NoError(t, g.Reconcile(ctx))

	ok, err := g.Acquire(ctx, scanning.ResourceScanUpdate, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Same shape: a restarting worker re-attaches without resetting counts.
	require.NoError(t, newTestGate(t, db, capacities).Reconcile(ctx))

	_, inUse := slotState(t, ctx, db, scanning.ResourceScanUpdate)
	assert.Equal(t, 1, inUse)
}

func TestPostgresGate_BrokenSlotSet(t *testing.T) {
	t.Parallel()
	db, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	ctx := context.Background()
	g := newTestGate(t, db, map[scanning.Resource]int{
		scanning.ResourceScanUpdate:       1,
		scanning.ResourceDBConnection:     0,
		scanning.ResourceReportProcessing: 1,
	})
	require.NoError(t, g.Reconcile(ctx))

	_, err := db.Exec(ctx, `DELETE FROM gate_slots`)
	require.NoError(t, err)

	_, err = g.Acquire(ctx, scanning.ResourceScanUpdate, time.Second)
	require.Error(t, err)

	var broken *scanning.GateBrokenError
	require.ErrorAs(t, err, &broken)
	assert.Equal(t, scanning.ResourceScanUpdate, broken.Resource)
}
