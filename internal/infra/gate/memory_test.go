package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/vulnscan-armada/internal/domain/scanning"
)

func TestMemoryGate_AcquireRelease(t *testing.T) {
	g := NewMemoryGate(map[scanning.Resource]int{scanning.ResourceScanUpdate: 2})
	ctx := context.Background()

	ok, err := g.Acquire(ctx, scanning.ResourceScanUpdate, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.Acquire(ctx, scanning.ResourceScanUpdate, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Both slots held: the next acquire times out without error.
	ok, err = g.Acquire(ctx, scanning.ResourceScanUpdate, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.Release(ctx, scanning.ResourceScanUpdate))

	ok, err = g.Acquire(ctx, scanning.ResourceScanUpdate, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryGate_ZeroCapacityDisablesThrottle(t *testing.T) {
	g := NewMemoryGate(map[scanning.Resource]int{scanning.ResourceDBConnection: 0})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := g.Acquire(ctx, scanning.ResourceDBConnection, time.Millisecond)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.NoError(t, g.Release(ctx, scanning.ResourceDBConnection))
}

func TestMemoryGate_UnknownResourceIsUnbounded(t *testing.T) {
	g := NewMemoryGate(nil)

	ok, err := g.Acquire(context.Background(), scanning.ResourceReportProcessing, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}
