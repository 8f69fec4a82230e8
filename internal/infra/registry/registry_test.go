package registry

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActiveJobs_RegisterLookupClear(t *testing.T) {
	r := NewActiveJobs()
	taskID, reportID := uuid.New(), uuid.New()

	_, ok := r.Lookup(taskID)
	require.False(t, ok)

	r.Register(taskID, reportID)
	got, ok := r.Lookup(taskID)
	require.True(t, ok)
	assert.Equal(t, reportID, got)
	assert.Equal(t, 1, r.Count())

	r.Clear(taskID)
	_, ok = r.Lookup(taskID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())

	// Clearing again is a no-op.
	r.Clear(taskID)
	assert.Equal(t, 0, r.Count())
}

func TestActiveJobs_ConcurrentAccess(t *testing.T) {
	r := NewActiveJobs()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			taskID := uuid.New()
			r.Register(taskID, uuid.New())
			r.Count()
			r.Clear(taskID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count())
}
