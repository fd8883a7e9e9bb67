package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertAndGet(t *testing.T) {
	r := New()
	r.Upsert(Record{Name: "speed-monitor", Source: "print('hi')", Status: StatusPending})
	rec, ok := r.Get("speed-monitor")
	require.True(t, ok)
	assert.Equal(t, StatusPending, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())

	// Replace keeps insertion position and is idempotent.
	r.Upsert(Record{Name: "speed-monitor", Status: StatusRunning})
	rec, _ = r.Get("speed-monitor")
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Equal(t, 1, r.Len())
}

func TestListInsertionOrder(t *testing.T) {
	r := New()
	for i := 0; i < 5; i++ {
		r.Upsert(Record{Name: fmt.Sprintf("app-%d", i), Status: StatusStopped})
	}
	// Re-upserting an early entry must not move it.
	r.Upsert(Record{Name: "app-1", Status: StatusRunning})
	list := r.List()
	require.Len(t, list, 5)
	for i, rec := range list {
		assert.Equal(t, fmt.Sprintf("app-%d", i), rec.Name)
	}
}

func TestUpdateMissing(t *testing.T) {
	r := New()
	assert.False(t, r.Update("nope", func(rec *Record) { rec.Status = StatusFailed }))
	r.Upsert(Record{Name: "a", Status: StatusPending})
	assert.True(t, r.Update("a", func(rec *Record) { rec.Status = StatusFailed }))
	rec, _ := r.Get("a")
	assert.Equal(t, StatusFailed, rec.Status)
}

func TestRemoveRefusesActive(t *testing.T) {
	r := New()
	r.Upsert(Record{Name: "a", Status: StatusRunning})
	require.Error(t, r.Remove("a"))
	r.Update("a", func(rec *Record) { rec.Status = StatusStopped })
	require.NoError(t, r.Remove("a"))
	_, ok := r.Get("a")
	assert.False(t, ok)
	assert.Empty(t, r.List())

	// Removing an unknown name is a no-op.
	require.NoError(t, r.Remove("missing"))
}

func TestGetReturnsSnapshot(t *testing.T) {
	r := New()
	r.Upsert(Record{Name: "a", Status: StatusRunning, PID: 42})
	rec, _ := r.Get("a")
	rec.PID = 99
	again, _ := r.Get("a")
	assert.Equal(t, 42, again.PID)
}

func TestRunningCount(t *testing.T) {
	r := New()
	r.Upsert(Record{Name: "a", Status: StatusRunning})
	r.Upsert(Record{Name: "b", Status: StatusStopped})
	r.Upsert(Record{Name: "c", Status: StatusRunning})
	assert.Equal(t, 2, r.RunningCount())
}

func TestConcurrentDistinctNames(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("app-%d", i)
			for j := 0; j < 100; j++ {
				r.Upsert(Record{Name: name, Status: StatusDeploying})
				r.Update(name, func(rec *Record) { rec.Status = StatusRunning })
				_, _ = r.Get(name)
				_ = r.List()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, r.Len())
}
