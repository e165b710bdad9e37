package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotMath(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	s := Snapshot{
		TotalItems:     100,
		ProcessedItems: 25,
		StartTime:      start,
		Timestamp:      start.Add(50 * time.Second),
	}

	assert.Equal(t, int64(75), s.RemainingItems())
	assert.InDelta(t, 25.0, s.ProgressPercentage(), 0.001)

	// 25 items in 50s is 2s per item; 75 remain.
	assert.Equal(t, 150*time.Second, s.ETA())
}

func TestSnapshotZeroStates(t *testing.T) {
	t.Parallel()

	var s Snapshot
	assert.Equal(t, int64(0), s.RemainingItems())
	assert.Equal(t, 0.0, s.ProgressPercentage())
	assert.Equal(t, time.Duration(0), s.ETA())

	// Processed beyond total never goes negative.
	over := Snapshot{TotalItems: 10, ProcessedItems: 15}
	assert.Equal(t, int64(0), over.RemainingItems())
}

func TestTrackerApply(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.SetTotal(10)
	tr.Apply(3, 1)
	tr.Apply(2, 0)

	s := tr.Get()
	assert.Equal(t, int64(10), s.TotalItems)
	assert.Equal(t, int64(6), s.ProcessedItems)
	assert.Equal(t, int64(5), s.SuccessCount)
	assert.Equal(t, int64(1), s.FailedCount)
	assert.Equal(t, int64(2), s.CurrentBatch)
	assert.Equal(t, int64(4), s.RemainingItems())
}

func TestTrackerConcurrent(t *testing.T) {
	t.Parallel()

	tr := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.AddSuccess()
			}
		}()
	}
	wg.Wait()

	s := tr.Get()
	assert.Equal(t, int64(1000), s.SuccessCount)
	assert.Equal(t, int64(1000), s.ProcessedItems)
}

func TestTrackerReset(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.SetTotal(5)
	tr.Apply(5, 0)
	tr.Reset()

	s := tr.Get()
	assert.Equal(t, int64(0), s.TotalItems)
	assert.Equal(t, int64(0), s.ProcessedItems)
	assert.Equal(t, int64(0), s.CurrentBatch)
}
