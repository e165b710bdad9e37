// Package progress tracks pipeline progress as an in-memory snapshot that
// any observability layer polls; nothing here is persisted.
package progress

import (
	"sync"
	"time"
)

// Snapshot is one point-in-time view of a running worker's progress
type Snapshot struct {
	TotalItems     int64
	ProcessedItems int64
	CurrentBatch   int64
	SuccessCount   int64
	FailedCount    int64
	StartTime      time.Time
	Timestamp      time.Time
}

// RemainingItems returns how many items are left, never negative.
func (s Snapshot) RemainingItems() int64 {
	remaining := s.TotalItems - s.ProcessedItems
	if remaining < 0 {
		return 0
	}

	return remaining
}

// ProgressPercentage returns processed/total as a percentage, 0 when total is 0.
func (s Snapshot) ProgressPercentage() float64 {
	if s.TotalItems == 0 {
		return 0
	}

	return float64(s.ProcessedItems) / float64(s.TotalItems) * 100
}

// ETA estimates remaining time from the average rate so far; 0 when unknown.
func (s Snapshot) ETA() time.Duration {
	if s.ProcessedItems == 0 || s.TotalItems == 0 {
		return 0
	}

	elapsed := s.Timestamp.Sub(s.StartTime)
	perItem := elapsed / time.Duration(s.ProcessedItems)
	return perItem * time.Duration(s.RemainingItems())
}

// Tracker accumulates progress counts; safe for concurrent use
type Tracker struct {
	mu        sync.RWMutex
	snapshot  Snapshot
	startTime time.Time
}

// NewTracker creates a tracker with the clock started now.
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		snapshot:  Snapshot{StartTime: now},
		startTime: now,
	}
}

// SetTotal sets the total number of items
func (t *Tracker) SetTotal(items int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snapshot.TotalItems = items
}

// AddSuccess counts one successfully processed item
func (t *Tracker) AddSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snapshot.SuccessCount++
	t.snapshot.ProcessedItems++
}

// AddFailed counts one failed item
func (t *Tracker) AddFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snapshot.FailedCount++
	t.snapshot.ProcessedItems++
}

// AddBatch records completion of one batch of any size
func (t *Tracker) AddBatch() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snapshot.CurrentBatch++
}

// Apply merges a batch outcome in one lock acquisition
func (t *Tracker) Apply(success, failed int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snapshot.CurrentBatch++
	t.snapshot.SuccessCount += success
	t.snapshot.FailedCount += failed
	t.snapshot.ProcessedItems += success + failed
}

// Get returns the current snapshot, timestamped now.
func (t *Tracker) Get() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.snapshot
	s.Timestamp = time.Now()
	return s
}

// Reset zeroes all counts and restarts the clock.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.snapshot = Snapshot{StartTime: now}
	t.startTime = now
}
