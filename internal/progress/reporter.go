package progress

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reporter periodically logs a progress snapshot while a phase runs.
// It replaces an interactive display; operators tail the log or poll
// the snapshot through the pipeline status surface.
type Reporter struct {
	tracker  *Tracker
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReporter creates a reporter over the given tracker.
func NewReporter(tracker *Tracker, interval time.Duration, logger *zap.Logger) *Reporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	return &Reporter{
		tracker:  tracker,
		interval: interval,
		logger:   logger,
	}
}

// Start begins periodic reporting until Stop is called.
func (r *Reporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.report()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts reporting and emits one final snapshot.
func (r *Reporter) Stop() {
	if r.cancel == nil {
		return
	}

	r.cancel()
	<-r.done
	r.report()
}

func (r *Reporter) report() {
	s := r.tracker.Get()
	if s.ProcessedItems == 0 && s.TotalItems == 0 {
		return
	}

	r.logger.Info("progress",
		zap.Int64("total", s.TotalItems),
		zap.Int64("processed", s.ProcessedItems),
		zap.Int64("success", s.SuccessCount),
		zap.Int64("failed", s.FailedCount),
		zap.Int64("batch", s.CurrentBatch),
		zap.Float64("percent", s.ProgressPercentage()),
		zap.Duration("eta", s.ETA()),
	)
}
