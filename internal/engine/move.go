package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ecmigrate/internal/progress"
	"ecmigrate/internal/remote"
	"ecmigrate/internal/store"
)

// MoveConfig bounds the move worker
type MoveConfig struct {
	BatchSize      int
	Parallelism    int
	IdleDelay      time.Duration
	StuckTimeout   time.Duration
	ReapInterval   time.Duration
	EmptyPollLimit int
}

// MoveBatchResult is the outcome of one move cycle
type MoveBatchResult struct {
	Claimed int
	Done    int
	Failed  int
}

// MoveEngine claims batches of ready documents and executes the remote
// move with bounded parallelism. A stuck-item reaper reclaims rows
// abandoned by a crashed worker, so no item is silently lost.
type MoveEngine struct {
	repo        remote.Repository
	docs        store.DocumentQueue
	checkpoints store.CheckpointStore
	cfg         MoveConfig
	logger      *zap.Logger
	tracker     *progress.Tracker
	meter       Meter

	// owner identifies this worker on claimed rows for reaper diagnostics.
	owner string
}

// NewMoveEngine creates the move engine. tracker and meter may be nil.
func NewMoveEngine(
	repo remote.Repository,
	docs store.DocumentQueue,
	checkpoints store.CheckpointStore,
	cfg MoveConfig,
	tracker *progress.Tracker,
	meter Meter,
	logger *zap.Logger,
) *MoveEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EmptyPollLimit <= 0 {
		cfg.EmptyPollLimit = 1
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}

	return &MoveEngine{
		repo:        repo,
		docs:        docs,
		checkpoints: checkpoints,
		cfg:         cfg,
		logger:      logger,
		tracker:     tracker,
		meter:       meter,
		owner:       uuid.NewString(),
	}
}

// Owner returns this worker's claim token.
func (e *MoveEngine) Owner() string {
	return e.owner
}

// Reap reclaims items stuck IN PROGRESS past the stuck timeout.
func (e *MoveEngine) Reap(ctx context.Context) (int64, error) {
	reclaimed, err := e.docs.ReclaimStuckDocuments(ctx, e.cfg.StuckTimeout)
	if err != nil {
		return 0, fmt.Errorf("move: reaping stuck items: %w", err)
	}

	if reclaimed > 0 {
		e.logger.Warn("reclaimed stuck items",
			zap.Int64("count", reclaimed),
			zap.Duration("stuck_timeout", e.cfg.StuckTimeout),
		)
	}

	return reclaimed, nil
}

// RunBatch claims one batch and moves it. Per-item failures are recorded
// on the row and never abort the rest of the batch.
func (e *MoveEngine) RunBatch(ctx context.Context) (MoveBatchResult, error) {
	items, err := e.docs.ClaimReadyDocuments(ctx, e.cfg.BatchSize, e.owner)
	if err != nil {
		return MoveBatchResult{}, fmt.Errorf("move: claiming batch: %w", err)
	}

	res := MoveBatchResult{Claimed: len(items)}
	if len(items) == 0 {
		return res, nil
	}

	var done, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)

	for _, item := range items {
		item := item
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			if e.moveOne(gctx, item) {
				done.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return res, err
	}

	res.Done = int(done.Load())
	res.Failed = int(failed.Load())

	if e.tracker != nil {
		e.tracker.Apply(int64(res.Done), int64(res.Failed))
	}

	if err := e.saveProgress(ctx, int64(res.Done)); err != nil {
		return res, err
	}

	return res, nil
}

// moveOne executes a single move and records the outcome on the row.
func (e *MoveEngine) moveOne(ctx context.Context, item store.DocumentItem) bool {
	if item.DestFolderID == "" {
		e.markFailed(ctx, item, fmt.Errorf("no destination folder resolved for path %q", item.ToPath))
		return false
	}

	if err := e.repo.Move(ctx, item.SourceNodeID, item.DestFolderID, ""); err != nil {
		e.markFailed(ctx, item, err)
		return false
	}

	if err := e.docs.SetDocumentStatus(ctx, item.ID, store.StatusDone, ""); err != nil {
		e.logger.Error("failed to record completed move",
			zap.Int64("id", item.ID),
			zap.String("source_node_id", item.SourceNodeID),
			zap.Error(err),
		)
		return false
	}

	if e.meter != nil {
		e.meter.IncItem(string(store.StatusDone))
	}

	e.logger.Debug("moved document",
		zap.String("source_node_id", item.SourceNodeID),
		zap.String("dest_folder_id", item.DestFolderID),
	)
	return true
}

func (e *MoveEngine) markFailed(ctx context.Context, item store.DocumentItem, cause error) {
	e.logger.Warn("move failed",
		zap.String("source_node_id", item.SourceNodeID),
		zap.Int("retry_count", item.RetryCount),
		zap.Error(cause),
	)

	if err := e.docs.MarkDocumentError(ctx, item.ID, cause.Error()); err != nil {
		e.logger.Error("failed to record move error",
			zap.Int64("id", item.ID),
			zap.Error(err),
		)
	}

	if e.meter != nil {
		e.meter.IncItem(string(store.StatusError))
	}
}

func (e *MoveEngine) saveProgress(ctx context.Context, done int64) error {
	cp, err := e.checkpoints.GetCheckpoint(ctx, store.PhaseMove)
	if err != nil {
		return err
	}

	cp.TotalProcessed += done
	return e.checkpoints.SaveCheckpoint(ctx, cp)
}

// RunLoop runs move cycles until the queue stays empty for the configured
// number of consecutive polls, or the context is cancelled. Between empty
// polls it waits the idle delay to avoid hot-looping against the store.
func (e *MoveEngine) RunLoop(ctx context.Context) (bool, error) {
	if _, err := e.Reap(ctx); err != nil {
		return false, err
	}
	lastReap := time.Now()

	emptyPolls := 0
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		if time.Since(lastReap) >= e.cfg.ReapInterval {
			if _, err := e.Reap(ctx); err != nil {
				return false, err
			}
			lastReap = time.Now()
		}

		res, err := e.RunBatch(ctx)
		if err != nil {
			return false, err
		}

		if res.Claimed > 0 {
			emptyPolls = 0
			e.logger.Info("move batch",
				zap.Int("claimed", res.Claimed),
				zap.Int("done", res.Done),
				zap.Int("failed", res.Failed),
			)
			continue
		}

		ready, err := e.docs.CountDocuments(ctx, store.StatusReady)
		if err != nil {
			return false, err
		}
		if e.meter != nil {
			e.meter.SetQueueReady(ready)
		}

		if ready == 0 {
			emptyPolls++
			if emptyPolls >= e.cfg.EmptyPollLimit {
				e.logger.Info("move complete, queue drained")
				return true, nil
			}
		} else {
			emptyPolls = 0
		}

		select {
		case <-time.After(e.cfg.IdleDelay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
