package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"ecmigrate/internal/progress"
	"ecmigrate/internal/remote"
	"ecmigrate/internal/store"
)

// FolderDiscoveryConfig bounds one discovery run
type FolderDiscoveryConfig struct {
	RootID     string
	NameFilter string
	PageSize   int
}

// FolderBatchResult is the outcome of one discovery page
type FolderBatchResult struct {
	Fetched  int
	Inserted int64
	HasMore  bool
}

// FolderDiscovery paginates the source folder tree and stages folders
// into the FolderWork queue. The seek cursor only advances after a page
// is durably enqueued, so a crash can at most replay the last page, which
// the dedup-by-source-id enqueue absorbs.
type FolderDiscovery struct {
	repo        remote.Repository
	folders     store.FolderQueue
	checkpoints store.CheckpointStore
	cfg         FolderDiscoveryConfig
	logger      *zap.Logger
	tracker     *progress.Tracker

	cursor SeekCursor
}

// NewFolderDiscovery creates the folder discovery engine. tracker may be nil.
func NewFolderDiscovery(
	repo remote.Repository,
	folders store.FolderQueue,
	checkpoints store.CheckpointStore,
	cfg FolderDiscoveryConfig,
	tracker *progress.Tracker,
	logger *zap.Logger,
) *FolderDiscovery {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FolderDiscovery{
		repo:        repo,
		folders:     folders,
		checkpoints: checkpoints,
		cfg:         cfg,
		logger:      logger,
		tracker:     tracker,
	}
}

// Cursor returns the engine's current position.
func (e *FolderDiscovery) Cursor() SeekCursor {
	return e.cursor
}

// restore loads the persisted cursor so a restarted run resumes where
// the previous one left off.
func (e *FolderDiscovery) restore(ctx context.Context) error {
	cp, err := e.checkpoints.GetCheckpoint(ctx, store.PhaseFolderDiscovery)
	if err != nil {
		return err
	}

	cursor, err := DecodeCursor(cp.LastProcessedID)
	if err != nil {
		return err
	}

	e.cursor = cursor
	return nil
}

func (e *FolderDiscovery) pageQuery() remote.Query {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM folder WHERE parent = %s", quoteLiteral(e.cfg.RootID))
	if e.cfg.NameFilter != "" {
		fmt.Fprintf(&b, " AND name LIKE %s", quoteLiteral(e.cfg.NameFilter+"%"))
	}
	b.WriteString(seekPredicate(e.cursor))
	b.WriteString(" ORDER BY created ASC, name ASC")

	return remote.Query{Dialect: remote.DialectAttribute, Statement: b.String()}
}

// RunBatch fetches one page, stages it, and advances the cursor.
// The cursor is not advanced past a failed page, so re-invocation is safe.
func (e *FolderDiscovery) RunBatch(ctx context.Context) (FolderBatchResult, error) {
	page, err := e.repo.Search(ctx, e.pageQuery(), remote.Paging{MaxItems: e.cfg.PageSize})
	if err != nil {
		return FolderBatchResult{}, fmt.Errorf("folder discovery: listing page: %w", err)
	}

	items := make([]store.FolderItem, 0, len(page.Entries))
	for _, entry := range page.Entries {
		items = append(items, store.FolderItem{
			SourceNodeID: entry.ID,
			ParentID:     entry.ParentID,
			Name:         entry.Name,
			SourcePath:   entry.Path,
			Status:       store.StatusReady,
		})
	}

	inserted, err := e.folders.EnqueueFolders(ctx, items)
	if err != nil {
		return FolderBatchResult{}, fmt.Errorf("folder discovery: staging page: %w", err)
	}

	if len(page.Entries) > 0 {
		e.cursor = e.cursor.Advance(page.Entries[len(page.Entries)-1])
	}

	res := FolderBatchResult{
		Fetched:  len(page.Entries),
		Inserted: inserted,
		HasMore:  page.HasMore && len(page.Entries) == e.cfg.PageSize,
	}

	if err := e.saveCursor(ctx, int64(res.Fetched)); err != nil {
		return res, err
	}

	return res, nil
}

func (e *FolderDiscovery) saveCursor(ctx context.Context, processed int64) error {
	cp, err := e.checkpoints.GetCheckpoint(ctx, store.PhaseFolderDiscovery)
	if err != nil {
		return err
	}

	cp.LastProcessedID = e.cursor.Encode()
	cp.TotalProcessed += processed
	return e.checkpoints.SaveCheckpoint(ctx, cp)
}

// RunLoop drives batches until exhaustion or cancellation. Returns true
// when the source tree was fully paged through.
func (e *FolderDiscovery) RunLoop(ctx context.Context) (bool, error) {
	if err := e.restore(ctx); err != nil {
		return false, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		res, err := e.RunBatch(ctx)
		if err != nil {
			return false, err
		}

		if e.tracker != nil {
			e.tracker.Apply(int64(res.Fetched), 0)
		}

		e.logger.Debug("folder discovery batch",
			zap.Int("fetched", res.Fetched),
			zap.Int64("inserted", res.Inserted),
			zap.Bool("has_more", res.HasMore),
		)

		if !res.HasMore {
			e.logger.Info("folder discovery complete")
			return true, nil
		}
	}
}
