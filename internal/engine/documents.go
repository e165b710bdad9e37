package engine

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ecmigrate/internal/mapping"
	"ecmigrate/internal/progress"
	"ecmigrate/internal/remote"
	"ecmigrate/internal/store"
)

// docTypeProperty is the source metadata property carrying the document
// type code used for destination mapping.
const docTypeProperty = "docType"

// unclassifiedFolder receives documents whose type has no mapping rule,
// so nothing discovered is silently dropped.
const unclassifiedFolder = "_unclassified"

// DocumentDiscoveryConfig bounds the folder-first document discovery
type DocumentDiscoveryConfig struct {
	FolderBatch  int
	PageSize     int
	StuckTimeout time.Duration
}

// DocumentBatchResult is the outcome of one folder-first discovery batch
type DocumentBatchResult struct {
	FoldersClaimed int
	PlannedCount   int64
	HasMore        bool
}

// DocumentDiscovery walks folders already staged in FolderWork, lists
// their direct document children and stages them into DocumentWork with
// the destination placement implied by the document-type mapping.
type DocumentDiscovery struct {
	repo        remote.Repository
	folders     store.FolderQueue
	docs        store.DocumentQueue
	checkpoints store.CheckpointStore
	lookup      *mapping.Lookup
	cfg         DocumentDiscoveryConfig
	logger      *zap.Logger
	tracker     *progress.Tracker
	owner       string
}

// NewDocumentDiscovery creates the folder-first document discovery engine.
func NewDocumentDiscovery(
	repo remote.Repository,
	folders store.FolderQueue,
	docs store.DocumentQueue,
	checkpoints store.CheckpointStore,
	lookup *mapping.Lookup,
	cfg DocumentDiscoveryConfig,
	tracker *progress.Tracker,
	logger *zap.Logger,
) *DocumentDiscovery {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DocumentDiscovery{
		repo:        repo,
		folders:     folders,
		docs:        docs,
		checkpoints: checkpoints,
		lookup:      lookup,
		cfg:         cfg,
		logger:      logger,
		tracker:     tracker,
		owner:       uuid.NewString(),
	}
}

// Reap reclaims folders stuck IN PROGRESS past the stuck timeout, so a
// batch abandoned by a crashed worker is re-staged instead of lost.
func (e *DocumentDiscovery) Reap(ctx context.Context) (int64, error) {
	reclaimed, err := e.folders.ReclaimStuckFolders(ctx, e.cfg.StuckTimeout)
	if err != nil {
		return 0, fmt.Errorf("document discovery: reaping stuck folders: %w", err)
	}

	if reclaimed > 0 {
		e.logger.Warn("reclaimed stuck folders",
			zap.Int64("count", reclaimed),
			zap.Duration("stuck_timeout", e.cfg.StuckTimeout),
		)
	}

	return reclaimed, nil
}

// RunBatch claims a batch of ready folders and stages their documents.
// A failure while listing one folder marks that folder ERROR and moves on;
// the rest of the batch is unaffected.
func (e *DocumentDiscovery) RunBatch(ctx context.Context) (DocumentBatchResult, error) {
	claimed, err := e.folders.ClaimReadyFolders(ctx, e.cfg.FolderBatch, e.owner)
	if err != nil {
		return DocumentBatchResult{}, fmt.Errorf("document discovery: claiming folders: %w", err)
	}

	res := DocumentBatchResult{FoldersClaimed: len(claimed)}
	if len(claimed) == 0 {
		return res, nil
	}
	res.HasMore = true

	for _, folder := range claimed {
		planned, err := e.planFolder(ctx, folder)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}

			e.logger.Warn("folder listing failed",
				zap.String("source_node_id", folder.SourceNodeID),
				zap.Error(err),
			)
			if serr := e.folders.SetFolderStatus(ctx, folder.ID, store.StatusError, err.Error()); serr != nil {
				return res, serr
			}
			continue
		}

		res.PlannedCount += planned
		if err := e.folders.SetFolderStatus(ctx, folder.ID, store.StatusProcessed, ""); err != nil {
			return res, err
		}
	}

	if err := e.saveProgress(ctx, res.PlannedCount); err != nil {
		return res, err
	}

	return res, nil
}

// planFolder lists one folder's direct children and stages its documents.
func (e *DocumentDiscovery) planFolder(ctx context.Context, folder store.FolderItem) (int64, error) {
	var planned int64
	skip := 0

	for {
		page, err := e.repo.ListChildren(ctx, folder.SourceNodeID, remote.Paging{
			MaxItems:  e.cfg.PageSize,
			SkipCount: skip,
		})
		if err != nil {
			return planned, err
		}

		items := make([]store.DocumentItem, 0, len(page.Entries))
		for _, entry := range page.Entries {
			if !entry.IsFile {
				continue
			}

			items = append(items, e.stageDocument(entry, folder.Name))
		}

		inserted, err := e.docs.EnqueueDocuments(ctx, items)
		if err != nil {
			return planned, err
		}
		planned += inserted

		skip += len(page.Entries)
		if !page.HasMore || len(page.Entries) == 0 {
			return planned, nil
		}
	}
}

// stageDocument maps a source entry to a DocumentWork row with its
// destination path resolved from the document-type mapping.
func (e *DocumentDiscovery) stageDocument(entry remote.Entry, folderName string) store.DocumentItem {
	docType := entry.Properties[docTypeProperty]
	if docType == "" {
		docType = entry.NodeType
	}

	toPath := path.Join(unclassifiedFolder, folderName)
	if rule, ok := e.lookup.Resolve(docType); ok {
		toPath = path.Join(rule.TargetFolder, folderName)
	}

	return store.DocumentItem{
		SourceNodeID: entry.ID,
		Name:         entry.Name,
		IsFolder:     entry.IsFolder,
		IsFile:       entry.IsFile,
		NodeType:     entry.NodeType,
		DocType:      docType,
		ParentID:     entry.ParentID,
		FromPath:     entry.Path,
		ToPath:       toPath,
		Status:       store.StatusNew,
	}
}

func (e *DocumentDiscovery) saveProgress(ctx context.Context, planned int64) error {
	cp, err := e.checkpoints.GetCheckpoint(ctx, store.PhaseDocumentDiscovery)
	if err != nil {
		return err
	}

	cp.TotalProcessed += planned
	return e.checkpoints.SaveCheckpoint(ctx, cp)
}

// RunLoop drives batches until no ready folders remain or the context is
// cancelled. Returns true when every staged folder has been processed.
func (e *DocumentDiscovery) RunLoop(ctx context.Context) (bool, error) {
	if _, err := e.Reap(ctx); err != nil {
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
			e.tracker.Apply(res.PlannedCount, 0)
		}

		if !res.HasMore {
			remaining, err := e.folders.CountFolders(ctx, store.StatusReady)
			if err != nil {
				return false, err
			}
			if remaining == 0 {
				e.logger.Info("document discovery complete")
				return true, nil
			}
		}
	}
}
