package engine

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"ecmigrate/internal/mapping"
	"ecmigrate/internal/progress"
	"ecmigrate/internal/remote"
	"ecmigrate/internal/store"
)

// DocumentSearchConfig bounds the document-first discovery
type DocumentSearchConfig struct {
	DocTypes        []string
	FolderTypeRoots []string
	CreatedFrom     time.Time
	CreatedTo       time.Time
	PageSize        int
}

// DocumentSearchBatchResult is the outcome of one search page
type DocumentSearchBatchResult struct {
	DocumentsFound    int
	DocumentsInserted int64
	FoldersFound      int
	FoldersInserted   int64
	HasMore           bool
}

// DocumentSearch is the alternative entry point to folder-first
// traversal: it queries the repository directly by document-type code and
// optional creation-date range, staging each hit's parent folder alongside
// the document itself.
type DocumentSearch struct {
	repo        remote.Repository
	folders     store.FolderQueue
	docs        store.DocumentQueue
	checkpoints store.CheckpointStore
	lookup      *mapping.Lookup
	cfg         DocumentSearchConfig
	logger      *zap.Logger
	tracker     *progress.Tracker

	cursor SeekCursor
}

// NewDocumentSearch creates the document-first discovery engine.
func NewDocumentSearch(
	repo remote.Repository,
	folders store.FolderQueue,
	docs store.DocumentQueue,
	checkpoints store.CheckpointStore,
	lookup *mapping.Lookup,
	cfg DocumentSearchConfig,
	tracker *progress.Tracker,
	logger *zap.Logger,
) *DocumentSearch {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DocumentSearch{
		repo:        repo,
		folders:     folders,
		docs:        docs,
		checkpoints: checkpoints,
		lookup:      lookup,
		cfg:         cfg,
		logger:      logger,
		tracker:     tracker,
	}
}

// Cursor returns the engine's current position.
func (e *DocumentSearch) Cursor() SeekCursor {
	return e.cursor
}

func (e *DocumentSearch) restore(ctx context.Context) error {
	cp, err := e.checkpoints.GetCheckpoint(ctx, store.PhaseDocumentSearch)
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

// pageQuery renders the search in the full-text dialect: type-code terms,
// optional date range and folder-type scoping, ordered for seek paging.
func (e *DocumentSearch) pageQuery() remote.Query {
	var b strings.Builder

	fmt.Fprintf(&b, "+DOCTYPE:(%s)", strings.Join(e.cfg.DocTypes, " "))
	if len(e.cfg.FolderTypeRoots) > 0 {
		fmt.Fprintf(&b, " +FOLDERTYPE:(%s)", strings.Join(e.cfg.FolderTypeRoots, " "))
	}
	if !e.cfg.CreatedFrom.IsZero() || !e.cfg.CreatedTo.IsZero() {
		from, to := "MIN", "MAX"
		if !e.cfg.CreatedFrom.IsZero() {
			from = e.cfg.CreatedFrom.UTC().Format("2006-01-02")
		}
		if !e.cfg.CreatedTo.IsZero() {
			to = e.cfg.CreatedTo.UTC().Format("2006-01-02")
		}
		fmt.Fprintf(&b, " +CREATED:[%s TO %s]", from, to)
	}
	if !e.cursor.IsZero() {
		fmt.Fprintf(&b, " +AFTER:(%s %s)",
			e.cursor.LastCreatedAt.UTC().Format(time.RFC3339Nano),
			quoteLiteral(e.cursor.LastName))
	}
	b.WriteString(" ORDER:(created ASC name ASC)")

	return remote.Query{Dialect: remote.DialectFullText, Statement: b.String()}
}

// RunBatch fetches one search page and stages both the documents and
// their implied parent folders, deduplicated by source node id.
func (e *DocumentSearch) RunBatch(ctx context.Context) (DocumentSearchBatchResult, error) {
	page, err := e.repo.Search(ctx, e.pageQuery(), remote.Paging{MaxItems: e.cfg.PageSize})
	if err != nil {
		return DocumentSearchBatchResult{}, fmt.Errorf("document search: listing page: %w", err)
	}

	res := DocumentSearchBatchResult{DocumentsFound: len(page.Entries)}

	folderSeen := make(map[string]bool)
	var folderItems []store.FolderItem
	docItems := make([]store.DocumentItem, 0, len(page.Entries))

	for _, entry := range page.Entries {
		parentPath := path.Dir(entry.Path)
		parentName := path.Base(parentPath)

		if entry.ParentID != "" && !folderSeen[entry.ParentID] {
			folderSeen[entry.ParentID] = true
			// No document-discovery phase follows in this strategy; the
			// parent row is staged already processed, for reference and dedup.
			folderItems = append(folderItems, store.FolderItem{
				SourceNodeID: entry.ParentID,
				Name:         parentName,
				SourcePath:   parentPath,
				Status:       store.StatusProcessed,
			})
		}

		docType := entry.Properties[docTypeProperty]
		if docType == "" {
			docType = entry.NodeType
		}

		toPath := path.Join(unclassifiedFolder, parentName)
		if rule, ok := e.lookup.Resolve(docType); ok {
			toPath = path.Join(rule.TargetFolder, parentName)
		}

		docItems = append(docItems, store.DocumentItem{
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
		})
	}

	res.FoldersFound = len(folderItems)

	res.FoldersInserted, err = e.folders.EnqueueFolders(ctx, folderItems)
	if err != nil {
		return res, fmt.Errorf("document search: staging folders: %w", err)
	}

	res.DocumentsInserted, err = e.docs.EnqueueDocuments(ctx, docItems)
	if err != nil {
		return res, fmt.Errorf("document search: staging documents: %w", err)
	}

	if len(page.Entries) > 0 {
		e.cursor = e.cursor.Advance(page.Entries[len(page.Entries)-1])
	}
	res.HasMore = page.HasMore && len(page.Entries) == e.cfg.PageSize

	if err := e.saveCursor(ctx, int64(res.DocumentsFound)); err != nil {
		return res, err
	}

	return res, nil
}

func (e *DocumentSearch) saveCursor(ctx context.Context, processed int64) error {
	cp, err := e.checkpoints.GetCheckpoint(ctx, store.PhaseDocumentSearch)
	if err != nil {
		return err
	}

	cp.LastProcessedID = e.cursor.Encode()
	cp.TotalProcessed += processed
	return e.checkpoints.SaveCheckpoint(ctx, cp)
}

// RunLoop drives batches until exhaustion or cancellation.
func (e *DocumentSearch) RunLoop(ctx context.Context) (bool, error) {
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
			e.tracker.Apply(int64(res.DocumentsFound), 0)
		}

		e.logger.Debug("document search batch",
			zap.Int("documents_found", res.DocumentsFound),
			zap.Int64("documents_inserted", res.DocumentsInserted),
			zap.Int64("folders_inserted", res.FoldersInserted),
			zap.Bool("has_more", res.HasMore),
		)

		if !res.HasMore {
			e.logger.Info("document search complete")
			return true, nil
		}
	}
}
