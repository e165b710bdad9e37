package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ecmigrate/internal/lockstripe"
	"ecmigrate/internal/remote"
	"ecmigrate/internal/store"
)

// FolderPreparationConfig bounds destination folder creation
type FolderPreparationConfig struct {
	DestRootID  string
	Parallelism int
	// FolderProps is optional metadata stamped on created folders. When the
	// repository rejects it, creation is retried once without it.
	FolderProps map[string]string
}

// FolderPreparation creates the distinct set of destination folders
// implied by pending document work, idempotently and with bounded
// parallelism. The lock striper serializes create-if-absent per path key
// so concurrent workers never race to create the same folder twice.
type FolderPreparation struct {
	repo    remote.Repository
	docs    store.DocumentQueue
	striper *lockstripe.Striper
	cfg     FolderPreparationConfig
	logger  *zap.Logger

	created atomic.Int64
}

// NewFolderPreparation creates the preparation engine.
func NewFolderPreparation(
	repo remote.Repository,
	docs store.DocumentQueue,
	striper *lockstripe.Striper,
	cfg FolderPreparationConfig,
	logger *zap.Logger,
) *FolderPreparation {
	if logger == nil {
		logger = zap.NewNop()
	}
	if striper == nil {
		striper = lockstripe.New(64)
	}

	return &FolderPreparation{
		repo:    repo,
		docs:    docs,
		striper: striper,
		cfg:     cfg,
		logger:  logger,
	}
}

// CreatedCount returns how many folders this engine actually created
// (resolved-existing folders are not counted).
func (e *FolderPreparation) CreatedCount() int64 {
	return e.created.Load()
}

// TotalFolderCount returns the number of distinct destination folders
// still awaiting resolution.
func (e *FolderPreparation) TotalFolderCount(ctx context.Context) (int, error) {
	dests, err := e.docs.PendingDestinations(ctx)
	if err != nil {
		return 0, err
	}

	return len(dests), nil
}

// Progress reports (resolved, total) distinct destination paths.
func (e *FolderPreparation) Progress(ctx context.Context) (int64, int64, error) {
	return e.docs.DestinationProgress(ctx)
}

// PrepareAll resolves or creates every pending destination folder and
// stamps the matching document rows. Individual destination failures are
// collected; the rest of the set still completes.
func (e *FolderPreparation) PrepareAll(ctx context.Context) error {
	dests, err := e.docs.PendingDestinations(ctx)
	if err != nil {
		return fmt.Errorf("folder preparation: projecting destinations: %w", err)
	}

	e.logger.Info("preparing destination folders",
		zap.Int("count", len(dests)),
		zap.Int("parallelism", e.cfg.Parallelism),
	)

	var (
		mu       sync.Mutex
		failures []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)

	for _, dest := range dests {
		dest := dest
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			folderID, err := e.ensurePath(gctx, dest.RelativePath)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}

				e.logger.Warn("destination folder failed",
					zap.String("path", dest.RelativePath),
					zap.Error(err),
				)

				mu.Lock()
				failures = append(failures, fmt.Errorf("%s: %w", dest.RelativePath, err))
				mu.Unlock()
				return nil
			}

			updated, err := e.docs.ResolveDestination(gctx, dest.RelativePath, folderID)
			if err != nil {
				return err
			}

			e.logger.Debug("destination folder ready",
				zap.String("path", dest.RelativePath),
				zap.String("folder_id", folderID),
				zap.Int64("documents", updated),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if len(failures) > 0 {
		return fmt.Errorf("folder preparation: %d of %d destinations failed: %w",
			len(failures), len(dests), errors.Join(failures...))
	}

	return nil
}

// ensurePath walks the relative path segment by segment, resolving each
// existing folder and creating the missing ones under its parent.
func (e *FolderPreparation) ensurePath(ctx context.Context, relPath string) (string, error) {
	parent := e.cfg.DestRootID
	var walked []string

	for _, segment := range strings.Split(strings.Trim(relPath, "/"), "/") {
		if segment == "" {
			continue
		}
		walked = append(walked, segment)
		soFar := strings.Join(walked, "/")

		id, err := e.resolveOrCreate(ctx, parent, segment, soFar)
		if err != nil {
			return "", err
		}
		parent = id
	}

	if parent == e.cfg.DestRootID {
		return "", fmt.Errorf("empty destination path %q", relPath)
	}

	return parent, nil
}

// resolveOrCreate returns the id of relative path soFar, creating the
// leaf segment under parent when it does not exist yet. The stripe lock
// keeps a single in-flight creation per path key.
func (e *FolderPreparation) resolveOrCreate(ctx context.Context, parent, segment, soFar string) (string, error) {
	e.striper.Lock(soFar)
	defer e.striper.Unlock(soFar)

	id, err := e.repo.FolderByRelativePath(ctx, e.cfg.DestRootID, soFar)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, remote.ErrNotFound) {
		return "", err
	}

	id, err = e.repo.CreateFolder(ctx, parent, segment, e.cfg.FolderProps)
	if errors.Is(err, remote.ErrInvalidProperty) && len(e.cfg.FolderProps) > 0 {
		// The repository rejected the optional metadata; retry bare rather
		// than failing the destination.
		e.logger.Warn("folder properties rejected, retrying without",
			zap.String("path", soFar),
		)
		id, err = e.repo.CreateFolder(ctx, parent, segment, nil)
	}
	if errors.Is(err, remote.ErrConflict) {
		// Lost a cross-process race; the folder exists now.
		return e.repo.FolderByRelativePath(ctx, e.cfg.DestRootID, soFar)
	}
	if err != nil {
		return "", err
	}

	e.created.Add(1)
	return id, nil
}
