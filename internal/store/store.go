package store

import (
	"context"
	"time"
)

// FolderQueue is the FolderWork staging queue
type FolderQueue interface {
	// EnqueueFolders inserts items, ignoring duplicates by source node id,
	// and returns the number actually inserted.
	EnqueueFolders(ctx context.Context, items []FolderItem) (int64, error)

	// ClaimReadyFolders atomically flips up to limit READY rows to
	// IN PROGRESS, stamping them with the owner token, and returns them.
	// No two concurrent callers ever receive the same row.
	ClaimReadyFolders(ctx context.Context, limit int, owner string) ([]FolderItem, error)

	SetFolderStatus(ctx context.Context, id int64, status WorkStatus, errMsg string) error
	CountFolders(ctx context.Context, status WorkStatus) (int64, error)
	ReclaimStuckFolders(ctx context.Context, olderThan time.Duration) (int64, error)
	FolderBySourceID(ctx context.Context, sourceNodeID string) (*FolderItem, error)
}

// DocumentQueue is the DocumentWork staging queue
type DocumentQueue interface {
	EnqueueDocuments(ctx context.Context, items []DocumentItem) (int64, error)
	ClaimReadyDocuments(ctx context.Context, limit int, owner string) ([]DocumentItem, error)
	SetDocumentStatus(ctx context.Context, id int64, status WorkStatus, errMsg string) error

	// MarkDocumentError sets status ERROR, records the message and
	// increments the retry count in one statement.
	MarkDocumentError(ctx context.Context, id int64, errMsg string) error

	CountDocuments(ctx context.Context, status WorkStatus) (int64, error)
	ReclaimStuckDocuments(ctx context.Context, olderThan time.Duration) (int64, error)

	// PendingDestinations projects the distinct destination paths out of
	// document rows that still lack a resolved destination folder.
	PendingDestinations(ctx context.Context) ([]Destination, error)

	// ResolveDestination stamps every pending row whose destination path
	// matches with the folder id and promotes it NEW -> READY.
	ResolveDestination(ctx context.Context, relPath, folderID string) (int64, error)

	// DestinationProgress reports (resolved, total) distinct destination paths.
	DestinationProgress(ctx context.Context) (int64, int64, error)
}

// CheckpointStore persists per-phase progress
type CheckpointStore interface {
	// GetCheckpoint returns the checkpoint for phase, defaulting to a
	// NOT_STARTED record when none has been persisted yet.
	GetCheckpoint(ctx context.Context, phase Phase) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	ResetCheckpoint(ctx context.Context, phase Phase) error
	ResetAllCheckpoints(ctx context.Context) error
	ListCheckpoints(ctx context.Context) ([]Checkpoint, error)
}

// Store is the full staging surface backed by one database
type Store interface {
	FolderQueue
	DocumentQueue
	CheckpointStore

	Close() error
}
