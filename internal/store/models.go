// Package store is the durable staging layer for the migration pipeline:
// the FolderWork and DocumentWork queues plus the per-phase checkpoints,
// backed by SQLite.
package store

import "time"

// WorkStatus is the state of one staged work item. The string values are
// stable wire constants and round-trip through the database exactly.
type WorkStatus string

const (
	StatusNew        WorkStatus = "NEW"
	StatusReady      WorkStatus = "READY"
	StatusInProgress WorkStatus = "IN PROGRESS"
	StatusDone       WorkStatus = "DONE"
	StatusProcessed  WorkStatus = "PROCESSED"
	StatusError      WorkStatus = "ERROR"
)

// Phase identifies one stage of the pipeline.
type Phase string

const (
	PhaseDocumentSearch    Phase = "DOCUMENT_SEARCH"
	PhaseFolderDiscovery   Phase = "FOLDER_DISCOVERY"
	PhaseDocumentDiscovery Phase = "DOCUMENT_DISCOVERY"
	PhaseFolderPreparation Phase = "FOLDER_PREPARATION"
	PhaseMove              Phase = "MOVE"
)

// PhaseStatus is the checkpoint state of one phase.
type PhaseStatus string

const (
	PhaseNotStarted PhaseStatus = "NOT_STARTED"
	PhaseInProgress PhaseStatus = "IN_PROGRESS"
	PhaseCompleted  PhaseStatus = "COMPLETED"
	PhaseFailed     PhaseStatus = "FAILED"
)

// maxErrorLen caps stored error messages to the error column width.
const maxErrorLen = 1024

// FolderItem is one row of the FolderWork queue
type FolderItem struct {
	ID           int64
	SourceNodeID string
	ParentID     string
	Name         string
	SourcePath   string
	DestFolderID string
	Status       WorkStatus
	RetryCount   int
	LastError    string
	ClaimedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DocumentItem is one row of the DocumentWork queue
type DocumentItem struct {
	ID           int64
	SourceNodeID string
	Name         string
	IsFolder     bool
	IsFile       bool
	NodeType     string
	DocType      string
	ParentID     string
	FromPath     string
	ToPath       string
	DestFolderID string
	Status       WorkStatus
	RetryCount   int
	LastError    string
	ClaimedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Checkpoint is the persisted progress record of one phase
type Checkpoint struct {
	Phase              Phase
	Status             PhaseStatus
	LastProcessedIndex int64
	LastProcessedID    string
	StartedAt          *time.Time
	CompletedAt        *time.Time
	ErrorMessage       string
	TotalProcessed     int64
	TotalItems         int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Destination is one distinct destination folder implied by pending
// document work, keyed by its path relative to the destination root.
type Destination struct {
	RelativePath string
	Count        int64
}

func truncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= maxErrorLen {
		return msg
	}

	return string(r[:maxErrorLen])
}
