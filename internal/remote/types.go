// Package remote provides the client for the content repository API,
// with error classification and a resilience decorator applying
// timeout, retry, circuit-breaker and bulkhead policies per operation class.
package remote

import (
	"context"
	"time"
)

// OpClass selects which resilience policy set applies to a call.
type OpClass string

const (
	OpRead  OpClass = "read"
	OpWrite OpClass = "write"
)

// Dialect selects the query language used by Search.
type Dialect string

const (
	// DialectAttribute is the path/attribute query language.
	DialectAttribute Dialect = "attribute"
	// DialectFullText is the full-text query language.
	DialectFullText Dialect = "fulltext"
)

// Entry is one node (folder or file) returned by the repository
type Entry struct {
	ID         string
	Name       string
	NodeType   string
	IsFolder   bool
	IsFile     bool
	ParentID   string
	Path       string
	CreatedAt  time.Time
	Properties map[string]string
}

// Paging bounds one page of a listing or search
type Paging struct {
	MaxItems  int
	SkipCount int
}

// Page is one page of entries plus the repository's pagination hints
type Page struct {
	Entries []Entry
	HasMore bool
	Total   int64
}

// Query is a repository search statement in one of the two dialects
type Query struct {
	Dialect   Dialect
	Statement string
}

// Repository is the content repository API surface consumed by the engines.
// Implementations must be safe for concurrent use.
type Repository interface {
	Ping(ctx context.Context) error
	ListChildren(ctx context.Context, folderID string, paging Paging) (*Page, error)
	Search(ctx context.Context, q Query, paging Paging) (*Page, error)
	Move(ctx context.Context, nodeID, targetFolderID, newName string) error
	CreateFolder(ctx context.Context, parentID, name string, props map[string]string) (string, error)
	CreateFile(ctx context.Context, parentID, name string) (string, error)
	UpdateProperties(ctx context.Context, nodeID string, props map[string]string) error
	FolderByRelativePath(ctx context.Context, rootID, relPath string) (string, error)
}
