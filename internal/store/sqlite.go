package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	logger  *zap.Logger
	closed  atomic.Bool
	writeMu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the staging database and applies
// schema migrations.
func NewSQLiteStore(ctx context.Context, dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Configure SQLite for concurrent access
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings for concurrent access
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.closed.Store(true)
	return s.db.Close()
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	const maxRetries = 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if isSQLiteBusyError(err) && attempt < maxRetries-1 {
			// Wait with exponential backoff + jitter
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(attempt*10) * time.Millisecond
			time.Sleep(delay + jitter)
			continue
		}

		return err
	}

	return nil
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("store: database is closed")
	}

	return nil
}

// ---- FolderWork queue ----

const folderColumns = "id, source_node_id, parent_id, name, source_path, dest_folder_id, status, retry_count, last_error, claimed_by, created_at, updated_at"

func scanFolder(row interface{ Scan(...any) error }) (*FolderItem, error) {
	var item FolderItem
	err := row.Scan(
		&item.ID,
		&item.SourceNodeID,
		&item.ParentID,
		&item.Name,
		&item.SourcePath,
		&item.DestFolderID,
		&item.Status,
		&item.RetryCount,
		&item.LastError,
		&item.ClaimedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &item, nil
}

// EnqueueFolders inserts items, ignoring duplicates by source node id
func (s *SQLiteStore) EnqueueFolders(ctx context.Context, items []FolderItem) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var inserted int64
	err := s.retryOnBusy(func() error {
		inserted = 0

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		query := `
		INSERT INTO folder_work
		(source_node_id, parent_id, name, source_path, dest_folder_id, status, retry_count, last_error, claimed_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', '', ?, ?)
		ON CONFLICT(source_node_id) DO NOTHING
		`

		now := time.Now().UTC()
		for _, item := range items {
			status := item.Status
			if status == "" {
				status = StatusReady
			}

			res, err := tx.ExecContext(ctx, query,
				item.SourceNodeID, item.ParentID, item.Name, item.SourcePath,
				item.DestFolderID, status, now, now,
			)
			if err != nil {
				return fmt.Errorf("failed to enqueue folder %s: %w", item.SourceNodeID, err)
			}

			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += n
		}

		return tx.Commit()
	})

	return inserted, err
}

// ClaimReadyFolders atomically flips up to limit READY rows to IN PROGRESS
func (s *SQLiteStore) ClaimReadyFolders(ctx context.Context, limit int, owner string) ([]FolderItem, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	UPDATE folder_work
	SET status = ?, claimed_by = ?, updated_at = ?
	WHERE id IN (SELECT id FROM folder_work WHERE status = ? ORDER BY id LIMIT ?)
	RETURNING ` + folderColumns

	var items []FolderItem
	err := s.retryOnBusy(func() error {
		items = nil

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx, query, StatusInProgress, owner, time.Now().UTC(), StatusReady, limit)
		if err != nil {
			return fmt.Errorf("failed to claim folders: %w", err)
		}

		for rows.Next() {
			item, err := scanFolder(rows)
			if err != nil {
				rows.Close()
				return err
			}
			items = append(items, *item)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		return tx.Commit()
	})

	return items, err
}

// SetFolderStatus updates one row's status; safe to re-run with the same arguments
func (s *SQLiteStore) SetFolderStatus(ctx context.Context, id int64, status WorkStatus, errMsg string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE folder_work SET status = ?, last_error = ?, claimed_by = '', updated_at = ? WHERE id = ?`,
			status, truncateError(errMsg), time.Now().UTC(), id,
		)
		return err
	})
}

// CountFolders counts rows in the given status
func (s *SQLiteStore) CountFolders(ctx context.Context, status WorkStatus) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM folder_work WHERE status = ?`, status).Scan(&n)
	return n, err
}

// FolderBySourceID fetches one row by its source node id; nil when absent
func (s *SQLiteStore) FolderBySourceID(ctx context.Context, sourceNodeID string) (*FolderItem, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+folderColumns+` FROM folder_work WHERE source_node_id = ?`, sourceNodeID)

	item, err := scanFolder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return item, nil
}

// ReclaimStuckFolders resets rows stuck IN PROGRESS past the timeout back to READY
func (s *SQLiteStore) ReclaimStuckFolders(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.reclaimStuck(ctx, "folder_work", "last_error", olderThan)
}

// ---- DocumentWork queue ----

const documentColumns = "id, source_node_id, name, is_folder, is_file, node_type, doc_type, parent_id, from_path, to_path, dest_folder_id, status, retry_count, error_msg, claimed_by, created_at, updated_at"

func scanDocument(row interface{ Scan(...any) error }) (*DocumentItem, error) {
	var item DocumentItem
	err := row.Scan(
		&item.ID,
		&item.SourceNodeID,
		&item.Name,
		&item.IsFolder,
		&item.IsFile,
		&item.NodeType,
		&item.DocType,
		&item.ParentID,
		&item.FromPath,
		&item.ToPath,
		&item.DestFolderID,
		&item.Status,
		&item.RetryCount,
		&item.LastError,
		&item.ClaimedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &item, nil
}

// EnqueueDocuments inserts items, ignoring duplicates by source node id
func (s *SQLiteStore) EnqueueDocuments(ctx context.Context, items []DocumentItem) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var inserted int64
	err := s.retryOnBusy(func() error {
		inserted = 0

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		query := `
		INSERT INTO document_work
		(source_node_id, name, is_folder, is_file, node_type, doc_type, parent_id, from_path, to_path, dest_folder_id, status, retry_count, error_msg, claimed_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', '', ?, ?)
		ON CONFLICT(source_node_id) DO NOTHING
		`

		now := time.Now().UTC()
		for _, item := range items {
			status := item.Status
			if status == "" {
				status = StatusNew
			}

			res, err := tx.ExecContext(ctx, query,
				item.SourceNodeID, item.Name, item.IsFolder, item.IsFile,
				item.NodeType, item.DocType, item.ParentID, item.FromPath,
				item.ToPath, item.DestFolderID, status, now, now,
			)
			if err != nil {
				return fmt.Errorf("failed to enqueue document %s: %w", item.SourceNodeID, err)
			}

			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += n
		}

		return tx.Commit()
	})

	return inserted, err
}

// ClaimReadyDocuments atomically flips up to limit READY rows to IN PROGRESS
func (s *SQLiteStore) ClaimReadyDocuments(ctx context.Context, limit int, owner string) ([]DocumentItem, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	UPDATE document_work
	SET status = ?, claimed_by = ?, updated_at = ?
	WHERE id IN (SELECT id FROM document_work WHERE status = ? ORDER BY id LIMIT ?)
	RETURNING ` + documentColumns

	var items []DocumentItem
	err := s.retryOnBusy(func() error {
		items = nil

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx, query, StatusInProgress, owner, time.Now().UTC(), StatusReady, limit)
		if err != nil {
			return fmt.Errorf("failed to claim documents: %w", err)
		}

		for rows.Next() {
			item, err := scanDocument(rows)
			if err != nil {
				rows.Close()
				return err
			}
			items = append(items, *item)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		return tx.Commit()
	})

	return items, err
}

// SetDocumentStatus updates one row's status; safe to re-run with the same arguments
func (s *SQLiteStore) SetDocumentStatus(ctx context.Context, id int64, status WorkStatus, errMsg string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE document_work SET status = ?, error_msg = ?, claimed_by = '', updated_at = ? WHERE id = ?`,
			status, truncateError(errMsg), time.Now().UTC(), id,
		)
		return err
	})
}

// MarkDocumentError records a failed move: status ERROR, message, retry_count+1
func (s *SQLiteStore) MarkDocumentError(ctx context.Context, id int64, errMsg string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE document_work SET status = ?, error_msg = ?, retry_count = retry_count + 1, claimed_by = '', updated_at = ? WHERE id = ?`,
			StatusError, truncateError(errMsg), time.Now().UTC(), id,
		)
		return err
	})
}

// CountDocuments counts rows in the given status
func (s *SQLiteStore) CountDocuments(ctx context.Context, status WorkStatus) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_work WHERE status = ?`, status).Scan(&n)
	return n, err
}

// ReclaimStuckDocuments resets rows stuck IN PROGRESS past the timeout back to READY
func (s *SQLiteStore) ReclaimStuckDocuments(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.reclaimStuck(ctx, "document_work", "error_msg", olderThan)
}

// reclaimStuck resets abandoned IN PROGRESS rows in either queue table.
// The table and error column names come from compile-time constants only.
func (s *SQLiteStore) reclaimStuck(ctx context.Context, table, errCol string, olderThan time.Duration) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := fmt.Sprintf(`
	UPDATE %s
	SET status = ?, retry_count = retry_count + 1, %s = ?, claimed_by = '', updated_at = ?
	WHERE status = ? AND updated_at < ?`, table, errCol)

	var reclaimed int64
	err := s.retryOnBusy(func() error {
		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx, query,
			StatusReady, "reclaimed: worker abandoned item past stuck timeout",
			now, StatusInProgress, now.Add(-olderThan),
		)
		if err != nil {
			return err
		}

		reclaimed, err = res.RowsAffected()
		return err
	})

	return reclaimed, err
}

// PendingDestinations projects distinct destination paths of unresolved rows
func (s *SQLiteStore) PendingDestinations(ctx context.Context) ([]Destination, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT to_path, COUNT(*)
	FROM document_work
	WHERE dest_folder_id = '' AND to_path != '' AND status IN (?, ?)
	GROUP BY to_path
	ORDER BY to_path`, StatusNew, StatusReady)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dests []Destination
	for rows.Next() {
		var d Destination
		if err := rows.Scan(&d.RelativePath, &d.Count); err != nil {
			return nil, err
		}
		dests = append(dests, d)
	}

	return dests, rows.Err()
}

// ResolveDestination stamps matching pending rows and promotes NEW -> READY
func (s *SQLiteStore) ResolveDestination(ctx context.Context, relPath, folderID string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var updated int64
	err := s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
		UPDATE document_work
		SET dest_folder_id = ?,
		    status = CASE WHEN status = ? THEN ? ELSE status END,
		    updated_at = ?
		WHERE to_path = ? AND dest_folder_id = ''`,
			folderID, StatusNew, StatusReady, time.Now().UTC(), relPath,
		)
		if err != nil {
			return err
		}

		updated, err = res.RowsAffected()
		return err
	})

	return updated, err
}

// DestinationProgress reports (resolved, total) distinct destination paths
func (s *SQLiteStore) DestinationProgress(ctx context.Context) (int64, int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, 0, err
	}

	var resolved, total int64
	err := s.db.QueryRowContext(ctx, `
	SELECT
		COUNT(DISTINCT CASE WHEN dest_folder_id != '' THEN to_path END),
		COUNT(DISTINCT to_path)
	FROM document_work
	WHERE to_path != ''`).Scan(&resolved, &total)

	return resolved, total, err
}

// ---- Phase checkpoints ----

// GetCheckpoint returns the checkpoint for phase, defaulting to NOT_STARTED
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, phase Phase) (*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
	SELECT phase, status, last_processed_index, last_processed_id, started_at, completed_at,
	       error_message, total_processed, total_items, created_at, updated_at
	FROM phase_checkpoint WHERE phase = ?`, phase)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return &Checkpoint{Phase: phase, Status: PhaseNotStarted}, nil
	}
	if err != nil {
		return nil, err
	}

	return cp, nil
}

func scanCheckpoint(row interface{ Scan(...any) error }) (*Checkpoint, error) {
	var cp Checkpoint
	var started, completed sql.NullTime

	err := row.Scan(
		&cp.Phase,
		&cp.Status,
		&cp.LastProcessedIndex,
		&cp.LastProcessedID,
		&started,
		&completed,
		&cp.ErrorMessage,
		&cp.TotalProcessed,
		&cp.TotalItems,
		&cp.CreatedAt,
		&cp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if started.Valid {
		t := started.Time
		cp.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		cp.CompletedAt = &t
	}

	return &cp, nil
}

// SaveCheckpoint upserts a checkpoint row
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		now := time.Now().UTC()

		query := `
		INSERT INTO phase_checkpoint
		(phase, status, last_processed_index, last_processed_id, started_at, completed_at, error_message, total_processed, total_items, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(phase) DO UPDATE SET
			status = excluded.status,
			last_processed_index = excluded.last_processed_index,
			last_processed_id = excluded.last_processed_id,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error_message = excluded.error_message,
			total_processed = excluded.total_processed,
			total_items = excluded.total_items,
			updated_at = excluded.updated_at
		`

		var started, completed any
		if cp.StartedAt != nil {
			started = *cp.StartedAt
		}
		if cp.CompletedAt != nil {
			completed = *cp.CompletedAt
		}

		_, err := s.db.ExecContext(ctx, query,
			cp.Phase, cp.Status, cp.LastProcessedIndex, cp.LastProcessedID,
			started, completed, truncateError(cp.ErrorMessage),
			cp.TotalProcessed, cp.TotalItems, now, now,
		)
		return err
	})
}

// ResetCheckpoint sets one phase back to NOT_STARTED without touching queue data
func (s *SQLiteStore) ResetCheckpoint(ctx context.Context, phase Phase) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
		UPDATE phase_checkpoint
		SET status = ?, last_processed_index = 0, last_processed_id = '',
		    started_at = NULL, completed_at = NULL, error_message = '',
		    total_processed = 0, total_items = 0, updated_at = ?
		WHERE phase = ?`,
			PhaseNotStarted, time.Now().UTC(), phase,
		)
		return err
	})
}

// ResetAllCheckpoints sets every phase back to NOT_STARTED
func (s *SQLiteStore) ResetAllCheckpoints(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
		UPDATE phase_checkpoint
		SET status = ?, last_processed_index = 0, last_processed_id = '',
		    started_at = NULL, completed_at = NULL, error_message = '',
		    total_processed = 0, total_items = 0, updated_at = ?`,
			PhaseNotStarted, time.Now().UTC(),
		)
		return err
	})
}

// ListCheckpoints returns every persisted checkpoint ordered by phase
func (s *SQLiteStore) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT phase, status, last_processed_index, last_processed_id, started_at, completed_at,
	       error_message, total_processed, total_items, created_at, updated_at
	FROM phase_checkpoint ORDER BY phase`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, *cp)
	}

	return cps, rows.Err()
}
