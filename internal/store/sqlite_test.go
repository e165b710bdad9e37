package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(context.Background(), t.TempDir()+"/staging.db", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func seedDocuments(t *testing.T, s *SQLiteStore, n int, status WorkStatus) {
	t.Helper()

	items := make([]DocumentItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, DocumentItem{
			SourceNodeID: fmt.Sprintf("doc-%03d", i),
			Name:         fmt.Sprintf("file-%03d.pdf", i),
			IsFile:       true,
			DocType:      "INV",
			ToPath:       "invoices/acme",
			Status:       status,
		})
	}

	inserted, err := s.EnqueueDocuments(context.Background(), items)
	require.NoError(t, err)
	require.Equal(t, int64(n), inserted)
}

func TestEnqueueDocuments_IdempotentBySourceID(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	items := []DocumentItem{
		{SourceNodeID: "doc-1", Name: "a.pdf", IsFile: true, Status: StatusNew},
		{SourceNodeID: "doc-2", Name: "b.pdf", IsFile: true, Status: StatusNew},
	}

	inserted, err := s.EnqueueDocuments(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)

	// Replaying the same page must not duplicate rows.
	inserted, err = s.EnqueueDocuments(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inserted)

	count, err := s.CountDocuments(ctx, StatusNew)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestEnqueueFolders_IdempotentBySourceID(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	items := []FolderItem{
		{SourceNodeID: "folder-1", Name: "acme", Status: StatusReady},
	}

	inserted, err := s.EnqueueFolders(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)

	inserted, err = s.EnqueueFolders(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inserted)
}

func TestClaimReadyDocuments_Exclusive(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedDocuments(t, s, 50, StatusReady)

	const workers = 8

	var mu sync.Mutex
	claimedBy := make(map[string]int)
	errs := make(chan error, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()

			for {
				items, err := s.ClaimReadyDocuments(ctx, 5, owner)
				if err != nil {
					errs <- err
					return
				}
				if len(items) == 0 {
					return
				}

				mu.Lock()
				for _, item := range items {
					claimedBy[item.SourceNodeID]++
					assert.Equal(t, StatusInProgress, item.Status)
					assert.Equal(t, owner, item.ClaimedBy)
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Union of all claims is exactly the seeded set, each claimed once.
	assert.Len(t, claimedBy, 50)
	for id, n := range claimedBy {
		assert.Equal(t, 1, n, "item %s claimed %d times", id, n)
	}

	inProgress, err := s.CountDocuments(ctx, StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, int64(50), inProgress)
}

func TestClaimReadyDocuments_RespectsLimitAndOrder(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedDocuments(t, s, 10, StatusReady)

	items, err := s.ClaimReadyDocuments(ctx, 3, "w1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "doc-000", items[0].SourceNodeID)

	remaining, err := s.CountDocuments(ctx, StatusReady)
	require.NoError(t, err)
	assert.Equal(t, int64(7), remaining)
}

func TestSetDocumentStatus_Rerunnable(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedDocuments(t, s, 1, StatusReady)

	items, err := s.ClaimReadyDocuments(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, s.SetDocumentStatus(ctx, items[0].ID, StatusDone, ""))
	require.NoError(t, s.SetDocumentStatus(ctx, items[0].ID, StatusDone, ""))

	done, err := s.CountDocuments(ctx, StatusDone)
	require.NoError(t, err)
	assert.Equal(t, int64(1), done)
}

func TestMarkDocumentError_IncrementsRetryAndTruncates(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedDocuments(t, s, 1, StatusReady)

	items, err := s.ClaimReadyDocuments(ctx, 1, "w1")
	require.NoError(t, err)

	longMsg := strings.Repeat("x", 5000)
	require.NoError(t, s.MarkDocumentError(ctx, items[0].ID, longMsg))

	var retry int
	var msg string
	err = s.db.QueryRow(`SELECT retry_count, error_msg FROM document_work WHERE id = ?`, items[0].ID).Scan(&retry, &msg)
	require.NoError(t, err)
	assert.Equal(t, 1, retry)
	assert.Len(t, msg, maxErrorLen)
}

func TestReclaimStuckDocuments(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedDocuments(t, s, 2, StatusReady)

	items, err := s.ClaimReadyDocuments(ctx, 2, "crashed-worker")
	require.NoError(t, err)
	require.Len(t, items, 2)

	// Backdate one row past the timeout; leave the other fresh.
	stale := time.Now().UTC().Add(-time.Hour)
	_, err = s.db.Exec(`UPDATE document_work SET updated_at = ? WHERE id = ?`, stale, items[0].ID)
	require.NoError(t, err)

	reclaimed, err := s.ReclaimStuckDocuments(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reclaimed)

	var status string
	var retry int
	err = s.db.QueryRow(`SELECT status, retry_count FROM document_work WHERE id = ?`, items[0].ID).Scan(&status, &retry)
	require.NoError(t, err)
	assert.Equal(t, string(StatusReady), status)
	assert.Equal(t, 1, retry)

	// The fresh row is untouched.
	err = s.db.QueryRow(`SELECT status, retry_count FROM document_work WHERE id = ?`, items[1].ID).Scan(&status, &retry)
	require.NoError(t, err)
	assert.Equal(t, string(StatusInProgress), status)
	assert.Equal(t, 0, retry)
}

func TestReclaimStuckFolders(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueFolders(ctx, []FolderItem{
		{SourceNodeID: "f1", Name: "acme", Status: StatusReady},
		{SourceNodeID: "f2", Name: "globex", Status: StatusReady},
	})
	require.NoError(t, err)

	items, err := s.ClaimReadyFolders(ctx, 2, "crashed-worker")
	require.NoError(t, err)
	require.Len(t, items, 2)

	stale := time.Now().UTC().Add(-time.Hour)
	_, err = s.db.Exec(`UPDATE folder_work SET updated_at = ? WHERE id = ?`, stale, items[0].ID)
	require.NoError(t, err)

	reclaimed, err := s.ReclaimStuckFolders(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reclaimed)

	// The stale claim is back in the queue with the retry counted and the
	// claim token cleared; the fresh claim is untouched.
	f1, err := s.FolderBySourceID(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, f1)
	assert.Equal(t, StatusReady, f1.Status)
	assert.Equal(t, 1, f1.RetryCount)
	assert.Empty(t, f1.ClaimedBy)

	f2, err := s.FolderBySourceID(ctx, "f2")
	require.NoError(t, err)
	require.NotNil(t, f2)
	assert.Equal(t, StatusInProgress, f2.Status)
	assert.Equal(t, 0, f2.RetryCount)
}

func TestOperationsAfterClose(t *testing.T) {
	t.Parallel()

	s, err := NewSQLiteStore(context.Background(), t.TempDir()+"/staging.db", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.EnqueueFolders(context.Background(), []FolderItem{{SourceNodeID: "f1"}})
	assert.ErrorContains(t, err, "closed")

	_, err = s.CountDocuments(context.Background(), StatusReady)
	assert.ErrorContains(t, err, "closed")
}

func TestPendingDestinationsAndResolve(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueDocuments(ctx, []DocumentItem{
		{SourceNodeID: "d1", Name: "a", IsFile: true, ToPath: "invoices/acme", Status: StatusNew},
		{SourceNodeID: "d2", Name: "b", IsFile: true, ToPath: "invoices/acme", Status: StatusNew},
		{SourceNodeID: "d3", Name: "c", IsFile: true, ToPath: "contracts/acme", Status: StatusNew},
	})
	require.NoError(t, err)

	dests, err := s.PendingDestinations(ctx)
	require.NoError(t, err)
	require.Len(t, dests, 2)
	assert.Equal(t, "contracts/acme", dests[0].RelativePath)
	assert.Equal(t, int64(1), dests[0].Count)
	assert.Equal(t, "invoices/acme", dests[1].RelativePath)
	assert.Equal(t, int64(2), dests[1].Count)

	updated, err := s.ResolveDestination(ctx, "invoices/acme", "dest-folder-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated)

	// Resolved rows are promoted NEW -> READY and drop out of the projection.
	ready, err := s.CountDocuments(ctx, StatusReady)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ready)

	dests, err = s.PendingDestinations(ctx)
	require.NoError(t, err)
	require.Len(t, dests, 1)

	resolved, total, err := s.DestinationProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resolved)
	assert.Equal(t, int64(2), total)
}

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	// Missing checkpoint defaults to NOT_STARTED.
	cp, err := s.GetCheckpoint(ctx, PhaseMove)
	require.NoError(t, err)
	assert.Equal(t, PhaseNotStarted, cp.Status)
	assert.Nil(t, cp.StartedAt)

	started := time.Now().UTC().Truncate(time.Second)
	cp.Status = PhaseInProgress
	cp.StartedAt = &started
	cp.LastProcessedID = "cursor-token"
	cp.TotalProcessed = 42
	require.NoError(t, s.SaveCheckpoint(ctx, cp))

	got, err := s.GetCheckpoint(ctx, PhaseMove)
	require.NoError(t, err)
	assert.Equal(t, PhaseInProgress, got.Status)
	assert.Equal(t, "cursor-token", got.LastProcessedID)
	assert.Equal(t, int64(42), got.TotalProcessed)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))
}

func TestResetCheckpoint_ScopedToOnePhase(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedDocuments(t, s, 3, StatusDone)

	for _, phase := range []Phase{PhaseFolderDiscovery, PhaseDocumentDiscovery, PhaseMove} {
		cp, err := s.GetCheckpoint(ctx, phase)
		require.NoError(t, err)
		cp.Status = PhaseCompleted
		cp.TotalProcessed = 5
		require.NoError(t, s.SaveCheckpoint(ctx, cp))
	}

	require.NoError(t, s.ResetCheckpoint(ctx, PhaseMove))

	cp, err := s.GetCheckpoint(ctx, PhaseMove)
	require.NoError(t, err)
	assert.Equal(t, PhaseNotStarted, cp.Status)
	assert.Equal(t, int64(0), cp.TotalProcessed)

	// Other phases and queue rows are untouched.
	cp, err = s.GetCheckpoint(ctx, PhaseFolderDiscovery)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, cp.Status)

	done, err := s.CountDocuments(ctx, StatusDone)
	require.NoError(t, err)
	assert.Equal(t, int64(3), done)
}

func TestResetAllCheckpoints(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	for _, phase := range []Phase{PhaseFolderDiscovery, PhaseMove} {
		cp, err := s.GetCheckpoint(ctx, phase)
		require.NoError(t, err)
		cp.Status = PhaseFailed
		cp.ErrorMessage = "boom"
		require.NoError(t, s.SaveCheckpoint(ctx, cp))
	}

	require.NoError(t, s.ResetAllCheckpoints(ctx))

	cps, err := s.ListCheckpoints(ctx)
	require.NoError(t, err)
	for _, cp := range cps {
		assert.Equal(t, PhaseNotStarted, cp.Status)
		assert.Empty(t, cp.ErrorMessage)
	}
}

func TestWorkStatusWireConstants(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "NEW", string(StatusNew))
	assert.Equal(t, "READY", string(StatusReady))
	assert.Equal(t, "IN PROGRESS", string(StatusInProgress))
	assert.Equal(t, "DONE", string(StatusDone))
	assert.Equal(t, "PROCESSED", string(StatusProcessed))
	assert.Equal(t, "ERROR", string(StatusError))

	assert.Equal(t, "NOT_STARTED", string(PhaseNotStarted))
	assert.Equal(t, "IN_PROGRESS", string(PhaseInProgress))
	assert.Equal(t, "COMPLETED", string(PhaseCompleted))
	assert.Equal(t, "FAILED", string(PhaseFailed))
}
