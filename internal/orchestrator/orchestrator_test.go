package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ecmigrate/internal/store"
)

func newCheckpoints(t *testing.T) store.CheckpointStore {
	t.Helper()

	s, err := store.NewSQLiteStore(context.Background(), t.TempDir()+"/staging.db", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestOrchestratorRunsPhasesInOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cps := newCheckpoints(t)

	var order []store.Phase
	runner := func(phase store.Phase) PhaseRunner {
		return PhaseRunner{Phase: phase, Run: func(ctx context.Context) error {
			order = append(order, phase)
			return nil
		}}
	}

	o := New(cps, []PhaseRunner{
		runner(store.PhaseFolderDiscovery),
		runner(store.PhaseDocumentDiscovery),
		runner(store.PhaseFolderPreparation),
		runner(store.PhaseMove),
	}, nil, zap.NewNop())

	require.NoError(t, o.Run(ctx))
	assert.Equal(t, []store.Phase{
		store.PhaseFolderDiscovery,
		store.PhaseDocumentDiscovery,
		store.PhaseFolderPreparation,
		store.PhaseMove,
	}, order)

	for _, phase := range o.Phases() {
		cp, err := cps.GetCheckpoint(ctx, phase)
		require.NoError(t, err)
		assert.Equal(t, store.PhaseCompleted, cp.Status, "phase %s", phase)
		assert.NotNil(t, cp.StartedAt)
		assert.NotNil(t, cp.CompletedAt)
	}
}

func TestOrchestratorStopsAtFailingPhase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cps := newCheckpoints(t)

	boom := errors.New("listing blew up")
	moveRan := false

	o := New(cps, []PhaseRunner{
		{Phase: store.PhaseFolderDiscovery, Run: func(ctx context.Context) error { return nil }},
		{Phase: store.PhaseDocumentDiscovery, Run: func(ctx context.Context) error { return boom }},
		{Phase: store.PhaseMove, Run: func(ctx context.Context) error { moveRan = true; return nil }},
	}, nil, zap.NewNop())

	err := o.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), string(store.PhaseDocumentDiscovery))

	// Nothing after the failing phase runs.
	assert.False(t, moveRan)

	cp, err := cps.GetCheckpoint(ctx, store.PhaseDocumentDiscovery)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseFailed, cp.Status)
	assert.Contains(t, cp.ErrorMessage, "listing blew up")

	cp, err = cps.GetCheckpoint(ctx, store.PhaseMove)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseNotStarted, cp.Status)
}

func TestOrchestratorSkipsCompletedPhases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cps := newCheckpoints(t)

	discoveryRuns, moveRuns := 0, 0
	o := New(cps, []PhaseRunner{
		{Phase: store.PhaseFolderDiscovery, Run: func(ctx context.Context) error { discoveryRuns++; return nil }},
		{Phase: store.PhaseMove, Run: func(ctx context.Context) error { moveRuns++; return nil }},
	}, nil, zap.NewNop())

	require.NoError(t, o.Run(ctx))
	require.NoError(t, o.Run(ctx))

	// The second run found every phase COMPLETED and re-ran nothing.
	assert.Equal(t, 1, discoveryRuns)
	assert.Equal(t, 1, moveRuns)
}

func TestOrchestratorResumesAfterFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cps := newCheckpoints(t)

	attempts := 0
	o := New(cps, []PhaseRunner{
		{Phase: store.PhaseFolderDiscovery, Run: func(ctx context.Context) error { return nil }},
		{Phase: store.PhaseMove, Run: func(ctx context.Context) error {
			attempts++
			if attempts == 1 {
				return errors.New("transient outage")
			}
			return nil
		}},
	}, nil, zap.NewNop())

	require.Error(t, o.Run(ctx))

	// A re-run skips the completed phase and retries only the failed one.
	require.NoError(t, o.Run(ctx))
	assert.Equal(t, 2, attempts)

	cp, err := cps.GetCheckpoint(ctx, store.PhaseMove)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseCompleted, cp.Status)
	assert.Empty(t, cp.ErrorMessage)
}

func TestOrchestratorStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cps := newCheckpoints(t)

	o := New(cps, []PhaseRunner{
		{Phase: store.PhaseFolderDiscovery, Run: func(ctx context.Context) error { return nil }},
		{Phase: store.PhaseMove, Run: func(ctx context.Context) error {
			cp, err := cps.GetCheckpoint(ctx, store.PhaseMove)
			if err != nil {
				return err
			}
			cp.TotalProcessed = 7
			return cps.SaveCheckpoint(ctx, cp)
		}},
	}, nil, zap.NewNop())

	status, err := o.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseFolderDiscovery, status.CurrentPhase)
	assert.Equal(t, store.PhaseNotStarted, status.CurrentStatus)
	assert.Equal(t, int64(0), status.TotalProcessed)

	require.NoError(t, o.Run(ctx))

	status, err = o.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseMove, status.CurrentPhase)
	assert.Equal(t, store.PhaseCompleted, status.CurrentStatus)
	assert.Equal(t, int64(7), status.TotalProcessed)
	require.Len(t, status.Phases, 2)
}

func TestOrchestratorResetPhase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cps := newCheckpoints(t)

	o := New(cps, []PhaseRunner{
		{Phase: store.PhaseFolderDiscovery, Run: func(ctx context.Context) error { return nil }},
		{Phase: store.PhaseMove, Run: func(ctx context.Context) error { return nil }},
	}, nil, zap.NewNop())

	require.NoError(t, o.Run(ctx))
	require.NoError(t, o.ResetPhase(ctx, store.PhaseMove))

	cp, err := cps.GetCheckpoint(ctx, store.PhaseMove)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseNotStarted, cp.Status)

	cp, err = cps.GetCheckpoint(ctx, store.PhaseFolderDiscovery)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseCompleted, cp.Status)
}
