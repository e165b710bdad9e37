package remote

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRepo funnels every operation through one injectable function.
type stubRepo struct {
	calls atomic.Int32
	fn    func(ctx context.Context) error
}

func (s *stubRepo) invoke(ctx context.Context) error {
	s.calls.Add(1)
	return s.fn(ctx)
}

func (s *stubRepo) Ping(ctx context.Context) error { return s.invoke(ctx) }

func (s *stubRepo) ListChildren(ctx context.Context, folderID string, paging Paging) (*Page, error) {
	return &Page{}, s.invoke(ctx)
}

func (s *stubRepo) Search(ctx context.Context, q Query, paging Paging) (*Page, error) {
	return &Page{}, s.invoke(ctx)
}

func (s *stubRepo) Move(ctx context.Context, nodeID, targetFolderID, newName string) error {
	return s.invoke(ctx)
}

func (s *stubRepo) CreateFolder(ctx context.Context, parentID, name string, props map[string]string) (string, error) {
	return "id", s.invoke(ctx)
}

func (s *stubRepo) CreateFile(ctx context.Context, parentID, name string) (string, error) {
	return "id", s.invoke(ctx)
}

func (s *stubRepo) UpdateProperties(ctx context.Context, nodeID string, props map[string]string) error {
	return s.invoke(ctx)
}

func (s *stubRepo) FolderByRelativePath(ctx context.Context, rootID, relPath string) (string, error) {
	return "id", s.invoke(ctx)
}

func testPolicy() PolicySettings {
	return PolicySettings{
		Timeout:          100 * time.Millisecond,
		Retries:          2,
		RetryBackoff:     time.Millisecond,
		BreakerThreshold: 100,
		BreakerCooldown:  time.Second,
		Bulkhead:         4,
	}
}

type recordingObserver struct {
	calls atomic.Int32
}

func (o *recordingObserver) ObserveRemoteCall(class OpClass, op string, d time.Duration, err error) {
	o.calls.Add(1)
}

func TestResilientClient_RetriesTransientThenExhausts(t *testing.T) {
	t.Parallel()

	inner := &stubRepo{fn: func(ctx context.Context) error {
		return &RepoError{Op: "ping", StatusCode: 503, Err: ErrServerError}
	}}
	obs := &recordingObserver{}
	c := NewResilientClient(inner, testPolicy(), testPolicy(), obs, nil)

	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetryExhausted))
	assert.True(t, errors.Is(err, ErrServerError))

	// Retries=2 means one initial attempt plus two retries.
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.Equal(t, int32(3), obs.calls.Load())
}

func TestResilientClient_DomainErrorNotRetried(t *testing.T) {
	t.Parallel()

	inner := &stubRepo{fn: func(ctx context.Context) error {
		return &RepoError{Op: "move", StatusCode: 404, Err: ErrNotFound}
	}}
	c := NewResilientClient(inner, testPolicy(), testPolicy(), nil, nil)

	err := c.Move(context.Background(), "n1", "f1", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrRetryExhausted))
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestResilientClient_RecoversWithinRetryBudget(t *testing.T) {
	t.Parallel()

	inner := &stubRepo{}
	inner.fn = func(ctx context.Context) error {
		if inner.calls.Load() < 2 {
			return &RepoError{Op: "search", StatusCode: 502, Err: ErrServerError}
		}
		return nil
	}
	c := NewResilientClient(inner, testPolicy(), testPolicy(), nil, nil)

	_, err := c.Search(context.Background(), Query{Dialect: DialectAttribute, Statement: "SELECT *"}, Paging{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestResilientClient_SlowCallBecomesTimeout(t *testing.T) {
	t.Parallel()

	inner := &stubRepo{fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	p := testPolicy()
	p.Timeout = 10 * time.Millisecond
	c := NewResilientClient(inner, p, p, nil, nil)

	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	// Timeouts are not transient; no retry happens.
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestResilientClient_BreakerOpensAndFailsFast(t *testing.T) {
	t.Parallel()

	inner := &stubRepo{fn: func(ctx context.Context) error {
		return &RepoError{Op: "move", StatusCode: 500, Err: ErrServerError}
	}}

	p := testPolicy()
	p.Retries = 0
	p.BreakerThreshold = 2
	c := NewResilientClient(inner, p, p, nil, nil)

	ctx := context.Background()
	require.Error(t, c.Move(ctx, "n1", "f1", ""))
	require.Error(t, c.Move(ctx, "n1", "f1", ""))

	// Two consecutive failures trip the write breaker; the next call is
	// rejected without reaching the repository.
	before := inner.calls.Load()
	err := c.Move(ctx, "n1", "f1", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, before, inner.calls.Load())

	// Read and write policies are isolated; reads still pass.
	readInnerCalls := inner.calls.Load()
	_ = c.Ping(ctx)
	assert.Greater(t, inner.calls.Load(), readInnerCalls)
}

func TestResilientClient_CancellationDoesNotTripBreaker(t *testing.T) {
	t.Parallel()

	var cancelCall context.CancelFunc
	inner := &stubRepo{}
	inner.fn = func(ctx context.Context) error {
		cancelCall()
		<-ctx.Done()
		return ctx.Err()
	}

	p := testPolicy()
	p.Retries = 0
	p.BreakerThreshold = 2
	c := NewResilientClient(inner, p, p, nil, nil)

	// The caller walks away mid-flight, repeatedly.
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancelCall = cancel
		err := c.Move(ctx, "n1", "f1", "")
		require.ErrorIs(t, err, context.Canceled)
		assert.False(t, errors.Is(err, ErrCircuitOpen))
		cancel()
	}
	require.Equal(t, int32(5), inner.calls.Load())

	// The breaker stayed closed; a clean call still reaches the repository.
	inner.fn = func(ctx context.Context) error { return nil }
	require.NoError(t, c.Move(context.Background(), "n1", "f1", ""))
	assert.Equal(t, int32(6), inner.calls.Load())
}

func TestResilientClient_DomainErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	inner := &stubRepo{fn: func(ctx context.Context) error {
		return &RepoError{Op: "folderByRelativePath", StatusCode: 404, Err: ErrNotFound}
	}}

	p := testPolicy()
	p.Retries = 0
	p.BreakerThreshold = 2
	c := NewResilientClient(inner, p, p, nil, nil)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := c.FolderByRelativePath(ctx, "root", "missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.False(t, errors.Is(err, ErrCircuitOpen))
	}
	assert.Equal(t, int32(10), inner.calls.Load())
}
