package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// PolicySettings is one operation class worth of resilience knobs.
type PolicySettings struct {
	Timeout          time.Duration
	Retries          int
	RetryBackoff     time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Bulkhead         int
}

// CallObserver receives the outcome of every remote call, after the
// per-attempt timeout but before retry. Used by the metrics collector.
type CallObserver interface {
	ObserveRemoteCall(class OpClass, op string, d time.Duration, err error)
}

// ResilientClient decorates a Repository with timeout, retry,
// circuit-breaker and bulkhead policies, held separately per operation
// class so slow writes cannot starve reads.
type ResilientClient struct {
	inner    Repository
	logger   *zap.Logger
	observer CallObserver

	read  *classState
	write *classState
}

var _ Repository = (*ResilientClient)(nil)

type classState struct {
	policy   PolicySettings
	breaker  *gobreaker.CircuitBreaker[any]
	bulkhead *semaphore.Weighted
}

func newClassState(name string, p PolicySettings) *classState {
	threshold := uint32(p.BreakerThreshold)
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    name,
		Timeout: p.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Domain errors (not-found, validation) must not trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || (!IsTransient(err) && !IsTimeout(err))
		},
	})

	return &classState{
		policy:   p,
		breaker:  breaker,
		bulkhead: semaphore.NewWeighted(int64(p.Bulkhead)),
	}
}

// NewResilientClient wraps inner with the given read-class and
// write-class policies. observer may be nil.
func NewResilientClient(inner Repository, read, write PolicySettings, observer CallObserver, logger *zap.Logger) *ResilientClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ResilientClient{
		inner:    inner,
		logger:   logger,
		observer: observer,
		read:     newClassState("remote-read", read),
		write:    newClassState("remote-write", write),
	}
}

func (r *ResilientClient) state(class OpClass) *classState {
	if class == OpWrite {
		return r.write
	}

	return r.read
}

// do runs fn under the policy set for class: retry outermost, then the
// circuit breaker, then the bulkhead and the per-attempt timeout.
func (r *ResilientClient) do(ctx context.Context, class OpClass, op string, fn func(ctx context.Context) error) error {
	st := r.state(class)

	backoff := retry.WithMaxRetries(
		uint64(st.policy.Retries),
		retry.WithJitter(st.policy.RetryBackoff/4, retry.NewExponential(st.policy.RetryBackoff)),
	)

	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := r.once(ctx, st, class, op, fn)
		if IsTransient(err) {
			r.logger.Warn("remote call failed, will retry",
				zap.String("op", op),
				zap.String("class", string(class)),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)

			return retry.RetryableError(err)
		}

		return err
	})

	if err != nil && IsTransient(err) && attempts > st.policy.Retries {
		return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetryExhausted, op, attempts, err)
	}

	return err
}

// once is a single attempt: breaker gate, bulkhead slot, deadline, call.
func (r *ResilientClient) once(ctx context.Context, st *classState, class OpClass, op string, fn func(ctx context.Context) error) error {
	_, err := st.breaker.Execute(func() (any, error) {
		if err := st.bulkhead.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer st.bulkhead.Release(1)

		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, st.policy.Timeout)
		defer cancel()

		callErr := fn(attemptCtx)

		elapsed := time.Since(start)
		if callErr != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			callErr = &TimeoutError{Op: op, Elapsed: elapsed, Limit: st.policy.Timeout}
		}

		if r.observer != nil {
			r.observer.ObserveRemoteCall(class, op, elapsed, callErr)
		}

		return nil, callErr
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s %s", ErrCircuitOpen, class, op)
	}

	return err
}

// Ping checks connectivity under the read policy.
func (r *ResilientClient) Ping(ctx context.Context) error {
	return r.do(ctx, OpRead, "ping", func(ctx context.Context) error {
		return r.inner.Ping(ctx)
	})
}

// ListChildren returns one page of a folder's direct children.
func (r *ResilientClient) ListChildren(ctx context.Context, folderID string, paging Paging) (*Page, error) {
	var page *Page
	err := r.do(ctx, OpRead, "listChildren", func(ctx context.Context) error {
		var err error
		page, err = r.inner.ListChildren(ctx, folderID, paging)
		return err
	})

	return page, err
}

// Search executes a repository query.
func (r *ResilientClient) Search(ctx context.Context, q Query, paging Paging) (*Page, error) {
	var page *Page
	err := r.do(ctx, OpRead, "search", func(ctx context.Context) error {
		var err error
		page, err = r.inner.Search(ctx, q, paging)
		return err
	})

	return page, err
}

// Move relocates a node under the target folder.
func (r *ResilientClient) Move(ctx context.Context, nodeID, targetFolderID, newName string) error {
	return r.do(ctx, OpWrite, "move", func(ctx context.Context) error {
		return r.inner.Move(ctx, nodeID, targetFolderID, newName)
	})
}

// CreateFolder creates a child folder and returns its id.
func (r *ResilientClient) CreateFolder(ctx context.Context, parentID, name string, props map[string]string) (string, error) {
	var id string
	err := r.do(ctx, OpWrite, "createFolder", func(ctx context.Context) error {
		var err error
		id, err = r.inner.CreateFolder(ctx, parentID, name, props)
		return err
	})

	return id, err
}

// CreateFile creates an empty file node and returns its id.
func (r *ResilientClient) CreateFile(ctx context.Context, parentID, name string) (string, error) {
	var id string
	err := r.do(ctx, OpWrite, "createFile", func(ctx context.Context) error {
		var err error
		id, err = r.inner.CreateFile(ctx, parentID, name)
		return err
	})

	return id, err
}

// UpdateProperties replaces metadata properties on a node.
func (r *ResilientClient) UpdateProperties(ctx context.Context, nodeID string, props map[string]string) error {
	return r.do(ctx, OpWrite, "updateProperties", func(ctx context.Context) error {
		return r.inner.UpdateProperties(ctx, nodeID, props)
	})
}

// FolderByRelativePath resolves a folder id by path relative to rootID.
func (r *ResilientClient) FolderByRelativePath(ctx context.Context, rootID, relPath string) (string, error) {
	var id string
	err := r.do(ctx, OpRead, "folderByRelativePath", func(ctx context.Context) error {
		var err error
		id, err = r.inner.FolderByRelativePath(ctx, rootID, relPath)
		return err
	})

	return id, err
}
