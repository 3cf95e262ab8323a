package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify dispatch, retry bound, fatal short-circuit, checkpoint order
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/querybatch/internal/backend"
	"github.com/ChuLiYu/querybatch/internal/failure"
	"github.com/ChuLiYu/querybatch/internal/retry"
	"github.com/ChuLiYu/querybatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test doubles
// ============================================================================

type memStore struct {
	mu      sync.Mutex
	records []types.CheckpointRecord
	events  *eventLog
	err     error
}

func (s *memStore) Append(r types.CheckpointRecord) error {
	if s.events != nil {
		s.events.add("append:" + r.CorrelationID)
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memStore) all() []types.CheckpointRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.CheckpointRecord, len(s.records))
	copy(out, s.records)
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, s)
}

func (e *eventLog) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

type resolver map[string]backend.Backend

func (r resolver) Resolve(id string) (backend.Backend, error) {
	b, ok := r[id]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", id)
	}
	return b, nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func task(id, backendID string) types.Task {
	return types.Task{
		RowID:         id,
		Prompt:        "basic",
		Backend:       backendID,
		Sample:        1,
		Payload:       types.Payload{System: "s", User: "Question: " + id},
		CorrelationID: "cid-" + id,
	}
}

func newTestPool(t *testing.T, b map[string]backend.Backend, store *memStore, policy retry.Policy, sleep retry.Sleeper) *Pool {
	t.Helper()
	return NewPool(Options{
		Backends: resolver(b),
		Store:    store,
		Policy:   policy,
		Sleep:    sleep,
	}, 16)
}

// collect reads results until the channel closes.
func collect(p *Pool) <-chan []Result {
	out := make(chan []Result, 1)
	go func() {
		var results []Result
		for r := range p.Results() {
			results = append(results, r)
		}
		out <- results
	}()
	return out
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(Options{}, 4)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
	assert.Equal(t, retry.DefaultPolicy(), pool.opts.Policy)
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := newTestPool(t, nil, &memStore{}, retry.DefaultPolicy(), nil)

	require.NoError(t, pool.Start(context.Background(), 8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.Error(t, pool.Start(context.Background(), 4))
	pool.Stop()
}

// TestStartRequiresCollaborators tests the constructor guards
func TestStartRequiresCollaborators(t *testing.T) {
	assert.Error(t, NewPool(Options{}, 0).Start(context.Background(), 1))
	assert.Error(t, newTestPool(t, nil, &memStore{}, retry.Policy{}, nil).Start(context.Background(), 0))
}

// TestSubmitBeforeStartAndAfterStop tests lifecycle errors
func TestSubmitBeforeStartAndAfterStop(t *testing.T) {
	pool := newTestPool(t, nil, &memStore{}, retry.DefaultPolicy(), nil)
	assert.ErrorIs(t, pool.Submit(context.Background(), task("a", "echo")), ErrPoolNotStarted)

	require.NoError(t, pool.Start(context.Background(), 1))
	pool.Stop()
	pool.Stop()
	assert.ErrorIs(t, pool.Submit(context.Background(), task("a", "echo")), ErrPoolClosed)
}

// TestPoolRunsAllTasks tests that every task is executed and checkpointed
func TestPoolRunsAllTasks(t *testing.T) {
	store := &memStore{}
	pool := newTestPool(t, map[string]backend.Backend{"echo": backend.Echo{}}, store, retry.DefaultPolicy(), nil)
	require.NoError(t, pool.Start(context.Background(), 4))
	done := collect(pool)

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(context.Background(), task(fmt.Sprint(i), "echo")))
	}
	pool.Stop()

	results := <-done
	require.Len(t, results, 20)
	for _, r := range results {
		assert.True(t, r.Checkpointed())
		assert.Equal(t, retry.StateSucceeded, r.State)
		assert.Equal(t, "Question: "+r.Task.RowID, *r.Record.Response)
		assert.Equal(t, types.ModeLive, r.Record.Mode)
	}
	assert.Len(t, store.all(), 20)
}

// TestConcurrencyBound tests that at most W calls run at once
func TestConcurrencyBound(t *testing.T) {
	const workers = 3
	var current, peak int32
	slow := backend.Func(func(ctx context.Context, p types.Payload) (string, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return "ok", nil
	})

	pool := newTestPool(t, map[string]backend.Backend{"slow": slow}, &memStore{}, retry.DefaultPolicy(), nil)
	require.NoError(t, pool.Start(context.Background(), workers))
	done := collect(pool)

	for i := 0; i < 12; i++ {
		require.NoError(t, pool.Submit(context.Background(), task(fmt.Sprint(i), "slow")))
	}
	pool.Stop()
	<-done

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(workers))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

// ============================================================================
// Retry and failure handling
// ============================================================================

// TestRetryBound tests that an always-retryable backend is called exactly R times
func TestRetryBound(t *testing.T) {
	var calls int32
	limited := backend.Func(func(ctx context.Context, p types.Payload) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", failure.New(failure.KindRateLimit, "429")
	})
	sleeps := &sleepRecorder{}
	store := &memStore{}

	pool := newTestPool(t, map[string]backend.Backend{"rl": limited}, store, retry.Policy{MaxAttempts: 5, Delay: 5 * time.Second}, sleeps.sleep)
	require.NoError(t, pool.Start(context.Background(), 1))
	done := collect(pool)

	require.NoError(t, pool.Submit(context.Background(), task("a", "rl")))
	pool.Stop()
	results := <-done

	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}, sleeps.delays)

	require.Len(t, results, 1)
	assert.Equal(t, retry.StateFailedExhausted, results[0].State)

	records := store.all()
	require.Len(t, records, 1)
	assert.Equal(t, types.StatusError, records[0].Status)
	assert.Equal(t, 5, records[0].Attempts)
	assert.Nil(t, records[0].Response)
	require.NotNil(t, records[0].ErrorDetail)
	assert.Contains(t, *records[0].ErrorDetail, "429")
	assert.Equal(t, string(failure.KindRateLimit), records[0].ErrorKind)
}

// TestCallTimeoutExhaustsAsTimeout tests the per-call timeout and the timeout status
func TestCallTimeoutExhaustsAsTimeout(t *testing.T) {
	hang := backend.Func(func(ctx context.Context, p types.Payload) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	store := &memStore{}
	pool := NewPool(Options{
		Backends:    resolver{"hang": hang},
		Store:       store,
		Policy:      retry.Policy{MaxAttempts: 2, Delay: 0},
		CallTimeout: 10 * time.Millisecond,
	}, 4)
	require.NoError(t, pool.Start(context.Background(), 1))
	done := collect(pool)

	require.NoError(t, pool.Submit(context.Background(), task("a", "hang")))
	pool.Stop()
	<-done

	records := store.all()
	require.Len(t, records, 1)
	assert.Equal(t, types.StatusTimeout, records[0].Status)
	assert.Equal(t, 2, records[0].Attempts)
}

// TestMalformedNoRetry tests that a malformed response fails immediately
func TestMalformedNoRetry(t *testing.T) {
	var calls int32
	bad := backend.Func(func(ctx context.Context, p types.Payload) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", failure.New(failure.KindMalformed, "no choices")
	})
	store := &memStore{}
	pool := newTestPool(t, map[string]backend.Backend{"bad": bad}, store, retry.DefaultPolicy(), (&sleepRecorder{}).sleep)
	require.NoError(t, pool.Start(context.Background(), 1))
	done := collect(pool)

	require.NoError(t, pool.Submit(context.Background(), task("a", "bad")))
	require.NoError(t, pool.Submit(context.Background(), task("b", "bad")))
	pool.Stop()
	<-done

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	records := store.all()
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, types.StatusError, r.Status)
		assert.Equal(t, 1, r.Attempts)
	}
}

// TestUnknownBackendIsCheckpointedAsError tests resolution failures
func TestUnknownBackendIsCheckpointedAsError(t *testing.T) {
	store := &memStore{}
	pool := newTestPool(t, nil, store, retry.DefaultPolicy(), nil)
	require.NoError(t, pool.Start(context.Background(), 1))
	done := collect(pool)

	require.NoError(t, pool.Submit(context.Background(), task("a", "ghost")))
	pool.Stop()
	<-done

	records := store.all()
	require.Len(t, records, 1)
	assert.Equal(t, types.StatusError, records[0].Status)
	assert.Contains(t, *records[0].ErrorDetail, "ghost")
}

// TestFatalShortCircuit tests that an auth error stops dispatch after one call
func TestFatalShortCircuit(t *testing.T) {
	var calls int32
	denied := backend.Func(func(ctx context.Context, p types.Payload) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", failure.New(failure.KindAuth, "invalid api key")
	})
	store := &memStore{}
	pool := newTestPool(t, map[string]backend.Backend{"denied": denied}, store, retry.DefaultPolicy(), (&sleepRecorder{}).sleep)
	require.NoError(t, pool.Start(context.Background(), 1))

	require.NoError(t, pool.Submit(context.Background(), task("a", "denied")))
	first := <-pool.Results()
	assert.Equal(t, retry.StateFailedFatal, first.State)
	assert.False(t, first.Checkpointed())

	select {
	case <-pool.Aborted():
	case <-time.After(time.Second):
		t.Fatal("pool did not abort")
	}
	assert.ErrorIs(t, pool.Submit(context.Background(), task("b", "denied")), ErrPoolAborted)

	done := collect(pool)
	pool.Stop()
	assert.Empty(t, <-done)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, store.all())
	assert.Equal(t, failure.KindAuth, failure.Classify(pool.AbortErr()))
}

// TestFatalLetsInFlightDrain tests that other in-flight tasks still checkpoint
func TestFatalLetsInFlightDrain(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	slow := backend.Func(func(ctx context.Context, p types.Payload) (string, error) {
		close(started)
		<-release
		return "late", nil
	})
	denied := backend.Func(func(ctx context.Context, p types.Payload) (string, error) {
		return "", failure.New(failure.KindAuth, "revoked")
	})
	store := &memStore{}
	pool := newTestPool(t, map[string]backend.Backend{"slow": slow, "denied": denied}, store, retry.DefaultPolicy(), nil)
	require.NoError(t, pool.Start(context.Background(), 2))
	done := collect(pool)

	require.NoError(t, pool.Submit(context.Background(), task("a", "slow")))
	<-started
	require.NoError(t, pool.Submit(context.Background(), task("b", "denied")))
	<-pool.Aborted()
	close(release)

	pool.Stop()
	results := <-done
	require.Len(t, results, 2)

	records := store.all()
	require.Len(t, records, 1)
	assert.Equal(t, "cid-a", records[0].CorrelationID)
	assert.Equal(t, "late", *records[0].Response)
}

// TestCheckpointBeforeNextTask tests that a worker appends before taking more work
func TestCheckpointBeforeNextTask(t *testing.T) {
	events := &eventLog{}
	b := backend.Func(func(ctx context.Context, p types.Payload) (string, error) {
		events.add("call:" + p.User)
		return "ok", nil
	})
	store := &memStore{events: events}
	pool := newTestPool(t, map[string]backend.Backend{"b": b}, store, retry.DefaultPolicy(), nil)
	require.NoError(t, pool.Start(context.Background(), 1))
	done := collect(pool)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, pool.Submit(context.Background(), task(id, "b")))
	}
	pool.Stop()
	<-done

	assert.Equal(t, []string{
		"call:Question: a", "append:cid-a",
		"call:Question: b", "append:cid-b",
		"call:Question: c", "append:cid-c",
	}, events.list())
}

// TestCheckpointFailureAborts tests that a broken store stops dispatch
func TestCheckpointFailureAborts(t *testing.T) {
	diskFull := errors.New("no space left on device")
	store := &memStore{err: diskFull}
	pool := newTestPool(t, map[string]backend.Backend{"echo": backend.Echo{}}, store, retry.DefaultPolicy(), nil)
	require.NoError(t, pool.Start(context.Background(), 1))

	require.NoError(t, pool.Submit(context.Background(), task("a", "echo")))
	r := <-pool.Results()
	assert.False(t, r.Checkpointed())
	assert.ErrorIs(t, r.Err, diskFull)

	assert.ErrorIs(t, pool.Submit(context.Background(), task("b", "echo")), ErrPoolAborted)
	assert.ErrorIs(t, pool.AbortErr(), diskFull)

	done := collect(pool)
	pool.Stop()
	<-done
}

// TestParentCancelDoesNotCheckpoint tests interruption of in-flight tasks
func TestParentCancelDoesNotCheckpoint(t *testing.T) {
	started := make(chan struct{})
	hang := backend.Func(func(ctx context.Context, p types.Payload) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	store := &memStore{}
	ctx, cancel := context.WithCancel(context.Background())
	pool := newTestPool(t, map[string]backend.Backend{"hang": hang}, store, retry.DefaultPolicy(), nil)
	require.NoError(t, pool.Start(ctx, 1))
	done := collect(pool)

	require.NoError(t, pool.Submit(context.Background(), task("a", "hang")))
	<-started
	cancel()

	pool.Stop()
	results := <-done
	require.Len(t, results, 1)
	assert.Equal(t, retry.StateCancelled, results[0].State)
	assert.Empty(t, store.all())
}
