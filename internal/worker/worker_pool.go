// ============================================================================
// querybatch Worker Pool - bounded-concurrency live executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Manage W worker goroutines and the abort signal
//
// Architecture:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh (unbuffered)
//   └─────────────┘
//         ↑
//     Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker W│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool() - create the pool with its collaborators
//   2. Start(ctx, n) - start n Worker goroutines
//   3. Submit(ctx, task) - hand a task to the next idle worker
//   4. Results() - read one Result per picked-up task
//   5. Stop() - let workers finish their current task, close Results
//
// Abort:
//   Abort(cause) is raised on a fatal backend error or a failed checkpoint
//   append. Submit refuses new tasks, a worker that picks up a task after
//   the abort returns it un-run, in-flight tasks finish normally.
//
// The task channel is never closed; workers leave on stopCh, so a Submit
// racing Stop returns ErrPoolClosed instead of panicking.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/querybatch/internal/retry"
	"github.com/ChuLiYu/querybatch/internal/storage"
	"github.com/ChuLiYu/querybatch/pkg/types"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrPoolClosed indicates the pool has been stopped
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted indicates Submit was called before Start
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolAborted indicates dispatch was stopped by the abort signal
	ErrPoolAborted = errors.New("worker pool aborted")
)

// Options are the pool's collaborators.
type Options struct {
	Backends    Resolver
	Store       storage.Appender
	Policy      retry.Policy
	Sleep       retry.Sleeper // nil uses retry.Sleep
	CallTimeout time.Duration // 0 disables the per-call timeout
	Recorder    Recorder      // optional
	Logger      *slog.Logger
	Now         func() time.Time
}

// Pool manages W concurrent workers.
type Pool struct {
	opts Options

	workers  []*Worker
	taskCh   chan types.Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex

	abortCh   chan struct{}
	abortOnce sync.Once
	abortErr  error
}

// NewPool creates a pool. resultBuffer sizes the result channel.
func NewPool(opts Options, resultBuffer int) *Pool {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	if resultBuffer < 0 {
		resultBuffer = 0
	}
	return &Pool{
		opts:     opts,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan types.Task),
		resultCh: make(chan Result, resultBuffer),
		stopCh:   make(chan struct{}),
		abortCh:  make(chan struct{}),
	}
}

// Start launches workerCount workers. ctx is the parent of every call;
// cancelling it interrupts in-flight tasks without checkpoints.
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		return errors.New("worker count must be positive")
	}
	if p.opts.Backends == nil || p.opts.Store == nil {
		return errors.New("pool requires a backend resolver and a checkpoint store")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.started = true
	return nil
}

// Submit blocks until an idle worker takes the task.
func (p *Pool) Submit(ctx context.Context, task types.Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	// Checked first so that a task submitted after an observed abort is
	// always refused.
	select {
	case <-p.abortCh:
		return ErrPoolAborted
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.abortCh:
		return ErrPoolAborted
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns the result channel. It is closed by Stop after every
// worker has exited.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Abort raises the abort signal. Only the first cause is kept.
func (p *Pool) Abort(cause error) {
	p.abortOnce.Do(func() {
		p.mu.Lock()
		p.abortErr = cause
		p.mu.Unlock()
		close(p.abortCh)
	})
}

// Aborted is closed once the pool has aborted.
func (p *Pool) Aborted() <-chan struct{} {
	return p.abortCh
}

// AbortErr returns the abort cause, or nil.
func (p *Pool) AbortErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.abortErr
}

func (p *Pool) isAborted() bool {
	select {
	case <-p.abortCh:
		return true
	default:
		return false
	}
}

func (p *Pool) emit(r Result) {
	p.resultCh <- r
}

// Stop waits for every worker to finish its current task, then closes the
// result channel. Results must be drained concurrently.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount returns the number of started workers
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start has been called
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
