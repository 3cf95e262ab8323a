// ============================================================================
// querybatch Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Drives one task at a time through the retry machine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Return it un-run if the pool has aborted
//   3. Run the retry machine against the task's backend
//   4. Append the checkpoint record for a terminal outcome
//   5. Send result to resultCh, then take the next task
//
// Timeout Control:
//   Every attempt gets its own context.WithTimeout(callTimeout). Expiry is a
//   retryable timeout; cancellation of the parent context interrupts the task
//   without a checkpoint.
//
// Error Handling:
//   - Fatal (auth): abort the pool, no checkpoint
//   - Retry exhausted: status error, or timeout when the last failure was one
//   - Malformed / unclassified: status error on the first failure
//   - Checkpoint append failure: abort the pool
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/querybatch/internal/backend"
	"github.com/ChuLiYu/querybatch/internal/failure"
	"github.com/ChuLiYu/querybatch/internal/retry"
	"github.com/ChuLiYu/querybatch/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ChuLiYu/querybatch/internal/worker"

// Worker represents a work execution unit
type Worker struct {
	id   int
	pool *Pool
}

func newWorker(id int, pool *Pool) *Worker {
	return &Worker{id: id, pool: pool}
}

// Run is the main loop of Worker. It returns when the pool stops.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-w.pool.stopCh:
			return
		case task := <-w.pool.taskCh:
			w.pool.emit(w.handle(ctx, task))
		}
	}
}

// handle runs one task to a terminal outcome and checkpoints it.
func (w *Worker) handle(ctx context.Context, task types.Task) Result {
	p := w.pool
	log := p.opts.Logger.With("worker", w.id, "correlation_id", task.CorrelationID, "backend", task.Backend)

	if p.isAborted() {
		log.Debug("Returning task un-run after abort")
		return Result{Task: task, WorkerID: w.id, Skipped: true}
	}

	start := time.Now()
	res := Result{Task: task, WorkerID: w.id}

	outcome, err := w.execute(ctx, task)
	res.Duration = time.Since(start)
	if err != nil {
		// Only an illegal state transition gets here.
		p.Abort(err)
		res.Err = err
		return res
	}
	res.State, res.Kind, res.Err = outcome.State, outcome.Kind, outcome.Err

	switch outcome.State {
	case retry.StateFailedFatal:
		log.Error("Fatal backend error, aborting dispatch", "kind", outcome.Kind, "error", outcome.Err)
		p.Abort(fmt.Errorf("task %s on backend %s: %w", task.CorrelationID, task.Backend, outcome.Err))
		return res
	case retry.StateCancelled:
		log.Debug("Task interrupted", "attempts", outcome.Attempts)
		return res
	}

	record := types.NewCheckpointRecord(task, toResult(outcome), types.ModeLive, p.opts.Now())
	if err := p.opts.Store.Append(record); err != nil {
		log.Error("Checkpoint append failed, aborting dispatch", "error", err)
		res.Err = fmt.Errorf("checkpoint %s: %w", task.CorrelationID, err)
		p.Abort(res.Err)
		return res
	}
	res.Record = &record

	if record.Status.Failed() {
		log.Warn("Task failed", "status", record.Status, "kind", outcome.Kind, "attempts", outcome.Attempts, "error", outcome.Err)
	} else {
		log.Debug("Task succeeded", "attempts", outcome.Attempts, "duration", res.Duration)
	}
	return res
}

func (w *Worker) execute(ctx context.Context, task types.Task) (retry.Outcome, error) {
	p := w.pool

	b, err := p.opts.Backends.Resolve(task.Backend)
	if err != nil {
		return retry.Outcome{
			State: retry.StateFailed,
			Err:   err,
			Kind:  failure.KindUnclassified,
		}, nil
	}

	if p.opts.Recorder != nil {
		p.opts.Recorder.InFlight(1)
		defer p.opts.Recorder.InFlight(-1)
	}

	machine := retry.NewMachine(p.opts.Policy, p.opts.Sleep, w.observer(task))
	return machine.Run(ctx, func(ctx context.Context, attempt int) (string, error) {
		return w.call(ctx, b, task, attempt)
	})
}

func (w *Worker) observer(task types.Task) retry.Observer {
	rec := w.pool.opts.Recorder
	log := w.pool.opts.Logger
	return retry.Observer{
		OnAttempt: func(attempt int, kind failure.Kind, elapsed time.Duration) {
			if rec != nil {
				rec.AttemptFinished(task.Backend, kind, elapsed)
			}
		},
		OnRetry: func(attempt int, kind failure.Kind, err error) {
			if rec != nil {
				rec.RetryScheduled(task.Backend, kind)
			}
			log.Info("Retrying task",
				"correlation_id", task.CorrelationID,
				"backend", task.Backend,
				"attempt", attempt,
				"kind", kind,
				"delay", w.pool.opts.Policy.Delay,
				"error", err)
		},
	}
}

// call issues one attempt inside a span and under the per-call timeout.
func (w *Worker) call(ctx context.Context, b backend.Backend, task types.Task, attempt int) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "backend.call", trace.WithAttributes(
		attribute.String("querybatch.backend", task.Backend),
		attribute.String("querybatch.prompt", task.Prompt),
		attribute.String("querybatch.correlation_id", task.CorrelationID),
		attribute.Int("querybatch.attempt", attempt),
	))
	defer span.End()

	callCtx := ctx
	if timeout := w.pool.opts.CallTimeout; timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := b.Call(callCtx, task.Payload)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = failure.Wrap(failure.KindTimeout, err, fmt.Sprintf("call exceeded %s", w.pool.opts.CallTimeout))
		}
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return "", err
	}
	return resp, nil
}

// toResult converts a terminal, checkpointable outcome into a task result.
func toResult(o retry.Outcome) types.Result {
	res := types.Result{Attempts: o.Attempts, ErrorKind: string(o.Kind)}
	switch o.State {
	case retry.StateSucceeded:
		res.Status = types.StatusOK
		res.Response = types.Ptr(o.Response)
	case retry.StateFailedExhausted:
		res.Status = types.StatusError
		if o.Kind == failure.KindTimeout {
			res.Status = types.StatusTimeout
		}
	default:
		res.Status = types.StatusError
	}
	if o.Err != nil {
		res.ErrorDetail = types.Ptr(o.Err.Error())
	}
	return res
}
