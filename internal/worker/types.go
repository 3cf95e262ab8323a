package worker

import (
	"time"

	"github.com/ChuLiYu/querybatch/internal/backend"
	"github.com/ChuLiYu/querybatch/internal/failure"
	"github.com/ChuLiYu/querybatch/internal/retry"
	"github.com/ChuLiYu/querybatch/pkg/types"
)

// Resolver maps a backend id to a client.
type Resolver interface {
	Resolve(id string) (backend.Backend, error)
}

// Recorder receives per-attempt telemetry. metrics.Collector implements it.
type Recorder interface {
	AttemptFinished(backend string, kind failure.Kind, elapsed time.Duration)
	RetryScheduled(backend string, kind failure.Kind)
	InFlight(delta float64)
}

// Result is reported by the pool for every task a worker picked up.
type Result struct {
	Task     types.Task
	WorkerID int
	State    retry.State // terminal state of the retry machine; empty when Skipped
	Kind     failure.Kind
	Err      error
	Duration time.Duration

	// Record is the checkpoint written for the task; nil when the task was
	// not checkpointed (fatal, cancelled, skipped or the append failed).
	Record *types.CheckpointRecord

	// Skipped is set when the task was handed back un-run after an abort.
	Skipped bool
}

// Checkpointed reports whether the task reached a durable terminal outcome.
func (r Result) Checkpointed() bool {
	return r.Record != nil
}
