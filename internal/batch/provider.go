// Package batch runs a task set as one provider-side asynchronous job:
// serialize to JSONL, submit once, poll to a terminal state and fetch the
// output artifact.
package batch

import (
	"context"
	"time"

	"github.com/ChuLiYu/querybatch/internal/reconcile"
	"github.com/ChuLiYu/querybatch/pkg/types"
)

// JobState is the provider-reported lifecycle state of a batch job.
type JobState string

const (
	StateValidating JobState = "validating"
	StateInProgress JobState = "in_progress"
	StateFinalizing JobState = "finalizing"
	StateCancelling JobState = "cancelling"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
	StateExpired    JobState = "expired"
	StateCancelled  JobState = "cancelled"
)

// Terminal reports whether polling can stop. cancelling is not terminal.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateExpired, StateCancelled:
		return true
	default:
		return false
	}
}

// Submission identifies a submitted job.
type Submission struct {
	JobID       string
	InputFileID string
	SubmittedAt time.Time
}

// Status is one poll result.
type Status struct {
	JobID        string
	State        JobState
	OutputFileID string
	ErrorFileID  string
	Completed    int
	Failed       int
	Total        int
}

// Provider is a provider-side asynchronous batch API.
type Provider interface {
	// Encode serializes tasks as JSONL, one line per task keyed by correlation id.
	Encode(tasks []types.Task) ([]byte, error)
	Submit(ctx context.Context, input []byte) (Submission, error)
	Status(ctx context.Context, jobID string) (Status, error)
	// FetchOutput downloads the output artifact of a completed job.
	FetchOutput(ctx context.Context, status Status) ([]byte, error)
	// ParseLine decodes one output line.
	ParseLine(line []byte) (reconcile.Line, error)
}
