package batch

// ============================================================================
// Async Batch Job
// Responsibilities:
// 1. Serialize the task set and submit it exactly once
// 2. Poll at a fixed interval until the job reaches a terminal state
// 3. Fetch and parse the output artifact of a completed job
// 4. Fail the whole job as a unit on failed / expired / cancelled
// ============================================================================

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/querybatch/internal/failure"
	"github.com/ChuLiYu/querybatch/internal/reconcile"
	"github.com/ChuLiYu/querybatch/pkg/types"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	InputFile  = "batch_input.jsonl"
	OutputFile = "raw_results.jsonl"
)

var ErrNoTasks = errors.New("batch: no tasks to submit")

// JobLevelFailure is returned when a job ends in a terminal state other than
// completed. None of its tasks have an outcome.
type JobLevelFailure struct {
	JobID string
	State JobState
}

func (e *JobLevelFailure) Error() string {
	return fmt.Sprintf("batch job %s ended in state %s", e.JobID, e.State)
}

// Unwrap lets failure.Classify see the job_level kind.
func (e *JobLevelFailure) Unwrap() error {
	return failure.New(failure.KindJobLevel, string(e.State))
}

// PollRecorder receives one call per status poll.
type PollRecorder interface {
	RecordBatchPoll(state string)
}

// Options configures a Job.
type Options struct {
	Provider     Provider
	Dir          string        // job directory for the input and output artifacts
	PollInterval time.Duration // default 10s
	Delay        time.Duration // delay between job-level retries
	Attempts     int           // job-level tries per phase, default 3
	Recorder     PollRecorder
	Logger       *slog.Logger
}

// Job drives one provider-side batch job.
type Job struct {
	opts   Options
	tracer trace.Tracer
}

// NewJob creates a Job.
func NewJob(opts Options) (*Job, error) {
	if opts.Provider == nil {
		return nil, errors.New("batch: provider is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Job{opts: opts, tracer: otel.Tracer("querybatch/batch")}, nil
}

// Submit encodes tasks, writes the input artifact and submits the job.
func (j *Job) Submit(ctx context.Context, tasks []types.Task) (Submission, error) {
	if len(tasks) == 0 {
		return Submission{}, ErrNoTasks
	}

	ctx, span := j.tracer.Start(ctx, "batch.submit", trace.WithAttributes(attribute.Int("querybatch.tasks", len(tasks))))
	defer span.End()

	input, err := j.opts.Provider.Encode(tasks)
	if err != nil {
		return Submission{}, endSpan(span, fmt.Errorf("encode batch input: %w", err))
	}
	if err := j.writeArtifact(InputFile, input); err != nil {
		return Submission{}, endSpan(span, err)
	}

	sub, err := retry(ctx, j, "submit", func() (Submission, error) {
		return j.opts.Provider.Submit(ctx, input)
	})
	if err != nil {
		return Submission{}, endSpan(span, err)
	}

	span.SetAttributes(attribute.String("querybatch.batch_id", sub.JobID))
	j.opts.Logger.Info("Submitted batch job", "job_id", sub.JobID, "input_file", sub.InputFileID, "tasks", len(tasks))
	return sub, nil
}

// Await polls jobID until it reaches a terminal state. A terminal state other
// than completed returns *JobLevelFailure.
func (j *Job) Await(ctx context.Context, jobID string) (Status, error) {
	ctx, span := j.tracer.Start(ctx, "batch.await", trace.WithAttributes(attribute.String("querybatch.batch_id", jobID)))
	defer span.End()

	ticker := time.NewTicker(j.opts.PollInterval)
	defer ticker.Stop()

	var last JobState
	for {
		st, err := retry(ctx, j, "poll", func() (Status, error) {
			return j.opts.Provider.Status(ctx, jobID)
		})
		if err != nil {
			return Status{}, endSpan(span, err)
		}
		if j.opts.Recorder != nil {
			j.opts.Recorder.RecordBatchPoll(string(st.State))
		}
		if st.State != last {
			j.opts.Logger.Info("Batch job status", "job_id", jobID, "state", st.State,
				"completed", st.Completed, "failed", st.Failed, "total", st.Total)
			last = st.State
		}

		if st.State.Terminal() {
			if st.State != StateCompleted {
				return st, endSpan(span, &JobLevelFailure{JobID: jobID, State: st.State})
			}
			return st, nil
		}

		select {
		case <-ctx.Done():
			return Status{}, endSpan(span, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Fetch downloads the output of a completed job, writes the raw artifact and
// parses it. Lines that cannot be attributed to a request are logged and
// skipped; the reconciler turns their tasks into missing-output errors.
func (j *Job) Fetch(ctx context.Context, status Status) ([]reconcile.Line, error) {
	ctx, span := j.tracer.Start(ctx, "batch.fetch", trace.WithAttributes(attribute.String("querybatch.batch_id", status.JobID)))
	defer span.End()

	raw, err := retry(ctx, j, "fetch", func() ([]byte, error) {
		return j.opts.Provider.FetchOutput(ctx, status)
	})
	if err != nil {
		return nil, endSpan(span, err)
	}
	if err := j.writeArtifact(OutputFile, raw); err != nil {
		return nil, endSpan(span, err)
	}

	var lines []reconcile.Line
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		line, err := j.opts.Provider.ParseLine(b)
		if err != nil {
			j.opts.Logger.Warn("Skipping unreadable output line", "job_id", status.JobID, "line", n, "error", err)
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, endSpan(span, fmt.Errorf("scan batch output: %w", err))
	}

	span.SetAttributes(attribute.Int("querybatch.lines", len(lines)))
	return lines, nil
}

// Run submits tasks, or resumes jobID when non-empty, and returns the parsed
// output. onSubmit is called right after a new submission.
func (j *Job) Run(ctx context.Context, tasks []types.Task, jobID string, onSubmit func(Submission) error) ([]reconcile.Line, error) {
	if jobID == "" {
		sub, err := j.Submit(ctx, tasks)
		if err != nil {
			return nil, err
		}
		if onSubmit != nil {
			if err := onSubmit(sub); err != nil {
				return nil, err
			}
		}
		jobID = sub.JobID
	} else {
		j.opts.Logger.Info("Resuming batch job", "job_id", jobID)
	}

	st, err := j.Await(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return j.Fetch(ctx, st)
}

func (j *Job) writeArtifact(name string, data []byte) error {
	if j.opts.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(j.opts.Dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(j.opts.Dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// retry runs op with constant-delay job-level retries. Auth and malformed
// failures stop immediately.
func retry[T any](ctx context.Context, j *Job, phase string, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil {
			if kind := failure.Classify(err); kind.Fatal() || kind == failure.KindMalformed {
				return v, backoff.Permanent(err)
			}
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(j.opts.Delay)),
		backoff.WithMaxTries(uint(j.opts.Attempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			j.opts.Logger.Warn("Batch call failed, retrying", "phase", phase, "error", err, "delay", d)
		}),
	)
}

func endSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	return err
}
