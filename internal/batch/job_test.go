package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/querybatch/internal/failure"
	"github.com/ChuLiYu/querybatch/internal/reconcile"
	"github.com/ChuLiYu/querybatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider scripts status responses and counts calls.
type fakeProvider struct {
	mu        sync.Mutex
	states    []JobState
	submitErr []error
	statusErr []error
	output    string

	submits int
	polls   int
	fetches int
}

func (f *fakeProvider) Encode(tasks []types.Task) ([]byte, error) {
	var b strings.Builder
	for _, t := range tasks {
		b.WriteString(`{"custom_id":"` + t.CorrelationID + `"}` + "\n")
	}
	return []byte(b.String()), nil
}

func (f *fakeProvider) Submit(ctx context.Context, input []byte) (Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if len(f.submitErr) > 0 {
		err := f.submitErr[0]
		f.submitErr = f.submitErr[1:]
		return Submission{}, err
	}
	return Submission{JobID: "batch_1", InputFileID: "file-in"}, nil
}

func (f *fakeProvider) Status(ctx context.Context, jobID string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.statusErr) > 0 {
		err := f.statusErr[0]
		f.statusErr = f.statusErr[1:]
		return Status{}, err
	}
	state := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	return Status{JobID: jobID, State: state, OutputFileID: "file-out"}, nil
}

func (f *fakeProvider) FetchOutput(ctx context.Context, status Status) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return []byte(f.output), nil
}

func (f *fakeProvider) ParseLine(line []byte) (reconcile.Line, error) {
	parts := strings.SplitN(string(line), "=", 2)
	if len(parts) != 2 {
		return reconcile.Line{}, errors.New("bad line")
	}
	return reconcile.Line{CorrelationID: parts[0], Response: types.Ptr(parts[1])}, nil
}

type pollLog struct {
	mu     sync.Mutex
	states []string
}

func (p *pollLog) RecordBatchPoll(state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, state)
}

func newTestJob(t *testing.T, p Provider, rec PollRecorder) (*Job, string) {
	dir := t.TempDir()
	job, err := NewJob(Options{
		Provider:     p,
		Dir:          dir,
		PollInterval: time.Millisecond,
		Delay:        time.Millisecond,
		Attempts:     3,
		Recorder:     rec,
	})
	require.NoError(t, err)
	return job, dir
}

func sampleTasks() []types.Task {
	return []types.Task{{CorrelationID: "A"}, {CorrelationID: "B"}}
}

// ============================================================================
// State machine
// ============================================================================

func TestJobStateTerminal(t *testing.T) {
	for _, s := range []JobState{StateCompleted, StateFailed, StateExpired, StateCancelled} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []JobState{StateValidating, StateInProgress, StateFinalizing, StateCancelling} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestNewJobRequiresProvider(t *testing.T) {
	_, err := NewJob(Options{})
	assert.Error(t, err)
}

// ============================================================================
// Run
// ============================================================================

func TestRunCompleted(t *testing.T) {
	p := &fakeProvider{
		states: []JobState{StateValidating, StateInProgress, StateFinalizing, StateCompleted},
		output: "B=rb\ngarbage\n\nA=ra\n",
	}
	rec := &pollLog{}
	job, dir := newTestJob(t, p, rec)

	var submitted Submission
	lines, err := job.Run(context.Background(), sampleTasks(), "", func(s Submission) error {
		submitted = s
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "batch_1", submitted.JobID)
	assert.Equal(t, 1, p.submits)
	assert.Equal(t, 4, p.polls)
	assert.Equal(t, []string{"validating", "in_progress", "finalizing", "completed"}, rec.states)

	require.Len(t, lines, 2)
	assert.Equal(t, "B", lines[0].CorrelationID)
	assert.Equal(t, "ra", *lines[1].Response)

	input, err := os.ReadFile(filepath.Join(dir, InputFile))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(input), "\n"))

	raw, err := os.ReadFile(filepath.Join(dir, OutputFile))
	require.NoError(t, err)
	assert.Equal(t, p.output, string(raw))
}

func TestRunResumesWithoutResubmitting(t *testing.T) {
	p := &fakeProvider{states: []JobState{StateCompleted}, output: "A=ra\n"}
	job, _ := newTestJob(t, p, nil)

	lines, err := job.Run(context.Background(), sampleTasks(), "batch_9", func(Submission) error {
		t.Fatal("resumed job must not be resubmitted")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, p.submits)
	assert.Len(t, lines, 1)
}

func TestRunJobLevelFailure(t *testing.T) {
	for _, state := range []JobState{StateFailed, StateExpired, StateCancelled} {
		t.Run(string(state), func(t *testing.T) {
			p := &fakeProvider{states: []JobState{StateInProgress, state}}
			job, _ := newTestJob(t, p, nil)

			lines, err := job.Run(context.Background(), sampleTasks(), "", nil)
			require.Error(t, err)
			assert.Nil(t, lines)

			var jlf *JobLevelFailure
			require.True(t, errors.As(err, &jlf))
			assert.Equal(t, state, jlf.State)
			assert.Equal(t, failure.KindJobLevel, failure.Classify(err))
			assert.Zero(t, p.fetches)
		})
	}
}

func TestCancellingIsPolledUntilCancelled(t *testing.T) {
	p := &fakeProvider{states: []JobState{StateCancelling, StateCancelling, StateCancelled}}
	job, _ := newTestJob(t, p, nil)

	_, err := job.Await(context.Background(), "batch_1")
	var jlf *JobLevelFailure
	require.True(t, errors.As(err, &jlf))
	assert.Equal(t, StateCancelled, jlf.State)
	assert.Equal(t, 3, p.polls)
}

func TestNoTasks(t *testing.T) {
	job, _ := newTestJob(t, &fakeProvider{}, nil)
	_, err := job.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoTasks)
}

// ============================================================================
// Job-level retry
// ============================================================================

func TestSubmitRetriesTransientFailures(t *testing.T) {
	p := &fakeProvider{
		states:    []JobState{StateCompleted},
		submitErr: []error{failure.New(failure.KindServer, "503"), failure.New(failure.KindNetwork, "reset")},
	}
	job, _ := newTestJob(t, p, nil)

	sub, err := job.Submit(context.Background(), sampleTasks())
	require.NoError(t, err)
	assert.Equal(t, "batch_1", sub.JobID)
	assert.Equal(t, 3, p.submits)
}

func TestSubmitGivesUpAfterAttempts(t *testing.T) {
	boom := failure.New(failure.KindServer, "503")
	p := &fakeProvider{submitErr: []error{boom, boom, boom, boom}}
	job, _ := newTestJob(t, p, nil)

	_, err := job.Submit(context.Background(), sampleTasks())
	require.Error(t, err)
	assert.Equal(t, 3, p.submits)
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	p := &fakeProvider{submitErr: []error{failure.New(failure.KindAuth, "401")}}
	job, _ := newTestJob(t, p, nil)

	_, err := job.Submit(context.Background(), sampleTasks())
	require.Error(t, err)
	assert.Equal(t, failure.KindAuth, failure.Classify(err))
	assert.Equal(t, 1, p.submits)
}

func TestPollRetries(t *testing.T) {
	p := &fakeProvider{
		states:    []JobState{StateCompleted},
		statusErr: []error{failure.New(failure.KindRateLimit, "429")},
	}
	job, _ := newTestJob(t, p, nil)

	st, err := job.Await(context.Background(), "batch_1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 2, p.polls)
}

func TestAwaitHonoursCancellation(t *testing.T) {
	p := &fakeProvider{states: []JobState{StateInProgress}}
	job, err := NewJob(Options{Provider: p, PollInterval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = job.Await(ctx, "batch_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
