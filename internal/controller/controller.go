// ============================================================================
// querybatch controller - run orchestration
// ============================================================================
//
// Package: internal/controller
//
// The controller wires the components of one job together:
//   - dataset + taskgen: regenerate the full, deterministic task list
//   - storage: open the checkpoint store and replay it for resume
//   - snapshot: check the job manifest against the run parameters
//   - worker / batch: execute the pending tasks live or as one async job
//   - reconcile + output: fold the log into the result table
//
// Live run (2 goroutines under one errgroup):
//   1. Dispatch Loop - pop pending tasks from the tracker into the pool
//   2. Result Loop   - consume worker results, update tracker and progress
//
// Resume:
//   Every terminal outcome is checkpointed before a worker takes its next
//   task, so a restarted run with identical parameters only dispatches the
//   tasks without a record. In-flight work at the time of a crash has no
//   record and is simply dispatched again.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/querybatch/internal/backend"
	"github.com/ChuLiYu/querybatch/internal/batch"
	"github.com/ChuLiYu/querybatch/internal/config"
	"github.com/ChuLiYu/querybatch/internal/dataset"
	"github.com/ChuLiYu/querybatch/internal/failure"
	"github.com/ChuLiYu/querybatch/internal/jobmanager"
	"github.com/ChuLiYu/querybatch/internal/metrics"
	"github.com/ChuLiYu/querybatch/internal/output"
	"github.com/ChuLiYu/querybatch/internal/reconcile"
	"github.com/ChuLiYu/querybatch/internal/retry"
	"github.com/ChuLiYu/querybatch/internal/snapshot"
	"github.com/ChuLiYu/querybatch/internal/storage"
	"github.com/ChuLiYu/querybatch/internal/storage/sqlite"
	"github.com/ChuLiYu/querybatch/internal/storage/wal"
	"github.com/ChuLiYu/querybatch/internal/taskgen"
	"github.com/ChuLiYu/querybatch/internal/worker"
	"github.com/ChuLiYu/querybatch/pkg/types"
)

// Job directory file names.
const (
	ManifestFile   = "manifest.yaml"
	CheckpointJSON = "checkpoints.jsonl"
	CheckpointDB   = "checkpoints.db"
)

var (
	// ErrAborted is returned when the live pool stopped on a fatal failure.
	ErrAborted = errors.New("run aborted")
	// ErrNotPrepared is returned when a run is started before Prepare.
	ErrNotPrepared = errors.New("controller: Prepare has not been called")
	// ErrBatchUnsupported is returned when the batch backend has no async API.
	ErrBatchUnsupported = errors.New("backend does not support batch jobs")
	// ErrMissingInput is returned when the dataset or prompt directory is not set.
	ErrMissingInput = errors.New("dataset and prompts are required")
)

// ============================================================================
// Data structures
// ============================================================================

// Options are the controller's collaborators. Only Job and Registry are
// required for runs; Finalize and Status need neither.
type Options struct {
	Job         string
	Dir         string // job directory; defaults to <output_dir>/<dataset stem>/<job>
	RetryFailed bool
	Quiet       bool
	Progress    io.Writer // progress bar output, defaults to os.Stderr

	Registry      *backend.Registry
	BatchProvider batch.Provider // overrides the provider built from the registry
	Metrics       *metrics.Collector
	Sleep         retry.Sleeper
	Logger        *slog.Logger
	Now           func() time.Time
}

// Controller runs one job.
type Controller struct {
	cfg  *config.Config
	opts Options
	dir  string
	log  *slog.Logger

	store     storage.CheckpointStore
	manifests *snapshot.Manager
	manifest  *snapshot.Manifest

	tasks   []types.Task
	pending []types.Task
	skipped []taskgen.Skip

	mu      sync.Mutex // guards tracker for Progress
	tracker *jobmanager.Tracker
}

// Progress is the live view served on /status.
type Progress struct {
	Job     string            `json:"job"`
	Dir     string            `json:"dir"`
	Tasks   int               `json:"tasks"`
	Pending int               `json:"pending"`
	Tracker *jobmanager.Stats `json:"tracker,omitempty"`
}

// Report is the offline status of a job directory.
type Report struct {
	Dir         string
	Manifest    *snapshot.Manifest // nil when no run has been prepared yet
	Records     int                // raw records in the log
	LogCounts   map[types.Status]int
	Latest      reconcile.Summary // one row per correlation id, latest record wins
	StoreDriver string
}

// JobDir returns the job directory for job under cfg.
func JobDir(cfg *config.Config, job string) string {
	return filepath.Join(cfg.OutputDir, dataset.Stem(cfg.Dataset), job)
}

// New creates a controller. Nothing is opened until Prepare, Finalize or
// Status.
func New(cfg *config.Config, opts Options) (*Controller, error) {
	if cfg == nil {
		return nil, errors.New("controller: config is required")
	}
	if opts.Job == "" && opts.Dir == "" {
		return nil, errors.New("controller: job name is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Progress == nil {
		opts.Progress = os.Stderr
	}

	dir := opts.Dir
	if dir == "" {
		dir = JobDir(cfg, opts.Job)
	}
	if opts.Job == "" {
		opts.Job = filepath.Base(dir)
	}

	return &Controller{
		cfg:       cfg,
		opts:      opts,
		dir:       dir,
		log:       opts.Logger.With("job", opts.Job),
		manifests: snapshot.NewManager(filepath.Join(dir, ManifestFile)),
	}, nil
}

// Dir returns the job directory.
func (c *Controller) Dir() string { return c.dir }

// Tasks returns the generated task list.
func (c *Controller) Tasks() []types.Task { return c.tasks }

// Pending returns the tasks without a completed checkpoint.
func (c *Controller) Pending() []types.Task { return c.pending }

// Skipped returns the rows the generator skipped.
func (c *Controller) Skipped() []taskgen.Skip { return c.skipped }

// ============================================================================
// Prepare
// ============================================================================

// Prepare loads the inputs, regenerates the task list, replays the
// checkpoint store and checks the manifest. It computes the pending set.
func (c *Controller) Prepare(ctx context.Context) error {
	if c.cfg.Dataset == "" || c.cfg.Prompts == "" {
		return ErrMissingInput
	}

	rows, err := dataset.LoadRows(c.cfg.Dataset, c.cfg.Rows)
	if err != nil {
		return err
	}
	prompts, err := dataset.LoadPrompts(c.cfg.Prompts)
	if err != nil {
		return err
	}

	selected, err := c.cfg.Selected()
	if err != nil {
		return err
	}
	backendIDs := make([]string, len(selected))
	for i, b := range selected {
		backendIDs[i] = b.ID
	}

	gen, err := taskgen.Generate(taskgen.Input{
		Job:      c.opts.Job,
		Rows:     rows,
		Prompts:  prompts,
		Backends: backendIDs,
		Samples:  c.cfg.Samples,
	}, c.log)
	if err != nil {
		return fmt.Errorf("generate tasks: %w", err)
	}

	promptNames := make([]string, len(prompts))
	for i, p := range prompts {
		promptNames[i] = p.Name
	}
	params := snapshot.Params{
		Dataset:  filepath.Base(c.cfg.Dataset),
		Prompts:  promptNames,
		Backends: backendIDs,
		Rows:     c.cfg.Rows,
		Samples:  c.cfg.Samples,
	}

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return err
	}
	manifest, existed, err := c.manifests.Open(c.opts.Job, params, c.opts.Now())
	if err != nil {
		return err
	}
	c.manifest = manifest
	if !existed {
		if err := c.manifests.Write(manifest); err != nil {
			return err
		}
	}

	if err := c.openStore(); err != nil {
		return err
	}

	start := time.Now()
	records, err := storage.Load(c.store)
	if err != nil {
		return err
	}
	c.opts.Metrics.SetReplayTime(time.Since(start))

	done := storage.Completed(records, c.opts.RetryFailed)
	pending := storage.Pending(gen.Tasks, done)

	c.mu.Lock()
	c.tasks = gen.Tasks
	c.skipped = gen.Skipped
	c.pending = pending
	c.mu.Unlock()

	c.opts.Metrics.RecordGenerated(len(c.tasks))
	c.opts.Metrics.RecordResumed(len(c.tasks) - len(c.pending))
	c.opts.Metrics.SetPending(len(c.pending))

	c.log.Info("Prepared job",
		"dir", c.dir,
		"tasks", len(c.tasks),
		"skipped_rows", len(c.skipped),
		"records", len(records),
		"pending", len(c.pending),
		"resumed", existed,
		"replay", time.Since(start))
	return nil
}

func (c *Controller) openStore() error {
	if c.store != nil {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return err
	}

	var (
		store storage.CheckpointStore
		err   error
	)
	switch c.cfg.Checkpoint.Driver {
	case "sqlite":
		store, err = sqlite.NewStore(c.checkpointPath())
	default:
		store, err = wal.NewWAL(c.checkpointPath(), c.cfg.Checkpoint.Sync, c.log)
	}
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	c.store = store
	return nil
}

func (c *Controller) checkpointPath() string {
	if c.cfg.Checkpoint.Driver == "sqlite" {
		return filepath.Join(c.dir, CheckpointDB)
	}
	return filepath.Join(c.dir, CheckpointJSON)
}

// requireExisting fails with snapshot.ErrManifestNotFound when the job
// directory holds neither a manifest nor a checkpoint log, so read-only
// commands never create an empty job.
func (c *Controller) requireExisting() error {
	if c.store != nil || c.manifests.Exists() {
		return nil
	}
	if _, err := os.Stat(c.checkpointPath()); err == nil {
		return nil
	}
	return fmt.Errorf("job %s: %w", c.dir, snapshot.ErrManifestNotFound)
}

// ============================================================================
// Live run
// ============================================================================

// RunLive executes the pending tasks on the worker pool and finalizes. When a
// fatal failure aborts the pool it returns ErrAborted wrapping the cause,
// after the in-flight tasks drained and the table was written.
func (c *Controller) RunLive(ctx context.Context) (reconcile.Summary, error) {
	if c.manifest == nil {
		return reconcile.Summary{}, ErrNotPrepared
	}
	if c.opts.Registry == nil {
		return reconcile.Summary{}, errors.New("controller: backend registry is required")
	}
	if len(c.pending) == 0 {
		c.log.Info("Nothing to dispatch, every task has a checkpoint")
		return c.Finalize()
	}

	tracker := jobmanager.NewTracker()
	for _, t := range c.pending {
		if err := tracker.Enqueue(t); err != nil {
			return reconcile.Summary{}, fmt.Errorf("enqueue %s: %w", t.CorrelationID, err)
		}
	}
	tracker.SetResumed(len(c.tasks) - len(c.pending))
	c.mu.Lock()
	c.tracker = tracker
	c.mu.Unlock()

	runIdx := c.manifest.StartRun(types.ModeLive, len(c.pending), c.opts.Now())
	if err := c.manifests.Write(c.manifest); err != nil {
		return reconcile.Summary{}, err
	}

	pool := worker.NewPool(worker.Options{
		Backends:    c.opts.Registry,
		Store:       c.store,
		Policy:      retry.Policy{MaxAttempts: c.cfg.Retry.MaxAttempts, Delay: c.cfg.Retry.Delay},
		Sleep:       c.opts.Sleep,
		CallTimeout: c.cfg.Retry.CallTimeout,
		Recorder:    c.opts.Metrics,
		Logger:      c.log,
		Now:         c.opts.Now,
	}, c.cfg.Workers)
	if err := pool.Start(ctx, c.cfg.Workers); err != nil {
		return reconcile.Summary{}, err
	}

	bar := c.newBar(len(c.pending), "live")

	g := new(errgroup.Group)
	g.Go(func() error { return c.dispatchLoop(ctx, pool, tracker) })
	g.Go(func() error { return c.resultLoop(pool, tracker, bar) })
	loopErr := g.Wait()
	_ = bar.Finish()

	drained := tracker.DrainPending()
	stats := tracker.Stats()

	var runErr error
	switch {
	case loopErr != nil:
		runErr = loopErr
	case pool.AbortErr() != nil:
		runErr = fmt.Errorf("%w: %w", ErrAborted, pool.AbortErr())
		c.opts.Metrics.RecordAbort()
	case ctx.Err() != nil:
		runErr = ctx.Err()
	}

	c.log.Info("Live run finished",
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"interrupted", stats.Interrupted,
		"not_dispatched", drained)

	c.manifest.FinishRun(runIdx, stats.Succeeded, stats.Failed, errors.Is(runErr, ErrAborted), runErr, c.opts.Now())
	return c.finish(runErr)
}

// dispatchLoop feeds the pool until the queue is empty, the pool aborts or
// ctx is cancelled. It stops the pool on the way out so the result loop
// terminates once the in-flight tasks drained.
func (c *Controller) dispatchLoop(ctx context.Context, pool *worker.Pool, tracker *jobmanager.Tracker) error {
	defer pool.Stop()

	for {
		task := tracker.PopPending()
		if task == nil {
			return nil
		}
		if err := tracker.MarkInFlight(task.CorrelationID); err != nil {
			return fmt.Errorf("dispatch %s: %w", task.CorrelationID, err)
		}

		if err := pool.Submit(ctx, *task); err != nil {
			_ = tracker.MarkInterrupted(task.CorrelationID)
			if errors.Is(err, worker.ErrPoolAborted) || ctx.Err() != nil {
				c.log.Info("Dispatch stopped", "reason", err)
				return nil
			}
			return fmt.Errorf("dispatch %s: %w", task.CorrelationID, err)
		}
		c.opts.Metrics.RecordDispatch()
		c.opts.Metrics.SetPending(tracker.Stats().Pending)
	}
}

// resultLoop consumes results until the pool closes its channel.
func (c *Controller) resultLoop(pool *worker.Pool, tracker *jobmanager.Tracker, bar *progressbar.ProgressBar) error {
	for res := range pool.Results() {
		id := res.Task.CorrelationID

		if !res.Checkpointed() {
			if err := tracker.MarkInterrupted(id); err != nil {
				c.log.Warn("Tracker rejected interruption", "correlation_id", id, "error", err)
			}
			if !res.Skipped {
				c.log.Debug("Task ended without checkpoint", "correlation_id", id, "state", res.State, "error", res.Err)
			}
			continue
		}

		rec := res.Record
		if err := tracker.MarkDone(id, rec.Status, rec.Attempts); err != nil {
			c.log.Warn("Tracker rejected outcome", "correlation_id", id, "error", err)
		}
		c.opts.Metrics.RecordOutcome(rec.Backend, rec.Status)
		_ = bar.Add(1)

		c.log.Debug("Task finished",
			"correlation_id", id,
			"row", rec.RowID,
			"prompt", rec.Prompt,
			"backend", rec.Backend,
			"status", rec.Status,
			"attempts", rec.Attempts,
			"duration", res.Duration)
	}
	return nil
}

func (c *Controller) newBar(n int, desc string) *progressbar.ProgressBar {
	if c.opts.Quiet {
		return progressbar.DefaultSilent(int64(n), desc)
	}
	return progressbar.NewOptions(n,
		progressbar.OptionSetWriter(c.opts.Progress),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionClearOnFinish(),
	)
}

// ============================================================================
// Batch run
// ============================================================================

// RunBatch executes the pending tasks of the batch backend as one async job,
// reconciles the output by correlation id and finalizes. A submission
// recorded in the manifest for the same task set is resumed, not resubmitted.
func (c *Controller) RunBatch(ctx context.Context) (reconcile.Summary, error) {
	if c.manifest == nil {
		return reconcile.Summary{}, ErrNotPrepared
	}

	backendID, err := c.batchBackend()
	if err != nil {
		return reconcile.Summary{}, err
	}

	var tasks []types.Task
	for _, t := range c.pending {
		if t.Backend == backendID {
			tasks = append(tasks, t)
		}
	}
	if other := len(c.pending) - len(tasks); other > 0 {
		c.log.Warn("Pending tasks of other backends are left for a live run", "count", other, "batch_backend", backendID)
	}
	if len(tasks) == 0 {
		c.log.Info("Nothing to submit, every batch task has a checkpoint")
		return c.Finalize()
	}

	provider := c.opts.BatchProvider
	if provider == nil {
		if provider, err = c.openAIProvider(backendID); err != nil {
			return reconcile.Summary{}, err
		}
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.CorrelationID
	}
	hash := snapshot.TaskSetHash(ids)

	resumeID := ""
	if sub := c.manifest.Batch; sub != nil {
		if sub.Backend == backendID && sub.TaskSetHash == hash {
			resumeID = sub.JobID
		} else {
			c.log.Warn("Discarding batch submission for a different task set", "job_id", sub.JobID)
			c.manifest.Batch = nil
		}
	}

	runIdx := c.manifest.StartRun(types.ModeBatch, len(tasks), c.opts.Now())
	if err := c.manifests.Write(c.manifest); err != nil {
		return reconcile.Summary{}, err
	}

	job, err := batch.NewJob(batch.Options{
		Provider:     provider,
		Dir:          c.dir,
		PollInterval: c.cfg.Batch.PollInterval,
		Delay:        c.cfg.Retry.Delay,
		Attempts:     c.cfg.Batch.JobAttempts,
		Recorder:     c.opts.Metrics,
		Logger:       c.log,
	})
	if err != nil {
		return reconcile.Summary{}, err
	}

	c.opts.Metrics.SetPending(len(tasks))
	lines, err := job.Run(ctx, tasks, resumeID, func(sub batch.Submission) error {
		c.manifest.Batch = &snapshot.BatchSubmission{
			JobID:       sub.JobID,
			InputFileID: sub.InputFileID,
			Backend:     backendID,
			TaskSetHash: hash,
			TaskCount:   len(tasks),
			SubmittedAt: c.opts.Now().UTC(),
		}
		return c.manifests.Write(c.manifest)
	})
	if err != nil {
		var jlf *batch.JobLevelFailure
		if errors.As(err, &jlf) {
			c.manifest.Batch = nil
		}
		c.manifest.FinishRun(runIdx, 0, 0, false, err, c.opts.Now())
		return c.finish(err)
	}

	records, report := reconcile.Match(tasks, lines, c.opts.Now(), c.log)
	succeeded, failed := 0, 0
	for _, r := range records {
		if err := c.store.Append(r); err != nil {
			c.manifest.FinishRun(runIdx, succeeded, failed, false, err, c.opts.Now())
			return c.finish(fmt.Errorf("checkpoint %s: %w", r.CorrelationID, err))
		}
		if r.Status.Failed() {
			failed++
		} else {
			succeeded++
		}
		c.opts.Metrics.RecordOutcome(r.Backend, r.Status)
	}
	c.opts.Metrics.SetPending(0)

	c.log.Info("Batch job reconciled",
		"succeeded", succeeded,
		"failed", failed,
		"missing", len(report.Missing),
		"unknown", len(report.Unknown),
		"duplicates", len(report.Duplicates))

	c.manifest.Batch = nil
	c.manifest.FinishRun(runIdx, succeeded, failed, false, nil, c.opts.Now())
	return c.finish(nil)
}

func (c *Controller) batchBackend() (string, error) {
	if c.cfg.Batch.Backend != "" {
		return c.cfg.Batch.Backend, nil
	}
	selected, err := c.cfg.Selected()
	if err != nil {
		return "", err
	}
	if len(selected) == 0 {
		return "", errors.New("no backend selected")
	}
	return selected[0].ID, nil
}

func (c *Controller) openAIProvider(id string) (batch.Provider, error) {
	if c.opts.Registry == nil {
		return nil, errors.New("controller: backend registry is required")
	}
	b, err := c.opts.Registry.Resolve(id)
	if err != nil {
		return nil, err
	}
	bc, _ := c.opts.Registry.Config(id)

	oa, ok := b.(*backend.OpenAI)
	if !ok {
		if bc.Provider == config.ProviderOpenAI {
			return nil, failure.New(failure.KindAuth, fmt.Sprintf("backend %s: environment variable %s is not set", id, bc.APIKeyEnv))
		}
		return nil, fmt.Errorf("%w: %s (provider %s)", ErrBatchUnsupported, id, bc.Provider)
	}
	return batch.NewOpenAIProvider(oa.Client(), bc, c.cfg.Batch.CompletionWindow), nil
}

// finish persists the manifest and writes the result table. runErr is
// returned together with any error of those steps.
func (c *Controller) finish(runErr error) (reconcile.Summary, error) {
	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	if err := c.manifests.Write(c.manifest); err != nil {
		result = multierror.Append(result, err)
	}
	summary, err := c.Finalize()
	if err != nil {
		result = multierror.Append(result, err)
	}

	if result == nil {
		return summary, nil
	}
	if len(result.Errors) == 1 {
		return summary, result.Errors[0]
	}
	return summary, result
}

// ============================================================================
// Finalize / Status
// ============================================================================

// Finalize folds the checkpoint log into the result table and writes the
// configured output formats. Without Prepare the rows follow log order.
// Running it twice on the same log yields the same table.
func (c *Controller) Finalize() (reconcile.Summary, error) {
	if err := c.requireExisting(); err != nil {
		return reconcile.Summary{}, err
	}
	if err := c.openStore(); err != nil {
		return reconcile.Summary{}, err
	}

	records, err := storage.Load(c.store)
	if err != nil {
		return reconcile.Summary{}, err
	}

	withID := c.cfg.Output.IncludeCorrelationID
	for _, r := range records {
		if r.Mode == types.ModeBatch {
			withID = true
			break
		}
	}

	rows := reconcile.Finalize(c.tasks, records)
	paths, err := output.WriteFiles(c.dir, c.cfg.Output.Formats, rows, output.Options{IncludeCorrelationID: withID})
	summary := reconcile.Summarize(rows)
	if err != nil {
		return summary, fmt.Errorf("write results: %w", err)
	}

	c.log.Info("Finalized results",
		"rows", summary.Total,
		"ok", summary.Succeeded(),
		"failed", summary.Failed(),
		"pending", summary.Pending(),
		"files", paths)
	return summary, nil
}

// Status reports the manifest and checkpoint counts of the job directory. A
// directory without manifest or checkpoint log is snapshot.ErrManifestNotFound.
func (c *Controller) Status() (Report, error) {
	report := Report{Dir: c.dir, StoreDriver: c.cfg.Checkpoint.Driver}
	if err := c.requireExisting(); err != nil {
		return report, err
	}

	manifest, err := c.manifests.Load()
	switch {
	case errors.Is(err, snapshot.ErrManifestNotFound):
	case err != nil:
		return report, err
	default:
		report.Manifest = manifest
	}

	if err := c.openStore(); err != nil {
		return report, err
	}
	records, err := storage.Load(c.store)
	if err != nil {
		return report, err
	}
	report.Records = len(records)

	if counter, ok := c.store.(interface {
		CountByStatus() (map[types.Status]int, error)
	}); ok {
		if report.LogCounts, err = counter.CountByStatus(); err != nil {
			return report, err
		}
	} else {
		report.LogCounts = make(map[types.Status]int)
		for _, r := range records {
			report.LogCounts[r.Status]++
		}
	}

	report.Latest = reconcile.Summarize(reconcile.Finalize(nil, records))
	return report, nil
}

// Progress returns the live view of the current run. Safe for concurrent use.
func (c *Controller) Progress() any {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := Progress{Job: c.opts.Job, Dir: c.dir, Tasks: len(c.tasks), Pending: len(c.pending)}
	if c.tracker != nil {
		stats := c.tracker.Stats()
		p.Tracker = &stats
	}
	return p
}

// Close releases the checkpoint store.
func (c *Controller) Close() error {
	var result *multierror.Error
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close checkpoint store: %w", err))
		}
		c.store = nil
	}
	return result.ErrorOrNil()
}
