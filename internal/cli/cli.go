// ============================================================================
// querybatch CLI - Command Line Interface
// ============================================================================
//
// Command Structure:
//   querybatch                     # Root command
//   ├── --config, -c              # YAML config file
//   ├── --env-file                # .env file with API keys
//   ├── run                       # Execute a job on the live worker pool
//   ├── batch                     # Execute a job as one provider batch job
//   ├── finalize                  # Rebuild the result table from the log
//   ├── status                    # Show manifest and checkpoint counts
//   └── backends                  # List configured backends
//
// Configuration:
//   Defaults < config file < QUERYBATCH_* environment < flags.
//
// run / batch:
//   1. Load config and build the selected backends
//   2. Prepare the job (generate tasks, replay checkpoints, check manifest)
//   3. Start the metrics server (if enabled)
//   4. Execute until done, aborted or interrupted (SIGINT, SIGTERM)
//   5. Write the result table and print the summary
//
//   Examples:
//     querybatch run --name trial1 --dataset data/math.csv --prompts prompts/ --rows 10
//     querybatch batch --name trial1 --dataset data/math.csv --prompts prompts/ --backends GPT-o3
//
// Interrupted runs resume with the same command: tasks that already have a
// checkpoint are not dispatched again.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/querybatch/internal/backend"
	"github.com/ChuLiYu/querybatch/internal/config"
	"github.com/ChuLiYu/querybatch/internal/controller"
	"github.com/ChuLiYu/querybatch/internal/metrics"
	"github.com/ChuLiYu/querybatch/internal/reconcile"
	"github.com/ChuLiYu/querybatch/pkg/types"
)

// Version is set at build time.
var Version = "dev"

var (
	configFile string
	envFile    string
)

// jobFlags are the flags shared by run and batch.
type jobFlags struct {
	name        string
	retryFailed bool
	quiet       bool
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "querybatch",
		Short: "querybatch: dispatch dataset prompts to model backends with resume",
		Long: `querybatch expands a dataset into rows x prompts x backends x samples tasks and
executes them on a live worker pool or as one asynchronous provider batch job:
- every outcome is checkpointed before the next task starts
- interrupted jobs resume without repeating finished work
- results are written as CSV and Parquet tables`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from a .env file")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildBatchCommand())
	rootCmd.AddCommand(buildFinalizeCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildBackendsCommand())

	return rootCmd
}

// ============================================================================
// run / batch
// ============================================================================

func buildRunCommand() *cobra.Command {
	var jf jobFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a job on the live worker pool",
		Long:  "Generate the task set and execute it with W concurrent workers, retrying transient failures.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, jf, types.ModeLive)
		},
	}
	addJobFlags(cmd, &jf)
	cmd.Flags().Int("workers", 10, "number of concurrent workers")
	return cmd
}

func buildBatchCommand() *cobra.Command {
	var jf jobFlags

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Start a job as one asynchronous provider batch job",
		Long:  "Submit the pending tasks of the batch backend once, poll until the job ends and reconcile its output.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, jf, types.ModeBatch)
		},
	}
	addJobFlags(cmd, &jf)
	cmd.Flags().String("batch-backend", "", "backend that runs the batch job (default: first selected backend)")
	return cmd
}

func addJobFlags(cmd *cobra.Command, jf *jobFlags) {
	cmd.Flags().StringVar(&jf.name, "name", "", "job name (required)")
	cmd.Flags().BoolVar(&jf.retryFailed, "retry-failed", false, "dispatch tasks whose latest record failed again")
	cmd.Flags().BoolVarP(&jf.quiet, "quiet", "q", false, "disable the progress bar")

	cmd.Flags().String("dataset", "", "dataset CSV file")
	cmd.Flags().String("prompts", "", "directory of prompt .txt files")
	cmd.Flags().Int("rows", 1, "number of dataset rows to use (0 for all)")
	cmd.Flags().Int("samples", 1, "samples per row, prompt and backend")
	cmd.Flags().StringSlice("backends", nil, "backend ids to use (default: all configured)")
	cmd.Flags().String("output-dir", "responses", "root directory for job output")
	cmd.Flags().String("checkpoint-driver", "jsonl", "checkpoint store: jsonl or sqlite")
	cmd.Flags().StringSlice("format", []string{"csv"}, "result formats: csv, parquet")
	cmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().String("log-format", "text", "log format: text or json")
	cmd.Flags().String("metrics-addr", ":9090", "metrics server address (when metrics.enabled)")
	_ = cmd.MarkFlagRequired("name")
}

func runJob(cmd *cobra.Command, jf jobFlags, mode types.Mode) error {
	cfg, logger, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	selected, err := cfg.Selected()
	if err != nil {
		return err
	}
	registry, err := backend.Build(ctx, selected, nil)
	if err != nil {
		return fmt.Errorf("build backends: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	ctrl, err := controller.New(cfg, controller.Options{
		Job:         jf.name,
		RetryFailed: jf.retryFailed,
		Quiet:       jf.quiet,
		Progress:    cmd.ErrOrStderr(),
		Registry:    registry,
		Metrics:     collector,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ctrl.Close(); cerr != nil {
			logger.Error("Failed to close job", "error", cerr)
		}
	}()

	if cfg.Metrics.Enabled {
		srvCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		srv := metrics.NewServer(cfg.Metrics.Addr, reg, ctrl.Progress, logger)
		go func() {
			if err := srv.Run(srvCtx); err != nil {
				logger.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	if err := ctrl.Prepare(ctx); err != nil {
		return err
	}
	for _, s := range ctrl.Skipped() {
		logger.Warn("Skipped row", "row", s.RowID, "reason", s.Reason)
	}

	var summary reconcile.Summary
	if mode == types.ModeBatch {
		summary, err = ctrl.RunBatch(ctx)
	} else {
		summary, err = ctrl.RunLive(ctx)
	}

	printSummary(cmd.OutOrStdout(), ctrl.Dir(), summary)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(cmd.OutOrStdout(), "Interrupted. Run the same command again to resume.")
	}
	return err
}

// ============================================================================
// finalize / status / backends
// ============================================================================

func buildFinalizeCommand() *cobra.Command {
	var name, dir string

	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Rebuild the result table from the checkpoint log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, quietDefaults)
			if err != nil {
				return err
			}
			ctrl, err := controller.New(cfg, controller.Options{Job: name, Dir: dir, Quiet: true, Logger: logger})
			if err != nil {
				return err
			}
			defer ctrl.Close()

			summary, err := ctrl.Finalize()
			printSummary(cmd.OutOrStdout(), ctrl.Dir(), summary)
			return err
		},
	}
	addLocateFlags(cmd, &name, &dir)
	cmd.Flags().StringSlice("format", []string{"csv"}, "result formats: csv, parquet")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var name, dir string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job status: manifest, run history and checkpoint counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, quietDefaults)
			if err != nil {
				return err
			}
			ctrl, err := controller.New(cfg, controller.Options{Job: name, Dir: dir, Quiet: true, Logger: logger})
			if err != nil {
				return err
			}
			defer ctrl.Close()

			report, err := ctrl.Status()
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	addLocateFlags(cmd, &name, &dir)
	return cmd
}

func addLocateFlags(cmd *cobra.Command, name, dir *string) {
	cmd.Flags().StringVar(name, "name", "", "job name")
	cmd.Flags().StringVar(dir, "job-dir", "", "job directory (overrides --name, --dataset and --output-dir)")
	cmd.Flags().String("dataset", "", "dataset CSV file the job was generated from")
	cmd.Flags().String("output-dir", "responses", "root directory for job output")
	cmd.Flags().String("checkpoint-driver", "jsonl", "checkpoint store: jsonl or sqlite")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn, error (default warn)")
	cmd.MarkFlagsOneRequired("name", "job-dir")
}

func buildBackendsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List configured backends and whether their API key is present",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			registry, err := backend.Build(cmd.Context(), cfg.Catalog, nil)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tMODEL\tKEY ENV\tKEY")
			for _, info := range registry.List() {
				key := "missing"
				if info.KeyPresent {
					key = "ok"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", info.ID, info.Provider, info.Model, info.APIKeyEnv, key)
			}
			return w.Flush()
		},
	}
}

// ============================================================================
// Helpers
// ============================================================================

// quietDefaults keep the read-only commands at warn unless configured.
var quietDefaults = map[string]any{"log.level": "warn"}

func loadConfig(cmd *cobra.Command, defaults map[string]any) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(config.Options{Path: configFile, EnvFile: envFile, Flags: cmd.Flags(), Defaults: defaults})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := config.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func printSummary(w io.Writer, dir string, s reconcile.Summary) {
	fmt.Fprintf(w, "Completed: %d/%d ok, %d failed, %d pending\n", s.Succeeded(), s.Total, s.Failed(), s.Pending())
	fmt.Fprintf(w, "Results: %s\n", dir)
}

func printReport(w io.Writer, r controller.Report) {
	fmt.Fprintf(w, "Job directory: %s\n", r.Dir)

	if m := r.Manifest; m != nil {
		fmt.Fprintf(w, "Job: %s (created %s)\n", m.Job, m.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "Dataset: %s, rows %d, samples %d\n", m.Params.Dataset, m.Params.Rows, m.Params.Samples)
		fmt.Fprintf(w, "Prompts: %v\nBackends: %v\n", m.Params.Prompts, m.Params.Backends)
		if m.Batch != nil {
			fmt.Fprintf(w, "Pending batch job: %s (%d tasks, submitted %s)\n",
				m.Batch.JobID, m.Batch.TaskCount, m.Batch.SubmittedAt.Format("2006-01-02 15:04:05"))
		}

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tMODE\tSTARTED\tPENDING\tOK\tFAILED\tNOTE")
		for _, run := range m.Runs {
			note := ""
			switch {
			case run.Aborted:
				note = "aborted: " + run.Error
			case run.Error != "":
				note = run.Error
			case run.FinishedAt == nil:
				note = "unfinished"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", run.ID, run.Mode,
				run.StartedAt.Format("2006-01-02 15:04:05"), run.Pending, run.Succeeded, run.Failed, note)
		}
		tw.Flush()
	} else {
		fmt.Fprintln(w, "No manifest yet.")
	}

	fmt.Fprintf(w, "Checkpoint records (%s): %d\n", r.StoreDriver, r.Records)
	statuses := make([]string, 0, len(r.LogCounts))
	for s := range r.LogCounts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "  %s: %d\n", s, r.LogCounts[types.Status(s)])
	}
	fmt.Fprintf(w, "Tasks with a record: %d (ok %d, failed %d)\n", r.Latest.Total, r.Latest.Succeeded(), r.Latest.Failed())
}
