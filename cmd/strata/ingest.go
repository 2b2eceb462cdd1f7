package main

import (
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kalambet/strata/internal/chunker"
	"github.com/kalambet/strata/internal/config"
	"github.com/kalambet/strata/internal/ingest"
	"github.com/kalambet/strata/internal/retry"
	"github.com/kalambet/strata/internal/vcs"
)

type ingestFlags struct {
	patterns  []string
	recursive bool
	force     bool
	dryRun    bool
	resume    bool
	verbose   bool
	jsonOut   bool
}

func newIngestCmd(st *cliState) *cobra.Command {
	var f ingestFlags
	cmd := &cobra.Command{
		Use:   "ingest <dir>",
		Short: "Ingest the files of a directory as new file versions",
		Long: `Ingest the files of a directory as new file versions.

Files inside a git work tree are versioned by their commit; other files get a
synthetic commit derived from their content. Unchanged files are skipped.

Examples:
  strata ingest ./docs --recursive
  strata ingest ./docs -r --pattern '*.md' --pattern 'guides/*.rst'
  strata ingest ./docs -r --dry-run
  strata ingest ./docs -r --resume`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, st.cfg, args[0], f)
		},
	}
	cmd.Flags().StringSliceVarP(&f.patterns, "pattern", "p", nil, "glob pattern for file names or relative paths (repeatable; default from ingest.patterns)")
	cmd.Flags().BoolVarP(&f.recursive, "recursive", "r", false, "descend into subdirectories")
	cmd.Flags().BoolVar(&f.force, "force", false, "re-process files even if unchanged or already checkpointed")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "validate files without storing anything")
	cmd.Flags().BoolVar(&f.resume, "resume", false, "skip files completed by an interrupted run of the same directory")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "print every processed file")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "print the run result as JSON")
	return cmd
}

func runIngest(cmd *cobra.Command, cfg config.Config, root string, f ingestFlags) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, appOptions{ensureModels: !f.dryRun, progress: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			printWarning("closing storage: %v", err)
		}
	}()

	patterns := f.patterns
	if len(patterns) == 0 {
		patterns = cfg.Ingest.Patterns
	}

	opts := []ingest.Option{
		ingest.WithChunker(newChunker(cfg.Chunker)),
		ingest.WithMetrics(a.metrics),
		ingest.WithLogger(slog.Default()),
		ingest.WithProgress(func(fr ingest.FileResult) {
			if fr.Outcome == ingest.FileFailed {
				printError("%s: %v", fr.Path, fr.Err)
				return
			}
			if f.verbose {
				printSuccess("%s: %s (%d chunks, %s)", fr.Path, fr.Outcome, fr.Chunks, fr.Duration.Round(time.Millisecond))
			}
		}),
	}
	if a.enricher != nil && a.enricher.Enabled() {
		opts = append(opts, ingest.WithEnricher(a.enricher))
	}
	orch := ingest.New(a.engine, vcs.NewGitInspector(), orchestratorConfig(cfg), opts...)

	if !f.jsonOut {
		if f.dryRun {
			printStep("Validating %s", root)
		} else {
			printStep("Ingesting %s", root)
		}
	}
	res, err := orch.Run(ctx, ingest.RunOptions{
		Root:      root,
		Patterns:  patterns,
		Recursive: f.recursive,
		Force:     f.force,
		DryRun:    f.dryRun,
		Resume:    f.resume,
	})
	if res != nil {
		if f.jsonOut {
			if err := printJSON(cmd.OutOrStdout(), summarize(res)); err != nil {
				return err
			}
		} else {
			printIngestResult(res)
		}
	}
	if err != nil {
		return err
	}
	if !res.OK() {
		switch {
		case res.Interrupted:
			printWarning("Run interrupted; continue with --resume")
		case f.dryRun:
			printError("%d of %d files failed validation", res.Failed, res.Total)
		default:
			printError("%d of %d files failed", res.Failed, res.Total)
		}
		return errSilent
	}
	return nil
}

func orchestratorConfig(cfg config.Config) ingest.Config {
	return ingest.Config{
		Rules: ingest.Rules{
			Extensions: cfg.Ingest.Extensions,
			MaxSize:    cfg.Ingest.MaxFileSize,
			SoftSize:   cfg.Ingest.MaxFileSize / 2,
		},
		Workers:           cfg.Ingest.Workers,
		GroupSize:         cfg.Ingest.GroupSize,
		MemoryThresholdMB: cfg.Ingest.MemoryThresholdMB,
		Retry: retry.Policy{
			MaxAttempts:     cfg.Ingest.MaxAttempts,
			InitialInterval: cfg.Ingest.BackoffInitial,
			Multiplier:      cfg.Ingest.BackoffMultiplier,
			MaxInterval:     30 * time.Second,
		},
		CallTimeout:    cfg.Ingest.CallTimeout,
		CheckpointPath: cfg.CheckpointFile(),
		ReportDir:      cfg.ReportDirectory(),
	}
}

func newChunker(cfg config.ChunkerConfig) *chunker.Chunker {
	return chunker.New(
		chunker.WithMaxSize(cfg.MaxSize),
		chunker.WithMinSize(cfg.MinSize),
		chunker.WithOverlap(cfg.Overlap),
		chunker.WithHardCeiling(cfg.HardCeiling),
	)
}

func printIngestResult(res *ingest.Result) {
	if res.State == ingest.StateValidating {
		for _, v := range res.Validations {
			for _, issue := range v.Issues {
				printError("%s: %s", v.Path, issue)
			}
			for _, w := range v.Warnings {
				printWarning("%s: %s", v.Path, w)
			}
		}
		printStatus("Files", "%d", res.Total)
		printStatus("Valid", "%d", res.Succeeded)
		printStatus("Invalid", "%d", res.Failed)
		return
	}

	for _, w := range res.Warnings {
		printWarning("%s", w)
	}
	printStatus("State", "%s", res.State)
	printStatus("Files", "%d discovered", res.Total)
	printStatus("Succeeded", "%d (%d unchanged)", res.Succeeded, res.Unchanged)
	printStatus("Failed", "%d", res.Failed)
	if res.Skipped > 0 || res.Resumed > 0 {
		printStatus("Skipped", "%d (%d carried over from checkpoint)", res.Skipped, res.Resumed)
	}
	printStatus("Duration", "%s (%.1f files/s)", res.Duration.Round(time.Millisecond), res.Throughput)
	printStatus("Processed", "%s", humanize.IBytes(uint64(res.BytesProcessed)))
	printStatus("Peak heap", "%s", humanize.IBytes(res.PeakMemoryBytes))
	if res.MemoryWarnings > 0 {
		printStatus("Memory", "%d warnings, group size reduced to %d", res.MemoryWarnings, res.FinalGroupSize)
	}
	for _, r := range res.Reports {
		printStatus("Report", "%s", r)
	}
	if res.State == ingest.StateCompleted {
		printSuccess("Ingestion complete")
	}
}

// ingestSummary is the JSON form of a run result.
type ingestSummary struct {
	RunID           string              `json:"run_id"`
	State           string              `json:"state"`
	Total           int                 `json:"total"`
	Succeeded       int                 `json:"succeeded"`
	Failed          int                 `json:"failed"`
	Skipped         int                 `json:"skipped"`
	Resumed         int                 `json:"resumed"`
	Unchanged       int                 `json:"unchanged"`
	Errors          []ingest.FileError  `json:"errors,omitempty"`
	Warnings        []string            `json:"warnings,omitempty"`
	Validations     []ingest.Validation `json:"validations,omitempty"`
	DurationSeconds float64             `json:"duration_seconds"`
	Throughput      float64             `json:"files_per_second"`
	BytesProcessed  int64               `json:"bytes_processed"`
	PeakMemoryBytes uint64              `json:"peak_memory_bytes"`
	FinalGroupSize  int                 `json:"final_group_size"`
	MemoryWarnings  int                 `json:"memory_warnings"`
	Interrupted     bool                `json:"interrupted"`
	Reports         []string            `json:"reports,omitempty"`
}

func summarize(res *ingest.Result) ingestSummary {
	return ingestSummary{
		RunID:           res.RunID,
		State:           res.State,
		Total:           res.Total,
		Succeeded:       res.Succeeded,
		Failed:          res.Failed,
		Skipped:         res.Skipped,
		Resumed:         res.Resumed,
		Unchanged:       res.Unchanged,
		Errors:          res.Errors,
		Warnings:        res.Warnings,
		Validations:     res.Validations,
		DurationSeconds: res.Duration.Seconds(),
		Throughput:      res.Throughput,
		BytesProcessed:  res.BytesProcessed,
		PeakMemoryBytes: res.PeakMemoryBytes,
		FinalGroupSize:  res.FinalGroupSize,
		MemoryWarnings:  res.MemoryWarnings,
		Interrupted:     res.Interrupted,
		Reports:         res.Reports,
	}
}
