// Package ingest runs batch ingestion of a directory into the temporal
// store: discovery, validation, chunking, enrichment and commit, with a
// durable checkpoint so an interrupted run can resume.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/strata/internal/checkpoint"
	"github.com/kalambet/strata/internal/chunker"
	"github.com/kalambet/strata/internal/enrich"
	"github.com/kalambet/strata/internal/extract"
	"github.com/kalambet/strata/internal/failure"
	"github.com/kalambet/strata/internal/metrics"
	"github.com/kalambet/strata/internal/retry"
	"github.com/kalambet/strata/internal/storage"
	"github.com/kalambet/strata/internal/temporal"
	"github.com/kalambet/strata/internal/vcs"
)

// Run states.
const (
	StateDiscovering         = "discovering"
	StateValidating          = "validating"
	StateProcessing          = "processing"
	StateCompleted           = "completed"
	StateCompletedWithErrors = "completed_with_errors"
	StateInterrupted         = "interrupted"
	StateAborted             = "aborted"
)

// Per-file outcomes.
const (
	FileCommitted = "committed"
	FileUnchanged = "unchanged"
	FileSkipped   = "skipped"
	FileFailed    = "failed"
)

// Enricher adds summaries and embeddings to chunk texts.
type Enricher interface {
	Enrich(ctx context.Context, chunks []string, docContext string) ([]enrich.Result, error)
}

// Config holds the orchestrator's tuning knobs.
type Config struct {
	Rules Rules
	// Workers bounds the files processed in parallel.
	Workers int
	// GroupSize is the number of files dispatched between memory samples.
	GroupSize int
	// MemoryThresholdMB halves the group size when the sampled heap exceeds
	// it. Zero disables the check.
	MemoryThresholdMB int
	Retry             retry.Policy
	// CallTimeout bounds each enrichment and store write.
	CallTimeout    time.Duration
	CheckpointPath string
	// ReportDir receives error and performance reports. Empty disables
	// reports.
	ReportDir string
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.GroupSize <= 0 {
		c.GroupSize = 32
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.DefaultPolicy()
	}
	if len(c.Rules.Extensions) == 0 {
		c.Rules.Extensions = extract.DefaultExtensions
	}
}

// RunOptions selects what a run processes.
type RunOptions struct {
	Root      string
	Patterns  []string
	Recursive bool
	// Force re-processes files recorded in the checkpoint and files whose
	// fingerprint is unchanged.
	Force  bool
	DryRun bool
	// Resume keeps the completed set of an existing checkpoint for the
	// same root.
	Resume bool
}

// FileError describes one failed file.
type FileError struct {
	Path      string        `json:"path"`
	Class     failure.Class `json:"class"`
	Message   string        `json:"message"`
	Attempts  int           `json:"attempts"`
	Timestamp time.Time     `json:"timestamp"`
}

// FileResult is the outcome of processing one file.
type FileResult struct {
	Path      string
	Outcome   string
	VersionID string
	Chunks    int
	Oversized int
	Bytes     int64
	Attempts  int
	Duration  time.Duration
	Warnings  []string
	Err       error
}

// Result summarises a run.
type Result struct {
	RunID           string
	State           string
	Total           int
	Succeeded       int
	Failed          int
	Skipped         int
	Resumed         int
	Unchanged       int
	Errors          []FileError
	Warnings        []string
	Validations     []Validation
	Duration        time.Duration
	Throughput      float64
	BytesProcessed  int64
	PeakMemoryBytes uint64
	FinalGroupSize  int
	MemoryWarnings  int
	Interrupted     bool
	Reports         []string
}

// OK reports whether the run should be treated as a success by callers
// that map runs to exit codes.
func (r *Result) OK() bool {
	switch r.State {
	case StateCompleted:
		return true
	case StateValidating:
		return r.Failed == 0
	}
	return false
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEnricher enables enrichment of chunks before commit.
func WithEnricher(e Enricher) Option {
	return func(o *Orchestrator) { o.enricher = e }
}

// WithChunker replaces the default chunker.
func WithChunker(c *chunker.Chunker) Option {
	return func(o *Orchestrator) { o.chunker = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithProgress registers a callback invoked from the collector for every
// finished file.
func WithProgress(fn func(FileResult)) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

// Orchestrator ingests directories into the temporal store.
type Orchestrator struct {
	engine    *temporal.Engine
	inspector vcs.Inspector
	chunker   *chunker.Chunker
	enricher  Enricher
	metrics   *metrics.Metrics
	cfg       Config
	logger    *slog.Logger
	progress  func(FileResult)

	now      func() time.Time
	heapSize func() uint64

	repoMu  sync.Mutex
	touched map[string]storage.Repository
}

func New(engine *temporal.Engine, inspector vcs.Inspector, cfg Config, opts ...Option) *Orchestrator {
	cfg.defaults()
	o := &Orchestrator{
		engine:    engine,
		inspector: inspector,
		chunker:   chunker.New(),
		cfg:       cfg,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		heapSize:  readHeap,
		touched:   make(map[string]storage.Repository),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func readHeap() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// Validate checks one file against the configured rules.
func (o *Orchestrator) Validate(root, rel string) Validation {
	return o.cfg.Rules.Validate(root, rel)
}

// Run ingests opts.Root. Per-file failures are reported in the result and
// never stop the run. A store corruption aborts the run and is returned as
// the error together with the partial result.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := o.now()
	res := &Result{RunID: uuid.New().String(), State: StateDiscovering, FinalGroupSize: o.cfg.GroupSize}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving source directory: %w", err)
	}
	files, err := Discover(root, opts.Patterns, opts.Recursive)
	if err != nil {
		return nil, err
	}
	res.Total = len(files)
	o.logger.Info("files discovered", "root", root, "count", len(files))

	if r, ok := o.inspector.(interface{ Reset() }); ok {
		r.Reset()
	}

	if opts.DryRun {
		o.dryRun(root, files, res)
		res.Duration = o.now().Sub(start)
		return res, nil
	}

	tracker, err := checkpoint.Open(o.checkpointPath(root))
	if err != nil {
		return nil, err
	}
	if tracker.Recovered() {
		o.logger.Warn("checkpoint was corrupt; recovered completed entries",
			"path", tracker.Path(), "recovered", tracker.Len(), "backups", tracker.Backups())
	}
	carried, err := tracker.Begin(checkpoint.Meta{SourceDir: root, Patterns: opts.Patterns, TotalDiscovered: len(files)}, opts.Resume)
	if err != nil {
		return nil, fmt.Errorf("starting checkpoint: %w", err)
	}
	res.Resumed = carried

	var pending []string
	for _, rel := range files {
		if !opts.Force && tracker.IsCompleted(rel) {
			res.Skipped++
			o.metrics.FileDone(FileSkipped, 0, 0)
			if o.progress != nil {
				o.progress(FileResult{Path: rel, Outcome: FileSkipped})
			}
			continue
		}
		pending = append(pending, rel)
	}
	if res.Skipped > 0 {
		o.logger.Info("resuming from checkpoint", "skipped", res.Skipped, "remaining", len(pending))
	}

	res.State = StateProcessing
	abortErr := o.process(ctx, root, pending, opts.Force, tracker, res)

	res.Duration = o.now().Sub(start)
	if secs := res.Duration.Seconds(); secs > 0 {
		res.Throughput = float64(res.Succeeded+res.Failed) / secs
	}

	switch {
	case abortErr != nil:
		res.State = StateAborted
	case res.Interrupted:
		res.State = StateInterrupted
	case res.Failed > 0:
		res.State = StateCompletedWithErrors
	default:
		res.State = StateCompleted
	}

	// Bookkeeping below must not be skipped because the caller cancelled.
	bg := context.WithoutCancel(ctx)
	o.touchRepositories(bg)

	if res.State == StateCompleted {
		if err := tracker.Remove(); err != nil {
			o.logger.Warn("removing checkpoint", "path", tracker.Path(), "error", err)
		}
	}
	if len(res.Errors) > 0 && o.cfg.ReportDir != "" {
		paths, err := writeReports(o.cfg.ReportDir, root, res, o.now())
		if err != nil {
			o.logger.Error("writing reports", "error", err)
		}
		res.Reports = paths
	}
	o.recordRun(bg, root, opts, start, res)
	o.metrics.RunFinished(res.State)

	o.logger.Info("run finished", "state", res.State, "succeeded", res.Succeeded,
		"failed", res.Failed, "skipped", res.Skipped, "duration", res.Duration)
	if abortErr != nil {
		return res, fmt.Errorf("ingestion aborted: %w", abortErr)
	}
	return res, nil
}

func (o *Orchestrator) checkpointPath(root string) string {
	if o.cfg.CheckpointPath != "" {
		return o.cfg.CheckpointPath
	}
	return filepath.Join(root, ".strata-checkpoint.json")
}

func (o *Orchestrator) dryRun(root string, files []string, res *Result) {
	res.State = StateValidating
	now := o.now()
	for _, rel := range files {
		v := o.Validate(root, rel)
		res.Validations = append(res.Validations, v)
		for _, w := range v.Warnings {
			res.Warnings = append(res.Warnings, rel+": "+w)
		}
		if !v.Valid {
			res.Failed++
			res.Errors = append(res.Errors, FileError{
				Path:      rel,
				Class:     failure.ClassValidation,
				Message:   strings.Join(v.Issues, "; "),
				Attempts:  0,
				Timestamp: now,
			})
			continue
		}
		res.Succeeded++
	}
}

// process dispatches pending files in groups to a bounded worker pool. A
// single collector goroutine consumes results and is the only writer of the
// checkpoint. It returns the store corruption that aborted the run, if any.
func (o *Orchestrator) process(ctx context.Context, root string, pending []string, force bool, tracker *checkpoint.Tracker, res *Result) error {
	results := make(chan FileResult)
	var (
		aborted  atomic.Bool
		abortErr error
	)

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for fr := range results {
			if err := o.collect(fr, tracker, res); err != nil && abortErr == nil {
				abortErr = err
			}
		}
	}()

	groupSize := o.cfg.GroupSize
	res.PeakMemoryBytes = o.heapSize()
	// In-flight files finish even when the caller cancels.
	workCtx := context.WithoutCancel(ctx)

dispatch:
	for i := 0; i < len(pending); {
		end := min(i+groupSize, len(pending))
		g := new(errgroup.Group)
		g.SetLimit(o.cfg.Workers)
		for _, rel := range pending[i:end] {
			if ctx.Err() != nil || aborted.Load() {
				g.Wait()
				break dispatch
			}
			g.Go(func() error {
				fr := o.processFile(workCtx, root, rel, force)
				if failure.ClassOf(fr.Err) == failure.ClassStoreCorruption {
					aborted.Store(true)
				}
				results <- fr
				return nil
			})
			i++
		}
		g.Wait()
		groupSize = o.sampleMemory(groupSize, res)
	}

	close(results)
	<-collected

	if ctx.Err() != nil && abortErr == nil {
		done := res.Succeeded + res.Failed + res.Skipped
		if done < res.Total {
			res.Interrupted = true
			o.logger.Warn("run interrupted", "processed", done, "total", res.Total)
		}
	}
	return abortErr
}

// sampleMemory records the heap size and returns the group size for the
// next group.
func (o *Orchestrator) sampleMemory(groupSize int, res *Result) int {
	heap := o.heapSize()
	res.PeakMemoryBytes = max(res.PeakMemoryBytes, heap)

	limit := uint64(o.cfg.MemoryThresholdMB) << 20
	over := limit > 0 && heap > limit
	if over {
		next := max(1, groupSize/2)
		o.logger.Warn("memory above threshold, shrinking group size",
			"heap_mb", heap>>20, "threshold_mb", o.cfg.MemoryThresholdMB, "group_size", next)
		groupSize = next
		res.MemoryWarnings++
	}
	res.FinalGroupSize = groupSize
	o.metrics.MemorySample(heap, groupSize, over)
	return groupSize
}

// collect folds one file result into res. It returns the error when the
// file hit a store corruption.
func (o *Orchestrator) collect(fr FileResult, tracker *checkpoint.Tracker, res *Result) error {
	if fr.Err == nil {
		// A file is only checkpointed once the backend has persisted it.
		if err := o.flushBackend(); err != nil {
			fr.Err = failure.Transient(fmt.Errorf("flushing store: %w", err))
			fr.Outcome = FileFailed
		}
	}
	res.BytesProcessed += fr.Bytes
	for _, w := range fr.Warnings {
		res.Warnings = append(res.Warnings, fr.Path+": "+w)
	}
	o.metrics.FileDone(fr.Outcome, fr.Duration, fr.Bytes)
	for range fr.Attempts - 1 {
		o.metrics.Retry()
	}
	if o.progress != nil {
		o.progress(fr)
	}

	if fr.Err != nil {
		class := failure.ClassOf(fr.Err)
		res.Failed++
		res.Errors = append(res.Errors, FileError{
			Path:      fr.Path,
			Class:     class,
			Message:   fr.Err.Error(),
			Attempts:  fr.Attempts,
			Timestamp: o.now(),
		})
		o.metrics.Failure(string(class))
		o.logger.Warn("file failed", "path", fr.Path, "class", class, "attempts", fr.Attempts, "error", fr.Err)
		if class == failure.ClassStoreCorruption {
			o.logger.Error("store corruption detected, aborting run", "path", fr.Path, "error", fr.Err)
			return fr.Err
		}
		return nil
	}

	res.Succeeded++
	if fr.Outcome == FileUnchanged {
		res.Unchanged++
	}
	o.metrics.Chunks(fr.Chunks, fr.Oversized)
	if err := tracker.MarkCompleted(fr.Path); err != nil {
		o.logger.Error("updating checkpoint", "path", fr.Path, "error", err)
	}
	o.logger.Debug("file done", "path", fr.Path, "outcome", fr.Outcome, "chunks", fr.Chunks, "duration", fr.Duration)
	return nil
}

// flushBackend persists backends that buffer writes in memory.
func (o *Orchestrator) flushBackend() error {
	f, ok := o.engine.Backend().(interface{ Flush() error })
	if !ok {
		return nil
	}
	return f.Flush()
}

func (o *Orchestrator) touchRepositories(ctx context.Context) {
	o.repoMu.Lock()
	repos := make([]storage.Repository, 0, len(o.touched))
	for _, r := range o.touched {
		repos = append(repos, r)
	}
	o.touched = make(map[string]storage.Repository)
	o.repoMu.Unlock()

	at := o.now()
	for _, r := range repos {
		if err := o.engine.Backend().TouchRepository(ctx, r.ID, at); err != nil {
			o.logger.Warn("touching repository", "url", r.URL, "error", err)
		}
	}
}

func (o *Orchestrator) recordRun(ctx context.Context, root string, opts RunOptions, start time.Time, res *Result) {
	rec, ok := o.engine.Backend().(storage.RunRecorder)
	if !ok {
		return
	}
	run := storage.IngestRun{
		ID:         res.RunID,
		SourceDir:  root,
		Patterns:   strings.Join(opts.Patterns, ","),
		State:      res.State,
		Total:      res.Total,
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
		Skipped:    res.Skipped,
		StartedAt:  start,
		FinishedAt: start.Add(res.Duration),
	}
	if err := rec.SaveRun(ctx, run); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warn("recording run", "error", err)
	}
}
