package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kalambet/strata/internal/atomicfile"
)

type errorReport struct {
	RunID         string         `json:"run_id"`
	SourceDir     string         `json:"source_dir"`
	GeneratedAt   time.Time      `json:"generated_at"`
	State         string         `json:"state"`
	Failures      []FileError    `json:"failures"`
	CountsByClass map[string]int `json:"counts_by_class"`
}

type performanceReport struct {
	RunID           string    `json:"run_id"`
	SourceDir       string    `json:"source_dir"`
	GeneratedAt     time.Time `json:"generated_at"`
	State           string    `json:"state"`
	Total           int       `json:"total"`
	Succeeded       int       `json:"succeeded"`
	Failed          int       `json:"failed"`
	Skipped         int       `json:"skipped"`
	Unchanged       int       `json:"unchanged"`
	DurationSeconds float64   `json:"duration_seconds"`
	FilesPerSecond  float64   `json:"files_per_second"`
	BytesProcessed  int64     `json:"bytes_processed"`
	Bytes           string    `json:"bytes_human"`
	PeakMemoryBytes uint64    `json:"peak_memory_bytes"`
	PeakMemory      string    `json:"peak_memory_human"`
	FinalGroupSize  int       `json:"final_group_size"`
	MemoryWarnings  int       `json:"memory_warnings"`
}

// reportSuffix keeps report names of runs started in the same second apart.
func reportSuffix(runID string, now time.Time) string {
	if runID == "" {
		return fmt.Sprintf("%09d", now.Nanosecond())
	}
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return runID
}

// writeReports writes the error and performance reports of res into dir
// and returns their paths.
func writeReports(dir, root string, res *Result, now time.Time) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating report directory: %w", err)
	}
	stamp := now.UTC().Format("20060102T150405Z") + "-" + reportSuffix(res.RunID, now)

	counts := make(map[string]int)
	for _, e := range res.Errors {
		counts[string(e.Class)]++
	}
	errs := errorReport{
		RunID:         res.RunID,
		SourceDir:     root,
		GeneratedAt:   now,
		State:         res.State,
		Failures:      res.Errors,
		CountsByClass: counts,
	}
	perf := performanceReport{
		RunID:           res.RunID,
		SourceDir:       root,
		GeneratedAt:     now,
		State:           res.State,
		Total:           res.Total,
		Succeeded:       res.Succeeded,
		Failed:          res.Failed,
		Skipped:         res.Skipped,
		Unchanged:       res.Unchanged,
		DurationSeconds: res.Duration.Seconds(),
		FilesPerSecond:  res.Throughput,
		BytesProcessed:  res.BytesProcessed,
		Bytes:           humanize.Bytes(uint64(res.BytesProcessed)),
		PeakMemoryBytes: res.PeakMemoryBytes,
		PeakMemory:      humanize.IBytes(res.PeakMemoryBytes),
		FinalGroupSize:  res.FinalGroupSize,
		MemoryWarnings:  res.MemoryWarnings,
	}

	var paths []string
	for _, r := range []struct {
		name string
		body any
	}{
		{"ingest-errors-" + stamp + ".json", errs},
		{"ingest-performance-" + stamp + ".json", perf},
	} {
		data, err := json.MarshalIndent(r.body, "", "  ")
		if err != nil {
			return paths, fmt.Errorf("encoding %s: %w", r.name, err)
		}
		p := filepath.Join(dir, r.name)
		if err := atomicfile.Write(p, append(data, '\n'), 0o644); err != nil {
			return paths, fmt.Errorf("writing %s: %w", r.name, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}
