package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalambet/strata/internal/failure"
)

func TestWriteReports_SameSecondRunsKeepSeparateFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

	seen := make(map[string]bool)
	for _, runID := range []string{"3f2a9c1e-0000-4000-8000-000000000001", "7b41d0aa-0000-4000-8000-000000000002"} {
		res := &Result{
			RunID:  runID,
			State:  StateCompletedWithErrors,
			Failed: 1,
			Errors: []FileError{{Path: "a.md", Class: failure.ClassPermanent, Message: "boom", Attempts: 1, Timestamp: now}},
		}
		paths, err := writeReports(dir, "/src", res, now)
		if err != nil {
			t.Fatalf("writeReports(%s): %v", runID, err)
		}
		for _, p := range paths {
			if seen[p] {
				t.Errorf("report %s was written by two runs", p)
			}
			seen[p] = true
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 4 {
		t.Errorf("report dir holds %d files, want 4", len(entries))
	}
	if _, err := os.Stat(filepath.Join(dir, "ingest-errors-20240601T093000Z-3f2a9c1e.json")); err != nil {
		t.Errorf("error report name: %v", err)
	}
}
