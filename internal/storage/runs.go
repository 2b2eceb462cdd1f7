package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// --- Ingest runs ---

func (s *Store) SaveRun(ctx context.Context, run IngestRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (id, source_dir, patterns, state, total, succeeded, failed, skipped, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SourceDir, run.Patterns, run.State, run.Total, run.Succeeded, run.Failed, run.Skipped,
		formatTime(run.StartedAt), formatTime(run.FinishedAt),
	)
	return err
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]IngestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_dir, patterns, state, total, succeeded, failed, skipped, started_at, finished_at
		FROM ingest_runs ORDER BY started_at DESC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var r IngestRun
		var startedAt, finishedAt string
		if err := rows.Scan(&r.ID, &r.SourceDir, &r.Patterns, &r.State, &r.Total, &r.Succeeded,
			&r.Failed, &r.Skipped, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if r.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
