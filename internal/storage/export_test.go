package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InsertRawVersionForTest writes a closed version row without any of the
// commit checks, to simulate a damaged store.
func (s *Store) InsertRawVersionForTest(ctx context.Context, repoID, path, commit string, from, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_versions (`+versionColumns+`)
		VALUES (?, ?, ?, ?, ?, 0, 0, 0, '', ?, ?, ?)`,
		uuid.New().String(), repoID, commit, path, "raw-"+commit,
		formatTime(from), formatTime(until), formatTime(from),
	)
	return err
}
