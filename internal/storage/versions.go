package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// --- Repositories ---

// StoreRepository returns the repository registered under url, creating it on
// first sighting.
func (s *Store) StoreRepository(ctx context.Context, url, name string) (Repository, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (id, url, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(url) DO NOTHING`,
		uuid.New().String(), url, name, formatTime(time.Now()),
	)
	if err != nil {
		return Repository{}, fmt.Errorf("inserting repository: %w", err)
	}
	return s.GetRepository(ctx, url)
}

func (s *Store) GetRepository(ctx context.Context, url string) (Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, name, created_at, last_ingested_at FROM repositories WHERE url = ?`, url)
	r, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Repository{}, ErrNotFound
	}
	return r, err
}

func (s *Store) ListRepositories(ctx context.Context) ([]Repository, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, name, created_at, last_ingested_at FROM repositories ORDER BY url ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) TouchRepository(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE repositories SET last_ingested_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (Repository, error) {
	var r Repository
	var createdAt string
	var lastIngested sql.NullString
	if err := row.Scan(&r.ID, &r.URL, &r.Name, &createdAt, &lastIngested); err != nil {
		return Repository{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return Repository{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	if r.LastIngestedAt, err = parseNullTime(lastIngested); err != nil {
		return Repository{}, fmt.Errorf("parsing last_ingested_at: %w", err)
	}
	return r, nil
}

// --- File versions ---

const versionColumns = `id, repository_id, commit_id, path, content_hash, size_bytes, word_count,
	chunk_count, content_type, valid_from, valid_until, ingested_at`

func scanVersion(row rowScanner) (FileVersion, error) {
	var v FileVersion
	var validFrom, ingestedAt string
	var validUntil sql.NullString
	if err := row.Scan(&v.ID, &v.RepositoryID, &v.CommitID, &v.Path, &v.ContentHash, &v.SizeBytes,
		&v.WordCount, &v.ChunkCount, &v.ContentType, &validFrom, &validUntil, &ingestedAt); err != nil {
		return FileVersion{}, err
	}
	var err error
	if v.ValidFrom, err = parseTime(validFrom); err != nil {
		return FileVersion{}, fmt.Errorf("parsing valid_from: %w", err)
	}
	if v.ValidUntil, err = parseNullTime(validUntil); err != nil {
		return FileVersion{}, fmt.Errorf("parsing valid_until: %w", err)
	}
	if v.IngestedAt, err = parseTime(ingestedAt); err != nil {
		return FileVersion{}, fmt.Errorf("parsing ingested_at: %w", err)
	}
	return v, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryVersions(ctx context.Context, q queryer, query string, args ...any) ([]FileVersion, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FileVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}
	return results, rows.Err()
}

// CommitFileVersion closes the current version of (repository, path) and
// inserts v in one transaction. Committing the fingerprint of the current
// version is a no-op that returns the existing id.
func (s *Store) CommitFileVersion(ctx context.Context, v FileVersion) (CommitResult, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.IngestedAt.IsZero() {
		v.IngestedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, fmt.Errorf("beginning commit transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := queryVersions(ctx, tx, `SELECT `+versionColumns+`
		FROM file_versions WHERE repository_id = ? AND path = ? AND valid_until IS NULL`,
		v.RepositoryID, v.Path)
	if err != nil {
		return CommitResult{}, fmt.Errorf("loading current version: %w", err)
	}
	if len(current) > 1 {
		return CommitResult{}, fmt.Errorf("%w: %d current versions of %s", ErrStoreCorruption, len(current), v.Path)
	}

	var result CommitResult
	if len(current) == 1 {
		cur := current[0]
		if cur.ContentHash == v.ContentHash {
			return CommitResult{ID: cur.ID}, nil
		}
		if cur.CommitID == v.CommitID {
			return CommitResult{}, fmt.Errorf("%w: %s at %s", ErrCommitConflict, v.Path, v.CommitID)
		}
		if !v.ValidFrom.After(cur.ValidFrom) {
			return CommitResult{}, fmt.Errorf("%w: %s valid_from %s is not after %s",
				ErrStaleVersion, v.Path, formatTime(v.ValidFrom), formatTime(cur.ValidFrom))
		}
		res, err := tx.ExecContext(ctx, `UPDATE file_versions SET valid_until = ? WHERE id = ? AND valid_until IS NULL`,
			formatTime(v.ValidFrom), cur.ID)
		if err != nil {
			return CommitResult{}, fmt.Errorf("closing version %s: %w", cur.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return CommitResult{}, fmt.Errorf("%w: closing version %s affected %d rows", ErrStoreCorruption, cur.ID, n)
		}
		result.SupersededID = cur.ID
	}

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_versions WHERE repository_id = ? AND commit_id = ? AND path = ?`,
		v.RepositoryID, v.CommitID, v.Path).Scan(&existing); err != nil {
		return CommitResult{}, fmt.Errorf("checking commit uniqueness: %w", err)
	}
	if existing > 0 {
		return CommitResult{}, fmt.Errorf("%w: %s at %s", ErrCommitConflict, v.Path, v.CommitID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO file_versions (`+versionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		v.ID, v.RepositoryID, v.CommitID, v.Path, v.ContentHash, v.SizeBytes, v.WordCount,
		v.ChunkCount, v.ContentType, formatTime(v.ValidFrom), formatTime(v.IngestedAt),
	)
	if err != nil {
		return CommitResult{}, fmt.Errorf("inserting version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return CommitResult{}, fmt.Errorf("committing version: %w", err)
	}
	result.ID = v.ID
	result.Created = true
	return result, nil
}

func (s *Store) GetCurrentFile(ctx context.Context, repoID, path string) (FileVersion, error) {
	versions, err := queryVersions(ctx, s.db, `SELECT `+versionColumns+`
		FROM file_versions WHERE repository_id = ? AND path = ? AND valid_until IS NULL LIMIT 2`,
		repoID, path)
	if err != nil {
		return FileVersion{}, err
	}
	return single(versions, path)
}

func (s *Store) GetFileAtTime(ctx context.Context, repoID, path string, at time.Time) (FileVersion, error) {
	ts := formatTime(at)
	versions, err := queryVersions(ctx, s.db, `SELECT `+versionColumns+`
		FROM file_versions
		WHERE repository_id = ? AND path = ? AND valid_from <= ? AND (valid_until IS NULL OR valid_until > ?)
		ORDER BY valid_from DESC LIMIT 2`,
		repoID, path, ts, ts)
	if err != nil {
		return FileVersion{}, err
	}
	return single(versions, path)
}

func (s *Store) GetFileAtCommit(ctx context.Context, repoID, path, commitID string) (FileVersion, error) {
	versions, err := queryVersions(ctx, s.db, `SELECT `+versionColumns+`
		FROM file_versions WHERE repository_id = ? AND path = ? AND commit_id = ? LIMIT 2`,
		repoID, path, commitID)
	if err != nil {
		return FileVersion{}, err
	}
	return single(versions, path)
}

func single(versions []FileVersion, path string) (FileVersion, error) {
	switch len(versions) {
	case 0:
		return FileVersion{}, ErrNotFound
	case 1:
		return versions[0], nil
	default:
		return FileVersion{}, fmt.Errorf("%w: %d versions of %s match", ErrStoreCorruption, len(versions), path)
	}
}

func (s *Store) GetFileHistory(ctx context.Context, repoID, path string, limit, offset int) ([]FileVersion, error) {
	return queryVersions(ctx, s.db, `SELECT `+versionColumns+`
		FROM file_versions WHERE repository_id = ? AND path = ?
		ORDER BY valid_from DESC LIMIT ? OFFSET ?`,
		repoID, path, sqlLimit(limit), max(offset, 0))
}

func (s *Store) ListFiles(ctx context.Context, f ListFilter) ([]FileVersion, error) {
	var where []string
	var args []any
	if f.RepositoryID != "" {
		where = append(where, "repository_id = ?")
		args = append(args, f.RepositoryID)
	}
	if f.ContentType != "" {
		where = append(where, "content_type = ?")
		args = append(args, f.ContentType)
	}
	if f.CurrentOnly {
		where = append(where, "valid_until IS NULL")
	}

	query := `SELECT ` + versionColumns + ` FROM file_versions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ingested_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, sqlLimit(f.Limit), max(f.Offset, 0))

	return queryVersions(ctx, s.db, query, args...)
}

func (s *Store) ListPaths(ctx context.Context, repoID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT path FROM file_versions WHERE repository_id = ? ORDER BY path ASC`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// sqlLimit maps a non-positive limit to SQLite's "no limit".
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
