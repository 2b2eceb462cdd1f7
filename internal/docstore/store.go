// Package docstore is a document-oriented storage.Backend. Every write is a
// single-document compare-and-swap; the full history of one (repository,
// path) lives in one document so that closing the previous version and
// inserting the next is one atomic write.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/strata/internal/atomicfile"
	"github.com/kalambet/strata/internal/storage"
)

const (
	snapshotVersion = 1
	// casAttempts bounds the read-modify-write loop under contention.
	casAttempts = 16
)

// Store keeps documents in memory and, when opened with a path, persists a
// JSON snapshot on Flush and Close.
type Store struct {
	path string

	repos    *collection // url -> storage.Repository
	files    *collection // fileKey -> fileDoc
	versions *collection // version id -> versionRef
	chunks   *collection // version id -> chunkDoc
	runs     *collection // run id -> storage.IngestRun
}

var (
	_ storage.Backend     = (*Store)(nil)
	_ storage.RunRecorder = (*Store)(nil)
)

type fileDoc struct {
	RepositoryID string `json:"repository_id"`
	Path         string `json:"path"`
	// Versions are kept in ascending valid_from order.
	Versions []storage.FileVersion `json:"versions"`
}

type versionRef struct {
	FileKey string `json:"file_key"`
}

type chunkDoc struct {
	VersionID string                 `json:"version_id"`
	Chunks    []storage.ContentChunk `json:"chunks"`
}

type snapshot struct {
	SchemaVersion int                            `json:"schema_version"`
	Collections   map[string]map[string]document `json:"collections"`
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		repos:    newCollection(),
		files:    newCollection(),
		versions: newCollection(),
		chunks:   newCollection(),
		runs:     newCollection(),
	}
}

// Open returns a store backed by the snapshot file at path, loading it if it exists.
func Open(path string) (*Store, error) {
	s := New()
	s.path = path

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: decoding snapshot %s: %v", storage.ErrStoreCorruption, path, err)
	}
	if snap.SchemaVersion != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot schema version %d", snap.SchemaVersion)
	}
	for name, c := range s.collectionsByName() {
		c.restore(snap.Collections[name])
	}
	return s, nil
}

func (s *Store) collectionsByName() map[string]*collection {
	return map[string]*collection{
		"repositories":   s.repos,
		"files":          s.files,
		"versions":       s.versions,
		"content_chunks": s.chunks,
		"ingest_runs":    s.runs,
	}
}

// Flush writes the snapshot to disk. It is a no-op for purely in-memory stores.
func (s *Store) Flush() error {
	if s.path == "" {
		return nil
	}
	snap := snapshot{SchemaVersion: snapshotVersion, Collections: make(map[string]map[string]document)}
	for name, c := range s.collectionsByName() {
		snap.Collections[name] = c.snapshot()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := atomicfile.Write(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.Flush()
}

// update runs a read-modify-write cycle on one document, retrying on
// revision conflicts. fn receives nil when the document does not exist.
func update(c *collection, key string, fn func(body []byte) ([]byte, error)) error {
	for range casAttempts {
		body, rev, _ := c.get(key)
		next, err := fn(body)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		if _, err := c.put(key, next, rev); errors.Is(err, ErrConflict) {
			continue
		} else if err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("updating %s: %w after %d attempts", key, ErrConflict, casAttempts)
}

// --- Repositories ---

func (s *Store) StoreRepository(ctx context.Context, url, name string) (storage.Repository, error) {
	repo := storage.Repository{
		ID:        uuid.New().String(),
		URL:       url,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(repo)
	if err != nil {
		return storage.Repository{}, err
	}
	if _, err := s.repos.put(url, body, 0); err != nil && !errors.Is(err, ErrConflict) {
		return storage.Repository{}, err
	}
	return s.GetRepository(ctx, url)
}

func (s *Store) GetRepository(_ context.Context, url string) (storage.Repository, error) {
	body, _, ok := s.repos.get(url)
	if !ok {
		return storage.Repository{}, storage.ErrNotFound
	}
	var repo storage.Repository
	if err := json.Unmarshal(body, &repo); err != nil {
		return storage.Repository{}, fmt.Errorf("decoding repository: %w", err)
	}
	return repo, nil
}

func (s *Store) ListRepositories(_ context.Context) ([]storage.Repository, error) {
	var repos []storage.Repository
	var decodeErr error
	s.repos.scan(func(_ string, body []byte) bool {
		var repo storage.Repository
		if decodeErr = json.Unmarshal(body, &repo); decodeErr != nil {
			return false
		}
		repos = append(repos, repo)
		return true
	})
	return repos, decodeErr
}

func (s *Store) TouchRepository(ctx context.Context, id string, at time.Time) error {
	repos, err := s.ListRepositories(ctx)
	if err != nil {
		return err
	}
	for _, r := range repos {
		if r.ID != id {
			continue
		}
		return update(s.repos, r.URL, func(body []byte) ([]byte, error) {
			var repo storage.Repository
			if err := json.Unmarshal(body, &repo); err != nil {
				return nil, fmt.Errorf("decoding repository: %w", err)
			}
			ts := at.UTC()
			repo.LastIngestedAt = &ts
			return json.Marshal(repo)
		})
	}
	return storage.ErrNotFound
}

// --- Ingest runs ---

func (s *Store) SaveRun(_ context.Context, run storage.IngestRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	body, err := json.Marshal(run)
	if err != nil {
		return err
	}
	_, err = s.runs.put(run.ID, body, 0)
	return err
}

func (s *Store) ListRuns(_ context.Context, limit int) ([]storage.IngestRun, error) {
	var runs []storage.IngestRun
	var decodeErr error
	s.runs.scan(func(_ string, body []byte) bool {
		var r storage.IngestRun
		if decodeErr = json.Unmarshal(body, &r); decodeErr != nil {
			return false
		}
		runs = append(runs, r)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
