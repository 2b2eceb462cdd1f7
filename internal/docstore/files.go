package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/strata/internal/storage"
)

func fileKey(repoID, path string) string {
	return repoID + "\x00" + path
}

func decodeFile(body []byte) (fileDoc, error) {
	var doc fileDoc
	if body == nil {
		return doc, nil
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return doc, fmt.Errorf("%w: decoding file document: %v", storage.ErrStoreCorruption, err)
	}
	return doc, nil
}

// CommitFileVersion applies close-previous and insert-new to the path's
// history document in one compare-and-swap write.
func (s *Store) CommitFileVersion(_ context.Context, v storage.FileVersion) (storage.CommitResult, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.IngestedAt.IsZero() {
		v.IngestedAt = time.Now()
	}
	v.ValidFrom = v.ValidFrom.UTC()
	v.IngestedAt = v.IngestedAt.UTC()
	v.ValidUntil = nil

	key := fileKey(v.RepositoryID, v.Path)
	var result storage.CommitResult
	err := update(s.files, key, func(body []byte) ([]byte, error) {
		doc, err := decodeFile(body)
		if err != nil {
			return nil, err
		}
		doc.RepositoryID, doc.Path = v.RepositoryID, v.Path

		result = storage.CommitResult{}
		current := -1
		for i, existing := range doc.Versions {
			if existing.ValidUntil != nil {
				if existing.CommitID == v.CommitID {
					return nil, fmt.Errorf("%w: %s at %s", storage.ErrCommitConflict, v.Path, v.CommitID)
				}
				continue
			}
			if current >= 0 {
				return nil, fmt.Errorf("%w: several current versions of %s", storage.ErrStoreCorruption, v.Path)
			}
			current = i
		}

		if current >= 0 {
			cur := &doc.Versions[current]
			if cur.ContentHash == v.ContentHash {
				result.ID = cur.ID
				return nil, nil
			}
			if cur.CommitID == v.CommitID {
				return nil, fmt.Errorf("%w: %s at %s", storage.ErrCommitConflict, v.Path, v.CommitID)
			}
			if !v.ValidFrom.After(cur.ValidFrom) {
				return nil, fmt.Errorf("%w: %s valid_from %s is not after %s",
					storage.ErrStaleVersion, v.Path, v.ValidFrom, cur.ValidFrom)
			}
			until := v.ValidFrom
			cur.ValidUntil = &until
			result.SupersededID = cur.ID
		}

		doc.Versions = append(doc.Versions, v)
		result.ID = v.ID
		result.Created = true
		return json.Marshal(doc)
	})
	if err != nil {
		return storage.CommitResult{}, err
	}

	if result.Created {
		ref, err := json.Marshal(versionRef{FileKey: key})
		if err != nil {
			return storage.CommitResult{}, err
		}
		if _, err := s.versions.put(v.ID, ref, 0); err != nil {
			return storage.CommitResult{}, fmt.Errorf("indexing version %s: %w", v.ID, err)
		}
	}
	return result, nil
}

func (s *Store) loadFile(repoID, path string) (fileDoc, error) {
	body, _, ok := s.files.get(fileKey(repoID, path))
	if !ok {
		return fileDoc{}, storage.ErrNotFound
	}
	return decodeFile(body)
}

// pick returns the single version accepted by match.
func (s *Store) pick(repoID, path string, match func(storage.FileVersion) bool) (storage.FileVersion, error) {
	doc, err := s.loadFile(repoID, path)
	if err != nil {
		return storage.FileVersion{}, err
	}
	var found []storage.FileVersion
	for _, v := range doc.Versions {
		if match(v) {
			found = append(found, v)
		}
	}
	switch len(found) {
	case 0:
		return storage.FileVersion{}, storage.ErrNotFound
	case 1:
		return found[0], nil
	default:
		return storage.FileVersion{}, fmt.Errorf("%w: %d versions of %s match", storage.ErrStoreCorruption, len(found), path)
	}
}

func (s *Store) GetCurrentFile(_ context.Context, repoID, path string) (storage.FileVersion, error) {
	return s.pick(repoID, path, storage.FileVersion.IsCurrent)
}

func (s *Store) GetFileAtTime(_ context.Context, repoID, path string, at time.Time) (storage.FileVersion, error) {
	return s.pick(repoID, path, func(v storage.FileVersion) bool { return v.Contains(at) })
}

func (s *Store) GetFileAtCommit(_ context.Context, repoID, path, commitID string) (storage.FileVersion, error) {
	return s.pick(repoID, path, func(v storage.FileVersion) bool { return v.CommitID == commitID })
}

func (s *Store) GetFileHistory(_ context.Context, repoID, path string, limit, offset int) ([]storage.FileVersion, error) {
	doc, err := s.loadFile(repoID, path)
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	history := append([]storage.FileVersion(nil), doc.Versions...)
	sort.Slice(history, func(i, j int) bool { return history[i].ValidFrom.After(history[j].ValidFrom) })
	return paginate(history, limit, offset), nil
}

// allVersions returns every stored version accepted by keep.
func (s *Store) allVersions(keep func(storage.FileVersion) bool) ([]storage.FileVersion, error) {
	var out []storage.FileVersion
	var decodeErr error
	s.files.scan(func(_ string, body []byte) bool {
		doc, err := decodeFile(body)
		if err != nil {
			decodeErr = err
			return false
		}
		for _, v := range doc.Versions {
			if keep(v) {
				out = append(out, v)
			}
		}
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].IngestedAt.After(out[j].IngestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListFiles(_ context.Context, f storage.ListFilter) ([]storage.FileVersion, error) {
	versions, err := s.allVersions(func(v storage.FileVersion) bool {
		if f.RepositoryID != "" && v.RepositoryID != f.RepositoryID {
			return false
		}
		if f.ContentType != "" && v.ContentType != f.ContentType {
			return false
		}
		return !f.CurrentOnly || v.IsCurrent()
	})
	if err != nil {
		return nil, err
	}
	return paginate(versions, f.Limit, f.Offset), nil
}

func (s *Store) ListPaths(_ context.Context, repoID string) ([]string, error) {
	var paths []string
	var decodeErr error
	s.files.scan(func(_ string, body []byte) bool {
		doc, err := decodeFile(body)
		if err != nil {
			decodeErr = err
			return false
		}
		if doc.RepositoryID == repoID {
			paths = append(paths, doc.Path)
		}
		return true
	})
	sort.Strings(paths)
	return paths, decodeErr
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
