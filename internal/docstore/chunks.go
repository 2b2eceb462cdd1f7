package docstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalambet/strata/internal/storage"
)

// StoreChunks writes the chunk document first and then bumps chunk_count on
// the history document. A crash in between leaves a count mismatch that
// CountChunks exposes to the ingester, which repairs it on the next run.
func (s *Store) StoreChunks(_ context.Context, versionID string, chunks []storage.ContentChunk) error {
	if err := storage.CheckOrdinals(chunks); err != nil {
		return err
	}
	refBody, _, ok := s.versions.get(versionID)
	if !ok {
		return storage.ErrNotFound
	}
	var ref versionRef
	if err := json.Unmarshal(refBody, &ref); err != nil {
		return fmt.Errorf("%w: decoding version ref: %v", storage.ErrStoreCorruption, err)
	}

	stored := make([]storage.ContentChunk, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.FileVersionID = versionID
		stored[i] = c
	}
	body, err := json.Marshal(chunkDoc{VersionID: versionID, Chunks: stored})
	if err != nil {
		return fmt.Errorf("encoding chunks: %w", err)
	}
	if err := update(s.chunks, versionID, func([]byte) ([]byte, error) { return body, nil }); err != nil {
		return fmt.Errorf("writing chunks: %w", err)
	}

	return update(s.files, ref.FileKey, func(body []byte) ([]byte, error) {
		doc, err := decodeFile(body)
		if err != nil {
			return nil, err
		}
		for i := range doc.Versions {
			if doc.Versions[i].ID == versionID {
				doc.Versions[i].ChunkCount = len(stored)
				return json.Marshal(doc)
			}
		}
		return nil, fmt.Errorf("%w: version %s missing from %q", storage.ErrStoreCorruption, versionID, ref.FileKey)
	})
}

func (s *Store) loadChunks(versionID string) ([]storage.ContentChunk, error) {
	body, _, ok := s.chunks.get(versionID)
	if !ok {
		return nil, nil
	}
	var doc chunkDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: decoding chunks of %s: %v", storage.ErrStoreCorruption, versionID, err)
	}
	return doc.Chunks, nil
}

func (s *Store) GetChunks(_ context.Context, versionID string) ([]storage.ContentChunk, error) {
	return s.loadChunks(versionID)
}

func (s *Store) CountChunks(_ context.Context, versionID string) (int, error) {
	chunks, err := s.loadChunks(versionID)
	return len(chunks), err
}

func (s *Store) SearchChunks(_ context.Context, f storage.ChunkFilter) ([]storage.ChunkHit, error) {
	versions, err := s.allVersions(func(v storage.FileVersion) bool {
		if f.RepositoryID != "" && v.RepositoryID != f.RepositoryID {
			return false
		}
		if f.Path != "" && v.Path != f.Path {
			return false
		}
		if f.At != nil && !v.Contains(*f.At) {
			return false
		}
		return !f.CurrentOnly || v.IsCurrent()
	})
	if err != nil {
		return nil, err
	}

	var hits []storage.ChunkHit
	for _, v := range versions {
		chunks, err := s.loadChunks(v.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			if f.ContentType != "" && c.ContentType != f.ContentType {
				continue
			}
			if f.HasCode != nil && c.HasCode != *f.HasCode {
				continue
			}
			if !storage.MatchContains(c.Content, f.Contains) || !storage.MatchMetadata(c.Metadata, f.Metadata) {
				continue
			}
			if !f.WithEmbeddings {
				c.Embedding = nil
			}
			hits = append(hits, storage.ChunkHit{Chunk: c, Version: v})
			if f.Limit > 0 && len(hits) >= f.Limit {
				return hits, nil
			}
		}
	}
	return hits, nil
}
