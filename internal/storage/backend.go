package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Backend is the persistence capability the temporal engine and the query
// facade are written against. CommitFileVersion must close the previous
// current version and insert the new one as a single atomic unit.
type Backend interface {
	StoreRepository(ctx context.Context, url, name string) (Repository, error)
	GetRepository(ctx context.Context, url string) (Repository, error)
	ListRepositories(ctx context.Context) ([]Repository, error)
	TouchRepository(ctx context.Context, id string, at time.Time) error

	CommitFileVersion(ctx context.Context, v FileVersion) (CommitResult, error)
	GetCurrentFile(ctx context.Context, repoID, path string) (FileVersion, error)
	GetFileAtTime(ctx context.Context, repoID, path string, at time.Time) (FileVersion, error)
	GetFileAtCommit(ctx context.Context, repoID, path, commitID string) (FileVersion, error)
	GetFileHistory(ctx context.Context, repoID, path string, limit, offset int) ([]FileVersion, error)
	ListFiles(ctx context.Context, f ListFilter) ([]FileVersion, error)
	ListPaths(ctx context.Context, repoID string) ([]string, error)

	StoreChunks(ctx context.Context, versionID string, chunks []ContentChunk) error
	GetChunks(ctx context.Context, versionID string) ([]ContentChunk, error)
	CountChunks(ctx context.Context, versionID string) (int, error)
	SearchChunks(ctx context.Context, f ChunkFilter) ([]ChunkHit, error)

	Close() error
}

// RunRecorder is implemented by backends that persist batch run summaries.
type RunRecorder interface {
	SaveRun(ctx context.Context, run IngestRun) error
	ListRuns(ctx context.Context, limit int) ([]IngestRun, error)
}

// ListFilter selects file versions. Empty fields do not constrain the result;
// set fields combine with AND.
type ListFilter struct {
	RepositoryID string
	ContentType  string
	CurrentOnly  bool
	Limit        int
	Offset       int
}

// ChunkFilter selects chunks. Empty fields do not constrain the result; set
// fields combine with AND. At restricts the search to chunks of versions whose
// validity interval contains the instant.
type ChunkFilter struct {
	RepositoryID string
	Path         string
	ContentType  string
	HasCode      *bool
	Metadata     map[string]string
	Contains     string
	At           *time.Time
	CurrentOnly  bool
	// WithEmbeddings loads chunk embeddings, which are skipped otherwise.
	WithEmbeddings bool
	Limit          int
}

// MatchMetadata reports whether meta carries every key of want with an equal
// string form.
func MatchMetadata(meta map[string]any, want map[string]string) bool {
	for k, v := range want {
		got, ok := meta[k]
		if !ok || fmt.Sprint(got) != v {
			return false
		}
	}
	return true
}

// CheckOrdinals verifies that chunks carry the ordinals 0..n-1 exactly once
// and sorts them by ordinal.
func CheckOrdinals(chunks []ContentChunk) error {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Ordinal < chunks[j].Ordinal })
	for i, c := range chunks {
		if c.Ordinal != i {
			return fmt.Errorf("%w: position %d has ordinal %d", ErrInvalidChunks, i, c.Ordinal)
		}
	}
	return nil
}

// MatchContains is the case-insensitive substring test used by Contains filters.
func MatchContains(content, needle string) bool {
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(content), strings.ToLower(needle))
}
