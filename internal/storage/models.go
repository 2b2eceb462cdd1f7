package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStoreCorruption is returned when stored file versions violate the
// temporal invariants, e.g. two versions claiming the same instant.
var ErrStoreCorruption = errors.New("store corruption")

// ErrStaleVersion is returned when a commit's valid_from is not after the
// valid_from of the version it would supersede.
var ErrStaleVersion = errors.New("stale version")

// ErrCommitConflict is returned when a (repository, commit, path) triple is
// already stored with different content.
var ErrCommitConflict = errors.New("commit conflict")

// ErrInvalidChunks is returned when a chunk set does not carry dense ordinals.
var ErrInvalidChunks = errors.New("invalid chunk ordinals")

type Repository struct {
	ID             string     `json:"id"`
	URL            string     `json:"url"`
	Name           string     `json:"name"`
	CreatedAt      time.Time  `json:"created_at"`
	LastIngestedAt *time.Time `json:"last_ingested_at,omitempty"`
}

// FileVersion is one snapshot of a file, valid over [ValidFrom, ValidUntil).
// A nil ValidUntil marks the current version.
type FileVersion struct {
	ID           string     `json:"id"`
	RepositoryID string     `json:"repository_id"`
	CommitID     string     `json:"commit_id"`
	Path         string     `json:"path"`
	ContentHash  string     `json:"content_hash"`
	SizeBytes    int64      `json:"size_bytes"`
	WordCount    int        `json:"word_count"`
	ChunkCount   int        `json:"chunk_count"`
	ContentType  string     `json:"content_type"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidUntil   *time.Time `json:"valid_until,omitempty"`
	IngestedAt   time.Time  `json:"ingested_at"`
}

// IsCurrent reports whether v has not been superseded.
func (v FileVersion) IsCurrent() bool {
	return v.ValidUntil == nil
}

// Contains reports whether t falls inside [ValidFrom, ValidUntil).
func (v FileVersion) Contains(t time.Time) bool {
	if t.Before(v.ValidFrom) {
		return false
	}
	return v.ValidUntil == nil || t.Before(*v.ValidUntil)
}

type ContentChunk struct {
	ID            string         `json:"id"`
	FileVersionID string         `json:"file_version_id"`
	Ordinal       int            `json:"ordinal"`
	Content       string         `json:"content"`
	ContentType   string         `json:"content_type"`
	Summary       string         `json:"summary,omitempty"`
	HasCode       bool           `json:"has_code"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Embedding     []float32      `json:"embedding,omitempty"`
}

// ChunkHit is a chunk returned by a search together with the version it belongs to.
type ChunkHit struct {
	Chunk   ContentChunk `json:"chunk"`
	Version FileVersion  `json:"version"`
}

// CommitResult describes the outcome of committing a file version.
type CommitResult struct {
	ID           string `json:"id"`
	Created      bool   `json:"created"`
	SupersededID string `json:"superseded_id,omitempty"`
}

// IngestRun is the persisted summary of one batch ingestion run.
type IngestRun struct {
	ID         string    `json:"id"`
	SourceDir  string    `json:"source_dir"`
	Patterns   string    `json:"patterns"`
	State      string    `json:"state"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
