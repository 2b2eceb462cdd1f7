// Package storagetest holds the behavioural contract every storage.Backend
// implementation must satisfy.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/strata/internal/storage"
)

// Factory returns a fresh, empty backend. Implementations register cleanup on t.
type Factory func(t *testing.T) storage.Backend

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the full contract suite against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b storage.Backend)
	}{
		{"RepositoryGetOrCreate", testRepositoryGetOrCreate},
		{"CommitFirstVersion", testCommitFirstVersion},
		{"SupersedeClosesPrevious", testSupersedeClosesPrevious},
		{"IdempotentRecommit", testIdempotentRecommit},
		{"StaleVersionRejected", testStaleVersionRejected},
		{"CommitConflict", testCommitConflict},
		{"AtTimeBoundaries", testAtTimeBoundaries},
		{"HistoryPagination", testHistoryPagination},
		{"ListFilesFilters", testListFilesFilters},
		{"ChunksRoundTrip", testChunksRoundTrip},
		{"ChunksRejectGaps", testChunksRejectGaps},
		{"SearchChunksFilters", testSearchChunksFilters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

// Version builds a FileVersion fixture.
func Version(repoID, path, commit, hash string, from time.Time) storage.FileVersion {
	return storage.FileVersion{
		RepositoryID: repoID,
		CommitID:     commit,
		Path:         path,
		ContentHash:  hash,
		SizeBytes:    int64(len(hash)),
		WordCount:    1,
		ContentType:  "markdown",
		ValidFrom:    from,
		IngestedAt:   from,
	}
}

func newRepo(t *testing.T, b storage.Backend) storage.Repository {
	t.Helper()
	repo, err := b.StoreRepository(context.Background(), "https://example.com/acme/docs", "docs")
	require.NoError(t, err)
	return repo
}

func testRepositoryGetOrCreate(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	_, err := b.GetRepository(ctx, "https://example.com/missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	r1, err := b.StoreRepository(ctx, "https://example.com/acme/docs", "docs")
	require.NoError(t, err)
	r2, err := b.StoreRepository(ctx, "https://example.com/acme/docs", "docs")
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)
	assert.Nil(t, r1.LastIngestedAt)

	require.NoError(t, b.TouchRepository(ctx, r1.ID, t0))
	got, err := b.GetRepository(ctx, r1.URL)
	require.NoError(t, err)
	require.NotNil(t, got.LastIngestedAt)
	assert.True(t, got.LastIngestedAt.Equal(t0))

	assert.ErrorIs(t, b.TouchRepository(ctx, "nope", t0), storage.ErrNotFound)

	repos, err := b.ListRepositories(ctx)
	require.NoError(t, err)
	assert.Len(t, repos, 1)
}

func testCommitFirstVersion(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := newRepo(t, b)

	res, err := b.CommitFileVersion(ctx, Version(repo.ID, "a.md", "c1", "h1", t0))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEmpty(t, res.ID)
	assert.Empty(t, res.SupersededID)

	cur, err := b.GetCurrentFile(ctx, repo.ID, "a.md")
	require.NoError(t, err)
	assert.Equal(t, res.ID, cur.ID)
	assert.True(t, cur.IsCurrent())
	assert.True(t, cur.ValidFrom.Equal(t0))

	_, err = b.GetCurrentFile(ctx, repo.ID, "b.md")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testSupersedeClosesPrevious(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := newRepo(t, b)
	t1 := t0.Add(time.Hour)

	first, err := b.CommitFileVersion(ctx, Version(repo.ID, "a.md", "c1", "h1", t0))
	require.NoError(t, err)
	second, err := b.CommitFileVersion(ctx, Version(repo.ID, "a.md", "c2", "h2", t1))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.SupersededID)

	cur, err := b.GetCurrentFile(ctx, repo.ID, "a.md")
	require.NoError(t, err)
	assert.Equal(t, second.ID, cur.ID)

	old, err := b.GetFileAtCommit(ctx, repo.ID, "a.md", "c1")
	require.NoError(t, err)
	require.NotNil(t, old.ValidUntil)
	assert.True(t, old.ValidUntil.Equal(t1), "old version must close exactly at the new valid_from")

	history, err := b.GetFileHistory(ctx, repo.ID, "a.md", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "c2", history[0].CommitID)
	assert.Equal(t, "c1", history[1].CommitID)

	current, err := b.ListFiles(ctx, storage.ListFilter{RepositoryID: repo.ID, CurrentOnly: true})
	require.NoError(t, err)
	assert.Len(t, current, 1)
}

func testIdempotentRecommit(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := newRepo(t, b)

	first, err := b.CommitFileVersion(ctx, Version(repo.ID, "a.md", "c1", "h1", t0))
	require.NoError(t, err)
	again, err := b.CommitFileVersion(ctx, Version(repo.ID, "a.md", "c2", "h1", t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.ID, again.ID)

	history, err := b.GetFileHistory(ctx, repo.ID, "a.md", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].ValidUntil)
}

func testStaleVersionRejected(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := newRepo(t, b)

	_, err := b.CommitFileVersion(ctx, Version(repo.ID, "a.md", "c2", "h2", t0))
	require.NoError(t, err)
	_, err = b.CommitFileVersion(ctx, Version(repo.ID, "a.md", "c1", "h1", t0))
	assert.ErrorIs(t, err, storage.ErrStaleVersion)

	cur, err := b.GetCurrentFile(ctx, repo.ID, "a.md")
	require.NoError(t, err)
	assert.Equal(t, "c2", cur.CommitID)
	assert.Nil(t, cur.ValidUntil)
}

func testCommitConflict(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := newRepo(t, b)

	_, err := b.CommitFileVersion(ctx, Version(repo.ID, "a.md", "c1", "h1", t0))
	require.NoError(t, err)
	_, err = b.CommitFileVersion(ctx, Version(repo.ID, "a.md", "c1", "h2", t0.Add(time.Minute)))
	assert.ErrorIs(t, err, storage.ErrCommitConflict)
}

func testAtTimeBoundaries(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := newRepo(t, b)
	t1 := t0.Add(time.Hour)

	_, err := b.CommitFileVersion(ctx, Version(repo.ID, "a.md", "c1", "h1", t0))
	require.NoError(t, err)
	_, err = b.CommitFileVersion(ctx, Version(repo.ID, "a.md", "c2", "h2", t1))
	require.NoError(t, err)

	_, err = b.GetFileAtTime(ctx, repo.ID, "a.md", t0.Add(-time.Nanosecond))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	cases := []struct {
		at     time.Time
		commit string
	}{
		{t0, "c1"},
		{t1.Add(-time.Nanosecond), "c1"},
		{t1, "c2"},
		{t1.Add(24 * time.Hour), "c2"},
	}
	for _, tc := range cases {
		v, err := b.GetFileAtTime(ctx, repo.ID, "a.md", tc.at)
		require.NoError(t, err)
		assert.Equal(t, tc.commit, v.CommitID, "at %s", tc.at)
	}
}

func testHistoryPagination(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := newRepo(t, b)

	for i, c := range []string{"c1", "c2", "c3", "c4"} {
		_, err := b.CommitFileVersion(ctx, Version(repo.ID, "a.md", c, "h-"+c, t0.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}

	page, err := b.GetFileHistory(ctx, repo.ID, "a.md", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c3", page[0].CommitID)
	assert.Equal(t, "c2", page[1].CommitID)

	paths, err := b.ListPaths(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md"}, paths)
}

func testListFilesFilters(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := newRepo(t, b)
	other, err := b.StoreRepository(ctx, "https://example.com/acme/other", "other")
	require.NoError(t, err)

	commit := func(v storage.FileVersion, contentType string) {
		v.ContentType = contentType
		_, err := b.CommitFileVersion(ctx, v)
		require.NoError(t, err)
	}
	commit(Version(repo.ID, "a.md", "c1", "h1", t0), "markdown")
	commit(Version(repo.ID, "a.md", "c2", "h2", t0.Add(time.Hour)), "markdown")
	commit(Version(repo.ID, "main.go", "c2", "h3", t0.Add(2*time.Hour)), "code")
	commit(Version(other.ID, "b.md", "x1", "h4", t0.Add(3*time.Hour)), "markdown")

	all, err := b.ListFiles(ctx, storage.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, "b.md", all[0].Path, "newest ingested first")

	md, err := b.ListFiles(ctx, storage.ListFilter{RepositoryID: repo.ID, ContentType: "markdown", CurrentOnly: true})
	require.NoError(t, err)
	require.Len(t, md, 1)
	assert.Equal(t, "c2", md[0].CommitID)

	paged, err := b.ListFiles(ctx, storage.ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "main.go", paged[0].Path)
}

func sampleChunks() []storage.ContentChunk {
	return []storage.ContentChunk{
		{Ordinal: 1, Content: "func main() {}", ContentType: "code", HasCode: true,
			Metadata: map[string]any{"heading": "Usage"}, Embedding: []float32{0, 1}},
		{Ordinal: 0, Content: "Intro paragraph about widgets", ContentType: "prose",
			Metadata: map[string]any{"heading": "Intro"}, Embedding: []float32{1, 0}},
	}
}

func testChunksRoundTrip(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := newRepo(t, b)
	res, err := b.CommitFileVersion(ctx, Version(repo.ID, "a.md", "c1", "h1", t0))
	require.NoError(t, err)

	require.NoError(t, b.StoreChunks(ctx, res.ID, sampleChunks()))

	chunks, err := b.GetChunks(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
		assert.Equal(t, res.ID, c.FileVersionID)
	}
	assert.Equal(t, "Intro", chunks[0].Metadata["heading"])
	assert.Equal(t, []float32{0, 1}, chunks[1].Embedding)

	n, err := b.CountChunks(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, err := b.GetCurrentFile(ctx, repo.ID, "a.md")
	require.NoError(t, err)
	assert.Equal(t, 2, v.ChunkCount)

	// Replacing the set keeps chunk_count in step.
	require.NoError(t, b.StoreChunks(ctx, res.ID, []storage.ContentChunk{{Ordinal: 0, Content: "only"}}))
	v, err = b.GetCurrentFile(ctx, repo.ID, "a.md")
	require.NoError(t, err)
	assert.Equal(t, 1, v.ChunkCount)

	assert.ErrorIs(t, b.StoreChunks(ctx, "missing", []storage.ContentChunk{{Ordinal: 0}}), storage.ErrNotFound)
}

func testChunksRejectGaps(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := newRepo(t, b)
	res, err := b.CommitFileVersion(ctx, Version(repo.ID, "a.md", "c1", "h1", t0))
	require.NoError(t, err)

	err = b.StoreChunks(ctx, res.ID, []storage.ContentChunk{{Ordinal: 0}, {Ordinal: 2}})
	assert.True(t, errors.Is(err, storage.ErrInvalidChunks), "got %v", err)
}

func testSearchChunksFilters(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := newRepo(t, b)
	t1 := t0.Add(time.Hour)

	v1, err := b.CommitFileVersion(ctx, Version(repo.ID, "a.md", "c1", "h1", t0))
	require.NoError(t, err)
	require.NoError(t, b.StoreChunks(ctx, v1.ID, sampleChunks()))

	v2, err := b.CommitFileVersion(ctx, Version(repo.ID, "a.md", "c2", "h2", t1))
	require.NoError(t, err)
	require.NoError(t, b.StoreChunks(ctx, v2.ID, []storage.ContentChunk{
		{Ordinal: 0, Content: "Rewritten intro", ContentType: "prose", Metadata: map[string]any{"heading": "Intro"}},
	}))

	yes := true
	code, err := b.SearchChunks(ctx, storage.ChunkFilter{HasCode: &yes})
	require.NoError(t, err)
	require.Len(t, code, 1)
	assert.Equal(t, "c1", code[0].Version.CommitID)
	assert.Nil(t, code[0].Chunk.Embedding, "embeddings are only loaded on request")

	intro, err := b.SearchChunks(ctx, storage.ChunkFilter{ContentType: "prose", Metadata: map[string]string{"heading": "Intro"}})
	require.NoError(t, err)
	assert.Len(t, intro, 2)

	at := t0.Add(time.Minute)
	past, err := b.SearchChunks(ctx, storage.ChunkFilter{At: &at, Metadata: map[string]string{"heading": "Intro"}, WithEmbeddings: true})
	require.NoError(t, err)
	require.Len(t, past, 1)
	assert.Equal(t, v1.ID, past[0].Version.ID)
	assert.Equal(t, []float32{1, 0}, past[0].Chunk.Embedding)

	current, err := b.SearchChunks(ctx, storage.ChunkFilter{CurrentOnly: true})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "Rewritten intro", current[0].Chunk.Content)

	text, err := b.SearchChunks(ctx, storage.ChunkFilter{Contains: "WIDGETS"})
	require.NoError(t, err)
	assert.Len(t, text, 1)

	limited, err := b.SearchChunks(ctx, storage.ChunkFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
