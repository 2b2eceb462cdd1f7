package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/strata/internal/docstore"
	"github.com/kalambet/strata/internal/metrics"
	"github.com/kalambet/strata/internal/storage"
	"github.com/kalambet/strata/internal/temporal"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeEmbedder struct {
	embedFn func(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

func (f *fakeEmbedder) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	return f.embedFn(ctx, model, inputs)
}

type fixture struct {
	facade  *Facade
	backend storage.Backend
	repo    storage.Repository
	c1, c2  string
}

// newFixture stores A.md at c1 (t0) and c2 (t0+1h), plus B.md at c1.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	b := docstore.New()
	e := temporal.New(b, nil)
	repo, err := b.StoreRepository(ctx, "https://github.com/acme/docs", "acme/docs")
	require.NoError(t, err)

	commit := func(path, commitID, hash string, at time.Time, chunks ...storage.ContentChunk) string {
		res, err := e.CommitVersion(ctx, storage.FileVersion{
			RepositoryID: repo.ID,
			CommitID:     commitID,
			Path:         path,
			ContentHash:  hash,
			ContentType:  "markdown",
			ValidFrom:    at,
			IngestedAt:   at,
		})
		require.NoError(t, err)
		for i := range chunks {
			chunks[i].Ordinal = i
		}
		require.NoError(t, b.StoreChunks(ctx, res.ID, chunks))
		return res.ID
	}

	f := &fixture{facade: New(e, opts...), backend: b, repo: repo}
	f.c1 = commit("A.md", "c1", "h1", t0,
		storage.ContentChunk{Content: "Install with make install.", ContentType: "prose", Embedding: []float32{1, 0, 0}},
	)
	f.c2 = commit("A.md", "c2", "h2", t0.Add(time.Hour),
		storage.ContentChunk{Content: "Install with go install.", ContentType: "prose", Embedding: []float32{0.9, 0.1, 0},
			Metadata: map[string]any{"section": "Setup"}},
		storage.ContentChunk{Content: "func main() {}", ContentType: "code", HasCode: true, Embedding: []float32{0, 1, 0}},
	)
	commit("B.md", "c1", "hb", t0,
		storage.ContentChunk{Content: "Unrelated notes.", ContentType: "prose", Embedding: []float32{0, 0, 1}},
	)
	return f
}

func TestTemporalLookups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cur, err := f.facade.Current(ctx, "acme/docs", "./A.md")
	require.NoError(t, err)
	assert.Equal(t, f.c2, cur.ID)

	old, err := f.facade.AtCommit(ctx, "https://github.com/acme/docs.git", "A.md", "c1")
	require.NoError(t, err)
	assert.Equal(t, f.c1, old.ID)

	at, err := f.facade.AtTime(ctx, f.repo.ID, "A.md", t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, f.c1, at.ID)

	_, err = f.facade.AtTime(ctx, f.repo.ID, "A.md", t0.Add(-time.Second))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	history, err := f.facade.History(ctx, "acme/docs", "A.md", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "c2", history[0].CommitID)
	assert.Equal(t, "c1", history[1].CommitID)
}

func TestRepositoryResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, ref := range []string{f.repo.ID, "https://github.com/acme/docs", "git@github.com:acme/docs.git", "acme/docs"} {
		r, err := f.facade.Repository(ctx, ref)
		require.NoError(t, err, ref)
		assert.Equal(t, f.repo.ID, r.ID, ref)
	}

	_, err := f.facade.Repository(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.backend.StoreRepository(ctx, "https://gitlab.com/acme/docs", "acme/docs")
	require.NoError(t, err)
	_, err = f.facade.Repository(ctx, "acme/docs")
	assert.ErrorIs(t, err, ErrAmbiguousRepository)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	all, err := f.facade.List(ctx, ListOptions{Repo: "acme/docs"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	current, err := f.facade.List(ctx, ListOptions{CurrentOnly: true})
	require.NoError(t, err)
	assert.Len(t, current, 2)

	paged, err := f.facade.List(ctx, ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, paged, 1)
}

func TestChunks(t *testing.T) {
	f := newFixture(t)
	chunks, err := f.facade.Chunks(context.Background(), f.c2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[1].Ordinal)

	_, err = f.facade.Chunks(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSearchFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	yes := true

	tests := []struct {
		name string
		opts SearchOptions
		want []string
	}{
		{"current only by default", SearchOptions{Text: "install"}, []string{"Install with go install."}},
		{"all versions", SearchOptions{Text: "install", AllVersions: true}, []string{"Install with go install.", "Install with make install."}},
		{"at time", SearchOptions{Text: "install", At: ptr(t0.Add(time.Minute))}, []string{"Install with make install."}},
		{"has code", SearchOptions{HasCode: &yes}, []string{"func main() {}"}},
		{"content type and path", SearchOptions{ContentType: "prose", Path: "B.md"}, []string{"Unrelated notes."}},
		{"metadata", SearchOptions{Metadata: map[string]string{"section": "Setup"}}, []string{"Install with go install."}},
		{"no match", SearchOptions{Text: "kubernetes"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := f.facade.Search(ctx, tt.opts)
			require.NoError(t, err)
			var got []string
			for _, h := range hits {
				got = append(got, h.Chunk.Content)
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestSemanticSearchRanksBySimilarity(t *testing.T) {
	var gotModel string
	emb := &fakeEmbedder{embedFn: func(_ context.Context, model string, inputs []string) ([][]float32, error) {
		gotModel = model
		return [][]float32{{1, 0.05, 0}}, nil
	}}
	f := newFixture(t, WithEmbedder(emb, "nomic-embed-text"))

	hits, err := f.facade.Search(context.Background(), SearchOptions{Text: "how to install", Semantic: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "nomic-embed-text", gotModel)
	assert.Equal(t, "Install with go install.", hits[0].Chunk.Content)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.Nil(t, hits[0].Chunk.Embedding, "embeddings are not returned to callers")
}

func TestSemanticSearchUnavailable(t *testing.T) {
	f := newFixture(t)
	_, err := f.facade.Search(context.Background(), SearchOptions{Text: "x", Semantic: true})
	assert.ErrorIs(t, err, ErrSemanticUnavailable)

	failing := &fakeEmbedder{embedFn: func(context.Context, string, []string) ([][]float32, error) {
		return nil, errors.New("connection refused")
	}}
	f = newFixture(t, WithEmbedder(failing, "m"))
	_, err = f.facade.Search(context.Background(), SearchOptions{Text: "x", Semantic: true})
	assert.ErrorContains(t, err, "connection refused")
}

func TestQueriesAreCounted(t *testing.T) {
	m := metrics.New()
	f := newFixture(t, WithMetrics(m))
	ctx := context.Background()

	_, _ = f.facade.Current(ctx, "acme/docs", "A.md")
	_, _ = f.facade.Current(ctx, "acme/docs", "missing.md")
	_, err := f.backend.StoreRepository(ctx, "https://gitlab.com/acme/docs", "acme/docs")
	require.NoError(t, err)
	_, err = f.facade.Current(ctx, "acme/docs", "A.md")
	require.ErrorIs(t, err, ErrAmbiguousRepository)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("current", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("current", "ok")))
}

func TestParseInstant(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-06-01T09:30:00Z", time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)},
		{"2024-06-01T11:30:00+02:00", time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)},
		{"2024-06-01T09:30:00", time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)},
		{"2024-06-01", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseInstant(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, got.Equal(tt.want), "%s: got %s", tt.in, got)
	}
	_, err := ParseInstant("yesterday")
	assert.Error(t, err)
}

func TestCleanPath(t *testing.T) {
	assert.Equal(t, "docs/a.md", CleanPath("./docs/a.md"))
	assert.Equal(t, "docs/a.md", CleanPath("/docs//a.md"))
	assert.Equal(t, "docs/a.md", CleanPath(`docs\a.md`))
}

func ptr[T any](v T) *T { return &v }
