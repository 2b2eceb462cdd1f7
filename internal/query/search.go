package query

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kalambet/strata/internal/storage"
)

// SearchOptions filters chunks. Set fields combine with AND. Without At or
// AllVersions only current versions are searched.
type SearchOptions struct {
	Text        string
	Repo        string
	Path        string
	ContentType string
	HasCode     *bool
	Metadata    map[string]string
	At          *time.Time
	AllVersions bool
	// Semantic ranks by embedding similarity to Text instead of requiring
	// Text as a substring.
	Semantic bool
	Limit    int
}

// Hit is a search result. Score is the cosine similarity for semantic
// searches and zero otherwise.
type Hit struct {
	storage.ChunkHit
	Score float32 `json:"score"`
}

const defaultSearchLimit = 20

// Search returns chunks matching opts.
func (f *Facade) Search(ctx context.Context, opts SearchOptions) (hits []Hit, err error) {
	op := "search"
	if opts.Semantic {
		op = "semantic_search"
	}
	defer func() { f.observe(op, err) }()

	if opts.Limit <= 0 {
		opts.Limit = defaultSearchLimit
	}
	filter := storage.ChunkFilter{
		Path:        opts.Path,
		ContentType: opts.ContentType,
		HasCode:     opts.HasCode,
		Metadata:    opts.Metadata,
		At:          opts.At,
		CurrentOnly: opts.At == nil && !opts.AllVersions,
	}
	if opts.Path != "" {
		filter.Path = CleanPath(opts.Path)
	}
	if opts.Repo != "" {
		r, err := f.Repository(ctx, opts.Repo)
		if err != nil {
			return nil, err
		}
		filter.RepositoryID = r.ID
	}

	if opts.Semantic && opts.Text != "" {
		return f.semantic(ctx, opts, filter)
	}

	filter.Contains = opts.Text
	filter.Limit = opts.Limit
	found, err := f.engine.Backend().SearchChunks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	hits = make([]Hit, len(found))
	for i, h := range found {
		hits[i] = Hit{ChunkHit: h}
	}
	return hits, nil
}

// semantic scores every candidate chunk against the embedded query and
// keeps the top opts.Limit.
func (f *Facade) semantic(ctx context.Context, opts SearchOptions, filter storage.ChunkFilter) ([]Hit, error) {
	if !f.SemanticEnabled() {
		return nil, ErrSemanticUnavailable
	}
	vecs, err := f.embedder.Embed(ctx, f.model, []string{opts.Text})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding query: got %d vectors", len(vecs))
	}
	query := vecs[0]
	queryNorm := norm(query)
	if queryNorm == 0 {
		return nil, nil
	}

	filter.WithEmbeddings = true
	candidates, err := f.engine.Backend().SearchChunks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("loading candidate chunks: %w", err)
	}

	h := &hitHeap{}
	for _, c := range candidates {
		if len(c.Chunk.Embedding) == 0 {
			continue
		}
		score := cosine(query, c.Chunk.Embedding, queryNorm)
		if h.Len() < opts.Limit {
			heap.Push(h, Hit{ChunkHit: c, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = Hit{ChunkHit: c, Score: score}
			heap.Fix(h, 0)
		}
	}

	hits := make([]Hit, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		hits[i] = heap.Pop(h).(Hit)
	}
	for i := range hits {
		hits[i].Chunk.Embedding = nil
	}
	return hits, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). Vectors of different length
// score zero.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// hitHeap is a min-heap of hits ordered by score.
type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
