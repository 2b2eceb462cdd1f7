package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kalambet/strata/internal/docstore"
	"github.com/kalambet/strata/internal/metrics"
	"github.com/kalambet/strata/internal/query"
	"github.com/kalambet/strata/internal/storage"
	"github.com/kalambet/strata/internal/temporal"
)

const testToken = "test-token-12345"

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type testData struct {
	facade *query.Facade
	repo   storage.Repository
	v1, v2 string
}

// newTestData stores guide.md at c1 (t0) and c2 (t0+1h).
func newTestData(t *testing.T, opts ...query.Option) *testData {
	t.Helper()
	ctx := context.Background()
	b := docstore.New()
	e := temporal.New(b, nil)
	repo, err := b.StoreRepository(ctx, "https://github.com/acme/docs", "acme/docs")
	if err != nil {
		t.Fatalf("StoreRepository: %v", err)
	}

	commit := func(commitID, hash string, at time.Time, chunks ...storage.ContentChunk) string {
		t.Helper()
		res, err := e.CommitVersion(ctx, storage.FileVersion{
			RepositoryID: repo.ID,
			CommitID:     commitID,
			Path:         "guide.md",
			ContentHash:  hash,
			ContentType:  "markdown",
			ValidFrom:    at,
			IngestedAt:   at,
		})
		if err != nil {
			t.Fatalf("CommitVersion: %v", err)
		}
		for i := range chunks {
			chunks[i].Ordinal = i
		}
		if err := b.StoreChunks(ctx, res.ID, chunks); err != nil {
			t.Fatalf("StoreChunks: %v", err)
		}
		return res.ID
	}

	d := &testData{facade: query.New(e, opts...), repo: repo}
	d.v1 = commit("c1", "h1", t0,
		storage.ContentChunk{Content: "Run make build.", ContentType: "prose", Embedding: []float32{1, 0}},
	)
	d.v2 = commit("c2", "h2", t0.Add(time.Hour),
		storage.ContentChunk{Content: "Run go build.", ContentType: "prose", Embedding: []float32{1, 0},
			Metadata: map[string]any{"section": "Build"}},
		storage.ContentChunk{Content: "go build ./...", ContentType: "code", HasCode: true, Embedding: []float32{0, 1}},
	)
	return d
}

func get(t *testing.T, h http.Handler, url, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestAuth(t *testing.T) {
	d := newTestData(t)
	h := NewHandler(Deps{Query: d.facade, Token: testToken})

	if rr := get(t, h, "/health", ""); rr.Code != http.StatusOK {
		t.Errorf("/health without token: status = %d, want 200", rr.Code)
	}
	rr := get(t, h, "/repositories", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "authentication_error") {
		t.Errorf("body = %s", rr.Body.String())
	}
	if rr := get(t, h, "/repositories", "wrong"); rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rr.Code)
	}
	if rr := get(t, h, "/repositories", testToken); rr.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rr.Code)
	}

	open := NewHandler(Deps{Query: d.facade})
	if rr := get(t, open, "/repositories", ""); rr.Code != http.StatusOK {
		t.Errorf("no token configured: status = %d, want 200", rr.Code)
	}
}

func TestRepositoriesAndFiles(t *testing.T) {
	d := newTestData(t)
	h := NewHandler(Deps{Query: d.facade})

	repos := decode[[]storage.Repository](t, get(t, h, "/repositories", ""))
	if len(repos) != 1 || repos[0].Name != "acme/docs" {
		t.Fatalf("repositories = %+v", repos)
	}

	all := decode[[]storage.FileVersion](t, get(t, h, "/files?repo=acme/docs", ""))
	if len(all) != 2 {
		t.Errorf("files = %d, want 2", len(all))
	}
	current := decode[[]storage.FileVersion](t, get(t, h, "/files?current=true", ""))
	if len(current) != 1 || current[0].ID != d.v2 {
		t.Errorf("current files = %+v", current)
	}
	if rr := get(t, h, "/files?current=maybe", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad bool: status = %d, want 400", rr.Code)
	}
}

func TestTemporalEndpoints(t *testing.T) {
	d := newTestData(t)
	h := NewHandler(Deps{Query: d.facade})

	tests := []struct {
		name   string
		url    string
		status int
		wantID string
	}{
		{"current", "/files/current?repo=acme/docs&path=guide.md", http.StatusOK, d.v2},
		{"at time", "/files/at-time?repo=acme/docs&path=guide.md&at=2024-06-01T09:30:00Z", http.StatusOK, d.v1},
		{"at time before first version", "/files/at-time?repo=acme/docs&path=guide.md&at=2024-05-01", http.StatusNotFound, ""},
		{"at time bad instant", "/files/at-time?repo=acme/docs&path=guide.md&at=soon", http.StatusBadRequest, ""},
		{"at time missing instant", "/files/at-time?repo=acme/docs&path=guide.md", http.StatusBadRequest, ""},
		{"at commit", "/files/at-commit?repo=" + d.repo.ID + "&path=guide.md&commit=c1", http.StatusOK, d.v1},
		{"at unknown commit", "/files/at-commit?repo=acme/docs&path=guide.md&commit=zz", http.StatusNotFound, ""},
		{"missing path", "/files/current?repo=acme/docs", http.StatusBadRequest, ""},
		{"unknown repo", "/files/current?repo=other&path=guide.md", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := get(t, h, tt.url, "")
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d; body = %s", rr.Code, tt.status, rr.Body.String())
			}
			if tt.wantID == "" {
				return
			}
			v := decode[storage.FileVersion](t, rr)
			if v.ID != tt.wantID {
				t.Errorf("id = %s, want %s", v.ID, tt.wantID)
			}
		})
	}
}

func TestHistoryAndChunks(t *testing.T) {
	d := newTestData(t)
	h := NewHandler(Deps{Query: d.facade})

	history := decode[[]storage.FileVersion](t, get(t, h, "/files/history?repo=acme/docs&path=guide.md", ""))
	if len(history) != 2 || history[0].ID != d.v2 || history[1].ValidUntil == nil {
		t.Fatalf("history = %+v", history)
	}
	limited := decode[[]storage.FileVersion](t, get(t, h, "/files/history?repo=acme/docs&path=guide.md&limit=1", ""))
	if len(limited) != 1 {
		t.Errorf("limited history = %d, want 1", len(limited))
	}

	chunks := decode[[]storage.ContentChunk](t, get(t, h, "/versions/"+d.v2+"/chunks", ""))
	if len(chunks) != 2 || chunks[1].Content != "go build ./..." {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[0].Embedding != nil {
		t.Error("embeddings should not be served")
	}
	if rr := get(t, h, "/versions/missing/chunks", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing version: status = %d, want 404", rr.Code)
	}
}

func TestSearch(t *testing.T) {
	d := newTestData(t)
	h := NewHandler(Deps{Query: d.facade})

	tests := []struct {
		name string
		url  string
		want []string
	}{
		{"text", "/search?q=build", []string{"Run go build.", "go build ./..."}},
		{"has code", "/search?has_code=true", []string{"go build ./..."}},
		{"type", "/search?type=prose", []string{"Run go build."}},
		{"metadata", "/search?meta.section=Build", []string{"Run go build."}},
		{"at time", "/search?q=build&at=2024-06-01T09:10:00Z", []string{"Run make build."}},
		{"all versions", "/search?q=Run&all=true", []string{"Run go build.", "Run make build."}},
		{"repo", "/search?q=build&repo=acme/docs&limit=1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := get(t, h, tt.url, "")
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
			}
			hits := decode[[]query.Hit](t, rr)
			if tt.want == nil {
				if len(hits) != 1 {
					t.Errorf("hits = %d, want 1", len(hits))
				}
				return
			}
			got := map[string]bool{}
			for _, hit := range hits {
				got[hit.Chunk.Content] = true
			}
			if len(got) != len(tt.want) {
				t.Fatalf("hits = %v, want %v", got, tt.want)
			}
			for _, w := range tt.want {
				if !got[w] {
					t.Errorf("missing hit %q in %v", w, got)
				}
			}
		})
	}

	if rr := get(t, h, "/search?q=x&semantic=true", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("semantic without embedder: status = %d, want 503", rr.Code)
	}
	if rr := get(t, h, "/search?semantic=true", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("semantic without q: status = %d, want 400", rr.Code)
	}
	if rr := get(t, h, "/search?has_code=sometimes", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad has_code: status = %d, want 400", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	d := newTestData(t, query.WithMetrics(m))
	h := NewHandler(Deps{Query: d.facade, Metrics: m})

	get(t, h, "/files/current?repo=acme/docs&path=guide.md", "")
	get(t, h, "/files/current?repo=acme/docs&path=guide.md", "")

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/files/current", "200")); got != 2 {
		t.Errorf("http requests = %v, want 2", got)
	}

	rr := get(t, h, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "strata_queries_total") {
		t.Errorf("metrics output missing query counter:\n%s", rr.Body.String())
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=10", 10},
		{"limit=-1", 50},
		{"limit=abc", 50},
		{"limit=9999", 500},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 50, 500); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
