// Package api exposes the query facade over HTTP and MCP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/strata/internal/metrics"
	"github.com/kalambet/strata/internal/query"
	"github.com/kalambet/strata/internal/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxSearchLimit  = 200
)

type Deps struct {
	Query   *query.Facade
	Metrics *metrics.Metrics
	Token   string // optional bearer token
}

// NewHandler returns the read-only query API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(observe(deps.Metrics))

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/repositories", handleRepositories(deps))
		r.Get("/files", handleListFiles(deps))
		r.Get("/files/current", handleCurrent(deps))
		r.Get("/files/at-time", handleAtTime(deps))
		r.Get("/files/at-commit", handleAtCommit(deps))
		r.Get("/files/history", handleHistory(deps))
		r.Get("/versions/{id}/chunks", handleChunks(deps))
		r.Get("/search", handleSearch(deps))
		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
		}
	})

	return r
}

// observe records request counts and latency per route pattern.
func observe(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTP(route, status, time.Since(start))
		})
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":   "ok",
			"semantic": deps.Query.SemanticEnabled(),
		})
	}
}

func handleRepositories(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repos, err := deps.Query.Repositories(r.Context())
		if err != nil {
			queryError(w, err)
			return
		}
		if repos == nil {
			repos = []storage.Repository{}
		}
		writeJSON(w, repos)
	}
}

func handleListFiles(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		current, err := parseBoolParam(r, "current")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		versions, err := deps.Query.List(r.Context(), query.ListOptions{
			Repo:        q.Get("repo"),
			ContentType: q.Get("type"),
			CurrentOnly: current != nil && *current,
			Limit:       parseIntParam(r, "limit", defaultPageSize, maxPageSize),
			Offset:      parseIntParam(r, "offset", 0, 0),
		})
		if err != nil {
			queryError(w, err)
			return
		}
		writeVersions(w, versions)
	}
}

func handleCurrent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repo, file, ok := requireFile(w, r)
		if !ok {
			return
		}
		v, err := deps.Query.Current(r.Context(), repo, file)
		if err != nil {
			queryError(w, err)
			return
		}
		writeJSON(w, v)
	}
}

func handleAtTime(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repo, file, ok := requireFile(w, r)
		if !ok {
			return
		}
		raw := r.URL.Query().Get("at")
		if raw == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at is required")
			return
		}
		at, err := query.ParseInstant(raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		v, err := deps.Query.AtTime(r.Context(), repo, file, at)
		if err != nil {
			queryError(w, err)
			return
		}
		writeJSON(w, v)
	}
}

func handleAtCommit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repo, file, ok := requireFile(w, r)
		if !ok {
			return
		}
		commit := r.URL.Query().Get("commit")
		if commit == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "commit is required")
			return
		}
		v, err := deps.Query.AtCommit(r.Context(), repo, file, commit)
		if err != nil {
			queryError(w, err)
			return
		}
		writeJSON(w, v)
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repo, file, ok := requireFile(w, r)
		if !ok {
			return
		}
		versions, err := deps.Query.History(r.Context(), repo, file,
			parseIntParam(r, "limit", defaultPageSize, maxPageSize),
			parseIntParam(r, "offset", 0, 0))
		if err != nil {
			queryError(w, err)
			return
		}
		writeVersions(w, versions)
	}
}

func handleChunks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chunks, err := deps.Query.Chunks(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			queryError(w, err)
			return
		}
		for i := range chunks {
			chunks[i].Embedding = nil
		}
		writeJSON(w, chunks)
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts, err := searchOptions(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		hits, err := deps.Query.Search(r.Context(), opts)
		if err != nil {
			queryError(w, err)
			return
		}
		if hits == nil {
			hits = []query.Hit{}
		}
		writeJSON(w, hits)
	}
}

// searchOptions maps query parameters onto search options. Parameters named
// meta.<key> filter on chunk metadata.
func searchOptions(r *http.Request) (query.SearchOptions, error) {
	q := r.URL.Query()
	opts := query.SearchOptions{
		Text:        q.Get("q"),
		Repo:        q.Get("repo"),
		Path:        q.Get("path"),
		ContentType: q.Get("type"),
		Limit:       parseIntParam(r, "limit", 20, maxSearchLimit),
	}
	var err error
	if opts.HasCode, err = parseBoolParam(r, "has_code"); err != nil {
		return opts, err
	}
	semantic, err := parseBoolParam(r, "semantic")
	if err != nil {
		return opts, err
	}
	opts.Semantic = semantic != nil && *semantic
	all, err := parseBoolParam(r, "all")
	if err != nil {
		return opts, err
	}
	opts.AllVersions = all != nil && *all
	if raw := q.Get("at"); raw != "" {
		at, err := query.ParseInstant(raw)
		if err != nil {
			return opts, err
		}
		opts.At = &at
	}
	for key, values := range q {
		name, ok := strings.CutPrefix(key, "meta.")
		if !ok || name == "" || len(values) == 0 {
			continue
		}
		if opts.Metadata == nil {
			opts.Metadata = make(map[string]string)
		}
		opts.Metadata[name] = values[0]
	}
	if opts.Semantic && opts.Text == "" {
		return opts, errors.New("semantic search requires q")
	}
	return opts, nil
}

func requireFile(w http.ResponseWriter, r *http.Request) (repo, file string, ok bool) {
	q := r.URL.Query()
	repo, file = q.Get("repo"), q.Get("path")
	if repo == "" || file == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "repo and path are required")
		return "", "", false
	}
	return repo, file, true
}

// queryError maps facade errors onto HTTP status codes.
func queryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, query.ErrAmbiguousRepository):
		httpError(w, http.StatusConflict, "ambiguous_repository", "%v", err)
	case errors.Is(err, query.ErrSemanticUnavailable):
		httpError(w, http.StatusServiceUnavailable, "semantic_unavailable", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "server_error", "%v", err)
	}
}

func writeVersions(w http.ResponseWriter, versions []storage.FileVersion) {
	if versions == nil {
		versions = []storage.FileVersion{}
	}
	writeJSON(w, versions)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

// parseBoolParam returns nil when the parameter is absent.
func parseBoolParam(r *http.Request, key string) (*bool, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: want true or false", key, s)
	}
	return &v, nil
}
