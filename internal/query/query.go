// Package query is the read-only facade over the temporal store used by the
// CLI, the HTTP API and the MCP server.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/kalambet/strata/internal/metrics"
	"github.com/kalambet/strata/internal/storage"
	"github.com/kalambet/strata/internal/temporal"
	"github.com/kalambet/strata/internal/vcs"
)

// ErrAmbiguousRepository is returned when a repository reference matches
// more than one repository by name.
var ErrAmbiguousRepository = errors.New("ambiguous repository reference")

// ErrSemanticUnavailable is returned for semantic searches when no embedder
// is configured.
var ErrSemanticUnavailable = errors.New("semantic search requires an embedding model")

// Embedder turns query text into a vector in the same space as stored chunk
// embeddings.
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

type Option func(*Facade)

// WithEmbedder enables semantic search with the given model.
func WithEmbedder(e Embedder, model string) Option {
	return func(f *Facade) {
		f.embedder = e
		f.model = model
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Facade) { f.metrics = m }
}

// Facade answers temporal questions about ingested files.
type Facade struct {
	engine   *temporal.Engine
	embedder Embedder
	model    string
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(engine *temporal.Engine, opts ...Option) *Facade {
	f := &Facade{engine: engine, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SemanticEnabled reports whether Search can rank by embedding similarity.
func (f *Facade) SemanticEnabled() bool {
	return f.embedder != nil && f.model != ""
}

func (f *Facade) observe(op string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		err = nil
	}
	f.metrics.Query(op, err)
}

// Repositories lists every known repository.
func (f *Facade) Repositories(ctx context.Context) (repos []storage.Repository, err error) {
	defer func() { f.observe("repositories", err) }()
	return f.engine.Backend().ListRepositories(ctx)
}

// Repository resolves a reference that may be a repository id, a URL in any
// form the ingester canonicalises, or a display name.
func (f *Facade) Repository(ctx context.Context, ref string) (storage.Repository, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return storage.Repository{}, fmt.Errorf("repository is required: %w", storage.ErrNotFound)
	}
	b := f.engine.Backend()
	if strings.Contains(ref, "://") || strings.HasPrefix(ref, "git@") {
		if r, err := b.GetRepository(ctx, vcs.CanonicalURL(ref, "")); err == nil {
			return r, nil
		}
	}

	repos, err := b.ListRepositories(ctx)
	if err != nil {
		return storage.Repository{}, fmt.Errorf("listing repositories: %w", err)
	}
	var byName []storage.Repository
	for _, r := range repos {
		if r.ID == ref || r.URL == ref {
			return r, nil
		}
		if r.Name == ref {
			byName = append(byName, r)
		}
	}
	switch len(byName) {
	case 0:
		return storage.Repository{}, fmt.Errorf("repository %q: %w", ref, storage.ErrNotFound)
	case 1:
		return byName[0], nil
	}
	return storage.Repository{}, fmt.Errorf("%w: %q names %d repositories", ErrAmbiguousRepository, ref, len(byName))
}

// CleanPath normalises a user supplied repository-relative path.
func CleanPath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// Current returns the current version of a file.
func (f *Facade) Current(ctx context.Context, repo, file string) (v storage.FileVersion, err error) {
	defer func() { f.observe("current", err) }()
	r, err := f.Repository(ctx, repo)
	if err != nil {
		return storage.FileVersion{}, err
	}
	return f.engine.ResolveCurrent(ctx, r.ID, CleanPath(file))
}

// AtTime returns the version of a file that was valid at the instant.
func (f *Facade) AtTime(ctx context.Context, repo, file string, at time.Time) (v storage.FileVersion, err error) {
	defer func() { f.observe("at_time", err) }()
	r, err := f.Repository(ctx, repo)
	if err != nil {
		return storage.FileVersion{}, err
	}
	return f.engine.ResolveAtTime(ctx, r.ID, CleanPath(file), at)
}

// AtCommit returns the version of a file ingested from the commit.
func (f *Facade) AtCommit(ctx context.Context, repo, file, commit string) (v storage.FileVersion, err error) {
	defer func() { f.observe("at_commit", err) }()
	r, err := f.Repository(ctx, repo)
	if err != nil {
		return storage.FileVersion{}, err
	}
	return f.engine.ResolveAtCommit(ctx, r.ID, CleanPath(file), commit)
}

// History returns the versions of a file, newest first.
func (f *Facade) History(ctx context.Context, repo, file string, limit, offset int) (vs []storage.FileVersion, err error) {
	defer func() { f.observe("history", err) }()
	r, err := f.Repository(ctx, repo)
	if err != nil {
		return nil, err
	}
	return f.engine.History(ctx, r.ID, CleanPath(file), limit, offset)
}

// ListOptions filters List. Empty fields do not constrain the result.
type ListOptions struct {
	Repo        string
	ContentType string
	CurrentOnly bool
	Limit       int
	Offset      int
}

// List returns file versions, most recently ingested first.
func (f *Facade) List(ctx context.Context, opts ListOptions) (vs []storage.FileVersion, err error) {
	defer func() { f.observe("list", err) }()
	filter := storage.ListFilter{
		ContentType: opts.ContentType,
		CurrentOnly: opts.CurrentOnly,
		Limit:       opts.Limit,
		Offset:      opts.Offset,
	}
	if opts.Repo != "" {
		r, err := f.Repository(ctx, opts.Repo)
		if err != nil {
			return nil, err
		}
		filter.RepositoryID = r.ID
	}
	return f.engine.List(ctx, filter)
}

// Chunks returns the chunks of a version in ordinal order.
func (f *Facade) Chunks(ctx context.Context, versionID string) (cs []storage.ContentChunk, err error) {
	defer func() { f.observe("chunks", err) }()
	cs, err = f.engine.Backend().GetChunks(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, fmt.Errorf("chunks of version %s: %w", versionID, storage.ErrNotFound)
	}
	return cs, nil
}

// ParseInstant parses the time formats accepted on the command line and in
// query strings. Values without a zone are taken as UTC.
func ParseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: use RFC 3339 or YYYY-MM-DD", s)
}
