// Package temporal resolves which file version is authoritative at a given
// instant or commit, and performs the commit that supersedes the previous
// version of a path.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kalambet/strata/internal/storage"
)

// ErrInvalidVersion is returned when a version handed to CommitVersion is
// missing required fields.
var ErrInvalidVersion = errors.New("invalid file version")

// Engine wraps a storage.Backend with per-path commit serialisation and
// read-side invariant checks.
type Engine struct {
	backend storage.Backend
	locks   *keyedMutex
	logger  *slog.Logger
}

func New(backend storage.Backend, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{backend: backend, locks: newKeyedMutex(), logger: logger}
}

// Backend returns the underlying storage backend.
func (e *Engine) Backend() storage.Backend {
	return e.backend
}

func (e *Engine) ResolveCurrent(ctx context.Context, repoID, path string) (storage.FileVersion, error) {
	v, err := e.backend.GetCurrentFile(ctx, repoID, path)
	if err != nil {
		return storage.FileVersion{}, err
	}
	if !v.IsCurrent() {
		return storage.FileVersion{}, corruption(v, "current version has valid_until %s", v.ValidUntil)
	}
	return v, checkInterval(v)
}

// ResolveAtTime returns the version whose [valid_from, valid_until) contains at.
func (e *Engine) ResolveAtTime(ctx context.Context, repoID, path string, at time.Time) (storage.FileVersion, error) {
	v, err := e.backend.GetFileAtTime(ctx, repoID, path, at)
	if err != nil {
		return storage.FileVersion{}, err
	}
	if err := checkInterval(v); err != nil {
		return storage.FileVersion{}, err
	}
	if !v.Contains(at) {
		return storage.FileVersion{}, corruption(v, "resolved interval does not contain %s", at.UTC().Format(time.RFC3339Nano))
	}
	return v, nil
}

func (e *Engine) ResolveAtCommit(ctx context.Context, repoID, path, commitID string) (storage.FileVersion, error) {
	v, err := e.backend.GetFileAtCommit(ctx, repoID, path, commitID)
	if err != nil {
		return storage.FileVersion{}, err
	}
	return v, checkInterval(v)
}

// History returns versions of path ordered by valid_from descending.
func (e *Engine) History(ctx context.Context, repoID, path string, limit, offset int) ([]storage.FileVersion, error) {
	return e.backend.GetFileHistory(ctx, repoID, path, limit, offset)
}

func (e *Engine) List(ctx context.Context, f storage.ListFilter) ([]storage.FileVersion, error) {
	return e.backend.ListFiles(ctx, f)
}

// CommitVersion makes v the current version of its (repository, path). A
// version whose fingerprint equals the current one is not stored again; the
// existing id is returned with Created false.
func (e *Engine) CommitVersion(ctx context.Context, v storage.FileVersion) (storage.CommitResult, error) {
	if err := validate(v); err != nil {
		return storage.CommitResult{}, err
	}

	unlock := e.locks.Lock(v.RepositoryID + "\x00" + v.Path)
	defer unlock()

	res, err := e.backend.CommitFileVersion(ctx, v)
	if err != nil {
		return storage.CommitResult{}, fmt.Errorf("committing %s@%s: %w", v.Path, v.CommitID, err)
	}
	if res.Created {
		e.logger.Debug("version committed", "path", v.Path, "commit", v.CommitID, "id", res.ID, "superseded", res.SupersededID)
	}
	return res, nil
}

func validate(v storage.FileVersion) error {
	switch {
	case v.RepositoryID == "":
		return fmt.Errorf("%w: missing repository", ErrInvalidVersion)
	case v.Path == "":
		return fmt.Errorf("%w: missing path", ErrInvalidVersion)
	case v.CommitID == "":
		return fmt.Errorf("%w: missing commit id", ErrInvalidVersion)
	case v.ContentHash == "":
		return fmt.Errorf("%w: missing content hash", ErrInvalidVersion)
	case v.ValidFrom.IsZero():
		return fmt.Errorf("%w: missing valid_from", ErrInvalidVersion)
	case v.ValidUntil != nil:
		return fmt.Errorf("%w: new versions must be open-ended", ErrInvalidVersion)
	}
	return nil
}

func checkInterval(v storage.FileVersion) error {
	if v.ValidUntil != nil && !v.ValidUntil.After(v.ValidFrom) {
		return corruption(v, "valid_until %s is not after valid_from %s", v.ValidUntil, v.ValidFrom)
	}
	return nil
}

func corruption(v storage.FileVersion, format string, args ...any) error {
	return fmt.Errorf("%w: version %s of %s: %s", storage.ErrStoreCorruption, v.ID, v.Path, fmt.Sprintf(format, args...))
}

// VerifyReport lists the invariant violations found for one path.
type VerifyReport struct {
	RepositoryID string   `json:"repository_id"`
	Path         string   `json:"path"`
	Versions     int      `json:"versions"`
	Problems     []string `json:"problems,omitempty"`
}

// OK reports whether no problems were found.
func (r VerifyReport) OK() bool {
	return len(r.Problems) == 0
}

// Verify checks the full history of one path: a single current version that
// is the latest one, well-formed intervals, and contiguous supersessions.
func (e *Engine) Verify(ctx context.Context, repoID, path string) (VerifyReport, error) {
	history, err := e.backend.GetFileHistory(ctx, repoID, path, 0, 0)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("loading history of %s: %w", path, err)
	}
	report := VerifyReport{RepositoryID: repoID, Path: path, Versions: len(history)}

	sort.Slice(history, func(i, j int) bool { return history[i].ValidFrom.Before(history[j].ValidFrom) })
	current := 0
	for i, v := range history {
		if v.IsCurrent() {
			current++
			if i != len(history)-1 {
				report.Problems = append(report.Problems, fmt.Sprintf("current version %s is not the latest", v.ID))
			}
		}
		if err := checkInterval(v); err != nil {
			report.Problems = append(report.Problems, err.Error())
		}
		if i == 0 || history[i-1].ValidUntil == nil {
			continue
		}
		prev := history[i-1]
		switch {
		case prev.ValidUntil.After(v.ValidFrom):
			report.Problems = append(report.Problems, fmt.Sprintf("versions %s and %s overlap", prev.ID, v.ID))
		case prev.ValidUntil.Before(v.ValidFrom):
			report.Problems = append(report.Problems, fmt.Sprintf("gap between versions %s and %s", prev.ID, v.ID))
		}
	}
	if len(history) > 0 && current != 1 {
		report.Problems = append(report.Problems, fmt.Sprintf("%d current versions", current))
	}

	if !report.OK() {
		return report, fmt.Errorf("%w: %s has %d problem(s)", storage.ErrStoreCorruption, path, len(report.Problems))
	}
	return report, nil
}

// VerifyAll runs Verify over every path of every repository and joins the
// errors of failing paths.
func (e *Engine) VerifyAll(ctx context.Context) ([]VerifyReport, error) {
	repos, err := e.backend.ListRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}

	var reports []VerifyReport
	var errs []error
	for _, repo := range repos {
		paths, err := e.backend.ListPaths(ctx, repo.ID)
		if err != nil {
			return reports, fmt.Errorf("listing paths of %s: %w", repo.URL, err)
		}
		for _, p := range paths {
			if err := ctx.Err(); err != nil {
				return reports, err
			}
			report, err := e.Verify(ctx, repo.ID, p)
			if err != nil {
				errs = append(errs, err)
			}
			reports = append(reports, report)
		}
	}
	return reports, errors.Join(errs...)
}
