// Package vcs reads version-control metadata for ingested files.
package vcs

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrNotVersioned is returned for paths outside a repository or inside a
// repository without commits.
var ErrNotVersioned = errors.New("not under version control")

// Info describes the commit a path was ingested from.
type Info struct {
	RepoRoot   string
	RemoteURL  string
	CommitID   string
	CommitTime time.Time
}

// Inspector resolves version-control metadata for a filesystem path.
type Inspector interface {
	Inspect(path string) (Info, error)
}

// GitInspector reads git metadata with go-git. Lookups are cached per
// directory until Reset.
type GitInspector struct {
	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	info Info
	err  error
}

func NewGitInspector() *GitInspector {
	return &GitInspector{cache: make(map[string]cached)}
}

// Reset drops cached lookups so that a new HEAD is observed.
func (g *GitInspector) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache = make(map[string]cached)
}

// Inspect returns metadata for the repository containing p, which may be a
// file or a directory.
func (g *GitInspector) Inspect(p string) (Info, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return Info{}, fmt.Errorf("resolving path: %w", err)
	}
	dir := abs
	if fi, err := os.Stat(abs); err == nil && !fi.IsDir() {
		dir = filepath.Dir(abs)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.cache[dir]; ok {
		return c.info, c.err
	}
	info, err := inspect(dir)
	g.cache[dir] = cached{info: info, err: err}
	return info, err
}

func inspect(dir string) (Info, error) {
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		return Info{}, ErrNotVersioned
	}
	if err != nil {
		return Info{}, fmt.Errorf("opening repository: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		// Bare repositories have no files to ingest.
		return Info{}, ErrNotVersioned
	}

	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return Info{}, ErrNotVersioned
	}
	if err != nil {
		return Info{}, fmt.Errorf("reading HEAD: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return Info{}, fmt.Errorf("reading HEAD commit: %w", err)
	}

	info := Info{
		RepoRoot:   wt.Filesystem.Root(),
		CommitID:   head.Hash().String(),
		CommitTime: commit.Committer.When.UTC(),
	}
	if remote, err := repo.Remote("origin"); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			info.RemoteURL = urls[0]
		}
	} else if remotes, err := repo.Remotes(); err == nil && len(remotes) > 0 {
		if urls := remotes[0].Config().URLs; len(urls) > 0 {
			info.RemoteURL = urls[0]
		}
	}
	return info, nil
}

// CanonicalURL normalises a remote URL so that the ssh and https forms of
// one repository compare equal. Without a remote the repository is
// identified by its absolute root as a file:// URL.
func CanonicalURL(remote, root string) string {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			abs = root
		}
		return "file://" + filepath.ToSlash(abs)
	}

	// scp-like syntax: git@host:owner/repo.git
	if !strings.Contains(remote, "://") {
		if at := strings.Index(remote, "@"); at >= 0 {
			remote = remote[at+1:]
		}
		if host, p, ok := strings.Cut(remote, ":"); ok {
			remote = "https://" + host + "/" + strings.TrimPrefix(p, "/")
		} else if filepath.IsAbs(remote) {
			return "file://" + filepath.ToSlash(remote)
		}
	}

	u, err := url.Parse(remote)
	if err != nil {
		return strings.TrimSuffix(strings.TrimRight(remote, "/"), ".git")
	}
	switch u.Scheme {
	case "ssh", "git", "git+ssh", "http", "https":
		u.Scheme = "https"
		u.User = nil
		// Host keeps its port.
		u.Host = strings.ToLower(u.Host)
	case "file":
		u.Host = ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimSuffix(strings.TrimRight(u.Path, "/"), ".git")
	return u.String()
}

// DisplayName derives a short repository name from a canonical URL.
func DisplayName(canonical string) string {
	u, err := url.Parse(canonical)
	if err != nil || u.Path == "" {
		return canonical
	}
	p := strings.TrimRight(u.Path, "/")
	if u.Scheme != "file" {
		if parts := strings.Split(strings.TrimPrefix(p, "/"), "/"); len(parts) >= 2 {
			return parts[len(parts)-2] + "/" + parts[len(parts)-1]
		}
	}
	return path.Base(p)
}

// RelPath returns p relative to root in slash form.
func RelPath(root, p string) (string, error) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", p, root)
	}
	return filepath.ToSlash(rel), nil
}
