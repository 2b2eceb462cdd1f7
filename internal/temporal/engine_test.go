package temporal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/strata/internal/docstore"
	"github.com/kalambet/strata/internal/storage"
	"github.com/kalambet/strata/internal/storage/storagetest"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

// fakeBackend overrides the methods a test needs; the embedded nil interface
// panics on anything else.
type fakeBackend struct {
	storage.Backend
	commitFn  func(ctx context.Context, v storage.FileVersion) (storage.CommitResult, error)
	atTimeFn  func(ctx context.Context, repoID, path string, at time.Time) (storage.FileVersion, error)
	historyFn func(ctx context.Context, repoID, path string) ([]storage.FileVersion, error)
}

func (f *fakeBackend) CommitFileVersion(ctx context.Context, v storage.FileVersion) (storage.CommitResult, error) {
	return f.commitFn(ctx, v)
}

func (f *fakeBackend) GetFileAtTime(ctx context.Context, repoID, path string, at time.Time) (storage.FileVersion, error) {
	return f.atTimeFn(ctx, repoID, path, at)
}

func (f *fakeBackend) GetFileHistory(ctx context.Context, repoID, path string, _, _ int) ([]storage.FileVersion, error) {
	return f.historyFn(ctx, repoID, path)
}

func newEngine(t *testing.T) (*Engine, storage.Repository) {
	t.Helper()
	b := docstore.New()
	repo, err := b.StoreRepository(context.Background(), "https://example.com/acme/docs", "docs")
	if err != nil {
		t.Fatalf("StoreRepository: %v", err)
	}
	return New(b, nil), repo
}

func TestChangedFileSupersedesPrevious(t *testing.T) {
	e, repo := newEngine(t)
	ctx := context.Background()

	c1, err := e.CommitVersion(ctx, storagetest.Version(repo.ID, "A.md", "c1", "h1", t0))
	if err != nil {
		t.Fatalf("commit c1: %v", err)
	}
	c2, err := e.CommitVersion(ctx, storagetest.Version(repo.ID, "A.md", "c2", "h2", t0.Add(time.Hour)))
	if err != nil {
		t.Fatalf("commit c2: %v", err)
	}

	cur, err := e.ResolveCurrent(ctx, repo.ID, "A.md")
	if err != nil {
		t.Fatalf("ResolveCurrent: %v", err)
	}
	if cur.ID != c2.ID {
		t.Errorf("current = %s, want c2 version %s", cur.ID, c2.ID)
	}

	atC1, err := e.ResolveAtCommit(ctx, repo.ID, "A.md", "c1")
	if err != nil {
		t.Fatalf("ResolveAtCommit: %v", err)
	}
	if atC1.ID != c1.ID {
		t.Errorf("at c1 = %s, want %s", atC1.ID, c1.ID)
	}

	history, err := e.History(ctx, repo.ID, "A.md", 10, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].CommitID != "c2" || history[1].CommitID != "c1" {
		t.Fatalf("history = %+v, want [c2, c1]", history)
	}

	mid, err := e.ResolveAtTime(ctx, repo.ID, "A.md", t0.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("ResolveAtTime: %v", err)
	}
	if mid.CommitID != "c1" {
		t.Errorf("at t0+30m = %s, want c1", mid.CommitID)
	}

	report, err := e.Verify(ctx, repo.ID, "A.md")
	if err != nil {
		t.Fatalf("Verify: %v (%v)", err, report.Problems)
	}
	if report.Versions != 2 {
		t.Errorf("verified %d versions, want 2", report.Versions)
	}
}

func TestUnchangedRecommitIsNoop(t *testing.T) {
	e, repo := newEngine(t)
	ctx := context.Background()

	first, err := e.CommitVersion(ctx, storagetest.Version(repo.ID, "A.md", "c1", "h1", t0))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	again, err := e.CommitVersion(ctx, storagetest.Version(repo.ID, "A.md", "c9", "h1", t0.Add(time.Hour)))
	if err != nil {
		t.Fatalf("recommit: %v", err)
	}
	if again.Created || again.ID != first.ID {
		t.Errorf("recommit = %+v, want no-op returning %s", again, first.ID)
	}

	history, err := e.History(ctx, repo.ID, "A.md", 0, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("version count = %d, want 1", len(history))
	}
}

func TestResolveNotFound(t *testing.T) {
	e, repo := newEngine(t)
	ctx := context.Background()

	if _, err := e.ResolveCurrent(ctx, repo.ID, "missing.md"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ResolveCurrent error = %v, want ErrNotFound", err)
	}
	if _, err := e.ResolveAtTime(ctx, repo.ID, "missing.md", t0); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ResolveAtTime error = %v, want ErrNotFound", err)
	}
	if _, err := e.ResolveAtCommit(ctx, repo.ID, "missing.md", "c1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ResolveAtCommit error = %v, want ErrNotFound", err)
	}
}

func TestCommitValidatesInput(t *testing.T) {
	e, repo := newEngine(t)
	until := t0.Add(time.Hour)

	bad := []storage.FileVersion{
		{Path: "a.md", CommitID: "c", ContentHash: "h", ValidFrom: t0},
		{RepositoryID: repo.ID, CommitID: "c", ContentHash: "h", ValidFrom: t0},
		{RepositoryID: repo.ID, Path: "a.md", ContentHash: "h", ValidFrom: t0},
		{RepositoryID: repo.ID, Path: "a.md", CommitID: "c", ValidFrom: t0},
		{RepositoryID: repo.ID, Path: "a.md", CommitID: "c", ContentHash: "h"},
		{RepositoryID: repo.ID, Path: "a.md", CommitID: "c", ContentHash: "h", ValidFrom: t0, ValidUntil: &until},
	}
	for i, v := range bad {
		if _, err := e.CommitVersion(context.Background(), v); !errors.Is(err, ErrInvalidVersion) {
			t.Errorf("case %d: error = %v, want ErrInvalidVersion", i, err)
		}
	}
}

func TestCommitSerialisedPerPath(t *testing.T) {
	var inflight sync.Map
	var overlaps atomic.Int32
	b := &fakeBackend{
		commitFn: func(_ context.Context, v storage.FileVersion) (storage.CommitResult, error) {
			counter, _ := inflight.LoadOrStore(v.Path, new(atomic.Int32))
			n := counter.(*atomic.Int32)
			if n.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(time.Millisecond)
			n.Add(-1)
			return storage.CommitResult{ID: v.CommitID, Created: true}, nil
		},
	}
	e := New(b, nil)

	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path := []string{"a.md", "b.md"}[i%2]
			v := storagetest.Version("repo", path, "c", "h", t0.Add(time.Duration(i)*time.Second))
			if _, err := e.CommitVersion(context.Background(), v); err != nil {
				t.Errorf("commit: %v", err)
			}
		}()
	}
	wg.Wait()

	if overlaps.Load() != 0 {
		t.Errorf("observed %d concurrent commits to the same path", overlaps.Load())
	}
	if e.locks.size() != 0 {
		t.Errorf("lock table holds %d entries after all commits finished", e.locks.size())
	}
}

func TestResolveAtTimeRejectsForeignInterval(t *testing.T) {
	until := t0.Add(time.Hour)
	b := &fakeBackend{
		atTimeFn: func(context.Context, string, string, time.Time) (storage.FileVersion, error) {
			return storage.FileVersion{ID: "v1", Path: "a.md", ValidFrom: t0, ValidUntil: &until}, nil
		},
	}
	e := New(b, nil)

	_, err := e.ResolveAtTime(context.Background(), "repo", "a.md", until.Add(time.Minute))
	if !errors.Is(err, storage.ErrStoreCorruption) {
		t.Fatalf("error = %v, want ErrStoreCorruption", err)
	}
}

func TestVerifyDetectsOverlapAndDoubleCurrent(t *testing.T) {
	t1, t2 := t0.Add(time.Hour), t0.Add(2*time.Hour)
	b := &fakeBackend{
		historyFn: func(context.Context, string, string) ([]storage.FileVersion, error) {
			return []storage.FileVersion{
				{ID: "v3", ValidFrom: t1},
				{ID: "v2", ValidFrom: t0.Add(30 * time.Minute)},
				{ID: "v1", ValidFrom: t0, ValidUntil: &t2},
			}, nil
		},
	}
	e := New(b, nil)

	report, err := e.Verify(context.Background(), "repo", "a.md")
	if !errors.Is(err, storage.ErrStoreCorruption) {
		t.Fatalf("error = %v, want ErrStoreCorruption", err)
	}
	if len(report.Problems) < 2 {
		t.Errorf("problems = %v, want overlap and double current", report.Problems)
	}
}
