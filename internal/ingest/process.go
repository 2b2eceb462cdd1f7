package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/strata/internal/chunker"
	"github.com/kalambet/strata/internal/enrich"
	"github.com/kalambet/strata/internal/extract"
	"github.com/kalambet/strata/internal/failure"
	"github.com/kalambet/strata/internal/retry"
	"github.com/kalambet/strata/internal/storage"
	"github.com/kalambet/strata/internal/vcs"
)

// location identifies where a file's snapshot belongs in the store.
type location struct {
	repo      storage.Repository
	path      string
	commitID  string
	validFrom time.Time
}

// processFile runs one file through validate, extract, fingerprint,
// unchanged check, chunk and the retried enrich/commit/store step.
func (o *Orchestrator) processFile(ctx context.Context, root, rel string, force bool) FileResult {
	start := time.Now()
	fr := o.ingestFile(ctx, root, rel, force)
	fr.Path = rel
	fr.Duration = time.Since(start)
	if fr.Err != nil {
		fr.Outcome = FileFailed
	}
	return fr
}

func (o *Orchestrator) ingestFile(ctx context.Context, root, rel string, force bool) FileResult {
	var fr FileResult

	v := o.Validate(root, rel)
	fr.Warnings = v.Warnings
	if !v.Valid {
		fr.Err = failure.Validationf("%s", strings.Join(v.Issues, "; "))
		return fr
	}

	abs := filepath.Join(root, filepath.FromSlash(rel))
	data, err := os.ReadFile(abs)
	if err != nil {
		fr.Err = failure.Permanent(fmt.Errorf("reading file: %w", err))
		return fr
	}
	fr.Bytes = int64(len(data))

	doc, err := extract.Extract(rel, data)
	if err != nil {
		fr.Err = failure.Permanent(err)
		return fr
	}
	fingerprint := extract.Fingerprint(data)

	loc, err := o.locate(ctx, root, abs, fingerprint)
	if err != nil {
		fr.Err = err
		return fr
	}

	if !force {
		unchanged, err := o.unchanged(ctx, loc, fingerprint)
		if err != nil {
			fr.Err = err
			return fr
		}
		if unchanged != nil {
			fr.Outcome = FileUnchanged
			fr.VersionID = unchanged.ID
			o.markTouched(loc.repo)
			return fr
		}
	}

	split := o.chunker.Split(doc.Text)
	fr.Warnings = append(fr.Warnings, split.Warnings...)
	fr.Chunks = split.Stats.Chunks
	fr.Oversized = split.Stats.Oversized

	version := storage.FileVersion{
		RepositoryID: loc.repo.ID,
		CommitID:     loc.commitID,
		Path:         loc.path,
		ContentHash:  fingerprint,
		SizeBytes:    int64(len(data)),
		WordCount:    doc.WordCount,
		ChunkCount:   len(split.Chunks),
		ContentType:  doc.ContentType,
		ValidFrom:    loc.validFrom,
	}
	docContext := loc.repo.Name + ": " + loc.path

	policy := o.cfg.Retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		o.logger.Info("retrying file", "path", rel, "attempt", attempt, "wait", wait, "error", err)
	}
	attempts, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		id, err := o.store(ctx, version, split.Chunks, docContext)
		if err != nil {
			return err
		}
		fr.VersionID = id
		return nil
	})
	fr.Attempts = attempts
	if err != nil {
		fr.Err = err
		return fr
	}

	fr.Outcome = FileCommitted
	o.markTouched(loc.repo)
	return fr
}

// store enriches the chunks, commits the version and stores its chunk set.
// Every step is safe to repeat: committing the same fingerprint again
// returns the existing version and StoreChunks replaces the set.
func (o *Orchestrator) store(ctx context.Context, v storage.FileVersion, chunks []chunker.Chunk, docContext string) (string, error) {
	var enriched []enrich.Result
	if o.enricher != nil {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		// The enricher bounds each provider call itself; a file may need
		// many calls and rate-limiter waits.
		var err error
		enriched, err = o.enricher.Enrich(ctx, texts, docContext)
		if err != nil {
			return "", fmt.Errorf("enriching: %w", err)
		}
	}

	v.IngestedAt = o.now()
	var res storage.CommitResult
	err := o.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		res, err = o.engine.CommitVersion(ctx, v)
		return err
	})
	if err != nil {
		return "", commitFailure(err)
	}
	if res.SupersededID != "" {
		o.metrics.Superseded()
	}

	stored := toContentChunks(chunks, enriched)
	err = o.withTimeout(ctx, func(ctx context.Context) error {
		return o.engine.Backend().StoreChunks(ctx, res.ID, stored)
	})
	if err != nil {
		return "", fmt.Errorf("storing chunks of %s: %w", res.ID, err)
	}
	return res.ID, nil
}

func commitFailure(err error) error {
	switch {
	case errors.Is(err, storage.ErrStoreCorruption):
		return err
	case errors.Is(err, storage.ErrStaleVersion), errors.Is(err, storage.ErrCommitConflict):
		return failure.Permanent(err)
	}
	return err
}

func (o *Orchestrator) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if o.cfg.CallTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	return fn(ctx)
}

func toContentChunks(chunks []chunker.Chunk, enriched []enrich.Result) []storage.ContentChunk {
	out := make([]storage.ContentChunk, len(chunks))
	for i, c := range chunks {
		meta := map[string]any{
			"start_line":  c.StartLine,
			"end_line":    c.EndLine,
			"overlap_len": c.OverlapLen,
		}
		if len(c.Headings) > 0 {
			meta["headings"] = c.Headings
			meta["section"] = c.Headings[len(c.Headings)-1]
		}
		if len(c.Patterns) > 0 {
			meta["patterns"] = c.Patterns
		}
		if c.Oversized {
			meta["oversized"] = true
		}
		if c.ForcedSplit {
			meta["forced_split"] = true
		}
		out[i] = storage.ContentChunk{
			Ordinal:     c.Ordinal,
			Content:     c.Content,
			ContentType: c.ContentType,
			HasCode:     c.HasCode,
			Metadata:    meta,
		}
		if i < len(enriched) {
			out[i].Summary = enriched[i].Summary
			out[i].Embedding = enriched[i].Embedding
		}
	}
	return out
}

// unchanged returns the current version when it already holds fingerprint
// and its chunk set is intact.
func (o *Orchestrator) unchanged(ctx context.Context, loc location, fingerprint string) (*storage.FileVersion, error) {
	cur, err := o.engine.ResolveCurrent(ctx, loc.repo.ID, loc.path)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving current version: %w", err)
	}
	if cur.ContentHash != fingerprint {
		return nil, nil
	}
	n, err := o.engine.Backend().CountChunks(ctx, cur.ID)
	if err != nil {
		return nil, fmt.Errorf("counting chunks: %w", err)
	}
	if n != cur.ChunkCount || n == 0 {
		o.logger.Warn("stored chunks incomplete, re-chunking", "path", loc.path, "want", cur.ChunkCount, "have", n)
		return nil, nil
	}
	return &cur, nil
}

// locate resolves the repository, repository-relative path, commit id and
// valid_from of abs. Files outside version control belong to a repository
// rooted at the run root and get a synthetic commit id and the current time.
func (o *Orchestrator) locate(ctx context.Context, root, abs, fingerprint string) (location, error) {
	info, err := o.inspector.Inspect(abs)
	var loc location
	switch {
	case errors.Is(err, vcs.ErrNotVersioned):
		loc.validFrom = o.now()
		loc.commitID = syntheticCommit(fingerprint, loc.validFrom)
		rel, err := vcs.RelPath(root, abs)
		if err != nil {
			return location{}, failure.Permanent(err)
		}
		loc.path = rel
		if loc.repo, err = o.repository(ctx, vcs.CanonicalURL("", root)); err != nil {
			return location{}, err
		}
		return loc, nil
	case err != nil:
		return location{}, failure.Permanent(fmt.Errorf("inspecting version control: %w", err))
	}

	rel, err := vcs.RelPath(info.RepoRoot, abs)
	if err != nil {
		return location{}, failure.Permanent(err)
	}
	loc.path = rel
	loc.commitID = info.CommitID
	loc.validFrom = info.CommitTime.UTC()
	if loc.repo, err = o.repository(ctx, vcs.CanonicalURL(info.RemoteURL, info.RepoRoot)); err != nil {
		return location{}, err
	}
	return loc, nil
}

// syntheticCommit derives a stable commit id for a snapshot taken outside
// version control.
func syntheticCommit(fingerprint string, at time.Time) string {
	sum := sha256.Sum256([]byte(fingerprint + "\x00" + at.UTC().Format(time.RFC3339Nano)))
	return "local-" + hex.EncodeToString(sum[:8])
}

// repository returns the stored repository for url, creating it on first
// sighting. Repositories already touched in this run are not looked up again.
func (o *Orchestrator) repository(ctx context.Context, url string) (storage.Repository, error) {
	o.repoMu.Lock()
	if r, ok := o.touched[url]; ok {
		o.repoMu.Unlock()
		return r, nil
	}
	o.repoMu.Unlock()

	r, err := o.engine.Backend().StoreRepository(ctx, url, vcs.DisplayName(url))
	if err != nil {
		return storage.Repository{}, fmt.Errorf("storing repository %s: %w", url, err)
	}
	return r, nil
}

// markTouched records that r received or re-confirmed a file in this run.
func (o *Orchestrator) markTouched(r storage.Repository) {
	o.repoMu.Lock()
	defer o.repoMu.Unlock()
	o.touched[r.URL] = r
}
