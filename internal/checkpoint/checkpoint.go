// Package checkpoint records which files of a batch run have been committed
// so that an interrupted run can resume where it stopped.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kalambet/strata/internal/atomicfile"
)

// SchemaVersion is written into every checkpoint file.
const SchemaVersion = 1

// Meta describes the run a checkpoint belongs to.
type Meta struct {
	SourceDir       string
	Patterns        []string
	TotalDiscovered int
}

type record struct {
	SchemaVersion   int       `json:"schema_version"`
	RunStartedAt    time.Time `json:"run_started_at"`
	SourceDir       string    `json:"source_dir"`
	Patterns        []string  `json:"patterns"`
	Completed       []string  `json:"completed"`
	TotalDiscovered int       `json:"total_discovered"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Tracker is a durable set of completed file identifiers backed by a JSON
// file. Every mutation rewrites the file atomically.
type Tracker struct {
	path string
	now  func() time.Time

	mu        sync.Mutex
	rec       record
	completed mapset.Set[string]
	loaded    bool
	recovered bool
	backups   []string
}

// Open loads the checkpoint at path if one exists. A file that does not
// parse is moved aside to <path>.corrupt-<unixnano> and its completed entries
// are recovered from the raw bytes as far as possible.
func Open(path string) (*Tracker, error) {
	t := &Tracker{
		path:      path,
		now:       func() time.Time { return time.Now().UTC() },
		completed: mapset.NewThreadUnsafeSet[string](),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil || rec.SchemaVersion != SchemaVersion {
		backup, berr := t.backup(data, "corrupt")
		if berr != nil {
			return nil, berr
		}
		t.backups = append(t.backups, backup)
		t.rec = salvage(data)
		t.recovered = true
	} else {
		t.rec = rec
	}

	for _, id := range t.rec.Completed {
		t.completed.Add(id)
	}
	t.rec.Completed = nil
	t.loaded = true
	return t, nil
}

func (t *Tracker) backup(data []byte, reason string) (string, error) {
	name := fmt.Sprintf("%s.%s-%d", t.path, reason, time.Now().UnixNano())
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return "", fmt.Errorf("backing up checkpoint: %w", err)
	}
	return name, nil
}

// Path returns the checkpoint file location.
func (t *Tracker) Path() string { return t.path }

// Loaded reports whether a previous checkpoint was found on disk.
func (t *Tracker) Loaded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loaded
}

// Recovered reports whether the loaded checkpoint was corrupt and its
// entries were salvaged.
func (t *Tracker) Recovered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recovered
}

// Backups lists files the tracker moved aside.
func (t *Tracker) Backups() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.backups)
}

// Meta returns the metadata of the loaded or current run.
func (t *Tracker) Meta() Meta {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Meta{SourceDir: t.rec.SourceDir, Patterns: slices.Clone(t.rec.Patterns), TotalDiscovered: t.rec.TotalDiscovered}
}

// Begin starts recording a run and writes the file. When resume is set and
// the loaded checkpoint belongs to the same source directory its completed
// set is kept. A checkpoint for another directory is backed up and
// replaced. It returns the number of completed entries carried over.
func (t *Tracker) Begin(meta Meta, resume bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	keep := resume && t.loaded
	if keep && t.rec.SourceDir != "" && t.rec.SourceDir != meta.SourceDir {
		if data, err := os.ReadFile(t.path); err == nil {
			backup, err := t.backup(data, "stale")
			if err != nil {
				return 0, err
			}
			t.backups = append(t.backups, backup)
		}
		keep = false
	}
	if !keep {
		t.completed.Clear()
		t.rec.RunStartedAt = now
	}
	if t.rec.RunStartedAt.IsZero() {
		t.rec.RunStartedAt = now
	}

	t.rec.SchemaVersion = SchemaVersion
	t.rec.SourceDir = meta.SourceDir
	t.rec.Patterns = slices.Clone(meta.Patterns)
	t.rec.TotalDiscovered = meta.TotalDiscovered
	t.loaded = true
	if err := t.save(); err != nil {
		return 0, err
	}
	return t.completed.Cardinality(), nil
}

// IsCompleted reports whether id has been recorded.
func (t *Tracker) IsCompleted(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed.Contains(id)
}

// MarkCompleted records id and persists the checkpoint.
func (t *Tracker) MarkCompleted(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.completed.Add(id) {
		return nil
	}
	if err := t.save(); err != nil {
		t.completed.Remove(id)
		return err
	}
	return nil
}

// Completed returns the recorded identifiers in sorted order.
func (t *Tracker) Completed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sorted()
}

// Len returns the number of recorded identifiers.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed.Cardinality()
}

// Remove deletes the checkpoint file.
func (t *Tracker) Remove() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing checkpoint: %w", err)
	}
	t.completed.Clear()
	t.loaded = false
	return nil
}

func (t *Tracker) sorted() []string {
	ids := t.completed.ToSlice()
	slices.Sort(ids)
	return ids
}

func (t *Tracker) save() error {
	rec := t.rec
	rec.Completed = t.sorted()
	rec.LastUpdated = t.now()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	data = append(data, '\n')
	if err := atomicfile.Write(t.path, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

var (
	completedKeyRe = regexp.MustCompile(`"completed"\s*:\s*\[`)
	jsonStringRe   = regexp.MustCompile(`^"(?:[^"\\]|\\.)*"`)
	sourceDirRe    = regexp.MustCompile(`"source_dir"\s*:\s*("(?:[^"\\]|\\.)*")`)
	startedAtRe    = regexp.MustCompile(`"run_started_at"\s*:\s*("(?:[^"\\]|\\.)*")`)
)

// salvage recovers what it can from an unparseable checkpoint. It reads
// string literals from the "completed" array until the array closes or the
// data ends, so a file truncated mid-write still yields every entry written
// in full.
func salvage(data []byte) record {
	rec := record{SchemaVersion: SchemaVersion}
	s := string(data)

	if m := sourceDirRe.FindStringSubmatch(s); m != nil {
		_ = json.Unmarshal([]byte(m[1]), &rec.SourceDir)
	}
	if m := startedAtRe.FindStringSubmatch(s); m != nil {
		_ = json.Unmarshal([]byte(m[1]), &rec.RunStartedAt)
	}

	loc := completedKeyRe.FindStringIndex(s)
	if loc == nil {
		return rec
	}
	rest := s[loc[1]:]
	for {
		rest = strings.TrimLeft(rest, " \t\r\n,")
		if rest == "" || rest[0] != '"' {
			return rec
		}
		lit := jsonStringRe.FindString(rest)
		if lit == "" {
			return rec
		}
		var id string
		if err := json.Unmarshal([]byte(lit), &id); err == nil && id != "" {
			rec.Completed = append(rec.Completed, id)
		}
		rest = rest[len(lit):]
	}
}
