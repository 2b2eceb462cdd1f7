package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/kalambet/strata/internal/extract"
)

// Discover walks root and returns the slash-relative paths of files whose
// base name (or, for patterns containing a slash, relative path) matches one
// of patterns. Hidden files and directories are skipped. Without recursive only
// files directly under root are returned. The result is sorted and free of
// duplicates.
func Discover(root string, patterns []string, recursive bool) ([]string, error) {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("reading source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", root)
	}

	var found []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p == root {
				return nil
			}
			if !recursive || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if matchAny(patterns, rel) {
			found = append(found, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	slices.Sort(found)
	return slices.Compact(found), nil
}

func matchAny(patterns []string, rel string) bool {
	base := path.Base(rel)
	for _, p := range patterns {
		target := base
		if strings.Contains(p, "/") {
			target = rel
		}
		if ok, _ := path.Match(p, target); ok {
			return true
		}
	}
	return false
}

// Rules are the checks applied to every candidate file.
type Rules struct {
	// Extensions is the whitelist, lower case with the leading dot.
	Extensions []string
	// MaxSize rejects larger files. Zero disables the check.
	MaxSize int64
	// SoftSize only warns. Zero disables the warning.
	SoftSize int64
}

// Validation is the outcome of checking one file. Issues make the file
// invalid; warnings do not.
type Validation struct {
	Path     string   `json:"path"`
	Valid    bool     `json:"valid"`
	Size     int64    `json:"size"`
	Issues   []string `json:"issues,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validate checks root/rel against the rules. It never fails; problems are
// reported as issues.
func (r Rules) Validate(root, rel string) Validation {
	v := Validation{Path: rel}
	abs := filepath.Join(root, filepath.FromSlash(rel))

	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		v.Issues = append(v.Issues, "file does not exist")
		return v
	case err != nil:
		v.Issues = append(v.Issues, fmt.Sprintf("cannot stat file: %v", err))
		return v
	case !info.Mode().IsRegular():
		v.Issues = append(v.Issues, "not a regular file")
		return v
	}
	v.Size = info.Size()

	ext := strings.ToLower(path.Ext(rel))
	if len(r.Extensions) > 0 && !slices.Contains(r.Extensions, ext) {
		v.Issues = append(v.Issues, fmt.Sprintf("extension %q is not allowed", ext))
	}
	if v.Size == 0 {
		v.Issues = append(v.Issues, "file is empty")
	}
	if r.MaxSize > 0 && v.Size > r.MaxSize {
		v.Issues = append(v.Issues, fmt.Sprintf("file is %s, limit is %s",
			humanize.IBytes(uint64(v.Size)), humanize.IBytes(uint64(r.MaxSize))))
	} else if r.SoftSize > 0 && v.Size > r.SoftSize {
		v.Warnings = append(v.Warnings, fmt.Sprintf("large file (%s)", humanize.IBytes(uint64(v.Size))))
	}

	f, err := os.Open(abs)
	if err != nil {
		v.Issues = append(v.Issues, fmt.Sprintf("file is not readable: %v", err))
		return v
	}
	f.Close()

	if len(v.Issues) == 0 && !extract.IsBinaryFormat(rel) {
		data, err := os.ReadFile(abs)
		if err != nil {
			v.Issues = append(v.Issues, fmt.Sprintf("file is not readable: %v", err))
			return v
		}
		if !utf8.Valid(data) {
			v.Warnings = append(v.Warnings, "content is not valid UTF-8; invalid bytes will be dropped")
		}
	}

	v.Valid = len(v.Issues) == 0
	return v
}
