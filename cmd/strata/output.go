package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kalambet/strata/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// validity renders a version's interval.
func validity(v storage.FileVersion) string {
	if v.ValidUntil == nil {
		return formatTime(v.ValidFrom) + " → now"
	}
	return formatTime(v.ValidFrom) + " → " + formatTime(*v.ValidUntil)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printVersion(w io.Writer, v storage.FileVersion) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Version\t%s\n", v.ID)
	fmt.Fprintf(tw, "Path\t%s\n", v.Path)
	fmt.Fprintf(tw, "Commit\t%s\n", v.CommitID)
	fmt.Fprintf(tw, "Valid\t%s\n", validity(v))
	fmt.Fprintf(tw, "Type\t%s\n", v.ContentType)
	fmt.Fprintf(tw, "Size\t%s, %d words, %d chunks\n", humanize.IBytes(uint64(v.SizeBytes)), v.WordCount, v.ChunkCount)
	fmt.Fprintf(tw, "Hash\t%s\n", v.ContentHash)
	fmt.Fprintf(tw, "Ingested\t%s\n", formatTime(v.IngestedAt))
	tw.Flush()
}

func printVersions(w io.Writer, vs []storage.FileVersion) {
	if len(vs) == 0 {
		fmt.Fprintln(w, "No versions found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPATH\tCOMMIT\tVALID\tCHUNKS")
	for _, v := range vs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", shortID(v.ID), v.Path, shortID(v.CommitID), validity(v), v.ChunkCount)
	}
	tw.Flush()
}

func printChunks(w io.Writer, chunks []storage.ContentChunk) {
	for _, c := range chunks {
		header := fmt.Sprintf("Chunk %d [%s]", c.Ordinal, c.ContentType)
		fmt.Fprintf(w, "\n%s\n", colorize(colorBold, header))
		if c.Summary != "" {
			fmt.Fprintf(w, "  Summary: %s\n", c.Summary)
		}
		fmt.Fprintln(w, c.Content)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
