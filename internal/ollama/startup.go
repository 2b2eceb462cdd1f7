package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
)

// ErrNotRunning is returned by EnsureReady when the server is unreachable.
var ErrNotRunning = errors.New("ollama is not running; start it with: ollama serve")

// EnsureReady checks that Ollama is running and that every named model is
// available, pulling missing ones with progress written to w. Empty and
// repeated names are ignored.
func EnsureReady(ctx context.Context, c *Client, models []string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return ErrNotRunning
	}

	var seen []string
	for _, model := range models {
		if model == "" || slices.Contains(seen, model) {
			continue
		}
		seen = append(seen, model)

		if c.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := c.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}
