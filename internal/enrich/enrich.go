// Package enrich adds AI-provider output (summaries and embeddings) to
// chunks before they are stored.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalambet/strata/internal/failure"
	"github.com/kalambet/strata/internal/ollama"
)

// Provider is the subset of the Ollama client the enricher needs.
type Provider interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
	Chat(ctx context.Context, model string, messages []ollama.Message) (string, error)
}

// Config selects models and limits. An empty model name disables that
// output.
type Config struct {
	EmbedModel   string
	SummaryModel string
	// RateLimit is the sustained request rate per second. Zero disables
	// limiting.
	RateLimit float64
	// CallTimeout bounds each provider call.
	CallTimeout time.Duration
	// Concurrency bounds parallel summary calls for one document.
	Concurrency int
	// MaxSummaryInput truncates the text sent for summarisation, in bytes.
	MaxSummaryInput int
}

// Result is the enrichment of one chunk.
type Result struct {
	Summary   string
	Embedding []float32
}

// Enricher calls the provider under a shared rate limit.
type Enricher struct {
	provider Provider
	cfg      Config
	limiter  *rate.Limiter
	logger   *slog.Logger
}

const summaryPrompt = "Summarise the following passage in at most two sentences. " +
	"Reply with the summary only."

func New(p Provider, cfg Config) *Enricher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxSummaryInput <= 0 {
		cfg.MaxSummaryInput = 8000
	}
	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = max(1, int(cfg.RateLimit))
	}
	return &Enricher{
		provider: p,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   slog.Default(),
	}
}

// Enabled reports whether any output is configured.
func (e *Enricher) Enabled() bool {
	return e.cfg.EmbedModel != "" || e.cfg.SummaryModel != ""
}

// Enrich returns one Result per chunk, in order. docContext, typically the
// file path and title, is given to the summariser. Provider failures are
// classified transient unless the provider rejected the request outright.
func (e *Enricher) Enrich(ctx context.Context, chunks []string, docContext string) ([]Result, error) {
	results := make([]Result, len(chunks))
	if len(chunks) == 0 || !e.Enabled() {
		return results, nil
	}

	if e.cfg.EmbedModel != "" {
		vecs, err := e.embed(ctx, chunks)
		if err != nil {
			return nil, err
		}
		for i, v := range vecs {
			results[i].Embedding = v
		}
	}

	if e.cfg.SummaryModel != "" {
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Concurrency)
		for i, text := range chunks {
			g.Go(func() error {
				s, err := e.summarise(gCtx, text, docContext)
				if err != nil {
					return fmt.Errorf("summarising chunk %d: %w", i, err)
				}
				results[i].Summary = s
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (e *Enricher) embed(ctx context.Context, chunks []string) ([][]float32, error) {
	var vecs [][]float32
	err := e.call(ctx, "embed", func(ctx context.Context) error {
		var err error
		vecs, err = e.provider.Embed(ctx, e.cfg.EmbedModel, chunks)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("embedding chunks: %w", err)
	}
	return vecs, nil
}

func (e *Enricher) summarise(ctx context.Context, text, docContext string) (string, error) {
	if len(text) > e.cfg.MaxSummaryInput {
		text = strings.ToValidUTF8(text[:e.cfg.MaxSummaryInput], "")
	}
	user := text
	if docContext != "" {
		user = "Document: " + docContext + "\n\n" + text
	}
	msgs := []ollama.Message{
		{Role: "system", Content: summaryPrompt},
		{Role: "user", Content: user},
	}

	var out string
	err := e.call(ctx, "summary", func(ctx context.Context) error {
		var err error
		out, err = e.provider.Chat(ctx, e.cfg.SummaryModel, msgs)
		return err
	})
	return strings.TrimSpace(out), err
}

// call waits for the rate limiter and runs fn under the per-call timeout.
func (e *Enricher) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return failure.Transient(fmt.Errorf("waiting for rate limiter: %w", err))
	}
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	if err == nil {
		return nil
	}
	e.logger.Debug("provider call failed", "op", op, "duration", time.Since(start), "error", err)

	var se *ollama.StatusError
	if errors.As(err, &se) && !se.Temporary() {
		return failure.Permanent(err)
	}
	return failure.Transient(err)
}
