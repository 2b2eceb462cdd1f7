package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kalambet/strata/internal/config"
	"github.com/kalambet/strata/internal/docstore"
	"github.com/kalambet/strata/internal/enrich"
	"github.com/kalambet/strata/internal/metrics"
	"github.com/kalambet/strata/internal/ollama"
	"github.com/kalambet/strata/internal/query"
	"github.com/kalambet/strata/internal/storage"
	"github.com/kalambet/strata/internal/temporal"
)

// app holds the components wired from one configuration.
type app struct {
	cfg      config.Config
	backend  storage.Backend
	engine   *temporal.Engine
	metrics  *metrics.Metrics
	ollama   *ollama.Client
	enricher *enrich.Enricher
	query    *query.Facade
}

type appOptions struct {
	// ensureModels checks that Ollama runs and pulls missing models,
	// writing progress to progress.
	ensureModels bool
	progress     io.Writer
}

func openApp(ctx context.Context, cfg config.Config, opts appOptions) (*app, error) {
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		backend: backend,
		engine:  temporal.New(backend, nil),
		metrics: metrics.New(),
	}

	queryOpts := []query.Option{query.WithMetrics(a.metrics)}
	if cfg.Ollama.Enabled {
		a.ollama = ollama.New(cfg.Ollama.BaseURL)
		if opts.ensureModels {
			w := opts.progress
			if w == nil {
				w = os.Stderr
			}
			models := []string{cfg.Ollama.EmbedModel, cfg.Ollama.SummaryModel}
			if err := ollama.EnsureReady(ctx, a.ollama, models, w); err != nil {
				backend.Close()
				return nil, err
			}
		}
		a.enricher = enrich.New(a.ollama, enrich.Config{
			EmbedModel:   cfg.Ollama.EmbedModel,
			SummaryModel: cfg.Ollama.SummaryModel,
			RateLimit:    cfg.Ollama.RateLimit,
			CallTimeout:  cfg.Ingest.CallTimeout,
		})
		if cfg.Ollama.EmbedModel != "" {
			queryOpts = append(queryOpts, query.WithEmbedder(a.ollama, cfg.Ollama.EmbedModel))
		}
	}
	a.query = query.New(a.engine, queryOpts...)
	return a, nil
}

func openBackend(cfg config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "memory":
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		s, err := docstore.Open(filepath.Join(cfg.Storage.DataDir, "strata.json"))
		if err != nil {
			return nil, fmt.Errorf("opening document store: %w", err)
		}
		return s, nil
	default:
		s, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		return s, nil
	}
}

func (a *app) Close() error {
	return a.backend.Close()
}
