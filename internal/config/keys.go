package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kList
	kDuration
	kBytes
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "storage.data_dir", typ: kString, env: "STRATA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.backend", typ: kString, env: "STRATA_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "log.level", typ: kString, env: "STRATA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "STRATA_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "ingest.patterns", typ: kList, env: "STRATA_INGEST_PATTERNS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Patterns = v.([]string) },
		extract: func(cfg Config) any { return cfg.Ingest.Patterns },
	},
	{
		key: "ingest.extensions", typ: kList, env: "STRATA_INGEST_EXTENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Extensions = normalizeExtensions(v.([]string)) },
		extract: func(cfg Config) any { return cfg.Ingest.Extensions },
	},
	{
		key: "ingest.max_file_size", typ: kBytes, env: "STRATA_INGEST_MAX_FILE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxFileSize = v.(int64) },
		extract: func(cfg Config) any { return humanize.IBytes(uint64(cfg.Ingest.MaxFileSize)) },
	},
	{
		key: "ingest.workers", typ: kInt, env: "STRATA_INGEST_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "ingest.group_size", typ: kInt, env: "STRATA_INGEST_GROUP_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.GroupSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.GroupSize },
	},
	{
		key: "ingest.memory_threshold_mb", typ: kInt, env: "STRATA_INGEST_MEMORY_THRESHOLD_MB",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MemoryThresholdMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MemoryThresholdMB },
	},
	{
		key: "ingest.max_attempts", typ: kInt, env: "STRATA_INGEST_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxAttempts },
	},
	{
		key: "ingest.backoff_initial", typ: kDuration, env: "STRATA_INGEST_BACKOFF_INITIAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.BackoffInitial = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.BackoffInitial },
	},
	{
		key: "ingest.backoff_multiplier", typ: kFloat, env: "STRATA_INGEST_BACKOFF_MULTIPLIER",
		apply:   func(cfg *Config, v any) { cfg.Ingest.BackoffMultiplier = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ingest.BackoffMultiplier },
	},
	{
		key: "ingest.call_timeout", typ: kDuration, env: "STRATA_INGEST_CALL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ingest.CallTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.CallTimeout },
	},
	{
		key: "ingest.checkpoint_path", typ: kString, env: "STRATA_INGEST_CHECKPOINT_PATH",
		apply:   func(cfg *Config, v any) { cfg.Ingest.CheckpointPath = v.(string) },
		extract: func(cfg Config) any { return cfg.CheckpointFile() },
	},
	{
		key: "ingest.report_dir", typ: kString, env: "STRATA_INGEST_REPORT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ReportDir = v.(string) },
		extract: func(cfg Config) any { return cfg.ReportDirectory() },
	},
	{
		key: "chunker.max_size", typ: kInt, env: "STRATA_CHUNKER_MAX_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunker.MaxSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunker.MaxSize },
	},
	{
		key: "chunker.min_size", typ: kInt, env: "STRATA_CHUNKER_MIN_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunker.MinSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunker.MinSize },
	},
	{
		key: "chunker.overlap", typ: kInt, env: "STRATA_CHUNKER_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunker.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunker.Overlap },
	},
	{
		key: "chunker.hard_ceiling", typ: kInt, env: "STRATA_CHUNKER_HARD_CEILING",
		apply:   func(cfg *Config, v any) { cfg.Chunker.HardCeiling = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunker.HardCeiling },
	},
	{
		key: "ollama.enabled", typ: kBool, env: "STRATA_OLLAMA_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ollama.Enabled },
	},
	{
		key: "ollama.base_url", typ: kString, env: "STRATA_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "STRATA_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.summary_model", typ: kString, env: "STRATA_OLLAMA_SUMMARY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.SummaryModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.SummaryModel },
	},
	{
		key: "ollama.rate_limit", typ: kFloat, env: "STRATA_OLLAMA_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Ollama.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ollama.RateLimit },
	},
	{
		key: "server.port", typ: kInt, env: "STRATA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "STRATA_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
}

func lookup(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok := b.Get(s.key)
		if !ok {
			continue
		}
		v, err := s.convert(raw)
		if err != nil {
			return fmt.Errorf("config file key %s: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.convert(raw)
		if err != nil {
			return fmt.Errorf("environment variable %s: %w", s.env, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

// convert turns a raw value into the key's Go type. Strings come from the
// environment or the command line; other types come from TOML decoding.
func (s keySpec) convert(raw any) (any, error) {
	switch s.typ {
	case kString:
		switch v := raw.(type) {
		case string:
			return v, nil
		default:
			return fmt.Sprint(v), nil
		}
	case kInt:
		switch v := raw.(type) {
		case int64:
			return int(v), nil
		case int:
			return v, nil
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("%v is not an integer", v)
			}
			return int(v), nil
		case string:
			i, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("invalid integer %q", v)
			}
			return i, nil
		}
	case kBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("invalid bool %q", v)
			}
			return b, nil
		}
	case kFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", v)
			}
			return f, nil
		}
	case kList:
		switch v := raw.(type) {
		case []string:
			return v, nil
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				str, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("list item %v is not a string", item)
				}
				out = append(out, str)
			}
			return out, nil
		case string:
			var out []string
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			return out, nil
		}
	case kDuration:
		switch v := raw.(type) {
		case string:
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q", v)
			}
			return d, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		}
	case kBytes:
		switch v := raw.(type) {
		case int64:
			return v, nil
		case string:
			n, err := humanize.ParseBytes(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("invalid size %q", v)
			}
			if n > math.MaxInt64 {
				return nil, fmt.Errorf("size %q is too large", v)
			}
			return int64(n), nil
		}
	}
	return nil, fmt.Errorf("unexpected value %v (%T)", raw, raw)
}

// normalizeExtensions lower-cases and adds the leading dot.
func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}
