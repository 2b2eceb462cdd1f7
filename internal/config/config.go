package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kalambet/strata/internal/extract"
)

type Config struct {
	Storage StorageConfig
	Log     LogConfig
	Ingest  IngestConfig
	Chunker ChunkerConfig
	Ollama  OllamaConfig
	Server  ServerConfig
}

type StorageConfig struct {
	DataDir string
	// Backend is "sqlite" or "memory".
	Backend string
}

type LogConfig struct {
	Level  string
	Format string
}

type IngestConfig struct {
	Patterns          []string
	Extensions        []string
	MaxFileSize       int64
	Workers           int
	GroupSize         int
	MemoryThresholdMB int
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	CallTimeout       time.Duration
	CheckpointPath    string
	ReportDir         string
}

type ChunkerConfig struct {
	MaxSize     int
	MinSize     int
	Overlap     int
	HardCeiling int
}

type OllamaConfig struct {
	Enabled      bool
	BaseURL      string
	EmbedModel   string
	SummaryModel string
	// RateLimit is requests per second. Zero disables limiting.
	RateLimit float64
}

type ServerConfig struct {
	Port  int
	Token string
}

// DatabasePath is the SQLite file under the data directory.
func (c Config) DatabasePath() string {
	return filepath.Join(c.Storage.DataDir, "strata.db")
}

// CheckpointFile returns the configured checkpoint path, defaulting to the
// data directory.
func (c Config) CheckpointFile() string {
	if c.Ingest.CheckpointPath != "" {
		return c.Ingest.CheckpointPath
	}
	return filepath.Join(c.Storage.DataDir, "checkpoint.json")
}

// ReportDirectory returns the configured report directory, defaulting to the
// data directory.
func (c Config) ReportDirectory() string {
	if c.Ingest.ReportDir != "" {
		return c.Ingest.ReportDir
	}
	return filepath.Join(c.Storage.DataDir, "reports")
}

func defaults() Config {
	return Config{
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			Backend: "sqlite",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Ingest: IngestConfig{
			Patterns:          []string{"*"},
			Extensions:        append([]string(nil), extract.DefaultExtensions...),
			MaxFileSize:       10 << 20,
			Workers:           4,
			GroupSize:         32,
			MemoryThresholdMB: 1024,
			MaxAttempts:       3,
			BackoffInitial:    500 * time.Millisecond,
			BackoffMultiplier: 2,
			CallTimeout:       60 * time.Second,
		},
		Chunker: ChunkerConfig{
			MaxSize: 1500,
			MinSize: 200,
			Overlap: 150,
		},
		Ollama: OllamaConfig{
			Enabled:      false,
			BaseURL:      "http://localhost:11434",
			EmbedModel:   "nomic-embed-text",
			SummaryModel: "phi3.5",
			RateLimit:    5,
		},
		Server: ServerConfig{
			Port: 4100,
		},
	}
}

// Load reads configuration from defaults, the TOML file at
// $XDG_CONFIG_HOME/strata/config.toml, and STRATA_* environment variables,
// in that order. A .env file in the working directory is loaded into the
// environment first; variables already set take precedence over it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env: %v\n", err)
	}
	b, err := openFileBackend(FilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.backend must be sqlite or memory, got %q", c.Storage.Backend)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	return nil
}

// FilePath returns the location of the config file.
func FilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "strata", "config.toml")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "strata-data"
		}
	}
	return filepath.Join(dir, "strata")
}
