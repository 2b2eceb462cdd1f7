package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

// mapBackend is an in-memory ConfigBackend.
type mapBackend map[string]any

func (m mapBackend) Get(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

func (m mapBackend) Set(key string, v any) error {
	m[key] = v
	return nil
}

func (m mapBackend) Delete(key string) error {
	delete(m, key)
	return nil
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadFromPath(t *testing.T, path string) (Config, error) {
	t.Helper()
	b, err := openFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	cfg, err := loadFromPath(t, writeTempConfig(t, "# empty\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Storage.DataDir != "/data/strata" {
		t.Errorf("Storage.DataDir = %q, want /data/strata", cfg.Storage.DataDir)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Storage.Backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Ingest.Workers != 4 || cfg.Ingest.GroupSize != 32 || cfg.Ingest.MaxAttempts != 3 {
		t.Errorf("Ingest = %+v", cfg.Ingest)
	}
	if cfg.Ingest.MaxFileSize != 10<<20 {
		t.Errorf("Ingest.MaxFileSize = %d", cfg.Ingest.MaxFileSize)
	}
	if cfg.Chunker.MaxSize != 1500 || cfg.Chunker.Overlap != 150 {
		t.Errorf("Chunker = %+v", cfg.Chunker)
	}
	if cfg.Ollama.Enabled {
		t.Error("Ollama.Enabled should default to false")
	}
	if cfg.CheckpointFile() != "/data/strata/checkpoint.json" {
		t.Errorf("CheckpointFile = %q", cfg.CheckpointFile())
	}
	if cfg.DatabasePath() != "/data/strata/strata.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
}

// TestTOMLParsing verifies that nested tables map onto dotted keys.
func TestTOMLParsing(t *testing.T) {
	content := `
[storage]
data_dir = "/tmp/strata-test"
backend = "memory"

[log]
level = "debug"
format = "json"

[ingest]
patterns = ["*.md", "docs/*.txt"]
extensions = ["md", ".TXT"]
max_file_size = "2 MiB"
workers = 8
backoff_initial = "250ms"
backoff_multiplier = 1.5
call_timeout = 30

[chunker]
max_size = 800

[ollama]
enabled = true
rate_limit = 2

[server]
port = 5000
token = "ignored-in-file"
`
	cfg, err := loadFromPath(t, writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Storage.DataDir != "/tmp/strata-test" || cfg.Storage.Backend != "memory" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if !slices.Equal(cfg.Ingest.Patterns, []string{"*.md", "docs/*.txt"}) {
		t.Errorf("Ingest.Patterns = %v", cfg.Ingest.Patterns)
	}
	if !slices.Equal(cfg.Ingest.Extensions, []string{".md", ".txt"}) {
		t.Errorf("Ingest.Extensions = %v", cfg.Ingest.Extensions)
	}
	if cfg.Ingest.MaxFileSize != 2<<20 {
		t.Errorf("Ingest.MaxFileSize = %d, want %d", cfg.Ingest.MaxFileSize, 2<<20)
	}
	if cfg.Ingest.Workers != 8 {
		t.Errorf("Ingest.Workers = %d", cfg.Ingest.Workers)
	}
	if cfg.Ingest.BackoffInitial != 250*time.Millisecond || cfg.Ingest.BackoffMultiplier != 1.5 {
		t.Errorf("backoff = %v x%v", cfg.Ingest.BackoffInitial, cfg.Ingest.BackoffMultiplier)
	}
	if cfg.Ingest.CallTimeout != 30*time.Second {
		t.Errorf("Ingest.CallTimeout = %v", cfg.Ingest.CallTimeout)
	}
	if cfg.Chunker.MaxSize != 800 {
		t.Errorf("Chunker.MaxSize = %d", cfg.Chunker.MaxSize)
	}
	if !cfg.Ollama.Enabled || cfg.Ollama.RateLimit != 2 {
		t.Errorf("Ollama = %+v", cfg.Ollama)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Server.Token != "" {
		t.Errorf("Server.Token = %q, secrets must come from the environment", cfg.Server.Token)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, "[ingest]\nworkers = 8\n")

	t.Setenv("STRATA_INGEST_WORKERS", "2")
	t.Setenv("STRATA_INGEST_PATTERNS", "*.md, *.rst")
	t.Setenv("STRATA_SERVER_TOKEN", "env-secret")
	t.Setenv("STRATA_OLLAMA_ENABLED", "true")

	cfg, err := loadFromPath(t, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Ingest.Workers != 2 {
		t.Errorf("Ingest.Workers = %d, want 2", cfg.Ingest.Workers)
	}
	if !slices.Equal(cfg.Ingest.Patterns, []string{"*.md", "*.rst"}) {
		t.Errorf("Ingest.Patterns = %v", cfg.Ingest.Patterns)
	}
	if cfg.Server.Token != "env-secret" {
		t.Errorf("Server.Token = %q", cfg.Server.Token)
	}
	if !cfg.Ollama.Enabled {
		t.Error("Ollama.Enabled = false, want true")
	}
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
		want string
	}{
		{"bad int in env", "", map[string]string{"STRATA_INGEST_WORKERS": "many"}, "STRATA_INGEST_WORKERS"},
		{"bad duration in file", "[ingest]\ncall_timeout = \"soon\"\n", nil, "ingest.call_timeout"},
		{"unknown backend", "[storage]\nbackend = \"postgres\"\n", nil, "storage.backend"},
		{"bad log level", "", map[string]string{"STRATA_LOG_LEVEL": "loud"}, "log.level"},
		{"bad size", "", map[string]string{"STRATA_INGEST_MAX_FILE_SIZE": "huge"}, "invalid size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadFromPath(t, writeTempConfig(t, tt.file))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestMalformedFile(t *testing.T) {
	if _, err := openFileBackend(writeTempConfig(t, "[ingest\nworkers=")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSetKey(t *testing.T) {
	b := mapBackend{}

	if err := setKey(b, "ingest.workers", "6"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "ingest.call_timeout", "45s"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "ingest.patterns", "*.md,*.txt"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if b["ingest.call_timeout"] != "45s" {
		t.Errorf("duration stored as %v, want the original text", b["ingest.call_timeout"])
	}

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Ingest.Workers != 6 || cfg.Ingest.CallTimeout != 45*time.Second {
		t.Errorf("Ingest = %+v", cfg.Ingest)
	}
	if !slices.Equal(cfg.Ingest.Patterns, []string{"*.md", "*.txt"}) {
		t.Errorf("Ingest.Patterns = %v", cfg.Ingest.Patterns)
	}

	for _, tc := range []struct{ key, value, want string }{
		{"server.token", "x", "environment variable STRATA_SERVER_TOKEN"},
		{"nope", "x", "unknown config key"},
		{"ingest.workers", "x", "invalid value"},
		{"storage.backend", "redis", "storage.backend"},
	} {
		err := setKey(b, tc.key, tc.value)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("setKey(%s, %s) = %v, want error mentioning %q", tc.key, tc.value, err, tc.want)
		}
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata", "config.toml")
	b, err := openFileBackend(path)
	if err != nil {
		t.Fatalf("openFileBackend: %v", err)
	}
	if err := setKey(b, "chunker.max_size", "900"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "ingest.extensions", "md,rst"); err != nil {
		t.Fatalf("setKey: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading file: %v", err)
	}
	if !strings.Contains(string(raw), "[chunker]") {
		t.Errorf("expected nested table in file:\n%s", raw)
	}

	cfg, err := loadFromPath(t, path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Chunker.MaxSize != 900 {
		t.Errorf("Chunker.MaxSize = %d", cfg.Chunker.MaxSize)
	}
	if !slices.Equal(cfg.Ingest.Extensions, []string{".md", ".rst"}) {
		t.Errorf("Ingest.Extensions = %v", cfg.Ingest.Extensions)
	}

	if err := b.Delete("chunker.max_size"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	cfg, err = loadFromPath(t, path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Chunker.MaxSize != 1500 {
		t.Errorf("Chunker.MaxSize after delete = %d, want default", cfg.Chunker.MaxSize)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.Token = "hidden"
	for _, k := range ShowAll(cfg) {
		if k.Key == "server.token" || k.Value == "hidden" {
			t.Fatalf("secret leaked in ShowAll: %+v", k)
		}
		if k.Key == "ingest.max_file_size" && k.Value != "10 MiB" {
			t.Errorf("max_file_size shown as %q", k.Value)
		}
	}
	if slices.Contains(ValidKeys(), "server.token") {
		t.Error("ValidKeys should not include secrets")
	}
}
