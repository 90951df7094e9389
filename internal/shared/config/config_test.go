package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "ENV", "DATABASE_URL", "LLM_PROVIDER", "LLM_MODEL", "LLM_API_KEY",
		"OPENAI_API_KEY", "GEMINI_API_KEY", "LLM_TIMEOUT", "MAX_PAGES_PER_CHUNK", "MAX_FILE_BYTES",
		"OBJECT_STORE", "S3_BUCKET", "SQS_QUEUE_URL", "REDIS_ADDR",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := Load()

	if cfg.Env != "dev" {
		t.Fatalf("expected env dev, got %q", cfg.Env)
	}
	if cfg.LLM.Provider != ProviderOpenAI || cfg.LLM.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected llm defaults: %+v", cfg.LLM)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("expected provider key fallback, got %q", cfg.LLM.APIKey)
	}
	if cfg.Analysis.MaxPagesPerChunk != 40 {
		t.Fatalf("expected 40 pages per chunk, got %d", cfg.Analysis.MaxPagesPerChunk)
	}
	if cfg.Analysis.MaxFileBytes != 50<<20 {
		t.Fatalf("expected 50MiB limit, got %d", cfg.Analysis.MaxFileBytes)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoadYAMLOverlayThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
llm:
  provider: gemini
  api_key: from-file
  timeout: 45s
analysis:
  max_pages_per_chunk: 25
redis:
  addr: localhost:6379
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MAX_PAGES_PER_CHUNK", "10")

	cfg := Load()

	if cfg.LLM.Provider != ProviderGemini {
		t.Fatalf("expected gemini from file, got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Model != "gemini-2.0-flash" {
		t.Fatalf("expected gemini default model, got %q", cfg.LLM.Model)
	}
	if cfg.LLM.APIKey != "from-file" {
		t.Fatalf("expected key from file, got %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.Timeout != 45*time.Second {
		t.Fatalf("expected 45s timeout, got %s", cfg.LLM.Timeout)
	}
	if cfg.Analysis.MaxPagesPerChunk != 10 {
		t.Fatalf("expected env to override file, got %d", cfg.Analysis.MaxPagesPerChunk)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("expected redis addr from file, got %q", cfg.Redis.Addr)
	}
	if cfg.Analysis.SyncMaxBytes != 256<<10 {
		t.Fatalf("expected untouched default, got %d", cfg.Analysis.SyncMaxBytes)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "missing api key", mutate: func(c *Config) { c.LLM.APIKey = "" }, wantErr: "API key is required"},
		{name: "unknown provider", mutate: func(c *Config) { c.LLM.Provider = "acme" }, wantErr: "unknown LLM_PROVIDER"},
		{name: "zero pages per chunk", mutate: func(c *Config) { c.Analysis.MaxPagesPerChunk = 0 }, wantErr: "MAX_PAGES_PER_CHUNK"},
		{name: "production without database", mutate: func(c *Config) { c.Env = "production" }, wantErr: "DATABASE_URL"},
		{name: "s3 without bucket", mutate: func(c *Config) { c.ObjectStoreType = "s3" }, wantErr: "S3_BUCKET"},
		{name: "valid", mutate: func(c *Config) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.LLM.APIKey = "key"
			cfg.LLM.Model = "gpt-4o-mini"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseEnvLine(t *testing.T) {
	tests := []struct {
		line    string
		key     string
		val     string
		wantErr bool
	}{
		{line: "FOO=bar", key: "FOO", val: "bar"},
		{line: `export FOO="quoted value"`, key: "FOO", val: "quoted value"},
		{line: "FOO='single'", key: "FOO", val: "single"},
		{line: "# comment", wantErr: true},
		{line: "no-separator", wantErr: true},
		{line: "=value", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			key, val, ok := parseEnvLine(tt.line)
			if tt.wantErr {
				if ok {
					t.Fatalf("expected line to be skipped, got %q=%q", key, val)
				}
				return
			}
			if !ok || key != tt.key || val != tt.val {
				t.Fatalf("parseEnvLine(%q) = %q, %q, %v", tt.line, key, val, ok)
			}
		})
	}
}
