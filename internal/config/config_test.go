package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Scanner.URLParallelism != 1 || cfg.Scanner.MaxURLs != 10 {
		t.Fatalf("unexpected scanner defaults: %+v", cfg.Scanner)
	}
	if !cfg.Fetch.StealthMode || cfg.Fetch.MaxRetries != 3 {
		t.Fatalf("unexpected fetch defaults: %+v", cfg.Fetch)
	}
	if cfg.Document.PageLimit != 4 || cfg.LLM.ChunkTokens != 25000 {
		t.Fatalf("unexpected document/llm defaults: %+v %+v", cfg.Document, cfg.LLM)
	}
	if cfg.DB.DSN != "" {
		t.Fatalf("expected empty dsn, got %q", cfg.DB.DSN)
	}
	if len(cfg.Server.CORSOrigins) != 2 {
		t.Fatalf("expected two default cors origins, got %v", cfg.Server.CORSOrigins)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout_seconds: 120
  cors_origins:
    - https://rfp.example.com
auth:
  enabled: true
  api_key: secret
scanner:
  url_parallelism: 3
  max_urls: 25
  default_state_code: CA
  enable_stage2: false
fetch:
  max_retries: 5
  retry_min_wait_ms: 100
  retry_max_wait_ms: 400
  stealth_mode: false
  proxy_url: http://proxy.example.com:8080
llm:
  model: claude-test
  max_attempts: 2
  retry_min_wait_ms: 10
  retry_max_wait_ms: 20
document:
  page_limit: 6
db:
  dsn: postgres://localhost/rfp
  max_conns: 4
logging:
  development: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "https://rfp.example.com" {
		t.Fatalf("expected cors override, got %v", cfg.Server.CORSOrigins)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Scanner.URLParallelism != 3 || cfg.Scanner.MaxURLs != 25 || cfg.Scanner.EnableStage2 {
		t.Fatalf("expected scanner overrides to apply: %+v", cfg.Scanner)
	}
	if cfg.Scanner.DefaultStateCode != "CA" {
		t.Fatalf("expected state code CA, got %q", cfg.Scanner.DefaultStateCode)
	}
	if cfg.Fetch.StealthMode || cfg.Fetch.ProxyURL == "" {
		t.Fatalf("expected fetch overrides to apply: %+v", cfg.Fetch)
	}
	if cfg.Fetch.ViewportWidth != 1920 {
		t.Fatalf("expected untouched keys to keep defaults, got width %d", cfg.Fetch.ViewportWidth)
	}
	if cfg.LLM.Model != "claude-test" || cfg.Document.PageLimit != 6 {
		t.Fatalf("expected llm/document overrides: %+v %+v", cfg.LLM, cfg.Document)
	}
	if cfg.DB.DSN != "postgres://localhost/rfp" || cfg.DB.MaxConns != 4 {
		t.Fatalf("expected db overrides: %+v", cfg.DB)
	}
	if got := cfg.RequestTimeout(); got != 2*time.Minute {
		t.Fatalf("expected request timeout 2m, got %v", got)
	}

	fetch := cfg.FetchRetry()
	if fetch.MaxAttempts != 5 || fetch.MinWait != 100*time.Millisecond || fetch.MaxWait != 400*time.Millisecond {
		t.Fatalf("unexpected fetch retry policy: %+v", fetch)
	}
	llm := cfg.LLMRetry()
	if llm.MaxAttempts != 2 || llm.MinWait != 10*time.Millisecond || llm.MaxWait != 20*time.Millisecond {
		t.Fatalf("unexpected llm retry policy: %+v", llm)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("RFP_SCANNER_MAX_URLS", "3")
	t.Setenv("RFP_LLM_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scanner.MaxURLs != 3 {
		t.Fatalf("expected env max urls 3, got %d", cfg.Scanner.MaxURLs)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("expected env api key, got %q", cfg.LLM.APIKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Scanner:  ScannerConfig{URLParallelism: 1, Workers: 1, MaxURLs: 10},
		Fetch:    FetchConfig{MaxRetries: 3, MaxBrowsers: 1},
		Document: DocumentConfig{PageLimit: 4},
		LLM:      LLMConfig{MaxAttempts: 3, ChunkTokens: 25000},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"no parallelism", func(c *Config) { c.Scanner.URLParallelism = 0 }, "scanner.url_parallelism"},
		{"no workers", func(c *Config) { c.Scanner.Workers = 0 }, "scanner.workers"},
		{"no urls", func(c *Config) { c.Scanner.MaxURLs = 0 }, "scanner.max_urls"},
		{"no retries", func(c *Config) { c.Fetch.MaxRetries = 0 }, "fetch.max_retries"},
		{"no browsers", func(c *Config) { c.Fetch.MaxBrowsers = 0 }, "fetch.max_browsers"},
		{"inverted delay", func(c *Config) { c.Fetch.RandomDelayMinMs = 10 }, "fetch.random_delay_max_ms"},
		{"inverted backoff", func(c *Config) { c.Fetch.RetryMinWaitMs = 10 }, "fetch.retry_max_wait_ms"},
		{"no page limit", func(c *Config) { c.Document.PageLimit = 0 }, "document.page_limit"},
		{"no llm attempts", func(c *Config) { c.LLM.MaxAttempts = 0 }, "llm.max_attempts"},
		{"no chunk size", func(c *Config) { c.LLM.ChunkTokens = 0 }, "llm.chunk_tokens"},
		{"pool bounds", func(c *Config) { c.DB.MinConns = 2 }, "db.min_conns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
