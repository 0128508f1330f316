// Package config loads and validates scanner configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/rfp-scanner/internal/retry"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Scanner  ScannerConfig  `mapstructure:"scanner"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Document DocumentConfig `mapstructure:"document"`
	Extract  ExtractConfig  `mapstructure:"extract"`
	LLM      LLMConfig      `mapstructure:"llm"`
	DB       DBConfig       `mapstructure:"db"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int      `mapstructure:"port"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
	CORSOrigins           []string `mapstructure:"cors_origins"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ScannerConfig governs session execution and the async queue.
type ScannerConfig struct {
	URLParallelism   int    `mapstructure:"url_parallelism"`
	Workers          int    `mapstructure:"workers"`
	QueueDepth       int    `mapstructure:"queue_depth"`
	MaxURLs          int    `mapstructure:"max_urls"`
	DefaultStateCode string `mapstructure:"default_state_code"`
	EnableStage2     bool   `mapstructure:"enable_stage2"`
}

// FetchConfig configures the stealth browser fetcher.
type FetchConfig struct {
	TimeoutSeconds            int     `mapstructure:"timeout_seconds"`
	NavigationTimeoutSeconds  int     `mapstructure:"navigation_timeout_seconds"`
	NetworkIdleTimeoutSeconds int     `mapstructure:"network_idle_timeout_seconds"`
	MaxRetries                int     `mapstructure:"max_retries"`
	RetryMinWaitMs            int     `mapstructure:"retry_min_wait_ms"`
	RetryMaxWaitMs            int     `mapstructure:"retry_max_wait_ms"`
	StealthMode               bool    `mapstructure:"stealth_mode"`
	RandomDelayMinMs          int     `mapstructure:"random_delay_min_ms"`
	RandomDelayMaxMs          int     `mapstructure:"random_delay_max_ms"`
	ViewportWidth             int     `mapstructure:"viewport_width"`
	ViewportHeight            int     `mapstructure:"viewport_height"`
	UserAgent                 string  `mapstructure:"user_agent"`
	ProxyURL                  string  `mapstructure:"proxy_url"`
	ProxyUsername             string  `mapstructure:"proxy_username"`
	ProxyPassword             string  `mapstructure:"proxy_password"`
	MaxBrowsers               int     `mapstructure:"max_browsers"`
	DomainRPS                 float64 `mapstructure:"domain_rps"`
}

// DocumentConfig bounds source document downloads.
type DocumentConfig struct {
	PageLimit              int   `mapstructure:"page_limit"`
	DownloadTimeoutSeconds int   `mapstructure:"download_timeout_seconds"`
	MaxBytes               int64 `mapstructure:"max_bytes"`
}

// ExtractConfig points at the OCR service. PDFs are read in process;
// PdftotextPath names the binary tried when that fails, and empty disables it.
type ExtractConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	PdftotextPath string `mapstructure:"pdftotext_path"`
}

// LLMConfig configures both classification stages.
type LLMConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	Model             string  `mapstructure:"model"`
	Stage1MaxTokens   int64   `mapstructure:"stage1_max_tokens"`
	Stage2MaxTokens   int64   `mapstructure:"stage2_max_tokens"`
	Temperature       float64 `mapstructure:"temperature"`
	ChunkTokens       int     `mapstructure:"chunk_tokens"`
	MaxAttempts       int     `mapstructure:"max_attempts"`
	RetryMinWaitMs    int     `mapstructure:"retry_min_wait_ms"`
	RetryMaxWaitMs    int     `mapstructure:"retry_max_wait_ms"`
	DocumentCharLimit int     `mapstructure:"document_char_limit"`
}

// DBConfig controls access to Postgres. An empty DSN selects in-memory stores.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RFP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 600)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")

	v.SetDefault("scanner.url_parallelism", 1)
	v.SetDefault("scanner.workers", 2)
	v.SetDefault("scanner.queue_depth", 64)
	v.SetDefault("scanner.max_urls", 10)
	v.SetDefault("scanner.default_state_code", "US")
	v.SetDefault("scanner.enable_stage2", true)

	v.SetDefault("fetch.timeout_seconds", 60)
	v.SetDefault("fetch.navigation_timeout_seconds", 45)
	v.SetDefault("fetch.network_idle_timeout_seconds", 10)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.retry_min_wait_ms", 2000)
	v.SetDefault("fetch.retry_max_wait_ms", 30000)
	v.SetDefault("fetch.stealth_mode", true)
	v.SetDefault("fetch.random_delay_min_ms", 1000)
	v.SetDefault("fetch.random_delay_max_ms", 3000)
	v.SetDefault("fetch.viewport_width", 1920)
	v.SetDefault("fetch.viewport_height", 1080)
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("fetch.proxy_url", "")
	v.SetDefault("fetch.proxy_username", "")
	v.SetDefault("fetch.proxy_password", "")
	v.SetDefault("fetch.max_browsers", 2)
	v.SetDefault("fetch.domain_rps", 0.5)

	v.SetDefault("document.page_limit", 4)
	v.SetDefault("document.download_timeout_seconds", 60)
	v.SetDefault("document.max_bytes", 50<<20)

	v.SetDefault("extract.endpoint", "")
	v.SetDefault("extract.api_key", "")
	v.SetDefault("extract.model", "mistral-ocr-latest")
	v.SetDefault("extract.pdftotext_path", "pdftotext")

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "claude-sonnet-4-5")
	v.SetDefault("llm.stage1_max_tokens", 16000)
	v.SetDefault("llm.stage2_max_tokens", 4000)
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.chunk_tokens", 25000)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.retry_min_wait_ms", 2000)
	v.SetDefault("llm.retry_max_wait_ms", 30000)
	v.SetDefault("llm.document_char_limit", 80000)

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)

	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scanner.URLParallelism <= 0 {
		return fmt.Errorf("scanner.url_parallelism must be > 0")
	}
	if c.Scanner.Workers <= 0 {
		return fmt.Errorf("scanner.workers must be > 0")
	}
	if c.Scanner.MaxURLs <= 0 {
		return fmt.Errorf("scanner.max_urls must be > 0")
	}
	if c.Fetch.MaxRetries <= 0 {
		return fmt.Errorf("fetch.max_retries must be > 0")
	}
	if c.Fetch.MaxBrowsers <= 0 {
		return fmt.Errorf("fetch.max_browsers must be > 0")
	}
	if c.Fetch.RandomDelayMaxMs < c.Fetch.RandomDelayMinMs {
		return fmt.Errorf("fetch.random_delay_max_ms must be >= fetch.random_delay_min_ms")
	}
	if c.Fetch.RetryMaxWaitMs < c.Fetch.RetryMinWaitMs {
		return fmt.Errorf("fetch.retry_max_wait_ms must be >= fetch.retry_min_wait_ms")
	}
	if c.Document.PageLimit <= 0 {
		return fmt.Errorf("document.page_limit must be > 0")
	}
	if c.LLM.MaxAttempts <= 0 {
		return fmt.Errorf("llm.max_attempts must be > 0")
	}
	if c.LLM.ChunkTokens <= 0 {
		return fmt.Errorf("llm.chunk_tokens must be > 0")
	}
	if c.DB.MinConns > c.DB.MaxConns {
		return fmt.Errorf("db.min_conns must be <= db.max_conns")
	}
	return nil
}

// FetchRetry converts the fetch retry knobs into a policy.
func (c Config) FetchRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Fetch.MaxRetries,
		MinWait:     millis(c.Fetch.RetryMinWaitMs),
		MaxWait:     millis(c.Fetch.RetryMaxWaitMs),
	}
}

// LLMRetry converts the model retry knobs into a policy.
func (c Config) LLMRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.LLM.MaxAttempts,
		MinWait:     millis(c.LLM.RetryMinWaitMs),
		MaxWait:     millis(c.LLM.RetryMaxWaitMs),
	}
}

// RequestTimeout bounds a synchronous scan request.
func (c Config) RequestTimeout() time.Duration {
	return seconds(c.Server.RequestTimeoutSeconds)
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
