// Package config loads the research-flow runtime configuration.
//
// Files are merged in order, later files overriding earlier ones:
// built-in defaults, ~/.research-flow/config.yaml, ./.research-flow/config.yaml
// and finally an explicit --config path. A .env file in the working directory
// is loaded into the process environment first, so secrets referenced by
// api_key_env can live there.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".research-flow"

// Provider kinds.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderMock   = "mock"
)

// Market data sources.
const (
	MarketBinance   = "binance"
	MarketSynthetic = "synthetic"
)

// Config is the top-level configuration structure.
type Config struct {
	Provider        ProviderConfig  `yaml:"provider"`
	Embedding       EmbeddingConfig `yaml:"embedding"`
	MarketData      MarketConfig    `yaml:"market_data"`
	Store           StoreConfig     `yaml:"store"`
	ToolsFile       string          `yaml:"tools_file"`
	Knowledge       KnowledgeConfig `yaml:"knowledge"`
	ExtractionCache CacheConfig     `yaml:"extraction_cache"`
	ModelHealthTTL  string          `yaml:"model_health_ttl"`
	TraceDir        string          `yaml:"trace_dir"`
	LogLevel        string          `yaml:"log_level"`
	LogFormat       string          `yaml:"log_format"`
	MetricsAddr     string          `yaml:"metrics_addr"`
}

type ProviderConfig struct {
	Kind         string `yaml:"kind"`
	Endpoint     string `yaml:"endpoint"`
	APIKeyEnv    string `yaml:"api_key_env"`
	APITimeout   string `yaml:"api_timeout"`
	DefaultModel string `yaml:"default_model"`
}

type EmbeddingConfig struct {
	Model string `yaml:"model"`
}

type MarketConfig struct {
	Source   string `yaml:"source"`
	Endpoint string `yaml:"endpoint"`
	CacheTTL string `yaml:"cache_ttl"`
	Limit    int    `yaml:"limit"`
}

type StoreConfig struct {
	Path string `yaml:"path"` // empty keeps runs in memory
}

type KnowledgeConfig struct {
	Path      string `yaml:"path"`
	ChunkSize int    `yaml:"chunk_size"`
	Overlap   int    `yaml:"overlap"`
}

type CacheConfig struct {
	Size int    `yaml:"size"`
	TTL  string `yaml:"ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Kind:         ProviderOpenAI,
			Endpoint:     "https://openrouter.ai/api/v1",
			APIKeyEnv:    "OPENROUTER_API_KEY",
			APITimeout:   "120s",
			DefaultModel: "openai/gpt-4o-mini",
		},
		MarketData: MarketConfig{
			Source:   MarketBinance,
			CacheTTL: "1m",
			Limit:    200,
		},
		Store:           StoreConfig{Path: filepath.Join(DirName, "runs.db")},
		Knowledge:       KnowledgeConfig{Path: filepath.Join(DirName, "knowledge.db"), ChunkSize: 1000, Overlap: 100},
		ExtractionCache: CacheConfig{Size: 512, TTL: "1h"},
		ModelHealthTTL:  "15m",
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load resolves config from defaults → user → project → explicit path. An
// explicit path must exist; the implicit ones are optional.
func Load(explicit string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	if home, err := os.UserHomeDir(); err == nil {
		if err := mergeFile(cfg, filepath.Join(home, DirName, "config.yaml")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}
	if err := mergeFile(cfg, filepath.Join(DirName, "config.yaml")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}
	if explicit != "" {
		if err := mergeFile(cfg, explicit); err != nil {
			return nil, fmt.Errorf("loading %s: %w", explicit, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeFile(dst *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, dst)
}

// Validate checks enums and durations.
func (c *Config) Validate() error {
	var errs []error
	switch c.Provider.Kind {
	case ProviderOpenAI, ProviderGemini, ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("provider.kind %q must be one of openai, gemini, mock", c.Provider.Kind))
	}
	switch c.MarketData.Source {
	case MarketBinance, MarketSynthetic:
	default:
		errs = append(errs, fmt.Errorf("market_data.source %q must be binance or synthetic", c.MarketData.Source))
	}
	for name, v := range map[string]string{
		"provider.api_timeout":  c.Provider.APITimeout,
		"market_data.cache_ttl": c.MarketData.CacheTTL,
		"extraction_cache.ttl":  c.ExtractionCache.TTL,
		"model_health_ttl":      c.ModelHealthTTL,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.ExtractionCache.Size < 0 {
		errs = append(errs, fmt.Errorf("extraction_cache.size must not be negative"))
	}
	if c.Knowledge.Overlap < 0 || (c.Knowledge.ChunkSize > 0 && c.Knowledge.Overlap >= c.Knowledge.ChunkSize) {
		errs = append(errs, fmt.Errorf("knowledge.overlap must be smaller than knowledge.chunk_size"))
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	return errors.Join(errs...)
}

// APIKey returns the provider key from the environment.
func (c *Config) APIKey() string {
	if c.Provider.APIKeyEnv == "" {
		return os.Getenv("OPENROUTER_API_KEY")
	}
	return os.Getenv(c.Provider.APIKeyEnv)
}

// Duration parses a validated duration field, returning def when it is empty.
func Duration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// ParseLevel maps a log_level value to a slog level. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger from log_level and log_format. It does not touch
// the global default.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.LogLevel)}
	var handler slog.Handler
	if c.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
