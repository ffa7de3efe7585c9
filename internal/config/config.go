// Package config loads the single immutable configuration object the
// rest of the system is threaded through (no singletons), modeled on
// the teacher's koanf-based env-over-file-over-defaults precedence.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/mediavault/internal/logging"
)

// Config is the single configuration object for the service, loaded
// once at startup and passed by reference through the app context.
type Config struct {
	ContentRoot string `koanf:"content_root"`

	EmbeddingDim            int     `koanf:"embedding_dim"`
	TextToTextThreshold     float64 `koanf:"text_to_text_threshold"`
	TextToImageThreshold    float64 `koanf:"text_to_image_threshold"`
	ImageSearchThreshold    float64 `koanf:"image_search_threshold"`
	MaxFileSize             int64   `koanf:"max_file_size"`
	WorkerCount             int     `koanf:"worker_count"`
	MaxEmbeddingAttempts    int     `koanf:"max_embedding_attempts"`
	TextRatePerSec          float64 `koanf:"text_rate_per_sec"`
	ImageRatePerSec         float64 `koanf:"image_rate_per_sec"`
	EmbeddingCallTimeout    time.Duration `koanf:"embedding_call_timeout"`
	FixDimensionOnMismatch  bool    `koanf:"fix_dimension_on_mismatch"`
	RequireIndexOnStart     bool    `koanf:"require_index_on_start"`
	QueueHighWaterMark      int     `koanf:"queue_high_water_mark"`

	HTTPPort        int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	VectorDBURL        string `koanf:"vector_db_url"`
	CollectionName     string `koanf:"collection_name"`
	EmbeddingProviderKey string `koanf:"embedding_provider_key"`
	EmbeddingTextURL   string `koanf:"embedding_text_url"`
	EmbeddingImageURL  string `koanf:"embedding_image_url"`

	JWTSecret       string `koanf:"jwt_secret"`
	DefaultUser     string `koanf:"default_user"`
	DefaultPassword string `koanf:"default_password"`

	RegistryPath string `koanf:"registry_path"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

// Load builds a Config from an optional YAML file followed by
// environment variable overrides, matching the precedence documented
// in the teacher's internal/config/loader.go: env > file > defaults.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			f, err := os.Open(configPath)
			if err != nil {
				return nil, fmt.Errorf("opening config file: %w", err)
			}
			defer f.Close()

			content, err := io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("reading config file: %w", err)
			}

			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
			}
		}
	}

	// Environment variables use the flat names documented in the
	// external interfaces spec (CONTENT_ROOT, VECTOR_DB_URL, ...).
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Defaults returns the option table from the spec's Config & Lifecycle
// component, §4.7.
func Defaults() *Config {
	return &Config{
		ContentRoot:            "/media",
		EmbeddingDim:           1024,
		TextToTextThreshold:    0.8,
		TextToImageThreshold:   0.2,
		ImageSearchThreshold:   0.5,
		MaxFileSize:            500 * 1024 * 1024,
		WorkerCount:            4,
		MaxEmbeddingAttempts:   5,
		TextRatePerSec:         10,
		ImageRatePerSec:        5,
		EmbeddingCallTimeout:   30 * time.Second,
		FixDimensionOnMismatch: false,
		RequireIndexOnStart:    false,
		QueueHighWaterMark:     1024,
		HTTPPort:               8080,
		ShutdownTimeout:        10 * time.Second,
		VectorDBURL:            "localhost:6334",
		CollectionName:         "media_embeddings",
		EmbeddingTextURL:       "http://localhost:8081/embed/text",
		EmbeddingImageURL:      "http://localhost:8081/embed/image",
		RegistryPath:           "registry/media.db",
		LogLevel:               "info",
		LogFormat:              "json",
	}
}

// Validate rejects nonsensical configuration before anything starts.
func (c *Config) Validate() error {
	if c.ContentRoot == "" {
		return fmt.Errorf("content_root is required")
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding_dim must be > 0")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max_file_size must be > 0")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker_count must be > 0")
	}
	if c.MaxEmbeddingAttempts <= 0 {
		return fmt.Errorf("max_embedding_attempts must be > 0")
	}
	if c.TextRatePerSec <= 0 || c.ImageRatePerSec <= 0 {
		return fmt.Errorf("rate limits must be > 0")
	}
	for name, v := range map[string]float64{
		"text_to_text_threshold":  c.TextToTextThreshold,
		"text_to_image_threshold": c.TextToImageThreshold,
		"image_search_threshold":  c.ImageSearchThreshold,
	} {
		if v < -1 || v > 1 {
			return fmt.Errorf("%s must be in [-1, 1], got %v", name, v)
		}
	}
	if c.CollectionName == "" {
		return fmt.Errorf("collection_name is required")
	}
	return nil
}

// LoggingConfig projects the logging-relevant fields into a
// logging.Config for internal/logging.New.
func (c *Config) LoggingConfig() *logging.Config {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = nil
	}
	cfg := logging.NewDefaultConfig()
	cfg.Format = c.LogFormat
	if level != nil {
		cfg.Level = *level
	}
	return cfg
}
