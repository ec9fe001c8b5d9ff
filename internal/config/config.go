package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir    string `envconfig:"DOWNLOAD_DIR" required:"true"`
	StorageBackend string `envconfig:"STORAGE_BACKEND" default:"sqlite"`
	DBPath         string `envconfig:"DB_PATH" default:"batches.db"`
	ManifestPath   string `envconfig:"MANIFEST_PATH"`

	MaxParallelFiles   int `envconfig:"MAX_PARALLEL_FILES" default:"5"`
	MaxParallelBatches int `envconfig:"MAX_PARALLEL_BATCHES" default:"2"`

	Throttle         string        `envconfig:"THROTTLE" default:"interval"`
	ThrottleInterval time.Duration `envconfig:"THROTTLE_INTERVAL" default:"500ms"`

	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"0s"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"batch_downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings envconfig cannot check on its own.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DownloadDir) == "" {
		errs = append(errs, errors.New("DOWNLOAD_DIR must not be empty"))
	}

	switch c.StorageBackend {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}

	switch c.Throttle {
	case "none":
	case "interval":
		if c.ThrottleInterval <= 0 {
			errs = append(errs, errors.New("THROTTLE_INTERVAL must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown THROTTLE %q", c.Throttle))
	}

	if c.MaxParallelFiles < 1 {
		errs = append(errs, errors.New("MAX_PARALLEL_FILES must be at least 1"))
	}

	if c.MaxParallelBatches < 1 {
		errs = append(errs, errors.New("MAX_PARALLEL_BATCHES must be at least 1"))
	}

	if c.KeepDownloadedFor > 0 && c.CleanupInterval <= 0 {
		errs = append(errs, errors.New("CLEANUP_INTERVAL must be positive when KEEP_DOWNLOADED_FOR is set"))
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
