package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DataDir      string `envconfig:"DATA_DIR" default:"."`
	StoreBackend string `envconfig:"STORE_BACKEND" default:"json"`
	StoreFile    string `envconfig:"STORE_FILE" default:"downloads.json"`
	DBFile       string `envconfig:"DB_FILE" default:"downloads.db"`

	PartialSuffix     string  `envconfig:"PARTIAL_SUFFIX" default:".download"`
	ProgressThreshold float64 `envconfig:"PROGRESS_THRESHOLD" default:"1.0"`
	DownloadAuthToken string  `envconfig:"DOWNLOAD_AUTH_TOKEN"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	NotifyBuffer      int    `envconfig:"NOTIFY_BUFFER" default:"64"`

	Telemetry struct {
		Enabled      bool   `default:"true"`
		ServiceName  string `split_words:"true" default:"download_manager"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

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
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	switch cfg.StoreBackend {
	case "json", "sqlite":
	default:
		return nil, fmt.Errorf("invalid store backend: %s", cfg.StoreBackend)
	}

	return &cfg, nil
}

// StorePath is the JSON store location.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, c.StoreFile)
}

// DBPath is the SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, c.DBFile)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
