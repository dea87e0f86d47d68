// Package config loads truthlayer configuration from defaults, an optional
// YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interpretation providers.
const (
	ProviderNone      = "none"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config holds all configuration for truthlayer.
type Config struct {
	Database       DatabaseConfig       `mapstructure:"database"`
	Storage        StorageConfig        `mapstructure:"storage"`
	Interpretation InterpretationConfig `mapstructure:"interpretation"`
	Workers        WorkersConfig        `mapstructure:"workers"`
	Relationships  RelationshipsConfig  `mapstructure:"relationships"`
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// DatabaseConfig locates the SQLite row store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig locates Source bytes.
type StorageConfig struct {
	BlobDir  string `mapstructure:"blob_dir"`
	SpoolDir string `mapstructure:"spool_dir"`
}

// InterpretationConfig configures the interpretation fence and its provider.
type InterpretationConfig struct {
	Provider          string        `mapstructure:"provider"`
	Model             string        `mapstructure:"model"`
	APIKey            string        `mapstructure:"api_key"`
	AnthropicAPIKey   string        `mapstructure:"anthropic_api_key"`
	OpenAIAPIKey      string        `mapstructure:"openai_api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Temperature       string        `mapstructure:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MonthlyQuota      int64         `mapstructure:"monthly_quota"`
	MimeTypes         []string      `mapstructure:"mime_types"`
}

// Key returns the API key for the configured provider: api_key when set,
// otherwise the provider's conventional environment variable.
func (c InterpretationConfig) Key() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	switch c.Provider {
	case ProviderAnthropic:
		return c.AnthropicAPIKey
	case ProviderOpenAI:
		return c.OpenAIAPIKey
	}
	return ""
}

// Enabled reports whether a provider is configured.
func (c InterpretationConfig) Enabled() bool {
	return c.Provider != "" && c.Provider != ProviderNone
}

// String returns a safe representation with API keys masked.
func (c InterpretationConfig) String() string {
	return fmt.Sprintf("InterpretationConfig{Provider:%s, Model:%s, APIKey:%s, Temperature:%s, MonthlyQuota:%d}",
		c.Provider, c.Model, maskAPIKey(c.Key()), c.Temperature, c.MonthlyQuota)
}

// maskAPIKey shows first 4 + last 4 chars, replacing the middle with asterisks.
func maskAPIKey(key string) string {
	const visible = 4
	if key == "" {
		return ""
	}
	if len(key) <= visible*2 {
		return "***"
	}
	return key[:visible] + "****" + key[len(key)-visible:]
}

// WorkersConfig configures the background tasks. A zero interval disables a task.
type WorkersConfig struct {
	UploadInterval       time.Duration `mapstructure:"upload_interval"`
	UploadMaxAttempts    int           `mapstructure:"upload_max_attempts"`
	UploadBackoffBase    time.Duration `mapstructure:"upload_backoff_base"`
	UploadBackoffMax     time.Duration `mapstructure:"upload_backoff_max"`
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval"`
	QuotaInterval        time.Duration `mapstructure:"quota_interval"`
	QuotaRetentionMonths int           `mapstructure:"quota_retention_months"`
}

// RelationshipsConfig is the relationship graph policy.
type RelationshipsConfig struct {
	AcyclicTypes      []string `mapstructure:"acyclic_types"`
	MaxTraversalDepth int      `mapstructure:"max_traversal_depth"`
}

// ServerConfig configures the serve command's debug listener.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// String returns a summary safe to log.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database:%s, BlobDir:%s, %s, Logging:%s/%s}",
		c.Database.Path, c.Storage.BlobDir, c.Interpretation, c.Logging.Level, c.Logging.Format)
}

// Load reads configuration. When path is empty the file is looked up as
// config.yaml in $HOME/.truthlayer and the working directory; a missing file
// is not an error. Environment variables use the TRUTHLAYER_ prefix with
// dots replaced by underscores (TRUTHLAYER_DATABASE_PATH).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(homeDir(), ".truthlayer"))
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TRUTHLAYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("interpretation.anthropic_api_key", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("interpretation.openai_api_key", "OPENAI_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	dir := filepath.Join(homeDir(), ".truthlayer")
	v.SetDefault("database.path", filepath.Join(dir, "truth.db"))
	v.SetDefault("storage.blob_dir", filepath.Join(dir, "blobs"))
	v.SetDefault("storage.spool_dir", filepath.Join(dir, "spool"))

	v.SetDefault("interpretation.provider", ProviderNone)
	v.SetDefault("interpretation.model", "")
	v.SetDefault("interpretation.api_key", "")
	v.SetDefault("interpretation.anthropic_api_key", "")
	v.SetDefault("interpretation.openai_api_key", "")
	v.SetDefault("interpretation.base_url", "")
	v.SetDefault("interpretation.temperature", "0")
	v.SetDefault("interpretation.max_tokens", 4096)
	v.SetDefault("interpretation.heartbeat_interval", 15*time.Second)
	v.SetDefault("interpretation.timeout", 2*time.Minute)
	v.SetDefault("interpretation.monthly_quota", 1000)
	v.SetDefault("interpretation.mime_types", []string{"text/*", "application/json", "application/*+json", "application/xml"})

	v.SetDefault("workers.upload_interval", 30*time.Second)
	v.SetDefault("workers.upload_max_attempts", 8)
	v.SetDefault("workers.upload_backoff_base", 30*time.Second)
	v.SetDefault("workers.upload_backoff_max", time.Hour)
	v.SetDefault("workers.cleanup_interval", time.Minute)
	v.SetDefault("workers.quota_interval", 24*time.Hour)
	v.SetDefault("workers.quota_retention_months", 3)

	v.SetDefault("relationships.acyclic_types", []string{})
	v.SetDefault("relationships.max_traversal_depth", 32)

	v.SetDefault("server.listen_addr", "127.0.0.1:7411")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that configuration values are set and consistent.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Storage.BlobDir == "" {
		return fmt.Errorf("storage.blob_dir must not be empty")
	}
	if c.Storage.SpoolDir == "" {
		return fmt.Errorf("storage.spool_dir must not be empty")
	}

	in := c.Interpretation
	switch in.Provider {
	case "", ProviderNone:
	case ProviderAnthropic, ProviderOpenAI:
		if in.Key() == "" {
			return fmt.Errorf("interpretation.api_key is required for provider %q", in.Provider)
		}
	default:
		return fmt.Errorf("interpretation.provider must be one of none, anthropic, openai (got %q)", in.Provider)
	}
	if temp, err := strconv.ParseFloat(in.Temperature, 64); err != nil || temp < 0 || temp > 2 {
		return fmt.Errorf("interpretation.temperature must be a number between 0 and 2 (got %q)", in.Temperature)
	}
	if in.MaxTokens <= 0 {
		return fmt.Errorf("interpretation.max_tokens must be greater than 0")
	}
	if in.HeartbeatInterval <= 0 {
		return fmt.Errorf("interpretation.heartbeat_interval must be greater than 0")
	}
	if in.Timeout <= in.HeartbeatInterval {
		return fmt.Errorf("interpretation.timeout (%s) must exceed heartbeat_interval (%s)", in.Timeout, in.HeartbeatInterval)
	}
	if in.MonthlyQuota < 0 {
		return fmt.Errorf("interpretation.monthly_quota must be >= 0")
	}
	if len(in.MimeTypes) == 0 {
		return fmt.Errorf("interpretation.mime_types must not be empty")
	}

	w := c.Workers
	if w.UploadInterval < 0 || w.CleanupInterval < 0 || w.QuotaInterval < 0 {
		return fmt.Errorf("workers intervals must be >= 0")
	}
	if w.UploadMaxAttempts <= 0 {
		return fmt.Errorf("workers.upload_max_attempts must be greater than 0")
	}
	if w.UploadBackoffBase <= 0 {
		return fmt.Errorf("workers.upload_backoff_base must be greater than 0")
	}
	if w.UploadBackoffMax < w.UploadBackoffBase {
		return fmt.Errorf("workers.upload_backoff_max (%s) must be >= upload_backoff_base (%s)", w.UploadBackoffMax, w.UploadBackoffBase)
	}
	if w.QuotaRetentionMonths < 1 {
		return fmt.Errorf("workers.quota_retention_months must be at least 1")
	}

	if c.Relationships.MaxTraversalDepth <= 0 {
		return fmt.Errorf("relationships.max_traversal_depth must be greater than 0")
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}
	return nil
}

// ParseLevel maps a logging.level value to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging.level must be debug, info, warn or error (got %q)", level)
}

// NewLogger builds the process logger writing to w.
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
