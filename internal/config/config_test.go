package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ProviderNone, cfg.Interpretation.Provider)
	assert.False(t, cfg.Interpretation.Enabled())
	assert.Equal(t, 15*time.Second, cfg.Interpretation.HeartbeatInterval)
	assert.Equal(t, 2*time.Minute, cfg.Interpretation.Timeout)
	assert.Equal(t, []string{"text/*", "application/json", "application/*+json", "application/xml"}, cfg.Interpretation.MimeTypes)
	assert.Equal(t, 8, cfg.Workers.UploadMaxAttempts)
	assert.Equal(t, 3, cfg.Workers.QuotaRetentionMonths)
	assert.Equal(t, 32, cfg.Relationships.MaxTraversalDepth)
	assert.Equal(t, "truth.db", filepath.Base(cfg.Database.Path))
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /var/lib/truthlayer/truth.db
interpretation:
  provider: anthropic
  model: claude-haiku-4-5-20251001
  temperature: "0.2"
  monthly_quota: 50
  timeout: 90s
relationships:
  acyclic_types: [reports_to, subsidiary_of]
logging:
  format: json
`)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-0123456789abcdef")
	t.Setenv("TRUTHLAYER_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/truthlayer/truth.db", cfg.Database.Path)
	assert.Equal(t, "sk-ant-0123456789abcdef", cfg.Interpretation.Key())
	assert.Equal(t, "0.2", cfg.Interpretation.Temperature)
	assert.Equal(t, int64(50), cfg.Interpretation.MonthlyQuota)
	assert.Equal(t, 90*time.Second, cfg.Interpretation.Timeout)
	assert.Equal(t, []string{"reports_to", "subsidiary_of"}, cfg.Relationships.AcyclicTypes)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")

	path := writeConfig(t, "interpretation:\n  provider: openai\n")
	t.Setenv("OPENAI_API_KEY", "")
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interpretation.api_key")
}

func validCfg() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "/tmp/truth.db"},
		Storage:  StorageConfig{BlobDir: "/tmp/blobs", SpoolDir: "/tmp/spool"},
		Interpretation: InterpretationConfig{
			Provider:          ProviderNone,
			Temperature:       "0",
			MaxTokens:         4096,
			HeartbeatInterval: 15 * time.Second,
			Timeout:           2 * time.Minute,
			MimeTypes:         []string{"text/*"},
		},
		Workers: WorkersConfig{
			UploadMaxAttempts:    8,
			UploadBackoffBase:    30 * time.Second,
			UploadBackoffMax:     time.Hour,
			QuotaRetentionMonths: 3,
		},
		Relationships: RelationshipsConfig{MaxTraversalDepth: 32},
		Logging:       LoggingConfig{Level: "info", Format: "text"},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validCfg().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown provider", func(c *Config) { c.Interpretation.Provider = "gemini" }, "interpretation.provider"},
		{"provider without key", func(c *Config) { c.Interpretation.Provider = ProviderAnthropic }, "interpretation.api_key"},
		{"temperature text", func(c *Config) { c.Interpretation.Temperature = "warm" }, "interpretation.temperature"},
		{"temperature range", func(c *Config) { c.Interpretation.Temperature = "2.5" }, "interpretation.temperature"},
		{"timeout below heartbeat", func(c *Config) { c.Interpretation.Timeout = 10 * time.Second }, "interpretation.timeout"},
		{"negative quota", func(c *Config) { c.Interpretation.MonthlyQuota = -1 }, "monthly_quota"},
		{"no mime types", func(c *Config) { c.Interpretation.MimeTypes = nil }, "mime_types"},
		{"backoff max below base", func(c *Config) { c.Workers.UploadBackoffMax = time.Second }, "upload_backoff_max"},
		{"zero retention", func(c *Config) { c.Workers.QuotaRetentionMonths = 0 }, "quota_retention_months"},
		{"zero depth", func(c *Config) { c.Relationships.MaxTraversalDepth = 0 }, "max_traversal_depth"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"empty database", func(c *Config) { c.Database.Path = "" }, "database.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validCfg()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestInterpretationConfig_MasksKey(t *testing.T) {
	c := InterpretationConfig{Provider: ProviderOpenAI, OpenAIAPIKey: "sk-proj-abcdefghijkl"}
	s := c.String()
	assert.Contains(t, s, "sk-p****ijkl")
	assert.NotContains(t, s, "abcdefgh")

	assert.Equal(t, "***", maskAPIKey("short"))
	assert.Equal(t, "", maskAPIKey(""))

	c.APIKey = "explicit-key-123456"
	assert.Equal(t, "explicit-key-123456", c.Key(), "api_key wins over the provider variable")
}

func TestLoggingConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "entity_id", "ent_1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"entity_id":"ent_1"`)
}
