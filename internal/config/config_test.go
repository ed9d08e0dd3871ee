package config

import (
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

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
registry:
  base_url: https://registry.example
  token: secret
  timeout: 12s
  batch_size: 4
breaker:
  registry:
    failure_threshold: 2
    recovery_timeout: 90s
source:
  section: "11"
  max_pages: 7
  page_delay: 500ms
browser:
  remote_url: ws://chrome:9222
  headless: false
document:
  dpi: 200
  ocr_options: "--psm 4"
run:
  time_zone: UTC
logging:
  development: true
  level: WARNING
archive:
  provider: local
  base_dir: /var/lib/juscash
notify:
  provider: pubsub
  project_id: proj
  topic: runs
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://registry.example", cfg.Registry.BaseURL)
	assert.Equal(t, "secret", cfg.Registry.Token)
	assert.Equal(t, 12*time.Second, cfg.Registry.Timeout)
	assert.Equal(t, 4, cfg.Registry.BatchSize)
	assert.Equal(t, 2, cfg.Breaker.Registry.FailureThreshold)
	assert.Equal(t, 90*time.Second, cfg.Breaker.Registry.RecoveryTimeout)
	assert.Equal(t, 3, cfg.Breaker.Browser.FailureThreshold)
	assert.Equal(t, "11", cfg.Source.Section)
	assert.Equal(t, 7, cfg.Source.MaxPages)
	assert.Equal(t, 500*time.Millisecond, cfg.Source.PageDelay)
	assert.Equal(t, "ws://chrome:9222", cfg.Browser.RemoteURL)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 200, cfg.Document.DPI)
	assert.Equal(t, "--psm 4", cfg.Document.OCROptions)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, "local", cfg.Archive.Provider)
	assert.Equal(t, "runs", cfg.Notify.Topic)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JUSCASH_REGISTRY_TOKEN", "from-env")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Registry.Token)
	assert.Equal(t, "https://juscash-api.azurewebsites.net", cfg.Registry.BaseURL)
	assert.Equal(t, 3, cfg.Registry.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Registry.RateLimitCooldown)
	assert.Equal(t, 10, cfg.Registry.BatchSize)
	assert.Equal(t, 5, cfg.Breaker.Registry.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.Registry.RecoveryTimeout)
	assert.Equal(t, "https://dje.tjsp.jus.br/cdje/consultaAvancada.do", cfg.Source.SearchURL)
	assert.Equal(t, "12", cfg.Source.Section)
	assert.Equal(t, `"RPV" E "pagamento pelo INSS"`, cfg.Source.Query)
	assert.Equal(t, 50, cfg.Source.MaxPages)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, int64(50<<20), cfg.Document.MaxBytes)
	assert.Equal(t, "por", cfg.Document.OCRLanguage)
	assert.Equal(t, 300, cfg.Document.DPI)
	assert.Equal(t, 5*time.Second, cfg.Run.DateDelay)
	assert.Equal(t, "America/Sao_Paulo", cfg.Run.TimeZone)
	assert.Equal(t, "none", cfg.Archive.Provider)
	assert.Equal(t, "none", cfg.Notify.Provider)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "registry:\n  token: file-token\nsource:\n  max_pages: 3\n")
	t.Setenv("JUSCASH_SOURCE_MAX_PAGES", "9")
	t.Setenv("JUSCASH_DOCUMENT_DOWNLOAD_DELAY", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file-token", cfg.Registry.Token)
	assert.Equal(t, 9, cfg.Source.MaxPages)
	assert.Equal(t, 250*time.Millisecond, cfg.Document.DownloadDelay)
}

func TestLoadMissingTokenIsFatal(t *testing.T) {
	t.Setenv("JUSCASH_REGISTRY_TOKEN", "")

	_, err := Load("")
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "registry.token")
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func validConfig() Config {
	return Config{
		Registry: RegistryConfig{BaseURL: "https://registry.example", Token: "t", MaxAttempts: 3, BatchSize: 10},
		Breaker: BreakersConfig{
			Registry: BreakerConfig{FailureThreshold: 5},
			Browser:  BreakerConfig{FailureThreshold: 3},
		},
		Source:   SourceConfig{MaxPages: 50},
		Document: DocumentConfig{DPI: 300},
		Run:      RunConfig{TimeZone: "America/Sao_Paulo"},
		Logging:  LoggingConfig{Level: "info"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{name: "blank token", mutate: func(c *Config) { c.Registry.Token = "  " }, key: "registry.token"},
		{name: "no base url", mutate: func(c *Config) { c.Registry.BaseURL = "" }, key: "registry.base_url"},
		{name: "attempts", mutate: func(c *Config) { c.Registry.MaxAttempts = 0 }, key: "registry.max_attempts"},
		{name: "batch size", mutate: func(c *Config) { c.Registry.BatchSize = 0 }, key: "registry.batch_size"},
		{name: "registry breaker", mutate: func(c *Config) { c.Breaker.Registry.FailureThreshold = 0 }, key: "breaker.registry.failure_threshold"},
		{name: "browser breaker", mutate: func(c *Config) { c.Breaker.Browser.FailureThreshold = -1 }, key: "breaker.browser.failure_threshold"},
		{name: "max pages", mutate: func(c *Config) { c.Source.MaxPages = 0 }, key: "source.max_pages"},
		{name: "dpi", mutate: func(c *Config) { c.Document.DPI = 0 }, key: "document.dpi"},
		{name: "time zone", mutate: func(c *Config) { c.Run.TimeZone = "Mars/Olympus" }, key: "run.time_zone"},
		{name: "level", mutate: func(c *Config) { c.Logging.Level = "loud" }, key: "logging.level"},
		{name: "local archive", mutate: func(c *Config) { c.Archive.Provider = "local" }, key: "archive.base_dir"},
		{name: "gcs archive", mutate: func(c *Config) { c.Archive.Provider = "gcs" }, key: "archive.bucket"},
		{name: "archive provider", mutate: func(c *Config) { c.Archive.Provider = "s3" }, key: "archive.provider"},
		{name: "pubsub", mutate: func(c *Config) { c.Notify.Provider = "pubsub"; c.Notify.Topic = "runs" }, key: "notify.project_id"},
		{name: "notify provider", mutate: func(c *Config) { c.Notify.Provider = "kafka" }, key: "notify.provider"},
	}

	require.NoError(t, validConfig().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":         "info",
		"INFO":     "info",
		"debug":    "debug",
		"WARNING":  "warn",
		"warn":     "warn",
		"Error":    "error",
		"CRITICAL": "fatal",
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	require.Error(t, err)
}
