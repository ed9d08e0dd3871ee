// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. JUSCASH_REGISTRY_TOKEN.
const EnvPrefix = "JUSCASH"

// ErrInvalid marks configuration that cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Config captures all scraper configuration knobs loaded via Viper.
type Config struct {
	Registry RegistryConfig `mapstructure:"registry"`
	Breaker  BreakersConfig `mapstructure:"breaker"`
	Source   SourceConfig   `mapstructure:"source"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Document DocumentConfig `mapstructure:"document"`
	Run      RunConfig      `mapstructure:"run"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

// RegistryConfig controls the case registry client.
type RegistryConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Token             string        `mapstructure:"token"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	RateLimitCooldown time.Duration `mapstructure:"rate_limit_cooldown"`
	BatchSize         int           `mapstructure:"batch_size"`
	BatchDelay        time.Duration `mapstructure:"batch_delay"`
	ExecutedBy        string        `mapstructure:"executed_by"`
	Environment       string        `mapstructure:"environment"`
	HostName          string        `mapstructure:"host_name"`
}

// BreakersConfig holds one breaker per remote dependency.
type BreakersConfig struct {
	Registry BreakerConfig `mapstructure:"registry"`
	Browser  BreakerConfig `mapstructure:"browser"`
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// SourceConfig describes the gazette search portal.
type SourceConfig struct {
	SearchURL   string        `mapstructure:"search_url"`
	BaseURL     string        `mapstructure:"base_url"`
	Section     string        `mapstructure:"section"`
	Query       string        `mapstructure:"query"`
	MaxPages    int           `mapstructure:"max_pages"`
	PageDelay   time.Duration `mapstructure:"page_delay"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	StepTimeout time.Duration `mapstructure:"step_timeout"`
	Defendant   string        `mapstructure:"defendant"`
}

// BrowserConfig configures the remote-controlled browser.
type BrowserConfig struct {
	RemoteURL         string        `mapstructure:"remote_url"`
	Headless          bool          `mapstructure:"headless"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// DocumentConfig configures download and text extraction.
type DocumentConfig struct {
	MaxBytes        int64         `mapstructure:"max_bytes"`
	DownloadDelay   time.Duration `mapstructure:"download_delay"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
	TextBinary      string        `mapstructure:"text_binary"`
	OCRBinary       string        `mapstructure:"ocr_binary"`
	OCRLanguage     string        `mapstructure:"ocr_language"`
	OCROptions      string        `mapstructure:"ocr_options"`
	DPI             int           `mapstructure:"dpi"`
	TempDir         string        `mapstructure:"temp_dir"`
}

// RunConfig controls run scheduling.
type RunConfig struct {
	DateDelay       time.Duration `mapstructure:"date_delay"`
	TimeZone        string        `mapstructure:"time_zone"`
	FinalizeTimeout time.Duration `mapstructure:"finalize_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig enables the metrics listener when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ArchiveConfig selects where extracted document text is kept.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Prefix   string `mapstructure:"prefix"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
}

// NotifyConfig selects where run completion events are published.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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

// Every key needs a default so AutomaticEnv can see it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("registry.base_url", "https://juscash-api.azurewebsites.net")
	v.SetDefault("registry.token", "")
	v.SetDefault("registry.timeout", 30*time.Second)
	v.SetDefault("registry.max_attempts", 3)
	v.SetDefault("registry.backoff_base", time.Second)
	v.SetDefault("registry.backoff_max", 10*time.Second)
	v.SetDefault("registry.rate_limit_cooldown", 5*time.Second)
	v.SetDefault("registry.batch_size", 10)
	v.SetDefault("registry.batch_delay", time.Second)
	v.SetDefault("registry.executed_by", "juscash-go")
	v.SetDefault("registry.environment", "production")
	v.SetDefault("registry.host_name", "")

	v.SetDefault("breaker.registry.failure_threshold", 5)
	v.SetDefault("breaker.registry.recovery_timeout", 60*time.Second)
	v.SetDefault("breaker.browser.failure_threshold", 3)
	v.SetDefault("breaker.browser.recovery_timeout", 30*time.Second)

	v.SetDefault("source.search_url", "https://dje.tjsp.jus.br/cdje/consultaAvancada.do")
	v.SetDefault("source.base_url", "https://dje.tjsp.jus.br")
	v.SetDefault("source.section", "12")
	v.SetDefault("source.query", `"RPV" E "pagamento pelo INSS"`)
	v.SetDefault("source.max_pages", 50)
	v.SetDefault("source.page_delay", 2*time.Second)
	v.SetDefault("source.settle_delay", 3*time.Second)
	v.SetDefault("source.step_timeout", 30*time.Second)
	v.SetDefault("source.defendant", "Instituto Nacional do Seguro Social - INSS")

	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.navigation_timeout", 30*time.Second)
	v.SetDefault("browser.poll_interval", 250*time.Millisecond)

	v.SetDefault("document.max_bytes", 50<<20)
	v.SetDefault("document.download_delay", 2*time.Second)
	v.SetDefault("document.download_timeout", 30*time.Second)
	v.SetDefault("document.user_agent", "")
	v.SetDefault("document.text_binary", "pdftotext")
	v.SetDefault("document.ocr_binary", "tesseract")
	v.SetDefault("document.ocr_language", "por")
	v.SetDefault("document.ocr_options", "--psm 6")
	v.SetDefault("document.dpi", 300)
	v.SetDefault("document.temp_dir", "")

	v.SetDefault("run.date_delay", 5*time.Second)
	v.SetDefault("run.time_zone", "America/Sao_Paulo")
	v.SetDefault("run.finalize_timeout", 30*time.Second)

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "documents")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.bucket", "")

	v.SetDefault("notify.provider", "none")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
}

func invalid(key, format string, args ...any) error {
	return fmt.Errorf("%w: %s %s", ErrInvalid, key, fmt.Sprintf(format, args...))
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Registry.Token) == "" {
		return invalid("registry.token", "must be set")
	}
	if strings.TrimSpace(c.Registry.BaseURL) == "" {
		return invalid("registry.base_url", "must be set")
	}
	if c.Registry.MaxAttempts <= 0 {
		return invalid("registry.max_attempts", "must be > 0")
	}
	if c.Registry.BatchSize <= 0 {
		return invalid("registry.batch_size", "must be > 0")
	}
	if c.Breaker.Registry.FailureThreshold <= 0 {
		return invalid("breaker.registry.failure_threshold", "must be > 0")
	}
	if c.Breaker.Browser.FailureThreshold <= 0 {
		return invalid("breaker.browser.failure_threshold", "must be > 0")
	}
	if c.Source.MaxPages <= 0 {
		return invalid("source.max_pages", "must be > 0")
	}
	if c.Document.DPI <= 0 {
		return invalid("document.dpi", "must be > 0")
	}
	if _, err := c.Location(); err != nil {
		return invalid("run.time_zone", "%q is unknown", c.Run.TimeZone)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging.level", "%q is unknown", c.Logging.Level)
	}
	switch c.Archive.Provider {
	case "", "none":
	case "local":
		if c.Archive.BaseDir == "" {
			return invalid("archive.base_dir", "must be set when archive.provider is local")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return invalid("archive.bucket", "must be set when archive.provider is gcs")
		}
	default:
		return invalid("archive.provider", "%q is unknown", c.Archive.Provider)
	}
	switch c.Notify.Provider {
	case "", "none", "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return invalid("notify.project_id", "and notify.topic must be set when notify.provider is pubsub")
		}
	default:
		return invalid("notify.provider", "%q is unknown", c.Notify.Provider)
	}
	return nil
}

// Location resolves run.time_zone. An empty zone means UTC.
func (c Config) Location() (*time.Location, error) {
	if c.Run.TimeZone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Run.TimeZone)
}

// ParseLevel normalises DEBUG/INFO/WARNING/ERROR/CRITICAL style names to zap levels.
func ParseLevel(level string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return "info", nil
	case "debug":
		return "debug", nil
	case "warn", "warning":
		return "warn", nil
	case "error":
		return "error", nil
	case "critical", "fatal":
		return "fatal", nil
	default:
		return "", fmt.Errorf("unknown level %q", level)
	}
}
