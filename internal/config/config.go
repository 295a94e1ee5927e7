// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Browser       BrowserConfig       `mapstructure:"browser"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Artifacts     ArtifactsConfig     `mapstructure:"artifacts"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Events        EventsConfig        `mapstructure:"events"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig controls access to the persistence store.
type DatabaseConfig struct {
	// Provider selects "postgres" or "memory".
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// BrowserConfig configures the headless rendering subsystem.
type BrowserConfig struct {
	UserAgent         string `mapstructure:"user_agent"`
	NavTimeoutSec     int    `mapstructure:"nav_timeout_seconds"`
	SelectorWaitSec   int    `mapstructure:"selector_wait_seconds"`
	LinkScopeWaitSec  int    `mapstructure:"link_scope_wait_seconds"`
	ScreenshotQuality int    `mapstructure:"screenshot_quality"`
}

// HTTPConfig configures the probe/download HTTP client.
type HTTPConfig struct {
	ProbeTimeoutSec    int `mapstructure:"probe_timeout_seconds"`
	DownloadTimeoutSec int `mapstructure:"download_timeout_seconds"`
	MaxRedirects       int `mapstructure:"max_redirects"`
}

// SchedulerConfig governs check admission.
type SchedulerConfig struct {
	MaxConcurrentChecks int `mapstructure:"max_concurrent_checks"`
}

// ArtifactsConfig sets where evidence files are written.
type ArtifactsConfig struct {
	// Provider selects "local" or "gcs".
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// SMTPConfig carries mail transport credentials.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// SMSProviderConfig configures one SMS gateway in the provider chain.
type SMSProviderConfig struct {
	Name      string `mapstructure:"name"`
	Endpoint  string `mapstructure:"endpoint"`
	APIKey    string `mapstructure:"api_key"`
	Template  string `mapstructure:"template"`
	SignName  string `mapstructure:"sign_name"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

// NotificationsConfig wires the outbound channels.
type NotificationsConfig struct {
	SMTP         SMTPConfig          `mapstructure:"smtp"`
	SMSProviders []SMSProviderConfig `mapstructure:"sms_providers"`
	PublicWebURL string              `mapstructure:"public_web_url"`
	AdminPhone   string              `mapstructure:"admin_phone"`
}

// EventsConfig controls optional change-event publishing.
type EventsConfig struct {
	// Provider selects "pubsub", "memory" or "noop".
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGESENTRY")
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.provider", "memory")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("browser.user_agent", "pagesentry/1.0")
	v.SetDefault("browser.nav_timeout_seconds", 60)
	v.SetDefault("browser.selector_wait_seconds", 10)
	v.SetDefault("browser.link_scope_wait_seconds", 3)
	v.SetDefault("browser.screenshot_quality", 90)
	v.SetDefault("http.probe_timeout_seconds", 15)
	v.SetDefault("http.download_timeout_seconds", 60)
	v.SetDefault("http.max_redirects", 5)
	v.SetDefault("scheduler.max_concurrent_checks", 2)
	v.SetDefault("artifacts.provider", "local")
	v.SetDefault("artifacts.base_dir", "storage")
	v.SetDefault("events.provider", "noop")
	v.SetDefault("logging.development", false)
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	switch c.Database.Provider {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.provider is postgres but database.dsn is not set")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database.provider %q", c.Database.Provider)
	}
	switch c.Artifacts.Provider {
	case "local":
		if c.Artifacts.BaseDir == "" {
			return fmt.Errorf("artifacts.provider is local but artifacts.base_dir is not set")
		}
	case "gcs":
		if c.Artifacts.GCSBucket == "" {
			return fmt.Errorf("artifacts.provider is gcs but artifacts.gcs_bucket is not set")
		}
	default:
		return fmt.Errorf("unknown artifacts.provider %q", c.Artifacts.Provider)
	}
	switch c.Events.Provider {
	case "pubsub":
		if c.Events.ProjectID == "" || c.Events.Topic == "" {
			return fmt.Errorf("events.provider is pubsub but project_id or topic is not set")
		}
	case "memory", "noop":
	default:
		return fmt.Errorf("unknown events.provider %q", c.Events.Provider)
	}
	if c.Scheduler.MaxConcurrentChecks <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_checks must be positive")
	}
	return nil
}

// NavTimeout returns the navigation timeout as a duration.
func (b BrowserConfig) NavTimeout() time.Duration {
	if b.NavTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(b.NavTimeoutSec) * time.Second
}

// SelectorWait returns how long extraction waits for a selector to appear.
func (b BrowserConfig) SelectorWait() time.Duration {
	if b.SelectorWaitSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(b.SelectorWaitSec) * time.Second
}

// LinkScopeWait returns how long link discovery waits for the scope region.
func (b BrowserConfig) LinkScopeWait() time.Duration {
	if b.LinkScopeWaitSec <= 0 {
		return 3 * time.Second
	}
	return time.Duration(b.LinkScopeWaitSec) * time.Second
}

// ProbeTimeout returns the probe request timeout as a duration.
func (h HTTPConfig) ProbeTimeout() time.Duration {
	if h.ProbeTimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(h.ProbeTimeoutSec) * time.Second
}

// DownloadTimeout returns the download request timeout as a duration.
func (h HTTPConfig) DownloadTimeout() time.Duration {
	if h.DownloadTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(h.DownloadTimeoutSec) * time.Second
}
