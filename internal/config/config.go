package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Engine     EngineConfig     `yaml:"engine"`
	Browser    BrowserConfig    `yaml:"browser"`
	Accounts   []AccountEntry   `yaml:"accounts"`
	Pool       PoolConfig       `yaml:"account_pool"`
	Proxies    []ProxyEntry     `yaml:"proxies"`
	ProxyCheck ProxyCheckConfig `yaml:"proxy_check"`
	Source     SourceConfig     `yaml:"source"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	API        APIConfig        `yaml:"api"`
	Alert      AlertConfig      `yaml:"alert"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // FQDN used in alerts and webhook TLS
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Path string `yaml:"path"` // BoltDB file
}

// EngineConfig contains dispatch engine settings
type EngineConfig struct {
	Concurrency         int           `yaml:"concurrency"`           // pool-wide browser session ceiling
	TickInterval        time.Duration `yaml:"tick_interval"`         // scheduler tick
	MaxTransientRetries int           `yaml:"max_transient_retries"` // per-target retry ceiling
	SessionTimeout      time.Duration `yaml:"session_timeout"`       // hard cap on a single attempt
	DrainTimeout        time.Duration `yaml:"drain_timeout"`         // in-flight drain on pause/shutdown
}

// BrowserConfig contains browser launch settings
type BrowserConfig struct {
	Headless          bool          `yaml:"headless"`
	Bin               string        `yaml:"bin"`         // Chrome binary; empty = auto-detect
	BaseURL           string        `yaml:"base_url"`    // platform root the sessions operate on
	ProfileDir        string        `yaml:"profile_dir"` // per-account profiles live under this dir
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	ViewportWidth     int           `yaml:"viewport_width"`
	ViewportHeight    int           `yaml:"viewport_height"`
}

// AccountEntry describes one platform account
type AccountEntry struct {
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	TOTPSecret string `yaml:"totp_secret,omitempty"`
	Proxy      string `yaml:"proxy,omitempty"` // proxy URL; must appear in proxies list
}

// PoolConfig contains account pool settings
type PoolConfig struct {
	Rotation               string        `yaml:"rotation"` // round-robin or sticky
	Cooldown               time.Duration `yaml:"cooldown"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	StickyLimit            int           `yaml:"sticky_limit"` // sends before a sticky account rotates
}

// ProxyEntry describes one egress proxy
type ProxyEntry struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// ProxyCheckConfig contains proxy liveness validation settings
type ProxyCheckConfig struct {
	URL         string        `yaml:"url"` // probe target
	Timeout     time.Duration `yaml:"timeout"`
	MaxFailures int           `yaml:"max_failures"` // consecutive failures before a proxy is marked dead
}

// SourceConfig contains target source settings
type SourceConfig struct {
	// Column the adapter writes per-target status back into. Empty disables
	// write-back entirely; the sink treats this as best-effort, not an error.
	StatusColumn string `yaml:"status_column"`
}

// WebhookConfig contains inbound reply webhook settings
type WebhookConfig struct {
	ListenAddr  string           `yaml:"listen_addr"`
	Path        string           `yaml:"path"`
	VerifyToken string           `yaml:"verify_token"`
	QueueSize   int              `yaml:"queue_size"` // buffered events between intake and correlator
	TLS         WebhookTLSConfig `yaml:"tls"`
}

// WebhookTLSConfig contains TLS settings for the webhook listener
type WebhookTLSConfig struct {
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	ACME     ACMEConfig `yaml:"acme"`
}

// ACMEConfig contains Let's Encrypt settings
type ACMEConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Email    string   `yaml:"email"`
	Domains  []string `yaml:"domains"`
	CacheDir string   `yaml:"cache_dir"`
}

// APIConfig contains control API settings
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	APIKey     string `yaml:"api_key"`
}

// AlertConfig contains operator alert mail settings
type AlertConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Smarthost string   `yaml:"smarthost"` // host:port of the relay
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	From      string   `yaml:"from"`
	To        []string `yaml:"to"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // Default: :9090
	Path       string `yaml:"path"`        // Default: /metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in default values
func (c *Config) applyDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/reachd/reachd.db"
	}

	if c.Engine.Concurrency == 0 {
		c.Engine.Concurrency = 2
	}
	if c.Engine.TickInterval == 0 {
		c.Engine.TickInterval = 5 * time.Second
	}
	if c.Engine.MaxTransientRetries == 0 {
		c.Engine.MaxTransientRetries = 2
	}
	if c.Engine.SessionTimeout == 0 {
		c.Engine.SessionTimeout = 5 * time.Minute
	}
	if c.Engine.DrainTimeout == 0 {
		c.Engine.DrainTimeout = 2 * time.Minute
	}

	if c.Browser.BaseURL == "" {
		c.Browser.BaseURL = "https://www.instagram.com"
	}
	if c.Browser.ProfileDir == "" {
		c.Browser.ProfileDir = "/var/lib/reachd/profiles"
	}
	if c.Browser.NavigationTimeout == 0 {
		c.Browser.NavigationTimeout = 30 * time.Second
	}
	if c.Browser.ViewportWidth == 0 {
		c.Browser.ViewportWidth = 1366
	}
	if c.Browser.ViewportHeight == 0 {
		c.Browser.ViewportHeight = 768
	}

	if c.Pool.Rotation == "" {
		c.Pool.Rotation = "round-robin"
	}
	if c.Pool.Cooldown == 0 {
		c.Pool.Cooldown = time.Hour
	}
	if c.Pool.MaxConsecutiveFailures == 0 {
		c.Pool.MaxConsecutiveFailures = 3
	}
	if c.Pool.StickyLimit == 0 {
		c.Pool.StickyLimit = 20
	}

	if c.ProxyCheck.URL == "" {
		c.ProxyCheck.URL = "https://www.google.com/generate_204"
	}
	if c.ProxyCheck.Timeout == 0 {
		c.ProxyCheck.Timeout = 10 * time.Second
	}
	if c.ProxyCheck.MaxFailures == 0 {
		c.ProxyCheck.MaxFailures = 3
	}

	if c.Webhook.ListenAddr == "" {
		c.Webhook.ListenAddr = ":8443"
	}
	if c.Webhook.Path == "" {
		c.Webhook.Path = "/webhook"
	}
	if c.Webhook.QueueSize == 0 {
		c.Webhook.QueueSize = 256
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Pool.Rotation != "round-robin" && c.Pool.Rotation != "sticky" {
		return fmt.Errorf("invalid account_pool.rotation: %s (must be round-robin or sticky)", c.Pool.Rotation)
	}

	for i, acct := range c.Accounts {
		if acct.Username == "" {
			return fmt.Errorf("accounts[%d].username is required", i)
		}
		if acct.Password == "" {
			return fmt.Errorf("accounts[%d].password is required", i)
		}
		if acct.Proxy != "" && !c.hasProxy(acct.Proxy) {
			return fmt.Errorf("accounts[%d].proxy %q is not in the proxies list", i, acct.Proxy)
		}
	}

	for i, p := range c.Proxies {
		u, err := url.Parse(p.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("proxies[%d].url is not a valid URL: %s", i, p.URL)
		}
	}

	if c.Webhook.VerifyToken == "" {
		return fmt.Errorf("webhook.verify_token is required")
	}

	if err := c.validateTLS(); err != nil {
		return err
	}

	if c.Alert.Enabled {
		if c.Alert.Smarthost == "" {
			return fmt.Errorf("alert.smarthost is required when alerting is enabled")
		}
		if c.Alert.From == "" {
			return fmt.Errorf("alert.from is required when alerting is enabled")
		}
		if len(c.Alert.To) == 0 {
			return fmt.Errorf("alert.to must not be empty when alerting is enabled")
		}
	}

	return nil
}

// validateTLS validates webhook TLS configuration
func (c *Config) validateTLS() error {
	tls := c.Webhook.TLS
	hasCerts := tls.CertFile != "" && tls.KeyFile != ""
	hasACME := tls.ACME.Enabled

	if hasCerts && hasACME {
		return fmt.Errorf("cannot use both manual certificates and ACME")
	}

	if (tls.CertFile == "") != (tls.KeyFile == "") {
		return fmt.Errorf("webhook.tls requires both cert_file and key_file")
	}

	if hasACME {
		if tls.ACME.Email == "" {
			return fmt.Errorf("webhook.tls.acme.email is required when ACME is enabled")
		}
		if len(tls.ACME.Domains) == 0 {
			return fmt.Errorf("webhook.tls.acme.domains must not be empty when ACME is enabled")
		}
	}

	return nil
}

// HasTLS returns true if the webhook listener is TLS-enabled
func (c *Config) HasTLS() bool {
	return (c.Webhook.TLS.CertFile != "" && c.Webhook.TLS.KeyFile != "") || c.Webhook.TLS.ACME.Enabled
}

func (c *Config) hasProxy(rawURL string) bool {
	for _, p := range c.Proxies {
		if p.URL == rawURL {
			return true
		}
	}
	return false
}
