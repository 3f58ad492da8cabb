package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	content := `
server:
  hostname: "reach.test.com"

storage:
  path: "/tmp/reachd-test.db"

engine:
  concurrency: 4
  tick_interval: 2s
  max_transient_retries: 3
  session_timeout: 3m

browser:
  headless: true
  profile_dir: "/tmp/profiles"
  navigation_timeout: 20s

accounts:
  - username: "acct_one"
    password: "pass1"
    totp_secret: "GEZDGNBVGY3TQOJQ"
    proxy: "http://10.0.0.1:8080"
  - username: "acct_two"
    password: "pass2"

account_pool:
  rotation: "sticky"
  cooldown: 30m
  sticky_limit: 10

proxies:
  - url: "http://10.0.0.1:8080"
    username: "proxyuser"
    password: "proxypass"

webhook:
  listen_addr: ":8443"
  path: "/hooks/replies"
  verify_token: "handshake-secret"
  queue_size: 64

api:
  listen_addr: ":9080"
  api_key: "test-api-key"

alert:
  enabled: true
  smarthost: "relay.test.com:587"
  from: "reachd@test.com"
  to: ["ops@test.com"]

logging:
  level: "debug"
  format: "text"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Hostname != "reach.test.com" {
		t.Errorf("Hostname = %v, want reach.test.com", cfg.Server.Hostname)
	}
	if cfg.Engine.Concurrency != 4 {
		t.Errorf("Engine.Concurrency = %v, want 4", cfg.Engine.Concurrency)
	}
	if cfg.Engine.TickInterval != 2*time.Second {
		t.Errorf("Engine.TickInterval = %v, want 2s", cfg.Engine.TickInterval)
	}
	if !cfg.Browser.Headless {
		t.Error("Browser.Headless = false, want true")
	}
	if len(cfg.Accounts) != 2 {
		t.Fatalf("Accounts = %d, want 2", len(cfg.Accounts))
	}
	if cfg.Accounts[0].TOTPSecret != "GEZDGNBVGY3TQOJQ" {
		t.Errorf("Accounts[0].TOTPSecret = %v", cfg.Accounts[0].TOTPSecret)
	}
	if cfg.Pool.Rotation != "sticky" {
		t.Errorf("Pool.Rotation = %v, want sticky", cfg.Pool.Rotation)
	}
	if cfg.Pool.Cooldown != 30*time.Minute {
		t.Errorf("Pool.Cooldown = %v, want 30m", cfg.Pool.Cooldown)
	}
	if cfg.Proxies[0].Username != "proxyuser" {
		t.Errorf("Proxies[0].Username = %v", cfg.Proxies[0].Username)
	}
	if cfg.Webhook.Path != "/hooks/replies" {
		t.Errorf("Webhook.Path = %v", cfg.Webhook.Path)
	}
	if cfg.Webhook.VerifyToken != "handshake-secret" {
		t.Errorf("Webhook.VerifyToken = %v", cfg.Webhook.VerifyToken)
	}
	if cfg.API.APIKey != "test-api-key" {
		t.Errorf("API.APIKey = %v", cfg.API.APIKey)
	}
	if !cfg.Alert.Enabled {
		t.Error("Alert.Enabled = false, want true")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
}

func TestLoadDefaults(t *testing.T) {
	content := `
webhook:
  verify_token: "tok"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Engine.Concurrency != 2 {
		t.Errorf("Engine.Concurrency = %v, want 2", cfg.Engine.Concurrency)
	}
	if cfg.Engine.TickInterval != 5*time.Second {
		t.Errorf("Engine.TickInterval = %v, want 5s", cfg.Engine.TickInterval)
	}
	if cfg.Engine.SessionTimeout != 5*time.Minute {
		t.Errorf("Engine.SessionTimeout = %v, want 5m", cfg.Engine.SessionTimeout)
	}
	if cfg.Browser.BaseURL != "https://www.instagram.com" {
		t.Errorf("Browser.BaseURL = %v", cfg.Browser.BaseURL)
	}
	if cfg.Browser.ViewportWidth != 1366 || cfg.Browser.ViewportHeight != 768 {
		t.Errorf("viewport = %dx%d, want 1366x768", cfg.Browser.ViewportWidth, cfg.Browser.ViewportHeight)
	}
	if cfg.Pool.Rotation != "round-robin" {
		t.Errorf("Pool.Rotation = %v, want round-robin", cfg.Pool.Rotation)
	}
	if cfg.Pool.Cooldown != time.Hour {
		t.Errorf("Pool.Cooldown = %v, want 1h", cfg.Pool.Cooldown)
	}
	if cfg.Webhook.ListenAddr != ":8443" {
		t.Errorf("Webhook.ListenAddr = %v, want :8443", cfg.Webhook.ListenAddr)
	}
	if cfg.Webhook.Path != "/webhook" {
		t.Errorf("Webhook.Path = %v, want /webhook", cfg.Webhook.Path)
	}
	if cfg.Webhook.QueueSize != 256 {
		t.Errorf("Webhook.QueueSize = %v, want 256", cfg.Webhook.QueueSize)
	}
	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %v, want :8080", cfg.API.ListenAddr)
	}
	if cfg.Metrics.ListenAddr != ":9090" {
		t.Errorf("Metrics.ListenAddr = %v, want :9090", cfg.Metrics.ListenAddr)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %s/%s, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Config{}
		c.applyDefaults()
		c.Webhook.VerifyToken = "tok"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"missing verify token", func(c *Config) { c.Webhook.VerifyToken = "" }, true},
		{"invalid log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"invalid log format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"invalid rotation", func(c *Config) { c.Pool.Rotation = "random" }, true},
		{"account without password", func(c *Config) {
			c.Accounts = []AccountEntry{{Username: "a"}}
		}, true},
		{"account references unknown proxy", func(c *Config) {
			c.Accounts = []AccountEntry{{Username: "a", Password: "p", Proxy: "http://nope:1"}}
		}, true},
		{"account references known proxy", func(c *Config) {
			c.Proxies = []ProxyEntry{{URL: "http://p1:8080"}}
			c.Accounts = []AccountEntry{{Username: "a", Password: "p", Proxy: "http://p1:8080"}}
		}, false},
		{"invalid proxy url", func(c *Config) {
			c.Proxies = []ProxyEntry{{URL: "::::"}}
		}, true},
		{"alert enabled without smarthost", func(c *Config) {
			c.Alert.Enabled = true
			c.Alert.From = "x@y"
			c.Alert.To = []string{"z@y"}
		}, true},
		{"alert enabled without recipients", func(c *Config) {
			c.Alert.Enabled = true
			c.Alert.Smarthost = "relay:587"
			c.Alert.From = "x@y"
		}, true},
		{"cert without key", func(c *Config) {
			c.Webhook.TLS.CertFile = "/etc/tls/cert.pem"
		}, true},
		{"acme and manual certs", func(c *Config) {
			c.Webhook.TLS.CertFile = "/etc/tls/cert.pem"
			c.Webhook.TLS.KeyFile = "/etc/tls/key.pem"
			c.Webhook.TLS.ACME = ACMEConfig{Enabled: true, Email: "x@y", Domains: []string{"d"}}
		}, true},
		{"acme without domains", func(c *Config) {
			c.Webhook.TLS.ACME = ACMEConfig{Enabled: true, Email: "x@y"}
		}, true},
		{"acme complete", func(c *Config) {
			c.Webhook.TLS.ACME = ACMEConfig{Enabled: true, Email: "x@y", Domains: []string{"reach.test.com"}}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHasTLS(t *testing.T) {
	c := Config{}
	if c.HasTLS() {
		t.Error("empty config should have no TLS")
	}

	c.Webhook.TLS.CertFile = "/c"
	c.Webhook.TLS.KeyFile = "/k"
	if !c.HasTLS() {
		t.Error("cert/key pair should enable TLS")
	}

	c = Config{}
	c.Webhook.TLS.ACME.Enabled = true
	if !c.HasTLS() {
		t.Error("ACME should enable TLS")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load() expected error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "invalid: yaml: content: [")); err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	// Missing the webhook verify token
	if _, err := Load(writeConfig(t, "server:\n  hostname: x\n")); err == nil {
		t.Error("Load() expected validation error")
	}
}
