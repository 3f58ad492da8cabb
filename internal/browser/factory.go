// Package browser implements the dispatch session over a real Chrome
// instance driven through go-rod. Each account gets its own persistent
// user-data directory so cookies and device trust survive restarts.
package browser

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/getreach/reachd/internal/account"
	"github.com/getreach/reachd/internal/driver"
	"github.com/getreach/reachd/internal/proxy"
)

// Config holds browser launch settings
type Config struct {
	Headless          bool
	Bin               string // Chrome binary; empty = auto-detect
	BaseURL           string // platform root the sessions operate on
	ProfileDir        string // per-account profiles live under this dir
	NavigationTimeout time.Duration
	ViewportWidth     int
	ViewportHeight    int
}

// Factory creates rod-backed sessions for the engine
type Factory struct {
	cfg    Config
	logger *slog.Logger
}

// NewFactory creates a session factory
func NewFactory(cfg Config, logger *slog.Logger) *Factory {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.instagram.com"
	}
	if cfg.NavigationTimeout == 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.ViewportWidth == 0 {
		cfg.ViewportWidth = 1366
	}
	if cfg.ViewportHeight == 0 {
		cfg.ViewportHeight = 768
	}

	return &Factory{
		cfg:    cfg,
		logger: logger.With("component", "browser"),
	}
}

// New creates a session bound to an account and an optional proxy. The
// browser itself launches lazily in Start.
func (f *Factory) New(ctx context.Context, acct *account.Account, prx *proxy.Proxy) (driver.Session, error) {
	s := &session{
		cfg:        f.cfg,
		logger:     f.logger.With("account", acct.Username),
		username:   acct.Username,
		profileDir: filepath.Join(f.cfg.ProfileDir, acct.Username),
	}
	if prx != nil {
		s.proxyAddr = prx.Addr()
		s.proxyUser = prx.Username
		s.proxyPass = prx.Password
	}
	return s, nil
}
