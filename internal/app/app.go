// Package app wires configuration, storage, the dispatch engine and the
// HTTP surfaces into one runnable process.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getreach/reachd/internal/account"
	"github.com/getreach/reachd/internal/alert"
	"github.com/getreach/reachd/internal/api"
	"github.com/getreach/reachd/internal/browser"
	"github.com/getreach/reachd/internal/config"
	"github.com/getreach/reachd/internal/engine"
	"github.com/getreach/reachd/internal/metrics"
	"github.com/getreach/reachd/internal/proxy"
	"github.com/getreach/reachd/internal/ratelimit"
	"github.com/getreach/reachd/internal/source"
	"github.com/getreach/reachd/internal/store"
	"github.com/getreach/reachd/internal/webhook"
	"github.com/getreach/reachd/internal/webtls"
)

// App is the main application
type App struct {
	config        *config.Config
	store         *store.Store
	limiter       *ratelimit.Limiter
	pool          *account.Pool
	proxies       *proxy.Manager
	engine        *engine.Engine
	apiServer     *api.Server
	webhookServer *webhook.Server
	correlator    *webhook.Correlator
	metricsServer *metrics.Server
	collector     *metrics.Collector
	acmeManager   *webtls.ACMEManager
	acmeServer    *http.Server
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	limiter, err := ratelimit.NewLimiter(st.DB(), ratelimit.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	accounts := make([]*account.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts = append(accounts, &account.Account{
			ID:         a.Username,
			Username:   a.Username,
			Password:   a.Password,
			TOTPSecret: a.TOTPSecret,
			ProxyURL:   a.Proxy,
		})
	}
	pool := account.NewPool(accounts, account.Config{
		Rotation:    cfg.Pool.Rotation,
		Cooldown:    cfg.Pool.Cooldown,
		MaxFailures: cfg.Pool.MaxConsecutiveFailures,
		StickyLimit: cfg.Pool.StickyLimit,
	}, logger.With("component", "pool"))

	proxyEntries := make([]proxy.Entry, 0, len(cfg.Proxies))
	for _, p := range cfg.Proxies {
		proxyEntries = append(proxyEntries, proxy.Entry{
			URL:      p.URL,
			Username: p.Username,
			Password: p.Password,
		})
	}
	proxies, err := proxy.NewManager(proxyEntries, proxy.Config{
		CheckURL:    cfg.ProxyCheck.URL,
		Timeout:     cfg.ProxyCheck.Timeout,
		MaxFailures: cfg.ProxyCheck.MaxFailures,
	}, logger.With("component", "proxy"))
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy manager: %w", err)
	}

	var m *metrics.Metrics
	var metricsServer *metrics.Server
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, logger.With("component", "metrics"))
		collector = metrics.NewCollector(m, pool, proxies, cfg.Storage.Path, 0)
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr)
	}

	sessions := browser.NewFactory(browser.Config{
		Headless:          cfg.Browser.Headless,
		Bin:               cfg.Browser.Bin,
		BaseURL:           cfg.Browser.BaseURL,
		ProfileDir:        cfg.Browser.ProfileDir,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		ViewportWidth:     cfg.Browser.ViewportWidth,
		ViewportHeight:    cfg.Browser.ViewportHeight,
	}, logger)

	mailer := alert.NewMailer(alert.Config{
		Enabled:   cfg.Alert.Enabled,
		Smarthost: cfg.Alert.Smarthost,
		Username:  cfg.Alert.Username,
		Password:  cfg.Alert.Password,
		From:      cfg.Alert.From,
		To:        cfg.Alert.To,
	}, cfg.Server.Hostname, logger)

	eng := engine.New(engine.Config{
		Concurrency:         cfg.Engine.Concurrency,
		TickInterval:        cfg.Engine.TickInterval,
		MaxTransientRetries: cfg.Engine.MaxTransientRetries,
		SessionTimeout:      cfg.Engine.SessionTimeout,
		DrainTimeout:        cfg.Engine.DrainTimeout,
	}, st, pool, proxies, limiter, sessions, mailer, m, logger)

	webhookServer := webhook.NewServer(webhook.Config{
		ListenAddr:  cfg.Webhook.ListenAddr,
		Path:        cfg.Webhook.Path,
		VerifyToken: cfg.Webhook.VerifyToken,
		QueueSize:   cfg.Webhook.QueueSize,
	}, logger)

	var acmeManager *webtls.ACMEManager
	if cfg.Webhook.TLS.ACME.Enabled {
		acmeManager = webtls.NewACMEManager(
			cfg.Webhook.TLS.ACME.Email,
			cfg.Webhook.TLS.ACME.Domains,
			cfg.Webhook.TLS.ACME.CacheDir,
		)
		webhookServer.TLSConfig = acmeManager.TLSConfig()
		logger.Info("ACME (Let's Encrypt) enabled", "domains", cfg.Webhook.TLS.ACME.Domains)
	} else if cfg.Webhook.TLS.CertFile != "" {
		webhookServer.CertFile = cfg.Webhook.TLS.CertFile
		webhookServer.KeyFile = cfg.Webhook.TLS.KeyFile
	}

	correlator := webhook.NewCorrelator(st, webhookServer.Events(), m, logger)

	apiServer := api.NewServer(st, eng, pool, m, api.Config{
		ListenAddr:   cfg.API.ListenAddr,
		APIKey:       cfg.API.APIKey,
		StatusColumn: cfg.Source.StatusColumn,
		Version:      version,
	}, logger)

	return &App{
		config:        cfg,
		store:         st,
		limiter:       limiter,
		pool:          pool,
		proxies:       proxies,
		engine:        eng,
		apiServer:     apiServer,
		webhookServer: webhookServer,
		correlator:    correlator,
		metricsServer: metricsServer,
		collector:     collector,
		acmeManager:   acmeManager,
		logger:        logger,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting reachd",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"webhook_addr", a.config.Webhook.ListenAddr,
		"accounts", len(a.config.Accounts),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.correlator.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	a.resumeCampaigns(ctx)

	errCh := make(chan error, 4)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	go func() {
		if err := a.webhookServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("webhook server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// ACME HTTP-01 challenges arrive on port 80
	if a.acmeManager != nil {
		a.acmeServer = &http.Server{
			Addr: ":80",
			Handler: a.acmeManager.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				target := "https://" + r.Host + r.URL.Path
				if r.URL.RawQuery != "" {
					target += "?" + r.URL.RawQuery
				}
				http.Redirect(w, r, target, http.StatusMovedPermanently)
			})),
		}
		go func() {
			a.logger.Info("starting ACME HTTP challenge server", "addr", ":80")
			if err := a.acmeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Warn("ACME HTTP server error", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// resumeCampaigns restarts scheduler loops for campaigns that were active
// when the previous process exited, re-binding their write-back sinks
func (a *App) resumeCampaigns(ctx context.Context) {
	campaigns, err := a.store.ListCampaigns(ctx)
	if err != nil {
		a.logger.Error("failed to list campaigns for resume", "error", err)
		return
	}

	for _, c := range campaigns {
		resumable := c.Status == store.CampaignRunning ||
			c.Status == store.CampaignScheduled ||
			(c.Status == store.CampaignPaused && c.PauseReason == engine.PauseReasonDailyCap)
		if !resumable {
			continue
		}

		if c.SourcePath != "" {
			src, err := source.OpenCSV(c.SourcePath, source.Mapping{ProfileColumn: -1, MessageColumn: -1}, a.config.Source.StatusColumn)
			if err != nil {
				// Write-back is best-effort; the campaign still runs
				a.logger.Warn("failed to reopen source for write-back", "campaign_id", c.ID, "path", c.SourcePath, "error", err)
			} else {
				a.engine.Sink().Bind(c.ID, src)
			}
		}

		if err := a.engine.StartCampaign(ctx, c.ID); err != nil {
			a.logger.Error("failed to resume campaign", "campaign_id", c.ID, "error", err)
			continue
		}
		a.logger.Info("campaign resumed", "campaign_id", c.ID, "name", c.Name)
	}
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop assigning targets first and let in-flight attempts drain
	a.engine.Stop(shutdownCtx)

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if err := a.webhookServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("webhook server shutdown error", "error", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.acmeServer != nil {
		if err := a.acmeServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("acme server shutdown error", "error", err)
		}
	}

	a.correlator.Stop()
	if a.collector != nil {
		a.collector.Stop()
	}

	if err := a.limiter.Stop(); err != nil {
		a.logger.Error("rate limiter stop error", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("store close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
