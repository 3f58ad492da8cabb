// Package engine coordinates campaign execution: it pulls targets under
// rate limits, assigns healthy accounts and proxies, drives browser
// attempts through the state machine and writes outcomes back.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/getreach/reachd/internal/account"
	"github.com/getreach/reachd/internal/driver"
	"github.com/getreach/reachd/internal/metrics"
	"github.com/getreach/reachd/internal/proxy"
	"github.com/getreach/reachd/internal/ratelimit"
	"github.com/getreach/reachd/internal/store"
)

// Pause reasons recorded on the campaign
const (
	PauseReasonDailyCap = "daily-cap"
	PauseReasonOperator = "operator"
)

// SessionFactory creates browser sessions bound to an account and proxy
type SessionFactory interface {
	New(ctx context.Context, acct *account.Account, prx *proxy.Proxy) (driver.Session, error)
}

// Alerter notifies operators about events that need human attention.
// Implementations must not block.
type Alerter interface {
	CampaignFailed(name, reason string)
	AccountSuspended(username string, health string)
}

// Config holds engine settings
type Config struct {
	Concurrency         int           // pool-wide browser session ceiling
	TickInterval        time.Duration // scheduler tick
	MaxTransientRetries int           // per-target retry ceiling
	SessionTimeout      time.Duration // hard cap on a single attempt
	DrainTimeout        time.Duration // in-flight drain on pause/shutdown
}

// Engine owns all campaign runners in the process. It is created at
// startup with explicit dependencies and torn down on shutdown; nothing
// here is a singleton.
type Engine struct {
	cfg      Config
	store    *store.Store
	pool     *account.Pool
	proxies  *proxy.Manager
	limiter  *ratelimit.Limiter
	sessions SessionFactory
	sink     *StatusSink
	alerter  Alerter
	metrics  *metrics.Metrics
	logger   *slog.Logger

	sem *semaphore.Weighted // browser session ceiling across all campaigns

	mu      sync.Mutex
	runners map[string]*runner
	now     func() time.Time
}

// New creates an engine
func New(
	cfg Config,
	st *store.Store,
	pool *account.Pool,
	proxies *proxy.Manager,
	limiter *ratelimit.Limiter,
	sessions SessionFactory,
	alerter Alerter,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.MaxTransientRetries <= 0 {
		cfg.MaxTransientRetries = 2
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 5 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 2 * time.Minute
	}

	return &Engine{
		cfg:      cfg,
		store:    st,
		pool:     pool,
		proxies:  proxies,
		limiter:  limiter,
		sessions: sessions,
		sink:     NewStatusSink(logger),
		alerter:  alerter,
		metrics:  m,
		logger:   logger.With("component", "engine"),
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		runners:  make(map[string]*runner),
		now:      time.Now,
	}
}

// Sink returns the status sink so the API layer can bind sources
func (e *Engine) Sink() *StatusSink {
	return e.sink
}

// SetClock overrides the engine's clock; used by tests
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// StartCampaign transitions a campaign to running and spawns its
// scheduler loop. Starting an already-running campaign is a no-op; no
// second loop is spawned.
func (e *Engine) StartCampaign(ctx context.Context, id string) error {
	c, err := e.store.GetCampaign(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		return fmt.Errorf("campaign not found: %s", id)
	}
	if c.Status.Terminal() {
		return fmt.Errorf("campaign %s is %s", id, c.Status)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, running := e.runners[id]; running {
		return nil
	}

	status := store.CampaignRunning
	if c.Policy.StartAt != nil && e.now().Before(*c.Policy.StartAt) {
		status = store.CampaignScheduled
	}
	if err := e.store.SetCampaignStatus(ctx, id, status, ""); err != nil {
		return err
	}

	r := newRunner(e, id)
	e.runners[id] = r
	go r.loop()

	e.logger.Info("campaign started", "campaign_id", id, "name", c.Name, "status", status)
	return nil
}

// PauseCampaign stops assigning new targets immediately. In-flight
// attempts drain to a terminal state in the background.
func (e *Engine) PauseCampaign(ctx context.Context, id string) error {
	e.mu.Lock()
	r := e.runners[id]
	delete(e.runners, id)
	e.mu.Unlock()

	if err := e.store.SetCampaignStatus(ctx, id, store.CampaignPaused, PauseReasonOperator); err != nil {
		return err
	}

	if r != nil {
		r.stop()
		go r.drain(e.cfg.DrainTimeout)
	}

	e.logger.Info("campaign paused", "campaign_id", id)
	return nil
}

// Stop stops all runners and waits for in-flight attempts to drain
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	runners := make([]*runner, 0, len(e.runners))
	for id, r := range e.runners {
		runners = append(runners, r)
		delete(e.runners, id)
	}
	e.mu.Unlock()

	for _, r := range runners {
		r.stop()
	}
	for _, r := range runners {
		r.drain(e.cfg.DrainTimeout)
	}

	e.logger.Info("engine stopped")
}

// Running reports whether a campaign has an active scheduler loop
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runners[id]
	return ok
}

// removeRunner drops a finished runner; called by the runner itself when
// its campaign reaches a terminal state
func (e *Engine) removeRunner(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runners, id)
}
