package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getreach/reachd/internal/account"
	"github.com/getreach/reachd/internal/driver"
	"github.com/getreach/reachd/internal/proxy"
	"github.com/getreach/reachd/internal/store"
)

// runner is the single coordinating loop for one running campaign. Once
// per tick it computes the next eligible target/account pairing; it never
// dispatches two concurrent attempts for the same account or target.
type runner struct {
	engine     *Engine
	campaignID string

	ctx    context.Context // assignment context; cancelled on pause/stop
	cancel context.CancelFunc
	wg     sync.WaitGroup // in-flight attempts

	mu       sync.Mutex
	inflight map[string]bool // target IDs with a running attempt
}

func newRunner(e *Engine, campaignID string) *runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &runner{
		engine:     e,
		campaignID: campaignID,
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[string]bool),
	}
}

// stop halts assignment; in-flight attempts keep running
func (r *runner) stop() {
	r.cancel()
}

// drain waits for in-flight attempts to reach a terminal state
func (r *runner) drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		r.engine.logger.Warn("drain timeout, abandoning in-flight attempts", "campaign_id", r.campaignID)
	}
}

func (r *runner) loop() {
	logger := r.engine.logger.With("campaign_id", r.campaignID)
	logger.Debug("scheduler loop started")

	ticker := time.NewTicker(r.engine.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			logger.Debug("scheduler loop stopped")
			return
		case <-ticker.C:
			if done := r.tick(); done {
				r.engine.removeRunner(r.campaignID)
				logger.Debug("scheduler loop finished")
				return
			}
		}
	}
}

// tick advances the campaign by at most one dispatch. It returns true when
// the campaign has reached a terminal state and the loop should exit.
// Every attempt outcome is data here; nothing an attempt does can unwind
// through this loop.
func (r *runner) tick() bool {
	ctx := r.ctx
	e := r.engine
	logger := e.logger.With("campaign_id", r.campaignID)

	c, err := e.store.GetCampaign(ctx, r.campaignID)
	if err != nil || c == nil {
		logger.Error("failed to load campaign", "error", err)
		return c == nil
	}
	if c.Status.Terminal() {
		return true
	}

	now := e.now()

	switch c.Status {
	case store.CampaignScheduled:
		if c.Policy.StartAt != nil && now.Before(*c.Policy.StartAt) {
			return false
		}
		if err := e.store.SetCampaignStatus(ctx, c.ID, store.CampaignRunning, ""); err != nil {
			logger.Error("failed to start scheduled campaign", "error", err)
			return false
		}
		logger.Info("scheduled campaign is now running")
	case store.CampaignPaused:
		// Only the daily-cap pause resolves itself; operator pauses have
		// no runner at all.
		if c.PauseReason != PauseReasonDailyCap {
			return false
		}
		if !e.limiter.AllowCampaign(c.ID, c.Policy.MaxPerDay).Allowed {
			return false
		}
		if err := e.store.SetCampaignStatus(ctx, c.ID, store.CampaignRunning, ""); err != nil {
			logger.Error("failed to resume campaign", "error", err)
			return false
		}
		logger.Info("daily window rolled over, campaign resumed")
	case store.CampaignRunning:
	default:
		return false
	}

	// Completion check: nothing pending and nothing in flight
	stats, err := e.store.TargetStats(ctx, r.campaignID)
	if err != nil {
		logger.Error("failed to load target stats", "error", err)
		return false
	}
	if stats.Pending == 0 {
		if r.inflightCount() > 0 {
			return false
		}
		if err := e.store.SetCampaignStatus(ctx, c.ID, store.CampaignCompleted, ""); err != nil {
			logger.Error("failed to complete campaign", "error", err)
			return false
		}
		e.sink.Unbind(c.ID)
		logger.Info("campaign completed", "sent", c.Progress.Sent, "failed", c.Progress.Failed, "skipped", c.Progress.Skipped)
		return true
	}

	// All accounts permanently gone: nothing will ever revive
	if e.pool.HealthyCount() == 0 && r.inflightCount() == 0 && allLocked(e.pool.Snapshot()) {
		reason := "all accounts locked"
		if err := e.store.SetCampaignStatus(ctx, c.ID, store.CampaignFailed, reason); err != nil {
			logger.Error("failed to fail campaign", "error", err)
			return false
		}
		e.sink.Unbind(c.ID)
		if e.alerter != nil {
			e.alerter.CampaignFailed(c.Name, reason)
		}
		logger.Error("campaign failed", "reason", reason)
		return true
	}

	// Daily cap
	if res := e.limiter.AllowCampaign(c.ID, c.Policy.MaxPerDay); !res.Allowed {
		if e.metrics != nil {
			e.metrics.RateLimitDeferredTotal.WithLabelValues("campaign").Inc()
		}
		if err := e.store.SetCampaignStatus(ctx, c.ID, store.CampaignPaused, PauseReasonDailyCap); err != nil {
			logger.Error("failed to pause campaign", "error", err)
		}
		logger.Info("daily cap reached, campaign paused", "retry_after", res.RetryAfter)
		return false
	}

	// In-flight attempts may still consume the remaining window; hold new
	// dispatches until they settle rather than overshooting MaxPerDay
	if c.Policy.MaxPerDay > 0 {
		if inflight := r.inflightCount(); inflight > 0 {
			headroom := c.Policy.MaxPerDay - inflight
			if headroom <= 0 || !e.limiter.AllowCampaign(c.ID, headroom).Allowed {
				return false
			}
		}
	}

	target := r.nextTarget(ctx)
	if target == nil {
		return false
	}

	acct := e.pool.Acquire(c.Policy.Rotation)
	if acct == nil {
		// Backpressure, not failure: no healthy idle account right now
		return false
	}

	if res := e.limiter.AccountReady(acct.ID, c.Policy.MessageDelay); !res.Allowed {
		if e.metrics != nil {
			e.metrics.RateLimitDeferredTotal.WithLabelValues("account").Inc()
		}
		e.pool.Release(acct.ID, account.OutcomeNeutral)
		return false
	}

	if !e.sem.TryAcquire(1) {
		// Pool-wide session ceiling reached
		e.pool.Release(acct.ID, account.OutcomeNeutral)
		return false
	}

	r.markInflight(target.ID, true)
	r.wg.Add(1)
	go r.dispatch(c, target, acct)

	return false
}

// nextTarget returns the first pending target without a running attempt
func (r *runner) nextTarget(ctx context.Context) *store.Target {
	targets, err := r.engine.store.PendingTargets(ctx, r.campaignID, 10)
	if err != nil {
		r.engine.logger.Error("failed to load pending targets", "campaign_id", r.campaignID, "error", err)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range targets {
		if !r.inflight[t.ID] {
			return t
		}
	}
	return nil
}

func (r *runner) markInflight(targetID string, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v {
		r.inflight[targetID] = true
	} else {
		delete(r.inflight, targetID)
	}
}

func (r *runner) inflightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// dispatch runs one attempt end to end. It deliberately uses its own
// context so an in-flight attempt drains to a terminal state even after
// the assignment context is cancelled.
func (r *runner) dispatch(c *store.Campaign, target *store.Target, acct *account.Account) {
	e := r.engine
	logger := e.logger.With("campaign_id", c.ID, "target_id", target.ID, "account", acct.Username)

	defer func() {
		r.markInflight(target.ID, false)
		e.sem.Release(1)
		r.wg.Done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SessionTimeout)
	defer cancel()

	if e.metrics != nil {
		e.metrics.SessionsActive.Inc()
		defer e.metrics.SessionsActive.Dec()
	}

	startedAt := e.now()
	res := r.runAttempt(ctx, target, acct, logger)

	attempt := &store.DispatchAttempt{
		ID:         uuid.NewString(),
		CampaignID: c.ID,
		TargetID:   target.ID,
		AccountID:  acct.ID,
		SenderKey:  res.SenderKey,
		StartedAt:  startedAt,
		FinishedAt: e.now(),
	}
	if res.State == driver.StateSent {
		attempt.Outcome = "sent"
	} else {
		attempt.Outcome = "failed"
		if res.Err != nil {
			attempt.Reason = string(res.Err.Kind)
		}
	}
	if err := e.store.RecordAttempt(context.Background(), attempt); err != nil {
		logger.Error("failed to record attempt", "error", err)
	}

	r.applyResult(c, target, acct, res, logger)
}

// runAttempt executes the state machine, retrying once on a different
// proxy when the failure is infrastructural
func (r *runner) runAttempt(ctx context.Context, target *store.Target, acct *account.Account, logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}) driver.Result {
	e := r.engine

	run := func(prx *proxy.Proxy) driver.Result {
		sess, err := e.sessions.New(ctx, acct, prx)
		if err != nil {
			return driver.Result{
				State: driver.StateFailed,
				Err:   driver.NewError(driver.KindInfra, "failed to create session", err),
			}
		}
		m := driver.NewMachine(sess, e.logger.With("component", "driver", "account", acct.Username))
		creds := driver.Credentials{
			Username:   acct.Username,
			Password:   acct.Password,
			TOTPSecret: acct.TOTPSecret,
		}
		return m.Run(ctx, creds, target.ProfileRef, target.Message)
	}

	prx, err := e.proxies.Get(ctx, acct.ProxyURL)
	if err != nil {
		// The bound proxy is unusable. Never dispatch unproxied: route
		// straight to the different-proxy path, and fail the attempt as
		// infra when no alternative exists.
		logger.Warn("assigned proxy unusable", "proxy", acct.ProxyURL, "error", err)
		alt := e.proxies.Next(ctx, acct.ProxyURL)
		if alt == nil {
			return driver.Result{
				State: driver.StateFailed,
				Err:   driver.NewError(driver.KindInfra, "no usable proxy for account", err),
			}
		}
		logger.Warn("dispatching on a different proxy", "proxy", alt.Addr())
		return run(alt)
	}

	res := run(prx)
	if res.Err != nil && res.Err.Kind == driver.KindInfra {
		// Infra failures get one retry on a different proxy
		if acct.ProxyURL != "" {
			e.proxies.MarkFailure(acct.ProxyURL)
		}
		if alt := e.proxies.Next(ctx, acct.ProxyURL); alt != nil {
			logger.Warn("retrying attempt on a different proxy", "proxy", alt.Addr())
			res = run(alt)
		}
	}
	return res
}

// applyResult turns the attempt result into target, account, counter and
// sink updates. This is the only place dispatch outcomes are interpreted.
func (r *runner) applyResult(c *store.Campaign, target *store.Target, acct *account.Account, res driver.Result, logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}) {
	e := r.engine
	ctx := context.Background()

	target.LastAttemptAt = e.now()

	if res.State == driver.StateSent {
		target.Status = store.TargetSent
		target.Reason = ""
		if err := e.store.UpdateTarget(ctx, target); err != nil {
			logger.Error("failed to update target", "error", err)
		}
		e.limiter.NoteSend(c.ID, acct.ID)
		e.pool.Release(acct.ID, account.OutcomeSuccess)
		if err := e.store.AddProgress(ctx, c.ID, store.Progress{Sent: 1}); err != nil {
			logger.Error("failed to update progress", "error", err)
		}
		e.sink.Write(c.ID, target.RowIndex, string(store.TargetSent))
		if e.metrics != nil {
			e.metrics.MessagesSentTotal.WithLabelValues(c.ID).Inc()
		}
		logger.Info("message sent", "profile", target.ProfileRef)
		return
	}

	kind := driver.KindTransient
	if res.Err != nil {
		kind = res.Err.Kind
	}

	switch kind {
	case driver.KindAuth:
		// Account problem, not a target problem: suspend the account and
		// leave the target pending for the remaining healthy accounts.
		outcome := account.OutcomeChallenge
		health := string(account.Challenged)
		if res.Err.Locked {
			outcome = account.OutcomeLocked
			health = string(account.Locked)
		}
		e.pool.Release(acct.ID, outcome)
		if err := e.store.UpdateTarget(ctx, target); err != nil {
			logger.Error("failed to update target", "error", err)
		}
		if e.alerter != nil {
			e.alerter.AccountSuspended(acct.Username, health)
		}
		logger.Warn("attempt aborted by authentication failure", "health", health)

	case driver.KindTargetUnavailable, driver.KindUnsupportedTarget:
		// Structural: permanently skipped, no account health penalty
		target.Status = store.TargetSkipped
		target.Reason = string(kind)
		if err := e.store.UpdateTarget(ctx, target); err != nil {
			logger.Error("failed to update target", "error", err)
		}
		e.pool.Release(acct.ID, account.OutcomeNeutral)
		if err := e.store.AddProgress(ctx, c.ID, store.Progress{Skipped: 1}); err != nil {
			logger.Error("failed to update progress", "error", err)
		}
		e.sink.Write(c.ID, target.RowIndex, string(store.TargetSkipped))
		if e.metrics != nil {
			e.metrics.TargetsSkippedTotal.WithLabelValues(c.ID, string(kind)).Inc()
		}
		logger.Info("target skipped", "reason", kind)

	case driver.KindInfra:
		// Already retried on a different proxy; count against the target's
		// transient ceiling but not against the account
		target.Attempts++
		target.Reason = string(kind)
		r.failOrRequeue(c, target, logger)
		e.pool.Release(acct.ID, account.OutcomeNeutral)

	default: // transient
		target.Attempts++
		target.Reason = string(kind)
		r.failOrRequeue(c, target, logger)
		e.pool.Release(acct.ID, account.OutcomeFailure)
	}
}

// failOrRequeue leaves the target pending for another try, or fails it
// permanently once the retry ceiling is exhausted
func (r *runner) failOrRequeue(c *store.Campaign, target *store.Target, logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}) {
	e := r.engine
	ctx := context.Background()

	if target.Attempts <= e.cfg.MaxTransientRetries {
		if err := e.store.UpdateTarget(ctx, target); err != nil {
			logger.Error("failed to update target", "error", err)
		}
		logger.Warn("attempt failed, target requeued", "attempts", target.Attempts)
		return
	}

	target.Status = store.TargetFailed
	if err := e.store.UpdateTarget(ctx, target); err != nil {
		logger.Error("failed to update target", "error", err)
	}
	if err := e.store.AddProgress(ctx, c.ID, store.Progress{Failed: 1}); err != nil {
		logger.Error("failed to update progress", "error", err)
	}
	e.sink.Write(c.ID, target.RowIndex, string(store.TargetFailed))
	if e.metrics != nil {
		e.metrics.MessagesFailedTotal.WithLabelValues(c.ID, target.Reason).Inc()
	}
	logger.Warn("target failed permanently", "attempts", target.Attempts)
}

func allLocked(accounts []account.Account) bool {
	for _, a := range accounts {
		if a.Health != account.Locked {
			return false
		}
	}
	return len(accounts) > 0
}
