// Package account tracks platform account health and hands accounts out
// to the scheduler. The pool is the single writer of account health; all
// other components read snapshots.
package account

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Health is the health state of an account
type Health string

const (
	Healthy     Health = "healthy"
	Challenged  Health = "challenged"
	Locked      Health = "locked"
	CoolingDown Health = "cooling-down"
)

// Account is one platform identity used to execute attempts
type Account struct {
	ID         string
	Username   string
	Password   string
	TOTPSecret string
	ProxyURL   string // assigned egress proxy; empty = direct

	Health        Health
	LastUsed      time.Time
	CooldownUntil time.Time
	StickyCount   int // consecutive sends in sticky mode

	failures int // consecutive failures
}

// Outcome is what Release reports about the finished attempt
type Outcome int

const (
	// OutcomeSuccess resets the failure streak
	OutcomeSuccess Outcome = iota
	// OutcomeFailure counts toward the cool-down threshold
	OutcomeFailure
	// OutcomeChallenge suspends the account immediately
	OutcomeChallenge
	// OutcomeLocked removes the account permanently
	OutcomeLocked
	// OutcomeNeutral leaves health untouched (target-structural failures)
	OutcomeNeutral
)

// Config holds pool settings
type Config struct {
	Rotation    string // round-robin or sticky
	Cooldown    time.Duration
	MaxFailures int // consecutive failures before cooling down
	StickyLimit int // sends before a sticky account rotates
}

// Pool assigns accounts to dispatch attempts
type Pool struct {
	mu       sync.Mutex
	accounts map[string]*Account
	busy     map[string]bool // accounts with an in-flight attempt
	sticky   string          // current sticky account ID
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewPool creates a pool over the given accounts
func NewPool(accounts []*Account, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Cooldown == 0 {
		cfg.Cooldown = time.Hour
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.StickyLimit == 0 {
		cfg.StickyLimit = 20
	}
	if cfg.Rotation == "" {
		cfg.Rotation = "round-robin"
	}

	p := &Pool{
		accounts: make(map[string]*Account, len(accounts)),
		busy:     make(map[string]bool),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, a := range accounts {
		if a.Health == "" {
			a.Health = Healthy
		}
		p.accounts[a.ID] = a
	}
	return p
}

// SetClock overrides the pool's clock; used by tests
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Acquire hands out a healthy, idle account, or nil when none is
// available. A nil result is backpressure, not an error.
func (p *Pool) Acquire(rotation string) *Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rotation == "" {
		rotation = p.cfg.Rotation
	}

	now := p.now()
	p.reviveCooledLocked(now)

	var pick *Account
	if rotation == "sticky" {
		pick = p.pickStickyLocked()
	} else {
		pick = p.pickRoundRobinLocked()
	}
	if pick == nil {
		return nil
	}

	p.busy[pick.ID] = true
	pick.LastUsed = now

	snapshot := *pick
	return &snapshot
}

// Release returns an account and records the attempt outcome. Only this
// method transitions account health.
func (p *Pool) Release(id string, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.busy, id)

	a, ok := p.accounts[id]
	if !ok {
		return
	}

	switch outcome {
	case OutcomeSuccess:
		a.failures = 0
		a.StickyCount++
		if p.cfg.Rotation == "sticky" && a.StickyCount >= p.cfg.StickyLimit {
			// Sticky threshold reached: rest the account
			a.Health = CoolingDown
			a.CooldownUntil = p.now().Add(p.cfg.Cooldown)
			a.StickyCount = 0
			if p.sticky == id {
				p.sticky = ""
			}
			p.logger.Info("account resting after sticky limit", "account", a.Username)
		}
	case OutcomeFailure:
		a.failures++
		if a.failures >= p.cfg.MaxFailures {
			a.Health = CoolingDown
			a.CooldownUntil = p.now().Add(p.cfg.Cooldown)
			a.failures = 0
			if p.sticky == id {
				p.sticky = ""
			}
			p.logger.Warn("account cooling down after consecutive failures", "account", a.Username)
		}
	case OutcomeChallenge:
		a.Health = Challenged
		a.CooldownUntil = p.now().Add(p.cfg.Cooldown)
		a.failures = 0
		if p.sticky == id {
			p.sticky = ""
		}
		p.logger.Warn("account challenged, suspended for cool-down", "account", a.Username)
	case OutcomeLocked:
		a.Health = Locked
		if p.sticky == id {
			p.sticky = ""
		}
		p.logger.Error("account locked, removed from rotation", "account", a.Username)
	case OutcomeNeutral:
		// Target-structural failure; no health penalty
	}
}

// HealthyCount returns the number of accounts currently eligible
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reviveCooledLocked(p.now())

	n := 0
	for _, a := range p.accounts {
		if a.Health == Healthy {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of all accounts for reporting
func (p *Pool) Snapshot() []Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// reviveCooledLocked returns cooled-down and challenged accounts to the
// healthy set once their cool-down interval has elapsed. Locked accounts
// never come back.
func (p *Pool) reviveCooledLocked(now time.Time) {
	for _, a := range p.accounts {
		if a.Health == CoolingDown || a.Health == Challenged {
			if !a.CooldownUntil.IsZero() && now.After(a.CooldownUntil) {
				a.Health = Healthy
				a.CooldownUntil = time.Time{}
				p.logger.Info("account back in rotation", "account", a.Username)
			}
		}
	}
}

// pickRoundRobinLocked selects the least recently used idle healthy account
func (p *Pool) pickRoundRobinLocked() *Account {
	var pick *Account
	for _, a := range p.accounts {
		if a.Health != Healthy || p.busy[a.ID] {
			continue
		}
		if pick == nil || a.LastUsed.Before(pick.LastUsed) {
			pick = a
		}
	}
	return pick
}

// pickStickyLocked keeps reusing the current sticky account until it cools
// down, then falls back to round-robin to elect a new one
func (p *Pool) pickStickyLocked() *Account {
	if p.sticky != "" {
		a := p.accounts[p.sticky]
		if a != nil && a.Health == Healthy && !p.busy[a.ID] {
			return a
		}
		if a == nil || a.Health != Healthy {
			p.sticky = ""
		}
		// Busy sticky account: no other account should run in its place
		if a != nil && p.busy[a.ID] {
			return nil
		}
	}

	pick := p.pickRoundRobinLocked()
	if pick != nil {
		p.sticky = pick.ID
	}
	return pick
}
