// Package proxy assigns and validates egress proxies for browser sessions.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Proxy is one egress endpoint
type Proxy struct {
	URL      *url.URL
	Username string
	Password string

	Alive        bool
	LastVerified time.Time
	failures     int
}

// Addr returns the host:port the browser should be pointed at
func (p *Proxy) Addr() string {
	return p.URL.Host
}

// Scheme returns the proxy scheme (http, socks5)
func (p *Proxy) Scheme() string {
	return p.URL.Scheme
}

// Config holds proxy validation settings
type Config struct {
	CheckURL    string        // probe target for liveness validation
	Timeout     time.Duration
	MaxFailures int // consecutive failures before a proxy is marked dead
	RecheckAge  time.Duration // re-verify when the last check is older than this
}

// Manager owns the proxy set and its liveness state
type Manager struct {
	mu      sync.Mutex
	proxies map[string]*Proxy // keyed by original URL string
	cfg     Config
	logger  *slog.Logger

	// probe is swappable for tests; defaults to an HTTP GET through the proxy
	probe func(ctx context.Context, p *Proxy) error
}

// Entry describes one configured proxy
type Entry struct {
	URL      string
	Username string
	Password string
}

// NewManager creates a manager over the configured proxies
func NewManager(entries []Entry, cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.RecheckAge == 0 {
		cfg.RecheckAge = 30 * time.Minute
	}

	m := &Manager{
		proxies: make(map[string]*Proxy, len(entries)),
		cfg:     cfg,
		logger:  logger,
	}
	m.probe = m.httpProbe

	for _, e := range entries {
		u, err := url.Parse(e.URL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", e.URL, err)
		}
		m.proxies[e.URL] = &Proxy{
			URL:      u,
			Username: e.Username,
			Password: e.Password,
			Alive:    true, // assumed until a check says otherwise
		}
	}

	return m, nil
}

// Get returns the proxy for a raw URL, verifying it lazily before first
// use. Returns nil, nil when rawURL is empty (direct connection).
func (m *Manager) Get(ctx context.Context, rawURL string) (*Proxy, error) {
	if rawURL == "" {
		return nil, nil
	}

	m.mu.Lock()
	p, ok := m.proxies[rawURL]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown proxy: %s", rawURL)
	}

	if err := m.ensureVerified(ctx, p); err != nil {
		return nil, err
	}

	snapshot := *p
	return &snapshot, nil
}

// Next returns any live proxy other than exclude, for the one-shot infra
// retry on a different proxy. Returns nil when no alternative exists.
func (m *Manager) Next(ctx context.Context, exclude string) *Proxy {
	m.mu.Lock()
	var candidates []*Proxy
	for raw, p := range m.proxies {
		if raw == exclude || !p.Alive {
			continue
		}
		candidates = append(candidates, p)
	}
	m.mu.Unlock()

	for _, p := range candidates {
		if err := m.ensureVerified(ctx, p); err != nil {
			continue
		}
		snapshot := *p
		return &snapshot
	}
	return nil
}

// MarkFailure records a connection failure observed by a session. Repeated
// failures mark the proxy dead.
func (m *Manager) MarkFailure(rawURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proxies[rawURL]
	if !ok {
		return
	}
	p.failures++
	if p.failures >= m.cfg.MaxFailures && p.Alive {
		p.Alive = false
		m.logger.Warn("proxy marked dead", "proxy", p.Addr(), "failures", p.failures)
	}
}

// MarkSuccess resets the failure streak
func (m *Manager) MarkSuccess(rawURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.proxies[rawURL]; ok {
		p.failures = 0
	}
}

// AliveCount returns the number of live proxies
func (m *Manager) AliveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, p := range m.proxies {
		if p.Alive {
			n++
		}
	}
	return n
}

func (m *Manager) ensureVerified(ctx context.Context, p *Proxy) error {
	m.mu.Lock()
	fresh := time.Since(p.LastVerified) < m.cfg.RecheckAge && p.Alive
	m.mu.Unlock()
	if fresh {
		return nil
	}

	err := m.probe(ctx, p)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		p.failures++
		if p.failures >= m.cfg.MaxFailures {
			p.Alive = false
			m.logger.Warn("proxy marked dead", "proxy", p.Addr(), "failures", p.failures)
		}
		return fmt.Errorf("proxy %s failed validation: %w", p.Addr(), err)
	}

	p.failures = 0
	p.Alive = true
	p.LastVerified = time.Now()
	m.logger.Debug("proxy verified", "proxy", p.Addr())
	return nil
}

// httpProbe performs a lightweight outbound request through the proxy
func (m *Manager) httpProbe(ctx context.Context, p *Proxy) error {
	proxyURL := *p.URL
	if p.Username != "" {
		proxyURL.User = url.UserPassword(p.Username, p.Password)
	}

	client := &http.Client{
		Timeout: m.cfg.Timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(&proxyURL),
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.CheckURL, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe returned %d", resp.StatusCode)
	}
	return nil
}

// SetProbe overrides the liveness probe; used by tests
func (m *Manager) SetProbe(probe func(ctx context.Context, p *Proxy) error) {
	m.probe = probe
}
