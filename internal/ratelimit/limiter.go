// Package ratelimit enforces the campaign daily cap and the per-account
// send spacing. Counters survive restarts via BoltDB.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// Counter tracks one campaign's rolling 24-hour window
type Counter struct {
	DayCount int       `json:"day_count"`
	DayStart time.Time `json:"day_start"`
}

// Config contains limiter settings
type Config struct {
	FlushInterval time.Duration // counter persistence interval
}

// Result reports a denied check
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter tracks per-campaign windows and per-account last-send times
type Limiter struct {
	db       *bolt.DB
	cfg      Config
	counters map[string]*Counter  // campaign ID -> window counter
	lastSend map[string]time.Time // account ID -> last send
	mu       sync.Mutex
	stopCh   chan struct{}
	now      func() time.Time
}

// NewLimiter creates a limiter backed by db
func NewLimiter(db *bolt.DB, cfg Config) (*Limiter, error) {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		cfg:      cfg,
		counters: make(map[string]*Counter),
		lastSend: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// SetClock overrides the limiter's clock; used by tests
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// AllowCampaign checks the campaign's rolling 24-hour cap without
// incrementing. maxPerDay <= 0 means unlimited.
func (l *Limiter) AllowCampaign(campaignID string, maxPerDay int) Result {
	if maxPerDay <= 0 {
		return Result{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c := l.getOrCreateCounter(campaignID, now)
	l.resetExpired(c, now)

	if c.DayCount >= maxPerDay {
		return Result{
			Allowed:    false,
			RetryAfter: c.DayStart.Add(24 * time.Hour).Sub(now),
		}
	}
	return Result{Allowed: true}
}

// AccountReady checks whether the minimum delay since the account's last
// send has elapsed
func (l *Limiter) AccountReady(accountID string, minDelay time.Duration) Result {
	if minDelay <= 0 {
		return Result{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok := l.lastSend[accountID]
	if !ok {
		return Result{Allowed: true}
	}

	elapsed := l.now().Sub(last)
	if elapsed < minDelay {
		return Result{Allowed: false, RetryAfter: minDelay - elapsed}
	}
	return Result{Allowed: true}
}

// NoteSend records a completed send against the campaign window and the
// account's last-send time
func (l *Limiter) NoteSend(campaignID, accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c := l.getOrCreateCounter(campaignID, now)
	l.resetExpired(c, now)
	c.DayCount++
	l.lastSend[accountID] = now
}

// Stop stops the limiter and persists counters
func (l *Limiter) Stop() error {
	close(l.stopCh)
	return l.persistCounters()
}

func (l *Limiter) getOrCreateCounter(key string, now time.Time) *Counter {
	c, ok := l.counters[key]
	if !ok {
		c = &Counter{DayStart: now}
		l.counters[key] = c
	}
	return c
}

func (l *Limiter) resetExpired(c *Counter, now time.Time) {
	if now.Sub(c.DayStart) >= 24*time.Hour {
		c.DayCount = 0
		c.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var c Counter
			if err := json.Unmarshal(v, &c); err != nil {
				return nil // Skip invalid entries
			}
			l.counters[string(k)] = &c
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		for key, c := range l.counters {
			data, err := json.Marshal(c)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}
