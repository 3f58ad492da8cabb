package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"
)

// PoolStats reports account pool state for the gauge sampler
type PoolStats interface {
	HealthyCount() int
}

// ProxyStats reports proxy liveness for the gauge sampler
type ProxyStats interface {
	AliveCount() int
}

// Collector periodically samples system and pool gauges. Counters are not
// persisted across restarts; historical totals live in the campaign store.
type Collector struct {
	metrics     *Metrics
	pool        PoolStats
	proxies     ProxyStats
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a gauge sampler
func NewCollector(m *Metrics, pool PoolStats, proxies ProxyStats, storagePath string, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		metrics:     m,
		pool:        pool,
		proxies:     proxies,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the background sampling loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the sampling loop
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Collector) sample() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.pool != nil {
		c.metrics.AccountsHealthy.Set(float64(c.pool.HealthyCount()))
	}
	if c.proxies != nil {
		c.metrics.ProxiesAlive.Set(float64(c.proxies.AliveCount()))
	}
}
