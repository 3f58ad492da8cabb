package webhook

import (
	"context"
	"log/slog"
	"sync"

	"github.com/getreach/reachd/internal/metrics"
	"github.com/getreach/reachd/internal/store"
)

// Correlator consumes reply events and maps them to the targets that
// produced them. It runs independently of dispatch: correlation never
// blocks the scheduler and vice versa.
type Correlator struct {
	store   *store.Store
	events  <-chan ReplyEvent
	metrics *metrics.Metrics
	logger  *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCorrelator creates a correlator over an event channel
func NewCorrelator(st *store.Store, events <-chan ReplyEvent, m *metrics.Metrics, logger *slog.Logger) *Correlator {
	return &Correlator{
		store:   st,
		events:  events,
		metrics: m,
		logger:  logger.With("component", "correlator"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins consuming events
func (c *Correlator) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the consumer loop
func (c *Correlator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Correlator) loop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

// handle matches one event against recorded attempts. Unmatched events are
// logged and discarded; replies can originate outside tracked campaigns.
func (c *Correlator) handle(ctx context.Context, ev ReplyEvent) {
	attempt, err := c.store.AttemptBySenderKey(ctx, ev.SenderID)
	if err != nil {
		c.logger.Error("attempt lookup failed", "sender", ev.SenderID, "error", err)
		return
	}
	if attempt == nil {
		c.logger.Debug("unmatched reply event discarded", "sender", ev.SenderID)
		if c.metrics != nil {
			c.metrics.RepliesUnmatchedTotal.Inc()
		}
		return
	}

	target, err := c.store.GetTarget(ctx, attempt.TargetID)
	if err != nil || target == nil {
		c.logger.Error("target lookup failed", "target_id", attempt.TargetID, "error", err)
		return
	}
	if target.Status == store.TargetReplied {
		return
	}

	target.Status = store.TargetReplied
	if err := c.store.UpdateTarget(ctx, target); err != nil {
		c.logger.Error("failed to mark target replied", "target_id", target.ID, "error", err)
		return
	}
	if err := c.store.AddProgress(ctx, attempt.CampaignID, store.Progress{Replied: 1}); err != nil {
		c.logger.Error("failed to update progress", "campaign_id", attempt.CampaignID, "error", err)
	}

	if c.metrics != nil {
		c.metrics.RepliesMatchedTotal.Inc()
	}
	c.logger.Info("reply correlated",
		"campaign_id", attempt.CampaignID,
		"target_id", target.ID,
		"sender", ev.SenderID,
	)
}
