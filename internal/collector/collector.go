// Package collector is the thin poll-and-publish producer that stands in
// for a real venue feed: it fetches spot prices and market quotes over
// HTTP on a fixed interval and publishes them as typed events on the bus.
// Grounded on original_source/scripts/poll_kalshi_quotes.py's poll loop
// shape (fixed --interval, per-run successes/failures/inserted summary)
// and internal/ingest's rate-limited retrying client. Venue REST/WS
// contracts are explicitly out of scope (spec.md §1 non-goals: "Their
// interface to the core is: deliver typed events to the bus"), so Feed
// below targets a generic JSON endpoint already shaped like domain.SpotTick
// / domain.Quote rather than any specific exchange's wire format.
package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalshi-edge/edgepipeline/internal/domain"
	"github.com/kalshi-edge/edgepipeline/internal/eventbus"
	"github.com/kalshi-edge/edgepipeline/internal/eventcontracts"
	"github.com/kalshi-edge/edgepipeline/internal/ingest"
)

// Feed is one polled upstream source: a spot-price URL, a set of quote
// URLs (one per market), or both.
type Feed struct {
	Name      string
	SpotURL   string
	QuoteURLs []string
}

// Config configures the Collector's polling behavior.
type Config struct {
	Feeds        []Feed
	PollInterval time.Duration
	RatePerSec   float64
	Burst        int
}

// Summary mirrors the original's per-run poll summary (successes,
// failures, inserted), reported via Snapshot for health logging.
type Summary struct {
	Successes int
	Failures  int
	Published int
}

// Collector polls every configured Feed on PollInterval and publishes a
// SpotTick or Quote event for each successful fetch.
type Collector struct {
	cfg    Config
	client *ingest.Client
	bus    *eventbus.Bus
	source string
	now    func() int64

	summary Summary
}

const publishSource = "collector"

// New creates a Collector. A zero-value Config with no Feeds is valid: in
// that case Cycle is a no-op, so wiring the collector into the orchestrator
// unconditionally is harmless when no feed endpoints are configured.
func New(cfg Config, bus *eventbus.Bus) *Collector {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &Collector{
		cfg:    cfg,
		client: ingest.NewClient(cfg.RatePerSec, cfg.Burst),
		bus:    bus,
		source: publishSource,
		now:    func() int64 { return time.Now().Unix() },
	}
}

// Snapshot returns the cumulative poll counters since the Collector was
// created.
func (c *Collector) Snapshot() Summary {
	return c.summary
}

// Cycle polls every configured feed once, publishing one event per
// successful fetch. Fetch failures are logged and counted, never fatal:
// one bad upstream response must not stop the rest of the feeds from
// being polled, matching internal/ingest's "classify, don't crash" error
// taxonomy.
func (c *Collector) Cycle(ctx context.Context) {
	nowTs := c.now()
	for _, feed := range c.cfg.Feeds {
		if feed.SpotURL != "" {
			c.pollSpot(ctx, feed, nowTs)
		}
		for _, url := range feed.QuoteURLs {
			c.pollQuote(ctx, feed.Name, url, nowTs)
		}
	}
}

func (c *Collector) pollSpot(ctx context.Context, feed Feed, nowTs int64) {
	var tick domain.SpotTick
	if err := c.client.GetJSON(ctx, feed.SpotURL, &tick); err != nil {
		c.summary.Failures++
		slog.Warn("collector: spot fetch failed", "feed", feed.Name, "err", err)
		return
	}
	c.summary.Successes++
	c.publish(domain.EventSpotTick, nowTs, tick, feed.Name)
}

func (c *Collector) pollQuote(ctx context.Context, feedName, url string, nowTs int64) {
	var quote domain.Quote
	if err := c.client.GetJSON(ctx, url, &quote); err != nil {
		c.summary.Failures++
		slog.Warn("collector: quote fetch failed", "feed", feedName, "url", url, "err", err)
		return
	}
	c.summary.Successes++
	if quote.SourceMsgID == nil {
		id := uuid.New().String()
		quote.SourceMsgID = &id
	}
	c.publish(domain.EventQuoteUpdate, nowTs, quote, feedName)
}

func (c *Collector) publish(eventType domain.EventType, nowTs int64, payload any, feedName string) {
	env, err := eventcontracts.NewEnvelope(eventType, c.source, nowTs, payload)
	if err != nil {
		slog.Error("collector: failed to build envelope", "feed", feedName, "err", err)
		return
	}
	if err := c.bus.Publish(env); err != nil {
		slog.Error("collector: failed to publish", "feed", feedName, "err", err)
		return
	}
	c.summary.Published++
}

// Run polls on PollInterval until ctx is cancelled. If once is true it
// runs a single Cycle and returns, matching the other pipeline loops'
// --once flag behavior.
func (c *Collector) Run(ctx context.Context, once bool) error {
	c.Cycle(ctx)
	if once {
		return nil
	}
	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Cycle(ctx)
		}
	}
}
