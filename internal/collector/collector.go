// Package collector buffers incoming traffic events and flushes them to
// storage in batches.
package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/blikh/proxystats/internal/metrics"
	"github.com/blikh/proxystats/internal/statsdb"
)

const (
	defaultBufferSize    = 4096
	defaultBatchSize     = 200
	defaultFlushInterval = 2 * time.Second
)

// BatchWriter applies folded event batches. *statsdb.Store satisfies it.
type BatchWriter interface {
	ApplyBatch(backendID int64, events []statsdb.TrafficEvent) error
}

// GeoResolver enriches events missing country data. May be nil.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (statsdb.GeoIPRecord, bool)
}

type item struct {
	backendID int64
	ev        statsdb.TrafficEvent
}

// Options configures a Collector. Zero values fall back to defaults.
type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// Collector accepts events on a bounded buffer and writes them to the
// store in per-backend batches, either when a batch fills or on a
// timer. Enqueue never blocks; events beyond the buffer are dropped.
type Collector struct {
	writer   BatchWriter
	resolver GeoResolver
	logger   *slog.Logger

	ch            chan item
	batchSize     int
	flushInterval time.Duration

	// OnEvent, when set, is invoked for every accepted event after geo
	// enrichment. Used for live push to WebSocket clients.
	OnEvent func(backendID int64, ev statsdb.TrafficEvent)
}

// New creates a Collector writing to w.
func New(w BatchWriter, resolver GeoResolver, opts Options, logger *slog.Logger) *Collector {
	buffer := opts.BufferSize
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &Collector{
		writer:        w,
		resolver:      resolver,
		logger:        logger,
		ch:            make(chan item, buffer),
		batchSize:     batch,
		flushInterval: interval,
	}
}

// Enqueue hands an event to the flush loop. Returns false when the
// buffer is full and the event was dropped.
func (c *Collector) Enqueue(backendID int64, ev statsdb.TrafficEvent) bool {
	select {
	case c.ch <- item{backendID: backendID, ev: ev}:
		metrics.IngestEventsTotal.Inc()
		return true
	default:
		metrics.IngestEventsDropped.Inc()
		return false
	}
}

// Run flushes batches until ctx is cancelled, then drains the buffer
// and performs a final flush.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	pending := make(map[int64][]statsdb.TrafficEvent)
	total := 0

	flush := func() {
		if total == 0 {
			return
		}
		for backendID, events := range pending {
			c.flushBatch(backendID, events)
		}
		pending = make(map[int64][]statsdb.TrafficEvent)
		total = 0
	}

	for {
		select {
		case <-ctx.Done():
			c.drain(pending, &total)
			flush()
			c.logger.Info("collector: stopped")
			return
		case it := <-c.ch:
			c.accept(pending, &total, it)
			if total >= c.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (c *Collector) accept(pending map[int64][]statsdb.TrafficEvent, total *int, it item) {
	ev := c.enrich(it.ev)
	pending[it.backendID] = append(pending[it.backendID], ev)
	*total++
	if c.OnEvent != nil {
		c.OnEvent(it.backendID, ev)
	}
}

func (c *Collector) drain(pending map[int64][]statsdb.TrafficEvent, total *int) {
	for {
		select {
		case it := <-c.ch:
			c.accept(pending, total, it)
		default:
			return
		}
	}
}

func (c *Collector) enrich(ev statsdb.TrafficEvent) statsdb.TrafficEvent {
	if ev.Country != "" || ev.IP == "" || c.resolver == nil {
		return ev
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.flushInterval)
	defer cancel()
	rec, ok := c.resolver.Resolve(ctx, ev.IP)
	if !ok {
		metrics.GeoLookupsTotal.WithLabelValues("miss").Inc()
		return ev
	}
	metrics.GeoLookupsTotal.WithLabelValues("hit").Inc()
	ev.Country = rec.Country
	ev.CountryName = rec.CountryName
	ev.Continent = rec.Continent
	return ev
}

func (c *Collector) flushBatch(backendID int64, events []statsdb.TrafficEvent) {
	if len(events) == 0 {
		return
	}
	metrics.IngestBatchesTotal.Inc()
	metrics.IngestBatchSize.Observe(float64(len(events)))
	if err := c.writer.ApplyBatch(backendID, events); err != nil {
		metrics.IngestBatchErrors.Inc()
		c.logger.Error("collector: batch flush failed",
			"backend_id", backendID, "events", len(events), "error", err)
		return
	}
	c.logger.Debug("collector: batch flushed", "backend_id", backendID, "events", len(events))
}
