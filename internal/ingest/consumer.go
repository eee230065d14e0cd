// Package ingest turns raw stream messages into pipeline invocations.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodeguard-project/nodeguard/internal/core"
)

// Processor runs the detection pipeline for one decoded event.
type Processor interface {
	Process(ctx context.Context, ev *core.TelemetryEvent)
}

// Consumer decodes and validates telemetry messages and feeds them to a
// fixed worker pool. No per-message goroutines: the pool size caps pipeline
// concurrency and the work channel is the hand-off point from the bus
// callback.
type Consumer struct {
	processor Processor
	dedup     *core.EventDedup
	metrics   *core.Metrics
	logger    zerolog.Logger

	work    chan *core.TelemetryEvent
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewConsumer builds a consumer with the given worker count.
func NewConsumer(workers int, processor Processor, dedup *core.EventDedup, metrics *core.Metrics, logger zerolog.Logger) *Consumer {
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		processor: processor,
		dedup:     dedup,
		metrics:   metrics,
		logger:    logger.With().Str("component", "consumer").Logger(),
		work:      make(chan *core.TelemetryEvent, workers*2),
		workers:   workers,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the worker pool.
func (c *Consumer) Start() {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for ev := range c.work {
				c.processor.Process(c.ctx, ev)
			}
		}()
	}
	c.logger.Info().Int("workers", c.workers).Msg("consumer workers started")
}

// Handle is the bus callback for one raw message. Malformed input is logged
// and skipped; the consumer never fails on a bad message.
func (c *Consumer) Handle(data []byte) {
	c.metrics.EventsConsumed.Inc()

	ev, err := core.DecodeTelemetryEvent(data)
	if err != nil {
		c.metrics.EventsInvalid.Inc()
		c.logger.Warn().Err(err).Msg("skipping malformed telemetry message")
		return
	}

	if c.dedup != nil && c.dedup.IsDuplicate(ev) {
		c.metrics.EventsDeduped.Inc()
		c.logger.Debug().Str("event_id", ev.EventID).Msg("duplicate event dropped")
		return
	}

	// The send holds the mutex Close takes before closing the work channel,
	// so a bus callback arriving mid-shutdown is dropped, never panicked.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug().Str("event_id", ev.EventID).Msg("consumer closing, event dropped")
		return
	}
	select {
	case c.work <- ev:
	case <-c.ctx.Done():
	}
	c.mu.Unlock()
}

// Close stops intake and waits for in-flight work, bounded by the timeout.
func (c *Consumer) Close(timeout time.Duration) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.work)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info().Msg("consumer drained")
	case <-time.After(timeout):
		c.logger.Warn().Msg("consumer drain deadline exceeded")
	}

	c.cancel()
}
