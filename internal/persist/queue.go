package persist

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodeguard-project/nodeguard/internal/core"
	"github.com/nodeguard-project/nodeguard/internal/store"
)

// Writer owns the persistence queue: a bounded channel drained by exactly
// one goroutine, so the store sees writes one at a time and the queue is the
// only backpressure point in the pipeline.
//
// When the queue is full the caller falls back to a synchronous direct
// write. Producers slow down to store speed instead of growing memory, and
// the fallback is logged at warn so a saturated store is visible.
type Writer struct {
	store   store.Store
	queue   chan *core.PersistenceTask
	logger  zerolog.Logger
	metrics *core.Metrics

	maxRetries   int
	backoffBase  time.Duration
	writeTimeout time.Duration
	drainTimeout time.Duration

	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewWriter builds the writer from config.
func NewWriter(cfg core.QueueConfig, st store.Store, metrics *core.Metrics, logger zerolog.Logger) *Writer {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 100
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 3
	}
	backoff := cfg.BackoffBase
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	drainTimeout := cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}

	return &Writer{
		store:        st,
		queue:        make(chan *core.PersistenceTask, capacity),
		logger:       logger.With().Str("component", "persist_writer").Logger(),
		metrics:      metrics,
		maxRetries:   maxRetries,
		backoffBase:  backoff,
		writeTimeout: writeTimeout,
		drainTimeout: drainTimeout,
	}
}

// Start launches the single writer goroutine.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for task := range w.queue {
			w.metrics.QueueDepth.Set(float64(len(w.queue)))
			w.writeWithRetry(task)
		}
	}()
}

// Enqueue hands a task to the writer. A full queue degrades to a
// synchronous direct write so the task is never lost silently. The send
// happens under the mutex that Close takes before closing the queue, so a
// producer finishing late can never hit a closed channel; it takes the
// synchronous path instead.
func (w *Writer) Enqueue(task *core.PersistenceTask) {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		w.metrics.QueueFallbacks.Inc()
		w.logger.Warn().
			Str("task_id", task.ID).
			Str("event_id", task.Event.EventID).
			Msg("writer not accepting tasks, writing synchronously")
		w.writeWithRetry(task)
		return
	}

	select {
	case w.queue <- task:
		w.metrics.QueueDepth.Set(float64(len(w.queue)))
		w.mu.Unlock()
	default:
		w.mu.Unlock()
		w.metrics.QueueFallbacks.Inc()
		w.logger.Warn().
			Str("task_id", task.ID).
			Str("event_id", task.Event.EventID).
			Msg("persistence queue full, writing synchronously")
		w.writeWithRetry(task)
	}
}

// writeWithRetry attempts the task up to 1+maxRetries times with jittered
// exponential backoff between attempts. Exhausted tasks are dropped with an
// error log carrying the task identity.
func (w *Writer) writeWithRetry(task *core.PersistenceTask) {
	var lastErr error

	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			w.metrics.WriteRetries.Inc()
			time.Sleep(w.backoff(attempt))
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
		err := w.store.WriteTask(ctx, task)
		cancel()

		if err == nil {
			if task.Incident != nil {
				w.metrics.IncidentsCreated.Inc()
			}
			w.metrics.IndicatorsUpserted.Add(float64(len(task.Indicators)))
			return
		}

		lastErr = err
		task.RetryCount = attempt + 1
		w.logger.Warn().
			Err(err).
			Str("task_id", task.ID).
			Int("attempt", attempt+1).
			Msg("persistence write failed")
	}

	w.metrics.TasksDropped.Inc()
	w.logger.Error().
		Err(lastErr).
		Str("task_id", task.ID).
		Str("event_id", task.Event.EventID).
		Int("attempts", w.maxRetries+1).
		Msg("persistence task dropped after exhausting retries")
}

// backoff returns base*2^(attempt-1) with up to 25% jitter.
func (w *Writer) backoff(attempt int) time.Duration {
	d := w.backoffBase << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// Close stops accepting tasks and drains the queue under the drain
// deadline. Tasks still queued when the deadline fires are lost and counted.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()

	close(w.queue)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info().Msg("persistence queue drained")
	case <-time.After(w.drainTimeout):
		remaining := len(w.queue)
		w.metrics.TasksDropped.Add(float64(remaining))
		w.logger.Error().
			Int("remaining", remaining).
			Msg("drain deadline exceeded, abandoning queued tasks")
	}
}

// Depth reports the current queue depth.
func (w *Writer) Depth() int {
	return len(w.queue)
}
