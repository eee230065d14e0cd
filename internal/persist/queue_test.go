package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodeguard-project/nodeguard/internal/core"
	"github.com/nodeguard-project/nodeguard/internal/store"
)

// flakyStore fails the first n writes, then delegates to a memory store.
type flakyStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyStore) WriteTask(ctx context.Context, task *core.PersistenceTask) error {
	f.mu.Lock()
	f.attempts++
	fail := f.attempts <= f.failures
	f.mu.Unlock()

	if fail {
		return errors.New("store unavailable")
	}
	return f.MemoryStore.WriteTask(ctx, task)
}

func (f *flakyStore) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// blockingStore holds the first write until released; later writes pass.
type blockingStore struct {
	*store.MemoryStore
	release chan struct{}
	mu      sync.Mutex
	writes  int
}

func (b *blockingStore) WriteTask(ctx context.Context, task *core.PersistenceTask) error {
	b.mu.Lock()
	b.writes++
	first := b.writes == 1
	b.mu.Unlock()

	if first {
		select {
		case <-b.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return b.MemoryStore.WriteTask(ctx, task)
}

func testQueueConfig() core.QueueConfig {
	return core.QueueConfig{
		Capacity:     100,
		MaxRetries:   3,
		BackoffBase:  time.Millisecond,
		WriteTimeout: time.Second,
		DrainTimeout: time.Second,
	}
}

func queuedTask(id string) *core.PersistenceTask {
	return core.NewPersistenceTask(&core.TelemetryEvent{EventID: id, EventType: "port_scan", Status: "open", Timestamp: time.Now().UTC()}, nil, nil)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWriter_TaskWritten(t *testing.T) {
	mem := store.NewMemoryStore()
	w := NewWriter(testQueueConfig(), mem, core.NewMetrics(), zerolog.Nop())
	w.Start()
	defer w.Close()

	w.Enqueue(queuedTask("e-1"))

	waitFor(t, time.Second, func() bool {
		_, ok := mem.Event("e-1")
		return ok
	})
}

func TestWriter_RetriesTransientFailure(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 2}
	w := NewWriter(testQueueConfig(), fs, core.NewMetrics(), zerolog.Nop())
	w.Start()
	defer w.Close()

	w.Enqueue(queuedTask("e-1"))

	waitFor(t, 2*time.Second, func() bool {
		_, ok := fs.Event("e-1")
		return ok
	})
	if fs.Attempts() != 3 {
		t.Errorf("expected 3 attempts, got %d", fs.Attempts())
	}
}

func TestWriter_DropsAfterExhaustingRetries(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 100}
	cfg := testQueueConfig()
	cfg.MaxRetries = 2
	w := NewWriter(cfg, fs, core.NewMetrics(), zerolog.Nop())
	w.Start()

	w.Enqueue(queuedTask("e-1"))
	w.Close()

	// 1 initial + 2 retries
	if fs.Attempts() != 3 {
		t.Errorf("expected 3 attempts, got %d", fs.Attempts())
	}
	if _, ok := fs.Event("e-1"); ok {
		t.Error("task should have been dropped")
	}
}

func TestWriter_FullQueueFallsBackToDirectWrite(t *testing.T) {
	bs := &blockingStore{MemoryStore: store.NewMemoryStore(), release: make(chan struct{})}
	cfg := testQueueConfig()
	cfg.Capacity = 1
	w := NewWriter(cfg, bs, core.NewMetrics(), zerolog.Nop())
	w.Start()

	// First task occupies the writer (blocked in the store), second fills
	// the single queue slot.
	w.Enqueue(queuedTask("e-1"))
	waitFor(t, time.Second, func() bool { return w.Depth() == 0 })
	w.Enqueue(queuedTask("e-2"))

	// Third finds the queue full and takes the synchronous path.
	w.Enqueue(queuedTask("e-3"))

	if _, ok := bs.Event("e-3"); !ok {
		t.Error("overflow task should be written synchronously")
	}

	close(bs.release)
	w.Close()
	events, _, _ := bs.Counts()
	if events != 3 {
		t.Errorf("expected all 3 events written, got %d", events)
	}
}

func TestWriter_CloseDrainsQueue(t *testing.T) {
	mem := store.NewMemoryStore()
	w := NewWriter(testQueueConfig(), mem, core.NewMetrics(), zerolog.Nop())
	w.Start()

	for i := 0; i < 20; i++ {
		w.Enqueue(queuedTask(string(rune('a' + i))))
	}
	w.Close()

	events, _, _ := mem.Counts()
	if events != 20 {
		t.Errorf("expected 20 events after drain, got %d", events)
	}
}

func TestWriter_EnqueueAfterCloseWritesDirectly(t *testing.T) {
	bs := &blockingStore{MemoryStore: store.NewMemoryStore(), release: make(chan struct{})}
	cfg := testQueueConfig()
	cfg.DrainTimeout = 20 * time.Millisecond
	w := NewWriter(cfg, bs, core.NewMetrics(), zerolog.Nop())
	w.Start()

	// Stall the writer on the first task so Close gives up at the drain
	// deadline with the goroutine still in flight.
	w.Enqueue(queuedTask("e-1"))
	waitFor(t, time.Second, func() bool { return w.Depth() == 0 })
	w.Close()

	// A producer finishing its pipeline pass after Close must not panic;
	// the task takes the synchronous path.
	w.Enqueue(queuedTask("e-2"))

	if _, ok := bs.Event("e-2"); !ok {
		t.Error("late task should be written synchronously")
	}
	close(bs.release)
}

func TestWriter_CloseWithoutStartIsSafe(t *testing.T) {
	w := NewWriter(testQueueConfig(), store.NewMemoryStore(), core.NewMetrics(), zerolog.Nop())
	w.Close()
}

func TestWriter_WritesIncidentAndIndicators(t *testing.T) {
	mem := store.NewMemoryStore()
	w := NewWriter(testQueueConfig(), mem, core.NewMetrics(), zerolog.Nop())
	w.Start()

	ev := &core.TelemetryEvent{EventID: "e-1", EventType: "malware", SourceIP: "203.0.113.7", Confidence: 0.8, Timestamp: time.Now().UTC(), Status: "open"}
	inc := &core.Incident{ID: "i-1", SourceEventID: "e-1", Severity: core.SeverityCritical, Status: "open", CreatedAt: time.Now().UTC()}
	w.Enqueue(core.NewPersistenceTask(ev, inc, ExtractIndicators(ev)))
	w.Close()

	if _, ok := mem.Incident("e-1"); !ok {
		t.Error("incident not written")
	}
	if _, ok := mem.Indicator("ip", "203.0.113.7"); !ok {
		t.Error("indicator not written")
	}
}

func TestExtractIndicators_SourceDomainHash(t *testing.T) {
	ev := &core.TelemetryEvent{
		EventID:    "e-1",
		EventType:  "malware",
		SourceIP:   "203.0.113.7",
		Confidence: 0.75,
		Raw: map[string]any{
			"domain":    "evil.example.com",
			"file_hash": "deadbeef",
		},
	}

	inds := ExtractIndicators(ev)
	if len(inds) != 3 {
		t.Fatalf("expected 3 indicators, got %d", len(inds))
	}

	byType := map[string]core.ThreatIndicator{}
	for _, ind := range inds {
		byType[ind.Type] = ind
	}
	if byType["ip"].Value != "203.0.113.7" {
		t.Errorf("unexpected ip indicator %+v", byType["ip"])
	}
	if byType["domain"].Value != "evil.example.com" {
		t.Errorf("unexpected domain indicator %+v", byType["domain"])
	}
	if byType["hash"].Value != "deadbeef" {
		t.Errorf("unexpected hash indicator %+v", byType["hash"])
	}
	if byType["ip"].Confidence != 0.75 {
		t.Errorf("indicator should inherit confidence, got %f", byType["ip"].Confidence)
	}
	if byType["ip"].ThreatType != "malware" {
		t.Errorf("indicator should inherit threat type, got %s", byType["ip"].ThreatType)
	}
}

func TestExtractIndicators_NoSourceNoRaw_Empty(t *testing.T) {
	if inds := ExtractIndicators(&core.TelemetryEvent{EventID: "e-1"}); len(inds) != 0 {
		t.Errorf("expected no indicators, got %d", len(inds))
	}
}
