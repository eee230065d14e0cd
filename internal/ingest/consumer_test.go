package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodeguard-project/nodeguard/internal/core"
)

type recordingProcessor struct {
	mu     sync.Mutex
	events []*core.TelemetryEvent
}

func (r *recordingProcessor) Process(_ context.Context, ev *core.TelemetryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingProcessor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestConsumer(p Processor, dedup *core.EventDedup) *Consumer {
	return NewConsumer(2, p, dedup, core.NewMetrics(), zerolog.Nop())
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

func TestHandle_ValidMessage_Processed(t *testing.T) {
	p := &recordingProcessor{}
	c := newTestConsumer(p, nil)
	c.Start()
	defer c.Close(time.Second)

	c.Handle([]byte(`{"event_id":"e-1","threat_type":"port_scan","source_ip":"10.0.0.1"}`))

	waitFor(t, time.Second, func() bool { return p.count() == 1 })

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events[0].EventID != "e-1" {
		t.Errorf("unexpected event id %s", p.events[0].EventID)
	}
	if p.events[0].EventType != "port_scan" {
		t.Errorf("unexpected event type %s", p.events[0].EventType)
	}
}

func TestHandle_MalformedMessage_SkippedWithoutCrash(t *testing.T) {
	p := &recordingProcessor{}
	c := newTestConsumer(p, nil)
	c.Start()
	defer c.Close(time.Second)

	c.Handle([]byte(`{broken`))
	c.Handle([]byte(`{"threat_type":"no_id"}`))
	c.Handle([]byte(`{"event_id":"e-2"}`))

	waitFor(t, time.Second, func() bool { return p.count() == 1 })

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events[0].EventID != "e-2" {
		t.Errorf("valid event should survive malformed neighbors, got %s", p.events[0].EventID)
	}
}

func TestHandle_DuplicateDropped(t *testing.T) {
	p := &recordingProcessor{}
	c := newTestConsumer(p, core.NewEventDedup(time.Minute, 100))
	c.Start()
	defer c.Close(time.Second)

	msg := []byte(`{"event_id":"e-1","threat_type":"port_scan"}`)
	c.Handle(msg)
	c.Handle(msg)

	waitFor(t, time.Second, func() bool { return p.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if p.count() != 1 {
		t.Errorf("duplicate should be dropped, processed %d", p.count())
	}
}

func TestHandle_AfterClose_DroppedWithoutPanic(t *testing.T) {
	p := &recordingProcessor{}
	c := newTestConsumer(p, nil)
	c.Start()
	c.Close(time.Second)

	c.Handle([]byte(`{"event_id":"e-1"}`))

	time.Sleep(20 * time.Millisecond)
	if p.count() != 0 {
		t.Errorf("message after close must be dropped, processed %d", p.count())
	}
}

func TestClose_DrainsInFlightWork(t *testing.T) {
	p := &recordingProcessor{}
	c := newTestConsumer(p, nil)
	c.Start()

	for i := 0; i < 4; i++ {
		c.Handle([]byte(`{"event_id":"e-` + string(rune('0'+i)) + `"}`))
	}
	c.Close(time.Second)

	if p.count() != 4 {
		t.Errorf("expected 4 processed after drain, got %d", p.count())
	}
}
