package decision

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/nodeguard-project/nodeguard/internal/core"
	"github.com/nodeguard-project/nodeguard/internal/correlation"
)

type recordingNotifier struct {
	notified int
}

func (r *recordingNotifier) NotifyAsync(_ *core.TelemetryEvent, _ correlation.Result) {
	r.notified++
}

func newTestMaker(n Notifier) *Maker {
	return NewMaker(core.DetectionConfig{
		HighRiskThreshold: 7.0,
		CriticalCutoff:    9.0,
		HighCutoff:        7.0,
		MediumCutoff:      5.0,
	}, n, zerolog.Nop())
}

func riskyEvent(risk float64) *core.TelemetryEvent {
	return &core.TelemetryEvent{
		EventID:        "e-1",
		EventType:      "brute_force",
		SourceIP:       "203.0.113.7",
		RiskScore:      risk,
		RiskAdjustment: 1.0,
	}
}

func TestDecide_BelowThreshold_NoIncident(t *testing.T) {
	m := newTestMaker(nil)
	if inc := m.Decide(riskyEvent(6.9), correlation.Result{}); inc != nil {
		t.Errorf("risk 6.9 must not create an incident, got %+v", inc)
	}
}

func TestDecide_AtThreshold_CreatesIncident(t *testing.T) {
	m := newTestMaker(nil)
	inc := m.Decide(riskyEvent(7.0), correlation.Result{})
	if inc == nil {
		t.Fatal("risk 7.0 should create an incident")
	}
	if inc.SourceEventID != "e-1" {
		t.Errorf("expected source event id e-1, got %s", inc.SourceEventID)
	}
	if inc.Severity != core.SeverityHigh {
		t.Errorf("risk 7.0 should be high severity, got %s", inc.Severity)
	}
	if inc.Status != "open" {
		t.Errorf("expected open status, got %s", inc.Status)
	}
}

func TestDecide_SeverityBuckets(t *testing.T) {
	m := newTestMaker(nil)
	cases := map[float64]core.Severity{
		9.5: core.SeverityCritical,
		9.0: core.SeverityCritical,
		8.0: core.SeverityHigh,
		7.0: core.SeverityHigh,
	}
	for risk, want := range cases {
		inc := m.Decide(riskyEvent(risk), correlation.Result{})
		if inc == nil {
			t.Fatalf("risk %f should create an incident", risk)
		}
		if inc.Severity != want {
			t.Errorf("risk %f: expected %s, got %s", risk, want, inc.Severity)
		}
	}
}

func TestDecide_AdjustmentPushesOverThreshold(t *testing.T) {
	m := newTestMaker(nil)
	ev := riskyEvent(5.0)
	ev.RiskAdjustment = 1.5
	inc := m.Decide(ev, correlation.Result{Pattern: correlation.PatternRepetitiveAttack})
	if inc == nil {
		t.Fatal("adjusted risk 7.5 should create an incident")
	}
	if inc.RiskScore != 7.5 {
		t.Errorf("expected recorded risk 7.5, got %f", inc.RiskScore)
	}
}

func TestDecide_ThreatScoreFallback(t *testing.T) {
	m := newTestMaker(nil)
	ev := &core.TelemetryEvent{
		EventID:        "e-2",
		EventType:      "anomaly",
		ThreatScore:    0.8,
		RiskAdjustment: 1.0,
	}
	if inc := m.Decide(ev, correlation.Result{}); inc == nil {
		t.Fatal("threat score 0.8 scales to risk 8.0, should create an incident")
	}
}

func TestDecide_NotifierCalledOnIncident(t *testing.T) {
	n := &recordingNotifier{}
	m := newTestMaker(n)

	m.Decide(riskyEvent(9.0), correlation.Result{})
	if n.notified != 1 {
		t.Errorf("expected 1 notification, got %d", n.notified)
	}

	m.Decide(riskyEvent(3.0), correlation.Result{})
	if n.notified != 1 {
		t.Errorf("low-risk events must not notify, got %d", n.notified)
	}
}

func TestDecide_TitleNamesSource(t *testing.T) {
	m := newTestMaker(nil)
	inc := m.Decide(riskyEvent(8.0), correlation.Result{})
	if inc.Title != "High-risk brute_force from 203.0.113.7" {
		t.Errorf("unexpected title %q", inc.Title)
	}
}
