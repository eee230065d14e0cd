package decision

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nodeguard-project/nodeguard/internal/core"
	"github.com/nodeguard-project/nodeguard/internal/correlation"
)

// Notifier receives incident-worthy events for out-of-band analysis. The
// call must never block the pipeline.
type Notifier interface {
	NotifyAsync(ev *core.TelemetryEvent, res correlation.Result)
}

// Maker decides whether a scored, correlated event becomes an incident.
type Maker struct {
	highRisk       float64
	criticalCutoff float64
	highCutoff     float64
	mediumCutoff   float64
	notifier       Notifier
	logger         zerolog.Logger
}

// NewMaker builds a decision maker. notifier may be nil when the analysis
// oracle is disabled.
func NewMaker(cfg core.DetectionConfig, notifier Notifier, logger zerolog.Logger) *Maker {
	highRisk := cfg.HighRiskThreshold
	if highRisk <= 0 {
		highRisk = 7.0
	}
	critical := cfg.CriticalCutoff
	if critical <= 0 {
		critical = 9.0
	}
	high := cfg.HighCutoff
	if high <= 0 {
		high = 7.0
	}
	medium := cfg.MediumCutoff
	if medium <= 0 {
		medium = 5.0
	}
	return &Maker{
		highRisk:       highRisk,
		criticalCutoff: critical,
		highCutoff:     high,
		mediumCutoff:   medium,
		notifier:       notifier,
		logger:         logger.With().Str("component", "decision").Logger(),
	}
}

// Decide returns an incident when the event's combined risk crosses the
// high-risk threshold, nil otherwise. Incident-worthy events are also handed
// to the analysis oracle fire-and-forget.
func (m *Maker) Decide(ev *core.TelemetryEvent, res correlation.Result) *core.Incident {
	risk := core.CombinedRisk(ev)
	if risk < m.highRisk {
		return nil
	}

	inc := &core.Incident{
		ID:            uuid.New().String(),
		Title:         fmt.Sprintf("High-risk %s from %s", ev.EventType, sourceLabel(ev)),
		Severity:      m.bucket(risk),
		SourceEventID: ev.EventID,
		RiskScore:     risk,
		Status:        "open",
		CreatedAt:     time.Now().UTC(),
	}

	m.logger.Info().
		Str("incident_id", inc.ID).
		Str("event_id", ev.EventID).
		Float64("risk", risk).
		Str("severity", inc.Severity.String()).
		Str("pattern", res.Pattern).
		Msg("incident created")

	if m.notifier != nil {
		m.notifier.NotifyAsync(ev, res)
	}

	return inc
}

// bucket maps combined risk to incident severity.
func (m *Maker) bucket(risk float64) core.Severity {
	switch {
	case risk >= m.criticalCutoff:
		return core.SeverityCritical
	case risk >= m.highCutoff:
		return core.SeverityHigh
	case risk >= m.mediumCutoff:
		return core.SeverityMedium
	default:
		return core.SeverityLow
	}
}

func sourceLabel(ev *core.TelemetryEvent) string {
	if ev.SourceIP != "" {
		return ev.SourceIP
	}
	if ev.UserID != "" {
		return "user " + ev.UserID
	}
	return "unknown source"
}
