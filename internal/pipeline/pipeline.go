// Package pipeline wires the detection stages: features, scoring,
// correlation, decision and persistence.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodeguard-project/nodeguard/internal/core"
	"github.com/nodeguard-project/nodeguard/internal/correlation"
	"github.com/nodeguard-project/nodeguard/internal/decision"
	"github.com/nodeguard-project/nodeguard/internal/features"
	"github.com/nodeguard-project/nodeguard/internal/persist"
	"github.com/nodeguard-project/nodeguard/internal/scoring"
)

// IncidentPublisher pushes created incidents to the bus for downstream
// alerting. Nil disables publication.
type IncidentPublisher interface {
	PublishIncident(inc *core.Incident) error
}

// Pipeline runs the synchronous detection path for one event. It is safe
// for concurrent use by the consumer workers; all mutable state lives in
// the components it composes.
type Pipeline struct {
	extractor  *features.Extractor
	scorer     *scoring.Scorer
	correlator *correlation.Engine
	decider    *decision.Maker
	writer     *persist.Writer
	publisher  IncidentPublisher
	metrics    *core.Metrics
	logger     zerolog.Logger

	indicatorThreshold float64

	processed atomic.Int64
	incidents atomic.Int64
}

// Config carries the pipeline's composed components.
type Config struct {
	Extractor          *features.Extractor
	Scorer             *scoring.Scorer
	Correlator         *correlation.Engine
	Decider            *decision.Maker
	Writer             *persist.Writer
	Publisher          IncidentPublisher
	Metrics            *core.Metrics
	IndicatorThreshold float64
}

// New wires the pipeline.
func New(cfg Config, logger zerolog.Logger) *Pipeline {
	threshold := cfg.IndicatorThreshold
	if threshold <= 0 {
		threshold = 8.0
	}
	return &Pipeline{
		extractor:          cfg.Extractor,
		scorer:             cfg.Scorer,
		correlator:         cfg.Correlator,
		decider:            cfg.Decider,
		writer:             cfg.Writer,
		publisher:          cfg.Publisher,
		metrics:            cfg.Metrics,
		logger:             logger.With().Str("component", "pipeline").Logger(),
		indicatorThreshold: threshold,
	}
}

// Process runs one event through every stage. Stage failures degrade (the
// event is still persisted with whatever was computed); only the initial
// decode upstream can reject an event outright.
func (p *Pipeline) Process(ctx context.Context, ev *core.TelemetryEvent) {
	start := time.Now()

	vec := p.extractor.Extract(ev)

	score := p.scorer.Score(ctx, vec)
	ev.ThreatScore = score.Ensemble
	ev.Confidence = score.Confidence
	p.metrics.ScoreDuration.Observe(time.Since(start).Seconds())

	res := p.correlator.Correlate(ctx, ev)
	ev.RiskAdjustment = res.RiskAdjustment

	inc := p.decider.Decide(ev, res)

	var indicators []core.ThreatIndicator
	if core.CombinedRisk(ev) >= p.indicatorThreshold {
		indicators = persist.ExtractIndicators(ev)
	}

	p.writer.Enqueue(core.NewPersistenceTask(ev, inc, indicators))

	if inc != nil {
		p.incidents.Add(1)
		if p.publisher != nil {
			if err := p.publisher.PublishIncident(inc); err != nil {
				p.logger.Warn().Err(err).Str("incident_id", inc.ID).Msg("incident publication failed")
			}
		}
	}

	p.processed.Add(1)
	p.logger.Debug().
		Str("event_id", ev.EventID).
		Float64("threat_score", ev.ThreatScore).
		Float64("confidence", ev.Confidence).
		Str("pattern", res.Pattern).
		Float64("risk_adjustment", ev.RiskAdjustment).
		Bool("incident", inc != nil).
		Msg("event processed")
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Incidents int64 `json:"incidents"`
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Incidents: p.incidents.Load(),
	}
}
