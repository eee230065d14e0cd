package correlation

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/nodeguard-project/nodeguard/internal/core"
)

// Pattern names, in detection priority order.
const (
	PatternRepetitiveAttack = "repetitive_attack"
	PatternEscalation       = "escalation"
	PatternBurstActivity    = "burst_activity"
	PatternSequence         = "sequence"
	PatternSingleEvent      = "single_event"
)

// Result is the correlation verdict for one event.
type Result struct {
	Pattern           string            `json:"pattern"`
	PatternConfidence float64           `json:"pattern_confidence"`
	RelatedCount      int               `json:"related_count"`
	AnomalyScore      float64           `json:"anomaly_score"`
	RiskAdjustment    float64           `json:"risk_adjustment"`
	Strength          string            `json:"correlation_strength"`
	Summary           string            `json:"summary"`
	Temporal          *TemporalAnalysis `json:"temporal_analysis,omitempty"`
	Frequency         FrequencyAnalysis `json:"frequency_analysis"`
}

// TemporalAnalysis describes the spacing of related events. Nil when fewer
// than two related events exist.
type TemporalAnalysis struct {
	AverageIntervalSeconds float64 `json:"average_interval_seconds"`
	TotalIntervals         int     `json:"total_intervals"`
	Regularity             string  `json:"regularity"` // regular / irregular
}

// FrequencyAnalysis describes event rates over the lookback window.
type FrequencyAnalysis struct {
	EventsPerSecond float64 `json:"events_per_second"`
	EventsPerMinute float64 `json:"events_per_minute"`
	EventsPerHour   float64 `json:"events_per_hour"`
	Level           string  `json:"frequency_level"` // very_low .. very_high
}

// HistorySource supplies recent events matching the correlation key fields.
// Implemented by the store; rows come back newest first, capped at limit.
type HistorySource interface {
	RelatedEvents(ctx context.Context, filters map[string]string, since time.Time, limit int) ([]core.RelatedEvent, error)
}

// Engine correlates each event against recent history sharing its key
// fields. A small TTL'd LRU fronts the history query so a burst from one
// source hits the store once, not once per event.
type Engine struct {
	history HistorySource
	window  time.Duration
	groupBy []string
	limit   int
	logger  zerolog.Logger

	cache    *lru.Cache[string, cacheEntry]
	cacheTTL time.Duration
}

type cacheEntry struct {
	events  []core.RelatedEvent
	fetched time.Time
}

// NewEngine builds a correlation engine from config.
func NewEngine(cfg core.CorrelationConfig, history HistorySource, logger zerolog.Logger) (*Engine, error) {
	groupBy := cfg.GroupBy
	if len(groupBy) == 0 {
		groupBy = []string{"source_ip"}
	}
	limit := cfg.QueryLimit
	if limit <= 0 {
		limit = 100
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 512
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 2 * time.Second
	}

	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("creating correlation cache: %w", err)
	}

	return &Engine{
		history:  history,
		window:   ParseWindow(cfg.Window),
		groupBy:  groupBy,
		limit:    limit,
		logger:   logger.With().Str("component", "correlation").Logger(),
		cache:    cache,
		cacheTTL: ttl,
	}, nil
}

var windowRe = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseWindow parses a lookback window like "5m", "1h" or "2d". Anything
// unparseable falls back to five minutes.
func ParseWindow(s string) time.Duration {
	m := windowRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return 5 * time.Minute
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 5 * time.Minute
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second
	case "m":
		return time.Duration(n) * time.Minute
	case "h":
		return time.Duration(n) * time.Hour
	case "d":
		return time.Duration(n) * 24 * time.Hour
	}
	return 5 * time.Minute
}

// BuildKey joins the grouping fields into the canonical correlation key,
// "field:value|field:value". Missing fields contribute "unknown".
func BuildKey(ev *core.TelemetryEvent, groupBy []string) string {
	parts := make([]string, 0, len(groupBy))
	for _, field := range groupBy {
		parts = append(parts, field+":"+keyField(ev, field))
	}
	return strings.Join(parts, "|")
}

func keyField(ev *core.TelemetryEvent, field string) string {
	var v string
	switch field {
	case "source_ip":
		v = ev.SourceIP
	case "destination_ip":
		v = ev.DestinationIP
	case "user_id":
		v = ev.UserID
	case "asset_id":
		v = ev.AssetID
	case "event_type":
		v = ev.EventType
	}
	if v == "" {
		return "unknown"
	}
	return v
}

// Correlate analyzes one event against its recent history. A failed history
// lookup degrades to the empty-history result rather than failing the
// pipeline; the store error is logged.
func (e *Engine) Correlate(ctx context.Context, ev *core.TelemetryEvent) Result {
	related := e.relatedEvents(ctx, ev)

	pattern, confidence := e.classifyPattern(related, ev)
	anomaly := e.anomalyScore(related, ev)

	return Result{
		Pattern:           pattern,
		PatternConfidence: confidence,
		RelatedCount:      len(related),
		AnomalyScore:      anomaly,
		RiskAdjustment:    riskAdjustment(pattern, confidence, anomaly),
		Strength:          strength(len(related), e.window),
		Summary:           e.summary(len(related), pattern),
		Temporal:          temporalAnalysis(related),
		Frequency:         frequencyAnalysis(len(related), e.window),
	}
}

// relatedEvents fetches history for the event's correlation key, consulting
// the cache first.
func (e *Engine) relatedEvents(ctx context.Context, ev *core.TelemetryEvent) []core.RelatedEvent {
	key := BuildKey(ev, e.groupBy)

	if entry, ok := e.cache.Get(key); ok && time.Since(entry.fetched) < e.cacheTTL {
		return entry.events
	}

	filters := make(map[string]string, len(e.groupBy))
	for _, field := range e.groupBy {
		if v := keyField(ev, field); v != "unknown" {
			filters[field] = v
		}
	}
	if len(filters) == 0 {
		return nil
	}

	since := time.Now().UTC().Add(-e.window)
	events, err := e.history.RelatedEvents(ctx, filters, since, e.limit)
	if err != nil {
		e.logger.Error().Err(err).Str("key", key).Msg("history lookup failed, correlating without context")
		return nil
	}

	e.cache.Add(key, cacheEntry{events: events, fetched: time.Now()})
	return events
}

// classifyPattern picks the highest-priority matching pattern.
func (e *Engine) classifyPattern(related []core.RelatedEvent, ev *core.TelemetryEvent) (string, float64) {
	if len(related) == 0 {
		return PatternSingleEvent, 0.0
	}

	// Repetitive attack: three or more related events of the same type.
	if len(related) >= 3 {
		sameType := 0
		for _, r := range related {
			if r.EventType == ev.EventType {
				sameType++
			}
		}
		if sameType >= 3 {
			conf := float64(sameType) / float64(len(related))
			if conf > 0.9 {
				conf = 0.9
			}
			return PatternRepetitiveAttack, conf
		}
	}

	// Escalation: current severity strictly above the max of the three most
	// recent related events.
	if len(related) >= 2 {
		recent := related
		if len(recent) > 3 {
			recent = recent[:3] // rows are newest first
		}
		maxSev := core.SeverityLow
		for _, r := range recent {
			if r.Severity > maxSev {
				maxSev = r.Severity
			}
		}
		if ev.Severity > maxSev {
			return PatternEscalation, 0.8
		}
	}

	// Burst: many events in the window regardless of type.
	if len(related) >= 5 {
		return PatternBurstActivity, 0.7
	}

	return PatternSequence, 0.5
}

// anomalyScore accumulates anomaly signals. An event with no history is
// mildly anomalous by itself.
func (e *Engine) anomalyScore(related []core.RelatedEvent, ev *core.TelemetryEvent) float64 {
	if len(related) == 0 {
		return 0.5
	}

	score := 0.0

	// Frequency anomaly.
	switch {
	case len(related) >= 10:
		score += 0.4
	case len(related) >= 5:
		score += 0.2
	}

	// Severity anomaly.
	if ev.Severity >= core.SeverityHigh {
		score += 0.3
	}

	// Risk anomaly.
	switch {
	case ev.RiskScore >= 8.0:
		score += 0.3
	case ev.RiskScore >= 6.0:
		score += 0.2
	}

	// Clustering anomaly: three or more events all inside one hour.
	if len(related) >= 3 {
		minT, maxT := related[0].CreatedAt, related[0].CreatedAt
		for _, r := range related[1:] {
			if r.CreatedAt.Before(minT) {
				minT = r.CreatedAt
			}
			if r.CreatedAt.After(maxT) {
				maxT = r.CreatedAt
			}
		}
		if maxT.Sub(minT) < time.Hour {
			score += 0.2
		}
	}

	return core.Clamp01(score)
}

var patternMultipliers = map[string]float64{
	PatternRepetitiveAttack: 1.5,
	PatternEscalation:       1.8,
	PatternBurstActivity:    1.3,
	PatternSequence:         1.1,
	PatternSingleEvent:      1.0,
}

// riskAdjustment combines the pattern multiplier with anomaly (up to +50%)
// and pattern confidence (up to +30%), clamped to [0.5, 3.0].
func riskAdjustment(pattern string, confidence, anomaly float64) float64 {
	mult, ok := patternMultipliers[pattern]
	if !ok {
		mult = 1.0
	}

	adj := mult * (1.0 + anomaly*0.5) * (1.0 + confidence*0.3)
	if adj < 0.5 {
		return 0.5
	}
	if adj > 3.0 {
		return 3.0
	}
	return adj
}

// strength buckets the event rate normalized per hour.
func strength(count int, window time.Duration) string {
	perHour := float64(count) / window.Hours()
	switch {
	case perHour >= 10:
		return "very_strong"
	case perHour >= 5:
		return "strong"
	case perHour >= 2:
		return "moderate"
	case perHour >= 0.5:
		return "weak"
	default:
		return "very_weak"
	}
}

func (e *Engine) summary(count int, pattern string) string {
	grouped := strings.Join(e.groupBy, ", ")
	window := e.window.String()

	if count == 0 {
		return fmt.Sprintf("No related events found within %s when grouped by %s", window, grouped)
	}

	var base string
	switch pattern {
	case PatternRepetitiveAttack:
		base = fmt.Sprintf("Detected repetitive attack pattern with %d similar events", count)
	case PatternEscalation:
		base = fmt.Sprintf("Detected escalation pattern across %d events with increasing severity", count)
	case PatternBurstActivity:
		base = fmt.Sprintf("Detected burst activity with %d events in rapid succession", count)
	case PatternSequence:
		base = fmt.Sprintf("Detected event sequence with %d related events", count)
	default:
		base = fmt.Sprintf("Found %d related events", count)
	}

	return fmt.Sprintf("%s within %s when grouped by %s", base, window, grouped)
}

// temporalAnalysis measures inter-event spacing. Intervals whose spread is
// under half the average count as regular.
func temporalAnalysis(related []core.RelatedEvent) *TemporalAnalysis {
	if len(related) < 2 {
		return nil
	}

	times := make([]time.Time, len(related))
	for i, r := range related {
		times[i] = r.CreatedAt
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		intervals = append(intervals, times[i].Sub(times[i-1]).Seconds())
	}

	var sum, minI, maxI float64
	minI, maxI = intervals[0], intervals[0]
	for _, iv := range intervals {
		sum += iv
		if iv < minI {
			minI = iv
		}
		if iv > maxI {
			maxI = iv
		}
	}
	avg := sum / float64(len(intervals))

	regularity := "irregular"
	if maxI-minI < avg*0.5 {
		regularity = "regular"
	}

	return &TemporalAnalysis{
		AverageIntervalSeconds: avg,
		TotalIntervals:         len(intervals),
		Regularity:             regularity,
	}
}

func frequencyAnalysis(count int, window time.Duration) FrequencyAnalysis {
	secs := window.Seconds()
	if secs == 0 {
		return FrequencyAnalysis{Level: "very_low"}
	}

	perSec := float64(count) / secs
	perHour := perSec * 3600

	var level string
	switch {
	case perHour >= 50:
		level = "very_high"
	case perHour >= 20:
		level = "high"
	case perHour >= 5:
		level = "moderate"
	case perHour >= 1:
		level = "low"
	default:
		level = "very_low"
	}

	return FrequencyAnalysis{
		EventsPerSecond: perSec,
		EventsPerMinute: perSec * 60,
		EventsPerHour:   perHour,
		Level:           level,
	}
}
