package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity represents the severity level of a telemetry event or incident.
// Ordering matters: escalation detection compares ordinals.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a producer-supplied severity string to a Severity.
// Unknown or empty values default to medium.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "info":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseSeverity(str)
	return nil
}

// TelemetryEvent is a single security telemetry event flowing through the
// detection pipeline. Producer-supplied fields are immutable once decoded;
// the scoring fields (ThreatScore, Confidence, RiskAdjustment) are written
// exactly once by the pipeline, and Status is the only field mutated later.
type TelemetryEvent struct {
	EventID       string         `json:"event_id"`
	Timestamp     time.Time      `json:"timestamp"`
	SourceIP      string         `json:"source_ip,omitempty"`
	DestinationIP string         `json:"destination_ip,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	AssetID       string         `json:"asset_id,omitempty"`
	EventType     string         `json:"event_type"`
	Severity      Severity       `json:"severity"`
	Endpoint      string         `json:"endpoint,omitempty"`
	Description   string         `json:"description,omitempty"`
	RiskScore     float64        `json:"risk_score,omitempty"` // producer risk on a 0-10 scale
	RiskScoreSet  bool           `json:"-"`                    // producer supplied risk_score, even a zero
	Raw           map[string]any `json:"metadata,omitempty"`

	// Set by the pipeline after scoring.
	ThreatScore    float64 `json:"threat_score"`
	Confidence     float64 `json:"confidence"`
	RiskAdjustment float64 `json:"risk_adjustment"`
	Status         string  `json:"status"`
}

// rawTelemetry mirrors the wire format of stream messages. Only event_id is
// required; everything else has a documented default.
type rawTelemetry struct {
	EventID       string          `json:"event_id"`
	Timestamp     json.RawMessage `json:"timestamp"`
	ThreatType    string          `json:"threat_type"`
	EventType     string          `json:"event_type"`
	Severity      string          `json:"severity"`
	RiskScore     *float64        `json:"risk_score"`
	SourceIP      string          `json:"source_ip"`
	TargetIP      string          `json:"target_ip"`
	DestinationIP string          `json:"destination_ip"`
	UserID        string          `json:"user_id"`
	AssetID       string          `json:"asset_id"`
	Endpoint      string          `json:"endpoint"`
	Description   string          `json:"description"`
	Metadata      map[string]any  `json:"metadata"`
}

// DecodeTelemetryEvent parses a stream message into a TelemetryEvent.
// A missing event_id is a malformed-input error; the caller logs and skips.
func DecodeTelemetryEvent(data []byte) (*TelemetryEvent, error) {
	var raw rawTelemetry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding telemetry message: %w", err)
	}
	if raw.EventID == "" {
		return nil, fmt.Errorf("telemetry message missing event_id")
	}

	eventType := raw.ThreatType
	if eventType == "" {
		eventType = raw.EventType
	}
	if eventType == "" {
		eventType = "unknown"
	}

	dest := raw.DestinationIP
	if dest == "" {
		dest = raw.TargetIP
	}

	// A pointer on the wire keeps an explicit risk_score of 0 distinct from
	// an absent one: only the latter falls back to the ensemble score.
	var riskScore float64
	riskSet := raw.RiskScore != nil
	if riskSet {
		riskScore = clampRange(*raw.RiskScore, 0, 10)
	}

	return &TelemetryEvent{
		EventID:       raw.EventID,
		Timestamp:     parseTimestamp(raw.Timestamp),
		SourceIP:      raw.SourceIP,
		DestinationIP: dest,
		UserID:        raw.UserID,
		AssetID:       raw.AssetID,
		EventType:     eventType,
		Severity:      ParseSeverity(raw.Severity),
		Endpoint:      raw.Endpoint,
		Description:   raw.Description,
		RiskScore:     riskScore,
		RiskScoreSet:  riskSet,
		Raw:           raw.Metadata,
		Status:        "open",
	}, nil
}

// parseTimestamp accepts RFC3339 strings or unix epoch numbers (seconds or
// milliseconds). Anything else gets the arrival time.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Now().UTC()
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if ts, err := time.Parse(time.RFC3339, str); err == nil {
			return ts.UTC()
		}
		return time.Now().UTC()
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil && num > 0 {
		if num > 1e12 { // epoch milliseconds
			return time.UnixMilli(int64(num)).UTC()
		}
		return time.Unix(int64(num), 0).UTC()
	}
	return time.Now().UTC()
}

// Marshal serializes the event to JSON.
func (e *TelemetryEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ScoreResult holds the per-model and combined output of the classifier
// ensemble for one event. A model that failed or timed out simply has no
// entry in ModelScores.
type ScoreResult struct {
	ModelScores map[string]float64 `json:"model_scores"`
	Ensemble    float64            `json:"ensemble_score"`
	Confidence  float64            `json:"confidence"`
}

// Incident is created when an event's combined risk crosses the high-risk
// threshold. SourceEventID carries the idempotence key: the store refuses a
// second incident for the same source event.
type Incident struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Severity      Severity  `json:"severity"`
	SourceEventID string    `json:"source_event_id"`
	RiskScore     float64   `json:"risk_score"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// Marshal serializes the incident to JSON.
func (i *Incident) Marshal() ([]byte, error) {
	return json.Marshal(i)
}

// ThreatIndicator is an IOC extracted from a high-risk event. The (Type,
// Value) pair is the uniqueness key; upserts keep confidence monotonically
// non-decreasing and only ever advance LastSeen.
type ThreatIndicator struct {
	Type       string    `json:"indicator_type"` // ip, domain, hash, email
	Value      string    `json:"indicator_value"`
	ThreatType string    `json:"threat_type"`
	Confidence float64   `json:"confidence_score"`
	Source     string    `json:"source"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// PersistenceTask wraps one scored event (plus any derived incident and
// indicators) for the write queue.
type PersistenceTask struct {
	ID          string
	Event       *TelemetryEvent
	Incident    *Incident
	Indicators  []ThreatIndicator
	RetryCount  int
	NextAttempt time.Time
	EnqueuedAt  time.Time
}

// NewPersistenceTask builds a task for the given scored event.
func NewPersistenceTask(ev *TelemetryEvent, inc *Incident, indicators []ThreatIndicator) *PersistenceTask {
	return &PersistenceTask{
		ID:         uuid.New().String(),
		Event:      ev,
		Incident:   inc,
		Indicators: indicators,
		EnqueuedAt: time.Now().UTC(),
	}
}

// RelatedEvent is the slim event projection returned by history queries for
// correlation. Rows come back newest first.
type RelatedEvent struct {
	ID        string
	EventType string
	Severity  Severity
	RiskScore float64
	CreatedAt time.Time
}

// CombinedRisk returns the event's effective risk on the 0-10 scale after
// correlation adjustment. Events without a producer risk score fall back to
// the ensemble threat score scaled up; an explicit zero is honored.
func CombinedRisk(ev *TelemetryEvent) float64 {
	base := ev.RiskScore
	if base == 0 && !ev.RiskScoreSet {
		base = ev.ThreatScore * 10
	}
	adj := ev.RiskAdjustment
	if adj == 0 {
		adj = 1.0
	}
	return clampRange(base*adj, 0, 10)
}

// Clamp01 clamps a score to the [0,1] range shared by threat scores,
// confidences and anomaly scores.
func Clamp01(v float64) float64 {
	return clampRange(v, 0, 1)
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
