package features

import (
	"net"
	"time"

	"github.com/nodeguard-project/nodeguard/internal/core"
)

// FeatureVector is a fixed-dimension numeric vector ready for the classifier
// ensemble. All vectors produced by one Extractor share the same dimension.
type FeatureVector []float64

// Placeholder scores used until the enrichment feeds (threat intel, UBA,
// asset inventory) are wired in. They sit mid-scale on purpose so they never
// dominate a prediction.
const (
	defaultIPReputation     = 0.5
	defaultUserRisk         = 0.3
	defaultAssetCriticality = 0.5
	defaultEventFrequency   = 0.1
	defaultUserFrequency    = 0.05
	defaultAssetFrequency   = 0.05
)

// Extractor turns telemetry events into feature vectors. Extraction is a
// pure function of (event, codec, config): no state is mutated, so one
// Extractor is safe for concurrent use across the worker pool.
type Extractor struct {
	dimension       int
	rarityEventType float64
	rarityUser      float64
	rarityAsset     float64
	codecs          *CodecHolder
}

// NewExtractor builds an extractor from config. A zero or negative dimension
// falls back to 20.
func NewExtractor(cfg core.FeaturesConfig, codecs *CodecHolder) *Extractor {
	dim := cfg.Dimension
	if dim <= 0 {
		dim = 20
	}
	return &Extractor{
		dimension:       dim,
		rarityEventType: cfg.RarityEventType,
		rarityUser:      cfg.RarityUser,
		rarityAsset:     cfg.RarityAsset,
		codecs:          codecs,
	}
}

// Dimension returns the canonical vector length.
func (x *Extractor) Dimension() int {
	return x.dimension
}

// Extract produces the feature vector for one event. The natural feature
// list is longer than the canonical dimension; the tail is truncated (or the
// vector zero-padded) so every model sees the same shape.
func (x *Extractor) Extract(ev *core.TelemetryEvent) FeatureVector {
	codec := x.codecs.Load()

	natural := make([]float64, 0, 25)

	// Network features. Missing IPs contribute not-private / neutral
	// reputation rather than being skipped, keeping positions stable.
	natural = append(natural,
		boolFeature(isPrivateIP(ev.SourceIP)),
		ipReputation(ev.SourceIP),
		boolFeature(isPrivateIP(ev.DestinationIP)),
		ipReputation(ev.DestinationIP),
		rawNumber(ev.Raw, "src_port"),
		rawNumber(ev.Raw, "dst_port"),
		codec.Encode("protocol", rawString(ev.Raw, "protocol")),
		rawNumber(ev.Raw, "bytes_sent"),
		rawNumber(ev.Raw, "bytes_received"),
	)

	// Temporal features.
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	natural = append(natural,
		float64(ts.Hour()),
		float64(weekdayMondayZero(ts)),
		boolFeature(isWeekend(ts)),
		boolFeature(isBusinessHours(ts)),
	)

	// User and asset features.
	natural = append(natural,
		codec.Encode("user_id", ev.UserID),
		boolFeature(ev.UserID != ""),
		userRisk(ev.UserID),
		codec.Encode("asset_id", ev.AssetID),
		boolFeature(ev.AssetID != ""),
		assetCriticality(ev.AssetID),
	)

	// Statistical rarity features.
	eventFreq := eventFrequency(ev.EventType)
	userFreq := userEventFrequency(ev.UserID, ev.EventType)
	assetFreq := assetEventFrequency(ev.AssetID, ev.EventType)
	natural = append(natural,
		eventFreq,
		userFreq,
		assetFreq,
		boolFeature(eventFreq < x.rarityEventType),
		boolFeature(userFreq < x.rarityUser),
		boolFeature(assetFreq < x.rarityAsset),
	)

	// Normalize to the canonical dimension.
	vec := make(FeatureVector, x.dimension)
	copy(vec, natural)
	return vec
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// isPrivateIP reports whether the address is in private or loopback space.
// Unparseable or empty addresses count as not private.
func isPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback()
}

// weekdayMondayZero maps Monday..Sunday to 0..6.
func weekdayMondayZero(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 6
	}
	return wd - 1
}

func isWeekend(t time.Time) bool {
	return weekdayMondayZero(t) >= 5
}

// isBusinessHours covers 09:00 through 17:59.
func isBusinessHours(t time.Time) bool {
	h := t.Hour()
	return h >= 9 && h <= 17
}

// The enrichment lookups below are placeholders with the documented neutral
// defaults. TODO: back ipReputation with the threat_intel table once the
// indicator store carries enough volume to be meaningful.
func ipReputation(ip string) float64 {
	return defaultIPReputation
}

func userRisk(userID string) float64 {
	return defaultUserRisk
}

func assetCriticality(assetID string) float64 {
	return defaultAssetCriticality
}

func eventFrequency(eventType string) float64 {
	return defaultEventFrequency
}

func userEventFrequency(userID, eventType string) float64 {
	return defaultUserFrequency
}

func assetEventFrequency(assetID, eventType string) float64 {
	return defaultAssetFrequency
}

func rawNumber(raw map[string]any, key string) float64 {
	if raw == nil {
		return 0
	}
	switch v := raw[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func rawString(raw map[string]any, key string) string {
	if raw == nil {
		return ""
	}
	if s, ok := raw[key].(string); ok {
		return s
	}
	return ""
}
