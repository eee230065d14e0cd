package persist

import (
	"time"

	"github.com/nodeguard-project/nodeguard/internal/core"
)

// ExtractIndicators derives threat indicators from a high-risk event: the
// source address plus any domain or file hash the producer attached. The
// indicator inherits the event's confidence and threat type.
func ExtractIndicators(ev *core.TelemetryEvent) []core.ThreatIndicator {
	now := time.Now().UTC()
	var out []core.ThreatIndicator

	add := func(typ, value string) {
		if value == "" {
			return
		}
		out = append(out, core.ThreatIndicator{
			Type:       typ,
			Value:      value,
			ThreatType: ev.EventType,
			Confidence: ev.Confidence,
			Source:     "nodeguard-detection",
			FirstSeen:  now,
			LastSeen:   now,
		})
	}

	add("ip", ev.SourceIP)
	if ev.Raw != nil {
		if domain, ok := ev.Raw["domain"].(string); ok {
			add("domain", domain)
		}
		if hash, ok := ev.Raw["file_hash"].(string); ok {
			add("hash", hash)
		}
	}

	return out
}
