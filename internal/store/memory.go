package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nodeguard-project/nodeguard/internal/core"
)

// MemoryStore is an in-process Store for local runs and tests. It applies
// the same conflict rules as the postgres backend: one incident per source
// event, indicator confidence never decreases, last_seen only advances.
type MemoryStore struct {
	mu         sync.RWMutex
	events     map[string]*core.TelemetryEvent
	incidents  map[string]*core.Incident // keyed by source event id
	indicators map[indicatorKey]core.ThreatIndicator
}

type indicatorKey struct {
	value string
	typ   string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:     make(map[string]*core.TelemetryEvent),
		incidents:  make(map[string]*core.Incident),
		indicators: make(map[indicatorKey]core.ThreatIndicator),
	}
}

// WriteTask applies the whole task under one lock.
func (s *MemoryStore) WriteTask(_ context.Context, task *core.PersistenceTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	evCopy := *task.Event
	s.events[task.Event.EventID] = &evCopy

	if task.Incident != nil {
		if _, exists := s.incidents[task.Incident.SourceEventID]; !exists {
			incCopy := *task.Incident
			s.incidents[task.Incident.SourceEventID] = &incCopy
		}
	}

	for _, ind := range task.Indicators {
		key := indicatorKey{value: ind.Value, typ: ind.Type}
		if existing, ok := s.indicators[key]; ok {
			if ind.Confidence > existing.Confidence {
				existing.Confidence = ind.Confidence
			}
			if ind.LastSeen.After(existing.LastSeen) {
				existing.LastSeen = ind.LastSeen
			}
			existing.ThreatType = ind.ThreatType
			s.indicators[key] = existing
		} else {
			s.indicators[key] = ind
		}
	}

	return nil
}

// RelatedEvents filters the stored events the way the SQL query would.
func (s *MemoryStore) RelatedEvents(_ context.Context, filters map[string]string, since time.Time, limit int) ([]core.RelatedEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.RelatedEvent
	for _, ev := range s.events {
		if ev.Timestamp.Before(since) {
			continue
		}
		if !matchesFilters(ev, filters) {
			continue
		}
		out = append(out, core.RelatedEvent{
			ID:        ev.EventID,
			EventType: ev.EventType,
			Severity:  ev.Severity,
			RiskScore: ev.RiskScore,
			CreatedAt: ev.Timestamp,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesFilters(ev *core.TelemetryEvent, filters map[string]string) bool {
	if len(filters) == 0 {
		return false
	}
	for field, want := range filters {
		var got string
		switch field {
		case "source_ip":
			got = ev.SourceIP
		case "destination_ip":
			got = ev.DestinationIP
		case "user_id":
			got = ev.UserID
		case "asset_id":
			got = ev.AssetID
		case "event_type":
			got = ev.EventType
		default:
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// Incident returns the incident for a source event id, if any.
func (s *MemoryStore) Incident(sourceEventID string) (*core.Incident, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[sourceEventID]
	return inc, ok
}

// Indicator returns a stored indicator by (type, value).
func (s *MemoryStore) Indicator(typ, value string) (core.ThreatIndicator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ind, ok := s.indicators[indicatorKey{value: value, typ: typ}]
	return ind, ok
}

// Event returns a stored event by id.
func (s *MemoryStore) Event(id string) (*core.TelemetryEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	return ev, ok
}

// Counts reports table sizes.
func (s *MemoryStore) Counts() (events, incidents, indicators int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), len(s.incidents), len(s.indicators)
}
