package models

import "time"

// ── Events ───────────────────────────────────────────────────

// EventKind is the closed vocabulary of bus events.
type EventKind string

const (
	EventQueryReceived         EventKind = "query-received"
	EventComplexityAssessed    EventKind = "complexity-assessed"
	EventRouteDecided          EventKind = "route-decided"
	EventRetrievalComplete     EventKind = "retrieval-complete"
	EventModelStateChange      EventKind = "model-state-change"
	EventDialogueTurn          EventKind = "dialogue-turn"
	EventModeratorInterjection EventKind = "moderator-interjection"
	EventQueryComplete         EventKind = "query-complete"
	EventQueryFailed           EventKind = "query-failed"
	EventCacheHit              EventKind = "cache-hit"
	EventCacheMiss             EventKind = "cache-miss"
	EventHealthCheck           EventKind = "health-check"
	EventPerformanceAlert      EventKind = "performance-alert"

	// EventLagged is the per-subscriber marker frame indicating dropped
	// events. It is synthesized by the bus, never published.
	EventLagged EventKind = "lagged"
)

// Lifecycle reports whether this kind must never be coalesced by the bus.
// Only high-frequency telemetry (health checks, performance alerts) may be
// folded into periodic digests.
func (k EventKind) Lifecycle() bool {
	switch k {
	case EventHealthCheck, EventPerformanceAlert:
		return false
	}
	return true
}

// Event is one structured bus frame. Seq is bus-global and strictly
// monotonic; subscribers observe their events in Seq order, possibly with
// gaps marked by a lagged frame.
type Event struct {
	Kind    EventKind      `json:"kind"`
	Seq     uint64         `json:"seq"`
	TS      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload,omitempty"`
}
