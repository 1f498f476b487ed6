package models

import "time"

// CascadeStatus is the lifecycle state of a cascade chain.
type CascadeStatus string

const (
	CascadeActive    CascadeStatus = "active"
	CascadeCompleted CascadeStatus = "completed"
)

// CascadeEvent is one hop of an insight cascade.
type CascadeEvent struct {
	ID              string         `json:"id"`
	SourceOverlay   string         `json:"source_overlay"`
	InsightType     string         `json:"insight_type"`
	InsightData     map[string]any `json:"insight_data,omitempty"`
	HopCount        int            `json:"hop_count"`
	MaxHops         int            `json:"max_hops"`
	VisitedOverlays []string       `json:"visited_overlays,omitempty"` // ordered; breaks overlay cycles
	ImpactScore     float64        `json:"impact_score"`               // 0.0 - 1.0, multiplicative per hop
	Timestamp       time.Time      `json:"timestamp"`
	CorrelationID   string         `json:"correlation_id"`
}

// HasVisited reports whether overlayID already emitted on this event's path.
func (e *CascadeEvent) HasVisited(overlayID string) bool {
	for _, v := range e.VisitedOverlays {
		if v == overlayID {
			return true
		}
	}
	return false
}

// CascadeChain records every hop of one cascade. Events are totally ordered
// by append position; that position is the HAS_EVENT order attribute when
// the chain is persisted.
type CascadeChain struct {
	CascadeID         string         `json:"cascade_id"`
	InitiatedBy       string         `json:"initiated_by"`
	InitiatedAt       time.Time      `json:"initiated_at"`
	Events            []CascadeEvent `json:"events"`
	TotalHops         int            `json:"total_hops"`
	OverlaysAffected  []string       `json:"overlays_affected,omitempty"`
	InsightsGenerated int            `json:"insights_generated"`
	ActionsTriggered  int            `json:"actions_triggered"`
	ErrorsEncountered int            `json:"errors_encountered"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Status            CascadeStatus  `json:"status"`
}

// MarkAffected records an overlay in the affected set exactly once.
func (c *CascadeChain) MarkAffected(overlayID string) {
	for _, id := range c.OverlaysAffected {
		if id == overlayID {
			return
		}
	}
	c.OverlaysAffected = append(c.OverlaysAffected, overlayID)
}
