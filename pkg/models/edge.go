package models

import "time"

// RelationshipType is the typed link between two capsules.
type RelationshipType string

const (
	RelRelatedTo   RelationshipType = "RELATED_TO"  // symmetric
	RelContradicts RelationshipType = "CONTRADICTS" // symmetric
	RelSupports    RelationshipType = "SUPPORTS"
	RelElaborates  RelationshipType = "ELABORATES"
	RelSupersedes  RelationshipType = "SUPERSEDES"
	RelReferences  RelationshipType = "REFERENCES"
	RelImplements  RelationshipType = "IMPLEMENTS"
	RelExtends     RelationshipType = "EXTENDS"
)

// IsSymmetric reports whether the relationship reads the same in both
// directions. Symmetric edges are stored once and surfaced both ways by
// the query layer; directed types have no inverse.
func (r RelationshipType) IsSymmetric() bool {
	return r == RelRelatedTo || r == RelContradicts
}

// ValidRelationship reports whether r is one of the known edge types.
func ValidRelationship(r RelationshipType) bool {
	switch r {
	case RelRelatedTo, RelContradicts, RelSupports, RelElaborates,
		RelSupersedes, RelReferences, RelImplements, RelExtends:
		return true
	}
	return false
}

// SemanticEdge is a typed relationship between two capsules. Edges hold
// capsule ids, never object references; traversal goes through the store.
type SemanticEdge struct {
	ID               string           `json:"id"`
	SourceID         string           `json:"source_id"`
	TargetID         string           `json:"target_id"`
	RelationshipType RelationshipType `json:"relationship_type"`
	Confidence       float64          `json:"confidence"` // 0.0 - 1.0
	Reason           string           `json:"reason,omitempty"`
	AutoDetected     bool             `json:"auto_detected"`
	Properties       map[string]any   `json:"properties,omitempty"` // type-specific: severity, evidence_type, deprecated_at, ...
	CreatedBy        string           `json:"created_by,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Touches reports whether the edge has the capsule as either endpoint.
func (e *SemanticEdge) Touches(capsuleID string) bool {
	return e.SourceID == capsuleID || e.TargetID == capsuleID
}
