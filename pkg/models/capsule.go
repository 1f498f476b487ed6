package models

import "time"

// CapsuleType classifies the kind of knowledge a capsule carries.
type CapsuleType string

const (
	CapsuleInsight       CapsuleType = "insight"
	CapsuleDecision      CapsuleType = "decision"
	CapsuleObservation   CapsuleType = "observation"
	CapsuleProcedure     CapsuleType = "procedure"
	CapsuleReference     CapsuleType = "reference"
	CapsuleRetrospective CapsuleType = "retrospective"
)

// ValidCapsuleType reports whether t is one of the known capsule types.
func ValidCapsuleType(t CapsuleType) bool {
	switch t {
	case CapsuleInsight, CapsuleDecision, CapsuleObservation,
		CapsuleProcedure, CapsuleReference, CapsuleRetrospective:
		return true
	}
	return false
}

// Capsule is the unit of knowledge: content-addressed, optionally signed,
// and bound to its ancestry through a per-capsule merkle root.
type Capsule struct {
	ID               string      `json:"id"`
	ContentHash      string      `json:"content_hash"`        // SHA-256 hex of the content bytes
	Signature        string      `json:"signature,omitempty"` // base64 Ed25519 over ContentHash
	MerkleRoot       string      `json:"merkle_root,omitempty"`
	Title            string      `json:"title"`
	Content          string      `json:"content"`
	ContentType      string      `json:"content_type,omitempty"`
	Type             CapsuleType `json:"type"`
	Tags             []string    `json:"tags,omitempty"`
	TrustLevel       int         `json:"trust_level"` // 0-100
	ParentIDs        []string    `json:"parent_ids,omitempty"`         // ordered, immutable once written
	ParentMerkleRoot string      `json:"parent_merkle_root,omitempty"` // frozen at fork time
	Embedding        []float32   `json:"embedding,omitempty"`          // populated asynchronously
	CreatedBy        string      `json:"created_by"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        *time.Time  `json:"updated_at,omitempty"`
	Version          int         `json:"version"` // monotone, bumped on every update
}

// Clone returns a deep copy, so store implementations can hand out
// capsules without aliasing their internal state.
func (c *Capsule) Clone() *Capsule {
	out := *c
	if c.Tags != nil {
		out.Tags = append([]string(nil), c.Tags...)
	}
	if c.ParentIDs != nil {
		out.ParentIDs = append([]string(nil), c.ParentIDs...)
	}
	if c.Embedding != nil {
		out.Embedding = append([]float32(nil), c.Embedding...)
	}
	if c.UpdatedAt != nil {
		t := *c.UpdatedAt
		out.UpdatedAt = &t
	}
	return &out
}

// HasTag reports whether the capsule carries the given tag.
func (c *Capsule) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
