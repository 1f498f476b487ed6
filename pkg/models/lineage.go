package models

import "time"

// StorageTier places a lineage record by access cost.
type StorageTier string

const (
	TierHot  StorageTier = "hot"  // full entry in memory
	TierWarm StorageTier = "warm" // gzip-compressed blob in memory
	TierCold StorageTier = "cold" // remote object storage by key
)

// DiffOp is one kind of lineage mutation.
type DiffOp string

const (
	DiffAdd    DiffOp = "ADD"
	DiffRemove DiffOp = "REMOVE"
	DiffModify DiffOp = "MODIFY"
	DiffMove   DiffOp = "MOVE"
)

// LineageSnapshot is a materialized lineage record for one capsule.
// Hash is the SHA-256 of the canonical JSON of Data and anchors the
// diff chain built on top of it.
type LineageSnapshot struct {
	CapsuleID string         `json:"capsule_id"`
	Hash      string         `json:"hash"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// DiffEntry is a single operation within a lineage diff. Path addresses a
// top-level key in the snapshot data ("/title") or an element of a list
// ("/parents/2").
type DiffEntry struct {
	Op       DiffOp `json:"op"`
	Path     string `json:"path"`
	OldValue any    `json:"old_value,omitempty"`
	NewValue any    `json:"new_value,omitempty"`
}

// LineageDiff is an ordered list of operations against a snapshot base.
// Applying a diff to a snapshot whose hash differs from BaseHash fails.
type LineageDiff struct {
	BaseHash  string      `json:"base_hash"`
	Entries   []DiffEntry `json:"entries"`
	CreatedAt time.Time   `json:"created_at"`
}
