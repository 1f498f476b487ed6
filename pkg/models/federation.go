package models

import "time"

// PeerStatus is the health classification of a federation peer.
type PeerStatus string

const (
	PeerActive   PeerStatus = "active"   // last health probe returned 200
	PeerDegraded PeerStatus = "degraded" // 5xx responses
	PeerOffline  PeerStatus = "offline"  // timeout or connect error
)

// Peer is another instance participating in federation.
type Peer struct {
	InstanceID   string     `json:"instance_id"`
	InstanceName string     `json:"instance_name"`
	URL          string     `json:"url"`
	PublicKey    string     `json:"public_key"` // base64 Ed25519
	APIVersion   string     `json:"api_version"`
	SupportsPush bool       `json:"supports_push"`
	SupportsPull bool       `json:"supports_pull"`
	Status       PeerStatus `json:"status"`
	MaxSyncRate  int        `json:"max_sync_rate,omitempty"` // payloads per minute hint
	LastSeen     *time.Time `json:"last_seen,omitempty"`
}

// Handshake is the signed introduction exchanged between peers. The
// signature covers the canonical JSON of the message with Signature set to
// the empty string, so the key is always present in the signed bytes.
type Handshake struct {
	InstanceID   string    `json:"instance_id"`
	InstanceName string    `json:"instance_name"`
	APIVersion   string    `json:"api_version"`
	PublicKey    string    `json:"public_key"`
	Timestamp    time.Time `json:"timestamp"`
	Signature    string    `json:"signature"`
}

// Deletion records a capsule or edge removed since a peer's cursor.
type Deletion struct {
	Kind      string    `json:"kind"` // "capsule" or "edge"
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// SyncPayload is a signed, content-hashed bundle of changes between peers.
// ContentHash covers the logical (capsules, edges, deletions) triple and is
// the idempotency key for at-most-once apply; Signature covers the canonical
// JSON of the payload with Signature blank.
type SyncPayload struct {
	SyncID      string         `json:"sync_id"`
	PeerID      string         `json:"peer_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Capsules    []Capsule      `json:"capsules,omitempty"`
	Edges       []SemanticEdge `json:"edges,omitempty"`
	Deletions   []Deletion     `json:"deletions,omitempty"`
	ContentHash string         `json:"content_hash"`
	Signature   string         `json:"signature"`
	HasMore     bool           `json:"has_more"`
	NextCursor  string         `json:"next_cursor,omitempty"`
}
