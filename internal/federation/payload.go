package federation

import (
	"crypto/ed25519"
	"time"

	"github.com/google/uuid"

	"github.com/SunFlash12/ForgeV3-sub007/internal/canonical"
	"github.com/SunFlash12/ForgeV3-sub007/internal/integrity"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// PayloadContentHash hashes the logical change set — capsules, edges,
// deletions — independent of sync metadata. Two payloads carrying the same
// changes hash identically, which makes the hash the idempotency key for
// at-most-once apply.
func PayloadContentHash(p *models.SyncPayload) (string, error) {
	content := map[string]any{
		"capsules":  p.Capsules,
		"edges":     p.Edges,
		"deletions": p.Deletions,
	}
	data, err := canonical.Marshal(content)
	if err != nil {
		return "", models.WrapError(models.KindFederationSignature, err, "canonicalizing payload content")
	}
	return integrity.HashBytes(data), nil
}

// NewPayload assembles an unsigned payload from a change set.
func NewPayload(peerID string, changes models.SyncPayload) *models.SyncPayload {
	p := &models.SyncPayload{
		SyncID:     uuid.NewString(),
		PeerID:     peerID,
		Timestamp:  time.Now().UTC(),
		Capsules:   changes.Capsules,
		Edges:      changes.Edges,
		Deletions:  changes.Deletions,
		HasMore:    changes.HasMore,
		NextCursor: changes.NextCursor,
	}
	return p
}

// SignPayload stamps the content hash, then signs the canonical JSON of the
// payload with its signature field blank and writes the signature back.
func SignPayload(p *models.SyncPayload, kp *integrity.Keypair) error {
	hash, err := PayloadContentHash(p)
	if err != nil {
		return err
	}
	p.ContentHash = hash

	clone := *p
	clone.Signature = ""
	data, err := canonical.Marshal(&clone)
	if err != nil {
		return models.WrapError(models.KindFederationSignature, err, "canonicalizing payload")
	}
	p.Signature = integrity.SignBytes(data, kp.Private)
	return nil
}

// VerifyPayload reverses SignPayload against the sender's KNOWN public key:
// clone, blank the signature, canonicalize, verify. It also recomputes the
// content hash so a payload cannot smuggle changes under a stale hash.
func VerifyPayload(p *models.SyncPayload, senderPub ed25519.PublicKey) error {
	if p.Signature == "" {
		return models.NewError(models.KindFederationSignature, "payload %s is unsigned", p.SyncID)
	}
	clone := *p
	clone.Signature = ""
	data, err := canonical.Marshal(&clone)
	if err != nil {
		return models.WrapError(models.KindFederationSignature, err, "canonicalizing payload")
	}
	if !integrity.VerifyBytes(data, p.Signature, senderPub) {
		return models.NewError(models.KindFederationSignature, "payload %s signature rejected", p.SyncID)
	}

	hash, err := PayloadContentHash(p)
	if err != nil {
		return err
	}
	if hash != p.ContentHash {
		return models.NewError(models.KindFederationSignature,
			"payload %s content hash mismatch", p.SyncID)
	}
	return nil
}
