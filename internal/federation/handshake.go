// Package federation implements the peer protocol: Ed25519-signed
// handshakes, signed sync payloads with content-hash idempotency, a peer
// registry with health classification, and the HTTP surface peers talk to.
//
// Every signed message serializes through the canonical JSON encoder with
// its signature field blanked, so both sides reproduce the signed bytes
// exactly.
package federation

import (
	"time"

	"github.com/SunFlash12/ForgeV3-sub007/internal/canonical"
	"github.com/SunFlash12/ForgeV3-sub007/internal/integrity"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// APIVersion is the protocol version this build speaks.
const APIVersion = "1.0"

// Clock-skew window for handshake freshness: a peer's timestamp may sit up
// to 30 s in the future or 5 min in the past.
const (
	maxFuture = 30 * time.Second
	maxAge    = 5 * time.Minute
)

// Identity is this instance's federation persona.
type Identity struct {
	InstanceID   string
	InstanceName string
	Keypair      *integrity.Keypair
}

// BuildHandshake constructs and signs this instance's handshake message.
func BuildHandshake(id Identity, apiVersion string) (*models.Handshake, error) {
	h := &models.Handshake{
		InstanceID:   id.InstanceID,
		InstanceName: id.InstanceName,
		APIVersion:   apiVersion,
		PublicKey:    id.Keypair.PublicKeyB64(),
		Timestamp:    time.Now().UTC(),
	}
	data, err := canonical.Marshal(h)
	if err != nil {
		return nil, models.WrapError(models.KindFederationHandshake, err, "canonicalizing handshake")
	}
	h.Signature = integrity.SignBytes(data, id.Keypair.Private)
	return h, nil
}

// VerifyHandshake checks a peer handshake: timestamp inside the skew
// window, then the signature under the message's own stated public key.
// Failures come back as signature-kind federation errors; a stale
// timestamp carries the StaleTimestamp detail.
func VerifyHandshake(h *models.Handshake, now time.Time) error {
	if h.InstanceID == "" || h.PublicKey == "" || h.Signature == "" {
		return models.NewError(models.KindFederationHandshake, "handshake missing required fields")
	}

	age := now.Sub(h.Timestamp)
	if age < -maxFuture || age > maxAge {
		e := models.NewError(models.KindFederationSignature,
			"handshake timestamp outside freshness window (age %s)", age)
		e.Detail = "StaleTimestamp"
		return e
	}

	pub, err := integrity.ParsePublicKey(h.PublicKey)
	if err != nil {
		return err
	}
	clone := *h
	clone.Signature = ""
	data, err := canonical.Marshal(&clone)
	if err != nil {
		return models.WrapError(models.KindFederationSignature, err, "canonicalizing handshake")
	}
	if !integrity.VerifyBytes(data, h.Signature, pub) {
		return models.NewError(models.KindFederationSignature, "handshake signature rejected")
	}
	return nil
}
