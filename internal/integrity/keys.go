package integrity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Keypair is the Ed25519 identity used for capsule signing and federation
// messages.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeypair creates a fresh identity.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 keypair: %w", err)
	}
	return &Keypair{Public: pub, Private: priv}, nil
}

// KeypairFromSeed rebuilds the identity from a 32-byte hex seed, the form
// the config carries.
func KeypairFromSeed(seedHex string) (*Keypair, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, models.WrapError(models.KindConfig, err, "federation key seed is not hex")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, models.NewError(models.KindConfig,
			"federation key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// PublicKeyB64 is the wire form peers exchange in handshakes.
func (k *Keypair) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(k.Public)
}

// ParsePublicKey decodes a base64 public key, validating its length.
func ParsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, models.WrapError(models.KindFederationSignature, err, "public key is not base64")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, models.NewError(models.KindFederationSignature,
			"public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
