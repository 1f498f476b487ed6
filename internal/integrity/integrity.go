// Package integrity implements the tamper-evidence layer: SHA-256 content
// addressing, Ed25519 signatures over content hashes, and per-capsule merkle
// roots binding content to lineage.
//
// Signatures cover the 64-hex-char hash string rather than the raw content,
// which keeps them size-independent and lets a verifier check a capsule
// without transferring its full body. All hash and signature comparisons on
// peer-supplied bytes are constant time.
package integrity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Hash returns the SHA-256 of the content's UTF-8 bytes as lowercase hex.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// HashBytes is Hash for raw byte payloads (canonical JSON, blobs).
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SignBytes signs raw message bytes and returns the signature base64-encoded.
func SignBytes(data []byte, priv ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data))
}

// Sign signs a content hash string. The signed bytes are the hex characters
// themselves, so any holder of the hash can verify.
func Sign(contentHash string, priv ed25519.PrivateKey) string {
	return SignBytes([]byte(contentHash), priv)
}

// VerifyBytes checks a base64 signature over raw message bytes. Malformed
// input returns false, never panics: these bytes come from peers.
func VerifyBytes(data []byte, sigB64 string, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// Verify checks a signature produced by Sign.
func Verify(contentHash, sigB64 string, pub ed25519.PublicKey) bool {
	return VerifyBytes([]byte(contentHash), sigB64, pub)
}

// MerkleRoot derives a capsule's merkle root. Root capsules bind to their
// own content hash; children bind their content to the parent's root.
func MerkleRoot(contentHash, parentMerkleRoot string) string {
	if parentMerkleRoot == "" {
		return contentHash
	}
	sum := sha256.Sum256([]byte(contentHash + ":" + parentMerkleRoot))
	return hex.EncodeToString(sum[:])
}

// equalDigest compares two digest strings in constant time.
func equalDigest(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// VerifyChain walks an ordered root..leaf slice and recomputes every link:
// the content hash when content is present, then the expected merkle root
// from the predecessor's stored root. It returns false plus the id of the
// first capsule whose stored values do not match the recomputation.
func VerifyChain(capsules []*models.Capsule) (bool, string) {
	prevRoot := ""
	for _, c := range capsules {
		contentHash := c.ContentHash
		if c.Content != "" {
			contentHash = Hash(c.Content)
			if c.ContentHash != "" && !equalDigest(contentHash, c.ContentHash) {
				return false, c.ID
			}
		}
		expected := MerkleRoot(contentHash, prevRoot)
		if !equalDigest(expected, c.MerkleRoot) {
			return false, c.ID
		}
		prevRoot = c.MerkleRoot
	}
	return true, ""
}

// ChainError wraps a VerifyChain failure in the tagged error callers surface.
func ChainError(firstBadID string) error {
	e := models.NewError(models.KindMerkleChainBroken, "merkle chain verification failed")
	e.Detail = firstBadID
	return e
}

// StampCapsule fills the integrity fields of a capsule in place: content
// hash, merkle root, and, when a keypair is supplied, the signature trusted
// writes carry.
func StampCapsule(c *models.Capsule, kp *Keypair) {
	c.ContentHash = Hash(c.Content)
	c.MerkleRoot = MerkleRoot(c.ContentHash, c.ParentMerkleRoot)
	if kp != nil {
		c.Signature = Sign(c.ContentHash, kp.Private)
	}
}

// CheckCapsule re-derives a capsule's content hash and verifies its
// signature when present. Used on federation ingest before a capsule is
// admitted to the graph.
func CheckCapsule(c *models.Capsule, pub ed25519.PublicKey) error {
	if c.Content != "" {
		if got := Hash(c.Content); !equalDigest(got, c.ContentHash) {
			return models.NewError(models.KindContentHashMismatch,
				"capsule %s content hash does not match content", c.ID)
		}
	}
	if c.Signature != "" {
		if len(pub) == 0 {
			return models.NewError(models.KindSignatureInvalid,
				"capsule %s is signed but no public key is known", c.ID)
		}
		if !Verify(c.ContentHash, c.Signature, pub) {
			return models.NewError(models.KindSignatureInvalid,
				"capsule %s signature rejected", c.ID)
		}
	}
	return nil
}

// FormatKeyFingerprint renders a short human-readable key id for logs.
func FormatKeyFingerprint(pub ed25519.PublicKey) string {
	if len(pub) != ed25519.PublicKeySize {
		return "invalid"
	}
	sum := sha256.Sum256(pub)
	return fmt.Sprintf("%x", sum[:4])
}
