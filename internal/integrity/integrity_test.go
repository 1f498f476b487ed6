package integrity

import (
	"strings"
	"testing"

	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

func testKeypair(t *testing.T) *Keypair {
	t.Helper()
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	return kp
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp := testKeypair(t)
	contents := []string{
		"postmortem: cache stampede on deploy",
		"",
		"unicode λ content ✓",
		strings.Repeat("x", 1<<16),
	}
	for _, content := range contents {
		h := Hash(content)
		if len(h) != 64 {
			t.Fatalf("expected 64 hex chars, got %d", len(h))
		}
		sig := Sign(h, kp.Private)
		if !Verify(h, sig, kp.Public) {
			t.Fatalf("expected signature to verify for content %q", content[:min(16, len(content))])
		}
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	kp := testKeypair(t)
	other := testKeypair(t)
	h := Hash("observation")
	sig := Sign(h, kp.Private)

	cases := []struct {
		name string
		hash string
		sig  string
		pub  []byte
	}{
		{"wrong key", h, sig, other.Public},
		{"not base64", h, "!!!not-base64!!!", kp.Public},
		{"truncated signature", h, sig[:20], kp.Public},
		{"different hash", Hash("tampered"), sig, kp.Public},
		{"empty public key", h, sig, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if Verify(tc.hash, tc.sig, tc.pub) {
				t.Fatalf("expected verification failure")
			}
		})
	}
}

func TestMerkleRootDerivation(t *testing.T) {
	rootHash := Hash("root content")
	if got := MerkleRoot(rootHash, ""); got != rootHash {
		t.Fatalf("root capsule must bind to its own content hash, got %s", got)
	}
	childHash := Hash("child content")
	childRoot := MerkleRoot(childHash, rootHash)
	if childRoot == childHash || childRoot == rootHash {
		t.Fatalf("child root must mix content hash and parent root")
	}
	if again := MerkleRoot(childHash, rootHash); again != childRoot {
		t.Fatalf("merkle root derivation must be deterministic")
	}
}

// buildChain stamps a root-to-leaf line of capsules with correct hashes.
func buildChain(contents ...string) []*models.Capsule {
	chain := make([]*models.Capsule, 0, len(contents))
	parentRoot := ""
	for i, content := range contents {
		c := &models.Capsule{
			ID:               "cap-" + string(rune('a'+i)),
			Content:          content,
			ParentMerkleRoot: parentRoot,
		}
		StampCapsule(c, nil)
		parentRoot = c.MerkleRoot
		chain = append(chain, c)
	}
	return chain
}

func TestVerifyChain(t *testing.T) {
	t.Run("intact chain verifies", func(t *testing.T) {
		chain := buildChain("root", "child", "grandchild")
		ok, badID := VerifyChain(chain)
		if !ok || badID != "" {
			t.Fatalf("expected (true, \"\"), got (%v, %q)", ok, badID)
		}
	})

	t.Run("tampered middle content is caught at the child", func(t *testing.T) {
		chain := buildChain("root", "child", "grandchild")
		chain[1].Content = "rewritten history"
		ok, badID := VerifyChain(chain)
		if ok {
			t.Fatalf("expected tamper detection")
		}
		if badID != chain[1].ID {
			t.Fatalf("expected first bad id %s, got %s", chain[1].ID, badID)
		}
	})

	t.Run("tampered merkle root is caught", func(t *testing.T) {
		chain := buildChain("root", "child")
		chain[1].MerkleRoot = strings.Repeat("0", 64)
		ok, badID := VerifyChain(chain)
		if ok || badID != chain[1].ID {
			t.Fatalf("expected (false, %s), got (%v, %s)", chain[1].ID, ok, badID)
		}
	})

	t.Run("tampered root invalidates from the root", func(t *testing.T) {
		chain := buildChain("root", "child", "grandchild")
		chain[0].Content = "forged origin"
		ok, badID := VerifyChain(chain)
		if ok || badID != chain[0].ID {
			t.Fatalf("expected (false, %s), got (%v, %s)", chain[0].ID, ok, badID)
		}
	})

	t.Run("empty chain verifies", func(t *testing.T) {
		if ok, _ := VerifyChain(nil); !ok {
			t.Fatalf("empty chain should verify")
		}
	})
}

func TestKeypairFromSeed(t *testing.T) {
	seed := strings.Repeat("ab", 32)
	kp1, err := KeypairFromSeed(seed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	kp2, err := KeypairFromSeed(seed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kp1.PublicKeyB64() != kp2.PublicKeyB64() {
		t.Fatalf("same seed must yield same identity")
	}

	if _, err := KeypairFromSeed("zz"); !models.IsKind(err, models.KindConfig) {
		t.Fatalf("expected config error for non-hex seed, got %v", err)
	}
	if _, err := KeypairFromSeed("abcd"); !models.IsKind(err, models.KindConfig) {
		t.Fatalf("expected config error for short seed, got %v", err)
	}
}

func TestParsePublicKey(t *testing.T) {
	kp := testKeypair(t)
	pub, err := ParsePublicKey(kp.PublicKeyB64())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h := Hash("x")
	if !Verify(h, Sign(h, kp.Private), pub) {
		t.Fatalf("parsed key must verify signatures from the same identity")
	}

	if _, err := ParsePublicKey("%%%"); !models.IsKind(err, models.KindFederationSignature) {
		t.Fatalf("expected federation signature error, got %v", err)
	}
	if _, err := ParsePublicKey("c2hvcnQ="); !models.IsKind(err, models.KindFederationSignature) {
		t.Fatalf("expected length rejection, got %v", err)
	}
}

func TestCheckCapsule(t *testing.T) {
	kp := testKeypair(t)
	c := &models.Capsule{ID: "c1", Content: "finding: retries amplify load"}
	StampCapsule(c, kp)

	if err := CheckCapsule(c, kp.Public); err != nil {
		t.Fatalf("intact capsule rejected: %v", err)
	}

	tampered := c.Clone()
	tampered.Content = "finding: everything is fine"
	err := CheckCapsule(tampered, kp.Public)
	if !models.IsKind(err, models.KindContentHashMismatch) {
		t.Fatalf("expected content hash mismatch, got %v", err)
	}

	badSig := c.Clone()
	badSig.Signature = Sign(Hash("other"), kp.Private)
	err = CheckCapsule(badSig, kp.Public)
	if !models.IsKind(err, models.KindSignatureInvalid) {
		t.Fatalf("expected signature rejection, got %v", err)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
