package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindMatching(t *testing.T) {
	base := NewError(KindStoreTransient, "connection reset")
	wrapped := fmt.Errorf("saving chain: %w", base)
	double := fmt.Errorf("pipeline: %w", wrapped)

	if !errors.Is(double, NewError(KindStoreTransient, "")) {
		t.Fatalf("expected kind match through two wrap layers")
	}
	if errors.Is(double, NewError(KindStoreConflict, "")) {
		t.Fatalf("unexpected match against a different kind")
	}
	if got := KindOf(double); got != KindStoreTransient {
		t.Fatalf("expected kind %s, got %s", KindStoreTransient, got)
	}
}

func TestWrapErrorPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := WrapError(KindFederationTimeout, cause, "peer %s unreachable", "node-b")

	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to survive wrapping")
	}
	if !IsKind(err, KindFederationTimeout) {
		t.Fatalf("expected federation timeout kind")
	}
}

func TestErrorDetailFormatting(t *testing.T) {
	err := &Error{Kind: KindMerkleChainBroken, Msg: "chain verification failed", Detail: "cap-42"}
	want := "integrity.merkle_chain_broken: chain verification failed (cap-42)"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestRelationshipSymmetry(t *testing.T) {
	cases := []struct {
		rel  RelationshipType
		want bool
	}{
		{RelRelatedTo, true},
		{RelContradicts, true},
		{RelSupports, false},
		{RelElaborates, false},
		{RelSupersedes, false},
		{RelReferences, false},
		{RelImplements, false},
		{RelExtends, false},
	}
	for _, tc := range cases {
		if got := tc.rel.IsSymmetric(); got != tc.want {
			t.Errorf("%s: expected symmetric=%v, got %v", tc.rel, tc.want, got)
		}
	}
}

func TestHashRange(t *testing.T) {
	r := HashRange{Lo: 25, Hi: 50}
	if !r.Contains(25) {
		t.Fatalf("lower bound should be inclusive")
	}
	if r.Contains(50) {
		t.Fatalf("upper bound should be exclusive")
	}
	if !r.Overlaps(HashRange{Lo: 49, Hi: 75}) {
		t.Fatalf("expected overlap on shared edge region")
	}
	if r.Overlaps(HashRange{Lo: 50, Hi: 75}) {
		t.Fatalf("adjacent ranges must not overlap")
	}
}

func TestCapsuleClone(t *testing.T) {
	orig := &Capsule{
		ID:        "c1",
		Tags:      []string{"infra", "runbook"},
		ParentIDs: []string{"p1"},
		Embedding: []float32{0.1, 0.2},
	}
	cp := orig.Clone()
	cp.Tags[0] = "mutated"
	cp.Embedding[0] = 9

	if orig.Tags[0] != "infra" {
		t.Fatalf("clone aliased tags slice")
	}
	if orig.Embedding[0] != 0.1 {
		t.Fatalf("clone aliased embedding slice")
	}
}
