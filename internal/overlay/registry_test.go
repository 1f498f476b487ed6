package overlay

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

type stubOverlay struct {
	id       string
	priority int
}

func (s *stubOverlay) OverlayID() string { return s.id }
func (s *stubOverlay) Priority() int     { return s.priority }
func (s *stubOverlay) Kind() Kind        { return KindCustom }
func (s *stubOverlay) OnInsight(context.Context, *models.CascadeEvent) ([]Derivative, error) {
	return nil, nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	if err := r.Register(&stubOverlay{id: "a", priority: 1}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := r.Register(&stubOverlay{id: "a", priority: 2}); err == nil {
		t.Fatal("duplicate register should fail")
	}
}

func TestActivateIdempotent(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	if err := r.Register(&stubOverlay{id: "a", priority: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Activate("a"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := r.Activate("a"); err != nil {
		t.Fatalf("second activate should be a no-op, got %v", err)
	}
	if err := r.Deactivate("a"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := r.Deactivate("a"); err != nil {
		t.Fatalf("second deactivate should be a no-op, got %v", err)
	}
	if err := r.Activate("missing"); err == nil {
		t.Fatal("activating an unknown overlay should fail")
	}
}

func TestIterateActiveOrdered(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	// Same priority for b and c: registration order breaks the tie.
	for _, o := range []*stubOverlay{
		{id: "late", priority: 30},
		{id: "b", priority: 10},
		{id: "c", priority: 10},
		{id: "first", priority: 1},
		{id: "inactive", priority: 0},
	} {
		if err := r.Register(o); err != nil {
			t.Fatalf("register %s: %v", o.id, err)
		}
	}
	for _, id := range []string{"late", "b", "c", "first"} {
		if err := r.Activate(id); err != nil {
			t.Fatalf("activate %s: %v", id, err)
		}
	}

	got := r.IterateActiveOrdered()
	want := []string{"first", "b", "c", "late"}
	if len(got) != len(want) {
		t.Fatalf("expected %d active overlays, got %d", len(want), len(got))
	}
	for i, o := range got {
		if o.OverlayID() != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], o.OverlayID())
		}
	}
}

func TestMarkDegradedKeepsActive(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	if err := r.Register(&stubOverlay{id: "a", priority: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Activate("a"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	r.MarkDegraded("a")

	reg, ok := r.Get("a")
	if !ok {
		t.Fatal("overlay vanished")
	}
	if !reg.Degraded {
		t.Fatal("expected degraded flag")
	}
	if reg.State != StateActive {
		t.Fatalf("degraded overlay must stay active, got %s", reg.State)
	}
	if len(r.IterateActiveOrdered()) != 1 {
		t.Fatal("degraded overlay must still iterate as active")
	}
}

func TestStopAll(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	for _, id := range []string{"a", "b", "c"} {
		if err := r.Register(&stubOverlay{id: id, priority: 1}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		if err := r.Activate(id); err != nil {
			t.Fatalf("activate %s: %v", id, err)
		}
	}
	r.StopAll(time.Second)
	if n := len(r.IterateActiveOrdered()); n != 0 {
		t.Fatalf("expected no active overlays after StopAll, got %d", n)
	}
}
