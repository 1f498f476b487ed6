package overlay

import (
	"context"
	"testing"

	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

func TestTrustGuard(t *testing.T) {
	guard := &TrustGuard{MinTrust: 40}
	tests := []struct {
		name  string
		data  map[string]any
		wants int
	}{
		{"below floor", map[string]any{"capsule_id": "c1", "trust_level": 20}, 1},
		{"at floor", map[string]any{"capsule_id": "c1", "trust_level": 40}, 0},
		{"json-decoded number", map[string]any{"capsule_id": "c1", "trust_level": float64(10)}, 1},
		{"missing field", map[string]any{"capsule_id": "c1"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := guard.OnInsight(context.Background(), &models.CascadeEvent{InsightData: tt.data})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(out) != tt.wants {
				t.Fatalf("expected %d derivatives, got %d", tt.wants, len(out))
			}
			if tt.wants == 1 && out[0].InsightType != "trust_alert" {
				t.Fatalf("expected trust_alert, got %s", out[0].InsightType)
			}
		})
	}
}

func TestEmbeddingBackfill(t *testing.T) {
	b := &EmbeddingBackfill{}
	out, err := b.OnInsight(context.Background(), &models.CascadeEvent{
		InsightType: "capsule_created",
		InsightData: map[string]any{"capsule_id": "c1", "has_embedding": false},
	})
	if err != nil || len(out) != 1 {
		t.Fatalf("expected one embedding request, got %d (%v)", len(out), err)
	}
	out, _ = b.OnInsight(context.Background(), &models.CascadeEvent{
		InsightType: "capsule_created",
		InsightData: map[string]any{"capsule_id": "c1", "has_embedding": true},
	})
	if len(out) != 0 {
		t.Fatal("capsule with embedding should produce nothing")
	}
}

func TestTagPolicy(t *testing.T) {
	p := &TagPolicy{}
	out, err := p.OnInsight(context.Background(), &models.CascadeEvent{
		InsightData: map[string]any{"capsule_id": "c1", "tags": []string{"ok-tag", "Bad Tag"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one violation derivative, got %d", len(out))
	}
	normalized := out[0].InsightData["normalized"].([]string)
	if len(normalized) != 1 || normalized[0] != "bad-tag" {
		t.Fatalf("expected normalized [bad-tag], got %v", normalized)
	}
}

func TestDepthAudit(t *testing.T) {
	d := &DepthAudit{MaxDepth: 5}
	out, _ := d.OnInsight(context.Background(), &models.CascadeEvent{
		InsightData: map[string]any{"capsule_id": "c1", "lineage_depth": 9},
	})
	if len(out) != 1 || out[0].InsightType != "lineage_anomaly" {
		t.Fatalf("expected lineage_anomaly, got %v", out)
	}
	out, _ = d.OnInsight(context.Background(), &models.CascadeEvent{
		InsightData: map[string]any{"capsule_id": "c1", "lineage_depth": 3},
	})
	if len(out) != 0 {
		t.Fatal("shallow lineage should produce nothing")
	}
}
