package overlay

import (
	"context"
	"strings"

	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Built-in overlays, one per kind. Each is deterministic: the same event
// always yields the same derivatives, which keeps cascades replayable.

// TrustGuard flags capsules whose trust level fell below a floor. It reacts
// to capsule-shaped insights and emits a trust_alert derivative.
type TrustGuard struct {
	MinTrust int
}

func (t *TrustGuard) OverlayID() string { return "security.trust_guard" }
func (t *TrustGuard) Priority() int     { return 10 }
func (t *TrustGuard) Kind() Kind        { return KindSecurity }

func (t *TrustGuard) OnInsight(_ context.Context, event *models.CascadeEvent) ([]Derivative, error) {
	trust, ok := numberField(event.InsightData, "trust_level")
	if !ok || int(trust) >= t.MinTrust {
		return nil, nil
	}
	return []Derivative{{
		InsightType: "trust_alert",
		InsightData: map[string]any{
			"capsule_id":  event.InsightData["capsule_id"],
			"trust_level": int(trust),
			"min_trust":   t.MinTrust,
		},
		Weight: 0.9,
	}}, nil
}

// EmbeddingBackfill requests embedding compute for capsules that arrived
// without a vector. The engine's detector subscription picks the request up.
type EmbeddingBackfill struct{}

func (e *EmbeddingBackfill) OverlayID() string { return "ml.embedding_backfill" }
func (e *EmbeddingBackfill) Priority() int     { return 20 }
func (e *EmbeddingBackfill) Kind() Kind        { return KindML }

func (e *EmbeddingBackfill) OnInsight(_ context.Context, event *models.CascadeEvent) ([]Derivative, error) {
	if event.InsightType != "capsule_created" {
		return nil, nil
	}
	if hasEmbedding, _ := event.InsightData["has_embedding"].(bool); hasEmbedding {
		return nil, nil
	}
	id, _ := event.InsightData["capsule_id"].(string)
	if id == "" {
		return nil, nil
	}
	return []Derivative{{
		InsightType: "embedding_requested",
		InsightData: map[string]any{"capsule_id": id},
		Weight:      0.5,
	}}, nil
}

// TagPolicy normalizes tags on capsule insights and reports violations of
// the tag format rules (lowercase, no spaces).
type TagPolicy struct{}

func (p *TagPolicy) OverlayID() string { return "governance.tag_policy" }
func (p *TagPolicy) Priority() int     { return 30 }
func (p *TagPolicy) Kind() Kind        { return KindGovernance }

func (p *TagPolicy) OnInsight(_ context.Context, event *models.CascadeEvent) ([]Derivative, error) {
	raw, ok := event.InsightData["tags"].([]string)
	if !ok {
		if anyTags, ok2 := event.InsightData["tags"].([]any); ok2 {
			for _, t := range anyTags {
				if s, ok3 := t.(string); ok3 {
					raw = append(raw, s)
				}
			}
		}
	}
	var violations []string
	for _, tag := range raw {
		if tag != strings.ToLower(tag) || strings.ContainsAny(tag, " \t") {
			violations = append(violations, tag)
		}
	}
	if len(violations) == 0 {
		return nil, nil
	}
	normalized := make([]string, len(violations))
	for i, v := range violations {
		normalized[i] = strings.ToLower(strings.ReplaceAll(v, " ", "-"))
	}
	return []Derivative{{
		InsightType: "policy_violation",
		InsightData: map[string]any{
			"capsule_id": event.InsightData["capsule_id"],
			"violations": violations,
			"normalized": normalized,
		},
		Weight: 0.8,
	}}, nil
}

// DepthAudit watches lineage depth and raises an anomaly once a capsule's
// ancestry grows past the threshold.
type DepthAudit struct {
	MaxDepth int
}

func (d *DepthAudit) OverlayID() string { return "lineage.depth_audit" }
func (d *DepthAudit) Priority() int     { return 40 }
func (d *DepthAudit) Kind() Kind        { return KindLineage }

func (d *DepthAudit) OnInsight(_ context.Context, event *models.CascadeEvent) ([]Derivative, error) {
	depth, ok := numberField(event.InsightData, "lineage_depth")
	if !ok || int(depth) <= d.MaxDepth {
		return nil, nil
	}
	return []Derivative{{
		InsightType: "lineage_anomaly",
		InsightData: map[string]any{
			"capsule_id": event.InsightData["capsule_id"],
			"depth":      int(depth),
			"max_depth":  d.MaxDepth,
		},
		Weight: 0.7,
	}}, nil
}

// numberField reads a numeric insight field regardless of whether it came
// from Go code (int) or a JSON decode (float64).
func numberField(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
