package semantic

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/metrics"
	"github.com/SunFlash12/ForgeV3-sub007/internal/store"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Options tunes the detector's gates.
type Options struct {
	SimilarityThreshold float64
	ConfidenceThreshold float64
	MaxCandidates       int
	EnabledTypes        []models.RelationshipType // empty enables every type
}

// Result accumulates one capsule's analysis. Per-candidate failures land in
// Errors without aborting the rest of the batch.
type Result struct {
	CapsuleID    string   `json:"capsule_id"`
	Candidates   int      `json:"candidates"`
	EdgesCreated int      `json:"edges_created"`
	Skipped      int      `json:"skipped"`
	Errors       []string `json:"errors,omitempty"`
}

// Detector runs the two-phase analysis: KNN candidate selection against the
// store, then per-candidate LLM classification.
type Detector struct {
	logger     *zap.Logger
	metrics    *metrics.Metrics
	store      store.GraphStore
	embedder   Embedder
	classifier Classifier
	opts       Options
	enabled    map[models.RelationshipType]bool
}

// NewDetector wires a detector.
func NewDetector(logger *zap.Logger, m *metrics.Metrics, st store.GraphStore,
	emb Embedder, cls Classifier, opts Options) *Detector {
	if opts.MaxCandidates < 1 {
		opts.MaxCandidates = 5
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = 0.75
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.7
	}
	enabled := make(map[models.RelationshipType]bool, len(opts.EnabledTypes))
	for _, t := range opts.EnabledTypes {
		enabled[t] = true
	}
	return &Detector{
		logger:     logger.Named("semantic"),
		metrics:    m,
		store:      st,
		embedder:   emb,
		classifier: cls,
		opts:       opts,
		enabled:    enabled,
	}
}

func (d *Detector) typeEnabled(t models.RelationshipType) bool {
	return len(d.enabled) == 0 || d.enabled[t]
}

// Embed vectorizes free text with the detector's embedder, for search
// probes and other non-capsule inputs.
func (d *Detector) Embed(ctx context.Context, text string) ([]float32, error) {
	return d.embedder.Embed(ctx, text)
}

// EnsureEmbedding returns the capsule's embedding, computing and persisting
// it when absent.
func (d *Detector) EnsureEmbedding(ctx context.Context, c *models.Capsule) ([]float32, error) {
	if len(c.Embedding) > 0 {
		return c.Embedding, nil
	}
	vec, err := d.embedder.Embed(ctx, c.Title+"\n"+c.Content)
	if err != nil {
		return nil, fmt.Errorf("embedding capsule %s: %w", c.ID, err)
	}
	c.Embedding = vec
	if err := d.store.UpdateCapsule(ctx, c); err != nil {
		// The vector still serves this analysis; persisting it is an
		// optimization, not a requirement.
		d.logger.Warn("persisting embedding failed",
			zap.String("capsule_id", c.ID), zap.Error(err))
	}
	return vec, nil
}

// AnalyzeCapsule runs both phases for one capsule and creates the edges
// that clear the gates.
func (d *Detector) AnalyzeCapsule(ctx context.Context, capsuleID string) (*Result, error) {
	res := &Result{CapsuleID: capsuleID}
	if d.classifier == nil {
		return res, nil
	}

	source, err := d.store.GetCapsule(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	vec, err := d.EnsureEmbedding(ctx, source)
	if err != nil {
		return nil, err
	}

	// k+1 because the source itself is usually its own nearest neighbor.
	scored, err := d.store.FindSimilar(ctx, vec, d.opts.MaxCandidates+1, d.opts.SimilarityThreshold)
	if err != nil {
		return nil, err
	}

	for _, cand := range scored {
		if cand.Capsule.ID == capsuleID {
			continue
		}
		if res.Candidates >= d.opts.MaxCandidates {
			break
		}
		res.Candidates++

		cls, err := d.classifier.Classify(ctx, source, cand.Capsule)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", cand.Capsule.ID, err))
			continue
		}
		if cls.RelationshipType == "NONE" {
			res.Skipped++
			continue
		}
		relType := models.RelationshipType(cls.RelationshipType)
		if !models.ValidRelationship(relType) {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: unknown type %q", cand.Capsule.ID, cls.RelationshipType))
			continue
		}
		if cls.Confidence < d.opts.ConfidenceThreshold || !d.typeEnabled(relType) {
			res.Skipped++
			continue
		}

		edge := &models.SemanticEdge{
			SourceID:         capsuleID,
			TargetID:         cand.Capsule.ID,
			RelationshipType: relType,
			Confidence:       cls.Confidence,
			Reason:           cls.Reasoning,
			AutoDetected:     true,
			Properties: map[string]any{
				"similarity":  cand.Similarity,
				"reasoning":   cls.Reasoning,
				"detected_at": time.Now().UTC().Format(time.RFC3339),
			},
			CreatedBy: "semantic-detector",
		}
		if err := d.store.CreateEdge(ctx, edge); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", cand.Capsule.ID, err))
			continue
		}
		res.EdgesCreated++
		d.metrics.EdgesDetected.WithLabelValues(string(relType)).Inc()
	}

	d.logger.Info("capsule analyzed",
		zap.String("capsule_id", capsuleID),
		zap.Int("candidates", res.Candidates),
		zap.Int("edges", res.EdgesCreated),
		zap.Int("errors", len(res.Errors)))
	return res, nil
}

// AnalyzeBatch analyzes ids one by one; a failing capsule is reported in
// its Result slot and the batch continues.
func (d *Detector) AnalyzeBatch(ctx context.Context, capsuleIDs []string) []*Result {
	out := make([]*Result, 0, len(capsuleIDs))
	for _, id := range capsuleIDs {
		if ctx.Err() != nil {
			break
		}
		res, err := d.AnalyzeCapsule(ctx, id)
		if err != nil {
			res = &Result{CapsuleID: id, Errors: []string{err.Error()}}
		}
		out = append(out, res)
	}
	return out
}
