package engine

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/config"
	"github.com/SunFlash12/ForgeV3-sub007/internal/partition"
	"github.com/SunFlash12/ForgeV3-sub007/internal/store"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

func newTestEngine(t *testing.T) (*Engine, context.Context) {
	t.Helper()
	cfg := config.Defaults()
	ctx := context.Background()
	eng, err := New(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng.Start(ctx)
	t.Cleanup(eng.Stop)
	return eng, ctx
}

// waitFor polls until check passes or the deadline expires. Bus handlers
// run asynchronously, so effects of a write land shortly after it returns.
func waitFor(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestCreateCapsuleStampsAndPlaces(t *testing.T) {
	eng, ctx := newTestEngine(t)

	c := &models.Capsule{
		Title:      "first insight",
		Content:    "retry budgets should be owned by the caller",
		Type:       models.CapsuleInsight,
		TrustLevel: 80,
		CreatedBy:  "test",
	}
	if err := eng.CreateCapsule(ctx, c); err != nil {
		t.Fatalf("CreateCapsule: %v", err)
	}
	if c.ID == "" || c.ContentHash == "" || c.Signature == "" || c.MerkleRoot == "" {
		t.Fatalf("capsule not fully stamped: %+v", c)
	}
	if _, ok := eng.Manager.PartitionFor(c.ID); !ok {
		t.Fatal("capsule has no partition assignment")
	}

	stored, err := eng.Store.GetCapsule(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCapsule: %v", err)
	}
	if stored.Version != 1 {
		t.Fatalf("version = %d, want 1", stored.Version)
	}

	// The create event fans out to the cascade pipeline and lineage tiers.
	waitFor(t, func() bool {
		chains, err := eng.Store.ListChains(ctx, models.CascadeCompleted, time.Now().Add(time.Hour))
		return err == nil && len(chains) > 0
	})
	waitFor(t, func() bool {
		tier, ok := eng.Tiers.Tier(c.ID)
		return ok && tier == models.TierHot // trust 80 clears tier-1
	})
}

func TestChildCapsuleInheritsParentRoot(t *testing.T) {
	eng, ctx := newTestEngine(t)

	parent := &models.Capsule{
		Title: "parent", Content: "root fact", Type: models.CapsuleInsight,
		TrustLevel: 70, CreatedBy: "test",
	}
	if err := eng.CreateCapsule(ctx, parent); err != nil {
		t.Fatalf("CreateCapsule parent: %v", err)
	}
	child := &models.Capsule{
		Title: "child", Content: "derived fact", Type: models.CapsuleDecision,
		TrustLevel: 70, CreatedBy: "test", ParentIDs: []string{parent.ID},
	}
	if err := eng.CreateCapsule(ctx, child); err != nil {
		t.Fatalf("CreateCapsule child: %v", err)
	}
	if child.ParentMerkleRoot != parent.MerkleRoot {
		t.Fatal("child did not freeze the parent merkle root")
	}

	ok, firstBad, err := eng.VerifyLineage(ctx, child.ID)
	if err != nil {
		t.Fatalf("VerifyLineage: %v", err)
	}
	if !ok {
		t.Fatalf("fresh chain failed verification at %s", firstBad)
	}
}

func TestVerifyLineageFlagsTampering(t *testing.T) {
	eng, ctx := newTestEngine(t)

	parent := &models.Capsule{
		Title: "parent", Content: "original", Type: models.CapsuleInsight,
		TrustLevel: 70, CreatedBy: "test",
	}
	if err := eng.CreateCapsule(ctx, parent); err != nil {
		t.Fatalf("CreateCapsule: %v", err)
	}
	child := &models.Capsule{
		Title: "child", Content: "derived", Type: models.CapsuleInsight,
		TrustLevel: 70, CreatedBy: "test", ParentIDs: []string{parent.ID},
	}
	if err := eng.CreateCapsule(ctx, child); err != nil {
		t.Fatalf("CreateCapsule: %v", err)
	}

	// Rewrite the parent's content behind the integrity layer's back.
	stored, err := eng.Store.GetCapsule(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetCapsule: %v", err)
	}
	stored.Content = "tampered"
	if err := eng.Store.UpdateCapsule(ctx, stored); err != nil {
		t.Fatalf("UpdateCapsule: %v", err)
	}

	ok, firstBad, err := eng.VerifyLineage(ctx, child.ID)
	if err != nil {
		t.Fatalf("VerifyLineage: %v", err)
	}
	if ok {
		t.Fatal("tampered chain passed verification")
	}
	if firstBad != parent.ID {
		t.Fatalf("first invalid = %s, want %s", firstBad, parent.ID)
	}
}

func TestGetCapsuleCachesAndInvalidates(t *testing.T) {
	eng, ctx := newTestEngine(t)

	c := &models.Capsule{
		Title: "cached", Content: "v1", Type: models.CapsuleInsight,
		TrustLevel: 60, CreatedBy: "test",
	}
	if err := eng.CreateCapsule(ctx, c); err != nil {
		t.Fatalf("CreateCapsule: %v", err)
	}

	first, err := eng.GetCapsule(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCapsule: %v", err)
	}

	update := first.Clone()
	update.Content = "v2"
	if err := eng.UpdateCapsule(ctx, update); err != nil {
		t.Fatalf("UpdateCapsule: %v", err)
	}

	// Immediate strategy invalidates inline: the very next read sees v2.
	got, err := eng.GetCapsule(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCapsule after update: %v", err)
	}
	if got.Content != "v2" {
		t.Fatalf("read after update = %q, want v2", got.Content)
	}

	if err := eng.DeleteCapsule(ctx, c.ID); err != nil {
		t.Fatalf("DeleteCapsule: %v", err)
	}
	if _, err := eng.GetCapsule(ctx, c.ID); !models.IsKind(err, models.KindStoreNotFound) {
		t.Fatalf("read after delete = %v, want not-found", err)
	}
}

func TestSearchFindsSimilarContent(t *testing.T) {
	eng, ctx := newTestEngine(t)

	for _, seed := range []struct{ title, content string }{
		{"deploys", "gradual rollout with canary analysis and rollback"},
		{"cooking", "slow roasted vegetables with garlic and thyme"},
	} {
		c := &models.Capsule{
			Title: seed.title, Content: seed.content, Type: models.CapsuleInsight,
			TrustLevel: 60, CreatedBy: "test",
		}
		vec, err := eng.Detector.Embed(ctx, seed.title+"\n"+seed.content)
		if err != nil {
			t.Fatalf("Embed: %v", err)
		}
		c.Embedding = vec
		if err := eng.CreateCapsule(ctx, c); err != nil {
			t.Fatalf("CreateCapsule: %v", err)
		}
	}

	// Query matching the indexed text exactly clears the similarity floor.
	results, err := eng.Search(ctx, "deploys\ngradual rollout with canary analysis and rollback", 5, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("search returned nothing for a near-verbatim query")
	}
	if results[0].Capsule.Title != "deploys" {
		t.Fatalf("top hit = %q, want deploys", results[0].Capsule.Title)
	}
}

func TestQueryWithoutPredicatesGoesGlobal(t *testing.T) {
	eng, ctx := newTestEngine(t)

	for _, title := range []string{"a", "b", "c"} {
		c := &models.Capsule{
			Title: title, Content: "content " + title, Type: models.CapsuleObservation,
			TrustLevel: 60, CreatedBy: "owner-1",
		}
		if err := eng.CreateCapsule(ctx, c); err != nil {
			t.Fatalf("CreateCapsule: %v", err)
		}
	}

	res, err := eng.Query(ctx, store.Query{
		Kind:   store.QueryRecentCapsules,
		Params: map[string]any{"limit": 10},
	}, partition.Predicates{}, models.AggMerge)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(res.Rows))
	}
	if res.PartitionsOK != res.PartitionsTotal {
		t.Fatalf("partitions ok = %d of %d", res.PartitionsOK, res.PartitionsTotal)
	}
}

func TestDeleteReleasesPartitionSlot(t *testing.T) {
	eng, ctx := newTestEngine(t)

	c := &models.Capsule{
		Title: "transient", Content: "gone soon", Type: models.CapsuleInsight,
		TrustLevel: 60, CreatedBy: "test",
	}
	if err := eng.CreateCapsule(ctx, c); err != nil {
		t.Fatalf("CreateCapsule: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := eng.Tiers.Tier(c.ID)
		return ok
	})
	if err := eng.DeleteCapsule(ctx, c.ID); err != nil {
		t.Fatalf("DeleteCapsule: %v", err)
	}
	if _, ok := eng.Manager.PartitionFor(c.ID); ok {
		t.Fatal("assignment survived the delete")
	}
	waitFor(t, func() bool {
		_, ok := eng.Tiers.Tier(c.ID)
		return !ok
	})
}
