package lineage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/config"
	"github.com/SunFlash12/ForgeV3-sub007/internal/metrics"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

func testTierConfig() config.LineageConfig {
	return config.LineageConfig{
		Tier1MinTrust:   70,
		Tier2MinTrust:   40,
		Tier1MaxAgeDays: 30,
		Tier2MaxAgeDays: 90,
		MaxDeltaChain:   3,
	}
}

func newTestTiers(t *testing.T) *Tiers {
	t.Helper()
	return NewTiers(zap.NewNop(), metrics.New(), testTierConfig(), NewMemoryCold())
}

func TestInitialTierByTrust(t *testing.T) {
	tests := []struct {
		name  string
		trust int
		want  models.StorageTier
	}{
		{"high trust goes hot", 85, models.TierHot},
		{"tier1 boundary", 70, models.TierHot},
		{"mid trust goes warm", 55, models.TierWarm},
		{"tier2 boundary", 40, models.TierWarm},
		{"low trust goes cold", 10, models.TierCold},
	}
	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestTiers(t)
			if err := ts.Put(ctx, "c1", map[string]any{"title": "x"}, tt.trust); err != nil {
				t.Fatalf("Put: %v", err)
			}
			tier, ok := ts.Tier("c1")
			if !ok || tier != tt.want {
				t.Fatalf("tier = %v (known=%v), want %v", tier, ok, tt.want)
			}
			rec, gotTier, err := ts.Get(ctx, "c1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if gotTier != tt.want {
				t.Fatalf("Get tier = %v, want %v", gotTier, tt.want)
			}
			if rec.Snapshot.Data["title"] != "x" {
				t.Fatalf("record data lost in tier %v", tt.want)
			}
		})
	}
}

func TestUpdateAppendsAndConsolidates(t *testing.T) {
	ctx := context.Background()
	ts := newTestTiers(t)
	if err := ts.Put(ctx, "c1", map[string]any{"title": "v1"}, 80); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Two updates grow the chain below max_delta_chain=3.
	for i, title := range []string{"v2", "v3"} {
		if err := ts.Update(ctx, "c1", map[string]any{"title": title}, 80); err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
	}
	rec, _, err := ts.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(rec.Diffs) != 2 {
		t.Fatalf("chain length = %d, want 2", len(rec.Diffs))
	}

	// Third update hits the limit and consolidates.
	if err := ts.Update(ctx, "c1", map[string]any{"title": "v4"}, 80); err != nil {
		t.Fatalf("Update: %v", err)
	}
	rec, _, err = ts.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(rec.Diffs) != 0 {
		t.Fatalf("chain length after consolidation = %d, want 0", len(rec.Diffs))
	}
	if rec.Snapshot.Data["title"] != "v4" {
		t.Fatalf("consolidated base = %v, want title v4", rec.Snapshot.Data)
	}
}

func TestUpdateRePlacesByTrust(t *testing.T) {
	ctx := context.Background()
	ts := newTestTiers(t)
	if err := ts.Put(ctx, "c1", map[string]any{"title": "x"}, 80); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := ts.Update(ctx, "c1", map[string]any{"title": "x"}, 20); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if tier, _ := ts.Tier("c1"); tier != models.TierCold {
		t.Fatalf("tier after trust drop = %v, want cold", tier)
	}
}

func TestMigrateOnceDemotes(t *testing.T) {
	ctx := context.Background()
	ts := newTestTiers(t)
	if err := ts.Put(ctx, "first", map[string]any{"title": "one"}, 80); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := ts.Put(ctx, "second", map[string]any{"title": "two"}, 80); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// 40 days pushes both past tier-1 age but not tier-2.
	future := time.Now().UTC().Add(40 * 24 * time.Hour)
	moved, err := ts.MigrateOnce(ctx, future)
	if err != nil {
		t.Fatalf("MigrateOnce: %v", err)
	}
	if moved != 2 {
		t.Fatalf("moved = %d, want 2", moved)
	}
	for _, id := range []string{"first", "second"} {
		if tier, _ := ts.Tier(id); tier != models.TierWarm {
			t.Fatalf("%s tier = %v, want warm", id, tier)
		}
	}

	// Another 60 days pushes both past tier-2 age.
	moved, err = ts.MigrateOnce(ctx, future.Add(91*24*time.Hour))
	if err != nil {
		t.Fatalf("MigrateOnce: %v", err)
	}
	if moved != 2 {
		t.Fatalf("moved = %d, want 2", moved)
	}
	if tier, _ := ts.Tier("first"); tier != models.TierCold {
		t.Fatalf("aged tier = %v, want cold", tier)
	}
	rec, tier, err := ts.Get(ctx, "first")
	if err != nil {
		t.Fatalf("Get from cold: %v", err)
	}
	if tier != models.TierCold || rec.Snapshot.Data["title"] != "one" {
		t.Fatalf("cold read = tier %v data %v", tier, rec.Snapshot.Data)
	}
}

func TestDeleteClearsAllTiers(t *testing.T) {
	ctx := context.Background()
	ts := newTestTiers(t)
	if err := ts.Put(ctx, "c1", map[string]any{"title": "x"}, 10); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := ts.Delete(ctx, "c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := ts.Get(ctx, "c1"); !models.IsKind(err, models.KindStoreNotFound) {
		t.Fatalf("Get after delete = %v, want not found", err)
	}
}

func TestRedisColdStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cold := NewRedisCold(mr.Addr(), "forge:lineage:cold:")
	defer cold.Close()
	ctx := context.Background()

	if err := cold.Put(ctx, "c1", []byte("blob")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := cold.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "blob" {
		t.Fatalf("Get = %q, want blob", got)
	}
	if _, err := cold.Get(ctx, "missing"); !models.IsKind(err, models.KindStoreNotFound) {
		t.Fatalf("missing key err = %v, want not found", err)
	}
	if err := cold.Delete(ctx, "c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := cold.Get(ctx, "c1"); !models.IsKind(err, models.KindStoreNotFound) {
		t.Fatalf("deleted key err = %v, want not found", err)
	}
}

func TestTiersOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cold := NewRedisCold(mr.Addr(), "forge:lineage:cold:")
	defer cold.Close()
	ts := NewTiers(zap.NewNop(), metrics.New(), testTierConfig(), cold)
	ctx := context.Background()

	if err := ts.Put(ctx, "c1", map[string]any{"title": "frozen"}, 5); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec, tier, err := ts.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tier != models.TierCold || rec.Snapshot.Data["title"] != "frozen" {
		t.Fatalf("cold record = tier %v data %v", tier, rec.Snapshot.Data)
	}
}
