package lineage

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/config"
	"github.com/SunFlash12/ForgeV3-sub007/internal/metrics"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Record is one capsule's lineage: the base snapshot, the diff chain on
// top of it, and the trust level that drives tier placement.
type Record struct {
	Snapshot  *models.LineageSnapshot `json:"snapshot"`
	Diffs     []models.LineageDiff    `json:"diffs,omitempty"`
	Trust     int                     `json:"trust"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Tiers places lineage records across HOT (full in memory), WARM (gzip
// blob in memory), and COLD (remote store). Reads search downward and do
// not promote; promotion happens through writes, which re-place by trust.
type Tiers struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	cfg     config.LineageConfig
	cold    ColdStore

	mu    sync.RWMutex
	hot   map[string]*Record
	warm  map[string][]byte
	index map[string]models.StorageTier // capsule id -> current tier
}

// NewTiers builds the tier store over the given cold backend.
func NewTiers(logger *zap.Logger, m *metrics.Metrics, cfg config.LineageConfig, cold ColdStore) *Tiers {
	return &Tiers{
		logger:  logger.Named("lineage"),
		metrics: m,
		cfg:     cfg,
		cold:    cold,
		hot:     make(map[string]*Record),
		warm:    make(map[string][]byte),
		index:   make(map[string]models.StorageTier),
	}
}

func (t *Tiers) tierFor(trust int) models.StorageTier {
	switch {
	case trust >= t.cfg.Tier1MinTrust:
		return models.TierHot
	case trust >= t.cfg.Tier2MinTrust:
		return models.TierWarm
	default:
		return models.TierCold
	}
}

// Put snapshots a capsule's lineage data and places the record by trust.
func (t *Tiers) Put(ctx context.Context, capsuleID string, data map[string]any, trust int) error {
	snap, err := Snapshot(capsuleID, data)
	if err != nil {
		return err
	}
	rec := &Record{Snapshot: snap, Trust: trust, UpdatedAt: time.Now().UTC()}
	return t.place(ctx, capsuleID, rec, t.tierFor(trust))
}

// Get fetches a record, searching hot, then warm, then cold.
func (t *Tiers) Get(ctx context.Context, capsuleID string) (*Record, models.StorageTier, error) {
	t.mu.RLock()
	if rec, ok := t.hot[capsuleID]; ok {
		t.mu.RUnlock()
		return rec, models.TierHot, nil
	}
	blob, warm := t.warm[capsuleID]
	t.mu.RUnlock()

	if warm {
		rec, err := decodeRecord(blob)
		if err != nil {
			return nil, "", err
		}
		return rec, models.TierWarm, nil
	}

	blob, err := t.cold.Get(ctx, capsuleID)
	if err != nil {
		return nil, "", err
	}
	rec, err := decodeRecord(blob)
	if err != nil {
		return nil, "", err
	}
	return rec, models.TierCold, nil
}

// Current materializes a record's present state by replaying its diff
// chain onto the base snapshot.
func (t *Tiers) Current(rec *Record) (*models.LineageSnapshot, error) {
	return Materialize(rec.Snapshot, rec.Diffs)
}

// Update diffs the record's current state against newData and appends the
// result to the chain. A chain that reaches max_delta_chain consolidates:
// the materialized state becomes the new base and the chain resets. Trust
// changes re-place the record.
func (t *Tiers) Update(ctx context.Context, capsuleID string, newData map[string]any, trust int) error {
	rec, _, err := t.Get(ctx, capsuleID)
	if err != nil {
		if models.IsKind(err, models.KindStoreNotFound) {
			return t.Put(ctx, capsuleID, newData, trust)
		}
		return err
	}

	current, err := t.Current(rec)
	if err != nil {
		return err
	}
	entries := Diff(current.Data, newData)
	if len(entries) == 0 && trust == rec.Trust {
		return nil
	}
	if len(entries) > 0 {
		rec.Diffs = append(rec.Diffs, *NewDiff(current, entries))
	}
	rec.Trust = trust
	rec.UpdatedAt = time.Now().UTC()

	if len(rec.Diffs) >= t.cfg.MaxDeltaChain {
		base, err := Materialize(rec.Snapshot, rec.Diffs)
		if err != nil {
			return err
		}
		rec.Snapshot = base
		rec.Diffs = nil
		t.logger.Debug("lineage chain consolidated", zap.String("capsule_id", capsuleID))
	}
	return t.place(ctx, capsuleID, rec, t.tierFor(trust))
}

// Delete removes a capsule's record from whichever tier holds it.
func (t *Tiers) Delete(ctx context.Context, capsuleID string) error {
	t.mu.Lock()
	tier, known := t.index[capsuleID]
	delete(t.hot, capsuleID)
	delete(t.warm, capsuleID)
	delete(t.index, capsuleID)
	t.mu.Unlock()
	if known && tier == models.TierCold {
		return t.cold.Delete(ctx, capsuleID)
	}
	return nil
}

// Tier reports where a capsule's record currently lives.
func (t *Tiers) Tier(capsuleID string) (models.StorageTier, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tier, ok := t.index[capsuleID]
	return tier, ok
}

// Counts reports how many records each tier holds. Cold counts only what
// this instance placed there.
func (t *Tiers) Counts() map[models.StorageTier]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := map[models.StorageTier]int{models.TierHot: 0, models.TierWarm: 0, models.TierCold: 0}
	for _, tier := range t.index {
		out[tier]++
	}
	return out
}

// MigrateOnce demotes records one tier at a time: HOT→WARM when the record
// outgrew tier-1 age or its trust dropped below tier-1, WARM→COLD
// analogously against the tier-2 limits.
func (t *Tiers) MigrateOnce(ctx context.Context, now time.Time) (int, error) {
	tier1Age := time.Duration(t.cfg.Tier1MaxAgeDays) * 24 * time.Hour
	tier2Age := time.Duration(t.cfg.Tier2MaxAgeDays) * 24 * time.Hour

	t.mu.RLock()
	var demoteWarm []string
	for id, rec := range t.hot {
		if now.Sub(rec.UpdatedAt) > tier1Age || rec.Trust < t.cfg.Tier1MinTrust {
			demoteWarm = append(demoteWarm, id)
		}
	}
	var demoteCold []string
	for id, blob := range t.warm {
		rec, err := decodeRecord(blob)
		if err != nil {
			continue
		}
		if now.Sub(rec.UpdatedAt) > tier2Age || rec.Trust < t.cfg.Tier2MinTrust {
			demoteCold = append(demoteCold, id)
		}
	}
	t.mu.RUnlock()

	moved := 0
	for _, id := range demoteWarm {
		rec, tier, err := t.Get(ctx, id)
		if err != nil || tier != models.TierHot {
			continue
		}
		if err := t.place(ctx, id, rec, models.TierWarm); err != nil {
			return moved, err
		}
		t.metrics.LineageMigrations.WithLabelValues("hot", "warm").Inc()
		moved++
	}
	for _, id := range demoteCold {
		rec, tier, err := t.Get(ctx, id)
		if err != nil || tier != models.TierWarm {
			continue
		}
		if err := t.place(ctx, id, rec, models.TierCold); err != nil {
			return moved, err
		}
		t.metrics.LineageMigrations.WithLabelValues("warm", "cold").Inc()
		moved++
	}
	return moved, nil
}

// place writes the record into its tier and clears it from the others.
func (t *Tiers) place(ctx context.Context, capsuleID string, rec *Record, tier models.StorageTier) error {
	var blob []byte
	if tier != models.TierHot {
		var err error
		blob, err = encodeRecord(rec)
		if err != nil {
			return err
		}
	}

	t.mu.Lock()
	prev := t.index[capsuleID]
	delete(t.hot, capsuleID)
	delete(t.warm, capsuleID)
	switch tier {
	case models.TierHot:
		t.hot[capsuleID] = rec
	case models.TierWarm:
		t.warm[capsuleID] = blob
	}
	t.index[capsuleID] = tier
	t.mu.Unlock()

	if tier == models.TierCold {
		if err := t.cold.Put(ctx, capsuleID, blob); err != nil {
			return err
		}
	} else if prev == models.TierCold {
		if err := t.cold.Delete(ctx, capsuleID); err != nil {
			t.logger.Warn("stale cold record not removed",
				zap.String("capsule_id", capsuleID), zap.Error(err))
		}
	}
	return nil
}

func encodeRecord(rec *Record) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, models.WrapError(models.KindStoreTransient, err, "encoding lineage record")
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, models.WrapError(models.KindStoreTransient, err, "compressing lineage record")
	}
	if err := gz.Close(); err != nil {
		return nil, models.WrapError(models.KindStoreTransient, err, "compressing lineage record")
	}
	return buf.Bytes(), nil
}

func decodeRecord(blob []byte) (*Record, error) {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, models.WrapError(models.KindStoreTransient, err, "decompressing lineage record")
	}
	defer gz.Close()
	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, models.WrapError(models.KindStoreTransient, err, "decompressing lineage record")
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, models.WrapError(models.KindStoreTransient, err, "decoding lineage record")
	}
	return &rec, nil
}
