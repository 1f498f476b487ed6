// Package lineage stores per-capsule lineage records across three storage
// tiers and encodes their history as a base snapshot plus a chain of
// diffs. Trust decides the initial tier, age and trust drift move records
// down, and the diff chain consolidates back into a snapshot once it grows
// past the configured length.
package lineage

import (
	"fmt"
	"reflect"
	"time"

	"github.com/SunFlash12/ForgeV3-sub007/internal/canonical"
	"github.com/SunFlash12/ForgeV3-sub007/internal/integrity"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Snapshot materializes a lineage record for a capsule and stamps its
// hash over the canonical JSON of the data map.
func Snapshot(capsuleID string, data map[string]any) (*models.LineageSnapshot, error) {
	hash, err := hashData(data)
	if err != nil {
		return nil, err
	}
	return &models.LineageSnapshot{
		CapsuleID: capsuleID,
		Hash:      hash,
		Data:      cloneData(data),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Diff computes the operations that turn old into new. Top-level keys map
// to paths like "/title"; a value that disappears under one key and
// reappears unchanged under another becomes a single MOVE.
func Diff(old, new map[string]any) []models.DiffEntry {
	var added, removed []models.DiffEntry
	var entries []models.DiffEntry

	for k, ov := range old {
		nv, ok := new[k]
		switch {
		case !ok:
			removed = append(removed, models.DiffEntry{
				Op: models.DiffRemove, Path: "/" + k, OldValue: ov,
			})
		case !reflect.DeepEqual(ov, nv):
			entries = append(entries, models.DiffEntry{
				Op: models.DiffModify, Path: "/" + k, OldValue: ov, NewValue: nv,
			})
		}
	}
	for k, nv := range new {
		if _, ok := old[k]; !ok {
			added = append(added, models.DiffEntry{
				Op: models.DiffAdd, Path: "/" + k, NewValue: nv,
			})
		}
	}

	// Pair a removal with an addition of the same value into a MOVE.
	for _, rm := range removed {
		moved := false
		for i, ad := range added {
			if ad.Op == models.DiffAdd && reflect.DeepEqual(rm.OldValue, ad.NewValue) {
				entries = append(entries, models.DiffEntry{
					Op:       models.DiffMove,
					Path:     ad.Path,
					OldValue: rm.Path,
					NewValue: ad.NewValue,
				})
				added[i].Op = "" // consumed
				moved = true
				break
			}
		}
		if !moved {
			entries = append(entries, rm)
		}
	}
	for _, ad := range added {
		if ad.Op == models.DiffAdd {
			entries = append(entries, ad)
		}
	}
	return entries
}

// NewDiff wraps entries with the base they apply to.
func NewDiff(base *models.LineageSnapshot, entries []models.DiffEntry) *models.LineageDiff {
	return &models.LineageDiff{
		BaseHash:  base.Hash,
		Entries:   entries,
		CreatedAt: time.Now().UTC(),
	}
}

// Apply plays a diff onto a snapshot and returns the resulting snapshot.
// The diff must target the snapshot it was computed against: a base hash
// mismatch fails without touching anything.
func Apply(snap *models.LineageSnapshot, diff *models.LineageDiff) (*models.LineageSnapshot, error) {
	if diff.BaseHash != snap.Hash {
		return nil, models.NewError(models.KindLineageBaseMismatch,
			"diff targets base %s but snapshot is %s", short(diff.BaseHash), short(snap.Hash))
	}
	data := cloneData(snap.Data)
	for _, e := range diff.Entries {
		key, err := pathKey(e.Path)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case models.DiffAdd, models.DiffModify:
			data[key] = e.NewValue
		case models.DiffRemove:
			delete(data, key)
		case models.DiffMove:
			from, ok := e.OldValue.(string)
			if !ok {
				return nil, models.NewError(models.KindLineageBaseMismatch,
					"MOVE at %s carries no source path", e.Path)
			}
			fromKey, err := pathKey(from)
			if err != nil {
				return nil, err
			}
			delete(data, fromKey)
			data[key] = e.NewValue
		default:
			return nil, models.NewError(models.KindLineageBaseMismatch,
				"unknown diff op %q at %s", e.Op, e.Path)
		}
	}
	return Snapshot(snap.CapsuleID, data)
}

// Materialize replays a full chain of diffs in order onto the base.
func Materialize(base *models.LineageSnapshot, chain []models.LineageDiff) (*models.LineageSnapshot, error) {
	current := base
	for i := range chain {
		next, err := Apply(current, &chain[i])
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

func hashData(data map[string]any) (string, error) {
	b, err := canonical.Marshal(data)
	if err != nil {
		return "", models.WrapError(models.KindLineageBaseMismatch, err, "canonicalizing lineage data")
	}
	return integrity.HashBytes(b), nil
}

func pathKey(path string) (string, error) {
	if len(path) < 2 || path[0] != '/' {
		return "", models.NewError(models.KindLineageBaseMismatch, "malformed diff path %q", path)
	}
	return path[1:], nil
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return fmt.Sprintf("%q", hash)
}
