package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/bus"
)

// Strategy selects how capsule-change invalidation is applied.
type Strategy string

const (
	StrategyImmediate Strategy = "immediate" // synchronous removal
	StrategyDebounced Strategy = "debounced" // bursts merged within a window
	StrategyLazy      Strategy = "lazy"      // mark stale, drop on next read
)

// InvalidateCapsule removes (or marks, per strategy) every entry whose
// related set contains the capsule id.
func (c *Cache) InvalidateCapsule(capsuleID string) {
	switch c.opts.Strategy {
	case StrategyDebounced:
		c.debounce(capsuleID)
	case StrategyLazy:
		c.apply(map[string]bool{capsuleID: true}, true)
	default:
		c.apply(map[string]bool{capsuleID: true}, false)
	}
}

// debounce merges invalidations arriving within the window and processes
// the batch once when the window closes.
func (c *Cache) debounce(capsuleID string) {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	c.pending[capsuleID] = true
	if c.timer != nil {
		return
	}
	c.timer = time.AfterFunc(c.opts.DebounceWin, func() {
		c.pendMu.Lock()
		batch := c.pending
		c.pending = make(map[string]bool)
		c.timer = nil
		c.pendMu.Unlock()
		c.apply(batch, false)
	})
}

// apply walks the entries once for a batch of capsule ids. markOnly leaves
// matching entries in place flagged stale for the next read to collect.
func (c *Cache) apply(capsuleIDs map[string]bool, markOnly bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		hit := false
		for id := range capsuleIDs {
			if e.related[id] {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		if markOnly {
			e.stale = true
		} else {
			delete(c.entries, key)
		}
		removed++
	}
	if removed > 0 {
		c.logger.Debug("invalidated entries",
			zap.Int("count", removed), zap.Bool("lazy", markOnly))
	}
}

// Subscribe wires the cache to capsule lifecycle events on the bus. The
// returned function cancels the subscription.
func (c *Cache) Subscribe(b *bus.Bus) func() {
	return b.Subscribe("cache.invalidator", func(_ context.Context, ev bus.Event) {
		id, _ := ev.Payload["capsule_id"].(string)
		if id == "" {
			return
		}
		c.InvalidateCapsule(id)
	}, bus.CapsuleCreated, bus.CapsuleUpdated, bus.CapsuleDeleted)
}
