package overlay

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Registration is the registry's view of one overlay: the unit itself plus
// the lifecycle state the registry owns.
type Registration struct {
	Overlay  Overlay
	State    State
	Degraded bool // set when the pipeline isolates a failure; the overlay stays active
	Seq      int  // registration order, the tie-break after priority
}

// Registry is the single source of truth for overlay membership and state.
type Registry struct {
	logger *zap.Logger

	mu   sync.RWMutex
	regs map[string]*Registration
	next int
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("overlay"),
		regs:   make(map[string]*Registration),
	}
}

// Register adds an overlay in state registered. Duplicate ids are rejected.
func (r *Registry) Register(o Overlay) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := o.OverlayID()
	if _, exists := r.regs[id]; exists {
		return models.NewError(models.KindStoreConflict, "overlay %s already registered", id)
	}
	r.regs[id] = &Registration{Overlay: o, State: StateRegistered, Seq: r.next}
	r.next++
	r.logger.Info("overlay registered",
		zap.String("overlay", id),
		zap.Int("priority", o.Priority()),
		zap.String("kind", string(o.Kind())))
	return nil
}

// Activate transitions an overlay to active. Activating an already active
// overlay is a no-op.
func (r *Registry) Activate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[id]
	if !ok {
		return models.NewError(models.KindStoreNotFound, "overlay %s not registered", id)
	}
	if reg.State == StateActive {
		return nil
	}
	reg.State = StateActive
	reg.Degraded = false
	return nil
}

// Deactivate transitions an overlay to stopped. Idempotent.
func (r *Registry) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[id]
	if !ok {
		return models.NewError(models.KindStoreNotFound, "overlay %s not registered", id)
	}
	reg.State = StateStopped
	return nil
}

// MarkDegraded flags an overlay after an isolated failure without changing
// its state.
func (r *Registry) MarkDegraded(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.regs[id]; ok {
		reg.Degraded = true
	}
}

// Get returns a snapshot of one registration.
func (r *Registry) Get(id string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[id]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// IterateActiveOrdered returns the active overlays sorted by priority
// ascending, then registration order. The slice is a snapshot; callers may
// invoke overlays without holding registry locks.
func (r *Registry) IterateActiveOrdered() []Overlay {
	r.mu.RLock()
	regs := make([]*Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		if reg.State == StateActive {
			regs = append(regs, reg)
		}
	}
	r.mu.RUnlock()

	sort.Slice(regs, func(i, j int) bool {
		pi, pj := regs[i].Overlay.Priority(), regs[j].Overlay.Priority()
		if pi != pj {
			return pi < pj
		}
		return regs[i].Seq < regs[j].Seq
	})
	out := make([]Overlay, len(regs))
	for i, reg := range regs {
		out[i] = reg.Overlay
	}
	return out
}

// List returns snapshots of every registration, ordered like
// IterateActiveOrdered but including inactive overlays.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	out := make([]Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, *reg)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Overlay.Priority(), out[j].Overlay.Priority()
		if pi != pj {
			return pi < pj
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// StopAll deactivates every overlay in parallel, best effort, bounded by
// the timeout. Overlays that cannot be reached in time are stopped anyway
// on the registry side.
func (r *Registry) StopAll(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	r.mu.RLock()
	ids := make([]string, 0, len(r.regs))
	for id := range r.regs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := r.Deactivate(id); err != nil {
				r.logger.Warn("deactivation failed", zap.String("overlay", id), zap.Error(err))
			}
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("stop_all timed out", zap.Duration("timeout", timeout))
	}
}
