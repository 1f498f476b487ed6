// Package cascade drives originating insights through the active overlays,
// chaining derivative insights into bounded, fully audited cascades. Every
// hop is appended to a persisted CascadeChain so a cascade can be replayed
// or inspected after the fact.
package cascade

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SunFlash12/ForgeV3-sub007/internal/bus"
	"github.com/SunFlash12/ForgeV3-sub007/internal/metrics"
	"github.com/SunFlash12/ForgeV3-sub007/internal/overlay"
	"github.com/SunFlash12/ForgeV3-sub007/internal/store"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

const storeRetries = 3

// Insight is the originating trigger of a cascade.
type Insight struct {
	SourceOverlay string
	InsightType   string
	InsightData   map[string]any
	MaxHops       int
	CorrelationID string
}

// Pipeline runs cascades. It owns no overlay state; the registry is the
// source of truth for which overlays run and in what order.
type Pipeline struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	store    store.GraphStore
	registry *overlay.Registry
	bus      *bus.Bus

	fanOut         int
	defaultMaxHops int
}

// NewPipeline wires a pipeline. fanOut bounds concurrent overlay
// invocations per event.
func NewPipeline(logger *zap.Logger, m *metrics.Metrics, st store.GraphStore,
	reg *overlay.Registry, b *bus.Bus, fanOut, defaultMaxHops int) *Pipeline {
	if fanOut < 1 {
		fanOut = 1
	}
	if defaultMaxHops < 1 {
		defaultMaxHops = 5
	}
	return &Pipeline{
		logger:         logger.Named("cascade"),
		metrics:        m,
		store:          st,
		registry:       reg,
		bus:            b,
		fanOut:         fanOut,
		defaultMaxHops: defaultMaxHops,
	}
}

// Trigger creates a chain for the insight and drains it to completion,
// returning the final chain. The chain is persisted incrementally, so a
// store failure mid-run leaves it in state active for the janitor.
func (p *Pipeline) Trigger(ctx context.Context, in Insight) (*models.CascadeChain, error) {
	if in.MaxHops < 1 {
		in.MaxHops = p.defaultMaxHops
	}
	if in.CorrelationID == "" {
		in.CorrelationID = uuid.NewString()
	}

	origin := models.CascadeEvent{
		ID:            uuid.NewString(),
		SourceOverlay: in.SourceOverlay,
		InsightType:   in.InsightType,
		InsightData:   in.InsightData,
		HopCount:      0,
		MaxHops:       in.MaxHops,
		ImpactScore:   1.0,
		Timestamp:     time.Now().UTC(),
		CorrelationID: in.CorrelationID,
	}
	chain := &models.CascadeChain{
		CascadeID:   uuid.NewString(),
		InitiatedBy: in.SourceOverlay,
		InitiatedAt: time.Now().UTC(),
		Events:      []models.CascadeEvent{origin},
		Status:      models.CascadeActive,
	}

	if err := p.persist(ctx, chain, true); err != nil {
		return nil, err
	}
	p.metrics.CascadesStarted.Inc()
	p.bus.Publish(bus.Event{
		Type:          bus.CascadeStarted,
		CorrelationID: in.CorrelationID,
		Payload:       map[string]any{"cascade_id": chain.CascadeID, "initiated_by": in.SourceOverlay},
	})

	p.run(ctx, chain, origin)
	return chain, nil
}

// run drains the chain's work list. Each dequeued event fans out to the
// active overlays not yet on its path; every derivative becomes a new event
// one hop deeper.
func (p *Pipeline) run(ctx context.Context, chain *models.CascadeChain, origin models.CascadeEvent) {
	work := []models.CascadeEvent{origin}

	for len(work) > 0 {
		event := work[0]
		work = work[1:]

		if malformed(&event) {
			chain.ErrorsEncountered++
			p.metrics.CascadeDropped.WithLabelValues("malformed").Inc()
			p.logger.Warn("dropping malformed cascade event",
				zap.String("cascade_id", chain.CascadeID),
				zap.String("event_id", event.ID))
			continue
		}
		// Enqueue already filters on the hop budget; this guards replays of
		// chains persisted by older runs.
		if event.HopCount > event.MaxHops {
			p.metrics.CascadeDropped.WithLabelValues("hop_budget").Inc()
			continue
		}

		derivatives := p.invokeOverlays(ctx, chain, &event)
		for _, d := range derivatives {
			child := d.child(&event)
			chain.Events = append(chain.Events, child)
			chain.TotalHops++
			chain.InsightsGenerated++
			chain.MarkAffected(child.SourceOverlay)
			if child.HopCount <= child.MaxHops {
				work = append(work, child)
			} else {
				p.metrics.CascadeDropped.WithLabelValues("hop_budget").Inc()
			}
		}

		if err := p.persist(ctx, chain, false); err != nil {
			// Chain stays active; the janitor completes it later.
			chain.ErrorsEncountered++
			p.logger.Error("cascade persist failed, leaving chain active",
				zap.String("cascade_id", chain.CascadeID), zap.Error(err))
			return
		}
		if ctx.Err() != nil {
			// Cancellation: in-flight overlays already finished, stop
			// dispatching new ones. Partial chain stays active.
			return
		}
	}

	now := time.Now().UTC()
	chain.Status = models.CascadeCompleted
	chain.CompletedAt = &now
	if err := p.persist(ctx, chain, false); err != nil {
		chain.ErrorsEncountered++
		p.logger.Error("cascade completion persist failed",
			zap.String("cascade_id", chain.CascadeID), zap.Error(err))
		return
	}
	p.metrics.CascadesCompleted.Inc()
	p.bus.Publish(bus.Event{
		Type:          bus.CascadeCompleted,
		CorrelationID: origin.CorrelationID,
		Payload: map[string]any{
			"cascade_id":   chain.CascadeID,
			"total_hops":   chain.TotalHops,
			"insights":     chain.InsightsGenerated,
			"errors":       chain.ErrorsEncountered,
			"overlays":     chain.OverlaysAffected,
			"initiated_by": chain.InitiatedBy,
		},
	})
}

// derivative pairs one emitted insight with its emitter so appends keep the
// overlays' priority order even though invocations ran concurrently.
type derivative struct {
	emitter string
	d       overlay.Derivative
}

func (dv derivative) child(parent *models.CascadeEvent) models.CascadeEvent {
	weight := dv.d.Weight
	if weight == 0 {
		weight = 1
	}
	impact := parent.ImpactScore * weight
	if impact > 1 {
		impact = 1
	}
	if impact < 0 {
		impact = 0
	}
	visited := make([]string, 0, len(parent.VisitedOverlays)+1)
	visited = append(visited, parent.VisitedOverlays...)
	visited = append(visited, dv.emitter)
	return models.CascadeEvent{
		ID:              uuid.NewString(),
		SourceOverlay:   dv.emitter,
		InsightType:     dv.d.InsightType,
		InsightData:     dv.d.InsightData,
		HopCount:        parent.HopCount + 1,
		MaxHops:         parent.MaxHops,
		VisitedOverlays: visited,
		ImpactScore:     impact,
		Timestamp:       time.Now().UTC(),
		CorrelationID:   parent.CorrelationID,
	}
}

// invokeOverlays calls every eligible overlay for one event, bounded by the
// pipeline fan-out, and returns the derivatives in the overlays' priority
// order. A failing overlay is isolated: its error is recorded on the chain,
// the registry marks it degraded, and its siblings proceed.
func (p *Pipeline) invokeOverlays(ctx context.Context, chain *models.CascadeChain, event *models.CascadeEvent) []derivative {
	var eligible []overlay.Overlay
	for _, o := range p.registry.IterateActiveOrdered() {
		if event.HasVisited(o.OverlayID()) {
			p.metrics.CascadeDropped.WithLabelValues("cycle").Inc()
			continue
		}
		eligible = append(eligible, o)
	}
	if len(eligible) == 0 {
		return nil
	}

	results := make([][]overlay.Derivative, len(eligible))
	failed := make([]error, len(eligible))

	g := new(errgroup.Group)
	g.SetLimit(p.fanOut)
	for i, o := range eligible {
		if ctx.Err() != nil {
			break
		}
		i, o := i, o
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					failed[i] = models.NewError(models.KindOverlayFailed,
						"overlay %s panicked: %v", o.OverlayID(), r)
				}
			}()
			out, err := o.OnInsight(ctx, event)
			if err != nil {
				failed[i] = models.WrapError(models.KindOverlayFailed, err,
					"overlay %s failed", o.OverlayID())
				return nil
			}
			results[i] = out
			return nil
		})
	}
	_ = g.Wait()

	var out []derivative
	for i, o := range eligible {
		if failed[i] != nil {
			chain.ErrorsEncountered++
			chain.MarkAffected(o.OverlayID())
			p.registry.MarkDegraded(o.OverlayID())
			p.metrics.OverlayErrors.WithLabelValues(o.OverlayID()).Inc()
			p.logger.Warn("overlay isolated",
				zap.String("cascade_id", chain.CascadeID),
				zap.String("overlay", o.OverlayID()),
				zap.Error(failed[i]))
			p.bus.Publish(bus.Event{
				Type:          bus.OverlayDegraded,
				CorrelationID: event.CorrelationID,
				Payload:       map[string]any{"overlay": o.OverlayID()},
			})
			continue
		}
		for _, d := range results[i] {
			out = append(out, derivative{emitter: o.OverlayID(), d: d})
		}
	}
	return out
}

// persist writes the chain with exponential backoff on transient store
// failures, up to three attempts.
func (p *Pipeline) persist(ctx context.Context, chain *models.CascadeChain, create bool) error {
	var err error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < storeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		if create {
			err = p.store.SaveChain(ctx, chain)
		} else {
			err = p.store.UpdateChain(ctx, chain)
		}
		if err == nil {
			return nil
		}
		if !models.IsKind(err, models.KindStoreTransient) {
			return err
		}
	}
	return err
}

func malformed(e *models.CascadeEvent) bool {
	return e.ID == "" || e.SourceOverlay == "" || e.HopCount < 0 || e.MaxHops < 1
}
