package federation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/integrity"
	"github.com/SunFlash12/ForgeV3-sub007/internal/metrics"
	"github.com/SunFlash12/ForgeV3-sub007/internal/store"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Service glues protocol pieces to the graph: applying verified inbound
// payloads at most once, assembling outbound change payloads, and pushing
// deltas to push-capable peers.
type Service struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	store    store.GraphStore
	identity Identity
	peers    *Registry
	client   *Client
}

// NewService wires the federation service.
func NewService(logger *zap.Logger, m *metrics.Metrics, st store.GraphStore,
	identity Identity, peers *Registry, client *Client) *Service {
	return &Service{
		logger:   logger.Named("federation"),
		metrics:  m,
		store:    st,
		identity: identity,
		peers:    peers,
		client:   client,
	}
}

// Identity exposes this instance's persona for the HTTP layer.
func (s *Service) Identity() Identity { return s.identity }

// Peers exposes the registry.
func (s *Service) Peers() *Registry { return s.peers }

// Client exposes the outbound protocol client.
func (s *Service) Client() *Client { return s.client }

// ApplyResult reports what an inbound payload changed.
type ApplyResult struct {
	Applied   bool `json:"applied"` // false means the payload was a replay
	Capsules  int  `json:"capsules"`
	Edges     int  `json:"edges"`
	Deletions int  `json:"deletions"`
	Skipped   int  `json:"skipped"`
}

// Apply ingests a verified payload. The content hash keys at-most-once
// semantics: a replayed payload is acknowledged without touching the graph.
// Individual capsule failures (integrity rejects, conflicts) skip that
// capsule and continue.
func (s *Service) Apply(ctx context.Context, p *models.SyncPayload, senderPub string) (*ApplyResult, error) {
	seen, err := s.store.SeenSyncPayload(ctx, p.ContentHash)
	if err != nil {
		return nil, err
	}
	if seen {
		s.logger.Info("replayed payload acknowledged",
			zap.String("sync_id", p.SyncID),
			zap.String("content_hash", p.ContentHash))
		return &ApplyResult{Applied: false}, nil
	}

	pub, err := integrity.ParsePublicKey(senderPub)
	if err != nil {
		return nil, err
	}

	res := &ApplyResult{Applied: true}
	for i := range p.Capsules {
		c := p.Capsules[i]
		if err := integrity.CheckCapsule(&c, pub); err != nil {
			s.logger.Warn("rejecting capsule from payload",
				zap.String("capsule_id", c.ID), zap.Error(err))
			res.Skipped++
			continue
		}
		if err := s.upsertCapsule(ctx, &c); err != nil {
			s.logger.Warn("capsule apply failed",
				zap.String("capsule_id", c.ID), zap.Error(err))
			res.Skipped++
			continue
		}
		res.Capsules++
	}
	for i := range p.Edges {
		e := p.Edges[i]
		if err := s.store.CreateEdge(ctx, &e); err != nil {
			res.Skipped++
			continue
		}
		res.Edges++
	}
	for _, d := range p.Deletions {
		if d.Kind != "capsule" {
			continue
		}
		if err := s.store.DeleteCapsule(ctx, d.ID); err != nil {
			if !models.IsKind(err, models.KindStoreNotFound) {
				res.Skipped++
			}
			continue
		}
		res.Deletions++
	}

	if err := s.store.RememberSyncPayload(ctx, p.ContentHash); err != nil {
		return nil, err
	}
	s.logger.Info("payload applied",
		zap.String("sync_id", p.SyncID),
		zap.Int("capsules", res.Capsules),
		zap.Int("edges", res.Edges),
		zap.Int("deletions", res.Deletions),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

// upsertCapsule creates an unseen capsule or refreshes an existing one at
// the stored version.
func (s *Service) upsertCapsule(ctx context.Context, c *models.Capsule) error {
	existing, err := s.store.GetCapsule(ctx, c.ID)
	if models.IsKind(err, models.KindStoreNotFound) {
		return s.store.CreateCapsule(ctx, c)
	}
	if err != nil {
		return err
	}
	c.Version = existing.Version
	return s.store.UpdateCapsule(ctx, c)
}

// BuildChangesPayload assembles a signed payload of local changes since the
// cursor, for the pull endpoint and for outbound pushes.
func (s *Service) BuildChangesPayload(ctx context.Context, since time.Time, types []string, limit int) (*models.SyncPayload, error) {
	changes, err := s.store.ListChanges(ctx, since, types, limit)
	if err != nil {
		return nil, err
	}
	p := NewPayload(s.identity.InstanceID, models.SyncPayload{
		Capsules:   changes.Capsules,
		Edges:      changes.Edges,
		Deletions:  changes.Deletions,
		HasMore:    changes.HasMore,
		NextCursor: changes.NextCursor,
	})
	if err := SignPayload(p, s.identity.Keypair); err != nil {
		return nil, err
	}
	return p, nil
}

// PushDelta sends recent changes to every active push-capable peer. Failed
// pushes are logged; the caller retries on its own schedule.
func (s *Service) PushDelta(ctx context.Context, since time.Time) {
	payload, err := s.BuildChangesPayload(ctx, since, nil, 500)
	if err != nil {
		s.logger.Warn("assembling delta failed", zap.Error(err))
		return
	}
	if len(payload.Capsules) == 0 && len(payload.Edges) == 0 && len(payload.Deletions) == 0 {
		return
	}
	for _, peer := range s.peers.List() {
		if peer.Status != models.PeerActive || !peer.SupportsPush {
			continue
		}
		ok, err := s.client.PushCapsules(ctx, peer, payload)
		if err != nil {
			s.logger.Warn("push failed",
				zap.String("peer", peer.InstanceID), zap.Error(err))
			continue
		}
		if !ok {
			s.logger.Warn("push rejected", zap.String("peer", peer.InstanceID))
		}
	}
}
