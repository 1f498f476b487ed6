package federation

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Registry owns the peer list. Peers are added from config or learned
// through inbound handshakes; a background monitor reclassifies health.
type Registry struct {
	logger *zap.Logger

	mu    sync.RWMutex
	peers map[string]*models.Peer // keyed by instance id
	byKey map[string]string       // public key -> instance id
}

// NewRegistry returns an empty peer registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("federation.peers"),
		peers:  make(map[string]*models.Peer),
		byKey:  make(map[string]string),
	}
}

// Upsert adds or refreshes a peer. A re-handshaking peer keeps its entry
// with updated key and capabilities.
func (r *Registry) Upsert(p models.Peer) {
	if p.Status == "" {
		p.Status = models.PeerActive
	}
	now := time.Now().UTC()
	p.LastSeen = &now

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.peers[p.InstanceID]; ok && old.PublicKey != p.PublicKey {
		delete(r.byKey, old.PublicKey)
		r.logger.Warn("peer rotated its public key", zap.String("instance_id", p.InstanceID))
	}
	r.peers[p.InstanceID] = &p
	r.byKey[p.PublicKey] = p.InstanceID
}

// Get returns a peer snapshot by instance id.
func (r *Registry) Get(instanceID string) (models.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[instanceID]
	if !ok {
		return models.Peer{}, false
	}
	return *p, true
}

// ByPublicKey resolves the peer that owns a wire public key. Inbound signed
// payloads authenticate through this lookup.
func (r *Registry) ByPublicKey(publicKeyB64 string) (models.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[publicKeyB64]
	if !ok {
		return models.Peer{}, false
	}
	return *r.peers[id], true
}

// SetStatus records a health classification.
func (r *Registry) SetStatus(instanceID string, status models.PeerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[instanceID]; ok {
		if p.Status != status {
			r.logger.Info("peer status changed",
				zap.String("instance_id", instanceID),
				zap.String("from", string(p.Status)),
				zap.String("to", string(status)))
		}
		p.Status = status
		if status == models.PeerActive {
			now := time.Now().UTC()
			p.LastSeen = &now
		}
	}
}

// List returns peer snapshots ordered by instance id.
func (r *Registry) List() []models.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Monitor probes every peer on the interval until ctx is cancelled.
func (r *Registry) Monitor(ctx context.Context, client *Client, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range r.List() {
				status := client.Health(ctx, p.URL)
				r.SetStatus(p.InstanceID, status)
			}
		}
	}
}
