package store

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Memory is the in-process GraphStore. All methods are safe for concurrent
// use; values are cloned on the way in and out so callers never alias
// internal state.
type Memory struct {
	mu          sync.RWMutex
	capsules    map[string]*models.Capsule
	edges       map[string]*models.SemanticEdge
	chains      map[string]*models.CascadeChain
	deletions   []models.Deletion
	appliedSync map[string]bool
	partitions  []models.Partition
	assignments map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		capsules:    make(map[string]*models.Capsule),
		edges:       make(map[string]*models.SemanticEdge),
		chains:      make(map[string]*models.CascadeChain),
		appliedSync: make(map[string]bool),
		assignments: make(map[string]string),
	}
}

func (m *Memory) CreateCapsule(_ context.Context, c *models.Capsule) error {
	if c.ID == "" {
		return models.NewError(models.KindStoreConflict, "capsule id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.capsules[c.ID]; exists {
		return models.NewError(models.KindStoreConflict, "capsule %s already exists", c.ID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Version == 0 {
		c.Version = 1
	}
	m.capsules[c.ID] = c.Clone()
	return nil
}

func (m *Memory) UpdateCapsule(_ context.Context, c *models.Capsule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.capsules[c.ID]
	if !ok {
		return models.NewError(models.KindStoreNotFound, "capsule %s not found", c.ID)
	}
	if c.Version != stored.Version {
		return models.NewError(models.KindStoreConflict,
			"capsule %s version %d does not match stored %d", c.ID, c.Version, stored.Version)
	}
	now := time.Now().UTC()
	c.Version++
	c.UpdatedAt = &now
	m.capsules[c.ID] = c.Clone()
	return nil
}

func (m *Memory) DeleteCapsule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.capsules[id]; !ok {
		return models.NewError(models.KindStoreNotFound, "capsule %s not found", id)
	}
	delete(m.capsules, id)
	now := time.Now().UTC()
	m.deletions = append(m.deletions, models.Deletion{Kind: "capsule", ID: id, DeletedAt: now})
	for edgeID, e := range m.edges {
		if e.Touches(id) {
			delete(m.edges, edgeID)
			m.deletions = append(m.deletions, models.Deletion{Kind: "edge", ID: edgeID, DeletedAt: now})
		}
	}
	delete(m.assignments, id)
	return nil
}

func (m *Memory) GetCapsule(_ context.Context, id string) (*models.Capsule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.capsules[id]
	if !ok {
		return nil, models.NewError(models.KindStoreNotFound, "capsule %s not found", id)
	}
	return c.Clone(), nil
}

func (m *Memory) FindSimilar(_ context.Context, embedding []float32, k int, minSim float64) ([]Scored, error) {
	if k < 1 || len(embedding) == 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	scored := make([]Scored, 0, k)
	for _, c := range m.capsules {
		if len(c.Embedding) != len(embedding) {
			continue
		}
		sim := cosine(embedding, c.Embedding)
		if sim < minSim {
			continue
		}
		scored = append(scored, Scored{Capsule: c.Clone(), Similarity: sim})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Capsule.ID < scored[j].Capsule.ID
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (m *Memory) CreateEdge(_ context.Context, e *models.SemanticEdge) error {
	if !models.ValidRelationship(e.RelationshipType) {
		return models.NewError(models.KindStoreConflict, "unknown relationship type %q", e.RelationshipType)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.capsules[e.SourceID]; !ok {
		return models.NewError(models.KindStoreNotFound, "edge source %s not found", e.SourceID)
	}
	if _, ok := m.capsules[e.TargetID]; !ok {
		return models.NewError(models.KindStoreNotFound, "edge target %s not found", e.TargetID)
	}
	// Idempotent on logical identity: symmetric edges match either
	// orientation, directed ones only their own.
	for _, existing := range m.edges {
		if existing.RelationshipType != e.RelationshipType {
			continue
		}
		same := existing.SourceID == e.SourceID && existing.TargetID == e.TargetID
		mirrored := e.RelationshipType.IsSymmetric() &&
			existing.SourceID == e.TargetID && existing.TargetID == e.SourceID
		if same || mirrored {
			return nil
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	m.edges[e.ID] = &cp
	return nil
}

func (m *Memory) EdgesFor(_ context.Context, capsuleID string) ([]models.SemanticEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SemanticEdge
	for _, e := range m.edges {
		if e.Touches(capsuleID) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Ancestors(_ context.Context, id string, maxDepth int) ([]*models.Capsule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start, ok := m.capsules[id]
	if !ok {
		return nil, models.NewError(models.KindStoreNotFound, "capsule %s not found", id)
	}

	var out []*models.Capsule
	seen := map[string]bool{id: true}
	frontier := append([]string(nil), start.ParentIDs...)
	for depth := 0; (maxDepth <= 0 || depth < maxDepth) && len(frontier) > 0; depth++ {
		var next []string
		for _, pid := range frontier {
			if seen[pid] {
				continue
			}
			seen[pid] = true
			parent, ok := m.capsules[pid]
			if !ok {
				continue
			}
			out = append(out, parent.Clone())
			next = append(next, parent.ParentIDs...)
		}
		frontier = next
	}
	return out, nil
}

func (m *Memory) RunQuery(_ context.Context, q Query) ([]map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := paramInt(q.Params, "limit", 50)
	var matched []*models.Capsule
	switch q.Kind {
	case QueryCapsuleByID:
		if c, ok := m.capsules[paramString(q.Params, "id")]; ok {
			matched = append(matched, c)
		}
	case QueryCapsulesByTag:
		tag := paramString(q.Params, "tag")
		for _, c := range m.capsules {
			if c.HasTag(tag) {
				matched = append(matched, c)
			}
		}
	case QueryCapsulesByOwner:
		owner := paramString(q.Params, "user_id")
		for _, c := range m.capsules {
			if c.CreatedBy == owner {
				matched = append(matched, c)
			}
		}
	case QueryCapsulesByType:
		typ := models.CapsuleType(paramString(q.Params, "type"))
		for _, c := range m.capsules {
			if c.Type == typ {
				matched = append(matched, c)
			}
		}
	case QueryRecentCapsules:
		for _, c := range m.capsules {
			matched = append(matched, c)
		}
	case QuerySearchText:
		needle := strings.ToLower(paramString(q.Params, "q"))
		if needle == "" {
			break
		}
		for _, c := range m.capsules {
			if strings.Contains(strings.ToLower(c.Title), needle) ||
				strings.Contains(strings.ToLower(c.Content), needle) {
				matched = append(matched, c)
			}
		}
	default:
		return nil, models.NewError(models.KindStoreNotFound, "unknown query kind %q", q.Kind)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}

	rows := make([]map[string]any, 0, len(matched))
	for _, c := range matched {
		rows = append(rows, capsuleRow(c))
	}
	return rows, nil
}

func capsuleRow(c *models.Capsule) map[string]any {
	return map[string]any{
		"id":          c.ID,
		"title":       c.Title,
		"type":        string(c.Type),
		"trust_level": c.TrustLevel,
		"tags":        append([]string(nil), c.Tags...),
		"created_by":  c.CreatedBy,
		"created_at":  c.CreatedAt,
		"version":     c.Version,
	}
}

func paramString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return def
}

func (m *Memory) SaveChain(_ context.Context, chain *models.CascadeChain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.chains[chain.CascadeID]; exists {
		return models.NewError(models.KindStoreConflict, "cascade %s already exists", chain.CascadeID)
	}
	m.chains[chain.CascadeID] = cloneChain(chain)
	return nil
}

func (m *Memory) UpdateChain(_ context.Context, chain *models.CascadeChain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chains[chain.CascadeID]; !ok {
		return models.NewError(models.KindStoreNotFound, "cascade %s not found", chain.CascadeID)
	}
	m.chains[chain.CascadeID] = cloneChain(chain)
	return nil
}

func (m *Memory) GetChain(_ context.Context, cascadeID string) (*models.CascadeChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain, ok := m.chains[cascadeID]
	if !ok {
		return nil, models.NewError(models.KindStoreNotFound, "cascade %s not found", cascadeID)
	}
	return cloneChain(chain), nil
}

func (m *Memory) ListChains(_ context.Context, status models.CascadeStatus, before time.Time) ([]*models.CascadeChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.CascadeChain
	for _, chain := range m.chains {
		if status != "" && chain.Status != status {
			continue
		}
		if !before.IsZero() && !chain.InitiatedAt.Before(before) {
			continue
		}
		out = append(out, cloneChain(chain))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.Before(out[j].InitiatedAt) })
	return out, nil
}

func (m *Memory) PurgeChains(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for id, chain := range m.chains {
		if chain.Status != models.CascadeCompleted {
			continue
		}
		if chain.CompletedAt != nil && chain.CompletedAt.Before(before) {
			delete(m.chains, id)
			purged++
		}
	}
	return purged, nil
}

func cloneChain(chain *models.CascadeChain) *models.CascadeChain {
	out := *chain
	out.Events = append([]models.CascadeEvent(nil), chain.Events...)
	out.OverlaysAffected = append([]string(nil), chain.OverlaysAffected...)
	if chain.CompletedAt != nil {
		t := *chain.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func (m *Memory) ListChanges(_ context.Context, since time.Time, types []string, limit int) (*Changes, error) {
	if limit < 1 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := &Changes{}
	budget := limit
	var latest time.Time

	if wantsType(types, "capsules") {
		var capsules []*models.Capsule
		for _, c := range m.capsules {
			if changeTime(c).After(since) {
				capsules = append(capsules, c)
			}
		}
		sort.Slice(capsules, func(i, j int) bool { return changeTime(capsules[i]).Before(changeTime(capsules[j])) })
		for _, c := range capsules {
			if budget == 0 {
				out.HasMore = true
				break
			}
			out.Capsules = append(out.Capsules, *c.Clone())
			latest = laterOf(latest, changeTime(c))
			budget--
		}
	}
	if wantsType(types, "edges") && !out.HasMore {
		var edges []*models.SemanticEdge
		for _, e := range m.edges {
			if e.CreatedAt.After(since) {
				edges = append(edges, e)
			}
		}
		sort.Slice(edges, func(i, j int) bool { return edges[i].CreatedAt.Before(edges[j].CreatedAt) })
		for _, e := range edges {
			if budget == 0 {
				out.HasMore = true
				break
			}
			out.Edges = append(out.Edges, *e)
			latest = laterOf(latest, e.CreatedAt)
			budget--
		}
	}
	if wantsType(types, "deletions") && !out.HasMore {
		for _, d := range m.deletions {
			if !d.DeletedAt.After(since) {
				continue
			}
			if budget == 0 {
				out.HasMore = true
				break
			}
			out.Deletions = append(out.Deletions, d)
			latest = laterOf(latest, d.DeletedAt)
			budget--
		}
	}
	if !latest.IsZero() {
		out.NextCursor = latest.Format(time.RFC3339Nano)
	}
	return out, nil
}

func changeTime(c *models.Capsule) time.Time {
	if c.UpdatedAt != nil {
		return *c.UpdatedAt
	}
	return c.CreatedAt
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func (m *Memory) SeenSyncPayload(_ context.Context, contentHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appliedSync[contentHash], nil
}

func (m *Memory) RememberSyncPayload(_ context.Context, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appliedSync[contentHash] = true
	return nil
}

func (m *Memory) SavePartitionMap(_ context.Context, parts []models.Partition, assignments map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitions = append([]models.Partition(nil), parts...)
	m.assignments = make(map[string]string, len(assignments))
	for k, v := range assignments {
		m.assignments[k] = v
	}
	return nil
}

func (m *Memory) LoadPartitionMap(_ context.Context) ([]models.Partition, map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	parts := append([]models.Partition(nil), m.partitions...)
	assignments := make(map[string]string, len(m.assignments))
	for k, v := range m.assignments {
		assignments[k] = v
	}
	return parts, assignments, nil
}

func (m *Memory) Counts(_ context.Context) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.capsules), len(m.edges), nil
}

func (m *Memory) Close() {}
