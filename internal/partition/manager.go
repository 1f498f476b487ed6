// Package partition owns graph partitioning: scored capsule assignment,
// partition synthesis when nothing can accept a capsule, background
// rebalancing, predicate routing, and the cross-partition fan-out executor.
package partition

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/metrics"
	"github.com/SunFlash12/ForgeV3-sub007/internal/store"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Manager owns the partition set and the capsule-to-partition mapping.
// All hashing is SHA-256: partition ids, and the capsule's position on the
// [0,100) hash ring.
type Manager struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	store   store.GraphStore

	mu          sync.RWMutex
	partitions  map[string]*models.Partition
	assignments map[string]string // capsule id -> partition id
	jobs        []models.RebalanceJob

	maxCapsules int
	threshold   float64
	interval    time.Duration
}

// NewManager builds a manager. Persisted state, when present, is restored
// by Load.
func NewManager(logger *zap.Logger, m *metrics.Metrics, st store.GraphStore,
	maxCapsules int, threshold float64, interval time.Duration) *Manager {
	if maxCapsules < 1 {
		maxCapsules = 10000
	}
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.3
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Manager{
		logger:      logger.Named("partition"),
		metrics:     m,
		store:       st,
		partitions:  make(map[string]*models.Partition),
		assignments: make(map[string]string),
		maxCapsules: maxCapsules,
		threshold:   threshold,
		interval:    interval,
	}
}

// Load restores the checkpointed partition map.
func (m *Manager) Load(ctx context.Context) error {
	parts, assignments, err := m.store.LoadPartitionMap(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range parts {
		p := parts[i]
		m.partitions[p.PartitionID] = &p
	}
	for k, v := range assignments {
		m.assignments[k] = v
	}
	return nil
}

// PartitionID derives the stable id from a partition name.
func PartitionID(name string) string {
	sum := sha256.Sum256([]byte(name))
	return "p_" + hex.EncodeToString(sum[:])[:16]
}

// hashPosition maps a capsule id onto the [0,100) ring via SHA-256.
func hashPosition(capsuleID string) float64 {
	sum := sha256.Sum256([]byte(capsuleID))
	v := binary.BigEndian.Uint64(sum[:8])
	return float64(v%10000) / 100
}

// AddPartition registers a partition definition. Overlapping hash ranges on
// active hash partitions are rejected.
func (m *Manager) AddPartition(ctx context.Context, p models.Partition) error {
	if p.PartitionID == "" {
		p.PartitionID = PartitionID(p.Name)
	}
	if p.State == "" {
		p.State = models.PartitionActive
	}
	if p.MaxCapsules == 0 {
		p.MaxCapsules = m.maxCapsules
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	if _, exists := m.partitions[p.PartitionID]; exists {
		m.mu.Unlock()
		return models.NewError(models.KindStoreConflict, "partition %s already exists", p.PartitionID)
	}
	if p.HashRange != nil && p.State == models.PartitionActive {
		for _, other := range m.partitions {
			if other.State != models.PartitionActive || other.HashRange == nil {
				continue
			}
			if p.HashRange.Overlaps(*other.HashRange) {
				m.mu.Unlock()
				return models.NewError(models.KindStoreConflict,
					"hash range [%v,%v) overlaps partition %s", p.HashRange.Lo, p.HashRange.Hi, other.PartitionID)
			}
		}
	}
	m.partitions[p.PartitionID] = &p
	m.mu.Unlock()
	return m.checkpoint(ctx)
}

// AssignCapsule gives the capsule exactly one partition: the highest
// scoring active non-full partition, or a freshly synthesized hash
// partition when nothing can accept it.
func (m *Manager) AssignCapsule(ctx context.Context, c *models.Capsule) (string, error) {
	m.mu.Lock()
	if existing, ok := m.assignments[c.ID]; ok {
		m.mu.Unlock()
		return existing, nil
	}

	best := m.findBestLocked(c)
	if best == nil {
		best = m.synthesizeLocked()
		m.metrics.PartitionsSynthesized.Inc()
		m.logger.Info("synthesized partition",
			zap.String("partition_id", best.PartitionID),
			zap.String("capsule_id", c.ID))
	}
	m.assignments[c.ID] = best.PartitionID
	best.Stats.CapsuleCount++
	best.Stats.Utilization = utilization(best)
	id := best.PartitionID
	m.mu.Unlock()

	return id, m.checkpoint(ctx)
}

// findBestLocked scores every active, non-full partition and returns the
// winner, or nil when none scores.
func (m *Manager) findBestLocked(c *models.Capsule) *models.Partition {
	pos := hashPosition(c.ID)
	var best *models.Partition
	bestScore := 0.0
	for _, id := range m.sortedPartitionIDsLocked() {
		p := m.partitions[id]
		if p.State != models.PartitionActive || p.Full() {
			continue
		}
		score := 0.0
		for _, tag := range c.Tags {
			for _, ptag := range p.DomainTags {
				if tag == ptag {
					score += 10
				}
			}
		}
		for _, u := range p.UserIDs {
			if u == c.CreatedBy {
				score += 20
				break
			}
		}
		if p.Strategy == models.StrategyHash && p.HashRange != nil && p.HashRange.Contains(pos) {
			score += 15
		}
		score += (100 - p.Stats.Utilization) / 10
		if best == nil || score > bestScore {
			best, bestScore = p, score
		}
	}
	if best != nil && bestScore <= 0 {
		return nil
	}
	return best
}

func (m *Manager) sortedPartitionIDsLocked() []string {
	ids := make([]string, 0, len(m.partitions))
	for id := range m.partitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// synthesizeLocked creates a fresh hash partition covering the widest free
// gap on the ring, so active ranges stay pairwise disjoint.
func (m *Manager) synthesizeLocked() *models.Partition {
	name := "auto-" + uuid.NewString()
	p := &models.Partition{
		PartitionID: PartitionID(name),
		Name:        name,
		Strategy:    models.StrategyHash,
		HashRange:   m.freeRangeLocked(),
		State:       models.PartitionActive,
		MaxCapsules: m.maxCapsules,
		CreatedAt:   time.Now().UTC(),
	}
	m.partitions[p.PartitionID] = p
	return p
}

// freeRangeLocked finds the largest uncovered interval of the ring. With
// the whole ring claimed it returns a zero-width range: the partition then
// accepts direct assignment but matches no hash position.
func (m *Manager) freeRangeLocked() *models.HashRange {
	var claimed []models.HashRange
	for _, p := range m.partitions {
		if p.State == models.PartitionActive && p.HashRange != nil {
			claimed = append(claimed, *p.HashRange)
		}
	}
	if len(claimed) == 0 {
		return &models.HashRange{Lo: 0, Hi: 100}
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].Lo < claimed[j].Lo })

	best := models.HashRange{}
	cursor := 0.0
	for _, r := range claimed {
		if r.Lo > cursor && r.Lo-cursor > best.Hi-best.Lo {
			best = models.HashRange{Lo: cursor, Hi: r.Lo}
		}
		if r.Hi > cursor {
			cursor = r.Hi
		}
	}
	if 100-cursor > best.Hi-best.Lo {
		best = models.HashRange{Lo: cursor, Hi: 100}
	}
	return &models.HashRange{Lo: best.Lo, Hi: best.Hi}
}

func utilization(p *models.Partition) float64 {
	if p.MaxCapsules <= 0 {
		return 0
	}
	return float64(p.Stats.CapsuleCount) / float64(p.MaxCapsules) * 100
}

// PartitionFor returns a capsule's assigned partition.
func (m *Manager) PartitionFor(capsuleID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.assignments[capsuleID]
	return id, ok
}

// ReleaseCapsule drops a deleted capsule's assignment.
func (m *Manager) ReleaseCapsule(ctx context.Context, capsuleID string) error {
	m.mu.Lock()
	pid, ok := m.assignments[capsuleID]
	if ok {
		delete(m.assignments, capsuleID)
		if p, exists := m.partitions[pid]; exists && p.Stats.CapsuleCount > 0 {
			p.Stats.CapsuleCount--
			p.Stats.Utilization = utilization(p)
		}
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.checkpoint(ctx)
}

// List returns a snapshot of every partition, stable by id.
func (m *Manager) List() []models.Partition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Partition, 0, len(m.partitions))
	for _, id := range m.sortedPartitionIDsLocked() {
		out = append(out, *m.partitions[id])
	}
	return out
}

// Jobs returns the rebalance job history, newest last.
func (m *Manager) Jobs() []models.RebalanceJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.RebalanceJob(nil), m.jobs...)
}

// AssignmentCount reports how many capsules carry a mapping.
func (m *Manager) AssignmentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.assignments)
}

func (m *Manager) checkpoint(ctx context.Context) error {
	m.mu.RLock()
	parts := make([]models.Partition, 0, len(m.partitions))
	for _, p := range m.partitions {
		parts = append(parts, *p)
	}
	assignments := make(map[string]string, len(m.assignments))
	for k, v := range m.assignments {
		assignments[k] = v
	}
	m.mu.RUnlock()
	return m.store.SavePartitionMap(ctx, parts, assignments)
}

// Run is the rebalance loop. Each tick checks the utilization spread and,
// past the threshold, moves ~10% of the most loaded partition's capsules to
// the least loaded one. Failing jobs are marked failed; the loop survives.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RebalanceOnce(ctx)
		}
	}
}

// RebalanceOnce runs one rebalance check. Exported for tests and for the
// admin surface.
func (m *Manager) RebalanceOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("rebalance panicked", zap.Any("panic", r))
		}
	}()

	m.mu.Lock()
	var most, least *models.Partition
	for _, id := range m.sortedPartitionIDsLocked() {
		p := m.partitions[id]
		if p.State != models.PartitionActive {
			continue
		}
		if most == nil || p.Stats.Utilization > most.Stats.Utilization {
			most = p
		}
		if least == nil || p.Stats.Utilization < least.Stats.Utilization {
			least = p
		}
	}
	if most == nil || least == nil || most.PartitionID == least.PartitionID ||
		(most.Stats.Utilization-least.Stats.Utilization)/100 <= m.threshold {
		m.mu.Unlock()
		return
	}

	job := models.RebalanceJob{
		JobID:     uuid.NewString(),
		SourceID:  most.PartitionID,
		TargetID:  least.PartitionID,
		Status:    models.RebalanceRunning,
		CreatedAt: time.Now().UTC(),
	}
	most.State = models.PartitionRebalancing
	least.State = models.PartitionRebalancing

	// Pick ~10% of the source's capsules, stable by id.
	var candidates []string
	for capsuleID, pid := range m.assignments {
		if pid == most.PartitionID {
			candidates = append(candidates, capsuleID)
		}
	}
	sort.Strings(candidates)
	moveCount := len(candidates) / 10
	if moveCount == 0 && len(candidates) > 0 {
		moveCount = 1
	}
	for _, capsuleID := range candidates[:moveCount] {
		m.assignments[capsuleID] = least.PartitionID
		most.Stats.CapsuleCount--
		least.Stats.CapsuleCount++
	}
	most.Stats.Utilization = utilization(most)
	least.Stats.Utilization = utilization(least)
	job.MovedCount = moveCount
	m.mu.Unlock()

	err := m.checkpoint(ctx)

	m.mu.Lock()
	now := time.Now().UTC()
	job.FinishedAt = &now
	if err != nil {
		job.Status = models.RebalanceFailed
		job.Error = err.Error()
	} else {
		job.Status = models.RebalanceDone
	}
	if src, ok := m.partitions[job.SourceID]; ok {
		src.State = models.PartitionActive
	}
	if tgt, ok := m.partitions[job.TargetID]; ok {
		tgt.State = models.PartitionActive
	}
	m.jobs = append(m.jobs, job)
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("rebalance checkpoint failed",
			zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	m.metrics.PartitionMoves.Add(float64(job.MovedCount))
	m.logger.Info("rebalance complete",
		zap.String("job_id", job.JobID),
		zap.String("source", job.SourceID),
		zap.String("target", job.TargetID),
		zap.Int("moved", job.MovedCount))
}
