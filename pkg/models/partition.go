package models

import "time"

// PartitionStrategy decides which predicate a partition matches on.
type PartitionStrategy string

const (
	StrategyDomain PartitionStrategy = "domain"
	StrategyUser   PartitionStrategy = "user"
	StrategyTime   PartitionStrategy = "time"
	StrategyHash   PartitionStrategy = "hash"
	StrategyHybrid PartitionStrategy = "hybrid"
)

// PartitionState is the lifecycle state of a partition.
type PartitionState string

const (
	PartitionActive      PartitionState = "active"
	PartitionRebalancing PartitionState = "rebalancing"
	PartitionReadonly    PartitionState = "readonly"
	PartitionDraining    PartitionState = "draining"
	PartitionOffline     PartitionState = "offline"
)

// HashRange is a half-open interval [Lo, Hi) within [0, 100).
// Active hash partitions keep their ranges pairwise disjoint.
type HashRange struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`
}

// Contains reports whether the hash position falls inside the range.
func (r HashRange) Contains(pos float64) bool {
	return pos >= r.Lo && pos < r.Hi
}

// Overlaps reports whether two ranges share any position.
func (r HashRange) Overlaps(other HashRange) bool {
	return r.Lo < other.Hi && other.Lo < r.Hi
}

// PartitionStats is the live load picture of one partition.
type PartitionStats struct {
	CapsuleCount int     `json:"capsule_count"`
	EdgeCount    int     `json:"edge_count"`
	Utilization  float64 `json:"utilization"` // percent of max_capsules, 0-100
}

// Partition is a named region of the graph with a capacity limit. A capsule
// is owned exclusively by its partition; edges are owned jointly by both
// endpoints' partitions.
type Partition struct {
	PartitionID string            `json:"partition_id"` // p_<sha256 first 16 hex of name>
	Name        string            `json:"name"`
	Strategy    PartitionStrategy `json:"strategy"`
	DomainTags  []string          `json:"domain_tags,omitempty"`
	UserIDs     []string          `json:"user_ids,omitempty"`
	HashRange   *HashRange        `json:"hash_range,omitempty"`
	State       PartitionState    `json:"state"`
	MaxCapsules int               `json:"max_capsules"`
	Stats       PartitionStats    `json:"stats"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Full reports whether the partition is at or over capacity.
func (p *Partition) Full() bool {
	return p.MaxCapsules > 0 && p.Stats.CapsuleCount >= p.MaxCapsules
}

// RebalanceJobStatus is the lifecycle state of a rebalance job.
type RebalanceJobStatus string

const (
	RebalancePending RebalanceJobStatus = "pending"
	RebalanceRunning RebalanceJobStatus = "running"
	RebalanceDone    RebalanceJobStatus = "done"
	RebalanceFailed  RebalanceJobStatus = "failed"
)

// RebalanceJob moves a slice of capsules from the most loaded partition
// to the least loaded one.
type RebalanceJob struct {
	JobID      string             `json:"job_id"`
	SourceID   string             `json:"source_id"`
	TargetID   string             `json:"target_id"`
	Status     RebalanceJobStatus `json:"status"`
	MovedCount int                `json:"moved_count"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// QueryScope is the router's verdict on how many partitions a query touches.
type QueryScope string

const (
	ScopeSingle QueryScope = "SINGLE_PARTITION"
	ScopeMulti  QueryScope = "MULTI_PARTITION"
	ScopeGlobal QueryScope = "GLOBAL"
)

// AggregationMode selects how per-partition results combine.
type AggregationMode string

const (
	AggUnion     AggregationMode = "UNION"     // concatenate in routing order
	AggMerge     AggregationMode = "MERGE"     // union deduplicated by id, first wins
	AggIntersect AggregationMode = "INTERSECT" // ids present in every successful partition
	AggFirst     AggregationMode = "FIRST"     // first element of the union or empty
)

// PartitionQueryResult is one partition's slice of a cross-partition query.
type PartitionQueryResult struct {
	PartitionID string           `json:"partition_id"`
	Success     bool             `json:"success"`
	Error       string           `json:"error,omitempty"`
	Rows        []map[string]any `json:"rows,omitempty"`
	ElapsedMS   int64            `json:"elapsed_ms"`
}

// CrossPartitionResult is the aggregated outcome of a fan-out query.
type CrossPartitionResult struct {
	Rows            []map[string]any       `json:"rows"`
	PerPartition    []PartitionQueryResult `json:"per_partition"`
	PartitionsTotal int                    `json:"partitions_total"`
	PartitionsOK    int                    `json:"partitions_ok"`
	ElapsedMS       int64                  `json:"elapsed_ms"`
}
