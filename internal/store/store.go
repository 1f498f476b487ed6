// Package store defines the graph persistence port the engine depends on,
// plus an in-memory implementation used for single-node deployments and
// tests. A Postgres implementation lives in the postgres subpackage.
package store

import (
	"context"
	"time"

	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Query is a parameterized read against the graph. Kind selects a named
// query shape; Params bind its inputs. Implementations never interpolate
// params into query text.
type Query struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// Known query kinds. Implementations reject anything else.
const (
	QueryCapsuleByID   = "capsule_by_id"   // params: id
	QueryCapsulesByTag = "capsules_by_tag" // params: tag, limit
	QueryCapsulesByOwner = "capsules_by_owner" // params: user_id, limit
	QueryCapsulesByType  = "capsules_by_type"  // params: type, limit
	QueryRecentCapsules  = "recent_capsules"   // params: limit
	QuerySearchText      = "search_text"       // params: q, limit
)

// Scored pairs a capsule with its cosine similarity to a probe vector.
type Scored struct {
	Capsule    *models.Capsule
	Similarity float64
}

// Changes is one page of the federation change feed.
type Changes struct {
	Capsules   []models.Capsule
	Edges      []models.SemanticEdge
	Deletions  []models.Deletion
	HasMore    bool
	NextCursor string
}

// GraphStore is the persistence port. Implementations serialize concurrent
// updates to one capsule so its version counter stays monotone, and stream
// rather than materialize when a read's cardinality is unbounded.
type GraphStore interface {
	CreateCapsule(ctx context.Context, c *models.Capsule) error
	// UpdateCapsule applies an optimistic update: c.Version must equal the
	// stored version, and the store bumps it by one. A mismatch returns a
	// conflict error.
	UpdateCapsule(ctx context.Context, c *models.Capsule) error
	DeleteCapsule(ctx context.Context, id string) error
	GetCapsule(ctx context.Context, id string) (*models.Capsule, error)

	// FindSimilar returns up to k capsules with cosine similarity >= minSim
	// to the probe embedding, most similar first.
	FindSimilar(ctx context.Context, embedding []float32, k int, minSim float64) ([]Scored, error)

	CreateEdge(ctx context.Context, e *models.SemanticEdge) error
	// EdgesFor surfaces symmetric edges regardless of which endpoint the
	// capsule is; directed edges only from their source side are still
	// returned so callers can render inbound links.
	EdgesFor(ctx context.Context, capsuleID string) ([]models.SemanticEdge, error)

	// Ancestors walks parent links breadth-first up to maxDepth and returns
	// the root..leaf path members encountered, nearest parents first.
	// maxDepth <= 0 walks the whole chain.
	Ancestors(ctx context.Context, id string, maxDepth int) ([]*models.Capsule, error)

	RunQuery(ctx context.Context, q Query) ([]map[string]any, error)

	// SaveChain persists a new cascade chain together with its current
	// events in one transaction. UpdateChain upserts chain counters and
	// appends events not yet stored, also transactionally.
	SaveChain(ctx context.Context, chain *models.CascadeChain) error
	UpdateChain(ctx context.Context, chain *models.CascadeChain) error
	GetChain(ctx context.Context, cascadeID string) (*models.CascadeChain, error)
	ListChains(ctx context.Context, status models.CascadeStatus, before time.Time) ([]*models.CascadeChain, error)
	// PurgeChains removes completed chains older than the cutoff along with
	// their events, returning how many chains went away.
	PurgeChains(ctx context.Context, before time.Time) (int, error)

	// ListChanges feeds federation pulls. types filters to any of
	// "capsules", "edges", "deletions"; empty means all.
	ListChanges(ctx context.Context, since time.Time, types []string, limit int) (*Changes, error)

	// SeenSyncPayload and RememberSyncPayload give federation its
	// at-most-once apply keyed by payload content hash.
	SeenSyncPayload(ctx context.Context, contentHash string) (bool, error)
	RememberSyncPayload(ctx context.Context, contentHash string) error

	// SavePartitionMap checkpoints partition definitions and the
	// capsule-to-partition assignment table; LoadPartitionMap restores them
	// at startup.
	SavePartitionMap(ctx context.Context, parts []models.Partition, assignments map[string]string) error
	LoadPartitionMap(ctx context.Context) ([]models.Partition, map[string]string, error)

	// Counts reports graph size for stats surfaces.
	Counts(ctx context.Context) (capsules, edges int, err error)

	Close()
}

// wantsType reports whether the change-feed filter includes t. An empty
// filter includes everything.
func wantsType(types []string, t string) bool {
	if len(types) == 0 {
		return true
	}
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
