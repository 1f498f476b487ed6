package partition

import (
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Predicates are the query attributes the router inspects.
type Predicates struct {
	CapsuleID  string
	DomainTags []string
	UserID     string
}

// Route is the router's verdict: which partitions a query must touch.
type Route struct {
	Scope        models.QueryScope
	PartitionIDs []string
}

// Router turns predicates into a partition set using the manager's state.
type Router struct {
	manager *Manager
}

// NewRouter builds a router over the manager.
func NewRouter(m *Manager) *Router {
	return &Router{manager: m}
}

// Route inspects the predicates most-specific first: a capsule id pins the
// query to its assigned partition; domain tags and user id narrow to the
// listing partitions; anything else fans out to every active partition.
func (r *Router) Route(p Predicates) Route {
	if p.CapsuleID != "" {
		if pid, ok := r.manager.PartitionFor(p.CapsuleID); ok {
			return Route{Scope: models.ScopeSingle, PartitionIDs: []string{pid}}
		}
		// Unassigned capsule: fall through to a global scan rather than
		// returning nothing.
	}

	if len(p.DomainTags) > 0 {
		ids := r.partitionsMatching(func(part *models.Partition) bool {
			for _, want := range p.DomainTags {
				for _, have := range part.DomainTags {
					if want == have {
						return true
					}
				}
			}
			return false
		})
		if len(ids) == 1 {
			return Route{Scope: models.ScopeSingle, PartitionIDs: ids}
		}
		if len(ids) > 1 {
			return Route{Scope: models.ScopeMulti, PartitionIDs: ids}
		}
	}

	if p.UserID != "" {
		ids := r.partitionsMatching(func(part *models.Partition) bool {
			for _, u := range part.UserIDs {
				if u == p.UserID {
					return true
				}
			}
			return false
		})
		if len(ids) == 1 {
			return Route{Scope: models.ScopeSingle, PartitionIDs: ids}
		}
		if len(ids) > 1 {
			return Route{Scope: models.ScopeMulti, PartitionIDs: ids}
		}
	}

	return Route{Scope: models.ScopeGlobal, PartitionIDs: r.activePartitionIDs()}
}

func (r *Router) partitionsMatching(match func(*models.Partition) bool) []string {
	r.manager.mu.RLock()
	defer r.manager.mu.RUnlock()
	var ids []string
	for _, id := range r.manager.sortedPartitionIDsLocked() {
		part := r.manager.partitions[id]
		if part.State == models.PartitionActive && match(part) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Router) activePartitionIDs() []string {
	return r.partitionsMatching(func(*models.Partition) bool { return true })
}
