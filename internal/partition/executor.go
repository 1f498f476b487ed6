package partition

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SunFlash12/ForgeV3-sub007/internal/metrics"
	"github.com/SunFlash12/ForgeV3-sub007/internal/store"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// QueryFunc executes a query against one partition. The engine binds this
// to the graph store with the partition's assignment filter as a bound
// parameter.
type QueryFunc func(ctx context.Context, partitionID string, q store.Query) ([]map[string]any, error)

// Executor fans a query out across a routed partition set with bounded
// concurrency and an overall deadline, then aggregates per the mode.
type Executor struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	queryFn QueryFunc

	maxParallel    int
	defaultTimeout time.Duration

	statMu  sync.Mutex
	queries int64
	avgMS   float64
}

// NewExecutor builds an executor.
func NewExecutor(logger *zap.Logger, m *metrics.Metrics, queryFn QueryFunc,
	maxParallel int, defaultTimeout time.Duration) *Executor {
	if maxParallel < 1 {
		maxParallel = 8
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Executor{
		logger:         logger.Named("executor"),
		metrics:        m,
		queryFn:        queryFn,
		maxParallel:    maxParallel,
		defaultTimeout: defaultTimeout,
	}
}

// Execute runs the query on every routed partition. timeout <= 0 uses the
// executor default. Partial failure is normal: timed-out or failed
// partitions surface as unsuccessful results and the aggregate carries
// whatever succeeded.
func (e *Executor) Execute(ctx context.Context, partitionIDs []string, q store.Query,
	mode models.AggregationMode, timeout time.Duration) *models.CrossPartitionResult {

	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	perPartition := make([]models.PartitionQueryResult, len(partitionIDs))

	g := new(errgroup.Group)
	g.SetLimit(e.maxParallel)
	for i, pid := range partitionIDs {
		i, pid := i, pid
		g.Go(func() error {
			t0 := time.Now()
			rows, err := e.queryFn(ctx, pid, q)
			res := models.PartitionQueryResult{
				PartitionID: pid,
				ElapsedMS:   time.Since(t0).Milliseconds(),
			}
			if err != nil {
				res.Error = err.Error()
			} else {
				res.Success = true
				res.Rows = rows
			}
			perPartition[i] = res
			return nil
		})
	}
	_ = g.Wait()

	out := &models.CrossPartitionResult{
		PerPartition:    perPartition,
		PartitionsTotal: len(partitionIDs),
		ElapsedMS:       time.Since(started).Milliseconds(),
	}
	for _, r := range perPartition {
		if r.Success {
			out.PartitionsOK++
		}
	}
	out.Rows = aggregate(perPartition, mode)

	e.metrics.CrossPartitionQueries.WithLabelValues(string(mode)).Inc()
	e.metrics.CrossPartitionLatency.Observe(time.Since(started).Seconds())
	e.recordSample(float64(out.ElapsedMS))
	return out
}

// recordSample maintains the running average latency:
// avg = (avg*(n-1) + sample) / n.
func (e *Executor) recordSample(sampleMS float64) {
	e.statMu.Lock()
	defer e.statMu.Unlock()
	e.queries++
	e.avgMS = (e.avgMS*float64(e.queries-1) + sampleMS) / float64(e.queries)
}

// AverageLatencyMS reports the running average across all executions.
func (e *Executor) AverageLatencyMS() float64 {
	e.statMu.Lock()
	defer e.statMu.Unlock()
	return e.avgMS
}

// aggregate combines successful partition results. Routing order is
// preserved: perPartition is indexed by the routed order.
func aggregate(perPartition []models.PartitionQueryResult, mode models.AggregationMode) []map[string]any {
	switch mode {
	case models.AggMerge:
		seen := make(map[string]bool)
		var out []map[string]any
		for _, r := range perPartition {
			if !r.Success {
				continue
			}
			for _, row := range r.Rows {
				id := rowID(row)
				if id != "" && seen[id] {
					continue
				}
				if id != "" {
					seen[id] = true
				}
				out = append(out, row)
			}
		}
		return out

	case models.AggIntersect:
		var successful []models.PartitionQueryResult
		for _, r := range perPartition {
			if r.Success {
				successful = append(successful, r)
			}
		}
		if len(successful) == 0 {
			return nil
		}
		counts := make(map[string]int)
		for _, r := range successful {
			inThis := make(map[string]bool)
			for _, row := range r.Rows {
				id := rowID(row)
				if id != "" && !inThis[id] {
					inThis[id] = true
					counts[id]++
				}
			}
		}
		var out []map[string]any
		emitted := make(map[string]bool)
		for _, row := range successful[0].Rows {
			id := rowID(row)
			if id != "" && counts[id] == len(successful) && !emitted[id] {
				emitted[id] = true
				out = append(out, row)
			}
		}
		return out

	case models.AggFirst:
		for _, r := range perPartition {
			if r.Success && len(r.Rows) > 0 {
				return r.Rows[:1]
			}
		}
		return nil

	default: // UNION
		var out []map[string]any
		for _, r := range perPartition {
			if r.Success {
				out = append(out, r.Rows...)
			}
		}
		return out
	}
}

// rowID extracts the dedup key: "id" first, "capsule_id" as fallback.
func rowID(row map[string]any) string {
	if id, ok := row["id"].(string); ok {
		return id
	}
	if id, ok := row["capsule_id"].(string); ok {
		return id
	}
	return ""
}
