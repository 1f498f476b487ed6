package partition

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/metrics"
	"github.com/SunFlash12/ForgeV3-sub007/internal/store"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

func rows(ids ...string) []map[string]any {
	out := make([]map[string]any, len(ids))
	for i, id := range ids {
		out[i] = map[string]any{"id": id}
	}
	return out
}

func tableQueryFn(table map[string][]map[string]any, fail map[string]bool) QueryFunc {
	return func(_ context.Context, pid string, _ store.Query) ([]map[string]any, error) {
		if fail[pid] {
			return nil, errors.New("partition unavailable")
		}
		return table[pid], nil
	}
}

func newTestExecutor(fn QueryFunc) *Executor {
	return NewExecutor(zap.NewNop(), metrics.New(), fn, 4, time.Second)
}

func TestAggregationModes(t *testing.T) {
	table := map[string][]map[string]any{
		"p1": rows("a", "b"),
		"p2": rows("a", "c"),
	}

	tests := []struct {
		name string
		mode models.AggregationMode
		want []string
	}{
		{"union keeps routing order", models.AggUnion, []string{"a", "b", "a", "c"}},
		{"merge dedupes first-wins", models.AggMerge, []string{"a", "b", "c"}},
		{"intersect", models.AggIntersect, []string{"a"}},
		{"first", models.AggFirst, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExecutor(tableQueryFn(table, nil))
			res := e.Execute(context.Background(), []string{"p1", "p2"}, store.Query{}, tt.mode, 0)
			if res.PartitionsOK != 2 || res.PartitionsTotal != 2 {
				t.Fatalf("expected 2/2 ok, got %d/%d", res.PartitionsOK, res.PartitionsTotal)
			}
			if len(res.Rows) != len(tt.want) {
				t.Fatalf("expected %d rows, got %d", len(tt.want), len(res.Rows))
			}
			for i, want := range tt.want {
				if res.Rows[i]["id"] != want {
					t.Fatalf("row %d: expected %s, got %v", i, want, res.Rows[i]["id"])
				}
			}
		})
	}
}

func TestPartialFailureSurfacesSuccesses(t *testing.T) {
	table := map[string][]map[string]any{
		"p1": rows("a"),
		"p2": rows("b"),
	}
	e := newTestExecutor(tableQueryFn(table, map[string]bool{"p2": true}))
	res := e.Execute(context.Background(), []string{"p1", "p2"}, store.Query{}, models.AggUnion, 0)

	if res.PartitionsOK != 1 {
		t.Fatalf("expected 1 successful partition, got %d", res.PartitionsOK)
	}
	if len(res.Rows) != 1 || res.Rows[0]["id"] != "a" {
		t.Fatalf("expected the surviving partition's rows, got %v", res.Rows)
	}
	var failed *models.PartitionQueryResult
	for i := range res.PerPartition {
		if res.PerPartition[i].PartitionID == "p2" {
			failed = &res.PerPartition[i]
		}
	}
	if failed == nil || failed.Success || failed.Error == "" {
		t.Fatalf("expected p2 to report its failure, got %+v", failed)
	}
}

// Intersection counts only successful partitions: a failed partition must
// not empty the result.
func TestIntersectIgnoresFailedPartitions(t *testing.T) {
	table := map[string][]map[string]any{
		"p1": rows("a", "b"),
		"p2": rows("a", "c"),
	}
	e := newTestExecutor(tableQueryFn(table, map[string]bool{"p3": true}))
	res := e.Execute(context.Background(), []string{"p1", "p2", "p3"}, store.Query{}, models.AggIntersect, 0)
	if len(res.Rows) != 1 || res.Rows[0]["id"] != "a" {
		t.Fatalf("expected [a], got %v", res.Rows)
	}
}

func TestExecutorTimeout(t *testing.T) {
	slow := func(ctx context.Context, pid string, _ store.Query) ([]map[string]any, error) {
		select {
		case <-time.After(5 * time.Second):
			return rows("late"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e := newTestExecutor(slow)
	res := e.Execute(context.Background(), []string{"p1"}, store.Query{}, models.AggUnion, 50*time.Millisecond)
	if res.PartitionsOK != 0 {
		t.Fatal("timed-out partition must not count as successful")
	}
	if len(res.Rows) != 0 {
		t.Fatalf("expected no rows, got %v", res.Rows)
	}
}

func TestRunningAverage(t *testing.T) {
	e := newTestExecutor(tableQueryFn(nil, nil))
	e.recordSample(10)
	e.recordSample(20)
	e.recordSample(30)
	if got := e.AverageLatencyMS(); got != 20 {
		t.Fatalf("expected running average 20, got %v", got)
	}
}
