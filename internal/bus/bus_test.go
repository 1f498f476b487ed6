package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/metrics"
)

func newTestBus(buffer, concurrency int) *Bus {
	return New(zap.NewNop(), metrics.New(), buffer, concurrency)
}

func TestPerSubscriberOrdering(t *testing.T) {
	b := newTestBus(256, 4)
	var mu sync.Mutex
	var got []int

	b.Subscribe("order-check", func(_ context.Context, ev Event) {
		mu.Lock()
		got = append(got, ev.Payload["seq"].(int))
		mu.Unlock()
	})

	const n = 100
	for i := 0; i < n; i++ {
		b.Publish(NewEvent(CapsuleCreated, map[string]any{"seq": i}))
	}
	b.Close()

	if len(got) != n {
		t.Fatalf("expected %d events, got %d", n, len(got))
	}
	for i, seq := range got {
		if seq != i {
			t.Fatalf("delivery out of order at %d: got seq %d", i, seq)
		}
	}
}

func TestTypeFiltering(t *testing.T) {
	b := newTestBus(16, 2)
	var mu sync.Mutex
	var seen []EventType

	b.Subscribe("created-only", func(_ context.Context, ev Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	}, CapsuleCreated)

	b.Publish(NewEvent(CapsuleCreated, nil))
	b.Publish(NewEvent(CapsuleDeleted, nil))
	b.Publish(NewEvent(CascadeStarted, nil))
	b.Publish(NewEvent(CapsuleCreated, nil))
	b.Close()

	if len(seen) != 2 {
		t.Fatalf("expected 2 filtered events, got %d: %v", len(seen), seen)
	}
	for _, typ := range seen {
		if typ != CapsuleCreated {
			t.Fatalf("filter leaked event type %s", typ)
		}
	}
}

func TestPanicIsolation(t *testing.T) {
	b := newTestBus(16, 2)
	var mu sync.Mutex
	healthyCount := 0

	b.Subscribe("panicky", func(_ context.Context, _ Event) {
		panic("handler bug")
	})
	b.Subscribe("healthy", func(_ context.Context, _ Event) {
		mu.Lock()
		healthyCount++
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		b.Publish(NewEvent(CapsuleUpdated, nil))
	}
	b.Close()

	if healthyCount != 5 {
		t.Fatalf("healthy subscriber should receive all events, got %d", healthyCount)
	}
}

func TestFanOutToAllSubscribers(t *testing.T) {
	b := newTestBus(16, 4)
	var mu sync.Mutex
	counts := map[string]int{}

	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("sub-%d", i)
		b.Subscribe(name, func(_ context.Context, _ Event) {
			mu.Lock()
			counts[name]++
			mu.Unlock()
		})
	}

	b.Publish(NewEvent(ToolCall, nil))
	b.Close()

	for name, n := range counts {
		if n != 1 {
			t.Fatalf("subscriber %s received %d events, expected 1", name, n)
		}
	}
	if len(counts) != 3 {
		t.Fatalf("expected all 3 subscribers to fire, got %d", len(counts))
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := newTestBus(1, 1)
	started := make(chan struct{})
	gate := make(chan struct{})
	var mu sync.Mutex
	received := 0

	b.Subscribe("slow", func(_ context.Context, _ Event) {
		mu.Lock()
		received++
		first := received == 1
		mu.Unlock()
		if first {
			close(started)
			<-gate
		}
	})

	b.Publish(NewEvent(CapsuleCreated, map[string]any{"n": 1}))
	<-started // handler busy, queue empty
	b.Publish(NewEvent(CapsuleCreated, map[string]any{"n": 2})) // buffered
	b.Publish(NewEvent(CapsuleCreated, map[string]any{"n": 3})) // dropped
	close(gate)
	b.Close()

	if received != 2 {
		t.Fatalf("expected 2 delivered events (1 in flight + 1 buffered), got %d", received)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(16, 2)
	var mu sync.Mutex
	n := 0

	cancel := b.Subscribe("short-lived", func(_ context.Context, _ Event) {
		mu.Lock()
		n++
		mu.Unlock()
	})

	b.Publish(NewEvent(CapsuleCreated, nil))
	// give the drain goroutine a moment before cutting the subscription
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := n == 1
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first event never delivered")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	cancel() // second call must be a no-op
	b.Publish(NewEvent(CapsuleCreated, nil))
	b.Close()

	if n != 1 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", n)
	}
}

func TestPublishFillsCorrelationID(t *testing.T) {
	b := newTestBus(16, 2)
	got := make(chan string, 1)

	b.Subscribe("corr", func(_ context.Context, ev Event) {
		got <- ev.CorrelationID
	})
	b.Publish(Event{Type: CapsuleCreated})
	b.Close()

	if id := <-got; id == "" {
		t.Fatalf("expected a generated correlation id")
	}
}

func TestCloseIdempotent(t *testing.T) {
	b := newTestBus(4, 1)
	b.Subscribe("noop", func(_ context.Context, _ Event) {})
	b.Close()
	b.Close()
	b.Publish(NewEvent(CapsuleCreated, nil)) // must not panic
}
