// Package bus is the engine's in-process pub/sub fabric. Components publish
// typed events; subscribers receive them on their own buffered channel
// drained by a dedicated goroutine, so per-subscriber delivery order matches
// publication order and one slow or failing handler never blocks another's.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/metrics"
)

// EventType names a concrete event the bus can carry.
type EventType string

const (
	CapsuleCreated EventType = "capsule.created"
	CapsuleUpdated EventType = "capsule.updated"
	CapsuleDeleted EventType = "capsule.deleted"

	CascadeStarted   EventType = "cascade.started"
	CascadeCompleted EventType = "cascade.completed"

	OverlayActivated   EventType = "overlay.activated"
	OverlayDeactivated EventType = "overlay.deactivated"
	OverlayDegraded    EventType = "overlay.degraded"

	ToolCall EventType = "tool.call"
)

// Event is one message on the bus. CorrelationID ties together everything a
// single trigger caused, across cascades and handlers.
type Event struct {
	Type          EventType      `json:"type"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an event with a fresh correlation id.
func NewEvent(t EventType, payload map[string]any) Event {
	return Event{
		Type:          t,
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// Handler consumes one event on its subscriber's drain goroutine.
type Handler func(ctx context.Context, ev Event)

type subscriber struct {
	id      string
	types   map[EventType]bool // nil means all types
	ch      chan Event
	handler Handler
}

func (s *subscriber) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

// Bus fans events out to subscribers.
type Bus struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	buffer int
	sem    chan struct{} // bounds handlers running at once across subscribers
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a bus. bufferSize is the per-subscriber queue depth;
// maxConcurrent bounds handlers running simultaneously across all
// subscriptions.
func New(logger *zap.Logger, m *metrics.Metrics, bufferSize, maxConcurrent int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	if maxConcurrent < 1 {
		maxConcurrent = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger:  logger.Named("bus"),
		metrics: m,
		subs:    make(map[string]*subscriber),
		buffer:  bufferSize,
		sem:     make(chan struct{}, maxConcurrent),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Subscribe registers a handler for the given event types (none means all).
// The returned function cancels the subscription and is safe to call twice.
func (b *Bus) Subscribe(id string, handler Handler, types ...EventType) func() {
	sub := &subscriber{
		id:      id,
		ch:      make(chan Event, b.buffer),
		handler: handler,
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[sub.id]; ok {
				delete(b.subs, sub.id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
}

// drain delivers events to one subscriber in publication order. Panics in
// the handler are contained here so a broken subscriber cannot take down
// its siblings or the publisher.
func (b *Bus) drain(sub *subscriber) {
	defer b.wg.Done()
	for ev := range sub.ch {
		b.sem <- struct{}{}
		func() {
			defer func() {
				<-b.sem
				if r := recover(); r != nil {
					b.logger.Error("subscriber handler panicked",
						zap.String("subscriber", sub.id),
						zap.String("event", string(ev.Type)),
						zap.Any("panic", r))
				}
			}()
			sub.handler(b.ctx, ev)
		}()
	}
}

// Publish fans the event out to every matching subscriber. A full
// subscriber queue drops the event for that subscriber only, with a metric
// increment; delivery to the others proceeds.
func (b *Bus) Publish(ev Event) {
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.metrics.BusPublished.WithLabelValues(string(ev.Type)).Inc()
	for _, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.metrics.BusDropped.WithLabelValues(string(ev.Type)).Inc()
			b.logger.Warn("dropping event for slow subscriber",
				zap.String("subscriber", sub.id),
				zap.String("event", string(ev.Type)))
		}
	}
}

// Close stops the bus and waits for in-flight handlers to return.
// Subsequent publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.cancel()
}
