// Package eventbus publishes domain events to the persisted event log and
// fans them out to in-process subscribers.
//
// Publish is durable-first: the event row is written before any subscriber
// sees it. Fan-out is at-least-once with respect to live subscribers and
// never blocks on a slow consumer; each subscriber owns a bounded queue
// and overflow is dropped with an explicit outcome. Subscribers needing
// completeness must catch up from the event log.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/opscore/internal/domain"
)

// ErrPublishFailed wraps store errors after the bounded retry is exhausted.
var ErrPublishFailed = errors.New("event publish failed")

var publishBackoff = []time.Duration{
	0,
	250 * time.Millisecond,
	time.Second,
	4 * time.Second,
}

const maxPublishAttempts = 4

// DefaultQueueSize is the per-subscriber queue capacity.
const DefaultQueueSize = 64

// Delivery outcomes for metrics and logging.
const (
	OutcomeDelivered = "delivered"
	OutcomeDropped   = "dropped"
)

type Store interface {
	InsertEvent(ctx context.Context, event domain.DomainEvent) error
}

// MetricsSink records bus metrics. All methods are fire-and-forget.
type MetricsSink interface {
	EventPublished(eventDomain string)
	PublishError()
	SubscriberDelivery(outcome string)
	SubscriberCount(count int)
}

// Handler is invoked once per matching event, on the subscription's own
// goroutine. It must not block indefinitely; events queue behind it.
type Handler func(event domain.DomainEvent)

// Filter scopes a subscription. Zero value matches everything; EventType
// takes precedence over Domain when both are set.
type Filter struct {
	Domain    string
	EventType string
}

func (f Filter) Matches(e domain.DomainEvent) bool {
	if f.EventType != "" {
		return e.EventType == f.EventType
	}
	if f.Domain != "" {
		return e.Domain == f.Domain
	}
	return true
}

// key identifies the shared fan-out registration for a filter. All
// subscriptions with an equal filter hang off one registry entry.
func (f Filter) key() string {
	return f.Domain + "|" + f.EventType
}

type subscriber struct {
	id      uuid.UUID
	filter  Filter
	queue   chan domain.DomainEvent
	done    chan struct{}
	once    sync.Once
	handler Handler
}

// Subscription is the cancellation handle returned by Subscribe.
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// Unsubscribe detaches the listener and stops its delivery goroutine.
// Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.sub)
}

// Bus is the domain event bus. Safe for concurrent use.
type Bus struct {
	store     Store
	metrics   MetricsSink // optional, nil = disabled
	queueSize int
	backoff   []time.Duration
	clock     func() time.Time

	mu   sync.RWMutex
	subs map[string][]*subscriber // keyed by filter key
}

type Option func(*Bus)

// WithMetrics attaches a metrics sink.
func WithMetrics(sink MetricsSink) Option {
	return func(b *Bus) { b.metrics = sink }
}

// WithQueueSize overrides the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(b *Bus) { b.clock = clock }
}

func New(store Store, opts ...Option) *Bus {
	b := &Bus{
		store:     store,
		queueSize: DefaultQueueSize,
		backoff:   publishBackoff,
		clock:     time.Now,
		subs:      make(map[string][]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish assigns identity and timestamp, persists the event to the log
// (with bounded retry on store errors), then fans it out to live
// subscribers. Fan-out never fails Publish: delivery to subscribers is
// at-least-once for live listeners, not acknowledged.
func (b *Bus) Publish(ctx context.Context, userID string, input domain.EventInput) (domain.DomainEvent, error) {
	if input.EventType == "" {
		return domain.DomainEvent{}, fmt.Errorf("%w: event type is required", ErrPublishFailed)
	}
	if err := domain.ValidatePayload(input.EventType, input.Payload); err != nil {
		return domain.DomainEvent{}, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	event := domain.DomainEvent{
		ID:            uuid.New(),
		EventType:     input.EventType,
		Domain:        domain.EventDomain(input.EventType),
		AggregateID:   input.AggregateID,
		Payload:       input.Payload,
		UserID:        userID,
		CorrelationID: input.CorrelationID,
		CausationID:   input.CausationID,
		CreatedAt:     b.clock().UTC(),
	}

	if err := b.insertWithRetry(ctx, event); err != nil {
		if b.metrics != nil {
			b.metrics.PublishError()
		}
		return domain.DomainEvent{}, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	if b.metrics != nil {
		b.metrics.EventPublished(event.Domain)
	}

	b.fanOut(event)
	return event, nil
}

func (b *Bus) insertWithRetry(ctx context.Context, event domain.DomainEvent) error {
	var lastErr error
	for attempt := 1; attempt <= maxPublishAttempts; attempt++ {
		if attempt > 1 {
			idx := attempt - 1
			if idx >= len(b.backoff) {
				idx = len(b.backoff) - 1
			}
			timer := time.NewTimer(b.backoff[idx])
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err := b.store.InsertEvent(ctx, event); err != nil {
			lastErr = err
			log.Printf("eventbus: insert attempt=%d type=%s err=%v", attempt, event.EventType, err)
			continue
		}
		return nil
	}
	return lastErr
}

// fanOut delivers to every matching subscriber's queue without blocking.
// A full queue means the subscriber is too slow; the event is dropped for
// that subscriber only.
func (b *Bus) fanOut(event domain.DomainEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, subs := range b.subs {
		for _, sub := range subs {
			if !sub.filter.Matches(event) {
				continue
			}
			select {
			case sub.queue <- event:
				if b.metrics != nil {
					b.metrics.SubscriberDelivery(OutcomeDelivered)
				}
			default:
				if b.metrics != nil {
					b.metrics.SubscriberDelivery(OutcomeDropped)
				}
				log.Printf("eventbus: dropped event=%s type=%s for slow subscriber=%s",
					event.ID, event.EventType, sub.id)
			}
		}
	}
}

// Subscribe registers a handler for events matching filter and returns a
// cancellation handle. The handler runs on a dedicated goroutine fed by a
// bounded queue; it is invoked once per matching published event, in queue
// order for this subscriber. No global ordering is promised.
func (b *Bus) Subscribe(filter Filter, handler Handler) *Subscription {
	sub := &subscriber{
		id:      uuid.New(),
		filter:  filter,
		queue:   make(chan domain.DomainEvent, b.queueSize),
		done:    make(chan struct{}),
		handler: handler,
	}

	b.mu.Lock()
	key := filter.key()
	b.subs[key] = append(b.subs[key], sub)
	count := b.subscriberCount()
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SubscriberCount(count)
	}

	go sub.run()
	return &Subscription{bus: b, sub: sub}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.queue:
			s.handler(event)
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	key := sub.filter.key()
	subs := b.subs[key]
	for i, candidate := range subs {
		if candidate.id == sub.id {
			b.subs[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	// Tear down the registry entry when its last listener detaches.
	if len(b.subs[key]) == 0 {
		delete(b.subs, key)
	}
	count := b.subscriberCount()
	b.mu.Unlock()

	sub.stop()
	if b.metrics != nil {
		b.metrics.SubscriberCount(count)
	}
}

// subscriberCount must be called with b.mu held.
func (b *Bus) subscriberCount() int {
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Close detaches all subscribers. Publish after Close still persists
// events; they are simply not fanned out.
func (b *Bus) Close() {
	b.mu.Lock()
	var all []*subscriber
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*subscriber)
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	if b.metrics != nil {
		b.metrics.SubscriberCount(0)
	}
}
