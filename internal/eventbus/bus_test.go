package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/opscore/internal/domain"
)

// mockStore records inserted events and can fail a configurable number of
// times before succeeding.
type mockStore struct {
	mu        sync.Mutex
	events    []domain.DomainEvent
	failCount int
}

func (s *mockStore) InsertEvent(ctx context.Context, event domain.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCount > 0 {
		s.failCount--
		return errors.New("store unavailable")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *mockStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// collector accumulates events delivered to a handler.
type collector struct {
	mu     sync.Mutex
	events []domain.DomainEvent
	seen   chan struct{}
}

func newCollector(capacity int) *collector {
	return &collector{seen: make(chan struct{}, capacity)}
}

func (c *collector) handle(event domain.DomainEvent) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	c.seen <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestPublish_PersistsAndFillsIdentity(t *testing.T) {
	store := &mockStore{}
	bus := New(store)
	defer bus.Close()

	event, err := bus.Publish(context.Background(), "u1", domain.EventInput{
		EventType:   "maintenance.request.created",
		AggregateID: "req-1",
		Payload:     json.RawMessage(`{"title":"leaky pipe"}`),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if event.ID == uuid.Nil {
		t.Error("event ID not assigned")
	}
	if event.Domain != "maintenance" {
		t.Errorf("domain = %q, want maintenance", event.Domain)
	}
	if event.UserID != "u1" {
		t.Errorf("user id = %q, want u1", event.UserID)
	}
	if event.CreatedAt.IsZero() {
		t.Error("timestamp not assigned")
	}
	if store.eventCount() != 1 {
		t.Errorf("stored %d events, want 1", store.eventCount())
	}
}

func TestPublish_EmptyTypeRejected(t *testing.T) {
	bus := New(&mockStore{})
	defer bus.Close()

	_, err := bus.Publish(context.Background(), "u1", domain.EventInput{})
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("err = %v, want ErrPublishFailed", err)
	}
}

func TestPublish_RetriesTransientStoreErrors(t *testing.T) {
	store := &mockStore{failCount: 2}
	bus := New(store)
	bus.backoff = []time.Duration{0, time.Millisecond, time.Millisecond, time.Millisecond}
	defer bus.Close()

	_, err := bus.Publish(context.Background(), "u1", domain.EventInput{
		EventType: "maintenance.request.created",
	})
	if err != nil {
		t.Fatalf("publish should succeed after retries: %v", err)
	}
	if store.eventCount() != 1 {
		t.Errorf("stored %d events, want 1", store.eventCount())
	}
}

func TestPublish_BoundedRetryThenFails(t *testing.T) {
	store := &mockStore{failCount: 100}
	bus := New(store)
	bus.backoff = []time.Duration{0, time.Millisecond, time.Millisecond, time.Millisecond}
	defer bus.Close()

	_, err := bus.Publish(context.Background(), "u1", domain.EventInput{
		EventType: "maintenance.request.created",
	})
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("err = %v, want ErrPublishFailed", err)
	}
}

func TestSubscribe_FilterByDomainAndType(t *testing.T) {
	bus := New(&mockStore{})
	defer bus.Close()

	byDomain := newCollector(8)
	byType := newCollector(8)
	all := newCollector(8)

	bus.Subscribe(Filter{Domain: "maintenance"}, byDomain.handle)
	bus.Subscribe(Filter{EventType: "procurement.order.approved"}, byType.handle)
	bus.Subscribe(Filter{}, all.handle)

	ctx := context.Background()
	mustPublish(t, bus, ctx, "maintenance.request.created")
	mustPublish(t, bus, ctx, "procurement.order.approved")
	mustPublish(t, bus, ctx, "visitor.checkin.recorded")

	byDomain.wait(t, 1)
	byType.wait(t, 1)
	all.wait(t, 3)

	if byDomain.count() != 1 {
		t.Errorf("domain filter saw %d events, want 1", byDomain.count())
	}
	if byType.count() != 1 {
		t.Errorf("type filter saw %d events, want 1", byType.count())
	}
	if all.count() != 3 {
		t.Errorf("catch-all saw %d events, want 3", all.count())
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	bus := New(&mockStore{})
	defer bus.Close()

	c := newCollector(8)
	sub := bus.Subscribe(Filter{Domain: "maintenance"}, c.handle)

	ctx := context.Background()
	mustPublish(t, bus, ctx, "maintenance.request.created")
	c.wait(t, 1)

	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	mustPublish(t, bus, ctx, "maintenance.request.created")
	time.Sleep(50 * time.Millisecond)

	if c.count() != 1 {
		t.Errorf("saw %d events after unsubscribe, want 1", c.count())
	}
}

func TestSharedFilterKey_IndependentQueues(t *testing.T) {
	bus := New(&mockStore{})
	defer bus.Close()

	a := newCollector(8)
	b := newCollector(8)
	subA := bus.Subscribe(Filter{Domain: "maintenance"}, a.handle)
	bus.Subscribe(Filter{Domain: "maintenance"}, b.handle)

	ctx := context.Background()
	mustPublish(t, bus, ctx, "maintenance.request.created")
	a.wait(t, 1)
	b.wait(t, 1)

	// Detaching one listener must not tear down the other.
	subA.Unsubscribe()
	mustPublish(t, bus, ctx, "maintenance.request.created")
	b.wait(t, 1)

	if a.count() != 1 {
		t.Errorf("a saw %d events, want 1", a.count())
	}
	if b.count() != 2 {
		t.Errorf("b saw %d events, want 2", b.count())
	}
}

func TestSlowSubscriber_DropsInsteadOfBlocking(t *testing.T) {
	bus := New(&mockStore{}, WithQueueSize(1))
	defer bus.Close()

	block := make(chan struct{})
	var mu sync.Mutex
	handled := 0

	bus.Subscribe(Filter{Domain: "maintenance"}, func(event domain.DomainEvent) {
		<-block
		mu.Lock()
		handled++
		mu.Unlock()
	})

	ctx := context.Background()
	// First event occupies the handler, second fills the queue, the rest
	// must be dropped without stalling Publish.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			mustPublish(t, bus, ctx, "maintenance.request.created")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	close(block)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if handled > 2 {
		t.Errorf("handled %d events, want at most 2 (rest dropped)", handled)
	}
}

func mustPublish(t *testing.T, bus *Bus, ctx context.Context, eventType string) {
	t.Helper()
	if _, err := bus.Publish(ctx, "tester", domain.EventInput{EventType: eventType}); err != nil {
		t.Fatalf("publish %s: %v", eventType, err)
	}
}
