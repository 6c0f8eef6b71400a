package sla

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/opscore/internal/domain"
	"github.com/facilityops/opscore/internal/testutil"
)

// mockSLAStore tracks work items and breach records with the same dedup
// semantics as the real table: unique on (request_id, sla_breach_at).
type mockSLAStore struct {
	mu      sync.Mutex
	items   map[uuid.UUID]*domain.WorkItem
	records map[string]domain.SLABreachRecord
}

func newMockSLAStore() *mockSLAStore {
	return &mockSLAStore{
		items:   make(map[uuid.UUID]*domain.WorkItem),
		records: make(map[string]domain.SLABreachRecord),
	}
}

func dedupKey(requestID uuid.UUID, breachAt time.Time) string {
	return requestID.String() + "|" + breachAt.UTC().Format(time.RFC3339Nano)
}

func (s *mockSLAStore) addItem(item domain.WorkItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := item
	s.items[item.ID] = &copied
}

func (s *mockSLAStore) GetBreachedItems(ctx context.Context, now time.Time, limit int) ([]domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.WorkItem
	for _, item := range s.items {
		if len(out) >= limit {
			break
		}
		if item.Status.IsTerminal() || item.SLABreachAt == nil {
			continue
		}
		if item.SLABreachAt.After(now) {
			continue
		}
		if _, escalated := s.records[dedupKey(item.ID, *item.SLABreachAt)]; escalated {
			continue
		}
		out = append(out, *item)
	}
	return out, nil
}

func (s *mockSLAStore) InsertBreachRecord(ctx context.Context, record domain.SLABreachRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey(record.RequestID, record.SLABreachAt)
	if _, exists := s.records[key]; exists {
		return ErrDuplicateBreach
	}
	s.records[key] = record
	return nil
}

func (s *mockSLAStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type mockPublisher struct {
	mu     sync.Mutex
	events []domain.EventInput
}

func (p *mockPublisher) Publish(ctx context.Context, userID string, input domain.EventInput) (domain.DomainEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, input)
	return domain.DomainEvent{ID: uuid.New()}, nil
}

func (p *mockPublisher) eventCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func breachedItem(breachAt time.Time) domain.WorkItem {
	return domain.WorkItem{
		ID:          uuid.New(),
		Title:       "overdue elevator inspection",
		Domain:      "maintenance",
		Status:      domain.WorkItemStatusInProgress,
		SLABreachAt: &breachAt,
	}
}

func TestRunCheck_EscalatesOncePerBreach(t *testing.T) {
	store := newMockSLAStore()
	pub := &mockPublisher{}
	clock := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	checker := NewChecker(store, pub).WithClock(clock.Now)

	store.addItem(breachedItem(clock.Now().Add(-5 * time.Minute)))
	ctx := testutil.TestContext(t)

	result, err := checker.RunCheck(ctx)
	if err != nil {
		t.Fatalf("run check: %v", err)
	}
	if result.BreachesFound != 1 {
		t.Fatalf("breaches = %d, want 1", result.BreachesFound)
	}
	if store.recordCount() != 1 {
		t.Fatalf("records = %d, want 1", store.recordCount())
	}
	if pub.eventCount() != 1 {
		t.Fatalf("events = %d, want 1", pub.eventCount())
	}

	// Idempotent: immediate re-run creates nothing.
	again, err := checker.RunCheck(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if again.BreachesFound != 0 {
		t.Errorf("second run breaches = %d, want 0", again.BreachesFound)
	}
	if store.recordCount() != 1 {
		t.Errorf("records after re-run = %d, want 1", store.recordCount())
	}
	if pub.eventCount() != 1 {
		t.Errorf("events after re-run = %d, want 1", pub.eventCount())
	}
}

func TestRunCheck_SkipsTerminalAndFutureItems(t *testing.T) {
	store := newMockSLAStore()
	pub := &mockPublisher{}
	clock := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	checker := NewChecker(store, pub).WithClock(clock.Now)

	past := clock.Now().Add(-time.Hour)
	future := clock.Now().Add(time.Hour)

	completed := breachedItem(past)
	completed.Status = domain.WorkItemStatusCompleted
	store.addItem(completed)

	cancelled := breachedItem(past)
	cancelled.Status = domain.WorkItemStatusCancelled
	store.addItem(cancelled)

	notYet := breachedItem(future)
	store.addItem(notYet)

	noDeadline := breachedItem(past)
	noDeadline.SLABreachAt = nil
	store.addItem(noDeadline)

	result, err := checker.RunCheck(testutil.TestContext(t))
	if err != nil {
		t.Fatalf("run check: %v", err)
	}
	if result.BreachesFound != 0 {
		t.Errorf("breaches = %d, want 0", result.BreachesFound)
	}
}

func TestRunCheck_NewWindowIsNewBreachInstance(t *testing.T) {
	store := newMockSLAStore()
	pub := &mockPublisher{}
	clock := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	checker := NewChecker(store, pub).WithClock(clock.Now)
	ctx := testutil.TestContext(t)

	item := breachedItem(clock.Now().Add(-time.Minute))
	store.addItem(item)

	if _, err := checker.RunCheck(ctx); err != nil {
		t.Fatalf("first check: %v", err)
	}

	// The item is fixed into a new SLA window, then breaches again.
	clock.Advance(2 * time.Hour)
	newDeadline := clock.Now().Add(-time.Minute)
	store.mu.Lock()
	store.items[item.ID].SLABreachAt = &newDeadline
	store.mu.Unlock()

	result, err := checker.RunCheck(ctx)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if result.BreachesFound != 1 {
		t.Fatalf("new window breaches = %d, want 1", result.BreachesFound)
	}
	if store.recordCount() != 2 {
		t.Errorf("records = %d, want 2 (one per breach instance)", store.recordCount())
	}

	// Same window again: no-op.
	if again, _ := checker.RunCheck(ctx); again.BreachesFound != 0 {
		t.Errorf("re-run breaches = %d, want 0", again.BreachesFound)
	}
}

func TestComputePenalty(t *testing.T) {
	tests := []struct {
		name    string
		overdue time.Duration
		want    int64
	}{
		{"just breached", 5 * time.Minute, 5000},
		{"one hour", time.Hour, 6000},
		{"three and a half hours", 3*time.Hour + 30*time.Minute, 8000},
		{"capped", 100 * time.Hour, 50000},
		{"negative clamps to base", -time.Minute, 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputePenalty(tt.overdue); got != tt.want {
				t.Errorf("ComputePenalty(%s) = %d, want %d", tt.overdue, got, tt.want)
			}
		})
	}
}
