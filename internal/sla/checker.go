// Package sla detects work items that missed their committed deadline and
// escalates each breach exactly once.
//
// Escalation dedups on (request_id, sla_breach_at): a work item re-opened
// into a new SLA window that breaches again is a new breach instance. The
// dedup is enforced twice, by the scan query (which skips already-escalated
// items) and by a unique index on the breach table as the backstop under
// concurrent checkers.
package sla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/opscore/internal/domain"
)

// ErrDuplicateBreach is returned by the store when a breach record for the
// same (request_id, sla_breach_at) already exists.
var ErrDuplicateBreach = errors.New("breach already escalated")

// SeverityCritical is carried on every escalation event.
const SeverityCritical = "critical"

// Penalty rule: a flat base plus an hourly component, capped. Deterministic
// so re-derived amounts always agree with the stored record.
const (
	penaltyBaseCents    = 5000
	penaltyPerHourCents = 1000
	penaltyCapCents     = 50000
)

type Store interface {
	// GetBreachedItems returns non-terminal work items whose sla_breach_at
	// is at or before now and which have no breach record for that exact
	// deadline yet.
	GetBreachedItems(ctx context.Context, now time.Time, limit int) ([]domain.WorkItem, error)

	// InsertBreachRecord MUST return ErrDuplicateBreach when a record for
	// (request_id, sla_breach_at) already exists.
	InsertBreachRecord(ctx context.Context, record domain.SLABreachRecord) error
}

type EventPublisher interface {
	Publish(ctx context.Context, userID string, input domain.EventInput) (domain.DomainEvent, error)
}

// MetricsSink records SLA check metrics. All methods are fire-and-forget.
type MetricsSink interface {
	SLACheckCompleted(duration time.Duration, breaches int, err error)
	SLABreachRecorded()
}

// CheckResult summarizes one run.
type CheckResult struct {
	BreachesFound int
}

// Checker scans for newly-breached deadlines. It holds no timer state of
// its own; see Runner for the schedule.
type Checker struct {
	store     Store
	publisher EventPublisher
	metrics   MetricsSink // optional, nil = disabled
	clock     func() time.Time
	batchSize int
}

func NewChecker(store Store, publisher EventPublisher) *Checker {
	return &Checker{
		store:     store,
		publisher: publisher,
		clock:     time.Now,
		batchSize: 500,
	}
}

// WithMetrics attaches a metrics sink.
func (c *Checker) WithMetrics(sink MetricsSink) *Checker {
	c.metrics = sink
	return c
}

// WithBatchSize caps items escalated per run.
func (c *Checker) WithBatchSize(n int) *Checker {
	if n > 0 {
		c.batchSize = n
	}
	return c
}

// WithClock overrides the time source, for tests.
func (c *Checker) WithClock(clock func() time.Time) *Checker {
	c.clock = clock
	return c
}

// RunCheck scans open work items past their deadline and escalates each
// exactly once. Re-running against an unchanged set is a no-op. Always
// runs to completion; per-item failures are logged and do not abort the
// scan.
func (c *Checker) RunCheck(ctx context.Context) (CheckResult, error) {
	started := c.clock()
	now := started.UTC()

	items, err := c.store.GetBreachedItems(ctx, now, c.batchSize)
	if err != nil {
		if c.metrics != nil {
			c.metrics.SLACheckCompleted(time.Since(started), 0, err)
		}
		return CheckResult{}, fmt.Errorf("scan breached items: %w", err)
	}

	found := 0
	for _, item := range items {
		if item.SLABreachAt == nil {
			continue
		}
		if err := c.escalate(ctx, item, now); err != nil {
			if errors.Is(err, ErrDuplicateBreach) {
				// Another checker got there first. Not a new breach.
				continue
			}
			log.Printf("sla: escalate request=%s failed: %v", item.ID, err)
			continue
		}
		found++
	}

	if c.metrics != nil {
		c.metrics.SLACheckCompleted(time.Since(started), found, nil)
	}
	if found > 0 {
		log.Printf("sla: check complete, %d new breaches escalated", found)
	}
	return CheckResult{BreachesFound: found}, nil
}

func (c *Checker) escalate(ctx context.Context, item domain.WorkItem, now time.Time) error {
	overdue := now.Sub(*item.SLABreachAt)
	record := domain.SLABreachRecord{
		ID:               uuid.New(),
		RequestID:        item.ID,
		SLABreachAt:      item.SLABreachAt.UTC(),
		EscalationType:   domain.EscalationTypeSLABreach,
		PenaltyAmount:    ComputePenalty(overdue),
		EscalationReason: fmt.Sprintf("deadline missed by %s", overdue.Round(time.Minute)),
		CreatedAt:        now,
	}

	if err := c.store.InsertBreachRecord(ctx, record); err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.SLABreachRecorded()
	}

	payload, _ := json.Marshal(domain.SLABreachedPayload{
		RequestID:        item.ID.String(),
		BreachRecordID:   record.ID.String(),
		SLABreachAt:      record.SLABreachAt.Format(time.RFC3339),
		PenaltyAmount:    record.PenaltyAmount,
		EscalationReason: record.EscalationReason,
		Severity:         SeverityCritical,
	})
	if _, err := c.publisher.Publish(ctx, "", domain.EventInput{
		EventType:   item.Domain + "." + domain.EventSuffixSLABreached,
		AggregateID: item.ID.String(),
		Payload:     payload,
	}); err != nil {
		// The record exists and dedup stops any re-escalation, so the
		// breach stays discoverable through the records even without
		// the event.
		log.Printf("sla: breach event publish failed request=%s: %v", item.ID, err)
	}

	log.Printf("sla: escalated request=%s breach_at=%s penalty=%d",
		item.ID, record.SLABreachAt.Format(time.RFC3339), record.PenaltyAmount)
	return nil
}

// ComputePenalty derives the penalty in cents from how long the deadline
// has been missed.
func ComputePenalty(overdue time.Duration) int64 {
	if overdue < 0 {
		overdue = 0
	}
	amount := int64(penaltyBaseCents) + int64(overdue/time.Hour)*penaltyPerHourCents
	if amount > penaltyCapCents {
		return penaltyCapCents
	}
	return amount
}
