package domain

import (
	"time"

	"github.com/google/uuid"
)

// SLABreachRecord is the escalation log entry for a missed deadline.
// At most one record exists per (request_id, sla_breach_at): a work item
// re-opened into a new SLA window that breaches again is a new instance.
type SLABreachRecord struct {
	ID        uuid.UUID
	RequestID uuid.UUID

	SLABreachAt time.Time // the deadline that was missed; part of the dedup key

	EscalationType   string
	PenaltyAmount    int64 // cents
	EscalationReason string

	CreatedAt time.Time
}

const EscalationTypeSLABreach = "sla_breach"
