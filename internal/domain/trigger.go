package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkflowTrigger maps an event type (plus a predicate over the payload)
// to configured actions. Read-only at runtime; managed by an admin surface.
type WorkflowTrigger struct {
	ID          uuid.UUID
	TriggerName string

	SourceModule string
	EventType    string

	Conditions json.RawMessage // [{field,op,value}], see workflow.EvaluateConditions
	Actions    json.RawMessage // [{type,params}]

	IsActive bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

type ExecutionStatus string

const (
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
)

// WorkflowExecution records one firing of a trigger. completed_at is set
// exactly once, when status leaves running.
type WorkflowExecution struct {
	ID        uuid.UUID
	TriggerID uuid.UUID

	ExecutionData json.RawMessage // snapshot of the triggering event

	Status       ExecutionStatus
	ErrorMessage string

	StartedAt   time.Time
	CompletedAt *time.Time
}
