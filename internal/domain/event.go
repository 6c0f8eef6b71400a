package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DomainEvent is an immutable record of something that happened.
// Rows are append-only: once written they are never updated.
type DomainEvent struct {
	ID uuid.UUID

	// Seq is the event's position in the log, assigned by the store on
	// insert. Catch-up readers page through the log with it.
	Seq int64

	EventType   string // namespaced, e.g. "maintenance.request.created"
	Domain      string // top-level namespace, e.g. "maintenance"
	AggregateID string

	Payload json.RawMessage

	UserID        string
	CorrelationID string
	CausationID   string

	CreatedAt time.Time
}

// EventInput is the caller-supplied portion of an event. The bus assigns
// the id and timestamp and fills in the acting user from the session.
type EventInput struct {
	EventType   string
	AggregateID string
	Payload     json.RawMessage

	CorrelationID string
	CausationID   string
}

// EventDomain extracts the top-level namespace from a dotted event type.
// "maintenance.request.created" yields "maintenance".
func EventDomain(eventType string) string {
	for i := 0; i < len(eventType); i++ {
		if eventType[i] == '.' {
			return eventType[:i]
		}
	}
	return eventType
}
