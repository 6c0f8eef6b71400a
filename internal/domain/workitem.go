package domain

import (
	"time"

	"github.com/google/uuid"
)

type WorkItemStatus string

const (
	WorkItemStatusOpen       WorkItemStatus = "open"
	WorkItemStatusOffered    WorkItemStatus = "offered"
	WorkItemStatusAssigned   WorkItemStatus = "assigned"
	WorkItemStatusInProgress WorkItemStatus = "in_progress"
	WorkItemStatusCompleted  WorkItemStatus = "completed"
	WorkItemStatusCancelled  WorkItemStatus = "cancelled"
)

func (s WorkItemStatus) IsTerminal() bool {
	return s == WorkItemStatusCompleted || s == WorkItemStatusCancelled
}

// WorkItem is the unit of work offers and SLA deadlines attach to
// (a maintenance request, a procurement task, and so on).
type WorkItem struct {
	ID     uuid.UUID
	Title  string
	Domain string

	Status     WorkItemStatus
	AssignedTo string // empty = unassigned

	SLABreachAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Offerable reports whether the item can be put up for competitive
// assignment: open and not yet assigned to anyone.
func (w WorkItem) Offerable() bool {
	return w.Status == WorkItemStatusOpen && w.AssignedTo == ""
}
