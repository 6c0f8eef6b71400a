package domain

import (
	"time"

	"github.com/google/uuid"
)

type OfferStatus string

const (
	OfferStatusOpen      OfferStatus = "open"
	OfferStatusClaimed   OfferStatus = "claimed"
	OfferStatusExpired   OfferStatus = "expired"
	OfferStatusCancelled OfferStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal offers never
// transition again.
func (s OfferStatus) IsTerminal() bool {
	return s == OfferStatusClaimed || s == OfferStatusExpired || s == OfferStatusCancelled
}

// TaskOffer is a competitive assignment: one work item offered to many
// recipients, first accept wins.
type TaskOffer struct {
	ID        uuid.UUID
	RequestID uuid.UUID

	Status    OfferStatus
	ExpiresAt time.Time

	CreatedBy string
	ClaimedBy string
	ClaimedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OfferRecipient records that an offer was delivered to a user. Outcome is
// carried on the parent offer, not here.
type OfferRecipient struct {
	OfferID     uuid.UUID
	UserID      string
	DeliveredAt time.Time
}
