package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Event bus metrics
	EventPublished(eventDomain string)
	PublishError()
	SubscriberDelivery(outcome string)
	SubscriberCount(count int)

	// Offer metrics
	OfferBroadcast(recipients int)
	ClaimResolved(outcome string)
	OffersExpired(count int)

	// SLA metrics
	SLACheckCompleted(duration time.Duration, breaches int, err error)
	SLABreachRecorded()

	// Workflow metrics
	WorkflowExecution(outcome string)
	ActionAttempt(actionType, statusClass string, duration time.Duration)
}

// Claim outcome labels for ClaimResolved.
const (
	ClaimOutcomeWon            = "won"
	ClaimOutcomeAlreadyClaimed = "already_claimed"
	ClaimOutcomeExpired        = "offer_not_found_or_expired"
)
