package offer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/opscore/internal/domain"
)

// Coordinator resolves the accept race. Many recipients may call Accept
// concurrently; the store's conditional update guarantees at most one wins.
type Coordinator struct {
	store     Store
	publisher EventPublisher
	metrics   MetricsSink // optional, nil = disabled
	clock     func() time.Time
}

func NewCoordinator(store Store, publisher EventPublisher) *Coordinator {
	return &Coordinator{
		store:     store,
		publisher: publisher,
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics sink.
func (c *Coordinator) WithMetrics(sink MetricsSink) *Coordinator {
	c.metrics = sink
	return c
}

// WithClock overrides the time source, for tests.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Accept attempts to claim the offer for userID. Exactly one caller per
// offer gets Won=true; losing the race is a normal outcome, not an error.
// The time bound is enforced inside the CAS itself, so an expired offer
// can never be claimed even if the sweeper has not flipped it yet.
func (c *Coordinator) Accept(ctx context.Context, offerID uuid.UUID, userID string) (AcceptResult, error) {
	isRecipient, err := c.store.IsRecipient(ctx, offerID, userID)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("check recipient: %w", err)
	}
	if !isRecipient {
		return AcceptResult{}, fmt.Errorf("%w: offer=%s user=%s", ErrNotARecipient, offerID, userID)
	}

	now := c.clock().UTC()
	row, err := c.store.ClaimOffer(ctx, offerID, userID, now)
	if err != nil {
		// The store rolled everything back: the offer is still open and
		// nothing is assigned. Surfaced for operator attention because a
		// failure here means the claim path itself is unhealthy.
		log.Printf("offer: CRITICAL claim transaction failed offer=%s user=%s: %v", offerID, userID, err)
		return AcceptResult{}, fmt.Errorf("%w: %v", ErrClaimTransaction, err)
	}

	if row == nil {
		result := AcceptResult{Won: false, Reason: c.classifyLoss(ctx, offerID)}
		if c.metrics != nil {
			c.metrics.ClaimResolved(result.Reason)
		}
		log.Printf("offer: claim lost offer=%s user=%s reason=%s", offerID, userID, result.Reason)
		return result, nil
	}

	if c.metrics != nil {
		c.metrics.ClaimResolved("won")
	}

	payload, _ := json.Marshal(domain.OfferClaimedPayload{
		OfferID:   row.Offer.ID.String(),
		RequestID: row.Offer.RequestID.String(),
		Winner:    userID,
	})
	if _, err := c.publisher.Publish(ctx, userID, domain.EventInput{
		EventType:   row.ItemDomain + "." + domain.EventSuffixOfferClaimed,
		AggregateID: row.Offer.RequestID.String(),
		Payload:     payload,
	}); err != nil {
		// Claim is committed; losers still find out via their own failed
		// accept calls. Log and move on.
		log.Printf("offer: claimed event publish failed offer=%s: %v", offerID, err)
	}

	log.Printf("offer: claimed offer=%s request=%s winner=%s", offerID, row.Offer.RequestID, userID)
	return AcceptResult{Won: true}, nil
}

// classifyLoss re-reads the offer to tell "someone else won" apart from
// "gone or expired" for the result's reason field.
func (c *Coordinator) classifyLoss(ctx context.Context, offerID uuid.UUID) string {
	taskOffer, err := c.store.GetOffer(ctx, offerID)
	if err != nil {
		return ReasonNotFoundOrExpired
	}
	if taskOffer.Status == domain.OfferStatusClaimed {
		return ReasonAlreadyClaimed
	}
	// Open-but-expired, expired, or cancelled all read the same to the
	// caller: the offer is no longer winnable.
	return ReasonNotFoundOrExpired
}

// Decline removes the caller from further consideration for this offer.
// It never affects other recipients or the offer state, and is an
// idempotent no-op for a recipient row that does not exist.
func (c *Coordinator) Decline(ctx context.Context, offerID uuid.UUID, userID string) error {
	if err := c.store.RemoveRecipient(ctx, offerID, userID); err != nil {
		return fmt.Errorf("decline offer: %w", err)
	}
	log.Printf("offer: declined offer=%s user=%s", offerID, userID)
	return nil
}
