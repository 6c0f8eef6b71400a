// Package offer implements the broadcast-and-claim protocol: a work item
// is offered to many candidate workers at once and the first accept wins.
//
// Correctness of the race rests entirely on the store's atomic conditional
// update (compare-and-swap on the offer status); no in-memory locking is
// used, because callers are independent processes sharing only the store.
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

// ClaimRow is the result of a winning claim, read back from the store in
// the claiming transaction.
type ClaimRow struct {
	Offer      domain.TaskOffer
	ItemDomain string
}

// StaleOffer is an open offer past its deadline, found by the sweeper.
type StaleOffer struct {
	Offer      domain.TaskOffer
	ItemDomain string
}

type Store interface {
	GetWorkItem(ctx context.Context, id uuid.UUID) (domain.WorkItem, error)

	// CreateOffer atomically creates the offer row, its recipient rows, and
	// moves the work item from open to offered. Implementations MUST fail
	// with ErrNotAvailable if the item is no longer offerable and with
	// ErrAlreadyBroadcast if an open offer already exists, leaving no
	// partial state behind.
	CreateOffer(ctx context.Context, offer domain.TaskOffer, recipients []domain.OfferRecipient) error

	GetOffer(ctx context.Context, id uuid.UUID) (domain.TaskOffer, error)
	IsRecipient(ctx context.Context, offerID uuid.UUID, userID string) (bool, error)

	// ClaimOffer performs the claim as a single transaction: a conditional
	// update setting status=claimed only while status=open and now is
	// before expires_at, plus the work-item assignment. A nil row with nil
	// error means the CAS affected zero rows (lost or expired). A non-nil
	// error means the transaction was rolled back and nothing changed.
	ClaimOffer(ctx context.Context, offerID uuid.UUID, userID string, now time.Time) (*ClaimRow, error)

	// RemoveRecipient is an idempotent no-op when the row does not exist.
	RemoveRecipient(ctx context.Context, offerID uuid.UUID, userID string) error

	// CancelOffer flips an open offer to cancelled and reverts the work
	// item to open. Returns false when the offer was not open.
	CancelOffer(ctx context.Context, offerID uuid.UUID, now time.Time) (bool, error)

	// ExpireStaleOffers flips open offers past their deadline to expired,
	// reverting their work items to open, and returns what it expired.
	ExpireStaleOffers(ctx context.Context, now time.Time, limit int) ([]StaleOffer, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, userID string, input domain.EventInput) (domain.DomainEvent, error)
}

// MetricsSink records offer metrics. All methods are fire-and-forget.
type MetricsSink interface {
	OfferBroadcast(recipients int)
	ClaimResolved(outcome string)
	OffersExpired(count int)
}

// Service creates offers. Claim resolution lives on Coordinator.
type Service struct {
	store     Store
	publisher EventPublisher
	metrics   MetricsSink // optional, nil = disabled
	clock     func() time.Time
}

func NewService(store Store, publisher EventPublisher) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics sink.
func (s *Service) WithMetrics(sink MetricsSink) *Service {
	s.metrics = sink
	return s
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Broadcast creates an open offer for requestID, delivers it to every user
// in eligibleUserIDs, and publishes an offer.created event. The work item
// must be offerable and must not already have an open offer; both are
// enforced transactionally by the store so no partial state survives a
// precondition failure.
func (s *Service) Broadcast(ctx context.Context, actorID string, requestID uuid.UUID, eligibleUserIDs []string, ttl time.Duration) (domain.TaskOffer, int, error) {
	userIDs := dedupe(eligibleUserIDs)
	if len(userIDs) == 0 {
		return domain.TaskOffer{}, 0, ErrNoRecipients
	}
	if ttl <= 0 {
		return domain.TaskOffer{}, 0, fmt.Errorf("offer ttl must be positive, got %s", ttl)
	}

	item, err := s.store.GetWorkItem(ctx, requestID)
	if err != nil {
		return domain.TaskOffer{}, 0, err
	}
	if !item.Offerable() {
		return domain.TaskOffer{}, 0, ErrNotAvailable
	}

	now := s.clock().UTC()
	taskOffer := domain.TaskOffer{
		ID:        uuid.New(),
		RequestID: requestID,
		Status:    domain.OfferStatusOpen,
		ExpiresAt: now.Add(ttl),
		CreatedBy: actorID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	recipients := make([]domain.OfferRecipient, 0, len(userIDs))
	for _, userID := range userIDs {
		recipients = append(recipients, domain.OfferRecipient{
			OfferID:     taskOffer.ID,
			UserID:      userID,
			DeliveredAt: now,
		})
	}

	if err := s.store.CreateOffer(ctx, taskOffer, recipients); err != nil {
		return domain.TaskOffer{}, 0, err
	}

	if s.metrics != nil {
		s.metrics.OfferBroadcast(len(recipients))
	}

	payload, _ := json.Marshal(domain.OfferCreatedPayload{
		OfferID:         taskOffer.ID.String(),
		RequestID:       requestID.String(),
		RecipientsCount: len(recipients),
		ExpiresAt:       taskOffer.ExpiresAt.Format(time.RFC3339),
	})
	if _, err := s.publisher.Publish(ctx, actorID, domain.EventInput{
		EventType:   item.Domain + "." + domain.EventSuffixOfferCreated,
		AggregateID: requestID.String(),
		Payload:     payload,
	}); err != nil {
		// The offer exists and recipients can discover it from their
		// pending-offer rows; a missed event only delays the push path.
		log.Printf("offer: broadcast event publish failed offer=%s: %v", taskOffer.ID, err)
	}

	log.Printf("offer: broadcast offer=%s request=%s recipients=%d expires=%s",
		taskOffer.ID, requestID, len(recipients), taskOffer.ExpiresAt.Format(time.RFC3339))

	return taskOffer, len(recipients), nil
}

// Cancel withdraws an open offer. Recipients' accept calls fail afterwards
// with offer_not_found_or_expired.
func (s *Service) Cancel(ctx context.Context, actorID string, offerID uuid.UUID) error {
	now := s.clock().UTC()
	cancelled, err := s.store.CancelOffer(ctx, offerID, now)
	if err != nil {
		return fmt.Errorf("cancel offer: %w", err)
	}
	if !cancelled {
		return fmt.Errorf("%w: %s", ErrOfferNotOpen, offerID)
	}

	taskOffer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		log.Printf("offer: cancelled offer=%s but read-back failed: %v", offerID, err)
		return nil
	}

	eventDomain := "tasks"
	if item, err := s.store.GetWorkItem(ctx, taskOffer.RequestID); err == nil {
		eventDomain = item.Domain
	}

	payload, _ := json.Marshal(domain.OfferExpiredPayload{
		OfferID:   offerID.String(),
		RequestID: taskOffer.RequestID.String(),
	})
	if _, err := s.publisher.Publish(ctx, actorID, domain.EventInput{
		EventType:   eventDomain + ".offer.cancelled",
		AggregateID: taskOffer.RequestID.String(),
		Payload:     payload,
	}); err != nil {
		log.Printf("offer: cancel event publish failed offer=%s: %v", offerID, err)
	}

	log.Printf("offer: cancelled offer=%s request=%s by=%s", offerID, taskOffer.RequestID, actorID)
	return nil
}

func dedupe(userIDs []string) []string {
	seen := make(map[string]struct{}, len(userIDs))
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
