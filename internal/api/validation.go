package api

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/facilityops/opscore/internal/domain"
)

const maxEventTypeLength = 200

func validateBroadcastOffer(req BroadcastOfferRequest) error {
	if req.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if _, err := uuid.Parse(req.RequestID); err != nil {
		return fmt.Errorf("invalid request_id: %w", err)
	}
	if len(req.Recipients) == 0 {
		return fmt.Errorf("recipients is required")
	}
	if req.TTLSeconds < 0 {
		return fmt.Errorf("ttl_seconds must not be negative")
	}
	return nil
}

func validatePublishEvent(req PublishEventRequest) error {
	if req.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if len(req.EventType) > maxEventTypeLength {
		return fmt.Errorf("event_type exceeds %d characters", maxEventTypeLength)
	}
	if req.AggregateID == "" {
		return fmt.Errorf("aggregate_id is required")
	}
	if err := domain.ValidatePayload(req.EventType, req.Payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
