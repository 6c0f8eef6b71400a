package domain

import (
	"encoding/json"
	"fmt"
)

// Well-known event type suffixes. Full types are prefixed with the work
// item's domain, e.g. "maintenance.offer.created".
const (
	EventSuffixOfferCreated = "offer.created"
	EventSuffixOfferClaimed = "offer.claimed"
	EventSuffixOfferExpired = "offer.expired"
	EventSuffixSLABreached  = "sla.breached"
)

// OfferCreatedPayload is published when an offer is broadcast.
type OfferCreatedPayload struct {
	OfferID         string `json:"offer_id"`
	RequestID       string `json:"request_id"`
	RecipientsCount int    `json:"recipients_count"`
	ExpiresAt       string `json:"expires_at"`
}

// OfferClaimedPayload is published when exactly one recipient wins.
type OfferClaimedPayload struct {
	OfferID   string `json:"offer_id"`
	RequestID string `json:"request_id"`
	Winner    string `json:"winner"`
}

// OfferExpiredPayload is published by the sweeper for stale open offers.
type OfferExpiredPayload struct {
	OfferID   string `json:"offer_id"`
	RequestID string `json:"request_id"`
}

// SLABreachedPayload is published once per breach instance.
type SLABreachedPayload struct {
	RequestID        string `json:"request_id"`
	BreachRecordID   string `json:"breach_record_id"`
	SLABreachAt      string `json:"sla_breach_at"`
	PenaltyAmount    int64  `json:"penalty_amount"`
	EscalationReason string `json:"escalation_reason"`
	Severity         string `json:"severity"` // always "critical"
}

// payloadSchemas maps known event type suffixes to a decode target.
// Events with an unregistered type carry free-form payloads; events with
// a registered type must decode cleanly into the registered shape.
var payloadSchemas = map[string]func() any{
	EventSuffixOfferCreated: func() any { return &OfferCreatedPayload{} },
	EventSuffixOfferClaimed: func() any { return &OfferClaimedPayload{} },
	EventSuffixOfferExpired: func() any { return &OfferExpiredPayload{} },
	EventSuffixSLABreached:  func() any { return &SLABreachedPayload{} },
}

// ValidatePayload checks a payload against the registered schema for its
// event type, if any. Unknown event types always pass.
func ValidatePayload(eventType string, payload json.RawMessage) error {
	suffix := eventTypeSuffix(eventType)
	newTarget, ok := payloadSchemas[suffix]
	if !ok {
		return nil
	}
	if len(payload) == 0 {
		return fmt.Errorf("event type %s requires a payload", eventType)
	}
	if err := json.Unmarshal(payload, newTarget()); err != nil {
		return fmt.Errorf("payload for %s: %w", eventType, err)
	}
	return nil
}

// eventTypeSuffix strips the leading domain segment from a dotted type.
// "maintenance.offer.created" yields "offer.created".
func eventTypeSuffix(eventType string) string {
	for i := 0; i < len(eventType); i++ {
		if eventType[i] == '.' {
			return eventType[i+1:]
		}
	}
	return eventType
}
