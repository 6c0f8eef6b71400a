package api

import (
	"encoding/json"
	"time"

	"github.com/facilityops/opscore/internal/domain"
)

type BroadcastOfferRequest struct {
	RequestID  string   `json:"request_id"`
	Recipients []string `json:"recipients"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"` // default 900 (15m)
}

type OfferResponse struct {
	ID         string `json:"id"`
	RequestID  string `json:"request_id"`
	Status     string `json:"status"`
	ExpiresAt  string `json:"expires_at"`
	CreatedBy  string `json:"created_by"`
	ClaimedBy  string `json:"claimed_by,omitempty"`
	ClaimedAt  string `json:"claimed_at,omitempty"`
	Recipients int    `json:"recipients,omitempty"`
	CreatedAt  string `json:"created_at"`
}

type AcceptResponse struct {
	Won    bool   `json:"won"`
	Reason string `json:"reason,omitempty"`
}

type ListOffersResponse struct {
	Offers []OfferResponse `json:"offers"`
}

type PublishEventRequest struct {
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
}

type EventResponse struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	EventType     string          `json:"event_type"`
	Domain        string          `json:"domain"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	UserID        string          `json:"user_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

type ListEventsResponse struct {
	Events []EventResponse `json:"events"`
	// NextAfter is the watermark to pass as ?after on the next page.
	NextAfter int64 `json:"next_after"`
}

type SLACheckResponse struct {
	BreachesFound int `json:"breaches_found"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func offerResponse(o domain.TaskOffer) OfferResponse {
	resp := OfferResponse{
		ID:        o.ID.String(),
		RequestID: o.RequestID.String(),
		Status:    string(o.Status),
		ExpiresAt: formatTime(o.ExpiresAt),
		CreatedBy: o.CreatedBy,
		ClaimedBy: o.ClaimedBy,
		CreatedAt: formatTime(o.CreatedAt),
	}
	if o.ClaimedAt != nil {
		resp.ClaimedAt = formatTime(*o.ClaimedAt)
	}
	return resp
}

func eventResponse(e domain.DomainEvent) EventResponse {
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return EventResponse{
		Seq:           e.Seq,
		ID:            e.ID.String(),
		EventType:     e.EventType,
		Domain:        e.Domain,
		AggregateID:   e.AggregateID,
		Payload:       payload,
		UserID:        e.UserID,
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
		CreatedAt:     formatTime(e.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
