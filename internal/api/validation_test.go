package api

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestValidateBroadcastOffer(t *testing.T) {
	valid := BroadcastOfferRequest{
		RequestID:  uuid.NewString(),
		Recipients: []string{"w-1"},
		TTLSeconds: 600,
	}

	tests := []struct {
		name    string
		mutate  func(*BroadcastOfferRequest)
		wantErr bool
	}{
		{"valid", func(r *BroadcastOfferRequest) {}, false},
		{"zero ttl uses default", func(r *BroadcastOfferRequest) { r.TTLSeconds = 0 }, false},
		{"missing request id", func(r *BroadcastOfferRequest) { r.RequestID = "" }, true},
		{"malformed request id", func(r *BroadcastOfferRequest) { r.RequestID = "not-a-uuid" }, true},
		{"no recipients", func(r *BroadcastOfferRequest) { r.Recipients = nil }, true},
		{"negative ttl", func(r *BroadcastOfferRequest) { r.TTLSeconds = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			req.Recipients = append([]string(nil), valid.Recipients...)
			tt.mutate(&req)

			err := validateBroadcastOffer(req)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidatePublishEvent(t *testing.T) {
	tests := []struct {
		name    string
		req     PublishEventRequest
		wantErr bool
	}{
		{
			name: "valid",
			req:  PublishEventRequest{EventType: "maintenance.request.created", AggregateID: "req-1"},
		},
		{
			name:    "missing event type",
			req:     PublishEventRequest{AggregateID: "req-1"},
			wantErr: true,
		},
		{
			name:    "missing aggregate id",
			req:     PublishEventRequest{EventType: "maintenance.request.created"},
			wantErr: true,
		},
		{
			name:    "event type too long",
			req:     PublishEventRequest{EventType: strings.Repeat("x", maxEventTypeLength+1), AggregateID: "req-1"},
			wantErr: true,
		},
		{
			name: "registered payload shape enforced",
			req: PublishEventRequest{
				EventType:   "tasks.offer.created",
				AggregateID: "req-1",
				Payload:     []byte(`"not an object"`),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePublishEvent(tt.req)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
