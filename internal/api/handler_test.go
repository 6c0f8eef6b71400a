package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/opscore/internal/domain"
	"github.com/facilityops/opscore/internal/offer"
	"github.com/facilityops/opscore/internal/sla"
)

type mockAPIStore struct {
	events        []domain.DomainEvent
	pendingOffers []domain.TaskOffer
	listErr       error
}

func (m *mockAPIStore) ListEvents(ctx context.Context, afterSeq int64, domainFilter string, limit int) ([]domain.DomainEvent, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.DomainEvent
	for _, event := range m.events {
		if event.Seq <= afterSeq {
			continue
		}
		if domainFilter != "" && event.Domain != domainFilter {
			continue
		}
		out = append(out, event)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockAPIStore) ListPendingOffers(ctx context.Context, userID string, now time.Time) ([]domain.TaskOffer, error) {
	return m.pendingOffers, nil
}

type mockBroadcaster struct {
	offer      domain.TaskOffer
	recipients int
	err        error
	cancelErr  error

	gotActor  string
	gotTTL    time.Duration
	cancelled bool
}

func (m *mockBroadcaster) Broadcast(ctx context.Context, actorID string, requestID uuid.UUID, eligibleUserIDs []string, ttl time.Duration) (domain.TaskOffer, int, error) {
	m.gotActor = actorID
	m.gotTTL = ttl
	if m.err != nil {
		return domain.TaskOffer{}, 0, m.err
	}
	return m.offer, m.recipients, nil
}

func (m *mockBroadcaster) Cancel(ctx context.Context, actorID string, offerID uuid.UUID) error {
	m.cancelled = true
	return m.cancelErr
}

type mockClaimer struct {
	result     offer.AcceptResult
	acceptErr  error
	declineErr error

	declined bool
}

func (m *mockClaimer) Accept(ctx context.Context, offerID uuid.UUID, userID string) (offer.AcceptResult, error) {
	if m.acceptErr != nil {
		return offer.AcceptResult{}, m.acceptErr
	}
	return m.result, nil
}

func (m *mockClaimer) Decline(ctx context.Context, offerID uuid.UUID, userID string) error {
	m.declined = true
	return m.declineErr
}

type mockAPIPublisher struct {
	err      error
	gotInput domain.EventInput
	gotUser  string
}

func (m *mockAPIPublisher) Publish(ctx context.Context, userID string, input domain.EventInput) (domain.DomainEvent, error) {
	m.gotUser = userID
	m.gotInput = input
	if m.err != nil {
		return domain.DomainEvent{}, m.err
	}
	payload := input.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return domain.DomainEvent{
		ID:          uuid.New(),
		Seq:         1,
		EventType:   input.EventType,
		Domain:      domain.EventDomain(input.EventType),
		AggregateID: input.AggregateID,
		Payload:     payload,
		UserID:      userID,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

type mockSLARunner struct {
	result sla.CheckResult
	err    error
}

func (m *mockSLARunner) RunCheck(ctx context.Context) (sla.CheckResult, error) {
	return m.result, m.err
}

type failingPinger struct{ err error }

func (p failingPinger) PingContext(ctx context.Context) error { return p.err }

func newTestHandler() (*Handler, *mockAPIStore, *mockBroadcaster, *mockClaimer, *mockAPIPublisher) {
	store := &mockAPIStore{}
	broadcaster := &mockBroadcaster{}
	claimer := &mockClaimer{}
	publisher := &mockAPIPublisher{}
	handler := NewHandler(store, broadcaster, claimer, publisher, &mockSLARunner{})
	return handler, store, broadcaster, claimer, publisher
}

func doRequest(h *Handler, method, target, userID string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth_Simple(t *testing.T) {
	handler, _, _, _, _ := newTestHandler()

	rec := doRequest(handler, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHealth_VerboseDegraded(t *testing.T) {
	handler, _, _, _, _ := newTestHandler()
	handler.WithHealthChecker(failingPinger{err: errors.New("connection refused")})

	rec := doRequest(handler, http.MethodGet, "/health?verbose=true", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("expected degraded status, got %q", resp.Status)
	}
}

func TestBroadcastOffer_RequiresUser(t *testing.T) {
	handler, _, _, _, _ := newTestHandler()

	rec := doRequest(handler, http.MethodPost, "/offers", "", `{"request_id":"x"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestBroadcastOffer_Created(t *testing.T) {
	handler, _, broadcaster, _, _ := newTestHandler()

	requestID := uuid.New()
	now := time.Now().UTC()
	broadcaster.offer = domain.TaskOffer{
		ID:        uuid.New(),
		RequestID: requestID,
		Status:    domain.OfferStatusOpen,
		ExpiresAt: now.Add(10 * time.Minute),
		CreatedBy: "mgr-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
	broadcaster.recipients = 2

	body := `{"request_id":"` + requestID.String() + `","recipients":["w-1","w-2"],"ttl_seconds":600}`
	rec := doRequest(handler, http.MethodPost, "/offers", "mgr-1", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if broadcaster.gotActor != "mgr-1" {
		t.Errorf("expected actor mgr-1, got %q", broadcaster.gotActor)
	}
	if broadcaster.gotTTL != 10*time.Minute {
		t.Errorf("expected ttl 10m, got %s", broadcaster.gotTTL)
	}

	var resp OfferResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Recipients != 2 {
		t.Errorf("expected 2 recipients, got %d", resp.Recipients)
	}
	if resp.Status != "open" {
		t.Errorf("expected status open, got %q", resp.Status)
	}
}

func TestBroadcastOffer_DefaultTTL(t *testing.T) {
	handler, _, broadcaster, _, _ := newTestHandler()

	body := `{"request_id":"` + uuid.NewString() + `","recipients":["w-1"]}`
	rec := doRequest(handler, http.MethodPost, "/offers", "mgr-1", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if broadcaster.gotTTL != defaultOfferTTL {
		t.Errorf("expected default ttl %s, got %s", defaultOfferTTL, broadcaster.gotTTL)
	}
}

func TestBroadcastOffer_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"work item not found", offer.ErrWorkItemNotFound, http.StatusNotFound},
		{"no recipients", offer.ErrNoRecipients, http.StatusBadRequest},
		{"not available", offer.ErrNotAvailable, http.StatusConflict},
		{"already broadcast", offer.ErrAlreadyBroadcast, http.StatusConflict},
		{"store failure", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _, broadcaster, _, _ := newTestHandler()
			broadcaster.err = tt.err

			body := `{"request_id":"` + uuid.NewString() + `","recipients":["w-1"]}`
			rec := doRequest(handler, http.MethodPost, "/offers", "mgr-1", body)
			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestBroadcastOffer_InvalidJSON(t *testing.T) {
	handler, _, _, _, _ := newTestHandler()

	rec := doRequest(handler, http.MethodPost, "/offers", "mgr-1", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAcceptOffer_Won(t *testing.T) {
	handler, _, _, claimer, _ := newTestHandler()
	claimer.result = offer.AcceptResult{Won: true}

	rec := doRequest(handler, http.MethodPost, "/offers/"+uuid.NewString()+"/accept", "w-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp AcceptResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Won {
		t.Error("expected won=true")
	}
}

func TestAcceptOffer_LostIsStillOK(t *testing.T) {
	handler, _, _, claimer, _ := newTestHandler()
	claimer.result = offer.AcceptResult{Won: false, Reason: offer.ReasonAlreadyClaimed}

	rec := doRequest(handler, http.MethodPost, "/offers/"+uuid.NewString()+"/accept", "w-2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp AcceptResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Won {
		t.Error("expected won=false")
	}
	if resp.Reason != offer.ReasonAlreadyClaimed {
		t.Errorf("expected reason %q, got %q", offer.ReasonAlreadyClaimed, resp.Reason)
	}
}

func TestAcceptOffer_NotARecipient(t *testing.T) {
	handler, _, _, claimer, _ := newTestHandler()
	claimer.acceptErr = offer.ErrNotARecipient

	rec := doRequest(handler, http.MethodPost, "/offers/"+uuid.NewString()+"/accept", "outsider", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAcceptOffer_InvalidID(t *testing.T) {
	handler, _, _, _, _ := newTestHandler()

	rec := doRequest(handler, http.MethodPost, "/offers/not-a-uuid/accept", "w-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDeclineOffer_NoContent(t *testing.T) {
	handler, _, _, claimer, _ := newTestHandler()

	rec := doRequest(handler, http.MethodPost, "/offers/"+uuid.NewString()+"/decline", "w-1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if !claimer.declined {
		t.Error("expected decline to reach the claimer")
	}
}

func TestCancelOffer_NoContent(t *testing.T) {
	handler, _, broadcaster, _, _ := newTestHandler()

	rec := doRequest(handler, http.MethodPost, "/offers/"+uuid.NewString()+"/cancel", "mgr-1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if !broadcaster.cancelled {
		t.Error("expected cancel to reach the service")
	}
}

func TestCancelOffer_NotOpen(t *testing.T) {
	handler, _, broadcaster, _, _ := newTestHandler()
	broadcaster.cancelErr = offer.ErrOfferNotOpen

	rec := doRequest(handler, http.MethodPost, "/offers/"+uuid.NewString()+"/cancel", "mgr-1", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestListOffers_ReturnsPending(t *testing.T) {
	handler, store, _, _, _ := newTestHandler()
	now := time.Now().UTC()
	store.pendingOffers = []domain.TaskOffer{
		{ID: uuid.New(), RequestID: uuid.New(), Status: domain.OfferStatusOpen, ExpiresAt: now.Add(time.Hour), CreatedAt: now},
	}

	rec := doRequest(handler, http.MethodGet, "/offers", "w-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp ListOffersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(resp.Offers))
	}
}

func TestPublishEvent_Created(t *testing.T) {
	handler, _, _, _, publisher := newTestHandler()

	body := `{"event_type":"maintenance.request.created","aggregate_id":"req-1","payload":{"priority":"high"}}`
	rec := doRequest(handler, http.MethodPost, "/events", "mgr-1", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if publisher.gotUser != "mgr-1" {
		t.Errorf("expected user mgr-1, got %q", publisher.gotUser)
	}
	if publisher.gotInput.EventType != "maintenance.request.created" {
		t.Errorf("unexpected event type %q", publisher.gotInput.EventType)
	}
}

func TestPublishEvent_MissingType(t *testing.T) {
	handler, _, _, _, _ := newTestHandler()

	rec := doRequest(handler, http.MethodPost, "/events", "mgr-1", `{"aggregate_id":"req-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListEvents_Watermark(t *testing.T) {
	handler, store, _, _, _ := newTestHandler()
	now := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		store.events = append(store.events, domain.DomainEvent{
			ID:        uuid.New(),
			Seq:       int64(i),
			EventType: "maintenance.request.created",
			Domain:    "maintenance",
			Payload:   []byte("{}"),
			CreatedAt: now,
		})
	}

	rec := doRequest(handler, http.MethodGet, "/events?after=1", "svc-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp ListEventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Events) != 2 {
		t.Fatalf("expected 2 events after seq 1, got %d", len(resp.Events))
	}
	if resp.NextAfter != 3 {
		t.Errorf("expected next_after 3, got %d", resp.NextAfter)
	}
}

func TestListEvents_EmptyPageKeepsWatermark(t *testing.T) {
	handler, _, _, _, _ := newTestHandler()

	rec := doRequest(handler, http.MethodGet, "/events?after=42", "svc-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp ListEventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.NextAfter != 42 {
		t.Errorf("expected next_after 42, got %d", resp.NextAfter)
	}
}

func TestListEvents_InvalidAfter(t *testing.T) {
	handler, _, _, _, _ := newTestHandler()

	rec := doRequest(handler, http.MethodGet, "/events?after=banana", "svc-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSLACheck_ReportsBreaches(t *testing.T) {
	store := &mockAPIStore{}
	handler := NewHandler(store, &mockBroadcaster{}, &mockClaimer{}, &mockAPIPublisher{}, &mockSLARunner{
		result: sla.CheckResult{BreachesFound: 3},
	})

	rec := doRequest(handler, http.MethodPost, "/sla/check", "ops-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp SLACheckResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.BreachesFound != 3 {
		t.Errorf("expected 3 breaches, got %d", resp.BreachesFound)
	}
}

func TestUnknownRoute(t *testing.T) {
	handler, _, _, _, _ := newTestHandler()

	rec := doRequest(handler, http.MethodGet, "/nope", "w-1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestParseLimit_Defaults(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events", nil)

	limit, err := parseLimit(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, limit)
	}
}

func TestParseLimit_ExceedsMax(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events?limit=2000", nil)

	if _, err := parseLimit(req); err == nil {
		t.Fatal("expected error for limit exceeding max, got nil")
	}
}

func TestParseLimit_Negative(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events?limit=-5", nil)

	if _, err := parseLimit(req); err == nil {
		t.Fatal("expected error for negative limit, got nil")
	}
}
