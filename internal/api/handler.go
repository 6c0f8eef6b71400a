// Package api exposes the HTTP surface: offer broadcast and claim, event
// publish and catch-up reads, a manual SLA check, and health.
//
// The acting user is taken from the X-User-ID header; authentication is
// terminated upstream and only the identity reaches this process.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/opscore/internal/domain"
	"github.com/facilityops/opscore/internal/offer"
	"github.com/facilityops/opscore/internal/sla"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const defaultOfferTTL = 15 * time.Minute

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// UserIDHeader carries the authenticated caller's identity.
const UserIDHeader = "X-User-ID"

type Store interface {
	ListEvents(ctx context.Context, afterSeq int64, domainFilter string, limit int) ([]domain.DomainEvent, error)
	ListPendingOffers(ctx context.Context, userID string, now time.Time) ([]domain.TaskOffer, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, actorID string, requestID uuid.UUID, eligibleUserIDs []string, ttl time.Duration) (domain.TaskOffer, int, error)
	Cancel(ctx context.Context, actorID string, offerID uuid.UUID) error
}

type Claimer interface {
	Accept(ctx context.Context, offerID uuid.UUID, userID string) (offer.AcceptResult, error)
	Decline(ctx context.Context, offerID uuid.UUID, userID string) error
}

type Publisher interface {
	Publish(ctx context.Context, userID string, input domain.EventInput) (domain.DomainEvent, error)
}

type SLARunner interface {
	RunCheck(ctx context.Context) (sla.CheckResult, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	store       Store
	broadcaster Broadcaster
	claimer     Claimer
	publisher   Publisher
	slaRunner   SLARunner
	db          HealthChecker
	clock       func() time.Time
}

func NewHandler(store Store, broadcaster Broadcaster, claimer Claimer, publisher Publisher, slaRunner SLARunner) *Handler {
	return &Handler{
		store:       store,
		broadcaster: broadcaster,
		claimer:     claimer,
		publisher:   publisher,
		slaRunner:   slaRunner,
		clock:       time.Now,
	}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithClock overrides the time source, for tests.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/offers" && r.Method == http.MethodPost:
		h.broadcastOffer(w, r)

	case path == "/offers" && r.Method == http.MethodGet:
		h.listOffers(w, r)

	case strings.HasSuffix(path, "/accept") && r.Method == http.MethodPost:
		h.acceptOffer(w, r)

	case strings.HasSuffix(path, "/decline") && r.Method == http.MethodPost:
		h.declineOffer(w, r)

	case strings.HasSuffix(path, "/cancel") && r.Method == http.MethodPost:
		h.cancelOffer(w, r)

	case path == "/events" && r.Method == http.MethodPost:
		h.publishEvent(w, r)

	case path == "/events" && r.Method == http.MethodGet:
		h.listEvents(w, r)

	case path == "/sla/check" && r.Method == http.MethodPost:
		h.runSLACheck(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) broadcastOffer(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req BroadcastOfferRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := validateBroadcastOffer(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	requestID, _ := uuid.Parse(req.RequestID)
	ttl := defaultOfferTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	taskOffer, recipients, err := h.broadcaster.Broadcast(r.Context(), actorID, requestID, req.Recipients, ttl)
	if err != nil {
		switch {
		case errors.Is(err, offer.ErrWorkItemNotFound):
			writeError(w, http.StatusNotFound, "work item not found")
		case errors.Is(err, offer.ErrNoRecipients):
			writeError(w, http.StatusBadRequest, "no eligible recipients")
		case errors.Is(err, offer.ErrNotAvailable):
			writeError(w, http.StatusConflict, "work item is not available for offer")
		case errors.Is(err, offer.ErrAlreadyBroadcast):
			writeError(w, http.StatusConflict, "an open offer already exists for this work item")
		default:
			log.Printf("api: broadcast offer error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to broadcast offer")
		}
		return
	}

	resp := offerResponse(taskOffer)
	resp.Recipients = recipients
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) listOffers(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	offers, err := h.store.ListPendingOffers(r.Context(), userID, h.clock().UTC())
	if err != nil {
		log.Printf("api: list offers error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list offers")
		return
	}

	resp := ListOffersResponse{Offers: make([]OfferResponse, len(offers))}
	for i, taskOffer := range offers {
		resp.Offers[i] = offerResponse(taskOffer)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) acceptOffer(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	offerID, ok := offerIDFromPath(w, r, "accept")
	if !ok {
		return
	}

	result, err := h.claimer.Accept(r.Context(), offerID, userID)
	if err != nil {
		switch {
		case errors.Is(err, offer.ErrNotARecipient):
			writeError(w, http.StatusForbidden, "not a recipient of this offer")
		default:
			log.Printf("api: accept offer error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to resolve claim")
		}
		return
	}

	// Losing the race is a normal outcome, delivered as 200 with won=false.
	writeJSON(w, http.StatusOK, AcceptResponse{Won: result.Won, Reason: result.Reason})
}

func (h *Handler) declineOffer(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	offerID, ok := offerIDFromPath(w, r, "decline")
	if !ok {
		return
	}

	if err := h.claimer.Decline(r.Context(), offerID, userID); err != nil {
		log.Printf("api: decline offer error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to decline offer")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancelOffer(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUser(w, r)
	if !ok {
		return
	}

	offerID, ok := offerIDFromPath(w, r, "cancel")
	if !ok {
		return
	}

	if err := h.broadcaster.Cancel(r.Context(), actorID, offerID); err != nil {
		if errors.Is(err, offer.ErrOfferNotOpen) {
			writeError(w, http.StatusConflict, "offer is not open")
			return
		}
		log.Printf("api: cancel offer error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel offer")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) publishEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req PublishEventRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := validatePublishEvent(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	event, err := h.publisher.Publish(r.Context(), userID, domain.EventInput{
		EventType:     req.EventType,
		AggregateID:   req.AggregateID,
		Payload:       req.Payload,
		CorrelationID: req.CorrelationID,
		CausationID:   req.CausationID,
	})
	if err != nil {
		log.Printf("api: publish event error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to publish event")
		return
	}

	writeJSON(w, http.StatusCreated, eventResponse(event))
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}

	after := int64(0)
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseInt(afterStr, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		after = parsed
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.store.ListEvents(r.Context(), after, r.URL.Query().Get("domain"), limit)
	if err != nil {
		log.Printf("api: list events error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	resp := ListEventsResponse{Events: make([]EventResponse, len(events)), NextAfter: after}
	for i, event := range events {
		resp.Events[i] = eventResponse(event)
		if event.Seq > resp.NextAfter {
			resp.NextAfter = event.Seq
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) runSLACheck(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}

	result, err := h.slaRunner.RunCheck(r.Context())
	if err != nil {
		log.Printf("api: sla check error: %v", err)
		writeError(w, http.StatusInternalServerError, "sla check failed")
		return
	}

	writeJSON(w, http.StatusOK, SLACheckResponse{BreachesFound: result.BreachesFound})
}

// requireUser extracts the acting user from the request headers, writing
// a 401 when absent.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, UserIDHeader+" header is required")
		return "", false
	}
	return userID, true
}

// offerIDFromPath parses /offers/{id}/<action> paths.
func offerIDFromPath(w http.ResponseWriter, r *http.Request, action string) (uuid.UUID, bool) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "offers" || parts[2] != action {
		writeError(w, http.StatusNotFound, "not found")
		return uuid.Nil, false
	}

	offerID, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offer id")
		return uuid.Nil, false
	}
	return offerID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	// Limit request body size to prevent DoS via large payloads
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func parseLimit(r *http.Request) (int, error) {
	limit := DefaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, err
		}
		if parsed < 0 {
			return 0, strconv.ErrRange
		}
		if parsed > MaxLimit {
			return 0, &limitExceededError{max: MaxLimit}
		}
		if parsed > 0 {
			limit = parsed
		}
	}
	return limit, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
