// Package workflow maps incoming domain events to configured side effects.
//
// Each active trigger whose event type and conditions match a published
// event gets its own execution row and runs independently: one trigger
// failing never stops the others. Failed actions are recorded, not
// retried across executions; re-publishing the event is the caller's
// recovery path.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/opscore/internal/domain"
)

// ErrExecutionFinalized is returned by the store when finalizing an
// execution that already left the running state.
var ErrExecutionFinalized = errors.New("execution already finalized")

var actionBackoff = []time.Duration{
	0,
	time.Second,
	5 * time.Second,
}

const maxActionAttempts = 3

// Action types understood by the executor.
const (
	ActionTypeWebhook      = "webhook"
	ActionTypePublishEvent = "publish_event"
)

// Action is one configured side effect on a trigger.
type Action struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

type webhookParams struct {
	URL            string `json:"url"`
	Secret         string `json:"secret,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type publishEventParams struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// notificationBody is what webhook receivers get.
type notificationBody struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Trigger     string          `json:"trigger"`
	OccurredAt  string          `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type Store interface {
	GetActiveTriggers(ctx context.Context, eventType string) ([]domain.WorkflowTrigger, error)
	InsertExecution(ctx context.Context, exec domain.WorkflowExecution) error

	// FinalizeExecution sets the terminal status and completed_at, only
	// while the row is still running. Implementations MUST return
	// ErrExecutionFinalized otherwise, so completed_at is set exactly once.
	FinalizeExecution(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, errorMessage string, completedAt time.Time) error
}

type EventPublisher interface {
	Publish(ctx context.Context, userID string, input domain.EventInput) (domain.DomainEvent, error)
}

// MetricsSink records executor metrics. All methods are fire-and-forget.
type MetricsSink interface {
	WorkflowExecution(outcome string)
	ActionAttempt(actionType, statusClass string, duration time.Duration)
}

// Executor runs triggers against incoming events.
type Executor struct {
	store         Store
	sender        NotificationSender
	publisher     EventPublisher
	breaker       *CircuitBreaker // optional, nil = disabled
	metrics       MetricsSink     // optional, nil = disabled
	defaultSecret string
	backoff       []time.Duration
	clock         func() time.Time
}

func NewExecutor(store Store, sender NotificationSender, publisher EventPublisher) *Executor {
	return &Executor{
		store:     store,
		sender:    sender,
		publisher: publisher,
		backoff:   actionBackoff,
		clock:     time.Now,
	}
}

// WithCircuitBreaker attaches a per-endpoint circuit breaker.
func (e *Executor) WithCircuitBreaker(cb *CircuitBreaker) *Executor {
	e.breaker = cb
	return e
}

// WithDefaultSecret sets the signing secret used when a webhook action
// does not carry its own.
func (e *Executor) WithDefaultSecret(secret string) *Executor {
	e.defaultSecret = secret
	return e
}

// WithMetrics attaches a metrics sink.
func (e *Executor) WithMetrics(sink MetricsSink) *Executor {
	e.metrics = sink
	return e
}

// WithClock overrides the time source, for tests.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

// OnEvent fans the event out to every matching active trigger. Each
// trigger runs in isolation; a failure is recorded on its own execution
// row and never propagates to siblings.
func (e *Executor) OnEvent(ctx context.Context, event domain.DomainEvent) {
	triggers, err := e.store.GetActiveTriggers(ctx, event.EventType)
	if err != nil {
		log.Printf("workflow: load triggers for %s failed: %v", event.EventType, err)
		return
	}

	for _, trigger := range triggers {
		e.runTrigger(ctx, trigger, event)
	}
}

func (e *Executor) runTrigger(ctx context.Context, trigger domain.WorkflowTrigger, event domain.DomainEvent) {
	matched, evalErr := EvaluateConditions(trigger.Conditions, event.Payload)
	if evalErr == nil && !matched {
		return
	}

	now := e.clock().UTC()
	snapshot, _ := json.Marshal(event)
	execution := domain.WorkflowExecution{
		ID:            uuid.New(),
		TriggerID:     trigger.ID,
		ExecutionData: snapshot,
		Status:        domain.ExecutionStatusRunning,
		StartedAt:     now,
	}

	if err := e.store.InsertExecution(ctx, execution); err != nil {
		log.Printf("workflow: trigger=%s insert execution failed: %v", trigger.TriggerName, err)
		return
	}

	var runErr error
	if evalErr != nil {
		// Misconfigured conditions surface as a failed execution rather
		// than a silently skipped trigger.
		runErr = fmt.Errorf("evaluate conditions: %w", evalErr)
	} else {
		runErr = e.runActions(ctx, trigger, event, execution.ID)
	}

	status := domain.ExecutionStatusSuccess
	errorMessage := ""
	if runErr != nil {
		status = domain.ExecutionStatusFailed
		errorMessage = runErr.Error()
		log.Printf("workflow: trigger=%s execution=%s failed: %v", trigger.TriggerName, execution.ID, runErr)
	}

	if e.metrics != nil {
		e.metrics.WorkflowExecution(string(status))
	}

	if err := e.store.FinalizeExecution(ctx, execution.ID, status, errorMessage, e.clock().UTC()); err != nil {
		if errors.Is(err, ErrExecutionFinalized) {
			return
		}
		log.Printf("workflow: finalize execution=%s failed: %v", execution.ID, err)
	}
}

func (e *Executor) runActions(ctx context.Context, trigger domain.WorkflowTrigger, event domain.DomainEvent, executionID uuid.UUID) error {
	var actions []Action
	if len(trigger.Actions) > 0 && string(trigger.Actions) != "null" {
		if err := json.Unmarshal(trigger.Actions, &actions); err != nil {
			return fmt.Errorf("parse actions: %w", err)
		}
	}

	for i, action := range actions {
		if err := e.runAction(ctx, trigger, event, executionID, action); err != nil {
			return fmt.Errorf("action %d (%s): %w", i, action.Type, err)
		}
	}
	return nil
}

func (e *Executor) runAction(ctx context.Context, trigger domain.WorkflowTrigger, event domain.DomainEvent, executionID uuid.UUID, action Action) error {
	switch action.Type {
	case ActionTypeWebhook:
		var params webhookParams
		if err := json.Unmarshal(action.Params, &params); err != nil {
			return fmt.Errorf("parse params: %w", err)
		}
		if params.URL == "" {
			return errors.New("webhook action requires a url")
		}
		return e.sendNotification(ctx, trigger, event, executionID, params)

	case ActionTypePublishEvent:
		var params publishEventParams
		if err := json.Unmarshal(action.Params, &params); err != nil {
			return fmt.Errorf("parse params: %w", err)
		}
		if params.EventType == "" {
			return errors.New("publish_event action requires an event_type")
		}
		_, err := e.publisher.Publish(ctx, event.UserID, domain.EventInput{
			EventType:   params.EventType,
			AggregateID: event.AggregateID,
			Payload:     params.Payload,
			CausationID: event.ID.String(),
		})
		return err

	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

func (e *Executor) sendNotification(ctx context.Context, trigger domain.WorkflowTrigger, event domain.DomainEvent, executionID uuid.UUID, params webhookParams) error {
	if e.breaker != nil {
		if err := e.breaker.Allow(params.URL); err != nil {
			return err
		}
	}

	body, err := json.Marshal(notificationBody{
		EventID:     event.ID.String(),
		EventType:   event.EventType,
		AggregateID: event.AggregateID,
		Trigger:     trigger.TriggerName,
		OccurredAt:  event.CreatedAt.UTC().Format(time.RFC3339),
		Payload:     event.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	secret := params.Secret
	if secret == "" {
		secret = e.defaultSecret
	}

	req := WebhookRequest{
		URL:         params.URL,
		Secret:      secret,
		Timeout:     time.Duration(params.TimeoutSeconds) * time.Second,
		Body:        body,
		ExecutionID: executionID.String(),
		TriggerName: trigger.TriggerName,
	}

	var lastResult WebhookResult
	for attempt := 1; attempt <= maxActionAttempts; attempt++ {
		if attempt > 1 {
			idx := attempt - 1
			if idx >= len(e.backoff) {
				idx = len(e.backoff) - 1
			}
			timer := time.NewTimer(e.backoff[idx])
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return ctx.Err()
			case <-timer.C:
			}
		}

		result := e.sender.Send(ctx, req)
		lastResult = result

		if e.metrics != nil {
			e.metrics.ActionAttempt(ActionTypeWebhook, classifyStatus(result.StatusCode, result.Error), result.Duration)
		}

		if result.IsSuccess() {
			if e.breaker != nil {
				e.breaker.RecordSuccess(params.URL)
			}
			return nil
		}

		if e.breaker != nil {
			e.breaker.RecordFailure(params.URL)
		}
		if !result.IsRetryable() {
			break
		}
		log.Printf("workflow: trigger=%s webhook attempt=%d status=%d err=%v",
			trigger.TriggerName, attempt, result.StatusCode, result.Error)
	}

	if lastResult.Error != nil {
		return fmt.Errorf("webhook delivery failed: %w", lastResult.Error)
	}
	return fmt.Errorf("webhook delivery failed with status %d", lastResult.StatusCode)
}

// classifyStatus maps a status code and error to a bounded-cardinality
// metrics label.
func classifyStatus(statusCode int, err error) string {
	if err != nil {
		return "error"
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500:
		return "5xx"
	default:
		return "error"
	}
}
