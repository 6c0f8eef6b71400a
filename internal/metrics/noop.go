package metrics

import "time"

// NoopSink implements Sink with no-ops, for tests and disabled metrics.
type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (NoopSink) EventPublished(eventDomain string)                                 {}
func (NoopSink) PublishError()                                                     {}
func (NoopSink) SubscriberDelivery(outcome string)                                 {}
func (NoopSink) SubscriberCount(count int)                                         {}
func (NoopSink) OfferBroadcast(recipients int)                                     {}
func (NoopSink) ClaimResolved(outcome string)                                      {}
func (NoopSink) OffersExpired(count int)                                           {}
func (NoopSink) SLACheckCompleted(duration time.Duration, breaches int, err error) {}
func (NoopSink) SLABreachRecorded()                                                {}
func (NoopSink) WorkflowExecution(outcome string)                                  {}
func (NoopSink) ActionAttempt(actionType, statusClass string, duration time.Duration) {
}

var _ Sink = NoopSink{}
