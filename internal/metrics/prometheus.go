package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Event bus
	eventsPublishedTotal *prometheus.CounterVec
	publishErrorsTotal   prometheus.Counter
	deliveriesTotal      *prometheus.CounterVec
	subscribers          prometheus.Gauge

	// Offers
	offersBroadcastTotal prometheus.Counter
	offerRecipients      prometheus.Histogram
	claimsTotal          *prometheus.CounterVec
	offersExpiredTotal   prometheus.Counter

	// SLA
	slaChecksTotal      prometheus.Counter
	slaCheckErrorsTotal prometheus.Counter
	slaCheckDuration    prometheus.Histogram
	slaBreachesTotal    prometheus.Counter

	// Workflow
	workflowExecutionsTotal *prometheus.CounterVec
	actionAttemptsTotal     *prometheus.CounterVec
	actionDuration          prometheus.Histogram
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initBusMetrics(reg)
	s.initOfferMetrics(reg)
	s.initSLAMetrics(reg)
	s.initWorkflowMetrics(reg)
	return s
}

func (s *PrometheusSink) initBusMetrics(reg prometheus.Registerer) {
	s.eventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opscore_eventbus_published_total",
		Help: "Total number of domain events persisted and fanned out.",
	}, []string{"domain"})
	s.publishErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opscore_eventbus_publish_errors_total",
		Help: "Total number of publishes that failed after retries.",
	})
	s.deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opscore_eventbus_deliveries_total",
		Help: "Per-subscriber delivery outcomes (delivered or dropped).",
	}, []string{"outcome"})
	s.subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opscore_eventbus_subscribers",
		Help: "Number of live subscriptions.",
	})

	s.register(reg, s.eventsPublishedTotal, "opscore_eventbus_published_total")
	s.register(reg, s.publishErrorsTotal, "opscore_eventbus_publish_errors_total")
	s.register(reg, s.deliveriesTotal, "opscore_eventbus_deliveries_total")
	s.register(reg, s.subscribers, "opscore_eventbus_subscribers")
}

func (s *PrometheusSink) initOfferMetrics(reg prometheus.Registerer) {
	s.offersBroadcastTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opscore_offers_broadcast_total",
		Help: "Total number of offers broadcast.",
	})
	s.offerRecipients = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "opscore_offer_recipients",
		Help:    "Recipients per broadcast offer.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	})
	s.claimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opscore_offer_claims_total",
		Help: "Claim resolutions by outcome.",
	}, []string{"outcome"})
	s.offersExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opscore_offers_expired_total",
		Help: "Open offers flipped to expired by the sweeper.",
	})

	s.register(reg, s.offersBroadcastTotal, "opscore_offers_broadcast_total")
	s.register(reg, s.offerRecipients, "opscore_offer_recipients")
	s.register(reg, s.claimsTotal, "opscore_offer_claims_total")
	s.register(reg, s.offersExpiredTotal, "opscore_offers_expired_total")
}

func (s *PrometheusSink) initSLAMetrics(reg prometheus.Registerer) {
	s.slaChecksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opscore_sla_checks_total",
		Help: "Total number of SLA check runs.",
	})
	s.slaCheckErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opscore_sla_check_errors_total",
		Help: "SLA check runs that failed before completing the scan.",
	})
	s.slaCheckDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "opscore_sla_check_duration_seconds",
		Help:    "Duration of each SLA check run in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.slaBreachesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opscore_sla_breaches_total",
		Help: "Total number of breach records created.",
	})

	s.register(reg, s.slaChecksTotal, "opscore_sla_checks_total")
	s.register(reg, s.slaCheckErrorsTotal, "opscore_sla_check_errors_total")
	s.register(reg, s.slaCheckDuration, "opscore_sla_check_duration_seconds")
	s.register(reg, s.slaBreachesTotal, "opscore_sla_breaches_total")
}

func (s *PrometheusSink) initWorkflowMetrics(reg prometheus.Registerer) {
	s.workflowExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opscore_workflow_executions_total",
		Help: "Workflow executions by final status.",
	}, []string{"status"})
	s.actionAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opscore_workflow_action_attempts_total",
		Help: "Workflow action attempts by type and status class.",
	}, []string{"action", "status_class"})
	s.actionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "opscore_workflow_action_duration_seconds",
		Help:    "Action latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.register(reg, s.workflowExecutionsTotal, "opscore_workflow_executions_total")
	s.register(reg, s.actionAttemptsTotal, "opscore_workflow_action_attempts_total")
	s.register(reg, s.actionDuration, "opscore_workflow_action_duration_seconds")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, collector prometheus.Collector, name string) {
	if reg == nil {
		return
	}
	if err := reg.Register(collector); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

func (s *PrometheusSink) EventPublished(eventDomain string) {
	s.eventsPublishedTotal.WithLabelValues(eventDomain).Inc()
}

func (s *PrometheusSink) PublishError() {
	s.publishErrorsTotal.Inc()
}

func (s *PrometheusSink) SubscriberDelivery(outcome string) {
	s.deliveriesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) SubscriberCount(count int) {
	s.subscribers.Set(float64(count))
}

func (s *PrometheusSink) OfferBroadcast(recipients int) {
	s.offersBroadcastTotal.Inc()
	s.offerRecipients.Observe(float64(recipients))
}

func (s *PrometheusSink) ClaimResolved(outcome string) {
	s.claimsTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) OffersExpired(count int) {
	s.offersExpiredTotal.Add(float64(count))
}

func (s *PrometheusSink) SLACheckCompleted(duration time.Duration, breaches int, err error) {
	s.slaChecksTotal.Inc()
	s.slaCheckDuration.Observe(duration.Seconds())
	if err != nil {
		s.slaCheckErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) SLABreachRecorded() {
	s.slaBreachesTotal.Inc()
}

func (s *PrometheusSink) WorkflowExecution(outcome string) {
	s.workflowExecutionsTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) ActionAttempt(actionType, statusClass string, duration time.Duration) {
	s.actionAttemptsTotal.WithLabelValues(actionType, statusClass).Inc()
	s.actionDuration.Observe(duration.Seconds())
}

var _ Sink = (*PrometheusSink)(nil)
