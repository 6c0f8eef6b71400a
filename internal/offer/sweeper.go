package offer

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/facilityops/opscore/internal/domain"
)

// Sweeper periodically flips stale open offers to expired. Accept never
// depends on it: the claim CAS checks expires_at itself. The sweep only
// keeps listings honest and notifies subscribers that an offer timed out.
type Sweeper struct {
	config    SweeperConfig
	store     Store
	publisher EventPublisher
	metrics   MetricsSink // optional, nil = disabled
	clock     func() time.Time
}

type SweeperConfig struct {
	// Interval is how often the sweep runs. Default: 1 minute.
	Interval time.Duration

	// BatchSize caps offers expired per cycle. Default: 100.
	BatchSize int
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:  time.Minute,
		BatchSize: 100,
	}
}

func NewSweeper(config SweeperConfig, store Store, publisher EventPublisher) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Sweeper{
		config:    config,
		store:     store,
		publisher: publisher,
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics sink.
func (s *Sweeper) WithMetrics(sink MetricsSink) *Sweeper {
	s.metrics = sink
	return s
}

// WithClock overrides the time source, for tests.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	log.Printf("sweeper: started (interval=%s, batch=%d)", s.config.Interval, s.config.BatchSize)

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("sweeper: stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes one sweep cycle and returns how many offers expired.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	now := s.clock().UTC()

	stale, err := s.store.ExpireStaleOffers(ctx, now, s.config.BatchSize)
	if err != nil {
		log.Printf("sweeper: expire query failed: %v", err)
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	if s.metrics != nil {
		s.metrics.OffersExpired(len(stale))
	}

	for _, entry := range stale {
		if ctx.Err() != nil {
			log.Printf("sweeper: cycle interrupted after %d offers", len(stale))
			return len(stale)
		}

		payload, _ := json.Marshal(domain.OfferExpiredPayload{
			OfferID:   entry.Offer.ID.String(),
			RequestID: entry.Offer.RequestID.String(),
		})
		if _, err := s.publisher.Publish(ctx, "", domain.EventInput{
			EventType:   entry.ItemDomain + "." + domain.EventSuffixOfferExpired,
			AggregateID: entry.Offer.RequestID.String(),
			Payload:     payload,
		}); err != nil {
			log.Printf("sweeper: expired event publish failed offer=%s: %v", entry.Offer.ID, err)
		}
	}

	log.Printf("sweeper: expired %d offers", len(stale))
	return len(stale)
}
