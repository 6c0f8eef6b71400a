// Package analytics records event volume to Redis as time-bucketed
// counters. Best-effort: failures are logged by the caller and never
// affect publishing.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/facilityops/opscore/internal/domain"
)

type RedisSink struct {
	client    *redis.Client
	window    time.Duration
	retention time.Duration
}

// NewRedisSink counts events per domain and type in window-sized buckets,
// keeping each bucket for retention.
func NewRedisSink(client *redis.Client, window, retention time.Duration) *RedisSink {
	if window <= 0 {
		window = time.Minute
	}
	if retention < window {
		retention = 24 * time.Hour
	}
	return &RedisSink{client: client, window: window, retention: retention}
}

// Record increments the bucket for the event's domain and type.
func (s *RedisSink) Record(ctx context.Context, event domain.DomainEvent) error {
	bucket := truncateToBucket(event.CreatedAt, s.window)
	domainKey := fmt.Sprintf("ev:d:%s:%s", event.Domain, bucket)
	typeKey := fmt.Sprintf("ev:t:%s:%s", event.EventType, bucket)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, domainKey)
	pipe.Expire(ctx, domainKey, s.retention)
	pipe.Incr(ctx, typeKey)
	pipe.Expire(ctx, typeKey, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
