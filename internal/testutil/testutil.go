// Package testutil provides shared test helpers for opscore.
package testutil

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// FakeClock provides deterministic time for testing. The zero value is not
// usable; construct with NewFakeClock.
type FakeClock struct {
	nanos atomic.Int64
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	c := &FakeClock{}
	c.nanos.Store(t.UnixNano())
	return c
}

// Now returns the current fake time in UTC.
func (c *FakeClock) Now() time.Time {
	return time.Unix(0, c.nanos.Load()).UTC()
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.nanos.Add(int64(d))
}

// TestContext returns a context cancelled when the test completes, with a
// 5-second cap so a stuck helper fails the test instead of hanging the run.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
