package sla

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner drives the checker on a cron schedule. The checker itself is
// purely pull-based; all timer state lives here.
type Runner struct {
	checker  *Checker
	schedule cron.Schedule
	spec     string
	clock    func() time.Time
}

// NewRunner parses a standard 5-field cron expression (e.g. "*/5 * * * *")
// for the check schedule.
func NewRunner(checker *Checker, spec string) (*Runner, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sla check schedule %q: %w", spec, err)
	}
	return &Runner{
		checker:  checker,
		schedule: schedule,
		spec:     spec,
		clock:    time.Now,
	}, nil
}

// Run executes the check loop until ctx is cancelled. One check runs
// immediately on startup so a freshly started instance does not wait a
// full schedule period before escalating anything.
func (r *Runner) Run(ctx context.Context) {
	log.Printf("sla: runner started (schedule=%q)", r.spec)

	if _, err := r.checker.RunCheck(ctx); err != nil {
		log.Printf("sla: startup check failed: %v", err)
	}

	for {
		next := r.schedule.Next(r.clock())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			log.Println("sla: runner stopped")
			return
		case <-timer.C:
			if _, err := r.checker.RunCheck(ctx); err != nil {
				log.Printf("sla: check failed: %v", err)
			}
		}
	}
}
