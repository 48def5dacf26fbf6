// Package scheduler triggers optimization runs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"dispatchopt/internal/model"
	"dispatchopt/internal/obs"
	"dispatchopt/internal/planner"
)

// Runner is the part of the planner the scheduler drives.
type Runner interface {
	Run(ctx context.Context, in model.SimulationInput) (planner.Result, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether expr is a five-field cron expression or a descriptor like "@hourly".
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("optimize schedule %q: %w", expr, err)
	}
	return nil
}

type Scheduler struct {
	c       *cron.Cron
	runner  Runner
	timeout time.Duration
}

// New schedules runner.Run with default inputs on expr, evaluated in loc.
// Concurrent firings are skipped while a run is still in flight.
func New(expr string, runner Runner, loc *time.Location) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	s := &Scheduler{
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		runner:  runner,
		timeout: time.Minute,
	}
	if _, err := s.c.AddFunc(expr, s.fire); err != nil {
		return nil, fmt.Errorf("optimize schedule %q: %w", expr, err)
	}
	return s, nil
}

func (s *Scheduler) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx = obs.WithRequestID(ctx, "cron")
	res, err := s.runner.Run(ctx, model.SimulationInput{})
	if err != nil {
		log.Printf("scheduler: run failed: %v", err)
		return
	}
	log.Printf("scheduler: run_id=%s efficiency=%.2f", res.Run.ID, res.KPIs().EfficiencyScore)
}

func (s *Scheduler) Start() { s.c.Start() }

// Stop halts future firings and returns a context that is done once any
// in-flight run has finished.
func (s *Scheduler) Stop() context.Context { return s.c.Stop() }

// Next returns the next firing time, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
