// Package scheduler triggers sync cycles on a cron schedule evaluated in the
// reference timezone.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "inkcal/internal/log"
	"inkcal/internal/syncer"
)

// Runner runs one sync cycle.
type Runner interface {
	RunCycle(ctx context.Context) syncer.Report
}

type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	spec   string

	// ctx is Run's context; set before the cron loop starts.
	ctx context.Context
}

// New parses spec (standard five-field cron) in loc. Overlapping ticks are
// skipped while a cycle is still running.
func New(spec string, loc *time.Location, runner Runner) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{})),
	)
	s := &Scheduler{cron: c, runner: runner, spec: spec, ctx: context.Background()}
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("parse refresh schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	report := s.runner.RunCycle(s.ctx)
	appLog.Debug("scheduled cycle done", "cycle", report.ID, "generation", report.Generation)
}

// Next returns the next scheduled run after now.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Run optionally runs one cycle immediately, then follows the schedule until
// ctx is cancelled. Scheduled cycles run under ctx, so cancelling it also
// cancels a cycle in flight; Run waits for that cycle before returning.
func (s *Scheduler) Run(ctx context.Context, runNow bool) {
	s.ctx = ctx
	if runNow {
		s.runner.RunCycle(ctx)
	}
	s.cron.Start()
	appLog.Info("scheduler started", "schedule", s.spec, "next", s.Next().Format(time.RFC3339))

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	appLog.Info("scheduler stopped")
}

// cronLogger routes cron's own messages to the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}
