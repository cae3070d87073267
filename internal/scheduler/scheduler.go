// Package scheduler is the cron-driven Job producer (C5): on a fixed
// tick it polls for Schedules due to fire and turns each into a Job
// via internal/queue. Grounded on the teacher's
// services/automation.Service.runScheduler ticker-plus-poll loop
// (automation_service.go, automation_triggers.go), upgraded from the
// teacher's own hand-rolled five-field parser (which only understands
// a literal minute or "*" and is explicitly commented as a stand-in
// for "a full cron parser") to github.com/robfig/cron/v3, already a
// pack-wide dependency.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/r3e-network/taskengine/infrastructure/logging"
	"github.com/r3e-network/taskengine/internal/domain/job"
	"github.com/r3e-network/taskengine/internal/domain/schedule"
	"github.com/r3e-network/taskengine/internal/queue"
	"github.com/r3e-network/taskengine/internal/store"
)

// parser accepts the standard 5-field cron format; schedules are
// always evaluated in UTC regardless of the configured display
// timezone (that timezone is for presentation, not scheduling).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Config tunes the scheduler's poll cadence.
type Config struct {
	TickInterval time.Duration
	BatchSize    int
}

func DefaultConfig() Config {
	return Config{TickInterval: 30 * time.Second, BatchSize: 50}
}

// Scheduler polls store.ScheduleStore for due schedules and enqueues a
// Job for each via the Job Queue, per spec.md §4.5.
type Scheduler struct {
	schedules store.ScheduleStore
	queue     *queue.Service
	cfg       Config
	logger    *logging.Logger
}

func New(schedules store.ScheduleStore, q *queue.Service, cfg Config, logger *logging.Logger) *Scheduler {
	return &Scheduler{schedules: schedules, queue: q, cfg: cfg, logger: logger}
}

// Run blocks, ticking every cfg.TickInterval until ctx is cancelled.
// Grounded directly on runScheduler's ticker/select shape; this
// package has no separate stop channel since ctx cancellation already
// covers the teacher's dual ctx.Done()/stopCh select arms (there is no
// second caller of Stop independent of shutdown here).
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every due schedule once. A schedule that has reached
// MaxExecutions is skipped and left disabled-by-exhaustion rather than
// deleted; a cron expression that fails to parse is logged and the
// schedule's next_run_at is left untouched so it doesn't fire again
// every tick until fixed. Each tick also returns jobs whose lease has
// expired to Queued via queue.ReclaimExpiredLeases.
func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.queue.ReclaimExpiredLeases(ctx); err != nil && s.logger != nil {
		s.logger.WithFields(map[string]any{"error": err.Error()}).Warn("scheduler: reclaim expired leases failed")
	}

	now := time.Now().UTC()
	due, err := s.schedules.ListDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		if s.logger != nil {
			s.logger.WithFields(map[string]any{"error": err.Error()}).Warn("scheduler: list due schedules failed")
		}
		return
	}

	for i := range due {
		s.fire(ctx, due[i], now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched schedule.Schedule, now time.Time) {
	if sched.Exhausted() {
		return
	}

	next, err := s.nextFireTime(sched.CronExpression, now)
	if err != nil {
		if s.logger != nil {
			s.logger.WithFields(map[string]any{"schedule_uuid": sched.UUID, "cron": sched.CronExpression, "error": err.Error()}).
				Warn("scheduler: invalid cron expression, skipping")
		}
		return
	}

	if _, err := s.queue.Enqueue(ctx, sched.TaskID, &sched.ID, sched.Input, job.PriorityNormal); err != nil {
		if s.logger != nil {
			s.logger.WithFields(map[string]any{"schedule_uuid": sched.UUID, "error": err.Error()}).Warn("scheduler: enqueue failed")
		}
		return
	}

	sched.RecordFire(now, next)
	if _, err := s.schedules.UpdateSchedule(ctx, sched); err != nil && s.logger != nil {
		s.logger.WithFields(map[string]any{"schedule_uuid": sched.UUID, "error": err.Error()}).Warn("scheduler: failed to update bookkeeping after fire")
	}
}

func (s *Scheduler) nextFireTime(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}

// NextFireTimes previews the next n fire times for cronExpr starting
// from from, without touching any schedule's bookkeeping. A
// SPEC_FULL.md addition (not present in spec.md's distilled operation
// list) so a schedule-management client can show "this will next run
// at ..." before committing to a cron string.
func NextFireTimes(cronExpr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, 0, n)
	next := from
	for i := 0; i < n; i++ {
		next = sched.Next(next)
		times = append(times, next)
	}
	return times, nil
}
