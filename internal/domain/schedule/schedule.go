// Package schedule defines the Schedule entity: a recurring cron rule
// that enqueues Jobs for a Task on a fixed cadence.
package schedule

import (
	"encoding/json"
	"time"
)

// Schedule is a cron-driven recurring trigger for a Task.
type Schedule struct {
	ID              int64           `json:"id" db:"id"`
	UUID            string          `json:"uuid" db:"uuid"`
	TaskID          int64           `json:"task_id" db:"task_id"`
	CronExpression  string          `json:"cron_expression" db:"cron_expression"`
	Input           json.RawMessage `json:"input,omitempty" db:"input"`
	Enabled         bool            `json:"enabled" db:"enabled"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty" db:"next_run_at"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty" db:"last_run_at"`
	ExecutionCount  int64           `json:"execution_count" db:"execution_count"`
	MaxExecutions   *int64          `json:"max_executions,omitempty" db:"max_executions"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Exhausted reports whether the schedule has reached its execution cap
// and should no longer fire.
func (s *Schedule) Exhausted() bool {
	return s.MaxExecutions != nil && s.ExecutionCount >= *s.MaxExecutions
}

// RecordFire advances the schedule's bookkeeping after it produces a Job.
func (s *Schedule) RecordFire(now time.Time, next time.Time) {
	s.LastRunAt = &now
	s.NextRunAt = &next
	s.ExecutionCount++
}
