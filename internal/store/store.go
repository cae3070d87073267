// Package store defines the persistence contracts for the task engine's
// core entities and a PostgreSQL implementation backed by
// jmoiron/sqlx and lib/pq.
package store

import (
	"context"
	"time"

	"github.com/r3e-network/taskengine/internal/domain/delivery"
	"github.com/r3e-network/taskengine/internal/domain/execution"
	"github.com/r3e-network/taskengine/internal/domain/job"
	"github.com/r3e-network/taskengine/internal/domain/schedule"
	"github.com/r3e-network/taskengine/internal/domain/task"
	"github.com/r3e-network/taskengine/internal/errs"
)

// TaskStore persists Task definitions synced from the registry.
type TaskStore interface {
	UpsertTask(ctx context.Context, t task.Task) (task.Task, error)
	GetTask(ctx context.Context, uuid string) (task.Task, error)
	GetTaskByID(ctx context.Context, id int64) (task.Task, error)
	GetTaskByName(ctx context.Context, name, version string) (task.Task, error)
	ListTasks(ctx context.Context, onlyEnabled bool) ([]task.Task, error)
	DeleteTask(ctx context.Context, uuid string) error
	FindTasksWithFilters(ctx context.Context, filter Filter, pagination errs.Pagination) (ListResponse[task.Task], error)
	CountTasks(ctx context.Context, filter Filter) (int64, error)
}

// ScheduleStore persists cron Schedules and supports the polling query
// the scheduler uses to find schedules due to fire.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error)
	UpdateSchedule(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error)
	GetSchedule(ctx context.Context, uuid string) (schedule.Schedule, error)
	ListDue(ctx context.Context, asOf time.Time, limit int) ([]schedule.Schedule, error)
	ListSchedules(ctx context.Context, taskID int64) ([]schedule.Schedule, error)
	DeleteSchedule(ctx context.Context, uuid string) error
	FindSchedulesWithFilters(ctx context.Context, filter Filter, pagination errs.Pagination) (ListResponse[schedule.Schedule], error)
	CountSchedules(ctx context.Context, filter Filter) (int64, error)
}

// JobStore persists queued Jobs and implements the lease-based dequeue
// the worker pool uses to claim work without double-processing.
type JobStore interface {
	Enqueue(ctx context.Context, j job.Job) (job.Job, error)
	DequeueBatch(ctx context.Context, owner string, leaseDuration time.Duration, batchSize int) ([]job.Job, error)
	Complete(ctx context.Context, uuid string) error
	Fail(ctx context.Context, uuid string, retryAt *time.Time, errMessage string) error
	Cancel(ctx context.Context, uuid string) error
	ReclaimExpiredLeases(ctx context.Context, now time.Time) (int64, error)
	GetJob(ctx context.Context, uuid string) (job.Job, error)
	Stats(ctx context.Context) (Stats, error)
	FindJobsWithFilters(ctx context.Context, filter Filter, pagination errs.Pagination) (ListResponse[job.Job], error)
	CountJobs(ctx context.Context, filter Filter) (int64, error)
}

// Stats summarizes queue depth by status, exposed both as a typed result
// and mirrored onto Prometheus gauges by the caller.
type Stats struct {
	Queued     int64
	Processing int64
	Retrying   int64
	Completed  int64
	Failed     int64
	Cancelled  int64
}

// ExecutionStore persists Execution records: one row per attempt to run
// a Job (or an ad-hoc invocation with no backing Job).
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e execution.Execution) (execution.Execution, error)
	UpdateExecution(ctx context.Context, e execution.Execution) (execution.Execution, error)
	GetExecution(ctx context.Context, uuid string) (execution.Execution, error)
	ListExecutions(ctx context.Context, taskID int64, limit int) ([]execution.Execution, error)
	FindExecutionsWithFilters(ctx context.Context, filter Filter, pagination errs.Pagination) (ListResponse[execution.Execution], error)
	CountExecutions(ctx context.Context, filter Filter) (int64, error)
}

// DeliveryStore persists delivery destination configuration and the
// outcome of each attempt to ship an execution's output to one.
type DeliveryStore interface {
	ListDestinations(ctx context.Context, onlyEnabled bool) ([]delivery.Destination, error)
	GetDestination(ctx context.Context, name string) (delivery.Destination, error)
	UpsertDestination(ctx context.Context, d delivery.Destination) (delivery.Destination, error)
	RecordResult(ctx context.Context, r delivery.DeliveryResult) (delivery.DeliveryResult, error)
	ListResults(ctx context.Context, executionID int64) ([]delivery.DeliveryResult, error)
	FindDeliveryResultsWithFilters(ctx context.Context, filter Filter, pagination errs.Pagination) (ListResponse[delivery.DeliveryResult], error)
	CountDeliveryResults(ctx context.Context, filter Filter) (int64, error)
}

// Store aggregates every repository the coordinator needs. The Postgres
// implementation satisfies all of them over a single connection pool,
// plus a process-wide HealthCheck per spec.md §4.1's repository
// contract.
type Store interface {
	TaskStore
	ScheduleStore
	JobStore
	ExecutionStore
	DeliveryStore
	HealthCheck(ctx context.Context) error
}
