// Package queue is the service-layer wrapper around internal/store's
// JobStore, implementing spec.md §4.3's enqueue/dequeue_batch/complete/
// fail/cancel/stats operation contract plus the retry-backoff policy
// from spec.md §4.4. Grounded on the teacher's thin
// infrastructure/service wrapper pattern (services call into a
// repository, never touch SQL themselves).
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/taskengine/infrastructure/logging"
	"github.com/r3e-network/taskengine/internal/domain/job"
	"github.com/r3e-network/taskengine/internal/errs"
	"github.com/r3e-network/taskengine/internal/store"
)

// Config tunes dequeue batching and retry backoff.
type Config struct {
	DequeueBatchSize int
	LeaseDuration    time.Duration
	DefaultMaxRetries int
	RetryDelayCap    time.Duration
}

// DefaultConfig mirrors internal/config's defaults for standalone use
// (e.g. in tests) without threading a *config.Config through.
func DefaultConfig() Config {
	return Config{
		DequeueBatchSize:  10,
		LeaseDuration:     5 * time.Minute,
		DefaultMaxRetries: 3,
		RetryDelayCap:     10 * time.Minute,
	}
}

// Service is the Job Queue (C4): a thin facade over store.JobStore that
// owns the retry-backoff decision spec.md §4.3/§4.4 assign to the
// queue, not the repository.
type Service struct {
	store  store.JobStore
	cfg    Config
	logger *logging.Logger
}

func New(s store.JobStore, cfg Config, logger *logging.Logger) *Service {
	return &Service{store: s, cfg: cfg, logger: logger}
}

// Enqueue creates a new Job for taskID with the given input, applying
// queue-wide retry defaults the caller didn't set explicitly.
func (s *Service) Enqueue(ctx context.Context, taskID int64, scheduleID *int64, input []byte, priority job.Priority) (job.Job, error) {
	j := job.Job{
		UUID:              uuid.NewString(),
		TaskID:            taskID,
		ScheduleID:        scheduleID,
		Input:             input,
		Status:            job.StatusQueued,
		Priority:          priority,
		MaxRetries:        s.cfg.DefaultMaxRetries,
		RetryDelaySeconds: 1,
		ProcessAt:         time.Now().UTC(),
	}
	out, err := s.store.Enqueue(ctx, j)
	if err != nil {
		return job.Job{}, err
	}
	if s.logger != nil {
		s.logger.WithFields(map[string]any{"job_uuid": out.UUID, "task_id": taskID}).Info("job enqueued")
	}
	return out, nil
}

// DequeueBatch atomically claims up to the configured batch size of
// eligible jobs for owner (typically a worker pool instance id).
func (s *Service) DequeueBatch(ctx context.Context, owner string) ([]job.Job, error) {
	return s.store.DequeueBatch(ctx, owner, s.cfg.LeaseDuration, s.cfg.DequeueBatchSize)
}

// Complete marks a job Completed after its execution succeeded.
func (s *Service) Complete(ctx context.Context, uuid string) error {
	return s.store.Complete(ctx, uuid)
}

// Cancel marks a non-terminal job Cancelled.
func (s *Service) Cancel(ctx context.Context, uuid string) error {
	return s.store.Cancel(ctx, uuid)
}

// Fail records a failed attempt at j. When retries remain it computes
// process_at = now + retry_delay_seconds * 2^retry_count (capped at
// RetryDelayCap per spec.md §4.3) and returns the job to the queue;
// once retries are exhausted the job is marked terminally Failed.
func (s *Service) Fail(ctx context.Context, j job.Job, errMessage string) error {
	if j.ExhaustedRetries() {
		if s.logger != nil {
			s.logger.WithFields(map[string]any{"job_uuid": j.UUID}).Warn("job retries exhausted, marking failed")
		}
		return s.store.Fail(ctx, j.UUID, nil, errMessage)
	}
	delay := j.NextRetryDelay(s.cfg.RetryDelayCap)
	retryAt := time.Now().UTC().Add(delay)
	return s.store.Fail(ctx, j.UUID, &retryAt, errMessage)
}

// ReclaimExpiredLeases returns jobs whose worker died mid-lease to the
// queue so another worker can pick them up (WorkerCrash handling, spec.md
// §4.6).
func (s *Service) ReclaimExpiredLeases(ctx context.Context) (int64, error) {
	return s.store.ReclaimExpiredLeases(ctx, time.Now().UTC())
}

// Get returns a single job by uuid.
func (s *Service) Get(ctx context.Context, uuid string) (job.Job, error) {
	return s.store.GetJob(ctx, uuid)
}

// Stats reports the current queue depth broken down by status.
func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	return s.store.Stats(ctx)
}

// Find runs a filtered, paginated query over jobs (spec.md §4.1's
// generic find_with_filters, scoped to the queue's entity).
func (s *Service) Find(ctx context.Context, filter store.Filter, pagination errs.Pagination) (store.ListResponse[job.Job], error) {
	return s.store.FindJobsWithFilters(ctx, filter, pagination)
}
