package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/taskengine/internal/domain/job"
	"github.com/r3e-network/taskengine/internal/domain/schedule"
	"github.com/r3e-network/taskengine/internal/errs"
	"github.com/r3e-network/taskengine/internal/queue"
	"github.com/r3e-network/taskengine/internal/store"
)

type fakeScheduleStore struct {
	due     []schedule.Schedule
	updated []schedule.Schedule
}

func (f *fakeScheduleStore) CreateSchedule(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	return s, nil
}
func (f *fakeScheduleStore) UpdateSchedule(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	f.updated = append(f.updated, s)
	return s, nil
}
func (f *fakeScheduleStore) GetSchedule(ctx context.Context, uuid string) (schedule.Schedule, error) {
	return schedule.Schedule{}, nil
}
func (f *fakeScheduleStore) ListDue(ctx context.Context, asOf time.Time, limit int) ([]schedule.Schedule, error) {
	return f.due, nil
}
func (f *fakeScheduleStore) ListSchedules(ctx context.Context, taskID int64) ([]schedule.Schedule, error) {
	return nil, nil
}
func (f *fakeScheduleStore) DeleteSchedule(ctx context.Context, uuid string) error { return nil }
func (f *fakeScheduleStore) FindSchedulesWithFilters(ctx context.Context, filter store.Filter, pagination errs.Pagination) (store.ListResponse[schedule.Schedule], error) {
	return store.ListResponse[schedule.Schedule]{}, nil
}
func (f *fakeScheduleStore) CountSchedules(ctx context.Context, filter store.Filter) (int64, error) {
	return 0, nil
}

var _ store.ScheduleStore = (*fakeScheduleStore)(nil)

type fakeJobStoreForScheduler struct {
	enqueued []job.Job
}

func (f *fakeJobStoreForScheduler) Enqueue(ctx context.Context, j job.Job) (job.Job, error) {
	f.enqueued = append(f.enqueued, j)
	return j, nil
}
func (f *fakeJobStoreForScheduler) DequeueBatch(ctx context.Context, owner string, lease time.Duration, batch int) ([]job.Job, error) {
	return nil, nil
}
func (f *fakeJobStoreForScheduler) Complete(ctx context.Context, uuid string) error { return nil }
func (f *fakeJobStoreForScheduler) Fail(ctx context.Context, uuid string, retryAt *time.Time, msg string) error {
	return nil
}
func (f *fakeJobStoreForScheduler) Cancel(ctx context.Context, uuid string) error { return nil }
func (f *fakeJobStoreForScheduler) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeJobStoreForScheduler) GetJob(ctx context.Context, uuid string) (job.Job, error) {
	return job.Job{}, nil
}
func (f *fakeJobStoreForScheduler) Stats(ctx context.Context) (store.Stats, error) {
	return store.Stats{}, nil
}
func (f *fakeJobStoreForScheduler) FindJobsWithFilters(ctx context.Context, filter store.Filter, p errs.Pagination) (store.ListResponse[job.Job], error) {
	return store.ListResponse[job.Job]{}, nil
}
func (f *fakeJobStoreForScheduler) CountJobs(ctx context.Context, filter store.Filter) (int64, error) {
	return 0, nil
}

var _ store.JobStore = (*fakeJobStoreForScheduler)(nil)

func TestTickEnqueuesDueScheduleAndAdvancesBookkeeping(t *testing.T) {
	schedules := &fakeScheduleStore{due: []schedule.Schedule{
		{ID: 1, UUID: "sched-1", TaskID: 42, CronExpression: "*/5 * * * *", ExecutionCount: 0},
	}}
	jobs := &fakeJobStoreForScheduler{}
	q := queue.New(jobs, queue.DefaultConfig(), nil)
	s := New(schedules, q, DefaultConfig(), nil)

	s.tick(context.Background())

	require.Len(t, jobs.enqueued, 1)
	require.Equal(t, int64(42), jobs.enqueued[0].TaskID)
	require.Len(t, schedules.updated, 1)
	require.Equal(t, int64(1), schedules.updated[0].ExecutionCount)
	require.NotNil(t, schedules.updated[0].NextRunAt)
}

func TestTickSkipsExhaustedSchedule(t *testing.T) {
	maxExec := int64(3)
	schedules := &fakeScheduleStore{due: []schedule.Schedule{
		{ID: 2, UUID: "sched-2", TaskID: 1, CronExpression: "* * * * *", MaxExecutions: &maxExec, ExecutionCount: 3},
	}}
	jobs := &fakeJobStoreForScheduler{}
	q := queue.New(jobs, queue.DefaultConfig(), nil)
	s := New(schedules, q, DefaultConfig(), nil)

	s.tick(context.Background())

	require.Empty(t, jobs.enqueued)
	require.Empty(t, schedules.updated)
}

func TestTickSkipsInvalidCronWithoutEnqueueing(t *testing.T) {
	schedules := &fakeScheduleStore{due: []schedule.Schedule{
		{ID: 3, UUID: "sched-3", TaskID: 1, CronExpression: "not a cron"},
	}}
	jobs := &fakeJobStoreForScheduler{}
	q := queue.New(jobs, queue.DefaultConfig(), nil)
	s := New(schedules, q, DefaultConfig(), nil)

	s.tick(context.Background())

	require.Empty(t, jobs.enqueued)
	require.Empty(t, schedules.updated)
}

func TestNextFireTimesReturnsRequestedCount(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	times, err := NextFireTimes("0 * * * *", from, 3)
	require.NoError(t, err)
	require.Len(t, times, 3)
	require.True(t, times[0].Before(times[1]))
	require.True(t, times[1].Before(times[2]))
}

func TestNextFireTimesRejectsInvalidExpression(t *testing.T) {
	_, err := NextFireTimes("garbage", time.Now(), 1)
	require.Error(t, err)
}
