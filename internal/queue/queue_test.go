package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/taskengine/internal/domain/job"
	"github.com/r3e-network/taskengine/internal/errs"
	"github.com/r3e-network/taskengine/internal/store"
)

// fakeJobStore is a minimal in-memory store.JobStore for exercising the
// queue service's retry-backoff decision without a live database.
type fakeJobStore struct {
	failed     []string
	failRetry  []*time.Time
	completed  []string
}

func (f *fakeJobStore) Enqueue(ctx context.Context, j job.Job) (job.Job, error) { return j, nil }
func (f *fakeJobStore) DequeueBatch(ctx context.Context, owner string, lease time.Duration, batch int) ([]job.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) Complete(ctx context.Context, uuid string) error {
	f.completed = append(f.completed, uuid)
	return nil
}
func (f *fakeJobStore) Fail(ctx context.Context, uuid string, retryAt *time.Time, msg string) error {
	f.failed = append(f.failed, uuid)
	f.failRetry = append(f.failRetry, retryAt)
	return nil
}
func (f *fakeJobStore) Cancel(ctx context.Context, uuid string) error { return nil }
func (f *fakeJobStore) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeJobStore) GetJob(ctx context.Context, uuid string) (job.Job, error) { return job.Job{}, nil }
func (f *fakeJobStore) Stats(ctx context.Context) (store.Stats, error)           { return store.Stats{}, nil }
func (f *fakeJobStore) FindJobsWithFilters(ctx context.Context, filter store.Filter, p errs.Pagination) (store.ListResponse[job.Job], error) {
	return store.ListResponse[job.Job]{}, nil
}
func (f *fakeJobStore) CountJobs(ctx context.Context, filter store.Filter) (int64, error) { return 0, nil }

var _ store.JobStore = (*fakeJobStore)(nil)

func TestFailWithRetriesRemainingComputesBackoffAndRequeues(t *testing.T) {
	fake := &fakeJobStore{}
	svc := New(fake, DefaultConfig(), nil)

	j := job.Job{UUID: "job-1", RetryCount: 1, MaxRetries: 3, RetryDelaySeconds: 1}
	err := svc.Fail(context.Background(), j, "boom")
	require.NoError(t, err)
	require.Equal(t, []string{"job-1"}, fake.failed)
	require.NotNil(t, fake.failRetry[0])
	require.True(t, fake.failRetry[0].After(time.Now()))
}

func TestFailWithExhaustedRetriesMarksTerminal(t *testing.T) {
	fake := &fakeJobStore{}
	svc := New(fake, DefaultConfig(), nil)

	j := job.Job{UUID: "job-2", RetryCount: 3, MaxRetries: 3, RetryDelaySeconds: 1}
	err := svc.Fail(context.Background(), j, "boom")
	require.NoError(t, err)
	require.Equal(t, []string{"job-2"}, fake.failed)
	require.Nil(t, fake.failRetry[0])
}
