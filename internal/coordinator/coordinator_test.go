package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domainexecution "github.com/r3e-network/taskengine/internal/domain/execution"
	"github.com/r3e-network/taskengine/internal/domain/job"
	"github.com/r3e-network/taskengine/internal/domain/task"
	"github.com/r3e-network/taskengine/internal/errs"
	"github.com/r3e-network/taskengine/internal/queue"
	"github.com/r3e-network/taskengine/internal/store"
	"github.com/r3e-network/taskengine/internal/worker"
	"github.com/r3e-network/taskengine/internal/worker/ipc"
)

// -- fakes -------------------------------------------------------------

type fakeJobStore struct {
	mu         sync.Mutex
	batch      []job.Job
	completed  []string
	failed     []string
	retryAt    []*time.Time
	dequeueLen int
}

func (s *fakeJobStore) Enqueue(ctx context.Context, j job.Job) (job.Job, error) { return j, nil }

func (s *fakeJobStore) DequeueBatch(ctx context.Context, owner string, leaseDuration time.Duration, batchSize int) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dequeueLen++
	out := s.batch
	s.batch = nil
	return out, nil
}

func (s *fakeJobStore) Complete(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, uuid)
	return nil
}

func (s *fakeJobStore) Fail(ctx context.Context, uuid string, retryAt *time.Time, errMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, uuid)
	s.retryAt = append(s.retryAt, retryAt)
	return nil
}

func (s *fakeJobStore) Cancel(ctx context.Context, uuid string) error { return nil }
func (s *fakeJobStore) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
func (s *fakeJobStore) GetJob(ctx context.Context, uuid string) (job.Job, error) {
	return job.Job{}, errs.NotFound("job", uuid)
}
func (s *fakeJobStore) Stats(ctx context.Context) (store.Stats, error) { return store.Stats{}, nil }
func (s *fakeJobStore) FindJobsWithFilters(ctx context.Context, filter store.Filter, pagination errs.Pagination) (store.ListResponse[job.Job], error) {
	return store.ListResponse[job.Job]{}, nil
}
func (s *fakeJobStore) CountJobs(ctx context.Context, filter store.Filter) (int64, error) {
	return 0, nil
}

var _ store.JobStore = (*fakeJobStore)(nil)

type fakeTaskStore struct {
	byID map[int64]task.Task
}

func (s *fakeTaskStore) UpsertTask(ctx context.Context, t task.Task) (task.Task, error) { return t, nil }
func (s *fakeTaskStore) GetTask(ctx context.Context, uuid string) (task.Task, error) {
	for _, t := range s.byID {
		if t.UUID == uuid {
			return t, nil
		}
	}
	return task.Task{}, errs.NotFound("task", uuid)
}
func (s *fakeTaskStore) GetTaskByID(ctx context.Context, id int64) (task.Task, error) {
	t, ok := s.byID[id]
	if !ok {
		return task.Task{}, errs.NotFound("task", "")
	}
	return t, nil
}
func (s *fakeTaskStore) GetTaskByName(ctx context.Context, name, version string) (task.Task, error) {
	return task.Task{}, errs.NotFound("task", name)
}
func (s *fakeTaskStore) ListTasks(ctx context.Context, onlyEnabled bool) ([]task.Task, error) {
	return nil, nil
}
func (s *fakeTaskStore) DeleteTask(ctx context.Context, uuid string) error { return nil }
func (s *fakeTaskStore) FindTasksWithFilters(ctx context.Context, filter store.Filter, pagination errs.Pagination) (store.ListResponse[task.Task], error) {
	return store.ListResponse[task.Task]{}, nil
}
func (s *fakeTaskStore) CountTasks(ctx context.Context, filter store.Filter) (int64, error) {
	return 0, nil
}

var _ store.TaskStore = (*fakeTaskStore)(nil)

type fakeExecutionStore struct {
	mu      sync.Mutex
	created []domainexecution.Execution
	updated []domainexecution.Execution
	nextID  int64
}

func (s *fakeExecutionStore) CreateExecution(ctx context.Context, e domainexecution.Execution) (domainexecution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	s.created = append(s.created, e)
	return e, nil
}
func (s *fakeExecutionStore) UpdateExecution(ctx context.Context, e domainexecution.Execution) (domainexecution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, e)
	return e, nil
}
func (s *fakeExecutionStore) GetExecution(ctx context.Context, uuid string) (domainexecution.Execution, error) {
	return domainexecution.Execution{}, errs.NotFound("execution", uuid)
}
func (s *fakeExecutionStore) ListExecutions(ctx context.Context, taskID int64, limit int) ([]domainexecution.Execution, error) {
	return nil, nil
}
func (s *fakeExecutionStore) FindExecutionsWithFilters(ctx context.Context, filter store.Filter, pagination errs.Pagination) (store.ListResponse[domainexecution.Execution], error) {
	return store.ListResponse[domainexecution.Execution]{}, nil
}
func (s *fakeExecutionStore) CountExecutions(ctx context.Context, filter store.Filter) (int64, error) {
	return 0, nil
}

var _ store.ExecutionStore = (*fakeExecutionStore)(nil)

type fakeLoader struct {
	content task.Content
	err     error
}

func (f *fakeLoader) Load(ctx context.Context, ref task.Reference) (task.Content, error) {
	return f.content, f.err
}

type fakeDispatcher struct {
	idle int

	mu   sync.Mutex
	resp *ipc.Envelope
	err  error
}

func (d *fakeDispatcher) IdleCount() int { return d.idle }
func (d *fakeDispatcher) Dispatch(ctx context.Context, req ipc.ExecuteTaskPayload) (*ipc.Envelope, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resp, d.err
}

func taskResultEnvelope(t *testing.T, output string) *ipc.Envelope {
	env, err := ipc.NewEnvelope(ipc.KindTaskResult, "m1", "c1", ipc.TaskResultPayload{Output: json.RawMessage(output)})
	require.NoError(t, err)
	return &env
}

func taskErrorEnvelope(t *testing.T, kind, message string) *ipc.Envelope {
	env, err := ipc.NewEnvelope(ipc.KindTaskError, "m1", "c1", ipc.TaskErrorPayload{Kind: kind, Message: message})
	require.NoError(t, err)
	return &env
}

// -- tests ---------------------------------------------------------------

func newTestCoordinator(t *testing.T, jobs *fakeJobStore, tasks *fakeTaskStore, execs *fakeExecutionStore, dispatcher *fakeDispatcher, loader *fakeLoader) *Coordinator {
	t.Helper()
	q := queue.New(jobs, queue.DefaultConfig(), nil)
	return New(tasks, execs, q, dispatcher, nil, loader, DefaultConfig(), nil, nil)
}

func TestTickDispatchesQueuedJobAndCompletesOnSuccess(t *testing.T) {
	jobs := &fakeJobStore{batch: []job.Job{{ID: 1, UUID: "job-1", TaskID: 42, Input: json.RawMessage(`{"n":1}`), MaxRetries: 3}}}
	tasks := &fakeTaskStore{byID: map[int64]task.Task{42: {ID: 42, UUID: "task-42", Name: "double", Version: "1", Enabled: true, Available: true}}}
	execs := &fakeExecutionStore{}
	dispatcher := &fakeDispatcher{idle: 1, resp: taskResultEnvelope(t, `{"doubled":2}`)}
	loader := &fakeLoader{content: task.Content{Name: "double", Version: "1", Source: "function main(i){return {doubled:i.n*2}}"}}

	c := newTestCoordinator(t, jobs, tasks, execs, dispatcher, loader)
	c.tick(context.Background())

	require.Len(t, execs.created, 1)
	require.Len(t, execs.updated, 1)
	require.Equal(t, domainexecution.StatusCompleted, execs.updated[0].Status)
	require.Equal(t, []string{"job-1"}, jobs.completed)
	require.Empty(t, jobs.failed)
}

func TestTickMarksJobFailedOnScriptError(t *testing.T) {
	jobs := &fakeJobStore{batch: []job.Job{{ID: 2, UUID: "job-2", TaskID: 42, MaxRetries: 3}}}
	tasks := &fakeTaskStore{byID: map[int64]task.Task{42: {ID: 42, UUID: "task-42", Name: "boom", Version: "1", Enabled: true, Available: true}}}
	execs := &fakeExecutionStore{}
	dispatcher := &fakeDispatcher{idle: 1, resp: taskErrorEnvelope(t, string(errs.KindUnknownError), "boom")}
	loader := &fakeLoader{content: task.Content{Name: "boom", Version: "1", Source: "function main(){throw new Error('boom')}"}}

	c := newTestCoordinator(t, jobs, tasks, execs, dispatcher, loader)
	c.tick(context.Background())

	require.Len(t, execs.updated, 1)
	require.Equal(t, domainexecution.StatusFailed, execs.updated[0].Status)
	require.Equal(t, "boom", execs.updated[0].ErrorMessage)
	require.Equal(t, []string{"job-2"}, jobs.failed)
	require.Empty(t, jobs.completed)
}

func TestTickSkipsDequeueWhenNoIdleWorkers(t *testing.T) {
	jobs := &fakeJobStore{batch: []job.Job{{ID: 3, UUID: "job-3", TaskID: 1}}}
	tasks := &fakeTaskStore{}
	execs := &fakeExecutionStore{}
	dispatcher := &fakeDispatcher{idle: 0}
	loader := &fakeLoader{}

	c := newTestCoordinator(t, jobs, tasks, execs, dispatcher, loader)
	c.tick(context.Background())

	require.Zero(t, jobs.dequeueLen)
	require.Empty(t, execs.created)
}

func TestProcessJobLeavesJobLeasedWhenDispatchFindsNoIdleWorker(t *testing.T) {
	jobs := &fakeJobStore{}
	tasks := &fakeTaskStore{byID: map[int64]task.Task{1: {ID: 1, UUID: "t1", Name: "n", Version: "v", Enabled: true, Available: true}}}
	execs := &fakeExecutionStore{}
	dispatcher := &fakeDispatcher{idle: 1, err: worker.ErrNoIdleWorker}
	loader := &fakeLoader{content: task.Content{Name: "n", Version: "v", Source: "function main(){return {}}"}}

	c := newTestCoordinator(t, jobs, tasks, execs, dispatcher, loader)
	c.processJob(context.Background(), job.Job{ID: 1, UUID: "job-1", TaskID: 1})

	require.Len(t, execs.created, 1)
	require.Empty(t, execs.updated)
	require.Empty(t, jobs.completed)
	require.Empty(t, jobs.failed)
}

func TestExecuteAdHocBypassesQueueAndStillPersistsExecution(t *testing.T) {
	jobs := &fakeJobStore{}
	tasks := &fakeTaskStore{}
	execs := &fakeExecutionStore{}
	dispatcher := &fakeDispatcher{idle: 1, resp: taskResultEnvelope(t, `{"ok":true}`)}
	loader := &fakeLoader{content: task.Content{Name: "adhoc", Version: "1", Source: "function main(){return {ok:true}}"}}

	c := newTestCoordinator(t, jobs, tasks, execs, dispatcher, loader)
	exec, err := c.ExecuteAdHoc(context.Background(), task.Task{ID: 9, UUID: "task-9", Name: "adhoc", Version: "1"}, json.RawMessage(`{}`))

	require.NoError(t, err)
	require.Equal(t, domainexecution.StatusCompleted, exec.Status)
	require.JSONEq(t, `{"ok":true}`, string(exec.Output))
	require.Nil(t, exec.JobID)
	require.Empty(t, jobs.completed)
	require.Empty(t, jobs.failed)
}
