// Package coordinator is the single supervising loop (C9) that turns
// queued Jobs into finished Executions: dequeue, assign to an idle
// worker, await the terminal IPC response, persist the outcome, and
// (on success only) hand the output off to Delivery. Grounded on the
// teacher's services/automation.Service.runScheduler tick-and-dispatch
// shape, generalized from a single in-process step to a
// dequeue/dispatch/await/persist cycle that spans a worker subprocess
// round-trip, per spec.md §4.7.
//
// The coordinator is deliberately thin: it owns no persistence or
// transport logic of its own, only the control flow wiring
// internal/queue, internal/worker, internal/store and
// internal/delivery together. Tests substitute a fake Dispatcher in
// place of a live *worker.Pool so the loop can be exercised without a
// worker subprocess.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/taskengine/infrastructure/logging"
	"github.com/r3e-network/taskengine/infrastructure/metrics"
	"github.com/r3e-network/taskengine/internal/delivery"
	domainexecution "github.com/r3e-network/taskengine/internal/domain/execution"
	"github.com/r3e-network/taskengine/internal/domain/job"
	"github.com/r3e-network/taskengine/internal/domain/task"
	"github.com/r3e-network/taskengine/internal/errs"
	"github.com/r3e-network/taskengine/internal/queue"
	"github.com/r3e-network/taskengine/internal/store"
	"github.com/r3e-network/taskengine/internal/worker"
	"github.com/r3e-network/taskengine/internal/worker/ipc"
)

// Dispatcher is the subset of *worker.Pool the coordinator depends on.
// *worker.Pool satisfies it directly; tests substitute a fake.
type Dispatcher interface {
	IdleCount() int
	Dispatch(ctx context.Context, req ipc.ExecuteTaskPayload) (*ipc.Envelope, error)
}

// TaskLoader fetches a task's script source and schemas by reference.
// Any registry.Source satisfies this structurally.
type TaskLoader interface {
	Load(ctx context.Context, ref task.Reference) (task.Content, error)
}

// Config tunes the coordinator's poll cadence and execution defaults.
type Config struct {
	// Owner identifies this coordinator instance as a lease owner in
	// internal/queue's DequeueBatch.
	Owner string
	// PollInterval is how often the loop dequeues and dispatches.
	PollInterval time.Duration
	// DefaultTimeout bounds script execution when nothing more
	// specific applies.
	DefaultTimeout time.Duration
	// DeliveryTimeout bounds the detached delivery task spawned after
	// a successful execution.
	DeliveryTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Owner:           "coordinator",
		PollInterval:    250 * time.Millisecond,
		DefaultTimeout:  30 * time.Second,
		DeliveryTimeout: 2 * time.Minute,
	}
}

// Coordinator runs the dequeue -> dispatch -> await -> persist ->
// deliver cycle described in spec.md §4.7.
type Coordinator struct {
	tasks      store.TaskStore
	executions store.ExecutionStore
	queue      *queue.Service
	pool       Dispatcher
	deliverer  *delivery.Service
	loader     TaskLoader
	cfg        Config
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

func New(
	tasks store.TaskStore,
	executions store.ExecutionStore,
	q *queue.Service,
	pool Dispatcher,
	deliverer *delivery.Service,
	loader TaskLoader,
	cfg Config,
	logger *logging.Logger,
	m *metrics.Metrics,
) *Coordinator {
	return &Coordinator{
		tasks:      tasks,
		executions: executions,
		queue:      q,
		pool:       pool,
		deliverer:  deliverer,
		loader:     loader,
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
	}
}

// Run blocks, ticking every cfg.PollInterval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick implements one pass of spec.md §4.7's 5-step loop over a
// batch of jobs. It skips dequeuing entirely when no worker is idle.
// Otherwise it dequeues up to the queue's configured batch size, which
// is not capped at the number of idle workers: a job that finds no idle
// worker at dispatch stays leased (see processJob).
func (c *Coordinator) tick(ctx context.Context) {
	if c.pool.IdleCount() <= 0 {
		return
	}

	jobs, err := c.queue.DequeueBatch(ctx, c.cfg.Owner)
	if err != nil {
		if c.logger != nil {
			c.logger.WithError(err).Error("coordinator: dequeue batch")
		}
		return
	}
	if len(jobs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, j := range jobs {
		if c.metrics != nil {
			c.metrics.RecordJobDequeued("taskengine", fmt.Sprintf("%d", j.TaskID))
		}
		wg.Add(1)
		go func(j job.Job) {
			defer wg.Done()
			c.processJob(ctx, j)
		}(j)
	}
	wg.Wait()
}

// processJob runs one dequeued job end to end: create its Execution
// row, resolve and dispatch its script, persist the outcome, update
// the Job via the queue, and (only on success) hand its output to
// Delivery as a detached task.
func (c *Coordinator) processJob(ctx context.Context, j job.Job) {
	exec, err := c.executions.CreateExecution(ctx, newExecution(j))
	if err != nil {
		if c.logger != nil {
			c.logger.WithError(err).WithFields(map[string]any{"job_uuid": j.UUID}).Error("coordinator: create execution")
		}
		c.failJob(ctx, j, "create execution: "+err.Error())
		return
	}

	t, content, err := c.resolveSource(ctx, j.TaskID)
	if err != nil {
		exec.MarkFailed(time.Now().UTC(), string(errs.KindOf(err)), err.Error(), nil)
		c.finishExecution(ctx, exec)
		c.failJob(ctx, j, err.Error())
		return
	}

	payload := ipc.ExecuteTaskPayload{
		TaskUUID:     t.UUID,
		Source:       content.Source,
		Input:        j.Input,
		InputSchema:  t.InputSchema,
		OutputSchema: t.OutputSchema,
		TimeoutMS:    c.cfg.DefaultTimeout.Milliseconds(),
	}

	exec, result, err := c.runOnWorker(ctx, exec, payload)
	if err != nil {
		if errors.Is(err, worker.ErrNoIdleWorker) {
			// Leave the job leased/Processing; it returns to Queued
			// once its lease expires and the scheduler's tick runs
			// internal/queue.ReclaimExpiredLeases.
			if c.logger != nil {
				c.logger.WithFields(map[string]any{"job_uuid": j.UUID}).Warn("coordinator: no idle worker, leaving job for retry")
			}
			return
		}
		if c.logger != nil {
			c.logger.WithError(err).WithFields(map[string]any{"job_uuid": j.UUID}).Error("coordinator: dispatch")
		}
		c.failJob(ctx, j, err.Error())
		return
	}

	c.finishExecution(ctx, exec)

	if exec.Status != domainexecution.StatusCompleted {
		c.failJob(ctx, j, exec.ErrorMessage)
		return
	}

	if err := c.queue.Complete(ctx, j.UUID); err != nil && c.logger != nil {
		c.logger.WithError(err).WithFields(map[string]any{"job_uuid": j.UUID}).Error("coordinator: mark job complete")
	}

	if c.deliverer != nil && result != nil {
		go c.deliverOutput(t, j, exec, result.Output)
	}
}

// ExecuteAdHoc runs t against input synchronously, bypassing the
// Job/queue machinery entirely (spec.md §9's supplemented "test
// invocation" feature, matching the original's interactive execution
// mode). It still persists an Execution row for audit but never
// touches internal/queue and never spawns a Delivery task, since there
// is no Job to report status through.
func (c *Coordinator) ExecuteAdHoc(ctx context.Context, t task.Task, input json.RawMessage) (domainexecution.Execution, error) {
	now := time.Now().UTC()
	exec, err := c.executions.CreateExecution(ctx, domainexecution.Execution{
		UUID:     uuid.NewString(),
		TaskID:   t.ID,
		Input:    input,
		Status:   domainexecution.StatusPending,
		QueuedAt: now,
	})
	if err != nil {
		return domainexecution.Execution{}, err
	}

	content, err := c.loader.Load(ctx, task.Reference{Name: t.Name, Version: t.Version, SourceURI: t.SourceRef})
	if err != nil {
		exec.MarkFailed(time.Now().UTC(), string(errs.KindOf(err)), err.Error(), nil)
		c.finishExecution(ctx, exec)
		return exec, nil
	}

	payload := ipc.ExecuteTaskPayload{
		TaskUUID:     t.UUID,
		Source:       content.Source,
		Input:        input,
		InputSchema:  t.InputSchema,
		OutputSchema: t.OutputSchema,
		TimeoutMS:    c.cfg.DefaultTimeout.Milliseconds(),
	}

	exec, _, err = c.runOnWorker(ctx, exec, payload)
	if err != nil {
		return domainexecution.Execution{}, err
	}
	c.finishExecution(ctx, exec)
	return exec, nil
}

// resolveSource loads the task backing a job's TaskID and its current
// script content from the registry source it was synced from.
func (c *Coordinator) resolveSource(ctx context.Context, taskID int64) (task.Task, task.Content, error) {
	t, err := c.tasks.GetTaskByID(ctx, taskID)
	if err != nil {
		return task.Task{}, task.Content{}, err
	}
	if !t.Eligible() {
		return task.Task{}, task.Content{}, errs.New(errs.KindInvalidInput, "task", t.UUID, "task is disabled or unavailable")
	}
	content, err := c.loader.Load(ctx, task.Reference{Name: t.Name, Version: t.Version, SourceURI: t.SourceRef})
	if err != nil {
		return task.Task{}, task.Content{}, err
	}
	return t, content, nil
}

// runOnWorker dispatches payload and maps the worker's terminal
// response onto exec (started, then completed or failed) without
// persisting it — callers decide how execution outcome propagates to
// the Job/queue layer. The only error it returns is ErrNoIdleWorker;
// any other Dispatch failure (e.g. the worker crashed) marks exec
// Failed for that cause and returns a nil error.
func (c *Coordinator) runOnWorker(ctx context.Context, exec domainexecution.Execution, payload ipc.ExecuteTaskPayload) (domainexecution.Execution, *ipc.TaskResultPayload, error) {
	exec.MarkStarted(time.Now().UTC())

	env, err := c.pool.Dispatch(ctx, payload)
	if err != nil {
		if errors.Is(err, worker.ErrNoIdleWorker) {
			return exec, nil, err
		}
		exec.MarkFailed(time.Now().UTC(), string(errs.KindInternal), err.Error(), nil)
		return exec, nil, nil
	}

	switch env.Kind {
	case ipc.KindTaskResult:
		var result ipc.TaskResultPayload
		if err := env.DecodePayload(&result); err != nil {
			exec.MarkFailed(time.Now().UTC(), string(errs.KindInternal), "decode task_result: "+err.Error(), nil)
			return exec, nil, nil
		}
		exec.MarkCompleted(time.Now().UTC(), result.Output, decodeHTTPRequests(result.HTTPRequests))
		return exec, &result, nil
	case ipc.KindTaskError:
		var errPayload ipc.TaskErrorPayload
		if err := env.DecodePayload(&errPayload); err != nil {
			exec.MarkFailed(time.Now().UTC(), string(errs.KindInternal), "decode task_error: "+err.Error(), nil)
			return exec, nil, nil
		}
		exec.MarkFailed(time.Now().UTC(), errPayload.Kind, errPayload.Message, errorDetails(errPayload))
		return exec, nil, nil
	default:
		exec.MarkFailed(time.Now().UTC(), string(errs.KindInternal), fmt.Sprintf("unexpected worker response kind %q", env.Kind), nil)
		return exec, nil, nil
	}
}

// failJob records errMessage against j via the queue, which applies
// retry/backoff or terminal-failure policy per internal/queue.Fail.
func (c *Coordinator) failJob(ctx context.Context, j job.Job, errMessage string) {
	if err := c.queue.Fail(ctx, j, errMessage); err != nil && c.logger != nil {
		c.logger.WithError(err).WithFields(map[string]any{"job_uuid": j.UUID}).Error("coordinator: mark job failed")
	}
}

// finishExecution persists exec's terminal (or started) state and
// records an execution metric when the run is terminal.
func (c *Coordinator) finishExecution(ctx context.Context, exec domainexecution.Execution) {
	if _, err := c.executions.UpdateExecution(ctx, exec); err != nil && c.logger != nil {
		c.logger.WithError(err).WithFields(map[string]any{"execution_uuid": exec.UUID}).Error("coordinator: update execution")
	}
	if c.metrics == nil || exec.DurationMs == nil {
		return
	}
	duration := time.Duration(*exec.DurationMs) * time.Millisecond
	c.metrics.RecordExecution("taskengine", fmt.Sprintf("%d", exec.TaskID), string(exec.Status), duration)
}

// deliverOutput hands a successful execution's output to Delivery as
// a detached task per spec.md §4.7: it runs on its own context so a
// slow or failing destination can never affect the job's already-
// persisted Completed status, matching spec.md §4.8's "this does not
// affect the Job's own status" rule.
func (c *Coordinator) deliverOutput(t task.Task, j job.Job, exec domainexecution.Execution, output json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DeliveryTimeout)
	defer cancel()

	out := delivery.TaskOutput{
		JobID:         &j.ID,
		TaskID:        t.ID,
		ExecutionID:   exec.ID,
		ExecutionUUID: exec.UUID,
		OutputData:    output,
		CompletedAt:   time.Now().UTC(),
	}
	if exec.CompletedAt != nil {
		out.CompletedAt = *exec.CompletedAt
	}
	if exec.DurationMs != nil {
		out.ExecutionDuration = time.Duration(*exec.DurationMs) * time.Millisecond
	}

	dctx := delivery.DeliveryContext{
		TaskName:    t.Name,
		TaskVersion: t.Version,
		Timestamp:   time.Now().UTC(),
	}

	if _, err := c.deliverer.Deliver(ctx, out, dctx); err != nil && c.logger != nil {
		c.logger.WithError(err).WithFields(map[string]any{"execution_uuid": exec.UUID}).Error("coordinator: deliver output")
	}
}

func newExecution(j job.Job) domainexecution.Execution {
	return domainexecution.Execution{
		UUID:     uuid.NewString(),
		TaskID:   j.TaskID,
		JobID:    &j.ID,
		Input:    j.Input,
		Status:   domainexecution.StatusPending,
		QueuedAt: time.Now().UTC(),
	}
}

func decodeHTTPRequests(raw []json.RawMessage) []domainexecution.HTTPRequestRecord {
	if len(raw) == 0 {
		return nil
	}
	out := make([]domainexecution.HTTPRequestRecord, 0, len(raw))
	for _, r := range raw {
		var rec domainexecution.HTTPRequestRecord
		if err := json.Unmarshal(r, &rec); err == nil {
			out = append(out, rec)
		}
	}
	return out
}

func errorDetails(p ipc.TaskErrorPayload) json.RawMessage {
	if p.Details == "" {
		return nil
	}
	b, err := json.Marshal(map[string]string{"details": p.Details})
	if err != nil {
		return nil
	}
	return b
}
