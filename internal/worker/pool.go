// Package worker is the coordinator-side pool of cmd/taskworker
// subprocesses (C6): it spawns and supervises W worker processes,
// selects an idle one FIFO for each dispatched job, and detects
// process crashes so the job can re-enter retry logic. Grounded on
// the teacher's fixed-size goroutine worker pool shape used across
// several `internal/app/services/*` batch processors (a slice of
// workers plus a dispatch loop), generalized here from in-process
// goroutines to out-of-process subprocesses per spec.md §4.6 since
// script execution must be isolated from the coordinator's own
// process.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/taskengine/infrastructure/logging"
	"github.com/r3e-network/taskengine/internal/errs"
	"github.com/r3e-network/taskengine/internal/worker/ipc"
)

// Config tunes the pool.
type Config struct {
	PoolSize         int
	BinaryPath       string
	ExecutionTimeout time.Duration
	ShutdownGrace    time.Duration
}

// Pool owns PoolSize worker subprocesses.
type Pool struct {
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	workers []*process
}

// New spawns cfg.PoolSize workers immediately; callers should treat a
// non-nil error as fatal to startup (spec.md §6 exit code 1).
func New(ctx context.Context, cfg Config, logger *logging.Logger) (*Pool, error) {
	p := &Pool{cfg: cfg, logger: logger}
	for i := 0; i < cfg.PoolSize; i++ {
		proc, err := spawn(ctx, i, cfg.BinaryPath)
		if err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("worker pool: spawn worker %d: %w", i, err)
		}
		p.workers = append(p.workers, proc)
	}
	return p, nil
}

// IdleCount reports how many workers are currently able to accept a job.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if w.State() == StateIdle {
			n++
		}
	}
	return n
}

// acquireIdle returns the first Idle worker in FIFO (pool-index) order,
// or nil if none is available.
func (p *Pool) acquireIdle() *process {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.State() == StateIdle {
			return w
		}
	}
	return nil
}

// ErrNoIdleWorker is returned by Dispatch when every worker is Busy;
// the coordinator then leaves the job leased, and it returns to Queued
// once its lease expires and the scheduler reclaims expired leases.
var ErrNoIdleWorker = fmt.Errorf("worker pool: no idle worker available")

// Dispatch runs req on the first idle worker and blocks for its
// terminal response. It never queues internally — the coordinator
// owns backoff/requeue policy.
func (p *Pool) Dispatch(ctx context.Context, req ipc.ExecuteTaskPayload) (*ipc.Envelope, error) {
	w := p.acquireIdle()
	if w == nil {
		return nil, ErrNoIdleWorker
	}

	timeout := p.cfg.ExecutionTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := w.execute(execCtx, req, 5*time.Second)
	if err != nil {
		p.replaceCrashed(w)
		return nil, errs.Wrap(errs.KindInternal, "worker", req.TaskUUID, err)
	}
	return resp, nil
}

// replaceCrashed removes a Crashed worker from rotation and spawns a
// fresh one in its place, per spec.md §4.6's worker-crash recovery.
func (p *Pool) replaceCrashed(w *process) {
	if w.State() != StateCrashed {
		return
	}
	if p.logger != nil {
		p.logger.WithFields(map[string]any{"worker_id": w.id}).Warn("worker pool: replacing crashed worker")
	}
	replacement, err := spawn(context.Background(), w.id, p.cfg.BinaryPath)
	if err != nil {
		if p.logger != nil {
			p.logger.WithFields(map[string]any{"worker_id": w.id, "error": err.Error()}).Warn("worker pool: failed to respawn worker")
		}
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.workers {
		if existing == w {
			p.workers[i] = replacement
			return
		}
	}
}

// Shutdown signals every worker to stop, waiting up to
// cfg.ShutdownGrace each before killing stragglers.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	workers := append([]*process(nil), p.workers...)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *process) {
			defer wg.Done()
			w.shutdown(p.cfg.ShutdownGrace)
		}(w)
	}
	wg.Wait()
}
