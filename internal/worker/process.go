package worker

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/taskengine/internal/worker/ipc"
)

// State is the position of a worker process in the pool's state
// machine (spec.md §4.6: Idle, Busy(job_id), Stopping, Crashed).
type State int

const (
	StateIdle State = iota
	StateBusy
	StateStopping
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// process owns one cmd/taskworker subprocess and the line-delimited
// JSON pipe to it.
type process struct {
	id  int
	cmd *exec.Cmd

	mu            sync.Mutex
	state         State
	correlationID string // set while Busy

	reader *ipc.Reader
	writer *ipc.Writer
	stdin  io.WriteCloser
}

// spawn starts binaryPath as a fresh subprocess wired for IPC.
func spawn(ctx context.Context, id int, binaryPath string) (*process, error) {
	cmd := exec.CommandContext(ctx, binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d: stdin pipe: %w", id, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d: stdout pipe: %w", id, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker %d: start: %w", id, err)
	}

	return &process{
		id:     id,
		cmd:    cmd,
		state:  StateIdle,
		reader: ipc.NewReader(stdout),
		writer: ipc.NewWriter(stdin),
		stdin:  stdin,
	}, nil
}

func (p *process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// send writes env to the worker's stdin.
func (p *process) send(env ipc.Envelope) error {
	return p.writer.Write(env)
}

// execute dispatches one ExecuteTask to this worker and blocks for its
// terminal response (TaskResult or TaskError), honoring ctx
// cancellation by sending Cancel and escalating to Kill after grace.
func (p *process) execute(ctx context.Context, req ipc.ExecuteTaskPayload, grace time.Duration) (*ipc.Envelope, error) {
	correlationID := uuid.NewString()
	p.mu.Lock()
	p.correlationID = correlationID
	p.mu.Unlock()
	p.setState(StateBusy)
	defer func() {
		// Only a worker still Busy goes back to Idle; a Crashed one stays
		// Crashed so the pool replaces it.
		p.mu.Lock()
		if p.state == StateBusy {
			p.state = StateIdle
		}
		p.mu.Unlock()
	}()

	env, err := ipc.NewEnvelope(ipc.KindExecuteTask, uuid.NewString(), correlationID, req)
	if err != nil {
		return nil, err
	}
	if err := p.send(env); err != nil {
		p.setState(StateCrashed)
		return nil, fmt.Errorf("worker %d: send ExecuteTask: %w", p.id, err)
	}

	results := make(chan executeResult, 1)
	go func() {
		for {
			e, err := p.reader.Read()
			if err != nil {
				results <- executeResult{err: err}
				return
			}
			if e.ProtocolVersion != ipc.ProtocolVersion {
				results <- executeResult{err: fmt.Errorf("worker %d: protocol version mismatch: got %d want %d", p.id, e.ProtocolVersion, ipc.ProtocolVersion)}
				return
			}
			if e.CorrelationID != correlationID {
				continue // stale Progress/Log from a prior call; ignore
			}
			switch e.Kind {
			case ipc.KindTaskResult, ipc.KindTaskError:
				results <- executeResult{env: e}
				return
			case ipc.KindProgress, ipc.KindLog:
				continue
			}
		}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			p.setState(StateCrashed)
			return nil, r.err
		}
		return &r.env, nil
	case <-ctx.Done():
		return p.cancelThenAwait(correlationID, results, grace)
	}
}

// executeResult is the terminal outcome of one ExecuteTask call: a
// response envelope, or the error that ended the read loop (EOF,
// protocol mismatch, malformed JSON).
type executeResult struct {
	env ipc.Envelope
	err error
}

func (p *process) cancelThenAwait(correlationID string, results chan executeResult, grace time.Duration) (*ipc.Envelope, error) {
	cancelEnv, err := ipc.NewEnvelope(ipc.KindCancel, uuid.NewString(), correlationID, ipc.CancelPayload{})
	if err == nil {
		// Sent asynchronously so a worker that has stopped reading its
		// stdin cannot hold off the grace timer below.
		go func() { _ = p.send(cancelEnv) }()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case r := <-results:
		if r.err != nil {
			p.setState(StateCrashed)
			return nil, r.err
		}
		return &r.env, nil
	case <-timer.C:
		p.kill()
		return nil, fmt.Errorf("worker %d: killed after cancellation grace period elapsed", p.id)
	}
}

// kill forcibly terminates the subprocess; used on crash detection,
// protocol violations, and cancellation-grace escalation.
func (p *process) kill() {
	p.setState(StateCrashed)
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// shutdown sends Shutdown and waits up to grace for a clean exit
// before killing the process.
func (p *process) shutdown(grace time.Duration) {
	p.setState(StateStopping)
	env, err := ipc.NewEnvelope(ipc.KindShutdown, uuid.NewString(), "", nil)
	if err == nil {
		_ = p.send(env)
	}
	_ = p.stdin.Close()

	done := make(chan struct{})
	go func() {
		_ = p.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		p.kill()
		<-done
	}
}
