// Command taskworker is the subprocess spawned by internal/worker.Pool
// (spec.md §4.6): it speaks the internal/worker/ipc line-delimited JSON
// protocol on stdin/stdout and runs each ExecuteTask request through a
// sandboxed engine.GojaRuntime. Grounded on the same stdio-loop shape
// internal/worker/ipc itself is grounded on
// (emergent-company-specmcp/internal/mcp.Server.Run): a blocking read
// loop on stdin dispatching to handlers, with responses written back on
// stdout. Unlike that server, ExecuteTask is dispatched onto its own
// goroutine so a concurrent Cancel or Shutdown envelope can still be
// read off stdin while a script is running.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/taskengine/infrastructure/logging"
	"github.com/r3e-network/taskengine/internal/errs"
	"github.com/r3e-network/taskengine/internal/worker/engine"
	"github.com/r3e-network/taskengine/internal/worker/ipc"
)

func main() {
	logger := logging.NewFromEnv("taskworker")
	// stdout is the IPC channel; logs must never land there.
	logger.SetOutput(os.Stderr)

	rt := engine.NewGojaRuntime(nil)
	ctx := context.Background()
	if err := rt.Initialize(ctx); err != nil {
		logger.WithError(err).Error("taskworker: initialize runtime")
		os.Exit(1)
	}
	defer rt.Shutdown(ctx)

	w := &worker{
		rt:     rt,
		writer: ipc.NewWriter(os.Stdout),
		logger: logger,
	}
	w.run(os.Stdin)
}

type worker struct {
	rt     engine.Runtime
	logger *logging.Logger

	writeMu sync.Mutex
	writer  *ipc.Writer

	mu            sync.Mutex
	cancel        context.CancelFunc
	correlationID string
}

func (w *worker) run(stdin io.Reader) {
	reader := ipc.NewReader(stdin)
	for {
		env, err := reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				w.logger.WithError(err).Error("taskworker: malformed envelope, exiting")
			}
			return
		}
		if env.ProtocolVersion != ipc.ProtocolVersion {
			w.logger.WithFields(map[string]any{
				"got": env.ProtocolVersion, "want": ipc.ProtocolVersion,
			}).Error("taskworker: protocol version mismatch, exiting")
			return
		}

		switch env.Kind {
		case ipc.KindPing:
			w.respondPong(env.CorrelationID)
		case ipc.KindExecuteTask:
			var payload ipc.ExecuteTaskPayload
			if err := env.DecodePayload(&payload); err != nil {
				w.sendError(env.CorrelationID, errs.KindInvalidInput, "decode execute_task payload: "+err.Error())
				continue
			}
			go w.handleExecute(env.CorrelationID, payload)
		case ipc.KindCancel:
			w.handleCancel(env.CorrelationID)
		case ipc.KindShutdown:
			return
		}
	}
}

func (w *worker) respondPong(correlationID string) {
	env, err := ipc.NewEnvelope(ipc.KindPong, uuid.NewString(), correlationID, nil)
	if err != nil {
		return
	}
	w.write(env)
}

func (w *worker) handleExecute(correlationID string, payload ipc.ExecuteTaskPayload) {
	timeout := engine.DefaultTimeout
	if payload.TimeoutMS > 0 {
		timeout = time.Duration(payload.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	w.mu.Lock()
	w.cancel = cancel
	w.correlationID = correlationID
	w.mu.Unlock()
	defer func() {
		cancel()
		w.mu.Lock()
		if w.correlationID == correlationID {
			w.cancel = nil
			w.correlationID = ""
		}
		w.mu.Unlock()
	}()

	var input map[string]any
	if len(payload.Input) > 0 {
		if err := json.Unmarshal(payload.Input, &input); err != nil {
			w.sendError(correlationID, errs.KindInvalidInput, "decode input: "+err.Error())
			return
		}
	}

	result, err := w.rt.Execute(ctx, engine.Request{
		TaskUUID:     payload.TaskUUID,
		Source:       payload.Source,
		Input:        input,
		Secrets:      payload.Secrets,
		Timeout:      timeout,
		InputSchema:  payload.InputSchema,
		OutputSchema: payload.OutputSchema,
	})
	if err != nil {
		kind, message := classifyError(err)
		w.sendError(correlationID, kind, message)
		return
	}

	output, err := json.Marshal(result.Output)
	if err != nil {
		w.sendError(correlationID, errs.KindInternal, "encode output: "+err.Error())
		return
	}
	httpRequests := make([]json.RawMessage, 0, len(result.HTTPRequests))
	for _, r := range result.HTTPRequests {
		b, err := json.Marshal(r)
		if err != nil {
			continue
		}
		httpRequests = append(httpRequests, b)
	}

	env, err := ipc.NewEnvelope(ipc.KindTaskResult, uuid.NewString(), correlationID, ipc.TaskResultPayload{
		Output:       output,
		HTTPRequests: httpRequests,
	})
	if err != nil {
		w.sendError(correlationID, errs.KindInternal, "encode task_result: "+err.Error())
		return
	}
	w.write(env)
}

// handleCancel aborts the in-flight execution if it matches
// correlationID; a stale or unknown correlation ID is ignored, since
// the coordinator may race a Cancel against an execution that already
// finished.
func (w *worker) handleCancel(correlationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.correlationID == correlationID && w.cancel != nil {
		w.cancel()
	}
}

func (w *worker) sendError(correlationID string, kind errs.Kind, message string) {
	env, err := ipc.NewEnvelope(ipc.KindTaskError, uuid.NewString(), correlationID, ipc.TaskErrorPayload{
		Kind:    string(kind),
		Message: message,
	})
	if err != nil {
		return
	}
	w.write(env)
}

func (w *worker) write(env ipc.Envelope) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.writer.Write(env); err != nil {
		w.logger.WithError(err).Error("taskworker: write to stdout failed, exiting")
		os.Exit(1)
	}
}

// classifyError maps an engine error onto the shared errs.Kind taxonomy:
// a *engine.ScriptError already carries one, anything else falls back
// to errs.KindOf (which defaults to errs.KindInternal).
func classifyError(err error) (errs.Kind, string) {
	var scriptErr *engine.ScriptError
	if errors.As(err, &scriptErr) {
		return scriptErr.Kind, scriptErr.Message
	}
	return errs.KindOf(err), err.Error()
}
