// Package engine hosts the sandboxed JavaScript runtime a worker process
// uses to run one task script per call. A fresh goja.Runtime is created
// for every Execute invocation, so no script state is shared across
// tasks; only the HTTP client and its per-host circuit breakers are reused.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/r3e-network/taskengine/internal/domain/execution"
	"github.com/r3e-network/taskengine/internal/errs"
)

// DefaultEntryPoint is the function name a script must expose.
const DefaultEntryPoint = "main"

// DefaultTimeout bounds script execution when a request does not set one.
const DefaultTimeout = 30 * time.Second

var (
	// ErrNotReady is returned when Execute or ValidateScript is called
	// before Initialize, or after Shutdown.
	ErrNotReady = errors.New("engine: runtime not ready")
	// ErrInvalidScript wraps a goja compile error.
	ErrInvalidScript = errors.New("engine: invalid script")
	// ErrNoEntryPoint is returned when the script does not define main.
	ErrNoEntryPoint = errors.New("engine: script does not define an entry point")
)

// Request describes one task execution handed to the runtime.
type Request struct {
	TaskUUID string
	Source   string
	Input    map[string]any
	Secrets  map[string]string
	Timeout  time.Duration

	// InputSchema and OutputSchema are JSON Schema documents (draft
	// 2020-12, per task.Task.InputSchema/OutputSchema). When set, Execute
	// validates req.Input before running the script and the script's
	// return value before returning a Result, failing closed with a
	// ValidationError ScriptError on either mismatch (spec step 1 and 5
	// of the execution contract). Empty/nil skips the corresponding check.
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
}

// Result is everything the coordinator persists onto the Execution row
// after a script runs to completion.
type Result struct {
	Output       map[string]any
	Logs         []execution.LogLine
	HTTPRequests []execution.HTTPRequestRecord
}

// ScriptError is the error type Execute returns when a script throws, times
// out, or otherwise fails in a way that maps onto the shared errs.Kind
// taxonomy so the coordinator can record it on Execution.ErrorKind without
// inspecting message strings.
type ScriptError struct {
	Kind    errs.Kind
	Message string
	Status  int // populated when Kind is errs.KindHTTPError
	Cause   error
}

func (e *ScriptError) Error() string { return e.Message }
func (e *ScriptError) Unwrap() error { return e.Cause }

// Runtime executes task source in a sandboxed scripting context.
type Runtime interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Execute(ctx context.Context, req Request) (*Result, error)
	ValidateScript(ctx context.Context, source string) error
}
