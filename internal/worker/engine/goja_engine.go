package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/r3e-network/taskengine/internal/domain/execution"
	"github.com/r3e-network/taskengine/internal/errs"
	"github.com/r3e-network/taskengine/infrastructure/resilience"
)

// knownErrorNames maps the `name` a script sets on a thrown Error object
// onto the shared error taxonomy. A name absent from this table maps to
// errs.KindUnknownError.
var knownErrorNames = map[string]errs.Kind{
	"AuthenticationError":     errs.KindAuthenticationError,
	"AuthorizationError":      errs.KindAuthorizationError,
	"NetworkError":            errs.KindNetworkError,
	"HttpError":               errs.KindHTTPError,
	"ValidationError":         errs.KindValidationError,
	"ConfigurationError":      errs.KindConfigurationError,
	"RateLimitError":          errs.KindRateLimitError,
	"ServiceUnavailableError": errs.KindServiceUnavailable,
	"TimeoutError":            errs.KindScriptTimeout,
	"DataError":               errs.KindDataError,
}

// GojaRuntime implements Runtime using goja, a pure-Go JavaScript engine.
// Every Execute call builds a new *goja.Runtime so scripts never share
// global state across tasks; only the HTTP client and its per-host
// circuit breakers are reused between calls.
type GojaRuntime struct {
	httpClient *http.Client

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
	ready    bool
}

// NewGojaRuntime builds a runtime whose fetch() implementation issues
// requests through httpClient. A nil client falls back to a client with
// a conservative default timeout.
func NewGojaRuntime(httpClient *http.Client) *GojaRuntime {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &GojaRuntime{
		httpClient: httpClient,
		breakers:   make(map[string]*resilience.CircuitBreaker),
	}
}

func (e *GojaRuntime) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready = true
	return nil
}

func (e *GojaRuntime) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready = false
	return nil
}

func (e *GojaRuntime) breakerFor(host string) *resilience.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	cb, ok := e.breakers[host]
	if !ok {
		cb = resilience.New(resilience.DefaultConfig())
		e.breakers[host] = cb
	}
	return cb
}

// Execute runs req.Source in a fresh sandbox, invokes its "main" entry
// point with req.Input, and enforces req.Timeout via cooperative
// interruption between host calls. It implements the worker's execution
// contract: validate, sandbox, invoke, bound, classify.
func (e *GojaRuntime) Execute(ctx context.Context, req Request) (*Result, error) {
	e.mu.Lock()
	ready := e.ready
	e.mu.Unlock()
	if !ready {
		return nil, ErrNotReady
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	var logs []execution.LogLine
	var httpRequests []execution.HTTPRequestRecord

	if err := attachConsole(vm, &logs); err != nil {
		return nil, fmt.Errorf("attach console: %w", err)
	}
	if err := attachFetch(runCtx, vm, e.httpClient, e.breakerFor, &httpRequests); err != nil {
		return nil, fmt.Errorf("attach fetch: %w", err)
	}

	if err := validateAgainstSchema(req.InputSchema, req.Input, "input_schema"); err != nil {
		return nil, err
	}

	secrets := req.Secrets
	if secrets == nil {
		secrets = map[string]string{}
	}
	if err := vm.Set("secrets", secrets); err != nil {
		return nil, fmt.Errorf("set secrets: %w", err)
	}
	if err := vm.Set("input", req.Input); err != nil {
		return nil, fmt.Errorf("set input: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-runCtx.Done():
			vm.Interrupt(runCtx.Err())
		case <-stop:
		}
	}()

	if _, err := vm.RunString(req.Source); err != nil {
		return nil, classifyScriptError(runCtx, err)
	}

	entryVal := vm.Get(DefaultEntryPoint)
	if entryVal == nil || goja.IsUndefined(entryVal) {
		return nil, ErrNoEntryPoint
	}
	entryFn, ok := goja.AssertFunction(entryVal)
	if !ok {
		return nil, ErrNoEntryPoint
	}

	resultVal, err := entryFn(goja.Undefined(), vm.Get("input"))
	if err != nil {
		return nil, classifyScriptError(runCtx, err)
	}

	output, err := exportOutput(resultVal)
	if err != nil {
		return nil, &ScriptError{Kind: errs.KindDataError, Message: err.Error(), Cause: err}
	}

	if err := validateAgainstSchema(req.OutputSchema, output, "output_schema"); err != nil {
		return nil, err
	}

	return &Result{
		Output:       output,
		Logs:         logs,
		HTTPRequests: httpRequests,
	}, nil
}

func (e *GojaRuntime) ValidateScript(ctx context.Context, source string) error {
	e.mu.Lock()
	ready := e.ready
	e.mu.Unlock()
	if !ready {
		return ErrNotReady
	}
	if _, err := goja.Compile("task.js", source, false); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	return nil
}

func exportOutput(resultVal goja.Value) (map[string]any, error) {
	if resultVal == nil || goja.IsUndefined(resultVal) || goja.IsNull(resultVal) {
		return map[string]any{}, nil
	}
	exported := resultVal.Export()
	if m, ok := exported.(map[string]any); ok {
		return m, nil
	}
	jsonBytes, err := json.Marshal(exported)
	if err != nil {
		return nil, fmt.Errorf("serialize output: %w", err)
	}
	var output map[string]any
	if err := json.Unmarshal(jsonBytes, &output); err != nil {
		return map[string]any{"result": exported}, nil
	}
	return output, nil
}

func attachConsole(vm *goja.Runtime, logs *[]execution.LogLine) error {
	console := vm.NewObject()
	logAt := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			*logs = append(*logs, execution.LogLine{
				Level:     level,
				Message:   strings.Join(parts, " "),
				Timestamp: time.Now().UTC(),
			})
			return goja.Undefined()
		}
	}
	for level, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"log":   logAt("info"),
		"info":  logAt("info"),
		"warn":  logAt("warn"),
		"error": logAt("error"),
	} {
		if err := console.Set(level, fn); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}

// attachFetch injects a synchronous fetch(url, params?, body?) backed by
// httpClient. Each call is routed through a circuit breaker scoped to the
// destination host so a single misbehaving external API can't be
// retry-stormed by a script calling fetch in a loop. Every attempt,
// successful or not, is appended to *requests for the caller to persist
// alongside the execution.
func attachFetch(ctx context.Context, vm *goja.Runtime, client *http.Client, breakerFor func(string) *resilience.CircuitBreaker, requests *[]execution.HTTPRequestRecord) error {
	fetchFn := func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(jsError(vm, "ConfigurationError", "fetch requires a url argument"))
		}
		rawURL := call.Arguments[0].String()

		method := http.MethodGet
		var headers map[string]string
		var body io.Reader
		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Arguments[1]) && !goja.IsNull(call.Arguments[1]) {
			params := call.Arguments[1].Export()
			if m, ok := params.(map[string]any); ok {
				if v, ok := m["method"].(string); ok && v != "" {
					method = strings.ToUpper(v)
				}
				if h, ok := m["headers"].(map[string]any); ok {
					headers = map[string]string{}
					for k, v := range h {
						headers[k] = fmt.Sprint(v)
					}
				}
				if b, ok := m["body"]; ok && b != nil {
					body = strings.NewReader(fmt.Sprint(b))
				}
			}
		}

		parsed, err := url.Parse(rawURL)
		if err != nil || parsed.Host == "" {
			panic(jsError(vm, "ConfigurationError", fmt.Sprintf("fetch: invalid url %q", rawURL)))
		}

		record := execution.HTTPRequestRecord{Method: method, URL: rawURL}
		started := time.Now()

		httpReq, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			record.Error = err.Error()
			*requests = append(*requests, record)
			panic(jsError(vm, "ConfigurationError", err.Error()))
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		breaker := breakerFor(parsed.Hostname())
		var resp *http.Response
		execErr := breaker.Execute(ctx, func() error {
			var doErr error
			resp, doErr = client.Do(httpReq) //nolint:bodyclose // closed below once read
			return doErr
		})

		record.Duration = time.Since(started)
		if execErr != nil {
			record.Error = execErr.Error()
			*requests = append(*requests, record)
			if ctx.Err() != nil {
				panic(jsError(vm, "TimeoutError", "fetch: request cancelled or timed out"))
			}
			panic(jsError(vm, "NetworkError", execErr.Error()))
		}
		defer resp.Body.Close()

		bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			record.Error = err.Error()
			*requests = append(*requests, record)
			panic(jsError(vm, "NetworkError", err.Error()))
		}
		record.StatusCode = resp.StatusCode
		*requests = append(*requests, record)

		respObj := vm.NewObject()
		_ = respObj.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
		_ = respObj.Set("status", resp.StatusCode)
		_ = respObj.Set("statusText", resp.Status)
		_ = respObj.Set("json", func(goja.FunctionCall) goja.Value {
			var parsed any
			if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
				panic(jsError(vm, "DataError", "response body is not valid JSON"))
			}
			return vm.ToValue(parsed)
		})
		_ = respObj.Set("text", func(goja.FunctionCall) goja.Value {
			return vm.ToValue(string(bodyBytes))
		})
		return respObj
	}

	return vm.Set("fetch", fetchFn)
}

// jsError builds a goja exception value carrying a `name` property so
// classifyScriptError can map it back onto the shared error taxonomy.
func jsError(vm *goja.Runtime, name, message string) goja.Value {
	errVal, _ := vm.RunString(fmt.Sprintf("new Error(%q)", message))
	if obj, ok := errVal.(*goja.Object); ok {
		_ = obj.Set("name", name)
	}
	return errVal
}

// classifyScriptError inspects err from a failed RunString/entry-point
// call and maps it onto a *ScriptError per the script execution
// contract: interruption due to context deadline/cancellation becomes a
// timeout, a thrown Error's `name` property selects a known kind, and
// anything else is an unknown_error.
func classifyScriptError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &ScriptError{Kind: errs.KindScriptTimeout, Message: "script execution timed out", Cause: ctxErr}
	}

	switch typed := err.(type) {
	case *goja.InterruptedError:
		return &ScriptError{Kind: errs.KindScriptTimeout, Message: "script execution interrupted", Cause: err}
	case *goja.Exception:
		return classifyThrownValue(typed)
	default:
		return &ScriptError{Kind: errs.KindUnknownError, Message: err.Error(), Cause: err}
	}
}

func classifyThrownValue(exc *goja.Exception) error {
	val := exc.Value()
	obj, ok := val.(*goja.Object)
	if !ok {
		return &ScriptError{Kind: errs.KindUnknownError, Message: exc.Error(), Cause: exc}
	}

	name := obj.Get("name")
	kind := errs.KindUnknownError
	if name != nil && !goja.IsUndefined(name) {
		if mapped, ok := knownErrorNames[name.String()]; ok {
			kind = mapped
		}
	}

	message := exc.Error()
	if msgVal := obj.Get("message"); msgVal != nil && !goja.IsUndefined(msgVal) {
		message = msgVal.String()
	}

	scriptErr := &ScriptError{Kind: kind, Message: message, Cause: exc}
	if kind == errs.KindHTTPError {
		if statusVal := obj.Get("status"); statusVal != nil && !goja.IsUndefined(statusVal) {
			scriptErr.Status = int(statusVal.ToInteger())
		}
	}
	return scriptErr
}
