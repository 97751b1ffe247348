// Package sandbox runs user-authored tool code in an embedded JavaScript
// interpreter. Each execution gets a fresh runtime with exactly three
// bindings: the validated input object, a synchronous http client, and the
// process environment. No filesystem, no require, no timers.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

const (
	// DefaultTimeout bounds one tool execution.
	DefaultTimeout = 30 * time.Second

	// noReturnMessage is what the model sees when the tool body returns
	// nothing.
	noReturnMessage = "Tool executed successfully (no return value)."

	maxResponseBody = 10 << 20 // 10 MB
)

// Executor compiles and runs tool bodies. Compiled programs are cached by
// source hash; runtimes are never reused.
type Executor struct {
	timeout time.Duration
	client  *http.Client

	mu    sync.Mutex
	cache map[string]*goja.Program
}

func New() *Executor {
	return &Executor{
		timeout: DefaultTimeout,
		client:  &http.Client{Timeout: DefaultTimeout},
		cache:   make(map[string]*goja.Program),
	}
}

// WithTimeout overrides the execution bound, for tests.
func (e *Executor) WithTimeout(d time.Duration) *Executor {
	e.timeout = d
	e.client.Timeout = d
	return e
}

// wrap turns a bare function body into a callable program. The body is
// treated as async so tools can await the http helpers.
func wrap(code string) string {
	return "(async function(input, http, env) {\n" + code + "\n})"
}

func (e *Executor) compile(code string) (*goja.Program, error) {
	src := wrap(code)
	sum := sha256.Sum256([]byte(src))
	key := hex.EncodeToString(sum[:])

	e.mu.Lock()
	prog, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		return prog, nil
	}

	prog, err := goja.Compile("tool", src, true)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[key] = prog
	e.mu.Unlock()
	return prog, nil
}

// Validate reports whether code compiles as a tool body. Used at tool
// creation time so broken code is rejected before it ever reaches the model.
func (e *Executor) Validate(code string) error {
	_, err := e.compile(code)
	return err
}

// Execute runs a tool body and returns the string the model sees. Failures
// never surface as Go errors; they come back as "Error ..." strings so the
// model can react to them.
func (e *Executor) Execute(ctx context.Context, code string, input map[string]interface{}, env map[string]string) string {
	prog, err := e.compile(code)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt("canceled")
	})
	defer stop()

	fnVal, err := vm.RunProgram(prog)
	if err != nil {
		return runtimeError(err, e.timeout)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return "Error: tool code did not evaluate to a function"
	}

	result, err := fn(goja.Undefined(),
		vm.ToValue(input),
		e.httpObject(ctx, vm),
		vm.ToValue(env),
	)
	if err != nil {
		return runtimeError(err, e.timeout)
	}

	// The wrapper is async, so the call yields a promise. All host calls
	// are synchronous, so by the time the call returns the promise has
	// settled.
	if promise, ok := result.Export().(*goja.Promise); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			result = promise.Result()
		case goja.PromiseStateRejected:
			return fmt.Sprintf("Error executing tool: %s", stringifyJSValue(promise.Result()))
		default:
			return "Error executing tool: asynchronous operation did not complete"
		}
	}
	return coerceResult(result)
}

func runtimeError(err error, timeout time.Duration) string {
	if _, ok := err.(*goja.InterruptedError); ok {
		return fmt.Sprintf("Error executing tool: Tool execution timed out after %d seconds", int(timeout.Seconds()))
	}
	if ex, ok := err.(*goja.Exception); ok {
		return fmt.Sprintf("Error executing tool: %s", stringifyJSValue(ex.Value()))
	}
	return fmt.Sprintf("Error executing tool: %v", err)
}

func stringifyJSValue(v goja.Value) string {
	if v == nil {
		return "unknown error"
	}
	return v.String()
}

// coerceResult maps the tool's return value to model-visible text: nothing
// becomes a success note, strings pass through, everything else is pretty
// JSON.
func coerceResult(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return noReturnMessage
	}
	exported := v.Export()
	if s, ok := exported.(string); ok {
		return s
	}
	data, err := json.MarshalIndent(exported, "", "  ")
	if err != nil {
		return v.String()
	}
	return string(data)
}

// httpObject builds the synchronous http helper injected into the sandbox.
// Synchronous on purpose: awaited calls settle before the wrapper returns.
func (e *Executor) httpObject(ctx context.Context, vm *goja.Runtime) goja.Value {
	obj := vm.NewObject()

	do := func(method, url string, body interface{}, headers map[string]string) (goja.Value, error) {
		var reader io.Reader
		contentType := ""
		if body != nil {
			switch b := body.(type) {
			case string:
				reader = strings.NewReader(b)
			default:
				data, err := json.Marshal(b)
				if err != nil {
					return nil, err
				}
				reader = strings.NewReader(string(data))
				contentType = "application/json"
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, err
		}

		respHeaders := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			respHeaders[k] = resp.Header.Get(k)
		}
		out := vm.NewObject()
		out.Set("status", resp.StatusCode)
		out.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
		out.Set("headers", respHeaders)
		out.Set("body", string(data))

		// Parsed view for JSON responses; null when the body is not JSON.
		var parsed interface{}
		if json.Unmarshal(data, &parsed) == nil {
			out.Set("json", parsed)
		} else {
			out.Set("json", goja.Null())
		}
		return out, nil
	}

	bind := func(name, method string, hasBody bool) {
		obj.Set(name, func(call goja.FunctionCall) goja.Value {
			url := call.Argument(0).String()
			var body interface{}
			var headers map[string]string
			idx := 1
			if hasBody {
				if arg := call.Argument(1); !goja.IsUndefined(arg) {
					body = arg.Export()
				}
				idx = 2
			}
			if arg := call.Argument(idx); !goja.IsUndefined(arg) {
				headers = make(map[string]string)
				if m, ok := arg.Export().(map[string]interface{}); ok {
					for k, v := range m {
						headers[k] = fmt.Sprint(v)
					}
				}
			}
			resp, err := do(method, url, body, headers)
			if err != nil {
				panic(vm.ToValue(err.Error()))
			}
			return resp
		})
	}

	bind("get", http.MethodGet, false)
	bind("delete", http.MethodDelete, false)
	bind("post", http.MethodPost, true)
	bind("put", http.MethodPut, true)
	bind("patch", http.MethodPatch, true)

	return obj
}
