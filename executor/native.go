package executor

import (
	"context"
	"time"
)

// NativeFunc is a statically compiled handler registered under a service
// name, the idiomatic-Go analogue of a "native plugin".
type NativeFunc func(ctx context.Context, operands, inputs map[string]interface{}) (interface{}, error)

// NativeExecutor dispatches NATIVE-format calls to in-process Go
// functions registered by name, the lowest-latency, zero-sandbox
// execution path (catalog entries with an ExecutorFunctionRef binding).
type NativeExecutor struct {
	funcs map[string]NativeFunc
}

// NewNativeExecutor constructs an empty NativeExecutor.
func NewNativeExecutor() *NativeExecutor {
	return &NativeExecutor{funcs: make(map[string]NativeFunc)}
}

// Register installs fn under name, replacing any prior registration.
func (e *NativeExecutor) Register(name string, fn NativeFunc) {
	e.funcs[name] = fn
}

func (e *NativeExecutor) Execute(ctx context.Context, req Request) Response {
	start := time.Now()
	name, _ := req.Operands["functionName"].(string)
	fn, ok := e.funcs[name]
	if !ok {
		return timed(start, nil, nil, executorErr("FUNCTION_NOT_FOUND", "no native function registered under this name", nil))
	}
	out, err := fn(ctx, req.Operands, req.Inputs)
	if err != nil {
		return timed(start, nil, []string{name}, executorErr("NATIVE_CALL_FAILED", "native function returned an error", err))
	}
	return timed(start, out, []string{name}, nil)
}
