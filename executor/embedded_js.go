package executor

import (
	"context"
	"time"

	"github.com/dop251/goja"
)

// EmbeddedJSExecutor runs EMBEDDED_JS-format service calls as a small
// JavaScript snippet evaluated in-process, for lightweight transform
// logic authored without a compiled toolchain.
type EmbeddedJSExecutor struct{}

// NewEmbeddedJSExecutor constructs an EmbeddedJSExecutor.
func NewEmbeddedJSExecutor() *EmbeddedJSExecutor { return &EmbeddedJSExecutor{} }

func (e *EmbeddedJSExecutor) Execute(ctx context.Context, req Request) Response {
	start := time.Now()

	script, _ := req.Operands["script"].(string)
	if script == "" {
		return timed(start, nil, nil, executorErr("MISSING_SCRIPT", "embedded JS executor requires operands.script", nil))
	}

	vm := goja.New()
	if err := vm.Set("inputs", req.Inputs); err != nil {
		return timed(start, nil, nil, executorErr("BIND_FAILED", "failed to bind inputs into JS runtime", err))
	}

	done := make(chan struct{})
	var value goja.Value
	var runErr error
	go func() {
		defer close(done)
		value, runErr = vm.RunString(script)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		vm.Interrupt("deadline exceeded")
		<-done
		return timed(start, nil, nil, executorErr("TIMEOUT", "embedded JS execution exceeded its deadline", ctx.Err()))
	}

	if runErr != nil {
		return timed(start, nil, nil, executorErr("SCRIPT_FAILED", "embedded JS script raised an error", runErr))
	}
	if value == nil || goja.IsUndefined(value) {
		return timed(start, nil, nil, nil)
	}
	return timed(start, value.Export(), nil, nil)
}
