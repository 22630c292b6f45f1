// Package executor implements the Executor Set: one concrete executor per
// ir.ServiceFormat, each fulfilling the same request/response contract the
// SVM drives every CALL_SERVICE / CALL_ACTION / LLM_CALL instruction
// through.
package executor

import (
	"context"
	"time"

	"github.com/kraklabs/scp/ir"
	"github.com/kraklabs/scp/scperrors"
)

// Request is the executor contract's input: resolved operands, the
// upstream register values feeding this call, a deadline, and optional
// resolved secrets (credentials pulled from vault ahead of the call).
type Request struct {
	Operands    map[string]interface{}
	Inputs      map[string]interface{}
	Deadline    time.Time
	Secrets     map[string]string
	Cancellation <-chan struct{}
}

// Response is the executor contract's output.
type Response struct {
	Output         interface{}
	DurationMs     float64
	ServicesCalled []string
	Err            error
}

// Executor runs one instruction's service call and is required to be
// idempotent given identical inputs (the SVM may retry a sync-point await
// against the same executor call).
type Executor interface {
	Execute(ctx context.Context, req Request) Response
}

// Registry resolves an ir.ServiceFormat to the Executor that handles it.
type Registry struct {
	byFormat map[ir.ServiceFormat]Executor
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byFormat: make(map[ir.ServiceFormat]Executor)}
}

// Register installs exec as the handler for format, replacing any prior
// handler.
func (r *Registry) Register(format ir.ServiceFormat, exec Executor) {
	r.byFormat[format] = exec
}

// Get returns the Executor for format, or nil if none is registered.
func (r *Registry) Get(format ir.ServiceFormat) (Executor, bool) {
	exec, ok := r.byFormat[format]
	return exec, ok
}

// Execute resolves format's executor and runs req against it, returning a
// structured ExecutorError if no executor is registered for the format.
func (r *Registry) Execute(ctx context.Context, format ir.ServiceFormat, req Request) Response {
	exec, ok := r.byFormat[format]
	if !ok {
		return Response{Err: &scperrors.ExecutorError{
			Code:    "NO_EXECUTOR",
			Message: "no executor registered for service format",
			Context: map[string]interface{}{"format": string(format)},
		}}
	}
	start := time.Now()
	resp := exec.Execute(ctx, req)
	if resp.DurationMs == 0 {
		resp.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0
	}
	return resp
}

func timed(start time.Time, output interface{}, services []string, err error) Response {
	return Response{Output: output, DurationMs: float64(time.Since(start).Microseconds()) / 1000.0, ServicesCalled: services, Err: err}
}

func executorErr(code, msg string, cause error) error {
	ctx := map[string]interface{}{}
	if cause != nil {
		ctx["cause"] = cause.Error()
	}
	return &scperrors.ExecutorError{Code: code, Message: msg, Context: ctx}
}
