package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WASMExecutor runs WASM-format service calls as short-lived wazero
// module instantiations, the sandboxed-compute path edge nodes advertise
// for portable capability logic that must not touch the host.
type WASMExecutor struct {
	runtime wazero.Runtime
	modules map[string][]byte // capability name -> compiled module bytes
}

// NewWASMExecutor constructs a WASMExecutor with a fresh wazero runtime
// and WASI preview1 host imports wired in, the minimum a module compiled
// from a general-purpose language (TinyGo, Rust) expects to be present.
func NewWASMExecutor(ctx context.Context) (*WASMExecutor, error) {
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return &WASMExecutor{runtime: rt, modules: make(map[string][]byte)}, nil
}

// LoadModule registers the compiled wasm bytes under name for later
// invocation.
func (e *WASMExecutor) LoadModule(name string, wasmBytes []byte) {
	e.modules[name] = wasmBytes
}

func (e *WASMExecutor) Execute(ctx context.Context, req Request) Response {
	start := time.Now()

	moduleName, _ := req.Operands["module"].(string)
	entryPoint, _ := req.Operands["entryPoint"].(string)
	if entryPoint == "" {
		entryPoint = "handle"
	}
	wasmBytes, ok := e.modules[moduleName]
	if !ok {
		return timed(start, nil, nil, executorErr("MODULE_NOT_FOUND", "no WASM module registered under this name", nil))
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	mod, err := e.runtime.InstantiateWithConfig(ctx, wasmBytes, wazero.NewModuleConfig().WithName(moduleName))
	if err != nil {
		return timed(start, nil, []string{moduleName}, executorErr("INSTANTIATE_FAILED", "failed to instantiate WASM module", err))
	}
	defer mod.Close(ctx)

	fn := mod.ExportedFunction(entryPoint)
	if fn == nil {
		return timed(start, nil, []string{moduleName}, executorErr("ENTRYPOINT_NOT_FOUND", "module has no exported function "+entryPoint, nil))
	}

	inputJSON, err := json.Marshal(req.Inputs)
	if err != nil {
		return timed(start, nil, nil, executorErr("MARSHAL_FAILED", "failed to marshal WASM input", err))
	}

	results, err := invokeWithBytes(ctx, mod, fn, inputJSON)
	if err != nil {
		return timed(start, nil, []string{moduleName}, executorErr("WASM_CALL_FAILED", "WASM function call failed", err))
	}
	return timed(start, results, []string{moduleName}, nil)
}

// invokeWithBytes writes inputJSON into the module's linear memory and
// calls fn with a (ptr, len) pair, the ABI convention every TinyGo/Rust
// wasm32 target compiles against for byte-slice parameters.
func invokeWithBytes(ctx context.Context, mod api.Module, fn api.Function, inputJSON []byte) (interface{}, error) {
	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		// module has no allocator exported; fall back to a no-argument call
		raw, err := fn.Call(ctx)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}

	sizeResults, err := malloc.Call(ctx, uint64(len(inputJSON)))
	if err != nil {
		return nil, err
	}
	ptr := sizeResults[0]
	if !mod.Memory().Write(uint32(ptr), inputJSON) {
		return nil, errMemoryWriteOutOfRange
	}

	raw, err := fn.Call(ctx, ptr, uint64(len(inputJSON)))
	if err != nil {
		return nil, err
	}

	var out interface{}
	if len(raw) > 0 {
		resultPtr := uint32(raw[0] >> 32)
		resultLen := uint32(raw[0])
		if data, ok := mod.Memory().Read(resultPtr, resultLen); ok {
			if json.Unmarshal(data, &out) != nil {
				out = string(data)
			}
		}
	}
	return out, nil
}

var errMemoryWriteOutOfRange = &memoryErr{"write past module linear memory bounds"}

type memoryErr struct{ msg string }

func (e *memoryErr) Error() string { return e.msg }
