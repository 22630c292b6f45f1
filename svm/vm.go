package svm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kraklabs/scp/audit"
	"github.com/kraklabs/scp/executor"
	"github.com/kraklabs/scp/ir"
	"github.com/kraklabs/scp/logging"
	"github.com/kraklabs/scp/scperrors"
)

// SuspendedOn reports the register a slice run suspended on, or "" if it
// ran to completion (successfully or with a hard failure).
type RunResult struct {
	Registers   map[string]interface{}
	SuspendedOn string
	Err         error
}

// VM executes one slice's instructions in instructionOrder against a
// shared register file, dispatching CALL_SERVICE/CALL_ACTION/LLM_CALL to
// the executor registry and running every other opcode through a
// built-in handler. It mirrors the teacher's SmartExecutor.Execute
// findReadySteps/executed-map shape (pkg/orchestration/executor.go),
// generalized from a step graph to an SSA register file and a fixed
// instruction order already computed by the planner.
type VM struct {
	executors *executor.Registry
	chain     *audit.Chain
	logger    logging.Logger
	memory    *memoryStore

	// pendingAwait, if non-empty, names registers a sync point has
	// promised to populate; an instruction blocked on one of these
	// suspends instead of failing with ErrUnsetRegister.
	pendingAwait map[string]bool
}

// New constructs a VM bound to an executor registry and audit chain.
func New(executors *executor.Registry, chain *audit.Chain, logger logging.Logger) *VM {
	return &VM{executors: executors, chain: chain, logger: logger.WithComponent("svm"), memory: newMemoryStore()}
}

// SetPendingAwait tells the VM which registers a sync point will resolve
// later, so a read against one of them suspends the slice rather than
// erroring.
func (vm *VM) SetPendingAwait(names []string) {
	vm.pendingAwait = make(map[string]bool, len(names))
	for _, n := range names {
		vm.pendingAwait[n] = true
	}
}

// ExecuteSlice runs every instruction in slice.InstructionOrder against
// registers, in order, appending one audit event per instruction. It
// suspends (SuspendedOn != "") instead of returning an error when an
// instruction's src register is in vm.pendingAwait and unset — the caller
// (the orchestrator) resolves the sync point and resumes from the same
// point by calling ExecuteSlice again once the registers are populated.
func (vm *VM) ExecuteSlice(ctx context.Context, workflowID string, slice *ir.Slice, registers *Registers, cancel <-chan struct{}) RunResult {
	byIndex := make(map[int]*ir.Instruction, len(slice.Instructions))
	for i := range slice.Instructions {
		byIndex[slice.Instructions[i].Index] = &slice.Instructions[i]
	}
	processed := make(map[int]bool, len(slice.Instructions))

	for _, idx := range slice.InstructionOrder {
		if processed[idx] {
			continue
		}
		select {
		case <-ctx.Done():
			return RunResult{Err: scperrors.New("svm.ExecuteSlice", "cancelled", scperrors.ErrCancelled)}
		case <-cancel:
			return RunResult{Err: scperrors.New("svm.ExecuteSlice", "cancelled", scperrors.ErrCancelled)}
		default:
		}

		instr := byIndex[idx]
		if instr == nil {
			continue
		}
		processed[idx] = true

		if instr.Opcode == ir.OpParallelSpawn {
			if err := vm.runParallelGroup(ctx, workflowID, slice, instr, byIndex, registers, processed); err != nil {
				return RunResult{Err: err}
			}
			vm.appendAudit(workflowID, slice.SliceID, instr, audit.ResultSuccess, map[string]interface{}{"groupId": instr.ParallelGroupID}, 0)
			continue
		}

		inputs, err := registers.resolveInputs(instr.Src)
		if err != nil {
			if pr, ok := vm.suspendable(instr.Src, registers); ok {
				return RunResult{SuspendedOn: pr, Registers: registers.Snapshot()}
			}
			vm.appendAudit(workflowID, slice.SliceID, instr, audit.ResultFailed, map[string]interface{}{"error": err.Error()}, 0)
			return RunResult{Err: err}
		}

		start := time.Now()
		output, callErr := vm.dispatch(ctx, workflowID, instr, inputs, registers)
		durationMs := float64(time.Since(start).Microseconds()) / 1000.0

		if callErr != nil {
			result := audit.ResultFailed
			if strings.EqualFold(instr.OnError, "lenient") {
				result = audit.ResultFailover
				if instr.Dest != "" {
					registers.Set(instr.Dest, map[string]interface{}{"error": callErr.Error()})
				}
				vm.appendAudit(workflowID, slice.SliceID, instr, result, map[string]interface{}{"error": callErr.Error(), "lenient": true}, durationMs)
				continue
			}
			vm.appendAudit(workflowID, slice.SliceID, instr, result, map[string]interface{}{"error": callErr.Error()}, durationMs)
			return RunResult{Err: callErr}
		}

		if instr.Dest != "" {
			registers.Set(instr.Dest, output)
		}
		vm.appendAudit(workflowID, slice.SliceID, instr, audit.ResultSuccess, nil, durationMs)
	}

	return RunResult{Registers: registers.Snapshot()}
}

// suspendable reports whether any of srcs is both unset and awaited by a
// sync point, in which case the slice should pause rather than fail.
func (vm *VM) suspendable(srcs []string, registers *Registers) (string, bool) {
	for _, s := range srcs {
		if !registers.Has(s) && vm.pendingAwait[s] {
			return s, true
		}
	}
	return "", false
}

func (vm *VM) appendAudit(workflowID, sliceID string, instr *ir.Instruction, result audit.Result, detail map[string]interface{}, durationMs float64) {
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detail["durationMs"] = durationMs
	event := audit.Event{
		WorkflowID:       workflowID,
		InstructionIndex: instr.Index,
		SliceID:          sliceID,
		Opcode:           instr.Opcode,
		Result:           result,
		EventType:        "instruction",
		DurationMs:       int64(durationMs),
		Detail:           detail,
	}
	if _, err := vm.chain.Append(event); err != nil {
		vm.logger.Error("failed to append audit event", map[string]interface{}{"workflowId": workflowID, "error": err.Error()})
	}
}

// dispatch routes one instruction to either the executor registry
// (CALL_SERVICE/CALL_ACTION/LLM_CALL/TRIGGER with dispatchMetadata) or a
// built-in handler.
func (vm *VM) dispatch(ctx context.Context, workflowID string, instr *ir.Instruction, inputs map[string]interface{}, registers *Registers) (interface{}, error) {
	if instr.DispatchMetadata != nil {
		req := executor.Request{Operands: instr.Operands, Inputs: inputs, Deadline: deadlineFrom(ctx)}
		resp := vm.executors.Execute(ctx, instr.DispatchMetadata.Format, req)
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Output, nil
	}

	switch instr.Opcode {
	case ir.OpTrigger:
		return builtinTrigger(instr, inputs)
	case ir.OpTransform:
		return builtinTransform(instr, inputs)
	case ir.OpFilter:
		return builtinFilter(instr, inputs)
	case ir.OpAggregate:
		return builtinAggregate(instr, inputs)
	case ir.OpValidate:
		return builtinValidate(instr, inputs)
	case ir.OpLoadResource:
		return vm.builtinLoadResource(workflowID, instr, inputs)
	case ir.OpStoreMemory:
		return vm.builtinStoreMemory(workflowID, instr, inputs)
	case ir.OpEventStateMachine:
		return builtinEventStateMachine(instr, inputs)
	case ir.OpHandlePropagated:
		return builtinHandlePropagated(instr, inputs)
	case ir.OpRemoteCommand:
		return builtinRemoteCommand(instr, inputs)
	case ir.OpHandleRemoteCmd:
		return builtinHandleRemoteCmd(instr, inputs)
	default:
		return nil, scperrors.New("svm.dispatch", "executor", fmt.Errorf("no dispatch metadata and no built-in handler for opcode %s", instr.Opcode))
	}
}

// runParallelGroup executes every instruction in slice sharing spawn's
// ParallelGroupID concurrently, each writing only its own dest register.
// Strict mode (the default) aborts the slice on the first child failure;
// lenient mode (instr.Operands["mode"]=="lenient") stores each failure as
// the child's register value and continues.
func (vm *VM) runParallelGroup(ctx context.Context, workflowID string, slice *ir.Slice, spawn *ir.Instruction, byIndex map[int]*ir.Instruction, registers *Registers, processed map[int]bool) error {
	lenient := strings.EqualFold(fmt.Sprint(spawn.Operands["mode"]), "lenient")

	var members []*ir.Instruction
	for _, idx := range slice.InstructionOrder {
		instr := byIndex[idx]
		if instr == nil || processed[idx] || instr.ParallelGroupID == "" || instr.ParallelGroupID != spawn.ParallelGroupID {
			continue
		}
		members = append(members, instr)
		processed[idx] = true
	}

	type childResult struct {
		instr *ir.Instruction
		err   error
	}
	results := make(chan childResult, len(members))

	for _, m := range members {
		go func(instr *ir.Instruction) {
			inputs, err := registers.resolveInputs(instr.Src)
			if err != nil {
				results <- childResult{instr: instr, err: err}
				return
			}
			start := time.Now()
			output, callErr := vm.dispatch(ctx, workflowID, instr, inputs, registers)
			durationMs := float64(time.Since(start).Microseconds()) / 1000.0
			if callErr != nil {
				vm.appendAudit(workflowID, slice.SliceID, instr, audit.ResultFailed, map[string]interface{}{"error": callErr.Error(), "parallelGroupId": instr.ParallelGroupID}, durationMs)
				results <- childResult{instr: instr, err: callErr}
				return
			}
			if instr.Dest != "" {
				registers.Set(instr.Dest, output)
			}
			vm.appendAudit(workflowID, slice.SliceID, instr, audit.ResultSuccess, map[string]interface{}{"parallelGroupId": instr.ParallelGroupID}, durationMs)
			results <- childResult{instr: instr}
		}(m)
	}

	var firstErr error
	for range members {
		cr := <-results
		if cr.err == nil {
			continue
		}
		if lenient {
			if cr.instr.Dest != "" {
				registers.Set(cr.instr.Dest, map[string]interface{}{"error": cr.err.Error()})
			}
			continue
		}
		if firstErr == nil {
			firstErr = cr.err
		}
	}
	return firstErr
}

func deadlineFrom(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(30 * time.Second)
}
