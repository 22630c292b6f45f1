package svm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kraklabs/scp/audit"
	"github.com/kraklabs/scp/dispatch"
	"github.com/kraklabs/scp/ir"
	"github.com/kraklabs/scp/logging"
	"github.com/kraklabs/scp/resilience"
	"github.com/kraklabs/scp/scperrors"
)

// centralNodeID is the node id the planner and registry reserve for the
// orchestrating node itself (registry.CentralNode()).
const centralNodeID = "central"

// RemoteDispatcher is the subset of *dispatch.Dispatcher the orchestrator
// needs, narrowed so tests can substitute a fake transport.
type RemoteDispatcher interface {
	Dispatch(ctx context.Context, nodeID string, payload dispatch.SliceDispatchPayload) (dispatch.SliceResultPayload, error)
}

// Orchestrator runs every slice of a distribution plan to completion: the
// central slices directly through the VM, remote slices through the
// dispatcher, applying each sync point's timeout policy when a remote
// slice fails or doesn't answer in time.
type Orchestrator struct {
	vm         *VM
	dispatcher RemoteDispatcher
	chain      *audit.Chain
	logger     logging.Logger
	offline    *OfflineBuffer

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// NewOrchestrator wires a VM, dispatcher and audit chain into a workflow
// runner.
func NewOrchestrator(vm *VM, dispatcher RemoteDispatcher, chain *audit.Chain, logger logging.Logger) *Orchestrator {
	return &Orchestrator{
		vm:         vm,
		dispatcher: dispatcher,
		chain:      chain,
		logger:     logger.WithComponent("svm.orchestrator"),
		offline:    NewOfflineBuffer(),
		breakers:   make(map[string]*resilience.CircuitBreaker),
	}
}

func (o *Orchestrator) breakerFor(nodeID string) *resilience.CircuitBreaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cb, ok := o.breakers[nodeID]; ok {
		return cb
	}
	cb := resilience.NewCircuitBreaker(resilience.Config{Name: "dispatch:" + nodeID})
	o.breakers[nodeID] = cb
	return cb
}

// WorkflowResult is what RunWorkflow returns: the final register file and
// whether the plan was distributed across more than one node.
type WorkflowResult struct {
	Registers     map[string]interface{}
	IsDistributed bool
}

// RunWorkflow executes every slice of resolved.DistributionPlan in order,
// seeding the register file with the fired trigger's payload.
func (o *Orchestrator) RunWorkflow(ctx context.Context, workflowID string, resolved *ir.Resolved, triggerRegisters map[string]interface{}) (WorkflowResult, error) {
	plan := resolved.DistributionPlan
	if plan == nil {
		return WorkflowResult{}, scperrors.New("svm.RunWorkflow", "dispatch", fmt.Errorf("resolved IR for workflow %s has no distribution plan", workflowID))
	}

	registers := NewRegisters(triggerRegisters)
	cancel := make(chan struct{})

	for i := range plan.Slices {
		slice := &plan.Slices[i]

		var result RunResult
		var remoteOutputs map[string]interface{}

		if slice.NodeID == centralNodeID {
			result = o.vm.ExecuteSlice(ctx, workflowID, slice, registers, cancel)
			if result.Err != nil {
				return WorkflowResult{}, o.abort(workflowID, result.Err)
			}
		} else {
			outputs, err := o.runRemoteSlice(ctx, workflowID, plan, slice, registers)
			if err != nil {
				return WorkflowResult{}, o.abort(workflowID, err)
			}
			remoteOutputs = outputs
		}

		o.applyOutputBindings(registers, slice, remoteOutputs)
	}

	return WorkflowResult{Registers: registers.Snapshot(), IsDistributed: len(plan.Slices) > 1}, nil
}

// abort records the failing correlation id (the last good audit event's
// selfHash) on the returned error, per §5's "user-visible failure carries
// a correlation id equal to the last audit event's selfHash".
func (o *Orchestrator) abort(workflowID string, cause error) error {
	correlationID := audit.CorrelationID(o.chain.LastHash(workflowID))
	return fmt.Errorf("workflow %s aborted, correlationId=%s: %w", workflowID, correlationID, cause)
}

// applyOutputBindings copies a completed slice's produced registers into
// whatever target register names its OutputBindings name. For a slice run
// locally this is usually an identity copy (the register file is already
// shared); for a remote slice, remoteOutputs holds exactly the registers
// the node reported.
func (o *Orchestrator) applyOutputBindings(registers *Registers, slice *ir.Slice, remoteOutputs map[string]interface{}) {
	for _, ob := range slice.OutputBindings {
		var value interface{}
		var ok bool
		if remoteOutputs != nil {
			value, ok = remoteOutputs[ob.Register]
		} else {
			value, ok = registers.values[ob.Register]
		}
		if ok {
			registers.Set(ob.TargetRegister, value)
		}
	}
}

// findSyncPoint returns the sync point awaiting sliceID, if any.
func findSyncPoint(plan *ir.DistributionPlan, sliceID string) *ir.SyncPoint {
	for i := range plan.SyncPoints {
		for _, awaited := range plan.SyncPoints[i].AwaitSliceIDs {
			if awaited == sliceID {
				return &plan.SyncPoints[i]
			}
		}
	}
	return nil
}

// runRemoteSlice dispatches slice to its assigned node and resolves the
// outcome per the governing sync point's onTimeout policy.
func (o *Orchestrator) runRemoteSlice(ctx context.Context, workflowID string, plan *ir.DistributionPlan, slice *ir.Slice, registers *Registers) (map[string]interface{}, error) {
	syncPoint := findSyncPoint(plan, slice.SliceID)

	timeoutMs := int64(3*slice.EstimatedDurationMs) + 2000
	policy := ir.OnTimeoutFail
	var defaultValue interface{}
	if syncPoint != nil {
		timeoutMs = syncPoint.TimeoutMs
		policy = syncPoint.OnTimeout
		defaultValue = syncPoint.DefaultValue
	}

	registerValues := make(map[string]interface{}, len(slice.InputBindings))
	for reg, binding := range slice.InputBindings {
		if binding.FromTrigger {
			if v, err := registers.Get(reg); err == nil {
				registerValues[reg] = v
			}
			continue
		}
		if v, err := registers.Get(reg); err == nil {
			registerValues[reg] = v
		}
	}

	payload := dispatch.SliceDispatchPayload{
		PlanID:           workflowID,
		SliceID:          slice.SliceID,
		Instructions:     slice.Instructions,
		InstructionOrder: slice.InstructionOrder,
		RegisterValues:   registerValues,
		TimeoutMs:        timeoutMs,
		Checksum:         slice.Checksum,
	}

	var result dispatch.SliceResultPayload
	cb := o.breakerFor(slice.NodeID)
	dispatchCtx, doneCancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer doneCancel()

	execErr := cb.Execute(dispatchCtx, func() error {
		var err error
		result, err = o.dispatcher.Dispatch(dispatchCtx, slice.NodeID, payload)
		if err != nil {
			return err
		}
		if result.Status != dispatch.SliceSuccess {
			return fmt.Errorf("%w: slice %s status %s", scperrors.ErrSyncPointTimeout, slice.SliceID, result.Status)
		}
		return nil
	})

	if execErr == nil {
		o.mergeRemoteAuditEvents(workflowID, slice, result)
		return result.OutputRegisters, nil
	}

	return o.resolveSyncFailure(workflowID, slice, payload, policy, defaultValue, execErr)
}

// resolveSyncFailure applies a sync point's onTimeout policy once a remote
// slice has failed, timed out, or the node was unreachable.
func (o *Orchestrator) resolveSyncFailure(workflowID string, slice *ir.Slice, payload dispatch.SliceDispatchPayload, policy ir.TimeoutPolicy, defaultValue interface{}, cause error) (map[string]interface{}, error) {
	offline := scperrors.IsRetryable(cause) || cause == resilience.ErrOpen

	switch policy {
	case ir.OnTimeoutFail:
		o.appendSliceAudit(workflowID, slice, audit.ResultFailed, map[string]interface{}{"error": cause.Error()})
		if offline {
			o.offline.Enqueue(slice.NodeID, payload)
		}
		return nil, cause

	case ir.OnTimeoutSkip:
		o.appendSliceAudit(workflowID, slice, audit.ResultSkipped, map[string]interface{}{"error": cause.Error()})
		if offline {
			o.offline.Enqueue(slice.NodeID, payload)
		}
		return map[string]interface{}{}, nil

	case ir.OnTimeoutUseDefault:
		outputs := make(map[string]interface{}, len(slice.OutputBindings))
		for _, ob := range slice.OutputBindings {
			outputs[ob.Register] = defaultValue
		}
		o.appendSliceAudit(workflowID, slice, audit.ResultFailover, map[string]interface{}{"error": cause.Error(), "defaultValue": defaultValue})
		if offline {
			o.offline.Enqueue(slice.NodeID, payload)
		}
		return outputs, nil

	default:
		o.appendSliceAudit(workflowID, slice, audit.ResultFailed, map[string]interface{}{"error": cause.Error()})
		return nil, cause
	}
}

func (o *Orchestrator) appendSliceAudit(workflowID string, slice *ir.Slice, result audit.Result, detail map[string]interface{}) {
	instrIndex := -1
	if len(slice.Instructions) > 0 {
		instrIndex = slice.Instructions[0].Index
	}
	event := audit.Event{
		WorkflowID:       workflowID,
		InstructionIndex: instrIndex,
		SliceID:          slice.SliceID,
		NodeID:           slice.NodeID,
		Opcode:           ir.OpCallService,
		Result:           result,
		EventType:        "sync_point",
		Detail:           detail,
	}
	if _, err := o.chain.Append(event); err != nil {
		o.logger.Error("failed to append sync-point audit event", map[string]interface{}{"workflowId": workflowID, "error": err.Error()})
	}
}

// mergeRemoteAuditEvents appends one bridging audit event per remote
// instruction result the node reported, preserving the remote node's own
// per-instruction detail inside a single central-chain entry rather than
// replaying the remote chain's hash links (the remote node's own Store is
// the source of truth for its own slice; central only needs a pointer
// into it for its own verification walk).
func (o *Orchestrator) mergeRemoteAuditEvents(workflowID string, slice *ir.Slice, result dispatch.SliceResultPayload) {
	detail := map[string]interface{}{
		"durationMs":  result.DurationMs,
		"remoteSteps": result.AuditEvents,
	}
	event := audit.Event{
		WorkflowID:       workflowID,
		InstructionIndex: -1,
		SliceID:          slice.SliceID,
		NodeID:           slice.NodeID,
		Opcode:           ir.OpCallService,
		Result:           audit.ResultSuccess,
		EventType:        "remote_slice",
		DurationMs:       int64(result.DurationMs),
		Detail:           detail,
	}
	if _, err := o.chain.Append(event); err != nil {
		o.logger.Error("failed to append remote slice audit event", map[string]interface{}{"workflowId": workflowID, "error": err.Error()})
	}
}

// ResumeOffline re-dispatches every payload queued for nodeID, called once
// its heartbeat reports ONLINE again. It does not re-run sync-point
// policy: these are fire-and-forget retries of previously failed sends.
func (o *Orchestrator) ResumeOffline(ctx context.Context, nodeID string) []error {
	payloads := o.offline.Drain(nodeID)
	var errs []error
	for _, payload := range payloads {
		if _, err := o.dispatcher.Dispatch(ctx, nodeID, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
