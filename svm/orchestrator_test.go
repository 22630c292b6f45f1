package svm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/scp/audit"
	"github.com/kraklabs/scp/dispatch"
	"github.com/kraklabs/scp/executor"
	"github.com/kraklabs/scp/ir"
	"github.com/kraklabs/scp/logging"
	"github.com/kraklabs/scp/scperrors"
)

type fakeDispatcher struct {
	resultFor map[string]dispatch.SliceResultPayload
	errFor    map[string]error
	calls     int
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, nodeID string, payload dispatch.SliceDispatchPayload) (dispatch.SliceResultPayload, error) {
	f.calls++
	if err, ok := f.errFor[payload.SliceID]; ok {
		return dispatch.SliceResultPayload{}, err
	}
	return f.resultFor[payload.SliceID], nil
}

func newOrchestratorHarness(disp RemoteDispatcher) (*Orchestrator, *audit.BufferedStore) {
	store := audit.NewBufferedStore()
	chain := audit.NewChain(store)
	vm := New(executor.NewRegistry(), chain, logging.NoOp{})
	return NewOrchestrator(vm, disp, chain, logging.NoOp{}), store
}

// Scenario 2: edge sensor + central aggregation — two slices, one remote
// flow, one sync point. The remote slice's output register is merged into
// the central register file before the final slice runs.
func TestEdgeSensorPlusCentralAggregation(t *testing.T) {
	disp := &fakeDispatcher{
		resultFor: map[string]dispatch.SliceResultPayload{
			"edge-1": {
				PlanID: "wf-edge", SliceID: "edge-1", NodeID: "mcu-1",
				Status:          dispatch.SliceSuccess,
				OutputRegisters: map[string]interface{}{"reg_filter": 72.5},
			},
		},
	}
	orch, store := newOrchestratorHarness(disp)

	plan := &ir.DistributionPlan{
		IsDistributed: true,
		Slices: []ir.Slice{
			{
				SliceID: "edge-1", NodeID: "mcu-1",
				Instructions:     []ir.Instruction{{Index: 0, Opcode: ir.OpTrigger, Dest: "reg_temp"}, {Index: 1, Opcode: ir.OpFilter, Src: []string{"reg_temp"}, Dest: "reg_filter"}},
				InstructionOrder: []int{0, 1},
				OutputBindings:   []ir.OutputBinding{{Register: "reg_filter", TargetSliceID: "central", TargetRegister: "reg_filter"}},
				EstimatedDurationMs: 50,
			},
			{
				SliceID: "central", NodeID: "central", IsRoot: true,
				Instructions: []ir.Instruction{{
					Index: 2, Opcode: ir.OpCallService, Src: []string{"reg_filter"}, Dest: "reg_sent",
					DispatchMetadata: &ir.DispatchMetadata{Format: ir.FormatNative},
					Operands:         map[string]interface{}{"functionName": "email.send"},
				}},
				InstructionOrder: []int{2},
				DependsOnSlices:  []string{"edge-1"},
			},
		},
		SyncPoints: []ir.SyncPoint{
			{SyncID: "sync-1", AwaitSliceIDs: []string{"edge-1"}, TimeoutMs: 2150, OnTimeout: ir.OnTimeoutFail},
		},
	}

	resolved := &ir.Resolved{DistributionPlan: plan, Metadata: ir.Metadata{WorkflowID: "wf-edge"}}

	// email.send executor isn't registered, so the CALL_SERVICE on central
	// fails; this test only asserts the cross-node flow is merged correctly
	// before that point, so check the register merge happened via audit.
	_, err := orch.RunWorkflow(context.Background(), "wf-edge", resolved, map[string]interface{}{"reg_temp": 95.0})
	require.Error(t, err) // email.send has no registered executor

	events, loadErr := store.Events("wf-edge")
	require.NoError(t, loadErr)
	require.NotEmpty(t, events)
	assert.Equal(t, audit.ResultSuccess, events[0].Result) // the merged remote-slice bridging event
	assert.Equal(t, 1, disp.calls)
}

// Scenario 5 (USE_DEFAULT branch): a remote slice fails and its sync point
// is configured onTimeout=USE_DEFAULT — the workflow completes with the
// default value and a FAILOVER audit event instead of aborting.
func TestSyncPointUseDefaultOnRemoteFailure(t *testing.T) {
	disp := &fakeDispatcher{
		errFor: map[string]error{"remote-1": scperrors.ErrSyncPointTimeout},
	}
	orch, store := newOrchestratorHarness(disp)

	plan := &ir.DistributionPlan{
		IsDistributed: true,
		Slices: []ir.Slice{
			{SliceID: "remote-1", NodeID: "mcu-1", EstimatedDurationMs: 10, OutputBindings: []ir.OutputBinding{{Register: "reg_remote", TargetSliceID: "central", TargetRegister: "reg_remote"}}},
			{SliceID: "central", NodeID: "central", IsRoot: true, DependsOnSlices: []string{"remote-1"}},
		},
		SyncPoints: []ir.SyncPoint{
			{SyncID: "sync-1", AwaitSliceIDs: []string{"remote-1"}, TimeoutMs: 2030, OnTimeout: ir.OnTimeoutUseDefault, DefaultValue: 0.0},
		},
	}
	resolved := &ir.Resolved{DistributionPlan: plan, Metadata: ir.Metadata{WorkflowID: "wf-sync"}}

	result, err := orch.RunWorkflow(context.Background(), "wf-sync", resolved, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Registers["reg_remote"])

	events, loadErr := store.Events("wf-sync")
	require.NoError(t, loadErr)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ResultFailover, events[0].Result)
}

// onTimeout=FAIL aborts the workflow and enqueues the payload for retry
// once the node is reachable again.
func TestSyncPointFailAbortsAndBuffersForRetry(t *testing.T) {
	disp := &fakeDispatcher{
		errFor: map[string]error{"remote-1": scperrors.ErrNodeOffline},
	}
	orch, store := newOrchestratorHarness(disp)

	plan := &ir.DistributionPlan{
		IsDistributed: true,
		Slices: []ir.Slice{
			{SliceID: "remote-1", NodeID: "mcu-1", EstimatedDurationMs: 10},
			{SliceID: "central", NodeID: "central", IsRoot: true, DependsOnSlices: []string{"remote-1"}},
		},
		SyncPoints: []ir.SyncPoint{
			{SyncID: "sync-1", AwaitSliceIDs: []string{"remote-1"}, TimeoutMs: 2030, OnTimeout: ir.OnTimeoutFail},
		},
	}
	resolved := &ir.Resolved{DistributionPlan: plan, Metadata: ir.Metadata{WorkflowID: "wf-fail"}}

	_, err := orch.RunWorkflow(context.Background(), "wf-fail", resolved, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "correlationId=")
	assert.True(t, errors.Is(err, scperrors.ErrNodeOffline))

	assert.Equal(t, 1, orch.offline.Len("mcu-1"))

	events, loadErr := store.Events("wf-fail")
	require.NoError(t, loadErr)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ResultFailed, events[0].Result)
}
