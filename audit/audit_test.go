package audit

import (
	"testing"

	"github.com/kraklabs/scp/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendChainsGenesisOnFirstEvent(t *testing.T) {
	chain := NewChain(NewBufferedStore())
	e, err := chain.Append(Event{WorkflowID: "wf-1", Opcode: ir.OpTransform, Result: ResultSuccess})
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, e.PreviousEventHash)
	assert.NotEmpty(t, e.SelfHash)
	assert.Equal(t, 0, e.Index)
}

func TestAppendLinksSelfHashToNextPreviousEventHash(t *testing.T) {
	chain := NewChain(NewBufferedStore())
	e1, err := chain.Append(Event{WorkflowID: "wf-1", Opcode: ir.OpTransform, Result: ResultSuccess})
	require.NoError(t, err)
	e2, err := chain.Append(Event{WorkflowID: "wf-1", Opcode: ir.OpFilter, Result: ResultSuccess})
	require.NoError(t, err)

	assert.Equal(t, e1.SelfHash, e2.PreviousEventHash)
	assert.Equal(t, 1, e2.Index)
}

func TestAppendTimestampsAreMonotonicPerWorkflow(t *testing.T) {
	chain := NewChain(NewBufferedStore())
	e1, err := chain.Append(Event{WorkflowID: "wf-1", Opcode: ir.OpTransform, Result: ResultSuccess})
	require.NoError(t, err)
	e2, err := chain.Append(Event{WorkflowID: "wf-1", Opcode: ir.OpFilter, Result: ResultSuccess})
	require.NoError(t, err)
	assert.True(t, e2.Timestamp.After(e1.Timestamp))
}

func TestAppendSeparateWorkflowsHaveIndependentChains(t *testing.T) {
	chain := NewChain(NewBufferedStore())
	a, err := chain.Append(Event{WorkflowID: "wf-a", Opcode: ir.OpTransform, Result: ResultSuccess})
	require.NoError(t, err)
	b, err := chain.Append(Event{WorkflowID: "wf-b", Opcode: ir.OpTransform, Result: ResultSuccess})
	require.NoError(t, err)

	assert.Equal(t, GenesisHash, a.PreviousEventHash)
	assert.Equal(t, GenesisHash, b.PreviousEventHash)
}

func TestVerifyChainSucceedsOnUntamperedChain(t *testing.T) {
	store := NewBufferedStore()
	chain := NewChain(store)
	for i := 0; i < 5; i++ {
		_, err := chain.Append(Event{WorkflowID: "wf-1", InstructionIndex: i, Opcode: ir.OpTransform, Result: ResultSuccess})
		require.NoError(t, err)
	}

	result, err := VerifyChain(store, "wf-1")
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, 5, result.TotalEvents)
	assert.Nil(t, result.FirstBrokenAt)
}

func TestVerifyChainReportsFirstBrokenIndexWhenRecordTampered(t *testing.T) {
	store := NewBufferedStore()
	chain := NewChain(store)
	for i := 0; i < 5; i++ {
		_, err := chain.Append(Event{WorkflowID: "wf-1", InstructionIndex: i, Opcode: ir.OpTransform, Result: ResultSuccess})
		require.NoError(t, err)
	}

	events, err := store.Events("wf-1")
	require.NoError(t, err)
	events[2].Result = ResultFailed // tamper the stored record in place, selfHash now stale
	store.events["wf-1"] = events

	result, err := VerifyChain(store, "wf-1")
	require.NoError(t, err)
	assert.False(t, result.Verified)
	require.NotNil(t, result.FirstBrokenAt)
	assert.Equal(t, 2, *result.FirstBrokenAt)
}

func TestVerifyChainReportsFirstBrokenIndexWhenLinkBroken(t *testing.T) {
	store := NewBufferedStore()
	chain := NewChain(store)
	for i := 0; i < 4; i++ {
		_, err := chain.Append(Event{WorkflowID: "wf-1", InstructionIndex: i, Opcode: ir.OpTransform, Result: ResultSuccess})
		require.NoError(t, err)
	}

	events, err := store.Events("wf-1")
	require.NoError(t, err)
	events[1].PreviousEventHash = "deadbeef"
	store.events["wf-1"] = events

	result, err := VerifyChain(store, "wf-1")
	require.NoError(t, err)
	assert.False(t, result.Verified)
	require.NotNil(t, result.FirstBrokenAt)
	assert.Equal(t, 1, *result.FirstBrokenAt)
}

func TestLastHashReturnsGenesisForUnknownWorkflow(t *testing.T) {
	chain := NewChain(NewBufferedStore())
	assert.Equal(t, GenesisHash, chain.LastHash("never-seen"))
}

func TestBufferedStoreDrainRemovesEvents(t *testing.T) {
	store := NewBufferedStore()
	chain := NewChain(store)
	_, err := chain.Append(Event{WorkflowID: "wf-1", Opcode: ir.OpTransform, Result: ResultSuccess})
	require.NoError(t, err)

	assert.Equal(t, 1, store.Len("wf-1"))
	drained := store.Drain("wf-1")
	assert.Len(t, drained, 1)
	assert.Equal(t, 0, store.Len("wf-1"))
}
