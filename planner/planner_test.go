package planner

import (
	"context"
	"testing"
	"time"

	"github.com/kraklabs/scp/ir"
	"github.com/kraklabs/scp/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registryWithEdgeNode() *registry.InMemoryRegistry {
	r := registry.NewInMemoryRegistry(nil, nil)
	_ = r.Register(context.Background(), registry.NodeCapability{
		NodeID:             "edge-1",
		Tier:               registry.TierLinux,
		SupportedFormats:   []ir.ServiceFormat{ir.FormatWASM, ir.FormatNative},
		SupportedProtocols: []registry.Protocol{registry.ProtoHTTP},
		Hardware:           registry.Hardware{MemoryMB: 512, CPUCores: 2},
		Status:             registry.StatusOnline,
		LastSeenAt:         time.Now(),
	})
	return r
}

func resolvedProgram() *ir.Resolved {
	instrs := []ir.Instruction{
		{Index: 0, Opcode: ir.OpTransform, Dest: "r0", EstimatedMs: 10},
		{Index: 1, Opcode: ir.OpCallService, Dest: "r1", Src: []string{"r0"}, EstimatedMs: 20,
			DispatchMetadata: &ir.DispatchMetadata{Format: ir.FormatWASM}},
		{Index: 2, Opcode: ir.OpCallService, Dest: "r2", Src: []string{"r1"}, EstimatedMs: 5,
			DispatchMetadata: &ir.DispatchMetadata{Format: ir.FormatLLMCall}},
	}
	return &ir.Resolved{
		Instructions:     instrs,
		InstructionOrder: []int{0, 1, 2},
		DependencyGraph:  map[int][]int{0: nil, 1: {0}, 2: {1}},
	}
}

func TestPlanAssignsWASMToEdgeAndLLMToCentral(t *testing.T) {
	p := New(registryWithEdgeNode(), nil)
	resolved := resolvedProgram()

	err := p.Plan(context.Background(), resolved)
	require.NoError(t, err)

	assert.Equal(t, "edge-1", resolved.InstructionByIndex(1).TargetNodeID)
	assert.Equal(t, "central", resolved.InstructionByIndex(2).TargetNodeID)
	assert.True(t, resolved.DistributionPlan.IsDistributed)
}

func TestPlanFallsBackToCentralWhenNoEdgeQualifies(t *testing.T) {
	p := New(registry.NewInMemoryRegistry(nil, nil), nil)
	resolved := resolvedProgram()

	err := p.Plan(context.Background(), resolved)
	require.NoError(t, err)

	for _, idx := range []int{0, 1, 2} {
		assert.Equal(t, "central", resolved.InstructionByIndex(idx).TargetNodeID)
	}
	assert.False(t, resolved.DistributionPlan.IsDistributed)
	require.Len(t, resolved.DistributionPlan.Slices, 1)
	assert.Equal(t, "central", resolved.DistributionPlan.Slices[0].SliceID)
}

func TestPlanProducesSyncPointForRemoteOutputConsumedByCentral(t *testing.T) {
	p := New(registryWithEdgeNode(), nil)
	resolved := resolvedProgram()

	err := p.Plan(context.Background(), resolved)
	require.NoError(t, err)

	require.Len(t, resolved.DistributionPlan.SyncPoints, 1)
	sp := resolved.DistributionPlan.SyncPoints[0]
	assert.Equal(t, ir.OnTimeoutFail, sp.OnTimeout)
	// slice containing instr 1 has estimatedDurationMs=20, so timeoutMs = 3*20+2000
	assert.Equal(t, int64(2060), sp.TimeoutMs)
	assert.Equal(t, 2, sp.ResumeAtInstruction)
	// instr 0 is the last central instruction scheduled before instr 2 resumes
	assert.Equal(t, 0, sp.PauseBeforeInstruction)
}

func TestPlanDockerIsCentralOnly(t *testing.T) {
	resolved := &ir.Resolved{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpCallService, Dest: "r0", DispatchMetadata: &ir.DispatchMetadata{Format: ir.FormatDocker}},
		},
		InstructionOrder: []int{0},
		DependencyGraph:  map[int][]int{0: nil},
	}
	p := New(registryWithEdgeNode(), nil)
	err := p.Plan(context.Background(), resolved)
	require.NoError(t, err)
	assert.Equal(t, "central", resolved.InstructionByIndex(0).TargetNodeID)
}

func TestPlanParallelAffinityPinsGroupToFirstMembersNode(t *testing.T) {
	resolved := &ir.Resolved{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpTransform, Dest: "root"},
			{Index: 1, Opcode: ir.OpCallService, Dest: "a", Src: []string{"root"}, ParallelGroupID: "pg-1",
				DispatchMetadata: &ir.DispatchMetadata{Format: ir.FormatWASM}},
			{Index: 2, Opcode: ir.OpCallService, Dest: "b", Src: []string{"root"}, ParallelGroupID: "pg-1",
				DispatchMetadata: &ir.DispatchMetadata{Format: ir.FormatLLMCall}},
		},
		InstructionOrder: []int{0, 1, 2},
		DependencyGraph:  map[int][]int{0: nil, 1: {0}, 2: {0}},
	}
	p := New(registryWithEdgeNode(), nil)
	err := p.Plan(context.Background(), resolved)
	require.NoError(t, err)

	assert.Equal(t, resolved.InstructionByIndex(1).TargetNodeID, resolved.InstructionByIndex(2).TargetNodeID)
}

func TestCriticalPathAddsRemoteHopPerDistinctNode(t *testing.T) {
	p := New(registryWithEdgeNode(), nil)
	resolved := resolvedProgram()

	err := p.Plan(context.Background(), resolved)
	require.NoError(t, err)

	// longest path without hop: 10 (r0) + 20 (r1) + 5 (r2) = 35; one distinct
	// remote node (edge-1) adds 50ms.
	assert.Equal(t, 85.0, resolved.DistributionPlan.CriticalPathMs)
}
