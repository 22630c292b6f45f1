package compiler

import (
	"context"
	"testing"

	"github.com/kraklabs/scp/catalog"
	"github.com/kraklabs/scp/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct{ entries []catalog.Entry }

func (s *staticSource) Entries(ctx context.Context) ([]catalog.Entry, error) { return s.entries, nil }

func testCatalog(t *testing.T, revoked []string) *catalog.Catalog {
	t.Helper()
	signer := catalog.NewSigner("test-secret")
	entries := []catalog.Entry{
		{ID: "slack.post", Name: "Slack Post", Category: catalog.CategoryAction, Description: "post to slack",
			Executor: catalog.ExecutorRef{Kind: catalog.ExecutorHTTPRef, Ref: "https://hooks.example/slack"},
			EstimatedCost: catalog.CostEstimate{CPU: 0.1, MemoryMB: 16}},
	}
	return catalog.New(&staticSource{entries: entries}, signer, revoked, nil, 0, nil)
}

func simpleProgram() *ir.Program {
	return &ir.Program{
		WorkflowID:      "wf-1",
		WorkflowVersion: 1,
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpTransform, Dest: "r0", Operands: map[string]interface{}{"literal": "hello"}},
			{Index: 1, Opcode: ir.OpCallService, Dest: "r1", Src: []string{"r0"}, Operands: map[string]interface{}{"capabilityId": "slack.post"}},
		},
	}
}

func TestCompileSucceedsOnValidProgram(t *testing.T) {
	pipeline := NewPipeline(testCatalog(t, nil), nil)
	result, err := pipeline.Compile(context.Background(), simpleProgram())
	require.NoError(t, err)
	require.False(t, HasErrors(result.Issues), "%v", result.Issues)
	require.NotNil(t, result.Resolved)

	assert.Equal(t, "hello", result.Resolved.Constants["r0"])
	assert.NotNil(t, result.Resolved.InstructionByIndex(1).DispatchMetadata)
	assert.Equal(t, ir.FormatHTTP, result.Resolved.InstructionByIndex(1).DispatchMetadata.Format)
}

func TestCompileReportsUndefinedRegister(t *testing.T) {
	program := simpleProgram()
	program.Instructions[1].Src = []string{"not-produced"}

	pipeline := NewPipeline(testCatalog(t, nil), nil)
	result, err := pipeline.Compile(context.Background(), program)
	require.NoError(t, err)
	require.True(t, HasErrors(result.Issues))
	assert.Nil(t, result.Resolved)

	found := false
	for _, iss := range result.Issues {
		if iss.Type == IssueUndefinedRegister {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCompileReportsRevokedCapability(t *testing.T) {
	pipeline := NewPipeline(testCatalog(t, []string{"slack.post"}), nil)
	result, err := pipeline.Compile(context.Background(), simpleProgram())
	require.NoError(t, err)
	require.True(t, HasErrors(result.Issues))

	found := false
	for _, iss := range result.Issues {
		if iss.Type == IssueRevokedCapability {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCompileRejectsForwardReferenceBeforeReachingDependencyGraphStage(t *testing.T) {
	// declare-before-use is enforced at stage 3 (type check), so a mutual
	// reference like this is rejected there as an undefined register
	// rather than ever reaching stage 5's cycle detector.
	program := &ir.Program{
		WorkflowID: "wf-cycle",
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpTransform, Dest: "a", Src: []string{"b"}},
			{Index: 1, Opcode: ir.OpTransform, Dest: "b", Src: []string{"a"}},
		},
	}
	pipeline := NewPipeline(testCatalog(t, nil), nil)
	result, err := pipeline.Compile(context.Background(), program)
	require.NoError(t, err)
	require.True(t, HasErrors(result.Issues))
	assert.Equal(t, IssueUndefinedRegister, result.Issues[0].Type)
}

func TestCompileFoldsConstants(t *testing.T) {
	program := &ir.Program{
		WorkflowID: "wf-fold",
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpTransform, Dest: "x", Operands: map[string]interface{}{"literal": float64(42)}},
		},
	}
	pipeline := NewPipeline(testCatalog(t, nil), nil)
	result, err := pipeline.Compile(context.Background(), program)
	require.NoError(t, err)
	require.False(t, HasErrors(result.Issues))
	assert.Equal(t, float64(42), result.Resolved.Constants["x"])
	assert.Equal(t, true, result.Resolved.InstructionByIndex(0).Operands["__folded"])
}

func TestCompileMarksDeadCode(t *testing.T) {
	program := &ir.Program{
		WorkflowID: "wf-dce",
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpTransform, Dest: "unused", Operands: map[string]interface{}{"literal": 1}},
		},
	}
	pipeline := NewPipeline(testCatalog(t, nil), nil)
	result, err := pipeline.Compile(context.Background(), program)
	require.NoError(t, err)
	require.False(t, HasErrors(result.Issues))
	assert.Equal(t, true, result.Resolved.InstructionByIndex(0).Operands["__dead"])
}
