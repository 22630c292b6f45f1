package compiler

import (
	"github.com/kraklabs/scp/catalog"
	"github.com/kraklabs/scp/ir"
)

// State is the mutable compilation context threaded through every stage.
// Stages only add annotations to Instructions or extend the derived maps —
// none may shrink Instructions.
type State struct {
	WorkflowID      string
	WorkflowVersion int
	Instructions    []ir.Instruction

	DependencyGraph  map[int][]int // instruction index -> indices it depends on
	InstructionOrder []int         // topological order
	Constants        map[string]interface{}

	// destIndex maps a produced register name to the index of the
	// instruction that produces it; built incrementally by stage 3 and
	// consulted by later stages.
	destIndex map[string]int

	Catalog     *catalog.Document
	VerifyEntry func(*catalog.Entry) bool
}

func newState(p *ir.Program) *State {
	s := &State{
		WorkflowID:      p.WorkflowID,
		WorkflowVersion: p.WorkflowVersion,
		Instructions:    p.Instructions,
		DependencyGraph: make(map[int][]int),
		Constants:       make(map[string]interface{}),
		destIndex:       make(map[string]int),
	}
	return s
}

// instruction returns a pointer to the instruction at the given index
// (Instruction.Index, not slice position — the two coincide by
// construction but this makes the intent explicit at call sites).
func (s *State) instruction(idx int) *ir.Instruction {
	for i := range s.Instructions {
		if s.Instructions[i].Index == idx {
			return &s.Instructions[i]
		}
	}
	return nil
}

func (s *State) toResolved() *ir.Resolved {
	return &ir.Resolved{
		Instructions:     s.Instructions,
		DependencyGraph:  s.DependencyGraph,
		InstructionOrder: s.InstructionOrder,
		Metadata:         ir.Metadata{WorkflowID: s.WorkflowID, WorkflowVersion: s.WorkflowVersion},
		Constants:        s.Constants,
	}
}
