package compiler

import (
	"fmt"

	"github.com/kraklabs/scp/ir"
)

// Stage transforms s in place and reports every issue it found. A stage
// that reports any SeverityError issue halts the pipeline at the end of
// that stage; warnings never halt it.
type Stage func(s *State) []CompilationIssue

func serviceOpcode(op ir.Opcode) bool {
	return op == ir.OpCallService || op == ir.OpCallAction
}

// StageStructuralValidation is stage 1: every instruction has a valid
// opcode, a unique index, and service-invoking instructions carry a
// capabilityId operand.
func StageStructuralValidation(s *State) []CompilationIssue {
	var issues []CompilationIssue
	seen := make(map[int]bool, len(s.Instructions))

	for i := range s.Instructions {
		instr := &s.Instructions[i]
		if seen[instr.Index] {
			issues = append(issues, CompilationIssue{SeverityError, IssueStructural, instr.Index, "duplicate instruction index"})
		}
		seen[instr.Index] = true

		if !instr.Opcode.Valid() {
			issues = append(issues, CompilationIssue{SeverityError, IssueStructural, instr.Index, fmt.Sprintf("unknown opcode %q", instr.Opcode)})
			continue
		}

		if serviceOpcode(instr.Opcode) || instr.Opcode == ir.OpLoadResource {
			if _, ok := instr.Operands["capabilityId"]; !ok {
				issues = append(issues, CompilationIssue{SeverityError, IssueStructural, instr.Index, "service-invoking instruction missing capabilityId operand"})
			}
		}
	}
	return issues
}

// StageSymbolResolution is stage 2: every referenced capability exists in
// the catalog and is not revoked.
func StageSymbolResolution(s *State) []CompilationIssue {
	var issues []CompilationIssue
	if s.Catalog == nil {
		return issues
	}

	for i := range s.Instructions {
		instr := &s.Instructions[i]
		if !serviceOpcode(instr.Opcode) {
			continue
		}
		capID, _ := instr.Operands["capabilityId"].(string)
		if capID == "" {
			continue // already reported by stage 1
		}
		entry, ok := s.Catalog.Get(capID)
		if !ok {
			issues = append(issues, CompilationIssue{SeverityError, IssueUnresolvedSymbol, instr.Index, fmt.Sprintf("capability %q not found in catalog", capID)})
			continue
		}
		if s.VerifyEntry != nil && !s.VerifyEntry(entry) {
			issues = append(issues, CompilationIssue{SeverityError, IssueRevokedCapability, instr.Index, fmt.Sprintf("capability %q failed verification or is revoked", capID)})
		}
	}
	return issues
}

// StageTypeCheck is stage 3: every Src register must have been produced
// by some earlier-declared instruction's Dest, or be a trigger-sourced
// register (no producer required).
func StageTypeCheck(s *State) []CompilationIssue {
	var issues []CompilationIssue

	for i := range s.Instructions {
		instr := &s.Instructions[i]
		for _, src := range instr.Src {
			if _, ok := s.destIndex[src]; !ok {
				issues = append(issues, CompilationIssue{SeverityError, IssueUndefinedRegister, instr.Index, fmt.Sprintf("register %q has no producing instruction", src)})
			}
		}
		if instr.Dest != "" {
			s.destIndex[instr.Dest] = instr.Index
		}
	}
	return issues
}

// StageConstantFolding is stage 4: a pure TRANSFORM (no Src registers, an
// operand named "literal") folds directly into the constants table; the
// instruction itself is kept, annotated as folded.
func StageConstantFolding(s *State) []CompilationIssue {
	for i := range s.Instructions {
		instr := &s.Instructions[i]
		if instr.Opcode != ir.OpTransform || len(instr.Src) != 0 || instr.Dest == "" {
			continue
		}
		literal, ok := instr.Operands["literal"]
		if !ok {
			continue
		}
		s.Constants[instr.Dest] = literal
		if instr.Operands == nil {
			instr.Operands = make(map[string]interface{})
		}
		instr.Operands["__folded"] = true
	}
	return nil
}

// StageDependencyGraph is stage 5: builds the index->depends-on-indices
// graph from Src edges, detects cycles, and topologically sorts the
// instructions.
func StageDependencyGraph(s *State) []CompilationIssue {
	var issues []CompilationIssue

	for i := range s.Instructions {
		instr := &s.Instructions[i]
		var deps []int
		for _, src := range instr.Src {
			if producerIdx, ok := s.destIndex[src]; ok && producerIdx != instr.Index {
				deps = append(deps, producerIdx)
			}
		}
		s.DependencyGraph[instr.Index] = deps
	}

	order, cyclicAt, ok := topoSort(s.DependencyGraph)
	if !ok {
		issues = append(issues, CompilationIssue{SeverityError, IssueCycle, cyclicAt, "dependency cycle detected"})
		return issues
	}
	s.InstructionOrder = order
	return issues
}

// topoSort performs a DFS-based topological sort of graph (index -> deps).
// Returns the order, and on cycle detection the index where the cycle was
// found plus ok=false.
func topoSort(graph map[int][]int) ([]int, int, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int]int, len(graph))
	var order []int
	var visit func(n int) (int, bool)

	visit = func(n int) (int, bool) {
		color[n] = gray
		for _, dep := range graph[n] {
			switch color[dep] {
			case white:
				if bad, ok := visit(dep); !ok {
					return bad, false
				}
			case gray:
				return n, false
			}
		}
		color[n] = black
		order = append(order, n)
		return 0, true
	}

	// visit in ascending index order for determinism
	indices := make([]int, 0, len(graph))
	for idx := range graph {
		indices = append(indices, idx)
	}
	sortInts(indices)

	for _, idx := range indices {
		if color[idx] == white {
			if bad, ok := visit(idx); !ok {
				return nil, bad, false
			}
		}
	}
	return order, 0, true
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

// StageParallelGroupInference is stage 6: every instruction at the same
// dependency depth (so with no mutual dependency) shares one
// parallelGroupId, except a lone root. Side-effect ordering is not
// consulted: OnError and the opcode do not keep an instruction out of its
// depth's group.
func StageParallelGroupInference(s *State) []CompilationIssue {
	depthOf := make(map[int]int, len(s.Instructions))
	for _, idx := range s.InstructionOrder {
		depth := 0
		for _, dep := range s.DependencyGraph[idx] {
			if depthOf[dep]+1 > depth {
				depth = depthOf[dep] + 1
			}
		}
		depthOf[idx] = depth
	}

	groupByDepth := make(map[int]string)
	groupSeq := 0
	for _, idx := range s.InstructionOrder {
		instr := s.instruction(idx)
		if instr == nil || len(s.DependencyGraph[idx]) == 0 && depthOf[idx] == 0 && onlyOneAtDepthZero(s, depthOf) {
			continue // a lone root instruction is not meaningfully "parallel"
		}
		depth := depthOf[idx]
		group, ok := groupByDepth[depth]
		if !ok {
			groupSeq++
			group = fmt.Sprintf("pg-%d", groupSeq)
			groupByDepth[depth] = group
		}
		instr.ParallelGroupID = group
	}
	return nil
}

func onlyOneAtDepthZero(s *State, depthOf map[int]int) bool {
	count := 0
	for _, d := range depthOf {
		if d == 0 {
			count++
		}
	}
	return count <= 1
}

// StageServiceResolution is stage 7: attach dispatchMetadata to every
// service-invoking instruction, derived from its catalog entry.
func StageServiceResolution(s *State) []CompilationIssue {
	var issues []CompilationIssue
	if s.Catalog == nil {
		return issues
	}

	for i := range s.Instructions {
		instr := &s.Instructions[i]
		if !serviceOpcode(instr.Opcode) {
			continue
		}
		capID, _ := instr.Operands["capabilityId"].(string)
		entry, ok := s.Catalog.Get(capID)
		if !ok {
			continue // already reported by stage 2
		}

		format := formatFor(entry)
		meta := &ir.DispatchMetadata{Format: format}
		if entry.EstimatedDuration > 0 {
			meta.Timeout = (entry.EstimatedDuration * 2).String()
		}
		if connType, ok := instr.Operands["connectorType"].(string); ok {
			meta.ConnectorType = connType
		}
		instr.DispatchMetadata = meta
		if !s.VerifyEntry(entry) {
			issues = append(issues, CompilationIssue{SeverityError, IssueServiceResolution, instr.Index, fmt.Sprintf("capability %q could not be resolved to a dispatch format", capID)})
		}
	}
	return issues
}

// StageOptimize is stage 8: dead-code elimination (annotated, not
// removed), common-subexpression merging on pure transforms, and
// admission checks against each instruction's estimated cost.
func StageOptimize(s *State) []CompilationIssue {
	var issues []CompilationIssue

	read := make(map[string]bool, len(s.Instructions))
	for i := range s.Instructions {
		for _, src := range s.Instructions[i].Src {
			read[src] = true
		}
	}

	signatures := make(map[string]int) // canonical transform signature -> first producing index

	for i := range s.Instructions {
		instr := &s.Instructions[i]

		if instr.Dest != "" && !read[instr.Dest] && !sideEffecting(instr.Opcode) {
			setAnnotation(instr, "__dead", true)
		}

		if instr.Opcode == ir.OpTransform {
			sig := transformSignature(instr)
			if firstIdx, seen := signatures[sig]; seen {
				setAnnotation(instr, "__csequivalentTo", firstIdx)
			} else {
				signatures[sig] = instr.Index
			}
		}

		if s.Catalog != nil && serviceOpcode(instr.Opcode) {
			capID, _ := instr.Operands["capabilityId"].(string)
			if entry, ok := s.Catalog.Get(capID); ok && entry.EstimatedCost.CPU > admissionCPUCeiling {
				issues = append(issues, CompilationIssue{SeverityError, IssueAdmissionRejected, instr.Index, fmt.Sprintf("capability %q estimated CPU cost %.2f exceeds admission ceiling", capID, entry.EstimatedCost.CPU)})
			}
		}
	}
	return issues
}

// admissionCPUCeiling is the per-instruction normalized-CPU budget above
// which an instruction is rejected at compile time rather than risking a
// runaway slice at execution time.
const admissionCPUCeiling = 1.0

func sideEffecting(op ir.Opcode) bool {
	switch op {
	case ir.OpCallService, ir.OpCallAction, ir.OpStoreMemory, ir.OpRemoteCommand, ir.OpTrigger:
		return true
	default:
		return false
	}
}

func setAnnotation(instr *ir.Instruction, key string, value interface{}) {
	if instr.Operands == nil {
		instr.Operands = make(map[string]interface{})
	}
	instr.Operands[key] = value
}

func transformSignature(instr *ir.Instruction) string {
	sig := fmt.Sprintf("%v|%v", instr.Src, instr.Operands["literal"])
	return sig
}
