package planner

import (
	"context"
	"fmt"

	"github.com/kraklabs/scp/ir"
	"github.com/kraklabs/scp/registry"
)

// remoteHopMs is the fixed round-trip estimate added to the critical path
// per distinct remote node, per the algorithm's step 6.
const remoteHopMs = 50.0

// syncPointBaseMs and syncPointMultiplier implement
// timeoutMs = 3*estimatedDurationMs + 2000 from step 5.
const (
	syncPointMultiplier = 3
	syncPointBaseMs      = 2000
)

// Planner assigns instructions to nodes and builds the DistributionPlan.
type Planner struct {
	nodes      registry.Registry
	driverNode DriverNodeLookup
}

// New constructs a Planner bound to a node Registry and a trigger-driver
// manifest lookup (used only for the TRIGGER unknown-driver fallback rule).
func New(nodes registry.Registry, driverNode DriverNodeLookup) *Planner {
	return &Planner{nodes: nodes, driverNode: driverNode}
}

// Plan implements stage 9: it mutates resolved in place (TargetNodeID and
// SliceID on each instruction) and attaches a DistributionPlan.
func (p *Planner) Plan(ctx context.Context, resolved *ir.Resolved) error {
	order := resolved.InstructionOrder
	if len(order) == 0 {
		// no dependency ordering was computed (e.g. hand-built Resolved in
		// tests); fall back to declared instruction order.
		for _, instr := range resolved.Instructions {
			order = append(order, instr.Index)
		}
	}

	if err := p.assignNodes(ctx, resolved, order); err != nil {
		return err
	}
	p.applyParallelAffinity(resolved, order)
	slices := p.buildSlices(resolved, order)
	flows := crossNodeFlows(resolved, slices)
	syncPoints := buildSyncPoints(resolved, slices, flows)
	criticalPath := criticalPathMs(resolved, order)

	distinctRemote := map[string]bool{}
	for _, s := range slices {
		if s.NodeID != "central" {
			distinctRemote[s.NodeID] = true
		}
	}

	resolved.DistributionPlan = &ir.DistributionPlan{
		Slices:             slices,
		SyncPoints:         syncPoints,
		CrossNodeDataFlows: flows,
		CriticalPathMs:     criticalPath + float64(len(distinctRemote))*remoteHopMs,
		IsDistributed:      len(distinctRemote) > 0,
	}
	return nil
}

func (p *Planner) assignNodes(ctx context.Context, resolved *ir.Resolved, order []int) error {
	for _, idx := range order {
		instr := resolved.InstructionByIndex(idx)
		if instr == nil {
			continue
		}
		req := InferRequirement(instr, p.driverNode)
		node, err := p.nodes.BestFit(ctx, req)
		if err != nil {
			return fmt.Errorf("planner: best fit for instruction %d: %w", idx, err)
		}
		instr.TargetNodeID = node.NodeID
	}
	return nil
}

// applyParallelAffinity pins every non-first member of a parallelGroupId
// to the node the first member was assigned, per step 2.
func (p *Planner) applyParallelAffinity(resolved *ir.Resolved, order []int) {
	assignedGroup := make(map[string]string) // parallelGroupId -> nodeId
	for _, idx := range order {
		instr := resolved.InstructionByIndex(idx)
		if instr == nil || instr.ParallelGroupID == "" {
			continue
		}
		if nodeID, ok := assignedGroup[instr.ParallelGroupID]; ok {
			instr.TargetNodeID = nodeID
		} else {
			assignedGroup[instr.ParallelGroupID] = instr.TargetNodeID
		}
	}
}

// buildSlices implements step 3: a new slice starts whenever the assigned
// node changes or a PARALLEL_SPAWN instruction is reached. The first
// slice is renamed "central" if it lands on the central node.
func (p *Planner) buildSlices(resolved *ir.Resolved, order []int) []ir.Slice {
	var slices []ir.Slice
	var current *ir.Slice
	sliceSeq := 0

	newSlice := func(nodeID string) *ir.Slice {
		sliceSeq++
		id := fmt.Sprintf("slice-%d", sliceSeq)
		if sliceSeq == 1 && nodeID == "central" {
			id = "central"
		}
		slices = append(slices, ir.Slice{SliceID: id, NodeID: nodeID, IsRoot: sliceSeq == 1})
		return &slices[len(slices)-1]
	}

	for _, idx := range order {
		instr := resolved.InstructionByIndex(idx)
		if instr == nil {
			continue
		}

		needsNewSlice := current == nil || current.NodeID != instr.TargetNodeID || instr.Opcode == ir.OpParallelSpawn
		if needsNewSlice {
			current = newSlice(instr.TargetNodeID)
		}

		instr.SliceID = current.SliceID
		current.Instructions = append(current.Instructions, *instr)
		current.InstructionOrder = append(current.InstructionOrder, instr.Index)
		current.EstimatedDurationMs += instr.EstimatedMs
	}

	for i := range slices {
		checksum, err := ir.SliceChecksum(slices[i].Instructions)
		if err == nil {
			slices[i].Checksum = checksum
		}
	}
	return slices
}

// registerProducers indexes, for every register a slice's instructions
// produce, which slice and node produced it.
func registerProducers(slices []ir.Slice) (bySlice, byNode map[string]string) {
	bySlice = make(map[string]string)
	byNode = make(map[string]string)
	for _, s := range slices {
		for _, instr := range s.Instructions {
			if instr.Dest != "" {
				bySlice[instr.Dest] = s.SliceID
				byNode[instr.Dest] = s.NodeID
			}
		}
	}
	return bySlice, byNode
}

// crossNodeFlows implements step 4: for every Src register whose producer
// lives in a different slice than the consumer, emit a CrossNodeDataFlow,
// collapsing duplicates of the same endpoints + register.
func crossNodeFlows(resolved *ir.Resolved, slices []ir.Slice) []ir.CrossNodeDataFlow {
	producerSlice, producerNode := registerProducers(slices)

	seen := make(map[string]bool)
	var flows []ir.CrossNodeDataFlow
	flowSeq := 0

	for _, s := range slices {
		for _, instr := range s.Instructions {
			for _, src := range instr.Src {
				fromSlice, ok := producerSlice[src]
				if !ok || fromSlice == s.SliceID {
					continue
				}
				key := fromSlice + "|" + src + "|" + s.SliceID + "|" + src
				if seen[key] {
					continue
				}
				seen[key] = true
				flowSeq++
				flows = append(flows, ir.CrossNodeDataFlow{
					FlowID:       fmt.Sprintf("flow-%d", flowSeq),
					FromNodeID:   producerNode[src],
					FromRegister: src,
					ToNodeID:     s.NodeID,
					ToRegister:   src,
				})
			}
		}
	}
	return flows
}

// buildSyncPoints implements step 5: every remote slice that produces a
// flow consumed by central gets a sync point, inserted immediately before
// the first central instruction that reads the remote output.
func buildSyncPoints(resolved *ir.Resolved, slices []ir.Slice, flows []ir.CrossNodeDataFlow) []ir.SyncPoint {
	sliceByID := make(map[string]*ir.Slice, len(slices))
	for i := range slices {
		sliceByID[slices[i].SliceID] = &slices[i]
	}

	// group inbound flows by the remote slice producing them, but only
	// where the consumer is the central node.
	type pending struct {
		remoteSlice string
		flows       []ir.CrossNodeDataFlow
	}
	byRemoteSlice := make(map[string]*pending)
	var order []string

	producerSliceOf, _ := registerProducers(slices)

	for _, f := range flows {
		if f.ToNodeID != "central" {
			continue
		}
		remoteSliceID, ok := producerSliceOf[f.FromRegister]
		if !ok {
			continue
		}
		remoteSlice := sliceByID[remoteSliceID]
		if remoteSlice == nil || remoteSlice.NodeID == "central" {
			continue
		}
		p, exists := byRemoteSlice[remoteSliceID]
		if !exists {
			p = &pending{remoteSlice: remoteSliceID}
			byRemoteSlice[remoteSliceID] = p
			order = append(order, remoteSliceID)
		}
		p.flows = append(p.flows, f)
	}

	var points []ir.SyncPoint
	seq := 0
	for _, remoteSliceID := range order {
		p := byRemoteSlice[remoteSliceID]
		remoteSlice := sliceByID[remoteSliceID]
		seq++

		resumeAt := -1
		var centralInstructions []ir.Instruction
		for _, s := range slices {
			if s.NodeID != "central" {
				continue
			}
			centralInstructions = append(centralInstructions, s.Instructions...)
		}
		for _, f := range p.flows {
			for _, instr := range centralInstructions {
				for _, src := range instr.Src {
					if src == f.ToRegister && (resumeAt == -1 || instr.Index < resumeAt) {
						resumeAt = instr.Index
					}
				}
			}
		}

		// pauseBeforeInstruction is the last central instruction scheduled
		// before resumeAt: central runs up through it, then blocks on this
		// sync point before resuming at resumeAt.
		pauseBefore := -1
		for _, instr := range centralInstructions {
			if instr.Index < resumeAt && (pauseBefore == -1 || instr.Index > pauseBefore) {
				pauseBefore = instr.Index
			}
		}

		points = append(points, ir.SyncPoint{
			SyncID:                 fmt.Sprintf("sync-%d", seq),
			PauseBeforeInstruction: pauseBefore,
			AwaitSliceIDs:          []string{remoteSliceID},
			InboundFlows:           p.flows,
			ResumeAtInstruction:    resumeAt,
			TimeoutMs:              int64(syncPointMultiplier*remoteSlice.EstimatedDurationMs) + syncPointBaseMs,
			OnTimeout:              ir.OnTimeoutFail,
		})
	}
	return points
}

// criticalPathMs performs longest-path analysis over the dependency graph
// using each instruction's EstimatedMs.
func criticalPathMs(resolved *ir.Resolved, order []int) float64 {
	longest := make(map[int]float64, len(order))
	var maxPath float64

	for _, idx := range order {
		instr := resolved.InstructionByIndex(idx)
		best := 0.0
		for _, dep := range resolved.DependencyGraph[idx] {
			if longest[dep] > best {
				best = longest[dep]
			}
		}
		total := best
		if instr != nil {
			total += instr.EstimatedMs
		}
		longest[idx] = total
		if total > maxPath {
			maxPath = total
		}
	}
	return maxPath
}
