package main

import (
	"time"

	"github.com/kraklabs/scp/catalog"
	"github.com/kraklabs/scp/compiler"
	"github.com/kraklabs/scp/ir"
)

// compilerVersion is stamped into every CompiledWorkflow's metadata.
const compilerVersion = "scp-compiler/1"

// PreLoadedServices lists, per format, the service identifiers a node
// should warm before the first slice referencing them is dispatched.
type PreLoadedServices struct {
	WASM      []string `json:"wasm,omitempty"`
	MCP       []string `json:"mcp,omitempty"`
	Native    []string `json:"native,omitempty"`
	Docker    []string `json:"docker,omitempty"`
	Connector []string `json:"connector,omitempty"`
}

// WorkflowMetadata identifies one compiled artifact.
type WorkflowMetadata struct {
	ID              string    `json:"id"`
	CompiledAt      time.Time `json:"compiledAt"`
	CompilerVersion string    `json:"compilerVersion"`
	Checksum        string    `json:"checksum"`
	WorkflowName    string    `json:"workflowName"`
}

// WorkflowSignatures carries the signed catalog entries a compiled
// workflow depends on, so a receiving node can re-verify them before
// trusting the service bindings baked into the IR.
type WorkflowSignatures struct {
	CatalogEntries []catalog.Signature `json:"catalogEntries"`
}

// CompiledWorkflow is the wire format a central node hands to a node (or
// stores as a Version's IRBinary payload): resolved IR, its distribution
// plan, the services it needs preloaded, and enough metadata/signatures
// for the receiver to verify it before running anything.
type CompiledWorkflow struct {
	IR                *ir.Resolved        `json:"ir"`
	DistributionPlan  *ir.DistributionPlan `json:"distributionPlan"`
	PreLoadedServices PreLoadedServices    `json:"preLoadedServices"`
	Metadata          WorkflowMetadata     `json:"metadata"`
	Signatures        WorkflowSignatures   `json:"signatures"`
}

// checksumSubject is the {ir, distributionPlan} pair the workflow checksum
// is computed over, exactly as the external interfaces section specifies.
type checksumSubject struct {
	IR               *ir.Resolved         `json:"ir"`
	DistributionPlan *ir.DistributionPlan `json:"distributionPlan"`
}

// buildCompiledWorkflow assembles the wire artifact from a compiler
// Result (already run through the planner, so Resolved.DistributionPlan
// is populated) and the catalog document used to resolve it.
func buildCompiledWorkflow(result *compiler.Result, doc *catalog.Document) (*CompiledWorkflow, error) {
	resolved := result.Resolved

	checksum, err := ir.ChecksumOf(checksumSubject{IR: resolved, DistributionPlan: resolved.DistributionPlan})
	if err != nil {
		return nil, err
	}

	preload := PreLoadedServices{}
	var signatures []catalog.Signature
	seen := make(map[string]bool)

	for i := range resolved.Instructions {
		instr := &resolved.Instructions[i]
		for _, capID := range instr.RequiredCapabilities {
			if seen[capID] {
				continue
			}
			seen[capID] = true
			entry, ok := doc.Get(capID)
			if !ok {
				continue
			}
			signatures = append(signatures, entry.Signature)
		}
		if instr.DispatchMetadata == nil {
			continue
		}
		name := capabilityName(instr)
		switch instr.DispatchMetadata.Format {
		case ir.FormatWASM:
			preload.WASM = appendUnique(preload.WASM, name)
		case ir.FormatMCP:
			preload.MCP = appendUnique(preload.MCP, name)
		case ir.FormatNative:
			preload.Native = appendUnique(preload.Native, name)
		case ir.FormatDocker:
			preload.Docker = appendUnique(preload.Docker, name)
		case ir.FormatConnector:
			preload.Connector = appendUnique(preload.Connector, name)
		}
	}

	return &CompiledWorkflow{
		IR:                resolved,
		DistributionPlan:  resolved.DistributionPlan,
		PreLoadedServices: preload,
		Metadata: WorkflowMetadata{
			ID:              resolved.Metadata.WorkflowID,
			CompiledAt:      time.Now(),
			CompilerVersion: compilerVersion,
			Checksum:        checksum,
			WorkflowName:    resolved.Metadata.WorkflowID,
		},
		Signatures: WorkflowSignatures{CatalogEntries: signatures},
	}, nil
}

func capabilityName(instr *ir.Instruction) string {
	if v, ok := instr.Operands["functionName"].(string); ok {
		return v
	}
	if len(instr.RequiredCapabilities) > 0 {
		return instr.RequiredCapabilities[0]
	}
	return ""
}

func appendUnique(list []string, name string) []string {
	if name == "" {
		return list
	}
	for _, v := range list {
		if v == name {
			return list
		}
	}
	return append(list, name)
}
