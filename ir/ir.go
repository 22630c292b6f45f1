// Package ir defines the LLM Intermediate Representation: the register-based,
// SSA-like bytecode produced by compilation and consumed by the distribution
// planner and the semantic virtual machine.
package ir

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// Opcode enumerates the platform's executable instruction set. Unknown
// opcodes are a hard decode-time error — there is no dynamic dispatch on an
// arbitrary string at runtime.
type Opcode string

const (
	OpTrigger            Opcode = "TRIGGER"
	OpCallService        Opcode = "CALL_SERVICE"
	OpCallAction         Opcode = "CALL_ACTION"
	OpTransform          Opcode = "TRANSFORM"
	OpFilter             Opcode = "FILTER"
	OpAggregate          Opcode = "AGGREGATE"
	OpValidate           Opcode = "VALIDATE"
	OpLoadResource       Opcode = "LOAD_RESOURCE"
	OpStoreMemory        Opcode = "STORE_MEMORY"
	OpParallelSpawn      Opcode = "PARALLEL_SPAWN"
	OpEventStateMachine  Opcode = "EVENT_STATE_MACHINE"
	OpHandlePropagated   Opcode = "HANDLE_PROPAGATED"
	OpRemoteCommand      Opcode = "REMOTE_COMMAND"
	OpHandleRemoteCmd    Opcode = "HANDLE_REMOTE_CMD"
)

// Valid reports whether op is one of the platform's defined opcodes.
func (op Opcode) Valid() bool {
	switch op {
	case OpTrigger, OpCallService, OpCallAction, OpTransform, OpFilter, OpAggregate,
		OpValidate, OpLoadResource, OpStoreMemory, OpParallelSpawn, OpEventStateMachine,
		OpHandlePropagated, OpRemoteCommand, OpHandleRemoteCmd:
		return true
	default:
		return false
	}
}

// ServiceFormat is the executor family an instruction's dispatch metadata
// resolves to.
type ServiceFormat string

const (
	FormatWASM       ServiceFormat = "WASM"
	FormatNative     ServiceFormat = "NATIVE"
	FormatMCP        ServiceFormat = "MCP"
	FormatDocker     ServiceFormat = "DOCKER"
	FormatHTTP       ServiceFormat = "HTTP"
	FormatGRPC       ServiceFormat = "GRPC"
	FormatEmbeddedJS ServiceFormat = "EMBEDDED_JS"
	FormatConnector  ServiceFormat = "CONNECTOR"
	FormatLLMCall    ServiceFormat = "LLM_CALL"
)

// DispatchMetadata is attached to each service-invoking instruction during
// stage 7 (service resolution) of the compilation pipeline.
type DispatchMetadata struct {
	Format        ServiceFormat `json:"format"`
	Timeout       string        `json:"timeout,omitempty"`
	WASMMemory    int           `json:"wasmMemory,omitempty"`
	ConnectorType string        `json:"connectorType,omitempty"`
}

// Instruction is one IR opcode with its operands and data-flow edges.
type Instruction struct {
	Index              int                    `json:"index"`
	Opcode             Opcode                 `json:"opcode"`
	Operands           map[string]interface{} `json:"operands,omitempty"`
	Dest               string                 `json:"dest,omitempty"`
	Src                []string               `json:"src,omitempty"`
	ParallelGroupID    string                 `json:"parallelGroupId,omitempty"`
	DispatchMetadata   *DispatchMetadata      `json:"dispatchMetadata,omitempty"`
	TargetNodeID       string                 `json:"targetNodeId,omitempty"`
	SliceID            string                 `json:"sliceId,omitempty"`
	RequiredCapabilities []string             `json:"requiredCapabilities,omitempty"`
	EstimatedMs        float64                `json:"estimatedMs,omitempty"`
	OnError            string                 `json:"onError,omitempty"` // "abort" | "lenient"
}

// Program is the raw IR as produced by stage 1, before resolution.
type Program struct {
	WorkflowID      string        `json:"workflowId"`
	WorkflowVersion int           `json:"workflowVersion"`
	Instructions    []Instruction `json:"instructions"`
}

// Metadata records workflow identity carried through to the resolved IR.
type Metadata struct {
	WorkflowID      string `json:"workflowId"`
	WorkflowVersion int    `json:"workflowVersion"`
}

// Resolved is the IR after stages 1-8: typed, dependency-ordered, with
// compile-time constants folded in and (after stage 9) a distribution plan
// attached.
type Resolved struct {
	Instructions      []Instruction     `json:"instructions"`
	DependencyGraph   map[int][]int     `json:"dependencyGraph"`
	InstructionOrder  []int             `json:"instructionOrder"`
	Metadata          Metadata          `json:"metadata"`
	Constants         map[string]interface{} `json:"constants,omitempty"`
	DistributionPlan  *DistributionPlan `json:"distributionPlan,omitempty"`
}

// InstructionByIndex returns a pointer into r.Instructions for the given
// instruction index, or nil if out of range. Instruction.Index is assumed to
// equal its position in the slice, which every pipeline stage preserves.
func (r *Resolved) InstructionByIndex(idx int) *Instruction {
	for i := range r.Instructions {
		if r.Instructions[i].Index == idx {
			return &r.Instructions[i]
		}
	}
	return nil
}

// Slice is a contiguous instruction subsequence assigned to one node.
type Slice struct {
	SliceID            string                    `json:"sliceId"`
	NodeID             string                    `json:"nodeId"`
	Instructions       []Instruction             `json:"instructions"`
	InstructionOrder   []int                     `json:"instructionOrder"`
	InputBindings      map[string]InputBinding   `json:"inputBindings,omitempty"`
	OutputBindings     []OutputBinding           `json:"outputBindings,omitempty"`
	IsRoot             bool                      `json:"isRoot"`
	DependsOnSlices    []string                  `json:"dependsOnSlices,omitempty"`
	EstimatedDurationMs float64                  `json:"estimatedDurationMs"`
	Checksum           string                    `json:"checksum"`
}

// InputBinding describes where a register's value comes from: either
// another slice's output register, or a fired trigger event.
type InputBinding struct {
	FromSliceID   string `json:"fromSliceId,omitempty"`
	FromRegister  string `json:"fromRegister,omitempty"`
	FromTrigger   bool   `json:"fromTrigger,omitempty"`
}

// OutputBinding describes where a slice's produced register value is routed.
type OutputBinding struct {
	Register       string `json:"register"`
	TargetSliceID  string `json:"targetSliceId"`
	TargetRegister string `json:"targetRegister"`
}

// TimeoutPolicy names what happens when a sync point's awaited slices don't
// resolve in time.
type TimeoutPolicy string

const (
	OnTimeoutFail       TimeoutPolicy = "FAIL"
	OnTimeoutSkip       TimeoutPolicy = "SKIP"
	OnTimeoutUseDefault TimeoutPolicy = "USE_DEFAULT"
)

// SyncPoint is a barrier where the central SVM waits for one or more remote
// slices before resuming.
type SyncPoint struct {
	SyncID               string        `json:"syncId"`
	PauseBeforeInstruction int         `json:"pauseBeforeInstruction"`
	AwaitSliceIDs        []string      `json:"awaitSliceIds"`
	InboundFlows         []CrossNodeDataFlow `json:"inboundFlows"`
	ResumeAtInstruction  int           `json:"resumeAtInstruction"`
	TimeoutMs            int64         `json:"timeoutMs"`
	OnTimeout            TimeoutPolicy `json:"onTimeout"`
	DefaultValue         interface{}   `json:"defaultValue,omitempty"`
}

// CrossNodeDataFlow records a register read whose producer lives in a
// different slice.
type CrossNodeDataFlow struct {
	FlowID       string      `json:"flowId"`
	FromNodeID   string      `json:"fromNodeId"`
	FromRegister string      `json:"fromRegister"`
	ToNodeID     string      `json:"toNodeId"`
	ToRegister   string      `json:"toRegister"`
	PayloadSchema interface{} `json:"payloadSchema,omitempty"`
}

// DistributionPlan is stage 9's output: every instruction's node/slice
// assignment plus the slices, sync points, cross-node flows, and critical
// path estimate.
type DistributionPlan struct {
	Slices              []Slice             `json:"slices"`
	SyncPoints          []SyncPoint         `json:"syncPoints"`
	CrossNodeDataFlows  []CrossNodeDataFlow `json:"crossNodeDataFlows"`
	CriticalPathMs      float64             `json:"criticalPathMs"`
	IsDistributed       bool                `json:"isDistributed"`
}

// SliceByID returns the slice with the given id, or nil.
func (p *DistributionPlan) SliceByID(id string) *Slice {
	for i := range p.Slices {
		if p.Slices[i].SliceID == id {
			return &p.Slices[i]
		}
	}
	return nil
}

// CanonicalJSON serializes v deterministically: map keys sorted, no
// embedded whitespace. Used everywhere a checksum or hash must be stable
// across processes and Go map iteration order.
func CanonicalJSON(v interface{}) ([]byte, error) {
	generic, err := toGenericJSON(v)
	if err != nil {
		return nil, err
	}
	return canonicalMarshal(generic)
}

func toGenericJSON(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

func canonicalMarshal(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []interface{}:
		out := []byte("[")
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			b, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// ChecksumOf returns the lowercase hex SHA-256 digest of the canonical JSON
// encoding of v.
func ChecksumOf(v interface{}) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum), nil
}

// SliceChecksum computes a Slice's checksum over its instruction array, as
// required by §3 ("checksum=SHA256(instructions)").
func SliceChecksum(instructions []Instruction) (string, error) {
	return ChecksumOf(instructions)
}
