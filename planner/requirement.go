// Package planner implements the Distribution Planner (stage 9): turning
// Resolved IR into a per-instruction node/slice assignment plus the
// distribution plan (slices, cross-node flows, sync points, critical path).
package planner

import (
	"strings"

	"github.com/kraklabs/scp/ir"
	"github.com/kraklabs/scp/registry"
)

// DriverNodeLookup resolves an unknown trigger driverId to the node that
// declared it in its manifest, per the trigger driver registry.
type DriverNodeLookup func(driverID string) (nodeID string, ok bool)

// InferRequirement derives a registry.Requirement for one instruction,
// following the exact precedence rules from the distribution algorithm:
// special opcodes first, then dispatch-metadata format, then operand
// keywords layered on top.
func InferRequirement(instr *ir.Instruction, driverNode DriverNodeLookup) registry.Requirement {
	switch instr.Opcode {
	case ir.OpHandlePropagated, ir.OpRemoteCommand:
		return registry.Requirement{ForcedNodeID: "central"}
	case ir.OpEventStateMachine, ir.OpHandleRemoteCmd:
		if instr.TargetNodeID != "" {
			return registry.Requirement{ForcedNodeID: instr.TargetNodeID}
		}
		return registry.Requirement{}
	case ir.OpTrigger:
		return inferTriggerRequirement(instr, driverNode)
	}

	req := requirementForFormat(instr)
	applyOperandKeywords(instr, &req)
	return req
}

func requirementForFormat(instr *ir.Instruction) registry.Requirement {
	if instr.DispatchMetadata == nil {
		return registry.Requirement{}
	}

	switch instr.DispatchMetadata.Format {
	case ir.FormatDocker:
		// central-only: REQUIRES_DOCKER
		return registry.Requirement{Formats: []ir.ServiceFormat{ir.FormatDocker}, ForcedNodeID: "central"}
	case ir.FormatMCP:
		return registry.Requirement{Formats: []ir.ServiceFormat{ir.FormatMCP}, ForcedNodeID: "central"}
	case ir.FormatWASM:
		return registry.Requirement{Formats: []ir.ServiceFormat{ir.FormatWASM}, PreferredTier: registry.TierLinux}
	case ir.FormatNative:
		return registry.Requirement{Formats: []ir.ServiceFormat{ir.FormatNative}, PreferredTier: registry.TierLinux}
	case ir.FormatHTTP:
		return registry.Requirement{Formats: []ir.ServiceFormat{ir.FormatHTTP}, NeedsInternet: true}
	case ir.FormatGRPC:
		return registry.Requirement{Formats: []ir.ServiceFormat{ir.FormatGRPC}, NeedsInternet: true}
	case ir.FormatEmbeddedJS:
		return registry.Requirement{Formats: []ir.ServiceFormat{ir.FormatEmbeddedJS}, PreferredTier: registry.TierCentral}
	case ir.FormatConnector:
		return inferConnectorRequirement(instr)
	case ir.FormatLLMCall:
		return registry.Requirement{Formats: []ir.ServiceFormat{ir.FormatLLMCall}, PreferredTier: registry.TierCentral, NeedsVault: true, NeedsInternet: true}
	default:
		return registry.Requirement{}
	}
}

// physicalBusProtocols are connector sub-types that imply direct MCU-tier
// hardware attachment.
var physicalBusProtocols = map[string]registry.Protocol{
	"gpio": registry.ProtoGPIO,
	"i2c":  registry.ProtoI2C,
	"spi":  registry.ProtoSPI,
	"uart": registry.ProtoUART,
}

func inferConnectorRequirement(instr *ir.Instruction) registry.Requirement {
	req := registry.Requirement{Formats: []ir.ServiceFormat{ir.FormatConnector}}
	subtype, _ := instr.Operands["connectorType"].(string)
	subtype = strings.ToLower(subtype)

	if proto, ok := physicalBusProtocols[subtype]; ok {
		req.PreferredTier = registry.TierMCU
		req.Protocols = append(req.Protocols, proto)
		return req
	}
	if subtype == "mqtt" {
		req.NeedsInternet = true
		req.Protocols = append(req.Protocols, registry.ProtoMQTT)
		return req
	}

	req.PreferredTier = registry.TierCentral
	req.NeedsVault = true
	return req
}

// inferTriggerRequirement routes the built-in driver ids by a fixed rule;
// anything not listed in its switch falls through to a manifest lookup,
// then the central fallback.
func inferTriggerRequirement(instr *ir.Instruction, driverNode DriverNodeLookup) registry.Requirement {
	driverID, _ := instr.Operands["driverId"].(string)

	switch driverID {
	case "mqtt":
		if _, hasProtocol := instr.Operands["protocol"]; hasProtocol {
			return registry.Requirement{PreferredTier: registry.TierMCU}
		}
		return registry.Requirement{PreferredTier: registry.TierLinux}
	case "filesystem":
		return registry.Requirement{PreferredTier: registry.TierLinux}
	case "http-webhook", "imap", "cron", "kafka":
		return registry.Requirement{ForcedNodeID: "central"}
	}

	if driverNode != nil {
		if nodeID, ok := driverNode(driverID); ok {
			return registry.Requirement{ForcedNodeID: nodeID}
		}
	}
	return registry.Requirement{ForcedNodeID: "central"}
}

// applyOperandKeywords layers protocol and vault-need operand keywords on
// top of a format-derived requirement; it never weakens a requirement the
// format already established.
func applyOperandKeywords(instr *ir.Instruction, req *registry.Requirement) {
	if proto, ok := instr.Operands["protocol"].(string); ok && proto != "" {
		req.Protocols = append(req.Protocols, registry.Protocol(strings.ToUpper(proto)))
	}
	if _, ok := instr.Operands["secretRef"]; ok {
		req.NeedsVault = true
	}
	if _, ok := instr.Operands["vaultPath"]; ok {
		req.NeedsVault = true
	}
}
