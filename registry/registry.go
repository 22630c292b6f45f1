// Package registry implements the Node Registry: the directory of
// heterogeneous execution nodes (central, Linux edge, MCU) and the
// best-fit node selection the distribution planner and dispatcher rely on.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kraklabs/scp/ir"
	"github.com/kraklabs/scp/logging"
)

// Tier is the coarse class of a node.
type Tier string

const (
	TierCentral Tier = "CENTRAL"
	TierLinux   Tier = "LINUX"
	TierMCU     Tier = "MCU"
)

// Protocol is a physical or network transport a node can speak.
type Protocol string

const (
	ProtoHTTP    Protocol = "HTTP"
	ProtoHTTPS   Protocol = "HTTPS"
	ProtoKafka   Protocol = "KAFKA"
	ProtoMQTT    Protocol = "MQTT"
	ProtoModbus  Protocol = "MODBUS"
	ProtoOPCUA   Protocol = "OPC_UA"
	ProtoI2C     Protocol = "I2C"
	ProtoSPI     Protocol = "SPI"
	ProtoUART    Protocol = "UART"
	ProtoGPIO    Protocol = "GPIO"
)

// Status is a node's last-known operational state.
type Status string

const (
	StatusOnline   Status = "ONLINE"
	StatusOffline  Status = "OFFLINE"
	StatusBusy     Status = "BUSY"
	StatusDegraded Status = "DEGRADED"
)

// Hardware describes a node's compute envelope.
type Hardware struct {
	MemoryMB int `json:"memoryMB"`
	CPUCores int `json:"cpuCores"`
}

// NodeCapability is the full registration record for one execution node.
type NodeCapability struct {
	NodeID                 string          `json:"nodeId"`
	Tier                   Tier            `json:"tier"`
	SupportedFormats       []ir.ServiceFormat `json:"supportedFormats"`
	SupportedProtocols     []Protocol      `json:"supportedProtocols"`
	SupportedConnectors    []string        `json:"supportedConnectors"`
	SupportedTriggerDrivers []string       `json:"supportedTriggerDrivers"` // may contain "*"
	HasInternetAccess      bool            `json:"hasInternetAccess"`
	HasVaultAccess         bool            `json:"hasVaultAccess"`
	CanSpawnProcesses      bool            `json:"canSpawnProcesses"`
	Hardware               Hardware        `json:"hardware"`
	MaxInstructionsPerSlice int            `json:"maxInstructionsPerSlice"`
	Status                 Status          `json:"status"`
	LastSeenAt              time.Time      `json:"lastSeenAt"`
	LatencyToCentralMs      float64        `json:"latencyToCentralMs"`
	BaseURL                 string         `json:"baseUrl,omitempty"`
}

// CentralNode is the always-present, wildcard-trigger-capable central
// orchestrator node.
func CentralNode() NodeCapability {
	return NodeCapability{
		NodeID:                  "central",
		Tier:                    TierCentral,
		SupportedFormats:        []ir.ServiceFormat{ir.FormatWASM, ir.FormatNative, ir.FormatMCP, ir.FormatDocker, ir.FormatHTTP, ir.FormatGRPC, ir.FormatEmbeddedJS, ir.FormatConnector, ir.FormatLLMCall},
		SupportedProtocols:      []Protocol{ProtoHTTP, ProtoHTTPS, ProtoKafka, ProtoMQTT},
		SupportedTriggerDrivers: []string{"*"},
		HasInternetAccess:       true,
		HasVaultAccess:          true,
		CanSpawnProcesses:       true,
		Status:                  StatusOnline,
		LastSeenAt:              time.Now(),
	}
}

// Requirement is the vector the distribution planner derives per
// instruction and feeds into BestFit.
type Requirement struct {
	Formats        []ir.ServiceFormat
	Protocols      []Protocol
	ConnectorID    string // matched against SupportedConnectors, "*" wildcard
	NeedsVault     bool
	NeedsInternet  bool
	MinMemoryMB    int
	PreferredTier  Tier
	ForcedNodeID   string
}

// Registry is the node directory contract: registration, heartbeat, and
// capability-based selection.
type Registry interface {
	Register(ctx context.Context, node NodeCapability) error
	Unregister(ctx context.Context, nodeID string) error
	Heartbeat(ctx context.Context, nodeID string, status Status, latencyMs float64) error
	Get(ctx context.Context, nodeID string) (*NodeCapability, bool)
	List(ctx context.Context) ([]NodeCapability, error)
	BestFit(ctx context.Context, req Requirement) (*NodeCapability, error)
}

// OnOffline is invoked when a node transitions to OFFLINE (missed heartbeat
// or explicit report), so the trigger driver registry can cascade-purge its
// remote-declared proxies (spec §4.2).
type OnOffline func(nodeID string)

func qualifies(n *NodeCapability, req Requirement) bool {
	if n.Status != StatusOnline && n.Status != StatusBusy {
		return false
	}
	if !subsetOfFormats(req.Formats, n.SupportedFormats) {
		return false
	}
	if !subsetOfProtocols(req.Protocols, n.SupportedProtocols) {
		return false
	}
	if req.ConnectorID != "" && !hasConnector(n.SupportedConnectors, req.ConnectorID) {
		return false
	}
	if req.NeedsVault && !n.HasVaultAccess {
		return false
	}
	if req.NeedsInternet && !n.HasInternetAccess {
		return false
	}
	if req.MinMemoryMB > n.Hardware.MemoryMB {
		return false
	}
	return true
}

func subsetOfFormats(want []ir.ServiceFormat, have []ir.ServiceFormat) bool {
	haveSet := make(map[ir.ServiceFormat]bool, len(have))
	for _, f := range have {
		haveSet[f] = true
	}
	for _, f := range want {
		if !haveSet[f] {
			return false
		}
	}
	return true
}

func subsetOfProtocols(want []Protocol, have []Protocol) bool {
	haveSet := make(map[Protocol]bool, len(have))
	for _, p := range have {
		haveSet[p] = true
	}
	for _, p := range want {
		if !haveSet[p] {
			return false
		}
	}
	return true
}

func hasConnector(have []string, want string) bool {
	for _, c := range have {
		if c == "*" || c == want {
			return true
		}
	}
	return false
}

// rank implements the tie-break order from §4.2: preferred-tier match, then
// lower latencyToCentralMs, then earlier lastSeenAt, then lower NodeID.
func rank(candidates []NodeCapability, preferred Tier) []NodeCapability {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aPref := a.Tier == preferred
		bPref := b.Tier == preferred
		if aPref != bPref {
			return aPref
		}
		if a.LatencyToCentralMs != b.LatencyToCentralMs {
			return a.LatencyToCentralMs < b.LatencyToCentralMs
		}
		if !a.LastSeenAt.Equal(b.LastSeenAt) {
			return a.LastSeenAt.Before(b.LastSeenAt)
		}
		return a.NodeID < b.NodeID
	})
	return candidates
}

// selectBestFit applies forced-node bypass, qualification filtering, and
// ranking, falling back to the central node when nothing qualifies.
func selectBestFit(nodes []NodeCapability, req Requirement) (*NodeCapability, error) {
	if req.ForcedNodeID != "" {
		for i := range nodes {
			if nodes[i].NodeID == req.ForcedNodeID {
				n := nodes[i]
				return &n, nil
			}
		}
	}

	var qualifying []NodeCapability
	for _, n := range nodes {
		if qualifies(&n, req) {
			qualifying = append(qualifying, n)
		}
	}

	if len(qualifying) == 0 {
		for _, n := range nodes {
			if n.NodeID == "central" {
				central := n
				return &central, nil
			}
		}
		fallback := CentralNode()
		return &fallback, nil
	}

	ranked := rank(qualifying, req.PreferredTier)
	best := ranked[0]
	return &best, nil
}

// InMemoryRegistry is a concurrency-safe, in-process Registry for
// development and single-process deployments, grounded on the teacher's
// MockDiscovery.
type InMemoryRegistry struct {
	mu        sync.RWMutex
	nodes     map[string]NodeCapability
	onOffline OnOffline
	logger    logging.Logger
}

// NewInMemoryRegistry constructs an InMemoryRegistry seeded with the central
// node, since the central node always exists per the data model.
func NewInMemoryRegistry(onOffline OnOffline, logger logging.Logger) *InMemoryRegistry {
	if logger == nil {
		logger = logging.NoOp{}
	}
	r := &InMemoryRegistry{
		nodes:     make(map[string]NodeCapability),
		onOffline: onOffline,
		logger:    logger,
	}
	r.nodes["central"] = CentralNode()
	return r
}

func (r *InMemoryRegistry) Register(ctx context.Context, node NodeCapability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node.LastSeenAt.IsZero() {
		node.LastSeenAt = time.Now()
	}
	if node.Status == "" {
		node.Status = StatusOnline
	}
	r.nodes[node.NodeID] = node
	r.logger.Info("node registered", map[string]interface{}{"node_id": node.NodeID, "tier": node.Tier})
	return nil
}

func (r *InMemoryRegistry) Unregister(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeID)
	return nil
}

func (r *InMemoryRegistry) Heartbeat(ctx context.Context, nodeID string, status Status, latencyMs float64) error {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	wasOffline := n.Status == StatusOffline
	n.Status = status
	n.LastSeenAt = time.Now()
	n.LatencyToCentralMs = latencyMs
	r.nodes[nodeID] = n
	r.mu.Unlock()

	if status == StatusOffline && !wasOffline && r.onOffline != nil {
		r.onOffline(nodeID)
	}
	return nil
}

func (r *InMemoryRegistry) Get(ctx context.Context, nodeID string) (*NodeCapability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, false
	}
	cp := n
	return &cp, true
}

func (r *InMemoryRegistry) List(ctx context.Context) ([]NodeCapability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeCapability, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (r *InMemoryRegistry) BestFit(ctx context.Context, req Requirement) (*NodeCapability, error) {
	nodes, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return selectBestFit(nodes, req)
}

// CheckOffline transitions any node whose last heartbeat is older than
// expectedInterval*multiplier to OFFLINE, cascading the registered
// onOffline callback (which purges that node's remote-declared trigger
// driver proxies) exactly once per transition.
func (r *InMemoryRegistry) CheckOffline(expectedInterval time.Duration, multiplier int) {
	threshold := time.Duration(multiplier) * expectedInterval

	r.mu.Lock()
	var newlyOffline []string
	for id, n := range r.nodes {
		if id == "central" {
			continue
		}
		if n.Status == StatusOffline {
			continue
		}
		if time.Since(n.LastSeenAt) > threshold {
			n.Status = StatusOffline
			r.nodes[id] = n
			newlyOffline = append(newlyOffline, id)
		}
	}
	r.mu.Unlock()

	for _, id := range newlyOffline {
		r.logger.Warn("node transitioned offline", map[string]interface{}{"node_id": id})
		if r.onOffline != nil {
			r.onOffline(id)
		}
	}
}
