// Package trigger implements the Trigger Driver Registry and Trigger
// Activation components: the catalog of event sources a workflow can bind
// to, and the runtime machinery that turns a TRIGGER instruction into a
// live, debounced stream of events feeding the workflow bus.
package trigger

import (
	"sync"

	"github.com/kraklabs/scp/logging"
)

// ConfigSchema is a subset-of-JSON-Schema description of a driver's
// configuration, matching the catalog's IOField typing convention.
type ConfigSchema map[string]interface{}

// Manifest is the metadata surface both local and remote drivers expose.
type Manifest struct {
	DriverID          string       `json:"driverId"`
	DisplayName       string       `json:"displayName"`
	SupportedTiers    []string     `json:"supportedTiers"` // subset of CENTRAL|LINUX|MCU
	ConfigSchema      ConfigSchema `json:"configSchema"`
	RequiredProtocols []string     `json:"requiredProtocols"`
}

// Driver is the sealed sum type over local (in-process) and remote
// (proxy) trigger drivers. Local() and Remote() are the only
// constructors; callers switch on IsRemote to dispatch.
type Driver struct {
	manifest     Manifest
	isRemote     bool
	sourceNodeID string
	impl         LocalImpl
	healthy      func() bool
}

// LocalImpl is what an in-process trigger driver implements: Activate
// returns a lazy, cancellable stream of events and a cancel func that
// tears it down.
type LocalImpl interface {
	Activate(activationID string, config map[string]interface{}, workflowID, workflowVersion string) (<-chan Event, func(), error)
}

// Event is one fired trigger occurrence, pre-filter.
type Event struct {
	ActivationID string
	WorkflowID   string
	Payload      map[string]interface{}
	OccurredAt   int64 // unix millis, supplied by the driver
}

// Local constructs a Driver backed by an in-process implementation.
func Local(manifest Manifest, impl LocalImpl, healthy func() bool) Driver {
	if healthy == nil {
		healthy = func() bool { return true }
	}
	return Driver{manifest: manifest, impl: impl, healthy: healthy}
}

// Remote constructs a proxy Driver for a driver declared by nodeID. Its
// Activate is inert; real activation happens by sending a
// RemoteTriggerActivationPayload to that node (see activation.go).
func Remote(manifest Manifest, sourceNodeID string) Driver {
	return Driver{manifest: manifest, isRemote: true, sourceNodeID: sourceNodeID, healthy: func() bool { return true }}
}

func (d Driver) Manifest() Manifest      { return d.manifest }
func (d Driver) IsRemote() bool          { return d.isRemote }
func (d Driver) SourceNodeID() string    { return d.sourceNodeID }
func (d Driver) IsHealthy() bool         { return d.healthy() }

// Registry holds local and remote-declared drivers keyed by driverId.
// Duplicate registration overwrites the existing entry with a warning;
// disconnecting a node removes every proxy it declared.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	logger  logging.Logger
}

// New constructs an empty Registry.
func New(logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Registry{drivers: make(map[string]Driver), logger: logger}
}

// Register adds or overwrites a driver entry.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.drivers[d.manifest.DriverID]; exists {
		r.logger.Warn("trigger driver overwritten", map[string]interface{}{"driver_id": d.manifest.DriverID})
	}
	r.drivers[d.manifest.DriverID] = d
}

// Get returns the driver registered under driverID.
func (r *Registry) Get(driverID string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[driverID]
	return d, ok
}

// List returns every registered driver's manifest.
func (r *Registry) List() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Manifest, 0, len(r.drivers))
	for _, d := range r.drivers {
		out = append(out, d.manifest)
	}
	return out
}

// RemoveBySourceNode removes every remote proxy declared by nodeID,
// called when that node disconnects (registry.OnOffline callback).
func (r *Registry) RemoveBySourceNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, d := range r.drivers {
		if d.isRemote && d.sourceNodeID == nodeID {
			delete(r.drivers, id)
			r.logger.Info("removed trigger driver proxy for disconnected node", map[string]interface{}{"driver_id": id, "node_id": nodeID})
		}
	}
}
