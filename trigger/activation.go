package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kraklabs/scp/logging"
	"github.com/kraklabs/scp/scperrors"
)

// Dispatcher is the subset of the node dispatcher the activation path
// needs: sending a remote activation payload to a node's channel.
type Dispatcher interface {
	SendRemoteActivation(ctx context.Context, nodeID string, payload RemoteTriggerActivationPayload) error
}

// SecretResolver resolves a vault path to a secret value for
// credentialsVaultPath binding before a local driver is activated.
type SecretResolver interface {
	Resolve(ctx context.Context, vaultPath string) (string, error)
}

// RemoteTriggerActivationPayload is sent to a remote node to activate a
// trigger driver it declared; fired events arrive back on CallbackChannel.
type RemoteTriggerActivationPayload struct {
	ActivationID    string                 `json:"activationId"`
	DriverID        string                 `json:"driverId"`
	DriverConfig    map[string]interface{} `json:"driverConfig"`
	WorkflowID      string                 `json:"workflowId"`
	WorkflowVersion string                 `json:"workflowVersion"`
	CompiledFilter  map[string]interface{} `json:"compiledFilter,omitempty"`
	CallbackChannel string                 `json:"callbackChannel"`
}

// Bus fans fired trigger events out to per-workflow subscribers. It does
// not debounce; the Activator applies debounce before calling deliver.
type Bus struct {
	mu       sync.Mutex
	channels map[string]chan Event // workflowID -> subscriber channel
	logger   logging.Logger
}

// NewBus constructs an empty event Bus.
func NewBus(logger logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Bus{channels: make(map[string]chan Event), logger: logger}
}

// Subscribe registers (or replaces) the delivery channel for workflowID.
func (b *Bus) Subscribe(workflowID string, buffer int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, buffer)
	b.channels[workflowID] = ch
	return ch
}

// Unregister removes and closes workflowID's delivery channel.
func (b *Bus) Unregister(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[workflowID]; ok {
		close(ch)
		delete(b.channels, workflowID)
	}
}

func (b *Bus) deliver(workflowID string, e Event) {
	b.mu.Lock()
	ch, ok := b.channels[workflowID]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- e:
	default:
		b.logger.Warn("trigger event dropped, subscriber channel full", map[string]interface{}{"workflow_id": workflowID})
	}
}

// activation tracks one live TRIGGER binding: its source stream, debounce
// state, and reference count (a workflow may bind the same driver more
// than once across revisions sharing one underlying stream).
type activation struct {
	activationID string
	workflowID   string
	cancel       func()
	refCount     int
	debounceMs   int
}

// Activator owns the lifecycle of TRIGGER instruction activations: local
// driver invocation, remote activation dispatch, debounce, and
// reference-counted deactivation.
type Activator struct {
	mu          sync.Mutex
	drivers     *Registry
	dispatcher  Dispatcher
	secrets     SecretResolver
	bus         *Bus
	logger      logging.Logger
	activations map[string]*activation // activationID -> state
	debounce    map[string]*debounceState // workflowID -> pending debounce state
}

// NewActivator wires a Registry, Dispatcher, SecretResolver, and Bus
// together.
func NewActivator(drivers *Registry, dispatcher Dispatcher, secrets SecretResolver, bus *Bus, logger logging.Logger) *Activator {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Activator{
		drivers:     drivers,
		dispatcher:  dispatcher,
		secrets:     secrets,
		bus:         bus,
		logger:      logger,
		activations: make(map[string]*activation),
	}
}

// TriggerBinding is the resolved shape of a TRIGGER instruction needed to
// activate it: which driver, on which node, with what config.
type TriggerBinding struct {
	ActivationID         string
	DriverID             string
	TargetNodeID         string // "central" or a node id
	Config               map[string]interface{}
	CredentialsVaultPath string
	CompiledFilter       map[string]interface{}
	DebounceMs           int
	WorkflowID           string
	WorkflowVersion      string
}

// Activate binds one TRIGGER instruction. If an activation with the same
// activationID already exists, its reference count is incremented instead
// of re-activating the underlying driver.
func (a *Activator) Activate(ctx context.Context, b TriggerBinding) error {
	a.mu.Lock()
	if existing, ok := a.activations[b.ActivationID]; ok {
		existing.refCount++
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if b.TargetNodeID == "" || b.TargetNodeID == "central" {
		return a.activateLocal(ctx, b)
	}
	return a.activateRemote(ctx, b)
}

func (a *Activator) activateLocal(ctx context.Context, b TriggerBinding) error {
	driver, ok := a.drivers.Get(b.DriverID)
	if !ok || driver.IsRemote() {
		return scperrors.New("trigger.Activate", "not_found", fmt.Errorf("no local driver %q", b.DriverID))
	}

	config := make(map[string]interface{}, len(b.Config)+2)
	for k, v := range b.Config {
		config[k] = v
	}
	if b.CredentialsVaultPath != "" && a.secrets != nil {
		secret, err := a.secrets.Resolve(ctx, b.CredentialsVaultPath)
		if err != nil {
			return scperrors.New("trigger.Activate", "dependency", fmt.Errorf("resolve credentials: %w", err))
		}
		config["__credentials"] = secret
	}
	if b.CompiledFilter != nil {
		config["__filter"] = b.CompiledFilter
	}
	config["__debounceMs"] = b.DebounceMs

	events, cancel, err := driver.impl.Activate(b.ActivationID, config, b.WorkflowID, b.WorkflowVersion)
	if err != nil {
		return scperrors.New("trigger.Activate", "dependency", err)
	}

	a.mu.Lock()
	a.activations[b.ActivationID] = &activation{
		activationID: b.ActivationID,
		workflowID:   b.WorkflowID,
		cancel:       cancel,
		refCount:     1,
		debounceMs:   b.DebounceMs,
	}
	a.mu.Unlock()

	go a.pump(b.ActivationID, b.WorkflowID, b.DebounceMs, events)
	return nil
}

func (a *Activator) activateRemote(ctx context.Context, b TriggerBinding) error {
	payload := RemoteTriggerActivationPayload{
		ActivationID:    b.ActivationID,
		DriverID:        b.DriverID,
		DriverConfig:    b.Config,
		WorkflowID:      b.WorkflowID,
		WorkflowVersion: b.WorkflowVersion,
		CompiledFilter:  b.CompiledFilter,
		CallbackChannel: "trigger_events:" + b.WorkflowID,
	}
	if err := a.dispatcher.SendRemoteActivation(ctx, b.TargetNodeID, payload); err != nil {
		return scperrors.New("trigger.Activate", "unavailable", err)
	}

	a.mu.Lock()
	a.activations[b.ActivationID] = &activation{
		activationID: b.ActivationID,
		workflowID:   b.WorkflowID,
		cancel:       func() {},
		refCount:     1,
		debounceMs:   b.DebounceMs,
	}
	a.mu.Unlock()
	return nil
}

// DeliverRemote feeds an event received on a remote callback channel
// through the same debounce-and-bus path local activations use.
func (a *Activator) DeliverRemote(activationID, workflowID string, e Event) {
	a.mu.Lock()
	act, ok := a.activations[activationID]
	a.mu.Unlock()
	debounceMs := 0
	if ok {
		debounceMs = act.debounceMs
	}
	a.deliverDebounced(workflowID, debounceMs, e)
}

// pump reads the driver's raw event stream, applies debounce, and
// forwards the result onto the bus, until the stream closes.
func (a *Activator) pump(activationID, workflowID string, debounceMs int, events <-chan Event) {
	for e := range events {
		a.deliverDebounced(workflowID, debounceMs, e)
	}
}

// deliverDebounced ensures that when debounceMs>0, only the most recent
// event in a rolling window reaches the bus: each new event resets the
// window's timer, and only the last event pending when the timer fires
// is delivered.
func (a *Activator) deliverDebounced(workflowID string, debounceMs int, e Event) {
	if debounceMs <= 0 {
		a.bus.deliver(workflowID, e)
		return
	}

	key := workflowID
	a.mu.Lock()
	timer, ok := a.debounceTimer(key)
	if ok {
		timer.pending = e
		if timer.timer.Stop() {
			timer.timer.Reset(time.Duration(debounceMs) * time.Millisecond)
		}
		a.mu.Unlock()
		return
	}
	dt := &debounceState{pending: e}
	a.setDebounceTimer(key, dt)
	dt.timer = time.AfterFunc(time.Duration(debounceMs)*time.Millisecond, func() {
		a.mu.Lock()
		final := dt.pending
		a.clearDebounceTimer(key)
		a.mu.Unlock()
		a.bus.deliver(workflowID, final)
	})
	a.mu.Unlock()
}

type debounceState struct {
	pending Event
	timer   *time.Timer
}

// debounce is keyed by workflowID; guarded by a.mu along with
// a.activations since both protect activator-wide mutable state.

func (a *Activator) debounceTimer(key string) (*debounceState, bool) {
	if a.debounce == nil {
		return nil, false
	}
	dt, ok := a.debounce[key]
	return dt, ok
}

func (a *Activator) setDebounceTimer(key string, dt *debounceState) {
	if a.debounce == nil {
		a.debounce = make(map[string]*debounceState)
	}
	a.debounce[key] = dt
}

func (a *Activator) clearDebounceTimer(key string) {
	delete(a.debounce, key)
}

// Deactivate decrements the activation's reference count; when it reaches
// zero the underlying driver stream is cancelled and removed.
func (a *Activator) Deactivate(activationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	act, ok := a.activations[activationID]
	if !ok {
		return
	}
	act.refCount--
	if act.refCount > 0 {
		return
	}
	act.cancel()
	delete(a.activations, activationID)
}

// DeactivateWorkflow tears down every activation belonging to workflowID
// (undeploy) and unregisters its bus channel.
func (a *Activator) DeactivateWorkflow(workflowID string) {
	a.mu.Lock()
	var ids []string
	for id, act := range a.activations {
		if act.workflowID == workflowID {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()

	for _, id := range ids {
		a.mu.Lock()
		if act, ok := a.activations[id]; ok {
			act.cancel()
			delete(a.activations, id)
		}
		a.mu.Unlock()
	}
	a.bus.Unregister(workflowID)
}
