// Package dispatch implements the Node Dispatcher: it ships a slice's
// instructions to the node assigned to execute it, correlates the
// eventual result back to the caller awaiting it, and exposes the
// transport trigger activation rides on to reach a remote driver.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kraklabs/scp/ir"
	"github.com/kraklabs/scp/logging"
	"github.com/kraklabs/scp/registry"
	"github.com/kraklabs/scp/scperrors"
	"github.com/kraklabs/scp/trigger"
)

// SliceDispatchPayload is what the dispatcher ships to a node to run one
// slice of a distribution plan.
type SliceDispatchPayload struct {
	PlanID           string                 `json:"planId"`
	SliceID          string                 `json:"sliceId"`
	Instructions     []ir.Instruction       `json:"instructions"`
	InstructionOrder []int                  `json:"instructionOrder"`
	RegisterValues   map[string]interface{} `json:"registerValues"`
	TimeoutMs        int64                  `json:"timeoutMs"`
	Checksum         string                 `json:"checksum"`
}

// SliceStatus is the terminal status a node reports for a dispatched slice.
type SliceStatus string

const (
	SliceSuccess SliceStatus = "SUCCESS"
	SliceFailed  SliceStatus = "FAILED"
	SliceTimeout SliceStatus = "TIMEOUT"
)

// SliceResultPayload is what a node reports back after running a slice.
type SliceResultPayload struct {
	PlanID          string                   `json:"planId"`
	SliceID         string                   `json:"sliceId"`
	NodeID          string                   `json:"nodeId"`
	Status          SliceStatus              `json:"status"`
	OutputRegisters map[string]interface{}   `json:"outputRegisters,omitempty"`
	DurationMs      float64                  `json:"durationMs"`
	Error           string                   `json:"error,omitempty"`
	AuditEvents     []map[string]interface{} `json:"auditEvents,omitempty"`
}

// Transport is how a payload reaches a remote node: either a persistent
// bidirectional channel (set up when the node registers a push
// connection) or a synchronous HTTP POST fallback.
type Transport interface {
	Send(ctx context.Context, nodeID string, payload SliceDispatchPayload) error
}

// ChannelTransport delivers dispatch payloads over a long-lived,
// node-owned channel, the same push-style contract the teacher's
// communication package gives agent-to-agent calls.
type ChannelTransport struct {
	mu       sync.Mutex
	channels map[string]chan SliceDispatchPayload
}

// NewChannelTransport constructs an empty ChannelTransport.
func NewChannelTransport() *ChannelTransport {
	return &ChannelTransport{channels: make(map[string]chan SliceDispatchPayload)}
}

// Register installs nodeID's inbound channel, replacing any prior one.
func (t *ChannelTransport) Register(nodeID string, ch chan SliceDispatchPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels[nodeID] = ch
}

// Unregister removes nodeID's channel, e.g. on disconnect.
func (t *ChannelTransport) Unregister(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, nodeID)
}

func (t *ChannelTransport) channelFor(nodeID string) (chan SliceDispatchPayload, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[nodeID]
	return ch, ok
}

func (t *ChannelTransport) Send(ctx context.Context, nodeID string, payload SliceDispatchPayload) error {
	ch, ok := t.channelFor(nodeID)
	if !ok {
		return fmt.Errorf("dispatch: no channel registered for node %s: %w", nodeID, scperrors.ErrTransportFailure)
	}
	select {
	case ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HTTPTransport falls back to a synchronous POST to baseUrl+"/execute-slice"
// when a node has no registered push channel, using the standard library
// client the way the teacher's httpClient calls out to external agents.
type HTTPTransport struct {
	mu       sync.Mutex
	baseURLs map[string]string
	client   *http.Client
}

// NewHTTPTransport constructs an HTTPTransport with a bounded-timeout client.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		baseURLs: make(map[string]string),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// SetBaseURL records the HTTP base URL to reach nodeID at.
func (t *HTTPTransport) SetBaseURL(nodeID, baseURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baseURLs[nodeID] = baseURL
}

func (t *HTTPTransport) baseURLFor(nodeID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.baseURLs[nodeID]
	return u, ok
}

func (t *HTTPTransport) Send(ctx context.Context, nodeID string, payload SliceDispatchPayload) error {
	baseURL, ok := t.baseURLFor(nodeID)
	if !ok {
		return fmt.Errorf("dispatch: no base URL registered for node %s: %w", nodeID, scperrors.ErrTransportFailure)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispatch: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/execute-slice", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: send slice to node %s: %w: %v", nodeID, scperrors.ErrTransportFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch: node %s rejected slice with status %d: %w", nodeID, resp.StatusCode, scperrors.ErrTransportFailure)
	}
	return nil
}

// defaultNodeConcurrency caps outstanding dispatched slices per node, the
// same backpressure role the teacher's PlanExecutor.semaphore plays for
// concurrent agent calls, generalized here to per-node rather than
// per-executor scope.
const defaultNodeConcurrency = 64

// pendingResult is the correlation entry a dispatch call blocks on until
// the node's result arrives, the waiter's own timeout fires, or the node
// goes offline.
type pendingResult struct {
	resultCh chan SliceResultPayload
	nodeID   string
}

// Dispatcher ships slices to nodes and correlates their results, and
// implements trigger.Dispatcher so the activation path can reuse the same
// transport selection for remote trigger activation payloads.
type Dispatcher struct {
	channelTransport *ChannelTransport
	httpTransport    *HTTPTransport
	reg              registry.Registry
	logger           logging.Logger

	mu        sync.Mutex
	semaphore map[string]chan struct{} // nodeID -> outstanding-slot semaphore
	pending   map[string]*pendingResult // "planId:sliceId" -> waiter
}

// New constructs a Dispatcher. reg is stored but not consulted: per-node
// transport is the channel if one is registered for that node, else the
// HTTP fallback — callers register their own channels via the returned
// Dispatcher's ChannelTransport().
func New(reg registry.Registry, logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Dispatcher{
		channelTransport: NewChannelTransport(),
		httpTransport:    NewHTTPTransport(),
		reg:              reg,
		logger:           logger,
		semaphore:        make(map[string]chan struct{}),
		pending:          make(map[string]*pendingResult),
	}
}

// ChannelTransport exposes the persistent-channel transport so a node's
// inbound connection handler can Register/Unregister its own channel.
func (d *Dispatcher) ChannelTransport() *ChannelTransport { return d.channelTransport }

// HTTPTransport exposes the HTTP fallback transport so node base URLs can
// be configured.
func (d *Dispatcher) HTTPTransport() *HTTPTransport { return d.httpTransport }

func correlationKey(planID, sliceID string) string {
	return planID + ":" + sliceID
}

func (d *Dispatcher) acquireSlot(ctx context.Context, nodeID string) (release func(), err error) {
	d.mu.Lock()
	sem, ok := d.semaphore[nodeID]
	if !ok {
		sem = make(chan struct{}, defaultNodeConcurrency)
		d.semaphore[nodeID] = sem
	}
	d.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatch ships payload to nodeID and blocks until a result arrives, the
// context is cancelled, or payload.TimeoutMs elapses (whichever first).
// The dispatcher itself never retries: a failure here is reported to the
// caller (the SVM) to decide retry/fallback at the sync-point level.
func (d *Dispatcher) Dispatch(ctx context.Context, nodeID string, payload SliceDispatchPayload) (SliceResultPayload, error) {
	release, err := d.acquireSlot(ctx, nodeID)
	if err != nil {
		return SliceResultPayload{}, fmt.Errorf("dispatch: acquire slot for node %s: %w", nodeID, err)
	}
	defer release()

	key := correlationKey(payload.PlanID, payload.SliceID)
	waiter := &pendingResult{resultCh: make(chan SliceResultPayload, 1), nodeID: nodeID}

	d.mu.Lock()
	d.pending[key] = waiter
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
	}()

	if err := d.send(ctx, nodeID, payload); err != nil {
		return SliceResultPayload{}, fmt.Errorf("dispatch: send slice %s to node %s: %w", payload.SliceID, nodeID, err)
	}

	timeout := time.Duration(payload.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-waiter.resultCh:
		return result, nil
	case <-timer.C:
		return SliceResultPayload{}, fmt.Errorf("dispatch: slice %s on node %s: %w", payload.SliceID, nodeID, scperrors.ErrExecutorTimeout)
	case <-ctx.Done():
		return SliceResultPayload{}, ctx.Err()
	}
}

func (d *Dispatcher) send(ctx context.Context, nodeID string, payload SliceDispatchPayload) error {
	if _, ok := d.channelTransport.channelFor(nodeID); ok {
		return d.channelTransport.Send(ctx, nodeID, payload)
	}
	return d.httpTransport.Send(ctx, nodeID, payload)
}

// Resolve delivers a result to whichever Dispatch call is waiting on its
// planId:sliceId correlation key, e.g. from the node's callback endpoint
// or channel listener. It is a no-op if no waiter exists (late or
// duplicate delivery).
func (d *Dispatcher) Resolve(result SliceResultPayload) {
	key := correlationKey(result.PlanID, result.SliceID)
	d.mu.Lock()
	waiter, ok := d.pending[key]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case waiter.resultCh <- result:
	default:
	}
}

// OnNodeOffline rejects every pending waiter on nodeID so a caller blocked
// on Dispatch doesn't wait out the full timeout once the node is known
// gone. Wire this as a registry.OnOffline callback.
func (d *Dispatcher) OnNodeOffline(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, waiter := range d.pending {
		if waiter.nodeID != nodeID {
			continue
		}
		select {
		case waiter.resultCh <- SliceResultPayload{NodeID: nodeID, Status: SliceFailed, Error: scperrors.ErrNodeOffline.Error()}:
		default:
		}
		delete(d.pending, key)
	}
}

// SendRemoteActivation implements trigger.Dispatcher, reusing the same
// transport selection (channel, else HTTP) for the smaller trigger
// activation payload.
func (d *Dispatcher) SendRemoteActivation(ctx context.Context, nodeID string, payload trigger.RemoteTriggerActivationPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispatch: marshal activation payload: %w", err)
	}
	if _, ok := d.channelTransport.channelFor(nodeID); ok {
		return d.channelTransport.Send(ctx, nodeID, SliceDispatchPayload{
			PlanID:  "trigger-activation",
			SliceID: payload.DriverID,
			RegisterValues: map[string]interface{}{"activation": json.RawMessage(body)},
		})
	}
	baseURL, ok := d.httpTransport.baseURLFor(nodeID)
	if !ok {
		return fmt.Errorf("dispatch: no transport registered for node %s: %w", nodeID, scperrors.ErrTransportFailure)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/activate-trigger", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: build activation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.httpTransport.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: send activation to node %s: %w: %v", nodeID, scperrors.ErrTransportFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch: node %s rejected activation with status %d: %w", nodeID, resp.StatusCode, scperrors.ErrTransportFailure)
	}
	return nil
}
