package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kraklabs/scp/logging"
	"github.com/kraklabs/scp/trigger"
)

// BridgeEvent is the protocol-neutral shape a Modbus/OPC-UA bridge posts:
// a device reading tagged with the originating node and a quality flag,
// per the external interfaces' trigger bridge contract.
type BridgeEvent struct {
	DeviceID        string      `json:"deviceId"`
	NodeID          string      `json:"nodeId"`
	RegisterAddress string      `json:"registerAddress"`
	RegisterType    string      `json:"registerType"`
	Value           interface{} `json:"value"`
	Quality         string      `json:"quality"`
	Timestamp       int64       `json:"timestamp"`
}

func (e BridgeEvent) toPayload() map[string]interface{} {
	return map[string]interface{}{
		"deviceId":        e.DeviceID,
		"nodeId":          e.NodeID,
		"registerAddress": e.RegisterAddress,
		"registerType":    e.RegisterType,
		"value":           e.Value,
		"quality":         e.Quality,
		"timestamp":       e.Timestamp,
	}
}

type bridgeSubscription struct {
	activationID string
	workflowID   string
	deviceFilter map[string]bool
	nodeFilter   map[string]bool
	statusFilter map[string]bool
	events       chan trigger.Event
	stop         chan struct{}
}

func (s *bridgeSubscription) matches(e BridgeEvent) bool {
	if len(s.deviceFilter) > 0 && !s.deviceFilter[e.DeviceID] {
		return false
	}
	if len(s.nodeFilter) > 0 && !s.nodeFilter[e.NodeID] {
		return false
	}
	if len(s.statusFilter) > 0 && !s.statusFilter[e.Quality] {
		return false
	}
	return true
}

// BridgeDriver is a trigger.LocalImpl for field-protocol bridges (Modbus,
// OPC-UA) that speak HTTP to this node rather than a native Go client
// library: a small gateway process on the field side translates register
// reads into BridgeEvent posts, and every live activation for this
// driver id is matched against its deviceFilter/nodeFilter/statusFilter.
type BridgeDriver struct {
	driverID string
	logger   logging.Logger

	mu   sync.RWMutex
	subs map[string]*bridgeSubscription
}

// NewBridgeDriver constructs a BridgeDriver for one driver id (e.g.
// "modbus" or "opcua"); each protocol gets its own instance and HTTP path.
func NewBridgeDriver(driverID string, logger logging.Logger) *BridgeDriver {
	return &BridgeDriver{
		driverID: driverID,
		logger:   logger.WithComponent("bridge." + driverID),
		subs:     make(map[string]*bridgeSubscription),
	}
}

// Activate implements trigger.LocalImpl. config carries deviceFilter,
// nodeFilter and statusFilter as []interface{} of strings; statusFilter
// defaults to ["Good"] per the external interfaces contract.
func (b *BridgeDriver) Activate(activationID string, config map[string]interface{}, workflowID, workflowVersion string) (<-chan trigger.Event, func(), error) {
	sub := &bridgeSubscription{
		activationID: activationID,
		workflowID:   workflowID,
		deviceFilter: toStringSet(config["deviceFilter"]),
		nodeFilter:   toStringSet(config["nodeFilter"]),
		statusFilter: toStringSet(config["statusFilter"]),
		events:       make(chan trigger.Event, 64),
		stop:         make(chan struct{}),
	}
	if len(sub.statusFilter) == 0 {
		sub.statusFilter = map[string]bool{"Good": true}
	}

	b.mu.Lock()
	b.subs[activationID] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, activationID)
		b.mu.Unlock()
		close(sub.stop)
	}
	return sub.events, cancel, nil
}

// Ingest matches an incoming bridge reading against every live activation
// for this driver and forwards it as a trigger.Event to each match.
func (b *BridgeDriver) Ingest(e BridgeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(e) {
			continue
		}
		evt := trigger.Event{
			ActivationID: sub.activationID,
			WorkflowID:   sub.workflowID,
			Payload:      e.toPayload(),
			OccurredAt:   e.Timestamp,
		}
		select {
		case sub.events <- evt:
		case <-sub.stop:
		default:
			b.logger.Warn("dropping bridge event, subscriber channel full", map[string]interface{}{
				"activationId": sub.activationID,
				"deviceId":     e.DeviceID,
			})
		}
	}
}

func toStringSet(v interface{}) map[string]bool {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]bool, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out[s] = true
		}
	}
	return out
}

// bridgeHandler serves POST /bridge/{driverId}, authenticating with the
// dispatch bearer token and routing the decoded BridgeEvent to the
// matching BridgeDriver's Ingest.
func bridgeHandler(bridges map[string]*BridgeDriver, bearerToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		if !authorized(r, bearerToken) {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token", "UNAUTHORIZED")
			return
		}

		driverID := strings.TrimPrefix(r.URL.Path, "/bridge/")
		driverID = strings.Trim(driverID, "/")
		bridge, ok := bridges[driverID]
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown bridge driver %q", driverID), "UNKNOWN_DRIVER")
			return
		}

		var evt BridgeEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			writeError(w, http.StatusBadRequest, "invalid bridge event body", "BAD_REQUEST")
			return
		}
		if evt.Timestamp == 0 {
			evt.Timestamp = time.Now().UnixMilli()
		}
		bridge.Ingest(evt)
		w.WriteHeader(http.StatusAccepted)
	}
}

func authorized(r *http.Request, bearerToken string) bool {
	if bearerToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	return header == "Bearer "+bearerToken
}
