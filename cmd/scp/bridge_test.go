package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/scp/logging"
)

func TestBridgeDriverDeliversMatchingEvent(t *testing.T) {
	bridge := NewBridgeDriver("modbus", logging.NoOp{})

	config := map[string]interface{}{
		"deviceFilter": []interface{}{"pump-1"},
	}
	events, cancel, err := bridge.Activate("act-1", config, "wf-1", "1")
	require.NoError(t, err)
	defer cancel()

	bridge.Ingest(BridgeEvent{DeviceID: "pump-2", NodeID: "edge-1", Quality: "Good", Value: 12.0})
	bridge.Ingest(BridgeEvent{DeviceID: "pump-1", NodeID: "edge-1", Quality: "Good", Value: 42.0})

	select {
	case e := <-events:
		assert.Equal(t, "act-1", e.ActivationID)
		assert.Equal(t, 42.0, e.Payload["value"])
	default:
		t.Fatal("expected one matching event on the channel")
	}
}

func TestBridgeDriverDefaultsStatusFilterToGood(t *testing.T) {
	bridge := NewBridgeDriver("opcua", logging.NoOp{})

	events, cancel, err := bridge.Activate("act-2", map[string]interface{}{}, "wf-2", "1")
	require.NoError(t, err)
	defer cancel()

	bridge.Ingest(BridgeEvent{DeviceID: "tank-1", Quality: "Bad", Value: 1.0})
	bridge.Ingest(BridgeEvent{DeviceID: "tank-1", Quality: "Good", Value: 2.0})

	e := <-events
	assert.Equal(t, 2.0, e.Payload["value"])

	select {
	case <-events:
		t.Fatal("bad-quality reading should have been filtered out")
	default:
	}
}

func TestBridgeDriverCancelRemovesSubscription(t *testing.T) {
	bridge := NewBridgeDriver("modbus", logging.NoOp{})

	_, cancel, err := bridge.Activate("act-3", map[string]interface{}{}, "wf-3", "1")
	require.NoError(t, err)
	cancel()

	assert.Empty(t, bridge.subs)
}
