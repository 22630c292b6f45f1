package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterOverwritesDuplicateDriverID(t *testing.T) {
	r := New(nil)
	r.Register(Local(Manifest{DriverID: "webhook"}, fakeImpl{}, nil))
	r.Register(Local(Manifest{DriverID: "webhook", DisplayName: "v2"}, fakeImpl{}, nil))

	d, ok := r.Get("webhook")
	require.True(t, ok)
	assert.Equal(t, "v2", d.Manifest().DisplayName)
}

func TestRemoveBySourceNodeCascades(t *testing.T) {
	r := New(nil)
	r.Register(Remote(Manifest{DriverID: "mcu.sensor"}, "node-a"))
	r.Register(Remote(Manifest{DriverID: "mcu.other"}, "node-b"))

	r.RemoveBySourceNode("node-a")

	_, ok := r.Get("mcu.sensor")
	assert.False(t, ok)
	_, ok = r.Get("mcu.other")
	assert.True(t, ok)
}

type fakeImpl struct {
	events chan Event
}

func (f fakeImpl) Activate(activationID string, config map[string]interface{}, workflowID, workflowVersion string) (<-chan Event, func(), error) {
	ch := f.events
	if ch == nil {
		ch = make(chan Event)
	}
	return ch, func() { close(ch) }, nil
}

type recordingDispatcher struct {
	sent []RemoteTriggerActivationPayload
}

func (d *recordingDispatcher) SendRemoteActivation(ctx context.Context, nodeID string, payload RemoteTriggerActivationPayload) error {
	d.sent = append(d.sent, payload)
	return nil
}

func TestActivateLocalFeedsEventsThroughBus(t *testing.T) {
	events := make(chan Event, 4)
	drivers := New(nil)
	drivers.Register(Local(Manifest{DriverID: "timer"}, fakeImpl{events: events}, nil))

	bus := NewBus(nil)
	sub := bus.Subscribe("wf-1", 4)
	act := NewActivator(drivers, &recordingDispatcher{}, nil, bus, nil)

	err := act.Activate(context.Background(), TriggerBinding{
		ActivationID: "act-1",
		DriverID:     "timer",
		TargetNodeID: "central",
		WorkflowID:   "wf-1",
	})
	require.NoError(t, err)

	events <- Event{ActivationID: "act-1", WorkflowID: "wf-1", OccurredAt: 1}

	select {
	case e := <-sub:
		assert.Equal(t, "wf-1", e.WorkflowID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestActivateRemoteSendsPayload(t *testing.T) {
	drivers := New(nil)
	bus := NewBus(nil)
	dispatcher := &recordingDispatcher{}
	act := NewActivator(drivers, dispatcher, nil, bus, nil)

	err := act.Activate(context.Background(), TriggerBinding{
		ActivationID: "act-2",
		DriverID:     "mcu.sensor",
		TargetNodeID: "node-a",
		WorkflowID:   "wf-2",
	})
	require.NoError(t, err)
	require.Len(t, dispatcher.sent, 1)
	assert.Equal(t, "trigger_events:wf-2", dispatcher.sent[0].CallbackChannel)
}

func TestDebounceDeliversOnlyMostRecentInWindow(t *testing.T) {
	drivers := New(nil)
	events := make(chan Event, 8)
	drivers.Register(Local(Manifest{DriverID: "sensor"}, fakeImpl{events: events}, nil))

	bus := NewBus(nil)
	sub := bus.Subscribe("wf-3", 8)
	act := NewActivator(drivers, &recordingDispatcher{}, nil, bus, nil)

	err := act.Activate(context.Background(), TriggerBinding{
		ActivationID: "act-3",
		DriverID:     "sensor",
		TargetNodeID: "central",
		WorkflowID:   "wf-3",
		DebounceMs:   50,
	})
	require.NoError(t, err)

	events <- Event{OccurredAt: 1}
	events <- Event{OccurredAt: 2}
	events <- Event{OccurredAt: 3}

	select {
	case e := <-sub:
		assert.Equal(t, int64(3), e.OccurredAt, "only the last event in the window should be delivered")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for debounced event")
	}

	select {
	case e := <-sub:
		t.Fatalf("unexpected second delivery: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeactivateIsReferenceCounted(t *testing.T) {
	drivers := New(nil)
	events := make(chan Event)
	drivers.Register(Local(Manifest{DriverID: "sensor"}, fakeImpl{events: events}, nil))

	bus := NewBus(nil)
	act := NewActivator(drivers, &recordingDispatcher{}, nil, bus, nil)

	binding := TriggerBinding{ActivationID: "act-4", DriverID: "sensor", TargetNodeID: "central", WorkflowID: "wf-4"}
	require.NoError(t, act.Activate(context.Background(), binding))
	require.NoError(t, act.Activate(context.Background(), binding))

	act.Deactivate("act-4")
	act.mu.Lock()
	_, stillActive := act.activations["act-4"]
	act.mu.Unlock()
	assert.True(t, stillActive, "first deactivate should only decrement refcount")

	act.Deactivate("act-4")
	act.mu.Lock()
	_, stillActive = act.activations["act-4"]
	act.mu.Unlock()
	assert.False(t, stillActive)
}
