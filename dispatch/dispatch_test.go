package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kraklabs/scp/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchOverChannelResolvesOnResult(t *testing.T) {
	d := New(nil, nil)
	ch := make(chan SliceDispatchPayload, 1)
	d.ChannelTransport().Register("edge-1", ch)

	go func() {
		payload := <-ch
		d.Resolve(SliceResultPayload{PlanID: payload.PlanID, SliceID: payload.SliceID, NodeID: "edge-1", Status: SliceSuccess})
	}()

	result, err := d.Dispatch(context.Background(), "edge-1", SliceDispatchPayload{PlanID: "p1", SliceID: "s1", TimeoutMs: 1000})
	require.NoError(t, err)
	assert.Equal(t, SliceSuccess, result.Status)
}

func TestDispatchOverHTTPFallsBackWhenNoChannelRegistered(t *testing.T) {
	d := New(nil, nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()
	d.HTTPTransport().SetBaseURL("edge-2", server.URL)

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.Resolve(SliceResultPayload{PlanID: "p1", SliceID: "s1", NodeID: "edge-2", Status: SliceSuccess})
	}()

	result, err := d.Dispatch(context.Background(), "edge-2", SliceDispatchPayload{PlanID: "p1", SliceID: "s1", TimeoutMs: 1000})
	require.NoError(t, err)
	assert.Equal(t, SliceSuccess, result.Status)
}

func TestDispatchTimesOutWhenNoResultArrives(t *testing.T) {
	d := New(nil, nil)
	ch := make(chan SliceDispatchPayload, 1)
	d.ChannelTransport().Register("edge-1", ch)

	_, err := d.Dispatch(context.Background(), "edge-1", SliceDispatchPayload{PlanID: "p1", SliceID: "s1", TimeoutMs: 20})
	assert.Error(t, err)
}

func TestOnNodeOfflineRejectsPendingWaiters(t *testing.T) {
	d := New(nil, nil)
	ch := make(chan SliceDispatchPayload, 1)
	d.ChannelTransport().Register("edge-1", ch)

	go func() {
		<-ch
		time.Sleep(5 * time.Millisecond)
		d.OnNodeOffline("edge-1")
	}()

	result, err := d.Dispatch(context.Background(), "edge-1", SliceDispatchPayload{PlanID: "p1", SliceID: "s1", TimeoutMs: 2000})
	require.NoError(t, err)
	assert.Equal(t, SliceFailed, result.Status)
}

func TestSemaphoreBoundsOutstandingRequestsPerNode(t *testing.T) {
	d := New(nil, nil)
	release, err := d.acquireSlot(context.Background(), "edge-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	d.mu.Lock()
	sem := d.semaphore["edge-1"]
	for len(sem) < defaultNodeConcurrency {
		sem <- struct{}{}
	}
	d.mu.Unlock()

	_, err = d.acquireSlot(ctx, "edge-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendRemoteActivationPrefersChannelTransport(t *testing.T) {
	d := New(nil, nil)
	ch := make(chan SliceDispatchPayload, 1)
	d.ChannelTransport().Register("edge-1", ch)

	err := d.SendRemoteActivation(context.Background(), "edge-1", trigger.RemoteTriggerActivationPayload{DriverID: "modbus-1"})
	require.NoError(t, err)

	select {
	case payload := <-ch:
		assert.Equal(t, "modbus-1", payload.SliceID)
	case <-time.After(time.Second):
		t.Fatal("expected activation payload on channel")
	}
}

func TestSendRemoteActivationFallsBackToHTTP(t *testing.T) {
	d := New(nil, nil)
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	d.HTTPTransport().SetBaseURL("edge-2", server.URL)

	err := d.SendRemoteActivation(context.Background(), "edge-2", trigger.RemoteTriggerActivationPayload{DriverID: "opcua-1"})
	require.NoError(t, err)
	assert.Equal(t, "/activate-trigger", gotPath)
}
