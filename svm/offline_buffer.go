package svm

import (
	"sync"

	"github.com/kraklabs/scp/dispatch"
)

// OfflineBuffer durably (for the process's lifetime) holds slice dispatch
// payloads the central SVM could not deliver because the target node was
// unreachable. The orchestrator enqueues here instead of dropping the
// request; the queue is drained only by an explicit Orchestrator.ResumeOffline
// call, and no heartbeat or registry event makes that call.
type OfflineBuffer struct {
	mu      sync.Mutex
	pending map[string][]dispatch.SliceDispatchPayload
}

// NewOfflineBuffer constructs an empty buffer.
func NewOfflineBuffer() *OfflineBuffer {
	return &OfflineBuffer{pending: make(map[string][]dispatch.SliceDispatchPayload)}
}

// Enqueue appends payload to nodeID's retry queue.
func (b *OfflineBuffer) Enqueue(nodeID string, payload dispatch.SliceDispatchPayload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[nodeID] = append(b.pending[nodeID], payload)
}

// Drain removes and returns every payload queued for nodeID, in enqueue
// order.
func (b *OfflineBuffer) Drain(nodeID string) []dispatch.SliceDispatchPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	payloads := b.pending[nodeID]
	delete(b.pending, nodeID)
	return payloads
}

// Len reports how many payloads are queued for nodeID.
func (b *OfflineBuffer) Len(nodeID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[nodeID])
}
