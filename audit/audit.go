// Package audit implements the Audit Chain: the append-only, hash-linked
// log of executed steps that is the single source of truth for execution
// provenance.
package audit

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kraklabs/scp/ir"
	"github.com/kraklabs/scp/scperrors"
)

// GenesisHash is the previousEventHash of the first event in any chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

func init() {
	// GenesisHash must be exactly 64 hex characters; guard against a typo
	// above turning into a silently wrong invariant.
	if len(GenesisHash) != 64 {
		panic(fmt.Sprintf("audit: GenesisHash must be 64 hex chars, got %d", len(GenesisHash)))
	}
}

// Result is the terminal status an audit event records for one step.
type Result string

const (
	ResultSuccess  Result = "SUCCESS"
	ResultFailed   Result = "FAILED"
	ResultTimeout  Result = "TIMEOUT"
	ResultFailover Result = "FAILOVER"
	ResultSkipped  Result = "SKIPPED"
	ResultWarning  Result = "WARNING"
)

// Event is one entry in a workflow's hash-linked chain.
type Event struct {
	WorkflowID        string                 `json:"workflowId"`
	Index             int                    `json:"index"`
	Timestamp         time.Time              `json:"timestamp"`
	InstructionIndex  int                    `json:"instructionIndex"`
	SliceID           string                 `json:"sliceId,omitempty"`
	NodeID            string                 `json:"nodeId,omitempty"`
	Opcode            ir.Opcode              `json:"opcode"`
	Result            Result                 `json:"result"`
	UserID            string                 `json:"userId,omitempty"`
	Action            string                 `json:"action,omitempty"`
	EventType         string                 `json:"eventType,omitempty"`
	DurationMs        int64                  `json:"durationMs,omitempty"`
	Detail            map[string]interface{} `json:"detail,omitempty"`
	PreviousEventHash string                 `json:"previousEventHash"`
	SelfHash          string                 `json:"selfHash"`
}

// payloadForHash returns the fields selfHash is computed over: everything
// in Event except SelfHash itself.
func payloadForHash(e Event) map[string]interface{} {
	return map[string]interface{}{
		"workflowId":        e.WorkflowID,
		"index":             e.Index,
		"timestamp":         e.Timestamp.UTC().Format(time.RFC3339Nano),
		"instructionIndex":  e.InstructionIndex,
		"sliceId":           e.SliceID,
		"nodeId":            e.NodeID,
		"opcode":            e.Opcode,
		"result":            e.Result,
		"userId":            e.UserID,
		"action":            e.Action,
		"eventType":         e.EventType,
		"durationMs":        e.DurationMs,
		"detail":            e.Detail,
		"previousEventHash": e.PreviousEventHash,
	}
}

func computeSelfHash(e Event) (string, error) {
	return ir.ChecksumOf(payloadForHash(e))
}

// Store persists events for a workflow and supports replay for
// verification. BufferedStore and RedisStore both implement it.
type Store interface {
	Append(e Event) error
	Events(workflowID string) ([]Event, error)
}

// Chain appends events to a Store, enforcing monotonically increasing
// timestamps and correct hash-chain linkage per workflow.
type Chain struct {
	mu      sync.Mutex
	store   Store
	lastHash map[string]string // workflowID -> last selfHash
	lastTime map[string]time.Time
}

// NewChain wraps store with the sequencing and hash-chaining invariants.
func NewChain(store Store) *Chain {
	return &Chain{store: store, lastHash: make(map[string]string), lastTime: make(map[string]time.Time)}
}

// Append records one step. The caller supplies every field except
// PreviousEventHash, SelfHash, Index, and Timestamp, which the chain fills
// in deterministically.
func (c *Chain) Append(e Event) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevHash, ok := c.lastHash[e.WorkflowID]
	if !ok {
		prevHash = GenesisHash
	}

	now := time.Now()
	if last, ok := c.lastTime[e.WorkflowID]; ok && !now.After(last) {
		now = last.Add(time.Nanosecond)
	}

	e.PreviousEventHash = prevHash
	e.Timestamp = now
	e.Index = c.nextIndex(e.WorkflowID)

	selfHash, err := computeSelfHash(e)
	if err != nil {
		return Event{}, scperrors.New("audit.Append", "integrity", err)
	}
	e.SelfHash = selfHash

	if err := c.store.Append(e); err != nil {
		return Event{}, fmt.Errorf("audit: append event: %w", err)
	}

	c.lastHash[e.WorkflowID] = selfHash
	c.lastTime[e.WorkflowID] = now
	return e, nil
}

func (c *Chain) nextIndex(workflowID string) int {
	events, _ := c.store.Events(workflowID)
	return len(events)
}

// LastHash returns the selfHash of the most recent event appended for
// workflowID, used as the correlation id on a surfaced user-visible
// failure.
func (c *Chain) LastHash(workflowID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.lastHash[workflowID]; ok {
		return h
	}
	return GenesisHash
}

// VerifyResult is the outcome of replaying a workflow's chain.
type VerifyResult struct {
	WorkflowID   string `json:"workflowId"`
	TotalEvents  int    `json:"totalEvents"`
	Verified     bool   `json:"verified"`
	FirstBrokenAt *int  `json:"firstBrokenAt,omitempty"`
	ErrorDetails string `json:"errorDetails,omitempty"`
}

// VerifyChain replays workflowID's chain from store, recomputing every
// selfHash and previousEventHash link, and reports the index of the
// first broken event, if any.
func VerifyChain(store Store, workflowID string) (VerifyResult, error) {
	events, err := store.Events(workflowID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("audit: load events: %w", err)
	}

	result := VerifyResult{WorkflowID: workflowID, TotalEvents: len(events), Verified: true}
	expectedPrev := GenesisHash

	for i, e := range events {
		if e.PreviousEventHash != expectedPrev {
			idx := i
			result.Verified = false
			result.FirstBrokenAt = &idx
			result.ErrorDetails = fmt.Sprintf("event %d: previousEventHash mismatch", i)
			return result, nil
		}
		recomputed, err := computeSelfHash(e)
		if err != nil {
			return VerifyResult{}, err
		}
		if recomputed != e.SelfHash {
			idx := i
			result.Verified = false
			result.FirstBrokenAt = &idx
			result.ErrorDetails = fmt.Sprintf("event %d: selfHash mismatch", i)
			return result, nil
		}
		expectedPrev = e.SelfHash
	}
	return result, nil
}

// CorrelationID formats the last-good-hash correlation id surfaced on a
// user-visible abort.
func CorrelationID(hash string) string {
	return strings.ToLower(hash)
}
