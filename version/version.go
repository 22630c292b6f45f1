// Package version implements the Version Lifecycle: the per-project
// state machine a compiled workflow moves through from DRAFT to ACTIVE,
// with the single-ACTIVE-per-project invariant enforced atomically on
// promotion.
package version

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/kraklabs/scp/scperrors"
)

// Status is a project version's lifecycle state.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusValidating Status = "VALIDATING"
	StatusValid      Status = "VALID"
	StatusActive     Status = "ACTIVE"
	StatusExecuting  Status = "EXECUTING"
	StatusArchived   Status = "ARCHIVED"
)

// transitions enumerates every legal state change. ARCHIVED is terminal:
// it has no outgoing edges. ACTIVE and EXECUTING form a cycle (a running
// execution marks its version EXECUTING, then returns to ACTIVE).
var transitions = map[Status]map[Status]bool{
	StatusDraft:      {StatusValidating: true, StatusArchived: true},
	StatusValidating: {StatusValid: true, StatusDraft: true, StatusArchived: true},
	StatusValid:      {StatusActive: true, StatusArchived: true},
	StatusActive:     {StatusExecuting: true, StatusArchived: true},
	StatusExecuting:  {StatusActive: true, StatusArchived: true},
	StatusArchived:   {},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Version is one immutable snapshot of a project's compiled IR plus its
// mutable lifecycle state.
type Version struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"projectId"`
	VersionNumber int       `json:"version"`
	ParentVersion *int      `json:"parentVersion,omitempty"`
	Status        Status    `json:"status"`
	IRBinary      []byte    `json:"irBinary"`
	IRChecksum    string    `json:"irChecksum"`
	ValidatedBy   string    `json:"validatedBy,omitempty"`
	ValidatedAt   *time.Time `json:"validatedAt,omitempty"`
	ChangeReason  string    `json:"changeReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	ArchivedAt    *time.Time `json:"archivedAt,omitempty"`
}

// ChecksumOf computes SHA256(irBinary) as a lowercase hex string.
func ChecksumOf(irBinary []byte) string {
	sum := sha256.Sum256(irBinary)
	return hex.EncodeToString(sum[:])
}

// Store is the persistence contract the lifecycle state machine runs
// against. InMemoryStore and RedisStore both implement it.
type Store interface {
	// Create inserts a new DRAFT version, assigning the next monotone
	// version number for its project.
	Create(v *Version) (*Version, error)
	Get(projectID string, versionNumber int) (*Version, bool)
	// Transition atomically applies a state change, verifying CanTransition
	// and (for a promotion to ACTIVE) archiving the current ACTIVE version
	// in the same critical section.
	Transition(projectID string, versionNumber int, to Status, mutate func(*Version)) (*Version, error)
	ActiveVersion(projectID string) (*Version, bool)
	ListVersions(projectID string) []*Version
}

// Submit computes v's irChecksum and compares it against any previously
// stored checksum for the same (projectID, versionNumber); a mismatch is
// a hard conflict — the IR was tampered with between compile and submit.
func Submit(store Store, v *Version) (*Version, error) {
	computed := ChecksumOf(v.IRBinary)

	if existing, ok := store.Get(v.ProjectID, v.VersionNumber); ok {
		if existing.IRChecksum != "" && existing.IRChecksum != computed {
			return nil, scperrors.New("version.Submit", "conflict", fmt.Errorf("irChecksum mismatch for %s v%d: stored %s, computed %s", v.ProjectID, v.VersionNumber, existing.IRChecksum, computed))
		}
	}
	v.IRChecksum = computed
	if v.Status == "" {
		v.Status = StatusDraft
	}
	return store.Create(v)
}

// Validate transitions a DRAFT version to VALIDATING then, on success, to
// VALID; on failure it returns to DRAFT per the state machine.
func Validate(store Store, projectID string, versionNumber int, validatedBy string, ok bool) (*Version, error) {
	if _, err := store.Transition(projectID, versionNumber, StatusValidating, nil); err != nil {
		return nil, err
	}

	if !ok {
		return store.Transition(projectID, versionNumber, StatusDraft, nil)
	}

	now := time.Now()
	return store.Transition(projectID, versionNumber, StatusValid, func(v *Version) {
		v.ValidatedBy = validatedBy
		v.ValidatedAt = &now
	})
}

// Promote atomically moves versionNumber to ACTIVE, archiving whatever
// version currently holds ACTIVE for the same project in the same
// transaction, preserving "at most one ACTIVE per project" at every
// observable instant.
func Promote(store Store, projectID string, versionNumber int) (*Version, error) {
	return store.Transition(projectID, versionNumber, StatusActive, nil)
}

// BeginExecution marks an ACTIVE version EXECUTING; EndExecution returns
// it to ACTIVE. Both are no-ops on the single-ACTIVE invariant since
// EXECUTING and ACTIVE are mutually exclusive per version, not per
// project.
func BeginExecution(store Store, projectID string, versionNumber int) (*Version, error) {
	return store.Transition(projectID, versionNumber, StatusExecuting, nil)
}

func EndExecution(store Store, projectID string, versionNumber int) (*Version, error) {
	return store.Transition(projectID, versionNumber, StatusActive, nil)
}

// Archive is the terminal transition available from any state.
func Archive(store Store, projectID string, versionNumber int) (*Version, error) {
	now := time.Now()
	return store.Transition(projectID, versionNumber, StatusArchived, func(v *Version) {
		v.ArchivedAt = &now
	})
}
