package version

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kraklabs/scp/scperrors"
)

// InMemoryStore is a concurrency-safe Store for development and tests,
// holding every version of every project in process memory.
type InMemoryStore struct {
	mu       sync.Mutex
	versions map[string]map[int]*Version // projectID -> versionNumber -> version
	nextNum  map[string]int
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		versions: make(map[string]map[int]*Version),
		nextNum:  make(map[string]int),
	}
}

func (s *InMemoryStore) Create(v *Version) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.versions[v.ProjectID]; !ok {
		s.versions[v.ProjectID] = make(map[int]*Version)
	}

	if v.VersionNumber == 0 {
		s.nextNum[v.ProjectID]++
		v.VersionNumber = s.nextNum[v.ProjectID]
	} else if v.VersionNumber > s.nextNum[v.ProjectID] {
		s.nextNum[v.ProjectID] = v.VersionNumber
	}

	if _, exists := s.versions[v.ProjectID][v.VersionNumber]; exists {
		return nil, scperrors.New("version.Create", "conflict", fmt.Errorf("version %d already exists for project %s", v.VersionNumber, v.ProjectID))
	}

	cp := *v
	s.versions[v.ProjectID][v.VersionNumber] = &cp
	return &cp, nil
}

func (s *InMemoryStore) Get(projectID string, versionNumber int) (*Version, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[projectID][versionNumber]
	if !ok {
		return nil, false
	}
	cp := *v
	return &cp, true
}

// Transition performs the legality check, any caller-supplied mutation,
// and — for a promotion to ACTIVE — the archive-current-ACTIVE swap, all
// under one lock, so no interleaved reader ever observes two ACTIVE
// versions or zero during a promotion.
func (s *InMemoryStore) Transition(projectID string, versionNumber int, to Status, mutate func(*Version)) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[projectID][versionNumber]
	if !ok {
		return nil, scperrors.New("version.Transition", "not_found", fmt.Errorf("no version %d for project %s", versionNumber, projectID))
	}
	if !CanTransition(v.Status, to) {
		return nil, scperrors.New("version.Transition", "invalid_state", fmt.Errorf("cannot move project %s version %d from %s to %s", projectID, versionNumber, v.Status, to))
	}

	if to == StatusActive {
		archivedAt := time.Now()
		for num, other := range s.versions[projectID] {
			if num != versionNumber && other.Status == StatusActive {
				other.Status = StatusArchived
				other.ArchivedAt = &archivedAt
			}
		}
	}

	v.Status = to
	if mutate != nil {
		mutate(v)
	}

	cp := *v
	return &cp, nil
}

func (s *InMemoryStore) ActiveVersion(projectID string) (*Version, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[projectID] {
		if v.Status == StatusActive {
			cp := *v
			return &cp, true
		}
	}
	return nil, false
}

func (s *InMemoryStore) ListVersions(projectID string) []*Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Version, 0, len(s.versions[projectID]))
	for _, v := range s.versions[projectID] {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out
}
