// Package statemachine tracks each element's mutable build state and
// derives its scheduling status from four monotone update routines:
// resolve, update_cache_keys, query_cache and update_cache_key_non_strict.
// None of the four routines ever moves an element backward through its
// lifecycle; each only adds information the element didn't have before.
package statemachine

import (
	"fmt"
	"sync"

	"github.com/buildstream-core/bstcore/internal/element"
)

// Status is one of the seven scheduling states an element can be in.
type Status string

const (
	StatusNoReference Status = "no_reference"
	StatusWaiting     Status = "waiting"
	StatusJunction    Status = "junction"
	StatusFailed      Status = "failed"
	StatusCached      Status = "cached"
	StatusFetchNeeded Status = "fetch_needed"
	StatusBuildable   Status = "buildable"
)

// State is one element's mutable build state.
type State struct {
	Id      element.Id
	Status  Status
	WeakKey string
	// StrictKey is only meaningful once the strict build graph is known:
	// it folds in every dependency's own strict key.
	StrictKey string
	// StrongKey is the key that actually identifies a cached artifact: it
	// equals StrictKey for a strict build, or is adopted from a
	// weak-key cache hit for a non-strict one.
	StrongKey string

	IsJunction      bool
	SourcesResolved bool
	CacheQueried    bool
	SourcesCached   bool
	ArtifactCached  bool
	Failed          bool
}

// Machine holds one State per element reachable so far. It is safe for
// concurrent use from multiple goroutines.
type Machine struct {
	arena *element.Arena

	mu     sync.Mutex
	states map[element.Id]*State
}

// New creates a Machine over arena. Every element starts at
// StatusNoReference until Resolve is called for it.
func New(arena *element.Arena) *Machine {
	return &Machine{arena: arena, states: map[element.Id]*State{}}
}

func (m *Machine) stateLocked(id element.Id) *State {
	s, ok := m.states[id]
	if !ok {
		s = &State{Id: id, Status: StatusNoReference}
		m.states[id] = s
	}
	return s
}

// State returns a copy of id's current state.
func (m *Machine) State(id element.Id) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.stateLocked(id)
}

// Resolve records whether id's sources are fully pinned and whether id is a
// junction element, then recomputes status. A junction element never
// leaves StatusJunction: it has no build of its own.
func (m *Machine) Resolve(id element.Id, sourcesResolved, isJunction bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateLocked(id)
	s.SourcesResolved = s.SourcesResolved || sourcesResolved
	s.IsJunction = s.IsJunction || isJunction
	return m.recomputeLocked(id)
}

// UpdateCacheKeys records id's weak and strict keys once its full
// dependency closure makes them computable.
func (m *Machine) UpdateCacheKeys(id element.Id, weakKey, strictKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateLocked(id)
	if weakKey != "" {
		s.WeakKey = weakKey
	}
	if strictKey != "" {
		s.StrictKey = strictKey
	}
	return m.recomputeLocked(id)
}

// QueryCache records the result of checking the artifact cache for id:
// whether its sources are available locally or fetchable, and whether an
// artifact is already cached under strongKey.
func (m *Machine) QueryCache(id element.Id, sourcesCached, artifactCached bool, strongKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateLocked(id)
	s.CacheQueried = true
	s.SourcesCached = s.SourcesCached || sourcesCached
	s.ArtifactCached = s.ArtifactCached || artifactCached
	if strongKey != "" {
		s.StrongKey = strongKey
	}
	return m.recomputeLocked(id)
}

// UpdateCacheKeyNonStrict adopts strongKey for id when a non-strict build
// found a cache hit under its weak key: the element is now known to match
// a previously built artifact even though its strict key may differ, so
// later lookups use strongKey directly instead of recomputing.
func (m *Machine) UpdateCacheKeyNonStrict(id element.Id, strongKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateLocked(id)
	if s.StrongKey == "" {
		s.StrongKey = strongKey
	}
	return m.recomputeLocked(id)
}

// Fail marks id as failed; recomputeLocked propagates StatusFailed to any
// element whose dependency status is checked afterward.
func (m *Machine) Fail(id element.Id) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateLocked(id).Failed = true
	return m.recomputeLocked(id)
}

func (m *Machine) recomputeLocked(id element.Id) error {
	s := m.stateLocked(id)

	if s.Failed {
		s.Status = StatusFailed
		return nil
	}
	if s.IsJunction {
		s.Status = StatusJunction
		return nil
	}
	if !s.SourcesResolved {
		s.Status = StatusNoReference
		return nil
	}

	e, err := m.arena.Get(id)
	if err != nil {
		return fmt.Errorf("statemachine: %w", err)
	}
	for _, dep := range e.Dependencies {
		ds := m.stateLocked(dep.Target)
		if ds.Status == StatusFailed {
			s.Status = StatusFailed
			return nil
		}
	}

	if !s.CacheQueried {
		s.Status = StatusWaiting
		return nil
	}
	if s.ArtifactCached {
		s.Status = StatusCached
		return nil
	}
	if !s.SourcesCached {
		s.Status = StatusFetchNeeded
		return nil
	}

	for _, dep := range e.Dependencies {
		if dep.Scope&element.ScopeBuild == 0 {
			continue
		}
		ds := m.stateLocked(dep.Target)
		if ds.Status != StatusCached {
			s.Status = StatusWaiting
			return nil
		}
	}
	s.Status = StatusBuildable
	return nil
}

// IsBuildable reports whether id is ready to be scheduled for assembly: its
// sources and every build-scoped dependency's artifact are cached.
func (m *Machine) IsBuildable(id element.Id) bool {
	return m.State(id).Status == StatusBuildable
}
