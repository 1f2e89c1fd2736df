package element

import (
	"fmt"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
)

// Arena owns every Element loaded for one invocation. Elements are never
// removed once added; a loading pass only ever grows the arena.
type Arena struct {
	mu       sync.RWMutex
	elements []*Element
	byName   *iradix.Tree[Id]
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{byName: iradix.New[Id]()}
}

// Add registers a new element and returns its Id. It is an error to add two
// elements with the same name.
func (a *Arena) Add(name, kind string, config any) (Id, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.byName.Get([]byte(name)); ok {
		return 0, fmt.Errorf("element: duplicate element name %q", name)
	}

	id := Id(len(a.elements) + 1)
	a.elements = append(a.elements, &Element{Id: id, Name: name, Kind: kind, Config: config})
	a.byName, _, _ = a.byName.Insert([]byte(name), id)
	return id, nil
}

// AddDependency appends a (target, scope) edge to from's dependency list,
// in call order; callers are expected to call this once per source-file
// dependency declaration so Dependencies preserves source order.
func (a *Arena) AddDependency(from, target Id, scope Scope) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	fe, err := a.getLocked(from)
	if err != nil {
		return err
	}
	if _, err := a.getLocked(target); err != nil {
		return fmt.Errorf("element: dependency target: %w", err)
	}
	fe.Dependencies = append(fe.Dependencies, Dependency{Target: target, Scope: scope})
	return nil
}

// Get returns the element at id.
func (a *Arena) Get(id Id) (*Element, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.getLocked(id)
}

func (a *Arena) getLocked(id Id) (*Element, error) {
	if id == 0 || int(id) > len(a.elements) {
		return nil, fmt.Errorf("element: invalid id %d", id)
	}
	return a.elements[id-1], nil
}

// Lookup resolves an element name to its Id.
func (a *Arena) Lookup(name string) (Id, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.byName.Get([]byte(name))
}

// Len returns the number of elements registered so far.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.elements)
}
