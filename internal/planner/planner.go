// Package planner computes dependency-ordered traversals over an element
// arena: a post-order walk restricted to one of the three
// scopes, with deterministic source-order tie-breaking and depth
// annotation.
package planner

import (
	"fmt"

	"github.com/buildstream-core/bstcore/internal/element"
)

// Node is one element as it appears in a Plan: Depth is the length of the
// longest dependency chain below it (leaves are depth 0).
type Node struct {
	Id    element.Id
	Depth int
}

// visitState tracks a two-color DFS: "visiting" catches a dependency cycle
// as soon as it closes, "done" prevents revisiting a diamond dependency.
type visitState uint8

const (
	stateUnvisited visitState = iota
	stateVisiting
	stateDone
)

// Plan returns roots and every element transitively reachable from them
// under scope, in dependency order (a target always appears before
// anything that depends on it), breaking ties by the source order
// dependencies were declared in.
func Plan(arena *element.Arena, roots []element.Id, scope element.Scope) ([]Node, error) {
	state := map[element.Id]visitState{}
	depth := map[element.Id]int{}
	var order []Node

	var visit func(id element.Id, chain []element.Id) error
	visit = func(id element.Id, chain []element.Id) error {
		switch state[id] {
		case stateDone:
			return nil
		case stateVisiting:
			return fmt.Errorf("planner: dependency cycle: %s", formatChain(arena, append(chain, id)))
		}
		state[id] = stateVisiting
		chain = append(chain, id)

		e, err := arena.Get(id)
		if err != nil {
			return err
		}

		maxChildDepth := -1
		for _, dep := range e.Dependencies {
			if dep.Scope&scope == 0 {
				continue
			}
			if err := visit(dep.Target, chain); err != nil {
				return err
			}
			if depth[dep.Target] > maxChildDepth {
				maxChildDepth = depth[dep.Target]
			}
		}

		depth[id] = maxChildDepth + 1
		state[id] = stateDone
		order = append(order, Node{Id: id, Depth: depth[id]})
		return nil
	}

	for _, root := range roots {
		if err := visit(root, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func formatChain(arena *element.Arena, chain []element.Id) string {
	s := ""
	for i, id := range chain {
		e, err := arena.Get(id)
		name := "?"
		if err == nil {
			name = e.Name
		}
		if i > 0 {
			s += " -> "
		}
		s += name
	}
	return s
}
