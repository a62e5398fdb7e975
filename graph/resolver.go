// Package graph resolves task dependency graphs into ordered execution
// levels using a DFS-based topological sort.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Node is a unit in the dependency graph.
type Node interface {
	ID() string
	Dependencies() []string
}

// CircularDependencyError reports a dependency cycle in a batch. CycleIDs
// holds the ids along the detected cycle, in traversal order.
type CircularDependencyError struct {
	CycleIDs []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.CycleIDs, " -> "))
}

type mark int

const (
	unvisited mark = iota
	visiting
	visited
)

// Resolve orders a batch of nodes into levels. Level k contains every
// node whose dependencies are all satisfied by levels 0..k-1; nodes
// within a level have no ordering constraint. Dependencies pointing
// outside the batch are ignored here and left to the scheduler's
// readiness check. Returns a CircularDependencyError if the batch
// contains a cycle; in that case no level is produced.
func Resolve(nodes []Node) ([][]Node, error) {
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID()] = n
	}

	marks := make(map[string]mark, len(nodes))
	depth := make(map[string]int, len(nodes))

	var visit func(n Node, stack []string) error
	visit = func(n Node, stack []string) error {
		id := n.ID()
		switch marks[id] {
		case visited:
			return nil
		case visiting:
			return &CircularDependencyError{CycleIDs: cycleFrom(stack, id)}
		}

		marks[id] = visiting
		stack = append(stack, id)

		maxDepDepth := -1
		for _, depID := range n.Dependencies() {
			dep, ok := byID[depID]
			if !ok {
				// Dependency outside the batch; it imposes no level here.
				continue
			}
			if err := visit(dep, stack); err != nil {
				return err
			}
			if d := depth[depID]; d > maxDepDepth {
				maxDepDepth = d
			}
		}

		marks[id] = visited
		depth[id] = maxDepDepth + 1
		return nil
	}

	for _, n := range nodes {
		if err := visit(n, nil); err != nil {
			return nil, err
		}
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]Node, maxDepth+1)
	for _, n := range nodes {
		d := depth[n.ID()]
		levels[d] = append(levels[d], n)
	}

	// Keep level contents deterministic for callers and tests.
	for _, level := range levels {
		sort.Slice(level, func(i, j int) bool { return level[i].ID() < level[j].ID() })
	}

	return levels, nil
}

// cycleFrom trims the DFS stack to the portion forming the cycle that
// closes at id.
func cycleFrom(stack []string, id string) []string {
	for i, s := range stack {
		if s == id {
			cycle := append([]string{}, stack[i:]...)
			return append(cycle, id)
		}
	}
	return []string{id, id}
}
