// Package graph provides the dependency DAG used to validate and order
// agent dependencies within a workflow.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrCycle indicates a circular dependency.
var ErrCycle = errors.New("circular dependency detected")

// ErrUnknownNode indicates an edge referencing a node that was never added.
var ErrUnknownNode = errors.New("dependency references unknown node")

// DAG is a directed acyclic graph of "blocked by" edges between named
// nodes. Nodes are agent names; an edge a -> b means a cannot start
// until b is done.
type DAG struct {
	mu    sync.RWMutex
	nodes map[string]struct{}
	edges map[string][]string
	done  map[string]bool
}

// Build constructs a DAG from a node list and a node -> dependencies
// map. Edges from or to unknown nodes and cycles are rejected.
func Build(nodes []string, deps map[string][]string) (*DAG, error) {
	g := &DAG{
		nodes: make(map[string]struct{}, len(nodes)),
		edges: make(map[string][]string, len(deps)),
		done:  make(map[string]bool),
	}
	for _, n := range nodes {
		g.nodes[n] = struct{}{}
	}
	for node, blockers := range deps {
		if _, ok := g.nodes[node]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, node)
		}
		for _, blocker := range blockers {
			if _, ok := g.nodes[blocker]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownNode, node, blocker)
			}
			g.edges[node] = append(g.edges[node], blocker)
		}
	}
	if g.hasCycleLocked() {
		return nil, ErrCycle
	}
	return g, nil
}

// HasCycle reports whether the graph contains a circular dependency.
func (g *DAG) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked runs a colored depth-first search looking for back
// edges. Caller holds at least a read lock.
func (g *DAG) hasCycleLocked() bool {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for id := range g.nodes {
		if colors[id] == white && visit(id) {
			return true
		}
	}
	return false
}

// Order returns the nodes in dependency order: every node appears after
// the nodes it is blocked by. Ties are broken alphabetically so the
// order is stable.
func (g *DAG) Order() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCycle
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	visited := make(map[string]bool, len(ids))
	var order []string
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		deps := append([]string(nil), g.edges[id]...)
		sort.Strings(deps)
		for _, dep := range deps {
			visit(dep)
		}
		order = append(order, id)
	}
	for _, id := range ids {
		visit(id)
	}
	return order, nil
}

// Levels groups nodes by dependency depth: level 0 has no blockers,
// level n is blocked only by nodes in earlier levels. Nodes within a
// level can run in parallel.
func (g *DAG) Levels() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	depth := make(map[string]int, len(g.nodes))
	var depthOf func(id string, seen map[string]bool) int
	depthOf = func(id string, seen map[string]bool) int {
		if d, ok := depth[id]; ok {
			return d
		}
		if seen[id] {
			// Cycle guard; Build rejects cycles so this is unreachable
			// for graphs it produced.
			return 0
		}
		seen[id] = true
		d := 0
		for _, dep := range g.edges[id] {
			if dd := depthOf(dep, seen) + 1; dd > d {
				d = dd
			}
		}
		depth[id] = d
		return d
	}

	maxDepth := 0
	for id := range g.nodes {
		if d := depthOf(id, map[string]bool{}); d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for id := range g.nodes {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	for i := range levels {
		sort.Strings(levels[i])
	}
	return levels
}

// Ready returns the nodes whose blockers are all done and that are not
// themselves done, sorted by name.
func (g *DAG) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id := range g.nodes {
		if g.done[id] {
			continue
		}
		blocked := false
		for _, dep := range g.edges[id] {
			if !g.done[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// MarkDone records a node as finished, unblocking its dependents.
func (g *DAG) MarkDone(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.done[id] = true
}

// Dependents returns the nodes directly blocked by the given node,
// sorted by name.
func (g *DAG) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for node, deps := range g.edges {
		for _, dep := range deps {
			if dep == id {
				out = append(out, node)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Size returns the number of nodes.
func (g *DAG) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
