// Package resolver computes execution plans for sortie dependency graphs:
// topological order, parallel cohorts, the critical path, and cycle
// detection. It is pure computation over indices so the same plan logic
// serves request validation and dispatch.
package resolver

import (
	"fmt"
)

// DefaultDurationMS is assumed for sorties without an estimate.
const DefaultDurationMS int64 = 1000

// Node is one sortie in the dependency graph. Index is the sortie's
// position in its mission; Dependencies are the indices that must complete
// before it may start.
type Node struct {
	Index        int
	Dependencies []int
	DurationMS   int64
}

// Result is the full execution plan, or the cycle diagnosis when the graph
// is not a DAG.
type Result struct {
	Success             bool    `json:"success"`
	TopologicalOrder    []int   `json:"topological_order,omitempty"`
	ParallelGroups      [][]int `json:"parallel_groups,omitempty"`
	CriticalPath        []int   `json:"critical_path,omitempty"`
	EstimatedDurationMS int64   `json:"estimated_duration_ms,omitempty"`
	HasCycles           bool    `json:"has_cycles"`
	CycleNodes          []int   `json:"cycle_nodes,omitempty"`
	Error               string  `json:"error,omitempty"`
}

// Resolve builds the execution plan for the given nodes. Nodes must use
// indices 0..len-1 in slice order; a dependency outside that range fails the
// plan, and any cycle is reported with the closed walk that forms it.
func Resolve(nodes []Node) Result {
	n := len(nodes)
	if n == 0 {
		return Result{Success: true, TopologicalOrder: []int{}, ParallelGroups: [][]int{}, CriticalPath: []int{}}
	}

	deps := make([][]int, n)
	dependents := make([][]int, n)
	for i, node := range nodes {
		for _, d := range node.Dependencies {
			if d < 0 || d >= n {
				return Result{
					Success: false,
					Error:   fmt.Sprintf("sortie %d depends on %d which does not exist", node.Index, d),
				}
			}
			deps[i] = append(deps[i], d)
			dependents[d] = append(dependents[d], i)
		}
	}

	if cycle := findCycle(deps); cycle != nil {
		return Result{
			Success:    false,
			HasCycles:  true,
			CycleNodes: cycle,
			Error:      fmt.Sprintf("dependency cycle: %v", cycle),
		}
	}

	order := kahnOrder(deps, dependents)
	groups := parallelGroups(deps, order)
	path, total := criticalPath(nodes, deps, dependents, order)

	return Result{
		Success:             true,
		TopologicalOrder:    order,
		ParallelGroups:      groups,
		CriticalPath:        path,
		EstimatedDurationMS: total,
	}
}

// findCycle runs DFS with a recursion set over dependency edges. The
// returned slice is a closed walk, first node repeated at the end, or nil
// when the graph is acyclic.
func findCycle(deps [][]int) []int {
	const (
		white = 0 // unvisited
		grey  = 1 // on the recursion stack
		black = 2 // fully explored
	)
	color := make([]int, len(deps))
	var stack []int
	var cycle []int

	var visit func(u int) bool
	visit = func(u int) bool {
		color[u] = grey
		stack = append(stack, u)
		for _, v := range deps[u] {
			switch color[v] {
			case grey:
				// Back edge: the cycle is the stack suffix from v.
				start := 0
				for i, w := range stack {
					if w == v {
						start = i
						break
					}
				}
				cycle = append(append([]int{}, stack[start:]...), v)
				return true
			case white:
				if visit(v) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}

	for u := range deps {
		if color[u] == white && visit(u) {
			return cycle
		}
	}
	return nil
}

// kahnOrder produces a topological order, breaking ties by insertion order:
// among all currently-ready nodes the smallest index is emitted first.
func kahnOrder(deps [][]int, dependents [][]int) []int {
	n := len(deps)
	indegree := make([]int, n)
	for i := range deps {
		indegree[i] = len(deps[i])
	}
	emitted := make([]bool, n)
	order := make([]int, 0, n)

	for len(order) < n {
		for i := 0; i < n; i++ {
			if !emitted[i] && indegree[i] == 0 {
				emitted[i] = true
				order = append(order, i)
				for _, d := range dependents[i] {
					indegree[d]--
				}
				break
			}
		}
	}
	return order
}

// parallelGroups buckets nodes by dependency depth. Every member of a
// cohort has all its dependencies in strictly earlier cohorts, so a whole
// cohort can run concurrently.
func parallelGroups(deps [][]int, order []int) [][]int {
	depth := make([]int, len(deps))
	maxDepth := 0
	for _, u := range order {
		d := 0
		for _, v := range deps[u] {
			if depth[v]+1 > d {
				d = depth[v] + 1
			}
		}
		depth[u] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	groups := make([][]int, maxDepth+1)
	for u := 0; u < len(deps); u++ {
		groups[depth[u]] = append(groups[depth[u]], u)
	}
	return groups
}

// criticalPath computes each node's critical-path length (its duration plus
// the longest chain of dependents after it), then walks from the heaviest
// root following the heaviest dependent edge. Returns the path and its
// total duration.
func criticalPath(nodes []Node, deps [][]int, dependents [][]int, order []int) ([]int, int64) {
	n := len(nodes)
	duration := func(u int) int64 {
		if nodes[u].DurationMS > 0 {
			return nodes[u].DurationMS
		}
		return DefaultDurationMS
	}

	// Walk the topological order backwards so every dependent's length is
	// known before its prerequisites.
	cpl := make([]int64, n)
	for i := n - 1; i >= 0; i-- {
		u := order[i]
		var best int64
		for _, d := range dependents[u] {
			if cpl[d] > best {
				best = cpl[d]
			}
		}
		cpl[u] = duration(u) + best
	}

	start := -1
	for u := 0; u < n; u++ {
		if len(deps[u]) != 0 {
			continue
		}
		if start == -1 || cpl[u] > cpl[start] {
			start = u
		}
	}
	if start == -1 {
		return []int{}, 0
	}

	path := []int{start}
	total := cpl[start]
	for u := start; ; {
		next := -1
		for _, d := range dependents[u] {
			if next == -1 || cpl[d] > cpl[next] {
				next = d
			}
		}
		if next == -1 {
			break
		}
		path = append(path, next)
		u = next
	}
	return path, total
}

// Ready returns the indices whose dependencies are all satisfied according
// to done, excluding indices that are themselves done or filtered out.
func Ready(nodes []Node, done func(int) bool, eligible func(int) bool) []int {
	var ready []int
	for i, node := range nodes {
		if done(i) || !eligible(i) {
			continue
		}
		ok := true
		for _, d := range node.Dependencies {
			if !done(d) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, i)
		}
	}
	return ready
}
