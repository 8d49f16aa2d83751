// Package graph builds and validates the task DAG a pipeline declares, and
// computes the topological execution plan the dispatcher follows. Node and
// edge construction follows the root-finding and in-degree bookkeeping the
// teacher's DAGEngine.buildDAG uses for workflow graphs, generalized from a
// single-workflow task list to a pipeline's persisted task nodes and
// extended with cycle reporting and connected-component detection, which
// the teacher's DAG builder does not need (it rejects zero-root graphs
// outright rather than explaining why).
package graph

import (
	"fmt"
	"sort"

	"github.com/pipeweave/pipeweave/internal/domain"
)

// Node is one task's edges as seen by the validator: its declared
// successors, independent of whether those successor IDs actually exist.
type Node struct {
	TaskID      string
	AllowedNext []string
}

// ValidationResult is the outcome of Validate: either a usable Graph plus
// warnings, or one or more fatal errors.
type ValidationResult struct {
	Errors            []string
	Warnings          []string
	Cycles            [][]string
	ComponentCount     int
	ExecutedComponent []string // task IDs of the first connected component; execution is not restricted to it
	Graph             *Graph
}

// OK reports whether the pipeline is executable (no fatal errors).
func (v ValidationResult) OK() bool { return len(v.Errors) == 0 }

// Graph is the validated adjacency structure: forward edges as declared,
// plus a derived reverse adjacency for predecessor lookups.
type Graph struct {
	nodes   map[string]Node
	reverse map[string][]string // taskID -> predecessors
}

// Validate loads the given nodes, checks structural soundness, and builds
// a Graph usable for topological planning. It never panics on malformed
// input; every problem becomes an entry in ValidationResult.
func Validate(nodes []Node) ValidationResult {
	result := ValidationResult{}

	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.TaskID] = n
	}

	for _, n := range nodes {
		for _, next := range n.AllowedNext {
			if _, ok := byID[next]; !ok {
				result.Errors = append(result.Errors, fmt.Sprintf("task %s: allowedNext references unknown task %s", n.TaskID, next))
			}
		}
	}

	reverse := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		for _, next := range n.AllowedNext {
			if _, ok := byID[next]; ok {
				reverse[next] = append(reverse[next], n.TaskID)
			}
		}
	}

	if cycles := detectCycles(byID); len(cycles) > 0 {
		result.Cycles = cycles
		for _, c := range cycles {
			result.Errors = append(result.Errors, fmt.Sprintf("cycle detected: %s", joinCycle(c)))
		}
	}

	components := connectedComponents(byID)
	result.ComponentCount = len(components)
	if len(components) > 1 {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"pipeline has %d disconnected components (the first contains %s); every component reachable from the entry tasks executes",
			len(components), firstSorted(components[0])))
	}
	if len(components) > 0 {
		result.ExecutedComponent = components[0]
	}

	entry := entryNodes(byID, reverse)
	if len(entry) == 0 && len(result.Errors) == 0 {
		result.Errors = append(result.Errors, "pipeline has no entry tasks (every task has a predecessor)")
	}

	if depth := maxDepth(byID, entry); depth > 20 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("pipeline depth %d exceeds the recommended maximum of 20", depth))
	}

	if !result.OK() {
		return result
	}
	result.Graph = &Graph{nodes: byID, reverse: reverse}
	return result
}

func firstSorted(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	if len(sorted) == 0 {
		return ""
	}
	return sorted[0]
}

func joinCycle(c []string) string {
	out := ""
	for i, id := range c {
		if i > 0 {
			out += " -> "
		}
		out += id
	}
	return out + " -> " + c[0]
}

// detectCycles runs DFS with a recursion stack from every unvisited node,
// reporting each back edge found as the cycle it closes.
func detectCycles(nodes map[string]Node) [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range nodes[id].AllowedNext {
			if _, ok := nodes[next]; !ok {
				continue
			}
			switch color[next] {
			case white:
				visit(next)
			case gray:
				cycles = append(cycles, cycleFromStack(stack, next))
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	ids := sortedKeys(nodes)
	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

func cycleFromStack(stack []string, closesAt string) []string {
	for i, id := range stack {
		if id == closesAt {
			return append([]string(nil), stack[i:]...)
		}
	}
	return append([]string(nil), stack...)
}

// connectedComponents treats every edge as undirected.
func connectedComponents(nodes map[string]Node) [][]string {
	undirected := make(map[string]map[string]bool, len(nodes))
	for id := range nodes {
		undirected[id] = map[string]bool{}
	}
	for id, n := range nodes {
		for _, next := range n.AllowedNext {
			if _, ok := nodes[next]; !ok {
				continue
			}
			undirected[id][next] = true
			undirected[next][id] = true
		}
	}

	seen := map[string]bool{}
	var components [][]string
	for _, id := range sortedKeys(nodes) {
		if seen[id] {
			continue
		}
		var component []string
		queue := []string{id}
		seen[id] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			component = append(component, cur)
			neighbors := make([]string, 0, len(undirected[cur]))
			for n := range undirected[cur] {
				neighbors = append(neighbors, n)
			}
			sort.Strings(neighbors)
			for _, n := range neighbors {
				if !seen[n] {
					seen[n] = true
					queue = append(queue, n)
				}
			}
		}
		sort.Strings(component)
		components = append(components, component)
	}
	return components
}

func entryNodes(nodes map[string]Node, reverse map[string][]string) []string {
	var entries []string
	for _, id := range sortedKeys(nodes) {
		if len(reverse[id]) == 0 {
			entries = append(entries, id)
		}
	}
	return entries
}

func maxDepth(nodes map[string]Node, entry []string) int {
	memo := map[string]int{}
	var depth func(id string, visiting map[string]bool) int
	depth = func(id string, visiting map[string]bool) int {
		if d, ok := memo[id]; ok {
			return d
		}
		if visiting[id] {
			return 0 // cycle; already reported separately
		}
		visiting[id] = true
		best := 0
		for _, next := range nodes[id].AllowedNext {
			if _, ok := nodes[next]; !ok {
				continue
			}
			if d := depth(next, visiting); d+1 > best {
				best = d + 1
			}
		}
		visiting[id] = false
		memo[id] = best
		return best
	}
	max := 0
	for _, id := range entry {
		if d := depth(id, map[string]bool{}); d > max {
			max = d
		}
	}
	return max
}

func sortedKeys(nodes map[string]Node) []string {
	keys := make([]string, 0, len(nodes))
	for id := range nodes {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}

// Level is one layer of the topological execution plan.
type Level struct {
	Level    int
	Tasks    []string
	Type     domain.LevelType
	WaitsFor map[string][]string // taskID -> predecessor IDs, only for join levels
}

// TopologicalSort runs Kahn's algorithm from the given entry tasks and
// classifies each resulting level per the entry/parallel/join/end rules.
// It does not restrict the plan to one component: tasks reachable from any
// given entry task are included, tasks reachable from none are left out.
func (g *Graph) TopologicalSort(entry []string) []Level {
	inDegree := map[string]int{}
	for id := range g.nodes {
		inDegree[id] = len(g.reverse[id])
	}

	queue := append([]string(nil), entry...)
	sort.Strings(queue)
	visited := map[string]bool{}
	for _, id := range queue {
		visited[id] = true
	}

	var levels []Level
	levelNum := 0
	for len(queue) > 0 {
		current := queue
		queue = nil

		waitsFor := map[string][]string{}
		hasJoin := false
		hasEnd := false
		for _, id := range current {
			preds := g.reverse[id]
			if len(preds) >= 2 {
				waitsFor[id] = preds
				hasJoin = true
			}
			if len(g.nodes[id].AllowedNext) == 0 {
				hasEnd = true
			}
		}

		levelType := domain.LevelParallel
		switch {
		case levelNum == 0:
			levelType = domain.LevelEntry
		case hasJoin:
			levelType = domain.LevelJoin
		case hasEnd:
			levelType = domain.LevelEnd
		}

		levels = append(levels, Level{Level: levelNum, Tasks: append([]string(nil), current...), Type: levelType, WaitsFor: waitsFor})

		var next []string
		for _, id := range current {
			for _, succ := range g.nodes[id].AllowedNext {
				if _, ok := g.nodes[succ]; !ok {
					continue
				}
				inDegree[succ]--
				if inDegree[succ] == 0 && !visited[succ] {
					visited[succ] = true
					next = append(next, succ)
				}
			}
		}
		sort.Strings(next)
		queue = next
		levelNum++
	}
	return levels
}

// IsReadyToRun reports whether every predecessor of taskID is present in
// completed.
func (g *Graph) IsReadyToRun(taskID string, completed map[string]bool) bool {
	for _, pred := range g.reverse[taskID] {
		if !completed[pred] {
			return false
		}
	}
	return true
}

// Predecessors returns taskID's direct predecessors.
func (g *Graph) Predecessors(taskID string) []string {
	return append([]string(nil), g.reverse[taskID]...)
}

// GetDownstreamTasks returns the transitive closure of successors of taskID.
func (g *Graph) GetDownstreamTasks(taskID string) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(id string)
	walk = func(id string) {
		for _, next := range g.nodes[id].AllowedNext {
			if _, ok := g.nodes[next]; !ok {
				continue
			}
			if !seen[next] {
				seen[next] = true
				out = append(out, next)
				walk(next)
			}
		}
	}
	walk(taskID)
	sort.Strings(out)
	return out
}

// GetUpstreamTasks returns the transitive closure of predecessors of taskID.
func (g *Graph) GetUpstreamTasks(taskID string) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(id string)
	walk = func(id string) {
		for _, pred := range g.reverse[id] {
			if !seen[pred] {
				seen[pred] = true
				out = append(out, pred)
				walk(pred)
			}
		}
	}
	walk(taskID)
	sort.Strings(out)
	return out
}
