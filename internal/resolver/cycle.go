package resolver

import (
	"slices"
)

// Cycles returns every dependency cycle in g as a closed path
// ([a, b, a]). Self-dependencies are reported as [a, a]. Output is
// deterministic: nodes and edges are visited in sorted order.
func Cycles(g Graph) [][]string {
	var cycles [][]string
	for _, scc := range tarjanSCC(g) {
		if len(scc) == 1 && !hasSelfLoop(scc[0], g) {
			continue
		}
		cycles = append(cycles, reconstructCyclePath(scc, g))
	}
	slices.SortFunc(cycles, func(a, b []string) int {
		return slices.Compare(a, b)
	})
	return cycles
}

func hasSelfLoop(node string, g Graph) bool {
	return slices.Contains(g[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Single-node SCCs without self-loops are not cycles.
func tarjanSCC(g Graph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range sortedEdges(g, v) {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	for _, node := range g.Nodes() {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

func sortedEdges(g Graph, v string) []string {
	edges := slices.Clone(g[v])
	slices.Sort(edges)
	return slices.Compact(edges)
}

// reconstructCyclePath finds a closed path through an SCC starting at its
// smallest member. Every SCC of size > 1 contains such a cycle; a DFS
// restricted to SCC members finds one.
func reconstructCyclePath(scc []string, g Graph) []string {
	start := scc[0]
	if len(scc) == 1 {
		return []string{start, start}
	}
	member := make(map[string]bool, len(scc))
	for _, n := range scc {
		member[n] = true
	}

	visited := make(map[string]bool)
	var path []string
	var dfs func(string) bool
	dfs = func(v string) bool {
		visited[v] = true
		path = append(path, v)
		for _, w := range sortedEdges(g, v) {
			if !member[w] {
				continue
			}
			if w == start {
				path = append(path, start)
				return true
			}
			if !visited[w] && dfs(w) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if dfs(start) {
		return path
	}
	return append(slices.Clone(scc), start)
}
