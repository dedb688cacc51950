package scheduler

import "sort"

// precedenceGraph maps a group root to the group roots that must start
// after it ends.
type precedenceGraph map[int][]int

func (g precedenceGraph) addEdge(from, to int) {
	g[from] = append(g[from], to)
	if _, ok := g[to]; !ok {
		g[to] = nil
	}
}

// nodes returns every node in ascending order so traversal is deterministic.
func (g precedenceGraph) nodes() []int {
	out := make([]int, 0, len(g))
	for n := range g {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Single-node SCCs are returned too; groups never carry self-loops because
// precedence between members of one group is checked statically.
func tarjanSCC(graph precedenceGraph) [][]int {
	var (
		index   = 0
		stack   []int
		indices = make(map[int]int)
		lowlink = make(map[int]int)
		onStack = make(map[int]bool)
		sccs    [][]int
	)

	var strongConnect func(int)
	strongConnect = func(v int) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop its component
		if lowlink[v] == indices[v] {
			var scc []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sort.Ints(scc)
			sccs = append(sccs, scc)
		}
	}

	for _, node := range graph.nodes() {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// cyclePath walks edges inside scc from its lowest node until it returns
// to the start, e.g. [0, 3, 5, 0].
func cyclePath(scc []int, graph precedenceGraph) []int {
	if len(scc) == 0 {
		return nil
	}
	in := make(map[int]bool, len(scc))
	for _, n := range scc {
		in[n] = true
	}

	start := scc[0]
	current := start
	path := []int{current}
	visited := make(map[int]bool)
	for {
		visited[current] = true
		next := -1
		for _, w := range graph[current] {
			if in[w] && (!visited[w] || w == start) {
				next = w
				break
			}
		}
		if next < 0 {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}
