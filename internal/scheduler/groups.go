package scheduler

// groups is a weighted union-find over pulse indexes. offset[x] is
// start(x) - start(parent[x]) in clock ticks. The root of a group is always
// its lowest declaration index.
type groups struct {
	parent []int
	offset []int64
	// adj holds the grouping constraints accepted so far, as a spanning
	// forest over pulses.
	adj [][]groupEdge
}

type groupEdge struct {
	to         int
	constraint int
}

func newGroups(n int) *groups {
	g := &groups{
		parent: make([]int, n),
		offset: make([]int64, n),
		adj:    make([][]groupEdge, n),
	}
	for i := range g.parent {
		g.parent[i] = i
	}
	return g
}

// find returns the root of x and start(x) - start(root).
func (g *groups) find(x int) (int, int64) {
	if g.parent[x] == x {
		return x, 0
	}
	root, po := g.find(g.parent[x])
	g.offset[x] += po
	g.parent[x] = root
	return root, g.offset[x]
}

// union records start(b) - start(a) = d under constraint c. If a and b are
// already grouped it merges nothing and returns their fixed difference.
func (g *groups) union(a, b int, d int64, c int) (existing int64, merged bool) {
	ra, oa := g.find(a)
	rb, ob := g.find(b)
	if ra == rb {
		return ob - oa, false
	}
	delta := d + oa - ob // start(rb) - start(ra)
	if ra < rb {
		g.parent[rb], g.offset[rb] = ra, delta
	} else {
		g.parent[ra], g.offset[ra] = rb, -delta
	}
	g.adj[a] = append(g.adj[a], groupEdge{to: b, constraint: c})
	g.adj[b] = append(g.adj[b], groupEdge{to: a, constraint: c})
	return 0, true
}

// path returns the grouping constraints linking a to b, or nil if a == b.
func (g *groups) path(a, b int) []int {
	type step struct{ from, constraint int }
	prev := map[int]step{a: {from: -1, constraint: -1}}
	queue := []int{a}
	for len(queue) > 0 && b != a {
		x := queue[0]
		queue = queue[1:]
		if x == b {
			break
		}
		for _, e := range g.adj[x] {
			if _, seen := prev[e.to]; seen {
				continue
			}
			prev[e.to] = step{from: x, constraint: e.constraint}
			queue = append(queue, e.to)
		}
	}
	var out []int
	for x := b; x != a; {
		s, ok := prev[x]
		if !ok {
			return nil
		}
		out = append(out, s.constraint)
		x = s.from
	}
	return out
}
