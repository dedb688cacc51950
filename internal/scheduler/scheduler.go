// Package scheduler assigns start times to the pulses of a frozen sequence.
//
// Scheduling works on an integer grid of AWG clock ticks:
//
//  1. Simultaneous and Aligned constraints merge pulses into groups with
//     offset-locked starts (weighted union-find).
//  2. Sequential and MaxDelay constraints order groups; a precedence cycle is
//     unsatisfiable.
//  3. Groups are placed by list scheduling. Among ready groups the one with
//     the smallest earliest feasible start wins, ties going to the lowest
//     declaration index. Pulses sharing a qubit or sitting on coupled qubits
//     never overlap; the later-placed pulse is pushed back. A later-declared
//     group that takes the window an earlier-declared MaxDelay target needs
//     is deferred behind that target and placement restarts.
//
// Nothing is approximated: every failure is an *UnsatisfiableError naming the
// constraints involved.
package scheduler

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/roach88/pulsekern/internal/hamiltonian"
	"github.com/roach88/pulsekern/internal/ir"
	"github.com/roach88/pulsekern/internal/sequence"
)

// tickEps absorbs float noise when converting nanoseconds to ticks.
const tickEps = 1e-9

// Options configures a scheduling run.
type Options struct {
	// Couplings lists physically coupled qubit pairs. Pulses on the two
	// sides of a coupling are never active in the same window.
	Couplings []hamiltonian.Coupling
}

// Schedule is the placement of every pulse of one frozen sequence.
type Schedule struct {
	ClockTickNs  float64 `json:"clock_tick_ns"`
	SequenceHash string  `json:"sequence_hash"`
	// Pulses are in declaration order.
	Pulses     []ir.ScheduledPulse `json:"pulses"`
	MakespanNs float64             `json:"makespan_ns"`
}

// Lookup returns the placement of a pulse by ID.
func (s *Schedule) Lookup(id string) (ir.ScheduledPulse, bool) {
	for _, sp := range s.Pulses {
		if sp.Pulse.ID == id {
			return sp, true
		}
	}
	return ir.ScheduledPulse{}, false
}

type item struct {
	pulse    ir.Pulse
	earliest int64
	dur      int64
	prec     int64
}

type planner struct {
	tick        float64
	items       []item
	constraints []ir.TemporalConstraint
	index       map[string]int
	coupled     map[[2]int]bool
	groups      *groups

	members  map[int][]int
	offset   []int64
	graph    precedenceGraph
	incoming map[int][]int // group root -> constraint indexes ending in it

	start  []int64
	placed []int
}

// Run schedules a frozen sequence. The sequence is only read.
func Run(f *sequence.Frozen, opts Options) (*Schedule, error) {
	if f == nil {
		return nil, fmt.Errorf("schedule: frozen sequence is required")
	}
	p, err := newPlanner(f, opts)
	if err != nil {
		return nil, err
	}
	if err := p.buildGroups(); err != nil {
		return nil, err
	}
	if err := p.buildPrecedence(); err != nil {
		return nil, err
	}
	if err := p.place(); err != nil {
		return nil, err
	}

	s := &Schedule{
		ClockTickNs:  p.tick,
		SequenceHash: f.Hash(),
		Pulses:       make([]ir.ScheduledPulse, len(p.items)),
	}
	var makespan int64
	for i, it := range p.items {
		s.Pulses[i] = ir.ScheduledPulse{
			Pulse: it.pulse,
			Start: ir.TimePoint{
				NominalNs:     float64(p.start[i]) * p.tick,
				PrecisionNs:   float64(it.prec) * p.tick,
				JitterBoundNs: it.pulse.Earliest.JitterBoundNs,
			},
		}
		makespan = max(makespan, p.start[i]+it.dur)
	}
	s.MakespanNs = float64(makespan) * p.tick

	slog.Info("sequence scheduled",
		"pulses", len(s.Pulses),
		"groups", len(p.members),
		"makespan_ns", s.MakespanNs,
		"sequence", s.SequenceHash,
	)
	return s, nil
}

func newPlanner(f *sequence.Frozen, opts Options) (*planner, error) {
	p := &planner{
		tick:        f.ClockTickNs(),
		constraints: f.Constraints(),
		index:       make(map[string]int, f.Len()),
		coupled:     make(map[[2]int]bool, 2*len(opts.Couplings)),
	}
	for _, c := range opts.Couplings {
		p.coupled[[2]int{c.A, c.B}] = true
		p.coupled[[2]int{c.B, c.A}] = true
	}
	for i, pulse := range f.Pulses() {
		it := item{pulse: pulse}
		var ok [3]bool
		it.earliest, ok[0] = toTicks(pulse.Earliest.NominalNs, p.tick)
		it.dur, ok[1] = toTicks(pulse.DurationNs, p.tick)
		it.prec, ok[2] = toTicks(pulse.Earliest.PrecisionNs, p.tick)
		if it.prec == 0 {
			it.prec, ok[2] = 1, true
		}
		if slices.Contains(ok[:], false) {
			return nil, fmt.Errorf("schedule: pulse %s is off the %gns clock grid", pulse.ID, p.tick)
		}
		p.items = append(p.items, it)
		p.index[pulse.ID] = i
	}
	p.start = make([]int64, len(p.items))
	p.groups = newGroups(len(p.items))
	return p, nil
}

func toTicks(ns, tick float64) (int64, bool) {
	n := math.Round(ns / tick)
	return int64(n), math.Abs(n*tick-ns) <= tickEps
}

// toleranceTicks converts a tolerance to whole ticks, rounding down.
func (p *planner) toleranceTicks(ns float64) int64 {
	return int64(math.Floor(ns/p.tick + tickEps))
}

func (p *planner) endpoints(c ir.TemporalConstraint) (int, int) {
	return p.index[c.PulseA], p.index[c.PulseB]
}

func (p *planner) unsatisfiable(reason string, constraints []int, pulses ...int) *UnsatisfiableError {
	constraints = slices.Clone(constraints)
	slices.Sort(constraints)
	constraints = slices.Compact(constraints)
	e := &UnsatisfiableError{Reason: reason}
	for _, ci := range constraints {
		e.Constraints = append(e.Constraints, p.constraints[ci])
	}
	for _, i := range pulses {
		e.Pulses = append(e.Pulses, p.items[i].pulse.ID)
	}
	return e
}

// buildGroups merges Simultaneous and Aligned pairs, in declaration order.
func (p *planner) buildGroups() error {
	for ci, c := range p.constraints {
		var d int64
		switch c.Kind {
		case ir.Simultaneous:
			d = 0
		case ir.Aligned:
			a, b := p.endpoints(c)
			d = p.items[a].dur - p.items[b].dur
		default:
			continue
		}
		a, b := p.endpoints(c)
		existing, merged := p.groups.union(a, b, d, ci)
		if merged {
			continue
		}
		if diff := existing - d; diff > p.toleranceTicks(c.ToleranceNs) || -diff > p.toleranceTicks(c.ToleranceNs) {
			return p.unsatisfiable(
				fmt.Sprintf("%s fixes the start offset of %s to %s at %gns, %s needs %gns",
					groupingPhrase(p.groups.path(a, b)), c.PulseB, c.PulseA,
					float64(existing)*p.tick, c.Kind, float64(d)*p.tick),
				append(p.groups.path(a, b), ci), a, b)
		}
	}

	p.members = make(map[int][]int)
	p.offset = make([]int64, len(p.items))
	for i := range p.items {
		root, off := p.groups.find(i)
		p.members[root] = append(p.members[root], i)
		p.offset[i] = off
	}

	for _, ms := range p.members {
		for x := 0; x < len(ms); x++ {
			for y := x + 1; y < len(ms); y++ {
				i, j := ms[x], ms[y]
				if !p.conflicts(i, j) || !overlaps(p.offset[i], p.items[i].dur, p.offset[j], p.items[j].dur) {
					continue
				}
				return p.unsatisfiable(
					fmt.Sprintf("offset-locked pulses %s and %s overlap on shared or coupled qubits",
						p.items[i].pulse.ID, p.items[j].pulse.ID),
					p.groups.path(i, j), i, j)
			}
		}
	}
	return nil
}

func groupingPhrase(path []int) string {
	if len(path) == 1 {
		return "an earlier constraint"
	}
	return fmt.Sprintf("a chain of %d constraints", len(path))
}

// buildPrecedence orders groups by Sequential and MaxDelay constraints and
// rejects cycles.
func (p *planner) buildPrecedence() error {
	p.graph = make(precedenceGraph, len(p.members))
	p.incoming = make(map[int][]int)
	for root := range p.members {
		if _, ok := p.graph[root]; !ok {
			p.graph[root] = nil
		}
	}

	for ci, c := range p.constraints {
		if c.Kind != ir.Sequential && c.Kind != ir.MaxDelay {
			continue
		}
		a, b := p.endpoints(c)
		ra, _ := p.groups.find(a)
		rb, _ := p.groups.find(b)
		if ra != rb {
			p.graph.addEdge(ra, rb)
			p.incoming[rb] = append(p.incoming[rb], ci)
			continue
		}

		// Both pulses are offset-locked: the gap is already fixed.
		gap := p.offset[b] - (p.offset[a] + p.items[a].dur)
		if gap < 0 || (c.Kind == ir.MaxDelay && gap > p.toleranceTicks(c.ToleranceNs)) {
			return p.unsatisfiable(
				fmt.Sprintf("offset-locked pulses leave a %gns gap from the end of %s to the start of %s",
					float64(gap)*p.tick, c.PulseA, c.PulseB),
				append(p.groups.path(a, b), ci), a, b)
		}
	}

	for _, scc := range tarjanSCC(p.graph) {
		if len(scc) < 2 {
			continue
		}
		in := make(map[int]bool, len(scc))
		for _, r := range scc {
			in[r] = true
		}
		var involved []int
		for ci, c := range p.constraints {
			if c.Kind != ir.Sequential && c.Kind != ir.MaxDelay {
				continue
			}
			a, b := p.endpoints(c)
			ra, _ := p.groups.find(a)
			rb, _ := p.groups.find(b)
			if in[ra] && in[rb] && ra != rb {
				involved = append(involved, ci)
			}
		}
		ids := make([]string, 0, len(scc)+1)
		for _, r := range cyclePath(scc, p.graph) {
			ids = append(ids, p.items[r].pulse.ID)
		}
		return p.unsatisfiable(
			fmt.Sprintf("precedence cycle %s", strings.Join(ids, " -> ")),
			involved, scc...)
	}
	return nil
}

// place runs list scheduling over the group DAG.
//
// When a MaxDelay window is missed because a later-declared group took the
// slot first, that group is deferred until the delayed group is placed and
// scheduling restarts. Each restart adds one deferral, so this terminates.
func (p *planner) place() error {
	deferred := make(map[int]map[int]bool) // blocker root -> roots placed first
	for {
		miss, err := p.listSchedule(deferred)
		if err != nil {
			return err
		}
		if miss == nil {
			return nil
		}
		blocker, _ := p.groups.find(miss.blocker)
		if !p.canDefer(blocker, miss.root, deferred) {
			return miss.err
		}
		if deferred[blocker] == nil {
			deferred[blocker] = make(map[int]bool)
		}
		deferred[blocker][miss.root] = true
		slog.Debug("crosstalk blocker deferred",
			"blocker", p.items[miss.blocker].pulse.ID,
			"until", p.items[p.firstMember(miss.root)].pulse.ID,
		)
	}
}

// windowMiss is a MaxDelay window that could not be met because a placed
// pulse was in the way.
type windowMiss struct {
	root    int
	blocker int // item index
	err     *UnsatisfiableError
}

// canDefer reports whether blocker may be held back until root is placed:
// blocker must be declared after root, the pair must be new, and root must
// not already depend on blocker through precedence or earlier deferrals.
func (p *planner) canDefer(blocker, root int, deferred map[int]map[int]bool) bool {
	if blocker == root || deferred[blocker][root] {
		return false
	}
	if p.firstMember(blocker) < p.firstMember(root) {
		return false
	}
	return !p.reaches(blocker, root, deferred)
}

// reaches reports whether to must be placed after from, following
// precedence edges and deferrals.
func (p *planner) reaches(from, to int, deferred map[int]map[int]bool) bool {
	seen := map[int]bool{from: true}
	stack := []int{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		next := slices.Clone(p.graph[n])
		for b, roots := range deferred {
			if roots[n] {
				next = append(next, b)
			}
		}
		for _, m := range next {
			if !seen[m] {
				seen[m] = true
				stack = append(stack, m)
			}
		}
	}
	return false
}

// firstMember returns the lowest declaration index in a group.
func (p *planner) firstMember(root int) int {
	return slices.Min(p.members[root])
}

// listSchedule places every group once. Groups in deferred wait for the
// listed roots. It returns a windowMiss instead of failing when a MaxDelay
// window is blocked by a placed pulse.
func (p *planner) listSchedule(deferred map[int]map[int]bool) (*windowMiss, error) {
	p.placed = p.placed[:0]
	clear(p.start)

	indeg := make(map[int]int, len(p.members))
	for root, cs := range p.incoming {
		indeg[root] = len(cs)
	}
	outgoing := make(map[int][]int)
	for root, cs := range p.incoming {
		for _, ci := range cs {
			a, _ := p.endpoints(p.constraints[ci])
			ra, _ := p.groups.find(a)
			outgoing[ra] = append(outgoing[ra], root)
		}
	}

	var ready []int
	for root := range p.members {
		if indeg[root] == 0 {
			ready = append(ready, root)
		}
	}

	done := make(map[int]bool, len(p.members))
	eligible := func(root int) bool {
		for r := range deferred[root] {
			if !done[r] {
				return false
			}
		}
		return true
	}

	for len(ready) > 0 {
		slices.Sort(ready)
		best, bestStart := -1, int64(0)
		for _, root := range ready {
			if !eligible(root) {
				continue
			}
			t, blocker, err := p.earliestFeasible(root)
			if err != nil {
				if blocker >= 0 {
					return &windowMiss{root: root, blocker: blocker, err: err}, nil
				}
				return nil, err
			}
			if best < 0 || t < bestStart {
				best, bestStart = root, t
			}
		}
		if best < 0 {
			// unreachable: deferrals never close a cycle
			return nil, fmt.Errorf("schedule: every ready group is deferred")
		}

		for _, m := range p.members[best] {
			p.start[m] = bestStart + p.offset[m]
			p.placed = append(p.placed, m)
			slog.Debug("pulse placed",
				"pulse", p.items[m].pulse.ID,
				"start_ns", float64(p.start[m])*p.tick,
			)
		}
		done[best] = true
		ready = slices.DeleteFunc(ready, func(r int) bool { return r == best })
		for _, next := range outgoing[best] {
			indeg[next]--
			if indeg[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(p.placed) != len(p.items) {
		// unreachable after cycle detection
		return nil, fmt.Errorf("schedule: placed %d of %d pulses", len(p.placed), len(p.items))
	}
	return nil, nil
}

// earliestFeasible returns the smallest group start that satisfies requested
// starts, precedence, precision grids and qubit exclusion against the
// pulses placed so far. When a MaxDelay window is missed because of a
// placed pulse, that pulse's index is returned alongside the error.
func (p *planner) earliestFeasible(root int) (int64, int, *UnsatisfiableError) {
	members := p.members[root]
	var lo int64
	for _, m := range members {
		lo = max(lo, p.items[m].earliest-p.offset[m], -p.offset[m])
	}

	hi, hiConstraint := int64(math.MaxInt64), -1
	for _, ci := range p.incoming[root] {
		c := p.constraints[ci]
		a, b := p.endpoints(c)
		endA := p.start[a] + p.items[a].dur
		lo = max(lo, endA-p.offset[b])
		if c.Kind == ir.MaxDelay {
			if u := endA + p.toleranceTicks(c.ToleranceNs) - p.offset[b]; u < hi {
				hi, hiConstraint = u, ci
			}
		}
	}

	t, blocker := lo, -1
	for {
		if t > hi {
			c := p.constraints[hiConstraint]
			reason := fmt.Sprintf("%s cannot start within %gns of the end of %s",
				c.PulseB, c.ToleranceNs, c.PulseA)
			pulses := []int{p.index[c.PulseA], p.index[c.PulseB]}
			if blocker >= 0 {
				reason += fmt.Sprintf(" without overlapping %s", p.items[blocker].pulse.ID)
				pulses = append(pulses, blocker)
			}
			return 0, blocker, p.unsatisfiable(reason, []int{hiConstraint}, pulses...)
		}

		aligned, ok := p.align(members, t)
		if !ok {
			var grouping []int
			for _, m := range members[1:] {
				grouping = append(grouping, p.groups.path(root, m)...)
			}
			return 0, -1, p.unsatisfiable("no start puts every offset-locked pulse on its precision grid",
				grouping, members...)
		}
		if aligned != t {
			t = aligned
			continue
		}

		next, j := p.collision(members, t)
		if j < 0 {
			return t, -1, nil
		}
		t, blocker = next, j
	}
}

// align returns the smallest start >= t at which every member lies on its
// precision grid.
func (p *planner) align(members []int, t int64) (int64, bool) {
	period := int64(1)
	for _, m := range members {
		period = lcm(period, p.items[m].prec)
	}
	for s := t; s <= t+period; {
		moved := false
		for _, m := range members {
			prec := p.items[m].prec
			if r := mod(s+p.offset[m], prec); r != 0 {
				s += prec - r
				moved = true
			}
		}
		if !moved {
			return s, true
		}
	}
	return 0, false
}

// collision returns the first placed pulse that a member would overlap at
// group start t, and the group start that clears it. j is -1 when nothing
// collides.
func (p *planner) collision(members []int, t int64) (next int64, j int) {
	for _, m := range members {
		sm := t + p.offset[m]
		for _, k := range p.placed {
			if !p.conflicts(m, k) || !overlaps(sm, p.items[m].dur, p.start[k], p.items[k].dur) {
				continue
			}
			return p.start[k] + p.items[k].dur - p.offset[m], k
		}
	}
	return 0, -1
}

// conflicts reports whether two pulses share a qubit or sit on coupled qubits.
func (p *planner) conflicts(i, j int) bool {
	for _, qa := range p.items[i].pulse.Qubits {
		for _, qb := range p.items[j].pulse.Qubits {
			if qa == qb || p.coupled[[2]int{qa, qb}] {
				return true
			}
		}
	}
	return false
}

func overlaps(startA, durA, startB, durB int64) bool {
	return startA < startB+durB && startB < startA+durA
}

func mod(x, m int64) int64 {
	return ((x % m) + m) % m
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int64) int64 {
	return a / gcd(a, b) * b
}
