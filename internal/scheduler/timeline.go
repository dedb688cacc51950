package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/pulsekern/internal/ir"
)

// Timeline renders the schedule as text, one pulse per line ordered by
// start time and then declaration order:
//
//	makespan_ns=80 clock_tick_ns=1 pulses=2
//	0	20	q0	x0
//	20	80	q0,q1	cz01
func (s *Schedule) Timeline() string {
	order := make([]int, len(s.Pulses))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		sa, sb := s.Pulses[a].Start.NominalNs, s.Pulses[b].Start.NominalNs
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return a - b
	})

	var b strings.Builder
	fmt.Fprintf(&b, "makespan_ns=%g clock_tick_ns=%g pulses=%d\n", s.MakespanNs, s.ClockTickNs, len(s.Pulses))
	for _, i := range order {
		sp := s.Pulses[i]
		fmt.Fprintf(&b, "%g\t%g\t%s\t%s\n", sp.Start.NominalNs, sp.EndNs(), qubitList(sp.Pulse), sp.Pulse.ID)
	}
	return b.String()
}

func qubitList(p ir.Pulse) string {
	parts := make([]string, len(p.Qubits))
	for i, q := range p.Qubits {
		parts[i] = "q" + strconv.Itoa(q)
	}
	return strings.Join(parts, ",")
}
