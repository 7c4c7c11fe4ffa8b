package mixcore

import "github.com/soundfold/mixcore/ffi"

// Delay compensation: parallel signal paths with different chain latencies
// must arrive phase-aligned wherever they converge. The solver computes each
// channel's arrival time as the longest path reaching it, then pads every
// incoming edge by the difference. Solving runs on the control context; the
// render context only consumes the delay lines sized here.

// pdcEdge is one compensated edge in the solved graph.
type pdcEdge struct {
	from, to string
	send     int // -1 for the main output edge, else index into sends
	delay    int // compensation in samples
}

// pdcSolution is the solver output consumed when building a render snapshot.
type pdcSolution struct {
	// arrival is the total latency, in samples, at which each channel's
	// input is aligned.
	arrival map[string]int
	edges   []pdcEdge
}

// solvePDC computes per-edge compensation over the current graph. Disjoint
// subgraphs are solved independently. A cyclic graph fails with InvalidState;
// the routing guard makes that unreachable, but the solver re-checks rather
// than looping forever.
func solvePDC(channels map[string]*Channel) (*pdcSolution, error) {
	order, err := topoOrder(channels)
	if err != nil {
		return nil, ffi.Wrap(ffi.InvalidState, ffi.CodeWouldCycle, err,
			"cannot solve delay compensation")
	}

	sol := &pdcSolution{arrival: make(map[string]int, len(order))}

	// Longest path to each node, in topological order. A channel's output
	// becomes available at its input arrival plus its own chain latency.
	for _, c := range order {
		departure := sol.arrival[c.id] + c.intrinsicLatency()
		for _, to := range edgesFrom(c) {
			if tc, ok := channels[to]; ok && tc.carriesAudio() {
				if departure > sol.arrival[to] {
					sol.arrival[to] = departure
				}
			}
		}
	}

	// Second pass: pad every edge up to the target's arrival time.
	for _, c := range order {
		departure := sol.arrival[c.id] + c.intrinsicLatency()
		if c.outputTarget != "" {
			if _, ok := channels[c.outputTarget]; ok {
				sol.edges = append(sol.edges, pdcEdge{
					from:  c.id,
					to:    c.outputTarget,
					send:  -1,
					delay: sol.arrival[c.outputTarget] - departure,
				})
			}
		}
		for i, s := range c.sends {
			if _, ok := channels[s.Target]; ok {
				sol.edges = append(sol.edges, pdcEdge{
					from:  c.id,
					to:    s.Target,
					send:  i,
					delay: sol.arrival[s.Target] - departure,
				})
			}
		}
	}
	return sol, nil
}

// edgeDelay looks up the solved compensation for one edge; zero when the
// solver has not seen it.
func (s *pdcSolution) edgeDelay(from string, send int) int {
	for _, e := range s.edges {
		if e.from == from && e.send == send {
			return e.delay
		}
	}
	return 0
}
