package mixcore

import "github.com/soundfold/mixcore/ffi"

// The routing graph is derived, never stored: nodes are the engine's
// channels, edges are output_target links plus sends. Channels live in an
// id-keyed arena so traversal and cycle checks are plain graph walks over
// ids, with no owning pointers to chase.

// edgesFrom lists the downstream channel ids audio flows to from c.
func edgesFrom(c *Channel) []string {
	out := make([]string, 0, 1+len(c.sends))
	if c.outputTarget != "" {
		out = append(out, c.outputTarget)
	}
	for _, s := range c.sends {
		out = append(out, s.Target)
	}
	return out
}

// wouldCycle reports whether adding an edge source→target closes a loop. It
// walks downstream from target; reaching source means the edge is illegal.
// Runs before the edge is committed, so rejection leaves the graph unchanged.
func wouldCycle(channels map[string]*Channel, sourceID, targetID string) bool {
	if sourceID == targetID {
		return true
	}
	visited := make(map[string]bool, len(channels))
	stack := []string{targetID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == sourceID {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		if c, ok := channels[id]; ok {
			stack = append(stack, edgesFrom(c)...)
		}
	}
	return false
}

// topoOrder returns the audio-carrying channels sorted so every channel
// precedes its routing targets (Kahn's algorithm). Disconnected subgraphs are
// ordered independently; disconnection is not an error. A cycle yields
// InvalidState. That is unreachable while edge commits are guarded, but
// snapshots must never be built from a cyclic graph, so it is re-checked.
func topoOrder(channels map[string]*Channel) ([]*Channel, error) {
	indegree := make(map[string]int, len(channels))
	for id, c := range channels {
		if !c.carriesAudio() {
			continue
		}
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, to := range edgesFrom(c) {
			if tc, ok := channels[to]; ok && tc.carriesAudio() {
				indegree[to]++
			}
		}
	}

	ready := make([]*Channel, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, channels[id])
		}
	}

	order := make([]*Channel, 0, len(indegree))
	for len(ready) > 0 {
		c := ready[0]
		ready = ready[1:]
		order = append(order, c)
		for _, to := range edgesFrom(c) {
			tc, ok := channels[to]
			if !ok || !tc.carriesAudio() {
				continue
			}
			indegree[to]--
			if indegree[to] == 0 {
				ready = append(ready, tc)
			}
		}
	}

	if len(order) != len(indegree) {
		return nil, ffi.New(ffi.InvalidState, ffi.CodeWouldCycle,
			"routing graph contains a cycle").
			WithSuggestion("reroute the offending channel before rendering")
	}
	return order, nil
}

// resolveAudibility applies the solo/mute policy: if any channel is soloed,
// every non-soloed channel is inaudible regardless of its own mute flag, and
// a soloed channel is audible regardless of its mute flag: solo overrides
// mute, not the reverse. Buses and the master stay open so soloed sources
// can reach the output through them.
func resolveAudibility(channels map[string]*Channel) map[string]bool {
	anySolo := false
	for _, c := range channels {
		if c.solo && c.kind != ChannelVCA {
			anySolo = true
			break
		}
	}

	audible := make(map[string]bool, len(channels))
	for id, c := range channels {
		switch {
		case !c.carriesAudio():
			audible[id] = false
		case anySolo:
			if c.kind == ChannelTrack || c.kind == ChannelAux {
				audible[id] = c.solo
			} else {
				audible[id] = c.solo || !c.mute
			}
		default:
			audible[id] = !c.mute
		}
	}
	return audible
}

// vcaGain resolves the multiplicative gain contributed by a channel's VCA
// chain. VCA groups may themselves be grouped; depth is bounded by the cycle
// guard on vca assignments.
func vcaGain(channels map[string]*Channel, c *Channel) float64 {
	gain := 1.0
	seen := map[string]bool{}
	for id := c.vcaGroup; id != "" && !seen[id]; {
		seen[id] = true
		vca, ok := channels[id]
		if !ok || vca.kind != ChannelVCA {
			break
		}
		if vca.mute {
			return 0
		}
		gain *= vca.volume
		id = vca.vcaGroup
	}
	return gain
}
