package span

import (
	"maps"

	"github.com/m-mizutani/spanwatch/event"
)

// RunMap holds span sets sharded by run ID.
type RunMap map[string][]Span

// ProcessWithRunMap applies ev to the span set of its run. Events without a
// run ID leave the map unchanged. The input map is not modified.
func ProcessWithRunMap(runs RunMap, ev event.Event) RunMap {
	return defaultReducer.ApplyRunMap(runs, ev)
}

// ApplyRunMap is the run-sharded form of Apply.
func (r *Reducer) ApplyRunMap(runs RunMap, ev event.Event) RunMap {
	runID := ev.Base().RunID
	if runID == "" {
		return runs
	}

	current := runs[runID]
	next := r.Apply(current, ev)
	if len(next) == len(current) && (len(next) == 0 || &next[0] == &current[0]) {
		// Apply returned its input: nothing changed.
		return runs
	}

	out := make(RunMap, len(runs)+1)
	maps.Copy(out, runs)
	out[runID] = next
	return out
}
