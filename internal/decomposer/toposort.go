package decomposer

import (
	"fmt"
	"sort"
)

// layoutItem is a WorkItem annotated with its assigned wave and its
// position in the LLM's original response (used as the tie-break for
// both cycle-free topological ordering and maxParallelism splitting).
type layoutItem struct {
	item      WorkItem
	wave      int
	origIndex int
}

// layerByWave assigns wave numbers by longest-path layering (spec §4.5
// step 4), grounded on the teacher's coordinator/executor.go topoSort
// — the same "steps whose dependencies are all satisfied become
// runnable" Kahn's-algorithm idea, generalized here to compute an exact
// wave number per item instead of grouping a single pass of waves, so
// the maxParallelism-splitting step (step 5) can push individual items
// to a later wave and have every transitive dependent's wave
// recomputed consistently from the floor constraint. Returns items
// ordered by (wave, original index).
func layerByWave(items []WorkItem, maxParallelism int) ([]layoutItem, error) {
	origIndex := make(map[string]int, len(items))
	byID := make(map[string]WorkItem, len(items))
	for i, it := range items {
		origIndex[it.ID] = i
		byID[it.ID] = it
	}

	if _, err := topoOrder(items); err != nil {
		return nil, err
	}

	override := make(map[string]int)
	var waveOf map[string]int

	for {
		order, err := topoOrder(items)
		if err != nil {
			return nil, err
		}
		waveOf = make(map[string]int, len(items))
		for _, id := range order {
			best := 1
			for _, dep := range byID[id].DependsOn {
				if w := waveOf[dep] + 1; w > best {
					best = w
				}
			}
			if ov, ok := override[id]; ok && ov > best {
				best = ov
			}
			waveOf[id] = best
		}

		groups := make(map[int][]string)
		for id, w := range waveOf {
			groups[w] = append(groups[w], id)
		}

		changed := false
		for w, ids := range groups {
			if len(ids) <= maxParallelism {
				continue
			}
			sort.Slice(ids, func(i, j int) bool { return origIndex[ids[i]] < origIndex[ids[j]] })
			for _, id := range ids[maxParallelism:] {
				if override[id] < w+1 {
					override[id] = w + 1
					changed = true
				}
			}
		}
		if !changed {
			break
		}
	}

	out := make([]layoutItem, 0, len(items))
	for _, it := range items {
		out = append(out, layoutItem{item: it, wave: waveOf[it.ID], origIndex: origIndex[it.ID]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].wave != out[j].wave {
			return out[i].wave < out[j].wave
		}
		return out[i].origIndex < out[j].origIndex
	})
	return out, nil
}

// topoOrder returns items' ids in a dependency-respecting flat order
// (every id after all of its dependsOn ids), or an error if a cycle or
// an unknown dependency reference is found. Grounded on the teacher's
// topoSort, flattened from wave-grouped output to a plain order since
// layerByWave computes its own wave numbers independently.
func topoOrder(items []WorkItem) ([]string, error) {
	byID := make(map[string]WorkItem, len(items))
	indegree := make(map[string]int, len(items))
	dependents := make(map[string][]string)

	for _, it := range items {
		byID[it.ID] = it
		if _, ok := indegree[it.ID]; !ok {
			indegree[it.ID] = 0
		}
	}
	for _, it := range items {
		for _, dep := range it.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("work item %q depends on unknown id %q", it.ID, dep)
			}
			indegree[it.ID]++
			dependents[dep] = append(dependents[dep], it.ID)
		}
	}

	var ready []string
	for _, it := range items {
		if indegree[it.ID] == 0 {
			ready = append(ready, it.ID)
		}
	}

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(items) {
		return nil, fmt.Errorf("cycle detected in work item dependencies")
	}
	return order, nil
}
