package epic

import (
	"cmp"
	"slices"
)

// TopologicalGroups batches the nodes of deps with Kahn's algorithm. deps
// maps each node to the nodes it depends on; dependencies that are not keys
// of deps are ignored. Each group holds every node whose dependencies all
// lie in earlier groups, sorted ascending. If a cycle blocks progress, the
// remaining nodes form one final group.
func TopologicalGroups[K cmp.Ordered](deps map[K][]K) [][]K {
	inDegree := make(map[K]int, len(deps))
	dependents := make(map[K][]K, len(deps))
	for n, ds := range deps {
		for _, d := range distinct(ds) {
			if _, ok := deps[d]; !ok {
				continue
			}
			inDegree[n]++
			dependents[d] = append(dependents[d], n)
		}
	}

	remaining := make(map[K]bool, len(deps))
	for n := range deps {
		remaining[n] = true
	}

	var groups [][]K
	for len(remaining) > 0 {
		var ready []K
		for n := range remaining {
			if inDegree[n] == 0 {
				ready = append(ready, n)
			}
		}
		if len(ready) == 0 {
			rest := make([]K, 0, len(remaining))
			for n := range remaining {
				rest = append(rest, n)
			}
			slices.Sort(rest)
			return append(groups, rest)
		}

		slices.Sort(ready)
		groups = append(groups, ready)
		for _, n := range ready {
			delete(remaining, n)
			for _, m := range dependents[n] {
				inDegree[m]--
			}
		}
	}
	return groups
}
