package coordinator

import "sort"

// computeAssignment recomputes a sticky, range-minimal partition assignment
// over the live members, keeping as much of prev as still fits each
// member's target count (spec.md §4.9's rebalance algorithm).
func computeAssignment(members []string, prev map[string][]uint32, partitionCount uint32) map[string][]uint32 {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)

	assignment := make(map[string][]uint32, len(sorted))

	if len(sorted) == 0 {
		return assignment
	}

	base := partitionCount / uint32(len(sorted))
	remainder := partitionCount % uint32(len(sorted))

	target := make(map[string]uint32, len(sorted))
	for i, m := range sorted {
		t := base
		if uint32(i) < remainder {
			t++
		}

		target[m] = t
		assignment[m] = nil
	}

	claimed := make(map[uint32]bool, partitionCount)

	// Sticky pass: each member keeps as many of its previous partitions as
	// fit its target, smallest partition number first for determinism.
	for _, m := range sorted {
		previous := append([]uint32(nil), prev[m]...)
		sort.Slice(previous, func(i, j int) bool { return previous[i] < previous[j] })

		for _, p := range previous {
			if uint32(len(assignment[m])) >= target[m] {
				break
			}

			if p >= partitionCount || claimed[p] {
				continue
			}

			assignment[m] = append(assignment[m], p)
			claimed[p] = true
		}
	}

	// Distribute leftover partitions round-robin to members below target.
	var leftover []uint32
	for p := uint32(0); p < partitionCount; p++ {
		if !claimed[p] {
			leftover = append(leftover, p)
		}
	}

	for _, p := range leftover {
		for _, m := range sorted {
			if uint32(len(assignment[m])) < target[m] {
				assignment[m] = append(assignment[m], p)
				claimed[p] = true

				break
			}
		}
	}

	for m := range assignment {
		sort.Slice(assignment[m], func(i, j int) bool { return assignment[m][i] < assignment[m][j] })
	}

	return assignment
}
