package eventstore

// ShouldSnapshot reports whether a caller should take a new snapshot after
// appending an event at version, given a cadence of every events. A cadence
// of 0 means "never snapshot automatically" — the caller manages it fully.
func ShouldSnapshot(version uint64, every uint64) bool {
	if every == 0 {
		return false
	}

	return version%every == 0
}
