package engine

func (s State) aliveUnits(playerID string) int {
	n := 0
	for _, u := range s.Units {
		if u.OwnerID == playerID && u.Alive() {
			n++
		}
	}
	return n
}

// nextTurn returns the index of the next player after the holder that still
// has a living unit. Falls back to the holder when nobody else qualifies.
func (s State) nextTurn() int {
	n := len(s.Players)
	for step := 1; step <= n; step++ {
		i := (s.Turn + step) % n
		if s.aliveUnits(s.Players[i]) > 0 {
			return i
		}
	}
	return s.Turn
}

// outcome reports whether at most one side has units left. Winner is empty
// when every side was wiped in the same step.
func (s State) outcome() (bool, string) {
	var standing []string
	for _, p := range s.Players {
		if s.aliveUnits(p) > 0 {
			standing = append(standing, p)
		}
	}
	switch len(standing) {
	case 0:
		return true, ""
	case 1:
		return true, standing[0]
	default:
		return false, ""
	}
}
