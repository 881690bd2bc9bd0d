package stack

// Per-service phase weights; they sum to 100.
var phaseWeights = []struct {
	phase  string
	weight int
}{
	{"pull", 40},
	{"create", 20},
	{"start", 20},
	{"health", 20},
}

// Progress composes a per-service phase percentage with the count of
// fully deployed services into an overall 0..100 figure. An empty stack
// is complete by definition.
func Progress(phase string, phasePct, total, done int) int {
	if total <= 0 {
		return 100
	}
	if phasePct < 0 {
		phasePct = 0
	}
	if phasePct > 100 {
		phasePct = 100
	}

	within := 0
	for _, pw := range phaseWeights {
		if pw.phase == phase {
			within += pw.weight * phasePct / 100
			break
		}
		within += pw.weight
	}

	overall := (done*100 + within) / total
	if overall > 100 {
		return 100
	}
	return overall
}
