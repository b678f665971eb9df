package router

// Health is the derived availability of a channel.
type Health string

// Channel health levels, ordered best first.
const (
	HealthHealthy     Health = "HEALTHY"
	HealthDegraded    Health = "DEGRADED"
	HealthUnavailable Health = "UNAVAILABLE"
)

func (h Health) rank() int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}

// successWindow is a rolling record of the last N processing outcomes.
type successWindow struct {
	outcomes  []bool
	next      int
	successes int
}

func newSuccessWindow(size int) *successWindow {
	if size <= 0 {
		size = 100
	}
	return &successWindow{outcomes: make([]bool, 0, size)}
}

func (w *successWindow) record(ok bool) {
	if len(w.outcomes) < cap(w.outcomes) {
		w.outcomes = append(w.outcomes, ok)
		if ok {
			w.successes++
		}
		return
	}
	if w.outcomes[w.next] {
		w.successes--
	}
	w.outcomes[w.next] = ok
	if ok {
		w.successes++
	}
	w.next = (w.next + 1) % len(w.outcomes)
}

// rate returns the success ratio; an empty window counts as fully healthy.
func (w *successWindow) rate() float64 {
	if len(w.outcomes) == 0 {
		return 1
	}
	return float64(w.successes) / float64(len(w.outcomes))
}

func (w *successWindow) samples() int {
	return len(w.outcomes)
}
