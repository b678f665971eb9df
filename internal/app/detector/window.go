// Package detector implements per-symbol signal detectors.
//
// Detectors keep their state in maps owned by a single channel worker and are
// not safe for concurrent use.
package detector

// window is a fixed-capacity ring of the most recent samples.
type window struct {
	values []float64
	next   int
	full   bool
	sum    float64
}

func newWindow(capacity int) *window {
	if capacity <= 0 {
		capacity = 1
	}
	return &window{values: make([]float64, 0, capacity)}
}

func (w *window) push(value float64) {
	capacity := cap(w.values)
	if len(w.values) < capacity {
		w.values = append(w.values, value)
		w.sum += value
		if len(w.values) == capacity {
			w.full = true
		}
		return
	}
	w.sum -= w.values[w.next]
	w.values[w.next] = value
	w.sum += value
	w.next = (w.next + 1) % capacity
}

func (w *window) len() int {
	return len(w.values)
}

func (w *window) mean() float64 {
	if len(w.values) == 0 {
		return 0
	}
	return w.sum / float64(len(w.values))
}

// ordered returns samples oldest first.
func (w *window) ordered() []float64 {
	out := make([]float64, 0, len(w.values))
	if !w.full {
		return append(out, w.values...)
	}
	out = append(out, w.values[w.next:]...)
	return append(out, w.values[:w.next]...)
}

// tail returns the n most recent samples oldest first.
func (w *window) tail(n int) []float64 {
	ordered := w.ordered()
	if n >= len(ordered) {
		return ordered
	}
	return ordered[len(ordered)-n:]
}
