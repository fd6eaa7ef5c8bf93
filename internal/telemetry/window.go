package telemetry

import (
	"math"
	"slices"
	"time"
)

// ring keeps the most recent durations of one operation.
type ring struct {
	buf  []time.Duration
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]time.Duration, size)}
}

func (r *ring) add(d time.Duration) {
	r.buf[r.next] = d
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) values() []time.Duration {
	if r.full {
		return slices.Clone(r.buf)
	}
	return slices.Clone(r.buf[:r.next])
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func (r *ring) mean() time.Duration {
	n := r.len()
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range r.buf[:n] {
		sum += d
	}
	return sum / time.Duration(n)
}

// percentile uses nearest-rank on a sorted copy.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	rank = min(max(rank, 0), len(sorted)-1)
	return sorted[rank]
}

type opState struct {
	count    int64
	failures int64
	total    time.Duration
	max      time.Duration
	peakMem  int64
	recent   *ring
}

func (s *opState) stats(name string) OperationStats {
	vals := s.recent.values()
	slices.Sort(vals)
	return OperationStats{
		Operation:       name,
		Count:           s.count,
		Failures:        s.failures,
		Total:           s.total,
		Mean:            s.recent.mean(),
		P50:             percentile(vals, 0.50),
		P95:             percentile(vals, 0.95),
		Max:             s.max,
		PeakMemoryDelta: s.peakMem,
	}
}

// hitWindow tracks the outcome of the last N cache lookups.
type hitWindow struct {
	buf  []bool
	next int
	n    int
	hits int
}

func newHitWindow(size int) *hitWindow {
	return &hitWindow{buf: make([]bool, size)}
}

func (w *hitWindow) add(hit bool) {
	if w.n == len(w.buf) {
		if w.buf[w.next] {
			w.hits--
		}
	} else {
		w.n++
	}
	w.buf[w.next] = hit
	if hit {
		w.hits++
	}
	w.next = (w.next + 1) % len(w.buf)
}

func (w *hitWindow) rate() float64 {
	if w.n == 0 {
		return 0
	}
	return float64(w.hits) / float64(w.n)
}
