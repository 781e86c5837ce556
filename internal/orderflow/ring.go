package orderflow

import "time"

type sample struct {
	At       time.Time
	Orders   int64
	Quantity int64
	Distance float64
}

// ring is a fixed-capacity history that overwrites its oldest sample.
type ring struct {
	buf       []sample
	start     int
	n         int
	// slotStart is when the newest sample's slot opened.
	slotStart time.Time
}

func newRing(size int) *ring {
	return &ring{buf: make([]sample, size)}
}

func (r *ring) push(s sample) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

// record adds s as a new sample once every has passed since the newest
// slot opened, and otherwise overwrites the newest sample. The ring then
// spans len(buf)*every regardless of how often snapshots arrive.
func (r *ring) record(s sample, every time.Duration) {
	if r.n > 0 && every > 0 && s.At.Sub(r.slotStart) < every {
		r.buf[(r.start+r.n-1)%len(r.buf)] = s
		return
	}
	r.push(s)
	r.slotStart = s.At
}

func (r *ring) len() int { return r.n }

// at returns the i-th sample, oldest first.
func (r *ring) at(i int) sample {
	return r.buf[(r.start+i)%len(r.buf)]
}

// avgOrders averages order counts of samples with from < At <= to, or
// from <= At <= to when inclusive is set.
func (r *ring) avgOrders(from, to time.Time, inclusive bool) (float64, int) {
	var sum int64
	var n int
	for i := 0; i < r.n; i++ {
		s := r.at(i)
		if s.At.After(to) || s.At.Before(from) || (!inclusive && s.At.Equal(from)) {
			continue
		}
		sum += s.Orders
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return float64(sum) / float64(n), n
}

// declining returns the share of consecutive pairs among the last k
// samples whose order count strictly fell. Flat pairs count against it.
func (r *ring) declining(k int) float64 {
	if k > r.n {
		k = r.n
	}
	if k < 2 {
		return 0
	}
	first := r.n - k
	down := 0
	for i := first + 1; i < r.n; i++ {
		if r.at(i).Orders < r.at(i-1).Orders {
			down++
		}
	}
	return float64(down) / float64(k-1)
}
