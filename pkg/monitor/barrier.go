package monitor

// Barrier blocks its callers until n of them arrived, then releases all of
// them together. It can be reused for successive rounds.
type Barrier struct {
	mon *Monitor
	n   int
}

func NewBarrier(n int) *Barrier {
	if n < 1 {
		n = 1
	}
	return &Barrier{mon: New(1), n: n}
}

func (b *Barrier) Size() int {
	return b.n
}

// Wait returns once n goroutines called it.
//
// The n-th arrival continues one waiter, which continues the next one and
// so on. The last one finds no waiter and exits the monitor, so a new round
// cannot start before the previous one fully drained.
func (b *Barrier) Wait() {
	b.mon.Enter()
	if b.mon.Waiters(0) < b.n-1 {
		b.mon.Delay(0)
	}
	b.mon.Continue(0)
}

// Waiting reports how many goroutines are currently blocked in Wait.
func (b *Barrier) Waiting() int {
	b.mon.Enter()
	defer b.mon.Exit()
	return b.mon.Waiters(0)
}
