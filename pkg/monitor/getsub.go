package monitor

// GetSub hands out shared loop subscripts to n cooperating goroutines.
//
// Each call to Next returns the next unclaimed subscript. Once subscripts
// are exhausted, callers get -1 and wait until all n participants noticed
// the end of the loop, then the counter is reset for the next loop.
type GetSub struct {
	mon *Monitor
	n   int
	sub int
}

func NewGetSub(n int) *GetSub {
	if n < 1 {
		n = 1
	}
	return &GetSub{mon: New(1), n: n}
}

// Next returns a subscript in [0, max] advancing by stride, or -1.
func (g *GetSub) Next(max, stride int) int {
	if stride < 1 {
		stride = 1
	}
	g.mon.Enter()
	if g.sub <= max {
		sub := g.sub
		g.sub += stride
		g.mon.Exit()
		return sub
	}

	if g.mon.Waiters(0) < g.n-1 {
		g.mon.Delay(0)
	} else {
		g.sub = 0
	}
	g.mon.Continue(0)
	return -1
}
