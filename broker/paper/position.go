package paper

// position is a net signed position with its volume-weighted entry.
type position struct {
	qty int
	avg float64
}

// apply adds a signed quantity at price and returns the realized price
// difference times contracts for any portion that closed exposure.
func (p *position) apply(delta int, price float64) float64 {
	if delta == 0 {
		return 0
	}
	if p.qty == 0 || sameSign(p.qty, delta) {
		total := p.qty + delta
		p.avg = (p.avg*float64(abs(p.qty)) + price*float64(abs(delta))) / float64(abs(total))
		p.qty = total
		return 0
	}

	closing := min(abs(delta), abs(p.qty))
	dir := 1.0
	if p.qty < 0 {
		dir = -1.0
	}
	realized := dir * (price - p.avg) * float64(closing)

	p.qty += delta
	switch {
	case p.qty == 0:
		p.avg = 0
	case sameSign(p.qty, delta):
		// flipped through flat
		p.avg = price
	}
	return realized
}

func sameSign(a, b int) bool { return (a > 0) == (b > 0) }

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
