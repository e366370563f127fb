// Package indicators provides streaming technical indicators over closed bars.
package indicators

import "github.com/rustyeddy/transmission/market"

// Indicator computes a single streaming value from bars.
// It is deterministic and safe to use in live and replay runs.
type Indicator interface {
	// Name returns a stable identifier like "ADX(14)".
	Name() string

	// Warmup returns how many bars are needed before Ready() can be true.
	Warmup() int

	// Reset clears all internal state.
	Reset()

	// Update consumes the next *closed* bar and updates internal state.
	Update(b market.Bar) (float64, bool)

	// Ready reports whether Value() is meaningful (warmup completed).
	Ready() bool

	// Value returns the current value, 0 until Ready.
	Value() float64
}

// trueRange is max(H-L, |H-prevC|, |L-prevC|).
func trueRange(cur, prev market.Bar) float64 {
	hl := cur.High - cur.Low
	hc := cur.High - prev.Close
	if hc < 0 {
		hc = -hc
	}
	lc := cur.Low - prev.Close
	if lc < 0 {
		lc = -lc
	}
	tr := hl
	if hc > tr {
		tr = hc
	}
	if lc > tr {
		tr = lc
	}
	return tr
}
