package indicators

import (
	"fmt"
	"math"

	"github.com/rustyeddy/transmission/market"
)

// ADX implements Wilder's Average Directional Index (trend strength).
// Usage:
//
//	adx := indicators.NewADX(14)
//	val, ok := adx.Update(bar)
//	if ok && val >= 25 { ... }
type ADX struct {
	Period int

	prev     market.Bar
	havePrev bool

	// Wilder-smoothed averages after the first Period samples.
	tr  float64
	pdm float64
	mdm float64

	dxSum   float64
	dxCount int
	adx     float64

	// samples of TR/DM seen (the seed bar is not a sample)
	samples int
	ready   bool
}

func NewADX(period int) *ADX {
	return &ADX{Period: period}
}

func (a *ADX) Name() string { return fmt.Sprintf("ADX(%d)", a.Period) }

// Warmup is 2*Period bars: one seed bar, Period samples to seed the smoothed
// TR/DM (the last of which yields the first DX), then Period-1 more DX values.
func (a *ADX) Warmup() int { return 2 * a.Period }

func (a *ADX) Reset() {
	*a = ADX{Period: a.Period}
}

func (a *ADX) Value() float64 { return a.adx }

func (a *ADX) Ready() bool { return a.ready }

// Update consumes the next bar and returns (adx, ready).
func (a *ADX) Update(b market.Bar) (float64, bool) {
	if !a.havePrev {
		a.prev = b
		a.havePrev = true
		return 0, false
	}

	upMove := b.High - a.prev.High
	downMove := a.prev.Low - b.Low

	var pdm, mdm float64
	if upMove > downMove && upMove > 0 {
		pdm = upMove
	}
	if downMove > upMove && downMove > 0 {
		mdm = downMove
	}
	tr := trueRange(b, a.prev)

	a.prev = b
	a.samples++

	p := float64(a.Period)
	switch {
	case a.samples < a.Period:
		a.tr += tr
		a.pdm += pdm
		a.mdm += mdm
		return 0, false
	case a.samples == a.Period:
		a.tr = (a.tr + tr) / p
		a.pdm = (a.pdm + pdm) / p
		a.mdm = (a.mdm + mdm) / p
	default:
		a.tr = (a.tr*(p-1) + tr) / p
		a.pdm = (a.pdm*(p-1) + pdm) / p
		a.mdm = (a.mdm*(p-1) + mdm) / p
	}

	dx := directionalIndex(a.pdm, a.mdm, a.tr)

	if !a.ready {
		a.dxSum += dx
		a.dxCount++
		if a.dxCount == a.Period {
			a.adx = a.dxSum / p
			a.ready = true
		}
		return a.adx, a.ready
	}

	a.adx = (a.adx*(p-1) + dx) / p
	return a.adx, true
}

// directionalIndex returns DX in [0,100]. A flat market yields 0.
func directionalIndex(pdm, mdm, tr float64) float64 {
	if tr == 0 {
		return 0
	}
	pdi := 100 * pdm / tr
	mdi := 100 * mdm / tr
	den := pdi + mdi
	if den == 0 {
		return 0
	}
	return 100 * math.Abs(pdi-mdi) / den
}
