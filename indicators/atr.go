package indicators

import (
	"fmt"

	"github.com/rustyeddy/transmission/market"
)

// ATR is a streaming Wilder Average True Range.
type ATR struct {
	period int

	prev     market.Bar
	havePrev bool
	count    int
	sum      float64
	atr      float64
	ready    bool
}

// NewATR creates a new Average True Range indicator with the given period.
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

func (a *ATR) Name() string { return fmt.Sprintf("ATR(%d)", a.period) }

// Warmup is period true ranges plus the seed bar.
func (a *ATR) Warmup() int { return a.period + 1 }

func (a *ATR) Reset() {
	*a = ATR{period: a.period}
}

func (a *ATR) Ready() bool { return a.ready }

func (a *ATR) Value() float64 { return a.atr }

func (a *ATR) Update(b market.Bar) (float64, bool) {
	if !a.havePrev {
		a.prev = b
		a.havePrev = true
		return 0, false
	}

	tr := trueRange(b, a.prev)
	a.prev = b
	a.count++

	if !a.ready {
		a.sum += tr
		if a.count == a.period {
			a.atr = a.sum / float64(a.period)
			a.ready = true
		}
		return a.atr, a.ready
	}

	p := float64(a.period)
	a.atr = (a.atr*(p-1) + tr) / p
	return a.atr, true
}

// ATRSeries returns the ATR value after every bar once warm. The result is
// aligned to the tail of bars; shorter than bars by the warmup.
func ATRSeries(bars []market.Bar, period int) []float64 {
	atr := NewATR(period)
	out := make([]float64, 0, len(bars))
	for _, b := range bars {
		if v, ok := atr.Update(b); ok {
			out = append(out, v)
		}
	}
	return out
}
