package telemetry

import (
	"github.com/rustyeddy/transmission/indicators"
	"github.com/rustyeddy/transmission/market"
)

// Trend is the higher-timeframe price direction.
type Trend string

const (
	TrendUp      Trend = "UP"
	TrendDown    Trend = "DOWN"
	TrendNeutral Trend = "NEUTRAL"
)

// HTF holds indicators computed over bars rolled up by Params.HTFFactor.
type HTF struct {
	Factor  int
	Bars    int
	ADX     float64
	ADXPrev float64
	ATR     float64
	VWAP    float64
	Close   float64
	Trend   Trend
}

// higher rolls bars up into higher-timeframe bars that end on the last
// bar, so the newest rolled bar always includes the bar being evaluated.
func (e *Engine) higher(bars []market.Bar) *HTF {
	need := e.params.HTFWindow()
	if need == 0 || len(bars) < need {
		return nil
	}
	rolled := Resample(bars, e.params.HTFFactor)

	adx := indicators.NewADX(e.params.ADXPeriod)
	atr := indicators.NewATR(e.params.ATRPeriod)
	vwap := indicators.NewVWAP()
	h := &HTF{Factor: e.params.HTFFactor, Bars: len(rolled)}
	last := len(rolled) - 1
	for i, b := range rolled {
		if i == last {
			h.ADXPrev = adx.Value()
		}
		adx.Update(b)
		atr.Update(b)
		vwap.Update(b)
	}
	h.ADX = adx.Value()
	h.ATR = atr.Value()
	h.VWAP = vwap.Value()
	h.Close = rolled[last].Close

	prev := rolled[last-1].Close
	switch {
	case h.Close > h.VWAP && h.Close > prev:
		h.Trend = TrendUp
	case h.Close < h.VWAP && h.Close < prev:
		h.Trend = TrendDown
	default:
		h.Trend = TrendNeutral
	}
	return h
}

// Resample groups bars into bars of factor each, aligned so the final
// group ends on the last bar. A leading partial group is dropped.
func Resample(bars []market.Bar, factor int) []market.Bar {
	if factor <= 1 {
		return bars
	}
	n := len(bars) / factor
	out := make([]market.Bar, 0, n)
	for start := len(bars) - n*factor; start < len(bars); start += factor {
		group := bars[start : start+factor]
		b := group[0]
		for _, g := range group[1:] {
			b.High = max(b.High, g.High)
			b.Low = min(b.Low, g.Low)
			b.Volume += g.Volume
		}
		tail := group[len(group)-1]
		b.Time = tail.Time
		b.Close = tail.Close
		b.Session = tail.Session
		out = append(out, b)
	}
	return out
}
