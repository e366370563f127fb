package market

import "time"

// Bar is one closed OHLCV bar for an instrument. Bars are values: once a bar
// has been received it is never mutated, only copied into windows.
type Bar struct {
	Instrument string
	Time       time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	// Session identifies the trading session the bar belongs to, e.g.
	// "2024-03-01". VWAP and the opening range are anchored to it.
	Session string
}

// TypicalPrice is (H+L+C)/3.
func (b Bar) TypicalPrice() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// Range is High-Low.
func (b Bar) Range() float64 {
	return b.High - b.Low
}

// Valid reports whether the bar has sane prices.
func (b Bar) Valid() bool {
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return false
	}
	if b.High < b.Low || b.Volume < 0 {
		return false
	}
	return b.High >= b.Open && b.High >= b.Close && b.Low <= b.Open && b.Low <= b.Close
}
