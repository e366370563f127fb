// Package telemetry turns a rolling window of bars into the feature vector
// consumed by the regime classifier, the strategies and the sizer.
package telemetry

import (
	"fmt"
	"math"
	"time"

	"github.com/rustyeddy/transmission/indicators"
	"github.com/rustyeddy/transmission/market"
)

// Features is the per-bar market feature vector. It is derived from the
// window alone, so the same window always yields the same Features.
type Features struct {
	Instrument string
	Time       time.Time
	Close      float64

	ADX     float64
	ADXPrev float64

	ATR         float64
	BaselineATR float64 // median ATR across the window
	// VolPercentile is the percentile rank (0..100) of ATR among the
	// window's ATR series.
	VolPercentile float64

	VWAP       float64
	ORHigh     float64
	ORLow      float64
	ORComplete bool

	SpreadTicks  float64
	Imbalance    float64
	HasQuote     bool
	NewsBlackout bool

	// HTF is the higher-timeframe view of the same window, nil when the
	// window is too short to support it or the view is disabled.
	HTF *HTF
}

// ADXRising reports whether trend strength increased on the last bar.
func (f Features) ADXRising() bool {
	return f.ADX > f.ADXPrev
}

// Params configures indicator periods.
type Params struct {
	ADXPeriod int `json:"adx_period" yaml:"adx_period"`
	ATRPeriod int `json:"atr_period" yaml:"atr_period"`
	// ORBars is the number of bars at the start of a session that form the
	// opening range.
	ORBars int `json:"or_bars" yaml:"or_bars"`
	// HTFFactor rolls that many bars into one higher-timeframe bar. 0 or 1
	// disables the higher-timeframe view.
	HTFFactor int `json:"htf_factor" yaml:"htf_factor"`
}

func DefaultParams() Params {
	return Params{ADXPeriod: 14, ATRPeriod: 14, ORBars: 6, HTFFactor: 5}
}

// MinWindow is the shortest window Compute accepts: enough for ADX and
// the previous ADX value.
func (p Params) MinWindow() int {
	n := 2*p.ADXPeriod + 1
	if m := p.ATRPeriod + 1; m > n {
		n = m
	}
	return n
}

// HTFWindow is the window length needed before Features.HTF is set, 0
// when the view is disabled.
func (p Params) HTFWindow() int {
	if p.HTFFactor <= 1 {
		return 0
	}
	return p.MinWindow() * p.HTFFactor
}

// Input is everything Compute needs for one bar.
type Input struct {
	Bar market.Bar
	// Window is the rolling history ending with Bar. If the last element is
	// not Bar, Bar is appended.
	Window       []market.Bar
	Quote        *market.Quote
	NewsBlackout bool
}

// DataGapError means the window cannot support feature computation. The
// cycle must be skipped for the instrument, never guessed.
type DataGapError struct {
	Instrument string
	Reason     string
	Have       int
	Need       int
}

func (e *DataGapError) Error() string {
	if e.Need > 0 {
		return fmt.Sprintf("data gap for %s: %s (have %d bars, need %d)", e.Instrument, e.Reason, e.Have, e.Need)
	}
	return fmt.Sprintf("data gap for %s: %s", e.Instrument, e.Reason)
}

// Engine computes Features. It holds no per-instrument state and is safe
// for concurrent use.
type Engine struct {
	params      Params
	instruments *market.Registry
}

func NewEngine(params Params, instruments *market.Registry) *Engine {
	d := DefaultParams()
	if params.ADXPeriod <= 0 {
		params.ADXPeriod = d.ADXPeriod
	}
	if params.ATRPeriod <= 0 {
		params.ATRPeriod = d.ATRPeriod
	}
	if params.ORBars <= 0 {
		params.ORBars = d.ORBars
	}
	return &Engine{params: params, instruments: instruments}
}

func (e *Engine) Params() Params { return e.params }

// Compute derives the features for in.Bar.
func (e *Engine) Compute(in Input) (Features, error) {
	bars := in.Window
	if n := len(bars); n == 0 || !bars[n-1].Time.Equal(in.Bar.Time) {
		bars = append(append(make([]market.Bar, 0, n+1), bars...), in.Bar)
	}

	if err := e.checkWindow(in.Bar.Instrument, bars); err != nil {
		return Features{}, err
	}

	f := Features{
		Instrument:   in.Bar.Instrument,
		Time:         in.Bar.Time,
		Close:        in.Bar.Close,
		NewsBlackout: in.NewsBlackout,
	}

	adx := indicators.NewADX(e.params.ADXPeriod)
	atr := indicators.NewATR(e.params.ATRPeriod)
	vwap := indicators.NewVWAP()
	atrs := make([]float64, 0, len(bars))
	last := len(bars) - 1
	for i, b := range bars {
		if i == last {
			f.ADXPrev = adx.Value()
		}
		adx.Update(b)
		if v, ok := atr.Update(b); ok {
			atrs = append(atrs, v)
		}
		vwap.Update(b)
	}

	f.ADX = adx.Value()
	f.ATR = atr.Value()
	f.BaselineATR = indicators.Median(atrs)
	f.VolPercentile = indicators.PercentileRank(atrs, f.ATR)
	f.VWAP = vwap.Value()
	f.ORHigh, f.ORLow, f.ORComplete = openingRange(bars, e.params.ORBars)
	f.HTF = e.higher(bars)

	if q := in.Quote; q != nil {
		f.HasQuote = true
		f.Imbalance = q.Imbalance()
		if e.instruments != nil {
			if spec, ok := e.instruments.Get(f.Instrument); ok {
				f.SpreadTicks = q.SpreadTicks(spec.TickSize)
			}
		}
	}
	return f, nil
}

func (e *Engine) checkWindow(instrument string, bars []market.Bar) error {
	need := e.params.MinWindow()
	if len(bars) < need {
		return &DataGapError{Instrument: instrument, Reason: "window too short", Have: len(bars), Need: need}
	}
	for i, b := range bars {
		if b.Instrument != instrument {
			return &DataGapError{Instrument: instrument, Reason: fmt.Sprintf("bar %d belongs to %s", i, b.Instrument)}
		}
		if !b.Valid() || math.IsNaN(b.Close) {
			return &DataGapError{Instrument: instrument, Reason: fmt.Sprintf("bar %d has invalid prices", i)}
		}
		if i > 0 && !b.Time.After(bars[i-1].Time) {
			return &DataGapError{Instrument: instrument, Reason: fmt.Sprintf("bar %d out of order", i)}
		}
	}
	return nil
}

// openingRange is the high/low of the first n bars of the last bar's
// session that are present in the window.
func openingRange(bars []market.Bar, n int) (hi, lo float64, complete bool) {
	session := bars[len(bars)-1].Session
	start := len(bars) - 1
	for start > 0 && bars[start-1].Session == session {
		start--
	}
	count := 0
	for _, b := range bars[start:] {
		if count == n {
			break
		}
		if count == 0 || b.High > hi {
			hi = b.High
		}
		if count == 0 || b.Low < lo {
			lo = b.Low
		}
		count++
	}
	return hi, lo, count == n
}
