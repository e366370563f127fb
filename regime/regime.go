// Package regime classifies market conditions from telemetry features.
package regime

import (
	"fmt"
	"sync"

	"github.com/rustyeddy/transmission/telemetry"
)

type Regime string

const (
	Trend    Regime = "TREND"
	Range    Regime = "RANGE"
	Volatile Regime = "VOLATILE"
	NoTrade  Regime = "NOTRADE"
)

// Multiplier is the risk multiplier applied to the risk unit in each regime.
func (r Regime) Multiplier() float64 {
	switch r {
	case Trend:
		return 0.85
	case Range:
		return 1.15
	case Volatile:
		return 1.00
	default:
		return 0
	}
}

// State is the classification for one bar.
type State struct {
	Regime         Regime
	Multiplier     float64
	NewsBlackout   bool
	SpreadBlackout bool
	Reason         string

	// HTF is the higher-timeframe regime, empty when telemetry had no
	// higher-timeframe view.
	HTF      Regime
	HTFTrend telemetry.Trend
	// Conflict is set when the higher timeframe contradicts Regime and
	// entries should be gated.
	Conflict string
}

// Blackout reports whether any blackout flag is set.
func (s State) Blackout() bool {
	return s.NewsBlackout || s.SpreadBlackout
}

// Thresholds are the classifier cut-offs.
type Thresholds struct {
	TrendADX    float64 `json:"trend_adx" yaml:"trend_adx"`
	RangeADX    float64 `json:"range_adx" yaml:"range_adx"`
	VolatilePct float64 `json:"volatile_percentile" yaml:"volatile_percentile"`
	// SpreadLimitTicks turns the bar into NOTRADE. It sits above the
	// execution guard's spread ceiling so spreads between the two reach the
	// guard and are rejected there with a spread reason. 0 disables it.
	SpreadLimitTicks float64 `json:"spread_limit_ticks" yaml:"spread_limit_ticks"`
	// HTFGate gates entries when the higher timeframe disagrees.
	HTFGate bool `json:"htf_gate" yaml:"htf_gate"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{TrendADX: 25, RangeADX: 20, VolatilePct: 90, SpreadLimitTicks: 10, HTFGate: true}
}

// Classifier classifies one instrument. It keeps the previous regime so
// ambiguous readings fall back to it instead of flapping.
type Classifier struct {
	mu       sync.Mutex
	th       Thresholds
	previous Regime
}

func NewClassifier(th Thresholds) *Classifier {
	return &Classifier{th: th}
}

// Previous returns the last regime produced outside a blackout, empty
// before the first such classification.
func (c *Classifier) Previous() Regime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previous
}

// Classify applies the rules in order; the first match wins.
func (c *Classifier) Classify(f telemetry.Features) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.classify(f)
	s.Multiplier = s.Regime.Multiplier()
	if s.Regime != NoTrade {
		c.previous = s.Regime
		c.fuse(&s, f.HTF)
	}
	return s
}

// fuse records the higher-timeframe regime and flags a TREND against
// RANGE disagreement. VOLATILE on either side never conflicts.
func (c *Classifier) fuse(s *State, h *telemetry.HTF) {
	if h == nil {
		return
	}
	switch {
	case h.ADX > c.th.TrendADX:
		s.HTF = Trend
	case h.ADX < c.th.RangeADX:
		s.HTF = Range
	default:
		s.HTF = Volatile
	}
	s.HTFTrend = h.Trend
	if !c.th.HTFGate {
		return
	}
	if (s.Regime == Trend && s.HTF == Range) || (s.Regime == Range && s.HTF == Trend) {
		s.Conflict = fmt.Sprintf("htf x%d regime %s disagrees with %s", h.Factor, s.HTF, s.Regime)
	}
}

// DirectionConflict reports why an entry in the direction of sign (+1
// long, -1 short) runs against the higher-timeframe trend, or "" when it
// does not.
func (s State) DirectionConflict(sign float64) string {
	switch {
	case s.HTFTrend == telemetry.TrendDown && sign > 0:
		return "htf trend DOWN against long entry"
	case s.HTFTrend == telemetry.TrendUp && sign < 0:
		return "htf trend UP against short entry"
	}
	return ""
}

func (c *Classifier) classify(f telemetry.Features) State {
	spreadBlackout := c.th.SpreadLimitTicks > 0 && f.SpreadTicks > c.th.SpreadLimitTicks
	if f.NewsBlackout || spreadBlackout {
		reason := "news blackout"
		if !f.NewsBlackout {
			reason = fmt.Sprintf("spread %.1f ticks > %.1f", f.SpreadTicks, c.th.SpreadLimitTicks)
		}
		return State{Regime: NoTrade, NewsBlackout: f.NewsBlackout, SpreadBlackout: spreadBlackout, Reason: reason}
	}

	if f.VolPercentile > c.th.VolatilePct {
		return State{Regime: Volatile, Reason: fmt.Sprintf("volatility percentile %.0f", f.VolPercentile)}
	}

	if f.ADX > c.th.TrendADX && f.ADXRising() {
		return State{Regime: Trend, Reason: fmt.Sprintf("adx %.1f rising", f.ADX)}
	}

	if f.ADX < c.th.RangeADX && f.ATR <= f.BaselineATR {
		return State{Regime: Range, Reason: fmt.Sprintf("adx %.1f with compressed range", f.ADX)}
	}

	prev := c.previous
	if prev == "" {
		prev = Volatile
	}
	return State{Regime: prev, Reason: "ambiguous, holding previous"}
}
