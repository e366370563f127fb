package strategy

import (
	"fmt"
	"math"

	"github.com/rustyeddy/transmission/regime"
	"github.com/rustyeddy/transmission/telemetry"
)

// ORBRetest enters when price retests a broken opening range boundary.
type ORBRetest struct {
	*ORBRetestConfig
}

type ORBRetestConfig struct {
	ToleranceATR float64 `json:"tolerance-atr" yaml:"tolerance_atr"` // 0.3
	MinRangeATR  float64 `json:"min-range-atr" yaml:"min_range_atr"` // 0.5
	MaxRangeATR  float64 `json:"max-range-atr" yaml:"max_range_atr"` // 3.0
	RR           float64 `json:"risk-reward" yaml:"risk_reward"`     // 2.0
}

func ORBRetestConfigDefaults() *ORBRetestConfig {
	return &ORBRetestConfig{ToleranceATR: 0.3, MinRangeATR: 0.5, MaxRangeATR: 3.0, RR: 2.0}
}

func NewORBRetest(cfg *ORBRetestConfig) *ORBRetest {
	if cfg == nil {
		cfg = ORBRetestConfigDefaults()
	}
	return &ORBRetest{ORBRetestConfig: cfg}
}

func (s *ORBRetest) Name() string { return "orb_retest" }

func (s *ORBRetest) GenerateSignal(f telemetry.Features, st regime.State, positions []Position) *Signal {
	if st.Blackout() || !f.ORComplete || f.ATR <= 0 {
		return nil
	}
	if hasPosition(positions, f.Instrument) {
		return nil
	}

	width := f.ORHigh - f.ORLow
	if width < s.MinRangeATR*f.ATR || width > s.MaxRangeATR*f.ATR {
		return nil
	}

	tol := s.ToleranceATR * f.ATR
	var dir Direction
	var level float64
	switch {
	case f.Close >= f.ORHigh && f.Close-f.ORHigh <= tol:
		dir, level = Long, f.ORHigh
	case f.Close <= f.ORLow && f.ORLow-f.Close <= tol:
		dir, level = Short, f.ORLow
	default:
		return nil
	}

	entry := f.Close
	// Stop sits back inside the range by half its width.
	stop := level - dir.Sign()*width/2
	risk := math.Abs(entry - stop)

	return &Signal{
		StrategyID: s.Name(),
		Instrument: f.Instrument,
		Direction:  dir,
		Entry:      entry,
		Stop:       stop,
		Target:     entry + dir.Sign()*risk*s.RR,
		Confidence: 0.65,
		Regime:     st.Regime,
		Time:       f.Time,
		Notes:      fmt.Sprintf("opening range %.2f-%.2f retest", f.ORLow, f.ORHigh),
	}
}
