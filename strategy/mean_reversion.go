package strategy

import (
	"fmt"
	"math"

	"github.com/rustyeddy/transmission/regime"
	"github.com/rustyeddy/transmission/telemetry"
)

// MeanReversion fades stretches away from VWAP in ranging markets and
// targets the mean.
type MeanReversion struct {
	*MeanReversionConfig
}

type MeanReversionConfig struct {
	// EntryATR is the minimum stretch from VWAP, in ATRs.
	EntryATR float64 `json:"entry-atr" yaml:"entry_atr"` // 1.0
	StopATR  float64 `json:"stop-atr" yaml:"stop_atr"`   // 1.0
	// RR caps the target; the target is the nearer of VWAP and RR×risk.
	RR float64 `json:"risk-reward" yaml:"risk_reward"` // 1.5
}

func MeanReversionConfigDefaults() *MeanReversionConfig {
	return &MeanReversionConfig{EntryATR: 1.0, StopATR: 1.0, RR: 1.5}
}

func NewMeanReversion(cfg *MeanReversionConfig) *MeanReversion {
	if cfg == nil {
		cfg = MeanReversionConfigDefaults()
	}
	return &MeanReversion{MeanReversionConfig: cfg}
}

func (s *MeanReversion) Name() string { return "mean_reversion" }

func (s *MeanReversion) GenerateSignal(f telemetry.Features, st regime.State, positions []Position) *Signal {
	if st.Regime != regime.Range || f.ATR <= 0 || f.VWAP <= 0 {
		return nil
	}
	if hasPosition(positions, f.Instrument) {
		return nil
	}

	stretch := f.Close - f.VWAP
	if math.Abs(stretch) < s.EntryATR*f.ATR {
		return nil
	}

	dir := Short
	if stretch < 0 {
		dir = Long
	}
	entry := f.Close
	stopDist := s.StopATR * f.ATR
	target := entry + dir.Sign()*stopDist*s.RR
	if dir == Long {
		target = math.Min(target, f.VWAP)
	} else {
		target = math.Max(target, f.VWAP)
	}

	return &Signal{
		StrategyID: s.Name(),
		Instrument: f.Instrument,
		Direction:  dir,
		Entry:      entry,
		Stop:       entry - dir.Sign()*stopDist,
		Target:     target,
		Confidence: clamp01(math.Abs(stretch) / (2 * s.EntryATR * f.ATR)),
		Regime:     st.Regime,
		Time:       f.Time,
		Notes:      fmt.Sprintf("mean reversion stretch=%.2f atr=%.2f", stretch, f.ATR),
	}
}
