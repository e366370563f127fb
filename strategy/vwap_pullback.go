package strategy

import (
	"fmt"
	"math"

	"github.com/rustyeddy/transmission/regime"
	"github.com/rustyeddy/transmission/telemetry"
)

// VWAPPullback trades pullbacks to VWAP in the direction of a strong trend.
type VWAPPullback struct {
	*VWAPPullbackConfig
}

type VWAPPullbackConfig struct {
	MinADX float64 `json:"min-adx" yaml:"min_adx"` // 25
	// MaxDistanceATR is how close to VWAP the close must be, in ATRs.
	MaxDistanceATR float64 `json:"max-distance-atr" yaml:"max_distance_atr"` // 0.5
	StopATR        float64 `json:"stop-atr" yaml:"stop_atr"`                 // 1.0
	RR             float64 `json:"risk-reward" yaml:"risk_reward"`           // 2.0
}

func VWAPPullbackConfigDefaults() *VWAPPullbackConfig {
	return &VWAPPullbackConfig{MinADX: 25, MaxDistanceATR: 0.5, StopATR: 1.0, RR: 2.0}
}

func NewVWAPPullback(cfg *VWAPPullbackConfig) *VWAPPullback {
	if cfg == nil {
		cfg = VWAPPullbackConfigDefaults()
	}
	return &VWAPPullback{VWAPPullbackConfig: cfg}
}

func (s *VWAPPullback) Name() string { return "vwap_pullback" }

func (s *VWAPPullback) GenerateSignal(f telemetry.Features, st regime.State, positions []Position) *Signal {
	if st.Regime != regime.Trend || f.ADX < s.MinADX || f.ATR <= 0 || f.VWAP <= 0 {
		return nil
	}
	if hasPosition(positions, f.Instrument) {
		return nil
	}

	dist := f.Close - f.VWAP
	if math.Abs(dist) > s.MaxDistanceATR*f.ATR {
		return nil
	}

	// The side of VWAP the close holds on gives the trend direction.
	dir := Long
	if dist < 0 {
		dir = Short
	}

	stopDist := s.StopATR * f.ATR
	entry := f.Close
	confidence := 0.6
	if f.ADX > 30 {
		confidence += 0.15
	}
	if math.Abs(dist) < 0.25*f.ATR {
		confidence += 0.1
	}

	return &Signal{
		StrategyID: s.Name(),
		Instrument: f.Instrument,
		Direction:  dir,
		Entry:      entry,
		Stop:       entry - dir.Sign()*stopDist,
		Target:     entry + dir.Sign()*stopDist*s.RR,
		Confidence: clamp01(confidence),
		Regime:     st.Regime,
		Time:       f.Time,
		Notes:      fmt.Sprintf("vwap pullback adx=%.1f dist=%.2f", f.ADX, dist),
	}
}
