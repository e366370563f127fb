package risk

import (
	"math"

	"github.com/rustyeddy/transmission/market"
	"github.com/rustyeddy/transmission/reject"
	"github.com/rustyeddy/transmission/strategy"
	"github.com/rustyeddy/transmission/telemetry"
)

// SizedOrder is a signal with a contract count attached.
type SizedOrder struct {
	Signal      strategy.Signal
	Contracts   int
	StopTicks   float64
	RiskUnit    float64 // effective $R the size was derived from
	RiskDollars float64 // contracts × stop ticks × tick value
}

type SizerConfig struct {
	// ATRNormalize scales R by baseline ATR / current ATR, shrinking size
	// when volatility is above normal.
	ATRNormalize bool    `json:"atr_normalize" yaml:"atr_normalize"`
	MinATRRatio  float64 `json:"min_atr_ratio" yaml:"min_atr_ratio"`
	MaxATRRatio  float64 `json:"max_atr_ratio" yaml:"max_atr_ratio"`
}

func DefaultSizerConfig() SizerConfig {
	return SizerConfig{ATRNormalize: true, MinATRRatio: 0.67, MaxATRRatio: 1.5}
}

// Sizer converts a risk unit into whole contracts.
type Sizer struct {
	cfg SizerConfig
}

func NewSizer(cfg SizerConfig) *Sizer {
	if cfg.MinATRRatio <= 0 || cfg.MaxATRRatio < cfg.MinATRRatio {
		d := DefaultSizerConfig()
		cfg.MinATRRatio, cfg.MaxATRRatio = d.MinATRRatio, d.MaxATRRatio
	}
	return &Sizer{cfg: cfg}
}

// Size floors risk / (stop ticks × tick value) to whole contracts and caps
// at the instrument maximum. ceiling bounds the risk after volatility
// normalization; zero leaves it unbounded. Zero contracts is a terminal
// rejection.
func (s *Sizer) Size(sig strategy.Signal, effectiveR, ceiling float64, spec market.InstrumentSpec, f telemetry.Features) (SizedOrder, *reject.Rejection) {
	stopTicks := StopTicks(spec, sig.Entry, sig.Stop)
	if stopTicks <= 0 || spec.TickValue <= 0 {
		return SizedOrder{}, reject.New(reject.StageSizing, reject.InvalidStop,
			"stop %.2f equals entry %.2f", sig.Stop, sig.Entry)
	}

	adjR := effectiveR
	if s.cfg.ATRNormalize && f.ATR > 0 && f.BaselineATR > 0 {
		ratio := f.BaselineATR / f.ATR
		ratio = math.Max(s.cfg.MinATRRatio, math.Min(s.cfg.MaxATRRatio, ratio))
		adjR *= ratio
	}
	if ceiling > 0 {
		adjR = math.Min(adjR, ceiling)
	}

	contracts := 0
	if adjR > 0 {
		contracts = int(math.Floor(adjR / (stopTicks * spec.TickValue)))
	}
	if spec.MaxContracts > 0 && contracts > spec.MaxContracts {
		contracts = spec.MaxContracts
	}
	if contracts <= 0 {
		return SizedOrder{}, reject.New(reject.StageSizing, reject.ZeroSize,
			"risk %.2f below one contract at %.1f ticks (%.2f/contract)",
			adjR, stopTicks, stopTicks*spec.TickValue)
	}

	return SizedOrder{
		Signal:      sig,
		Contracts:   contracts,
		StopTicks:   stopTicks,
		RiskUnit:    adjR,
		RiskDollars: PlannedRiskDollars(contracts, stopTicks, spec.TickValue),
	}, nil
}
