package execution

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rustyeddy/transmission/broker"
	"github.com/rustyeddy/transmission/constraints"
	"github.com/rustyeddy/transmission/market"
	"github.com/rustyeddy/transmission/reject"
	"github.com/rustyeddy/transmission/risk"
	"github.com/rustyeddy/transmission/strategy"
)

type Verdict string

const (
	Accept    Verdict = "ACCEPT"
	Reject    Verdict = "REJECT"
	Downgrade Verdict = "DOWNGRADE"
)

// GuardDecision is the outcome of a guard evaluation. For Accept and
// Downgrade, OrderType and LimitPrice describe the order to send.
type GuardDecision struct {
	Verdict    Verdict
	OrderType  broker.OrderType
	LimitPrice float64
	Reason     string
	Rejection  *reject.Rejection
}

// LiveMarket is the execution-quality snapshot taken right before dispatch.
type LiveMarket struct {
	Quote            market.Quote
	LatencyMs        float64
	ConnectionStable bool
	// SlippageP90Ticks is the recent 90th percentile fill slippage.
	SlippageP90Ticks float64
}

type GuardConfig struct {
	MaxSpreadTicks   float64 `yaml:"max_spread_ticks" json:"max_spread_ticks"`
	MaxLatencyMs     float64 `yaml:"max_latency_ms" json:"max_latency_ms"`
	MaxSlippageTicks float64 `yaml:"max_slippage_ticks" json:"max_slippage_ticks"`
	MinDepthMultiple float64 `yaml:"min_depth_multiple" json:"min_depth_multiple"`
}

// GuardConfigFromLimits takes the guard thresholds from merged constraint
// limits so that ceilings apply to execution too.
func GuardConfigFromLimits(l constraints.Limits) GuardConfig {
	return GuardConfig{
		MaxSpreadTicks:   l.MaxSpreadTicks,
		MaxLatencyMs:     l.MaxLatencyMs,
		MaxSlippageTicks: l.MaxSlippageTicks,
		MinDepthMultiple: l.MinDepthMultiple,
	}
}

type Guard struct {
	cfg GuardConfig
	reg *market.Registry
	log *zap.Logger
}

func NewGuard(cfg GuardConfig, reg *market.Registry, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{cfg: cfg, reg: reg, log: log.With(zap.String("component", "guard"))}
}

func (g *Guard) Config() GuardConfig { return g.cfg }

// Evaluate applies hard ceilings first (spread, connection, latency), then
// the soft thresholds that downgrade a market order to a limit at the
// signal entry.
func (g *Guard) Evaluate(o risk.SizedOrder, lm LiveMarket) GuardDecision {
	sig := o.Signal
	spec, ok := g.reg.Get(sig.Instrument)
	if !ok {
		return g.reject(reject.UnknownInstrument, "no instrument spec for %s", sig.Instrument)
	}

	spread := lm.Quote.SpreadTicks(spec.TickSize)
	if g.cfg.MaxSpreadTicks > 0 && spread > g.cfg.MaxSpreadTicks {
		return g.reject(reject.SpreadExceedsCeiling, "spread %.1f ticks > %.1f", spread, g.cfg.MaxSpreadTicks)
	}
	if !lm.ConnectionStable {
		return g.reject(reject.ConnectionUnstable, "connection flagged unstable")
	}
	if g.cfg.MaxLatencyMs > 0 && lm.LatencyMs > g.cfg.MaxLatencyMs {
		return g.reject(reject.LatencyExceedsCeiling, "latency %.0fms > %.0fms", lm.LatencyMs, g.cfg.MaxLatencyMs)
	}

	if g.cfg.MaxSlippageTicks > 0 && lm.SlippageP90Ticks > g.cfg.MaxSlippageTicks {
		return g.downgrade(sig, "slippage p90 %.1f ticks > %.1f", lm.SlippageP90Ticks, g.cfg.MaxSlippageTicks)
	}
	if depth, known := touchDepth(lm.Quote, sig.Direction); known && g.cfg.MinDepthMultiple > 0 {
		need := float64(o.Contracts) * g.cfg.MinDepthMultiple
		if depth < need {
			return g.downgrade(sig, "book depth %.0f < %.0f", depth, need)
		}
	}

	return GuardDecision{Verdict: Accept, OrderType: broker.Market}
}

// touchDepth is the size resting on the side the order would take. An
// empty book (both sizes zero) means depth is not reported.
func touchDepth(q market.Quote, d strategy.Direction) (float64, bool) {
	if q.BidSize == 0 && q.AskSize == 0 {
		return 0, false
	}
	if d == strategy.Short {
		return q.BidSize, true
	}
	return q.AskSize, true
}

func (g *Guard) reject(code reject.Code, format string, args ...any) GuardDecision {
	r := reject.New(reject.StageGuard, code, format, args...)
	g.log.Info("guard rejected", zap.String("code", string(code)), zap.String("detail", r.Detail))
	return GuardDecision{Verdict: Reject, Reason: r.Detail, Rejection: r}
}

func (g *Guard) downgrade(sig strategy.Signal, format string, args ...any) GuardDecision {
	detail := fmt.Sprintf(format, args...)
	g.log.Info("guard downgraded to limit",
		zap.String("instrument", sig.Instrument),
		zap.Float64("limit", sig.Entry),
		zap.String("detail", detail),
	)
	return GuardDecision{Verdict: Downgrade, OrderType: broker.Limit, LimitPrice: sig.Entry, Reason: detail}
}
