package execution

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/rustyeddy/transmission/market"
)

// TrailMode selects how the protective stop follows price once a trade is
// far enough in profit.
type TrailMode string

const (
	TrailNone      TrailMode = "none"
	TrailBreakEven TrailMode = "break_even"
	TrailATR       TrailMode = "atr"
)

// ScaleOut closes Fraction of the filled contracts once, the first time the
// trade reaches TargetR.
type ScaleOut struct {
	TargetR  float64 `yaml:"target_r" json:"target_r"`
	Fraction float64 `yaml:"fraction" json:"fraction"`
}

// ManageConfig controls in-trade management of filled positions. The zero
// value holds every trade to its signal's stop and target.
type ManageConfig struct {
	Trail TrailMode `yaml:"trail" json:"trail"`
	// ATRMultiple sets the TrailATR distance behind the best price.
	ATRMultiple float64 `yaml:"atr_multiple" json:"atr_multiple"`
	// ActivationR is the open profit, in R, at which the stop starts to move.
	ActivationR   float64    `yaml:"activation_r" json:"activation_r"`
	MinTrailTicks int        `yaml:"min_trail_ticks" json:"min_trail_ticks"`
	ScaleOut      []ScaleOut `yaml:"scale_out,omitempty" json:"scale_out,omitempty"`
	// MaxBars closes a trade held this many closed bars. Zero disables the
	// time stop.
	MaxBars int `yaml:"max_bars" json:"max_bars"`
}

func DefaultManageConfig() ManageConfig {
	return ManageConfig{
		Trail:         TrailATR,
		ATRMultiple:   2,
		ActivationR:   1,
		MinTrailTicks: 4,
		ScaleOut:      []ScaleOut{{TargetR: 1, Fraction: 0.5}},
		MaxBars:       60,
	}
}

func (c ManageConfig) Validate() error {
	switch c.Trail {
	case "", TrailNone, TrailBreakEven:
	case TrailATR:
		if c.ATRMultiple <= 0 {
			return fmt.Errorf("manage.atr_multiple must be positive for the atr trail")
		}
	default:
		return fmt.Errorf("manage.trail: unknown mode %q", c.Trail)
	}
	if c.ActivationR < 0 || c.MinTrailTicks < 0 || c.MaxBars < 0 {
		return fmt.Errorf("manage: activation_r, min_trail_ticks and max_bars must not be negative")
	}
	for i, r := range c.ScaleOut {
		if r.TargetR <= 0 || r.Fraction <= 0 || r.Fraction > 1 {
			return fmt.Errorf("manage.scale_out[%d]: target_r must be positive and fraction in (0, 1]", i)
		}
	}
	return nil
}

// manageLocked runs the in-trade manager for one fully filled trade: exit
// on stop or target, scale out at R milestones, then trail the stop.
func (e *Engine) manageLocked(o *order, q market.Quote, acts *actions) {
	px := o.mark(q)
	if reason := exitReason(o, px); reason != "" {
		acts.closes = append(acts.closes, e.newExitLocked(o, o.open(), reason))
		return
	}
	if o.adopted {
		return
	}
	dir := float64(o.side.Sign())
	if o.best == 0 || (px-o.best)*dir > 0 {
		o.best = px
	}

	r := o.unrealizedR(px)
	for i, rule := range e.cfg.Manage.ScaleOut {
		if i >= len(o.scaled) || o.scaled[i] || r < rule.TargetR {
			continue
		}
		o.scaled[i] = true
		n := int(math.Floor(float64(o.entry.contracts()) * rule.Fraction))
		if n <= 0 {
			continue
		}
		if n >= o.open() {
			acts.closes = append(acts.closes, e.newExitLocked(o, o.open(), ExitScaleOut))
			return
		}
		acts.closes = append(acts.closes, e.newExitLocked(o, n, ExitScaleOut))
		e.log.Info("scale out",
			zap.String("order_id", o.id),
			zap.Int("qty", n),
			zap.Float64("r", r),
		)
	}
	e.trailLocked(o, r)
}

func (e *Engine) trailLocked(o *order, r float64) {
	m := e.cfg.Manage
	if m.Trail == "" || m.Trail == TrailNone || o.stop <= 0 || r < m.ActivationR {
		return
	}
	spec, ok := e.reg.Get(o.instrument)
	if !ok {
		return
	}
	dir := float64(o.side.Sign())

	var next float64
	switch m.Trail {
	case TrailBreakEven:
		next = o.entry.avg().InexactFloat64()
	case TrailATR:
		dist := math.Max(e.atr[o.instrument]*m.ATRMultiple, float64(m.MinTrailTicks)*spec.TickSize)
		next = o.best - dist*dir
	}
	next = spec.RoundToTick(next)
	if (next-o.stop)*dir <= 0 {
		return
	}
	e.log.Debug("stop trailed",
		zap.String("order_id", o.id),
		zap.Float64("from", o.stop),
		zap.Float64("to", next),
	)
	o.stop = next
}

// OnBar records the instrument's latest ATR for the trail and ages its
// open trades toward the time stop. Call once per closed bar.
func (e *Engine) OnBar(ctx context.Context, instrument string, atr float64) {
	var acts actions
	e.mu.Lock()
	if atr > 0 {
		e.atr[instrument] = atr
	}
	for _, o := range e.sortedLocked() {
		if o.instrument != instrument || o.state != StateManaged || o.adopted || o.open() <= 0 {
			continue
		}
		o.bars++
		if m := e.cfg.Manage.MaxBars; m > 0 && o.bars >= m {
			acts.closes = append(acts.closes, e.newExitLocked(o, o.open(), ExitTimeStop))
		}
	}
	e.mu.Unlock()

	if len(acts.closes) > 0 {
		e.run(ctx, acts)
	}
}
