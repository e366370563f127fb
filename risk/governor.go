package risk

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/transmission/gear"
	"github.com/rustyeddy/transmission/regime"
	"github.com/rustyeddy/transmission/reject"
)

// Action tells the orchestrator what to do after a tripwire check.
type Action string

const (
	ActionTrade Action = "TRADE"
	ActionFlat  Action = "FLAT"  // breach just occurred: flatten everything
	ActionPause Action = "PAUSE" // already parked
)

// Tripwire is the result of CheckTripwires.
type Tripwire struct {
	CanTrade bool
	Reason   reject.Code
	Action   Action
	Snapshot Snapshot
}

// Rejection converts a blocked tripwire into a stage rejection.
func (t Tripwire) Rejection() *reject.Rejection {
	if t.CanTrade {
		return nil
	}
	return reject.New(reject.StageTripwire, t.Reason, "gear %s, daily %.2fR, weekly %.2fR",
		t.Snapshot.Gear, t.Snapshot.DailyR, t.Snapshot.WeeklyR)
}

type GovernorConfig struct {
	BaseRisk       float64 `json:"base_risk" yaml:"base_risk"`               // $ per R
	MaxRiskDollars float64 `json:"max_risk_dollars" yaml:"max_risk_dollars"` // safeguard ceiling per trade
	StartingEquity float64 `json:"starting_equity" yaml:"starting_equity"`   // for drawdown tracking
	MaxDrawdownPct float64 `json:"max_drawdown_pct" yaml:"max_drawdown_pct"` // 0.10
	StepDown       float64 `json:"step_down" yaml:"step_down"`               // 0.70
	ScaleUp        float64 `json:"scale_up" yaml:"scale_up"`                 // 1.15
	WindowSize     int     `json:"window_size" yaml:"window_size"`           // 20
	Timezone       string  `json:"timezone" yaml:"timezone"`                 // trading day boundary
}

func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		BaseRisk:       100,
		MaxRiskDollars: 200,
		StartingEquity: 10000,
		MaxDrawdownPct: 0.10,
		StepDown:       0.70,
		ScaleUp:        1.15,
		WindowSize:     20,
		Timezone:       "America/Chicago",
	}
}

// TransitionObserver receives every gear change the governor applies on
// its own. It is called after the governor lock is released.
type TransitionObserver func(t gear.Transition, snap Snapshot)

// RolloverObserver is told when a new trading day or week starts.
type RolloverObserver func(newDay, newWeek bool)

// Governor owns the ledger and the gear machine. Every read and write of
// either goes through its lock.
type Governor struct {
	mu      sync.Mutex
	cfg     GovernorConfig
	loc     *time.Location
	now     func() time.Time
	ledger  *Ledger
	machine *gear.Machine
	log     *zap.Logger

	// breachPending is set when a breach parks the gear and cleared when a
	// tripwire check reports it as ActionFlat.
	breachPending bool

	observers []TransitionObserver
	rollovers []RolloverObserver
}

// NewGovernor builds a governor. A nil clock uses time.Now.
func NewGovernor(cfg GovernorConfig, table gear.Table, limits gear.Limits, now func() time.Time, log *zap.Logger) (*Governor, error) {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BaseRisk <= 0 {
		return nil, fmt.Errorf("base risk must be positive, got %.2f", cfg.BaseRisk)
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.StepDown <= 0 || cfg.StepDown >= 1 {
		cfg.StepDown = 0.70
	}
	if cfg.ScaleUp <= 1 {
		cfg.ScaleUp = 1.15
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	g := &Governor{
		cfg:     cfg,
		loc:     loc,
		now:     now,
		ledger:  newLedger(cfg.BaseRisk, cfg.StartingEquity, cfg.WindowSize),
		machine: gear.NewMachine(table, limits, now),
		log:     log.With(zap.String("component", "governor")),
	}
	t := now().In(loc)
	g.ledger.DayKey = dayKey(t)
	g.ledger.WeekKey = weekKey(t)
	return g, nil
}

// OnTransition registers an observer. Not safe to call concurrently with
// evaluation; register during composition.
func (g *Governor) OnTransition(fn TransitionObserver) {
	g.observers = append(g.observers, fn)
}

func (g *Governor) OnRollover(fn RolloverObserver) {
	g.rollovers = append(g.rollovers, fn)
}

// pending collects side effects to run after unlocking.
type pending struct {
	transitions []gear.Transition
	snap        Snapshot
	newDay      bool
	newWeek     bool
}

func (g *Governor) flush(p pending) {
	if p.newDay || p.newWeek {
		for _, fn := range g.rollovers {
			fn(p.newDay, p.newWeek)
		}
	}
	for _, t := range p.transitions {
		for _, fn := range g.observers {
			fn(t, p.snap)
		}
	}
}

// CheckTripwires is the first gate of every cycle.
func (g *Governor) CheckTripwires() Tripwire {
	g.mu.Lock()
	var p pending
	g.rollover(g.now(), &p)

	d := g.machine.Evaluate(g.inputs(gear.CycleNone))
	g.afterDecision(d, &p)

	tw := Tripwire{CanTrade: true, Action: ActionTrade}
	if g.machine.Gear() == gear.Park {
		tw.CanTrade = false
		tw.Action = ActionPause
		tw.Reason = reject.GearParked
		if last := g.machine.Last(); last != nil && last.Reason.IsBreach() {
			tw.Reason = reject.Code(last.Reason)
		}
		if g.breachPending {
			tw.Action = ActionFlat
			g.breachPending = false
		}
	}
	tw.Snapshot = g.snapshot()
	p.snap = tw.Snapshot
	g.mu.Unlock()

	g.flush(p)
	return tw
}

// Allowed is the re-check done immediately before dispatch. Unlike
// CheckTripwires it leaves a pending flatten for the next cycle.
func (g *Governor) Allowed() (bool, reject.Code) {
	g.mu.Lock()
	var p pending
	g.rollover(g.now(), &p)
	d := g.machine.Evaluate(g.inputs(gear.CycleNone))
	g.afterDecision(d, &p)
	ok := g.machine.Gear() != gear.Park
	code := reject.Code("")
	if !ok {
		code = reject.TripwireAtSubmit
	}
	p.snap = g.snapshot()
	g.mu.Unlock()

	g.flush(p)
	return ok, code
}

// RecordTradeResult books a confirmed exit in R and re-evaluates the gear.
func (g *Governor) RecordTradeResult(r float64) gear.Decision {
	g.mu.Lock()
	var p pending
	g.rollover(g.now(), &p)

	g.ledger.record(r)
	d := g.machine.Evaluate(g.inputs(gear.CycleNone))
	g.afterDecision(d, &p)
	p.snap = g.snapshot()
	g.log.Info("trade result recorded",
		zap.Float64("r", r),
		zap.Int64("seq", g.ledger.TradeSeq),
		zap.Float64("daily_r", g.ledger.DailyR),
		zap.Float64("weekly_r", g.ledger.WeeklyR),
		zap.String("gear", string(g.machine.Gear())),
	)
	g.mu.Unlock()

	g.flush(p)
	return d
}

// ObserveCycle feeds the per-cycle signal outcome (rule 5).
func (g *Governor) ObserveCycle(outcome gear.CycleOutcome) gear.Decision {
	g.mu.Lock()
	var p pending
	d := g.machine.Evaluate(g.inputs(outcome))
	g.afterDecision(d, &p)
	p.snap = g.snapshot()
	g.mu.Unlock()

	g.flush(p)
	return d
}

// Park forces P. Observers are not notified: the caller reports the park
// as part of its own event.
func (g *Governor) Park(reason gear.Reason) (gear.Decision, Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	d := g.machine.Park(reason)
	if d.Applied != nil {
		g.log.Warn("gear parked", zap.String("from", string(d.Applied.From)), zap.String("reason", string(reason)))
	}
	return d, g.snapshot()
}

// Rollover forces period-boundary processing as of now.
func (g *Governor) Rollover(now time.Time) {
	g.mu.Lock()
	var p pending
	g.rollover(now, &p)
	p.snap = g.snapshot()
	g.mu.Unlock()

	g.flush(p)
}

// SetMentalState records the trader's self-reported state (1..5).
func (g *Governor) SetMentalState(state int) (gear.Decision, error) {
	if state < 1 || state > 5 {
		return gear.Decision{}, fmt.Errorf("mental state must be 1..5, got %d", state)
	}
	g.mu.Lock()
	var p pending
	g.ledger.MentalState = state
	d := g.machine.Evaluate(g.inputs(gear.CycleNone))
	g.afterDecision(d, &p)
	p.snap = g.snapshot()
	g.mu.Unlock()

	g.flush(p)
	return d, nil
}

// ResetDrawdown re-bases peak equity at current equity, releasing a
// drawdown breach at the next rollover.
func (g *Governor) ResetDrawdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ledger.PeakEquity = g.ledger.Equity
	g.log.Warn("drawdown peak reset", zap.Float64("equity", g.ledger.Equity))
}

// Restore loads a persisted snapshot into the governor at startup, before
// the first cycle. The configured base risk is kept. Day and week keys are
// restored as saved, so a snapshot from an earlier session rolls over on
// the next check.
func (g *Governor) Restore(s Snapshot) error {
	if !s.Gear.Valid() {
		return fmt.Errorf("restore: invalid gear %q", s.Gear)
	}
	if s.MentalState < 0 || s.MentalState > 5 {
		return fmt.Errorf("restore: mental state %d out of range", s.MentalState)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	l := g.ledger
	l.DailyR, l.WeeklyR = s.DailyR, s.WeeklyR
	l.RedDays, l.ConsecutiveLosses = s.RedDays, s.ConsecutiveLosses
	l.TradeSeq, l.LastAdjustedSeq = s.TradeSeq, s.LastAdjustedSeq
	if s.ScaleFactor > 0 {
		l.ScaleFactor = s.ScaleFactor
	}
	if s.Equity > 0 {
		l.Equity = s.Equity
		l.PeakEquity = max(s.PeakEquity, s.Equity)
	}
	l.MentalState = s.MentalState
	w := s.Window
	if len(w) > l.windowSize {
		w = w[len(w)-l.windowSize:]
	}
	l.window = append(l.window[:0], w...)
	if s.DayKey != "" {
		l.DayKey = s.DayKey
	}
	if s.WeekKey != "" {
		l.WeekKey = s.WeekKey
	}
	g.machine.Restore(s.Gear, s.GearSince, s.LastReason)
	g.breachPending = false

	g.log.Info("governor restored",
		zap.String("gear", string(s.Gear)),
		zap.String("day", l.DayKey),
		zap.Float64("daily_r", l.DailyR),
		zap.Float64("weekly_r", l.WeeklyR),
		zap.Float64("equity", l.Equity),
		zap.Int("window", len(l.window)),
	)
	return nil
}

// EffectiveRiskUnit is $R for a new order in the given regime.
func (g *Governor) EffectiveRiskUnit(st regime.State) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.ledger.CurrentRisk() * st.Multiplier * g.machine.Gear().Multiplier()
	if g.cfg.MaxRiskDollars > 0 && r > g.cfg.MaxRiskDollars {
		r = g.cfg.MaxRiskDollars
	}
	return r
}

func (g *Governor) Gear() gear.Gear {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.machine.Gear()
}

func (g *Governor) MentalState() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ledger.MentalState
}

func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshot()
}

func (g *Governor) inputs(c gear.CycleOutcome) gear.Inputs {
	l := g.ledger
	return gear.Inputs{
		DailyR:            l.DailyR,
		WeeklyR:           l.WeeklyR,
		DrawdownBreach:    g.cfg.MaxDrawdownPct > 0 && l.Drawdown() <= -g.cfg.MaxDrawdownPct,
		RedDays:           l.RedDays,
		ConsecutiveLosses: l.ConsecutiveLosses,
		MentalState:       l.MentalState,
		ProfitFactor:      l.ProfitFactor(),
		WindowFull:        l.WindowFull(),
		Cycle:             c,
	}
}

// afterDecision applies ledger side effects of a transition. Must hold mu.
func (g *Governor) afterDecision(d gear.Decision, p *pending) {
	if s := d.Suppressed; s != nil {
		g.log.Info("gear transition suppressed",
			zap.String("from", string(s.From)),
			zap.String("to", string(s.To)),
			zap.String("rule", s.Rule),
			zap.String("reason", string(s.Reason)),
		)
		return
	}
	t := d.Applied
	if t == nil {
		return
	}

	l := g.ledger
	switch {
	case t.From == gear.Drive && t.To == gear.Low:
		if l.TradeSeq > l.LastAdjustedSeq {
			l.ScaleFactor *= g.cfg.StepDown
			l.LastAdjustedSeq = l.TradeSeq
		}
	case t.From == gear.Low && t.To == gear.Drive:
		if l.TradeSeq > l.LastAdjustedSeq {
			l.ScaleFactor *= g.cfg.ScaleUp
			if g.cfg.MaxRiskDollars > 0 && l.CurrentRisk() > g.cfg.MaxRiskDollars {
				l.ScaleFactor = g.cfg.MaxRiskDollars / l.BaseRisk
			}
			l.LastAdjustedSeq = l.TradeSeq
		}
	case t.To == gear.Reverse:
		// The streak is consumed by the cooldown.
		l.ConsecutiveLosses = 0
	case t.To == gear.Park && t.Reason.IsBreach():
		g.breachPending = true
	case t.From == gear.Park:
		g.breachPending = false
	}

	g.log.Info("gear transition",
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("rule", t.Rule),
		zap.String("reason", string(t.Reason)),
		zap.Float64("scale_factor", l.ScaleFactor),
	)
	p.transitions = append(p.transitions, *t)
}

// rollover resets period accounting when the trading day or week changed.
// Must hold mu.
func (g *Governor) rollover(now time.Time, p *pending) {
	t := now.In(g.loc)
	day, week := dayKey(t), weekKey(t)
	l := g.ledger
	if day == l.DayKey && week == l.WeekKey {
		return
	}

	newDay := day != l.DayKey
	newWeek := week != l.WeekKey
	if newDay {
		switch {
		case l.DailyR < 0:
			l.RedDays++
		case l.DailyR > 0:
			l.RedDays = 0
		}
		l.DailyR = 0
		l.DayKey = day
	}
	if newWeek {
		l.WeeklyR = 0
		l.WeekKey = week
	}
	p.newDay, p.newWeek = newDay, newWeek

	in := g.inputs(gear.CycleNone)
	var d gear.Decision
	if g.machine.Gear() == gear.Park {
		d = g.machine.Reset(in)
	} else {
		d = g.machine.Evaluate(in)
	}
	g.afterDecision(d, p)

	// A red-day streak parks for one full day, then starts over.
	if maxRed := g.machine.Limits().MaxRedDays; maxRed > 0 && l.RedDays >= maxRed {
		l.RedDays = 0
	}

	g.log.Info("period rollover",
		zap.String("day", day),
		zap.String("week", week),
		zap.Bool("new_week", newWeek),
		zap.Int("red_days", l.RedDays),
		zap.String("gear", string(g.machine.Gear())),
	)
}

func (g *Governor) snapshot() Snapshot {
	l := g.ledger
	s := Snapshot{
		At:                g.now(),
		Gear:              g.machine.Gear(),
		GearSince:         g.machine.Since(),
		DailyR:            l.DailyR,
		WeeklyR:           l.WeeklyR,
		RedDays:           l.RedDays,
		ConsecutiveLosses: l.ConsecutiveLosses,
		ProfitFactor:      l.ProfitFactor(),
		WindowLen:         len(l.window),
		Window:            append([]float64(nil), l.window...),
		TradeSeq:          l.TradeSeq,
		LastAdjustedSeq:   l.LastAdjustedSeq,
		BaseRisk:          l.BaseRisk,
		ScaleFactor:       l.ScaleFactor,
		CurrentRisk:       l.CurrentRisk(),
		Equity:            l.Equity,
		PeakEquity:        l.PeakEquity,
		Drawdown:          l.Drawdown(),
		MentalState:       l.MentalState,
		DayKey:            l.DayKey,
		WeekKey:           l.WeekKey,
	}
	if last := g.machine.Last(); last != nil {
		s.LastReason = last.Reason
	}
	return s
}
