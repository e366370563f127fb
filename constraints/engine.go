package constraints

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/transmission/gear"
	"github.com/rustyeddy/transmission/reject"
	"github.com/rustyeddy/transmission/risk"
)

// Account is the live account view at validation time.
type Account struct {
	Equity       float64
	DLLRemaining float64
	MentalState  int // 0 means not reported
	Now          time.Time
}

// Decision is exactly one of accept or reject.
type Decision struct {
	Accepted  bool
	Rejection *reject.Rejection
}

func accept() Decision { return Decision{Accepted: true} }

func refuse(code reject.Code, format string, args ...any) Decision {
	return Decision{Rejection: reject.New(reject.StageConstraint, code, format, args...)}
}

// Engine validates sized orders against the merged limits and tracks the
// trade cadence counters.
type Engine struct {
	limits Limits
	clamps []Clamp
	log    *zap.Logger

	mu          sync.Mutex
	tradesToday int
	tradesWeek  int
	reserved    int // accepted orders not yet dispatched or released
}

// New derives defaults from the profile, applies overrides then ceilings.
func New(p Profile, o Overrides, c Ceilings, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if c == (Ceilings{}) {
		c = DefaultCeilings()
	}
	e := &Engine{log: log.With(zap.String("component", "constraints"))}
	e.limits = e.merge(p, o, c)
	e.log.Info("constraints ready",
		zap.Float64("max_risk_pct", e.limits.MaxRiskPct),
		zap.Float64("dll_fraction", e.limits.DLLFraction),
		zap.Int("max_trades_per_day", e.limits.MaxTradesPerDay),
		zap.Int("max_trades_per_week", e.limits.MaxTradesPerWeek),
		zap.Float64("max_spread_ticks", e.limits.MaxSpreadTicks),
		zap.Int("min_mental_state", e.limits.MinMentalState),
		zap.Int("clamps", len(e.clamps)),
	)
	return e, nil
}

// Defaults returns the profile-derived limits before overrides.
func Defaults(p Profile) Limits {
	riskPct := 0.5
	if p.Capital > 0 {
		riskPct = math.Min(2.0, p.DailyLossLimit*0.10/p.Capital*100)
	}
	if strings.EqualFold(p.Experience, "beginner") {
		riskPct /= 2
	}
	riskPct = math.Max(0.1, math.Min(riskPct, 2.0))

	hours := p.HoursPerDay
	if hours == 0 {
		hours = 4
	}
	perDay := int(math.Max(1, math.Min(math.Floor(hours/2), 5)))

	symbols := p.AllowedSymbols
	if len(symbols) == 0 {
		symbols = []string{"MNQ"}
	}
	sessions, _ := parseSessions(p.Sessions)
	loc := time.UTC
	if p.Timezone != "" {
		if l, err := time.LoadLocation(p.Timezone); err == nil {
			loc = l
		}
	}

	return Limits{
		MaxRiskPct:       riskPct,
		DLLFraction:      0.10,
		MaxTradesPerDay:  perDay,
		MaxTradesPerWeek: perDay * 5,
		MaxSpreadTicks:   2,
		MaxSlippageTicks: 2,
		MaxLatencyMs:     150,
		MinDepthMultiple: 3,
		MinMentalState:   3,
		AllowedSymbols:   symbols,
		Sessions:         sessions,
		Location:         loc,
	}
}

func (e *Engine) merge(p Profile, o Overrides, c Ceilings) Limits {
	l := Defaults(p)

	if o.MaxRiskPct != nil {
		l.MaxRiskPct = e.clampF("max_risk_pct", *o.MaxRiskPct, 0.1, c.MaxRiskPct)
	}
	if o.DLLFraction != nil {
		l.DLLFraction = e.clampF("dll_fraction", *o.DLLFraction, 0.01, c.DLLFraction)
	}
	if o.MaxTradesPerDay != nil {
		l.MaxTradesPerDay = int(e.clampF("max_trades_per_day", float64(*o.MaxTradesPerDay), 1, float64(c.MaxTradesPerDay)))
	}
	if o.MaxTradesPerWeek != nil {
		l.MaxTradesPerWeek = int(e.clampF("max_trades_per_week", float64(*o.MaxTradesPerWeek), 1, float64(c.MaxTradesPerDay*5)))
	}
	if o.MaxSpreadTicks != nil {
		l.MaxSpreadTicks = e.clampF("max_spread_ticks", *o.MaxSpreadTicks, 0.5, c.MaxSpreadTicks)
	}
	if o.MaxSlippageTicks != nil {
		l.MaxSlippageTicks = e.clampF("max_slippage_ticks", *o.MaxSlippageTicks, 0, math.Inf(1))
	}
	if o.MaxLatencyMs != nil {
		l.MaxLatencyMs = e.clampF("max_latency_ms", *o.MaxLatencyMs, 1, math.Inf(1))
	}
	if o.MinDepthMultiple != nil {
		l.MinDepthMultiple = e.clampF("min_depth_multiple", *o.MinDepthMultiple, 0, math.Inf(1))
	}
	if o.MinMentalState != nil {
		l.MinMentalState = int(e.clampF("min_mental_state", float64(*o.MinMentalState), float64(c.MinMentalFloor), 5))
	}

	// Ceilings bind even where nothing was overridden.
	l.MaxRiskPct = math.Min(l.MaxRiskPct, c.MaxRiskPct)
	l.DLLFraction = math.Min(l.DLLFraction, c.DLLFraction)
	if l.MaxTradesPerDay > c.MaxTradesPerDay {
		l.MaxTradesPerDay = c.MaxTradesPerDay
	}
	l.MaxSpreadTicks = math.Min(l.MaxSpreadTicks, c.MaxSpreadTicks)
	if l.MinMentalState < c.MinMentalFloor {
		l.MinMentalState = c.MinMentalFloor
	}
	l.AutoFlatDailyR = c.AutoFlatDailyR
	l.AutoFlatWeeklyR = c.AutoFlatWeeklyR
	return l
}

func (e *Engine) clampF(field string, v, lo, hi float64) float64 {
	applied := math.Max(lo, math.Min(v, hi))
	if applied != v {
		e.clamps = append(e.clamps, Clamp{Field: field, Requested: v, Applied: applied})
		e.log.Warn("override clamped",
			zap.String("field", field),
			zap.Float64("requested", v),
			zap.Float64("applied", applied),
		)
	}
	return applied
}

func (e *Engine) Limits() Limits { return e.limits }

// Clamps lists every override that was pulled back inside its bounds.
func (e *Engine) Clamps() []Clamp {
	out := make([]Clamp, len(e.clamps))
	copy(out, e.clamps)
	return out
}

// GearLimits tightens base so that the auto-flat ceilings and the mental
// floor always apply.
func (e *Engine) GearLimits(base gear.Limits) gear.Limits {
	if e.limits.AutoFlatDailyR < 0 && (base.DailyLossR >= 0 || base.DailyLossR < e.limits.AutoFlatDailyR) {
		base.DailyLossR = e.limits.AutoFlatDailyR
	}
	if e.limits.AutoFlatWeeklyR < 0 && (base.WeeklyLossR >= 0 || base.WeeklyLossR < e.limits.AutoFlatWeeklyR) {
		base.WeeklyLossR = e.limits.AutoFlatWeeklyR
	}
	if base.MentalFloor < 1 {
		base.MentalFloor = 1
	}
	return base
}

// MaxRiskDollars is the per-trade ceiling in dollars at the given equity.
func (e *Engine) MaxRiskDollars(equity float64) float64 {
	return equity * e.limits.MaxRiskPct / 100
}

// RiskCeiling is the most one trade may risk for a: the lower of the
// equity percentage and the DLL fraction of what remains of the day.
func (e *Engine) RiskCeiling(a Account) float64 {
	return math.Max(0, math.Min(e.MaxRiskDollars(a.Equity), a.DLLRemaining*e.limits.DLLFraction))
}

// Slot holds one trade of the day and week cadence between acceptance
// and dispatch. Exactly one of Commit and Release takes effect.
type Slot struct {
	e    *Engine
	once sync.Once
}

// Commit counts the reserved trade as dispatched.
func (s *Slot) Commit(at time.Time) {
	s.once.Do(func() {
		s.e.mu.Lock()
		defer s.e.mu.Unlock()
		s.e.reserved--
		s.e.recordLocked(at)
	})
}

// Release returns the slot unused.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.e.mu.Lock()
		defer s.e.mu.Unlock()
		s.e.reserved--
	})
}

// Reserve validates o and, if it is accepted, holds a cadence slot for it
// in the same critical section, so concurrent callers can never admit more
// trades than the limits allow. The slot is nil on rejection.
func (e *Engine) Reserve(o risk.SizedOrder, a Account) (Decision, *Slot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.validateLocked(o, a)
	if !d.Accepted {
		return d, nil
	}
	e.reserved++
	return d, &Slot{e: e}
}

// Validate applies the checks in order; the first failure rejects. Trades
// held by an outstanding Slot count against the cadence limits.
func (e *Engine) Validate(o risk.SizedOrder, a Account) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.validateLocked(o, a)
}

func (e *Engine) validateLocked(o risk.SizedOrder, a Account) Decision {
	l := e.limits
	sig := o.Signal

	if !contains(l.AllowedSymbols, sig.Instrument) {
		return refuse(reject.SymbolNotAllowed, "%s not in %v", sig.Instrument, l.AllowedSymbols)
	}
	if a.MentalState > 0 && a.MentalState < l.MinMentalState {
		return refuse(reject.MentalStateLow, "mental state %d below %d", a.MentalState, l.MinMentalState)
	}

	today, week := e.tradesToday+e.reserved, e.tradesWeek+e.reserved
	if today >= l.MaxTradesPerDay {
		return refuse(reject.MaxTradesPerDay, "%d trades today, max %d", today, l.MaxTradesPerDay)
	}
	if l.MaxTradesPerWeek > 0 && week >= l.MaxTradesPerWeek {
		return refuse(reject.MaxTradesPerWeek, "%d trades this week, max %d", week, l.MaxTradesPerWeek)
	}

	if a.Equity <= 0 {
		return refuse(reject.NoEquity, "equity %.2f", a.Equity)
	}
	if maxRisk := e.MaxRiskDollars(a.Equity); o.RiskDollars > maxRisk {
		return refuse(reject.RiskExceedsMax, "risk $%.2f exceeds %.2f%% of equity ($%.2f)", o.RiskDollars, l.MaxRiskPct, maxRisk)
	}
	if maxDLL := a.DLLRemaining * l.DLLFraction; o.RiskDollars > maxDLL {
		return refuse(reject.RiskExceedsDLL, "risk $%.2f exceeds %.0f%% of remaining DLL ($%.2f)", o.RiskDollars, l.DLLFraction*100, maxDLL)
	}

	if len(l.Sessions) > 0 {
		now := a.Now.In(l.Location)
		in := false
		for _, s := range l.Sessions {
			if s.Contains(now) {
				in = true
				break
			}
		}
		if !in {
			return refuse(reject.OutsideSession, "%s outside sessions", now.Format("15:04 MST"))
		}
	}
	return accept()
}

// recordLocked counts a dispatched entry against the cadence limits.
func (e *Engine) recordLocked(t time.Time) {
	e.tradesToday++
	e.tradesWeek++
	e.log.Debug("trade counted", zap.Time("at", t), zap.Int("today", e.tradesToday), zap.Int("week", e.tradesWeek))
}

func (e *Engine) ResetDay() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tradesToday = 0
}

func (e *Engine) ResetWeek() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tradesWeek = 0
}

// Counts returns the trades counted today and this week.
func (e *Engine) Counts() (today, week int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tradesToday, e.tradesWeek
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func (c Clamp) String() string {
	return fmt.Sprintf("%s: %.4g -> %.4g", c.Field, c.Requested, c.Applied)
}
