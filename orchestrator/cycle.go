package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/transmission/constraints"
	"github.com/rustyeddy/transmission/execution"
	"github.com/rustyeddy/transmission/gear"
	"github.com/rustyeddy/transmission/market"
	"github.com/rustyeddy/transmission/notify"
	"github.com/rustyeddy/transmission/regime"
	"github.com/rustyeddy/transmission/reject"
	"github.com/rustyeddy/transmission/risk"
	"github.com/rustyeddy/transmission/strategy"
	"github.com/rustyeddy/transmission/telemetry"
)

// Result is the outcome of one instrument's cycle. Exactly one of Order
// and Rejection is set, unless the instrument produced no signal.
type Result struct {
	Instrument string
	Time       time.Time
	// Stage is the last stage reached.
	Stage     reject.Stage
	Features  telemetry.Features
	Regime    regime.State
	Gear      gear.Gear
	Signal    *strategy.Signal
	Sized     *risk.SizedOrder
	Guard     *execution.GuardDecision
	Order     *execution.Order
	Rejection *reject.Rejection
}

// Passed reports whether the signal cleared every gate and reached the
// broker.
func (r Result) Passed() bool {
	return r.Rejection == nil && r.Order != nil
}

// Outcome maps the result onto the gear machine's cycle input. Tripwire
// blocks, data gaps and worker failures say nothing about signal quality.
func (r Result) Outcome() gear.CycleOutcome {
	if r.Passed() {
		return gear.CycleSignalPassed
	}
	if r.Rejection == nil {
		return gear.CycleNoSignal
	}
	switch r.Rejection.Code {
	case reject.NoSignal, reject.NoStrategy, reject.RegimeNoTrade:
		return gear.CycleNoSignal
	case reject.TimeframeConflict:
		if r.Rejection.Stage == reject.StageRegime {
			return gear.CycleNoSignal
		}
	case reject.DataGap, reject.WorkerPanic, reject.TripwireAtSubmit, reject.GearParked:
		return gear.CycleNone
	}
	if r.Rejection.Stage == reject.StageTripwire {
		return gear.CycleNone
	}
	return gear.CycleRejected
}

// aggregate folds per-instrument outcomes into the single cycle outcome
// fed to the gear machine.
func aggregate(results []Result) gear.CycleOutcome {
	out := gear.CycleNone
	for _, r := range results {
		switch r.Outcome() {
		case gear.CycleSignalPassed:
			return gear.CycleSignalPassed
		case gear.CycleRejected:
			out = gear.CycleRejected
		case gear.CycleNoSignal:
			if out == gear.CycleNone {
				out = gear.CycleNoSignal
			}
		}
	}
	return out
}

// RunCycle evaluates one closed bar per instrument. Each bar runs on its
// own worker; a failing worker yields a worker_panic rejection for its
// instrument and never aborts the others.
func (o *Orchestrator) RunCycle(ctx context.Context, bars []market.Bar) []Result {
	start := time.Now()
	results := make([]Result, len(bars))

	g := new(errgroup.Group)
	if o.opts.Workers > 0 {
		g.SetLimit(o.opts.Workers)
	}
	for i, b := range bars {
		g.Go(func() error {
			results[i] = o.runIsolated(ctx, b)
			return nil
		})
	}
	_ = g.Wait()

	outcome := aggregate(results)
	d := o.opts.Governor.ObserveCycle(outcome)

	snap := o.opts.Governor.Snapshot()
	o.opts.Metrics.SetLedger(snap.DailyR, snap.WeeklyR, snap.CurrentRisk)
	o.opts.Metrics.CycleDone(time.Since(start))
	if err := o.opts.Journal.SaveSystemState(o.opts.Now(), "ledger", snap); err != nil {
		o.log.Error("save system state", zap.Error(err))
	}

	o.log.Debug("cycle complete",
		zap.Int("instruments", len(bars)),
		zap.String("outcome", outcome.String()),
		zap.String("gear", string(d.Gear)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return results
}

func (o *Orchestrator) runIsolated(ctx context.Context, b market.Bar) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			o.opts.Metrics.WorkerPanic()
			o.log.Error("instrument worker panicked",
				zap.String("instrument", b.Instrument),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			rej := reject.New(reject.StageWorker, reject.WorkerPanic, "%v", p)
			o.opts.Metrics.StageRejected(rej)
			res = Result{Instrument: b.Instrument, Time: b.Time, Stage: reject.StageWorker, Rejection: rej}
		}
	}()
	return o.run(ctx, b)
}

// run executes the stages in order and stops at the first rejection.
func (o *Orchestrator) run(ctx context.Context, b market.Bar) Result {
	res := Result{Instrument: b.Instrument, Time: b.Time}
	log := o.log.With(zap.String("instrument", b.Instrument), zap.Time("bar", b.Time))

	l := o.lane(b.Instrument)
	l.mu.Lock()
	defer l.mu.Unlock()
	fresh := l.push(b, o.opts.WindowBars)

	// tripwire
	res.Stage = reject.StageTripwire
	tw := o.opts.Governor.CheckTripwires()
	res.Gear = tw.Snapshot.Gear
	if tw.Action == risk.ActionFlat {
		rep := o.Flatten(ctx, string(tw.Reason))
		log.Warn("tripwire breach flattened account",
			zap.String("reason", string(tw.Reason)),
			zap.Int("canceled", rep.CanceledOrders),
			zap.Int("closed", rep.ClosedPositions),
		)
	}
	if !tw.CanTrade {
		return o.reject(log, res, tw.Rejection())
	}
	o.pass(log, reject.StageTripwire)

	// telemetry + regime
	res.Stage = reject.StageTelemetry
	if !fresh {
		return o.reject(log, res, reject.New(reject.StageTelemetry, reject.DataGap, "bar does not advance time"))
	}
	spec, ok := o.opts.Registry.Get(b.Instrument)
	if !ok {
		return o.reject(log, res, reject.New(reject.StageTelemetry, reject.UnknownInstrument, "%s", b.Instrument))
	}
	in := telemetry.Input{Bar: b, Window: l.window}
	quote, qerr := o.opts.Quotes.GetBidAsk(ctx, b.Instrument)
	if qerr == nil {
		in.Quote = &quote
	}
	if o.opts.News != nil {
		if ev, hit := o.opts.News.InBlackout(b.Instrument, b.Time); hit {
			in.NewsBlackout = true
			log.Info("news blackout", zap.String("event", ev.Name))
		}
	}
	f, err := o.opts.Telemetry.Compute(in)
	if err != nil {
		var gap *telemetry.DataGapError
		if !errors.As(err, &gap) {
			log.Error("telemetry failed", zap.Error(err))
		}
		return o.reject(log, res, reject.New(reject.StageTelemetry, reject.DataGap, "%v", err))
	}
	res.Features = f
	o.opts.Engine.OnBar(ctx, b.Instrument, f.ATR)
	o.pass(log, reject.StageTelemetry)

	res.Stage = reject.StageRegime
	st := l.classifier.Classify(f)
	res.Regime = st
	if st.Regime == regime.NoTrade {
		return o.reject(log, res, reject.New(reject.StageRegime, reject.RegimeNoTrade, "%s", st.Reason))
	}
	if st.Conflict != "" {
		return o.reject(log, res, reject.New(reject.StageRegime, reject.TimeframeConflict, "%s", st.Conflict))
	}
	o.pass(log, reject.StageRegime)

	// gear
	res.Stage = reject.StageGear
	res.Gear = o.opts.Governor.Gear()
	if !res.Gear.PermitsSignals() {
		return o.reject(log, res, reject.New(reject.StageGear, reject.GearParked, "gear %s", res.Gear))
	}
	o.pass(log, reject.StageGear)

	// signal
	res.Stage = reject.StageSignal
	sig, rej := o.signal(log, f, st)
	if rej != nil {
		return o.reject(log, res, rej)
	}
	res.Signal = sig
	if o.opts.Thresholds.HTFGate {
		if why := st.DirectionConflict(sig.Direction.Sign()); why != "" {
			return o.reject(log, res, reject.New(reject.StageSignal, reject.TimeframeConflict, "%s", why))
		}
	}
	o.pass(log, reject.StageSignal)

	// sizing
	res.Stage = reject.StageSizing
	acct := o.account()
	unit := o.opts.Governor.EffectiveRiskUnit(st)
	sized, rej := o.opts.Sizer.Size(*sig, unit, o.opts.Constraints.RiskCeiling(acct), spec, f)
	if rej != nil {
		return o.reject(log, res, rej)
	}
	res.Sized = &sized
	o.pass(log, reject.StageSizing)

	// constraints
	res.Stage = reject.StageConstraint
	// The slot holds a cadence place until the broker answers. Release is a
	// no-op once the slot is committed.
	cd, slot := o.opts.Constraints.Reserve(sized, acct)
	if !cd.Accepted {
		return o.reject(log, res, cd.Rejection)
	}
	defer slot.Release()
	o.pass(log, reject.StageConstraint)

	// guard
	res.Stage = reject.StageGuard
	if qerr != nil {
		return o.reject(log, res, reject.New(reject.StageGuard, reject.NoQuote, "%v", qerr))
	}
	gd := o.opts.Guard.Evaluate(sized, execution.LiveMarket{
		Quote:            quote,
		LatencyMs:        o.opts.Link.LatencyMs(),
		ConnectionStable: o.opts.Link.Stable(),
		SlippageP90Ticks: o.opts.Engine.SlippageP90(),
	})
	res.Guard = &gd
	if gd.Verdict == execution.Reject {
		rej := gd.Rejection
		if rej == nil {
			rej = reject.New(reject.StageGuard, reject.GuardRejected, "%s", gd.Reason)
		}
		return o.reject(log, res, rej)
	}
	o.pass(log, reject.StageGuard)

	// execution
	res.Stage = reject.StageExecution
	ord, err := o.opts.Engine.Submit(ctx, sized, gd)
	res.Order = ord
	if err != nil {
		var rej *reject.Rejection
		if !errors.As(err, &rej) {
			rej = reject.New(reject.StageExecution, reject.BrokerUnavailable, "%v", err)
		}
		res.Order = nil
		return o.reject(log, res, rej)
	}
	slot.Commit(o.opts.Now())
	o.pass(log, reject.StageExecution)
	o.opts.Metrics.OrderSubmitted(ord.Instrument, string(ord.Side), string(ord.Type))
	o.opts.Notifier.Notify(notify.Event{
		Type: notify.EventTradeOpened,
		Time: ord.Created,
		Fields: map[string]any{
			"order_id":   ord.ID,
			"instrument": ord.Instrument,
			"strategy":   sig.StrategyID,
			"side":       string(ord.Side),
			"qty":        ord.Qty,
			"type":       string(ord.Type),
			"state":      string(ord.State),
			"risk":       sized.RiskDollars,
			"rr":         sig.RR(),
			"regime":     string(st.Regime),
			"gear":       string(res.Gear),
		},
	})
	return res
}

// signal asks every strategy bound to the regime and keeps the most
// confident valid signal.
func (o *Orchestrator) signal(log *zap.Logger, f telemetry.Features, st regime.State) (*strategy.Signal, *reject.Rejection) {
	strats := o.opts.Strategies.ForRegime(st.Regime)
	if len(strats) == 0 {
		return nil, reject.New(reject.StageSignal, reject.NoStrategy, "no strategy for %s", st.Regime)
	}
	positions := o.opts.Engine.Positions()

	var best *strategy.Signal
	for _, s := range strats {
		sig := s.GenerateSignal(f, st, positions)
		if sig == nil {
			continue
		}
		if err := sig.Validate(); err != nil {
			log.Warn("strategy produced an invalid signal", zap.String("strategy", s.Name()), zap.Error(err))
			continue
		}
		if sig.StrategyID == "" {
			sig.StrategyID = s.Name()
		}
		if best == nil || sig.Confidence > best.Confidence {
			best = sig
		}
	}
	if best == nil {
		return nil, reject.New(reject.StageSignal, reject.NoSignal, "%d strategies silent", len(strats))
	}
	return best, nil
}

func (o *Orchestrator) account() constraints.Account {
	snap := o.opts.Governor.Snapshot()
	dll := o.opts.DailyLossLimit
	if dll > 0 {
		// only losses consume the allowance
		dll = max(0, dll+min(0, snap.DailyR)*snap.BaseRisk)
	}
	return constraints.Account{
		Equity:       snap.Equity,
		DLLRemaining: dll,
		MentalState:  snap.MentalState,
		Now:          o.opts.Now(),
	}
}

func (o *Orchestrator) pass(log *zap.Logger, stage reject.Stage) {
	log.Debug("stage passed", zap.String("stage", string(stage)))
	o.opts.Metrics.StagePassed(stage)
}

func (o *Orchestrator) reject(log *zap.Logger, res Result, rej *reject.Rejection) Result {
	res.Rejection = rej
	res.Stage = rej.Stage
	o.opts.Metrics.StageRejected(rej)

	switch rej.Code {
	case reject.NoSignal, reject.NoStrategy, reject.DataGap:
		log.Debug("stage rejected", zap.String("stage", string(rej.Stage)), zap.String("code", string(rej.Code)), zap.String("detail", rej.Detail))
		return res
	}
	log.Info("stage rejected", zap.String("stage", string(rej.Stage)), zap.String("code", string(rej.Code)), zap.String("detail", rej.Detail))

	fields := rej.Fields()
	fields["instrument"] = res.Instrument
	o.opts.Notifier.Notify(notify.Event{
		Type:    notify.EventRejection,
		Time:    o.opts.Now(),
		Message: rej.Error(),
		Fields:  fields,
	})
	return res
}
