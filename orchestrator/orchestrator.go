// Package orchestrator sequences the decision pipeline for every
// instrument on every evaluation cycle and wires the account-level
// observers (gear shifts, trade results, rollovers) to persistence,
// metrics and broadcast.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/transmission/constraints"
	"github.com/rustyeddy/transmission/execution"
	"github.com/rustyeddy/transmission/gear"
	"github.com/rustyeddy/transmission/journal"
	"github.com/rustyeddy/transmission/market"
	"github.com/rustyeddy/transmission/metrics"
	"github.com/rustyeddy/transmission/notify"
	"github.com/rustyeddy/transmission/regime"
	"github.com/rustyeddy/transmission/risk"
	"github.com/rustyeddy/transmission/strategy"
	"github.com/rustyeddy/transmission/telemetry"
)

// QuoteSource supplies the live top of book. Broker adapters satisfy it.
type QuoteSource interface {
	GetBidAsk(ctx context.Context, instrument string) (market.Quote, error)
}

// Link reports the health of the broker connection.
type Link interface {
	LatencyMs() float64
	Stable() bool
}

// StaticLink is a Link with a fixed latency that is always stable.
type StaticLink float64

func (l StaticLink) LatencyMs() float64 { return float64(l) }
func (StaticLink) Stable() bool         { return true }

type Options struct {
	Registry    *market.Registry
	Telemetry   *telemetry.Engine
	Thresholds  regime.Thresholds
	News        *regime.NewsCalendar
	Strategies  *strategy.Registry
	Governor    *risk.Governor
	Sizer       *risk.Sizer
	Constraints *constraints.Engine
	Guard       *execution.Guard
	Engine      *execution.Engine
	Quotes      QuoteSource
	Link        Link

	// DailyLossLimit is the profile's daily loss limit in dollars. The
	// remaining allowance handed to constraint validation is derived from
	// it and the ledger's daily R.
	DailyLossLimit float64

	Journal  journal.Journal
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Log      *zap.Logger
	Now      func() time.Time

	Workers    int // 0: unbounded
	WindowBars int
}

// lane is the per-instrument state. Its lock serializes cycles for one
// instrument; different instruments run in parallel.
type lane struct {
	mu         sync.Mutex
	window     []market.Bar
	classifier *regime.Classifier
}

type Orchestrator struct {
	opts Options
	log  *zap.Logger

	mu    sync.Mutex
	lanes map[string]*lane
}

func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("orchestrator: instrument registry is required")
	case opts.Telemetry == nil:
		return nil, errors.New("orchestrator: telemetry engine is required")
	case opts.Strategies == nil:
		return nil, errors.New("orchestrator: strategy registry is required")
	case opts.Governor == nil:
		return nil, errors.New("orchestrator: risk governor is required")
	case opts.Sizer == nil:
		return nil, errors.New("orchestrator: sizer is required")
	case opts.Constraints == nil:
		return nil, errors.New("orchestrator: constraint engine is required")
	case opts.Guard == nil:
		return nil, errors.New("orchestrator: execution guard is required")
	case opts.Engine == nil:
		return nil, errors.New("orchestrator: execution engine is required")
	case opts.Quotes == nil:
		return nil, errors.New("orchestrator: quote source is required")
	}
	if opts.Link == nil {
		opts.Link = StaticLink(0)
	}
	if opts.Journal == nil {
		opts.Journal = journal.Nop{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := opts.Telemetry.Params()
	if need := max(p.MinWindow(), p.HTFWindow()); opts.WindowBars < need {
		opts.WindowBars = max(need, 120)
	}

	o := &Orchestrator{
		opts:  opts,
		log:   opts.Log.With(zap.String("component", "orchestrator")),
		lanes: make(map[string]*lane),
	}
	o.wire()
	return o, nil
}

func (o *Orchestrator) wire() {
	gov := o.opts.Governor

	gov.OnTransition(o.onTransition)
	gov.OnRollover(o.onRollover)
	o.opts.Engine.OnTradeClosed(o.onTradeClosed)

	for _, c := range o.opts.Constraints.Clamps() {
		o.opts.Notifier.Notify(notify.Event{
			Type:    notify.EventClamp,
			Time:    o.opts.Now(),
			Message: c.String(),
			Fields:  map[string]any{"field": c.Field, "requested": c.Requested, "applied": c.Applied},
		})
	}

	snap := gov.Snapshot()
	o.opts.Metrics.SetGear(snap.Gear)
	o.opts.Metrics.SetLedger(snap.DailyR, snap.WeeklyR, snap.CurrentRisk)
}

func (o *Orchestrator) onTransition(t gear.Transition, snap risk.Snapshot) {
	o.opts.Metrics.GearShift(t)
	o.opts.Metrics.SetGear(t.To)

	err := o.opts.Journal.LogGearShift(journal.GearShift{
		Time:    t.At,
		From:    string(t.From),
		To:      string(t.To),
		Rule:    t.Rule,
		Reason:  string(t.Reason),
		DailyR:  snap.DailyR,
		WeeklyR: snap.WeeklyR,
	})
	if err != nil {
		o.log.Error("journal gear shift", zap.Error(err))
	}

	fields := snap.Fields()
	fields["from"] = string(t.From)
	fields["to"] = string(t.To)
	fields["rule"] = t.Rule
	fields["reason"] = string(t.Reason)
	o.opts.Notifier.Notify(notify.Event{
		Type:    notify.EventGearShift,
		Time:    t.At,
		Message: string(t.From) + " -> " + string(t.To),
		Fields:  fields,
	})
}

func (o *Orchestrator) onRollover(newDay, newWeek bool) {
	if newDay {
		o.opts.Constraints.ResetDay()
	}
	if newWeek {
		o.opts.Constraints.ResetWeek()
	}
	o.log.Info("period rollover", zap.Bool("day", newDay), zap.Bool("week", newWeek))
	o.opts.Notifier.Notify(notify.Event{
		Type:   notify.EventRollover,
		Time:   o.opts.Now(),
		Fields: map[string]any{"day": newDay, "week": newWeek},
	})
}

func (o *Orchestrator) onTradeClosed(tr execution.TradeResult) {
	d := o.opts.Governor.RecordTradeResult(tr.RMultiple)
	o.opts.Metrics.TradeClosed(tr.Reason, tr.RMultiple)

	o.opts.Notifier.Notify(notify.Event{
		Type: notify.EventTradeClosed,
		Time: tr.Time,
		Fields: map[string]any{
			"order_id":   tr.OrderID,
			"instrument": tr.Instrument,
			"strategy":   tr.Strategy,
			"pnl":        tr.PnL,
			"r":          tr.RMultiple,
			"reason":     tr.Reason,
			"gear":       string(d.Gear),
		},
	})
}

// OnQuote drives in-trade management (stops and targets) for open
// positions.
func (o *Orchestrator) OnQuote(ctx context.Context, q market.Quote) {
	o.opts.Engine.OnQuote(ctx, q)
}

// Flatten cancels every working order, closes every position and parks
// the gear.
func (o *Orchestrator) Flatten(ctx context.Context, reason string) execution.FlattenReport {
	rep := o.opts.Engine.FlattenAll(ctx, reason)
	o.opts.Metrics.Flatten()
	o.opts.Metrics.SetGear(rep.Gear)
	return rep
}

func (o *Orchestrator) lane(instrument string) *lane {
	o.mu.Lock()
	defer o.mu.Unlock()

	l, ok := o.lanes[instrument]
	if !ok {
		l = &lane{classifier: regime.NewClassifier(o.opts.Thresholds)}
		o.lanes[instrument] = l
	}
	return l
}

// push appends b to the lane window, keeping at most n bars. It reports
// false if b does not advance time.
func (l *lane) push(b market.Bar, n int) bool {
	if k := len(l.window); k > 0 && !b.Time.After(l.window[k-1].Time) {
		return false
	}
	l.window = append(l.window, b)
	if over := len(l.window) - n; over > 0 {
		l.window = append(l.window[:0:0], l.window[over:]...)
	}
	return true
}

// Seed loads history into the instrument windows without evaluating it.
// Bars must be in time order per instrument; stale bars are dropped.
func (o *Orchestrator) Seed(bars ...market.Bar) int {
	n := 0
	for _, b := range bars {
		l := o.lane(b.Instrument)
		l.mu.Lock()
		if l.push(b, o.opts.WindowBars) {
			n++
		}
		l.mu.Unlock()
	}
	return n
}
