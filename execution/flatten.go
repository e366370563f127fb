package execution

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/transmission/broker"
	"github.com/rustyeddy/transmission/gear"
	"github.com/rustyeddy/transmission/notify"
	"github.com/rustyeddy/transmission/pkg/id"
)

// FlattenReport aggregates one flatten-all run.
type FlattenReport struct {
	Reason          string
	At              time.Time
	Gear            gear.Gear
	CanceledOrders  int
	ClosedPositions int
	Errors          []string
}

func (r FlattenReport) Fields() map[string]any {
	return map[string]any{
		"reason":           r.Reason,
		"gear":             string(r.Gear),
		"canceled_orders":  r.CanceledOrders,
		"closed_positions": r.ClosedPositions,
		"errors":           r.Errors,
	}
}

// FlattenAll parks the gear, cancels every working entry order, closes every
// open position at market and emits a single flatten event. Positions held
// at the broker on instruments the engine does not track are closed too.
func (e *Engine) FlattenAll(ctx context.Context, reason string) FlattenReport {
	rep := FlattenReport{Reason: reason, At: e.now()}
	if e.parker != nil {
		d, _ := e.parker.Park(gear.ReasonFlattenAll)
		rep.Gear = d.Gear
	}

	var (
		cancels []string
		acts    actions
		tracked = map[string]bool{}
	)
	e.mu.Lock()
	for _, o := range e.sortedLocked() {
		if o.state.Working() {
			_ = o.transition(StateCanceled)
			rep.CanceledOrders++
			tracked[o.instrument] = true
			if o.brokerID != "" {
				cancels = append(cancels, o.brokerID)
			}
		}
		if n := o.open(); n > 0 && !o.closed {
			acts.closes = append(acts.closes, e.newExitLocked(o, n, reason))
			rep.ClosedPositions++
			tracked[o.instrument] = true
		}
	}
	e.mu.Unlock()

	for _, err := range e.cancelAll(ctx, cancels) {
		rep.Errors = append(rep.Errors, err.Error())
	}
	for _, err := range e.run(ctx, acts) {
		rep.Errors = append(rep.Errors, err.Error())
	}
	e.closeUntracked(ctx, tracked, &rep)

	e.log.Warn("flatten all",
		zap.String("reason", reason),
		zap.Int("canceled_orders", rep.CanceledOrders),
		zap.Int("closed_positions", rep.ClosedPositions),
		zap.Strings("errors", rep.Errors),
	)
	e.notifier.Notify(notify.Event{
		Type:    notify.EventFlattenAll,
		Time:    rep.At,
		Message: "flatten all: " + reason,
		Fields:  rep.Fields(),
	})
	return rep
}

// closeUntracked flattens broker positions the engine has no orders for,
// such as ones left over from a previous process.
func (e *Engine) closeUntracked(ctx context.Context, tracked map[string]bool, rep *FlattenReport) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	positions, err := e.b.GetPositions(cctx)
	cancel()
	if err != nil {
		rep.Errors = append(rep.Errors, "positions: "+err.Error())
		return
	}
	for _, p := range positions {
		if p.Qty == 0 || tracked[p.Instrument] {
			continue
		}
		side := broker.Sell
		if p.Qty < 0 {
			side = broker.Buy
		}
		req := broker.OrderRequest{
			ClientOrderID: id.ClientOrderID(),
			Instrument:    p.Instrument,
			Side:          side,
			Qty:           abs(p.Qty),
			Type:          broker.Market,
		}
		if _, err := e.dispatch(ctx, req, e.now()); err != nil {
			rep.Errors = append(rep.Errors, "close "+p.Instrument+": "+err.Error())
			continue
		}
		rep.ClosedPositions++
	}
}
