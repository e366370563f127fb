package execution

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/transmission/broker"
	"github.com/rustyeddy/transmission/pkg/id"
	"github.com/rustyeddy/transmission/strategy"
)

type ReconcileReport struct {
	Adopted      int // broker ids learned from open orders
	FillsApplied int
	Canceled     int // submitted orders the broker no longer holds
}

// Reconcile resolves orders in an unknown state against the broker's open
// orders and fills. Orders still being submitted are left alone.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport

	e.mu.Lock()
	var (
		pending []*order
		since   time.Time
	)
	for _, o := range e.sortedLocked() {
		if o.state == StateSubmitted || o.state == StatePartiallyFilled {
			pending = append(pending, o)
			if since.IsZero() || o.created.Before(since) {
				since = o.created
			}
		}
	}
	e.mu.Unlock()
	if len(pending) == 0 {
		return rep, nil
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()

	open, err := e.b.GetOpenOrders(cctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile open orders: %w", err)
	}
	fills, err := e.b.GetFills(cctx, since.Add(-time.Minute))
	if err != nil {
		return rep, fmt.Errorf("reconcile fills: %w", err)
	}

	for _, f := range fills {
		e.mu.Lock()
		acts, applied := e.applyFillLocked(f)
		e.mu.Unlock()
		if applied {
			rep.FillsApplied++
			e.run(ctx, acts)
		}
	}

	openByClient := make(map[string]string, len(open))
	for _, o := range open {
		openByClient[o.ClientOrderID] = o.BrokerOrderID
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range pending {
		if bid, ok := openByClient[o.clientID]; ok {
			if o.brokerID == "" {
				o.brokerID = bid
				rep.Adopted++
			}
			continue
		}
		if o.state == StateSubmitted {
			_ = o.transition(StateCanceled)
			rep.Canceled++
			e.log.Warn("order missing at broker", zap.String("order_id", o.id), zap.String("client_order_id", o.clientID))
		}
	}
	return rep, nil
}

// AdoptedStrategy names trades taken over from broker positions.
const AdoptedStrategy = "adopted"

// AdoptPositions takes over broker positions the engine does not account
// for, such as ones left open by a previous process. Each difference
// between the broker's net quantity and the engine's becomes a managed
// trade at the broker's average price. Adopted trades have no stop or
// target; flatten-all closes them.
func (e *Engine) AdoptPositions(ctx context.Context) (int, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	positions, err := e.b.GetPositions(cctx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("adopt positions: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	net := make(map[string]int)
	for _, o := range e.orders {
		net[o.instrument] += (o.entry.contracts() - o.exit.contracts()) * o.side.Sign()
	}

	adopted := 0
	for _, p := range positions {
		diff := p.Qty - net[p.Instrument]
		if diff == 0 {
			continue
		}
		spec, ok := e.reg.Get(p.Instrument)
		if !ok {
			e.log.Warn("broker position on unknown instrument", zap.String("instrument", p.Instrument), zap.Int("qty", p.Qty))
			continue
		}
		side, dir := broker.Buy, strategy.Long
		if diff < 0 {
			side, dir = broker.Sell, strategy.Short
		}
		o := &order{
			id:         id.TradeID(),
			clientID:   id.ClientOrderID(),
			instrument: p.Instrument,
			side:       side,
			qty:        abs(diff),
			typ:        broker.Market,
			state:      StateManaged,
			signal: strategy.Signal{
				StrategyID: AdoptedStrategy,
				Instrument: p.Instrument,
				Direction:  dir,
				Entry:      p.AvgPrice,
			},
			created:    e.now(),
			pointValue: spec.PointValue(),
			adopted:    true,
		}
		o.entry.add(o.qty, p.AvgPrice)
		e.orders[o.id] = o
		e.byClient[o.clientID] = o
		e.journalTradeLocked(o)
		adopted++

		e.log.Warn("adopted broker position",
			zap.String("order_id", o.id),
			zap.String("instrument", o.instrument),
			zap.String("side", string(o.side)),
			zap.Int("qty", o.qty),
			zap.Float64("avg_price", p.AvgPrice),
		)
	}
	return adopted, nil
}
