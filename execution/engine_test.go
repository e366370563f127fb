package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/transmission/broker"
	"github.com/rustyeddy/transmission/broker/mock"
	"github.com/rustyeddy/transmission/gear"
	"github.com/rustyeddy/transmission/market"
	"github.com/rustyeddy/transmission/notify"
	"github.com/rustyeddy/transmission/regime"
	"github.com/rustyeddy/transmission/reject"
	"github.com/rustyeddy/transmission/risk"
	"github.com/rustyeddy/transmission/strategy"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

type gate struct {
	mu   sync.Mutex
	ok   bool
	code reject.Code
}

func (g *gate) Allowed() (bool, reject.Code) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ok, g.code
}

func (g *gate) Gear() gear.Gear { return gear.Drive }

type parker struct {
	mu    sync.Mutex
	calls []gear.Reason
}

func (p *parker) Park(r gear.Reason) (gear.Decision, risk.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, r)
	return gear.Decision{Gear: gear.Park}, risk.Snapshot{}
}

type harness struct {
	b      *mock.Broker
	e      *Engine
	gate   *gate
	parker *parker
	rec    *notify.Recorder

	mu      sync.Mutex
	results []TradeResult
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg, err := market.NewRegistry()
	require.NoError(t, err)

	h := &harness{
		b:      mock.New(func() time.Time { return t0 }),
		gate:   &gate{ok: true},
		parker: &parker{},
		rec:    &notify.Recorder{},
	}
	h.b.SetQuote(market.Quote{Instrument: "MNQ", Time: t0, Bid: 18000, Ask: 18000.25})
	h.b.SetQuote(market.Quote{Instrument: "MES", Time: t0, Bid: 5000, Ask: 5000.25})

	h.e, err = NewEngine(Options{
		Config:   cfg,
		Broker:   h.b,
		Registry: reg,
		Gate:     h.gate,
		Parker:   h.parker,
		Notifier: h.rec,
		Now:      func() time.Time { return t0 },
	})
	require.NoError(t, err)
	h.e.OnTradeClosed(func(r TradeResult) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.results = append(h.results, r)
	})
	return h
}

func (h *harness) Results() []TradeResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]TradeResult(nil), h.results...)
}

func fastConfig() Config {
	return Config{SubmitTimeout: 50 * time.Millisecond, MaxAttempts: 3, RetryBackoff: time.Millisecond}
}

func mnqLong(contracts int) risk.SizedOrder {
	return risk.SizedOrder{
		Signal: strategy.Signal{
			StrategyID: "vwap_pullback",
			Instrument: "MNQ",
			Direction:  strategy.Long,
			Entry:      18000,
			Stop:       17990.25,
			Target:     18020.25,
			Regime:     regime.Trend,
		},
		Contracts:   contracts,
		RiskDollars: 40,
	}
}

func mesShort(contracts int) risk.SizedOrder {
	return risk.SizedOrder{
		Signal: strategy.Signal{
			StrategyID: "mean_reversion",
			Instrument: "MES",
			Direction:  strategy.Short,
			Entry:      5000,
			Stop:       5004,
			Target:     4994,
			Regime:     regime.Range,
		},
		Contracts:   contracts,
		RiskDollars: 20,
	}
}

var acceptMarket = GuardDecision{Verdict: Accept, OrderType: broker.Market}

func TestSubmitFillAndTargetExit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	o, err := h.e.Submit(ctx, mnqLong(2), acceptMarket)
	require.NoError(t, err)
	assert.Equal(t, StateManaged, o.State)
	assert.Equal(t, 2, o.FilledQty)
	assert.Equal(t, 18000.25, o.AvgPrice)
	assert.NotEmpty(t, o.BrokerOrderID)

	pos := h.e.Positions()
	require.Len(t, pos, 1)
	assert.Equal(t, strategy.Position{Instrument: "MNQ", Direction: strategy.Long, Contracts: 2, AvgPrice: 18000.25}, pos[0])

	// one tick of adverse slippage against the signal entry
	assert.InDelta(t, 1.0, h.e.SlippageP90(), 1e-9)

	q := market.Quote{Instrument: "MNQ", Time: t0.Add(time.Minute), Bid: 18020.25, Ask: 18020.5}
	h.b.SetQuote(q)
	h.e.OnQuote(ctx, q)

	got, ok := h.e.Order(o.ID)
	require.True(t, ok)
	assert.Equal(t, StateClosed, got.State)
	assert.True(t, got.Closed)
	assert.Equal(t, ExitTarget, got.CloseReason)
	// 20 points × 2 contracts × $2
	assert.InDelta(t, 80.0, got.PnL, 1e-9)
	assert.InDelta(t, 2.0, got.RMultiple, 1e-9)

	res := h.Results()
	require.Len(t, res, 1)
	assert.InDelta(t, 2.0, res[0].RMultiple, 1e-9)
	assert.Empty(t, h.e.Positions())
}

func TestStopExitShort(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	o, err := h.e.Submit(ctx, mesShort(1), acceptMarket)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, o.AvgPrice)

	q := market.Quote{Instrument: "MES", Time: t0.Add(time.Minute), Bid: 5003.75, Ask: 5004}
	h.b.SetQuote(q)
	h.e.OnQuote(ctx, q)

	got, _ := h.e.Order(o.ID)
	assert.Equal(t, StateClosed, got.State)
	assert.Equal(t, ExitStop, got.CloseReason)
	// 4 points × $5
	assert.InDelta(t, -20.0, got.PnL, 1e-9)
	assert.InDelta(t, -1.0, got.RMultiple, 1e-9)
}

func TestFillRedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig())

	o, err := h.e.Submit(context.Background(), mnqLong(2), acceptMarket)
	require.NoError(t, err)
	require.Len(t, o.Fills, 1)

	h.b.Redeliver(o.Fills[0])
	h.e.OnFill(o.Fills[0])

	got, _ := h.e.Order(o.ID)
	assert.Equal(t, 2, got.FilledQty)
	assert.Len(t, got.Fills, 1)
	assert.Equal(t, StateManaged, got.State)
}

func TestPartialFills(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig())

	o, err := h.e.Submit(context.Background(), mnqLong(3), GuardDecision{Verdict: Downgrade, OrderType: broker.Limit, LimitPrice: 17995})
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, o.State)

	_, err = h.b.FillOrder(o.BrokerOrderID, 1, 17995)
	require.NoError(t, err)
	got, _ := h.e.Order(o.ID)
	assert.Equal(t, StatePartiallyFilled, got.State)

	_, err = h.b.FillOrder(o.BrokerOrderID, 2, 17994.75)
	require.NoError(t, err)
	got, _ = h.e.Order(o.ID)
	assert.Equal(t, StateManaged, got.State)
	assert.Equal(t, 3, got.FilledQty)
	assert.InDelta(t, 17994.833333, got.AvgPrice, 1e-6)
}

func TestGateClosedBeforeDispatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig())
	h.gate.ok, h.gate.code = false, reject.DailyLossLimit

	o, err := h.e.Submit(context.Background(), mnqLong(1), acceptMarket)
	var rej *reject.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, reject.TripwireAtSubmit, rej.Code)
	assert.Equal(t, StateCanceled, o.State)
	assert.Equal(t, 0, h.b.Submits())
}

func TestGuardRejectNeverReachesBroker(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig())

	d := GuardDecision{Verdict: Reject, Rejection: reject.New(reject.StageGuard, reject.SpreadExceedsCeiling, "6 ticks")}
	o, err := h.e.Submit(context.Background(), mnqLong(1), d)
	assert.Nil(t, o)
	assert.ErrorIs(t, err, d.Rejection)
	assert.Equal(t, 0, h.b.Submits())
	assert.Empty(t, h.e.Orders())
}

func TestTransientFailuresRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig())
	h.b.Script(mock.Fail, mock.ErrScripted)
	h.b.Script(mock.Fail, mock.ErrScripted)

	o, err := h.e.Submit(context.Background(), mnqLong(1), acceptMarket)
	require.NoError(t, err)
	assert.Equal(t, StateManaged, o.State)
	assert.Equal(t, 3, h.b.Submits())
}

func TestLostResponseReconciledNotResent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig())
	h.b.Script(mock.AcceptThenFail, mock.ErrScripted)

	o, err := h.e.Submit(context.Background(), mnqLong(1), acceptMarket)
	require.NoError(t, err)
	assert.Equal(t, StateManaged, o.State)
	assert.Equal(t, 1, h.b.Submits())

	fills, _ := h.b.GetFills(context.Background(), time.Time{})
	assert.Len(t, fills, 1)
}

func TestTimeoutReconcilesOpenOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{SubmitTimeout: 20 * time.Millisecond, MaxAttempts: 3, RetryBackoff: time.Millisecond})
	h.b.Script(mock.Hang, nil)

	o, err := h.e.Submit(context.Background(), mnqLong(1), GuardDecision{Verdict: Downgrade, OrderType: broker.Limit, LimitPrice: 17990})
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, o.State)
	assert.Equal(t, "B-000001", o.BrokerOrderID)
	assert.Equal(t, 1, h.b.Submits())
}

func TestFatalErrorRejects(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig())
	h.b.Script(mock.Fail, &broker.FatalError{Op: "submit", Err: errors.New("insufficient margin")})

	o, err := h.e.Submit(context.Background(), mnqLong(1), acceptMarket)
	var rej *reject.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, reject.BrokerRejected, rej.Code)
	assert.Equal(t, StateRejected, o.State)
	assert.Equal(t, 1, h.b.Submits())

	h.b.SetMarketOpen("MNQ", false)
	o, err = h.e.Submit(context.Background(), mnqLong(1), acceptMarket)
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, reject.MarketClosed, rej.Code)
	assert.Equal(t, StateRejected, o.State)
}

func TestFlattenAllScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	a, err := h.e.Submit(ctx, mnqLong(2), acceptMarket)
	require.NoError(t, err)
	b, err := h.e.Submit(ctx, mesShort(1), acceptMarket)
	require.NoError(t, err)
	pending, err := h.e.Submit(ctx, mnqLong(1), GuardDecision{Verdict: Downgrade, OrderType: broker.Limit, LimitPrice: 17900})
	require.NoError(t, err)

	rep := h.e.FlattenAll(ctx, "manual")
	assert.Equal(t, 1, rep.CanceledOrders)
	assert.Equal(t, 2, rep.ClosedPositions)
	assert.Empty(t, rep.Errors)
	assert.Equal(t, gear.Park, rep.Gear)
	assert.Equal(t, []gear.Reason{gear.ReasonFlattenAll}, h.parker.calls)

	require.Len(t, h.rec.Events(), 1)
	assert.Equal(t, 1, h.rec.Count(notify.EventFlattenAll))
	assert.Equal(t, 2, h.rec.Events()[0].Fields["closed_positions"])

	for _, id := range []string{a.ID, b.ID} {
		o, _ := h.e.Order(id)
		assert.Equal(t, StateClosed, o.State)
		assert.Equal(t, "manual", o.CloseReason)
	}
	o, _ := h.e.Order(pending.ID)
	assert.Equal(t, StateCanceled, o.State)

	positions, _ := h.b.GetPositions(ctx)
	assert.Empty(t, positions)
	open, _ := h.b.GetOpenOrders(ctx)
	assert.Empty(t, open)
	assert.Len(t, h.Results(), 2)
}

func TestFillOnCanceledOrderIsCompensated(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	o, err := h.e.Submit(ctx, mnqLong(2), GuardDecision{Verdict: Downgrade, OrderType: broker.Limit, LimitPrice: 17995})
	require.NoError(t, err)

	// the broker never gets the cancel, so the order can still fill
	h.b.FailCancels(&broker.TransientError{Op: "cancel", Err: errors.New("timeout")})
	rep := h.e.FlattenAll(ctx, "manual")
	assert.Equal(t, 1, rep.CanceledOrders)
	assert.Len(t, rep.Errors, 1)

	_, err = h.b.FillOrder(o.BrokerOrderID, 2, 17995)
	require.NoError(t, err)

	got, _ := h.e.Order(o.ID)
	assert.Equal(t, StateCanceled, got.State)
	assert.True(t, got.Closed)
	assert.Equal(t, ExitCompensating, got.CloseReason)

	positions, _ := h.b.GetPositions(ctx)
	assert.Empty(t, positions)
}

func TestFlattenClosesUntrackedBrokerPositions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	// a position opened outside this engine
	_, err := h.b.Submit(ctx, broker.OrderRequest{ClientOrderID: "co-old", Instrument: "MES", Side: broker.Buy, Qty: 3, Type: broker.Market})
	require.NoError(t, err)

	rep := h.e.FlattenAll(ctx, "startup")
	assert.Equal(t, 1, rep.ClosedPositions)
	positions, _ := h.b.GetPositions(ctx)
	assert.Empty(t, positions)
}

func TestReconcileAppliesMissedFills(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	o, err := h.e.Submit(ctx, mnqLong(1), GuardDecision{Verdict: Downgrade, OrderType: broker.Limit, LimitPrice: 17995})
	require.NoError(t, err)

	// push delivery is lost
	h.b.SetFillHandler(nil)
	_, err = h.b.FillOrder(o.BrokerOrderID, 1, 17995)
	require.NoError(t, err)

	got, _ := h.e.Order(o.ID)
	assert.Equal(t, StateSubmitted, got.State)

	rep, err := h.e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.FillsApplied)

	got, _ = h.e.Order(o.ID)
	assert.Equal(t, StateManaged, got.State)

	// a second pass finds nothing new
	rep, err = h.e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{}, rep)
}

func TestNewEngineValidation(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(Options{})
	assert.Error(t, err)

	_, err = NewEngine(Options{Broker: mock.New(nil)})
	assert.Error(t, err)
}
