package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/transmission/broker"
	"github.com/rustyeddy/transmission/market"
	"github.com/rustyeddy/transmission/strategy"
)

func (h *harness) quote(q market.Quote) {
	h.b.SetQuote(q)
	h.e.OnQuote(context.Background(), q)
}

func managed(m ManageConfig) Config {
	cfg := fastConfig()
	cfg.Manage = m
	return cfg
}

func TestPartialFillIsProtectedByStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig())

	o, err := h.e.Submit(context.Background(), mnqLong(3), GuardDecision{Verdict: Downgrade, OrderType: broker.Limit, LimitPrice: 17995})
	require.NoError(t, err)
	_, err = h.b.FillOrder(o.BrokerOrderID, 1, 17995)
	require.NoError(t, err)

	h.quote(market.Quote{Instrument: "MNQ", Time: t0.Add(time.Minute), Bid: 17900, Ask: 17900.25})

	got, _ := h.e.Order(o.ID)
	assert.Equal(t, StateCanceled, got.State)
	assert.True(t, got.Closed)
	assert.Equal(t, ExitStop, got.CloseReason)
	assert.Equal(t, 1, got.ExitQty)
	// 95 points × $2 on the one filled contract
	assert.InDelta(t, -190.0, got.PnL, 1e-9)

	bo, ok := h.b.Order(o.BrokerOrderID)
	require.True(t, ok)
	assert.Equal(t, broker.StatusCanceled, bo.Status)
	assert.Equal(t, 1, h.b.Cancels())
	assert.Len(t, h.Results(), 1)

	positions, _ := h.b.GetPositions(context.Background())
	assert.Empty(t, positions)
	assert.Empty(t, h.e.Positions())
}

func TestPartialFillKeepsWorkingInsideBracket(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig())

	o, err := h.e.Submit(context.Background(), mnqLong(3), GuardDecision{Verdict: Downgrade, OrderType: broker.Limit, LimitPrice: 17995})
	require.NoError(t, err)
	_, err = h.b.FillOrder(o.BrokerOrderID, 1, 17995)
	require.NoError(t, err)

	h.quote(market.Quote{Instrument: "MNQ", Time: t0.Add(time.Minute), Bid: 17996, Ask: 17996.25})

	got, _ := h.e.Order(o.ID)
	assert.Equal(t, StatePartiallyFilled, got.State)
	assert.False(t, got.Closed)
	assert.Equal(t, 0, h.b.Cancels())
}

func TestScaleOutThenATRTrail(t *testing.T) {
	t.Parallel()
	h := newHarness(t, managed(ManageConfig{
		Trail:         TrailATR,
		ATRMultiple:   2,
		ActivationR:   1,
		MinTrailTicks: 4,
		ScaleOut:      []ScaleOut{{TargetR: 1, Fraction: 0.5}},
	}))
	ctx := context.Background()

	o, err := h.e.Submit(ctx, mnqLong(2), acceptMarket)
	require.NoError(t, err)
	require.Equal(t, 18000.25, o.AvgPrice)
	h.e.OnBar(ctx, "MNQ", 1.5)

	// 1R: entry 18000.25, initial stop 17990.25
	h.quote(market.Quote{Instrument: "MNQ", Time: t0.Add(time.Minute), Bid: 18010.25, Ask: 18010.5})

	got, _ := h.e.Order(o.ID)
	assert.Equal(t, StateManaged, got.State)
	assert.Equal(t, 1, got.ExitQty)
	assert.Empty(t, got.CloseReason)
	// 2 × ATR 1.5 behind the best bid
	assert.Equal(t, 18007.25, got.Stop)
	assert.Empty(t, h.Results())

	h.quote(market.Quote{Instrument: "MNQ", Time: t0.Add(2 * time.Minute), Bid: 18007, Ask: 18007.25})

	got, _ = h.e.Order(o.ID)
	assert.Equal(t, StateClosed, got.State)
	assert.Equal(t, ExitTrail, got.CloseReason)
	assert.Equal(t, 2, got.ExitQty)
	// exits at 18010.25 and 18007 against 18000.25, $2 a point
	assert.InDelta(t, 33.5, got.PnL, 1e-9)
	require.Len(t, h.Results(), 1)
	assert.Equal(t, ExitTrail, h.Results()[0].Reason)
}

func TestStopOnlyMovesInTradeFavor(t *testing.T) {
	t.Parallel()
	h := newHarness(t, managed(ManageConfig{Trail: TrailATR, ATRMultiple: 2, ActivationR: 0.5, MinTrailTicks: 4}))
	ctx := context.Background()

	o, err := h.e.Submit(ctx, mnqLong(1), acceptMarket)
	require.NoError(t, err)
	h.e.OnBar(ctx, "MNQ", 2)

	h.quote(market.Quote{Instrument: "MNQ", Time: t0.Add(time.Minute), Bid: 18015.25, Ask: 18015.5})
	got, _ := h.e.Order(o.ID)
	assert.Equal(t, 18011.25, got.Stop)

	// volatility expands and price pulls back; the stop holds
	h.e.OnBar(ctx, "MNQ", 6)
	h.quote(market.Quote{Instrument: "MNQ", Time: t0.Add(2 * time.Minute), Bid: 18012, Ask: 18012.25})
	got, _ = h.e.Order(o.ID)
	assert.Equal(t, 18011.25, got.Stop)
	assert.Equal(t, StateManaged, got.State)
}

func TestBreakEvenTrailShort(t *testing.T) {
	t.Parallel()
	h := newHarness(t, managed(ManageConfig{Trail: TrailBreakEven, ActivationR: 1}))

	o, err := h.e.Submit(context.Background(), mesShort(1), acceptMarket)
	require.NoError(t, err)
	require.Equal(t, 5000.0, o.AvgPrice)

	h.quote(market.Quote{Instrument: "MES", Time: t0.Add(time.Minute), Bid: 4995.75, Ask: 4996})
	got, _ := h.e.Order(o.ID)
	assert.Equal(t, 5000.0, got.Stop)

	h.quote(market.Quote{Instrument: "MES", Time: t0.Add(2 * time.Minute), Bid: 4999.75, Ask: 5000})
	got, _ = h.e.Order(o.ID)
	assert.Equal(t, StateClosed, got.State)
	assert.Equal(t, ExitTrail, got.CloseReason)
	assert.InDelta(t, 0.0, got.PnL, 1e-9)
}

func TestTimeStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, managed(ManageConfig{MaxBars: 3}))
	ctx := context.Background()

	o, err := h.e.Submit(ctx, mnqLong(1), acceptMarket)
	require.NoError(t, err)

	h.e.OnBar(ctx, "MES", 1)
	h.e.OnBar(ctx, "MNQ", 1)
	h.e.OnBar(ctx, "MNQ", 1)
	got, _ := h.e.Order(o.ID)
	assert.Equal(t, StateManaged, got.State)
	assert.Equal(t, 2, got.BarsHeld)

	h.e.OnBar(ctx, "MNQ", 1)
	got, _ = h.e.Order(o.ID)
	assert.Equal(t, StateClosed, got.State)
	assert.Equal(t, ExitTimeStop, got.CloseReason)
	// out at the 18000 bid
	assert.InDelta(t, -0.5, got.PnL, 1e-9)
}

func TestAdoptPositions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	_, err := h.e.Submit(ctx, mnqLong(2), acceptMarket)
	require.NoError(t, err)
	// left over from a previous process
	_, err = h.b.Submit(ctx, broker.OrderRequest{ClientOrderID: "co-old", Instrument: "MES", Side: broker.Sell, Qty: 2, Type: broker.Market})
	require.NoError(t, err)

	n, err := h.e.AdoptPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []strategy.Position{
		{Instrument: "MES", Direction: strategy.Short, Contracts: 2, AvgPrice: 5000},
		{Instrument: "MNQ", Direction: strategy.Long, Contracts: 2, AvgPrice: 18000.25},
	}, h.e.Positions())

	n, err = h.e.AdoptPositions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rep := h.e.FlattenAll(ctx, "shutdown")
	assert.Equal(t, 2, rep.ClosedPositions)
	assert.Empty(t, rep.Errors)
	positions, _ := h.b.GetPositions(ctx)
	assert.Empty(t, positions)
	for _, o := range h.e.Orders() {
		assert.True(t, o.Closed, o.Instrument)
	}
}

func TestManageConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     ManageConfig
		wantErr bool
	}{
		{"zero", ManageConfig{}, false},
		{"defaults", DefaultManageConfig(), false},
		{"unknown trail", ManageConfig{Trail: "swing"}, true},
		{"atr without multiple", ManageConfig{Trail: TrailATR}, true},
		{"negative bars", ManageConfig{MaxBars: -1}, true},
		{"fraction above one", ManageConfig{ScaleOut: []ScaleOut{{TargetR: 1, Fraction: 1.5}}}, true},
		{"zero target", ManageConfig{ScaleOut: []ScaleOut{{Fraction: 0.5}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
