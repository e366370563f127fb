package paper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/transmission/broker"
	"github.com/rustyeddy/transmission/market"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, slip float64) *Engine {
	t.Helper()
	reg, err := market.NewRegistry()
	require.NoError(t, err)
	e := NewEngine(Config{SlippageTicks: slip}, reg, nil)
	e.UpdatePrice(market.Quote{Instrument: "MNQ", Time: t0, Bid: 18000, Ask: 18000.25})
	return e
}

func TestMarketRoundTripRealizesPnL(t *testing.T) {
	t.Parallel()
	e := newEngine(t, 1)
	ctx := context.Background()

	var fills []broker.Fill
	e.SetFillHandler(func(f broker.Fill) { fills = append(fills, f) })

	_, err := e.Submit(ctx, broker.OrderRequest{ClientOrderID: "co-1", Instrument: "MNQ", Side: broker.Buy, Qty: 2, Type: broker.Market})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, 18000.5, fills[0].Price) // ask + 1 tick

	e.UpdatePrice(market.Quote{Instrument: "MNQ", Time: t0.Add(time.Minute), Bid: 18010.5, Ask: 18010.75})
	_, err = e.Submit(ctx, broker.OrderRequest{ClientOrderID: "co-2", Instrument: "MNQ", Side: broker.Sell, Qty: 2, Type: broker.Market})
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, 18010.25, fills[1].Price)

	// 9.75 points * 2 contracts * $2/point
	assert.InDelta(t, 39.0, e.RealizedPnL(), 1e-9)
	pos, _ := e.GetPositions(ctx)
	assert.Empty(t, pos)
}

func TestLimitRestsUntilCrossed(t *testing.T) {
	t.Parallel()
	e := newEngine(t, 0)
	ctx := context.Background()

	id, err := e.Submit(ctx, broker.OrderRequest{ClientOrderID: "co-1", Instrument: "MNQ", Side: broker.Buy, Qty: 1, Type: broker.Limit, LimitPrice: 17995})
	require.NoError(t, err)

	open, _ := e.GetOpenOrders(ctx)
	require.Len(t, open, 1)

	e.UpdatePrice(market.Quote{Instrument: "MNQ", Time: t0.Add(time.Second), Bid: 17994.5, Ask: 17994.75})
	o, err := e.Order(id)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFilled, o.Status)

	pos, _ := e.GetPositions(ctx)
	require.Len(t, pos, 1)
	assert.Equal(t, 1, pos[0].Qty)
	assert.Equal(t, 17994.75, pos[0].AvgPrice)
}

func TestSubmitIdempotentAndValidated(t *testing.T) {
	t.Parallel()
	e := newEngine(t, 0)
	ctx := context.Background()

	req := broker.OrderRequest{ClientOrderID: "co-1", Instrument: "MNQ", Side: broker.Buy, Qty: 1, Type: broker.Market}
	a, err := e.Submit(ctx, req)
	require.NoError(t, err)
	b, err := e.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	fills, _ := e.GetFills(ctx, time.Time{})
	assert.Len(t, fills, 1)

	_, err = e.Submit(ctx, broker.OrderRequest{ClientOrderID: "co-2", Instrument: "CL", Side: broker.Buy, Qty: 1, Type: broker.Market})
	assert.True(t, broker.IsFatal(err))
	assert.ErrorIs(t, err, broker.ErrUnknownInstrument)

	_, err = e.Submit(ctx, broker.OrderRequest{ClientOrderID: "co-3", Instrument: "MNQ", Side: broker.Buy, Qty: 21, Type: broker.Market})
	assert.True(t, broker.IsFatal(err))

	_, err = e.Submit(ctx, broker.OrderRequest{ClientOrderID: "co-4", Instrument: "MES", Side: broker.Buy, Qty: 1, Type: broker.Market})
	assert.ErrorIs(t, err, broker.ErrMarketClosed)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	e := newEngine(t, 0)
	ctx := context.Background()

	id, err := e.Submit(ctx, broker.OrderRequest{ClientOrderID: "co-1", Instrument: "MNQ", Side: broker.Sell, Qty: 1, Type: broker.Limit, LimitPrice: 18100})
	require.NoError(t, err)
	require.NoError(t, e.Cancel(ctx, id))
	require.NoError(t, e.Cancel(ctx, id))
	require.NoError(t, e.Cancel(ctx, "nope"))

	e.UpdatePrice(market.Quote{Instrument: "MNQ", Time: t0.Add(time.Second), Bid: 18200, Ask: 18200.25})
	o, _ := e.Order(id)
	assert.Equal(t, broker.StatusCanceled, o.Status)

	_, err = e.Order("nope")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPositionApply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		steps   [][2]float64 // delta, price
		wantQty int
		wantAvg float64
		wantPnL float64
	}{
		{"add", [][2]float64{{1, 100}, {1, 110}}, 2, 105, 0},
		{"reduce long", [][2]float64{{2, 100}, {-1, 110}}, 1, 100, 10},
		{"close short", [][2]float64{{-2, 100}, {2, 90}}, 0, 0, 20},
		{"flip", [][2]float64{{1, 100}, {-3, 95}}, -2, 95, -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var p position
			var pnl float64
			for _, s := range tt.steps {
				pnl += p.apply(int(s[0]), s[1])
			}
			assert.Equal(t, tt.wantQty, p.qty)
			assert.InDelta(t, tt.wantAvg, p.avg, 1e-9)
			assert.InDelta(t, tt.wantPnL, pnl, 1e-9)
		})
	}
}
