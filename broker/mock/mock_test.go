package mock

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

func newBroker() *Broker {
	b := New(func() time.Time { return t0 })
	b.SetQuote(market.Quote{Instrument: "MNQ", Time: t0, Bid: 18000, Ask: 18000.25})
	return b
}

func req(id string, side broker.Side, qty int) broker.OrderRequest {
	return broker.OrderRequest{ClientOrderID: id, Instrument: "MNQ", Side: side, Qty: qty, Type: broker.Market}
}

func TestMarketOrderFillsAtTouch(t *testing.T) {
	t.Parallel()
	b := newBroker()

	var got []broker.Fill
	b.SetFillHandler(func(f broker.Fill) { got = append(got, f) })

	id, err := b.Submit(context.Background(), req("co-1", broker.Buy, 2))
	require.NoError(t, err)
	assert.Equal(t, "B-000001", id)
	require.Len(t, got, 1)
	assert.Equal(t, "F-000001", got[0].FillID)
	assert.Equal(t, 18000.25, got[0].Price)
	assert.Equal(t, 2, got[0].Qty)

	pos, err := b.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, 2, pos[0].Qty)

	_, err = b.Submit(context.Background(), req("co-2", broker.Sell, 2))
	require.NoError(t, err)
	pos, _ = b.GetPositions(context.Background())
	assert.Empty(t, pos)
}

func TestSubmitIsIdempotent(t *testing.T) {
	t.Parallel()
	b := newBroker()

	id1, err := b.Submit(context.Background(), req("co-1", broker.Buy, 1))
	require.NoError(t, err)
	id2, err := b.Submit(context.Background(), req("co-1", broker.Buy, 1))
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	fills, _ := b.GetFills(context.Background(), time.Time{})
	assert.Len(t, fills, 1)
	assert.Equal(t, 2, b.Submits())
}

func TestScriptedFailures(t *testing.T) {
	t.Parallel()
	b := newBroker()

	b.Script(Fail, ErrScripted)
	_, err := b.Submit(context.Background(), req("co-1", broker.Buy, 1))
	assert.True(t, broker.IsTransient(err))
	open, _ := b.GetOpenOrders(context.Background())
	assert.Empty(t, open)

	b.Script(AcceptThenFail, ErrScripted)
	_, err = b.Submit(context.Background(), req("co-2", broker.Buy, 1))
	assert.Error(t, err)
	fills, _ := b.GetFills(context.Background(), time.Time{})
	require.Len(t, fills, 1)
	assert.Equal(t, "co-2", fills[0].ClientOrderID)
}

func TestHangRecordsOrder(t *testing.T) {
	t.Parallel()
	b := newBroker()
	b.Script(Hang, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	lim := req("co-1", broker.Buy, 1)
	lim.Type = broker.Limit
	lim.LimitPrice = 17990
	_, err := b.Submit(ctx, lim)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	open, _ := b.GetOpenOrders(context.Background())
	require.Len(t, open, 1)
	assert.Equal(t, "co-1", open[0].ClientOrderID)
}

func TestLimitOrderRestsAndCancels(t *testing.T) {
	t.Parallel()
	b := newBroker()

	lim := req("co-1", broker.Buy, 3)
	lim.Type = broker.Limit
	lim.LimitPrice = 17990
	id, err := b.Submit(context.Background(), lim)
	require.NoError(t, err)

	f, err := b.FillOrder(id, 1, 17990)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Qty)
	o, _ := b.Order(id)
	assert.Equal(t, broker.StatusWorking, o.Status)
	assert.Equal(t, 1, o.FilledQty)

	require.NoError(t, b.Cancel(context.Background(), id))
	o, _ = b.Order(id)
	assert.Equal(t, broker.StatusCanceled, o.Status)

	// canceling again, or an unknown id, is a no-op
	assert.NoError(t, b.Cancel(context.Background(), id))
	assert.NoError(t, b.Cancel(context.Background(), "B-999999"))

	_, err = b.FillOrder(id, 1, 17990)
	assert.Error(t, err)
}

func TestMarketClosed(t *testing.T) {
	t.Parallel()
	b := newBroker()
	b.SetMarketOpen("MNQ", false)

	open, err := b.IsMarketOpen(context.Background(), "MNQ")
	require.NoError(t, err)
	assert.False(t, open)

	_, err = b.Submit(context.Background(), req("co-1", broker.Buy, 1))
	assert.True(t, broker.IsFatal(err))
	assert.ErrorIs(t, err, broker.ErrMarketClosed)
}

func TestQuotes(t *testing.T) {
	t.Parallel()
	b := newBroker()

	p, err := b.GetPrice(context.Background(), "MNQ")
	require.NoError(t, err)
	assert.InDelta(t, 18000.125, p, 1e-9)

	_, err = b.GetBidAsk(context.Background(), "MES")
	assert.ErrorIs(t, err, broker.ErrNoQuote)
}
