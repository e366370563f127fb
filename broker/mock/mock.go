// Package mock is a deterministic in-memory broker for tests and dry runs.
// Ids are sequential, market orders fill immediately at the touch, and
// failures can be scripted per operation.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/transmission/broker"
	"github.com/rustyeddy/transmission/market"
)

// Behavior scripts the next Submit call.
type Behavior int

const (
	// Fail returns the scripted error without recording the order.
	Fail Behavior = iota
	// AcceptThenFail records (and fills) the order, then returns the error
	// as if the response was lost.
	AcceptThenFail
	// Hang records the order and blocks until the context is done.
	Hang
)

type script struct {
	behavior Behavior
	err      error
}

// Broker implements broker.Adapter and broker.FillSource.
type Broker struct {
	mu        sync.Mutex
	now       func() time.Time
	quotes    *market.QuoteStore
	closed    map[string]bool
	orders    map[string]*broker.Order // by broker id
	byCli     map[string]string        // client id -> broker id
	pos       map[string]*broker.Position
	fills     []broker.Fill
	scripts   []script
	cancelErr error

	nextOrder int
	nextFill  int
	handler   func(broker.Fill)

	submits int
	cancels int
}

func New(now func() time.Time) *Broker {
	if now == nil {
		now = time.Now
	}
	return &Broker{
		now:    now,
		quotes: market.NewQuoteStore(),
		closed: make(map[string]bool),
		orders: make(map[string]*broker.Order),
		byCli:  make(map[string]string),
		pos:    make(map[string]*broker.Position),
	}
}

func (b *Broker) SetFillHandler(fn func(broker.Fill)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = fn
}

func (b *Broker) SetQuote(q market.Quote) { b.quotes.Set(q) }

func (b *Broker) SetMarketOpen(instrument string, open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed[instrument] = !open
}

// Script queues a behavior for the next Submit call.
func (b *Broker) Script(behavior Behavior, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts = append(b.scripts, script{behavior: behavior, err: err})
}

// FailCancels makes every Cancel return err until called with nil.
func (b *Broker) FailCancels(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelErr = err
}

// Submits counts Submit calls, including failed ones.
func (b *Broker) Submits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits
}

func (b *Broker) Cancels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancels
}

func (b *Broker) IsMarketOpen(ctx context.Context, instrument string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed[instrument], nil
}

func (b *Broker) GetPrice(ctx context.Context, instrument string) (float64, error) {
	q, err := b.GetBidAsk(ctx, instrument)
	if err != nil {
		return 0, err
	}
	return q.Mid(), nil
}

func (b *Broker) GetBidAsk(ctx context.Context, instrument string) (market.Quote, error) {
	q, err := b.quotes.Get(instrument)
	if err != nil {
		return market.Quote{}, fmt.Errorf("%w for %s", broker.ErrNoQuote, instrument)
	}
	return q, nil
}

func (b *Broker) Submit(ctx context.Context, req broker.OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", &broker.FatalError{Op: "submit", Err: err}
	}

	b.mu.Lock()
	b.submits++
	if id, ok := b.byCli[req.ClientOrderID]; ok {
		b.mu.Unlock()
		return id, nil
	}

	var sc *script
	if len(b.scripts) > 0 {
		s := b.scripts[0]
		b.scripts = b.scripts[1:]
		sc = &s
	}
	if sc != nil && sc.behavior == Fail {
		b.mu.Unlock()
		return "", sc.err
	}
	if b.closed[req.Instrument] {
		b.mu.Unlock()
		return "", &broker.FatalError{Op: "submit", Err: broker.ErrMarketClosed}
	}

	id := b.acceptLocked(req)
	fill, handler, filled := b.maybeFillLocked(id)
	b.mu.Unlock()

	if filled && handler != nil {
		handler(fill)
	}

	if sc != nil {
		switch sc.behavior {
		case AcceptThenFail:
			return "", sc.err
		case Hang:
			<-ctx.Done()
			return "", ctx.Err()
		}
	}
	return id, nil
}

func (b *Broker) acceptLocked(req broker.OrderRequest) string {
	b.nextOrder++
	id := fmt.Sprintf("B-%06d", b.nextOrder)
	b.orders[id] = &broker.Order{
		BrokerOrderID: id,
		ClientOrderID: req.ClientOrderID,
		Instrument:    req.Instrument,
		Side:          req.Side,
		Qty:           req.Qty,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
		Status:        broker.StatusWorking,
		Created:       b.now(),
	}
	b.byCli[req.ClientOrderID] = id
	return id
}

// maybeFillLocked fills market orders at the touch when a quote exists.
func (b *Broker) maybeFillLocked(id string) (broker.Fill, func(broker.Fill), bool) {
	o := b.orders[id]
	if o.Type != broker.Market {
		return broker.Fill{}, nil, false
	}
	q, err := b.quotes.Get(o.Instrument)
	if err != nil {
		return broker.Fill{}, nil, false
	}
	price := q.Ask
	if o.Side == broker.Sell {
		price = q.Bid
	}
	f := b.fillLocked(o, o.Qty-o.FilledQty, price)
	return f, b.handler, true
}

func (b *Broker) fillLocked(o *broker.Order, qty int, price float64) broker.Fill {
	b.nextFill++
	f := broker.Fill{
		FillID:        fmt.Sprintf("F-%06d", b.nextFill),
		BrokerOrderID: o.BrokerOrderID,
		ClientOrderID: o.ClientOrderID,
		Instrument:    o.Instrument,
		Side:          o.Side,
		Qty:           qty,
		Price:         price,
		Time:          b.now(),
	}
	o.FilledQty += qty
	if o.FilledQty >= o.Qty {
		o.Status = broker.StatusFilled
	}
	b.fills = append(b.fills, f)
	b.applyLocked(f)
	return f
}

func (b *Broker) applyLocked(f broker.Fill) {
	p, ok := b.pos[f.Instrument]
	if !ok {
		p = &broker.Position{Instrument: f.Instrument}
		b.pos[f.Instrument] = p
	}
	delta := f.Side.Sign() * f.Qty
	switch {
	case p.Qty == 0 || (p.Qty > 0) == (delta > 0):
		total := p.Qty + delta
		p.AvgPrice = (p.AvgPrice*float64(abs(p.Qty)) + f.Price*float64(abs(delta))) / float64(abs(total))
		p.Qty = total
	default:
		p.Qty += delta
		if p.Qty == 0 {
			p.AvgPrice = 0
		} else if (p.Qty > 0) == (delta > 0) {
			p.AvgPrice = f.Price
		}
	}
}

// FillOrder fills qty of a working order at price and pushes the fill to
// the handler. It emulates partial or late fills.
func (b *Broker) FillOrder(brokerOrderID string, qty int, price float64) (broker.Fill, error) {
	b.mu.Lock()
	o, ok := b.orders[brokerOrderID]
	if !ok {
		b.mu.Unlock()
		return broker.Fill{}, fmt.Errorf("unknown order %s", brokerOrderID)
	}
	if o.Status.Terminal() {
		b.mu.Unlock()
		return broker.Fill{}, fmt.Errorf("order %s is %s", brokerOrderID, o.Status)
	}
	if rem := o.Qty - o.FilledQty; qty > rem {
		qty = rem
	}
	f := b.fillLocked(o, qty, price)
	h := b.handler
	b.mu.Unlock()

	if h != nil {
		h(f)
	}
	return f, nil
}

// Redeliver pushes an already delivered fill again.
func (b *Broker) Redeliver(f broker.Fill) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h != nil {
		h(f)
	}
}

func (b *Broker) Cancel(ctx context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++
	if b.cancelErr != nil {
		return b.cancelErr
	}
	o, ok := b.orders[brokerOrderID]
	if !ok || o.Status.Terminal() {
		return nil
	}
	o.Status = broker.StatusCanceled
	return nil
}

func (b *Broker) GetOpenOrders(ctx context.Context) ([]broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.Order, 0, len(b.orders))
	for _, o := range b.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerOrderID < out[j].BrokerOrderID })
	return out, nil
}

// Order returns a copy of any order, terminal or not.
func (b *Broker) Order(brokerOrderID string) (broker.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return broker.Order{}, false
	}
	return *o, true
}

func (b *Broker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.Position, 0, len(b.pos))
	for _, p := range b.pos {
		if p.Qty != 0 {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

func (b *Broker) GetFills(ctx context.Context, since time.Time) ([]broker.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.Fill, 0, len(b.fills))
	for _, f := range b.fills {
		if !f.Time.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

var (
	_ broker.Adapter    = (*Broker)(nil)
	_ broker.FillSource = (*Broker)(nil)
)

// ErrScripted is a convenient transient failure for scripts.
var ErrScripted = &broker.TransientError{Op: "submit", Err: errors.New("scripted failure")}
