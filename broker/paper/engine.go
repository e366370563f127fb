// Package paper is a quote-driven paper trading broker. Market orders fill
// at the touch plus configurable slippage, limit orders rest until a quote
// crosses them.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rustyeddy/transmission/broker"
	"github.com/rustyeddy/transmission/market"
)

var ErrOrderNotFound = errors.New("order not found")

type Config struct {
	// SlippageTicks is applied against the trader on market fills.
	SlippageTicks float64 `yaml:"slippage_ticks" json:"slippage_ticks"`
}

type Engine struct {
	mu       sync.Mutex
	cfg      Config
	reg      *market.Registry
	quotes   *market.QuoteStore
	orders   map[string]*broker.Order
	byClient map[string]string
	pos      map[string]*position
	fills    []broker.Fill
	handler  func(broker.Fill)
	realized float64
	log      *zap.Logger
}

func NewEngine(cfg Config, reg *market.Registry, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SlippageTicks < 0 {
		cfg.SlippageTicks = 0
	}
	return &Engine{
		cfg:      cfg,
		reg:      reg,
		quotes:   market.NewQuoteStore(),
		orders:   make(map[string]*broker.Order),
		byClient: make(map[string]string),
		pos:      make(map[string]*position),
		log:      log.Named("paper"),
	}
}

func (e *Engine) SetFillHandler(fn func(broker.Fill)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = fn
}

// Quotes exposes the engine's quote store.
func (e *Engine) Quotes() *market.QuoteStore {
	return e.quotes
}

// RealizedPnL is the running realized profit in dollars.
func (e *Engine) RealizedPnL() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.realized
}

func (e *Engine) IsMarketOpen(ctx context.Context, instrument string) (bool, error) {
	if _, ok := e.reg.Get(instrument); !ok {
		return false, fmt.Errorf("%w: %s", broker.ErrUnknownInstrument, instrument)
	}
	_, err := e.quotes.Get(instrument)
	return err == nil, nil
}

func (e *Engine) GetPrice(ctx context.Context, instrument string) (float64, error) {
	q, err := e.GetBidAsk(ctx, instrument)
	if err != nil {
		return 0, err
	}
	return q.Mid(), nil
}

func (e *Engine) GetBidAsk(ctx context.Context, instrument string) (market.Quote, error) {
	q, err := e.quotes.Get(instrument)
	if err != nil {
		return market.Quote{}, fmt.Errorf("%w for %s", broker.ErrNoQuote, instrument)
	}
	return q, nil
}

func (e *Engine) Submit(ctx context.Context, req broker.OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", &broker.FatalError{Op: "submit", Err: err}
	}
	spec, ok := e.reg.Get(req.Instrument)
	if !ok {
		return "", &broker.FatalError{Op: "submit", Err: fmt.Errorf("%w: %s", broker.ErrUnknownInstrument, req.Instrument)}
	}
	if req.Qty > spec.MaxContracts {
		return "", &broker.FatalError{Op: "submit", Err: fmt.Errorf("qty %d exceeds max %d", req.Qty, spec.MaxContracts)}
	}

	e.mu.Lock()
	if id, ok := e.byClient[req.ClientOrderID]; ok {
		e.mu.Unlock()
		return id, nil
	}
	q, err := e.quotes.Get(req.Instrument)
	if err != nil {
		e.mu.Unlock()
		return "", &broker.FatalError{Op: "submit", Err: broker.ErrMarketClosed}
	}

	o := &broker.Order{
		BrokerOrderID: uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Instrument:    req.Instrument,
		Side:          req.Side,
		Qty:           req.Qty,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
		Status:        broker.StatusWorking,
		Created:       q.Time,
	}
	e.orders[o.BrokerOrderID] = o
	e.byClient[o.ClientOrderID] = o.BrokerOrderID

	var fills []broker.Fill
	if price, ok := e.fillPrice(o, q, spec); ok {
		fills = append(fills, e.fillLocked(o, price, q.Time, spec))
	}
	h := e.handler
	e.mu.Unlock()

	e.log.Debug("order accepted",
		zap.String("client_order_id", o.ClientOrderID),
		zap.String("broker_order_id", o.BrokerOrderID),
		zap.String("type", string(o.Type)),
	)
	deliver(h, fills)
	return o.BrokerOrderID, nil
}

// UpdatePrice stores the quote and fills any resting limit orders it
// crosses.
func (e *Engine) UpdatePrice(q market.Quote) {
	e.quotes.Set(q)

	e.mu.Lock()
	spec, ok := e.reg.Get(q.Instrument)
	var fills []broker.Fill
	if ok {
		for _, o := range e.sortedWorking(q.Instrument) {
			if price, ok := e.fillPrice(o, q, spec); ok {
				fills = append(fills, e.fillLocked(o, price, q.Time, spec))
			}
		}
	}
	h := e.handler
	e.mu.Unlock()

	deliver(h, fills)
}

func deliver(h func(broker.Fill), fills []broker.Fill) {
	if h == nil {
		return
	}
	for _, f := range fills {
		h(f)
	}
}

// fillPrice returns the execution price for o against q, if it fills.
func (e *Engine) fillPrice(o *broker.Order, q market.Quote, spec market.InstrumentSpec) (float64, bool) {
	slip := e.cfg.SlippageTicks * spec.TickSize
	switch o.Type {
	case broker.Market:
		if o.Side == broker.Buy {
			return q.Ask + slip, true
		}
		return q.Bid - slip, true
	case broker.Limit:
		if o.Side == broker.Buy && q.Ask <= o.LimitPrice {
			return q.Ask, true
		}
		if o.Side == broker.Sell && q.Bid >= o.LimitPrice {
			return q.Bid, true
		}
	}
	return 0, false
}

func (e *Engine) fillLocked(o *broker.Order, price float64, at time.Time, spec market.InstrumentSpec) broker.Fill {
	f := broker.Fill{
		FillID:        uuid.NewString(),
		BrokerOrderID: o.BrokerOrderID,
		ClientOrderID: o.ClientOrderID,
		Instrument:    o.Instrument,
		Side:          o.Side,
		Qty:           o.Qty - o.FilledQty,
		Price:         price,
		Time:          at,
	}
	o.FilledQty = o.Qty
	o.Status = broker.StatusFilled
	e.fills = append(e.fills, f)

	p, ok := e.pos[o.Instrument]
	if !ok {
		p = &position{}
		e.pos[o.Instrument] = p
	}
	pnl := p.apply(f.Side.Sign()*f.Qty, price) * spec.PointValue()
	e.realized += pnl

	if pnl != 0 {
		e.log.Info("position reduced",
			zap.String("instrument", o.Instrument),
			zap.Float64("realized", pnl),
			zap.Int("qty", p.qty),
		)
	}
	return f
}

func (e *Engine) sortedWorking(instrument string) []*broker.Order {
	var out []*broker.Order
	for _, o := range e.orders {
		if o.Instrument == instrument && !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

func (e *Engine) Cancel(ctx context.Context, brokerOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[brokerOrderID]
	if !ok || o.Status.Terminal() {
		return nil
	}
	o.Status = broker.StatusCanceled
	return nil
}

// Order returns a copy of the order with the given broker id.
func (e *Engine) Order(brokerOrderID string) (broker.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[brokerOrderID]
	if !ok {
		return broker.Order{}, fmt.Errorf("%w: %q", ErrOrderNotFound, brokerOrderID)
	}
	return *o, nil
}

func (e *Engine) GetOpenOrders(ctx context.Context) ([]broker.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []broker.Order
	for _, o := range e.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func (e *Engine) GetPositions(ctx context.Context) ([]broker.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []broker.Position
	for inst, p := range e.pos {
		if p.qty != 0 {
			out = append(out, broker.Position{Instrument: inst, Qty: p.qty, AvgPrice: p.avg})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

func (e *Engine) GetFills(ctx context.Context, since time.Time) ([]broker.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []broker.Fill
	for _, f := range e.fills {
		if !f.Time.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

var (
	_ broker.Adapter    = (*Engine)(nil)
	_ broker.FillSource = (*Engine)(nil)
)
