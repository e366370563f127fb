package execution

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/transmission/broker"
	"github.com/rustyeddy/transmission/gear"
	"github.com/rustyeddy/transmission/market"
	"github.com/rustyeddy/transmission/strategy"
)

type State string

const (
	StateInit            State = "INIT"
	StateSubmitted       State = "SUBMITTED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateManaged         State = "MANAGED"
	StateClosed          State = "CLOSED"
	StateCanceled        State = "CANCELED"
	StateRejected        State = "REJECTED"
)

// allowedTransitions is the complete order lifecycle. Terminal states have
// no entry.
var allowedTransitions = map[State][]State{
	StateInit:            {StateSubmitted, StateRejected, StateCanceled},
	StateSubmitted:       {StatePartiallyFilled, StateFilled, StateRejected, StateCanceled},
	StatePartiallyFilled: {StatePartiallyFilled, StateFilled, StateCanceled},
	StateFilled:          {StateManaged, StateCanceled},
	StateManaged:         {StateClosed, StateCanceled},
}

func (s State) Terminal() bool {
	_, ok := allowedTransitions[s]
	return !ok
}

// Working reports whether the entry order may still receive fills.
func (s State) Working() bool {
	return s == StateInit || s == StateSubmitted || s == StatePartiallyFilled
}

func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal order transition %s -> %s", e.From, e.To)
}

// Order is a point-in-time copy of a trade: the entry order and, once
// filled, the managed position and its exit.
type Order struct {
	ID            string
	ClientOrderID string
	BrokerOrderID string
	Instrument    string
	Side          broker.Side
	Qty           int
	Type          broker.OrderType
	LimitPrice    float64
	State         State
	Signal        strategy.Signal
	RiskDollars   float64
	Created       time.Time

	FilledQty int
	AvgPrice  float64
	Fills     []broker.Fill

	// Stop is the current protective stop, tightened by the in-trade
	// manager from Signal.Stop.
	Stop     float64
	BarsHeld int

	ExitQty     int
	ExitPrice   float64
	Closed      bool
	PnL         float64
	RMultiple   float64
	CloseReason string
}

// leg accumulates fills with exact decimal arithmetic.
type leg struct {
	qty      decimal.Decimal
	notional decimal.Decimal
}

func (l *leg) add(qty int, price float64) {
	q := decimal.NewFromInt(int64(qty))
	l.qty = l.qty.Add(q)
	l.notional = l.notional.Add(q.Mul(decimal.NewFromFloat(price)))
}

func (l leg) avg() decimal.Decimal {
	if l.qty.IsZero() {
		return decimal.Zero
	}
	return l.notional.Div(l.qty)
}

func (l leg) contracts() int { return int(l.qty.IntPart()) }

// exitOrder is a closing market order for part or all of a position.
type exitOrder struct {
	clientID string
	brokerID string
	qty      int
	reason   string
}

// order is the engine's mutable record. Guarded by Engine.mu.
type order struct {
	id          string
	clientID    string
	brokerID    string
	instrument  string
	side        broker.Side
	qty         int
	typ         broker.OrderType
	limit       float64
	state       State
	signal      strategy.Signal
	riskDollars float64
	created     time.Time
	pointValue  float64
	gear        gear.Gear

	entry   leg
	exit    leg
	fills   []broker.Fill
	exits   []*exitOrder
	exiting int // contracts with a close in flight
	reason  string
	closed  bool
	pnl     float64
	rMult   float64

	stop    float64 // only ever moves in the trade's favor
	best    float64 // most favorable mark since entry
	bars    int
	scaled  []bool // per scale-out rule
	adopted bool   // taken over from a broker position at startup
}

func (o *order) transition(to State) error {
	if o.state == to && to != StatePartiallyFilled {
		return nil
	}
	if !CanTransition(o.state, to) {
		return &TransitionError{From: o.state, To: to}
	}
	o.state = to
	return nil
}

// open is the filled quantity not yet closed or being closed.
func (o *order) open() int {
	return o.entry.contracts() - o.exit.contracts() - o.exiting
}

// mark is the price the position would exit at.
func (o *order) mark(q market.Quote) float64 {
	if o.side == broker.Buy {
		return q.Bid
	}
	return q.Ask
}

// unrealizedR measures open profit at px in units of the initial risk per
// contract.
func (o *order) unrealizedR(px float64) float64 {
	entry := o.entry.avg().InexactFloat64()
	perContract := math.Abs(entry - o.signal.Stop)
	if o.signal.Stop <= 0 || perContract == 0 {
		return 0
	}
	return (px - entry) * float64(o.side.Sign()) / perContract
}

func (o *order) snapshot() Order {
	return Order{
		ID:            o.id,
		ClientOrderID: o.clientID,
		BrokerOrderID: o.brokerID,
		Instrument:    o.instrument,
		Side:          o.side,
		Qty:           o.qty,
		Type:          o.typ,
		LimitPrice:    o.limit,
		State:         o.state,
		Signal:        o.signal,
		RiskDollars:   o.riskDollars,
		Created:       o.created,
		Stop:          o.stop,
		BarsHeld:      o.bars,
		FilledQty:     o.entry.contracts(),
		AvgPrice:      o.entry.avg().InexactFloat64(),
		Fills:         append([]broker.Fill(nil), o.fills...),
		ExitQty:       o.exit.contracts(),
		ExitPrice:     o.exit.avg().InexactFloat64(),
		Closed:        o.closed,
		PnL:           o.pnl,
		RMultiple:     o.rMult,
		CloseReason:   o.reason,
	}
}
