// Package broker defines the capability interface the execution engine
// drives, and the error taxonomy adapters report with.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/transmission/market"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() int {
	if s == Sell {
		return -1
	}
	return 1
}

type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

type OrderStatus string

const (
	StatusWorking  OrderStatus = "WORKING"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
)

func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

// OrderRequest is one submission. ClientOrderID is the idempotency key:
// resubmitting the same id must not create a second order.
type OrderRequest struct {
	ClientOrderID string
	Instrument    string
	Side          Side
	Qty           int
	Type          OrderType
	LimitPrice    float64
}

func (r OrderRequest) Validate() error {
	if r.ClientOrderID == "" {
		return errors.New("client order id is required")
	}
	if r.Instrument == "" {
		return errors.New("instrument is required")
	}
	if r.Qty <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", r.Qty)
	}
	if r.Side != Buy && r.Side != Sell {
		return fmt.Errorf("invalid side %q", r.Side)
	}
	if r.Type == Limit && r.LimitPrice <= 0 {
		return errors.New("limit order requires a limit price")
	}
	return nil
}

// Order is the broker's view of an order.
type Order struct {
	BrokerOrderID string
	ClientOrderID string
	Instrument    string
	Side          Side
	Qty           int
	FilledQty     int
	Type          OrderType
	LimitPrice    float64
	Status        OrderStatus
	Created       time.Time
}

// Position is a net position; Qty is signed (short < 0).
type Position struct {
	Instrument string
	Qty        int
	AvgPrice   float64
}

// Fill is one execution. FillID is unique per broker.
type Fill struct {
	FillID        string
	BrokerOrderID string
	ClientOrderID string
	Instrument    string
	Side          Side
	Qty           int
	Price         float64
	Time          time.Time
}

// Adapter is implemented by every broker back end.
type Adapter interface {
	IsMarketOpen(ctx context.Context, instrument string) (bool, error)
	GetPrice(ctx context.Context, instrument string) (float64, error)
	GetBidAsk(ctx context.Context, instrument string) (market.Quote, error)

	// Submit returns the broker order id. It is idempotent on
	// ClientOrderID.
	Submit(ctx context.Context, req OrderRequest) (string, error)

	// Cancel of an unknown or already terminal order returns nil.
	Cancel(ctx context.Context, brokerOrderID string) error

	GetOpenOrders(ctx context.Context) ([]Order, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetFills(ctx context.Context, since time.Time) ([]Fill, error)
}

// FillSource is implemented by adapters that push fills as they happen.
type FillSource interface {
	SetFillHandler(fn func(Fill))
}

// TransientError is a failure worth retrying after reconciliation.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a definitive refusal; the order must not be retried.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: fatal: %v", e.Op, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried. Deadline overruns
// count: the broker may or may not have received the request.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t) || errors.Is(err, context.DeadlineExceeded)
}

func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

var (
	ErrNoQuote           = errors.New("no quote")
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrMarketClosed      = errors.New("market closed")
)
