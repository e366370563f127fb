// Package journal persists trades, gear shifts and account state snapshots.
package journal

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("journal: not found")

// Trade is written when the broker accepts an entry order.
type Trade struct {
	TradeID       string
	ClientOrderID string
	BrokerOrderID string
	Strategy      string
	Instrument    string
	Direction     string
	Contracts     int
	EntryPrice    float64
	StopPrice     float64
	TargetPrice   float64
	RiskDollars   float64
	Regime        string
	Gear          string
	OpenTime      time.Time

	// Exit fields are zero until UpdateTradeExit.
	ExitPrice  float64
	CloseTime  time.Time
	PnL        float64
	RMultiple  float64
	ExitReason string
}

// Closed reports whether an exit has been recorded.
func (t Trade) Closed() bool { return !t.CloseTime.IsZero() }

type TradeExit struct {
	TradeID   string
	ExitPrice float64
	CloseTime time.Time
	PnL       float64
	RMultiple float64
	Reason    string
}

type GearShift struct {
	Time    time.Time
	From    string
	To      string
	Rule    string
	Reason  string
	DailyR  float64
	WeeklyR float64
}

type Journal interface {
	LogTrade(Trade) error
	UpdateTradeExit(TradeExit) error
	LogGearShift(GearShift) error
	// SaveSystemState stores an encoded snapshot of state under kind.
	SaveSystemState(at time.Time, kind string, state any) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) LogTrade(Trade) error                         { return nil }
func (Nop) UpdateTradeExit(TradeExit) error              { return nil }
func (Nop) LogGearShift(GearShift) error                 { return nil }
func (Nop) SaveSystemState(time.Time, string, any) error { return nil }
func (Nop) Close() error                                 { return nil }
