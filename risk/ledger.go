package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/rustyeddy/transmission/gear"
)

// Ledger is the running account of realized R. Only the Governor mutates
// it, and only on confirmed exits or period rollover.
type Ledger struct {
	DailyR            float64
	WeeklyR           float64
	RedDays           int
	ConsecutiveLosses int

	window     []float64 // trailing results, oldest first
	windowSize int

	BaseRisk        float64 // $ per R before performance scaling
	ScaleFactor     float64
	TradeSeq        int64
	LastAdjustedSeq int64

	Equity     float64
	PeakEquity float64

	MentalState int

	DayKey  string
	WeekKey string
}

func newLedger(baseRisk, equity float64, windowSize int) *Ledger {
	return &Ledger{
		BaseRisk:    baseRisk,
		ScaleFactor: 1,
		windowSize:  windowSize,
		window:      make([]float64, 0, windowSize),
		Equity:      equity,
		PeakEquity:  equity,
	}
}

// CurrentRisk is the performance-scaled $R.
func (l *Ledger) CurrentRisk() float64 {
	return l.BaseRisk * l.ScaleFactor
}

func (l *Ledger) record(r float64) {
	l.Equity += r * l.CurrentRisk()
	if l.Equity > l.PeakEquity {
		l.PeakEquity = l.Equity
	}
	l.DailyR += r
	l.WeeklyR += r
	if r < 0 {
		l.ConsecutiveLosses++
	} else {
		l.ConsecutiveLosses = 0
	}
	if len(l.window) == l.windowSize {
		copy(l.window, l.window[1:])
		l.window = l.window[:l.windowSize-1]
	}
	l.window = append(l.window, r)
	l.TradeSeq++
}

func (l *Ledger) WindowFull() bool {
	return l.windowSize > 0 && len(l.window) == l.windowSize
}

func (l *Ledger) ProfitFactor() float64 {
	return ProfitFactor(l.window)
}

// Drawdown is the fractional decline from peak equity, <= 0.
func (l *Ledger) Drawdown() float64 {
	if l.PeakEquity <= 0 {
		return 0
	}
	return (l.Equity - l.PeakEquity) / l.PeakEquity
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func weekKey(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}

// Snapshot is a point-in-time copy of the ledger and gear for persistence
// and broadcast.
type Snapshot struct {
	At                time.Time   `json:"at"`
	Gear              gear.Gear   `json:"gear"`
	GearSince         time.Time   `json:"gear_since"`
	LastReason        gear.Reason `json:"last_reason,omitempty"`
	DailyR            float64     `json:"daily_r"`
	WeeklyR           float64     `json:"weekly_r"`
	RedDays           int         `json:"red_days"`
	ConsecutiveLosses int         `json:"consecutive_losses"`
	ProfitFactor      float64     `json:"-"`
	WindowLen         int         `json:"window_len"`
	Window            []float64   `json:"window,omitempty"` // trailing R results, oldest first
	TradeSeq          int64       `json:"trade_seq"`
	LastAdjustedSeq   int64       `json:"last_adjusted_seq"`
	BaseRisk          float64     `json:"base_risk"`
	ScaleFactor       float64     `json:"scale_factor"`
	CurrentRisk       float64     `json:"current_risk"`
	Equity            float64     `json:"equity"`
	PeakEquity        float64     `json:"peak_equity"`
	Drawdown          float64     `json:"drawdown"`
	MentalState       int         `json:"mental_state"`
	DayKey            string      `json:"day_key"`
	WeekKey           string      `json:"week_key"`
}

// Fields flattens the snapshot for broadcast events. An infinite profit
// factor is reported as the string "inf".
func (s Snapshot) Fields() map[string]any {
	var pf any = s.ProfitFactor
	if math.IsInf(s.ProfitFactor, 1) {
		pf = "inf"
	}
	return map[string]any{
		"gear":               string(s.Gear),
		"gear_since":         s.GearSince,
		"last_reason":        string(s.LastReason),
		"daily_r":            s.DailyR,
		"weekly_r":           s.WeeklyR,
		"red_days":           s.RedDays,
		"consecutive_losses": s.ConsecutiveLosses,
		"profit_factor":      pf,
		"window_len":         s.WindowLen,
		"trade_seq":          s.TradeSeq,
		"scale_factor":       s.ScaleFactor,
		"current_risk":       s.CurrentRisk,
		"equity":             s.Equity,
		"drawdown":           s.Drawdown,
		"mental_state":       s.MentalState,
	}
}
