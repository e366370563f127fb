// Package gear implements the P/R/N/D/L operating mode of the trading
// system. The transition table is plain data; Machine evaluates it.
package gear

import "github.com/rustyeddy/transmission/reject"

// Gear is the operating mode.
type Gear string

const (
	Park    Gear = "P" // no new orders until rollover
	Reverse Gear = "R" // defensive after a loss streak, half size
	Neutral Gear = "N" // idle, waiting for a qualified signal
	Drive   Gear = "D" // normal trading
	Low     Gear = "L" // trading with stepped-down risk
)

var multipliers = map[Gear]float64{
	Park:    0,
	Reverse: 0.5,
	Neutral: 1,
	Drive:   1,
	Low:     1,
}

// Multiplier is the gear's risk multiplier. L's reduction is carried by
// the governor's performance scale, not here.
func (g Gear) Multiplier() float64 {
	return multipliers[g]
}

// PermitsSignals reports whether strategies may be asked for signals.
func (g Gear) PermitsSignals() bool {
	switch g {
	case Reverse, Neutral, Drive, Low:
		return true
	default:
		return false
	}
}

// All lists every gear in display order.
func All() []Gear {
	return []Gear{Park, Reverse, Neutral, Drive, Low}
}

func (g Gear) Valid() bool {
	_, ok := multipliers[g]
	return ok
}

// Reason explains a transition.
type Reason string

// Breach reasons share their codes with tripwire rejections.
const (
	ReasonDailyLoss  = Reason(reject.DailyLossLimit)
	ReasonWeeklyLoss = Reason(reject.WeeklyLossLimit)
	ReasonDrawdown   = Reason(reject.DrawdownLimit)
	ReasonRedDays    = Reason(reject.ConsecutiveRed)
)

const (
	ReasonLossStreak   Reason = "loss_streak"
	ReasonMentalState  Reason = "mental_state_critical"
	ReasonCooldown     Reason = "cooldown_elapsed"
	ReasonPFBelow      Reason = "profit_factor_below_step_down"
	ReasonPFRecovered  Reason = "profit_factor_recovered"
	ReasonSignalPassed Reason = "signal_passed"
	ReasonNoSignal     Reason = "no_signal"
	ReasonRejected     Reason = "signal_rejected"
	ReasonRollover     Reason = "period_rollover"
	ReasonFlattenAll   Reason = "flatten_all"
	ReasonManual       Reason = "manual"
)

// IsBreach reports whether r is a compliance breach reason (rule 1).
func (r Reason) IsBreach() bool {
	switch r {
	case ReasonDailyLoss, ReasonWeeklyLoss, ReasonDrawdown, ReasonRedDays:
		return true
	}
	return false
}
