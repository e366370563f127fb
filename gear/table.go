package gear

// Condition is the named predicate a rule fires on. Machine maps each
// condition to the Inputs it reads.
type Condition string

const (
	CondDailyLoss    Condition = "daily_r_at_or_below_limit"
	CondWeeklyLoss   Condition = "weekly_r_at_or_below_limit"
	CondDrawdown     Condition = "drawdown_breach"
	CondRedDays      Condition = "red_days_at_or_above_max"
	CondLossStreak   Condition = "loss_streak_at_or_above_threshold"
	CondMentalState  Condition = "mental_state_at_or_below_floor"
	CondCooldown     Condition = "cooldown_elapsed"
	CondPFBelow      Condition = "profit_factor_below_step_down"
	CondPFAbove      Condition = "profit_factor_at_or_above_scale_up"
	CondSignalPassed Condition = "signal_passed_all_gates"
	CondNoSignal     Condition = "no_signal"
	CondRejected     Condition = "non_breach_rejection"
)

// Rule is one row of the transition table.
type Rule struct {
	ID       string
	From     []Gear // empty means any gear except To
	To       Gear
	When     Condition
	Reason   Reason
	Priority int // lower fires first
}

func (r Rule) appliesFrom(g Gear) bool {
	if g == r.To {
		return false
	}
	if len(r.From) == 0 {
		return true
	}
	for _, f := range r.From {
		if f == g {
			return true
		}
	}
	return false
}

// Table is an ordered set of rules.
type Table []Rule

// DefaultTable is the standard P/R/N/D/L rule set.
var DefaultTable = Table{
	{ID: "1a", To: Park, When: CondDailyLoss, Reason: ReasonDailyLoss, Priority: 10},
	{ID: "1b", To: Park, When: CondWeeklyLoss, Reason: ReasonWeeklyLoss, Priority: 11},
	{ID: "1c", To: Park, When: CondDrawdown, Reason: ReasonDrawdown, Priority: 12},
	{ID: "1d", To: Park, When: CondRedDays, Reason: ReasonRedDays, Priority: 13},

	{ID: "2a", From: []Gear{Drive, Low}, To: Reverse, When: CondLossStreak, Reason: ReasonLossStreak, Priority: 20},
	{ID: "2b", From: []Gear{Drive, Low}, To: Reverse, When: CondMentalState, Reason: ReasonMentalState, Priority: 21},
	{ID: "2c", From: []Gear{Reverse}, To: Neutral, When: CondCooldown, Reason: ReasonCooldown, Priority: 22},

	{ID: "3", From: []Gear{Drive}, To: Low, When: CondPFBelow, Reason: ReasonPFBelow, Priority: 30},
	{ID: "4", From: []Gear{Low}, To: Drive, When: CondPFAbove, Reason: ReasonPFRecovered, Priority: 40},

	{ID: "5a", From: []Gear{Neutral}, To: Drive, When: CondSignalPassed, Reason: ReasonSignalPassed, Priority: 50},
	{ID: "5b", From: []Gear{Drive}, To: Neutral, When: CondNoSignal, Reason: ReasonNoSignal, Priority: 51},
	{ID: "5c", From: []Gear{Drive}, To: Neutral, When: CondRejected, Reason: ReasonRejected, Priority: 52},
}
