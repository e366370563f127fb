package gear

import (
	"sort"
	"time"
)

// Limits parameterise the conditions in the table.
type Limits struct {
	DailyLossR  float64       `json:"daily_loss_r" yaml:"daily_loss_r"`
	WeeklyLossR float64       `json:"weekly_loss_r" yaml:"weekly_loss_r"`
	MaxRedDays  int           `json:"max_red_days" yaml:"max_red_days"`
	LossStreak  int           `json:"loss_streak" yaml:"loss_streak"`
	MentalFloor int           `json:"mental_floor" yaml:"mental_floor"`
	StepDownPF  float64       `json:"step_down_pf" yaml:"step_down_pf"`
	ScaleUpPF   float64       `json:"scale_up_pf" yaml:"scale_up_pf"`
	Cooldown    time.Duration `json:"cooldown" yaml:"cooldown"`
	Dwell       time.Duration `json:"dwell" yaml:"dwell"`
}

func DefaultLimits() Limits {
	return Limits{
		DailyLossR:  -2,
		WeeklyLossR: -5,
		MaxRedDays:  3,
		LossStreak:  2,
		MentalFloor: 1,
		StepDownPF:  1.10,
		ScaleUpPF:   1.30,
		Cooldown:    30 * time.Minute,
		Dwell:       5 * time.Minute,
	}
}

// CycleOutcome is what happened to the signal path in the last cycle.
type CycleOutcome int

const (
	CycleNone CycleOutcome = iota
	CycleSignalPassed
	CycleNoSignal
	CycleRejected // rejected by a non-breach gate
)

func (c CycleOutcome) String() string {
	switch c {
	case CycleSignalPassed:
		return "signal_passed"
	case CycleNoSignal:
		return "no_signal"
	case CycleRejected:
		return "rejected"
	default:
		return "none"
	}
}

// Inputs is the ledger view a transition is evaluated against.
type Inputs struct {
	DailyR            float64
	WeeklyR           float64
	DrawdownBreach    bool
	RedDays           int
	ConsecutiveLosses int
	MentalState       int // 0 means not reported
	ProfitFactor      float64
	WindowFull        bool
	Cycle             CycleOutcome
}

// Transition is the audit record of a gear change.
type Transition struct {
	From   Gear
	To     Gear
	Rule   string
	Reason Reason
	At     time.Time
}

// Decision is the result of one evaluation. At most one of Applied and
// Suppressed is set.
type Decision struct {
	Gear       Gear
	Applied    *Transition
	Suppressed *Transition
}

func (d Decision) Changed() bool { return d.Applied != nil }

// Machine evaluates a Table. It is not safe for concurrent use; the risk
// governor owns it under its lock.
type Machine struct {
	table  Table
	limits Limits
	now    func() time.Time

	gear  Gear
	since time.Time
	last  *Transition
}

// NewMachine starts in Neutral. A nil clock uses time.Now.
func NewMachine(table Table, limits Limits, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	t := make(Table, len(table))
	copy(t, table)
	sort.SliceStable(t, func(i, j int) bool { return t[i].Priority < t[j].Priority })
	return &Machine{table: t, limits: limits, now: now, gear: Neutral, since: now()}
}

func (m *Machine) Gear() Gear { return m.gear }

func (m *Machine) Limits() Limits { return m.limits }

// Since is when the current gear was entered.
func (m *Machine) Since() time.Time { return m.since }

// Last is the last applied transition, nil if none.
func (m *Machine) Last() *Transition {
	if m.last == nil {
		return nil
	}
	t := *m.last
	return &t
}

// Evaluate applies the first matching rule, if any.
func (m *Machine) Evaluate(in Inputs) Decision {
	now := m.now()
	for _, r := range m.table {
		if !r.appliesFrom(m.gear) || !m.holds(r.When, in, now) {
			continue
		}
		t := &Transition{From: m.gear, To: r.To, Rule: r.ID, Reason: r.Reason, At: now}
		if m.reverses(t) {
			return Decision{Gear: m.gear, Suppressed: t}
		}
		m.apply(t)
		return Decision{Gear: m.gear, Applied: t}
	}
	return Decision{Gear: m.gear}
}

// Breach returns the first breach reason that holds for in, if any.
func (m *Machine) Breach(in Inputs) (Reason, bool) {
	now := m.now()
	for _, r := range m.table {
		if r.To == Park && m.holds(r.When, in, now) {
			return r.Reason, true
		}
	}
	return "", false
}

// Park forces P regardless of the table. Parking is never suppressed.
func (m *Machine) Park(reason Reason) Decision {
	if m.gear == Park {
		return Decision{Gear: m.gear}
	}
	t := &Transition{From: m.gear, To: Park, Rule: "park", Reason: reason, At: m.now()}
	m.apply(t)
	return Decision{Gear: m.gear, Applied: t}
}

// Reset releases a latched P to N at period rollover, only if no breach
// still holds for in.
func (m *Machine) Reset(in Inputs) Decision {
	if m.gear != Park {
		return Decision{Gear: m.gear}
	}
	if _, breached := m.Breach(in); breached {
		return Decision{Gear: m.gear}
	}
	t := &Transition{From: Park, To: Neutral, Rule: "rollover", Reason: ReasonRollover, At: m.now()}
	m.apply(t)
	return Decision{Gear: m.gear, Applied: t}
}

// Restore sets the gear from persisted state without evaluating the table.
// A non-empty reason becomes the last transition, so a restored breach
// still reports why the gear is parked.
func (m *Machine) Restore(g Gear, since time.Time, reason Reason) {
	m.gear = g
	m.since = since
	if since.IsZero() {
		m.since = m.now()
	}
	m.last = nil
	if reason != "" {
		m.last = &Transition{From: g, To: g, Rule: "restore", Reason: reason, At: m.since}
	}
}

func (m *Machine) apply(t *Transition) {
	m.gear = t.To
	m.since = t.At
	m.last = t
}

// reverses reports whether t undoes the last change inside the dwell window.
func (m *Machine) reverses(t *Transition) bool {
	if t.To == Park || m.last == nil || m.limits.Dwell <= 0 {
		return false
	}
	if m.last.From != t.To || m.last.To != t.From {
		return false
	}
	return t.At.Sub(m.last.At) < m.limits.Dwell
}

func (m *Machine) holds(c Condition, in Inputs, now time.Time) bool {
	l := m.limits
	switch c {
	case CondDailyLoss:
		return l.DailyLossR < 0 && in.DailyR <= l.DailyLossR
	case CondWeeklyLoss:
		return l.WeeklyLossR < 0 && in.WeeklyR <= l.WeeklyLossR
	case CondDrawdown:
		return in.DrawdownBreach
	case CondRedDays:
		return l.MaxRedDays > 0 && in.RedDays >= l.MaxRedDays
	case CondLossStreak:
		return l.LossStreak > 0 && in.ConsecutiveLosses >= l.LossStreak
	case CondMentalState:
		return in.MentalState > 0 && in.MentalState <= l.MentalFloor
	case CondCooldown:
		return now.Sub(m.since) >= l.Cooldown
	case CondPFBelow:
		return in.WindowFull && in.ProfitFactor < l.StepDownPF
	case CondPFAbove:
		return in.WindowFull && in.ProfitFactor >= l.ScaleUpPF
	case CondSignalPassed:
		return in.Cycle == CycleSignalPassed
	case CondNoSignal:
		return in.Cycle == CycleNoSignal
	case CondRejected:
		return in.Cycle == CycleRejected
	default:
		return false
	}
}
