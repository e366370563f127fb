// Package constraints merges profile-derived defaults, user overrides and
// non-bypassable ceilings into the limits every order is validated against.
package constraints

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidProfile = errors.New("invalid profile")

// Profile describes the trader and account. Defaults are derived from it.
type Profile struct {
	Capital        float64  `json:"capital" yaml:"capital"`
	DailyLossLimit float64  `json:"daily_loss_limit" yaml:"daily_loss_limit"`
	Experience     string   `json:"experience" yaml:"experience"` // beginner | intermediate | advanced
	HoursPerDay    float64  `json:"hours_per_day" yaml:"hours_per_day"`
	AllowedSymbols []string `json:"allowed_symbols" yaml:"allowed_symbols"`
	Sessions       []string `json:"sessions" yaml:"sessions"` // "08:30-11:00"
	Timezone       string   `json:"timezone" yaml:"timezone"`
}

// Validate reports the first invalid field, wrapped in ErrInvalidProfile.
func (p Profile) Validate() error {
	if p.Capital <= 0 {
		return fmt.Errorf("%w: capital must be positive", ErrInvalidProfile)
	}
	if p.DailyLossLimit <= 0 {
		return fmt.Errorf("%w: daily_loss_limit must be positive", ErrInvalidProfile)
	}
	if p.DailyLossLimit > p.Capital {
		return fmt.Errorf("%w: daily_loss_limit exceeds capital", ErrInvalidProfile)
	}
	if p.HoursPerDay < 0 || p.HoursPerDay > 24 {
		return fmt.Errorf("%w: hours_per_day must be within 0..24", ErrInvalidProfile)
	}
	switch strings.ToLower(p.Experience) {
	case "", "beginner", "intermediate", "advanced":
	default:
		return fmt.Errorf("%w: unknown experience %q", ErrInvalidProfile, p.Experience)
	}
	if _, err := parseSessions(p.Sessions); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("%w: timezone %q: %v", ErrInvalidProfile, p.Timezone, err)
		}
	}
	return nil
}

// Session is a daily trading window in minutes after midnight, [Start, End).
type Session struct {
	Start int
	End   int
}

func (s Session) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	return m >= s.Start && m < s.End
}

func (s Session) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", s.Start/60, s.Start%60, s.End/60, s.End%60)
}

func parseSessions(specs []string) ([]Session, error) {
	out := make([]Session, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, "-")
		if len(parts) != 2 {
			return nil, fmt.Errorf("session %q: want HH:MM-HH:MM", spec)
		}
		start, err := time.Parse("15:04", strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("session %q: %v", spec, err)
		}
		end, err := time.Parse("15:04", strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("session %q: %v", spec, err)
		}
		s := Session{Start: start.Hour()*60 + start.Minute(), End: end.Hour()*60 + end.Minute()}
		if s.End <= s.Start {
			return nil, fmt.Errorf("session %q: end before start", spec)
		}
		out = append(out, s)
	}
	return out, nil
}

// Overrides are user-set values. Nil fields keep the profile default.
type Overrides struct {
	MaxRiskPct       *float64 `json:"max_risk_pct,omitempty" yaml:"max_risk_pct,omitempty"`
	DLLFraction      *float64 `json:"dll_fraction,omitempty" yaml:"dll_fraction,omitempty"`
	MaxTradesPerDay  *int     `json:"max_trades_per_day,omitempty" yaml:"max_trades_per_day,omitempty"`
	MaxTradesPerWeek *int     `json:"max_trades_per_week,omitempty" yaml:"max_trades_per_week,omitempty"`
	MaxSpreadTicks   *float64 `json:"max_spread_ticks,omitempty" yaml:"max_spread_ticks,omitempty"`
	MaxSlippageTicks *float64 `json:"max_slippage_ticks,omitempty" yaml:"max_slippage_ticks,omitempty"`
	MaxLatencyMs     *float64 `json:"max_latency_ms,omitempty" yaml:"max_latency_ms,omitempty"`
	MinDepthMultiple *float64 `json:"min_depth_multiple,omitempty" yaml:"min_depth_multiple,omitempty"`
	MinMentalState   *int     `json:"min_mental_state,omitempty" yaml:"min_mental_state,omitempty"`
}

// Ceilings are the safeguardrails. They always win over overrides.
type Ceilings struct {
	MaxRiskPct      float64 `json:"max_risk_pct" yaml:"max_risk_pct"`
	DLLFraction     float64 `json:"dll_fraction" yaml:"dll_fraction"`
	MaxTradesPerDay int     `json:"max_trades_per_day" yaml:"max_trades_per_day"`
	MaxSpreadTicks  float64 `json:"max_spread_ticks" yaml:"max_spread_ticks"`
	AutoFlatDailyR  float64 `json:"auto_flat_daily_r" yaml:"auto_flat_daily_r"`
	AutoFlatWeeklyR float64 `json:"auto_flat_weekly_r" yaml:"auto_flat_weekly_r"`
	MinMentalFloor  int     `json:"min_mental_floor" yaml:"min_mental_floor"`
}

func DefaultCeilings() Ceilings {
	return Ceilings{
		MaxRiskPct:      2.0,
		DLLFraction:     0.10,
		MaxTradesPerDay: 10,
		MaxSpreadTicks:  5,
		AutoFlatDailyR:  -2,
		AutoFlatWeeklyR: -5,
		MinMentalFloor:  1,
	}
}

// Limits is the merged result the engine enforces.
type Limits struct {
	MaxRiskPct       float64
	DLLFraction      float64
	MaxTradesPerDay  int
	MaxTradesPerWeek int
	MaxSpreadTicks   float64
	MaxSlippageTicks float64
	MaxLatencyMs     float64
	MinDepthMultiple float64
	MinMentalState   int
	AllowedSymbols   []string
	Sessions         []Session
	Location         *time.Location
	AutoFlatDailyR   float64
	AutoFlatWeeklyR  float64
}

// Clamp records one override that was pulled back inside its bounds.
type Clamp struct {
	Field     string
	Requested float64
	Applied   float64
}
