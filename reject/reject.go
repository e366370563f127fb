// Package reject carries the machine-readable outcome of a failed pipeline
// stage. Every stage that refuses to let a signal through returns a
// *Rejection instead of a bare error so that audit consumers can act on the
// Code deterministically.
package reject

import "fmt"

// Stage names the pipeline step that produced a rejection.
type Stage string

const (
	StageTripwire   Stage = "tripwire"
	StageTelemetry  Stage = "telemetry"
	StageRegime     Stage = "regime"
	StageGear       Stage = "gear"
	StageSignal     Stage = "signal"
	StageSizing     Stage = "sizing"
	StageConstraint Stage = "constraint"
	StageGuard      Stage = "guard"
	StageExecution  Stage = "execution"
	StageWorker     Stage = "worker"
)

// Code is a stable reason code.
type Code string

const (
	// tripwires
	DailyLossLimit    Code = "daily_loss_limit"
	WeeklyLossLimit   Code = "weekly_loss_limit"
	DrawdownLimit     Code = "drawdown_limit"
	ConsecutiveRed    Code = "consecutive_red_days"
	GearParked        Code = "gear_parked"
	TripwireAtSubmit  Code = "tripwire_at_dispatch"
	RegimeNoTrade     Code = "regime_notrade"
	DataGap           Code = "data_gap"
	NoSignal          Code = "no_signal"
	NoStrategy        Code = "no_strategy"
	UnknownInstrument Code = "unknown_instrument"
	TimeframeConflict Code = "timeframe_conflict"

	// sizing
	ZeroSize    Code = "zero_size"
	InvalidStop Code = "invalid_stop"

	// constraints
	SymbolNotAllowed Code = "symbol_not_allowed"
	MentalStateLow   Code = "mental_state_below_minimum"
	MaxTradesPerDay  Code = "max_trades_per_day"
	MaxTradesPerWeek Code = "max_trades_per_week"
	RiskExceedsMax   Code = "risk_exceeds_max_per_trade"
	RiskExceedsDLL   Code = "risk_exceeds_dll_fraction"
	OutsideSession   Code = "outside_trading_session"
	NoEquity         Code = "no_equity"

	// guard
	SpreadExceedsCeiling  Code = "spread_exceeds_ceiling"
	ConnectionUnstable    Code = "connection_unstable"
	LatencyExceedsCeiling Code = "latency_exceeds_ceiling"
	GuardRejected         Code = "guard_rejected"
	NoQuote               Code = "no_quote"

	// execution
	MarketClosed      Code = "market_closed"
	BrokerRejected    Code = "broker_rejected"
	BrokerUnavailable Code = "broker_unavailable"

	// worker isolation
	WorkerPanic Code = "worker_panic"
)

// Rejection is a structured, recoverable refusal. It satisfies error so it
// can travel through ordinary error returns.
type Rejection struct {
	Stage  Stage
	Code   Code
	Detail string
}

func New(stage Stage, code Code, format string, args ...any) *Rejection {
	return &Rejection{Stage: stage, Code: code, Detail: fmt.Sprintf(format, args...)}
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("%s: %s", r.Stage, r.Code)
	}
	return fmt.Sprintf("%s: %s: %s", r.Stage, r.Code, r.Detail)
}

// Fields returns the rejection as a flat map suitable for broadcast events.
func (r *Rejection) Fields() map[string]any {
	return map[string]any{
		"stage":  string(r.Stage),
		"code":   string(r.Code),
		"detail": r.Detail,
	}
}
