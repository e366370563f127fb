package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

const tradeColumns = `trade_id, client_order_id, broker_order_id, strategy, instrument, direction, contracts,
	entry_price, stop_price, target_price, risk_dollars, regime, gear, open_time,
	exit_price, close_time, pnl, r_multiple, exit_reason`

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(s scanner) (Trade, error) {
	var (
		rec    Trade
		exit   sql.NullFloat64
		closed sql.NullTime
		pnl    sql.NullFloat64
		r      sql.NullFloat64
		reason sql.NullString
	)
	err := s.Scan(
		&rec.TradeID, &rec.ClientOrderID, &rec.BrokerOrderID, &rec.Strategy, &rec.Instrument,
		&rec.Direction, &rec.Contracts, &rec.EntryPrice, &rec.StopPrice, &rec.TargetPrice,
		&rec.RiskDollars, &rec.Regime, &rec.Gear, &rec.OpenTime,
		&exit, &closed, &pnl, &r, &reason,
	)
	if err != nil {
		return Trade{}, err
	}
	rec.ExitPrice = exit.Float64
	rec.CloseTime = closed.Time
	rec.PnL = pnl.Float64
	rec.RMultiple = r.Float64
	rec.ExitReason = reason.String
	return rec, nil
}

// GetTrade returns a single trade by id.
func (j *SQLite) GetTrade(tradeID string) (Trade, error) {
	row := j.db.QueryRow(`SELECT `+tradeColumns+` FROM trades WHERE trade_id = ?`, tradeID)
	rec, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Trade{}, fmt.Errorf("trade %q: %w", tradeID, ErrNotFound)
	}
	return rec, err
}

// ListTradesClosedBetween returns trades whose close_time is within [start, end).
func (j *SQLite) ListTradesClosedBetween(start, end time.Time) ([]Trade, error) {
	rows, err := j.db.Query(`SELECT `+tradeColumns+` FROM trades
		WHERE close_time >= ? AND close_time < ?
		ORDER BY close_time ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListGearShifts returns shifts in insertion order.
func (j *SQLite) ListGearShifts() ([]GearShift, error) {
	rows, err := j.db.Query(`SELECT time, from_gear, to_gear, rule, reason, daily_r, weekly_r
		FROM gear_shifts ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GearShift
	for rows.Next() {
		var g GearShift
		if err := rows.Scan(&g.Time, &g.From, &g.To, &g.Rule, &g.Reason, &g.DailyR, &g.WeeklyR); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// LatestSystemState decodes the most recent snapshot of kind into dst.
func (j *SQLite) LatestSystemState(kind string, dst any) (time.Time, error) {
	var (
		at      time.Time
		payload string
	)
	err := j.db.QueryRow(`SELECT time, payload FROM system_state
		WHERE kind = ? ORDER BY id DESC LIMIT 1`, kind).Scan(&at, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("system state %q: %w", kind, ErrNotFound)
	}
	if err != nil {
		return time.Time{}, err
	}
	if err := sonic.UnmarshalString(payload, dst); err != nil {
		return time.Time{}, fmt.Errorf("decode %s state: %w", kind, err)
	}
	return at, nil
}
