package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	_ "github.com/mattn/go-sqlite3"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// one writer; workers and the fill path share the handle
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (j *SQLite) LogTrade(t Trade) error {
	_, err := j.db.Exec(`
		INSERT INTO trades
		(trade_id, client_order_id, broker_order_id, strategy, instrument, direction, contracts,
		 entry_price, stop_price, target_price, risk_dollars, regime, gear, open_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.ClientOrderID, t.BrokerOrderID, t.Strategy, t.Instrument, t.Direction, t.Contracts,
		t.EntryPrice, t.StopPrice, t.TargetPrice, t.RiskDollars, t.Regime, t.Gear, t.OpenTime,
	)
	if err != nil {
		return fmt.Errorf("log trade %s: %w", t.TradeID, err)
	}
	return nil
}

func (j *SQLite) UpdateTradeExit(x TradeExit) error {
	res, err := j.db.Exec(`
		UPDATE trades
		SET exit_price = ?, close_time = ?, pnl = ?, r_multiple = ?, exit_reason = ?
		WHERE trade_id = ?`,
		x.ExitPrice, x.CloseTime, x.PnL, x.RMultiple, x.Reason, x.TradeID,
	)
	if err != nil {
		return fmt.Errorf("update trade exit %s: %w", x.TradeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update trade exit %s: %w", x.TradeID, ErrNotFound)
	}
	return nil
}

func (j *SQLite) LogGearShift(g GearShift) error {
	_, err := j.db.Exec(`
		INSERT INTO gear_shifts (time, from_gear, to_gear, rule, reason, daily_r, weekly_r)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.Time, g.From, g.To, g.Rule, g.Reason, g.DailyR, g.WeeklyR,
	)
	return err
}

func (j *SQLite) SaveSystemState(at time.Time, kind string, state any) error {
	payload, err := sonic.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode %s state: %w", kind, err)
	}
	_, err = j.db.Exec(`INSERT INTO system_state (time, kind, payload) VALUES (?, ?, ?)`,
		at, kind, string(payload))
	return err
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

var _ Journal = (*SQLite)(nil)
