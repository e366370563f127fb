package journal

const Schema = `
CREATE TABLE IF NOT EXISTS trades (
	trade_id TEXT PRIMARY KEY,
	client_order_id TEXT NOT NULL,
	broker_order_id TEXT NOT NULL,
	strategy TEXT NOT NULL,
	instrument TEXT NOT NULL,
	direction TEXT NOT NULL,
	contracts INTEGER NOT NULL,
	entry_price REAL NOT NULL,
	stop_price REAL NOT NULL,
	target_price REAL NOT NULL,
	risk_dollars REAL NOT NULL,
	regime TEXT NOT NULL,
	gear TEXT NOT NULL,
	open_time DATETIME NOT NULL,
	exit_price REAL,
	close_time DATETIME,
	pnl REAL,
	r_multiple REAL,
	exit_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_trades_close_time ON trades(close_time);

CREATE TABLE IF NOT EXISTS gear_shifts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	time DATETIME NOT NULL,
	from_gear TEXT NOT NULL,
	to_gear TEXT NOT NULL,
	rule TEXT NOT NULL,
	reason TEXT NOT NULL,
	daily_r REAL NOT NULL,
	weekly_r REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS system_state (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	time DATETIME NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_system_state_kind ON system_state(kind, id);
`
