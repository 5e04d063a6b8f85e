package journal

// Amounts are stored as decimal text so nothing is lost to float rounding.
const Schema = `
CREATE TABLE IF NOT EXISTS trades (
	trade_id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	exit_price TEXT NOT NULL,
	open_time DATETIME NOT NULL,
	close_time DATETIME NOT NULL,
	realized_pl TEXT NOT NULL,
	commission TEXT NOT NULL,
	reason TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	order_id TEXT PRIMARY KEY,
	signal_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	requested TEXT NOT NULL,
	filled TEXT NOT NULL,
	rejected TEXT NOT NULL,
	price TEXT NOT NULL,
	commission TEXT NOT NULL,
	status TEXT NOT NULL,
	time DATETIME NOT NULL,
	reason TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS equity (
	time DATETIME NOT NULL,
	cash TEXT NOT NULL,
	equity TEXT NOT NULL,
	realized TEXT NOT NULL,
	unrealized TEXT NOT NULL,
	drawdown TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_close ON trades(close_time);
CREATE INDEX IF NOT EXISTS idx_equity_time ON equity(time);
`
