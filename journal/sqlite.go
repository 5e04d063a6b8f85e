package journal

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

type SQLite struct {
	mu sync.Mutex
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (j *SQLite) RecordTrade(t TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(`
		INSERT INTO trades
		(trade_id, symbol, side, quantity, entry_price, exit_price, open_time, close_time, realized_pl, commission, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.Symbol.String(), t.Side.String(), t.Quantity, t.EntryPrice,
		t.ExitPrice, t.OpenTime.UTC(), t.CloseTime.UTC(), t.RealizedPL, t.Commission, t.Reason,
	)
	return err
}

func (j *SQLite) RecordOrder(o OrderRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(`
		INSERT INTO orders
		(order_id, signal_id, symbol, side, requested, filled, rejected, price, commission, status, time, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.SignalID, o.Symbol.String(), o.Side.String(), o.Requested, o.Filled,
		o.Rejected, o.Price, o.Commission, o.Status, o.Time.UTC(), o.Reason,
	)
	return err
}

func (j *SQLite) RecordEquity(e EquitySnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(`
		INSERT INTO equity
		(time, cash, equity, realized, unrealized, drawdown)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Time.UTC(), e.Cash, e.Equity, e.Realized, e.Unrealized, e.Drawdown,
	)
	return err
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
