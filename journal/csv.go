package journal

import (
	"encoding/csv"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
)

var (
	tradeHeader  = []string{"trade_id", "symbol", "side", "quantity", "entry_price", "exit_price", "open_time", "close_time", "realized_pl", "commission", "reason"}
	equityHeader = []string{"time", "cash", "equity", "realized", "unrealized", "drawdown"}
)

// CSV journals trades and equity points to two files. Orders are not
// written.
type CSV struct {
	mu     sync.Mutex
	trades *csv.Writer
	equity *csv.Writer
	tf, ef *os.File
}

func NewCSV(tradesPath, equityPath string) (*CSV, error) {
	tf, err := os.Create(tradesPath)
	if err != nil {
		return nil, err
	}
	ef, err := os.Create(equityPath)
	if err != nil {
		tf.Close()
		return nil, err
	}

	j := &CSV{trades: csv.NewWriter(tf), equity: csv.NewWriter(ef), tf: tf, ef: ef}
	if err := j.write(j.trades, tradeHeader); err != nil {
		j.Close()
		return nil, err
	}
	if err := j.write(j.equity, equityHeader); err != nil {
		j.Close()
		return nil, err
	}
	return j, nil
}

func (j *CSV) write(w *csv.Writer, rec []string) error {
	if err := w.Write(rec); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (j *CSV) RecordTrade(t TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.write(j.trades, []string{
		t.TradeID,
		t.Symbol.String(),
		t.Side.String(),
		t.Quantity.String(),
		t.EntryPrice.String(),
		t.ExitPrice.String(),
		t.OpenTime.UTC().Format(time.RFC3339Nano),
		t.CloseTime.UTC().Format(time.RFC3339Nano),
		t.RealizedPL.String(),
		t.Commission.String(),
		t.Reason,
	})
}

func (j *CSV) RecordOrder(OrderRecord) error { return nil }

func (j *CSV) RecordEquity(e EquitySnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.write(j.equity, []string{
		e.Time.UTC().Format(time.RFC3339Nano),
		e.Cash.String(),
		e.Equity.String(),
		e.Realized.String(),
		e.Unrealized.String(),
		e.Drawdown.String(),
	})
}

func (j *CSV) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.trades.Flush()
	j.equity.Flush()
	return multierr.Combine(j.trades.Error(), j.equity.Error(), j.tf.Close(), j.ef.Close())
}
