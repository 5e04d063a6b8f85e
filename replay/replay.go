package replay

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/papertrader/engine"
	"github.com/rustyeddy/papertrader/market"
	"github.com/rustyeddy/papertrader/signal"
	"github.com/shopspring/decimal"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"
)

// Handler is the part of the engine a replay drives. *engine.Engine
// satisfies it.
type Handler interface {
	HandleEvent(ctx context.Context, ev market.Event)
	HandleSignal(ctx context.Context, sig signal.TradingSignal) engine.Result
}

// Checker admits or rejects a signal before it is handled. *signal.Intake
// satisfies it.
type Checker interface {
	Check(sig signal.TradingSignal) error
}

// Summary counts what a replay did.
type Summary struct {
	Rows     int
	Events   int
	Signals  int
	Executed int
	Rejected int
	Skipped  int
}

// Options controls how replay behaves.
type Options struct {
	// SkipBadRows logs and skips rows that fail to parse instead of
	// stopping the replay.
	SkipBadRows bool
	// OnResult sees every signal outcome in file order.
	OnResult func(line int, res engine.Result)
	// Checker applies the live intake rules to signal rows. Without it
	// rows are only validated.
	Checker Checker
	Logger  *zap.Logger
}

// File replays a CSV file through h. Files ending in .xz are decompressed
// on the fly.
func File(ctx context.Context, path string, h Handler, opts Options) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(strings.ToLower(path), ".xz") {
		xr, err := xz.NewReader(f)
		if err != nil {
			return Summary{}, fmt.Errorf("open xz stream %s: %w", path, err)
		}
		r = xr
	}
	return Run(ctx, r, h, opts)
}

// Run replays CSV rows from r through h, one at a time and in order.
//
// Every row starts with time,kind,exchange,symbol,seq. The remaining
// columns depend on kind (case-insensitive):
//
//	trade:     price,size,side
//	quote:     bid,bid_size,ask,ask_size
//	snapshot:  bids,asks
//	delta:     bids,asks
//	signal:    action,confidence[,size_hint[,urgency]]
//
// Book sides are "price:size" pairs separated by "|"; an empty column is an
// empty side. Signal rows ignore seq. A first row whose first column is
// "time" is treated as a header.
func Run(ctx context.Context, r io.Reader, h Handler, opts Options) (Summary, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'

	var sum Summary
	for first := true; ; first = false {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		row, err := cr.Read()
		if err == io.EOF {
			return sum, nil
		}
		if err != nil {
			return sum, err
		}
		line, _ := cr.FieldPos(0)
		if len(row) == 0 || (first && strings.EqualFold(strings.TrimSpace(row[0]), "time")) {
			continue
		}
		sum.Rows++

		if err := handleRow(ctx, h, line, row, &sum, opts); err != nil {
			if !opts.SkipBadRows {
				return sum, fmt.Errorf("line %d: %w", line, err)
			}
			log.Warn("skipping replay row", zap.Int("line", line), zap.Error(err))
		}
	}
}

func handleRow(ctx context.Context, h Handler, line int, row []string, sum *Summary, opts Options) error {
	for i := range row {
		row[i] = strings.TrimSpace(row[i])
	}
	if len(row) < 5 {
		return errors.New("need at least 5 columns time,kind,exchange,symbol,seq")
	}

	at, err := time.Parse(time.RFC3339Nano, row[0])
	if err != nil {
		return fmt.Errorf("bad time %q: %w", row[0], err)
	}
	ex, err := market.ParseExchange(row[2])
	if err != nil {
		return err
	}
	if row[3] == "" {
		return errors.New("symbol is empty")
	}
	sym := market.NewSymbol(ex, row[3])
	kind := strings.ToLower(row[1])
	args := row[5:]

	if kind == "signal" {
		sig, err := parseSignal(line, at, sym, args)
		if err != nil {
			return err
		}
		if opts.Checker != nil {
			if err := opts.Checker.Check(sig); err != nil {
				return err
			}
		}
		res := h.HandleSignal(ctx, sig)
		sum.Signals++
		switch {
		case res.Skipped:
			sum.Skipped++
		case res.Executed():
			sum.Executed++
		case res.Err != nil:
			sum.Rejected++
		}
		if opts.OnResult != nil {
			opts.OnResult(line, res)
		}
		return nil
	}

	seq, err := strconv.ParseUint(row[4], 10, 64)
	if err != nil {
		return fmt.Errorf("bad seq %q: %w", row[4], err)
	}
	hdr := market.Header{Symbol: sym, Seq: seq, Time: at}
	ev, err := parseEvent(kind, hdr, args)
	if err != nil {
		return err
	}
	h.HandleEvent(ctx, ev)
	sum.Events++
	return nil
}

func parseEvent(kind string, hdr market.Header, args []string) (market.Event, error) {
	switch kind {
	case market.KindTrade:
		if len(args) < 3 {
			return nil, errors.New("trade: need price,size,side")
		}
		nums, err := decimals(args[:2], "price", "size")
		if err != nil {
			return nil, fmt.Errorf("trade: %w", err)
		}
		side, err := market.ParseSide(args[2])
		if err != nil {
			return nil, fmt.Errorf("trade: %w", err)
		}
		return market.Trade{Header: hdr, Price: nums[0], Size: nums[1], Side: side}, nil

	case market.KindQuote:
		if len(args) < 4 {
			return nil, errors.New("quote: need bid,bid_size,ask,ask_size")
		}
		nums, err := decimals(args[:4], "bid", "bid_size", "ask", "ask_size")
		if err != nil {
			return nil, fmt.Errorf("quote: %w", err)
		}
		return market.Quote{Header: hdr, Bid: nums[0], BidSize: nums[1], Ask: nums[2], AskSize: nums[3]}, nil

	case market.KindSnapshot, market.KindDelta:
		var bidCol, askCol string
		if len(args) > 0 {
			bidCol = args[0]
		}
		if len(args) > 1 {
			askCol = args[1]
		}
		bids, err := parseLevels(bidCol)
		if err != nil {
			return nil, fmt.Errorf("%s bids: %w", kind, err)
		}
		asks, err := parseLevels(askCol)
		if err != nil {
			return nil, fmt.Errorf("%s asks: %w", kind, err)
		}
		if kind == market.KindSnapshot {
			return market.BookSnapshot{Header: hdr, Bids: bids, Asks: asks}, nil
		}
		return market.BookDelta{Header: hdr, Bids: bids, Asks: asks}, nil
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

func parseSignal(line int, at time.Time, sym market.Symbol, args []string) (signal.TradingSignal, error) {
	if len(args) < 2 {
		return signal.TradingSignal{}, errors.New("signal: need action,confidence")
	}
	kind, err := signal.ParseActionKind(strings.ToLower(args[0]))
	if err != nil {
		return signal.TradingSignal{}, fmt.Errorf("signal: %w", err)
	}
	conf, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return signal.TradingSignal{}, fmt.Errorf("signal: bad confidence %q: %w", args[1], err)
	}

	sig := signal.TradingSignal{
		ID:         "replay-" + strconv.Itoa(line),
		Symbol:     sym,
		Action:     signal.Action{Kind: kind},
		Confidence: conf,
		Source:     "replay",
		Time:       at,
	}
	if len(args) > 2 && args[2] != "" {
		hint, err := decimal.NewFromString(args[2])
		if err != nil {
			return signal.TradingSignal{}, fmt.Errorf("signal: bad size_hint %q: %w", args[2], err)
		}
		sig.Action.SizeHint = decimal.NewNullDecimal(hint)
	}
	if len(args) > 3 && args[3] != "" {
		if sig.Urgency, err = strconv.ParseFloat(args[3], 64); err != nil {
			return signal.TradingSignal{}, fmt.Errorf("signal: bad urgency %q: %w", args[3], err)
		}
	}
	if err := signal.Validate(sig); err != nil {
		return signal.TradingSignal{}, err
	}
	return sig, nil
}

// parseLevels reads "price:size|price:size".
func parseLevels(col string) ([]market.Level, error) {
	if col == "" {
		return nil, nil
	}
	parts := strings.Split(col, "|")
	out := make([]market.Level, 0, len(parts))
	for _, p := range parts {
		price, size, ok := strings.Cut(strings.TrimSpace(p), ":")
		if !ok {
			return nil, fmt.Errorf("bad level %q, want price:size", p)
		}
		nums, err := decimals([]string{price, size}, "price", "size")
		if err != nil {
			return nil, err
		}
		out = append(out, market.Level{Price: nums[0], Size: nums[1]})
	}
	return out, nil
}

func decimals(vals []string, names ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		n, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("bad %s %q: %w", names[i], v, err)
		}
		out[i] = n
	}
	return out, nil
}
