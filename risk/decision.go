package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrRiskRejected = errors.New("risk rejected")

// Code names the gate that rejected or resized a signal.
type Code string

const (
	CodeDailyLoss     Code = "daily-loss-limit"
	CodePositionCap   Code = "position-cap"
	CodeHeat          Code = "heat-limit"
	CodeLowConfidence Code = "low-confidence"
)

// RejectedError is returned to the signal's originator.
type RejectedError struct {
	Code Code
	Msg  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("risk rejected (%s): %s", e.Code, e.Msg)
}

func (e *RejectedError) Unwrap() error { return ErrRiskRejected }

type Verdict uint8

const (
	_verdict_beg Verdict = iota
	Accept
	Reject
	Resize
	_verdict_end
)

func (v Verdict) IsAvailable() bool {
	return v > _verdict_beg && v < _verdict_end
}

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Resize:
		return "resize"
	}
	return fmt.Sprintf("verdict(%d)", uint8(v))
}

// Decision is the gate output. Notional is what may be traded; it is zero
// on Reject.
type Decision struct {
	Verdict   Verdict
	Notional  decimal.Decimal
	Requested decimal.Decimal
	Code      Code
	Reason    string
	// Opening is false when the signal only reduces an existing position.
	Opening bool
	AtRisk  decimal.Decimal
}

func (d Decision) Allowed() bool { return d.Verdict == Accept || d.Verdict == Resize }

// Err is nil unless the decision is a rejection.
func (d Decision) Err() error {
	if d.Verdict != Reject {
		return nil
	}
	return &RejectedError{Code: d.Code, Msg: d.Reason}
}

func reject(d Decision, code Code, format string, args ...any) Decision {
	d.Verdict = Reject
	d.Code = code
	d.Reason = fmt.Sprintf(format, args...)
	d.Notional = decimal.Zero
	return d
}
