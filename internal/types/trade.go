package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExitReason labels why a TradeRecord closed.
const (
	ExitReasonStop         string = "stop"
	ExitReasonFirstTarget  string = "first_target"
	ExitReasonSecondTarget string = "second_target"
	ExitReasonTimeLimit    string = "time_limit"
	ExitReasonSessionEnd   string = "session_end"
	ExitReasonRiskHalt     string = "risk_halt"
	ExitReasonFeedStall    string = "feed_stall"
)

// TradeRecord is one append-only ledger entry, created when a position (or a
// scaled-out slice of one) goes flat. Immutable thereafter. Keyed by
// (symbol, opened_at) plus the exit reason for scale-out slices.
type TradeRecord struct {
	Symbol     string    `yaml:"symbol" json:"symbol" csv:"symbol"`
	EntryPrice float64   `yaml:"entry_price" json:"entry_price" csv:"entry_price"`
	ExitPrice  float64   `yaml:"exit_price" json:"exit_price" csv:"exit_price"`
	Shares     float64   `yaml:"shares" json:"shares" csv:"shares"`
	PnL        float64   `yaml:"pnl" json:"pnl" csv:"pnl"`
	Commission float64   `yaml:"commission" json:"commission" csv:"commission"`
	OpenedAt   time.Time `yaml:"opened_at" json:"opened_at" csv:"opened_at"`
	ClosedAt   time.Time `yaml:"closed_at" json:"closed_at" csv:"closed_at"`
	ExitReason string    `yaml:"exit_reason" json:"exit_reason" csv:"exit_reason"`
}

// ComputePnL returns (exit - entry) * shares - commission using decimal
// arithmetic so repeated replays are byte-identical.
func ComputePnL(entryPrice, exitPrice, shares, commission float64) float64 {
	entry := decimal.NewFromFloat(entryPrice)
	exit := decimal.NewFromFloat(exitPrice)
	qty := decimal.NewFromFloat(shares)
	fee := decimal.NewFromFloat(commission)

	pnl, _ := exit.Sub(entry).Mul(qty).Sub(fee).Float64()

	return pnl
}

// PnLPerShare returns the per-share return of the trade, the unit consumed by
// the validation statistics.
func (t TradeRecord) PnLPerShare() float64 {
	if t.Shares == 0 {
		return 0
	}

	perShare, _ := decimal.NewFromFloat(t.PnL).Div(decimal.NewFromFloat(t.Shares)).Float64()

	return perShare
}

// HoldingTime returns how long the trade was held.
func (t TradeRecord) HoldingTime() time.Duration {
	return t.ClosedAt.Sub(t.OpenedAt)
}
