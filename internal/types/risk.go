package types

import "time"

// RiskSnapshot is a consistent read-only view of the daily risk ledger.
// Only the risk manager writes the underlying ledger; every other component
// sees snapshots.
type RiskSnapshot struct {
	Date            time.Time `yaml:"date" json:"date"`
	RealizedPnL     float64   `yaml:"realized_pnl" json:"realized_pnl"`
	OpenRiskDollars float64   `yaml:"open_risk_dollars" json:"open_risk_dollars"`
	OpenPositions   int       `yaml:"open_positions" json:"open_positions"`
	TradeCount      int       `yaml:"trade_count" json:"trade_count"`
	Halted          bool      `yaml:"halted" json:"halted"`
}
