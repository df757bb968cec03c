package types

import "time"

// PositionState is the lifecycle state of a Position.
type PositionState string

const (
	PositionStatePendingEntry    PositionState = "PENDING_ENTRY"
	PositionStateOpen            PositionState = "OPEN"
	PositionStatePartiallyClosed PositionState = "PARTIALLY_CLOSED"
	PositionStateFlat            PositionState = "FLAT"
	PositionStateHaltedByRisk    PositionState = "HALTED_BY_RISK"
)

// IsTerminal reports whether the position lifecycle has ended.
func (s PositionState) IsTerminal() bool {
	return s == PositionStateFlat
}

// Position is the live state of one symbol's trade. Exactly one non-FLAT
// Position exists per symbol at any time. It is owned exclusively by its
// state machine; other components read snapshots only.
type Position struct {
	Symbol     string        `yaml:"symbol" json:"symbol" csv:"symbol"`
	State      PositionState `yaml:"state" json:"state" csv:"state"`
	EntryPrice float64       `yaml:"entry_price" json:"entry_price" csv:"entry_price"`
	Shares     float64       `yaml:"shares" json:"shares" csv:"shares"`
	StopPrice  float64       `yaml:"stop_price" json:"stop_price" csv:"stop_price"`
	// TargetPrice is the first scale-out level; SecondTargetPrice exits the
	// remainder.
	TargetPrice       float64 `yaml:"target_price" json:"target_price" csv:"target_price"`
	SecondTargetPrice float64 `yaml:"second_target_price" json:"second_target_price" csv:"second_target_price"`
	// RiskDollars is (entry - stop) * shares, reserved against the daily
	// risk budget while the position is live.
	RiskDollars float64   `yaml:"risk_dollars" json:"risk_dollars" csv:"risk_dollars"`
	OpenedAt    time.Time `yaml:"opened_at" json:"opened_at" csv:"opened_at"`
	// ScaledFractionRemaining is 1.0 until the first target fills, then the
	// retained fraction (default 0.5).
	ScaledFractionRemaining float64 `yaml:"scaled_fraction_remaining" json:"scaled_fraction_remaining" csv:"scaled_fraction_remaining"`
}
