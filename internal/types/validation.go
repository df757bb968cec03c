package types

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Verdict is the outcome of a validation run.
type Verdict string

const (
	VerdictValidated          Verdict = "VALIDATED"
	VerdictNotValidated       Verdict = "NOT_VALIDATED"
	VerdictInsufficientSample Verdict = "INSUFFICIENT_SAMPLE"
)

// CriterionResult is one line of the N-of-M validation gate.
type CriterionResult struct {
	Name      string  `yaml:"name" json:"name"`
	Value     float64 `yaml:"value" json:"value"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Passed    bool    `yaml:"passed" json:"passed"`
}

// BootstrapCI is a bootstrap confidence interval over resampled trades.
type BootstrapCI struct {
	Low  float64 `yaml:"low" json:"low"`
	High float64 `yaml:"high" json:"high"`
}

// ValidationResult is the sole artifact a caller inspects before enabling
// live or paper execution. Produced once per harness run; immutable.
type ValidationResult struct {
	// RunID is the unique identifier for this validation run.
	RunID string `yaml:"run_id" json:"run_id"`
	// Timestamp is when the run was executed.
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
	// EngineVersion is the engine that produced the result.
	EngineVersion string `yaml:"engine_version" json:"engine_version"`
	// StrategyParams is the YAML rendering of the configuration replayed.
	StrategyParams string `yaml:"strategy_params" json:"strategy_params"`

	Trades []TradeRecord `yaml:"trades" json:"trades"`

	TotalTrades  int     `yaml:"total_trades" json:"total_trades"`
	WinRate      float64 `yaml:"win_rate" json:"win_rate"`
	Sharpe       float64 `yaml:"sharpe" json:"sharpe"`
	Sortino      float64 `yaml:"sortino" json:"sortino"`
	ProfitFactor float64 `yaml:"profit_factor" json:"profit_factor"`
	MaxDrawdown  float64 `yaml:"max_drawdown" json:"max_drawdown"`
	TotalPnL     float64 `yaml:"total_pnl" json:"total_pnl"`
	PValue       float64 `yaml:"p_value" json:"p_value"`

	WinRateCI BootstrapCI `yaml:"win_rate_ci" json:"win_rate_ci"`
	SharpeCI  BootstrapCI `yaml:"sharpe_ci" json:"sharpe_ci"`

	Criteria         []CriterionResult `yaml:"criteria" json:"criteria"`
	CriteriaPassed   int               `yaml:"criteria_passed" json:"criteria_passed"`
	CriteriaRequired int               `yaml:"criteria_required" json:"criteria_required"`
	Verdict          Verdict           `yaml:"verdict" json:"verdict"`
}

// Validated reports whether downstream components may enable live trading.
func (v ValidationResult) Validated() bool {
	return v.Verdict == VerdictValidated
}

// WriteValidationResult writes the result artifact as YAML.
func WriteValidationResult(path string, result ValidationResult) error {
	data, err := yaml.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal validation result to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write validation result to file: %w", err)
	}

	return nil
}
