// Package config holds the single immutable configuration struct for a
// trading or validation session. It is constructed once at session start and
// passed by value into every component; no component re-reads configuration
// mid-session.
//
// Dollar-denominated trade distances (ScannerConfig, TradeConfig, RiskConfig)
// and ratio/percentage validation thresholds (ValidationConfig) are kept in
// separate sections so the two kinds of thresholds are never confused.
package config

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/rxtech-lab/gapflow/pkg/errors"
	"gopkg.in/yaml.v2"
)

// EntryFillMode selects how the simulated adapter fills an entry order.
type EntryFillMode string

const (
	// EntryFillSignalBarClose fills at the close of the bar that produced
	// the signal.
	EntryFillSignalBarClose EntryFillMode = "signal_bar_close"
	// EntryFillNextBarOpen fills at the open of the following bar.
	EntryFillNextBarOpen EntryFillMode = "next_bar_open"
)

// ScannerConfig holds the pre-open candidate filters.
type ScannerConfig struct {
	// MinGapPct is the minimum overnight gap, percent. Valid 0.5-20.
	MinGapPct float64 `yaml:"min_gap_pct" json:"min_gap_pct" validate:"gte=0.5,lte=20" jsonschema:"default=3"`
	// MaxGapPct caps the gap; larger gaps tend to fade. Valid 2-50.
	MaxGapPct float64 `yaml:"max_gap_pct" json:"max_gap_pct" validate:"gte=2,lte=50" jsonschema:"default=10"`
	// MinPreSessionVolume in shares. Valid >= 0.
	MinPreSessionVolume float64 `yaml:"min_pre_session_volume" json:"min_pre_session_volume" validate:"gte=0" jsonschema:"default=20000"`
	// RequireCatalyst only watches symbols with a fresh news catalyst.
	RequireCatalyst bool `yaml:"require_catalyst" json:"require_catalyst" jsonschema:"default=true"`
	// ExcludeEarnings drops symbols inside the earnings blackout window.
	ExcludeEarnings bool `yaml:"exclude_earnings" json:"exclude_earnings" jsonschema:"default=true"`
	// MaxExtensionPct drops symbols already stretched more than this percent
	// above the recent high. Zero disables the filter. Valid 0-50.
	MaxExtensionPct float64 `yaml:"max_extension_pct" json:"max_extension_pct" validate:"gte=0,lte=50" jsonschema:"default=10"`
	// MinMarketCap in dollars; zero disables. Valid >= 0.
	MinMarketCap float64 `yaml:"min_market_cap" json:"min_market_cap" validate:"gte=0" jsonschema:"default=100000000"`
	// MaxPrice skips symbols above this price; zero disables. Valid >= 0.
	MaxPrice float64 `yaml:"max_price" json:"max_price" validate:"gte=0" jsonschema:"default=1000"`
}

// SignalConfig holds the VWAP-hold detection parameters.
type SignalConfig struct {
	// VWAPTolerancePct arms the detector when price closes within this
	// percent of the session VWAP. Valid 0.05-5.
	VWAPTolerancePct float64 `yaml:"vwap_tolerance_pct" json:"vwap_tolerance_pct" validate:"gte=0.05,lte=5" jsonschema:"default=0.5"`
	// VolumeConfirmMultiple is the bar-volume multiple over the trailing
	// average required to arm. Valid 1-10.
	VolumeConfirmMultiple float64 `yaml:"volume_confirm_multiple" json:"volume_confirm_multiple" validate:"gte=1,lte=10" jsonschema:"default=1.5"`
	// VolumeLookbackBars is the trailing window for the average. Valid 3-100.
	VolumeLookbackBars int `yaml:"volume_lookback_bars" json:"volume_lookback_bars" validate:"gte=3,lte=100" jsonschema:"default=10"`
	// CutoffAfterOpen expires candidates that have not triggered this long
	// after session open. Valid 15m-6h.
	CutoffAfterOpen time.Duration `yaml:"cutoff_after_open" json:"cutoff_after_open" jsonschema:"default=2h"`
}

// UnmarshalYAML implements custom unmarshaling so durations can be written
// as strings ("2h", "30m") in the YAML file.
func (c *SignalConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type raw struct {
		VWAPTolerancePct      *float64 `yaml:"vwap_tolerance_pct"`
		VolumeConfirmMultiple *float64 `yaml:"volume_confirm_multiple"`
		VolumeLookbackBars    *int     `yaml:"volume_lookback_bars"`
		CutoffAfterOpen       *string  `yaml:"cutoff_after_open"`
	}

	var r raw
	if err := unmarshal(&r); err != nil {
		return err
	}

	if r.VWAPTolerancePct != nil {
		c.VWAPTolerancePct = *r.VWAPTolerancePct
	}

	if r.VolumeConfirmMultiple != nil {
		c.VolumeConfirmMultiple = *r.VolumeConfirmMultiple
	}

	if r.VolumeLookbackBars != nil {
		c.VolumeLookbackBars = *r.VolumeLookbackBars
	}

	if r.CutoffAfterOpen != nil {
		d, err := time.ParseDuration(*r.CutoffAfterOpen)
		if err != nil {
			return err
		}

		c.CutoffAfterOpen = d
	}

	return nil
}

// MarshalYAML renders the cutoff as a duration string so the output parses
// back through UnmarshalYAML.
func (c SignalConfig) MarshalYAML() (interface{}, error) {
	type out struct {
		VWAPTolerancePct      float64 `yaml:"vwap_tolerance_pct"`
		VolumeConfirmMultiple float64 `yaml:"volume_confirm_multiple"`
		VolumeLookbackBars    int     `yaml:"volume_lookback_bars"`
		CutoffAfterOpen       string  `yaml:"cutoff_after_open"`
	}

	return out{
		VWAPTolerancePct:      c.VWAPTolerancePct,
		VolumeConfirmMultiple: c.VolumeConfirmMultiple,
		VolumeLookbackBars:    c.VolumeLookbackBars,
		CutoffAfterOpen:       c.CutoffAfterOpen.String(),
	}, nil
}

// TradeConfig holds dollar-denominated trade management distances. Offsets
// are absolute prices, not percentages, so risk per share stays constant.
type TradeConfig struct {
	// StopDistance in dollars below entry. Valid 0.01-50.
	StopDistance float64 `yaml:"stop_distance" json:"stop_distance" validate:"gt=0,lte=50" jsonschema:"default=0.25"`
	// TargetDistance in dollars above entry for the first scale. Valid 0.01-100.
	TargetDistance float64 `yaml:"target_distance" json:"target_distance" validate:"gt=0,lte=100" jsonschema:"default=0.25"`
	// SecondTargetDistance in dollars above entry for the remainder.
	SecondTargetDistance float64 `yaml:"second_target_distance" json:"second_target_distance" validate:"gt=0,lte=200" jsonschema:"default=0.5"`
	// ScaleOutFraction sold at the first target. Valid 0.1-0.9.
	ScaleOutFraction float64 `yaml:"scale_out_fraction" json:"scale_out_fraction" validate:"gte=0.1,lte=0.9" jsonschema:"default=0.5"`
	// MaxHoldingBars exits at market if the first target has not been hit
	// within this many bars. Zero disables. Valid 0-500.
	MaxHoldingBars int `yaml:"max_holding_bars" json:"max_holding_bars" validate:"gte=0,lte=500" jsonschema:"default=24"`
}

// RiskConfig holds the cross-symbol risk limits.
type RiskConfig struct {
	// RiskPerTrade in dollars reserved per entry. Valid > 0.
	RiskPerTrade float64 `yaml:"risk_per_trade" json:"risk_per_trade" validate:"gt=0" jsonschema:"default=100"`
	// MaxPositions is the concurrent open-position cap. Valid 1-20.
	MaxPositions int `yaml:"max_positions" json:"max_positions" validate:"gte=1,lte=20" jsonschema:"default=3"`
	// MaxConcurrentRisk caps the sum of open per-position risk dollars.
	MaxConcurrentRisk float64 `yaml:"max_concurrent_risk" json:"max_concurrent_risk" validate:"gt=0" jsonschema:"default=300"`
	// MaxDailyLoss halts the session when realized PnL breaches its negative.
	MaxDailyLoss float64 `yaml:"max_daily_loss" json:"max_daily_loss" validate:"gt=0" jsonschema:"default=1000"`
	// MaxDailyTrades caps entries per session. Valid 1-100.
	MaxDailyTrades int `yaml:"max_daily_trades" json:"max_daily_trades" validate:"gte=1,lte=100" jsonschema:"default=10"`
}

// SessionConfig holds the trading-session clock.
type SessionConfig struct {
	// Open and Close are wall-clock times in Location, "15:04" format.
	Open  string `yaml:"open" json:"open" validate:"required" jsonschema:"default=09:30"`
	Close string `yaml:"close" json:"close" validate:"required" jsonschema:"default=16:00"`
	// FlattenBefore force-closes open positions this long before Close.
	FlattenBefore time.Duration `yaml:"flatten_before" json:"flatten_before" jsonschema:"default=10m"`
	// Location is the exchange time zone name.
	Location string `yaml:"location" json:"location" validate:"required" jsonschema:"default=America/New_York"`
	// BarInterval is the aggregation interval.
	BarInterval time.Duration `yaml:"bar_interval" json:"bar_interval" jsonschema:"default=5m"`
}

// UnmarshalYAML implements custom unmarshaling for the duration fields.
func (c *SessionConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type raw struct {
		Open          *string `yaml:"open"`
		Close         *string `yaml:"close"`
		FlattenBefore *string `yaml:"flatten_before"`
		Location      *string `yaml:"location"`
		BarInterval   *string `yaml:"bar_interval"`
	}

	var r raw
	if err := unmarshal(&r); err != nil {
		return err
	}

	if r.Open != nil {
		c.Open = *r.Open
	}

	if r.Close != nil {
		c.Close = *r.Close
	}

	if r.Location != nil {
		c.Location = *r.Location
	}

	if r.FlattenBefore != nil {
		d, err := time.ParseDuration(*r.FlattenBefore)
		if err != nil {
			return err
		}

		c.FlattenBefore = d
	}

	if r.BarInterval != nil {
		d, err := time.ParseDuration(*r.BarInterval)
		if err != nil {
			return err
		}

		c.BarInterval = d
	}

	return nil
}

// MarshalYAML renders the durations as strings so the output parses back
// through UnmarshalYAML.
func (c SessionConfig) MarshalYAML() (interface{}, error) {
	type out struct {
		Open          string `yaml:"open"`
		Close         string `yaml:"close"`
		FlattenBefore string `yaml:"flatten_before"`
		Location      string `yaml:"location"`
		BarInterval   string `yaml:"bar_interval"`
	}

	return out{
		Open:          c.Open,
		Close:         c.Close,
		FlattenBefore: c.FlattenBefore.String(),
		Location:      c.Location,
		BarInterval:   c.BarInterval.String(),
	}, nil
}

// OpenAt resolves the session open on the given date in the configured
// location.
func (c SessionConfig) OpenAt(date time.Time) (time.Time, error) {
	return c.wallClock(date, c.Open)
}

// CloseAt resolves the session close on the given date.
func (c SessionConfig) CloseAt(date time.Time) (time.Time, error) {
	return c.wallClock(date, c.Close)
}

// FlattenAt resolves the forced-flatten deadline on the given date.
func (c SessionConfig) FlattenAt(date time.Time) (time.Time, error) {
	closeAt, err := c.CloseAt(date)
	if err != nil {
		return time.Time{}, err
	}

	return closeAt.Add(-c.FlattenBefore), nil
}

func (c SessionConfig) wallClock(date time.Time, hhmm string) (time.Time, error) {
	loc, err := time.LoadLocation(c.Location)
	if err != nil {
		return time.Time{}, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "unknown location %q", c.Location)
	}

	clock, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "invalid wall-clock time %q", hhmm)
	}

	d := date.In(loc)

	return time.Date(d.Year(), d.Month(), d.Day(), clock.Hour(), clock.Minute(), 0, 0, loc), nil
}

// ExecutionConfig holds the simulated fill model.
type ExecutionConfig struct {
	EntryFillMode EntryFillMode `yaml:"entry_fill_mode" json:"entry_fill_mode" validate:"oneof=signal_bar_close next_bar_open" jsonschema:"default=next_bar_open"`
	// SlippagePerShare in dollars applied against the trade. Valid >= 0.
	SlippagePerShare float64 `yaml:"slippage_per_share" json:"slippage_per_share" validate:"gte=0" jsonschema:"default=0.01"`
	// Broker selects the commission model.
	Broker string `yaml:"broker" json:"broker" validate:"oneof=interactive_broker zero" jsonschema:"default=interactive_broker"`
}

// FeedConfig holds the stalled-feed policy.
type FeedConfig struct {
	// SoftStallTimeout freezes new entries for a symbol after this long
	// without data.
	SoftStallTimeout time.Duration `yaml:"soft_stall_timeout" json:"soft_stall_timeout" jsonschema:"default=30s"`
	// HardStallTimeout force-closes the symbol's position after this long
	// without data.
	HardStallTimeout time.Duration `yaml:"hard_stall_timeout" json:"hard_stall_timeout" jsonschema:"default=2m"`
}

// UnmarshalYAML implements custom unmarshaling for the duration fields.
func (c *FeedConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type raw struct {
		SoftStallTimeout *string `yaml:"soft_stall_timeout"`
		HardStallTimeout *string `yaml:"hard_stall_timeout"`
	}

	var r raw
	if err := unmarshal(&r); err != nil {
		return err
	}

	if r.SoftStallTimeout != nil {
		d, err := time.ParseDuration(*r.SoftStallTimeout)
		if err != nil {
			return err
		}

		c.SoftStallTimeout = d
	}

	if r.HardStallTimeout != nil {
		d, err := time.ParseDuration(*r.HardStallTimeout)
		if err != nil {
			return err
		}

		c.HardStallTimeout = d
	}

	return nil
}

// MarshalYAML renders the stall timeouts as duration strings so the output
// parses back through UnmarshalYAML.
func (c FeedConfig) MarshalYAML() (interface{}, error) {
	type out struct {
		SoftStallTimeout string `yaml:"soft_stall_timeout"`
		HardStallTimeout string `yaml:"hard_stall_timeout"`
	}

	return out{
		SoftStallTimeout: c.SoftStallTimeout.String(),
		HardStallTimeout: c.HardStallTimeout.String(),
	}, nil
}

// ValidationConfig holds the harness gate. These thresholds are ratios and
// percentages, never dollar distances.
type ValidationConfig struct {
	// MinWinRate percent. Valid 0-100.
	MinWinRate float64 `yaml:"min_win_rate" json:"min_win_rate" validate:"gte=0,lte=100" jsonschema:"default=55"`
	// MinSharpe annualized. Valid -5 to 10.
	MinSharpe float64 `yaml:"min_sharpe" json:"min_sharpe" validate:"gte=-5,lte=10" jsonschema:"default=0.5"`
	// MaxPValue for the one-sample t-test on mean per-trade return.
	MaxPValue float64 `yaml:"max_p_value" json:"max_p_value" validate:"gt=0,lte=1" jsonschema:"default=0.05"`
	// MinSampleSize is the minimum trade count. Valid 1-10000.
	MinSampleSize int `yaml:"min_sample_size" json:"min_sample_size" validate:"gte=1,lte=10000" jsonschema:"default=50"`
	// MinProfitFactor gross win / gross loss. Valid 0-100.
	MinProfitFactor float64 `yaml:"min_profit_factor" json:"min_profit_factor" validate:"gte=0,lte=100" jsonschema:"default=1.5"`
	// CriteriaRequired is the N of the N-of-M gate. Valid 1-5.
	CriteriaRequired int `yaml:"criteria_required" json:"criteria_required" validate:"gte=1,lte=5" jsonschema:"default=3"`
	// BootstrapResamples for the trade-level bootstrap CI. Valid 100-100000.
	BootstrapResamples int `yaml:"bootstrap_resamples" json:"bootstrap_resamples" validate:"gte=100,lte=100000" jsonschema:"default=1000"`
	// BootstrapSeed fixes the resampling RNG so runs are reproducible.
	BootstrapSeed int64 `yaml:"bootstrap_seed" json:"bootstrap_seed" jsonschema:"default=42"`
}

// Config is the full immutable session configuration.
type Config struct {
	Scanner    ScannerConfig    `yaml:"scanner" json:"scanner"`
	Signal     SignalConfig     `yaml:"signal" json:"signal"`
	Trade      TradeConfig      `yaml:"trade" json:"trade"`
	Risk       RiskConfig       `yaml:"risk" json:"risk"`
	Session    SessionConfig    `yaml:"session" json:"session"`
	Execution  ExecutionConfig  `yaml:"execution" json:"execution"`
	Feed       FeedConfig       `yaml:"feed" json:"feed"`
	Validation ValidationConfig `yaml:"validation" json:"validation"`
}

// DefaultConfig returns the documented default for every parameter.
func DefaultConfig() Config {
	return Config{
		Scanner: ScannerConfig{
			MinGapPct:           3.0,
			MaxGapPct:           10.0,
			MinPreSessionVolume: 20000,
			RequireCatalyst:     true,
			ExcludeEarnings:     true,
			MaxExtensionPct:     10.0,
			MinMarketCap:        100e6,
			MaxPrice:            1000.0,
		},
		Signal: SignalConfig{
			VWAPTolerancePct:      0.5,
			VolumeConfirmMultiple: 1.5,
			VolumeLookbackBars:    10,
			CutoffAfterOpen:       2 * time.Hour,
		},
		Trade: TradeConfig{
			StopDistance:         0.25,
			TargetDistance:       0.25,
			SecondTargetDistance: 0.50,
			ScaleOutFraction:     0.5,
			MaxHoldingBars:       24,
		},
		Risk: RiskConfig{
			RiskPerTrade:      100,
			MaxPositions:      3,
			MaxConcurrentRisk: 300,
			MaxDailyLoss:      1000,
			MaxDailyTrades:    10,
		},
		Session: SessionConfig{
			Open:          "09:30",
			Close:         "16:00",
			FlattenBefore: 10 * time.Minute,
			Location:      "America/New_York",
			BarInterval:   5 * time.Minute,
		},
		Execution: ExecutionConfig{
			EntryFillMode:    EntryFillNextBarOpen,
			SlippagePerShare: 0.01,
			Broker:           "interactive_broker",
		},
		Feed: FeedConfig{
			SoftStallTimeout: 30 * time.Second,
			HardStallTimeout: 2 * time.Minute,
		},
		Validation: ValidationConfig{
			MinWinRate:         55,
			MinSharpe:          0.5,
			MaxPValue:          0.05,
			MinSampleSize:      50,
			MinProfitFactor:    1.5,
			CriteriaRequired:   3,
			BootstrapResamples: 1000,
			BootstrapSeed:      42,
		},
	}
}

// Parse unmarshals YAML on top of the defaults and validates ranges.
func Parse(content []byte) (Config, error) {
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to parse config", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks every parameter against its documented range.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid configuration", err)
	}

	if c.Scanner.MaxGapPct <= c.Scanner.MinGapPct {
		return errors.Newf(errors.ErrCodeInvalidConfiguration,
			"max_gap_pct (%.2f) must exceed min_gap_pct (%.2f)", c.Scanner.MaxGapPct, c.Scanner.MinGapPct)
	}

	if c.Trade.SecondTargetDistance <= c.Trade.TargetDistance {
		return errors.Newf(errors.ErrCodeInvalidConfiguration,
			"second_target_distance (%.2f) must exceed target_distance (%.2f)",
			c.Trade.SecondTargetDistance, c.Trade.TargetDistance)
	}

	if c.Risk.MaxConcurrentRisk < c.Risk.RiskPerTrade {
		return errors.Newf(errors.ErrCodeInvalidConfiguration,
			"max_concurrent_risk (%.2f) must allow at least one trade of risk_per_trade (%.2f)",
			c.Risk.MaxConcurrentRisk, c.Risk.RiskPerTrade)
	}

	if c.Feed.HardStallTimeout <= c.Feed.SoftStallTimeout {
		return errors.New(errors.ErrCodeInvalidConfiguration,
			"hard_stall_timeout must exceed soft_stall_timeout")
	}

	if _, err := time.LoadLocation(c.Session.Location); err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "invalid session location %q", c.Session.Location)
	}

	for _, clock := range []string{c.Session.Open, c.Session.Close} {
		if _, err := time.Parse("15:04", clock); err != nil {
			return errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "invalid session clock %q", clock)
		}
	}

	return nil
}

// GenerateSchema generates a JSON schema for the Config.
func (c *Config) GenerateSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}

	schema := reflector.Reflect(c)
	schema.Title = "gapflow-session-config"
	schema.Description = "Configuration schema for a gapflow trading or validation session"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	return schema
}

// GenerateSchemaJSON generates a JSON schema string for the Config.
func (c *Config) GenerateSchemaJSON() (string, error) {
	schemaBytes, err := json.MarshalIndent(c.GenerateSchema(), "", "  ")
	if err != nil {
		return "", err
	}

	return string(schemaBytes), nil
}

// MarshalYAMLString renders the config back to YAML for result artifacts.
func (c *Config) MarshalYAMLString() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}

	return string(out), nil
}
