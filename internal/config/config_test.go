package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/rxtech-lab/gapflow/pkg/errors"
)

// ConfigTestSuite is a test suite for session configuration parsing.
type ConfigTestSuite struct {
	suite.Suite
}

// TestConfigSuite runs the test suite
func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

// TestDefaultConfigIsValid verifies the documented defaults pass their own
// validation.
func (suite *ConfigTestSuite) TestDefaultConfigIsValid() {
	cfg := DefaultConfig()
	suite.Require().NoError(cfg.Validate())

	suite.Equal(3.0, cfg.Scanner.MinGapPct)
	suite.Equal(10.0, cfg.Scanner.MaxGapPct)
	suite.Equal(2*time.Hour, cfg.Signal.CutoffAfterOpen)
	suite.Equal(0.25, cfg.Trade.StopDistance)
	suite.Equal(100.0, cfg.Risk.RiskPerTrade)
	suite.Equal("America/New_York", cfg.Session.Location)
	suite.Equal(5*time.Minute, cfg.Session.BarInterval)
	suite.Equal(EntryFillNextBarOpen, cfg.Execution.EntryFillMode)
	suite.Equal(int64(42), cfg.Validation.BootstrapSeed)
}

// TestParseOverridesDefaults verifies YAML values land on top of defaults
// and duration strings parse.
func (suite *ConfigTestSuite) TestParseOverridesDefaults() {
	content := []byte(`
scanner:
  min_gap_pct: 4.5
signal:
  cutoff_after_open: 90m
  volume_lookback_bars: 5
trade:
  stop_distance: 0.10
  target_distance: 0.15
  second_target_distance: 0.30
session:
  open: "09:00"
  flatten_before: 15m
  bar_interval: 1m
feed:
  soft_stall_timeout: 10s
  hard_stall_timeout: 45s
`)

	cfg, err := Parse(content)
	suite.Require().NoError(err)

	suite.Equal(4.5, cfg.Scanner.MinGapPct)
	suite.Equal(10.0, cfg.Scanner.MaxGapPct, "untouched fields keep defaults")
	suite.Equal(90*time.Minute, cfg.Signal.CutoffAfterOpen)
	suite.Equal(5, cfg.Signal.VolumeLookbackBars)
	suite.Equal(0.10, cfg.Trade.StopDistance)
	suite.Equal("09:00", cfg.Session.Open)
	suite.Equal("16:00", cfg.Session.Close)
	suite.Equal(15*time.Minute, cfg.Session.FlattenBefore)
	suite.Equal(time.Minute, cfg.Session.BarInterval)
	suite.Equal(10*time.Second, cfg.Feed.SoftStallTimeout)
	suite.Equal(45*time.Second, cfg.Feed.HardStallTimeout)
}

// TestParseRejectsMalformedYAML verifies parse errors carry the
// configuration error code.
func (suite *ConfigTestSuite) TestParseRejectsMalformedYAML() {
	_, err := Parse([]byte("scanner: ["))
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidConfiguration))
}

// TestParseRejectsBadDuration verifies an unparsable duration string fails.
func (suite *ConfigTestSuite) TestParseRejectsBadDuration() {
	_, err := Parse([]byte("signal:\n  cutoff_after_open: fast\n"))
	suite.Require().Error(err)
}

// TestValidateRangeViolations verifies out-of-range parameters fail
// validation.
func (suite *ConfigTestSuite) TestValidateRangeViolations() {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"gap floor too low", func(c *Config) { c.Scanner.MinGapPct = 0.1 }},
		{"negative stop distance", func(c *Config) { c.Trade.StopDistance = -1 }},
		{"zero risk per trade", func(c *Config) { c.Risk.RiskPerTrade = 0 }},
		{"scale-out above range", func(c *Config) { c.Trade.ScaleOutFraction = 0.95 }},
		{"too many positions", func(c *Config) { c.Risk.MaxPositions = 50 }},
		{"bad entry fill mode", func(c *Config) { c.Execution.EntryFillMode = "at_whim" }},
		{"bad broker", func(c *Config) { c.Execution.Broker = "freemoney" }},
		{"p-value above one", func(c *Config) { c.Validation.MaxPValue = 1.5 }},
	}

	for _, tc := range tests {
		cfg := DefaultConfig()
		tc.mutate(&cfg)

		err := cfg.Validate()
		suite.Require().Error(err, tc.name)
		suite.True(errors.HasCode(err, errors.ErrCodeInvalidConfiguration), tc.name)
	}
}

// TestValidateCrossFieldRules verifies the relational constraints between
// fields.
func (suite *ConfigTestSuite) TestValidateCrossFieldRules() {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max gap below min gap", func(c *Config) {
			c.Scanner.MinGapPct = 8
			c.Scanner.MaxGapPct = 5
		}},
		{"second target not beyond first", func(c *Config) {
			c.Trade.TargetDistance = 0.5
			c.Trade.SecondTargetDistance = 0.5
		}},
		{"concurrent risk below per-trade risk", func(c *Config) {
			c.Risk.RiskPerTrade = 500
			c.Risk.MaxConcurrentRisk = 300
		}},
		{"hard stall not beyond soft stall", func(c *Config) {
			c.Feed.SoftStallTimeout = 2 * time.Minute
			c.Feed.HardStallTimeout = 2 * time.Minute
		}},
		{"unknown location", func(c *Config) { c.Session.Location = "Not/AZone" }},
		{"bad session clock", func(c *Config) { c.Session.Open = "9am" }},
	}

	for _, tc := range tests {
		cfg := DefaultConfig()
		tc.mutate(&cfg)

		err := cfg.Validate()
		suite.Require().Error(err, tc.name)
		suite.True(errors.HasCode(err, errors.ErrCodeInvalidConfiguration), tc.name)
	}
}

// TestSessionClockResolution verifies wall-clock resolution in the exchange
// time zone, including the flatten deadline.
func (suite *ConfigTestSuite) TestSessionClockResolution() {
	cfg := DefaultConfig().Session
	loc, err := time.LoadLocation("America/New_York")
	suite.Require().NoError(err)

	date := time.Date(2024, 1, 2, 0, 0, 0, 0, loc)

	open, err := cfg.OpenAt(date)
	suite.Require().NoError(err)
	suite.Equal(time.Date(2024, 1, 2, 9, 30, 0, 0, loc), open)

	closeAt, err := cfg.CloseAt(date)
	suite.Require().NoError(err)
	suite.Equal(time.Date(2024, 1, 2, 16, 0, 0, 0, loc), closeAt)

	flattenAt, err := cfg.FlattenAt(date)
	suite.Require().NoError(err)
	suite.Equal(closeAt.Add(-10*time.Minute), flattenAt)
}

// TestMarshalYAMLString verifies the artifact rendering carries every
// section.
func (suite *ConfigTestSuite) TestMarshalYAMLString() {
	cfg := DefaultConfig()
	cfg.Scanner.MinGapPct = 4.2

	rendered, err := cfg.MarshalYAMLString()
	suite.Require().NoError(err)
	suite.Contains(rendered, "min_gap_pct: 4.2")
	suite.Contains(rendered, "risk_per_trade: 100")
	suite.Contains(rendered, "location: America/New_York")
	suite.Contains(rendered, "min_sample_size: 50")
	suite.Contains(rendered, "cutoff_after_open: 2h0m0s")

	// Durations render as strings, so the artifact parses back unchanged.
	parsed, err := Parse([]byte(rendered))
	suite.Require().NoError(err)
	suite.Equal(cfg, parsed)
}

// TestGenerateSchema verifies the JSON schema renders with the expected
// top-level sections.
func (suite *ConfigTestSuite) TestGenerateSchema() {
	cfg := DefaultConfig()

	schemaJSON, err := cfg.GenerateSchemaJSON()
	suite.Require().NoError(err)
	suite.Contains(schemaJSON, "gapflow-session-config")
	suite.Contains(schemaJSON, "min_gap_pct")
	suite.Contains(schemaJSON, "risk_per_trade")
	suite.Contains(schemaJSON, "bootstrap_resamples")
}
