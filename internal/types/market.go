package types

import (
	"time"

	"github.com/rxtech-lab/gapflow/pkg/errors"
)

// Tick is a single trade print from the market data feed.
type Tick struct {
	Symbol string    `yaml:"symbol" json:"symbol" csv:"symbol"`
	Time   time.Time `yaml:"time" json:"time" csv:"time"`
	Price  float64   `yaml:"price" json:"price" csv:"price"`
	Size   float64   `yaml:"size" json:"size" csv:"size"`
}

// Bar is a fixed-interval OHLCV bar. A Bar is immutable once emitted by the
// aggregator; it is never revised retroactively.
type Bar struct {
	Symbol        string    `yaml:"symbol" json:"symbol" csv:"symbol"`
	IntervalStart time.Time `yaml:"interval_start" json:"interval_start" csv:"interval_start"`
	Open          float64   `yaml:"open" json:"open" csv:"open"`
	High          float64   `yaml:"high" json:"high" csv:"high"`
	Low           float64   `yaml:"low" json:"low" csv:"low"`
	Close         float64   `yaml:"close" json:"close" csv:"close"`
	Volume        float64   `yaml:"volume" json:"volume" csv:"volume"`
}

// TypicalPrice returns (high + low + close) / 3, the price the session VWAP
// accumulates.
func (b Bar) TypicalPrice() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// Validate checks that the bar is well formed. A malformed bar is dropped by
// the aggregator, never ingested.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return errors.New(errors.ErrCodeMalformedBar, "bar has empty symbol")
	}

	if b.IntervalStart.IsZero() {
		return errors.Newf(errors.ErrCodeMalformedBar, "bar for %s has zero interval start", b.Symbol)
	}

	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return errors.Newf(errors.ErrCodeMalformedBar, "bar for %s has non-positive price", b.Symbol)
	}

	if b.High < b.Low {
		return errors.Newf(errors.ErrCodeMalformedBar, "bar for %s has high below low", b.Symbol)
	}

	if b.Volume < 0 {
		return errors.Newf(errors.ErrCodeMalformedBar, "bar for %s has negative volume", b.Symbol)
	}

	return nil
}
