package types

import "time"

// SymbolSnapshot is the pre-session view of a single symbol, assembled before
// the live phase starts. The scanner consumes it read-only.
type SymbolSnapshot struct {
	Symbol string `yaml:"symbol" json:"symbol"`
	// ReferenceClose is the prior session's closing price.
	ReferenceClose float64 `yaml:"reference_close" json:"reference_close"`
	// PreSessionPrice is the last pre-session print used to compute the gap.
	PreSessionPrice float64 `yaml:"pre_session_price" json:"pre_session_price"`
	// PreSessionVolume is the cumulative pre-session volume in shares.
	PreSessionVolume float64 `yaml:"pre_session_volume" json:"pre_session_volume"`
	// CatalystPresent reports whether a fresh news catalyst exists for the
	// symbol. How the flag is produced is a collaborator concern.
	CatalystPresent bool `yaml:"catalyst_present" json:"catalyst_present"`
	// RecentHigh is the highest price over the configured lookback, used by
	// the extension cap filter. Zero disables the filter for this symbol.
	RecentHigh float64 `yaml:"recent_high" json:"recent_high"`
	// MarketCap in dollars. Zero means unknown and skips the floor filter.
	MarketCap float64 `yaml:"market_cap" json:"market_cap"`
	// EarningsToday flags symbols inside the earnings blackout window.
	EarningsToday bool `yaml:"earnings_today" json:"earnings_today"`
}

// PreSessionSnapshot is the full pre-open input to the scanner. Scanning is a
// pure function of this snapshot plus configuration, so identical snapshots
// always produce identical candidate lists.
type PreSessionSnapshot struct {
	SessionDate time.Time `yaml:"session_date" json:"session_date"`
	// MarketFavorable is the broad-market filter (e.g. SPY not deeply red).
	MarketFavorable bool             `yaml:"market_favorable" json:"market_favorable"`
	Symbols         []SymbolSnapshot `yaml:"symbols" json:"symbols"`
}

// Candidate is a symbol that passed the pre-open scan. Created once per
// session, read-only afterward, discarded at session end.
type Candidate struct {
	Symbol           string  `yaml:"symbol" json:"symbol" csv:"symbol"`
	ReferenceClose   float64 `yaml:"reference_close" json:"reference_close" csv:"reference_close"`
	GapPct           float64 `yaml:"gap_pct" json:"gap_pct" csv:"gap_pct"`
	PreSessionVolume float64 `yaml:"pre_session_volume" json:"pre_session_volume" csv:"pre_session_volume"`
	CatalystPresent  bool    `yaml:"catalyst_present" json:"catalyst_present" csv:"catalyst_present"`
}
