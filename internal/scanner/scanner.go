// Package scanner evaluates the pre-open snapshot against the gap and volume
// criteria and emits the session's ranked candidate list.
package scanner

import (
	"sort"

	"github.com/rxtech-lab/gapflow/internal/config"
	"github.com/rxtech-lab/gapflow/internal/logger"
	"github.com/rxtech-lab/gapflow/internal/types"
	"go.uber.org/zap"
)

// Scanner produces the session candidate list. Scan is a pure function of
// snapshot plus configuration: identical inputs always yield the identical
// list, which backtest/live parity depends on. It produces no side effects
// and does not itself decide whether to trade.
type Scanner struct {
	config config.ScannerConfig
	logger *logger.Logger
}

// NewScanner creates a Scanner with the given filter configuration.
func NewScanner(cfg config.ScannerConfig, log *logger.Logger) *Scanner {
	return &Scanner{
		config: cfg,
		logger: log,
	}
}

// Scan filters and ranks the snapshot. Candidates are ordered by gap percent
// descending, ties broken by pre-session volume then symbol so the ordering
// is total and deterministic.
func (s *Scanner) Scan(snapshot types.PreSessionSnapshot) []types.Candidate {
	candidates := make([]types.Candidate, 0, len(snapshot.Symbols))

	if !snapshot.MarketFavorable {
		if s.logger != nil {
			s.logger.Info("Market filter unfavorable, no candidates",
				zap.Time("session_date", snapshot.SessionDate),
			)
		}

		return candidates
	}

	for _, symbol := range snapshot.Symbols {
		candidate, ok := s.evaluate(symbol)
		if ok {
			candidates = append(candidates, candidate)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].GapPct != candidates[j].GapPct {
			return candidates[i].GapPct > candidates[j].GapPct
		}

		if candidates[i].PreSessionVolume != candidates[j].PreSessionVolume {
			return candidates[i].PreSessionVolume > candidates[j].PreSessionVolume
		}

		return candidates[i].Symbol < candidates[j].Symbol
	})

	if s.logger != nil {
		s.logger.Info("Pre-open scan complete",
			zap.Time("session_date", snapshot.SessionDate),
			zap.Int("symbols_scanned", len(snapshot.Symbols)),
			zap.Int("candidates", len(candidates)),
		)
	}

	return candidates
}

func (s *Scanner) evaluate(snap types.SymbolSnapshot) (types.Candidate, bool) {
	if snap.ReferenceClose <= 0 || snap.PreSessionPrice <= 0 {
		return types.Candidate{}, false
	}

	gapPct := (snap.PreSessionPrice - snap.ReferenceClose) / snap.ReferenceClose * 100

	if gapPct < s.config.MinGapPct || gapPct > s.config.MaxGapPct {
		return types.Candidate{}, false
	}

	if snap.PreSessionVolume < s.config.MinPreSessionVolume {
		return types.Candidate{}, false
	}

	if s.config.RequireCatalyst && !snap.CatalystPresent {
		return types.Candidate{}, false
	}

	if s.config.ExcludeEarnings && snap.EarningsToday {
		return types.Candidate{}, false
	}

	if s.config.MaxPrice > 0 && snap.PreSessionPrice > s.config.MaxPrice {
		return types.Candidate{}, false
	}

	if s.config.MinMarketCap > 0 && snap.MarketCap > 0 && snap.MarketCap < s.config.MinMarketCap {
		return types.Candidate{}, false
	}

	// Extension cap: skip symbols already stretched above the recent high.
	if s.config.MaxExtensionPct > 0 && snap.RecentHigh > 0 {
		extensionPct := (snap.PreSessionPrice - snap.RecentHigh) / snap.RecentHigh * 100
		if extensionPct > s.config.MaxExtensionPct {
			return types.Candidate{}, false
		}
	}

	return types.Candidate{
		Symbol:           snap.Symbol,
		ReferenceClose:   snap.ReferenceClose,
		GapPct:           gapPct,
		PreSessionVolume: snap.PreSessionVolume,
		CatalystPresent:  snap.CatalystPresent,
	}, true
}
