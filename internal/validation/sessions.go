package validation

import (
	"sort"
	"time"

	"github.com/rxtech-lab/gapflow/internal/config"
	"github.com/rxtech-lab/gapflow/internal/types"
	"github.com/rxtech-lab/gapflow/pkg/errors"
)

// BuildSessions groups a chronological bar archive into replayable sessions.
// The pre-open snapshot for each day is derived from the data itself: the
// reference close is the prior session's last regular-hours close, the
// pre-session price and volume come from the bars before the open. Catalyst
// presence cannot be recovered from a bar archive, so it is reported as true
// and the pre-session volume filter carries that weight; archives with a news
// feed can build snapshots directly instead.
func BuildSessions(bars []types.Bar, sessionCfg config.SessionConfig) ([]Session, error) {
	loc, err := time.LoadLocation(sessionCfg.Location)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "unknown location %q", sessionCfg.Location)
	}

	type dayKey struct {
		year  int
		month time.Month
		day   int
	}

	byDay := make(map[dayKey][]types.Bar)

	var days []dayKey

	for _, bar := range bars {
		t := bar.IntervalStart.In(loc)
		key := dayKey{t.Year(), t.Month(), t.Day()}

		if _, seen := byDay[key]; !seen {
			days = append(days, key)
		}

		byDay[key] = append(byDay[key], bar)
	}

	sort.Slice(days, func(i, j int) bool {
		a, b := days[i], days[j]
		if a.year != b.year {
			return a.year < b.year
		}

		if a.month != b.month {
			return a.month < b.month
		}

		return a.day < b.day
	})

	// referenceClose carries each symbol's last regular-hours close forward
	// across days.
	referenceClose := make(map[string]float64)
	recentHigh := make(map[string]float64)

	var sessions []Session

	for _, key := range days {
		date := time.Date(key.year, key.month, key.day, 0, 0, 0, 0, loc)

		open, err := sessionCfg.OpenAt(date)
		if err != nil {
			return nil, err
		}

		closeAt, err := sessionCfg.CloseAt(date)
		if err != nil {
			return nil, err
		}

		dayBars := byDay[key]
		sort.SliceStable(dayBars, func(i, j int) bool {
			if !dayBars[i].IntervalStart.Equal(dayBars[j].IntervalStart) {
				return dayBars[i].IntervalStart.Before(dayBars[j].IntervalStart)
			}

			return dayBars[i].Symbol < dayBars[j].Symbol
		})

		type preOpen struct {
			volume    float64
			lastPrice float64
		}

		preOpens := make(map[string]preOpen)

		var sessionBars []types.Bar

		for _, bar := range dayBars {
			if bar.IntervalStart.Before(open) {
				p := preOpens[bar.Symbol]
				p.volume += bar.Volume
				p.lastPrice = bar.Close
				preOpens[bar.Symbol] = p

				continue
			}

			if !bar.IntervalStart.Before(closeAt) {
				continue
			}

			sessionBars = append(sessionBars, bar)
		}

		symbols := make([]string, 0, len(preOpens))
		for s := range preOpens {
			symbols = append(symbols, s)
		}

		sort.Strings(symbols)

		snapshot := types.PreSessionSnapshot{
			SessionDate:     date,
			MarketFavorable: true,
		}

		for _, s := range symbols {
			p := preOpens[s]
			snapshot.Symbols = append(snapshot.Symbols, types.SymbolSnapshot{
				Symbol:           s,
				ReferenceClose:   referenceClose[s],
				PreSessionPrice:  p.lastPrice,
				PreSessionVolume: p.volume,
				CatalystPresent:  true,
				RecentHigh:       recentHigh[s],
			})
		}

		if len(sessionBars) > 0 {
			sessions = append(sessions, Session{
				Snapshot: snapshot,
				Bars:     sessionBars,
			})
		}

		// Roll the reference prices forward for the next session.
		for _, bar := range sessionBars {
			referenceClose[bar.Symbol] = bar.Close

			if bar.High > recentHigh[bar.Symbol] {
				recentHigh[bar.Symbol] = bar.High
			}
		}
	}

	return sessions, nil
}
