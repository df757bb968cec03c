// Package market assembles raw ticks or base-interval bars into closed
// fixed-interval bars and maintains the session-cumulative VWAP per symbol.
package market

import (
	"sync"
	"time"

	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/gapflow/internal/logger"
	"github.com/rxtech-lab/gapflow/internal/types"
	"github.com/rxtech-lab/gapflow/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// vwapState accumulates session price*volume and volume for one symbol.
// It is mutated only when a bar closes and reset at the session boundary.
type vwapState struct {
	cumulativePriceVolume decimal.Decimal
	cumulativeVolume      decimal.Decimal
	sessionDate           time.Time
}

// partialBar buffers an interval that has not closed yet.
type partialBar struct {
	bar       types.Bar
	hasPrints bool
}

type symbolState struct {
	lastEmitted optional.Option[time.Time]
	partial     *partialBar
	vwap        vwapState
}

// Aggregator converts a per-symbol tick or bar stream into closed bars.
// Bars are emitted exactly once when an interval boundary is crossed and are
// never revised. Input that is not strictly newer than the last emitted
// interval is rejected with ErrCodeOutOfOrderData; callers log and drop.
type Aggregator struct {
	interval time.Duration
	symbols  map[string]*symbolState
	mu       sync.Mutex
	logger   *logger.Logger
}

// NewAggregator creates an Aggregator emitting bars of the given interval.
func NewAggregator(interval time.Duration, log *logger.Logger) *Aggregator {
	return &Aggregator{
		interval: interval,
		symbols:  make(map[string]*symbolState),
		mu:       sync.Mutex{},
		logger:   log,
	}
}

// StartSession resets VWAP state and clears buffered partial data for every
// symbol. Called at the configured session boundary.
func (a *Aggregator) StartSession(sessionDate time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, state := range a.symbols {
		state.partial = nil
		state.lastEmitted = optional.None[time.Time]()
		state.vwap = vwapState{
			cumulativePriceVolume: decimal.Zero,
			cumulativeVolume:      decimal.Zero,
			sessionDate:           sessionDate,
		}
	}
}

// IngestBar ingests a bar already aggregated at the base interval. The bar is
// validated, ordering-checked, folded into the session VWAP, and returned as
// the closed bar.
func (a *Aggregator) IngestBar(bar types.Bar) (optional.Option[types.Bar], error) {
	if err := bar.Validate(); err != nil {
		return optional.None[types.Bar](), err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state := a.symbolState(bar.Symbol)

	if state.lastEmitted.IsSome() && !bar.IntervalStart.After(state.lastEmitted.Unwrap()) {
		return optional.None[types.Bar](), errors.Newf(errors.ErrCodeOutOfOrderData,
			"bar for %s at %s is not after last emitted interval %s",
			bar.Symbol, bar.IntervalStart.Format(time.RFC3339), state.lastEmitted.Unwrap().Format(time.RFC3339))
	}

	state.lastEmitted = optional.Some(bar.IntervalStart)
	a.fold(state, bar)

	return optional.Some(bar), nil
}

// IngestTick accumulates a tick into the current partial interval. When the
// tick crosses an interval boundary the previous interval is closed, folded
// into the VWAP, and returned. Ticks older than the open interval are
// rejected with ErrCodeOutOfOrderData.
func (a *Aggregator) IngestTick(tick types.Tick) (optional.Option[types.Bar], error) {
	if tick.Price <= 0 {
		return optional.None[types.Bar](), errors.Newf(errors.ErrCodeMalformedBar,
			"tick for %s has non-positive price %f", tick.Symbol, tick.Price)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state := a.symbolState(tick.Symbol)
	bucket := tick.Time.Truncate(a.interval)

	if state.partial == nil {
		if state.lastEmitted.IsSome() && !bucket.After(state.lastEmitted.Unwrap()) {
			return optional.None[types.Bar](), errors.Newf(errors.ErrCodeOutOfOrderData,
				"tick for %s at %s is inside an already emitted interval",
				tick.Symbol, tick.Time.Format(time.RFC3339))
		}

		state.partial = newPartial(tick, bucket)

		return optional.None[types.Bar](), nil
	}

	current := state.partial.bar.IntervalStart

	switch {
	case bucket.Equal(current):
		state.partial.update(tick)

		return optional.None[types.Bar](), nil
	case bucket.After(current):
		closed := state.partial.bar
		state.partial = newPartial(tick, bucket)
		state.lastEmitted = optional.Some(closed.IntervalStart)
		a.fold(state, closed)

		return optional.Some(closed), nil
	default:
		return optional.None[types.Bar](), errors.Newf(errors.ErrCodeOutOfOrderData,
			"tick for %s at %s is before the open interval %s",
			tick.Symbol, tick.Time.Format(time.RFC3339), current.Format(time.RFC3339))
	}
}

// Flush closes and returns the partial interval for a symbol, if any. Used at
// session end so the final bar is not lost.
func (a *Aggregator) Flush(symbol string) optional.Option[types.Bar] {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.symbols[symbol]
	if !ok || state.partial == nil {
		return optional.None[types.Bar]()
	}

	closed := state.partial.bar
	state.partial = nil
	state.lastEmitted = optional.Some(closed.IntervalStart)
	a.fold(state, closed)

	return optional.Some(closed)
}

// VWAP returns the session VWAP for a symbol. It errors with
// ErrCodeVWAPUndefined while no volume has accumulated; the value must not be
// consumed in that window.
func (a *Aggregator) VWAP(symbol string) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.symbols[symbol]
	if !ok || state.vwap.cumulativeVolume.IsZero() {
		return 0, errors.Newf(errors.ErrCodeVWAPUndefined, "vwap undefined for %s: no volume accumulated", symbol)
	}

	vwap, _ := state.vwap.cumulativePriceVolume.Div(state.vwap.cumulativeVolume).Float64()

	return vwap, nil
}

func (a *Aggregator) symbolState(symbol string) *symbolState {
	state, ok := a.symbols[symbol]
	if !ok {
		state = &symbolState{
			lastEmitted: optional.None[time.Time](),
			partial:     nil,
			vwap: vwapState{
				cumulativePriceVolume: decimal.Zero,
				cumulativeVolume:      decimal.Zero,
				sessionDate:           time.Time{},
			},
		}
		a.symbols[symbol] = state
	}

	return state
}

// fold accumulates a closed bar into the symbol's session VWAP.
func (a *Aggregator) fold(state *symbolState, bar types.Bar) {
	if bar.Volume <= 0 {
		return
	}

	typical := decimal.NewFromFloat(bar.TypicalPrice())
	volume := decimal.NewFromFloat(bar.Volume)

	state.vwap.cumulativePriceVolume = state.vwap.cumulativePriceVolume.Add(typical.Mul(volume))
	state.vwap.cumulativeVolume = state.vwap.cumulativeVolume.Add(volume)

	if a.logger != nil {
		a.logger.Debug("Bar folded into session VWAP",
			zap.String("symbol", bar.Symbol),
			zap.Time("interval_start", bar.IntervalStart),
			zap.Float64("volume", bar.Volume),
		)
	}
}

func newPartial(tick types.Tick, bucket time.Time) *partialBar {
	return &partialBar{
		bar: types.Bar{
			Symbol:        tick.Symbol,
			IntervalStart: bucket,
			Open:          tick.Price,
			High:          tick.Price,
			Low:           tick.Price,
			Close:         tick.Price,
			Volume:        tick.Size,
		},
		hasPrints: true,
	}
}

func (p *partialBar) update(tick types.Tick) {
	if tick.Price > p.bar.High {
		p.bar.High = tick.Price
	}

	if tick.Price < p.bar.Low {
		p.bar.Low = tick.Price
	}

	p.bar.Close = tick.Price
	p.bar.Volume += tick.Size
}
