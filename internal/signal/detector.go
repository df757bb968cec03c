// Package signal watches live bars for gap candidates and emits entry
// trigger events when price holds the session VWAP.
package signal

import (
	"time"

	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/gapflow/internal/config"
	"github.com/rxtech-lab/gapflow/internal/logger"
	"github.com/rxtech-lab/gapflow/internal/types"
	"go.uber.org/zap"
)

// State is the detector lifecycle state for one candidate.
type State string

const (
	StateWatching  State = "WATCHING"
	StateArmed     State = "ARMED"
	StateTriggered State = "TRIGGERED"
	StateExpired   State = "EXPIRED"
)

// IsTerminal reports whether the detector will emit no further events.
func (s State) IsTerminal() bool {
	return s == StateTriggered || s == StateExpired
}

// EntrySignal is the one-shot trigger event emitted when a candidate's price
// closes back above the VWAP it just tested.
type EntrySignal struct {
	Symbol    string
	Candidate types.Candidate
	// Bar is the closed bar whose close confirmed the trigger.
	Bar types.Bar
	// VWAP is the session VWAP at trigger time.
	VWAP float64
	Time time.Time
}

// VWAPSource provides the session VWAP for a symbol. The aggregator
// implements it.
type VWAPSource interface {
	VWAP(symbol string) (float64, error)
}

// Detector is the per-candidate state machine
// WATCHING -> ARMED -> TRIGGERED / EXPIRED. Transitions are driven solely by
// closed bars, never partial intrabar data, so live and replayed behavior
// are identical.
type Detector struct {
	candidate   types.Candidate
	config      config.SignalConfig
	state       State
	vwapSource  VWAPSource
	cutoff      time.Time
	volumeRing  []float64
	volumeIndex int
	volumeCount int
	logger      *logger.Logger
}

// NewDetector creates a detector for one watched candidate. sessionOpen
// anchors the expiry cutoff.
func NewDetector(candidate types.Candidate, cfg config.SignalConfig, sessionOpen time.Time, vwapSource VWAPSource, log *logger.Logger) *Detector {
	return &Detector{
		candidate:   candidate,
		config:      cfg,
		state:       StateWatching,
		vwapSource:  vwapSource,
		cutoff:      sessionOpen.Add(cfg.CutoffAfterOpen),
		volumeRing:  make([]float64, cfg.VolumeLookbackBars),
		volumeIndex: 0,
		volumeCount: 0,
		logger:      log,
	}
}

// State returns the current detector state.
func (d *Detector) State() State {
	return d.state
}

// OnBar advances the state machine with one closed bar. It returns the entry
// signal exactly once, on the WATCHING/ARMED -> TRIGGERED transition.
func (d *Detector) OnBar(bar types.Bar) optional.Option[EntrySignal] {
	if d.state.IsTerminal() {
		return optional.None[EntrySignal]()
	}

	// Time-based expiry is checked before the bar is evaluated so a bar at
	// the cutoff cannot still trigger.
	if !bar.IntervalStart.Before(d.cutoff) {
		d.transition(StateExpired, bar)

		return optional.None[EntrySignal]()
	}

	trailingAvg, haveAvg := d.trailingAverageVolume()
	d.recordVolume(bar.Volume)

	vwap, err := d.vwapSource.VWAP(bar.Symbol)
	if err != nil {
		// VWAP undefined this early in the session; nothing to test against.
		return optional.None[EntrySignal]()
	}

	switch d.state {
	case StateWatching:
		if !haveAvg {
			return optional.None[EntrySignal]()
		}

		touchedVWAP := absPct(bar.Close, vwap) <= d.config.VWAPTolerancePct
		volumeConfirmed := bar.Volume >= trailingAvg*d.config.VolumeConfirmMultiple

		if touchedVWAP && volumeConfirmed {
			d.transition(StateArmed, bar)
		}

		return optional.None[EntrySignal]()

	case StateArmed:
		if bar.Close > vwap {
			d.transition(StateTriggered, bar)

			return optional.Some(EntrySignal{
				Symbol:    bar.Symbol,
				Candidate: d.candidate,
				Bar:       bar,
				VWAP:      vwap,
				Time:      bar.IntervalStart,
			})
		}

		if bar.Close < vwap {
			d.transition(StateWatching, bar)
		}
		// Close exactly at VWAP keeps the detector armed.

		return optional.None[EntrySignal]()

	default:
		return optional.None[EntrySignal]()
	}
}

func (d *Detector) transition(next State, bar types.Bar) {
	prev := d.state
	d.state = next

	if d.logger != nil {
		d.logger.Debug("Detector transition",
			zap.String("symbol", d.candidate.Symbol),
			zap.String("from", string(prev)),
			zap.String("to", string(next)),
			zap.Time("interval_start", bar.IntervalStart),
		)
	}
}

// trailingAverageVolume returns the average volume over the lookback window
// and whether the window has filled enough to be meaningful.
func (d *Detector) trailingAverageVolume() (float64, bool) {
	if d.volumeCount < len(d.volumeRing) {
		return 0, false
	}

	var sum float64
	for _, v := range d.volumeRing {
		sum += v
	}

	return sum / float64(len(d.volumeRing)), true
}

func (d *Detector) recordVolume(volume float64) {
	d.volumeRing[d.volumeIndex] = volume
	d.volumeIndex = (d.volumeIndex + 1) % len(d.volumeRing)

	if d.volumeCount < len(d.volumeRing) {
		d.volumeCount++
	}
}

func absPct(price, reference float64) float64 {
	if reference == 0 {
		return 0
	}

	pct := (price - reference) / reference * 100
	if pct < 0 {
		return -pct
	}

	return pct
}
