package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/rxtech-lab/gapflow/internal/config"
	"github.com/rxtech-lab/gapflow/internal/types"
	"github.com/rxtech-lab/gapflow/pkg/errors"
)

// stubVWAP returns a fixed session VWAP, or an error while it is undefined.
type stubVWAP struct {
	vwap      float64
	undefined bool
}

func (s *stubVWAP) VWAP(symbol string) (float64, error) {
	if s.undefined {
		return 0, errors.Newf(errors.ErrCodeVWAPUndefined, "vwap undefined for %s", symbol)
	}

	return s.vwap, nil
}

// DetectorTestSuite is a test suite for the VWAP-hold entry detector.
type DetectorTestSuite struct {
	suite.Suite
	detector    *Detector
	vwap        *stubVWAP
	sessionOpen time.Time
	barIndex    int
}

// SetupTest runs before each test
func (suite *DetectorTestSuite) SetupTest() {
	suite.vwap = &stubVWAP{vwap: 100.0}
	suite.sessionOpen = time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	suite.barIndex = 0
	suite.detector = NewDetector(
		types.Candidate{Symbol: "TEST", ReferenceClose: 95.0, GapPct: 5.0},
		config.SignalConfig{
			VWAPTolerancePct:      0.5,
			VolumeConfirmMultiple: 1.5,
			VolumeLookbackBars:    3,
			CutoffAfterOpen:       2 * time.Hour,
		},
		suite.sessionOpen,
		suite.vwap,
		nil,
	)
}

// TestDetectorSuite runs the test suite
func TestDetectorSuite(t *testing.T) {
	suite.Run(t, new(DetectorTestSuite))
}

// nextBar emits sequential 5-minute bars from the session open.
func (suite *DetectorTestSuite) nextBar(closePrice, volume float64) types.Bar {
	bar := types.Bar{
		Symbol:        "TEST",
		IntervalStart: suite.sessionOpen.Add(time.Duration(suite.barIndex) * 5 * time.Minute),
		Open:          closePrice,
		High:          closePrice + 0.5,
		Low:           closePrice - 0.5,
		Close:         closePrice,
		Volume:        volume,
	}
	suite.barIndex++

	return bar
}

// fillLookback feeds enough away-from-VWAP bars to fill the trailing volume
// window without arming.
func (suite *DetectorTestSuite) fillLookback(volume float64) {
	for i := 0; i < 3; i++ {
		sig := suite.detector.OnBar(suite.nextBar(105.0, volume))
		suite.True(sig.IsNone())
	}
	suite.Equal(StateWatching, suite.detector.State())
}

// TestArmAndTrigger verifies the full WATCHING -> ARMED -> TRIGGERED path and
// the signal payload.
func (suite *DetectorTestSuite) TestArmAndTrigger() {
	suite.fillLookback(1000)

	// Close within 0.5% of VWAP on 2x trailing volume arms the detector.
	sig := suite.detector.OnBar(suite.nextBar(100.2, 2000))
	suite.True(sig.IsNone())
	suite.Equal(StateArmed, suite.detector.State())

	// Close back above VWAP triggers exactly once.
	triggerBar := suite.nextBar(101.0, 1200)
	sig = suite.detector.OnBar(triggerBar)
	suite.Require().True(sig.IsSome())
	suite.Equal(StateTriggered, suite.detector.State())

	entry := sig.Unwrap()
	suite.Equal("TEST", entry.Symbol)
	suite.Equal("TEST", entry.Candidate.Symbol)
	suite.Equal(triggerBar, entry.Bar)
	suite.Equal(100.0, entry.VWAP)
	suite.Equal(triggerBar.IntervalStart, entry.Time)

	// Terminal state emits nothing further.
	sig = suite.detector.OnBar(suite.nextBar(102.0, 5000))
	suite.True(sig.IsNone())
	suite.Equal(StateTriggered, suite.detector.State())
}

// TestNoArmWithoutVolumeConfirmation verifies a VWAP touch on weak volume
// does not arm.
func (suite *DetectorTestSuite) TestNoArmWithoutVolumeConfirmation() {
	suite.fillLookback(1000)

	sig := suite.detector.OnBar(suite.nextBar(100.2, 1200))
	suite.True(sig.IsNone())
	suite.Equal(StateWatching, suite.detector.State())
}

// TestNoArmBeforeLookbackFills verifies the trailing average is meaningless,
// and never consulted, until the window has filled.
func (suite *DetectorTestSuite) TestNoArmBeforeLookbackFills() {
	// A perfect touch on the very first bar cannot arm.
	sig := suite.detector.OnBar(suite.nextBar(100.0, 100000))
	suite.True(sig.IsNone())
	suite.Equal(StateWatching, suite.detector.State())
}

// TestDisarmOnCloseBelowVWAP verifies losing the level disarms, and the
// detector can re-arm afterwards.
func (suite *DetectorTestSuite) TestDisarmOnCloseBelowVWAP() {
	suite.fillLookback(1000)

	suite.detector.OnBar(suite.nextBar(100.2, 2000))
	suite.Equal(StateArmed, suite.detector.State())

	suite.detector.OnBar(suite.nextBar(99.0, 800))
	suite.Equal(StateWatching, suite.detector.State())

	// Re-arm and trigger on a later retest.
	suite.detector.OnBar(suite.nextBar(100.3, 5000))
	suite.Equal(StateArmed, suite.detector.State())

	sig := suite.detector.OnBar(suite.nextBar(101.5, 1000))
	suite.True(sig.IsSome())
}

// TestHoldAtExactVWAPStaysArmed verifies a close exactly at VWAP neither
// triggers nor disarms.
func (suite *DetectorTestSuite) TestHoldAtExactVWAPStaysArmed() {
	suite.fillLookback(1000)

	suite.detector.OnBar(suite.nextBar(100.2, 2000))
	suite.Equal(StateArmed, suite.detector.State())

	sig := suite.detector.OnBar(suite.nextBar(100.0, 900))
	suite.True(sig.IsNone())
	suite.Equal(StateArmed, suite.detector.State())

	sig = suite.detector.OnBar(suite.nextBar(100.5, 900))
	suite.True(sig.IsSome())
}

// TestCutoffExpires verifies a bar at or past the cutoff expires the
// detector even when armed, and cannot itself trigger.
func (suite *DetectorTestSuite) TestCutoffExpires() {
	suite.fillLookback(1000)

	suite.detector.OnBar(suite.nextBar(100.2, 2000))
	suite.Require().Equal(StateArmed, suite.detector.State())

	atCutoff := types.Bar{
		Symbol:        "TEST",
		IntervalStart: suite.sessionOpen.Add(2 * time.Hour),
		Open:          101, High: 101.5, Low: 100.5, Close: 101,
		Volume: 5000,
	}
	sig := suite.detector.OnBar(atCutoff)
	suite.True(sig.IsNone())
	suite.Equal(StateExpired, suite.detector.State())
	suite.True(suite.detector.State().IsTerminal())
}

// TestUndefinedVWAPHoldsState verifies early-session bars with no VWAP make
// no transitions but still feed the volume window.
func (suite *DetectorTestSuite) TestUndefinedVWAPHoldsState() {
	suite.vwap.undefined = true

	for i := 0; i < 4; i++ {
		sig := suite.detector.OnBar(suite.nextBar(100.0, 1000))
		suite.True(sig.IsNone())
	}
	suite.Equal(StateWatching, suite.detector.State())

	// Window already filled while VWAP was undefined, so the first defined
	// bar can arm immediately.
	suite.vwap.undefined = false
	suite.detector.OnBar(suite.nextBar(100.2, 2000))
	suite.Equal(StateArmed, suite.detector.State())
}
