package engine

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/polygon-io/client-go/rest/models"
	"github.com/stretchr/testify/suite"

	"github.com/rxtech-lab/gapflow/internal/config"
	"github.com/rxtech-lab/gapflow/internal/execution"
	"github.com/rxtech-lab/gapflow/internal/execution/commission_fee"
	"github.com/rxtech-lab/gapflow/internal/ledger"
	"github.com/rxtech-lab/gapflow/internal/logger"
	"github.com/rxtech-lab/gapflow/internal/types"
	"github.com/rxtech-lab/gapflow/pkg/errors"
	"github.com/rxtech-lab/gapflow/pkg/marketdata/writer"
)

// barPause gives the report dispatcher time to apply fills between bars, the
// way a real feed paces a session.
const barPause = 50 * time.Millisecond

// stubProvider replays a fixed bar sequence as a stream. Download is not
// supported; the engine only consumes Stream.
type stubProvider struct {
	bars      []types.Bar
	streamErr error
	// hangAfter keeps the stream open but silent after the last of bars,
	// then delivers resume once it elapses.
	hangAfter time.Duration
	resume    []types.Bar
}

func (p *stubProvider) ConfigWriter(_ writer.BarWriter) {}

func (p *stubProvider) Download(_ context.Context, _ string, _ time.Time, _ time.Time, _ int, _ models.Timespan, _ func(float64, float64, string)) (string, error) {
	return "", fmt.Errorf("stub provider does not support downloads")
}

func (p *stubProvider) Stream(ctx context.Context, _ []string, _ string) iter.Seq2[types.Bar, error] {
	return func(yield func(types.Bar, error) bool) {
		if p.streamErr != nil {
			if !yield(types.Bar{}, p.streamErr) {
				return
			}
		}

		replay := func(bars []types.Bar) bool {
			for _, bar := range bars {
				select {
				case <-ctx.Done():
					return false
				default:
				}

				if !yield(bar, nil) {
					return false
				}

				time.Sleep(barPause)
			}

			return true
		}

		if !replay(p.bars) {
			return
		}

		if p.hangAfter > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.hangAfter):
			}

			replay(p.resume)
		}
	}
}

// EngineTestSuite runs paper sessions end to end against the simulated
// adapter with zero slippage and zero commission so fill prices are exact.
type EngineTestSuite struct {
	suite.Suite
	cfg config.Config
	log *logger.Logger
	loc *time.Location
}

// SetupTest runs before each test
func (suite *EngineTestSuite) SetupTest() {
	log, err := logger.NewLogger()
	suite.Require().NoError(err)
	suite.log = log

	suite.loc, err = time.LoadLocation("America/New_York")
	suite.Require().NoError(err)

	cfg := config.DefaultConfig()
	cfg.Signal.VolumeLookbackBars = 3
	cfg.Trade.MaxHoldingBars = 0
	cfg.Execution.SlippagePerShare = 0
	cfg.Execution.Broker = "zero"
	suite.cfg = cfg
}

// TestEngineSuite runs the test suite
func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

// sessionDate picks a future trading day so the session-close deadline and
// the flatten deadline never bind while the replayed stream runs.
func (suite *EngineTestSuite) sessionDate() time.Time {
	future := time.Now().In(suite.loc).AddDate(0, 0, 2)

	return time.Date(future.Year(), future.Month(), future.Day(), 0, 0, 0, 0, suite.loc)
}

func (suite *EngineTestSuite) bar(date time.Time, index int, open, high, low, closePrice, volume float64) types.Bar {
	start := time.Date(date.Year(), date.Month(), date.Day(), 9, 30, 0, 0, suite.loc).
		Add(time.Duration(index) * 5 * time.Minute)

	return types.Bar{
		Symbol:        "GAP",
		IntervalStart: start,
		Open:          open,
		High:          high,
		Low:           low,
		Close:         closePrice,
		Volume:        volume,
	}
}

func (suite *EngineTestSuite) snapshot(date time.Time) types.PreSessionSnapshot {
	return types.PreSessionSnapshot{
		SessionDate:     date,
		MarketFavorable: true,
		Symbols: []types.SymbolSnapshot{{
			Symbol:           "GAP",
			ReferenceClose:   100.0,
			PreSessionPrice:  105.0,
			PreSessionVolume: 50000,
			CatalystPresent:  true,
			RecentHigh:       104.0,
			MarketCap:        500e6,
		}},
	}
}

// gapBars arms the detector on the fourth bar, triggers on the fifth, fills
// the entry on the sixth bar's open at 105.00, scales out at 105.25 and exits
// the remainder at 105.50.
func (suite *EngineTestSuite) gapBars(date time.Time) []types.Bar {
	return []types.Bar{
		suite.bar(date, 0, 105, 105, 105, 105, 1000),
		suite.bar(date, 1, 105, 105, 105, 105, 1000),
		suite.bar(date, 2, 105, 105, 105, 105, 1000),
		suite.bar(date, 3, 105, 105, 104.5, 104.8, 2000),
		suite.bar(date, 4, 104.9, 105.3, 104.8, 105.2, 1000),
		suite.bar(date, 5, 105.0, 105.1, 104.9, 105.0, 1000),
		suite.bar(date, 6, 105.1, 105.4, 105.0, 105.3, 1000),
		suite.bar(date, 7, 105.3, 105.6, 105.2, 105.4, 1000),
	}
}

func (suite *EngineTestSuite) newEngine() *Engine {
	engine := NewEngine(suite.cfg, suite.log)
	engine.SetExecutionAdapter(execution.NewSimulatedAdapter(
		suite.cfg.Execution, commission_fee.NewZeroCommissionFee(), suite.log))

	return engine
}

// TestPaperSessionEndToEnd streams one gap day through the full engine and
// verifies the scan, the entry, both exits, and the ledger append.
func (suite *EngineTestSuite) TestPaperSessionEndToEnd() {
	date := suite.sessionDate()
	bars := suite.gapBars(date)

	store, err := ledger.New(":memory:", suite.log)
	suite.Require().NoError(err)
	defer store.Close()

	engine := suite.newEngine()
	engine.SetMarketDataProvider(&stubProvider{bars: bars})
	engine.SetLedger(store)
	engine.SetSnapshot(suite.snapshot(date))

	var (
		mu         sync.Mutex
		candidates []types.Candidate
		barCount   int
		fillCount  int
		endTrades  []types.TradeRecord
		endErr     error
		ended      bool
	)

	onStart := OnSessionStartCallback(func(_ time.Time, scanned []types.Candidate) error {
		candidates = scanned

		return nil
	})
	onBar := OnBarCallback(func(_ types.Bar) error {
		barCount++

		return nil
	})
	onReport := OnReportCallback(func(report types.ExecutionReport) {
		mu.Lock()
		defer mu.Unlock()

		if report.Status == types.OrderStatusFilled {
			fillCount++
		}
	})
	onEnd := OnSessionEndCallback(func(trades []types.TradeRecord, err error) {
		endTrades = trades
		endErr = err
		ended = true
	})

	err = engine.Run(context.Background(), Callbacks{
		OnSessionStart: &onStart,
		OnBar:          &onBar,
		OnReport:       &onReport,
		OnSessionEnd:   &onEnd,
	})
	suite.Require().NoError(err)

	suite.Require().Len(candidates, 1)
	suite.Equal("GAP", candidates[0].Symbol)
	suite.InDelta(5.0, candidates[0].GapPct, 1e-9)

	suite.Equal(len(bars), barCount)

	mu.Lock()
	suite.Equal(3, fillCount)
	mu.Unlock()

	suite.True(ended)
	suite.NoError(endErr)
	suite.Require().Len(endTrades, 2)

	first := endTrades[0]
	suite.Equal(types.ExitReasonFirstTarget, first.ExitReason)
	suite.Equal(105.0, first.EntryPrice)
	suite.Equal(105.25, first.ExitPrice)
	suite.Equal(200.0, first.Shares)
	suite.InDelta(50.0, first.PnL, 1e-9)

	second := endTrades[1]
	suite.Equal(types.ExitReasonSecondTarget, second.ExitReason)
	suite.Equal(105.5, second.ExitPrice)
	suite.InDelta(100.0, second.PnL, 1e-9)

	count, err := store.Count()
	suite.Require().NoError(err)
	suite.Equal(2, count)
}

// TestNoCandidatesEndsCleanly verifies an unfavorable market produces an
// empty watchlist and the engine returns without touching the stream.
func (suite *EngineTestSuite) TestNoCandidatesEndsCleanly() {
	date := suite.sessionDate()

	snapshot := suite.snapshot(date)
	snapshot.MarketFavorable = false

	engine := suite.newEngine()
	engine.SetMarketDataProvider(&stubProvider{bars: suite.gapBars(date)})
	engine.SetSnapshot(snapshot)

	var (
		candidates []types.Candidate
		started    bool
		ended      bool
	)

	onStart := OnSessionStartCallback(func(_ time.Time, scanned []types.Candidate) error {
		started = true
		candidates = scanned

		return nil
	})
	onEnd := OnSessionEndCallback(func(trades []types.TradeRecord, err error) {
		ended = true
		suite.Empty(trades)
		suite.NoError(err)
	})

	err := engine.Run(context.Background(), Callbacks{
		OnSessionStart: &onStart,
		OnSessionEnd:   &onEnd,
	})
	suite.Require().NoError(err)
	suite.True(started)
	suite.Empty(candidates)
	suite.True(ended)
}

// TestStreamErrorsAreReportedNotFatal verifies a stream error reaches the
// error callback and the session still completes.
func (suite *EngineTestSuite) TestStreamErrorsAreReportedNotFatal() {
	date := suite.sessionDate()

	engine := suite.newEngine()
	engine.SetMarketDataProvider(&stubProvider{
		bars:      suite.gapBars(date)[:3],
		streamErr: fmt.Errorf("websocket reconnect"),
	})
	engine.SetSnapshot(suite.snapshot(date))

	var streamErrs int

	onError := OnErrorCallback(func(err error) {
		streamErrs++
		suite.Error(err)
	})
	onEnd := OnSessionEndCallback(func(trades []types.TradeRecord, err error) {
		suite.Empty(trades)
		suite.NoError(err)
	})

	err := engine.Run(context.Background(), Callbacks{
		OnError:      &onError,
		OnSessionEnd: &onEnd,
	})
	suite.Require().NoError(err)
	suite.Equal(1, streamErrs)
}

// TestRunRequiresWiring verifies each missing dependency fails the pre-run
// check and the failure still reaches the session-end callback.
func (suite *EngineTestSuite) TestRunRequiresWiring() {
	date := suite.sessionDate()

	engine := NewEngine(suite.cfg, suite.log)
	engine.SetSnapshot(suite.snapshot(date))

	var endErr error

	onEnd := OnSessionEndCallback(func(_ []types.TradeRecord, err error) {
		endErr = err
	})

	err := engine.Run(context.Background(), Callbacks{OnSessionEnd: &onEnd})
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeEngineNotReady))
	suite.True(errors.HasCode(endErr, errors.ErrCodeEngineNotReady))

	engine = NewEngine(suite.cfg, suite.log)
	engine.SetMarketDataProvider(&stubProvider{})
	engine.SetSnapshot(suite.snapshot(date))

	err = engine.Run(context.Background(), Callbacks{})
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeEngineNotReady))

	engine = suite.newEngine()
	engine.SetMarketDataProvider(&stubProvider{})

	err = engine.Run(context.Background(), Callbacks{})
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeEngineNotReady))
}

// TestHardStallClosesPosition verifies a feed that goes silent past the hard
// stall timeout gets its open position cut at market and the symbol stays
// closed for the rest of the session.
func (suite *EngineTestSuite) TestHardStallClosesPosition() {
	date := suite.sessionDate()
	suite.cfg.Feed.SoftStallTimeout = 400 * time.Millisecond
	suite.cfg.Feed.HardStallTimeout = 1500 * time.Millisecond

	engine := suite.newEngine()
	engine.SetMarketDataProvider(&stubProvider{
		// Stop right after the entry fill, then stay silent long enough
		// for two watchdog ticks.
		bars:      suite.gapBars(date)[:6],
		hangAfter: 2600 * time.Millisecond,
	})
	engine.SetSnapshot(suite.snapshot(date))

	var endTrades []types.TradeRecord

	onEnd := OnSessionEndCallback(func(trades []types.TradeRecord, err error) {
		endTrades = trades
		suite.NoError(err)
	})

	err := engine.Run(context.Background(), Callbacks{OnSessionEnd: &onEnd})
	suite.Require().NoError(err)

	suite.Require().Len(endTrades, 1)
	trade := endTrades[0]
	suite.Equal(types.ExitReasonFeedStall, trade.ExitReason)
	suite.Equal(400.0, trade.Shares)
	suite.Equal(105.0, trade.EntryPrice)
	suite.Equal(105.0, trade.ExitPrice)
	suite.InDelta(0.0, trade.PnL, 1e-9)

	engine.mu.Lock()
	suite.True(engine.stallClosed["GAP"])
	engine.mu.Unlock()
}

// TestSoftStallFreezesThenRecovers verifies entries are frozen while the feed
// is silent past the soft timeout and resume once data returns.
func (suite *EngineTestSuite) TestSoftStallFreezesThenRecovers() {
	date := suite.sessionDate()
	suite.cfg.Feed.SoftStallTimeout = 500 * time.Millisecond
	suite.cfg.Feed.HardStallTimeout = 30 * time.Second

	bars := suite.gapBars(date)

	engine := suite.newEngine()
	engine.SetMarketDataProvider(&stubProvider{
		// Three quiet bars, a silent stretch past the soft timeout, then
		// the arm, trigger, and target bars.
		bars:      bars[:3],
		hangAfter: 1400 * time.Millisecond,
		resume:    bars[3:],
	})
	engine.SetSnapshot(suite.snapshot(date))

	var endTrades []types.TradeRecord

	onEnd := OnSessionEndCallback(func(trades []types.TradeRecord, err error) {
		endTrades = trades
		suite.NoError(err)
	})

	done := make(chan error, 1)
	go func() {
		done <- engine.Run(context.Background(), Callbacks{OnSessionEnd: &onEnd})
	}()

	// The silent stretch trips the soft stall.
	suite.Require().Eventually(func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()

		return engine.entryFrozen["GAP"]
	}, 3*time.Second, 20*time.Millisecond, "entries were never frozen")

	suite.Require().NoError(<-done)

	// Fresh data lifted the freeze and the trade played out in full.
	engine.mu.Lock()
	suite.False(engine.entryFrozen["GAP"])
	suite.False(engine.stallClosed["GAP"])
	engine.mu.Unlock()

	suite.Require().Len(endTrades, 2)
	suite.Equal(types.ExitReasonFirstTarget, endTrades[0].ExitReason)
	suite.Equal(types.ExitReasonSecondTarget, endTrades[1].ExitReason)
}
