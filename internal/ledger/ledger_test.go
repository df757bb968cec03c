package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/rxtech-lab/gapflow/internal/logger"
	"github.com/rxtech-lab/gapflow/internal/types"
)

// LedgerTestSuite is a test suite for the append-only trade ledger.
type LedgerTestSuite struct {
	suite.Suite
	ledger *Ledger
}

// SetupTest runs before each test
func (suite *LedgerTestSuite) SetupTest() {
	log, err := logger.NewLogger()
	suite.Require().NoError(err)

	suite.ledger, err = New(":memory:", log)
	suite.Require().NoError(err)
}

// TearDownTest runs after each test
func (suite *LedgerTestSuite) TearDownTest() {
	if suite.ledger != nil {
		suite.Require().NoError(suite.ledger.Close())
	}
}

// TestLedgerSuite runs the test suite
func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerTestSuite))
}

func (suite *LedgerTestSuite) trade(symbol string, openOffset time.Duration, exitReason string, pnl float64) types.TradeRecord {
	opened := time.Date(2024, 1, 2, 9, 40, 0, 0, time.UTC).Add(openOffset)

	return types.TradeRecord{
		Symbol:     symbol,
		EntryPrice: 100.0,
		ExitPrice:  100.25,
		Shares:     200,
		PnL:        pnl,
		Commission: 1.0,
		OpenedAt:   opened,
		ClosedAt:   opened.Add(15 * time.Minute),
		ExitReason: exitReason,
	}
}

// TestAppendAndReadBack verifies a round trip through the trades table.
func (suite *LedgerTestSuite) TestAppendAndReadBack() {
	written := suite.trade("TEST", 0, types.ExitReasonFirstTarget, 50.0)
	suite.Require().NoError(suite.ledger.Append(written))

	trades, err := suite.ledger.Trades(time.Time{}, time.Time{})
	suite.Require().NoError(err)
	suite.Require().Len(trades, 1)

	got := trades[0]
	suite.Equal(written.Symbol, got.Symbol)
	suite.Equal(written.EntryPrice, got.EntryPrice)
	suite.Equal(written.ExitPrice, got.ExitPrice)
	suite.Equal(written.Shares, got.Shares)
	suite.Equal(written.PnL, got.PnL)
	suite.Equal(written.Commission, got.Commission)
	suite.Equal(written.ExitReason, got.ExitReason)
	suite.True(written.OpenedAt.Equal(got.OpenedAt))
	suite.True(written.ClosedAt.Equal(got.ClosedAt))
}

// TestAppendIsIdempotent verifies replaying the same trade never duplicates
// or mutates the stored row.
func (suite *LedgerTestSuite) TestAppendIsIdempotent() {
	trade := suite.trade("TEST", 0, types.ExitReasonStop, -100.0)
	suite.Require().NoError(suite.ledger.Append(trade))

	// Same key with a different PnL: the original row wins.
	mutated := trade
	mutated.PnL = 999
	suite.Require().NoError(suite.ledger.Append(mutated))
	suite.Require().NoError(suite.ledger.Append(trade))

	count, err := suite.ledger.Count()
	suite.Require().NoError(err)
	suite.Equal(1, count)

	trades, err := suite.ledger.Trades(time.Time{}, time.Time{})
	suite.Require().NoError(err)
	suite.Equal(-100.0, trades[0].PnL)
}

// TestScaleOutSlicesCoexist verifies the exit reason is part of the key, so
// both slices of one position store separately.
func (suite *LedgerTestSuite) TestScaleOutSlicesCoexist() {
	suite.Require().NoError(suite.ledger.AppendAll([]types.TradeRecord{
		suite.trade("TEST", 0, types.ExitReasonFirstTarget, 50.0),
		suite.trade("TEST", 0, types.ExitReasonSecondTarget, 100.0),
	}))

	count, err := suite.ledger.Count()
	suite.Require().NoError(err)
	suite.Equal(2, count)
}

// TestTradesRangeAndOrdering verifies the [from, to) window and the
// deterministic close/open/symbol ordering.
func (suite *LedgerTestSuite) TestTradesRangeAndOrdering() {
	early := suite.trade("BBB", 0, types.ExitReasonStop, -10)
	mid := suite.trade("AAA", 30*time.Minute, types.ExitReasonStop, 5)
	midTie := suite.trade("CCC", 30*time.Minute, types.ExitReasonStop, 7)
	late := suite.trade("DDD", 4*time.Hour, types.ExitReasonSessionEnd, 1)

	suite.Require().NoError(suite.ledger.AppendAll([]types.TradeRecord{late, midTie, early, mid}))

	all, err := suite.ledger.Trades(time.Time{}, time.Time{})
	suite.Require().NoError(err)
	suite.Require().Len(all, 4)
	suite.Equal("BBB", all[0].Symbol)
	suite.Equal("AAA", all[1].Symbol)
	suite.Equal("CCC", all[2].Symbol)
	suite.Equal("DDD", all[3].Symbol)

	// [from, to) excludes the upper bound.
	window, err := suite.ledger.Trades(early.ClosedAt, late.ClosedAt)
	suite.Require().NoError(err)
	suite.Require().Len(window, 3)
	suite.Equal("BBB", window[0].Symbol)
	suite.Equal("CCC", window[2].Symbol)
}

// TestTradesForSymbol verifies per-symbol filtering.
func (suite *LedgerTestSuite) TestTradesForSymbol() {
	suite.Require().NoError(suite.ledger.AppendAll([]types.TradeRecord{
		suite.trade("AAA", 0, types.ExitReasonStop, -10),
		suite.trade("BBB", 10*time.Minute, types.ExitReasonStop, 5),
		suite.trade("AAA", 2*time.Hour, types.ExitReasonSessionEnd, 3),
	}))

	trades, err := suite.ledger.TradesForSymbol("AAA")
	suite.Require().NoError(err)
	suite.Require().Len(trades, 2)
	for _, t := range trades {
		suite.Equal("AAA", t.Symbol)
	}
}

// TestCleanupResets verifies the test helper leaves a usable empty ledger.
func (suite *LedgerTestSuite) TestCleanupResets() {
	suite.Require().NoError(suite.ledger.Append(suite.trade("AAA", 0, types.ExitReasonStop, -10)))
	suite.Require().NoError(suite.ledger.Cleanup())

	count, err := suite.ledger.Count()
	suite.Require().NoError(err)
	suite.Equal(0, count)

	suite.Require().NoError(suite.ledger.Append(suite.trade("AAA", 0, types.ExitReasonStop, -10)))
}
