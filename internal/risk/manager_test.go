package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/rxtech-lab/gapflow/internal/config"
)

// ManagerTestSuite is a test suite for the session risk manager.
type ManagerTestSuite struct {
	suite.Suite
	manager *Manager
}

// SetupTest runs before each test
func (suite *ManagerTestSuite) SetupTest() {
	suite.manager = NewManager(config.RiskConfig{
		RiskPerTrade:      100,
		MaxPositions:      3,
		MaxConcurrentRisk: 250,
		MaxDailyLoss:      500,
		MaxDailyTrades:    4,
	}, nil)
	suite.manager.StartSession(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
}

// TestManagerSuite runs the test suite
func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

// TestApproveReservesRisk verifies an approval reserves the proposed dollars
// and shows up in the snapshot.
func (suite *ManagerTestSuite) TestApproveReservesRisk() {
	ok, reason := suite.manager.ApproveEntry("AAA", 100)
	suite.True(ok)
	suite.Empty(reason)

	snap := suite.manager.Snapshot()
	suite.Equal(100.0, snap.OpenRiskDollars)
	suite.Equal(1, snap.OpenPositions)
	suite.Equal(1, snap.TradeCount)
	suite.False(snap.Halted)
}

// TestRejectDuplicateSymbol verifies one position per symbol.
func (suite *ManagerTestSuite) TestRejectDuplicateSymbol() {
	ok, _ := suite.manager.ApproveEntry("AAA", 100)
	suite.Require().True(ok)

	ok, reason := suite.manager.ApproveEntry("AAA", 50)
	suite.False(ok)
	suite.Equal(RejectDuplicateSymbol, reason)
}

// TestRejectMaxPositions verifies the concurrent position cap.
func (suite *ManagerTestSuite) TestRejectMaxPositions() {
	for _, symbol := range []string{"AAA", "BBB", "CCC"} {
		ok, _ := suite.manager.ApproveEntry(symbol, 50)
		suite.Require().True(ok)
	}

	ok, reason := suite.manager.ApproveEntry("DDD", 50)
	suite.False(ok)
	suite.Equal(RejectMaxPositions, reason)
}

// TestRejectPerTradeRisk verifies a single oversized entry is refused.
func (suite *ManagerTestSuite) TestRejectPerTradeRisk() {
	ok, reason := suite.manager.ApproveEntry("AAA", 100.01)
	suite.False(ok)
	suite.Equal(RejectPerTradeRisk, reason)
}

// TestRejectConcurrentRisk verifies the sum of open risk is capped.
func (suite *ManagerTestSuite) TestRejectConcurrentRisk() {
	ok, _ := suite.manager.ApproveEntry("AAA", 100)
	suite.Require().True(ok)
	ok, _ = suite.manager.ApproveEntry("BBB", 100)
	suite.Require().True(ok)

	// 100 + 100 + 100 would exceed the 250 budget.
	ok, reason := suite.manager.ApproveEntry("CCC", 100)
	suite.False(ok)
	suite.Equal(RejectConcurrentRisk, reason)

	// A smaller trade still fits.
	ok, _ = suite.manager.ApproveEntry("CCC", 50)
	suite.True(ok)
}

// TestRejectDailyTradeCount verifies closed trades still consume the daily
// entry budget.
func (suite *ManagerTestSuite) TestRejectDailyTradeCount() {
	for i, symbol := range []string{"AAA", "BBB", "CCC", "DDD"} {
		ok, _ := suite.manager.ApproveEntry(symbol, 50)
		suite.Require().True(ok, "entry %d", i)
		// Close each trade flat so position count never binds.
		suite.manager.OnFill(symbol, 10, true)
	}

	ok, reason := suite.manager.ApproveEntry("EEE", 50)
	suite.False(ok)
	suite.Equal(RejectDailyTradeCount, reason)
}

// TestReleaseRiskReturnsSlot verifies a broker-rejected entry returns both
// the risk reservation and the trade-count slot.
func (suite *ManagerTestSuite) TestReleaseRiskReturnsSlot() {
	ok, _ := suite.manager.ApproveEntry("AAA", 100)
	suite.Require().True(ok)

	suite.manager.ReleaseRisk("AAA")

	snap := suite.manager.Snapshot()
	suite.Equal(0.0, snap.OpenRiskDollars)
	suite.Equal(0, snap.OpenPositions)
	suite.Equal(0, snap.TradeCount)

	// The same symbol can re-enter.
	ok, _ = suite.manager.ApproveEntry("AAA", 100)
	suite.True(ok)
}

// TestUpdateOpenRisk verifies a breakeven stop frees the concurrent budget.
func (suite *ManagerTestSuite) TestUpdateOpenRisk() {
	ok, _ := suite.manager.ApproveEntry("AAA", 100)
	suite.Require().True(ok)
	ok, _ = suite.manager.ApproveEntry("BBB", 100)
	suite.Require().True(ok)

	suite.manager.UpdateOpenRisk("AAA", 0)

	snap := suite.manager.Snapshot()
	suite.Equal(100.0, snap.OpenRiskDollars)

	// Freed budget admits another full-size trade.
	ok, _ = suite.manager.ApproveEntry("CCC", 100)
	suite.True(ok)
}

// TestOnFillAccumulatesPnL verifies partial fills keep the reservation and
// final fills release it.
func (suite *ManagerTestSuite) TestOnFillAccumulatesPnL() {
	ok, _ := suite.manager.ApproveEntry("AAA", 100)
	suite.Require().True(ok)

	suite.manager.OnFill("AAA", 25.5, false)
	snap := suite.manager.Snapshot()
	suite.InDelta(25.5, snap.RealizedPnL, 1e-9)
	suite.Equal(1, snap.OpenPositions)

	suite.manager.OnFill("AAA", -10.5, true)
	snap = suite.manager.Snapshot()
	suite.InDelta(15.0, snap.RealizedPnL, 1e-9)
	suite.Equal(0, snap.OpenPositions)
	suite.False(snap.Halted)
}

// TestDailyLossHalts verifies the halt flips exactly at the limit and
// notifies listeners once.
func (suite *ManagerTestSuite) TestDailyLossHalts() {
	haltCount := 0
	suite.manager.OnHalt(func() { haltCount++ })

	ok, _ := suite.manager.ApproveEntry("AAA", 100)
	suite.Require().True(ok)

	// One dollar short of the limit does not halt.
	suite.manager.OnFill("AAA", -499, false)
	suite.False(suite.manager.IsHalted())
	suite.Equal(0, haltCount)

	// Crossing the limit halts and notifies exactly once.
	suite.manager.OnFill("AAA", -1, true)
	suite.True(suite.manager.IsHalted())
	suite.Equal(1, haltCount)

	// Further losses do not re-notify.
	suite.manager.OnFill("BBB", -50, true)
	suite.Equal(1, haltCount)

	// No entries while halted.
	ok, reason := suite.manager.ApproveEntry("CCC", 50)
	suite.False(ok)
	suite.Equal(RejectHalted, reason)
}

// TestStartSessionResetsLedger verifies the daily ledger does not leak
// across sessions.
func (suite *ManagerTestSuite) TestStartSessionResetsLedger() {
	ok, _ := suite.manager.ApproveEntry("AAA", 100)
	suite.Require().True(ok)
	suite.manager.OnFill("AAA", -600, true)
	suite.Require().True(suite.manager.IsHalted())

	nextDay := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	suite.manager.StartSession(nextDay)

	snap := suite.manager.Snapshot()
	suite.Equal(nextDay, snap.Date)
	suite.Equal(0.0, snap.RealizedPnL)
	suite.Equal(0, snap.TradeCount)
	suite.False(snap.Halted)

	ok, _ = suite.manager.ApproveEntry("AAA", 100)
	suite.True(ok)
}
