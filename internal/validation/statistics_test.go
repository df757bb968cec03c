package validation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/rxtech-lab/gapflow/internal/types"
)

// StatisticsTestSuite is a test suite for the validation statistics.
type StatisticsTestSuite struct {
	suite.Suite
}

// TestStatisticsSuite runs the test suite
func TestStatisticsSuite(t *testing.T) {
	suite.Run(t, new(StatisticsTestSuite))
}

// TestReturns verifies the per-share return series extraction.
func (suite *StatisticsTestSuite) TestReturns() {
	trades := []types.TradeRecord{
		{PnL: 50, Shares: 200},
		{PnL: -100, Shares: 400},
		{PnL: 10, Shares: 0},
	}

	returns := Returns(trades)
	suite.Require().Len(returns, 3)
	suite.InDelta(0.25, returns[0], 1e-9)
	suite.InDelta(-0.25, returns[1], 1e-9)
	suite.Equal(0.0, returns[2], "zero shares yields zero, not infinity")
}

// TestWinRate verifies only strictly positive returns count as wins.
func (suite *StatisticsTestSuite) TestWinRate() {
	suite.Equal(0.0, WinRate(nil))
	suite.Equal(75.0, WinRate([]float64{1, -1, 2, 3}))
	suite.Equal(0.0, WinRate([]float64{0, 0}))
	suite.Equal(100.0, WinRate([]float64{0.01}))
}

// TestMeanAndStdDev verifies the sample moments.
func (suite *StatisticsTestSuite) TestMeanAndStdDev() {
	suite.Equal(0.0, Mean(nil))
	suite.InDelta(2.0, Mean([]float64{1, 2, 3}), 1e-9)

	suite.Equal(0.0, StdDev([]float64{5}))
	suite.InDelta(1.0, StdDev([]float64{1, 2, 3}), 1e-9)
	// Sample (n-1) deviation of {1,2,3,4}: sqrt(5/3).
	suite.InDelta(math.Sqrt(5.0/3.0), StdDev([]float64{1, 2, 3, 4}), 1e-9)
}

// TestSharpe verifies the annualized ratio and the zero-deviation guard.
func (suite *StatisticsTestSuite) TestSharpe() {
	suite.InDelta(2.0*math.Sqrt(252), Sharpe([]float64{1, 2, 3}), 1e-9)
	suite.Equal(0.0, Sharpe([]float64{1, 1, 1}), "constant series has no deviation")
	suite.Equal(0.0, Sharpe(nil))
}

// TestSortino verifies downside-only deviation and the no-loss fallback.
func (suite *StatisticsTestSuite) TestSortino() {
	// Downside {-1, -3} has sample deviation sqrt(2).
	expected := -0.25 / math.Sqrt2 * math.Sqrt(252)
	suite.InDelta(expected, Sortino([]float64{1, -1, 2, -3}), 1e-9)

	// No losing trades: the fallback deviation keeps the ratio finite.
	suite.InDelta(1.5/0.01*math.Sqrt(252), Sortino([]float64{1, 2}), 1e-9)
}

// TestProfitFactor verifies gross win over gross loss and the no-loss
// convention.
func (suite *StatisticsTestSuite) TestProfitFactor() {
	suite.InDelta(2.5, ProfitFactor([]float64{2, -1, 3, -1}), 1e-9)
	suite.Equal(0.0, ProfitFactor([]float64{1, 2, 3}), "no losses proves nothing")
	suite.Equal(0.0, ProfitFactor(nil))
}

// TestMaxDrawdown verifies the running-peak excursion.
func (suite *StatisticsTestSuite) TestMaxDrawdown() {
	// Cumulative 1, 3, 2, 0, 3 against peak 1, 3, 3, 3, 3.
	suite.InDelta(-3.0, MaxDrawdown([]float64{1, 2, -1, -2, 3}), 1e-9)
	suite.Equal(0.0, MaxDrawdown([]float64{1, 2, 3}))
	suite.Equal(0.0, MaxDrawdown(nil))
}

// TestTTestPValue verifies the degenerate guards and that signal strength
// moves the p-value the right way.
func (suite *StatisticsTestSuite) TestTTestPValue() {
	suite.Equal(1.0, TTestPValue(nil))
	suite.Equal(1.0, TTestPValue([]float64{1}))
	suite.Equal(1.0, TTestPValue([]float64{2, 2, 2}), "zero variance is untestable")

	// Zero mean is maximally insignificant.
	suite.InDelta(1.0, TTestPValue([]float64{1, -1}), 1e-9)

	// t = 6 with df = 4 is well below the conventional threshold.
	strong := TTestPValue([]float64{1, 1, 1, 1, 2})
	suite.Greater(strong, 0.0)
	suite.Less(strong, 0.01)

	// A weaker sample of the same size has a larger p-value.
	weak := TTestPValue([]float64{1, -1, 1, -1, 2})
	suite.Greater(weak, strong)
	suite.LessOrEqual(weak, 1.0)
}

// TestPercentileInterpolation verifies the linear interpolation between
// closest ranks.
func (suite *StatisticsTestSuite) TestPercentileInterpolation() {
	values := []float64{1, 2, 3, 4}
	suite.InDelta(2.5, percentile(values, 50), 1e-9)
	suite.InDelta(1.0, percentile(values, 0), 1e-9)
	suite.InDelta(4.0, percentile(values, 100), 1e-9)
	suite.Equal(0.0, percentile(nil, 50))

	// The input slice is not mutated.
	suite.Equal([]float64{1, 2, 3, 4}, values)
}

// TestBootstrapDeterminism verifies seeded resampling reproduces identical
// intervals across runs.
func (suite *StatisticsTestSuite) TestBootstrapDeterminism() {
	returns := []float64{0.25, -0.25, 0.25, 0.5, -0.25, 0.25, 0.1, -0.3, 0.25, 0.4}

	winA, sharpeA := Bootstrap(returns, 500, 42)
	winB, sharpeB := Bootstrap(returns, 500, 42)
	suite.Equal(winA, winB)
	suite.Equal(sharpeA, sharpeB)

	suite.LessOrEqual(winA.Low, winA.High)
	suite.LessOrEqual(sharpeA.Low, sharpeA.High)
	suite.GreaterOrEqual(winA.Low, 0.0)
	suite.LessOrEqual(winA.High, 100.0)

	// A different seed resamples differently.
	_, sharpeC := Bootstrap(returns, 500, 7)
	suite.NotEqual(sharpeA, sharpeC)
}

// TestBootstrapEmptyInput verifies the guards.
func (suite *StatisticsTestSuite) TestBootstrapEmptyInput() {
	win, sharpe := Bootstrap(nil, 100, 42)
	suite.Equal(types.BootstrapCI{}, win)
	suite.Equal(types.BootstrapCI{}, sharpe)

	win, sharpe = Bootstrap([]float64{1}, 0, 42)
	suite.Equal(types.BootstrapCI{}, win)
	suite.Equal(types.BootstrapCI{}, sharpe)
}
