package commission_fee

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type CommissionFeeTestSuite struct {
	suite.Suite
}

func TestCommissionFeeSuite(t *testing.T) {
	suite.Run(t, new(CommissionFeeTestSuite))
}

func (suite *CommissionFeeTestSuite) TestZeroCommissionFee() {
	fee := NewZeroCommissionFee()
	suite.NotNil(fee)

	tests := []struct {
		name     string
		quantity float64
		price    float64
		expected float64
	}{
		{"zero quantity", 0, 100, 0},
		{"small quantity", 10, 100, 0},
		{"large quantity", 10000, 100, 0},
		{"negative quantity", -100, 100, 0},
	}

	for _, tc := range tests {
		suite.Run(tc.name, func() {
			result := fee.Calculate(tc.quantity, tc.price)
			suite.Equal(tc.expected, result)
		})
	}
}

func (suite *CommissionFeeTestSuite) TestInteractiveBrokerCommissionFee() {
	fee := NewInteractiveBrokerCommissionFee()
	suite.NotNil(fee)

	tests := []struct {
		name     string
		quantity float64
		price    float64
		expected float64
	}{
		// 0.005 * 10 = 0.05 < 1.0 minimum, but 1% value cap is 10*100*0.01 = 10
		{"small quantity - min fee", 10, 100, 1.0},
		// 0.005 * 200 = 1.0, exactly at the minimum threshold
		{"quantity at threshold", 200, 100, 1.0},
		// 0.005 * 1000 = 5.0 > 1.0
		{"large quantity", 1000, 100, 5.0},
		// 0.005 * 10000 = 50.0
		{"very large quantity", 10000, 100, 50.0},
		// Penny stock: cap at 1% of value. 1000 * 0.10 * 0.01 = 1.0 < 5.0
		{"value cap on cheap stock", 1000, 0.10, 1.0},
		// Negative quantity treated as absolute
		{"negative quantity", -1000, 100, 5.0},
	}

	for _, tc := range tests {
		suite.Run(tc.name, func() {
			result := fee.Calculate(tc.quantity, tc.price)
			suite.InDelta(tc.expected, result, 1e-9)
		})
	}
}

func (suite *CommissionFeeTestSuite) TestGetCommissionFeeHandler() {
	suite.IsType(&InteractiveBrokerCommissionFee{}, GetCommissionFeeHandler(BrokerInteractiveBroker))
	suite.IsType(&ZeroCommissionFee{}, GetCommissionFeeHandler(BrokerZero))
	suite.IsType(&ZeroCommissionFee{}, GetCommissionFeeHandler(Broker("unknown")))
}
