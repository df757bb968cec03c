// Package commission_fee models per-order commissions charged by the broker.
package commission_fee

type CommissionFee interface {
	// Calculate returns the commission in USD for an order of the given
	// share quantity at the given price.
	Calculate(quantity float64, price float64) float64
}

type Broker string

const (
	BrokerInteractiveBroker Broker = "interactive_broker"
	BrokerZero              Broker = "zero"
)

var AllBrokers = []any{
	BrokerInteractiveBroker,
	BrokerZero,
}

func GetCommissionFeeHandler(broker Broker) CommissionFee {
	switch broker {
	case BrokerInteractiveBroker:
		return NewInteractiveBrokerCommissionFee()
	case BrokerZero:
		return NewZeroCommissionFee()
	default:
		return NewZeroCommissionFee()
	}
}
