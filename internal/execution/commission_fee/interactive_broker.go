package commission_fee

// InteractiveBrokerCommissionFee implements the IBKR fixed-rate US equity
// schedule: $0.005 per share, $1.00 minimum per order, capped at 1% of the
// trade value.
type InteractiveBrokerCommissionFee struct {
	perShare float64
	minimum  float64
	maxPct   float64
}

func NewInteractiveBrokerCommissionFee() *InteractiveBrokerCommissionFee {
	return &InteractiveBrokerCommissionFee{
		perShare: 0.005,
		minimum:  1.0,
		maxPct:   0.01,
	}
}

// Calculate implements CommissionFee.
func (c *InteractiveBrokerCommissionFee) Calculate(quantity float64, price float64) float64 {
	if quantity < 0 {
		quantity = -quantity
	}

	fee := quantity * c.perShare
	if fee < c.minimum {
		fee = c.minimum
	}

	if price > 0 {
		cap := quantity * price * c.maxPct
		if cap > 0 && fee > cap {
			fee = cap
		}
	}

	return fee
}
