package commission_fee

// ZeroCommissionFee is the no-commission model used by commission-free
// brokers and by tests that want exact PnL arithmetic.
type ZeroCommissionFee struct{}

func NewZeroCommissionFee() *ZeroCommissionFee {
	return &ZeroCommissionFee{}
}

// Calculate implements CommissionFee.
func (c *ZeroCommissionFee) Calculate(quantity float64, price float64) float64 {
	return 0
}
