package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rxtech-lab/gapflow/pkg/errors"
)

type OrderSide string

type OrderType string

type OrderStatus string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusAccepted        OrderStatus = "ACCEPTED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

const (
	OrderReasonEntry        string = "entry_signal"
	OrderReasonScaleOut     string = "first_target"
	OrderReasonSecondTarget string = "second_target"
	OrderReasonStop         string = "stop"
	OrderReasonTimeLimit    string = "time_limit"
	OrderReasonSessionEnd   string = "session_end"
	OrderReasonRiskHalt     string = "risk_halt"
	OrderReasonFeedStall    string = "feed_stall"
)

// Reason records why an order was issued.
type Reason struct {
	Reason  string `yaml:"reason" json:"reason" csv:"reason" validate:"required"`
	Message string `yaml:"message" json:"message" csv:"message"`
}

// OrderRequest is the engine-side order submitted to an ExecutionAdapter.
type OrderRequest struct {
	ID       string    `yaml:"id" json:"id" csv:"id" validate:"required,uuid"`
	Symbol   string    `yaml:"symbol" json:"symbol" csv:"symbol" validate:"required"`
	Side     OrderSide `yaml:"side" json:"side" csv:"side" validate:"required,oneof=BUY SELL"`
	Type     OrderType `yaml:"order_type" json:"order_type" csv:"order_type" validate:"required,oneof=MARKET LIMIT STOP"`
	Quantity float64   `yaml:"quantity" json:"quantity" csv:"quantity" validate:"required,gt=0"`
	// LimitOrStopPrice is required for LIMIT and STOP orders, ignored for
	// MARKET orders.
	LimitOrStopPrice float64   `yaml:"limit_or_stop_price" json:"limit_or_stop_price" csv:"limit_or_stop_price" validate:"gte=0"`
	Reason           Reason    `yaml:"reason" json:"reason" csv:"reason" validate:"required"`
	SubmittedAt      time.Time `yaml:"submitted_at" json:"submitted_at" csv:"submitted_at"`
}

// Validate validates the OrderRequest struct.
func (o *OrderRequest) Validate() error {
	validate := validator.New()
	if err := validate.Struct(o); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidOrderRequest, "invalid order request", err)
	}

	if o.Type != OrderTypeMarket && o.LimitOrStopPrice <= 0 {
		return errors.Newf(errors.ErrCodeInvalidPrice, "%s order requires a positive limit or stop price", o.Type)
	}

	return nil
}

// ExecutionReport is the asynchronous broker reply for an OrderRequest. It is
// the only source of truth for position state transitions.
type ExecutionReport struct {
	OrderID string      `yaml:"order_id" json:"order_id" csv:"order_id"`
	Symbol  string      `yaml:"symbol" json:"symbol" csv:"symbol"`
	Status  OrderStatus `yaml:"status" json:"status" csv:"status"`
	// FilledQuantity is the cumulative quantity filled so far. A FILLED
	// report carries the order's full quantity.
	FilledQuantity float64   `yaml:"filled_quantity" json:"filled_quantity" csv:"filled_quantity"`
	FillPrice      float64   `yaml:"fill_price" json:"fill_price" csv:"fill_price"`
	Commission     float64   `yaml:"commission" json:"commission" csv:"commission"`
	Timestamp      time.Time `yaml:"timestamp" json:"timestamp" csv:"timestamp"`
	// RejectReason is set when Status is REJECTED.
	RejectReason string `yaml:"reject_reason" json:"reject_reason" csv:"reject_reason"`
}

// IsTerminal reports whether no further reports will arrive for the order.
func (r ExecutionReport) IsTerminal() bool {
	return r.Status == OrderStatusFilled || r.Status == OrderStatusRejected || r.Status == OrderStatusCancelled
}
