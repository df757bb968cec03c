package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rxtech-lab/gapflow/internal/config"
	"github.com/rxtech-lab/gapflow/internal/execution/commission_fee"
	"github.com/rxtech-lab/gapflow/internal/logger"
	"github.com/rxtech-lab/gapflow/internal/types"
	"github.com/rxtech-lab/gapflow/pkg/errors"
)

// reportBuffer bounds the simulated report stream. Backtests drain reports
// after every bar, so the buffer only needs to absorb one bar's worth of
// fills.
const reportBuffer = 256

type pendingOrder struct {
	order types.OrderRequest
}

// SimulatedAdapter fills orders against the bar stream it is fed through
// OnBar. The fill model is intentionally simple and deterministic:
//
//   - Market orders fill at the reference bar price plus slippage against the
//     order side. Entry fills use the close of the signal bar or the open of
//     the next bar depending on ExecutionConfig.EntryFillMode.
//   - Stop orders fill exactly at the stop price once a bar trades through it.
//   - Limit orders fill exactly at the limit price once a bar touches it.
//
// Commission is charged per fill through the configured commission model.
type SimulatedAdapter struct {
	mu      sync.Mutex
	cfg     config.ExecutionConfig
	fee     commission_fee.CommissionFee
	log     *logger.Logger
	reports chan types.ExecutionReport
	// pending holds orders waiting for a future bar, keyed by order ID.
	pending map[string]pendingOrder
	// lastBar holds the most recent bar per symbol, the fill reference for
	// immediate market orders.
	lastBar map[string]types.Bar
	closed  bool
}

// NewSimulatedAdapter creates a deterministic fill simulator.
func NewSimulatedAdapter(cfg config.ExecutionConfig, fee commission_fee.CommissionFee, log *logger.Logger) *SimulatedAdapter {
	return &SimulatedAdapter{
		cfg:     cfg,
		fee:     fee,
		log:     log,
		reports: make(chan types.ExecutionReport, reportBuffer),
		pending: make(map[string]pendingOrder),
		lastBar: make(map[string]types.Bar),
	}
}

// PlaceOrder accepts an order and either fills it against the last seen bar
// or parks it until a later bar satisfies its trigger.
func (s *SimulatedAdapter) PlaceOrder(_ context.Context, order types.OrderRequest) error {
	if err := order.Validate(); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidOrderRequest, "order validation failed", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New(errors.ErrCodeBrokerError, "adapter is closed")
	}
	if _, ok := s.pending[order.ID]; ok {
		return errors.Newf(errors.ErrCodeDuplicateOrder, "order %s already pending", order.ID)
	}

	switch order.Type {
	case types.OrderTypeMarket:
		if order.Side == types.OrderSideBuy && s.cfg.EntryFillMode == config.EntryFillNextBarOpen {
			s.pending[order.ID] = pendingOrder{order: order}
			return nil
		}
		bar, ok := s.lastBar[order.Symbol]
		if !ok {
			return errors.Newf(errors.ErrCodeDataNotFound, "no bar seen for %s", order.Symbol)
		}
		s.fillLocked(order, s.marketPrice(order.Side, bar.Close), bar.IntervalStart)
		return nil
	case types.OrderTypeStop, types.OrderTypeLimit:
		// Resting orders wait for a bar that trades through the trigger.
		// They never fill against the bar that was already processed when
		// the position decided to exit.
		s.pending[order.ID] = pendingOrder{order: order}
		return nil
	default:
		return errors.Newf(errors.ErrCodeInvalidOrderRequest, "unsupported order type %s", order.Type)
	}
}

// CancelOrder removes a resting order. Unknown IDs are ignored.
func (s *SimulatedAdapter) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[orderID]; ok {
		delete(s.pending, orderID)
		s.reports <- types.ExecutionReport{
			OrderID:   p.order.ID,
			Symbol:    p.order.Symbol,
			Status:    types.OrderStatusCancelled,
			Timestamp: p.order.SubmittedAt,
		}
	}
	return nil
}

// OnBar advances the simulation clock for one symbol. Pending orders for the
// symbol are evaluated against the new bar, then the bar becomes the fill
// reference for subsequent market orders.
//
// Orders are evaluated in a fixed priority (queued market entries, then
// stops, then limits, ties broken by order ID) so a bar that touches several
// triggers always resolves the same way. When a protective stop fills, limit
// orders for the same symbol are held back for that bar; the ambiguous case
// of a bar spanning both stop and target resolves to the stop.
func (s *SimulatedAdapter) OnBar(bar types.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	ids := make([]string, 0, len(s.pending))
	for id, p := range s.pending {
		if p.order.Symbol == bar.Symbol {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.pending[ids[i]].order, s.pending[ids[j]].order
		if pa, pb := orderPriority(a.Type), orderPriority(b.Type); pa != pb {
			return pa < pb
		}
		return ids[i] < ids[j]
	})

	stopFilled := false
	for _, id := range ids {
		o := s.pending[id].order
		switch o.Type {
		case types.OrderTypeMarket:
			// Queued entry, fills at the next bar's open.
			delete(s.pending, id)
			s.fillLocked(o, s.marketPrice(o.Side, bar.Open), bar.IntervalStart)
		case types.OrderTypeStop:
			if s.stopTriggered(o, bar) {
				delete(s.pending, id)
				s.fillLocked(o, o.LimitOrStopPrice, bar.IntervalStart)
				stopFilled = true
			}
		case types.OrderTypeLimit:
			if stopFilled {
				continue
			}
			if s.limitTouched(o, bar) {
				delete(s.pending, id)
				s.fillLocked(o, o.LimitOrStopPrice, bar.IntervalStart)
			}
		}
	}
	s.lastBar[bar.Symbol] = bar
}

func orderPriority(t types.OrderType) int {
	switch t {
	case types.OrderTypeMarket:
		return 0
	case types.OrderTypeStop:
		return 1
	default:
		return 2
	}
}

// Reports returns the execution report stream.
func (s *SimulatedAdapter) Reports() <-chan types.ExecutionReport {
	return s.reports
}

// Close rejects all resting orders and closes the report stream.
func (s *SimulatedAdapter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, p := range s.pending {
		delete(s.pending, id)
		s.reports <- types.ExecutionReport{
			OrderID:      p.order.ID,
			Symbol:       p.order.Symbol,
			Status:       types.OrderStatusRejected,
			RejectReason: "adapter closed",
			Timestamp:    p.order.SubmittedAt,
		}
	}
	close(s.reports)
	return nil
}

func (s *SimulatedAdapter) marketPrice(side types.OrderSide, ref float64) float64 {
	slip := decimal.NewFromFloat(s.cfg.SlippagePerShare)
	price := decimal.NewFromFloat(ref)
	if side == types.OrderSideBuy {
		price = price.Add(slip)
	} else {
		price = price.Sub(slip)
	}
	f, _ := price.Float64()
	return f
}

func (s *SimulatedAdapter) stopTriggered(o types.OrderRequest, bar types.Bar) bool {
	if o.Side == types.OrderSideSell {
		return bar.Low <= o.LimitOrStopPrice
	}
	return bar.High >= o.LimitOrStopPrice
}

func (s *SimulatedAdapter) limitTouched(o types.OrderRequest, bar types.Bar) bool {
	if o.Side == types.OrderSideSell {
		return bar.High >= o.LimitOrStopPrice
	}
	return bar.Low <= o.LimitOrStopPrice
}

func (s *SimulatedAdapter) fillLocked(o types.OrderRequest, price float64, ts time.Time) {
	commission := s.fee.Calculate(o.Quantity, price)
	s.log.Debug("simulated fill",
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.Float64("quantity", o.Quantity),
		zap.Float64("price", price),
		zap.String("reason", string(o.Reason.Reason)),
	)
	s.reports <- types.ExecutionReport{
		OrderID:        o.ID,
		Symbol:         o.Symbol,
		Status:         types.OrderStatusFilled,
		FilledQuantity: o.Quantity,
		FillPrice:      price,
		Commission:     commission,
		Timestamp:      ts,
	}
}
