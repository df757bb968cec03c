// Package position owns the per-symbol trade lifecycle. A Machine is the
// exclusive writer of its Position; everything else observes snapshots. State
// only advances on execution reports, never on order submission, so a slow or
// rejecting broker can never leave the book and the machine disagreeing.
package position

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rxtech-lab/gapflow/internal/config"
	"github.com/rxtech-lab/gapflow/internal/execution"
	"github.com/rxtech-lab/gapflow/internal/logger"
	"github.com/rxtech-lab/gapflow/internal/risk"
	"github.com/rxtech-lab/gapflow/internal/signal"
	"github.com/rxtech-lab/gapflow/internal/types"
	"github.com/rxtech-lab/gapflow/pkg/errors"
)

// Machine drives one symbol through
// PENDING_ENTRY -> OPEN -> PARTIALLY_CLOSED -> FLAT. It sizes the entry from
// the risk budget, places bracket orders once the entry fills, and moves the
// stop to breakeven only after the scale-out fill is confirmed.
type Machine struct {
	mu      sync.Mutex
	symbol  string
	cfg     config.TradeConfig
	risk    *risk.Manager
	adapter execution.Adapter
	log     *logger.Logger

	pos             types.Position
	entryCommission float64
	barsHeld        int
	firstTargetHit  bool

	// Order IDs currently owned by this machine.
	pendingEntryID  string
	restingStopID   string
	restingTargetID string
	// exitOrders maps a submitted exit order ID to its reason and quantity.
	exitOrders map[string]exitOrder
	// queuedCloseReason holds a forced close requested while the entry fill
	// was still outstanding. It is executed as soon as the fill arrives;
	// forced closes are queued, never dropped.
	queuedCloseReason string

	records []types.TradeRecord
}

type exitOrder struct {
	reason   string
	quantity float64
}

// NewMachine creates a flat machine for one symbol.
func NewMachine(symbol string, cfg config.TradeConfig, riskMgr *risk.Manager, adapter execution.Adapter, log *logger.Logger) *Machine {
	return &Machine{
		symbol:     symbol,
		cfg:        cfg,
		risk:       riskMgr,
		adapter:    adapter,
		log:        log,
		pos:        types.Position{Symbol: symbol, State: types.PositionStateFlat},
		exitOrders: make(map[string]exitOrder),
	}
}

// OnEntrySignal sizes and submits the entry order for a triggered signal.
// It returns false with the rejection reason when the risk manager declines
// or the sized quantity is zero; only submission failures are errors.
func (m *Machine) OnEntrySignal(ctx context.Context, sig signal.EntrySignal) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pos.State != types.PositionStateFlat {
		return false, "", errors.Newf(errors.ErrCodePositionNotFlat, "position for %s is %s", m.symbol, m.pos.State)
	}

	shares := sizeShares(m.risk.Config().RiskPerTrade, m.cfg.StopDistance)
	if shares <= 0 {
		return false, "zero_quantity", nil
	}

	riskDollars, _ := decimal.NewFromFloat(shares).Mul(decimal.NewFromFloat(m.cfg.StopDistance)).Float64()

	ok, reason := m.risk.ApproveEntry(m.symbol, riskDollars)
	if !ok {
		m.log.Debug("entry declined by risk manager",
			zap.String("symbol", m.symbol),
			zap.String("reason", reason),
		)

		return false, reason, nil
	}

	order := types.OrderRequest{
		ID:       uuid.NewString(),
		Symbol:   m.symbol,
		Side:     types.OrderSideBuy,
		Type:     types.OrderTypeMarket,
		Quantity: shares,
		Reason: types.Reason{
			Reason:  types.OrderReasonEntry,
			Message: "vwap reclaim after gap",
		},
		SubmittedAt: sig.Time,
	}

	if err := m.adapter.PlaceOrder(ctx, order); err != nil {
		m.risk.ReleaseRisk(m.symbol)

		return false, "", errors.Wrap(errors.ErrCodeOrderRejected, "entry order submission failed", err)
	}

	m.pendingEntryID = order.ID
	m.pos = types.Position{
		Symbol:                  m.symbol,
		State:                   types.PositionStatePendingEntry,
		Shares:                  shares,
		RiskDollars:             riskDollars,
		ScaledFractionRemaining: 1,
	}
	m.barsHeld = 0
	m.firstTargetHit = false

	return true, "", nil
}

// OnExecutionReport applies a broker report. Reports for orders the machine
// does not own are ignored.
func (m *Machine) OnExecutionReport(ctx context.Context, report types.ExecutionReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case report.OrderID == m.pendingEntryID && m.pendingEntryID != "":
		return m.onEntryReport(ctx, report)
	default:
		if eo, ok := m.exitOrders[report.OrderID]; ok {
			return m.onExitReport(ctx, report, eo)
		}
	}

	return nil
}

func (m *Machine) onEntryReport(ctx context.Context, report types.ExecutionReport) error {
	switch report.Status {
	case types.OrderStatusRejected, types.OrderStatusCancelled:
		if report.FilledQuantity <= 0 {
			// Entry never happened. Revert and hand the risk budget back.
			m.pendingEntryID = ""
			m.queuedCloseReason = ""
			m.pos = types.Position{Symbol: m.symbol, State: types.PositionStateFlat}
			m.risk.ReleaseRisk(m.symbol)
			m.log.Warn("entry order rejected",
				zap.String("symbol", m.symbol),
				zap.String("reason", report.RejectReason),
			)

			return nil
		}

		// The order terminated part-way through. The filled shares are owned
		// and must be protected, so they are adopted exactly like a full fill.
		m.log.Warn("entry order terminated after a partial fill",
			zap.String("symbol", m.symbol),
			zap.String("status", string(report.Status)),
			zap.Float64("filled", report.FilledQuantity),
		)
	case types.OrderStatusFilled:
	default:
		return nil
	}

	m.pendingEntryID = ""

	entry := decimal.NewFromFloat(report.FillPrice)
	stop := entry.Sub(decimal.NewFromFloat(m.cfg.StopDistance))
	target := entry.Add(decimal.NewFromFloat(m.cfg.TargetDistance))
	second := entry.Add(decimal.NewFromFloat(m.cfg.SecondTargetDistance))

	m.pos.State = types.PositionStateOpen
	m.pos.EntryPrice = report.FillPrice
	m.pos.Shares = report.FilledQuantity
	m.pos.StopPrice, _ = stop.Float64()
	m.pos.TargetPrice, _ = target.Float64()
	m.pos.SecondTargetPrice, _ = second.Float64()
	m.pos.OpenedAt = report.Timestamp
	m.pos.RiskDollars, _ = entry.Sub(stop).Mul(decimal.NewFromFloat(report.FilledQuantity)).Float64()
	m.entryCommission = report.Commission
	m.risk.UpdateOpenRisk(m.symbol, m.pos.RiskDollars)

	m.log.Info("position opened",
		zap.String("symbol", m.symbol),
		zap.Float64("entry", m.pos.EntryPrice),
		zap.Float64("shares", m.pos.Shares),
		zap.Float64("stop", m.pos.StopPrice),
		zap.Float64("target", m.pos.TargetPrice),
	)

	if m.queuedCloseReason != "" {
		reason := m.queuedCloseReason
		m.queuedCloseReason = ""

		return m.marketCloseLocked(ctx, reason, report.Timestamp)
	}

	return m.placeBracketLocked(ctx, report.Timestamp)
}

// placeBracketLocked arms the protective stop for the full position and the
// first-target limit for the scale-out slice.
func (m *Machine) placeBracketLocked(ctx context.Context, ts time.Time) error {
	stopOrder := types.OrderRequest{
		ID:               uuid.NewString(),
		Symbol:           m.symbol,
		Side:             types.OrderSideSell,
		Type:             types.OrderTypeStop,
		Quantity:         m.pos.Shares,
		LimitOrStopPrice: m.pos.StopPrice,
		Reason:           types.Reason{Reason: types.OrderReasonStop},
		SubmittedAt:      ts,
	}
	if err := m.adapter.PlaceOrder(ctx, stopOrder); err != nil {
		return errors.Wrap(errors.ErrCodeOrderRejected, "stop order submission failed", err)
	}

	m.restingStopID = stopOrder.ID
	m.exitOrders[stopOrder.ID] = exitOrder{reason: types.OrderReasonStop, quantity: stopOrder.Quantity}

	scaleQty := scaleOutQuantity(m.pos.Shares, m.cfg.ScaleOutFraction)
	if scaleQty <= 0 || scaleQty >= m.pos.Shares {
		// Position too small to split. The first target exits everything.
		scaleQty = m.pos.Shares
	}

	targetOrder := types.OrderRequest{
		ID:               uuid.NewString(),
		Symbol:           m.symbol,
		Side:             types.OrderSideSell,
		Type:             types.OrderTypeLimit,
		Quantity:         scaleQty,
		LimitOrStopPrice: m.pos.TargetPrice,
		Reason:           types.Reason{Reason: types.OrderReasonScaleOut},
		SubmittedAt:      ts,
	}
	if err := m.adapter.PlaceOrder(ctx, targetOrder); err != nil {
		return errors.Wrap(errors.ErrCodeOrderRejected, "target order submission failed", err)
	}

	m.restingTargetID = targetOrder.ID
	m.exitOrders[targetOrder.ID] = exitOrder{reason: types.OrderReasonScaleOut, quantity: scaleQty}

	return nil
}

func (m *Machine) onExitReport(ctx context.Context, report types.ExecutionReport, eo exitOrder) error {
	switch report.Status {
	case types.OrderStatusRejected:
		// The position is unchanged; resting siblings stay armed. Forced
		// closes are retried by the engine's session sweep.
		delete(m.exitOrders, report.OrderID)
		m.clearOrderID(report.OrderID)
		m.log.Error("exit order rejected",
			zap.String("symbol", m.symbol),
			zap.String("reason", eo.reason),
			zap.String("broker_reason", report.RejectReason),
		)

		return nil
	case types.OrderStatusCancelled:
		delete(m.exitOrders, report.OrderID)
		m.clearOrderID(report.OrderID)

		if report.FilledQuantity > 0 {
			return m.onPartialExitCancel(ctx, report, eo)
		}

		return nil
	case types.OrderStatusFilled:
	default:
		return nil
	}

	delete(m.exitOrders, report.OrderID)
	m.clearOrderID(report.OrderID)

	if eo.reason == types.OrderReasonScaleOut && !m.firstTargetHit {
		return m.onScaleOutFill(ctx, report)
	}

	return m.onFinalExitFill(ctx, report, eo)
}

// onScaleOutFill books the first-target slice, then and only then moves the
// stop to breakeven and arms the second target.
func (m *Machine) onScaleOutFill(ctx context.Context, report types.ExecutionReport) error {
	m.firstTargetHit = true

	m.appendRecord(report, report.FilledQuantity, types.ExitReasonFirstTarget)

	remaining, _ := decimal.NewFromFloat(m.pos.Shares).Sub(decimal.NewFromFloat(report.FilledQuantity)).Float64()
	m.pos.Shares = remaining
	m.pos.State = types.PositionStatePartiallyClosed
	m.pos.ScaledFractionRemaining, _ = decimal.NewFromFloat(1).Sub(decimal.NewFromFloat(m.cfg.ScaleOutFraction)).Float64()

	slicePnL := m.records[len(m.records)-1].PnL

	if remaining <= 0 {
		// Whole position exited at the first target.
		m.finishFlatLocked(ctx)
		m.risk.OnFill(m.symbol, slicePnL, true)

		return nil
	}

	m.risk.OnFill(m.symbol, slicePnL, false)

	// Replace the original stop with a breakeven stop for the remainder.
	if m.restingStopID != "" {
		oldStop := m.restingStopID
		m.restingStopID = ""
		delete(m.exitOrders, oldStop)

		if err := m.adapter.CancelOrder(ctx, oldStop); err != nil {
			m.log.Warn("failed to cancel stop after scale out", zap.String("symbol", m.symbol), zap.Error(err))
		}
	}

	m.pos.StopPrice = m.pos.EntryPrice
	m.pos.RiskDollars = 0
	m.risk.UpdateOpenRisk(m.symbol, 0)

	breakevenStop := types.OrderRequest{
		ID:               uuid.NewString(),
		Symbol:           m.symbol,
		Side:             types.OrderSideSell,
		Type:             types.OrderTypeStop,
		Quantity:         remaining,
		LimitOrStopPrice: m.pos.StopPrice,
		Reason:           types.Reason{Reason: types.OrderReasonStop},
		SubmittedAt:      report.Timestamp,
	}
	if err := m.adapter.PlaceOrder(ctx, breakevenStop); err != nil {
		return errors.Wrap(errors.ErrCodeOrderRejected, "breakeven stop submission failed", err)
	}

	m.restingStopID = breakevenStop.ID
	m.exitOrders[breakevenStop.ID] = exitOrder{reason: types.OrderReasonStop, quantity: remaining}

	secondTarget := types.OrderRequest{
		ID:               uuid.NewString(),
		Symbol:           m.symbol,
		Side:             types.OrderSideSell,
		Type:             types.OrderTypeLimit,
		Quantity:         remaining,
		LimitOrStopPrice: m.pos.SecondTargetPrice,
		Reason:           types.Reason{Reason: types.OrderReasonSecondTarget},
		SubmittedAt:      report.Timestamp,
	}
	if err := m.adapter.PlaceOrder(ctx, secondTarget); err != nil {
		return errors.Wrap(errors.ErrCodeOrderRejected, "second target submission failed", err)
	}

	m.restingTargetID = secondTarget.ID
	m.exitOrders[secondTarget.ID] = exitOrder{reason: types.OrderReasonSecondTarget, quantity: remaining}

	return nil
}

// onPartialExitCancel books the slice an exit order filled before the broker
// cancelled it and shrinks the position so later closes sell only what is
// actually left.
func (m *Machine) onPartialExitCancel(ctx context.Context, report types.ExecutionReport, eo exitOrder) error {
	m.appendRecord(report, report.FilledQuantity, exitReasonFor(eo.reason))
	slicePnL := m.records[len(m.records)-1].PnL

	remaining, _ := decimal.NewFromFloat(m.pos.Shares).Sub(decimal.NewFromFloat(report.FilledQuantity)).Float64()
	m.pos.Shares = remaining

	m.log.Warn("exit order cancelled after a partial fill",
		zap.String("symbol", m.symbol),
		zap.String("reason", eo.reason),
		zap.Float64("filled", report.FilledQuantity),
		zap.Float64("remaining", remaining),
	)

	if remaining <= 0 {
		m.finishFlatLocked(ctx)
		m.risk.OnFill(m.symbol, slicePnL, true)

		return nil
	}

	m.pos.State = types.PositionStatePartiallyClosed
	m.risk.OnFill(m.symbol, slicePnL, false)

	return nil
}

func (m *Machine) onFinalExitFill(ctx context.Context, report types.ExecutionReport, eo exitOrder) error {
	m.appendRecord(report, report.FilledQuantity, exitReasonFor(eo.reason))

	m.finishFlatLocked(ctx)
	m.risk.OnFill(m.symbol, m.records[len(m.records)-1].PnL, true)

	return nil
}

// finishFlatLocked cancels any surviving sibling orders and parks the machine.
func (m *Machine) finishFlatLocked(ctx context.Context) {
	for id := range m.exitOrders {
		delete(m.exitOrders, id)

		if err := m.adapter.CancelOrder(ctx, id); err != nil {
			m.log.Warn("failed to cancel sibling exit order", zap.String("symbol", m.symbol), zap.Error(err))
		}
	}

	m.restingStopID = ""
	m.restingTargetID = ""
	m.queuedCloseReason = ""
	m.pos = types.Position{Symbol: m.symbol, State: types.PositionStateFlat}
	m.barsHeld = 0
	m.entryCommission = 0
}

// OnBar advances the holding clock. Stops and targets rest at the broker, so
// the only bar-driven exit is the time limit: a position that has not reached
// its first target within MaxHoldingBars closed bars is cut at market.
func (m *Machine) OnBar(ctx context.Context, bar types.Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pos.State != types.PositionStateOpen && m.pos.State != types.PositionStatePartiallyClosed {
		return nil
	}

	m.barsHeld++

	if m.cfg.MaxHoldingBars == 0 || m.firstTargetHit || m.barsHeld < m.cfg.MaxHoldingBars {
		return nil
	}

	m.log.Info("time limit reached, closing position",
		zap.String("symbol", m.symbol),
		zap.Int("bars_held", m.barsHeld),
	)

	return m.marketCloseLocked(ctx, types.OrderReasonTimeLimit, bar.IntervalStart)
}

// ForceClose flattens the position at market. Used for session end, a risk
// halt, or a hard feed stall. If the entry fill is still outstanding the
// close is queued behind it and executed on fill; it is never dropped.
func (m *Machine) ForceClose(ctx context.Context, reason string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.pos.State {
	case types.PositionStateFlat:
		return nil
	case types.PositionStatePendingEntry:
		m.queuedCloseReason = reason

		return nil
	default:
		if reason == types.OrderReasonRiskHalt {
			m.pos.State = types.PositionStateHaltedByRisk
		}

		return m.marketCloseLocked(ctx, reason, ts)
	}
}

// marketCloseLocked cancels resting exits and sells the full remainder at
// market.
func (m *Machine) marketCloseLocked(ctx context.Context, reason string, ts time.Time) error {
	for id := range m.exitOrders {
		delete(m.exitOrders, id)

		if err := m.adapter.CancelOrder(ctx, id); err != nil {
			m.log.Warn("failed to cancel resting order", zap.String("symbol", m.symbol), zap.Error(err))
		}
	}

	m.restingStopID = ""
	m.restingTargetID = ""

	order := types.OrderRequest{
		ID:          uuid.NewString(),
		Symbol:      m.symbol,
		Side:        types.OrderSideSell,
		Type:        types.OrderTypeMarket,
		Quantity:    m.pos.Shares,
		Reason:      types.Reason{Reason: reason},
		SubmittedAt: ts,
	}
	if err := m.adapter.PlaceOrder(ctx, order); err != nil {
		return errors.Wrap(errors.ErrCodeOrderRejected, "close order submission failed", err)
	}

	m.exitOrders[order.ID] = exitOrder{reason: reason, quantity: order.Quantity}

	return nil
}

func (m *Machine) clearOrderID(id string) {
	if m.restingStopID == id {
		m.restingStopID = ""
	}

	if m.restingTargetID == id {
		m.restingTargetID = ""
	}
}

// appendRecord books a ledger entry for a closing fill. The entry commission
// is charged once, against the first slice that closes.
func (m *Machine) appendRecord(report types.ExecutionReport, shares float64, exitReason string) {
	commission, _ := decimal.NewFromFloat(report.Commission).Add(decimal.NewFromFloat(m.entryCommission)).Float64()
	m.entryCommission = 0

	m.records = append(m.records, types.TradeRecord{
		Symbol:     m.symbol,
		EntryPrice: m.pos.EntryPrice,
		ExitPrice:  report.FillPrice,
		Shares:     shares,
		PnL:        types.ComputePnL(m.pos.EntryPrice, report.FillPrice, shares, commission),
		Commission: commission,
		OpenedAt:   m.pos.OpenedAt,
		ClosedAt:   report.Timestamp,
		ExitReason: exitReason,
	})
}

// Snapshot returns a copy of the current position.
func (m *Machine) Snapshot() types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pos
}

// Records returns the trades booked so far.
func (m *Machine) Records() []types.TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.TradeRecord, len(m.records))
	copy(out, m.records)

	return out
}

// Idle reports whether the machine holds no position and no in-flight orders.
func (m *Machine) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pos.State == types.PositionStateFlat && m.pendingEntryID == "" && len(m.exitOrders) == 0
}

// sizeShares converts the per-trade dollar risk into whole shares against the
// fixed stop distance.
func sizeShares(riskPerTrade, stopDistance float64) float64 {
	if stopDistance <= 0 {
		return 0
	}

	raw, _ := decimal.NewFromFloat(riskPerTrade).Div(decimal.NewFromFloat(stopDistance)).Float64()

	return math.Floor(raw)
}

// scaleOutQuantity returns the whole-share slice sold at the first target.
func scaleOutQuantity(shares, fraction float64) float64 {
	raw, _ := decimal.NewFromFloat(shares).Mul(decimal.NewFromFloat(fraction)).Float64()

	return math.Floor(raw)
}

func exitReasonFor(orderReason string) string {
	// Order reasons and exit reasons share their vocabulary.
	return orderReason
}
