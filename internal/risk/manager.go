// Package risk enforces the cross-symbol limits: position count, per-trade
// and concurrent risk dollars, daily loss, and daily trade count.
package risk

import (
	"sync"
	"time"

	"github.com/rxtech-lab/gapflow/internal/config"
	"github.com/rxtech-lab/gapflow/internal/logger"
	"github.com/rxtech-lab/gapflow/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rejection reasons returned by ApproveEntry. Rejection is an expected,
// frequent outcome, not an error.
const (
	RejectHalted          string = "session_halted"
	RejectMaxPositions    string = "max_positions"
	RejectConcurrentRisk  string = "max_concurrent_risk"
	RejectPerTradeRisk    string = "risk_per_trade"
	RejectDailyTradeCount string = "max_daily_trades"
	RejectDuplicateSymbol string = "position_already_open"
)

// Manager is the single writer of the daily risk ledger. Every ApproveEntry
// and fill notification runs inside one mutex-guarded critical section so the
// invariants are always checked against a consistent snapshot; no two entries
// can be approved concurrently against a budget only one of them satisfies.
// The critical section never performs I/O.
type Manager struct {
	config config.RiskConfig

	mu          sync.Mutex
	date        time.Time
	realizedPnL decimal.Decimal
	reserved    map[string]float64
	tradeCount  int
	halted      bool

	haltListeners []func()
	logger        *logger.Logger
}

// NewManager creates a Manager for one session.
func NewManager(cfg config.RiskConfig, log *logger.Logger) *Manager {
	return &Manager{
		config:        cfg,
		mu:            sync.Mutex{},
		date:          time.Time{},
		realizedPnL:   decimal.Zero,
		reserved:      make(map[string]float64),
		tradeCount:    0,
		halted:        false,
		haltListeners: nil,
		logger:        log,
	}
}

// Config returns the risk limits the manager was built with.
func (m *Manager) Config() config.RiskConfig {
	return m.config
}

// StartSession resets the daily ledger. Called once at session start.
func (m *Manager) StartSession(date time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.date = date
	m.realizedPnL = decimal.Zero
	m.reserved = make(map[string]float64)
	m.tradeCount = 0
	m.halted = false
}

// OnHalt registers a listener invoked exactly once if the daily loss limit
// is breached. Listeners run outside the critical section.
func (m *Manager) OnHalt(listener func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.haltListeners = append(m.haltListeners, listener)
}

// ApproveEntry checks the invariants and, when approved, reserves the
// proposed risk dollars for the symbol until ReleaseRisk or a closing fill.
func (m *Manager) ApproveEntry(symbol string, proposedRiskDollars float64) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.halted {
		return false, RejectHalted
	}

	if _, exists := m.reserved[symbol]; exists {
		return false, RejectDuplicateSymbol
	}

	if len(m.reserved) >= m.config.MaxPositions {
		return false, RejectMaxPositions
	}

	if proposedRiskDollars > m.config.RiskPerTrade {
		return false, RejectPerTradeRisk
	}

	openRisk := m.openRiskLocked()
	if openRisk+proposedRiskDollars > m.config.MaxConcurrentRisk {
		return false, RejectConcurrentRisk
	}

	if m.tradeCount >= m.config.MaxDailyTrades {
		return false, RejectDailyTradeCount
	}

	m.reserved[symbol] = proposedRiskDollars
	m.tradeCount++

	if m.logger != nil {
		m.logger.Info("Entry approved",
			zap.String("symbol", symbol),
			zap.Float64("risk_dollars", proposedRiskDollars),
			zap.Float64("open_risk", openRisk+proposedRiskDollars),
			zap.Int("trade_count", m.tradeCount),
		)
	}

	return true, ""
}

// UpdateOpenRisk re-derives a symbol's reserved risk, e.g. after a partial
// fill changed the share count or a breakeven stop removed the risk.
func (m *Manager) UpdateOpenRisk(symbol string, riskDollars float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.reserved[symbol]; exists {
		m.reserved[symbol] = riskDollars
	}
}

// ReleaseRisk frees a symbol's reservation without recording a trade, used
// when the broker rejects the entry order. The trade-count slot is returned.
func (m *Manager) ReleaseRisk(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.reserved[symbol]; exists {
		delete(m.reserved, symbol)

		if m.tradeCount > 0 {
			m.tradeCount--
		}
	}
}

// OnFill records realized PnL from a closing fill. final releases the
// symbol's reservation. A daily-loss breach flips the ledger to halted and
// notifies the registered listeners.
func (m *Manager) OnFill(symbol string, realizedPnL float64, final bool) {
	m.mu.Lock()

	m.realizedPnL = m.realizedPnL.Add(decimal.NewFromFloat(realizedPnL))

	if final {
		delete(m.reserved, symbol)
	}

	breached := !m.halted && m.realizedPnL.LessThanOrEqual(decimal.NewFromFloat(-m.config.MaxDailyLoss))
	if breached {
		m.halted = true
	}

	listeners := m.haltListeners
	pnl, _ := m.realizedPnL.Float64()
	m.mu.Unlock()

	if breached {
		if m.logger != nil {
			m.logger.Warn("Daily loss limit breached, halting session",
				zap.Float64("realized_pnl", pnl),
				zap.Float64("max_daily_loss", m.config.MaxDailyLoss),
			)
		}

		for _, listener := range listeners {
			listener()
		}
	}
}

// IsHalted reports whether the daily loss limit has been breached.
func (m *Manager) IsHalted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.halted
}

// Snapshot returns a consistent read-only view of the ledger.
func (m *Manager) Snapshot() types.RiskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	pnl, _ := m.realizedPnL.Float64()

	return types.RiskSnapshot{
		Date:            m.date,
		RealizedPnL:     pnl,
		OpenRiskDollars: m.openRiskLocked(),
		OpenPositions:   len(m.reserved),
		TradeCount:      m.tradeCount,
		Halted:          m.halted,
	}
}

func (m *Manager) openRiskLocked() float64 {
	var total float64
	for _, risk := range m.reserved {
		total += risk
	}

	return total
}
