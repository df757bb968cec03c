// Package engine orchestrates a single live trading session: it scans the
// pre-open snapshot, streams bars from the market data provider through the
// aggregator, drives the per-symbol detectors and position machines, and
// enforces the session clock and the stalled-feed policy.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rxtech-lab/gapflow/internal/config"
	"github.com/rxtech-lab/gapflow/internal/execution"
	"github.com/rxtech-lab/gapflow/internal/ledger"
	"github.com/rxtech-lab/gapflow/internal/logger"
	"github.com/rxtech-lab/gapflow/internal/market"
	"github.com/rxtech-lab/gapflow/internal/position"
	"github.com/rxtech-lab/gapflow/internal/risk"
	"github.com/rxtech-lab/gapflow/internal/scanner"
	"github.com/rxtech-lab/gapflow/internal/signal"
	"github.com/rxtech-lab/gapflow/internal/types"
	"github.com/rxtech-lab/gapflow/pkg/errors"
	"github.com/rxtech-lab/gapflow/pkg/marketdata/provider"
	"go.uber.org/zap"
)

// How long the engine waits after the session-end flatten for the broker to
// confirm every closing fill before auditing the book.
const drainTimeout = 30 * time.Second

// barDriven is implemented by the simulated adapter, which resolves resting
// orders against incoming bars. Live broker adapters fill asynchronously and
// ignore bars entirely.
type barDriven interface {
	OnBar(bar types.Bar)
}

// OnSessionStartCallback is called once the pre-open scan has produced the
// session's watchlist.
type OnSessionStartCallback func(sessionDate time.Time, candidates []types.Candidate) error

// OnBarCallback is called for every closed bar accepted by the aggregator.
type OnBarCallback func(bar types.Bar) error

// OnReportCallback is called for every execution report received from the
// broker adapter.
type OnReportCallback func(report types.ExecutionReport)

// OnHaltCallback is called when the risk manager halts the session.
type OnHaltCallback func()

// OnErrorCallback is called when a non-fatal error occurs.
type OnErrorCallback func(err error)

// OnSessionEndCallback is called when the session ends (always called, even
// on fatal errors).
type OnSessionEndCallback func(trades []types.TradeRecord, err error)

// Callbacks holds the lifecycle callback functions for the live engine.
// All fields are pointers; nil means no callback will be invoked.
type Callbacks struct {
	OnSessionStart *OnSessionStartCallback
	OnBar          *OnBarCallback
	OnReport       *OnReportCallback
	OnHalt         *OnHaltCallback
	OnError        *OnErrorCallback
	OnSessionEnd   *OnSessionEndCallback
}

// Engine runs one trading session end to end. It is single-use: construct,
// wire, Run once.
type Engine struct {
	cfg      config.Config
	log      *logger.Logger
	provider provider.Provider
	adapter  execution.Adapter
	store    *ledger.Ledger
	snapshot types.PreSessionSnapshot

	riskMgr    *risk.Manager
	aggregator *market.Aggregator
	detectors  map[string]*signal.Detector
	machines   map[string]*position.Machine

	// mu guards the feed-health and session-phase state shared between the
	// stream loop, the watchdog, and the report dispatcher.
	mu          sync.Mutex
	lastData    map[string]time.Time
	entryFrozen map[string]bool
	stallClosed map[string]bool
	flattened   bool
	halted      bool
}

// NewEngine creates an engine for one session.
func NewEngine(cfg config.Config, log *logger.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		log:         log,
		detectors:   make(map[string]*signal.Detector),
		machines:    make(map[string]*position.Machine),
		lastData:    make(map[string]time.Time),
		entryFrozen: make(map[string]bool),
		stallClosed: make(map[string]bool),
	}
}

// SetMarketDataProvider configures the streaming market data provider.
func (e *Engine) SetMarketDataProvider(p provider.Provider) {
	e.provider = p
	e.log.Debug("Market data provider set")
}

// SetExecutionAdapter configures the broker adapter.
func (e *Engine) SetExecutionAdapter(adapter execution.Adapter) {
	e.adapter = adapter
	e.log.Debug("Execution adapter set")
}

// SetLedger configures the trade ledger. Optional; when set, every closed
// trade is appended at session end.
func (e *Engine) SetLedger(store *ledger.Ledger) {
	e.store = store
}

// SetSnapshot provides the pre-open snapshot the scanner consumes.
func (e *Engine) SetSnapshot(snapshot types.PreSessionSnapshot) {
	e.snapshot = snapshot
}

// Run executes the session. It blocks until the session close, the context is
// cancelled, or a fatal error occurs. OnSessionEnd is always invoked.
func (e *Engine) Run(ctx context.Context, callbacks Callbacks) error {
	var (
		runErr error
		trades []types.TradeRecord
	)

	defer func() {
		if callbacks.OnSessionEnd != nil {
			(*callbacks.OnSessionEnd)(trades, runErr)
		}
	}()

	if err := e.preRunCheck(); err != nil {
		runErr = err

		return runErr
	}

	date := e.snapshot.SessionDate

	sessionOpen, err := e.cfg.Session.OpenAt(date)
	if err != nil {
		runErr = err

		return runErr
	}

	sessionClose, err := e.cfg.Session.CloseAt(date)
	if err != nil {
		runErr = err

		return runErr
	}

	flattenAt, err := e.cfg.Session.FlattenAt(date)
	if err != nil {
		runErr = err

		return runErr
	}

	candidates := scanner.NewScanner(e.cfg.Scanner, e.log).Scan(e.snapshot)

	if callbacks.OnSessionStart != nil {
		if err := (*callbacks.OnSessionStart)(date, candidates); err != nil {
			runErr = errors.Wrap(errors.ErrCodeEngineStopped, "session start callback failed", err)

			return runErr
		}
	}

	if len(candidates) == 0 {
		e.log.Info("No candidates passed the pre-open scan, nothing to trade",
			zap.Time("session_date", date),
		)

		return nil
	}

	e.riskMgr = risk.NewManager(e.cfg.Risk, e.log)
	e.riskMgr.StartSession(date)
	e.riskMgr.OnHalt(func() {
		e.mu.Lock()
		e.halted = true
		e.mu.Unlock()

		if callbacks.OnHalt != nil {
			(*callbacks.OnHalt)()
		}
	})

	e.aggregator = market.NewAggregator(e.cfg.Session.BarInterval, e.log)
	e.aggregator.StartSession(date)

	symbols := make([]string, 0, len(candidates))

	now := time.Now()
	for _, c := range candidates {
		symbols = append(symbols, c.Symbol)
		e.detectors[c.Symbol] = signal.NewDetector(c, e.cfg.Signal, sessionOpen, e.aggregator, e.log)
		e.machines[c.Symbol] = position.NewMachine(c.Symbol, e.cfg.Trade, e.riskMgr, e.adapter, e.log)
		e.lastData[c.Symbol] = now
	}

	sort.Strings(symbols)

	e.log.Info("Session starting",
		zap.Time("session_date", date),
		zap.Strings("symbols", symbols),
		zap.Time("flatten_at", flattenAt),
		zap.Time("close_at", sessionClose),
	)

	// The stream stops at the session close even if the provider keeps
	// sending data.
	streamCtx, cancelStream := context.WithDeadline(ctx, sessionClose)
	defer cancelStream()

	var wg sync.WaitGroup

	// Report dispatcher: routes broker reports to their machines until the
	// adapter closes its channel.
	wg.Add(1)

	go func() {
		defer wg.Done()
		e.dispatchReports(ctx, callbacks)
	}()

	// Watchdog: enforces the stalled-feed policy and the flatten deadline on
	// the wall clock, independent of data arrival.
	wg.Add(1)

	go func() {
		defer wg.Done()
		e.watchdog(streamCtx, flattenAt)
	}()

	runErr = e.streamLoop(streamCtx, symbols, callbacks)

	// Session close or cancellation: flatten whatever is still open and give
	// the broker time to confirm.
	if err := e.forceCloseAll(ctx, types.OrderReasonSessionEnd, time.Now()); err != nil && runErr == nil {
		runErr = err
	}

	if err := e.awaitFlat(ctx); err != nil && runErr == nil {
		runErr = err
	}

	cancelStream()

	if err := e.adapter.Close(); err != nil {
		e.log.Warn("Failed to close execution adapter", zap.Error(err))
	}

	wg.Wait()

	trades, auditErr := e.collectTrades(date)
	if auditErr != nil && runErr == nil {
		runErr = auditErr
	}

	if e.store != nil && len(trades) > 0 {
		if err := e.store.AppendAll(trades); err != nil && runErr == nil {
			runErr = err
		}
	}

	e.log.Info("Session ended",
		zap.Time("session_date", date),
		zap.Int("trades", len(trades)),
		zap.Error(runErr),
	)

	return runErr
}

func (e *Engine) preRunCheck() error {
	if e.provider == nil {
		return errors.New(errors.ErrCodeEngineNotReady, "market data provider is not set")
	}

	if e.adapter == nil {
		return errors.New(errors.ErrCodeEngineNotReady, "execution adapter is not set")
	}

	if e.snapshot.SessionDate.IsZero() {
		return errors.New(errors.ErrCodeEngineNotReady, "pre-session snapshot is not set")
	}

	return nil
}

// streamLoop consumes the bar stream until the stream context ends. Stream
// errors are reported and skipped; the loop only returns on context end.
func (e *Engine) streamLoop(ctx context.Context, symbols []string, callbacks Callbacks) error {
	interval := e.cfg.Session.BarInterval.String()
	stream := e.provider.Stream(ctx, symbols, interval)

	for bar, err := range stream {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err != nil {
			if callbacks.OnError != nil {
				(*callbacks.OnError)(err)
			}

			e.log.Warn("Stream error received", zap.Error(err))

			continue
		}

		e.markAlive(bar.Symbol)

		if bd, ok := e.adapter.(barDriven); ok {
			bd.OnBar(bar)
		}

		if err := e.onBar(ctx, bar, callbacks); err != nil {
			return err
		}
	}

	return nil
}

// onBar folds one raw bar through the aggregator and advances the symbol's
// machine and detector on the closed bar.
func (e *Engine) onBar(ctx context.Context, bar types.Bar, callbacks Callbacks) error {
	emitted, err := e.aggregator.IngestBar(bar)
	if err != nil {
		// Data integrity errors drop the bar, never the session.
		e.log.Warn("dropping bar", zap.String("symbol", bar.Symbol), zap.Error(err))

		return nil
	}

	closed, takeErr := emitted.Take()
	if takeErr != nil {
		return nil
	}

	if callbacks.OnBar != nil {
		if err := (*callbacks.OnBar)(closed); err != nil {
			return errors.Wrap(errors.ErrCodeEngineStopped, "bar callback failed", err)
		}
	}

	machine, ok := e.machines[closed.Symbol]
	if !ok {
		return nil
	}

	if err := machine.OnBar(ctx, closed); err != nil {
		return err
	}

	if !e.entryAllowed(closed.Symbol) {
		return nil
	}

	detector := e.detectors[closed.Symbol]
	if detector.State().IsTerminal() {
		return nil
	}

	sig := detector.OnBar(closed)
	if entry, err := sig.Take(); err == nil {
		if _, reason, err := machine.OnEntrySignal(ctx, entry); err != nil {
			return err
		} else if reason != "" {
			e.log.Info("Entry rejected",
				zap.String("symbol", closed.Symbol),
				zap.String("reason", reason),
			)
		}
	}

	return nil
}

// dispatchReports delivers broker execution reports to their machines. It
// exits when the adapter closes its report channel.
func (e *Engine) dispatchReports(ctx context.Context, callbacks Callbacks) {
	for report := range e.adapter.Reports() {
		if callbacks.OnReport != nil {
			(*callbacks.OnReport)(report)
		}

		machine, ok := e.machines[report.Symbol]
		if !ok {
			e.log.Warn("Report for unknown symbol", zap.String("symbol", report.Symbol))

			continue
		}

		if err := machine.OnExecutionReport(ctx, report); err != nil {
			e.log.Error("Failed to apply execution report",
				zap.String("symbol", report.Symbol),
				zap.String("order_id", report.OrderID),
				zap.Error(err),
			)
		}
	}
}

// watchdog ticks once a second enforcing, in order: the risk halt, the
// flatten deadline, and the per-symbol stalled-feed policy.
func (e *Engine) watchdog(ctx context.Context, flattenAt time.Time) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if e.takeHalt() {
				if err := e.forceCloseAll(ctx, types.OrderReasonRiskHalt, now); err != nil {
					e.log.Error("Failed to flatten after risk halt", zap.Error(err))
				}
			}

			if !now.Before(flattenAt) && e.markFlattened() {
				if err := e.forceCloseAll(ctx, types.OrderReasonSessionEnd, now); err != nil {
					e.log.Error("Failed to flatten at deadline", zap.Error(err))
				}
			}

			e.checkStalls(ctx, now)
		}
	}
}

// checkStalls applies the soft and hard stall timeouts to every symbol.
func (e *Engine) checkStalls(ctx context.Context, now time.Time) {
	type stalled struct {
		symbol  string
		elapsed time.Duration
	}

	var hard []stalled

	e.mu.Lock()

	for symbol, last := range e.lastData {
		elapsed := now.Sub(last)

		if elapsed >= e.cfg.Feed.HardStallTimeout && !e.stallClosed[symbol] {
			e.stallClosed[symbol] = true
			hard = append(hard, stalled{symbol: symbol, elapsed: elapsed})

			continue
		}

		if elapsed >= e.cfg.Feed.SoftStallTimeout && !e.entryFrozen[symbol] {
			e.entryFrozen[symbol] = true

			e.log.Warn("Feed soft stall, entries frozen",
				zap.String("symbol", symbol),
				zap.Duration("elapsed", elapsed),
			)
		}
	}

	e.mu.Unlock()

	sort.Slice(hard, func(i, j int) bool { return hard[i].symbol < hard[j].symbol })

	for _, s := range hard {
		e.log.Error("Feed hard stall, closing position",
			zap.String("symbol", s.symbol),
			zap.Duration("elapsed", s.elapsed),
		)

		if err := e.machines[s.symbol].ForceClose(ctx, types.OrderReasonFeedStall, now); err != nil {
			e.log.Error("Failed to close stalled symbol",
				zap.String("symbol", s.symbol),
				zap.Error(err),
			)
		}
	}
}

// markAlive records fresh data for a symbol and lifts any soft-stall freeze.
// A symbol already force-closed by a hard stall stays closed for the session.
func (e *Engine) markAlive(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastData[symbol] = time.Now()

	if e.entryFrozen[symbol] && !e.stallClosed[symbol] {
		e.entryFrozen[symbol] = false

		e.log.Info("Feed recovered, entries unfrozen", zap.String("symbol", symbol))
	}
}

// entryAllowed reports whether new entries are currently permitted for the
// symbol.
func (e *Engine) entryAllowed(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return !e.flattened && !e.halted && !e.entryFrozen[symbol] && !e.stallClosed[symbol]
}

// takeHalt consumes a pending risk halt. Entries stay blocked for the rest of
// the session; the flatten itself runs once.
func (e *Engine) takeHalt() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.halted || e.flattened {
		return false
	}

	e.flattened = true

	return true
}

// markFlattened flips the session into its no-new-entries phase, returning
// true exactly once.
func (e *Engine) markFlattened() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.flattened {
		return false
	}

	e.flattened = true

	return true
}

func (e *Engine) forceCloseAll(ctx context.Context, reason string, ts time.Time) error {
	symbols := make([]string, 0, len(e.machines))
	for s := range e.machines {
		symbols = append(symbols, s)
	}

	sort.Strings(symbols)

	for _, s := range symbols {
		if err := e.machines[s].ForceClose(ctx, reason, ts); err != nil {
			return err
		}
	}

	return nil
}

// awaitFlat waits for the broker to confirm every closing fill after the
// session-end flatten.
func (e *Engine) awaitFlat(ctx context.Context) error {
	deadline := time.Now().Add(drainTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)

	defer ticker.Stop()

	for {
		if e.allIdle() {
			return nil
		}

		if time.Now().After(deadline) {
			return errors.New(errors.ErrCodeSessionUnaccounted,
				"positions still open after session-end flatten deadline")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) allIdle() bool {
	for _, m := range e.machines {
		if !m.Idle() {
			return false
		}
	}

	return true
}

// collectTrades audits the book and gathers every machine's closed trades in
// deterministic order.
func (e *Engine) collectTrades(date time.Time) ([]types.TradeRecord, error) {
	var trades []types.TradeRecord

	for symbol, m := range e.machines {
		if !m.Idle() {
			return nil, errors.Newf(errors.ErrCodeSessionUnaccounted,
				"session %s ended with unaccounted position in %s", date.Format("2006-01-02"), symbol)
		}

		trades = append(trades, m.Records()...)
	}

	sort.SliceStable(trades, func(i, j int) bool {
		if !trades[i].ClosedAt.Equal(trades[j].ClosedAt) {
			return trades[i].ClosedAt.Before(trades[j].ClosedAt)
		}

		if !trades[i].OpenedAt.Equal(trades[j].OpenedAt) {
			return trades[i].OpenedAt.Before(trades[j].OpenedAt)
		}

		return trades[i].Symbol < trades[j].Symbol
	})

	return trades, nil
}
