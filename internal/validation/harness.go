// Package validation replays historical sessions through the full trading
// pipeline and decides whether the strategy may trade live. Sessions are
// replayed in chronological order, never shuffled, so every run over the same
// data and configuration produces an identical result artifact.
package validation

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rxtech-lab/gapflow/internal/config"
	"github.com/rxtech-lab/gapflow/internal/execution"
	"github.com/rxtech-lab/gapflow/internal/execution/commission_fee"
	"github.com/rxtech-lab/gapflow/internal/ledger"
	"github.com/rxtech-lab/gapflow/internal/logger"
	"github.com/rxtech-lab/gapflow/internal/market"
	"github.com/rxtech-lab/gapflow/internal/position"
	"github.com/rxtech-lab/gapflow/internal/risk"
	"github.com/rxtech-lab/gapflow/internal/scanner"
	"github.com/rxtech-lab/gapflow/internal/signal"
	"github.com/rxtech-lab/gapflow/internal/types"
	"github.com/rxtech-lab/gapflow/internal/version"
	"github.com/rxtech-lab/gapflow/pkg/errors"
)

// Session is one historical trading day: the pre-open snapshot and the
// session's bars in time order.
type Session struct {
	Snapshot types.PreSessionSnapshot
	Bars     []types.Bar
}

// Harness replays sessions against the simulated adapter and gates the
// result.
type Harness struct {
	cfg    config.Config
	log    *logger.Logger
	store  *ledger.Ledger
	onBars func(done int, total int)
}

// NewHarness creates a harness. store may be nil; when set, every closed
// trade is also appended to the ledger.
func NewHarness(cfg config.Config, store *ledger.Ledger, log *logger.Logger) *Harness {
	return &Harness{
		cfg:   cfg,
		log:   log,
		store: store,
	}
}

// SetProgress registers a callback invoked after every replayed bar.
func (h *Harness) SetProgress(fn func(done, total int)) {
	h.onBars = fn
}

// Run replays every session in order and returns the gated result.
func (h *Harness) Run(ctx context.Context, sessions []Session) (*types.ValidationResult, error) {
	if len(sessions) == 0 {
		return nil, errors.New(errors.ErrCodeHarnessNoData, "no sessions to replay")
	}

	ordered := make([]Session, len(sessions))
	copy(ordered, sessions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Snapshot.SessionDate.Before(ordered[j].Snapshot.SessionDate)
	})

	totalBars := 0
	for _, s := range ordered {
		totalBars += len(s.Bars)
	}

	var trades []types.TradeRecord

	doneBars := 0

	for _, session := range ordered {
		sessionTrades, n, err := h.replaySession(ctx, session, doneBars, totalBars)
		if err != nil {
			return nil, err
		}

		doneBars = n
		trades = append(trades, sessionTrades...)
	}

	if h.store != nil {
		if err := h.store.AppendAll(trades); err != nil {
			return nil, err
		}
	}

	result := h.Evaluate(trades)

	return &result, nil
}

// replaySession runs one day through scanner, detectors, machines, and the
// simulated adapter, then flattens and audits the book.
func (h *Harness) replaySession(ctx context.Context, session Session, doneBars, totalBars int) ([]types.TradeRecord, int, error) {
	date := session.Snapshot.SessionDate

	sessionOpen, err := h.cfg.Session.OpenAt(date)
	if err != nil {
		return nil, doneBars, errors.Wrap(errors.ErrCodeHarnessConfigError, "cannot resolve session open", err)
	}

	flattenAt, err := h.cfg.Session.FlattenAt(date)
	if err != nil {
		return nil, doneBars, errors.Wrap(errors.ErrCodeHarnessConfigError, "cannot resolve flatten deadline", err)
	}

	adapter := execution.NewSimulatedAdapter(h.cfg.Execution, commission_fee.GetCommissionFeeHandler(commission_fee.Broker(h.cfg.Execution.Broker)), h.log)
	riskMgr := risk.NewManager(h.cfg.Risk, h.log)
	riskMgr.StartSession(date)

	aggregator := market.NewAggregator(h.cfg.Session.BarInterval, h.log)
	aggregator.StartSession(date)

	candidates := scanner.NewScanner(h.cfg.Scanner, h.log).Scan(session.Snapshot)

	detectors := make(map[string]*signal.Detector, len(candidates))
	machines := make(map[string]*position.Machine, len(candidates))

	for _, c := range candidates {
		detectors[c.Symbol] = signal.NewDetector(c, h.cfg.Signal, sessionOpen, aggregator, h.log)
		machines[c.Symbol] = position.NewMachine(c.Symbol, h.cfg.Trade, riskMgr, adapter, h.log)
	}

	halted := false
	riskMgr.OnHalt(func() { halted = true })

	flattened := false

	for _, bar := range session.Bars {
		// Resting brackets and queued entries fill against this bar before
		// any new decision is made on it.
		adapter.OnBar(bar)

		if err := h.drainReports(ctx, adapter, machines); err != nil {
			return nil, doneBars, err
		}

		if halted {
			if err := h.forceCloseAll(ctx, adapter, machines, types.OrderReasonRiskHalt, bar.IntervalStart); err != nil {
				return nil, doneBars, err
			}

			halted = false
		}

		emitted, ingestErr := aggregator.IngestBar(bar)
		if ingestErr != nil {
			// Data integrity errors drop the bar, never the session.
			h.log.Warn("dropping bar", zap.String("symbol", bar.Symbol), zap.Error(ingestErr))

			continue
		}

		if closed, takeErr := emitted.Take(); takeErr == nil {
			if !flattened && !closed.IntervalStart.Before(flattenAt) {
				if err := h.forceCloseAll(ctx, adapter, machines, types.OrderReasonSessionEnd, closed.IntervalStart); err != nil {
					return nil, doneBars, err
				}

				flattened = true
			}

			if err := h.onClosedBar(ctx, closed, detectors, machines, flattened); err != nil {
				return nil, doneBars, err
			}
		}

		if err := h.drainReports(ctx, adapter, machines); err != nil {
			return nil, doneBars, err
		}

		doneBars++

		if h.onBars != nil {
			h.onBars(doneBars, totalBars)
		}
	}

	// End of data: flatten whatever is still open against the last bars.
	if err := h.forceCloseAll(ctx, adapter, machines, types.OrderReasonSessionEnd, flattenAt); err != nil {
		return nil, doneBars, err
	}

	if err := h.drainReports(ctx, adapter, machines); err != nil {
		return nil, doneBars, err
	}

	var trades []types.TradeRecord

	for symbol, m := range machines {
		if !m.Idle() {
			return nil, doneBars, errors.Newf(errors.ErrCodeSessionUnaccounted,
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

	return trades, doneBars, nil
}

// onClosedBar advances machines and detectors on a completed bar.
func (h *Harness) onClosedBar(ctx context.Context, bar types.Bar, detectors map[string]*signal.Detector, machines map[string]*position.Machine, flattened bool) error {
	machine, ok := machines[bar.Symbol]
	if !ok {
		return nil
	}

	if err := machine.OnBar(ctx, bar); err != nil {
		return err
	}

	if flattened {
		// No new entries after the flatten deadline.
		return nil
	}

	detector := detectors[bar.Symbol]
	if detector.State().IsTerminal() {
		return nil
	}

	sig := detector.OnBar(bar)
	if entry, err := sig.Take(); err == nil {
		if _, _, err := machine.OnEntrySignal(ctx, entry); err != nil {
			return err
		}
	}

	return nil
}

func (h *Harness) forceCloseAll(ctx context.Context, adapter *execution.SimulatedAdapter, machines map[string]*position.Machine, reason string, ts time.Time) error {
	symbols := make([]string, 0, len(machines))
	for s := range machines {
		symbols = append(symbols, s)
	}

	sort.Strings(symbols)

	for _, s := range symbols {
		if err := machines[s].ForceClose(ctx, reason, ts); err != nil {
			return err
		}
	}

	return h.drainReports(ctx, adapter, machines)
}

// drainReports delivers every queued execution report to its machine.
// Machines may place follow-up orders while handling a report (brackets after
// an entry fill), and the simulated adapter can resolve those synchronously,
// so draining loops until the queue stays empty.
func (h *Harness) drainReports(ctx context.Context, adapter *execution.SimulatedAdapter, machines map[string]*position.Machine) error {
	for {
		select {
		case report := <-adapter.Reports():
			if m, ok := machines[report.Symbol]; ok {
				if err := m.OnExecutionReport(ctx, report); err != nil {
					return err
				}
			}
		default:
			return nil
		}
	}
}

// Evaluate computes the statistics and applies the N-of-M gate to a trade
// series.
func (h *Harness) Evaluate(trades []types.TradeRecord) types.ValidationResult {
	vcfg := h.cfg.Validation
	returns := Returns(trades)

	totalPnL := 0.0
	for _, t := range trades {
		totalPnL += t.PnL
	}

	result := types.ValidationResult{
		RunID:            uuid.NewString(),
		Timestamp:        time.Now().UTC(),
		EngineVersion:    version.GetVersion(),
		StrategyParams:   h.strategyParams(),
		Trades:           trades,
		TotalTrades:      len(trades),
		WinRate:          WinRate(returns),
		Sharpe:           Sharpe(returns),
		Sortino:          Sortino(returns),
		ProfitFactor:     ProfitFactor(returns),
		MaxDrawdown:      MaxDrawdown(returns),
		TotalPnL:         totalPnL,
		PValue:           TTestPValue(returns),
		CriteriaRequired: vcfg.CriteriaRequired,
	}

	result.WinRateCI, result.SharpeCI = Bootstrap(returns, vcfg.BootstrapResamples, vcfg.BootstrapSeed)

	result.Criteria = []types.CriterionResult{
		{Name: "win_rate", Value: result.WinRate, Threshold: vcfg.MinWinRate, Passed: result.WinRate >= vcfg.MinWinRate},
		{Name: "sharpe", Value: result.Sharpe, Threshold: vcfg.MinSharpe, Passed: result.Sharpe >= vcfg.MinSharpe},
		{Name: "significance", Value: result.PValue, Threshold: vcfg.MaxPValue, Passed: result.PValue < vcfg.MaxPValue},
		{Name: "sample_size", Value: float64(result.TotalTrades), Threshold: float64(vcfg.MinSampleSize), Passed: result.TotalTrades >= vcfg.MinSampleSize},
		{Name: "profit_factor", Value: result.ProfitFactor, Threshold: vcfg.MinProfitFactor, Passed: result.ProfitFactor >= vcfg.MinProfitFactor},
	}

	for _, c := range result.Criteria {
		if c.Passed {
			result.CriteriaPassed++
		}
	}

	switch {
	case result.TotalTrades < vcfg.MinSampleSize:
		// Too few trades to trust any of the numbers above. Report it, never
		// extrapolate.
		result.Verdict = types.VerdictInsufficientSample
	case result.CriteriaPassed >= vcfg.CriteriaRequired:
		result.Verdict = types.VerdictValidated
	default:
		result.Verdict = types.VerdictNotValidated
	}

	h.log.Info("validation complete",
		zap.String("run_id", result.RunID),
		zap.Int("total_trades", result.TotalTrades),
		zap.Float64("win_rate", result.WinRate),
		zap.Float64("sharpe", result.Sharpe),
		zap.Float64("p_value", result.PValue),
		zap.Int("criteria_passed", result.CriteriaPassed),
		zap.String("verdict", string(result.Verdict)),
	)

	return result
}

func (h *Harness) strategyParams() string {
	params, err := h.cfg.MarshalYAMLString()
	if err != nil {
		return ""
	}

	return params
}
