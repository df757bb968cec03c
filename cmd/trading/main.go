package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rxtech-lab/gapflow/internal/config"
	"github.com/rxtech-lab/gapflow/internal/engine"
	"github.com/rxtech-lab/gapflow/internal/execution"
	"github.com/rxtech-lab/gapflow/internal/execution/commission_fee"
	"github.com/rxtech-lab/gapflow/internal/ledger"
	"github.com/rxtech-lab/gapflow/internal/logger"
	"github.com/rxtech-lab/gapflow/internal/types"
	"github.com/rxtech-lab/gapflow/pkg/marketdata/provider"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v2"
)

// tradingAction runs one live session: scan the pre-open snapshot, stream
// bars until the session close, and append closed trades to the ledger.
func tradingAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"))
	if err != nil {
		return err
	}

	appLogger, err := logger.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = appLogger.Sync() }()

	if !cmd.Bool("paper") && !cmd.Bool("skip-validation-gate") {
		if err := checkValidationGate(cmd.String("validation-result")); err != nil {
			return err
		}
	}

	snapshot, err := loadSnapshot(cmd.String("snapshot"))
	if err != nil {
		return err
	}

	apiKey := os.Getenv("POLYGON_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("POLYGON_API_KEY environment variable is required")
	}

	marketDataProvider, err := provider.NewMarketDataProvider(provider.ProviderPolygon, apiKey)
	if err != nil {
		return fmt.Errorf("failed to create market data provider: %w", err)
	}

	adapter, err := buildAdapter(cmd.Bool("paper"), cfg, appLogger)
	if err != nil {
		return err
	}

	eng := engine.NewEngine(cfg, appLogger)
	eng.SetMarketDataProvider(marketDataProvider)
	eng.SetExecutionAdapter(adapter)
	eng.SetSnapshot(snapshot)

	if path := cmd.String("ledger"); path != "" {
		store, err := ledger.New(path, appLogger)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		eng.SetLedger(store)
	}

	onStart := engine.OnSessionStartCallback(func(sessionDate time.Time, candidates []types.Candidate) error {
		symbols := make([]string, 0, len(candidates))
		for _, c := range candidates {
			symbols = append(symbols, c.Symbol)
		}

		log.Printf("Session %s watching %v", sessionDate.Format("2006-01-02"), symbols)

		return nil
	})
	onReport := engine.OnReportCallback(func(report types.ExecutionReport) {
		log.Printf("Report %s %s %s qty=%.0f price=%.2f",
			report.Symbol, report.OrderID, report.Status, report.FilledQuantity, report.FillPrice)
	})
	onHalt := engine.OnHaltCallback(func() {
		log.Printf("Risk halt: flattening all positions")
	})
	onError := engine.OnErrorCallback(func(err error) {
		log.Printf("Stream error: %v", err)
	})
	onEnd := engine.OnSessionEndCallback(func(trades []types.TradeRecord, err error) {
		log.Printf("Session ended with %d closed trades (err=%v)", len(trades), err)
	})

	callbacks := engine.Callbacks{
		OnSessionStart: &onStart,
		OnReport:       &onReport,
		OnHalt:         &onHalt,
		OnError:        &onError,
		OnSessionEnd:   &onEnd,
	}

	return eng.Run(ctx, callbacks)
}

// checkValidationGate refuses to trade live unless the latest validation
// artifact carries a VALIDATED verdict.
func checkValidationGate(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read validation result %q (run the backtest first or pass --skip-validation-gate): %w", path, err)
	}

	var result types.ValidationResult
	if err := yaml.Unmarshal(content, &result); err != nil {
		return fmt.Errorf("cannot parse validation result %q: %w", path, err)
	}

	if !result.Validated() {
		return fmt.Errorf("strategy is not validated (verdict %s), refusing to trade live", result.Verdict)
	}

	return nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	return config.Parse(content)
}

func loadSnapshot(path string) (types.PreSessionSnapshot, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return types.PreSessionSnapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snapshot types.PreSessionSnapshot
	if err := yaml.Unmarshal(content, &snapshot); err != nil {
		return types.PreSessionSnapshot{}, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	return snapshot, nil
}

func buildAdapter(paper bool, cfg config.Config, appLogger *logger.Logger) (execution.Adapter, error) {
	if paper {
		fee := commission_fee.GetCommissionFeeHandler(commission_fee.Broker(cfg.Execution.Broker))

		return execution.NewSimulatedAdapter(cfg.Execution, fee, appLogger), nil
	}

	binanceKey := os.Getenv("BINANCE_API_KEY")
	binanceSecret := os.Getenv("BINANCE_SECRET_KEY")

	if binanceKey == "" || binanceSecret == "" {
		return nil, fmt.Errorf("BINANCE_API_KEY and BINANCE_SECRET_KEY environment variables are required for live trading")
	}

	return execution.NewBinanceAdapter(execution.BinanceAdapterConfig{
		APIKey:     binanceKey,
		SecretKey:  binanceSecret,
		UseTestnet: os.Getenv("BINANCE_USE_TESTNET") == "true",
	}, appLogger), nil
}

func main() {
	cmd := &cli.Command{
		Name:  "trading",
		Usage: "Run one live or paper trading session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "snapshot",
				Aliases:  []string{"s"},
				Usage:    "Path to the pre-open snapshot YAML",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the session configuration YAML. Defaults apply when omitted.",
			},
			&cli.StringFlag{
				Name:    "ledger",
				Aliases: []string{"l"},
				Usage:   "Path to the trade ledger DuckDB file. Omit to skip persistence.",
			},
			&cli.StringFlag{
				Name:  "validation-result",
				Usage: "Path to the validation result YAML checked before live trading",
				Value: "validation_result.yaml",
			},
			&cli.BoolFlag{
				Name:  "paper",
				Usage: "Fill against the simulated adapter instead of the live broker",
			},
			&cli.BoolFlag{
				Name:  "skip-validation-gate",
				Usage: "Trade without a VALIDATED result artifact",
			},
		},
		Action: tradingAction,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
