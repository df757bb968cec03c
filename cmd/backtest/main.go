package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/gapflow/internal/config"
	"github.com/rxtech-lab/gapflow/internal/ledger"
	"github.com/rxtech-lab/gapflow/internal/logger"
	"github.com/rxtech-lab/gapflow/internal/types"
	"github.com/rxtech-lab/gapflow/internal/validation"
	"github.com/rxtech-lab/gapflow/pkg/errors"
	"github.com/rxtech-lab/gapflow/pkg/marketdata/reader"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"
)

// backtestAction replays a bar archive through the validation harness and
// writes the gated result artifact.
func backtestAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"))
	if err != nil {
		return err
	}

	appLogger, err := logger.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = appLogger.Sync() }()

	source, err := reader.NewBarSource(":memory:", appLogger)
	if err != nil {
		return err
	}
	defer func() { _ = source.Close() }()

	if err := source.Initialize(cmd.String("data")); err != nil {
		return err
	}

	var bars []types.Bar

	for bar, readErr := range source.ReadAll(optional.None[time.Time](), optional.None[time.Time]()) {
		if readErr != nil {
			return readErr
		}

		bars = append(bars, bar)
	}

	sessions, err := validation.BuildSessions(bars, cfg.Session)
	if err != nil {
		return err
	}

	var store *ledger.Ledger

	if path := cmd.String("ledger"); path != "" {
		store, err = ledger.New(path, appLogger)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
	}

	harness := validation.NewHarness(cfg, store, appLogger)

	bar := progressbar.Default(int64(len(bars)), "Replaying sessions")
	harness.SetProgress(func(done, total int) {
		_ = bar.Set(done)
	})

	result, err := harness.Run(ctx, sessions)
	if err != nil {
		return err
	}

	_ = bar.Finish()

	if out := cmd.String("output"); out != "" {
		if err := types.WriteValidationResult(out, *result); err != nil {
			return err
		}

		log.Printf("Result written to %s", out)
	}

	printSummary(*result)

	// A short sample is an error exit so scripted runs never mistake it for
	// a completed validation.
	if result.Verdict == types.VerdictInsufficientSample {
		return errors.Newf(errors.ErrCodeInsufficientSample,
			"only %d trades closed, %d required for a verdict",
			result.TotalTrades, cfg.Validation.MinSampleSize)
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

func printSummary(result types.ValidationResult) {
	fmt.Printf("\nRun %s (engine %s)\n", result.RunID, result.EngineVersion)
	fmt.Printf("Trades: %d  Win rate: %.1f%%  Sharpe: %.2f  Profit factor: %.2f  p-value: %.4f\n",
		result.TotalTrades, result.WinRate, result.Sharpe, result.ProfitFactor, result.PValue)

	for _, c := range result.Criteria {
		status := "FAIL"
		if c.Passed {
			status = "PASS"
		}

		fmt.Printf("  [%s] %-14s value=%.4f threshold=%.4f\n", status, c.Name, c.Value, c.Threshold)
	}

	fmt.Printf("Verdict: %s (%d of %d criteria required)\n",
		result.Verdict, result.CriteriaPassed, result.CriteriaRequired)
}

func main() {
	cmd := &cli.Command{
		Name:  "backtest",
		Usage: "Replay a historical bar archive and validate the strategy",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "data",
				Aliases:  []string{"d"},
				Usage:    "Path to the Parquet bar archive",
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
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Path for the validation result YAML",
				Value:   "validation_result.yaml",
			},
		},
		Action: backtestAction,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
