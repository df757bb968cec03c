package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/polygon-io/client-go/rest/models"
	"github.com/rxtech-lab/gapflow/pkg/marketdata/provider"
	"github.com/rxtech-lab/gapflow/pkg/marketdata/writer"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"
)

// downloadAction fetches historical aggregates for one ticker and persists
// them as Parquet through the DuckDB writer.
func downloadAction(ctx context.Context, cmd *cli.Command) error {
	ticker := cmd.String("ticker")
	startDate := cmd.Timestamp("start")
	endDate := cmd.Timestamp("end")
	dataDir := cmd.String("data")
	multiplier := cmd.Int("multiplier")

	apiKey := os.Getenv("POLYGON_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("POLYGON_API_KEY environment variable is required")
	}

	p, err := provider.NewMarketDataProvider(provider.ProviderPolygon, apiKey)
	if err != nil {
		return fmt.Errorf("failed to create market data provider: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	outputPath := filepath.Join(dataDir, fmt.Sprintf("%s_%s_%s.parquet",
		ticker, startDate.Format("20060102"), endDate.Format("20060102")))
	p.ConfigWriter(writer.NewDuckDBWriter(outputPath))

	bar := progressbar.Default(100, fmt.Sprintf("Downloading %s", ticker))

	path, err := p.Download(ctx, ticker, startDate, endDate, int(multiplier), models.Minute,
		func(current float64, total float64, message string) {
			if total > 0 {
				_ = bar.Set(int(current / total * 100))
			}

			bar.Describe(message)
		})
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	_ = bar.Finish()

	log.Printf("Downloaded %s to %s", ticker, path)

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:  "download",
		Usage: "Download historical minute bars for the backtest harness",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "ticker",
				Aliases:  []string{"t"},
				Usage:    "Stock ticker symbol",
				Required: true,
			},
			&cli.TimestampFlag{
				Name:    "start",
				Aliases: []string{"s"},
				Usage:   "Start date in `YYYY-MM-DD` format",
				Config: cli.TimestampConfig{
					Layouts: []string{"2006-01-02"},
				},
				Required: true,
			},
			&cli.TimestampFlag{
				Name:    "end",
				Aliases: []string{"e"},
				Usage:   "End date in `YYYY-MM-DD` format. Defaults to today.",
				Value:   time.Now(),
				Config: cli.TimestampConfig{
					Layouts: []string{"2006-01-02"},
				},
			},
			&cli.IntFlag{
				Name:    "multiplier",
				Aliases: []string{"m"},
				Usage:   "Minute multiplier for the aggregate window",
				Value:   1,
			},
			&cli.StringFlag{
				Name:    "data",
				Aliases: []string{"d"},
				Usage:   "Path to the data output directory",
				Value:   "data",
			},
		},
		Action: downloadAction,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
