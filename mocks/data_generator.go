package mocks

import (
	"math"
	"math/rand"
	"time"

	"github.com/rxtech-lab/gapflow/internal/types"
)

// DataGenerator generates realistic bar series for testing and benchmarking.
type DataGenerator struct {
	rng *rand.Rand
}

// NewDataGenerator creates a new DataGenerator with the given seed.
// Use a fixed seed for reproducible results in tests.
func NewDataGenerator(seed int64) *DataGenerator {
	return &DataGenerator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

// GeneratorConfig configures how bars are generated.
type GeneratorConfig struct {
	// Symbol is the trading symbol (e.g., "AAPL", "SPY")
	Symbol string
	// StartTime is the beginning of the series
	StartTime time.Time
	// Interval is the duration between bars
	Interval time.Duration
	// Count is the number of bars to generate
	Count int
	// InitialPrice is the starting price
	InitialPrice float64
	// Volatility controls price movement per bar (0.002 = 0.2%)
	Volatility float64
	// Trend is the drift factor (-0.01 to 0.01 for bearish to bullish)
	Trend float64
	// VolumeBase is the average volume per bar
	VolumeBase float64
	// VolumeVariance is the variance in volume (0.0 to 1.0)
	VolumeVariance float64
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() GeneratorConfig {
	return GeneratorConfig{
		Symbol:         "TEST",
		StartTime:      time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC),
		Interval:       5 * time.Minute,
		Count:          78,
		InitialPrice:   100.0,
		Volatility:     0.002,
		Trend:          0.0,
		VolumeBase:     10000,
		VolumeVariance: 0.3,
	}
}

// Generate creates a bar series following geometric Brownian motion.
func (g *DataGenerator) Generate(config GeneratorConfig) []types.Bar {
	bars := make([]types.Bar, config.Count)
	currentPrice := config.InitialPrice
	currentTime := config.StartTime

	for i := 0; i < config.Count; i++ {
		open := currentPrice

		// Box-Muller transform for a normal draw.
		u1 := g.rng.Float64()
		u2 := g.rng.Float64()
		z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)

		priceChange := config.Volatility * z
		drift := config.Trend / float64(config.Count)

		cls := open * (1 + priceChange + drift)
		if cls <= 0 {
			cls = open * 0.99
		}

		highExtension := math.Abs(g.rng.Float64() * config.Volatility * open * 0.5)
		lowExtension := math.Abs(g.rng.Float64() * config.Volatility * open * 0.5)

		high := math.Max(open, cls) + highExtension
		low := math.Min(open, cls) - lowExtension

		if low <= 0 {
			low = math.Min(open, cls) * 0.99
		}

		volumeVariation := 1.0 + (g.rng.Float64()*2-1)*config.VolumeVariance
		volume := config.VolumeBase * volumeVariation

		if volume < 0 {
			volume = config.VolumeBase * 0.1
		}

		bars[i] = types.Bar{
			Symbol:        config.Symbol,
			IntervalStart: currentTime,
			Open:          roundToDecimals(open, 4),
			High:          roundToDecimals(high, 4),
			Low:           roundToDecimals(low, 4),
			Close:         roundToDecimals(cls, 4),
			Volume:        roundToDecimals(volume, 2),
		}

		currentPrice = cls
		currentTime = currentTime.Add(config.Interval)
	}

	return bars
}

// GapSessionConfig configures a synthetic gap-and-hold session.
type GapSessionConfig struct {
	// Generator settings for the intraday bars after the gapped open.
	Bars GeneratorConfig
	// ReferenceClose is the prior session's close.
	ReferenceClose float64
	// GapPct is the overnight gap in percent applied to ReferenceClose.
	GapPct float64
	// PreSessionVolume reported in the snapshot.
	PreSessionVolume float64
}

// GenerateGapSession produces the pre-open snapshot and intraday bars for one
// symbol that gapped up overnight. The bar series starts at the gapped price.
func (g *DataGenerator) GenerateGapSession(config GapSessionConfig) (types.SymbolSnapshot, []types.Bar) {
	gapped := config.ReferenceClose * (1 + config.GapPct/100)

	barConfig := config.Bars
	barConfig.InitialPrice = gapped

	snapshot := types.SymbolSnapshot{
		Symbol:           barConfig.Symbol,
		ReferenceClose:   config.ReferenceClose,
		PreSessionPrice:  gapped,
		PreSessionVolume: config.PreSessionVolume,
		CatalystPresent:  true,
	}

	return snapshot, g.Generate(barConfig)
}

// GenerateMultiSymbol generates bars for multiple symbols with slightly
// varied starting prices and volatility.
func (g *DataGenerator) GenerateMultiSymbol(symbols []string, baseConfig GeneratorConfig) []types.Bar {
	var allBars []types.Bar

	for _, symbol := range symbols {
		config := baseConfig
		config.Symbol = symbol
		config.InitialPrice = baseConfig.InitialPrice * (0.8 + g.rng.Float64()*0.4)
		config.Volatility = baseConfig.Volatility * (0.8 + g.rng.Float64()*0.4)

		allBars = append(allBars, g.Generate(config)...)
	}

	return allBars
}

// roundToDecimals rounds a float64 to the specified number of decimal places.
func roundToDecimals(val float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))

	return math.Round(val*pow) / pow
}
