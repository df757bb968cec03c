package validation

import (
	"math"
	"math/rand"
	"sort"

	"github.com/rxtech-lab/gapflow/internal/types"
)

// annualizationFactor scales per-trade ratios to annual terms, assuming on
// average one trade per trading day.
const annualizationFactor = 252

// sortinoFallbackDeviation stands in for the downside deviation when no
// losing trades exist, so an all-winning sample still yields a finite ratio.
const sortinoFallbackDeviation = 0.01

// Returns extracts the per-share return series the statistics operate on.
func Returns(trades []types.TradeRecord) []float64 {
	out := make([]float64, len(trades))
	for i, t := range trades {
		out[i] = t.PnLPerShare()
	}

	return out
}

// WinRate returns the percentage of strictly positive returns.
func WinRate(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	wins := 0

	for _, r := range returns {
		if r > 0 {
			wins++
		}
	}

	return float64(wins) / float64(len(returns)) * 100
}

// Mean returns the arithmetic mean.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// StdDev returns the sample standard deviation (n-1 denominator).
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	mean := Mean(values)
	sumSq := 0.0

	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}

	return math.Sqrt(sumSq / float64(len(values)-1))
}

// Sharpe returns the annualized Sharpe ratio of the return series. Zero when
// the deviation is zero.
func Sharpe(returns []float64) float64 {
	std := StdDev(returns)
	if std == 0 {
		return 0
	}

	return Mean(returns) / std * math.Sqrt(annualizationFactor)
}

// Sortino returns the annualized Sortino ratio, penalizing only downside
// deviation.
func Sortino(returns []float64) float64 {
	var downside []float64

	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}

	downsideStd := sortinoFallbackDeviation
	if len(downside) >= 2 {
		downsideStd = StdDev(downside)
	}

	if downsideStd == 0 {
		return 0
	}

	return Mean(returns) / downsideStd * math.Sqrt(annualizationFactor)
}

// ProfitFactor returns gross wins over gross losses. Zero when there are no
// losses, matching the convention that an untested downside proves nothing.
func ProfitFactor(returns []float64) float64 {
	grossWin := 0.0
	grossLoss := 0.0

	for _, r := range returns {
		if r > 0 {
			grossWin += r
		} else if r < 0 {
			grossLoss += r
		}
	}

	if grossLoss == 0 {
		return 0
	}

	return math.Abs(grossWin / grossLoss)
}

// MaxDrawdown returns the most negative excursion of the cumulative return
// series below its running peak. Always <= 0.
func MaxDrawdown(returns []float64) float64 {
	cumulative := 0.0
	peak := 0.0
	maxDD := 0.0

	for _, r := range returns {
		cumulative += r
		if cumulative > peak {
			peak = cumulative
		}

		if dd := cumulative - peak; dd < maxDD {
			maxDD = dd
		}
	}

	return maxDD
}

// TTestPValue returns the two-sided p-value of a one-sample t-test of the
// mean against zero. Returns 1 when the test is undefined (n < 2 or zero
// variance).
func TTestPValue(returns []float64) float64 {
	n := len(returns)
	if n < 2 {
		return 1
	}

	std := StdDev(returns)
	if std == 0 {
		return 1
	}

	t := Mean(returns) / (std / math.Sqrt(float64(n)))
	df := float64(n - 1)

	// Two-sided p-value from the Student's t CDF via the regularized
	// incomplete beta function.
	x := df / (df + t*t)

	return regularizedIncompleteBeta(df/2, 0.5, x)
}

// regularizedIncompleteBeta computes I_x(a, b) using the continued fraction
// expansion (Lentz's method).
func regularizedIncompleteBeta(a, b, x float64) float64 {
	if x <= 0 {
		return 0
	}

	if x >= 1 {
		return 1
	}

	lnBeta := lgamma(a+b) - lgamma(a) - lgamma(b)
	front := math.Exp(math.Log(x)*a+math.Log(1-x)*b+lnBeta) / a

	// The continued fraction converges fast for x < (a+1)/(a+b+2); use the
	// symmetry I_x(a,b) = 1 - I_{1-x}(b,a) otherwise.
	if x >= (a+1)/(a+b+2) {
		return 1 - regularizedIncompleteBeta(b, a, 1-x)
	}

	const (
		maxIterations = 200
		epsilon       = 1e-14
		tiny          = 1e-30
	)

	c := 1.0
	d := 1 - (a+b)*x/(a+1)

	if math.Abs(d) < tiny {
		d = tiny
	}

	d = 1 / d
	result := d

	for i := 1; i <= maxIterations; i++ {
		m := float64(i)

		// Even step.
		numerator := m * (b - m) * x / ((a + 2*m - 1) * (a + 2*m))
		d = 1 + numerator*d

		if math.Abs(d) < tiny {
			d = tiny
		}

		d = 1 / d
		c = 1 + numerator/c

		if math.Abs(c) < tiny {
			c = tiny
		}

		result *= d * c

		// Odd step.
		numerator = -(a + m) * (a + b + m) * x / ((a + 2*m) * (a + 2*m + 1))
		d = 1 + numerator*d

		if math.Abs(d) < tiny {
			d = tiny
		}

		d = 1 / d
		c = 1 + numerator/c

		if math.Abs(c) < tiny {
			c = tiny
		}

		delta := d * c
		result *= delta

		if math.Abs(delta-1) < epsilon {
			break
		}
	}

	return front * result
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)

	return v
}

// Bootstrap resamples the return series with replacement and returns 95%
// confidence intervals for win rate and Sharpe. The RNG is seeded by the
// caller so repeated runs produce identical intervals.
func Bootstrap(returns []float64, resamples int, seed int64) (winRateCI, sharpeCI types.BootstrapCI) {
	if len(returns) == 0 || resamples <= 0 {
		return types.BootstrapCI{}, types.BootstrapCI{}
	}

	rng := rand.New(rand.NewSource(seed))
	winRates := make([]float64, resamples)
	sharpes := make([]float64, resamples)
	sample := make([]float64, len(returns))

	for i := 0; i < resamples; i++ {
		for j := range sample {
			sample[j] = returns[rng.Intn(len(returns))]
		}

		winRates[i] = WinRate(sample)
		sharpes[i] = Sharpe(sample)
	}

	winRateCI = types.BootstrapCI{Low: percentile(winRates, 2.5), High: percentile(winRates, 97.5)}
	sharpeCI = types.BootstrapCI{Low: percentile(sharpes, 2.5), High: percentile(sharpes, 97.5)}

	return winRateCI, sharpeCI
}

// percentile returns the p-th percentile with linear interpolation between
// closest ranks. p is in [0, 100]. values is copied before sorting.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))

	if lower == upper {
		return sorted[lower]
	}

	frac := rank - float64(lower)

	return sorted[lower]*(1-frac) + sorted[upper]*frac
}
