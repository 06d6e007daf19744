package analyzer

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/types"
)

// ErrInsufficientData indicates that not enough price samples were provided
// for a statistically valid volatility figure.
var ErrInsufficientData = errors.New("insufficient price samples to calculate volatility")

// minutesPerYear is the annualization factor for minute-level sampling.
const minutesPerYear = 365 * 24 * 60

// CalculateVolatility calculates the annualized historical volatility from a series of price samples.
// It assumes the samples are sorted chronologically. If not, it sorts them first.
// It uses logarithmic returns and population standard deviation.
// The annualizationFactor should match the frequency of the data (e.g. 525600 for minute-level, 8760 for hourly).
func CalculateVolatility(samples []types.PriceSample, annualizationFactor float64) (float64, error) {
	volatility, _, _, err := logReturnStats(samples, annualizationFactor)
	return volatility, err
}

// ComputeVolatilityMetrics builds the full dispersion signal for a pool over
// the given window. Fails with ErrInsufficientData below minSamples; callers
// that only need a display fallback should use VolatilityOrZero instead.
func ComputeVolatilityMetrics(pool string, samples []types.PriceSample, window time.Duration, minSamples int) (types.VolatilityMetrics, error) {
	if len(samples) < minSamples {
		return types.VolatilityMetrics{}, ErrInsufficientData
	}

	factor := annualizationFactorFor(samples)
	volatility, mean, stdDev, err := logReturnStats(samples, factor)
	if err != nil {
		return types.VolatilityMetrics{}, err
	}

	return types.VolatilityMetrics{
		PoolAddress:          pool,
		Period:               window,
		AnnualizedVolatility: volatility,
		MeanReturn:           mean,
		StdDev:               stdDev,
		SampleCount:          len(samples),
		ComputedAt:           time.Now().UTC(),
	}, nil
}

// VolatilityOrZero returns the annualized volatility, or 0 when there are too
// few samples to compute one. Reserved for fallback display paths where a
// hard error is not useful.
func VolatilityOrZero(samples []types.PriceSample) float64 {
	volatility, _, _, err := logReturnStats(samples, annualizationFactorFor(samples))
	if err != nil {
		return 0
	}
	return volatility
}

// logReturnStats computes the annualized volatility plus the mean and
// population standard deviation of the log returns.
func logReturnStats(samples []types.PriceSample, annualizationFactor float64) (volatility, mean, stdDev float64, err error) {
	n := len(samples)
	if n < 2 {
		return 0, 0, 0, ErrInsufficientData // Need at least two points to calculate one return
	}

	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})

	logReturns := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		currentPrice := samples[i].Price
		previousPrice := samples[i-1].Price

		// Non-positive prices would break math.Log; skip the pair.
		if previousPrice <= 0 || currentPrice <= 0 {
			continue
		}

		logReturns = append(logReturns, math.Log(currentPrice/previousPrice))
	}

	numReturns := len(logReturns)
	if numReturns == 0 {
		return 0, 0, 0, ErrInsufficientData // All previous prices were <= 0
	}

	var sum float64
	for _, r := range logReturns {
		sum += r
	}
	mean = sum / float64(numReturns)

	var sumSqDiff float64
	for _, r := range logReturns {
		sumSqDiff += math.Pow(r-mean, 2)
	}

	// Population standard deviation (N, not N-1).
	variance := sumSqDiff / float64(numReturns)
	stdDev = math.Sqrt(variance)

	volatility = stdDev * math.Sqrt(annualizationFactor)
	return volatility, mean, stdDev, nil
}

// annualizationFactorFor derives the samples-per-year factor from the median
// spacing of the window. Falls back to minute cadence when the spacing is
// degenerate (unsorted duplicates, single sample).
func annualizationFactorFor(samples []types.PriceSample) float64 {
	if len(samples) < 2 {
		return minutesPerYear
	}

	gaps := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		gap := samples[i].Timestamp.Sub(samples[i-1].Timestamp).Seconds()
		if gap > 0 {
			gaps = append(gaps, gap)
		}
	}
	if len(gaps) == 0 {
		return minutesPerYear
	}

	sort.Float64s(gaps)
	median := gaps[len(gaps)/2]

	secondsPerYear := 365.0 * 24 * 3600
	return secondsPerYear / median
}
