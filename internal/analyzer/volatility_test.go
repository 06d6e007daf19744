package analyzer

import (
	"math"
	"testing"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minuteSamples(prices ...float64) []types.PriceSample {
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	samples := make([]types.PriceSample, len(prices))
	for i, p := range prices {
		samples[i] = types.PriceSample{Price: p, Timestamp: base.Add(time.Duration(i) * time.Minute)}
	}
	return samples
}

func TestCalculateVolatility_ConstantPriceIsZero(t *testing.T) {
	volatility, err := CalculateVolatility(minuteSamples(100, 100, 100, 100), minutesPerYear)
	require.NoError(t, err)
	assert.Equal(t, 0.0, volatility)
}

func TestCalculateVolatility_KnownSeries(t *testing.T) {
	// Log returns are +ln(1.1) and -ln(1.1): mean 0, stddev ln(1.1).
	volatility, err := CalculateVolatility(minuteSamples(100, 110, 100), minutesPerYear)
	require.NoError(t, err)

	want := math.Log(1.1) * math.Sqrt(minutesPerYear)
	assert.InDelta(t, want, volatility, 1e-9)
}

func TestCalculateVolatility_SortsUnorderedSamples(t *testing.T) {
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	unordered := []types.PriceSample{
		{Price: 100, Timestamp: base.Add(2 * time.Minute)},
		{Price: 100, Timestamp: base},
		{Price: 110, Timestamp: base.Add(time.Minute)},
	}

	volatility, err := CalculateVolatility(unordered, minutesPerYear)
	require.NoError(t, err)

	want := math.Log(1.1) * math.Sqrt(minutesPerYear)
	assert.InDelta(t, want, volatility, 1e-9)
}

func TestCalculateVolatility_InsufficientData(t *testing.T) {
	_, err := CalculateVolatility(nil, minutesPerYear)
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = CalculateVolatility(minuteSamples(100), minutesPerYear)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestCalculateVolatility_SkipsNonPositivePrices(t *testing.T) {
	// The zero sample contributes no return; the rest behave as a clean series.
	volatility, err := CalculateVolatility(minuteSamples(100, 0, 100, 100), minutesPerYear)
	require.NoError(t, err)
	assert.Equal(t, 0.0, volatility)

	_, err = CalculateVolatility(minuteSamples(0, 0, 0), minutesPerYear)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestComputeVolatilityMetrics(t *testing.T) {
	samples := minuteSamples(100, 101, 100, 102, 101, 103, 102, 104, 103, 105)

	metrics, err := ComputeVolatilityMetrics("pool-1", samples, 24*time.Hour, 10)
	require.NoError(t, err)

	assert.Equal(t, "pool-1", metrics.PoolAddress)
	assert.Equal(t, 24*time.Hour, metrics.Period)
	assert.Equal(t, 10, metrics.SampleCount)
	assert.Greater(t, metrics.AnnualizedVolatility, 0.0)
	assert.Greater(t, metrics.StdDev, 0.0)
	assert.False(t, metrics.ComputedAt.IsZero())
}

func TestComputeVolatilityMetrics_BelowMinSamples(t *testing.T) {
	_, err := ComputeVolatilityMetrics("pool-1", minuteSamples(100, 101, 102), 24*time.Hour, 10)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestVolatilityOrZero(t *testing.T) {
	assert.Equal(t, 0.0, VolatilityOrZero(nil))
	assert.Equal(t, 0.0, VolatilityOrZero(minuteSamples(100)))
	assert.Greater(t, VolatilityOrZero(minuteSamples(100, 110, 100)), 0.0)
}

func TestAnnualizationFactorFromSpacing(t *testing.T) {
	// Hourly samples must annualize with 8760, not the minute default.
	base := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	hourly := []types.PriceSample{
		{Price: 100, Timestamp: base},
		{Price: 110, Timestamp: base.Add(time.Hour)},
		{Price: 100, Timestamp: base.Add(2 * time.Hour)},
	}

	volatility, err := CalculateVolatility(hourly, 365*24)
	require.NoError(t, err)

	fromMetrics, err := ComputeVolatilityMetrics("pool-1", hourly, 2*time.Hour, 2)
	require.NoError(t, err)
	assert.InDelta(t, volatility, fromMetrics.AnnualizedVolatility, 1e-9)
}
