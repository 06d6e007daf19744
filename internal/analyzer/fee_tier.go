package analyzer

import (
	"errors"
	"fmt"

	"github.com/dlmm-labs/rebalancer/internal/types"
)

var (
	ErrInvalidVolatility = errors.New("volatility must not be negative")
	ErrInvalidTVL        = errors.New("TVL must be positive")
)

// The protocol's discrete fee tiers, lowest to highest.
var feeTiers = []types.FeeTier{
	{Name: "stable", FeeBps: 5},
	{Name: "low", FeeBps: 30},
	{Name: "medium", FeeBps: 100},
	{Name: "high", FeeBps: 300},
}

// Annualized-volatility thresholds marking the inclusive lower bound of each
// tier above stable. A volatility sitting exactly on a threshold maps to the
// higher-fee tier.
var feeTierThresholds = []float64{0.05, 0.30, 0.80}

// OptimalFeeTier maps an annualized volatility to one of the four discrete
// fee tiers.
func OptimalFeeTier(annualizedVolatility float64) (types.FeeTier, error) {
	if annualizedVolatility < 0 {
		return types.FeeTier{}, fmt.Errorf("%w: %f", ErrInvalidVolatility, annualizedVolatility)
	}

	tier := feeTiers[0]
	for i, threshold := range feeTierThresholds {
		if annualizedVolatility >= threshold {
			tier = feeTiers[i+1]
		}
	}
	return tier, nil
}

// EstimateFeeAPR estimates the fee APR of a pool as a percentage:
// (annualizedVolume * feeBps/10000) / TVL * 100.
func EstimateFeeAPR(annualizedVolume, tvl float64, feeBps uint16) (float64, error) {
	if tvl <= 0 {
		return 0, fmt.Errorf("%w: %f", ErrInvalidTVL, tvl)
	}
	if annualizedVolume < 0 {
		return 0, fmt.Errorf("annualized volume must not be negative: %f", annualizedVolume)
	}

	annualFees := annualizedVolume * float64(feeBps) / 10000
	return annualFees / tvl * 100, nil
}
