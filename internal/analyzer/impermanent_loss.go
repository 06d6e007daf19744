package analyzer

import (
	"errors"
	"fmt"
	"math"

	"github.com/dlmm-labs/rebalancer/internal/types"
)

var (
	ErrInvalidPrice  = errors.New("price must be positive")
	ErrInvalidAmount = errors.New("token amount must be positive")
)

// ImpermanentLoss returns the classic constant-product IL for a price move
// from p0 to p1, as a percentage. The result is 0 at unchanged price and
// strictly negative for any divergence.
//
//	IL = 2*sqrt(r) / (1 + r) - 1, r = p1/p0
func ImpermanentLoss(p0, p1 float64) (float64, error) {
	if p0 <= 0 || p1 <= 0 {
		return 0, fmt.Errorf("%w: p0=%f p1=%f", ErrInvalidPrice, p0, p1)
	}

	ratio := p1 / p0
	il := 2*math.Sqrt(ratio)/(1+ratio) - 1
	return il * 100, nil
}

// CalculateDetailedIL compares holding the entry amounts outright against
// providing them as constant-product liquidity, fees included.
//
// HODL value at p1 is x0*p1 + y0. The LP holdings rebalance along the curve
// k = x*y: x(p1) = sqrt(k/p1), y(p1) = sqrt(k*p1).
func CalculateDetailedIL(p0, p1, x0, y0, feesEarned float64) (types.ILBreakdown, error) {
	if p0 <= 0 || p1 <= 0 {
		return types.ILBreakdown{}, fmt.Errorf("%w: p0=%f p1=%f", ErrInvalidPrice, p0, p1)
	}
	if x0 <= 0 || y0 <= 0 {
		return types.ILBreakdown{}, fmt.Errorf("%w: x0=%f y0=%f", ErrInvalidAmount, x0, y0)
	}
	if feesEarned < 0 {
		return types.ILBreakdown{}, fmt.Errorf("%w: fees=%f", ErrInvalidAmount, feesEarned)
	}

	k := x0 * y0
	x1 := math.Sqrt(k / p1)
	y1 := math.Sqrt(k * p1)

	hodlValue := x0*p1 + y0
	lpValueNoFees := x1*p1 + y1
	lpValue := lpValueNoFees + feesEarned

	ilPercent := (lpValueNoFees - hodlValue) / hodlValue * 100

	return types.ILBreakdown{
		EntryPrice:      p0,
		CurrentPrice:    p1,
		HodlValue:       hodlValue,
		LPValue:         lpValue,
		FeesEarned:      feesEarned,
		ILPercent:       ilPercent,
		AbsoluteLossUSD: lpValue - hodlValue,
	}, nil
}
