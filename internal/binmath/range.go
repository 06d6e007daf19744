package binmath

import (
	"errors"
	"fmt"
	"math"

	"github.com/dlmm-labs/rebalancer/internal/types"
)

// Error definitions for range construction. Invariant violations are fatal to
// the calculation; a broken range is never silently clamped into shape.
var (
	ErrInvalidWidthBounds = errors.New("range width bounds are invalid")
	ErrInvalidVolatility  = errors.New("volatility must not be negative")
	ErrRangeInvariant     = errors.New("active bin is not strictly inside the computed range")
	ErrSpanExceeded       = errors.New("computed range exceeds the maximum bin span")
)

// Volatility tier boundaries (annualized). Width interpolates linearly inside
// each tier.
const (
	narrowTierCeiling = 0.10
	mediumTierCeiling = 0.50
	wideTierCeiling   = 1.50

	narrowTierMaxWidth = 40
	mediumTierMaxWidth = 80
)

// RangeParams bounds the computed range geometry.
type RangeParams struct {
	MinWidth int32 // Narrowest allowed range in bins
	MaxWidth int32 // Widest allowed range in bins
	MaxSpan  int32 // Absolute protocol ceiling on upper-lower
}

// Validate checks the parameter set for internal consistency.
func (p RangeParams) Validate() error {
	if p.MinWidth < 2 || p.MaxWidth < p.MinWidth || p.MaxSpan < p.MaxWidth {
		return fmt.Errorf("%w: min=%d max=%d span=%d", ErrInvalidWidthBounds, p.MinWidth, p.MaxWidth, p.MaxSpan)
	}
	return nil
}

// RangeWidthForVolatility maps an annualized volatility to a total range
// width in bins. Width scales with volatility across three tiers
// (narrow/medium/wide) with linear interpolation inside each tier, clamped to
// [MinWidth, MaxWidth].
func RangeWidthForVolatility(volatility float64, p RangeParams) (int32, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if volatility < 0 || math.IsNaN(volatility) {
		return 0, fmt.Errorf("%w: %f", ErrInvalidVolatility, volatility)
	}

	minW := float64(p.MinWidth)
	maxW := float64(p.MaxWidth)

	var width float64
	switch {
	case volatility < narrowTierCeiling:
		width = lerp(minW, narrowTierMaxWidth, volatility/narrowTierCeiling)
	case volatility < mediumTierCeiling:
		t := (volatility - narrowTierCeiling) / (mediumTierCeiling - narrowTierCeiling)
		width = lerp(narrowTierMaxWidth, mediumTierMaxWidth, t)
	default:
		t := (volatility - mediumTierCeiling) / (wideTierCeiling - mediumTierCeiling)
		if t > 1 {
			t = 1
		}
		width = lerp(mediumTierMaxWidth, maxW, t)
	}

	if width < minW {
		width = minW
	}
	if width > maxW {
		width = maxW
	}
	return int32(math.Round(width)), nil
}

// ComputeRange builds a new bin range around the active bin, sized by
// volatility. When the interpolated width is odd, the extra bin goes to the
// upper side so the active bin stays strictly interior.
//
// The interior and max-span invariants are re-checked on the result; a
// violation is an error, not a fallback.
func ComputeRange(activeBin int32, volatility float64, p RangeParams) (types.BinRange, error) {
	width, err := RangeWidthForVolatility(volatility, p)
	if err != nil {
		return types.BinRange{}, err
	}

	lowerHalf := width / 2
	upperHalf := width - lowerHalf // Odd widths put the extra bin above

	r := types.BinRange{
		Lower: activeBin - lowerHalf,
		Upper: activeBin + upperHalf,
	}

	// The active bin on a boundary would leave the position out of range
	// the moment it is created.
	if !(r.Lower < activeBin && activeBin < r.Upper) {
		return types.BinRange{}, fmt.Errorf("%w: range=[%d,%d] active=%d", ErrRangeInvariant, r.Lower, r.Upper, activeBin)
	}
	if r.Width() > p.MaxSpan {
		return types.BinRange{}, fmt.Errorf("%w: width=%d span=%d", ErrSpanExceeded, r.Width(), p.MaxSpan)
	}

	return r, nil
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
