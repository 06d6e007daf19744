/*

This file contains the bin <-> price conversions for the DLMM's logarithmic
bin schema:

	price(bin) = (1 + binStep/10000) ^ (bin - ReferenceBin)

*/

package binmath

import (
	"errors"
	"fmt"
	"math"
)

// ReferenceBin is the bin index whose price is exactly 1.
const ReferenceBin int32 = 1 << 23

// Exponent magnitude past which math.Pow is computed via exp(e*ln(base)) to
// avoid intermediate overflow.
const powExponentLimit = 10000

var (
	ErrInvalidBinStep = errors.New("bin step must be positive")
	ErrInvalidPrice   = errors.New("price must be positive")
)

// PriceFromBin converts a bin index into its price.
func PriceFromBin(bin int32, binStep uint16) (float64, error) {
	if binStep == 0 {
		return 0, ErrInvalidBinStep
	}

	base := 1 + float64(binStep)/10000
	exponent := float64(bin - ReferenceBin)

	if math.Abs(exponent) > powExponentLimit {
		return math.Exp(exponent * math.Log(base)), nil
	}
	return math.Pow(base, exponent), nil
}

// BinFromPrice converts a price into the bin index whose interval contains it.
func BinFromPrice(price float64, binStep uint16) (int32, error) {
	if binStep == 0 {
		return 0, ErrInvalidBinStep
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: %f", ErrInvalidPrice, price)
	}

	base := 1 + float64(binStep)/10000
	offset := math.Floor(math.Log(price) / math.Log(base))
	return int32(offset) + ReferenceBin, nil
}
