/*

This file contains the per-position rebalance decision logic: whether a
position needs to move, how urgent the move is, and why.

The priority formula here is the single canonical one. Both the immediate path
and the eco-batch path score with it; the eco admission floor only gates
automatic queueing, never a manual rebalance request.

*/

package engine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/binmath"
	"github.com/dlmm-labs/rebalancer/internal/types"
)

var (
	ErrInvalidThreshold = errors.New("boundary threshold must be in (0, 100)")
	ErrZeroWidthRange   = errors.New("position range has zero width")
)

// Priority score weights. Out-of-range severity dominates, boundary proximity
// is next, impermanent loss tops it off. The total is clamped to [0, 100].
const (
	outOfRangeScore      = 50.0
	boundaryScoreCeiling = 30.0
	ilScoreCeiling       = 20.0
	ilSaturationPct      = 10.0 // IL magnitude (percent) at which the IL component maxes out
	maxPriority          = 100.0
)

// Evaluator applies the rebalance-need rules to position/pool snapshots.
type Evaluator struct {
	thresholdPct float64
	rangeParams  binmath.RangeParams
}

// NewEvaluator constructs an Evaluator. thresholdPct is the boundary
// early-warning distance as a percentage of total range width.
func NewEvaluator(thresholdPct float64, rangeParams binmath.RangeParams) (*Evaluator, error) {
	if thresholdPct <= 0 || thresholdPct >= 100 {
		return nil, fmt.Errorf("%w: %f", ErrInvalidThreshold, thresholdPct)
	}
	if err := rangeParams.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{thresholdPct: thresholdPct, rangeParams: rangeParams}, nil
}

// ShouldRebalance reports whether the position needs to move: either the
// active bin is outside the range, or the distance from the active bin to the
// nearest boundary has shrunk below the threshold percentage of total width.
func (e *Evaluator) ShouldRebalance(pos types.Position, pool types.PoolSnapshot) (bool, error) {
	r := pos.Range()
	if r.Width() <= 0 {
		return false, fmt.Errorf("%w: [%d,%d]", ErrZeroWidthRange, r.Lower, r.Upper)
	}

	if !r.Contains(pool.ActiveBin) {
		return true, nil
	}

	distancePct := boundaryDistancePct(r, pool.ActiveBin)
	return distancePct < e.thresholdPct, nil
}

// Reason classifies the rebalance trigger for audit trails and user messages.
func (e *Evaluator) Reason(pos types.Position, pool types.PoolSnapshot) types.RebalanceReason {
	r := pos.Range()
	switch {
	case pool.ActiveBin < r.Lower:
		return types.ReasonPriceBelowRange
	case pool.ActiveBin > r.Upper:
		return types.ReasonPriceAboveRange
	}
	if r.Width() > 0 && boundaryDistancePct(r, pool.ActiveBin) < e.thresholdPct {
		return types.ReasonApproachingBoundary
	}
	return types.ReasonOptimization
}

// Priority scores the urgency of rebalancing on a 0-100 scale:
//
//	+50                       if the active bin is out of range
//	+up to 30                 scaled by how close the active bin sits to a boundary
//	+up to 20                 scaled by min(|IL%|/10, 1)
//
// ilPct is the position's current impermanent loss percentage (<= 0 from the
// analyzer; the magnitude is what scores).
func (e *Evaluator) Priority(pos types.Position, pool types.PoolSnapshot, ilPct float64) float64 {
	r := pos.Range()
	if r.Width() <= 0 {
		return 0
	}

	score := 0.0
	if !r.Contains(pool.ActiveBin) {
		score += outOfRangeScore
		score += boundaryScoreCeiling // Distance to the nearest boundary is zero or negative
	} else {
		// Normalized distance: 0 at a boundary, 1 at dead center.
		normalized := boundaryDistancePct(r, pool.ActiveBin) / 50.0
		if normalized > 1 {
			normalized = 1
		}
		score += boundaryScoreCeiling * (1 - normalized)
	}

	ilMagnitude := math.Abs(ilPct)
	score += ilScoreCeiling * math.Min(ilMagnitude/ilSaturationPct, 1)

	return math.Min(score, maxPriority)
}

// BuildProposal computes the replacement range for the position and wraps the
// decision into a proposal. Volatility drives the new width.
func (e *Evaluator) BuildProposal(pos types.Position, pool types.PoolSnapshot, volatility, ilPct float64) (types.RebalanceProposal, error) {
	newRange, err := binmath.ComputeRange(pool.ActiveBin, volatility, e.rangeParams)
	if err != nil {
		return types.RebalanceProposal{}, fmt.Errorf("computing replacement range for %s: %w", pos.Address, err)
	}

	return types.RebalanceProposal{
		PositionAddress: pos.Address,
		PoolAddress:     pos.PoolAddress,
		Owner:           pos.Owner,
		Reason:          e.Reason(pos, pool),
		OldRange:        pos.Range(),
		NewRange:        newRange,
		Priority:        e.Priority(pos, pool, ilPct),
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// boundaryDistancePct returns the distance from the active bin to the nearest
// range boundary as a percentage of total range width. In range this lands in
// [0, 50]; out of range it is negative.
func boundaryDistancePct(r types.BinRange, activeBin int32) float64 {
	toLower := float64(activeBin - r.Lower)
	toUpper := float64(r.Upper - activeBin)
	return math.Min(toLower, toUpper) / float64(r.Width()) * 100
}
