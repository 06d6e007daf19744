/*

This file contains the types describing DLMM positions, pool snapshots, and the
rebalance proposals the decision engine produces for them.

*/

package types

import "time"

// Position is a concentrated-liquidity position owned by a user's wallet.
// The engine never mutates bin bounds directly; it only proposes new ones.
// Bounds change only through a successful on-chain execution.
type Position struct {
	Address     string    `json:"address"`
	PoolAddress string    `json:"pool_address"`
	Owner       string    `json:"owner"`
	LowerBin    int32     `json:"lower_bin"`
	UpperBin    int32     `json:"upper_bin"`
	LiquidityX  float64   `json:"liquidity_x"` // Token X amount deposited in the range
	LiquidityY  float64   `json:"liquidity_y"` // Token Y amount deposited in the range
	FeeX        float64   `json:"fee_x"`       // Unclaimed token X fees
	FeeY        float64   `json:"fee_y"`       // Unclaimed token Y fees
	CreatedAt   time.Time `json:"created_at"`
}

// Range returns the position's current bin range.
func (p Position) Range() BinRange {
	return BinRange{Lower: p.LowerBin, Upper: p.UpperBin}
}

// PoolSnapshot is a point-in-time view of a DLMM pool, refreshed every
// monitoring cycle. Read-only input to range math; staleness is bounded by the
// refresh interval, not by locking.
type PoolSnapshot struct {
	Address        string    `json:"address"`
	ActiveBin      int32     `json:"active_bin"`
	BinStep        uint16    `json:"bin_step"` // In basis points (e.g. 25 = 0.25% per bin)
	CurrentPrice   float64   `json:"current_price"`
	TokenXDecimals uint8     `json:"token_x_decimals"`
	TokenYDecimals uint8     `json:"token_y_decimals"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// BinRange is a [lower, upper] bin interval covered by a position.
type BinRange struct {
	Lower int32 `json:"lower"`
	Upper int32 `json:"upper"`
}

// Width returns the number of bins the range spans.
func (r BinRange) Width() int32 {
	return r.Upper - r.Lower
}

// Contains reports whether the bin lies inside the range, boundaries included.
func (r BinRange) Contains(bin int32) bool {
	return bin >= r.Lower && bin <= r.Upper
}

// RebalanceReason classifies why the decision engine wants to move a position.
// Used for audit trails and user-facing messages; deterministic for identical
// inputs.
type RebalanceReason string

const (
	ReasonPriceBelowRange     RebalanceReason = "price below range"
	ReasonPriceAboveRange     RebalanceReason = "price above range"
	ReasonApproachingBoundary RebalanceReason = "approaching boundary"
	ReasonOptimization        RebalanceReason = "position optimization"
)

// RebalanceProposal is the ephemeral output of the decision engine. It is
// consumed either by the eco-batch scheduler or handed directly to the
// approval queue on the immediate path.
type RebalanceProposal struct {
	PositionAddress string          `json:"position_address"`
	PoolAddress     string          `json:"pool_address"`
	Owner           string          `json:"owner"`
	Reason          RebalanceReason `json:"reason"`
	OldRange        BinRange        `json:"old_range"`
	NewRange        BinRange        `json:"new_range"`
	Priority        float64         `json:"priority"` // 0-100, eco-queue ordering only
	CreatedAt       time.Time       `json:"created_at"`
}
