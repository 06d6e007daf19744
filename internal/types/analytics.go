package types

import "time"

// PriceSample is a single observation from the external price feed. Immutable
// once recorded.
type PriceSample struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// VolatilityMetrics is the derived dispersion signal for one pool. Recomputed
// on demand; only the last value per pool is cached, invalidated by TTL or an
// explicit refresh.
type VolatilityMetrics struct {
	PoolAddress          string        `json:"pool_address"`
	Period               time.Duration `json:"period"`
	AnnualizedVolatility float64       `json:"annualized_volatility"`
	MeanReturn           float64       `json:"mean_return"`
	StdDev               float64       `json:"std_dev"`
	SampleCount          int           `json:"sample_count"`
	ComputedAt           time.Time     `json:"computed_at"`
}

// ILBreakdown is the detailed impermanent-loss comparison between holding the
// entry amounts and providing them as constant-product liquidity.
type ILBreakdown struct {
	EntryPrice      float64 `json:"entry_price"`
	CurrentPrice    float64 `json:"current_price"`
	HodlValue       float64 `json:"hodl_value"`
	LPValue         float64 `json:"lp_value"` // Includes accumulated fees
	FeesEarned      float64 `json:"fees_earned"`
	ILPercent       float64 `json:"il_percent"`       // Always <= 0 when prices diverge
	AbsoluteLossUSD float64 `json:"absolute_loss_usd"` // LPValue - HodlValue, fees included
}

// FeeTier is one of the protocol's discrete fee levels.
type FeeTier struct {
	Name   string `json:"name"`
	FeeBps uint16 `json:"fee_bps"`
}
