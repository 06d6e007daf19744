// ./internal/state/metrics_store.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/types"
)

// SaveVolatilityMetrics upserts the last computed dispersion signal for a
// pool. Only the latest value per pool is retained.
func (s *Store) SaveVolatilityMetrics(ctx context.Context, m types.VolatilityMetrics) error {
	stmt := `
		INSERT INTO volatility_cache
			(pool_address, period_seconds, annualized_volatility, mean_return, std_dev, sample_count, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pool_address) DO UPDATE
		SET period_seconds = EXCLUDED.period_seconds,
		    annualized_volatility = EXCLUDED.annualized_volatility,
		    mean_return = EXCLUDED.mean_return,
		    std_dev = EXCLUDED.std_dev,
		    sample_count = EXCLUDED.sample_count,
		    computed_at = EXCLUDED.computed_at;`
	_, err := s.db.ExecContext(ctx, stmt,
		m.PoolAddress, int64(m.Period.Seconds()), m.AnnualizedVolatility, m.MeanReturn,
		m.StdDev, m.SampleCount, m.ComputedAt)
	if err != nil {
		return fmt.Errorf("failed to save volatility metrics for %s: %w", m.PoolAddress, err)
	}
	return nil
}

// GetVolatilityMetrics loads the cached dispersion signal for a pool.
func (s *Store) GetVolatilityMetrics(ctx context.Context, poolAddress string) (*types.VolatilityMetrics, error) {
	stmt := `
		SELECT pool_address, period_seconds, annualized_volatility, mean_return, std_dev, sample_count, computed_at
		FROM volatility_cache WHERE pool_address = $1;`
	var m types.VolatilityMetrics
	var periodSeconds int64
	err := s.db.QueryRowContext(ctx, stmt, poolAddress).Scan(
		&m.PoolAddress, &periodSeconds, &m.AnnualizedVolatility, &m.MeanReturn,
		&m.StdDev, &m.SampleCount, &m.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load volatility metrics for %s: %w", poolAddress, err)
	}
	m.Period = time.Duration(periodSeconds) * time.Second
	return &m, nil
}
