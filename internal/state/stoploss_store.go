// ./internal/state/stoploss_store.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dlmm-labs/rebalancer/internal/types"
)

// SaveStopLossConfig upserts the stop-loss setting for a position.
func (s *Store) SaveStopLossConfig(ctx context.Context, cfg types.StopLossConfig) error {
	stmt := `
		INSERT INTO stop_loss_configs (position_address, loss_threshold, enabled, notify_only, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (position_address) DO UPDATE
		SET loss_threshold = EXCLUDED.loss_threshold,
		    enabled = EXCLUDED.enabled,
		    notify_only = EXCLUDED.notify_only,
		    updated_at = EXCLUDED.updated_at;`
	_, err := s.db.ExecContext(ctx, stmt,
		cfg.PositionAddress, cfg.LossThreshold, cfg.Enabled, cfg.NotifyOnly, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save stop-loss config for %s: %w", cfg.PositionAddress, err)
	}
	return nil
}

// GetStopLossConfig loads the stop-loss setting for one position.
func (s *Store) GetStopLossConfig(ctx context.Context, positionAddress string) (*types.StopLossConfig, error) {
	stmt := `
		SELECT position_address, loss_threshold, enabled, notify_only, updated_at
		FROM stop_loss_configs WHERE position_address = $1;`
	var cfg types.StopLossConfig
	err := s.db.QueryRowContext(ctx, stmt, positionAddress).Scan(
		&cfg.PositionAddress, &cfg.LossThreshold, &cfg.Enabled, &cfg.NotifyOnly, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stop-loss config for %s: %w", positionAddress, err)
	}
	return &cfg, nil
}

// ListEnabledStopLossConfigs returns every enabled config, for the monitor's
// check cycle.
func (s *Store) ListEnabledStopLossConfigs(ctx context.Context) ([]types.StopLossConfig, error) {
	stmt := `
		SELECT position_address, loss_threshold, enabled, notify_only, updated_at
		FROM stop_loss_configs WHERE enabled = TRUE;`
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled stop-loss configs: %w", err)
	}
	defer rows.Close()

	var out []types.StopLossConfig
	for rows.Next() {
		var cfg types.StopLossConfig
		if err := rows.Scan(&cfg.PositionAddress, &cfg.LossThreshold, &cfg.Enabled, &cfg.NotifyOnly, &cfg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stop-loss config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}
