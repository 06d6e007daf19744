/*

This file contains the stop-loss monitor: a periodic evaluator that watches
configured positions for excessive unrealized loss and, when a threshold is
crossed, routes a full-liquidity-exit proposal through the approval queue.
Stop-loss never bypasses human approval.

*/

package stoploss

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/logger"
	"github.com/dlmm-labs/rebalancer/internal/observability"
	"github.com/dlmm-labs/rebalancer/internal/scheduler"
	"github.com/dlmm-labs/rebalancer/internal/state"
	"github.com/dlmm-labs/rebalancer/internal/types"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidThreshold rejects configs outside (0, 1] before any state
	// is written.
	ErrInvalidThreshold = errors.New("stop-loss threshold must be in (0, 1]")
	// ErrUnknownPosition rejects configs for positions the valuer cannot see.
	ErrUnknownPosition = errors.New("position not found for stop-loss config")
)

// Valuation is a position's worth at evaluation time.
type Valuation struct {
	CurrentValue  float64
	UnrealizedPnL float64
}

// Valuer prices a position. Implemented by the monitor package on top of the
// chain-data provider.
type Valuer interface {
	ValuePosition(ctx context.Context, positionAddress string) (Valuation, error)
}

// ExitDispatcher hands a full-exit request to the approval path.
type ExitDispatcher interface {
	DispatchExit(ctx context.Context, positionAddress string, lossPct float64) error
}

// ConfigStore persists stop-loss settings.
type ConfigStore interface {
	SaveStopLossConfig(ctx context.Context, cfg types.StopLossConfig) error
	GetStopLossConfig(ctx context.Context, positionAddress string) (*types.StopLossConfig, error)
	ListEnabledStopLossConfigs(ctx context.Context) ([]types.StopLossConfig, error)
}

// Alerter delivers trigger notifications.
type Alerter interface {
	Dispatch(ctx context.Context, alert types.Alert) types.Alert
}

// Monitor evaluates stop-loss configs on a fixed interval.
type Monitor struct {
	store   ConfigStore
	valuer  Valuer
	exits   ExitDispatcher
	alerts  Alerter
	metrics *observability.Metrics
	task    *scheduler.Task
	logger  zerolog.Logger

	mu        sync.Mutex
	triggered map[string]time.Time // positions already fired this run, to avoid re-dispatching every minute
}

// NewMonitor wires the stop-loss monitor. The periodic task is created but
// not started.
func NewMonitor(store ConfigStore, valuer Valuer, exits ExitDispatcher, alerts Alerter, metrics *observability.Metrics, interval time.Duration, opts ...scheduler.TaskOption) (*Monitor, error) {
	if store == nil || valuer == nil || exits == nil {
		return nil, fmt.Errorf("stop-loss monitor requires a store, a valuer and an exit dispatcher")
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}

	m := &Monitor{
		store:     store,
		valuer:    valuer,
		exits:     exits,
		alerts:    alerts,
		metrics:   metrics,
		logger:    logger.GetForComponent("stop_loss"),
		triggered: make(map[string]time.Time),
	}
	m.task = scheduler.NewTask("stop_loss", interval, m.RunCheck, opts...)
	return m, nil
}

// Start launches the periodic check.
func (m *Monitor) Start(ctx context.Context) { m.task.Start(ctx) }

// Stop halts the periodic check.
func (m *Monitor) Stop() { m.task.Stop() }

// SetConfig validates and persists a stop-loss setting. Invalid thresholds
// are rejected before any state mutation.
func (m *Monitor) SetConfig(ctx context.Context, cfg types.StopLossConfig) error {
	if cfg.LossThreshold <= 0 || cfg.LossThreshold > 1 {
		return fmt.Errorf("%w: got %f", ErrInvalidThreshold, cfg.LossThreshold)
	}
	if cfg.PositionAddress == "" {
		return fmt.Errorf("%w: empty position address", ErrUnknownPosition)
	}

	cfg.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveStopLossConfig(ctx, cfg); err != nil {
		return fmt.Errorf("saving stop-loss config for %s: %w", cfg.PositionAddress, err)
	}

	// Re-arming a config clears its fired latch.
	m.mu.Lock()
	delete(m.triggered, cfg.PositionAddress)
	m.mu.Unlock()

	m.logger.Info().
		Str("position", cfg.PositionAddress).
		Float64("threshold", cfg.LossThreshold).
		Bool("notifyOnly", cfg.NotifyOnly).
		Msg("Stop-loss config saved")
	return nil
}

// GetConfig loads the stop-loss setting for one position.
func (m *Monitor) GetConfig(ctx context.Context, positionAddress string) (*types.StopLossConfig, error) {
	cfg, err := m.store.GetStopLossConfig(ctx, positionAddress)
	if errors.Is(err, state.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPosition, positionAddress)
	}
	return cfg, err
}

// RunCheck evaluates every enabled config once. A failure on one position is
// logged and never halts the sweep for the others.
func (m *Monitor) RunCheck(ctx context.Context) error {
	configs, err := m.store.ListEnabledStopLossConfigs(ctx)
	if err != nil {
		return fmt.Errorf("listing stop-loss configs: %w", err)
	}
	if m.metrics != nil {
		m.metrics.StopLossChecks.Inc()
	}

	for _, cfg := range configs {
		if err := m.evaluate(ctx, cfg); err != nil {
			m.logger.Error().Err(err).
				Str("position", cfg.PositionAddress).
				Msg("Stop-loss evaluation failed for position; continuing")
		}
	}
	return nil
}

func (m *Monitor) evaluate(ctx context.Context, cfg types.StopLossConfig) error {
	m.mu.Lock()
	_, alreadyFired := m.triggered[cfg.PositionAddress]
	m.mu.Unlock()
	if alreadyFired {
		return nil
	}

	valuation, err := m.valuer.ValuePosition(ctx, cfg.PositionAddress)
	if err != nil {
		return fmt.Errorf("valuing position: %w", err)
	}
	if valuation.CurrentValue <= 0 {
		return fmt.Errorf("position has non-positive value: %f", valuation.CurrentValue)
	}

	currentLoss := -valuation.UnrealizedPnL / valuation.CurrentValue
	if currentLoss < cfg.LossThreshold {
		return nil
	}

	m.mu.Lock()
	m.triggered[cfg.PositionAddress] = time.Now().UTC()
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.StopLossTriggers.Inc()
	}

	lossPct := currentLoss * 100
	m.logger.Warn().
		Str("position", cfg.PositionAddress).
		Float64("lossPct", lossPct).
		Float64("thresholdPct", cfg.LossThreshold*100).
		Msg("Stop-loss threshold crossed")

	if m.alerts != nil {
		m.alerts.Dispatch(ctx, types.Alert{
			Type:            types.AlertStopLossTriggered,
			Title:           "Stop-loss triggered",
			Message:         fmt.Sprintf("Position is down %.2f%%, past the %.2f%% stop-loss threshold.", lossPct, cfg.LossThreshold*100),
			PositionAddress: cfg.PositionAddress,
		})
	}

	if cfg.NotifyOnly {
		return nil
	}
	if err := m.exits.DispatchExit(ctx, cfg.PositionAddress, lossPct); err != nil {
		// Clear the latch so the next sweep retries the exit.
		m.mu.Lock()
		delete(m.triggered, cfg.PositionAddress)
		m.mu.Unlock()
		return fmt.Errorf("dispatching stop-loss exit: %w", err)
	}
	return nil
}
