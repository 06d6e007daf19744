/*

This file contains the position monitor: the periodic cycle that refreshes
pool and position data, runs the decision engine over every monitored wallet,
and routes the resulting proposals either into the eco-batch queue or straight
to the approval queue.

The monitor also fronts the analytics reads (volatility, impermanent loss,
position value) consumed by the web API and the stop-loss monitor, so all
chain-data access funnels through one component with one cache.

*/

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/analyzer"
	"github.com/dlmm-labs/rebalancer/internal/binmath"
	"github.com/dlmm-labs/rebalancer/internal/chaindata"
	"github.com/dlmm-labs/rebalancer/internal/config"
	"github.com/dlmm-labs/rebalancer/internal/engine"
	"github.com/dlmm-labs/rebalancer/internal/execution"
	"github.com/dlmm-labs/rebalancer/internal/logger"
	"github.com/dlmm-labs/rebalancer/internal/observability"
	"github.com/dlmm-labs/rebalancer/internal/scheduler"
	"github.com/dlmm-labs/rebalancer/internal/state"
	"github.com/dlmm-labs/rebalancer/internal/stoploss"
	"github.com/dlmm-labs/rebalancer/internal/txqueue"
	"github.com/dlmm-labs/rebalancer/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Enqueuer is the approval-queue write path.
type Enqueuer interface {
	Enqueue(ctx context.Context, req txqueue.EnqueueRequest) (*types.PendingTransaction, error)
}

// EcoOfferer admits proposals into the eco-batch queue. Nil disables eco mode
// and routes every proposal immediately.
type EcoOfferer interface {
	Offer(p types.RebalanceProposal) bool
}

// Alerter delivers proposal notifications.
type Alerter interface {
	Dispatch(ctx context.Context, alert types.Alert) types.Alert
}

// MetricsStore persists the volatility cache across restarts.
type MetricsStore interface {
	SaveVolatilityMetrics(ctx context.Context, m types.VolatilityMetrics) error
	GetVolatilityMetrics(ctx context.Context, poolAddress string) (*types.VolatilityMetrics, error)
}

// Monitor owns the periodic evaluation cycle over all monitored wallets.
type Monitor struct {
	provider  chaindata.Provider
	evaluator *engine.Evaluator
	executor  execution.Collaborator
	queue     Enqueuer
	eco       EcoOfferer
	alerts    Alerter
	store     MetricsStore
	metrics   *observability.Metrics
	params    config.EngineParameters
	wallets   []string
	task      *scheduler.Task
	logger    zerolog.Logger

	volMu    sync.Mutex
	volCache map[string]cachedVolatility
}

type cachedVolatility struct {
	metrics  types.VolatilityMetrics
	cachedAt time.Time
}

// Config wires the monitor's dependencies.
type Config struct {
	Provider  chaindata.Provider
	Evaluator *engine.Evaluator
	Executor  execution.Collaborator
	Queue     Enqueuer
	Eco       EcoOfferer // Optional; nil means immediate mode
	Alerts    Alerter    // Optional
	Store     MetricsStore
	Metrics   *observability.Metrics
	Params    config.EngineParameters
	Wallets   []string
}

// New constructs the monitor. The periodic task is created but not started.
func New(cfg Config, opts ...scheduler.TaskOption) (*Monitor, error) {
	if cfg.Provider == nil || cfg.Evaluator == nil || cfg.Executor == nil || cfg.Queue == nil {
		return nil, fmt.Errorf("monitor requires a provider, an evaluator, an executor and a queue")
	}
	if len(cfg.Wallets) == 0 {
		return nil, fmt.Errorf("monitor requires at least one wallet to watch")
	}
	for _, w := range cfg.Wallets {
		if err := chaindata.ValidateAddress(w); err != nil {
			return nil, fmt.Errorf("monitored wallet %q: %w", w, err)
		}
	}

	m := &Monitor{
		provider:  cfg.Provider,
		evaluator: cfg.Evaluator,
		executor:  cfg.Executor,
		queue:     cfg.Queue,
		eco:       cfg.Eco,
		alerts:    cfg.Alerts,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		params:    cfg.Params,
		wallets:   cfg.Wallets,
		logger:    logger.GetForComponent("position_monitor"),
		volCache:  make(map[string]cachedVolatility),
	}
	m.task = scheduler.NewTask("position_monitor", cfg.Params.MonitorInterval, m.RunCycle, opts...)
	return m, nil
}

// SetEco installs the eco-batch router. The eco scheduler re-evaluates
// through the monitor, so the two are built in sequence and bound here before
// Start. Not safe to call on a running monitor.
func (m *Monitor) SetEco(eco EcoOfferer) { m.eco = eco }

// Start launches the monitoring loop.
func (m *Monitor) Start(ctx context.Context) { m.task.Start(ctx) }

// Stop halts the monitoring loop.
func (m *Monitor) Stop() { m.task.Stop() }

/// RunCycle performs one full evaluation pass: refresh data for every wallet's
// positions, decide which need to move, and route the proposals. A failure on
// one position never aborts the rest of the cycle.
func (m *Monitor) RunCycle(ctx context.Context) error {
	cycleID := uuid.New().String()
	started := time.Now()
	cycleLog := m.logger.With().Str("cycleId", cycleID).Logger()
	cycleLog.Info().Msg("Starting monitoring cycle")

	snapshots := make(map[string]*types.PoolSnapshot)
	evaluated := 0
	proposed := 0

	for _, wallet := range m.wallets {
		positions, err := m.provider.GetUserPositions(ctx, wallet)
		if err != nil {
			cycleLog.Error().Err(err).Str("wallet", wallet).Msg("Failed to load wallet positions; skipping wallet this cycle")
			m.countCollaboratorError("chain_data")
			continue
		}

		for i := range positions {
			evaluated++
			proposal, err := m.evaluatePosition(ctx, positions[i], snapshots)
			if err != nil {
				cycleLog.Warn().Err(err).
					Str("position", positions[i].Address).
					Msg("Position evaluation failed; will retry next cycle")
				continue
			}
			if proposal == nil {
				continue
			}

			proposed++
			if m.metrics != nil {
				m.metrics.ProposalsProduced.WithLabelValues(string(proposal.Reason)).Inc()
			}
			m.route(ctx, cycleLog, *proposal)
		}
	}

	elapsed := time.Since(started)
	if m.metrics != nil {
		m.metrics.CyclesRun.Inc()
		m.metrics.PositionsEvaluated.Add(float64(evaluated))
		m.metrics.CycleDuration.Observe(elapsed.Seconds())
	}
	cycleLog.Info().
		Int("evaluated", evaluated).
		Int("proposed", proposed).
		Dur("elapsed", elapsed).
		Msg("Monitoring cycle completed")
	return nil
}

// EvaluateAll re-runs the decision engine over every monitored position and
// returns the proposals without routing them. Used by the eco batch at drain
// time so queue entries reflect current market state.
func (m *Monitor) EvaluateAll(ctx context.Context) ([]types.RebalanceProposal, error) {
	snapshots := make(map[string]*types.PoolSnapshot)
	var proposals []types.RebalanceProposal

	for _, wallet := range m.wallets {
		positions, err := m.provider.GetUserPositions(ctx, wallet)
		if err != nil {
			return nil, fmt.Errorf("loading positions for %s: %w", wallet, err)
		}
		for i := range positions {
			proposal, err := m.evaluatePosition(ctx, positions[i], snapshots)
			if err != nil || proposal == nil {
				continue
			}
			proposals = append(proposals, *proposal)
		}
	}
	return proposals, nil
}

// Dispatch builds the unsigned payload for a proposal and enqueues it for
// approval.
func (m *Monitor) Dispatch(ctx context.Context, proposal types.RebalanceProposal) error {
	_, err := m.dispatchProposal(ctx, proposal)
	return err
}

// RebalanceNow is the manual path: it builds and enqueues a proposal for the
// position immediately, bypassing both the rebalance-need check and the eco
// admission floor.
func (m *Monitor) RebalanceNow(ctx context.Context, positionAddress string) (*types.PendingTransaction, error) {
	if err := chaindata.ValidateAddress(positionAddress); err != nil {
		return nil, err
	}

	position, err := m.provider.GetPosition(ctx, positionAddress)
	if err != nil {
		return nil, fmt.Errorf("loading position %s: %w", positionAddress, err)
	}
	pool, err := m.provider.GetPoolSnapshot(ctx, position.PoolAddress)
	if err != nil {
		return nil, fmt.Errorf("loading pool %s: %w", position.PoolAddress, err)
	}

	volatility := 0.0
	if vm, err := m.PoolVolatility(ctx, position.PoolAddress); err == nil {
		volatility = vm.AnnualizedVolatility
	}
	ilPct := m.ilPctOrZero(*position, *pool)

	proposal, err := m.evaluator.BuildProposal(*position, *pool, volatility, ilPct)
	if err != nil {
		return nil, err
	}

	m.logger.Info().Str("position", positionAddress).Msg("Manual rebalance requested")
	return m.dispatchProposal(ctx, proposal)
}

// PoolVolatility returns the pool's dispersion signal, serving from the cache
// inside the TTL and recomputing from fresh price history otherwise.
func (m *Monitor) PoolVolatility(ctx context.Context, poolAddress string) (types.VolatilityMetrics, error) {
	m.volMu.Lock()
	cached, ok := m.volCache[poolAddress]
	m.volMu.Unlock()
	if ok && time.Since(cached.cachedAt) < m.params.VolatilityCacheTTL {
		return cached.metrics, nil
	}

	window := time.Duration(m.params.LookbackWindowHours) * time.Hour
	samples, err := m.provider.GetPriceHistory(ctx, poolAddress, window)
	if err != nil {
		m.countCollaboratorError("chain_data")
		return types.VolatilityMetrics{}, fmt.Errorf("loading price history for %s: %w", poolAddress, err)
	}

	vm, err := analyzer.ComputeVolatilityMetrics(poolAddress, samples, window, m.params.MinSampleCount)
	if errors.Is(err, analyzer.ErrInsufficientData) {
		// Fall back to the last persisted figure before giving up.
		if m.store != nil {
			if persisted, loadErr := m.store.GetVolatilityMetrics(ctx, poolAddress); loadErr == nil {
				return *persisted, nil
			}
		}
		return types.VolatilityMetrics{}, err
	}
	if err != nil {
		return types.VolatilityMetrics{}, err
	}

	m.volMu.Lock()
	m.volCache[poolAddress] = cachedVolatility{metrics: vm, cachedAt: time.Now()}
	m.volMu.Unlock()

	if m.store != nil {
		if err := m.store.SaveVolatilityMetrics(ctx, vm); err != nil {
			m.logger.Warn().Err(err).Str("pool", poolAddress).Msg("Failed to persist volatility cache")
		}
	}
	return vm, nil
}

// PositionIL returns the position's impermanent-loss breakdown against holding
// the entry amounts outright.
func (m *Monitor) PositionIL(ctx context.Context, positionAddress string) (types.ILBreakdown, error) {
	if err := chaindata.ValidateAddress(positionAddress); err != nil {
		return types.ILBreakdown{}, err
	}

	position, err := m.provider.GetPosition(ctx, positionAddress)
	if err != nil {
		return types.ILBreakdown{}, fmt.Errorf("loading position %s: %w", positionAddress, err)
	}
	pool, err := m.provider.GetPoolSnapshot(ctx, position.PoolAddress)
	if err != nil {
		return types.ILBreakdown{}, fmt.Errorf("loading pool %s: %w", position.PoolAddress, err)
	}
	return m.ilBreakdown(*position, *pool)
}

// ValuePosition prices a position for the stop-loss monitor. Current value is
// the fee-inclusive LP value; unrealized PnL is measured against holding the
// entry amounts.
func (m *Monitor) ValuePosition(ctx context.Context, positionAddress string) (stoploss.Valuation, error) {
	breakdown, err := m.PositionIL(ctx, positionAddress)
	if err != nil {
		return stoploss.Valuation{}, err
	}
	return stoploss.Valuation{
		CurrentValue:  breakdown.LPValue,
		UnrealizedPnL: breakdown.LPValue - breakdown.HodlValue,
	}, nil
}

// DispatchExit enqueues a full-liquidity exit for a stop-lossed position. The
// entry still needs explicit user approval before anything moves on-chain.
func (m *Monitor) DispatchExit(ctx context.Context, positionAddress string, lossPct float64) error {
	position, err := m.provider.GetPosition(ctx, positionAddress)
	if err != nil {
		return fmt.Errorf("loading position %s: %w", positionAddress, err)
	}

	payload, err := json.Marshal(map[string]any{
		"action":   "full_exit",
		"position": position.Address,
		"pool":     position.PoolAddress,
	})
	if err != nil {
		return fmt.Errorf("encoding exit payload: %w", err)
	}

	_, err = m.queue.Enqueue(ctx, txqueue.EnqueueRequest{
		Type:            types.TxTypeStopLossExit,
		PositionAddress: position.Address,
		WalletAddress:   position.Owner,
		Payload:         payload,
		Metadata: map[string]string{
			"loss_pct": fmt.Sprintf("%.2f", lossPct),
		},
	})
	if err != nil {
		return fmt.Errorf("enqueueing stop-loss exit for %s: %w", positionAddress, err)
	}
	return nil
}

// evaluatePosition runs the decision engine over one position. Returns nil
// with no error when the position does not need to move. Pool snapshots are
// cached in the per-cycle map so one pool serves all its positions.
func (m *Monitor) evaluatePosition(ctx context.Context, position types.Position, snapshots map[string]*types.PoolSnapshot) (*types.RebalanceProposal, error) {
	pool, ok := snapshots[position.PoolAddress]
	if !ok {
		fetched, err := m.provider.GetPoolSnapshot(ctx, position.PoolAddress)
		if err != nil {
			m.countCollaboratorError("chain_data")
			return nil, fmt.Errorf("loading pool %s: %w", position.PoolAddress, err)
		}
		snapshots[position.PoolAddress] = fetched
		pool = fetched
	}

	needed, err := m.evaluator.ShouldRebalance(position, *pool)
	if err != nil {
		return nil, err
	}
	if !needed {
		return nil, nil
	}

	vm, err := m.PoolVolatility(ctx, position.PoolAddress)
	if err != nil {
		return nil, fmt.Errorf("volatility unavailable for %s: %w", position.PoolAddress, err)
	}
	ilPct := m.ilPctOrZero(position, *pool)

	proposal, err := m.evaluator.BuildProposal(position, *pool, vm.AnnualizedVolatility, ilPct)
	if err != nil {
		return nil, err
	}
	return &proposal, nil
}

// route sends a proposal down the eco path when eco mode is on, otherwise
// straight to the approval queue.
func (m *Monitor) route(ctx context.Context, log zerolog.Logger, proposal types.RebalanceProposal) {
	if m.eco != nil {
		admitted := m.eco.Offer(proposal)
		log.Info().
			Str("position", proposal.PositionAddress).
			Str("reason", string(proposal.Reason)).
			Float64("priority", proposal.Priority).
			Bool("admitted", admitted).
			Msg("Proposal offered to eco queue")
		return
	}

	if _, err := m.dispatchProposal(ctx, proposal); err != nil {
		log.Error().Err(err).
			Str("position", proposal.PositionAddress).
			Msg("Failed to enqueue proposal; will retry next cycle")
	}
}

func (m *Monitor) dispatchProposal(ctx context.Context, proposal types.RebalanceProposal) (*types.PendingTransaction, error) {
	payload, err := m.executor.BuildProposalPayload(ctx, proposal)
	if err != nil {
		m.countCollaboratorError("execution")
		return nil, fmt.Errorf("building payload for %s: %w", proposal.PositionAddress, err)
	}

	tx, err := m.queue.Enqueue(ctx, txqueue.EnqueueRequest{
		Type:            types.TxTypeRebalance,
		PositionAddress: proposal.PositionAddress,
		WalletAddress:   proposal.Owner,
		Payload:         payload,
		Metadata: map[string]string{
			"reason":    string(proposal.Reason),
			"old_range": fmt.Sprintf("[%d,%d]", proposal.OldRange.Lower, proposal.OldRange.Upper),
			"new_range": fmt.Sprintf("[%d,%d]", proposal.NewRange.Lower, proposal.NewRange.Upper),
			"priority":  fmt.Sprintf("%.1f", proposal.Priority),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("enqueueing proposal for %s: %w", proposal.PositionAddress, err)
	}

	if m.alerts != nil {
		m.alerts.Dispatch(ctx, types.Alert{
			Type:  types.AlertRebalanceProposed,
			Title: "Rebalance proposed",
			Message: fmt.Sprintf("Position %s: %s. New range [%d, %d] awaits your approval.",
				proposal.PositionAddress, proposal.Reason, proposal.NewRange.Lower, proposal.NewRange.Upper),
			PositionAddress: proposal.PositionAddress,
		})
	}
	return tx, nil
}

// ilBreakdown computes the position's IL against an entry price approximated
// by the midpoint bin of its current range. Exact entry prices would need the
// deposit transaction, which the chain-data provider does not expose.
func (m *Monitor) ilBreakdown(position types.Position, pool types.PoolSnapshot) (types.ILBreakdown, error) {
	mid := position.LowerBin + position.Range().Width()/2
	entryPrice, err := binmath.PriceFromBin(mid, pool.BinStep)
	if err != nil {
		return types.ILBreakdown{}, fmt.Errorf("deriving entry price for %s: %w", position.Address, err)
	}

	fees := position.FeeX*pool.CurrentPrice + position.FeeY
	return analyzer.CalculateDetailedIL(entryPrice, pool.CurrentPrice, position.LiquidityX, position.LiquidityY, fees)
}

// ilPctOrZero is the scoring fallback: positions with one-sided liquidity or a
// degenerate entry price score no IL component rather than failing the cycle.
func (m *Monitor) ilPctOrZero(position types.Position, pool types.PoolSnapshot) float64 {
	breakdown, err := m.ilBreakdown(position, pool)
	if err != nil {
		return 0
	}
	return breakdown.ILPercent
}

func (m *Monitor) countCollaboratorError(name string) {
	if m.metrics != nil {
		m.metrics.CollaboratorErrors.WithLabelValues(name).Inc()
	}
}

var (
	_ scheduler.Evaluator     = (*Monitor)(nil)
	_ scheduler.Dispatcher    = (*Monitor)(nil)
	_ stoploss.Valuer         = (*Monitor)(nil)
	_ stoploss.ExitDispatcher = (*Monitor)(nil)
	_ MetricsStore            = (*state.Store)(nil)
)
