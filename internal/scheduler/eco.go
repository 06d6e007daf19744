/*

This file contains the eco-mode batch scheduler. Instead of acting on every
proposal immediately, eco mode accumulates them in a priority queue and drains
the top of the queue on a fixed interval, amortizing transaction cost across
the batch.

*/

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/logger"
	"github.com/dlmm-labs/rebalancer/internal/observability"
	"github.com/dlmm-labs/rebalancer/internal/types"
	"github.com/rs/zerolog"
)

// Evaluator produces fresh proposals for every monitored position. The batch
// re-evaluates at drain time so stale queue priorities cannot trigger a move
// the market has since undone.
type Evaluator interface {
	EvaluateAll(ctx context.Context) ([]types.RebalanceProposal, error)
}

// Dispatcher hands a drained proposal to the approval queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, proposal types.RebalanceProposal) error
}

// Alerter delivers the batch-completion summary.
type Alerter interface {
	Dispatch(ctx context.Context, alert types.Alert) types.Alert
}

// EcoConfig tunes the batch scheduler.
type EcoConfig struct {
	Interval       time.Duration // Default 1h
	BatchSize      int           // Default 5
	AdmissionFloor float64       // Minimum priority for automatic admission, default 50
	QueueCapacity  int
	SavingsRatio   float64 // Per-transaction gas savings ratio, default 0.2
}

// EcoScheduler owns the eco queue and its periodic drain task.
type EcoScheduler struct {
	cfg       EcoConfig
	queue     *EcoQueue
	evaluator Evaluator
	dispatch  Dispatcher
	alerts    Alerter
	metrics   *observability.Metrics
	task      *Task
	logger    zerolog.Logger
}

// NewEcoScheduler wires the scheduler. The task is created but not started.
func NewEcoScheduler(cfg EcoConfig, evaluator Evaluator, dispatch Dispatcher, alerts Alerter, metrics *observability.Metrics, opts ...TaskOption) (*EcoScheduler, error) {
	if evaluator == nil || dispatch == nil {
		return nil, fmt.Errorf("eco scheduler requires an evaluator and a dispatcher")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.AdmissionFloor <= 0 {
		cfg.AdmissionFloor = 50
	}
	if cfg.SavingsRatio <= 0 {
		cfg.SavingsRatio = 0.2
	}

	s := &EcoScheduler{
		cfg:       cfg,
		queue:     NewEcoQueue(cfg.QueueCapacity),
		evaluator: evaluator,
		dispatch:  dispatch,
		alerts:    alerts,
		metrics:   metrics,
		logger:    logger.GetForComponent("eco_scheduler"),
	}
	s.task = NewTask("eco_batch", cfg.Interval, s.RunBatch, opts...)
	return s, nil
}

// Start launches the periodic batch drain.
func (s *EcoScheduler) Start(ctx context.Context) { s.task.Start(ctx) }

// Stop halts the periodic batch drain.
func (s *EcoScheduler) Stop() { s.task.Stop() }

// Offer admits a proposal into the eco queue if it clears the admission
// floor. The floor gates only this automatic path; immediate manual rebalance
// requests never pass through here.
func (s *EcoScheduler) Offer(p types.RebalanceProposal) bool {
	if p.Priority < s.cfg.AdmissionFloor {
		return false
	}
	admitted := s.queue.Offer(p)
	if s.metrics != nil {
		s.metrics.EcoQueueDepth.Set(float64(s.queue.Len()))
	}
	return admitted
}

// QueueLen reports how many proposals are waiting.
func (s *EcoScheduler) QueueLen() int { return s.queue.Len() }

// RunBatch executes one eco cycle: re-evaluate all positions, admit those
// above the floor, drain the top of the queue into the approval path, and
// emit a single summary notification. One failing proposal never aborts the
// rest of the batch.
func (s *EcoScheduler) RunBatch(ctx context.Context) error {
	proposals, err := s.evaluator.EvaluateAll(ctx)
	if err != nil {
		return fmt.Errorf("re-evaluating positions for eco batch: %w", err)
	}
	for _, p := range proposals {
		s.Offer(p)
	}

	batch := s.queue.PopTop(s.cfg.BatchSize)
	if s.metrics != nil {
		s.metrics.EcoQueueDepth.Set(float64(s.queue.Len()))
		s.metrics.BatchesRun.Inc()
		s.metrics.BatchSize.Observe(float64(len(batch)))
	}
	if len(batch) == 0 {
		s.logger.Debug().Msg("Eco batch skipped: queue empty")
		return nil
	}

	processed := 0
	failed := 0
	for _, p := range batch {
		if err := s.dispatch.Dispatch(ctx, p); err != nil {
			failed++
			if s.metrics != nil {
				s.metrics.BatchFailures.Inc()
			}
			s.logger.Error().Err(err).
				Str("position", p.PositionAddress).
				Msg("Eco batch member failed; continuing with the rest")
			continue
		}
		processed++
	}

	savings := GasSavingsEstimate(processed, s.cfg.SavingsRatio)
	s.logger.Info().
		Int("processed", processed).
		Int("failed", failed).
		Float64("estimatedGasSavings", savings).
		Msg("Eco batch completed")

	if s.alerts != nil {
		s.alerts.Dispatch(ctx, types.Alert{
			Type:  types.AlertBatchCompleted,
			Title: "Eco batch completed",
			Message: fmt.Sprintf("Processed %d rebalance proposal(s), %d failed. Estimated gas savings: %.0f%%.",
				processed, failed, savings*100),
		})
	}
	return nil
}

// GasSavingsEstimate is the informational batching heuristic: each
// transaction beyond the first saves roughly ratio of a standalone
// transaction's cost. Never used in scheduling decisions.
func GasSavingsEstimate(batchSize int, ratio float64) float64 {
	if batchSize <= 1 {
		return 0
	}
	return float64(batchSize-1) * ratio
}
