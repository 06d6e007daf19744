// Package scheduler drives the engine's periodic work: a generic cancellable
// task runner and the eco-mode batch scheduler built on top of it.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/logger"
	"github.com/rs/zerolog"
)

// Ticker abstracts time.Ticker so tests can drive tasks deterministically
// without wall-clock delays.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory builds a Ticker for the given interval.
type TickerFactory func(interval time.Duration) Ticker

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// RealTicker is the production TickerFactory.
func RealTicker(interval time.Duration) Ticker {
	return realTicker{t: time.NewTicker(interval)}
}

// TickFunc is one unit of periodic work. Errors are logged at the task
// boundary, never propagated: one bad cycle must not kill the task.
type TickFunc func(ctx context.Context) error

// Task runs a TickFunc on a fixed interval until stopped. Each periodic
// concern in the engine (position monitor, eco batch, stop-loss sweep, expiry
// sweep) owns one Task.
type Task struct {
	name           string
	interval       time.Duration
	fn             TickFunc
	tickers        TickerFactory
	runImmediately bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	logger zerolog.Logger
}

// TaskOption customizes a Task.
type TaskOption func(*Task)

// WithTickerFactory injects a deterministic ticker for tests.
func WithTickerFactory(f TickerFactory) TaskOption {
	return func(t *Task) { t.tickers = f }
}

// WithImmediateFirstRun makes the task tick once at start instead of waiting
// a full interval.
func WithImmediateFirstRun() TaskOption {
	return func(t *Task) { t.runImmediately = true }
}

// NewTask constructs a named periodic task.
func NewTask(name string, interval time.Duration, fn TickFunc, opts ...TaskOption) *Task {
	task := &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		tickers:  RealTicker,
		logger:   logger.GetForComponent("task_" + name),
	}
	for _, opt := range opts {
		opt(task)
	}
	return task
}

// Start launches the task loop. Starting a running task is a no-op.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true

	go t.loop(runCtx)
	t.logger.Info().Dur("interval", t.interval).Msg("Periodic task started")
}

// Stop cancels the task and waits for the in-flight tick, if any, to finish.
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	cancel, done := t.cancel, t.done
	t.running = false
	t.mu.Unlock()

	cancel()
	<-done
	t.logger.Info().Msg("Periodic task stopped")
}

func (t *Task) loop(ctx context.Context) {
	defer close(t.done)

	ticker := t.tickers(t.interval)
	defer ticker.Stop()

	if t.runImmediately {
		t.tick(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			t.tick(ctx)
		}
	}
}

// tick runs one cycle, absorbing both errors and panics.
func (t *Task) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Interface("panic", r).Msg("Periodic task tick panicked")
		}
	}()

	if err := t.fn(ctx); err != nil {
		t.logger.Error().Err(err).Msg("Periodic task tick failed")
	}
}
